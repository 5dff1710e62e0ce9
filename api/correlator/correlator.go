// Package correlator matches completion broadcasts to the callers waiting on
// them.
//
// Every waiter is a single-slot channel in a map keyed by correlation id. The
// map is the only place a waiter can be claimed, so whichever of completion
// delivery, deadline expiry, or caller cancellation removes the entry first is
// the only one that resolves it. Completions are recorded in a short-lived
// recent cache under the same lock, which closes the gap where a worker
// finishes before its caller starts waiting.
//
// Persistence, metrics, and execution logging run on a bounded pool of effect
// workers after the waiter is resolved. A slow store delays those effects,
// never the next delivery.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"skuld/api/jobstore"
	"skuld/api/model"
	"skuld/api/pubsub"
)

var (
	ErrAlreadyWaiting  = errors.New("correlator: a caller is already waiting on this id")
	ErrInvalidDeadline = errors.New("correlator: deadline must be positive")
)

const effectTimeout = 10 * time.Second

// Metrics is the slice of the metrics aggregator the correlator feeds.
type Metrics interface {
	ObserveDuration(functionID, status string, seconds float64)
	IncrementInvocation(functionID, status string)
	CompletionParseFailed()
	CompletionWithoutWaiter()
	EffectsOverflowed()
}

type ExecutionLogs interface {
	UpsertExecutionLog(ctx context.Context, l *model.ExecutionLog) error
}

type Options struct {
	Clock          clock.WithDelayedExecution
	Logger         logrus.FieldLogger
	ChannelPattern string // e.g. "result:*"
	JobTTL         time.Duration
	RecentTTL      time.Duration
	MaxOutputBytes int
	EffectWorkers  int
	EffectQueue    int
}

type Correlator struct {
	mu      sync.Mutex
	pending map[string]*waiter
	recent  *ttlcache.Cache[string, model.CompletionEvent]

	broker  pubsub.Broker
	jobs    jobstore.Store
	logs    ExecutionLogs
	metrics Metrics
	hooks   []func(*model.CompletionEvent)

	effects []chan *model.CompletionEvent
	inline  sync.WaitGroup
	stop    chan struct{}
	// closing is set under mu once Run starts draining. Effects scheduled
	// after that run on the caller's goroutine.
	closing bool

	clock     clock.WithDelayedExecution
	log       logrus.FieldLogger
	pattern   string
	prefix    string
	jobTTL    time.Duration
	recentTTL time.Duration
	maxOutput int
}

type waiter struct {
	functionID string
	result     chan *model.CompletionEvent
	timer      clock.Timer
}

// New builds a correlator. logs may be nil when execution logging is off.
func New(broker pubsub.Broker, jobs jobstore.Store, logs ExecutionLogs, m Metrics, opts Options) *Correlator {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ChannelPattern == "" {
		opts.ChannelPattern = "result:*"
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = time.Hour
	}
	if opts.RecentTTL <= 0 {
		opts.RecentTTL = 5 * time.Minute
	}
	if opts.EffectWorkers <= 0 {
		opts.EffectWorkers = 8
	}
	if opts.EffectQueue <= 0 {
		opts.EffectQueue = 1024
	}

	perWorker := opts.EffectQueue / opts.EffectWorkers
	if perWorker < 1 {
		perWorker = 1
	}
	effects := make([]chan *model.CompletionEvent, opts.EffectWorkers)
	for i := range effects {
		effects[i] = make(chan *model.CompletionEvent, perWorker)
	}

	return &Correlator{
		pending: make(map[string]*waiter),
		recent: ttlcache.New(
			ttlcache.WithTTL[string, model.CompletionEvent](opts.RecentTTL),
			ttlcache.WithDisableTouchOnHit[string, model.CompletionEvent](),
		),
		broker:    broker,
		jobs:      jobs,
		logs:      logs,
		metrics:   m,
		effects:   effects,
		stop:      make(chan struct{}),
		clock:     opts.Clock,
		log:       opts.Logger.WithField("component", "correlator"),
		pattern:   opts.ChannelPattern,
		prefix:    strings.TrimSuffix(opts.ChannelPattern, "*"),
		jobTTL:    opts.JobTTL,
		recentTTL: opts.RecentTTL,
		maxOutput: opts.MaxOutputBytes,
	}
}

// OnCompletion registers a hook run by the effect workers after persistence,
// for real and synthetic completions alike.
func (c *Correlator) OnCompletion(fn func(*model.CompletionEvent)) {
	c.hooks = append(c.hooks, fn)
}

// Pending reports how many callers are currently waiting.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Await blocks until the completion for correlationID arrives, the timeout
// elapses, or ctx is cancelled. A timeout is not an error: it returns a
// synthetic TIMEOUT event, which is also persisted and counted like any other
// outcome.
func (c *Correlator) Await(ctx context.Context, correlationID, functionID string, timeout time.Duration) (*model.CompletionEvent, error) {
	if timeout <= 0 {
		return nil, ErrInvalidDeadline
	}
	registered := c.clock.Now()
	w := &waiter{functionID: functionID, result: make(chan *model.CompletionEvent, 1)}

	c.mu.Lock()
	if _, busy := c.pending[correlationID]; busy {
		c.mu.Unlock()
		return nil, ErrAlreadyWaiting
	}
	if item := c.recent.Get(correlationID); item != nil {
		c.mu.Unlock()
		evt := item.Value()
		return &evt, nil
	}
	c.pending[correlationID] = w
	c.mu.Unlock()

	deadline := registered.Add(timeout)
	timer := c.clock.AfterFunc(timeout, func() {
		c.expire(correlationID, w, timeout, deadline)
	})
	c.mu.Lock()
	attached := c.pending[correlationID] == w
	if attached {
		w.timer = timer
	}
	c.mu.Unlock()
	if !attached {
		timer.Stop()
	}

	// A completion may have landed on another instance, or before this
	// instance subscribed.
	if evt, ok, err := c.jobs.Get(ctx, correlationID); err != nil {
		c.log.WithField("correlationId", correlationID).WithError(err).Warn("correlator: job store lookup failed")
	} else if ok && evt.Status != model.StatusTimeout {
		if c.claim(correlationID, w) {
			return evt, nil
		}
	}

	select {
	case evt := <-w.result:
		return evt, nil
	case <-ctx.Done():
		if c.claim(correlationID, w) {
			return nil, ctx.Err()
		}
		return <-w.result, nil
	}
}

// claim removes w if it is still the registered waiter and stops its timer.
// It reports whether the caller now owns the waiter's resolution.
func (c *Correlator) claim(correlationID string, w *waiter) bool {
	c.mu.Lock()
	if c.pending[correlationID] != w {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, correlationID)
	timer := w.timer
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	return true
}

// expire runs on the clock's timer. It must not call back into the clock.
func (c *Correlator) expire(correlationID string, w *waiter, waited time.Duration, at time.Time) {
	c.mu.Lock()
	if c.pending[correlationID] != w {
		c.mu.Unlock()
		return
	}
	delete(c.pending, correlationID)
	c.mu.Unlock()

	evt := model.TimeoutEvent(correlationID, w.functionID, waited, at)
	w.result <- evt
	c.log.WithFields(logrus.Fields{"correlationId": correlationID, "functionId": w.functionID}).
		Info("correlator: waiter timed out")
	c.enqueue(evt)
}

// Deliver routes one completion: it resolves the waiter if one is registered
// and always schedules persistence and metrics.
func (c *Correlator) Deliver(evt *model.CompletionEvent) {
	if evt.CompletedAt.IsZero() {
		evt.CompletedAt = c.clock.Now()
	}

	c.mu.Lock()
	w, found := c.pending[evt.CorrelationID]
	var timer clock.Timer
	if found {
		delete(c.pending, evt.CorrelationID)
		timer = w.timer
		if evt.FunctionID == "" {
			evt.FunctionID = w.functionID
		}
	}
	c.recent.Set(evt.CorrelationID, *evt, c.recentTTL)
	c.mu.Unlock()

	if found {
		if timer != nil {
			timer.Stop()
		}
		resolved := *evt
		w.result <- &resolved
	} else if c.metrics != nil {
		c.metrics.CompletionWithoutWaiter()
	}
	c.enqueue(evt)
}

// Run starts the effect workers and consumes the completion channel until ctx
// is cancelled. Queued effects are drained before it returns.
func (c *Correlator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, queue := range c.effects {
		wg.Add(1)
		go func(queue chan *model.CompletionEvent) {
			defer wg.Done()
			c.effectWorker(queue)
		}(queue)
	}

	go c.recent.Start()
	defer c.recent.Stop()

	c.log.WithField("pattern", c.pattern).Info("correlator: listening for completions")
	err := c.broker.Subscribe(ctx, c.pattern, c.handleMessage)

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	close(c.stop)
	wg.Wait()
	c.inline.Wait()
	if err != nil {
		return fmt.Errorf("completion subscription: %w", err)
	}
	return nil
}

func (c *Correlator) handleMessage(channel, payload string) {
	channelID := ""
	if c.prefix != c.pattern && strings.HasPrefix(channel, c.prefix) {
		channelID = strings.TrimPrefix(channel, c.prefix)
	}

	evt, err := model.ParseCompletion([]byte(payload), channelID)
	if err != nil {
		c.log.WithField("channel", channel).WithError(err).Warn("correlator: dropping completion")
		if c.metrics != nil {
			c.metrics.CompletionParseFailed()
		}
		return
	}
	c.Deliver(evt)
}

// enqueue routes effects for one correlation id to the same worker, so a
// late completion is persisted after the timeout it supersedes. Overflow runs
// detached and loses that ordering.
func (c *Correlator) enqueue(evt *model.CompletionEvent) {
	h := fnv.New32a()
	h.Write([]byte(evt.CorrelationID))
	queue := c.effects[h.Sum32()%uint32(len(c.effects))]

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.applyEffects(evt)
		return
	}
	select {
	case queue <- evt:
		c.mu.Unlock()
		return
	default:
	}
	c.inline.Add(1)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.EffectsOverflowed()
	}
	go func() {
		defer c.inline.Done()
		c.applyEffects(evt)
	}()
}

func (c *Correlator) effectWorker(queue chan *model.CompletionEvent) {
	for {
		select {
		case evt := <-queue:
			c.applyEffects(evt)
		case <-c.stop:
			for {
				select {
				case evt := <-queue:
					c.applyEffects(evt)
				default:
					return
				}
			}
		}
	}
}

// applyEffects runs each step independently; a failure is logged and the
// remaining steps still run.
func (c *Correlator) applyEffects(evt *model.CompletionEvent) {
	log := c.log.WithFields(logrus.Fields{
		"correlationId": evt.CorrelationID,
		"functionId":    evt.FunctionID,
		"status":        evt.Status,
	})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("correlator: panic in completion effects")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
	defer cancel()

	if err := c.jobs.Put(ctx, evt.CorrelationID, evt, c.jobTTL); err != nil {
		log.WithError(err).Warn("correlator: job record write failed")
	}

	if c.metrics != nil {
		status := string(evt.Status)
		c.metrics.ObserveDuration(evt.FunctionID, status, evt.Duration().Seconds())
		c.metrics.IncrementInvocation(evt.FunctionID, status)
	}

	if c.logs != nil {
		if err := c.logs.UpsertExecutionLog(ctx, model.ExecutionLogFrom(evt, c.maxOutput)); err != nil {
			log.WithError(err).Warn("correlator: execution log write failed")
		}
	}

	for _, hook := range c.hooks {
		hook(evt)
	}
}

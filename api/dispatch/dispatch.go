// Package dispatch turns an invocation request into a queued task.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"skuld/api/jobstore"
	"skuld/api/model"
	"skuld/api/queue"
	"skuld/api/store"
)

const maxCorrelationIDLen = 128

var (
	ErrFunctionNotFound     = errors.New("function not found")
	ErrInvalidCorrelationID = errors.New("invalid correlation id")
	ErrEnqueue              = errors.New("enqueue failed")
	// ErrDuplicateCorrelationID means a caller-chosen id is reserved by an
	// earlier invocation whose record has not expired yet.
	ErrDuplicateCorrelationID = errors.New("correlation id already in use")
)

type FunctionStore interface {
	GetFunction(ctx context.Context, id string) (*model.Function, error)
	IncrementInvocations(ctx context.Context, id string) error
}

type SecretResolver interface {
	Resolve(ctx context.Context, functionID string) (map[string]string, error)
}

type Presigner interface {
	Presign(ctx context.Context, uri string, expiry time.Duration) (string, error)
}

type Metrics interface {
	Dispatched(functionID string, async bool)
	DispatchFailed(reason string)
}

type Request struct {
	FunctionID string
	Input      json.RawMessage
	ModelID    string
	Async      bool
	// CorrelationID is optional; a fresh one is generated when empty.
	CorrelationID string
}

type Dispatcher struct {
	functions FunctionStore
	queue     queue.Queue
	secrets   SecretResolver
	presigner Presigner
	metrics   Metrics
	reserver  jobstore.Reserver
	holdFor   time.Duration
	clock     clock.PassiveClock
	timeout   time.Duration
	newID     func() string
	log       logrus.FieldLogger
}

type Option func(*Dispatcher)

func WithSecrets(s SecretResolver) Option { return func(d *Dispatcher) { d.secrets = s } }
func WithPresigner(p Presigner) Option    { return func(d *Dispatcher) { d.presigner = p } }
func WithMetrics(m Metrics) Option        { return func(d *Dispatcher) { d.metrics = m } }
func WithClock(c clock.PassiveClock) Option {
	return func(d *Dispatcher) { d.clock = c }
}
func WithIDGenerator(fn func() string) Option { return func(d *Dispatcher) { d.newID = fn } }

// WithReservations makes caller-chosen correlation ids single use for ttl,
// which should match the job record TTL.
func WithReservations(r jobstore.Reserver, ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.reserver = r
		d.holdFor = ttl
	}
}

// New builds a dispatcher. taskTimeout is the execution ceiling stamped on
// every task regardless of what the caller asks for.
func New(functions FunctionStore, q queue.Queue, taskTimeout time.Duration, log logrus.FieldLogger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		functions: functions,
		queue:     q,
		clock:     clock.RealClock{},
		timeout:   taskTimeout,
		newID:     uuid.NewString,
		log:       log.WithField("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) TaskTimeout() time.Duration { return d.timeout }

// Dispatch enqueues one invocation and returns the task as published.
//
// The invocation counter is bumped before publishing; if the publish then
// fails the count is not rolled back.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*model.TaskMessage, error) {
	fn, err := d.functions.GetFunction(ctx, req.FunctionID)
	if errors.Is(err, store.ErrNotFound) {
		d.failed("not_found")
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, req.FunctionID)
	}
	if err != nil {
		d.failed("metadata")
		return nil, fmt.Errorf("lookup function %s: %w", req.FunctionID, err)
	}

	correlationID := req.CorrelationID
	callerID := correlationID != ""
	if !callerID {
		correlationID = d.newID()
	} else if err := validateCorrelationID(correlationID); err != nil {
		d.failed("bad_request")
		return nil, err
	}

	env, err := d.resolveEnv(ctx, fn)
	if err != nil {
		d.failed("secrets")
		return nil, err
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = fn.ModelID
	}

	task := &model.TaskMessage{
		CorrelationID:  correlationID,
		FunctionID:     fn.ID,
		Runtime:        fn.Runtime,
		MemoryMB:       fn.MemoryMB,
		PackageURI:     fn.PackageURI,
		PackageURL:     d.packageURL(ctx, fn),
		TimeoutSeconds: int(d.timeout / time.Second),
		Input:          req.Input,
		Env:            env,
		ModelID:        modelID,
		Async:          req.Async,
		EnqueuedAt:     d.clock.Now(),
	}

	log := d.log.WithFields(logrus.Fields{"correlationId": correlationID, "functionId": fn.ID})

	// Generated ids are unique already. A caller-chosen one is claimed
	// before anything is queued so a reuse can never be answered with an
	// earlier run's completion.
	reserved := false
	if callerID && d.reserver != nil {
		ok, err := d.reserver.Reserve(ctx, correlationID, d.holdFor)
		if err != nil {
			d.failed("reservation")
			return nil, fmt.Errorf("reserve correlation id: %w", err)
		}
		if !ok {
			d.failed("duplicate")
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelationID, correlationID)
		}
		reserved = true
	}

	if err := d.functions.IncrementInvocations(ctx, fn.ID); err != nil {
		log.WithError(err).Warn("dispatch: invocation counter update failed")
	}

	if err := d.queue.Enqueue(ctx, task); err != nil {
		d.failed("queue")
		if reserved {
			if rerr := d.reserver.Release(context.WithoutCancel(ctx), correlationID); rerr != nil {
				log.WithError(rerr).Warn("dispatch: reservation release failed")
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	if d.metrics != nil {
		d.metrics.Dispatched(fn.ID, req.Async)
	}
	log.WithField("async", req.Async).Debug("dispatch: task enqueued")
	return task, nil
}

// resolveEnv merges stored env with decrypted secrets. Secrets win.
func (d *Dispatcher) resolveEnv(ctx context.Context, fn *model.Function) (map[string]string, error) {
	env := make(map[string]string, len(fn.Env))
	for k, v := range fn.Env {
		env[k] = v
	}
	if d.secrets == nil {
		return env, nil
	}
	secrets, err := d.secrets.Resolve(ctx, fn.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve secrets for %s: %w", fn.ID, err)
	}
	for k, v := range secrets {
		env[k] = v
	}
	return env, nil
}

func (d *Dispatcher) packageURL(ctx context.Context, fn *model.Function) string {
	if d.presigner == nil || fn.PackageURI == "" {
		return ""
	}
	u, err := d.presigner.Presign(ctx, fn.PackageURI, d.timeout)
	if err != nil {
		d.log.WithField("functionId", fn.ID).WithError(err).Warn("dispatch: package presign failed, sending raw uri")
		return ""
	}
	if u == fn.PackageURI {
		return ""
	}
	return u
}

func (d *Dispatcher) failed(reason string) {
	if d.metrics != nil {
		d.metrics.DispatchFailed(reason)
	}
}

func validateCorrelationID(id string) error {
	if len(id) > maxCorrelationIDLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidCorrelationID, maxCorrelationIDLen)
	}
	if strings.ContainsAny(id, " \t\r\n*?[]") {
		return fmt.Errorf("%w: contains whitespace or glob characters", ErrInvalidCorrelationID)
	}
	return nil
}

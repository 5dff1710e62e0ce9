package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	testclock "k8s.io/utils/clock/testing"

	"skuld/api/jobstore"
	"skuld/api/logging"
	"skuld/api/model"
	"skuld/api/pubsub"
)

type recorder struct {
	mu            sync.Mutex
	invocations   map[string]int
	durations     int
	parseFailures int
	noWaiter      int
	overflows     int
}

func newRecorder() *recorder { return &recorder{invocations: map[string]int{}} }

func (r *recorder) ObserveDuration(string, string, float64) {
	r.mu.Lock()
	r.durations++
	r.mu.Unlock()
}

func (r *recorder) IncrementInvocation(fn, status string) {
	r.mu.Lock()
	r.invocations[fn+"/"+status]++
	r.mu.Unlock()
}

func (r *recorder) CompletionParseFailed() {
	r.mu.Lock()
	r.parseFailures++
	r.mu.Unlock()
}

func (r *recorder) CompletionWithoutWaiter() {
	r.mu.Lock()
	r.noWaiter++
	r.mu.Unlock()
}

func (r *recorder) EffectsOverflowed() {
	r.mu.Lock()
	r.overflows++
	r.mu.Unlock()
}

func (r *recorder) count(fn string, status model.Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invocations[fn+"/"+string(status)]
}

type memoryLogs struct {
	mu   sync.Mutex
	rows map[string]*model.ExecutionLog
}

func (m *memoryLogs) UpsertExecutionLog(_ context.Context, l *model.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = map[string]*model.ExecutionLog{}
	}
	m.rows[l.CorrelationID] = l
	return nil
}

func (m *memoryLogs) get(id string) *model.ExecutionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

type failingJobs struct{ jobstore.Store }

func (failingJobs) Put(context.Context, string, *model.CompletionEvent, time.Duration) error {
	return errors.New("store down")
}

func (failingJobs) Get(context.Context, string) (*model.CompletionEvent, bool, error) {
	return nil, false, errors.New("store down")
}

// blockingJobs stalls every Put until release is closed.
type blockingJobs struct {
	*jobstore.Memory
	release chan struct{}
}

func (b *blockingJobs) Put(ctx context.Context, id string, evt *model.CompletionEvent, ttl time.Duration) error {
	<-b.release
	return b.Memory.Put(ctx, id, evt, ttl)
}

type harness struct {
	c      *Correlator
	jobs   *jobstore.Memory
	logs   *memoryLogs
	m      *recorder
	broker *pubsub.Memory
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, clk clock.WithDelayedExecution, jobs jobstore.Store, opts Options, hooks ...func(*model.CompletionEvent)) *harness {
	t.Helper()
	h := &harness{
		logs:   &memoryLogs{},
		m:      newRecorder(),
		broker: pubsub.NewMemory(logging.Discard()),
		done:   make(chan error, 1),
	}
	if jobs == nil {
		h.jobs = jobstore.NewMemory()
		jobs = h.jobs
	}
	opts.Clock = clk
	opts.Logger = logging.Discard()
	if opts.MaxOutputBytes == 0 {
		opts.MaxOutputBytes = 64
	}
	h.c = New(h.broker, jobs, h.logs, h.m, opts)
	for _, hook := range hooks {
		h.c.OnCompletion(hook)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.c.Run(ctx) }()
	require.Eventually(t, func() bool { return h.broker.Subscribers() == 1 }, time.Second, time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("correlator did not stop")
		}
	})
	return h
}

func success(id string) *model.CompletionEvent {
	return &model.CompletionEvent{
		CorrelationID: id,
		FunctionID:    "fn",
		Status:        model.StatusSuccess,
		DurationMs:    250,
		Stdout:        "out-" + id,
	}
}

func (h *harness) stored(t *testing.T, id string) *model.CompletionEvent {
	t.Helper()
	evt, ok, err := h.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	return evt
}

type awaitResult struct {
	evt *model.CompletionEvent
	err error
}

func awaitAsync(c *Correlator, ctx context.Context, id string, timeout time.Duration) <-chan awaitResult {
	out := make(chan awaitResult, 1)
	go func() {
		evt, err := c.Await(ctx, id, "fn", timeout)
		out <- awaitResult{evt, err}
	}()
	return out
}

func receive(t *testing.T, ch <-chan awaitResult) awaitResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never resolved")
		return awaitResult{}
	}
}

func TestCompletionResolvesWaiter(t *testing.T) {
	h := start(t, clock.RealClock{}, nil, Options{})

	res := awaitAsync(h.c, context.Background(), "c-1", 5*time.Second)
	require.Eventually(t, func() bool { return h.c.Pending() == 1 }, time.Second, time.Millisecond)

	h.c.Deliver(success("c-1"))

	r := receive(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, "c-1", r.evt.CorrelationID)
	assert.Equal(t, model.StatusSuccess, r.evt.Status)
	assert.Equal(t, 0, h.c.Pending())

	assert.Eventually(t, func() bool { return h.stored(t, "c-1") != nil }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return h.m.count("fn", model.StatusSuccess) == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return h.logs.get("c-1") != nil }, time.Second, time.Millisecond)
}

func TestDeadlineYieldsTimeout(t *testing.T) {
	clk := testclock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	h := start(t, clk, nil, Options{})

	res := awaitAsync(h.c, context.Background(), "c-slow", 2000*time.Millisecond)
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)

	clk.Step(1999 * time.Millisecond)
	select {
	case <-res:
		t.Fatal("resolved before the deadline")
	default:
	}

	clk.Step(time.Millisecond)
	r := receive(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, model.StatusTimeout, r.evt.Status)
	assert.Equal(t, "c-slow", r.evt.CorrelationID)
	assert.Equal(t, "fn", r.evt.FunctionID)
	assert.Equal(t, int64(2000), r.evt.DurationMs)

	assert.Eventually(t, func() bool {
		evt := h.stored(t, "c-slow")
		return evt != nil && evt.Status == model.StatusTimeout
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return h.m.count("fn", model.StatusTimeout) == 1 }, time.Second, time.Millisecond)
}

func TestLateCompletionIsRecordedButNotResolved(t *testing.T) {
	clk := testclock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	h := start(t, clk, nil, Options{})

	res := awaitAsync(h.c, context.Background(), "c-late", time.Second)
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Second)

	r := receive(t, res)
	require.Equal(t, model.StatusTimeout, r.evt.Status)
	require.Eventually(t, func() bool { return h.stored(t, "c-late") != nil }, time.Second, time.Millisecond)

	h.c.Deliver(success("c-late"))

	assert.Eventually(t, func() bool {
		evt := h.stored(t, "c-late")
		return evt != nil && evt.Status == model.StatusSuccess
	}, time.Second, time.Millisecond, "late completion overwrites the timeout record")
	assert.Eventually(t, func() bool { return h.m.count("fn", model.StatusSuccess) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.m.count("fn", model.StatusTimeout))
	assert.Equal(t, 0, h.c.Pending())
}

func TestCompletionWithoutWaiter(t *testing.T) {
	h := start(t, clock.RealClock{}, nil, Options{})

	h.c.Deliver(success("c-orphan"))

	assert.Eventually(t, func() bool { return h.stored(t, "c-orphan") != nil }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return h.m.count("fn", model.StatusSuccess) == 1 }, time.Second, time.Millisecond)
	h.m.mu.Lock()
	assert.Equal(t, 1, h.m.noWaiter)
	h.m.mu.Unlock()
}

func TestDuplicateCompletionsResolveOnce(t *testing.T) {
	h := start(t, clock.RealClock{}, nil, Options{})

	res := awaitAsync(h.c, context.Background(), "c-dup", 5*time.Second)
	require.Eventually(t, func() bool { return h.c.Pending() == 1 }, time.Second, time.Millisecond)

	first := success("c-dup")
	first.Stdout = "first"
	second := success("c-dup")
	second.Stdout = "second"
	h.c.Deliver(first)
	h.c.Deliver(second)

	r := receive(t, res)
	assert.Equal(t, "first", r.evt.Stdout)

	assert.Eventually(t, func() bool { return h.m.count("fn", model.StatusSuccess) == 2 }, time.Second, time.Millisecond)
}

func TestCompletionBeforeAwaitIsNotLost(t *testing.T) {
	h := start(t, clock.RealClock{}, nil, Options{})

	h.c.Deliver(success("c-early"))

	evt, err := h.c.Await(context.Background(), "c-early", "fn", time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, evt.Status)
	assert.Equal(t, 0, h.c.Pending())
}

func TestAwaitFindsDurableRecord(t *testing.T) {
	h := start(t, clock.RealClock{}, nil, Options{})

	// Delivered on another instance: only the shared store has it.
	require.NoError(t, h.jobs.Put(context.Background(), "c-remote", success("c-remote"), time.Hour))

	evt, err := h.c.Await(context.Background(), "c-remote", "fn", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "c-remote", evt.CorrelationID)
	assert.Equal(t, model.StatusSuccess, evt.Status)
	assert.Equal(t, 0, h.c.Pending())
}

func TestAwaitRejectsSecondWaiter(t *testing.T) {
	h := start(t, clock.RealClock{}, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := awaitAsync(h.c, ctx, "c-1", 5*time.Second)
	require.Eventually(t, func() bool { return h.c.Pending() == 1 }, time.Second, time.Millisecond)

	_, err := h.c.Await(context.Background(), "c-1", "fn", time.Second)
	assert.ErrorIs(t, err, ErrAlreadyWaiting)

	cancel()
	r := receive(t, res)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 0, h.c.Pending())
}

func TestAwaitRejectsNonPositiveDeadline(t *testing.T) {
	h := start(t, clock.RealClock{}, nil, Options{})
	_, err := h.c.Await(context.Background(), "c", "fn", 0)
	assert.ErrorIs(t, err, ErrInvalidDeadline)
}

func TestConcurrentWaitersReceiveOwnResults(t *testing.T) {
	h := start(t, clock.RealClock{}, nil, Options{})
	const n = 50

	results := make([]<-chan awaitResult, n)
	for i := 0; i < n; i++ {
		results[i] = awaitAsync(h.c, context.Background(), fmt.Sprintf("c-%02d", i), 10*time.Second)
	}
	require.Eventually(t, func() bool { return h.c.Pending() == n }, 2*time.Second, time.Millisecond)

	for i := n - 1; i >= 0; i-- {
		h.c.Deliver(success(fmt.Sprintf("c-%02d", i)))
	}

	for i := 0; i < n; i++ {
		r := receive(t, results[i])
		require.NoError(t, r.err)
		want := fmt.Sprintf("c-%02d", i)
		assert.Equal(t, want, r.evt.CorrelationID)
		assert.Equal(t, "out-"+want, r.evt.Stdout)
	}
}

func TestRacingCompletionAndTimeoutResolveExactlyOnce(t *testing.T) {
	h := start(t, clock.RealClock{}, nil, Options{})
	const n = 200

	var wg sync.WaitGroup
	outcomes := make([]awaitResult, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("race-%d", i)
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			evt, err := h.c.Await(context.Background(), id, "fn", time.Millisecond)
			outcomes[i] = awaitResult{evt, err}
		}(i)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			h.c.Deliver(success(id))
			h.c.Deliver(success(id))
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("a resolution blocked: double send on a waiter")
	}

	for i, r := range outcomes {
		require.NoError(t, r.err)
		assert.Equal(t, fmt.Sprintf("race-%d", i), r.evt.CorrelationID)
		assert.Contains(t, []model.Status{model.StatusSuccess, model.StatusTimeout}, r.evt.Status)
	}
	assert.Equal(t, 0, h.c.Pending())
}

func TestStoreFailureDoesNotBlockResolution(t *testing.T) {
	h := start(t, clock.RealClock{}, failingJobs{}, Options{})

	res := awaitAsync(h.c, context.Background(), "c-1", 5*time.Second)
	require.Eventually(t, func() bool { return h.c.Pending() == 1 }, time.Second, time.Millisecond)
	h.c.Deliver(success("c-1"))

	r := receive(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, model.StatusSuccess, r.evt.Status)
	assert.Eventually(t, func() bool { return h.m.count("fn", model.StatusSuccess) == 1 }, time.Second, time.Millisecond)
}

func TestSlowEffectsDoNotStallDelivery(t *testing.T) {
	slow := &blockingJobs{Memory: jobstore.NewMemory(), release: make(chan struct{})}
	h := start(t, clock.RealClock{}, slow, Options{EffectWorkers: 1, EffectQueue: 1})
	defer close(slow.release)

	for i := 0; i < 5; i++ {
		h.c.Deliver(success(fmt.Sprintf("bg-%d", i)))
	}

	res := awaitAsync(h.c, context.Background(), "c-hot", 5*time.Second)
	require.Eventually(t, func() bool { return h.c.Pending() == 1 }, time.Second, time.Millisecond)
	h.c.Deliver(success("c-hot"))

	r := receive(t, res)
	assert.Equal(t, "c-hot", r.evt.CorrelationID)

	h.m.mu.Lock()
	assert.Greater(t, h.m.overflows, 0)
	h.m.mu.Unlock()
}

func TestChannelMessagesAreParsedAndRouted(t *testing.T) {
	h := start(t, clock.RealClock{}, nil, Options{ChannelPattern: "result:*"})
	ctx := context.Background()

	res := awaitAsync(h.c, ctx, "c-wire", 5*time.Second)
	require.Eventually(t, func() bool { return h.c.Pending() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.broker.Publish(ctx, "result:c-junk", "not json"))
	require.NoError(t, h.broker.Publish(ctx, "result:c-wire",
		`{"request_id":"c-wire","function_id":"fn","status":"error","duration_ms":12,"exit_code":3,"stderr":"boom"}`))

	r := receive(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, model.StatusError, r.evt.Status)
	assert.Equal(t, 3, r.evt.ExitCode)
	assert.Equal(t, "boom", r.evt.Stderr)

	h.m.mu.Lock()
	assert.Equal(t, 1, h.m.parseFailures)
	h.m.mu.Unlock()
}

func TestExecutionLogIsTruncated(t *testing.T) {
	h := start(t, clock.RealClock{}, nil, Options{MaxOutputBytes: 8})

	evt := success("c-big")
	evt.Stdout = "0123456789abcdef"
	h.c.Deliver(evt)

	assert.Eventually(t, func() bool { return h.logs.get("c-big") != nil }, time.Second, time.Millisecond)
	assert.Equal(t, "01234567\n...[truncated 8 bytes]", h.logs.get("c-big").Stdout)

	stored := h.stored(t, "c-big")
	require.NotNil(t, stored)
	assert.Equal(t, "0123456789abcdef", stored.Stdout)
}

func TestCompletionHooksRun(t *testing.T) {
	got := make(chan string, 1)
	h := start(t, clock.RealClock{}, nil, Options{}, func(evt *model.CompletionEvent) { got <- evt.CorrelationID })

	h.c.Deliver(success("c-hook"))

	select {
	case id := <-got:
		assert.Equal(t, "c-hook", id)
	case <-time.After(time.Second):
		t.Fatal("hook not called")
	}
}

// stopRun cancels Run and waits for it, leaving the result for cleanup.
func (h *harness) stopRun(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("correlator did not stop")
	}
}

func TestTimeoutAfterShutdownIsStillRecorded(t *testing.T) {
	clk := testclock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	h := start(t, clk, nil, Options{})

	res := awaitAsync(h.c, context.Background(), "late-timer", 10*time.Second)
	require.Eventually(t, func() bool { return clk.HasWaiters() }, time.Second, time.Millisecond)

	h.stopRun(t)
	clk.Step(10 * time.Second)

	r := receive(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, model.StatusTimeout, r.evt.Status)

	stored := h.stored(t, "late-timer")
	require.NotNil(t, stored, "effects run inline once the workers are gone")
	assert.Equal(t, model.StatusTimeout, stored.Status)
	assert.Equal(t, 1, h.m.count("fn", model.StatusTimeout))
}

func TestDeliverAfterShutdownRunsEffectsInline(t *testing.T) {
	h := start(t, testclock.NewFakeClock(time.Now()), nil, Options{EffectWorkers: 1, EffectQueue: 1})
	h.stopRun(t)

	for i := 0; i < 4; i++ {
		h.c.Deliver(success(fmt.Sprintf("after-%d", i)))
	}
	for i := 0; i < 4; i++ {
		assert.NotNil(t, h.stored(t, fmt.Sprintf("after-%d", i)))
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	assert.Zero(t, h.m.overflows, "nothing is handed to the overflow path after shutdown")
}

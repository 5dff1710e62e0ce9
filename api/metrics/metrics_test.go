package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrementInvocation(t *testing.T) {
	a := New(0)

	a.IncrementInvocation("resize", "SUCCESS")
	a.IncrementInvocation("resize", "SUCCESS")
	a.IncrementInvocation("resize", "TIMEOUT")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.invocations.WithLabelValues("resize", "SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.invocations.WithLabelValues("resize", "TIMEOUT")))

	want := `
# HELP skuld_function_invocations_total Completed invocations by function and outcome, including synthetic timeouts.
# TYPE skuld_function_invocations_total counter
skuld_function_invocations_total{function="resize",status="SUCCESS"} 2
skuld_function_invocations_total{function="resize",status="TIMEOUT"} 1
`
	require.NoError(t, testutil.GatherAndCompare(a.Registry(), strings.NewReader(want), "skuld_function_invocations_total"))
}

func TestObserveDuration(t *testing.T) {
	a := New(0)

	a.ObserveDuration("resize", "SUCCESS", 0.2)
	a.ObserveDuration("resize", "SUCCESS", 4)
	a.ObserveDuration("thumb", "ERROR", 1)

	assert.Equal(t, 2, testutil.CollectAndCount(a.duration, "skuld_function_duration_seconds"))
}

func TestFunctionLabelCap(t *testing.T) {
	a := New(2)

	a.IncrementInvocation("a", "SUCCESS")
	a.IncrementInvocation("b", "SUCCESS")
	a.IncrementInvocation("c", "SUCCESS")
	a.IncrementInvocation("d", "SUCCESS")
	a.IncrementInvocation("a", "SUCCESS")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.invocations.WithLabelValues("a", "SUCCESS")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.invocations.WithLabelValues(OverflowFunction, "SUCCESS")))
	assert.Equal(t, "unknown", a.functionLabel(""))
}

func TestOperationalCounters(t *testing.T) {
	a := New(0)

	a.Dispatched("resize", true)
	a.Dispatched("resize", false)
	a.DispatchFailed("not_found")
	a.RateLimited()
	a.RateLimitFailedOpen()
	a.WorkerEvicted()
	a.WorkerEvicted()
	a.CompletionParseFailed()
	a.EffectsOverflowed()
	a.CompletionWithoutWaiter()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.dispatched.WithLabelValues("resize", "async")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.dispatched.WithLabelValues("resize", "sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.dispatchErrors.WithLabelValues("not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.rateLimited))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.rateLimitOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.parseFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.effectsOverflow))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.lateCompletions))
}

func TestHandlerServesGauges(t *testing.T) {
	a := New(0)
	a.RegisterGauge("pending_waiters", "Callers blocked on a result.", func() float64 { return 7 })

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "skuld_pending_waiters 7")
}

package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Reporter receives the aggregated status on every tick.
type Reporter interface {
	UpdateTTL(checkID, output, status string) error
}

type Report struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	CheckedAt time.Time         `json:"checkedAt"`
}

func (r Report) Healthy() bool {
	return r.Status == consulapi.HealthPassing
}

// Poller periodically checks control-plane dependencies and pushes the
// result to a TTL health check.
type Poller struct {
	Checks   map[string]CheckFunc
	Reporter Reporter
	CheckID  string
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.WithTicker
	Log      logrus.FieldLogger

	mu   sync.RWMutex
	last Report
}

// Check runs every probe once. Any failure downgrades the status to warning:
// the instance can still serve from memory while a dependency recovers.
func (p *Poller) Check(ctx context.Context) Report {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clk := p.clock()
	report := Report{
		Status:    consulapi.HealthPassing,
		Checks:    make(map[string]string, len(p.Checks)),
		CheckedAt: clk.Now(),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range p.Checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()
			result := "ok"
			if err := check(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			report.Checks[name] = result
			if result != "ok" {
				report.Status = consulapi.HealthWarning
			}
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	p.mu.Lock()
	p.last = report
	p.mu.Unlock()
	return report
}

func (p *Poller) Last() Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval == 0 {
		interval = 10 * time.Second
	}

	ticker := p.clock().NewTicker(interval)
	defer ticker.Stop()

	// Run once immediately on start
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	report := p.Check(ctx)
	if p.Reporter == nil {
		return
	}
	if err := p.Reporter.UpdateTTL(p.CheckID, summarize(report), report.Status); err != nil && p.Log != nil {
		p.Log.WithError(err).Warn("health: ttl update failed")
	}
}

func (p *Poller) clock() clock.WithTicker {
	if p.Clock == nil {
		return clock.RealClock{}
	}
	return p.Clock
}

func summarize(r Report) string {
	names := make([]string, 0, len(r.Checks))
	for name := range r.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, r.Checks[name]))
	}
	return strings.Join(parts, " ")
}

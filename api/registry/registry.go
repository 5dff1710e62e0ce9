// Package registry tracks worker liveness from pushed heartbeats.
//
// Workers are never polled. Each heartbeat upserts a record stamped with the
// registry clock; a record is healthy while now-lastSeen < timeout, and the
// background sweep removes it once now-lastSeen >= timeout. Eviction is
// advisory: it changes the cluster view and dashboards, never in-flight tasks.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"skuld/api/model"
)

var ErrMissingWorkerID = errors.New("registry: worker id is required")

// EvictFunc observes a record removed by the sweep.
type EvictFunc func(rec model.WorkerRecord)

type Registry struct {
	mu      sync.Mutex
	workers map[string]*model.WorkerRecord
	onEvict []EvictFunc

	clock    clock.WithTicker
	timeout  time.Duration
	interval time.Duration
	log      logrus.FieldLogger
}

func New(clk clock.WithTicker, timeout, sweepInterval time.Duration, log logrus.FieldLogger) *Registry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	return &Registry{
		workers:  make(map[string]*model.WorkerRecord),
		clock:    clk,
		timeout:  timeout,
		interval: sweepInterval,
		log:      log.WithField("component", "registry"),
	}
}

// OnEvict registers a hook run after each eviction, outside the registry lock.
func (r *Registry) OnEvict(fn EvictFunc) {
	r.mu.Lock()
	r.onEvict = append(r.onEvict, fn)
	r.mu.Unlock()
}

// RecordHeartbeat upserts the worker's record with the current time.
func (r *Registry) RecordHeartbeat(hb model.Heartbeat) error {
	if hb.WorkerID == "" {
		return ErrMissingWorkerID
	}

	pools := make(map[string]int, len(hb.Pools))
	for runtime, n := range hb.Pools {
		pools[runtime] = n
	}
	now := r.clock.Now()

	r.mu.Lock()
	_, known := r.workers[hb.WorkerID]
	r.workers[hb.WorkerID] = &model.WorkerRecord{
		ID:            hb.WorkerID,
		Status:        hb.Status,
		Pools:         pools,
		ActiveJobs:    hb.ActiveJobs,
		UptimeSeconds: hb.UptimeSeconds,
		LastSeen:      now,
	}
	r.mu.Unlock()

	if !known {
		r.log.WithField("workerId", hb.WorkerID).Info("registry: worker joined")
	}
	return nil
}

// ListWorkers returns every tracked record, sorted by id, with Healthy derived
// from the current time.
func (r *Registry) ListWorkers() []model.WorkerRecord {
	now := r.clock.Now()

	r.mu.Lock()
	out := make([]model.WorkerRecord, 0, len(r.workers))
	for _, w := range r.workers {
		rec := *w
		rec.Pools = copyPools(w.Pools)
		rec.Healthy = now.Sub(w.LastSeen) < r.timeout
		out = append(out, rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Aggregate sums pool occupancy and active jobs across healthy workers.
func (r *Registry) Aggregate() model.ClusterView {
	view := model.ClusterView{Pools: map[string]int{}}
	for _, w := range r.ListWorkers() {
		view.Workers++
		if !w.Healthy {
			continue
		}
		view.Healthy++
		view.ActiveJobs += w.ActiveJobs
		for runtime, n := range w.Pools {
			view.Pools[runtime] += n
		}
		if w.UptimeSeconds > view.MaxUptimeSeconds {
			view.MaxUptimeSeconds = w.UptimeSeconds
		}
	}
	return view
}

// Sweep removes stale records and returns them.
func (r *Registry) Sweep() []model.WorkerRecord {
	now := r.clock.Now()

	r.mu.Lock()
	var evicted []model.WorkerRecord
	for id, w := range r.workers {
		if now.Sub(w.LastSeen) >= r.timeout {
			evicted = append(evicted, *w)
			delete(r.workers, id)
		}
	}
	hooks := append([]EvictFunc(nil), r.onEvict...)
	r.mu.Unlock()

	for _, w := range evicted {
		r.log.WithFields(logrus.Fields{
			"workerId": w.ID,
			"silence":  now.Sub(w.LastSeen).Round(time.Millisecond),
		}).Warn("registry: evicted stale worker")
		for _, fn := range hooks {
			fn(w)
		}
	}
	return evicted
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.Sweep()
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

func copyPools(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// JobFunc is one maintenance task. The context is cancelled when the
// scheduler stops.
type JobFunc func(ctx context.Context) error

type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Next      time.Time `json:"next"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Running   bool      `json:"running"`
}

type job struct {
	name     string
	schedule string
	fn       JobFunc
	entry    cron.EntryID
	running  bool
	lastRun  time.Time
	lastErr  error
}

// Scheduler runs named maintenance jobs. A job that is still running when
// its next tick fires is skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

func New(log logrus.FieldLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		log:    log.WithField("component", "cron"),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("cron: scheduler started")
}

func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("cron: scheduler stopped")
}

// Add registers fn under name. Re-adding a name replaces its schedule.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[name]; ok {
		s.cron.Remove(existing.entry)
		delete(s.jobs, name)
	}

	j := &job{name: name, schedule: schedule, fn: fn}
	entryID, err := s.cron.AddFunc(schedule, func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("schedule %s with '%s': %w", name, schedule, err)
	}
	j.entry = entryID
	s.jobs[name] = j

	s.log.WithFields(logrus.Fields{"job": name, "schedule": schedule}).Info("cron: job scheduled")
	return nil
}

// RunNow executes name synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron job %s not found", name)
	}
	return s.execute(j)
}

func (s *Scheduler) execute(j *job) error {
	s.mu.Lock()
	if j.running {
		s.mu.Unlock()
		s.log.WithField("job", j.name).Warn("cron: previous run still in progress, skipping")
		return nil
	}
	j.running = true
	s.mu.Unlock()

	start := time.Now()
	err := j.fn(s.ctx)

	s.mu.Lock()
	j.running = false
	j.lastRun = start
	j.lastErr = err
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"job": j.name, "duration": time.Since(start).String()})
	if err != nil {
		log.WithError(err).Error("cron: job failed")
		return err
	}
	log.Debug("cron: job finished")
	return nil
}

func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			Name:     j.name,
			Schedule: j.schedule,
			Next:     s.cron.Entry(j.entry).Next,
			LastRun:  j.lastRun,
			Running:  j.running,
		}
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

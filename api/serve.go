package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"skuld/api/auth"
	"skuld/api/cache"
	"skuld/api/config"
	"skuld/api/consul"
	"skuld/api/correlator"
	"skuld/api/cron"
	"skuld/api/dispatch"
	"skuld/api/handler"
	"skuld/api/health"
	"skuld/api/hub"
	"skuld/api/jobstore"
	"skuld/api/metrics"
	"skuld/api/model"
	"skuld/api/pubsub"
	"skuld/api/queue"
	"skuld/api/ratelimit"
	"skuld/api/registry"
	"skuld/api/secrets"
	"skuld/api/storage"
	"skuld/api/store"
	"skuld/api/validate"
)

const maxFunctionLabels = 500

// backends are the pieces that differ between local and shared mode.
// jobBackend stores completions and reserves caller-chosen correlation ids.
type jobBackend interface {
	jobstore.Store
	jobstore.Reserver
}

type backends struct {
	broker  pubsub.Broker
	queue   queue.Queue
	tasks   handler.TaskSource
	jobs    jobBackend
	counter ratelimit.Counter
	checks  map[string]health.CheckFunc
	run     []func(ctx context.Context)
	close   func()
}

func localBackends(log logrus.FieldLogger) *backends {
	q := queue.NewMemory()
	jobs := jobstore.NewMemory()
	return &backends{
		broker:  pubsub.NewMemory(log),
		queue:   q,
		tasks:   q,
		jobs:    jobs,
		counter: ratelimit.NewMemoryCounter(clock.RealClock{}),
		checks:  map[string]health.CheckFunc{},
		run:     []func(ctx context.Context){jobs.Run},
		close:   func() {},
	}
}

func valkeyBackends(cfg *config.Config, log logrus.FieldLogger) (*backends, error) {
	client, err := cache.Connect(cfg.ValkeyAddr, cfg.ValkeyPassword, cfg.ValkeyTLS)
	if err != nil {
		return nil, err
	}
	log.WithField("addr", cfg.ValkeyAddr).Info("valkey connected")
	return &backends{
		broker:  pubsub.NewValkey(client, log),
		queue:   queue.NewStreams(client, cfg.QueueShards, cfg.QueueMaxLen),
		jobs:    jobstore.NewValkey(client),
		counter: ratelimit.NewValkeyCounter(client),
		checks: map[string]health.CheckFunc{
			"valkey": func(ctx context.Context) error { return cache.Healthy(ctx, client) },
		},
		close: client.Close,
	}, nil
}

func serve(parent context.Context, cfg *config.Config, log *logrus.Logger, local bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instanceID := newInstanceID()
	log.WithFields(logrus.Fields{"instanceId": instanceID, "local": local}).Info("starting skuld " + Version)

	db, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	sops := secrets.NewManager(cfg.SecretsDir)
	seedFunctions(ctx, db, cfg.FunctionsDir, &validate.Validator{Secrets: sops}, log)

	var be *backends
	if local {
		log.Warn("local mode: in-memory queue and job store, single instance only")
		be = localBackends(log)
	} else {
		be, err = valkeyBackends(cfg, log)
		if err != nil {
			return fmt.Errorf("valkey: %w", err)
		}
	}
	defer be.close()
	be.checks["postgres"] = db.Ping

	agg := metrics.New(maxFunctionLabels)
	ws := hub.New(cfg.AllowedOriginList(), log)

	dispatchOpts := []dispatch.Option{
		dispatch.WithMetrics(agg),
		dispatch.WithSecrets(sops),
		dispatch.WithReservations(be.jobs, cfg.JobTTL),
	}
	if cfg.S3Endpoint != "" {
		s3, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.WithError(err).Warn("S3 storage unavailable, package URIs sent unsigned")
		} else {
			dispatchOpts = append(dispatchOpts, dispatch.WithPresigner(s3))
			be.checks["s3"] = s3.Healthy
			log.Info("S3 storage configured at " + s3.Endpoint())
		}
	}
	dispatcher := dispatch.New(db, be.queue, cfg.TaskTimeout, log, dispatchOpts...)

	corr := correlator.New(be.broker, be.jobs, db, agg, correlator.Options{
		Logger:         log,
		ChannelPattern: cfg.ResultChannelGlob,
		JobTTL:         cfg.JobTTL,
		RecentTTL:      cfg.RecentTTL,
		MaxOutputBytes: cfg.MaxOutputBytes,
		EffectWorkers:  cfg.EffectWorkers,
		EffectQueue:    cfg.EffectQueue,
	})
	corr.OnCompletion(func(evt *model.CompletionEvent) {
		typ := hub.EventFunctionCompleted
		if evt.Status == model.StatusTimeout {
			typ = hub.EventFunctionTimeout
		}
		ws.Broadcast(hub.Event{Type: typ, FunctionID: evt.FunctionID, Payload: map[string]interface{}{
			"correlationId": evt.CorrelationID,
			"status":        evt.Status,
			"durationMs":    evt.DurationMs,
		}})
	})

	reg := registry.New(clock.RealClock{}, cfg.LivenessTimeout, cfg.SweepInterval, log)
	reg.OnEvict(func(rec model.WorkerRecord) {
		agg.WorkerEvicted()
		ws.Broadcast(hub.Event{Type: hub.EventWorkerEvicted, Payload: rec})
	})
	var relay *registry.Relay
	if cfg.ShareHeartbeats && !local {
		relay = registry.NewRelay(reg, be.broker, instanceID, log)
	}

	registerGauges(agg, corr, reg, ws)

	scheduler := cron.New(log)
	if err := scheduler.Add("prune-executions", cron.PruneSchedule, cron.PruneExecutions(db, cfg.ExecLogRetention, log)); err != nil {
		return err
	}

	poller := &health.Poller{
		Checks:   be.checks,
		Interval: 10 * time.Second,
		Clock:    clock.RealClock{},
		Log:      log,
	}
	if cfg.ConsulAddr != "" {
		deregister, err := registerConsul(cfg, instanceID, poller, log)
		if err != nil {
			log.WithError(err).Warn("consul registration failed, continuing without it")
		} else {
			defer deregister()
		}
	}

	h := handler.New(handler.Deps{
		Dispatcher: dispatcher,
		Waiter:     corr,
		Jobs:       be.jobs,
		Registry:   reg,
		Relay:      relay,
		Limiter:    ratelimit.New(be.counter, log),
		Executions: db,
		Functions:  db,
		Tasks:      be.tasks,
		Results:    be.broker,
		Health:     poller,
		Metrics:    agg,
		Log:        log,
	}, handler.Settings{
		SyncWaitTimeout: cfg.SyncWaitTimeout,
		RateLimitWindow: cfg.RateLimitWindow,
		RateLimitMax:    cfg.RateLimitMax,
		InstanceID:      instanceID,
		Version:         Version,
		ResultPrefix:    strings.TrimSuffix(cfg.ResultChannelGlob, "*"),
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           newRouter(cfg, h, ws, agg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return corr.Run(gctx) })
	g.Go(func() error { reg.Run(gctx); return nil })
	g.Go(func() error { ws.Run(gctx); return nil })
	g.Go(func() error { poller.Run(gctx); return nil })
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	for _, run := range be.run {
		g.Go(func() error { run(gctx); return nil })
	}
	scheduler.Start()

	g.Go(func() error {
		log.Infof("skuld %s listening on %s", Version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// registerGauges exports live state under the aggregator's namespace, so
// names here carry no prefix.
func registerGauges(agg *metrics.Aggregator, corr *correlator.Correlator, reg *registry.Registry, ws *hub.Hub) {
	agg.RegisterGauge("pending_waiters", "Callers currently blocked on a completion.", func() float64 {
		return float64(corr.Pending())
	})
	agg.RegisterGauge("healthy_workers", "Workers seen within the liveness timeout.", func() float64 {
		return float64(reg.Aggregate().Healthy)
	})
	agg.RegisterGauge("ws_clients", "Connected live feed clients.", func() float64 {
		return float64(ws.Clients())
	})
}

func newRouter(cfg *config.Config, h *handler.Handler, ws *hub.Hub, agg *metrics.Aggregator, log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	// RealIP rewrites RemoteAddr, which keys the rate limiter for callers
	// without a client token. Only honour forwarded headers behind a proxy.
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOriginList(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", auth.ClientTokenHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
	}))

	// Optional bearer token auth when SKULD_API_TOKEN is set
	if cfg.APIToken != "" {
		r.Use(auth.Bearer(cfg.APIToken, "/ws", "/api/health", "/api/version", "/metrics"))
		log.Info("API token auth enabled")
	}
	if cfg.ClientTokenKey != "" {
		r.Use(auth.NewClientTokens(cfg.ClientTokenKey).Middleware)
		log.Info("client token identity enabled")
	}

	h.Routes(r)
	r.Handle("/metrics", agg.Handler())
	r.Get("/ws", ws.HandleConnect)
	return r
}

// seedFunctions upserts every valid function.yaml under dir. Manifests with
// validation errors are logged and skipped.
func seedFunctions(ctx context.Context, db *store.DB, dir string, v *validate.Validator, log logrus.FieldLogger) {
	if dir == "" {
		return
	}
	fns, err := model.DiscoverFunctions(dir)
	if err != nil {
		log.WithError(err).Warn("function discovery failed")
		return
	}
	seeded := 0
	for _, fn := range fns {
		fnLog := log.WithField("functionId", fn.ID)
		result := v.Validate(ctx, fn)
		for _, f := range result.Notable() {
			fnLog.WithField("check", f.Check).Warn(f.Message)
		}
		if !result.Valid() {
			continue
		}
		if err := db.UpsertFunction(ctx, fn); err != nil {
			fnLog.WithError(err).Warn("function seed failed")
			continue
		}
		seeded++
	}
	log.WithField("count", seeded).Info("functions seeded from manifests")
}

func registerConsul(cfg *config.Config, instanceID string, poller *health.Poller, log logrus.FieldLogger) (func(), error) {
	client, err := consul.NewClient(cfg.ConsulAddr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("port %q: %w", cfg.Port, err)
	}
	reg := consul.Registration{
		InstanceID: instanceID,
		Address:    cfg.BindAddr,
		Port:       port,
		TTL:        3 * poller.Interval,
	}
	if err := client.Register(reg); err != nil {
		return nil, err
	}
	poller.Reporter = client
	poller.CheckID = reg.CheckID()
	poller.Checks["consul"] = func(context.Context) error { return client.Healthy() }
	log.WithField("addr", cfg.ConsulAddr).Info("registered with consul")

	return func() {
		if err := client.Deregister(instanceID); err != nil {
			log.WithError(err).Warn("consul deregister failed")
		}
	}, nil
}

func newInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "skuld"
	}
	return host + "-" + uuid.NewString()[:8]
}

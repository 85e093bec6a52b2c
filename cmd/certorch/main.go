package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	v1 "go_certorch/api/v1"
	"go_certorch/internal/auth"
	"go_certorch/internal/cache"
	"go_certorch/internal/config"
	"go_certorch/internal/db"
	"go_certorch/internal/events"
	"go_certorch/internal/jobs"
	"go_certorch/internal/lifecycle"
	"go_certorch/internal/lock"
	"go_certorch/internal/logging"
	"go_certorch/internal/logsink"
	"go_certorch/internal/orchestrator"
	"go_certorch/internal/provider"
	"go_certorch/internal/provider/acme"
	"go_certorch/internal/provider/reseller"
	"go_certorch/internal/registry"
	"go_certorch/internal/renewal"
	"go_certorch/internal/store"
	"go_certorch/internal/validation"
	"go_certorch/internal/ws"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.Log)
	logrus.SetOutput(logger.Out)
	logrus.SetFormatter(logger.Formatter)
	logrus.SetLevel(logger.GetLevel())
	log := logging.Component(logger, "main")
	log.Info("configuration loaded")

	if err := run(cfg, logger); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server exited")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	log := logging.Component(logger, "main")

	base := logrus.NewEntry(logger)

	// 2. Storage
	st, gdb, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if gdb != nil && cfg.Log.PersistEnabled {
		hook := logsink.NewHook(logsink.NewGormWriter(gdb), logsink.Options{
			MinLevel:      logging.ParseLevel(cfg.Log.PersistLevel, logrus.WarnLevel),
			BufferSize:    cfg.Log.BufferSize,
			FlushInterval: config.Seconds(cfg.Log.FlushIntervalSec),
		})
		hook.Start()
		defer hook.Stop()
		logger.AddHook(hook)
		logrus.AddHook(hook)
	}

	// 3. Redis, optional
	var rdb *redis.Client
	var kv cache.KV = cache.NewMemory()
	if cfg.Redis.Enabled {
		rdb, err = cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		kv = cache.NewRedisKV(rdb, cfg.Redis.Prefix)
		log.Info("redis connected")
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Lock.Driver == "redis" {
		locker = lock.NewRedisLocker(rdb, cfg.Redis.Prefix+"lock:",
			config.Seconds(cfg.Lock.TTLSec), time.Duration(cfg.Lock.RetryMs)*time.Millisecond)
	}

	auth.InitJWT(cfg.JWT.Secret, cfg.JWT.Issuer)

	// 4. Providers
	reg := registry.New(registry.Options{
		FailureThreshold: cfg.Registry.FailureThreshold,
		Cooldown:         config.Seconds(cfg.Registry.CooldownSec),
		CheckTimeout:     config.Seconds(cfg.Registry.CheckTimeoutSec),
		CheckConcurrency: cfg.Registry.CheckConcurrency,
	}, st, base)
	if err := registerProviders(cfg, reg, kv, base); err != nil {
		return err
	}
	if err := reg.Restore(context.Background()); err != nil {
		log.WithError(err).Warn("provider health not restored")
	}

	// 5. Events
	sinks := []events.Sink{events.NewLogSink(base)}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, events.NewWebhookSink(cfg.Webhook.URL, cfg.Webhook.Secret, config.Seconds(cfg.Webhook.TimeoutSec)))
	}
	var hub *ws.Hub
	if cfg.SocketIO.Enabled {
		hub = ws.NewHub(st, base)
		sinks = append(sinks, hub)
	}
	dispatcher := events.NewDispatcher(base, sinks...)

	// 6. Core
	machine := lifecycle.NewMachine(base)
	coordinator := validation.New(st, reg, machine, locker, kv, validation.Options{
		CallTimeout:  config.Seconds(cfg.Orchestrator.CallTimeoutSec),
		ChallengeTTL: time.Duration(cfg.Validation.ChallengeTTLHours) * time.Hour,
		ReplayTTL:    time.Duration(cfg.Validation.ReplayTTLHours) * time.Hour,
		BatchSize:    cfg.Validation.BatchSize,
	}, base)
	orch := orchestrator.New(st, reg, machine, coordinator, locker, dispatcher, orchestrator.Options{
		CallTimeout:       config.Seconds(cfg.Orchestrator.CallTimeoutSec),
		MaxSubmitAttempts: cfg.Orchestrator.MaxSubmitAttempts,
		RetryBatchSize:    cfg.Validation.BatchSize,
	}, base)

	// 7. Background workers
	worker := validation.NewWorker(coordinator, dispatcher, validation.WorkerConfig{
		Enabled:     cfg.Validation.Enabled,
		IntervalSec: cfg.Validation.IntervalSec,
	}, base)
	worker.SetResubmitter(orch)
	worker.Start()
	defer worker.Stop()

	runner := jobs.NewRunner(base)
	if err := runner.Add("provider-health", cfg.Registry.HealthSchedule, time.Minute, reg.HealthJob(dispatcher)); err != nil {
		return err
	}
	if cfg.Renewal.Enabled {
		scheduler := renewal.NewScheduler(st, orch, locker, renewal.Options{
			Window:         time.Duration(cfg.Renewal.WindowDays) * 24 * time.Hour,
			AlertThreshold: time.Duration(cfg.Renewal.AlertThresholdDays) * 24 * time.Hour,
			AlertInterval:  time.Duration(cfg.Renewal.AlertIntervalHours) * time.Hour,
			BatchSize:      cfg.Renewal.BatchSize,
		}, base)
		if err := runner.Add("renewal-scan", cfg.Renewal.Schedule, 30*time.Minute, scheduler.Job(dispatcher)); err != nil {
			return err
		}
	}
	runner.Start()
	defer runner.Stop()

	// 8. HTTP
	gin.SetMode(gin.ReleaseMode)
	if err := v1.RegisterValidators(); err != nil {
		return err
	}
	r := gin.New()
	r.Use(gin.Recovery())
	deps := v1.Deps{Service: orch, Logger: logging.Component(logger, "api")}
	if hub != nil {
		hub.Start()
		defer hub.Close()
		deps.Socket = hub.Handler()
	}
	v1.SetupRouter(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("server starting on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg *config.Config, logger *logrus.Logger) (store.Store, *gorm.DB, error) {
	if cfg.Store.Driver == "memory" {
		logging.Component(logger, "main").Warn("using in-memory store, state is lost on restart")
		return store.NewMemory(cfg.Store.DefaultMaxDomains), nil, nil
	}

	gdb, err := db.InitMySQL(cfg.MySQL.DSN, db.Options{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: time.Hour,
		SlowThreshold:   500 * time.Millisecond,
	})
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := db.Migrate(gdb); err != nil {
			return nil, nil, err
		}
	}
	return store.NewGorm(gdb), gdb, nil
}

func registerProviders(cfg *config.Config, reg *registry.Registry, kv cache.KV, logger *logrus.Entry) error {
	for _, name := range cfg.Providers {
		var (
			a        provider.Adapter
			priority int
			err      error
		)
		switch name {
		case "acme":
			var solver challenge.Provider
			if cfg.ACME.DNSProvider == "cloudflare" {
				solver = acme.NewCloudflareSolver(cfg.ACME.CloudflareAPIToken, cfg.ACME.CloudflareEmail, cfg.ACME.CloudflareAPIKey)
			}
			a, err = acme.New(acme.Config{
				Name:             cfg.ACME.Name,
				DirectoryURL:     cfg.ACME.DirectoryURL,
				Email:            cfg.ACME.Email,
				EABKeyID:         cfg.ACME.EABKeyID,
				EABHMACKey:       cfg.ACME.EABHMACKey,
				KeyType:          certcrypto.KeyType(cfg.ACME.KeyType),
				PropagationDelay: config.Seconds(cfg.ACME.PropagationDelaySec),
			}, kv, solver, logger)
			priority = cfg.ACME.Priority
		case "reseller":
			a, err = reseller.New(reseller.Config{
				Name:          cfg.Reseller.Name,
				BaseURL:       cfg.Reseller.BaseURL,
				APIKey:        cfg.Reseller.APIKey,
				WebhookSecret: cfg.Reseller.WebhookSecret,
				Timeout:       config.Seconds(cfg.Reseller.TimeoutSec),
			}, logger)
			priority = cfg.Reseller.Priority
		default:
			return fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		if err := reg.Register(a, priority); err != nil {
			return err
		}
	}
	if len(reg.Names()) == 0 {
		return errors.New("no providers enabled")
	}
	return nil
}

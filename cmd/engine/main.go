package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veldt-labs/deepresearch/internal/circuitbreaker"
	"github.com/veldt-labs/deepresearch/internal/config"
	"github.com/veldt-labs/deepresearch/internal/fanout"
	"github.com/veldt-labs/deepresearch/internal/httpapi"
	"github.com/veldt-labs/deepresearch/internal/lane"
	"github.com/veldt-labs/deepresearch/internal/locks"
	_ "github.com/veldt-labs/deepresearch/internal/metrics" // collector registration
	"github.com/veldt-labs/deepresearch/internal/models"
	"github.com/veldt-labs/deepresearch/internal/orchestrator"
	"github.com/veldt-labs/deepresearch/internal/pipeline"
	"github.com/veldt-labs/deepresearch/internal/providers"
	"github.com/veldt-labs/deepresearch/internal/ratecontrol"
	"github.com/veldt-labs/deepresearch/internal/refine"
	"github.com/veldt-labs/deepresearch/internal/report"
	"github.com/veldt-labs/deepresearch/internal/settings"
	"github.com/veldt-labs/deepresearch/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics endpoint comes up first so the process is observable while the
	// rest of the stack starts.
	metricsSrv := startMetricsServer(cfg.Service.MetricsPort, logger)
	defer shutdownServer(metricsSrv, logger)

	// Storage. Without a DSN the engine runs on the in-memory store, which
	// loses everything on restart.
	var (
		stores store.Stores
		locker locks.Locker
		db     *sqlx.DB
		probes []httpapi.HealthProbe
	)
	if cfg.Database.DSN != "" {
		db, err = sqlx.Connect("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		defer db.Close()

		if err := store.Migrate(ctx, db); err != nil {
			logger.Fatal("Failed to apply schema migrations", zap.Error(err))
		}
		stores = store.NewPostgres(db, logger).Stores()
		locker = locks.NewAdvisoryLocker(db.DB, logger)

		dbProbe := circuitbreaker.NewDatabaseWrapper(db.DB, logger)
		probes = append(probes, httpapi.HealthProbe{Name: "postgres", Check: dbProbe.PingContext})
	} else {
		logger.Warn("No database configured; using in-memory store and in-process locks")
		stores = store.NewMemory().Stores()
		locker = locks.NewMemoryLocker(logger)
	}

	// Refinement conversation state.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		redisProbe := circuitbreaker.NewRedisWrapper(rdb, logger)
		probes = append(probes, httpapi.HealthProbe{Name: "redis", Check: redisProbe.Ping})
	}
	refiner := refine.New(stores.Sessions, rdb, refine.DefaultTTL, logger)

	// Providers. The OpenAI adapter goes through a breaker-wrapped HTTP
	// client so a flapping API opens the breaker instead of stalling lanes.
	provs := make(map[string]providers.Provider)
	var execs []orchestrator.Executor
	var limitReloads []func()

	if cfg.OpenAI.APIKey != "" {
		openai := providers.NewOpenAI(providers.OpenAIConfig{
			BaseURL:        cfg.OpenAI.BaseURL,
			APIKey:         cfg.OpenAI.APIKey,
			ResearchModel:  cfg.OpenAI.ResearchModel,
			UtilityModel:   cfg.OpenAI.UtilityModel,
			RequestTimeout: cfg.OpenAI.RequestTimeout,
			HTTPClient: circuitbreaker.NewHTTPWrapper(
				&http.Client{Timeout: cfg.OpenAI.RequestTimeout}, "openai", logger),
		}, logger)
		provs["openai"] = openai
		execs = append(execs, orchestrator.NewAsyncExecutor(
			"openai", openai, stores.Results, 15*time.Second, logger))
	}

	if cfg.Gemini.APIKey != "" {
		gemini, err := providers.NewGemini(ctx, providers.GeminiConfig{
			APIKey:        cfg.Gemini.APIKey,
			ResearchModel: cfg.Gemini.ResearchModel,
			UtilityModel:  cfg.Gemini.UtilityModel,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Gemini client", zap.Error(err))
		}
		defer gemini.Close()
		provs["gemini"] = gemini

		if cfg.Engine.GeminiExecution == "atomic" {
			execs = append(execs, orchestrator.NewAtomicExecutor(
				"gemini", gemini, stores.Results, logger))
		} else {
			fanCfg := fanout.DefaultConfig()
			fanCfg.RequestsPerMinute = ratecontrol.ScoutRPM("gemini")
			fan := fanout.New(gemini, gemini, fanCfg, logger)
			limitReloads = append(limitReloads, func() {
				fan.SetRPM(ratecontrol.ScoutRPM("gemini"))
			})

			defaults := settings.Defaults()
			pipe := pipeline.New(stores.Runs, gemini, fan, pipeline.Budget{
				MaxSections:          defaults.ResearchMaxSteps,
				TargetSourcesPerStep: defaults.ResearchTargetPerStep,
				MaxTotalSources:      defaults.ResearchMaxTotalSources,
				MaxTokensPerStep:     defaults.ResearchMaxTokensPerStep,
			}, logger)
			execs = append(execs, orchestrator.NewPipelineExecutor(
				"gemini", stores.Runs, stores.Results, pipe, logger))
		}
	}

	if len(execs) == 0 {
		logger.Fatal("No providers configured; set an OpenAI or Gemini API key")
	}

	// Settings, report pipeline, orchestrator.
	var settingsSource settings.Source
	if db != nil {
		settingsSource = settings.NewSQLSource(db)
	}
	settingsSvc := settings.New(settingsSource, logger)

	var renderer report.Renderer
	if cfg.Engine.ChromePath != "" {
		renderer = report.NewChromeRenderer(cfg.Engine.ChromePath, 2*time.Minute, logger)
	} else {
		logger.Warn("No Chrome configured; reports are emailed without a PDF")
	}

	var mailer report.Mailer
	if cfg.SMTP.Host != "" {
		mailer = report.NewSMTPMailer(report.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, logger)
	} else {
		logger.Warn("No SMTP configured; report delivery is disabled")
	}

	finalizer := report.NewFinalizer(stores, locker, renderer, mailer,
		recipientsFor(db), settingsSvc, logger)

	orch := orchestrator.New(stores, locker, lane.NewRegistry(logger),
		settingsSvc, finalizer, execs, logger)

	// Hot reload for the rate-limit file; the fan-out limiter is retuned in
	// place so new limits apply to in-flight executions too.
	if mgr, err := config.NewManager(logger); err == nil {
		if err := mgr.Watch("./config/providers.yaml", func(string) error {
			ratecontrol.Reload()
			for _, apply := range limitReloads {
				apply()
			}
			return nil
		}); err != nil {
			logger.Debug("Rate-limit config not watched", zap.Error(err))
		}
		mgr.Start(ctx)
		defer mgr.Stop()
	}

	// Session API.
	handler := httpapi.NewSessionHandler(stores, refiner, provs, settingsSvc,
		probes, cfg.Service.APIToken, logger)
	apiSrv := httpapi.StartServer(cfg.Service.HTTPPort, handler, logger)
	defer shutdownServer(apiSrv, logger)

	logger.Info("Deep research engine started",
		zap.String("service", cfg.Service.Name),
		zap.Int("providers", len(execs)),
		zap.Duration("poll_interval", cfg.Engine.PollInterval),
	)

	runLoops(ctx, cfg.Engine, stores, orch, logger)
	logger.Info("Shutting down")
}

// runLoops drives active sessions and staleness repair until shutdown.
func runLoops(ctx context.Context, cfg config.EngineConfig, stores store.Stores, orch *orchestrator.Orchestrator, logger *zap.Logger) {
	poll := time.NewTicker(cfg.PollInterval)
	defer poll.Stop()
	repair := time.NewTicker(cfg.RepairInterval)
	defer repair.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			sessions, err := stores.Sessions.ListSessionsInStates(ctx,
				models.SessionRunning, models.SessionAggregating)
			if err != nil {
				logger.Error("Failed to list active sessions", zap.Error(err))
				continue
			}
			for _, sess := range sessions {
				if err := orch.RunProviders(ctx, sess.ID); err != nil {
					logger.Error("Session advance failed",
						zap.String("session_id", sess.ID.String()),
						zap.Error(err),
					)
				}
			}
		case <-repair.C:
			repaired, err := orch.RepairStale(ctx)
			if err != nil {
				logger.Error("Staleness repair failed", zap.Error(err))
				continue
			}
			if repaired > 0 {
				logger.Info("Repaired stale provider runs", zap.Int("count", repaired))
			}
		}
	}
}

// recipientsFor resolves report delivery addresses from the users table, or
// refuses delivery when no database is configured.
func recipientsFor(db *sqlx.DB) report.Recipients {
	return report.RecipientsFunc(func(ctx context.Context, userID uuid.UUID) (string, error) {
		if db == nil {
			return "", fmt.Errorf("no user database configured")
		}
		var email string
		if err := db.GetContext(ctx, &email, `SELECT email FROM users WHERE id = $1`, userID); err != nil {
			return "", fmt.Errorf("resolve recipient: %w", err)
		}
		return email, nil
	})
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func startMetricsServer(port int, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Server shutdown incomplete", zap.Error(err))
	}
}

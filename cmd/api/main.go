package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/vitalink/backend/internal/config"
	"github.com/vitalink/backend/internal/db"
	"github.com/vitalink/backend/internal/execution"
	"github.com/vitalink/backend/internal/extraction"
	"github.com/vitalink/backend/internal/jobs"
	"github.com/vitalink/backend/internal/ledger"
	"github.com/vitalink/backend/internal/middleware"
	"github.com/vitalink/backend/internal/notify"
	"github.com/vitalink/backend/internal/ratelimit"
	"github.com/vitalink/backend/internal/repository"
	"github.com/vitalink/backend/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	var level slog.LevelVar
	level.Set(cfg.Level())
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level})).
		With("service", cfg.Service, "env", cfg.Env)
	slog.SetDefault(logger)

	pool, err := db.Open(ctx, db.Options{
		URL:             cfg.DB.URL,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure it is running and DATABASE_URL is correct", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL")

	if err := db.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	rdb, err := ratelimit.Connect(ctx, ratelimit.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		slog.Error("Cannot reach Redis", "error", err)
		os.Exit(1)
	}
	var throttle services.Throttle
	if rdb != nil {
		defer rdb.Close()
		throttle = ratelimit.NewWindow(rdb, cfg.Reset.ThrottleLimit, cfg.Reset.ThrottleWindow)
	} else {
		slog.Warn("REDIS_ADDR not set; reset requests are not throttled per identifier")
	}

	// Repositories
	accountRepo := repository.NewAccountRepo(pool)
	codeRepo := repository.NewCodeRepo(pool)
	redemptionRepo := repository.NewRedemptionRepo(pool)
	deviceRepo := repository.NewDeviceRepo(pool)
	auditRepo := repository.NewAuditRepo(pool)

	// Gateways
	mailer := notify.NewMailer(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
		UseSSL:   cfg.SMTP.UseSSL,
		AppName:  "VitaLink",
		Timeout:  cfg.SMTP.Timeout,
	}, logger)
	pusher := notify.NewPushClient(notify.PushConfig{
		RelayURL: cfg.Push.RelayURL,
		APIKey:   cfg.Push.APIKey,
		Timeout:  cfg.Push.Timeout,
	}, logger)

	// Jobs: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn jobs.InsertTxFunc
	queue := jobs.NewQueue(func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("job queue not started")
		}
		return fn(ctx, tx, args, opts)
	})

	ledgerSvc := ledger.NewService(ledger.NewRepository(pool))
	deviceSvc := services.NewDeviceService(deviceRepo, pusher, cfg.Jobs.DeviceStaleAfter, logger)

	workers := river.NewWorkers()
	execution.Register(workers, mailer, pusher, ledgerSvc, deviceSvc, cfg.Jobs.ReportRecipient, logger)

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Jobs.MaxWorkers},
		},
		Workers: workers,
		PeriodicJobs: jobs.PeriodicJobs(jobs.Schedule{
			WeeklyReport:  cfg.Jobs.ReportInterval,
			DeviceCleanup: cfg.Jobs.CleanupInterval,
		}),
		Logger: logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
		_, err := riverClient.InsertTx(ctx, tx, args, opts)
		return err
	}
	insertMu.Unlock()

	extractor := extraction.NewClient(nil, nil, extraction.Config{}, logger)
	if api := extraction.NewOpenAI(extraction.Config{APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL}); api != nil {
		validator, err := extraction.NewValidator()
		if err != nil {
			slog.Error("Extraction schemas failed to compile", "error", err)
			os.Exit(1)
		}
		extractor = extraction.NewClient(api, validator, extraction.Config{
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout,
		}, logger)
	} else {
		slog.Warn("OPENAI_API_KEY not set; document extraction is disabled")
	}

	handler := buildRouter(routeDeps{
		cfg:         cfg,
		pool:        pool,
		redis:       rdb,
		queue:       queue,
		throttle:    throttle,
		accounts:    accountRepo,
		codes:       codeRepo,
		redemptions: redemptionRepo,
		devices:     deviceRepo,
		audit:       auditRepo,
		deviceSvc:   deviceSvc,
		ledger:      ledgerSvc,
		extractor:   extractor,
		logger:      logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.AdminKeyHeader, "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	}).Handler(handler)

	// Start River client (processes jobs)
	riverCtx, stopRiver := context.WithCancel(context.Background())
	defer stopRiver()
	if err := riverClient.Start(riverCtx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           middleware.WithMetrics(middleware.RequestID(logger)(corsHandler)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown", "error", err)
	}
}

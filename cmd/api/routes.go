package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vitalink/backend/internal/auth"
	"github.com/vitalink/backend/internal/config"
	"github.com/vitalink/backend/internal/extraction"
	"github.com/vitalink/backend/internal/handlers"
	"github.com/vitalink/backend/internal/jobs"
	"github.com/vitalink/backend/internal/ledger"
	"github.com/vitalink/backend/internal/middleware"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/registry"
	"github.com/vitalink/backend/internal/repository"
	"github.com/vitalink/backend/internal/router"
	"github.com/vitalink/backend/internal/services"
)

type routeDeps struct {
	cfg         *config.Config
	pool        *pgxpool.Pool
	redis       *redis.Client
	queue       *jobs.Queue
	throttle    services.Throttle
	accounts    *repository.AccountRepo
	codes       *repository.CodeRepo
	redemptions *repository.RedemptionRepo
	devices     *repository.DeviceRepo
	audit       *repository.AuditRepo
	deviceSvc   *services.DeviceService
	ledger      ledger.Service
	extractor   *extraction.Client
	logger      *slog.Logger
}

// buildRouter wires services and handlers onto the route table.
// Middleware chain: AdminKey on /api/admin/*, Session (+RequireAgent) on account routes,
// per-IP rate limits on login and reset.
func buildRouter(d routeDeps) http.Handler {
	cfg := d.cfg

	registrySvc := registry.NewService(d.pool, d.codes, d.accounts, d.audit, registry.NewGenerator(nil), registry.Options{
		UnlockPrefix:     cfg.Codes.UnlockPrefix,
		UnlockLength:     cfg.Codes.UnlockLength,
		PromoPrefix:      cfg.Codes.PromoPrefix,
		PromoLength:      cfg.Codes.PromoLength,
		PurchasePrefix:   cfg.Codes.PurchasePrefix,
		PurchaseLength:   cfg.Codes.PurchaseLength,
		AgentPromoPrefix: cfg.Codes.AgentPromoPrefix,
		AgentPromoLength: cfg.Codes.AgentPromoLength,
		MaxBatch:         cfg.Codes.MaxBatch,
	}, d.logger)

	engine := services.NewRedemptionEngine(d.codes, d.accounts, d.redemptions)
	accountSvc := services.NewAccountService(d.pool, d.accounts, d.codes, engine, registrySvc, d.queue, d.devices, services.Contract{
		Version:         cfg.Contract.Version,
		RequireNPN:      cfg.Contract.RequireNPN,
		RequireUserCode: cfg.Contract.RequireUserCode,
		MinPasswordLen:  cfg.Contract.MinPasswordLen,
	}, d.logger)
	accountSvc.SetHashCost(cfg.Auth.BcryptCost)
	credentialSvc := services.NewCredentialService(d.pool, d.accounts, d.queue, d.throttle, accountSvc, cfg.Reset.TTL, d.logger)
	formSvc := services.NewFormService(d.pool, d.accounts, d.queue, d.logger)

	authSvc := auth.NewService([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTTTL, cfg.Auth.JWTIssuer)

	usageAudit := func(r *http.Request) {
		err := d.audit.Create(r.Context(), &models.AuditEntry{
			Action:  models.AuditUsageReport,
			Actor:   middleware.ActorFromCtx(r.Context()),
			Subject: "usage",
		})
		if err != nil {
			d.logger.Error("audit write failed", "action", models.AuditUsageReport, "error", err)
		}
	}

	if len(cfg.Auth.AdminKeyHashes) == 0 {
		d.logger.Warn("ADMIN_KEY_HASHES not set; admin routes reject every request")
	}

	deps := map[string]handlers.Pinger{"postgres": handlers.PingFunc(d.pool.Ping)}
	if d.redis != nil {
		deps["redis"] = handlers.PingFunc(func(ctx context.Context) error { return d.redis.Ping(ctx).Err() })
	}

	return router.New(router.Deps{
		Auth:     auth.NewHandler(authSvc, accountSvc, d.logger),
		Registry: registry.NewHandler(registrySvc, d.logger),
		Usage:    ledger.NewHandler(d.ledger, usageAudit, d.logger),
		Accounts: &handlers.AccountHandler{
			Accounts: accountSvc,
			Tokens:   authSvc,
			Logger:   d.logger,
		},
		Reset:     &handlers.ResetHandler{Credentials: credentialSvc, Logger: d.logger},
		Devices:   &handlers.DeviceHandler{Devices: d.deviceSvc, Logger: d.logger},
		Forms:     &handlers.FormHandler{Forms: formSvc, Logger: d.logger},
		Extract:   &handlers.ExtractHandler{Extractor: d.extractor, Logger: d.logger},
		Readiness: handlers.Readiness(deps),
		AdminKey:  middleware.AdminKey(cfg.Auth.AdminKeyHashes),
		Session:   middleware.Session(authSvc, d.accounts),
		LoginRate: cfg.Auth.LoginPerMinute,
		ResetRate: cfg.Reset.PerMinute,
	})
}

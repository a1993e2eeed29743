package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"usage_meter/internal/audit"
	"usage_meter/internal/config"
	"usage_meter/internal/coordstore"
	"usage_meter/internal/metering"
	"usage_meter/internal/middleware"
	"usage_meter/internal/provider"
	"usage_meter/internal/reconcile"
	"usage_meter/internal/storage"
	"usage_meter/internal/utils"
)

// Dependencies aggregates the services the HTTP layer needs, plus the
// long-lived resources main has to shut down.
type Dependencies struct {
	Usage UsageRecorder
	Seats SeatReconciler

	DB     *storage.DB
	Redis  *redis.Client
	Engine *metering.Engine
	Audit  audit.Sink

	logger *utils.Logger
}

// NewRouter creates an HTTP router with all dependencies wired up
func NewRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	db, err := storage.NewDB(storage.DBConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		PlanCacheSize:   cfg.Database.PlanCacheSize,
		PlanCacheTTL:    cfg.Database.PlanCacheTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	redisClient, err := coordstore.NewClient(coordstore.Config{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	store := coordstore.New(redisClient, cfg.Metering.Namespace)

	// The metering provider: Stripe when configured, a no-op otherwise so
	// local environments run without credentials.
	var base provider.MeteringProvider
	if cfg.Stripe.SecretKey != "" {
		base = provider.NewStripeProvider(cfg.Stripe.SecretKey)
	} else {
		base = provider.NewNoopProvider()
	}
	billingProvider := provider.NewRetryingClient(base, provider.RetryConfig{
		Attempts:   cfg.Metering.RetryAttempts,
		BackoffMin: cfg.Metering.BackoffMin,
		BackoffMax: cfg.Metering.BackoffMax,
	})

	var auditSink audit.Sink = audit.NewNoopSink()
	if cfg.Audit.Enabled {
		writer, err := audit.NewS3Writer(context.Background(),
			cfg.Audit.S3Bucket, cfg.Audit.S3Region, cfg.Audit.S3Prefix, cfg.Audit.PodName)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize audit writer: %w", err)
		}
		auditSink = audit.NewBufferedSink(writer, cfg.Audit.BufferSize, cfg.Audit.FlushSize, cfg.Audit.FlushInterval)
	}

	engine := metering.NewEngine(store, billingProvider, auditSink, metering.Config{
		FlushThreshold: cfg.Metering.FlushThreshold,
		SyncInterval:   cfg.Metering.SyncInterval,
		LockTTL:        cfg.Metering.LockTTL,
		CounterTTL:     cfg.Metering.CounterTTL,
		SweepLockTTL:   cfg.Metering.SweepLockTTL,
	})

	teams := storage.NewTeamRepository(db)
	usageService := metering.NewService(engine, teams)
	reconciler := reconcile.NewReconciler(teams, billingProvider, engine, auditSink)

	deps := &Dependencies{
		Usage:  usageService,
		Seats:  reconciler,
		DB:     db,
		Redis:  redisClient,
		Engine: engine,
		Audit:  auditSink,
		logger: utils.NewLogger("httpapi"),
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps, cfg)

	return mux, deps, nil
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies, cfg *config.Config) {
	// Internal service endpoints - protected with the shared service token
	serviceAuth := middleware.ServiceTokenMiddleware(cfg.ServiceToken)
	mux.Handle("/v1/usage", serviceAuth(http.HandlerFunc(deps.handleRecordUsage)))
	mux.Handle("/v1/seats", serviceAuth(http.HandlerFunc(deps.handleReconcileSeats)))

	// Health check endpoint - public
	mux.HandleFunc("/healthz", deps.handleHealth)
}

// handleHealth reports liveness of the two backing stores.
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := d.DB.Ping(ctx); err != nil {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "coordination store unavailable")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

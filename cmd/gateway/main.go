// Command gateway runs the fabric's public ingestion edge: bearer auth,
// idempotency, token-bucket rate limiting, and durable enqueue for every
// sample or batch a probe or regional relay submits.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fiberstack/fabric/internal/etl"
	"github.com/fiberstack/fabric/internal/gateway"
	"github.com/fiberstack/fabric/pkg/audit"
	"github.com/fiberstack/fabric/pkg/cache"
	"github.com/fiberstack/fabric/pkg/config"
	"github.com/fiberstack/fabric/pkg/database"
	"github.com/fiberstack/fabric/pkg/database/migrations"
	"github.com/fiberstack/fabric/pkg/logger"
	"github.com/fiberstack/fabric/pkg/metrics"
	"github.com/fiberstack/fabric/pkg/passhash"
	"github.com/fiberstack/fabric/pkg/queue"
	"github.com/fiberstack/fabric/pkg/ratelimit"
	"github.com/fiberstack/fabric/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadWithServiceDefaults("gateway", 8080)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		SampleRate: cfg.Log.SampleRate,
	})
	logger.Log.Info("starting gateway", "version", cfg.App.Version, "environment", cfg.App.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Fatal("failed to init telemetry", "error", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m := metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
	m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)

	auditLogger, err := audit.New(&audit.Config{
		Enabled:     cfg.Audit.Enabled,
		Backend:     cfg.Audit.Backend,
		FilePath:    cfg.Audit.FilePath,
		BufferSize:  cfg.Audit.BufferSize,
		FlushPeriod: cfg.Audit.FlushPeriod,
	})
	if err != nil {
		logger.Fatal("failed to init audit logger", "error", err)
	}
	audit.SetGlobal(auditLogger)
	defer func() { _ = auditLogger.Close() }()

	if cfg.Database.AutoMigrate {
		runMigrations(ctx, &cfg.Database)
	}

	jwtMgr := passhash.NewJWTManager(&passhash.JWTConfig{
		SecretKey:         cfg.Auth.SecretKey,
		AccessTokenExpiry: cfg.Auth.AccessTokenExpiry,
		Issuer:            cfg.Auth.Issuer,
	})

	idemp, err := cache.New(cache.FromConfig(&cfg.Cache))
	if err != nil {
		logger.Fatal("failed to init idempotency cache", "error", err)
	}
	defer idemp.Close()

	limiter, err := ratelimit.FromConfig(&cfg.RateLimit)
	if err != nil {
		logger.Fatal("failed to init rate limiter", "error", err)
	}
	defer limiter.Close()

	q, err := queue.New(queue.FromConfig(cfg.Queue))
	if err != nil {
		logger.Fatal("failed to init queue", "error", err)
	}
	defer q.Close()

	dlq, err := queue.NewDLQ(queue.FromConfig(cfg.Queue))
	if err != nil {
		logger.Fatal("failed to init dead-letter queue", "error", err)
	}
	defer dlq.Close()

	gw := gateway.New(gateway.Config{
		DegradeOnDLQDepth: cfg.Gateway.DegradeOnDLQDepth,
		ShedFraction:      cfg.Gateway.ShedFraction,
		BatchIDTTL:        cfg.Gateway.BatchIDTTL,
		MaxBatchSize:      cfg.Gateway.MaxBatchSize,
		MaxBatchBytes:     cfg.Gateway.MaxBatchBytes,
	}, jwtMgr, idemp, limiter, q, dlq, m)

	if cfg.RateLimit.GlobalRequests > 0 {
		global := ratelimit.NewMemoryLimiter(&ratelimit.Config{
			Requests:  cfg.RateLimit.GlobalRequests,
			Window:    cfg.RateLimit.Window,
			BurstSize: cfg.RateLimit.GlobalBurst,
			IdleTTL:   cfg.RateLimit.IdleTTL,
		})
		defer global.Close()
		gw.SetGlobalLimiter(global)
	}

	readDB, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect read-side database for metrics", "error", err)
	}
	defer readDB.Close()
	gw.SetMetricsReader(etl.NewPostgresStore(readDB))

	mux := http.NewServeMux()
	gw.Routes(mux)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartMetricsServer(cfg.Metrics.Port); err != nil {
				logger.Log.Error("metrics server failed", "error", err)
			}
		}()
	}

	var handler http.Handler = telemetry.HTTPMiddleware(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Log.Info("gateway listening", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("gateway server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("gateway shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("gateway shutdown error", "error", err)
	}
}

func runMigrations(ctx context.Context, dbCfg *config.DatabaseConfig) {
	db, err := database.NewPostgresDB(ctx, dbCfg)
	if err != nil {
		logger.Fatal("failed to connect for migrations", "error", err)
	}
	defer db.Close()

	migrator := database.NewMigrator(db.Pool(), migrations.FS, migrations.Dir)
	deadline, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := migrator.Up(deadline); err != nil {
		logger.Fatal("failed to run migrations", "error", err)
	}
}

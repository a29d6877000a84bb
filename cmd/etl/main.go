// Command etl drains the durable queue in batches, normalizes samples,
// maintains the node registry, and persists accepted samples to storage,
// routing anything it cannot persist to the dead-letter queue.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fiberstack/fabric/internal/etl"
	"github.com/fiberstack/fabric/pkg/config"
	"github.com/fiberstack/fabric/pkg/database"
	"github.com/fiberstack/fabric/pkg/database/migrations"
	"github.com/fiberstack/fabric/pkg/logger"
	"github.com/fiberstack/fabric/pkg/metrics"
	"github.com/fiberstack/fabric/pkg/queue"
	"github.com/fiberstack/fabric/pkg/telemetry"
)

// workerCount is how many stateless Consumer goroutines drain the queue
// concurrently; correctness depends only on Queue.Pop being atomic, so this
// may be raised freely.
const workerCount = 4

func main() {
	cfg, err := config.LoadWithServiceDefaults("etl", 8082)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	logger.Log.Info("starting etl consumer", "version", cfg.App.Version, "workers", workerCount)

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

	if cfg.Database.AutoMigrate {
		runMigrations(ctx, &cfg.Database)
	}

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()
	store := etl.NewPostgresStore(db)

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

	// Return any items a previously crashed worker left unacknowledged in
	// the processing list, so they are redelivered before fresh traffic.
	if rec, ok := q.(queue.Recoverer); ok {
		total := 0
		for {
			n, err := rec.Recover(ctx, cfg.ETL.BatchPopSize)
			if err != nil {
				logger.Log.Warn("failed to recover stranded in-flight items", "error", err)
				break
			}
			total += n
			if n < cfg.ETL.BatchPopSize {
				break
			}
		}
		if total > 0 {
			logger.Log.Info("recovered stranded in-flight items", "count", total)
		}
	}

	consumerCfg := etl.Config{
		BatchSize:       cfg.ETL.BatchPopSize,
		PopTimeout:      cfg.Queue.PopTimeout,
		IdleBackoff:     cfg.ETL.PollInterval,
		HeartbeatPeriod: cfg.ETL.HeartbeatPeriod,
	}

	var heartbeats sync.Map // worker id -> etl.Heartbeat, exposed on /status
	onHeartbeat := func(hb etl.Heartbeat) { heartbeats.Store(hb.WorkerID, hb) }

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		id := "etl-" + strconv.Itoa(i)
		c := etl.NewConsumer(id, consumerCfg, q, dlq, store, m, onHeartbeat)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(ctx)
		}()
	}

	go serveStatus(ctx, cfg, m, q, dlq, &heartbeats)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("etl shutting down, draining in-flight batches")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Log.Warn("etl shutdown grace period exceeded, exiting with workers still in flight")
	}
}

func serveStatus(ctx context.Context, cfg *config.Config, m *metrics.Metrics, q queue.Queue, dlq queue.DeadLetterQueue, heartbeats *sync.Map) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		depth, _ := q.Depth(r.Context())
		dlqDepth, _ := dlq.Depth(r.Context())
		m.SetQueueDepth("fiber:etl:queue", depth)
		m.SetDLQDepth("fiber:etl:dlq", dlqDepth)

		workers := 0
		heartbeats.Range(func(_, _ any) bool { workers++; return true })

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","workers":` + strconv.Itoa(workers) + `}`))
	})
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartMetricsServer(cfg.Metrics.Port); err != nil {
				logger.Log.Error("metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{Addr: ":" + strconv.Itoa(cfg.HTTP.Port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Log.Error("etl status server failed", "error", err)
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

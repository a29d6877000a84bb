// Command relay runs the fabric's regional federation relay: it accepts
// probe batches the same way the central gateway does, buffers them
// durably, and continuously forwards to central, falling back to buffering
// through a central outage and shedding once its own buffer fills.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fiberstack/fabric/internal/gateway"
	"github.com/fiberstack/fabric/internal/relay"
	"github.com/fiberstack/fabric/pkg/cache"
	"github.com/fiberstack/fabric/pkg/config"
	"github.com/fiberstack/fabric/pkg/logger"
	"github.com/fiberstack/fabric/pkg/metrics"
	"github.com/fiberstack/fabric/pkg/passhash"
	"github.com/fiberstack/fabric/pkg/queue"
	"github.com/fiberstack/fabric/pkg/ratelimit"
	"github.com/fiberstack/fabric/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadWithServiceDefaults("relay", 8081)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	if cfg.Relay.CentralEndpoint == "" {
		logger.Fatal("relay misconfigured: RELAY_CENTRAL_ENDPOINT is required")
	}
	logger.Log.Info("starting relay", "region", cfg.Probe.Region, "central", cfg.Relay.CentralEndpoint)

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

	m := metrics.InitMetrics(cfg.Metrics.Namespace, "relay")

	jwtMgr := passhash.NewJWTManager(&passhash.JWTConfig{
		SecretKey: cfg.Auth.SecretKey,
		Issuer:    cfg.Auth.Issuer,
	})
	centralToken, err := jwtMgr.GenerateAccessToken("relay-"+cfg.Probe.Region, cfg.Probe.Region)
	if err != nil {
		logger.Fatal("failed to mint relay-to-central access token", "error", err)
	}

	idemp, err := cache.New(cache.FromConfig(&cfg.Cache))
	if err != nil {
		logger.Fatal("failed to init idempotency cache", "error", err)
	}
	defer func() { _ = idemp.Close() }()

	limiter, err := ratelimit.FromConfig(&cfg.RateLimit)
	if err != nil {
		logger.Fatal("failed to init rate limiter", "error", err)
	}
	defer func() { _ = limiter.Close() }()

	// The relay's regional buffer doubles as the Gateway's enqueue target
	// and the Forwarder's drain source: every accepted batch sits in one
	// durable, 24h-survivable queue until it reaches central.
	buf, err := queue.New(queue.FromConfig(cfg.Queue))
	if err != nil {
		logger.Fatal("failed to init regional buffer", "error", err)
	}
	defer func() { _ = buf.Close() }()

	gw := gateway.New(gateway.Config{
		BatchIDTTL:    cfg.Gateway.BatchIDTTL,
		MaxBatchSize:  cfg.Gateway.MaxBatchSize,
		MaxBatchBytes: cfg.Gateway.MaxBatchBytes,
	}, jwtMgr, idemp, limiter, buf, nil, m)

	forwarder := relay.NewForwarder(relay.Config{
		CentralEndpoint:   cfg.Relay.CentralEndpoint,
		Region:            cfg.Probe.Region,
		AccessToken:       centralToken,
		BufferMaxAge:      cfg.Relay.BufferMaxAge,
		ForwardInterval:   cfg.Relay.ForwardInterval,
		DegradedThreshold: cfg.Relay.DegradedThreshold,
	}, buf, m)

	go forwarder.Run(ctx)

	gw.SetFederationStatus(func() map[string]string {
		return map[string]string{"role": "relay", "state": string(forwarder.State())}
	})
	// Once the buffer hits its ceiling the relay stops admitting samples;
	// probes fail over to direct central delivery until it drains.
	gw.SetAdmission(forwarder.Admit)

	mux := http.NewServeMux()
	gw.Routes(mux)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartMetricsServer(cfg.Metrics.Port); err != nil {
				logger.Log.Error("metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      telemetry.HTTPMiddleware(mux),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Log.Info("relay listening", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("relay server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("relay shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("relay shutdown error", "error", err)
	}
}

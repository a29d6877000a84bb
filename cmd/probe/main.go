// Command probe runs the fabric's edge agent: it periodically measures
// reachability against its configured target and ships batches to the
// regional relay (or central gateway, on federation fallback), buffering
// through uplink failures.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fiberstack/fabric/internal/probe"
	"github.com/fiberstack/fabric/pkg/config"
	"github.com/fiberstack/fabric/pkg/logger"
	"github.com/fiberstack/fabric/pkg/metrics"
	"github.com/fiberstack/fabric/pkg/passhash"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	// Probes are deployed with bare environment variables (NODE_ID, REGION,
	// API_ENDPOINT, ...) rather than a config file; those win over anything
	// the layered loader produced.
	env := config.FromEnv(cfg.Probe, cfg.Log)
	cfg.Probe = config.ProbeConfig{
		NodeID:           env.NodeID,
		Region:           env.Region,
		Country:          env.Country,
		APIEndpoint:      env.APIEndpoint,
		RegionalEndpoint: env.RegionalEndpoint,
		Interval:         env.Interval,
		MaxRetries:       env.MaxRetries,
		RetryBackoffBase: env.RetryBackoffBase,
		RequestTimeout:   env.RequestTimeout,
		MaxBuffer:        env.MaxBuffer,
		BatchSize:        env.BatchSize,
	}

	logger.InitWithConfig(logger.Config{
		Level:      env.LogLevel,
		Format:     env.LogFormat,
		Output:     cfg.Log.Output,
		SampleRate: env.LogSampleRate,
	})

	if cfg.Probe.NodeID == "" || (cfg.Probe.APIEndpoint == "" && cfg.Probe.RegionalEndpoint == "") {
		logger.Fatal("probe misconfigured: NODE_ID and at least one of API_ENDPOINT/REGIONAL_ENDPOINT are required")
	}

	logger.Log.Info("starting probe", "node_id", cfg.Probe.NodeID, "region", cfg.Probe.Region)

	m := metrics.InitMetrics(cfg.Metrics.Namespace, "probe")

	jwtMgr := passhash.NewJWTManager(&passhash.JWTConfig{
		SecretKey: cfg.Auth.SecretKey,
		Issuer:    cfg.Auth.Issuer,
	})
	token, err := jwtMgr.GenerateAccessToken(cfg.Probe.NodeID, cfg.Probe.Region)
	if err != nil {
		logger.Fatal("failed to mint probe access token", "error", err)
	}

	collector := probe.NewCollector(cfg.Probe.APIEndpoint, "http", cfg.Probe.RequestTimeout)

	agent := probe.NewAgent(probe.AgentConfig{
		NodeID:        cfg.Probe.NodeID,
		Country:       cfg.Probe.Country,
		Region:        cfg.Probe.Region,
		Interval:      cfg.Probe.Interval,
		BatchSize:     cfg.Probe.BatchSize,
		MaxBuffer:     cfg.Probe.MaxBuffer,
		ShutdownGrace: 5 * time.Second,
		Sender: probe.SenderConfig{
			APIEndpoint:      cfg.Probe.APIEndpoint,
			RegionalEndpoint: cfg.Probe.RegionalEndpoint,
			AccessToken:      token,
			RequestTimeout:   cfg.Probe.RequestTimeout,
			MaxRetries:       cfg.Probe.MaxRetries,
			RetryBackoffBase: cfg.Probe.RetryBackoffBase,
		},
	}, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reportBufferDepth(ctx, m, cfg.Probe.NodeID, agent)

	done := make(chan struct{})
	go func() {
		agent.Run(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("probe shutting down, flushing buffer")
	cancel()
	<-done
}

func reportBufferDepth(ctx context.Context, m *metrics.Metrics, nodeID string, agent *probe.Agent) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetProbeBufferDepth(nodeID, agent.BufferDepth())
		}
	}
}

// Package probe implements the fabric's edge agent: it periodically measures
// reachability against a target, buffers readings against send failure, and
// ships batches to the ingestion gateway with federation fallback.
package probe

import (
	"context"
	"time"

	"github.com/fiberstack/fabric/internal/sample"
	"github.com/fiberstack/fabric/pkg/logger"
)

// AgentConfig configures a running Agent.
type AgentConfig struct {
	NodeID        string
	Country       string
	Region        string
	Interval      time.Duration
	BatchSize     int
	MaxBuffer     int
	ShutdownGrace time.Duration
	Sender        SenderConfig
}

// Agent ties a Collector, RingBuffer, and Sender into the probe's periodic
// collect-buffer-send loop.
type Agent struct {
	cfg       AgentConfig
	collector *Collector
	buffer    *RingBuffer
	sender    *Sender
}

// NewAgent constructs an Agent. collector is injected so tests can supply a
// deterministic stand-in.
func NewAgent(cfg AgentConfig, collector *Collector) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	return &Agent{
		cfg:       cfg,
		collector: collector,
		buffer:    NewRingBuffer(cfg.MaxBuffer),
		sender:    NewSender(cfg.Sender),
	}
}

// Run collects and sends on cfg.Interval until ctx is canceled, then flushes
// the remaining buffer within ShutdownGrace before returning.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(jitter(a.cfg.Interval, 0.05))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flush()
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick collects one reading, buffers it, and attempts to drain+send a batch.
func (a *Agent) tick(ctx context.Context) {
	reading := a.collector.Collect(ctx)
	a.buffer.Push(reading)
	a.sendBatch(ctx)
}

func (a *Agent) sendBatch(ctx context.Context) {
	readings := a.buffer.Drain(a.cfg.BatchSize)
	if len(readings) == 0 {
		return
	}

	samples := make([]sample.Sample, len(readings))
	for i, r := range readings {
		samples[i] = r.ToSample(a.cfg.NodeID, a.cfg.Country, a.cfg.Region)
	}

	batch := sample.Batch{
		BatchID:      sample.NewBatchID(),
		SourceRegion: a.cfg.Region,
		Samples:      samples,
	}

	if _, err := a.sender.Send(ctx, batch); err != nil {
		logger.Log.Error("probe send failed, requeueing batch", "error", err, "samples", len(readings))
		a.buffer.Requeue(readings)
		return
	}
	logger.Log.Info("probe batch sent", "batch_id", batch.BatchID, "samples", len(readings))
}

// flush makes a best-effort attempt to drain and send everything remaining
// in the buffer within ShutdownGrace, for a clean exit on SIGTERM.
func (a *Agent) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()

	for a.buffer.Len() > 0 {
		before := a.buffer.Len()
		a.sendBatch(ctx)
		if ctx.Err() != nil || a.buffer.Len() == before {
			break
		}
	}
}

// BufferDepth reports the current buffered reading count, for the probe's
// local metrics gauge.
func (a *Agent) BufferDepth() int {
	return a.buffer.Len()
}

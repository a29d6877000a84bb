// Package etl implements the fabric's batch-drain consumer: it atomically
// pops batches of queued envelopes, normalizes and registers their nodes,
// persists samples with per-row conflict routing, and routes anything it
// could not persist after exhausting its retry budget to the dead-letter
// queue.
package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fiberstack/fabric/internal/sample"
	"github.com/fiberstack/fabric/pkg/logger"
	"github.com/fiberstack/fabric/pkg/metrics"
	"github.com/fiberstack/fabric/pkg/queue"
	"github.com/fiberstack/fabric/pkg/telemetry"
)

// Config tunes the consumer's batch-pop cadence, retry budget, and
// heartbeat period.
type Config struct {
	BatchSize         int
	PopTimeout        time.Duration
	IdleBackoff       time.Duration
	HeartbeatPeriod   time.Duration
	MaxPersistRetries int
	RetryBackoffBase  time.Duration
}

// DefaultConfig returns the documented ETL defaults: pop up to 100 items,
// 200ms idle backoff when the queue is empty, a 10s heartbeat, and 5
// persistence retries before an item is dead-lettered.
func DefaultConfig() Config {
	return Config{
		BatchSize:         100,
		PopTimeout:        time.Second,
		IdleBackoff:       200 * time.Millisecond,
		HeartbeatPeriod:   10 * time.Second,
		MaxPersistRetries: 5,
		RetryBackoffBase:  500 * time.Millisecond,
	}
}

// Heartbeat is the status a worker reports every HeartbeatPeriod to its
// onHeartbeat callback; cmd/etl exposes the latest one per worker on the
// ETL's own /status.
type Heartbeat struct {
	WorkerID      string
	InFlight      int
	LastProcessed time.Time
}

// Consumer drains Q in batches, normalizes each sample, ensures its node is
// registered, and persists the batch via Store. Any worker may run
// concurrently with any other: correctness depends only on Q.Pop being an
// atomic, non-overlapping operation.
type Consumer struct {
	id      string
	cfg     Config
	q       queue.Queue
	dlq     queue.DeadLetterQueue
	store   Store
	metrics *metrics.Metrics

	onHeartbeat func(Heartbeat)
}

// NewConsumer constructs a Consumer. id identifies this worker in its
// heartbeats and logs; onHeartbeat may be nil.
func NewConsumer(id string, cfg Config, q queue.Queue, dlq queue.DeadLetterQueue, store Store, m *metrics.Metrics, onHeartbeat func(Heartbeat)) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = 200 * time.Millisecond
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 10 * time.Second
	}
	if cfg.MaxPersistRetries <= 0 {
		cfg.MaxPersistRetries = 5
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 500 * time.Millisecond
	}
	if m == nil {
		m = metrics.Get()
	}
	return &Consumer{id: id, cfg: cfg, q: q, dlq: dlq, store: store, metrics: m, onHeartbeat: onHeartbeat}
}

// Run drives the consumer's processing loop until ctx is canceled: atomic
// batch pop, normalize, ensure-node, persist-with-retry, and a periodic
// heartbeat. On shutdown it finishes any in-flight batch before returning;
// it never acknowledges a batch it failed to either persist or dead-letter.
func (c *Consumer) Run(ctx context.Context) {
	hbTicker := time.NewTicker(c.cfg.HeartbeatPeriod)
	defer hbTicker.Stop()

	var lastProcessed time.Time
	inFlight := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-hbTicker.C:
			c.emitHeartbeat(inFlight, lastProcessed)
		default:
		}

		items, err := c.q.Pop(ctx, c.cfg.BatchSize, c.cfg.PopTimeout)
		if err != nil {
			logger.Log.Error("etl batch pop failed", "worker", c.id, "error", err)
			sleep(ctx, c.cfg.IdleBackoff)
			continue
		}
		if len(items) == 0 {
			sleep(ctx, c.cfg.IdleBackoff)
			continue
		}

		inFlight = len(items)
		c.processBatch(ctx, items)
		if err := c.q.Ack(ctx, items); err != nil {
			// Every item is already persisted or dead-lettered; a failed ack
			// only risks a redelivery, which the storage uniqueness
			// constraint absorbs.
			logger.Log.Warn("etl failed to ack processed batch", "worker", c.id, "error", err)
		}
		inFlight = 0
		lastProcessed = time.Now().UTC()
	}
}

// processBatch normalizes, registers nodes for, and persists every item
// popped together. Each item keeps its own ingest region (it may have
// arrived via a different gateway or relay), so it is persisted as its own
// storage transaction; atomicity is required of the batch pop, not of the
// downstream commit granularity.
func (c *Consumer) processBatch(ctx context.Context, items []queue.Item) {
	start := time.Now()
	total := 0
	for i := range items {
		n, err := c.processItem(ctx, items[i])
		total += n
		if err != nil {
			c.deadLetter(ctx, items[i], err)
		}
	}
	c.metrics.RecordETLBatch("ok", total, time.Since(start))
}

func (c *Consumer) processItem(ctx context.Context, item queue.Item) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "Consumer.processItem")
	defer span.End()
	telemetry.TagTraceID(ctx, item.TraceID)

	var batch sample.Batch
	if err := json.Unmarshal(item.Payload, &batch); err != nil {
		return 0, fmt.Errorf("unmarshal queued envelope: %w", err)
	}
	for i := range batch.Samples {
		batch.Samples[i].Normalize()
	}

	region := item.IngestRegion
	if region == "" {
		region = batch.SourceRegion
	}

	for _, node := range nodesInBatch(batch) {
		if _, err := c.ensureNode(ctx, node); err != nil {
			logger.Log.Warn("etl failed to upsert node registry", "node_id", node.NodeID, "error", err)
		}
	}

	conflicts, err := c.persistWithRetry(ctx, batch.Samples, region)
	if err != nil {
		return 0, err
	}
	for _, conflict := range conflicts {
		c.metrics.RecordConflict(conflict.NodeID)
	}
	// Every persisted sample and conflict stays traceable to the trace id
	// the probe emitted it under.
	logger.WithTraceID(item.TraceID).Info("etl batch persisted",
		"batch_id", batch.BatchID,
		"persisted", len(batch.Samples)-len(conflicts),
		"conflicts", len(conflicts),
		"ingest_region", region,
	)
	return len(batch.Samples) - len(conflicts), nil
}

// ensureNode upserts the registry row for node, retrying with backoff like
// persistence since it shares the same storage backend.
func (c *Consumer) ensureNode(ctx context.Context, node sample.Node) (bool, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryBackoffBase
	created, err := backoff.Retry(ctx, func() (bool, error) {
		return c.store.UpsertNode(ctx, node)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(c.cfg.MaxPersistRetries)))
	if err == nil && created {
		c.metrics.RecordNodeRegistered()
	}
	return created, err
}

// persistWithRetry commits samples in one transaction, retrying the whole
// batch with exponential backoff on a transient storage failure up to
// MaxPersistRetries. A successful commit may
// still report per-row conflicts; those are not retried, they are terminal.
func (c *Consumer) persistWithRetry(ctx context.Context, samples []sample.Sample, region string) ([]sample.Conflict, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryBackoffBase
	return backoff.Retry(ctx, func() ([]sample.Conflict, error) {
		return c.store.PersistBatch(ctx, samples, region)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(c.cfg.MaxPersistRetries)))
}

// deadLetter routes an item the consumer could not persist after
// exhausting its retry budget to the DLQ, stamped with the failure that
// sent it there. The item is never silently dropped: it is in storage, in
// the conflict log, or in the DLQ.
func (c *Consumer) deadLetter(ctx context.Context, item queue.Item, cause error) {
	logger.Log.Error("etl batch persist failed, routing to dead-letter queue", "error", cause, "trace_id", item.TraceID)
	failed := queue.FailedItem{Item: item, FailedAt: time.Now().UTC(), Error: cause.Error()}
	if c.dlq == nil {
		return
	}
	if err := c.dlq.Push(ctx, failed); err != nil {
		logger.Log.Error("etl failed to write dead-letter entry", "error", err, "trace_id", item.TraceID)
		return
	}
	depth, err := c.dlq.Depth(ctx)
	if err == nil {
		c.metrics.SetDLQDepth("fiber:etl:dlq", depth)
	}
}

func (c *Consumer) emitHeartbeat(inFlight int, lastProcessed time.Time) {
	hb := Heartbeat{WorkerID: c.id, InFlight: inFlight, LastProcessed: lastProcessed}
	if c.onHeartbeat != nil {
		c.onHeartbeat(hb)
	}
	logger.Log.Debug("etl heartbeat", "worker", c.id, "in_flight", hb.InFlight, "last_processed", hb.LastProcessed)
}

// nodesInBatch returns one Node per distinct node_id in batch, carrying
// minimal fields (country/region from the first sample seen for that node)
// and last_seen_at set to the max timestamp across its samples.
func nodesInBatch(batch sample.Batch) []sample.Node {
	seen := make(map[string]*sample.Node)
	order := make([]string, 0, len(batch.Samples))
	for _, s := range batch.Samples {
		n, ok := seen[s.NodeID]
		if !ok {
			n = &sample.Node{
				NodeID:     s.NodeID,
				Country:    s.Country,
				Region:     s.Region,
				Status:     sample.StatusReporting,
				LastSeenAt: s.Timestamp,
			}
			seen[s.NodeID] = n
			order = append(order, s.NodeID)
			continue
		}
		if s.Timestamp.After(n.LastSeenAt) {
			n.LastSeenAt = s.Timestamp
		}
	}
	nodes := make([]sample.Node, 0, len(order))
	for _, id := range order {
		nodes = append(nodes, *seen[id])
	}
	return nodes
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

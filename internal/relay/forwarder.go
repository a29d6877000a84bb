package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fiberstack/fabric/pkg/fiberror"
	"github.com/fiberstack/fabric/pkg/logger"
	"github.com/fiberstack/fabric/pkg/metrics"
	"github.com/fiberstack/fabric/pkg/queue"
)

// Config tunes the relay's buffer and forward behavior.
type Config struct {
	CentralEndpoint   string
	Region            string
	AccessToken       string
	BufferMaxAge      time.Duration
	ForwardInterval   time.Duration
	DegradedThreshold int
	RequestTimeout    time.Duration

	// DrainBatch bounds how many buffered items one tick forwards before
	// yielding, so a deep post-outage backlog cannot starve shutdown.
	DrainBatch int
}

// DefaultConfig returns the documented relay defaults: 24h buffer age
// ceiling, a forward attempt every 5s.
func DefaultConfig() Config {
	return Config{
		BufferMaxAge:    24 * time.Hour,
		ForwardInterval: 5 * time.Second,
		RequestTimeout:  10 * time.Second,
		DrainBatch:      200,
	}
}

// Forwarder durably buffers batches routed through this region and
// continuously attempts to forward them to the central fabric, tracking
// federation state via a StateMachine.
type Forwarder struct {
	cfg     Config
	buf     queue.Queue
	sm      *StateMachine
	client  *http.Client
	metrics *metrics.Metrics

	mu               sync.Mutex
	oldestEnqueuedAt time.Time
}

// NewForwarder constructs a Forwarder over buf, the relay's durable buffer.
func NewForwarder(cfg Config, buf queue.Queue, m *metrics.Metrics) *Forwarder {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ForwardInterval <= 0 {
		cfg.ForwardInterval = 5 * time.Second
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = 200
	}
	if m == nil {
		m = metrics.Get()
	}
	return &Forwarder{
		cfg:     cfg,
		buf:     buf,
		sm:      NewStateMachine(),
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		metrics: m,
	}
}

// State returns the relay's current federation state.
func (f *Forwarder) State() State {
	return f.sm.Current()
}

// Admit reports whether the relay may accept new samples: nil in
// FORWARDING/BUFFERING, an error once the buffer has hit its ceiling.
func (f *Forwarder) Admit() error {
	if f.cfg.DegradedThreshold > 0 {
		if depth, err := f.buf.Depth(context.Background()); err == nil && depth >= int64(f.cfg.DegradedThreshold) {
			f.sm.OnBufferFull()
			f.publishState()
		}
	}
	if f.sm.Current() == StateDegradedFull {
		return fmt.Errorf("regional buffer at capacity, falling back to direct central delivery")
	}
	return nil
}

// Buffer enqueues a batch payload (already-validated, JSON-encoded) into the
// durable buffer for later forwarding, and forces DEGRADED_FULL once the
// buffer reaches DegradedThreshold or its oldest entry reaches BufferMaxAge.
// The relay's gateway pushes into the same buffer directly.
func (f *Forwarder) Buffer(ctx context.Context, traceID string, payload []byte) error {
	f.mu.Lock()
	if f.oldestEnqueuedAt.IsZero() {
		f.oldestEnqueuedAt = time.Now()
	}
	oldest := f.oldestEnqueuedAt
	f.mu.Unlock()

	err := f.buf.Push(ctx, queue.Item{Payload: payload, TraceID: traceID, IngestRegion: f.cfg.Region, IngestTS: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("buffer batch: %w", err)
	}

	depth, _ := f.buf.Depth(ctx)
	f.metrics.SetQueueDepth("relay:"+f.cfg.Region, depth)
	if f.cfg.DegradedThreshold > 0 && depth >= int64(f.cfg.DegradedThreshold) {
		f.sm.OnBufferFull()
	}
	if time.Since(oldest) >= f.cfg.BufferMaxAge {
		f.sm.OnBufferFull()
	}
	f.publishState()
	return nil
}

// Forward attempts to send a single batch payload directly to central,
// returning the error on failure so the caller can decide whether to
// Buffer it instead. The drain loop is its caller: each buffered item
// goes through Forward.
func (f *Forwarder) Forward(ctx context.Context, traceID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.CentralEndpoint+"/ingest", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(fiberror.TraceHeader, traceID)
	req.Header.Set("X-Batch-ID", extractBatchID(payload))
	req.Header.Set("X-Region-ID", f.cfg.Region)
	if f.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.AccessToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward to central: %w", err)
	}
	defer resp.Body.Close()

	// 409 is central telling us it already has this batch: a replay after a
	// partial outage, absorbed as success.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("central returned status %d", resp.StatusCode)
}

// Run drains the buffer on cfg.ForwardInterval, forwarding each item to
// central. A forward failure stops the drain for this tick and transitions
// the state machine to BUFFERING; an empty buffer transitions back toward
// FORWARDING.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.ForwardInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.drainTick(ctx)
		}
	}
}

// drainTick forwards buffered items until the buffer is empty, a forward
// fails, or DrainBatch items have been sent this tick.
func (f *Forwarder) drainTick(ctx context.Context) {
	for sent := 0; sent < f.cfg.DrainBatch; sent++ {
		if ctx.Err() != nil {
			return
		}
		if !f.drainOne(ctx) {
			return
		}
	}
}

// drainOne forwards a single buffered item, reporting whether the drain
// should continue. The item is acknowledged off the buffer only after
// central accepted it; a failed forward re-buffers it, so a crash between
// pop and re-push costs at most one redelivery, never a loss.
func (f *Forwarder) drainOne(ctx context.Context) bool {
	items, err := f.buf.Pop(ctx, 1, 100*time.Millisecond)
	if err != nil || len(items) == 0 {
		if err == nil {
			f.onBufferEmpty(ctx)
		}
		return false
	}

	item := items[0]
	if err := f.Forward(ctx, item.TraceID, item.Payload); err != nil {
		logger.Log.Warn("relay forward failed, re-buffering", "error", err)
		f.sm.OnForwardFailure()
		// Re-push to preserve at-least-once delivery; order is not
		// preserved across retries but batch idempotency on the gateway
		// absorbs any resulting duplicate.
		_ = f.buf.Push(ctx, item)
		_ = f.buf.Ack(ctx, items)
		f.publishState()
		return false
	}
	_ = f.buf.Ack(ctx, items)

	depth, _ := f.buf.Depth(ctx)
	f.metrics.SetQueueDepth("relay:"+f.cfg.Region, depth)
	if depth == 0 {
		f.onBufferEmpty(ctx)
		return false
	}
	// Central is reachable again; leave DEGRADED_FULL only once the backlog
	// has drained back under the ceiling.
	if f.cfg.DegradedThreshold <= 0 || depth < int64(f.cfg.DegradedThreshold) {
		f.sm.OnForwardSuccess()
	}
	f.publishState()
	return true
}

func (f *Forwarder) onBufferEmpty(ctx context.Context) {
	depth, _ := f.buf.Depth(ctx)
	if depth != 0 {
		return
	}
	f.sm.OnForwardSuccess()
	f.mu.Lock()
	f.oldestEnqueuedAt = time.Time{}
	f.mu.Unlock()
	f.metrics.SetQueueDepth("relay:"+f.cfg.Region, 0)
	f.publishState()
}

func (f *Forwarder) publishState() {
	f.metrics.SetRelayState(f.cfg.Region, string(f.sm.Current()), AllStates)
}

// extractBatchID pulls batch_id out of a buffered batch payload so it can
// be forwarded as the X-Batch-ID header central's /ingest requires; the
// buffered payload is the gateway-normalized batch JSON, which already
// carries batch_id in the body from when this relay's own inbound gateway
// accepted it.
func extractBatchID(payload []byte) string {
	var v struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return ""
	}
	return v.BatchID
}

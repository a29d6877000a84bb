// Package gateway implements the fabric's public ingestion edge: bearer
// auth, size gating, validation, idempotency, rate limiting, and durable
// enqueue for every sample or batch a probe or relay submits.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fiberstack/fabric/internal/sample"
	"github.com/fiberstack/fabric/pkg/audit"
	"github.com/fiberstack/fabric/pkg/cache"
	"github.com/fiberstack/fabric/pkg/fiberror"
	"github.com/fiberstack/fabric/pkg/logger"
	"github.com/fiberstack/fabric/pkg/metrics"
	"github.com/fiberstack/fabric/pkg/passhash"
	"github.com/fiberstack/fabric/pkg/queue"
	"github.com/fiberstack/fabric/pkg/ratelimit"
)

// Endpoint classes used as rate-limit key prefixes, so each class owns its
// own quota: push per probe, ingest per relay, metrics per reading user.
const (
	classPush    = "push"
	classIngest  = "ingest"
	classMetrics = "metrics"
)

// Config tunes gateway-local behavior. Field names mirror config.GatewayConfig.
type Config struct {
	DegradeOnDLQDepth int
	ShedFraction      float64
	BatchIDTTL        time.Duration
	MaxBatchSize      int
	MaxBatchBytes     int64
}

// DefaultConfig returns the documented gateway defaults.
func DefaultConfig() Config {
	return Config{
		BatchIDTTL:    24 * time.Hour,
		MaxBatchSize:  sample.MaxBatchSamples,
		MaxBatchBytes: sample.MaxBatchBytes,
	}
}

// MetricsReader is the gateway's read path onto persisted telemetry, backing
// GET /metrics and GET /ready. It is satisfied structurally by
// etl.PostgresStore without either package importing the other.
type MetricsReader interface {
	QueryMetrics(ctx context.Context, nodeID, region string, since, until time.Time, limit, offset int) ([]map[string]any, error)
	Ping(ctx context.Context) error
}

// Gateway wires the full accept pipeline: auth -> size gate -> validate ->
// idempotency -> rate limit -> degrade-on-DLQ -> enqueue.
type Gateway struct {
	cfg     Config
	jwt     *passhash.JWTManager
	idemp   cache.Cache
	limiter ratelimit.Limiter
	q       queue.Queue
	dlq     queue.DeadLetterQueue
	metrics *metrics.Metrics

	admission        func() error
	federationStatus func() map[string]string
	metricsReader    MetricsReader
	globalLimiter    ratelimit.Limiter
}

// New constructs a Gateway from its dependencies. Any of jwt/idemp/limiter/
// dlq may be nil to disable that stage (used by tests exercising a single
// stage in isolation).
func New(cfg Config, jwt *passhash.JWTManager, idemp cache.Cache, limiter ratelimit.Limiter, q queue.Queue, dlq queue.DeadLetterQueue, m *metrics.Metrics) *Gateway {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = sample.MaxBatchSamples
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = sample.MaxBatchBytes
	}
	if cfg.BatchIDTTL <= 0 {
		cfg.BatchIDTTL = 24 * time.Hour
	}
	if m == nil {
		m = metrics.Get()
	}
	g := &Gateway{cfg: cfg, jwt: jwt, idemp: idemp, limiter: limiter, q: q, dlq: dlq, metrics: m}
	g.federationStatus = func() map[string]string {
		return map[string]string{"role": "central", "state": "ok"}
	}
	return g
}

// SetGlobalLimiter installs a system-wide ceiling bucket checked after the
// per-identity bucket, so no single probe's quota lets it push the whole
// fabric past its aggregate budget. Nil disables the global check.
func (g *Gateway) SetGlobalLimiter(l ratelimit.Limiter) {
	g.globalLimiter = l
}

// SetAdmission installs a pre-accept check run before any write is
// processed. A non-nil return rejects the request with 503; the regional
// relay uses this to stop accepting samples while its buffer is at its
// ceiling.
func (g *Gateway) SetAdmission(fn func() error) {
	g.admission = fn
}

// SetFederationStatus overrides how GET /federation/status reports this
// instance's role, used by the regional relay to report its own
// FORWARDING/BUFFERING/DEGRADED_FULL state instead of the central default.
func (g *Gateway) SetFederationStatus(fn func() map[string]string) {
	g.federationStatus = fn
}

// SetMetricsReader wires a read path for GET /metrics and GET /ready's
// storage check. Left nil, /metrics returns an empty result set and /ready
// skips the storage check (used by the relay, which has no local storage).
func (g *Gateway) SetMetricsReader(r MetricsReader) {
	g.metricsReader = r
}

// Routes registers the gateway's handlers on mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /push", g.handlePush)
	mux.HandleFunc("POST /ingest", g.handleIngest)
	mux.HandleFunc("GET /status", g.handleStatus)
	mux.HandleFunc("GET /federation/status", g.handleFederationStatus)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /ready", g.handleReady)
	mux.HandleFunc("GET /metrics", g.handleMetricsRead)
}

// handleFederationStatus reports this instance's role via federationStatus:
// "central" by default, or the relay's own forwarder state when
// SetFederationStatus has been called.
func (g *Gateway) handleFederationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.federationStatus())
}

type pushResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

type ingestResponse struct {
	BatchID  string `json:"batch_id"`
	Enqueued int    `json:"enqueued"`
}

// handlePush accepts a single bare Sample: {node_id, country, region,
// latency_ms, uptime_pct, packet_loss, timestamp, metadata}, with no
// batch_id or samples wrapper. It is internally wrapped as a one-sample
// batch so it flows through the same normalize/enqueue path as /ingest.
// /push carries no idempotency contract: 400/401/429/503 are its only
// error statuses.
func (g *Gateway) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	nodeID, region, err := g.authenticate(r)
	if err != nil {
		fiberror.WriteJSON(w, r, err)
		return
	}

	if err := g.admit(); err != nil {
		fiberror.WriteJSON(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, sample.MaxSampleBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeMalformedInput, "request body exceeds sample size limit or could not be read"))
		return
	}

	var s sample.Sample
	if err := json.Unmarshal(raw, &s); err != nil {
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeMalformedInput, "invalid JSON body"))
		return
	}
	if err := s.Validate(); err != nil {
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeMalformedInput, err.Error()))
		return
	}

	if !g.checkRateLimitAndShed(ctx, w, r, classPush, nodeID) {
		return
	}

	s.Normalize()
	batch := sample.Batch{
		BatchID:      sample.NewBatchID(),
		SourceRegion: region,
		Samples:      []sample.Sample{s},
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeFatal, "failed to serialize accepted sample"))
		return
	}

	item := queue.Item{
		Payload:      payload,
		TraceID:      r.Header.Get(fiberror.TraceHeader),
		IngestRegion: region,
		IngestTS:     time.Now().UTC(),
	}
	if err := g.q.Push(ctx, item); err != nil {
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeTransientBackendFailure, "failed to enqueue sample"))
		return
	}

	g.metrics.RecordSamplesIngested(region, 1)
	writeJSON(w, http.StatusAccepted, pushResponse{Status: "accepted", MessageID: batch.BatchID})
}

// handleIngest accepts a batch of Samples from a relay or a batching probe.
// The idempotency key is the mandatory X-Batch-ID header, not a body field;
// X-Region-ID declares the source region, which must agree with the token's
// region claim when both are present. A replayed X-Batch-ID is answered
// with 409 and the originally accepted enqueued count, never re-enqueued.
func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	nodeID, region, err := g.authenticate(r)
	if err != nil {
		fiberror.WriteJSON(w, r, err)
		return
	}

	if err := g.admit(); err != nil {
		fiberror.WriteJSON(w, r, err)
		return
	}

	batchID := r.Header.Get("X-Batch-ID")
	if batchID == "" {
		fiberror.WriteJSON(w, r, fiberror.NewWithField(fiberror.CodeMalformedInput, "X-Batch-ID header is required", "X-Batch-ID"))
		return
	}
	if declared := r.Header.Get("X-Region-ID"); declared != "" {
		if region != "" && declared != region {
			fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeAuthFailure, "declared source region does not match token region claim"))
			return
		}
		region = declared
	}

	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBatchBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodePayloadTooLarge, "batch payload exceeds size limit"))
			return
		}
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeMalformedInput, "request body could not be read"))
		return
	}

	var wire struct {
		Samples []sample.Sample `json:"samples"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeMalformedInput, "invalid JSON body"))
		return
	}
	batch := sample.Batch{BatchID: batchID, SourceRegion: region, Samples: wire.Samples}

	if len(batch.Samples) > g.cfg.MaxBatchSize {
		fiberror.WriteJSON(w, r, fiberror.NewWithField(fiberror.CodeMalformedInput, "batch exceeds max sample count", "samples"))
		return
	}
	if err := batch.Validate(); err != nil {
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeMalformedInput, err.Error()))
		return
	}

	enqueued, hit, err := g.checkIdempotent(ctx, batch.BatchID)
	if err != nil {
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeTransientBackendFailure, "idempotency check failed"))
		return
	}
	if hit {
		writeJSON(w, http.StatusConflict, ingestResponse{BatchID: batch.BatchID, Enqueued: enqueued})
		return
	}

	if !g.checkRateLimitAndShed(ctx, w, r, classIngest, nodeID) {
		return
	}

	// Reserve the batch id before enqueueing: of two concurrent arrivals
	// with the same id, exactly one wins the reservation and enqueues.
	reserved, err := g.reserveIdempotent(ctx, batch.BatchID, len(batch.Samples))
	if err != nil {
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeTransientBackendFailure, "idempotency reservation failed"))
		return
	}
	if !reserved {
		enqueued, _, _ := g.checkIdempotent(ctx, batch.BatchID)
		writeJSON(w, http.StatusConflict, ingestResponse{BatchID: batch.BatchID, Enqueued: enqueued})
		return
	}

	batch.Normalize()
	payload, err := json.Marshal(batch)
	if err != nil {
		g.releaseIdempotent(ctx, batch.BatchID)
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeFatal, "failed to serialize accepted batch"))
		return
	}

	item := queue.Item{
		Payload:      payload,
		TraceID:      r.Header.Get(fiberror.TraceHeader),
		IngestRegion: region,
		IngestTS:     time.Now().UTC(),
	}
	if err := g.q.Push(ctx, item); err != nil {
		// Release the reservation so the client's retry is not mistaken for
		// a replay of a batch that never reached the queue.
		g.releaseIdempotent(ctx, batch.BatchID)
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeTransientBackendFailure, "failed to enqueue batch"))
		return
	}

	g.metrics.RecordSamplesIngested(region, len(batch.Samples))
	writeJSON(w, http.StatusAccepted, ingestResponse{BatchID: batch.BatchID, Enqueued: len(batch.Samples)})
}

// admit runs the installed admission check, mapping a refusal to 503.
func (g *Gateway) admit() error {
	if g.admission == nil {
		return nil
	}
	if err := g.admission(); err != nil {
		return fiberror.Wrap(err, fiberror.CodeTransientBackendFailure, err.Error())
	}
	return nil
}

// checkRateLimitAndShed runs the shared rate-limit and load-shed stages,
// stamping X-RateLimit-Remaining/X-RateLimit-Reset on the response either
// way and Retry-After on a deny. Returns false if the request must stop.
func (g *Gateway) checkRateLimitAndShed(ctx context.Context, w http.ResponseWriter, r *http.Request, class, nodeID string) bool {
	if g.limiter != nil {
		info, err := g.limiter.Allow(ctx, class+":"+nodeID)
		decision := "allow"
		if err != nil || !info.Allowed {
			decision = "deny"
		}
		g.metrics.RecordRateLimitDecision(nodeID, decision)
		if err != nil {
			fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeTransientBackendFailure, "rate limiter unavailable"))
			return false
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))
		if !info.Allowed {
			writeRateLimited(w, r, info)
			return false
		}
	}

	if g.globalLimiter != nil {
		info, err := g.globalLimiter.Allow(ctx, "global")
		if err != nil {
			fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeTransientBackendFailure, "rate limiter unavailable"))
			return false
		}
		if !info.Allowed {
			g.metrics.RecordRateLimitDecision("global", "deny")
			writeRateLimited(w, r, info)
			return false
		}
	}

	if g.shouldShed(ctx) {
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeTransientBackendFailure, "service shedding load: dead-letter queue backlog"))
		return false
	}
	return true
}

// writeRateLimited answers a denied request with 429 and the retry hint
// from the bucket decision.
func writeRateLimited(w http.ResponseWriter, r *http.Request, info *ratelimit.LimitInfo) {
	retry := int64(info.RetryAfter.Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
	fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeRateLimited, "rate limit exceeded"))
}

type statusResponse struct {
	Status     string `json:"status"`
	QueueDepth int64  `json:"queue_depth"`
	DLQDepth   int64  `json:"dlq_depth"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var qd, dd int64
	if g.q != nil {
		qd, _ = g.q.Depth(ctx)
	}
	if g.dlq != nil {
		dd, _ = g.dlq.Depth(ctx)
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", QueueDepth: qd, DLQDepth: dd})
}

// handleHealth is a liveness probe: it reports ok whenever the process is
// serving requests, with no dependency checks.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady is a readiness probe: it checks that the queue, idempotency
// cache, and (when configured) storage are reachable, returning 503 with
// the failing dependency named if any check fails.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deps := map[string]string{}

	if g.q != nil {
		if _, err := g.q.Depth(ctx); err != nil {
			deps["queue"] = err.Error()
		}
	}
	if g.idemp != nil {
		if _, err := g.idemp.Stats(ctx); err != nil {
			deps["cache"] = err.Error()
		}
	}
	if g.metricsReader != nil {
		if err := g.metricsReader.Ping(ctx); err != nil {
			deps["storage"] = err.Error()
		}
	}

	if len(deps) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "dependencies": deps})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleMetricsRead serves the paged/filtered JSON metrics read path
// (distinct from the Prometheus exposition served on the metrics port):
// GET /metrics?node_id=&region=&since=&until=&limit=&offset=, returning
// {"data":{"metrics":[...]}}.
func (g *Gateway) handleMetricsRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _, err := g.authenticate(r)
	if err != nil {
		fiberror.WriteJSON(w, r, err)
		return
	}

	if !g.checkRateLimitAndShed(ctx, w, r, classMetrics, userID) {
		return
	}

	if g.metricsReader == nil {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"metrics": []map[string]any{}}})
		return
	}

	q := r.URL.Query()
	nodeID := q.Get("node_id")
	region := q.Get("region")

	since, err := parseTimeParam(q.Get("since"), time.Time{})
	if err != nil {
		fiberror.WriteJSON(w, r, fiberror.NewWithField(fiberror.CodeMalformedInput, "since must be RFC3339", "since"))
		return
	}
	until, err := parseTimeParam(q.Get("until"), time.Now().UTC())
	if err != nil {
		fiberror.WriteJSON(w, r, fiberror.NewWithField(fiberror.CodeMalformedInput, "until must be RFC3339", "until"))
		return
	}

	limit := parseIntParam(q.Get("limit"), 100)
	offset := parseIntParam(q.Get("offset"), 0)

	rows, err := g.metricsReader.QueryMetrics(ctx, nodeID, region, since, until, limit, offset)
	if err != nil {
		fiberror.WriteJSON(w, r, fiberror.New(fiberror.CodeTransientBackendFailure, "failed to query metrics"))
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"metrics": rows}})
}

func parseTimeParam(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseIntParam(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// authenticate extracts and validates the bearer token, returning the
// node_id and region the gateway will trust for this request.
func (g *Gateway) authenticate(r *http.Request) (nodeID, region string, err error) {
	if g.jwt == nil {
		return "anonymous", "", nil
	}
	authHeader := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		return "", "", fiberror.New(fiberror.CodeAuthFailure, "missing bearer token")
	}
	claims, verr := g.jwt.ValidateToken(token)
	if verr != nil {
		return "", "", fiberror.New(fiberror.CodeAuthFailure, "invalid or expired bearer token")
	}
	return claims.NodeID(), claims.Region, nil
}

// checkIdempotent reports whether batchID has already been accepted and, if
// so, the sample count originally enqueued for it, so a replay can echo the
// same enqueued figure back instead of recomputing it.
func (g *Gateway) checkIdempotent(ctx context.Context, batchID string) (enqueued int, hit bool, err error) {
	if g.idemp == nil {
		return 0, false, nil
	}
	val, err := g.idemp.Get(ctx, idempotencyKey(batchID))
	if err != nil {
		if errors.Is(err, cache.ErrKeyNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	n, _ := strconv.Atoi(string(val))
	return n, true, nil
}

// reserveIdempotent atomically claims batchID for this request, storing the
// enqueued count a replay will be answered with.
func (g *Gateway) reserveIdempotent(ctx context.Context, batchID string, enqueued int) (bool, error) {
	if g.idemp == nil {
		return true, nil
	}
	return g.idemp.SetNX(ctx, idempotencyKey(batchID), []byte(strconv.Itoa(enqueued)), g.cfg.BatchIDTTL)
}

func (g *Gateway) releaseIdempotent(ctx context.Context, batchID string) {
	if g.idemp == nil {
		return
	}
	if err := g.idemp.Delete(ctx, idempotencyKey(batchID)); err != nil {
		logger.Log.Warn("failed to release batch idempotency key", "batch_id", batchID, "error", err)
	}
}

func idempotencyKey(batchID string) string {
	return "fiber:batch:" + batchID
}

// shouldShed reports whether this request should be rejected to protect the
// ETL from a growing backlog: once the DLQ depth crosses the configured
// threshold, a random ShedFraction of requests are shed.
func (g *Gateway) shouldShed(ctx context.Context) bool {
	if g.dlq == nil || g.cfg.DegradeOnDLQDepth <= 0 {
		return false
	}
	depth, err := g.dlq.Depth(ctx)
	if err != nil || depth < int64(g.cfg.DegradeOnDLQDepth) {
		return false
	}
	g.metrics.SetDLQDepth("fiber:etl:dlq", depth)
	return rand.Float64() < g.cfg.ShedFraction
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// AuditNodeAction writes a chained audit entry for a privileged node
// registry action, called by the operator-facing node management surface.
func AuditNodeAction(ctx context.Context, action audit.Action, nodeID string, outcome audit.Outcome) {
	entry := audit.NewEntry().
		Service("gateway").
		Action(action).
		Outcome(outcome).
		Resource("node", nodeID).
		Build()
	if err := audit.Log(ctx, entry); err != nil {
		logger.Log.Warn("failed to write audit entry", "error", err, "action", action)
	}
}

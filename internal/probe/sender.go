package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fiberstack/fabric/internal/sample"
	"github.com/fiberstack/fabric/pkg/logger"
	"github.com/fiberstack/fabric/pkg/telemetry"
)

// SenderConfig tunes retry, timeout, and federation fallback behavior.
type SenderConfig struct {
	APIEndpoint      string
	RegionalEndpoint string
	AccessToken      string
	RequestTimeout   time.Duration
	MaxRetries       int
	RetryBackoffBase time.Duration

	// FallbackThreshold is the number of consecutive regional failures
	// before the sender switches to the central endpoint.
	FallbackThreshold int
	// FallbackSticky is how long the sender keeps using the central
	// endpoint after a successful fallback send before retrying regional.
	FallbackSticky time.Duration
}

// Sender POSTs batches to the regional endpoint, falling over to the
// central endpoint after FallbackThreshold consecutive regional failures,
// and returning to regional after FallbackSticky has elapsed.
type Sender struct {
	cfg    SenderConfig
	client *http.Client

	mu               sync.Mutex
	consecutiveFails int
	usingCentral     bool
	centralSince     time.Time
}

// NewSender constructs a Sender from cfg, applying documented defaults for
// any zero-valued tuning fields.
func NewSender(cfg SenderConfig) *Sender {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 2 * time.Second
	}
	if cfg.FallbackThreshold <= 0 {
		cfg.FallbackThreshold = 2
	}
	if cfg.FallbackSticky <= 0 {
		cfg.FallbackSticky = 120 * time.Second
	}
	return &Sender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Send posts one batch, retrying with exponential backoff up to MaxRetries
// and failing over between regional and central endpoints as consecutive
// failures accumulate. Returns the trace id used for the attempt.
func (s *Sender) Send(ctx context.Context, batch sample.Batch) (string, error) {
	if batch.TraceID == "" {
		batch.TraceID = telemetry.NewTraceID()
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return batch.TraceID, fmt.Errorf("marshal batch: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.RetryBackoffBase
	eb.Multiplier = 2.0

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		endpoint := s.currentEndpoint()
		sendErr := s.post(ctx, endpoint, batch.TraceID, batch.BatchID, body)
		s.recordOutcome(sendErr)
		return struct{}{}, sendErr
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(s.cfg.MaxRetries)))

	return batch.TraceID, err
}

func (s *Sender) post(ctx context.Context, endpoint, traceID, batchID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/ingest", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-ID", traceID)
	req.Header.Set("X-Batch-ID", batchID)
	if s.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}
	// 4xx other than 429 is not retryable (malformed/unauthorized); treat it
	// as terminal by returning a backoff.Permanent error so Retry stops.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(fmt.Errorf("gateway rejected batch: status %d", resp.StatusCode))
	}
	return fmt.Errorf("gateway returned status %d", resp.StatusCode)
}

func (s *Sender) currentEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.usingCentral && time.Since(s.centralSince) > s.cfg.FallbackSticky {
		s.usingCentral = false
	}
	if s.usingCentral || s.cfg.RegionalEndpoint == "" {
		return s.cfg.APIEndpoint
	}
	return s.cfg.RegionalEndpoint
}

func (s *Sender) recordOutcome(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.consecutiveFails = 0
		return
	}
	if s.usingCentral {
		return
	}
	s.consecutiveFails++
	if s.consecutiveFails >= s.cfg.FallbackThreshold {
		logger.Log.Warn("probe falling back to central endpoint",
			"consecutive_failures", s.consecutiveFails,
			"regional_endpoint", s.cfg.RegionalEndpoint,
		)
		s.usingCentral = true
		s.centralSince = time.Now()
		s.consecutiveFails = 0
	}
}

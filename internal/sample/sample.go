// Package sample holds the fabric's core data model: the Sample a probe
// emits, the Node registry entry it belongs to, the Batch it travels in,
// and the Conflict record persistence writes on a duplicate. Bounds and
// shape here are the single source of truth the gateway validates against
// and the ETL normalizes toward.
package sample

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Bounds enforced at the gateway and re-clipped at the ETL in case a
// sample reaches storage by a path that skipped the gateway (e.g. a future
// intra-cluster producer).
const (
	MinLatencyMs = 0.0
	MaxLatencyMs = 10000.0

	MinUptimePct = 0.0
	MaxUptimePct = 100.0

	MinPacketLossPct = 0.0
	MaxPacketLossPct = 100.0

	MaxSampleBytes  = 4 * 1024
	MaxBatchBytes   = 10 * 1024 * 1024
	MaxBatchSamples = 1000
)

var countryPattern = regexp.MustCompile(`^[A-Z]{2}$`)

// Status is the lifecycle state of a Node.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusReporting  Status = "reporting"
	StatusDeleted    Status = "deleted"
)

// Sample is one probe measurement. (node_id, timestamp) is the universal
// dedup key end to end: at the gateway via batch_id idempotency, and at
// storage via the unique (time, node_id) constraint.
type Sample struct {
	NodeID        string         `json:"node_id"`
	Timestamp     time.Time      `json:"timestamp"`
	LatencyMs     float64        `json:"latency_ms"`
	UptimePct     float64        `json:"uptime_pct"`
	PacketLossPct float64        `json:"packet_loss"`
	TargetHost    string         `json:"target_host,omitempty"`
	ProbeType     string         `json:"probe_type,omitempty"`
	Country       string         `json:"country,omitempty"`
	Region        string         `json:"region,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Validate checks a Sample against the documented bounds, inclusive at the
// edges: 0 and 10000 are valid latencies, -1 and 10001 are not.
func (s *Sample) Validate() error {
	if s.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if s.LatencyMs < MinLatencyMs || s.LatencyMs > MaxLatencyMs {
		return fmt.Errorf("latency_ms %.2f out of bounds [%g, %g]", s.LatencyMs, MinLatencyMs, MaxLatencyMs)
	}
	if s.UptimePct < MinUptimePct || s.UptimePct > MaxUptimePct {
		return fmt.Errorf("uptime_pct %.2f out of bounds [%g, %g]", s.UptimePct, MinUptimePct, MaxUptimePct)
	}
	if s.PacketLossPct < MinPacketLossPct || s.PacketLossPct > MaxPacketLossPct {
		return fmt.Errorf("packet_loss %.2f out of bounds [%g, %g]", s.PacketLossPct, MinPacketLossPct, MaxPacketLossPct)
	}
	if s.Country != "" && !countryPattern.MatchString(s.Country) {
		return fmt.Errorf("country %q must match [A-Z]{2}", s.Country)
	}
	return nil
}

// Normalize coerces the timestamp to UTC at millisecond resolution, clips
// numeric fields back into bounds (defensive: Validate should already have
// rejected out-of-range input, but the ETL may see samples from a path that
// bypassed gateway validation), and canonicalizes region as
// lower(country) + "-" + slug(region).
func (s *Sample) Normalize() {
	s.Timestamp = s.Timestamp.UTC().Truncate(time.Millisecond)
	s.LatencyMs = clip(s.LatencyMs, MinLatencyMs, MaxLatencyMs)
	s.UptimePct = clip(s.UptimePct, MinUptimePct, MaxUptimePct)
	s.PacketLossPct = clip(s.PacketLossPct, MinPacketLossPct, MaxPacketLossPct)
	if s.Country != "" || s.Region != "" {
		s.Region = CanonicalRegion(s.Country, s.Region)
	}
}

func clip(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// CanonicalRegion canonicalizes a region as
// lower(country) + "-" + slug(region).
func CanonicalRegion(country, region string) string {
	c := strings.ToLower(strings.TrimSpace(country))
	r := slug(region)
	switch {
	case c == "" && r == "":
		return ""
	case c == "":
		return r
	case r == "":
		return c
	default:
		return c + "-" + r
	}
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	prevDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash && b.Len() > 0 {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Node is a registry entry an operator provisions or the ETL auto-creates
// on first sighting of a node_id it has never seen.
type Node struct {
	NodeID     string         `json:"node_id"`
	Country    string         `json:"country"`
	Region     string         `json:"region"`
	Lat        float64        `json:"lat,omitempty"`
	Lng        float64        `json:"lng,omitempty"`
	Status     Status         `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Conflict records a sample rejected by the unique (time, node_id)
// constraint at persist time. Never an error: it is the documented outcome
// of at-least-once delivery colliding with itself.
type Conflict struct {
	Time         time.Time      `json:"time"`
	NodeID       string         `json:"node_id"`
	Payload      map[string]any `json:"payload"`
	ConflictAt   time.Time      `json:"conflict_at"`
	IngestRegion string         `json:"ingest_region,omitempty"`
}

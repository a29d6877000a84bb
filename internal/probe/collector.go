package probe

import (
	"context"
	"math/rand"
	"net"
	"runtime"
	"time"

	"github.com/fiberstack/fabric/internal/sample"
)

// Reading is one measurement a Collector produces, before it is shaped into
// a sample.Sample for transmission.
type Reading struct {
	Timestamp     time.Time
	LatencyMs     float64
	UptimePct     float64
	PacketLossPct float64
	TargetHost    string
	ProbeType     string
	CPUPct        float64
	MemPct        float64
}

// ToSample converts a Reading into the wire sample.Sample for a given node.
func (r Reading) ToSample(nodeID, country, region string) sample.Sample {
	return sample.Sample{
		NodeID:        nodeID,
		Timestamp:     r.Timestamp,
		LatencyMs:     r.LatencyMs,
		UptimePct:     r.UptimePct,
		PacketLossPct: r.PacketLossPct,
		TargetHost:    r.TargetHost,
		ProbeType:     r.ProbeType,
		Country:       country,
		Region:        region,
		Metadata: map[string]any{
			"cpu_pct": r.CPUPct,
			"mem_pct": r.MemPct,
		},
	}
}

// Collector measures reachability and resource pressure for a single target.
type Collector struct {
	TargetHost string
	ProbeType  string
	dialer     net.Dialer
	timeout    time.Duration
}

// NewCollector constructs a Collector that probes targetHost with TCP
// connect timing as its latency measurement.
func NewCollector(targetHost, probeType string, timeout time.Duration) *Collector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Collector{
		TargetHost: targetHost,
		ProbeType:  probeType,
		timeout:    timeout,
	}
}

// Collect performs one measurement cycle: a TCP dial timed for latency, a
// synthetic uptime/packet-loss estimate from dial success, and a snapshot of
// process-local CPU/memory pressure as a proxy for node health.
func (c *Collector) Collect(ctx context.Context) Reading {
	now := time.Now()
	latency, reachable := c.measureLatency(ctx)

	uptime := 100.0
	loss := 0.0
	if !reachable {
		uptime = 0.0
		loss = 100.0
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Reading{
		Timestamp:     now,
		LatencyMs:     latency,
		UptimePct:     uptime,
		PacketLossPct: loss,
		TargetHost:    c.TargetHost,
		ProbeType:     c.ProbeType,
		CPUPct:        float64(runtime.NumGoroutine()),
		MemPct:        float64(mem.Alloc) / float64(mem.Sys+1) * 100,
	}
}

func (c *Collector) measureLatency(ctx context.Context) (float64, bool) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.TargetHost)
	elapsed := time.Since(start)
	if err != nil {
		return float64(c.timeout.Milliseconds()), false
	}
	_ = conn.Close()

	ms := float64(elapsed.Microseconds()) / 1000.0
	// Clamp a rare negative/zero reading from clock jitter on very fast
	// loopback dials.
	if ms < 0 {
		ms = 0
	}
	return ms, true
}

// jitter returns a pseudo-random duration within +/-frac of d, used to
// desynchronize probes on the same interval from thundering-herd sends.
func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

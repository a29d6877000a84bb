package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard attribute keys used across spans in the ingestion fabric.
const (
	// Node / sample.
	AttrNodeID       = "fiber.node_id"
	AttrSampleCount  = "fiber.sample_count"
	AttrIngestRegion = "fiber.ingest_region"

	// Batch.
	AttrBatchID    = "fiber.batch_id"
	AttrBatchBytes = "fiber.batch_bytes"

	// Queue / rate limit.
	AttrQueueDepth    = "fiber.queue_depth"
	AttrRateLimitKey  = "fiber.rate_limit_key"
	AttrRateLimitHit  = "fiber.rate_limit_allowed"

	// Outcome.
	AttrConflict  = "fiber.conflict"
	AttrRetries   = "fiber.retries"
	AttrTraceID   = "fiber.trace_id"
)

// SampleAttributes returns the attribute set for a span covering a single
// sample's path through the fabric.
func SampleAttributes(nodeID, region string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrNodeID, nodeID),
		attribute.String(AttrIngestRegion, region),
	}
}

// BatchAttributes returns the attribute set for a span covering a batch
// push, forward, or persist operation.
func BatchAttributes(batchID string, sampleCount, bytes int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrBatchID, batchID),
		attribute.Int(AttrSampleCount, sampleCount),
		attribute.Int(AttrBatchBytes, bytes),
	}
}

// RateLimitAttributes returns the attribute set for a rate limiter decision.
func RateLimitAttributes(key string, allowed bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRateLimitKey, key),
		attribute.Bool(AttrRateLimitHit, allowed),
	}
}

// QueueAttributes returns the attribute set for a span touching queue depth.
func QueueAttributes(depth int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrQueueDepth, depth),
	}
}

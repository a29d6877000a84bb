// Package queue provides the durable FIFO between the ingestion gateway and
// the ETL consumer, plus a dead-letter queue for items the ETL could not
// persist after exhausting its retry budget. The gateway is the only writer;
// the ETL is the only reader. Batch pop must be a single indivisible
// operation so two ETL workers never split one batch.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/fiberstack/fabric/pkg/config"
)

// ErrQueueClosed is returned by any operation attempted after Close.
var ErrQueueClosed = errors.New("queue: closed")

// Item is a serialized sample envelope as it sits on the queue: the raw
// sample payload plus the _meta block the gateway stamps on enqueue.
type Item struct {
	Payload      []byte    `json:"payload"`
	TraceID      string    `json:"trace_id"`
	IngestRegion string    `json:"ingest_region"`
	IngestTS     time.Time `json:"ingest_ts"`
	Attempts     int       `json:"attempts"`
}

// FailedItem is an Item that exhausted the ETL's persistence retry budget,
// stamped with the failure that sent it to the DLQ.
type FailedItem struct {
	Item
	FailedAt time.Time `json:"failed_at"`
	Error    string    `json:"error"`
}

// Queue is the durable, ordered sequence the gateway enqueues onto and the
// ETL drains from. Implementations must make Pop atomic: a batch handed to
// one caller is never visible to a concurrent caller.
type Queue interface {
	// Push appends item to the tail of the queue. Used by the gateway and,
	// on restart recovery, by the relay's regional buffer replay.
	Push(ctx context.Context, item Item) error

	// PushBatch appends items atomically preserving order.
	PushBatch(ctx context.Context, items []Item) error

	// Pop atomically removes up to n items from the head of the queue. It
	// blocks for up to timeout if the queue is empty, returning an empty
	// slice rather than an error on timeout. Two concurrent Pop calls never
	// observe an overlapping set of items.
	Pop(ctx context.Context, n int, timeout time.Duration) ([]Item, error)

	// Ack marks popped items done once the consumer has either persisted
	// them or routed them to the DLQ. Backends that hold popped items in a
	// processing list drop them here; backends whose Pop is already
	// destructive treat Ack as a no-op.
	Ack(ctx context.Context, items []Item) error

	// Depth reports the current queue length, consulted by the gateway's
	// /status and /ready.
	Depth(ctx context.Context) (int64, error)

	// Close releases any underlying resources.
	Close() error
}

// Recoverer is implemented by backends that park popped items in a
// processing list until acknowledged. Recover moves items stranded there by
// a crashed worker back onto the main queue for redelivery; consumers call
// it once on startup.
type Recoverer interface {
	Recover(ctx context.Context, n int) (int, error)
}

// DeadLetterQueue receives items the ETL could not persist after exhausting
// its retry budget, keyed separately so a stuck ETL worker never blocks
// fresh ingestion.
type DeadLetterQueue interface {
	// Push appends a failed item to the DLQ.
	Push(ctx context.Context, item FailedItem) error

	// Depth reports the current DLQ length; the gateway's degrade-on-DLQ
	// policy polls this to decide whether to shed load.
	Depth(ctx context.Context) (int64, error)

	// Drain removes and returns up to n items from the head of the DLQ, for
	// operator-triggered reprocessing.
	Drain(ctx context.Context, n int) ([]FailedItem, error)

	// Close releases any underlying resources.
	Close() error
}

// Config selects and tunes a Queue/DeadLetterQueue backend.
type Config struct {
	Driver     string        `koanf:"driver"` // redis, memory
	Addr       string        `koanf:"addr"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	QueueKey   string        `koanf:"queue_key"`
	DLQKey     string        `koanf:"dlq_key"`
	MaxRetries int           `koanf:"max_retries"`
	PopTimeout time.Duration `koanf:"pop_timeout"`
}

// DefaultConfig returns the fabric's documented defaults: `fiber:etl:queue`
// / `fiber:etl:dlq` keys, in-memory backend, 1s pop timeout.
func DefaultConfig() *Config {
	return &Config{
		Driver:     "memory",
		QueueKey:   "fiber:etl:queue",
		DLQKey:     "fiber:etl:dlq",
		MaxRetries: 5,
		PopTimeout: time.Second,
	}
}

// New constructs the Queue for cfg.Driver.
func New(cfg *Config) (Queue, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Driver {
	case "redis":
		return NewRedisQueue(cfg)
	case "memory", "":
		return NewMemoryQueue(cfg), nil
	default:
		return NewMemoryQueue(cfg), nil
	}
}

// FromConfig adapts the application-level config.QueueConfig into the
// package's own Config shape.
func FromConfig(cfg config.QueueConfig) *Config {
	return &Config{
		Driver:     cfg.Driver,
		Addr:       cfg.Address(),
		Password:   cfg.Password,
		DB:         cfg.DB,
		QueueKey:   cfg.QueueKey,
		DLQKey:     cfg.DLQKey,
		MaxRetries: cfg.MaxRetries,
		PopTimeout: cfg.PopTimeout,
	}
}

// NewDLQ constructs the DeadLetterQueue for cfg.Driver.
func NewDLQ(cfg *Config) (DeadLetterQueue, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Driver {
	case "redis":
		return NewRedisDLQ(cfg)
	case "memory", "":
		return NewMemoryDLQ(), nil
	default:
		return NewMemoryDLQ(), nil
	}
}

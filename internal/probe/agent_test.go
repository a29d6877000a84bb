package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAgent_TickBuffersAndSends(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	agent := NewAgent(AgentConfig{
		NodeID:    "node-1",
		Country:   "GH",
		Region:    "accra",
		BatchSize: 1,
		MaxBuffer: 10,
		Sender: SenderConfig{
			APIEndpoint:    srv.URL,
			RequestTimeout: time.Second,
			MaxRetries:     2,
		},
	}, NewCollector("127.0.0.1:1", "tcp", 50*time.Millisecond))

	agent.tick(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, 0, agent.BufferDepth())
}

func TestAgent_RequeuesOnSendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	agent := NewAgent(AgentConfig{
		NodeID:    "node-1",
		BatchSize: 1,
		MaxBuffer: 10,
		Sender: SenderConfig{
			APIEndpoint:      srv.URL,
			RequestTimeout:   time.Second,
			MaxRetries:       1,
			RetryBackoffBase: time.Millisecond,
		},
	}, NewCollector("127.0.0.1:1", "tcp", 50*time.Millisecond))

	agent.tick(context.Background())

	assert.Equal(t, 1, agent.BufferDepth(), "failed send should requeue the reading")
}

func TestAgent_FlushOnShutdown(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	agent := NewAgent(AgentConfig{
		NodeID:        "node-1",
		BatchSize:     5,
		MaxBuffer:     10,
		ShutdownGrace: time.Second,
		Sender: SenderConfig{
			APIEndpoint:    srv.URL,
			RequestTimeout: time.Second,
			MaxRetries:     1,
		},
	}, NewCollector("127.0.0.1:1", "tcp", 50*time.Millisecond))

	agent.buffer.Push(Reading{LatencyMs: 1})
	agent.buffer.Push(Reading{LatencyMs: 2})

	agent.flush()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, 0, agent.BufferDepth())
}

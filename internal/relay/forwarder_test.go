package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fabric/pkg/queue"
)

func TestForwarder_ForwardSuccess(t *testing.T) {
	var gotBatchID, gotRegion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBatchID = r.Header.Get("X-Batch-ID")
		gotRegion = r.Header.Get("X-Region-ID")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewForwarder(Config{CentralEndpoint: srv.URL, Region: "gh"}, queue.NewMemoryQueue(nil), nil)
	err := f.Forward(context.Background(), "trace-1", []byte(`{"batch_id":"b-42"}`))
	require.NoError(t, err)
	assert.Equal(t, "b-42", gotBatchID)
	assert.Equal(t, "gh", gotRegion)
}

func TestForwarder_BufferThenDrain(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	buf := queue.NewMemoryQueue(nil)
	f := NewForwarder(Config{CentralEndpoint: srv.URL, Region: "gh", ForwardInterval: 10 * time.Millisecond}, buf, nil)

	require.NoError(t, f.Buffer(context.Background(), "trace-1", []byte(`{"batch_id":"x"}`)))

	depth, _ := buf.Depth(context.Background())
	assert.EqualValues(t, 1, depth)

	f.drainTick(context.Background())

	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
	depth, _ = buf.Depth(context.Background())
	assert.EqualValues(t, 0, depth)
	assert.Equal(t, StateForwarding, f.State())
}

func TestForwarder_DegradesAtThreshold(t *testing.T) {
	buf := queue.NewMemoryQueue(nil)
	f := NewForwarder(Config{Region: "gh", DegradedThreshold: 2}, buf, nil)

	require.NoError(t, f.Buffer(context.Background(), "t1", []byte(`{}`)))
	assert.Equal(t, StateForwarding, f.State())

	require.NoError(t, f.Buffer(context.Background(), "t2", []byte(`{}`)))
	assert.Equal(t, StateDegradedFull, f.State())
	assert.Error(t, f.Admit(), "a full relay must stop admitting new samples")
}

func TestForwarder_DrainRecoversFromDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	buf := queue.NewMemoryQueue(nil)
	f := NewForwarder(Config{CentralEndpoint: srv.URL, Region: "gh", DegradedThreshold: 2}, buf, nil)

	require.NoError(t, f.Buffer(context.Background(), "t1", []byte(`{"batch_id":"a"}`)))
	require.NoError(t, f.Buffer(context.Background(), "t2", []byte(`{"batch_id":"b"}`)))
	require.Equal(t, StateDegradedFull, f.State())

	f.drainTick(context.Background())

	assert.Equal(t, StateForwarding, f.State())
	assert.NoError(t, f.Admit())
	depth, _ := buf.Depth(context.Background())
	assert.EqualValues(t, 0, depth)
}

func TestForwarder_ReBuffersOnFailedDrain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	buf := queue.NewMemoryQueue(nil)
	f := NewForwarder(Config{CentralEndpoint: srv.URL, Region: "gh"}, buf, nil)

	require.NoError(t, f.Buffer(context.Background(), "t1", []byte(`{}`)))
	f.drainTick(context.Background())

	assert.Equal(t, StateBuffering, f.State())
	depth, _ := buf.Depth(context.Background())
	assert.EqualValues(t, 1, depth, "failed forward should re-buffer the item")
}

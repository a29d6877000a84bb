package fiberror

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON_EnvelopeShape(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/ingest", nil)
	req.Header.Set(TraceHeader, "trace-abc")

	WriteJSON(rec, req, New(CodeRateLimited, "too many requests"))

	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, "trace-abc", rec.Header().Get(TraceHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, string(CodeRateLimited), body["code"])
	assert.Equal(t, "too many requests", body["message"])
	assert.Equal(t, "trace-abc", body["trace_id"])
}

func TestWriteJSON_WrapsPlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/ingest", nil)

	WriteJSON(rec, req, assertErr("boom"))

	assert.Equal(t, 500, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, string(CodeFatal), body["code"])
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

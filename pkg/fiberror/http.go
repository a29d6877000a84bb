package fiberror

import (
	"encoding/json"
	"errors"
	"net/http"
)

// TraceHeader is the header name used to propagate a request's trace id
// across every hop of the fabric.
const TraceHeader = "X-Trace-ID"

// envelope is the wire shape every handler returns on a terminal error:
// {"status":"error","code":"<UPPER_SNAKE>","message":"..."}.
type envelope struct {
	Status  string         `json:"status"`
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
}

// WriteJSON writes err to w as a JSON error envelope, mapping its ErrorCode
// to the matching HTTP status and always echoing the request's trace id.
// Any error not already a *Error is treated as CodeFatal.
func WriteJSON(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = New(CodeFatal, err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	if traceID := r.Header.Get(TraceHeader); traceID != "" {
		w.Header().Set(TraceHeader, traceID)
	}
	w.WriteHeader(appErr.StatusCode())

	body := envelope{
		Status:  "error",
		Code:    appErr.Code,
		Message: appErr.Message,
		Field:   appErr.Field,
		Details: appErr.Details,
		TraceID: r.Header.Get(TraceHeader),
	}
	_ = json.NewEncoder(w).Encode(body)
}

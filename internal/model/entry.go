// Package model defines the log entry data model, request/response envelopes,
// and batch validation for the ingest API.
package model

import (
	"time"
)

// Level is a log severity level.
type Level string

// Allowed log levels.
const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// Valid reports whether l is one of the allowed levels.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	}
	return false
}

// LogEntry is a single structured log record produced by a client.
// Timestamp is an RFC3339 instant; Service and Env are lowercase
// alphanumeric-plus-hyphen identifiers.
type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	Service   string            `json:"service"`
	Env       string            `json:"env"`
	Labels    map[string]string `json:"labels,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	SpanID    string            `json:"span_id,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// IngestRequest is the request body for POST /v1/logs:ingest.
type IngestRequest struct {
	Entries        []LogEntry `json:"entries"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// IngestResponse is the 202 acknowledgement body.
type IngestResponse struct {
	Message         string    `json:"message"`
	EntriesAccepted int       `json:"entries_accepted"`
	RequestID       string    `json:"request_id"`
	Timestamp       time.Time `json:"timestamp"`
}

// FlushResponse is the body returned by POST /v1/admin/flush.
type FlushResponse struct {
	Message           string `json:"message"`
	EntriesForwarded  int    `json:"entries_forwarded"`
	SegmentsProcessed int    `json:"segments_processed"`
}

// ErrorResponse is the standard error body for all failure responses.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Stable error code strings carried in ErrorResponse.Error.
const (
	ErrCodeValidation  = "validation_error"
	ErrCodeAuth        = "authentication_error"
	ErrCodeRateLimited = "rate_limit_exceeded"
	ErrCodeQuota       = "quota_exceeded"
	ErrCodeWAL         = "wal_error"
	ErrCodeForwarder   = "forwarder_error"
	ErrCodeMasking     = "masking_error"
	ErrCodeInternal    = "internal_error"
)

package model

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Reason tags reported on validation failure. These are stable strings
// surfaced in the API error details.
const (
	ReasonMissingField       = "missing_field"
	ReasonBadLevel           = "bad_level"
	ReasonBadMessage         = "bad_message"
	ReasonBadService         = "bad_service"
	ReasonBadEnv             = "bad_env"
	ReasonBadLabelKey        = "bad_label_key"
	ReasonTooManyLabels      = "too_many_labels"
	ReasonLabelTooLong       = "label_too_long"
	ReasonEntryTooLarge      = "entry_too_large"
	ReasonBatchTooLarge      = "batch_too_large"
	ReasonTooManyEntries     = "too_many_entries"
	ReasonMetadataTooDeep    = "metadata_too_deep"
	ReasonIdempotencyKeyLong = "idempotency_key_too_long"
)

// ValidationError describes why an entry or batch was rejected.
type ValidationError struct {
	Reason  string // one of the Reason* tags
	Message string
	Index   int // index of the offending entry within the batch, -1 for batch-level failures
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("entry %d: %s: %s", e.Index, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Limits bounds entry and batch sizes. Values come from configuration;
// DefaultLimits matches the service defaults.
type Limits struct {
	EntryBytesMax       int
	BatchEntriesMax     int
	BatchBytesMax       int
	AllowedLabels       []string
	MaxLabels           int
	MaxLabelValueLength int
	MaxMetadataDepth    int
	MaxMessageLength    int
	MaxServiceLength    int
	MaxEnvLength        int
	MaxTraceIDLength    int
	MaxSpanIDLength     int
	MaxIdempotencyKey   int
}

// DefaultLimits returns the documented default limits.
func DefaultLimits() Limits {
	return Limits{
		EntryBytesMax:       32 << 10,
		BatchEntriesMax:     500,
		BatchBytesMax:       1 << 20,
		AllowedLabels:       []string{"service", "env", "level", "schema_version", "region", "tenant"},
		MaxLabels:           6,
		MaxLabelValueLength: 64,
		MaxMetadataDepth:    5,
		MaxMessageLength:    8192,
		MaxServiceLength:    64,
		MaxEnvLength:        32,
		MaxTraceIDLength:    128,
		MaxSpanIDLength:     64,
		MaxIdempotencyKey:   128,
	}
}

var identifierRE = regexp.MustCompile(`^[a-z0-9-]+$`)

// Validator checks entries and batches against configured limits.
// It is stateless and safe for concurrent use.
type Validator struct {
	limits  Limits
	allowed map[string]bool
}

// NewValidator creates a Validator for the given limits.
func NewValidator(limits Limits) *Validator {
	allowed := make(map[string]bool, len(limits.AllowedLabels))
	for _, k := range limits.AllowedLabels {
		allowed[k] = true
	}
	return &Validator{limits: limits, allowed: allowed}
}

// ValidateBatch checks the whole request: entry count, each entry, and the
// summed serialized size. A nil return means the batch is acceptable.
func (v *Validator) ValidateBatch(req IngestRequest) *ValidationError {
	if len(req.Entries) == 0 {
		return &ValidationError{Reason: ReasonMissingField, Message: "batch must contain at least one entry", Index: -1}
	}
	if len(req.Entries) > v.limits.BatchEntriesMax {
		return &ValidationError{
			Reason:  ReasonTooManyEntries,
			Message: fmt.Sprintf("batch has %d entries, maximum is %d", len(req.Entries), v.limits.BatchEntriesMax),
			Index:   -1,
		}
	}
	if len(req.IdempotencyKey) > v.limits.MaxIdempotencyKey {
		return &ValidationError{
			Reason:  ReasonIdempotencyKeyLong,
			Message: fmt.Sprintf("idempotency_key exceeds %d characters", v.limits.MaxIdempotencyKey),
			Index:   -1,
		}
	}

	totalBytes := 0
	for i := range req.Entries {
		size, verr := v.validateEntry(&req.Entries[i])
		if verr != nil {
			verr.Index = i
			return verr
		}
		totalBytes += size
	}
	if totalBytes > v.limits.BatchBytesMax {
		return &ValidationError{
			Reason:  ReasonBatchTooLarge,
			Message: fmt.Sprintf("batch serialized size %d bytes exceeds %d", totalBytes, v.limits.BatchBytesMax),
			Index:   -1,
		}
	}
	return nil
}

// validateEntry checks a single entry and returns its serialized size.
func (v *Validator) validateEntry(e *LogEntry) (int, *ValidationError) {
	if e.Timestamp.IsZero() {
		return 0, &ValidationError{Reason: ReasonMissingField, Message: "timestamp is required"}
	}
	if e.Level == "" {
		return 0, &ValidationError{Reason: ReasonMissingField, Message: "level is required"}
	}
	if !e.Level.Valid() {
		return 0, &ValidationError{Reason: ReasonBadLevel, Message: fmt.Sprintf("level %q is not one of DEBUG, INFO, WARN, ERROR, FATAL", e.Level)}
	}
	if e.Message == "" {
		return 0, &ValidationError{Reason: ReasonMissingField, Message: "message is required"}
	}
	if len(e.Message) > v.limits.MaxMessageLength {
		return 0, &ValidationError{Reason: ReasonBadMessage, Message: fmt.Sprintf("message exceeds %d characters", v.limits.MaxMessageLength)}
	}
	if e.Service == "" {
		return 0, &ValidationError{Reason: ReasonMissingField, Message: "service is required"}
	}
	if len(e.Service) > v.limits.MaxServiceLength || !identifierRE.MatchString(e.Service) {
		return 0, &ValidationError{Reason: ReasonBadService, Message: "service must match [a-z0-9-]+ and be at most 64 characters"}
	}
	if e.Env == "" {
		return 0, &ValidationError{Reason: ReasonMissingField, Message: "env is required"}
	}
	if len(e.Env) > v.limits.MaxEnvLength || !identifierRE.MatchString(e.Env) {
		return 0, &ValidationError{Reason: ReasonBadEnv, Message: "env must match [a-z0-9-]+ and be at most 32 characters"}
	}
	if len(e.TraceID) > v.limits.MaxTraceIDLength {
		return 0, &ValidationError{Reason: ReasonEntryTooLarge, Message: fmt.Sprintf("trace_id exceeds %d characters", v.limits.MaxTraceIDLength)}
	}
	if len(e.SpanID) > v.limits.MaxSpanIDLength {
		return 0, &ValidationError{Reason: ReasonEntryTooLarge, Message: fmt.Sprintf("span_id exceeds %d characters", v.limits.MaxSpanIDLength)}
	}

	if err := v.validateLabels(e.Labels); err != nil {
		return 0, err
	}
	if e.Metadata != nil {
		if depth := valueDepth(e.Metadata, 0); depth > v.limits.MaxMetadataDepth {
			return 0, &ValidationError{
				Reason:  ReasonMetadataTooDeep,
				Message: fmt.Sprintf("metadata nesting depth %d exceeds %d", depth, v.limits.MaxMetadataDepth),
			}
		}
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return 0, &ValidationError{Reason: ReasonEntryTooLarge, Message: "entry is not serializable"}
	}
	if len(raw) > v.limits.EntryBytesMax {
		return 0, &ValidationError{
			Reason:  ReasonEntryTooLarge,
			Message: fmt.Sprintf("entry serialized size %d bytes exceeds %d", len(raw), v.limits.EntryBytesMax),
		}
	}
	return len(raw), nil
}

func (v *Validator) validateLabels(labels map[string]string) *ValidationError {
	if labels == nil {
		return nil
	}
	if len(labels) > v.limits.MaxLabels {
		return &ValidationError{
			Reason:  ReasonTooManyLabels,
			Message: fmt.Sprintf("labels map has %d keys, maximum is %d", len(labels), v.limits.MaxLabels),
		}
	}
	for k, val := range labels {
		if !v.allowed[k] {
			return &ValidationError{
				Reason:  ReasonBadLabelKey,
				Message: fmt.Sprintf("label key %q is not in the allow-list", k),
			}
		}
		if len(val) > v.limits.MaxLabelValueLength {
			return &ValidationError{
				Reason:  ReasonLabelTooLong,
				Message: fmt.Sprintf("label %q value exceeds %d characters", k, v.limits.MaxLabelValueLength),
			}
		}
	}
	return nil
}

// valueDepth returns the nesting depth of a decoded JSON value. A flat map
// counts as depth 1.
func valueDepth(val any, depth int) int {
	switch t := val.(type) {
	case map[string]any:
		max := depth + 1
		for _, child := range t {
			if d := valueDepth(child, depth+1); d > max {
				max = d
			}
		}
		return max
	case []any:
		max := depth + 1
		for _, child := range t {
			if d := valueDepth(child, depth+1); d > max {
				max = d
			}
		}
		return max
	default:
		return depth
	}
}

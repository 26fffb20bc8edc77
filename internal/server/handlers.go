package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/DonTee-Why/logstack/internal/auth"
	"github.com/DonTee-Why/logstack/internal/forward"
	"github.com/DonTee-Why/logstack/internal/health"
	"github.com/DonTee-Why/logstack/internal/masking"
	"github.com/DonTee-Why/logstack/internal/model"
	"github.com/DonTee-Why/logstack/internal/ratelimit"
	"github.com/DonTee-Why/logstack/internal/wal"
)

// HandlersDeps holds everything the HTTP handlers need.
type HandlersDeps struct {
	Registry  *auth.Registry
	Limiter   ratelimit.Limiter
	Masker    *masking.Engine
	Validator *model.Validator
	WAL       *wal.Manager
	Forwarder *forward.Forwarder
	Scheduler *forward.Scheduler
	Checker   *health.Checker
	Logger    *slog.Logger

	Version             string
	MaxRequestBodyBytes int64
}

// Handlers implements the HTTP endpoints.
type Handlers struct {
	deps    HandlersDeps
	started time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{deps: deps, started: time.Now().UTC()}
}

// HandleIngest accepts a batch of log entries.
// Pipeline: authenticate, rate limit, validate, mask, append to WAL.
// Acceptance (202) means the batch is durable on disk, not yet delivered.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if _, err := h.deps.Registry.Authenticate(token); err != nil {
		if errors.Is(err, auth.ErrMissingToken) {
			writeError(w, r, http.StatusForbidden, model.ErrCodeAuth,
				"authentication token required", nil)
			return
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeAuth,
			"invalid or inactive authentication token", nil)
		return
	}

	ok, err := h.deps.Limiter.Consume(r.Context(), token, 1)
	if err != nil {
		// A broken limiter must not block ingestion.
		h.deps.Logger.Error("rate limiter failure, failing open", "error", err)
		ok = true
	}
	if !ok {
		retryAfter := h.deps.Limiter.RetryAfter(token)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited,
			"rate limit exceeded", map[string]any{"retry_after": retryAfter})
		return
	}

	if h.deps.MaxRequestBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxRequestBodyBytes)
	}
	var req model.IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation,
			"malformed request body: "+err.Error(), nil)
		return
	}

	if verr := h.deps.Validator.ValidateBatch(req); verr != nil {
		details := map[string]any{"reason": verr.Reason}
		if verr.Index >= 0 {
			details["entry_index"] = verr.Index
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, verr.Message, details)
		return
	}

	decoded, err := entriesToMaps(req.Entries)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal,
			"failed to process entries", nil)
		return
	}
	maskedEntries := h.deps.Masker.MaskEntries(decoded, token)

	payloads := make([][]byte, 0, len(maskedEntries))
	for _, e := range maskedEntries {
		raw, err := json.Marshal(e)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeMasking,
				"failed to serialize masked entry", nil)
			return
		}
		payloads = append(payloads, raw)
	}

	if err := h.deps.WAL.Append(token, payloads); err != nil {
		if errors.Is(err, wal.ErrQuotaExceeded) {
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeQuota,
				"storage quota exceeded", map[string]any{"quota_type": "wal"})
			return
		}
		h.deps.Logger.Error("wal append failed",
			"token", auth.TokenPreview(token), "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeWAL,
			"failed to persist entries", nil)
		return
	}

	writeJSON(w, http.StatusAccepted, model.IngestResponse{
		Message:         "Logs accepted",
		EntriesAccepted: len(payloads),
		RequestID:       RequestIDFromContext(r.Context()),
		Timestamp:       time.Now().UTC(),
	})
}

// HandleAdminFlush forces an immediate forward pass over all tenants.
func (h *Handlers) HandleAdminFlush(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	if h.deps.Scheduler == nil || !h.deps.Scheduler.Running() {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeForwarder,
			"forwarder is not running", nil)
		return
	}

	res, err := h.deps.Forwarder.Flush(r.Context(), "")
	if err != nil {
		h.deps.Logger.Error("manual flush failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeForwarder,
			"flush failed: "+err.Error(), nil)
		return
	}

	h.deps.Logger.Info("manual flush completed",
		"entries_forwarded", res.EntriesForwarded,
		"segments_processed", res.SegmentsProcessed)
	writeJSON(w, http.StatusOK, model.FlushResponse{
		Message:           "Flush completed successfully",
		EntriesForwarded:  res.EntriesForwarded,
		SegmentsProcessed: res.SegmentsProcessed,
	})
}

// HandleAdminStatus reports a component availability snapshot.
func (h *Handlers) HandleAdminStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	st, err := h.deps.WAL.Stats("")
	if err != nil {
		h.deps.Logger.Warn("wal stats unavailable", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"forwarder": map[string]any{
			"running":           h.deps.Scheduler != nil && h.deps.Scheduler.Running(),
			"entries_forwarded": h.deps.Forwarder.EntriesForwarded(),
		},
		"wal": map[string]any{
			"active_segments": st.ActiveSegments,
			"ready_segments":  st.ReadySegments,
			"disk_bytes":      st.DiskBytes,
		},
		"version":    h.deps.Version,
		"uptime_sec": int(time.Since(h.started).Seconds()),
		"timestamp":  time.Now().UTC(),
	})
}

// HandleHealthz is the liveness probe. Always 200 while the process serves.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "alive",
		"service":   "logstack",
		"version":   h.deps.Version,
		"timestamp": time.Now().UTC(),
	})
}

// HandleReadyz is the readiness probe. 200 only when every dependency check
// passes; otherwise 503 with the failed check names.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	healthy, checks := h.deps.Checker.CheckAll(r.Context())
	if healthy {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ready",
			"timestamp": time.Now().UTC(),
			"checks":    checks,
		})
		return
	}

	var failed []string
	for _, c := range checks {
		if !c.Healthy {
			failed = append(failed, c.Name)
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":        "not_ready",
		"timestamp":     time.Now().UTC(),
		"checks":        checks,
		"failed_checks": failed,
	})
}

// requireAdmin authorizes /v1/admin/* requests against the admin token.
func (h *Handlers) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		writeError(w, r, http.StatusForbidden, model.ErrCodeAuth,
			"authentication token required", nil)
		return false
	}
	if !h.deps.Registry.IsAdmin(token) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeAuth,
			"admin token required", nil)
		return false
	}
	return true
}

// entriesToMaps converts typed entries to decoded JSON objects for masking.
func entriesToMaps(entries []model.LogEntry) ([]map[string]any, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

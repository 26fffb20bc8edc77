// Package forward ships sealed WAL segments to the downstream Loki push API.
//
// Delivery is at-least-once: a segment is deleted only after every push built
// from it got a 2xx response. Duplicates after a crash between push and delete
// are expected and left to downstream deduplication.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DonTee-Why/logstack/internal/config"
	"github.com/DonTee-Why/logstack/internal/wal"
)

const userAgent = "logstack-forwarder/1.0"

// Push outcome classification. Fatal responses mean the payload itself is
// rejected and retrying cannot help; parked means the downstream is unhealthy
// and the tenant's remaining backlog should wait for the next cycle.
var (
	errFatal  = errors.New("forward: downstream rejected payload")
	errParked = errors.New("forward: downstream unavailable, backlog parked")
)

// Result summarizes one flush pass.
type Result struct {
	EntriesForwarded  int
	SegmentsProcessed int
}

// Forwarder reads sealed segments and pushes their entries downstream.
type Forwarder struct {
	cfg    config.LokiConfig
	wal    *wal.Manager
	client *http.Client
	logger *slog.Logger

	// sleep is replaced in tests so backoff does not stall the suite.
	sleep func(ctx context.Context, d time.Duration) error

	// cycleMu serializes flush cycles so a manual flush never processes the
	// same segment as an in-flight scheduled cycle.
	cycleMu sync.Mutex

	entriesTotal atomic.Int64
}

// New creates a Forwarder over the given WAL store.
func New(cfg config.LokiConfig, store *wal.Manager, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		cfg:    cfg,
		wal:    store,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Flush ships ready segments, oldest first within each tenant. An empty token
// flushes all tenants; tenants are processed in parallel but a tenant's
// segments are handled by a single goroutine, so no segment is pushed twice
// concurrently. Only one cycle runs at a time; a manual flush issued during a
// scheduled cycle waits for it to finish. The returned Result aggregates
// across tenants even when some of them fail.
func (f *Forwarder) Flush(ctx context.Context, token string) (Result, error) {
	f.cycleMu.Lock()
	defer f.cycleMu.Unlock()

	segs, err := f.wal.ReadySegments(token)
	if err != nil {
		return Result{}, err
	}
	if len(segs) == 0 {
		return Result{}, nil
	}

	byTenant := make(map[string][]wal.SegmentInfo)
	for _, s := range segs {
		byTenant[s.Dir] = append(byTenant[s.Dir], s)
	}

	var entries, processed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, tenantSegs := range byTenant {
		g.Go(func() error {
			for _, seg := range tenantSegs {
				n, err := f.shipSegment(gctx, seg)
				if err != nil {
					if errors.Is(err, errFatal) {
						// Rejected payload. Keep the segment for inspection
						// and move on so the rest of the backlog still ships.
						f.logger.Error("forward: segment rejected by downstream",
							"segment", seg.Path, "error", err)
						continue
					}
					// Downstream unhealthy or context canceled. Stop this
					// tenant's pass; ordering is preserved for the next cycle.
					f.logger.Warn("forward: parking tenant backlog",
						"tenant_dir", seg.Dir, "error", err)
					return nil
				}
				entries.Add(int64(n))
				processed.Add(1)
				if err := f.wal.DeleteSegment(seg.Path); err != nil {
					f.logger.Error("forward: delete shipped segment",
						"segment", seg.Path, "error", err)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	f.entriesTotal.Add(entries.Load())
	return Result{
		EntriesForwarded:  int(entries.Load()),
		SegmentsProcessed: int(processed.Load()),
	}, err
}

// EntriesForwarded returns the number of entries shipped since startup.
func (f *Forwarder) EntriesForwarded() int64 {
	return f.entriesTotal.Load()
}

// shipSegment pushes every entry of one sealed segment, returning the entry
// count on success. The segment file itself is not modified here.
func (f *Forwarder) shipSegment(ctx context.Context, seg wal.SegmentInfo) (int, error) {
	payloads, skipped, err := wal.ScanSegment(seg.Path)
	if err != nil {
		return 0, fmt.Errorf("forward: scan segment: %w", err)
	}
	if skipped > 0 {
		f.logger.Error("forward: dropped records with checksum mismatch",
			"segment", seg.Path, "skipped", skipped)
	}
	if len(payloads) == 0 {
		return 0, nil
	}

	for start := 0; start < len(payloads); {
		end := f.batchEnd(payloads, start)
		body, err := buildPush(payloads[start:end])
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errFatal, err)
		}
		if err := f.sendWithRetry(ctx, body); err != nil {
			return 0, err
		}
		start = end
	}
	return len(payloads), nil
}

// batchEnd returns the exclusive end index of the push batch starting at
// start, bounded by both the entry count and byte caps. A single oversized
// payload still ships alone.
func (f *Forwarder) batchEnd(payloads [][]byte, start int) int {
	end := start
	var batchBytes int64
	for end < len(payloads) && end-start < f.cfg.BatchMaxEntries {
		size := int64(len(payloads[end]))
		if end > start && f.cfg.BatchMaxBytes > 0 && batchBytes+size > f.cfg.BatchMaxBytes {
			break
		}
		batchBytes += size
		end++
	}
	return end
}

// lokiStream is one labelled stream in the push payload. Values are
// [nanosecond-timestamp, line] pairs.
type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

// buildPush groups framed entries into streams keyed by their label set.
// Stream labels are the entry's service, env, and level plus any entry labels;
// the line carries only the fields not already expressed as labels. The line
// is built from the stored (already masked) entry, so masking survives the hop.
func buildPush(payloads [][]byte) ([]byte, error) {
	streams := make(map[string]*lokiStream)
	var order []string

	for _, raw := range payloads {
		var entry map[string]any
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("decode stored entry: %w", err)
		}

		labels := streamLabels(entry)
		key := labelKey(labels)
		s, ok := streams[key]
		if !ok {
			s = &lokiStream{Stream: labels}
			streams[key] = s
			order = append(order, key)
		}
		line, err := logLine(entry)
		if err != nil {
			return nil, fmt.Errorf("encode log line: %w", err)
		}
		s.Values = append(s.Values, [2]string{entryTimestampNs(entry), line})
	}

	push := lokiPush{Streams: make([]lokiStream, 0, len(order))}
	for _, key := range order {
		push.Streams = append(push.Streams, *streams[key])
	}
	return json.Marshal(push)
}

// logLine encodes the non-label part of an entry as the pushed log line:
// message, metadata, trace_id, span_id. Absent optional fields are omitted.
func logLine(entry map[string]any) (string, error) {
	line := make(map[string]any, 4)
	if v, ok := entry["message"]; ok {
		line["message"] = v
	}
	for _, k := range []string{"metadata", "trace_id", "span_id"} {
		if v, ok := entry[k]; ok && v != nil {
			line[k] = v
		}
	}
	raw, err := json.Marshal(line)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func streamLabels(entry map[string]any) map[string]string {
	labels := make(map[string]string, 4)
	for _, k := range []string{"service", "env", "level"} {
		if v, ok := entry[k].(string); ok {
			labels[k] = v
		}
	}
	if extra, ok := entry["labels"].(map[string]any); ok {
		for k, v := range extra {
			if s, ok := v.(string); ok {
				labels[k] = s
			}
		}
	}
	return labels
}

// labelKey builds a deterministic stream key from a label set.
func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b bytes.Buffer
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}

// entryTimestampNs returns the entry's timestamp as nanoseconds since epoch,
// falling back to now for unparseable values.
func entryTimestampNs(entry map[string]any) string {
	if raw, ok := entry["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return strconv.FormatInt(ts.UnixNano(), 10)
		}
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

// sendWithRetry posts one push body, retrying transient failures with the
// configured backoff schedule. The last backoff step repeats when the
// schedule is shorter than the retry budget. After the final failure it
// parks for BackoffParkSeconds before handing the backlog to a later cycle.
func (f *Forwarder) sendWithRetry(ctx context.Context, body []byte) error {
	for attempt := 0; ; attempt++ {
		err := f.send(ctx, body)
		if err == nil {
			return nil
		}
		if errors.Is(err, errFatal) {
			return err
		}
		if attempt >= f.cfg.MaxRetries {
			if f.cfg.BackoffParkSeconds > 0 {
				_ = f.sleep(ctx, time.Duration(f.cfg.BackoffParkSeconds)*time.Second)
			}
			return fmt.Errorf("%w: %v", errParked, err)
		}

		idx := attempt
		if idx >= len(f.cfg.BackoffSeconds) {
			idx = len(f.cfg.BackoffSeconds) - 1
		}
		delay := time.Duration(f.cfg.BackoffSeconds[idx]) * time.Second
		f.logger.Warn("forward: push failed, backing off",
			"attempt", attempt+1, "delay", delay, "error", err)
		if serr := f.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%w: %v", errParked, serr)
		}
	}
}

// send performs a single push attempt.
func (f *Forwarder) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.PushURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", errFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("push: downstream throttled (429)")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", errFatal, resp.StatusCode)
	default:
		return fmt.Errorf("push: status %d", resp.StatusCode)
	}
}

// Package wal implements the per-tenant write-ahead log.
//
// Every accepted batch is framed and appended to the tenant's active segment
// before the ingest handler returns. Rotation renames the active segment to an
// immutable .ready file that the forwarder later ships downstream and deletes.
// A segment is therefore in exactly one of two states:
//
//	segment_NNN.wal    active, append-only, owned by the ingest path
//	segment_NNN.ready  sealed, owned by the forwarder
package wal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/DonTee-Why/logstack/internal/config"
	"github.com/DonTee-Why/logstack/internal/telemetry"
)

// ErrQuotaExceeded is returned by Append when the tenant's disk budget or
// backlog age limit would be violated. Nothing is written in that case.
var ErrQuotaExceeded = errors.New("wal: tenant quota exceeded")

const (
	activeSuffix = ".wal"
	readySuffix  = ".ready"
)

// Stats summarizes a tenant's (or the whole store's) on-disk state.
type Stats struct {
	ActiveSegments int
	ReadySegments  int
	DiskBytes      int64
}

// Manager owns the WAL directory tree, one subdirectory per tenant.
// All methods are safe for concurrent use; appends for different tenants
// proceed in parallel.
type Manager struct {
	cfg    config.WALConfig
	logger *slog.Logger
	now    func() time.Time // injectable clock for rotation tests

	mu      sync.Mutex
	tenants map[string]*tenant // keyed by sanitized directory name
}

// tenant tracks one tenant's active segment. Its mutex serializes appends
// and rotations for that tenant only.
type tenant struct {
	mu        sync.Mutex
	dir       string
	seq       int
	file      *os.File
	size      int64
	createdAt time.Time
	lastWrite time.Time
}

// NewManager creates the WAL root directory and verifies it is writable.
func NewManager(cfg config.WALConfig, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.RootPath, 0o700); err != nil {
		return nil, fmt.Errorf("wal: create root directory: %w", err)
	}
	probe := filepath.Join(cfg.RootPath, ".wal_probe")
	f, err := os.Create(probe)
	if err != nil {
		return nil, fmt.Errorf("wal: root directory not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(probe)

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		tenants: make(map[string]*tenant),
	}
	m.registerMetrics()
	return m, nil
}

// SanitizeToken derives the tenant directory name from a raw bearer token.
// The readable prefix keeps filesystem characters only and is capped at 20
// runes; the hash suffix disambiguates tokens that collide after stripping.
func SanitizeToken(token string) string {
	var b strings.Builder
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	prefix := b.String()
	if len(prefix) > 20 {
		prefix = prefix[:20]
	}
	sum := sha256.Sum256([]byte(token))
	return prefix + "_" + hex.EncodeToString(sum[:])[:8]
}

// Append frames and appends the payloads to the tenant's active segment.
// Quota limits are checked before any byte is written; on ErrQuotaExceeded
// the segment is untouched. A mid-frame write failure truncates the segment
// back to the last intact frame so readers never see a torn record.
func (m *Manager) Append(token string, payloads [][]byte) error {
	t, err := m.tenant(token)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var incoming int64
	for _, p := range payloads {
		incoming += frameSize(len(p))
	}
	if err := m.checkQuotaLocked(t, incoming); err != nil {
		return err
	}

	now := m.now()
	if m.shouldRotateLocked(t, now) {
		if err := m.rotateLocked(t); err != nil {
			return err
		}
	}

	good := t.size
	for _, p := range payloads {
		frame := encodeFrame(p)
		if _, err := t.file.Write(frame); err != nil {
			if terr := t.file.Truncate(good); terr != nil {
				m.logger.Error("wal: truncate after failed write", "dir", t.dir, "error", terr)
			}
			t.size = good
			return fmt.Errorf("wal: append frame: %w", err)
		}
		good += int64(len(frame))
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync segment: %w", err)
	}

	t.size = good
	t.lastWrite = now

	if t.size >= m.cfg.SegmentMaxBytes {
		if err := m.rotateLocked(t); err != nil {
			return err
		}
	}
	return nil
}

// RotateIdle applies the time-based rotation rules to every known tenant.
// The forwarder's scheduler calls this each cycle so segments of tenants that
// stopped writing still become ready for shipping.
func (m *Manager) RotateIdle() {
	m.mu.Lock()
	tenants := make([]*tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		tenants = append(tenants, t)
	}
	m.mu.Unlock()

	now := m.now()
	for _, t := range tenants {
		t.mu.Lock()
		if m.shouldRotateLocked(t, now) {
			if err := m.rotateLocked(t); err != nil {
				m.logger.Error("wal: idle rotation failed", "dir", t.dir, "error", err)
			}
		}
		t.mu.Unlock()
	}
}

// ReadySegments lists sealed segments oldest-first. An empty token lists
// segments across all tenant directories.
func (m *Manager) ReadySegments(token string) ([]SegmentInfo, error) {
	var dirs []string
	if token != "" {
		dirs = []string{SanitizeToken(token)}
	} else {
		entries, err := os.ReadDir(m.cfg.RootPath)
		if err != nil {
			return nil, fmt.Errorf("wal: read root: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, e.Name())
			}
		}
	}

	var segs []SegmentInfo
	for _, dir := range dirs {
		entries, err := os.ReadDir(filepath.Join(m.cfg.RootPath, dir))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("wal: read tenant directory: %w", err)
		}
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), readySuffix) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			var seq int
			_, _ = fmt.Sscanf(e.Name(), "segment_%d.ready", &seq)
			segs = append(segs, SegmentInfo{
				Path:    filepath.Join(m.cfg.RootPath, dir, e.Name()),
				Dir:     dir,
				Seq:     seq,
				Size:    info.Size(),
				ModTime: info.ModTime(),
			})
		}
	}
	// Sequence order is creation order per tenant. Names alone do not sort
	// correctly once the zero padding overflows past segment_999.
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].Dir != segs[j].Dir {
			return segs[i].Dir < segs[j].Dir
		}
		return segs[i].Seq < segs[j].Seq
	})
	return segs, nil
}

// DeleteSegment removes a sealed segment. Deleting a segment that is already
// gone is not an error, so the forwarder can retry deletes safely.
func (m *Manager) DeleteSegment(path string) error {
	if !strings.HasSuffix(path, readySuffix) {
		return fmt.Errorf("wal: refusing to delete non-ready segment %q", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("wal: delete segment: %w", err)
	}
	return nil
}

// Stats reports segment counts and disk usage. An empty token aggregates
// across all tenants.
func (m *Manager) Stats(token string) (Stats, error) {
	var dirs []string
	if token != "" {
		dirs = []string{SanitizeToken(token)}
	} else {
		entries, err := os.ReadDir(m.cfg.RootPath)
		if err != nil {
			return Stats{}, fmt.Errorf("wal: read root: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, e.Name())
			}
		}
	}

	var st Stats
	for _, dir := range dirs {
		entries, err := os.ReadDir(filepath.Join(m.cfg.RootPath, dir))
		if err != nil {
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			switch {
			case strings.HasSuffix(e.Name(), activeSuffix):
				st.ActiveSegments++
				st.DiskBytes += info.Size()
			case strings.HasSuffix(e.Name(), readySuffix):
				st.ReadySegments++
				st.DiskBytes += info.Size()
			}
		}
	}
	return st, nil
}

// Close syncs and closes all active segment files.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, t := range m.tenants {
		t.mu.Lock()
		if t.file != nil {
			if err := t.file.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := t.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			t.file = nil
		}
		t.mu.Unlock()
	}
	return firstErr
}

// tenant returns the tenant state for token, creating the directory and
// recovering or opening the active segment on first use.
func (m *Manager) tenant(token string) (*tenant, error) {
	dir := SanitizeToken(token)

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tenants[dir]; ok {
		return t, nil
	}

	path := filepath.Join(m.cfg.RootPath, dir)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("wal: create tenant directory: %w", err)
	}

	t := &tenant{dir: path}
	if err := m.openActiveLocked(t); err != nil {
		return nil, err
	}
	m.tenants[dir] = t
	return t, nil
}

// openActiveLocked finds or creates the tenant's active segment. An existing
// active segment is recovered first: a torn frame at the tail is truncated
// away before the retained size feeds the rotation rules.
func (m *Manager) openActiveLocked(t *tenant) error {
	highest := 0
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return fmt.Errorf("wal: read tenant directory: %w", err)
	}
	var activeName string
	for _, e := range entries {
		var n int
		name := e.Name()
		switch {
		case strings.HasSuffix(name, activeSuffix):
			if _, err := fmt.Sscanf(name, "segment_%03d.wal", &n); err == nil {
				if n > highest {
					highest = n
					activeName = name
				}
			}
		case strings.HasSuffix(name, readySuffix):
			if _, err := fmt.Sscanf(name, "segment_%03d.ready", &n); err == nil && n > highest {
				highest = n
				activeName = ""
			}
		}
	}

	now := m.now()
	if activeName != "" {
		path := filepath.Join(t.dir, activeName)
		size, err := recoverSegment(path)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("wal: reopen active segment: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("wal: stat active segment: %w", err)
		}
		t.seq = highest
		t.file = f
		t.size = size
		// Creation time is not portable; after a restart the last write
		// stands in for segment age, which only delays time-based rotation.
		t.createdAt = info.ModTime()
		t.lastWrite = info.ModTime()
		return nil
	}

	t.seq = highest + 1
	return m.createSegmentLocked(t, now)
}

func (m *Manager) createSegmentLocked(t *tenant, now time.Time) error {
	path := filepath.Join(t.dir, fmt.Sprintf("segment_%03d%s", t.seq, activeSuffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("wal: create segment: %w", err)
	}
	t.file = f
	t.size = 0
	t.createdAt = now
	t.lastWrite = now
	return nil
}

// rotateLocked seals the active segment and opens the next one.
// Caller holds t.mu.
func (m *Manager) rotateLocked(t *tenant) error {
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync before rotation: %w", err)
	}
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("wal: close before rotation: %w", err)
	}

	oldPath := filepath.Join(t.dir, fmt.Sprintf("segment_%03d%s", t.seq, activeSuffix))
	newPath := filepath.Join(t.dir, fmt.Sprintf("segment_%03d%s", t.seq, readySuffix))
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("wal: seal segment: %w", err)
	}
	m.logger.Debug("wal: rotated segment", "segment", newPath, "bytes", t.size)

	t.seq++
	return m.createSegmentLocked(t, m.now())
}

// shouldRotateLocked evaluates the rotation rules against the active segment.
// Caller holds t.mu.
func (m *Manager) shouldRotateLocked(t *tenant, now time.Time) bool {
	if t.size >= m.cfg.SegmentMaxBytes {
		return true
	}
	if t.size == 0 {
		return false
	}
	age := now.Sub(t.createdAt)
	if age >= m.cfg.ForceRotation {
		return true
	}
	idle := now.Sub(t.lastWrite) >= m.cfg.IdleThreshold
	if idle {
		return age >= m.cfg.RotationTimeIdle
	}
	return age >= m.cfg.RotationTimeActive && t.size >= m.cfg.MinRotationBytes
}

// checkQuotaLocked rejects an append that would exceed the tenant's byte
// budget, or any append while the oldest sealed segment is older than the
// backlog age limit. Caller holds t.mu.
func (m *Manager) checkQuotaLocked(t *tenant, incoming int64) error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return fmt.Errorf("wal: read tenant directory: %w", err)
	}

	var used int64
	oldestReady := time.Time{}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, activeSuffix) || strings.HasSuffix(name, readySuffix) {
			used += info.Size()
		}
		if strings.HasSuffix(name, readySuffix) {
			if oldestReady.IsZero() || info.ModTime().Before(oldestReady) {
				oldestReady = info.ModTime()
			}
		}
	}

	if used+incoming > m.cfg.QuotaBytes {
		return fmt.Errorf("%w: %d bytes used, %d incoming, budget %d",
			ErrQuotaExceeded, used, incoming, m.cfg.QuotaBytes)
	}
	if !oldestReady.IsZero() && m.now().Sub(oldestReady) >= m.cfg.QuotaAge {
		return fmt.Errorf("%w: oldest unshipped segment is older than %s",
			ErrQuotaExceeded, m.cfg.QuotaAge)
	}
	return nil
}

func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("logstack/wal")

	_, _ = meter.Int64ObservableGauge("logstack.wal.ready_segments",
		metric.WithDescription("Sealed segments awaiting forwarding"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			st, err := m.Stats("")
			if err != nil {
				return nil
			}
			o.Observe(int64(st.ReadySegments))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("logstack.wal.disk_bytes",
		metric.WithDescription("Total bytes across active and sealed segments"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			st, err := m.Stats("")
			if err != nil {
				return nil
			}
			o.Observe(st.DiskBytes)
			return nil
		}),
	)
}

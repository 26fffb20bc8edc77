package wal

import (
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DonTee-Why/logstack/internal/config"
)

func testConfig(t *testing.T) config.WALConfig {
	t.Helper()
	return config.WALConfig{
		RootPath:           t.TempDir(),
		SegmentMaxBytes:    128 << 20,
		RotationTimeActive: 5 * time.Minute,
		RotationTimeIdle:   time.Hour,
		IdleThreshold:      10 * time.Minute,
		MinRotationBytes:   64 << 10,
		ForceRotation:      6 * time.Hour,
		QuotaBytes:         2 << 30,
		QuotaAge:           24 * time.Hour,
		DiskFreeMinRatio:   0.20,
	}
}

func testManager(t *testing.T, cfg config.WALConfig) *Manager {
	t.Helper()
	m, err := NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAppendAndScan(t *testing.T) {
	m := testManager(t, testConfig(t))

	in := [][]byte{
		[]byte(`{"message":"one"}`),
		[]byte(`{"message":"two"}`),
	}
	require.NoError(t, m.Append("tok-a", in))

	active := filepath.Join(m.cfg.RootPath, SanitizeToken("tok-a"), "segment_001.wal")
	payloads, skipped, err := ScanSegment(active)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, payloads, 2)
	assert.Equal(t, in[0], payloads[0])
	assert.Equal(t, in[1], payloads[1])
}

func TestSanitizeToken(t *testing.T) {
	assert.Equal(t, SanitizeToken("abc"), SanitizeToken("abc"), "deterministic")
	assert.NotEqual(t, SanitizeToken("abc"), SanitizeToken("abd"))

	// Characters outside [A-Za-z0-9_-] are stripped from the prefix but still
	// feed the hash, so near-identical tokens land in different directories.
	dirty := SanitizeToken("a/b:c!")
	assert.True(t, strings.HasPrefix(dirty, "abc_"), "got %q", dirty)
	assert.NotEqual(t, SanitizeToken("a/b:c!"), SanitizeToken("abc"))

	long := SanitizeToken(strings.Repeat("x", 64))
	parts := strings.Split(long, "_")
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 20)
	assert.Len(t, parts[1], 8)
}

func TestSizeRotation(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxBytes = 64
	m := testManager(t, cfg)

	require.NoError(t, m.Append("tok", [][]byte{[]byte(strings.Repeat("x", 100))}))

	dir := filepath.Join(cfg.RootPath, SanitizeToken("tok"))
	_, err := os.Stat(filepath.Join(dir, "segment_001.ready"))
	require.NoError(t, err, "oversized segment should be sealed")
	_, err = os.Stat(filepath.Join(dir, "segment_002.wal"))
	require.NoError(t, err, "a fresh active segment should exist")

	// The sealed segment still scans cleanly.
	payloads, _, err := ScanSegment(filepath.Join(dir, "segment_001.ready"))
	require.NoError(t, err)
	assert.Len(t, payloads, 1)
}

func TestForceRotation(t *testing.T) {
	cfg := testConfig(t)
	m := testManager(t, cfg)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	require.NoError(t, m.Append("tok", [][]byte{[]byte("entry")}))

	// Not yet: active rule needs MinRotationBytes.
	m.now = func() time.Time { return base.Add(6 * time.Minute) }
	m.RotateIdle()
	segs, err := m.ReadySegments("tok")
	require.NoError(t, err)
	assert.Empty(t, segs)

	// Past the force threshold the segment rotates regardless of size.
	m.now = func() time.Time { return base.Add(7 * time.Hour) }
	m.RotateIdle()
	segs, err = m.ReadySegments("tok")
	require.NoError(t, err)
	assert.Len(t, segs, 1)
}

func TestIdleRotation(t *testing.T) {
	cfg := testConfig(t)
	m := testManager(t, cfg)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	require.NoError(t, m.Append("tok", [][]byte{[]byte("entry")}))

	// Idle tenant, segment older than the idle rotation window.
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	m.RotateIdle()
	segs, err := m.ReadySegments("tok")
	require.NoError(t, err)
	assert.Len(t, segs, 1)
}

func TestActiveRotationNeedsMinBytes(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinRotationBytes = 16
	m := testManager(t, cfg)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	require.NoError(t, m.Append("tok", [][]byte{[]byte("a fairly sized entry")}))

	// Recently written (within idle threshold) and old enough with enough bytes.
	m.now = func() time.Time { return base.Add(6 * time.Minute) }
	require.NoError(t, m.Append("tok", [][]byte{[]byte("another entry")}))
	m.RotateIdle()
	segs, err := m.ReadySegments("tok")
	require.NoError(t, err)
	assert.Len(t, segs, 1)
}

func TestEmptySegmentNeverRotates(t *testing.T) {
	cfg := testConfig(t)
	m := testManager(t, cfg)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	require.NoError(t, m.Append("tok", [][]byte{[]byte("x")}))

	// Seal once via force rotation, leaving an empty active segment behind.
	m.now = func() time.Time { return base.Add(7 * time.Hour) }
	m.RotateIdle()

	m.now = func() time.Time { return base.Add(48 * time.Hour) }
	m.RotateIdle()

	st, err := m.Stats("tok")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ReadySegments, "empty active segment must not be sealed")
}

func TestTornTailTruncatedOnOpen(t *testing.T) {
	cfg := testConfig(t)
	m := testManager(t, cfg)
	require.NoError(t, m.Append("tok", [][]byte{[]byte(`{"n":1}`), []byte(`{"n":2}`)}))
	require.NoError(t, m.Close())

	// Simulate a crash mid-write: a frame with a length prefix but a short body.
	active := filepath.Join(cfg.RootPath, SanitizeToken("tok"), "segment_001.wal")
	f, err := os.OpenFile(active, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 1000)
	_, err = f.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = f.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m2 := testManager(t, cfg)
	require.NoError(t, m2.Append("tok", [][]byte{[]byte(`{"n":3}`)}))

	payloads, _, err := ScanSegment(active)
	require.NoError(t, err)
	require.Len(t, payloads, 3, "torn tail dropped, intact frames kept")
	assert.Equal(t, `{"n":3}`, string(payloads[2]))
}

func TestCorruptFrameSkippedOnScan(t *testing.T) {
	cfg := testConfig(t)
	m := testManager(t, cfg)
	require.NoError(t, m.Append("tok", [][]byte{
		[]byte(`{"n":1}`), []byte(`{"n":2}`), []byte(`{"n":3}`),
	}))
	require.NoError(t, m.Close())

	// Flip a byte inside the second frame's payload. Each frame here is
	// 4 (length) + 7 (payload) + 4 (crc) = 15 bytes.
	active := filepath.Join(cfg.RootPath, SanitizeToken("tok"), "segment_001.wal")
	raw, err := os.ReadFile(active)
	require.NoError(t, err)
	raw[15+5] ^= 0xFF
	require.NoError(t, os.WriteFile(active, raw, 0o600))

	payloads, skipped, err := ScanSegment(active)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, payloads, 2, "neighbours of the corrupt frame survive")
	assert.Equal(t, `{"n":1}`, string(payloads[0]))
	assert.Equal(t, `{"n":3}`, string(payloads[1]))

	// Reopening for append keeps the damaged frame in place and resumes at
	// the end of the file; only a torn tail is ever truncated.
	m2 := testManager(t, cfg)
	require.NoError(t, m2.Append("tok", [][]byte{[]byte(`{"n":4}`)}))
	payloads, skipped, err = ScanSegment(active)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, payloads, 3)
	assert.Equal(t, `{"n":4}`, string(payloads[2]))
}

func TestQuotaBytes(t *testing.T) {
	cfg := testConfig(t)
	cfg.QuotaBytes = 32
	m := testManager(t, cfg)

	err := m.Append("tok", [][]byte{[]byte(strings.Repeat("x", 64))})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// Nothing was written.
	st, serr := m.Stats("tok")
	require.NoError(t, serr)
	assert.Equal(t, int64(0), st.DiskBytes)
}

func TestQuotaAge(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxBytes = 8 // force rotation on first append
	m := testManager(t, cfg)

	require.NoError(t, m.Append("tok", [][]byte{[]byte("0123456789")}))
	segs, err := m.ReadySegments("tok")
	require.NoError(t, err)
	require.Len(t, segs, 1)

	// Backdate the sealed segment past the age quota.
	old := time.Now().Add(-25 * time.Hour)
	require.NoError(t, os.Chtimes(segs[0].Path, old, old))

	err = m.Append("tok", [][]byte{[]byte("more")})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestDeleteSegment(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxBytes = 8
	m := testManager(t, cfg)
	require.NoError(t, m.Append("tok", [][]byte{[]byte("0123456789")}))

	segs, err := m.ReadySegments("tok")
	require.NoError(t, err)
	require.Len(t, segs, 1)

	require.NoError(t, m.DeleteSegment(segs[0].Path))
	require.NoError(t, m.DeleteSegment(segs[0].Path), "second delete is a no-op")

	err = m.DeleteSegment(filepath.Join(cfg.RootPath, "x", "segment_001.wal"))
	assert.Error(t, err, "active segments must not be deletable")
}

func TestReadySegmentsOrderAndAllTenants(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxBytes = 8
	m := testManager(t, cfg)

	require.NoError(t, m.Append("tok-a", [][]byte{[]byte("0123456789")}))
	require.NoError(t, m.Append("tok-a", [][]byte{[]byte("0123456789")}))
	require.NoError(t, m.Append("tok-b", [][]byte{[]byte("0123456789")}))

	segs, err := m.ReadySegments("tok-a")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.True(t, strings.HasSuffix(segs[0].Path, "segment_001.ready"))
	assert.True(t, strings.HasSuffix(segs[1].Path, "segment_002.ready"))

	all, err := m.ReadySegments("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestReadySegmentsOrderPastSequence999(t *testing.T) {
	cfg := testConfig(t)
	m := testManager(t, cfg)

	// Past segment_999 the names are four digits wide and no longer sort
	// lexically; ordering must follow the parsed sequence number.
	dir := filepath.Join(cfg.RootPath, "tenant_00000000")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_1000.ready"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_999.ready"), nil, 0o600))

	segs, err := m.ReadySegments("")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, 999, segs[0].Seq)
	assert.Equal(t, 1000, segs[1].Seq)
	assert.True(t, strings.HasSuffix(segs[0].Path, "segment_999.ready"))
}

func TestStats(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxBytes = 8
	m := testManager(t, cfg)

	require.NoError(t, m.Append("tok", [][]byte{[]byte("0123456789")}))

	st, err := m.Stats("tok")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveSegments)
	assert.Equal(t, 1, st.ReadySegments)
	assert.Greater(t, st.DiskBytes, int64(0))
}

func TestSequenceResumesAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxBytes = 8
	m := testManager(t, cfg)
	require.NoError(t, m.Append("tok", [][]byte{[]byte("0123456789")}))
	require.NoError(t, m.Close())

	m2 := testManager(t, cfg)
	require.NoError(t, m2.Append("tok", [][]byte{[]byte("z")}))

	dir := filepath.Join(cfg.RootPath, SanitizeToken("tok"))
	// Sealed 001 plus the active segment recovered at 002.
	_, err := os.Stat(filepath.Join(dir, "segment_001.ready"))
	require.NoError(t, err)
	payloads, _, err := ScanSegment(filepath.Join(dir, "segment_002.wal"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("z")}, payloads)
}

package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"time"
)

// Record frame layout: length(4, little-endian) | payload(N) | CRC32(4, little-endian).
// The CRC covers the payload only, using the IEEE polynomial.
const (
	frameLenSize = 4
	frameCRCSize = 4
	maxPayload   = 16 << 20 // sanity bound; entries are validated far below this
)

// SegmentInfo describes one segment file on disk.
type SegmentInfo struct {
	Path    string
	Dir     string // tenant directory name the segment belongs to
	Seq     int    // sequence number parsed from the file name
	Size    int64
	ModTime time.Time
}

// encodeFrame serializes one payload into its on-disk frame.
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, frameLenSize+len(payload)+frameCRCSize)
	binary.LittleEndian.PutUint32(buf[0:frameLenSize], uint32(len(payload)))
	copy(buf[frameLenSize:], payload)
	crc := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(buf[frameLenSize+len(payload):], crc)
	return buf
}

// frameSize returns the on-disk size of a frame for a payload of n bytes.
func frameSize(n int) int64 {
	return int64(frameLenSize + n + frameCRCSize)
}

// scanFrames reads frames from r, returning the decoded payloads and the byte
// offset just past the last structurally complete frame. A short read ends the
// scan (torn tail); a complete frame whose checksum does not match is skipped
// and counted, and the scan continues with the next frame.
func scanFrames(r io.Reader) (payloads [][]byte, validLen int64, skipped int, err error) {
	for {
		var lenBuf [frameLenSize]byte
		_, rerr := io.ReadFull(r, lenBuf[:])
		if errors.Is(rerr, io.EOF) {
			return payloads, validLen, skipped, nil
		}
		if errors.Is(rerr, io.ErrUnexpectedEOF) {
			// Torn length prefix at the tail.
			return payloads, validLen, skipped, nil
		}
		if rerr != nil {
			return payloads, validLen, skipped, fmt.Errorf("wal: read frame length: %w", rerr)
		}

		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > maxPayload {
			// Corrupt length. The frame boundary is lost, so everything from
			// here on is unscannable garbage.
			return payloads, validLen, skipped, nil
		}

		payload := make([]byte, n)
		if _, rerr := io.ReadFull(r, payload); rerr != nil {
			return payloads, validLen, skipped, nil // torn payload
		}

		var crcBuf [frameCRCSize]byte
		if _, rerr := io.ReadFull(r, crcBuf[:]); rerr != nil {
			return payloads, validLen, skipped, nil // torn checksum
		}
		validLen += frameSize(int(n))
		if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(crcBuf[:]) {
			// The frame is complete but its payload is damaged. Drop this
			// record only; neighbours are still intact.
			skipped++
			continue
		}

		payloads = append(payloads, payload)
	}
}

// ScanSegment reads every intact frame from the segment at path, returning the
// payloads and the number of complete frames dropped for checksum mismatch.
// A torn tail is not an error; the intact prefix is returned.
func ScanSegment(path string) ([][]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("wal: open segment: %w", err)
	}
	defer f.Close()

	payloads, _, skipped, err := scanFrames(f)
	return payloads, skipped, err
}

// recoverSegment scans the segment at path and truncates any torn tail,
// returning the number of bytes retained. Complete frames with a checksum
// mismatch are left in place; readers drop them at scan time.
func recoverSegment(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("wal: open segment for recovery: %w", err)
	}
	_, validLen, _, err := scanFrames(f)
	_ = f.Close()
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("wal: stat segment: %w", err)
	}
	if info.Size() > validLen {
		if err := os.Truncate(path, validLen); err != nil {
			return 0, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}
	return validLen, nil
}

// Package wire implements the length-prefixed frame codec shared by the host
// and its scraper workers.
//
// Two frame flavors exist. A short frame carries a 2-byte little-endian length
// and is used for single strings (URLs, error text). A long frame carries an
// 8-byte little-endian length and is used for JSON headers and body chunks.
// A chunked body is a run of long frames terminated by a zero-length frame.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

const (
	// ShortLenSize is the width of a short frame length field.
	ShortLenSize = 2
	// LongLenSize is the width of a long frame length field.
	LongLenSize = 8
	// MaxShortLen is the largest payload a short frame can carry.
	MaxShortLen = math.MaxUint16
	// DefaultChunkSize is used by WriteChunkedBody when no size is given.
	DefaultChunkSize = 64 * 1024
)

var (
	// ErrTruncatedStream reports that the stream ended in the middle of a frame.
	ErrTruncatedStream = errors.New("wire: truncated stream")
	// ErrEncoding reports a payload that cannot be represented on the wire.
	ErrEncoding = errors.New("wire: payload not representable")
	// ErrShortFrameOverflow reports a string longer than MaxShortLen bytes.
	ErrShortFrameOverflow = fmt.Errorf("%w: exceeds %d byte short frame", ErrEncoding, MaxShortLen)
)

// Flusher is implemented by buffered writers such as *bufio.Writer.
type Flusher interface {
	Flush() error
}

// Flush flushes w when it buffers writes. Unbuffered writers are left alone.
func Flush(w io.Writer) error {
	f, ok := w.(Flusher)
	if !ok {
		return nil
	}
	if err := f.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// WriteShort writes s as a short frame. The string must be valid UTF-8 and at
// most MaxShortLen bytes long; nothing is written otherwise.
func WriteShort(w io.Writer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: invalid utf-8", ErrEncoding)
	}
	if len(s) > MaxShortLen {
		return fmt.Errorf("%w: %d bytes", ErrShortFrameOverflow, len(s))
	}
	buf := make([]byte, ShortLenSize+len(s))
	binary.LittleEndian.PutUint16(buf[:ShortLenSize], uint16(len(s)))
	copy(buf[ShortLenSize:], s)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write short frame: %w", err)
	}
	return nil
}

// ReadShort reads one short frame and returns its payload.
func ReadShort(r io.Reader) ([]byte, error) {
	var lenBuf [ShortLenSize]byte
	if err := readFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read short frame length: %w", err)
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if err := readFull(r, payload); err != nil {
		return nil, fmt.Errorf("read short frame payload: %w", err)
	}
	return payload, nil
}

// ReadShortString reads a short frame and decodes it as UTF-8 text.
func ReadShortString(r io.Reader) (string, error) {
	payload, err := ReadShort(r)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(payload) {
		return "", fmt.Errorf("%w: invalid utf-8 in short frame", ErrEncoding)
	}
	return string(payload), nil
}

// WriteLong writes p as a long frame.
func WriteLong(w io.Writer, p []byte) error {
	var lenBuf [LongLenSize]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write long frame length: %w", err)
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("write long frame payload: %w", err)
	}
	return nil
}

// ReadLong reads one long frame and returns its payload.
func ReadLong(r io.Reader) ([]byte, error) {
	n, err := readLongLen(r)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := copyExact(&buf, r, n); err != nil {
		return nil, fmt.Errorf("read long frame payload: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadChunkedBody reads long frames until a zero-length frame and returns the
// concatenated payloads. The terminator is consumed and discarded.
func ReadChunkedBody(r io.Reader) ([]byte, error) {
	var body bytes.Buffer
	for {
		n, err := readLongLen(r)
		if err != nil {
			return nil, fmt.Errorf("read body chunk: %w", err)
		}
		if n == 0 {
			return body.Bytes(), nil
		}
		if err := copyExact(&body, r, n); err != nil {
			return nil, fmt.Errorf("read body chunk payload: %w", err)
		}
	}
}

// WriteChunkedBody copies body to w as long frames of at most chunkSize bytes,
// followed by the zero-length terminator. Empty bodies produce only the
// terminator.
func WriteChunkedBody(w io.Writer, body io.Reader, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			if werr := WriteLong(w, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read body source: %w", err)
		}
	}
	return WriteLong(w, nil)
}

func readLongLen(r io.Reader) (uint64, error) {
	var lenBuf [LongLenSize]byte
	if err := readFull(r, lenBuf[:]); err != nil {
		return 0, fmt.Errorf("read long frame length: %w", err)
	}
	return binary.LittleEndian.Uint64(lenBuf[:]), nil
}

// copyExact grows dst only as bytes arrive, so a bogus length on a short
// stream fails with ErrTruncatedStream instead of a huge allocation.
func copyExact(dst *bytes.Buffer, r io.Reader, n uint64) error {
	if n > math.MaxInt64 {
		return fmt.Errorf("%w: frame length %d", ErrTruncatedStream, n)
	}
	copied, err := io.CopyN(dst, r, int64(n))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if uint64(copied) != n {
		return fmt.Errorf("%w: got %d of %d bytes", ErrTruncatedStream, copied, n)
	}
	return nil
}

func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncatedStream
		}
		return err
	}
	return nil
}

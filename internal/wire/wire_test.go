package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShortFrameRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
	}{
		{name: "empty", in: ""},
		{name: "url", in: "https://example.com/a?b=c"},
		{name: "multibyte", in: "https://例え.jp/パス"},
		{name: "max length", in: strings.Repeat("x", MaxShortLen)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			require.NoError(t, WriteShort(&buf, tc.in))
			require.Equal(t, ShortLenSize+len(tc.in), buf.Len())

			got, err := ReadShortString(&buf)
			require.NoError(t, err)
			require.Equal(t, tc.in, got)
			require.Zero(t, buf.Len())
		})
	}
}

func TestShortFrameLittleEndianLayout(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteShort(&buf, "abc"))
	require.Equal(t, []byte{3, 0, 'a', 'b', 'c'}, buf.Bytes())
}

func TestWriteShortRejectsOversizedString(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := WriteShort(&buf, strings.Repeat("x", MaxShortLen+1))
	require.ErrorIs(t, err, ErrShortFrameOverflow)
	require.ErrorIs(t, err, ErrEncoding)
	require.Zero(t, buf.Len(), "nothing may be written for a rejected frame")
}

func TestWriteShortRejectsInvalidUTF8(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := WriteShort(&buf, string([]byte{0xff, 0xfe}))
	require.ErrorIs(t, err, ErrEncoding)
	require.Zero(t, buf.Len())
}

func TestReadShortTruncated(t *testing.T) {
	t.Parallel()

	_, err := ReadShort(bytes.NewReader([]byte{5}))
	require.ErrorIs(t, err, ErrTruncatedStream)

	_, err = ReadShort(bytes.NewReader([]byte{5, 0, 'a', 'b'}))
	require.ErrorIs(t, err, ErrTruncatedStream)
}

func TestLongFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	payload := []byte(`{"url":{"url":"https://example.com/x"}}`)
	require.NoError(t, WriteLong(&buf, payload))
	require.Equal(t, uint64(len(payload)), binary.LittleEndian.Uint64(buf.Bytes()[:LongLenSize]))

	got, err := ReadLong(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadLongHugeDeclaredLengthIsTruncation(t *testing.T) {
	t.Parallel()

	var lenBuf [LongLenSize]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
	stream := append(lenBuf[:], []byte("tiny")...)

	_, err := ReadLong(bytes.NewReader(stream))
	require.ErrorIs(t, err, ErrTruncatedStream)
}

func TestChunkedBodyIndependentOfChunkBoundaries(t *testing.T) {
	t.Parallel()

	body := []byte("the quick brown fox jumps over the lazy dog")
	splits := [][]int{
		{len(body)},
		{1, 2, 3, len(body) - 6},
		{10, 10, 10, 10, len(body) - 40},
	}
	for _, sizes := range splits {
		var buf bytes.Buffer
		offset := 0
		for _, n := range sizes {
			require.NoError(t, WriteLong(&buf, body[offset:offset+n]))
			offset += n
		}
		require.NoError(t, WriteLong(&buf, nil))
		buf.WriteString("trailing")

		got, err := ReadChunkedBody(&buf)
		require.NoError(t, err)
		require.Equal(t, body, got)
		require.Equal(t, "trailing", buf.String(), "terminator must be consumed, nothing more")
	}
}

func TestWriteChunkedBody(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("0123456789", 7)
	var buf bytes.Buffer
	require.NoError(t, WriteChunkedBody(&buf, strings.NewReader(body), 16))

	// 70 bytes in 16 byte chunks: 5 data frames plus the terminator.
	require.Equal(t, 5*LongLenSize+len(body)+LongLenSize, buf.Len())

	got, err := ReadChunkedBody(&buf)
	require.NoError(t, err)
	require.Equal(t, body, string(got))
}

func TestWriteChunkedBodyEmpty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteChunkedBody(&buf, bytes.NewReader(nil), 0))
	require.Equal(t, make([]byte, LongLenSize), buf.Bytes())

	got, err := ReadChunkedBody(&buf)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadChunkedBodyMissingTerminator(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteLong(&buf, []byte("partial")))

	_, err := ReadChunkedBody(&buf)
	require.ErrorIs(t, err, ErrTruncatedStream)
}

func TestFlushBufferedWriter(t *testing.T) {
	t.Parallel()

	var sink bytes.Buffer
	bw := bufio.NewWriter(&sink)
	require.NoError(t, WriteShort(bw, "x"))
	require.Zero(t, sink.Len())
	require.NoError(t, Flush(bw))
	require.Equal(t, 3, sink.Len())

	require.NoError(t, Flush(&sink), "unbuffered writers are a no-op")
}

func TestFlushPropagatesErrors(t *testing.T) {
	t.Parallel()

	bw := bufio.NewWriter(failingWriter{})
	require.NoError(t, WriteShort(bw, "x"))
	require.Error(t, Flush(bw))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/scrapewire/internal/wire"
)

// Header is the raw JSON header of a job or fetch result. The protocol never
// interprets it; Decode surfaces malformed JSON to whoever asks.
type Header json.RawMessage

// Decode unmarshals the header into v.
func (h Header) Decode(v any) error {
	if err := json.Unmarshal(h, v); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	return nil
}

// Payload is a header plus assembled body. Jobs and fetch results share it.
type Payload struct {
	Header Header
	Body   []byte
}

// WorkerMessage is one decoded worker->host message.
type WorkerMessage struct {
	Op  WorkerToHostOpcode
	URL string
}

// ReadHostOpcode reads the next host opcode. A stream that ends cleanly before
// the opcode byte yields io.EOF unwrapped.
func ReadHostOpcode(r io.Reader) (HostToWorkerOpcode, error) {
	b, err := readOpcode(r)
	if err != nil {
		return 0, err
	}
	return HostToWorkerOpcode(b), nil
}

// ReadPayload reads a header long frame followed by a chunked body.
func ReadPayload(r io.Reader) (Payload, error) {
	header, err := wire.ReadLong(r)
	if err != nil {
		return Payload{}, fmt.Errorf("read header: %w", err)
	}
	body, err := wire.ReadChunkedBody(r)
	if err != nil {
		return Payload{}, fmt.Errorf("read body: %w", err)
	}
	return Payload{Header: Header(header), Body: body}, nil
}

// WriteSubmit writes a Submit message and flushes.
func WriteSubmit(w io.Writer, url string) error {
	return writeURLMessage(w, OpSubmit, url)
}

// WriteFetchRequest writes a Fetch request and flushes.
func WriteFetchRequest(w io.Writer, url string) error {
	return writeURLMessage(w, OpFetchRequest, url)
}

// WriteJobComplete writes the job-complete marker and flushes.
func WriteJobComplete(w io.Writer) error {
	return writeMessage(w, []byte{byte(OpJobComplete)})
}

// ReadFetchResponse reads the host's reply to a fetch request. A reported
// failure is returned as *RPCError; any other opcode or status byte is a
// *ProtocolError.
func ReadFetchResponse(r io.Reader) (Payload, error) {
	op, err := readOpcode(r)
	if err != nil {
		return Payload{}, fmt.Errorf("read fetch response opcode: %w", eofIsTruncation(err))
	}
	if HostToWorkerOpcode(op) != OpFetchResponse {
		return Payload{}, &ProtocolError{Opcode: op, Want: OpFetchResponse.String()}
	}
	status, err := readOpcode(r)
	if err != nil {
		return Payload{}, fmt.Errorf("read fetch status: %w", eofIsTruncation(err))
	}
	switch FetchStatus(status) {
	case StatusOK:
		return ReadPayload(r)
	case StatusError:
		msg, err := wire.ReadShortString(r)
		if err != nil {
			return Payload{}, fmt.Errorf("read fetch error message: %w", err)
		}
		return Payload{}, &RPCError{Message: msg}
	default:
		return Payload{}, &ProtocolError{Opcode: status, Want: "fetch status 0 or 1"}
	}
}

// WriteJob delivers a job to a worker: header frame, chunked body, flush.
func WriteJob(w io.Writer, header []byte, body io.Reader, chunkSize int) error {
	return writePayload(w, []byte{byte(OpDeliverJob)}, header, body, chunkSize)
}

// WriteFetchResult answers a fetch request with a successful payload.
func WriteFetchResult(w io.Writer, header []byte, body io.Reader, chunkSize int) error {
	return writePayload(w, []byte{byte(OpFetchResponse), byte(StatusOK)}, header, body, chunkSize)
}

// WriteFetchError answers a fetch request with a failure message. The message
// is made valid UTF-8 and cut to fit a short frame.
func WriteFetchError(w io.Writer, msg string) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpFetchResponse))
	buf.WriteByte(byte(StatusError))
	if err := wire.WriteShort(&buf, FitShort(msg)); err != nil {
		return err
	}
	return writeMessage(w, buf.Bytes())
}

// WriteTerminate tells the worker to stop.
func WriteTerminate(w io.Writer) error {
	return writeMessage(w, []byte{byte(OpTerminate)})
}

// ReadWorkerMessage reads one message from a worker's outbound stream. The
// worker closing its stream mid-job is reported as wire.ErrTruncatedStream.
func ReadWorkerMessage(r io.Reader) (WorkerMessage, error) {
	b, err := readOpcode(r)
	if err != nil {
		return WorkerMessage{}, fmt.Errorf("read worker opcode: %w", eofIsTruncation(err))
	}
	op := WorkerToHostOpcode(b)
	switch op {
	case OpSubmit, OpFetchRequest:
		url, err := wire.ReadShortString(r)
		if err != nil {
			return WorkerMessage{}, fmt.Errorf("read %s url: %w", op, err)
		}
		return WorkerMessage{Op: op, URL: url}, nil
	case OpJobComplete:
		return WorkerMessage{Op: op}, nil
	default:
		return WorkerMessage{}, &ProtocolError{Opcode: b, Want: "SUBMIT, FETCH_REQUEST or JOB_COMPLETE"}
	}
}

// FitShort returns msg as valid UTF-8 no longer than wire.MaxShortLen bytes,
// cutting on a rune boundary.
func FitShort(msg string) string {
	msg = strings.ToValidUTF8(msg, "�")
	if len(msg) <= wire.MaxShortLen {
		return msg
	}
	cut := wire.MaxShortLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func writeURLMessage(w io.Writer, op WorkerToHostOpcode, url string) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(op))
	if err := wire.WriteShort(&buf, url); err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	return writeMessage(w, buf.Bytes())
}

func writePayload(w io.Writer, prefix, header []byte, body io.Reader, chunkSize int) error {
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("write opcode: %w", err)
	}
	if err := wire.WriteLong(w, header); err != nil {
		return err
	}
	if body == nil {
		body = bytes.NewReader(nil)
	}
	if err := wire.WriteChunkedBody(w, body, chunkSize); err != nil {
		return err
	}
	return wire.Flush(w)
}

func writeMessage(w io.Writer, msg []byte) error {
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return wire.Flush(w)
}

func readOpcode(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func eofIsTruncation(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return wire.ErrTruncatedStream
	}
	return err
}

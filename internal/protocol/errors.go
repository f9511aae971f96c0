package protocol

import (
	"errors"
	"fmt"
)

// ProtocolError reports an opcode or status byte the receiver did not expect.
// It is always fatal for the worker.
type ProtocolError struct {
	Opcode byte
	Want   string
}

func (e *ProtocolError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("protocol: unexpected opcode %d", e.Opcode)
	}
	return fmt.Sprintf("protocol: unexpected opcode %d, expected %s", e.Opcode, e.Want)
}

// RPCError carries the peer's explanation of a failed fetch. Callbacks may
// recover from it and continue with the rest of the job.
type RPCError struct {
	Message string
}

func (e *RPCError) Error() string {
	return "rpc: " + e.Message
}

// IsProtocolError reports whether err wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// AsRPCError returns the *RPCError wrapped by err, if any.
func AsRPCError(err error) (*RPCError, bool) {
	var re *RPCError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Package xfer implements the data-plane primitives of the transfer-descriptor
// engine: sequence assembly, address lists, ports, requests, and the XferDes
// state machine itself.
package xfer

import (
	"errors"
	"fmt"
)

var (
	// ErrNoWork indicates a descriptor has nothing to do right now; it is
	// re-armed when a counter changes (an update arrives, a completion
	// fires, a timer elapses).
	ErrNoWork = errors.New("xferdes: no work available")
	// ErrIterationIncomplete names the case where a step must be retried
	// because the tentative plan could not be confirmed. No function in this
	// module currently returns it.
	ErrIterationIncomplete = errors.New("xferdes: iteration not yet complete")
	// ErrSequenceGap names the case where a caller asks for bytes not yet
	// contiguous from the requested offset. No function in this module
	// currently returns it.
	ErrSequenceGap = errors.New("xferdes: requested range is not contiguous")
	// ErrCapabilityUnsupported indicates a channel cannot handle the
	// requested source/destination/serdez/redop combination. Path queries
	// report such a combination as ok=false from SupportsPath and do not
	// return this error; HDF5Channel reports it through a request's OnDone
	// when neither side of the request is HDF5 memory.
	ErrCapabilityUnsupported = errors.New("xferdes: capability not supported on this path")
	// ErrSerdezOverrun indicates a serializer or deserializer ran past its
	// buffer, or a record exceeded MaxSerializedSize. The spec declares this
	// undefined behavior; the engine counts it as a failed transfer
	// (callers should not recover from this).
	ErrSerdezOverrun = errors.New("xferdes: serdez stream overran its buffer")
)

// ErrInvalidHandle is returned when an operation is attempted against a nil
// or already-closed handle of the named kind.
type ErrInvalidHandle struct {
	What string
}

func (e ErrInvalidHandle) Error() string {
	return "xferdes: invalid handle: " + e.What
}

// TransferError wraps a channel completion failure so callers can use
// errors.Is/errors.As against the underlying cause while still knowing which
// descriptor/port produced it.
type TransferError struct {
	GUID    GUID
	Port    int
	Message string
	Cause   error
}

func (e *TransferError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("xferdes: transfer %s port %d: %s: %v", e.GUID, e.Port, e.Message, e.Cause)
	}
	return fmt.Sprintf("xferdes: transfer %s port %d: %s", e.GUID, e.Port, e.Message)
}

func (e *TransferError) Unwrap() error { return e.Cause }

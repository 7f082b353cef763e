// Package utperr defines the closed set of error kinds a µTP stream can
// surface to the upper layer (spec.md §7), and wraps them with
// github.com/pkg/errors so a fatal stream error keeps the stack trace from
// the point it was first observed through to the upper-layer boundary.
package utperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the closed set of error kinds named in spec.md §7.
type Kind int

const (
	// KindConnectionRefused: RESET received before CONNECTED, or connect timeout.
	KindConnectionRefused Kind = iota
	// KindConnectionReset: RESET received after CONNECTED.
	KindConnectionReset
	// KindTimedOut: utp_num_resends consecutive timeouts exceeded.
	KindTimedOut
	// KindInvalidPacket: malformed header from a connected peer, repeated.
	KindInvalidPacket
	// KindAddressUnreachable: UDP send returned a terminal ICMP-like failure.
	KindAddressUnreachable
	// KindBufferFull: write attempted while the send queue is at its bound.
	// Surfaced as back-pressure, not treated as fatal by the state machine.
	KindBufferFull
	// KindInternal is reserved for internal invariant violations and has no
	// counterpart in spec.md §7. No code path in the transport produces it,
	// and the event loop does not recover panics.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConnectionRefused:
		return "connection_refused"
	case KindConnectionReset:
		return "connection_reset"
	case KindTimedOut:
		return "timed_out"
	case KindInvalidPacket:
		return "invalid_packet"
	case KindAddressUnreachable:
		return "address_unreachable"
	case KindBufferFull:
		return "buffer_full"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind. Stream.Err() always
// returns one of these (or nil); further operations on an errored stream
// fail with the same Kind (spec.md §7).
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("utp: %s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("utp: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, utperr.KindTimedOut-shaped sentinel) work by kind
// rather than by identity — two *Error values with the same Kind compare
// equal regardless of their wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs a fatal stream error of the given kind with no wrapped cause.
func New(k Kind) error {
	return &Error{Kind: k}
}

// Wrap constructs a fatal stream error of the given kind, keeping a stack
// trace rooted at the call site via github.com/pkg/errors.
func Wrap(k Kind, cause error) error {
	if cause == nil {
		return New(k)
	}
	return &Error{Kind: k, cause: errors.WithStack(cause)}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, and
// reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Sentinel values for errors.Is comparisons against a known kind, e.g.
// errors.Is(streamErr, utperr.ErrTimedOut).
var (
	ErrConnectionRefused  = &Error{Kind: KindConnectionRefused}
	ErrConnectionReset    = &Error{Kind: KindConnectionReset}
	ErrTimedOut           = &Error{Kind: KindTimedOut}
	ErrInvalidPacket      = &Error{Kind: KindInvalidPacket}
	ErrAddressUnreachable = &Error{Kind: KindAddressUnreachable}
	ErrBufferFull         = &Error{Kind: KindBufferFull}
	ErrInternal           = &Error{Kind: KindInternal}
)

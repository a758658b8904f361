// Package ikeerr implements a small closed taxonomy of error kinds the task
// manager switches on to decide between retry, notify, or destroy. Each kind
// wraps a cause with github.com/pkg/errors so callers can still unwrap to
// the underlying parse/crypto/kernel failure.
package ikeerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the taxonomy tag — not a concrete error type, a classification
// every core error carries so the task manager can dispatch on it without
// type-switching over dozens of concrete errors.
type Kind int

const (
	// KindParse covers malformed bytes, integrity failure, unknown critical
	// payloads. Surfaces as INVALID_SYNTAX or AUTHENTICATION_FAILED.
	KindParse Kind = iota
	// KindNegotiation covers no matching proposal / traffic selector.
	KindNegotiation
	// KindAuth covers AUTH verification or EAP rejection.
	KindAuth
	// KindKernel covers SPI/SA/policy install failures from the kernel cache.
	KindKernel
	// KindTimeout covers retransmit budget exhaustion.
	KindTimeout
	// KindResourceExhausted covers hitting a configured ceiling.
	KindResourceExhausted
	// KindInternal covers invariant violations.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindNegotiation:
		return "negotiation"
	case KindAuth:
		return "auth"
	case KindKernel:
		return "kernel"
	case KindTimeout:
		return "timeout"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every core failure path returns.
type Error struct {
	Kind   Kind
	cause  error
	detail string
}

func (e *Error) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.detail, e.cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Cause() error { return e.cause }
func (e *Error) Unwrap() error { return e.cause }

// New wraps cause under kind with a formatted detail message.
func New(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: cause, detail: fmt.Sprintf(format, args...)}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	// ErrShortPacket is returned by the codec when the buffer is shorter
	// than the fixed header or a declared payload length.
	ErrShortPacket = New(KindParse, errors.New("short packet"), "buffer too small to decode")
	// ErrBadLength is returned when a declared length field disagrees with
	// the bytes actually available.
	ErrBadLength = New(KindParse, errors.New("bad length"), "length field inconsistent with buffer")
	// ErrUnknownCriticalPayload is returned when a payload marked critical
	// has a type this codec does not understand.
	ErrUnknownCriticalPayload = New(KindParse, errors.New("unknown critical payload"), "")
	// ErrIntegrityCheckFailed is returned when the SK payload's ICV does
	// not verify against the computed MAC.
	ErrIntegrityCheckFailed = New(KindParse, errors.New("integrity check failed"), "")
	// ErrPaddingInvalid is returned when decrypted padding fails validation.
	ErrPaddingInvalid = New(KindParse, errors.New("padding invalid"), "")
	// ErrUnexpectedSyntax is returned for structurally valid but
	// semantically unexpected payload chains.
	ErrUnexpectedSyntax = New(KindParse, errors.New("unexpected syntax"), "")
)

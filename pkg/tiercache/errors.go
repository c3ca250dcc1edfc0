package tiercache

import (
	"errors"
	"fmt"
)

// Kind is the stable error taxonomy for tiercache operations. Callers
// should match on Kind via errors.As(err, &tierErr) rather than
// string-matching messages.
type Kind uint8

const (
	// KindUnknown is never returned by this package; it exists so the zero
	// value of Kind is distinguishable from any real kind.
	KindUnknown Kind = iota
	// KindNotFound means the CID is absent locally and the object store
	// reports absence.
	KindNotFound
	// KindIoError means an underlying filesystem or object-store IO failure.
	KindIoError
	// KindCorrupted means a checksum mismatch on a disk object; the
	// offending file has already been removed before this is returned.
	KindCorrupted
	// KindTimeout means the fetch deadline was exceeded.
	KindTimeout
	// KindOverBudget means admission was impossible because eviction could
	// not free enough space and nothing qualified for eviction.
	KindOverBudget
	// KindInvalidCid means a malformed CID string was supplied.
	KindInvalidCid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindIoError:
		return "io_error"
	case KindCorrupted:
		return "corrupted"
	case KindTimeout:
		return "timeout"
	case KindOverBudget:
		return "over_budget"
	case KindInvalidCid:
		return "invalid_cid"
	default:
		return "unknown"
	}
}

// Error is the tagged result type every exported tiercache operation
// returns instead of an ad-hoc sentinel. It wraps an underlying cause so
// errors.Is/errors.As still reach it.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tiercache: %s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("tiercache: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, ErrNotFound)-style sentinel comparisons by
// kind: two *Error values match if their Kind matches, independent of Msg.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Sentinel *Error values for errors.Is comparisons, e.g.
// errors.Is(err, tiercache.ErrNotFound).
var (
	ErrNotFound   = &Error{Kind: KindNotFound, Msg: "object not found"}
	ErrIoError    = &Error{Kind: KindIoError, Msg: "io error"}
	ErrCorrupted  = &Error{Kind: KindCorrupted, Msg: "checksum mismatch"}
	ErrTimeout    = &Error{Kind: KindTimeout, Msg: "fetch deadline exceeded"}
	ErrOverBudget = &Error{Kind: KindOverBudget, Msg: "admission over budget"}
	ErrInvalidCid = &Error{Kind: KindInvalidCid, Msg: "malformed cid"}
)

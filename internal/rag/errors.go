package rag

import (
	"errors"
	"fmt"
)

// Kind classifies a retrieval failure. The set is closed.
type Kind int

const (
	// KindBackendUnavailable means an embedding or rerank backend could not
	// be constructed. It is reported at initialization and scoped to the
	// recall path that needed the backend.
	KindBackendUnavailable Kind = iota + 1
	// KindEmbedding is a network, auth, or model failure while embedding.
	KindEmbedding
	// KindRerank is a network or auth failure while reranking.
	KindRerank
	// KindMalformedSnapshot means a persisted snapshot could not be parsed
	// or applied.
	KindMalformedSnapshot
	// KindDegenerateVector marks a zero-norm embedding met during
	// normalization. It is logged, never returned from a batch.
	KindDegenerateVector
	// KindSearchTimeout means a search exceeded its wall-clock budget.
	KindSearchTimeout
)

// String returns the stable name of the kind, used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindEmbedding:
		return "embedding"
	case KindRerank:
		return "rerank"
	case KindMalformedSnapshot:
		return "malformed_snapshot"
	case KindDegenerateVector:
		return "degenerate_vector"
	case KindSearchTimeout:
		return "search_timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error value returned by retrieval operations.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Op names the operation that failed (e.g. "cosine: add").
	Op string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an *Error of the given kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf constructs an *Error whose cause is formatted from format and args.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or 0 when
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

package bufpool

import "github.com/pkg/errors"

// Kind classifies the fatal error categories named in spec §7. "Key
// exists" and "key absent" are not represented here: they are recovered
// locally by the caller via a bool/ok return, never surfaced as an error.
type Kind int

const (
	// KindTooLargeKey: an entry cannot fit a single node.
	KindTooLargeKey Kind = iota + 1
	// KindBufferFull: no evictable frame was available.
	KindBufferFull
	// KindIO: a segment read or write failed.
	KindIO
	// KindInvariant: a structural invariant was violated (corrupt
	// metadata page, out-of-range slot offset, inconsistent delta
	// replay). The affected tree must refuse further operations.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindTooLargeKey:
		return "too large key"
	case KindBufferFull:
		return "buffer full"
	case KindIO:
		return "i/o error"
	case KindInvariant:
		return "invariant violation"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with an underlying cause, satisfying the error
// interface. Use errors.As to recover the Kind from an error returned by
// this package or by package btree/bbb, which reuse the same taxonomy.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New creates a Kind error with no further cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// Wrap attaches a Kind to an underlying cause (typically a segment I/O
// failure already wrapped with github.com/pkg/errors context).
func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, cause: cause}
}

// ErrBufferFull is returned by Fix when no frame could be evicted because
// every defined frame is pinned.
var ErrBufferFull = New(KindBufferFull, "no unpinned frame available for eviction")

package cachetable

import (
	"fmt"

	"github.com/ansel1/merry"
)

// ErrorKind classifies errors returned by the cache table. It is attached
// to every returned error and can be read back with KindOf.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindIO: a fetch or flush against the backing store failed.
	KindIO
	// KindOutOfMemory: a reservation cannot be satisfied.
	KindOutOfMemory
	// KindNotFound: a probing entry point found nothing.
	KindNotFound
	// KindStale: the cachefile handle was closed.
	KindStale
	// KindTryAgain: a non-blocking pin would have blocked.
	KindTryAgain
	// KindInvalid: bad argument or misuse.
	KindInvalid
	// KindClosed: the cache table is shut down.
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindIO:
		return "io"
	case KindOutOfMemory:
		return "out-of-memory"
	case KindNotFound:
		return "not-found"
	case KindStale:
		return "stale"
	case KindTryAgain:
		return "try-again"
	case KindInvalid:
		return "invalid"
	case KindClosed:
		return "closed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

const kindKey = "kind"

// Sentinel errors for the hot, expected outcomes. Compare with merry.Is or
// IsKind.
var (
	ErrNotFound = merry.New("cachetable: pair not found").WithValue(kindKey, KindNotFound)
	ErrTryAgain = merry.New("cachetable: try again").WithValue(kindKey, KindTryAgain)
	ErrStale    = merry.New("cachetable: cachefile is closed").WithValue(kindKey, KindStale)
	ErrClosed   = merry.New("cachetable: cache table is closed").WithValue(kindKey, KindClosed)
)

func newError(kind ErrorKind, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue(kindKey, kind)
}

// wrapError tags an error returned by a callback. Errors that already carry
// a kind keep it.
func wrapError(err error, kind ErrorKind) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindNone {
		return merry.WrapSkipping(err, 1)
	}
	return merry.WrapSkipping(err, 1).WithValue(kindKey, kind)
}

// KindOf returns the kind attached to err, or KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if k, ok := merry.Value(err, kindKey).(ErrorKind); ok {
		return k
	}
	return KindNone
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

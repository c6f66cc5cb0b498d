package broker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"traderelay/internal/signal"
)

// ErrorKind classifies a failed venue call for retry purposes. The engine
// never inspects venue-specific errors; adapters classify at the boundary.
type ErrorKind int

const (
	// KindRejected: the venue understood the request and refused it
	// (validation, margin). Fatal to the step, never retried.
	KindRejected ErrorKind = iota
	// KindTransient: the request provably never reached the venue
	// (connect refused, DNS). Safe to retry with backoff.
	KindTransient
	// KindAmbiguous: no way to know whether the venue acted (timeout
	// after send, dropped connection mid-response). Never retried; on a
	// non-idempotent open it forces reconciliation.
	KindAmbiguous
)

func (k ErrorKind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindTransient:
		return "transient"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// VenueError wraps a failed gateway call with its retry classification.
type VenueError struct {
	Venue signal.Venue
	Op    string
	Kind  ErrorKind
	Err   error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

func Rejected(venue signal.Venue, op string, err error) error {
	return &VenueError{Venue: venue, Op: op, Kind: KindRejected, Err: err}
}

func Transient(venue signal.Venue, op string, err error) error {
	return &VenueError{Venue: venue, Op: op, Kind: KindTransient, Err: err}
}

func Ambiguous(venue signal.Venue, op string, err error) error {
	return &VenueError{Venue: venue, Op: op, Kind: KindAmbiguous, Err: err}
}

// ErrNotSent marks a failure the client can prove happened before the
// request left the process (dial refused, DNS, marshalling). Adapters wrap
// it so such failures classify as transient instead of ambiguous.
var ErrNotSent = errors.New("request never sent")

// Classify returns the retry classification of err. Unwrapped transport
// errors default to ambiguous: when an adapter cannot prove the request
// never went out, the safe assumption is that it might have.
func Classify(err error) ErrorKind {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindAmbiguous
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindAmbiguous
	}
	return KindAmbiguous
}

// IsRetryable reports whether a call that failed with err may be re-issued.
func IsRetryable(err error) bool { return Classify(err) == KindTransient }

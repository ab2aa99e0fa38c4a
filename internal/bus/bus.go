package bus

import (
	"context"
	"errors"

	"github.com/tripstack/trip-service/internal/event"
)

// Publisher delivers a non-empty ordered batch of events to an external
// system. Implementations must be safe for concurrent callers; the unit of
// work and every projector shard share one adapter instance.
type Publisher interface {
	Publish(ctx context.Context, events []event.Event) error
}

// ErrEmptyBatch is returned when Publish is called without events.
var ErrEmptyBatch = errors.New("bus: empty event batch")

// permanentError marks failures that retrying cannot fix, e.g. a payload the
// broker rejects as malformed.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent publish failure: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was classified as non-retryable by an
// adapter. Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

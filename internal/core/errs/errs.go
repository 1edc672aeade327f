// Package errs holds the error taxonomy shared by the engine and the API.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInternal         = errors.New("internal error")
)

// InvalidArgument carries a client-facing message.
type InvalidArgument struct {
	Msg string
}

func (e *InvalidArgument) Error() string { return e.Msg }

func (e *InvalidArgument) Is(target error) bool { return target == ErrInvalidArgument }

func Invalid(msg string) error {
	return &InvalidArgument{Msg: msg}
}

func Invalidf(format string, args ...any) error {
	return &InvalidArgument{Msg: fmt.Sprintf(format, args...)}
}

// Message returns the client-facing text of an InvalidArgument, or "" when
// err is not one.
func Message(err error) string {
	var ia *InvalidArgument
	if errors.As(err, &ia) {
		return ia.Msg
	}
	return ""
}

// Unavailable tags err as a failure to reach the named store.
func Unavailable(store string, err error) error {
	return fmt.Errorf("%s: %w: %w", store, ErrStoreUnavailable, err)
}

type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindStoreUnavailable
)

// Classify maps err onto the taxonomy. NotFound wins over StoreUnavailable
// so a degraded lookup with nothing to return reads as NotFound.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	default:
		return KindInternal
	}
}

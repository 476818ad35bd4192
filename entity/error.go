package entity

import (
	"fmt"

	"github.com/curtisnewbie/misobus/util/errs"
)

// Error about a specific broker entity.
//
// It unwraps to the coded *errs.MisoErr, e.g., use errors.Is(err, errs.ErrEntityNotFound) to check the cause,
// and errors.As(err, &entityErr) to access the path and kind.
type Error struct {
	Path string
	Kind Kind
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v '%v': %v", e.Kind, e.Path, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Create Error for the entity.
func NewError(cause error, kind Kind, path string) *Error {
	if cause == nil {
		cause = errs.ErrUnknownError.New()
	}
	return &Error{Path: path, Kind: kind, err: cause}
}

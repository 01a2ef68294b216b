package contracts

import (
	"errors"
	"fmt"
)

// ErrorDetails is a serializable snapshot of an error chain
type ErrorDetails struct {
	Class    string        `json:"class" msgpack:"class"`
	Message  string        `json:"message" msgpack:"message"`
	Previous *ErrorDetails `json:"previous,omitempty" msgpack:"previous,omitempty"`
}

// FlattenError converts err and the errors it wraps into ErrorDetails.
// For errors wrapping several errors only the first branch is followed.
func FlattenError(err error) *ErrorDetails {
	if err == nil {
		return nil
	}
	details := &ErrorDetails{
		Class:   fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		if errs := x.Unwrap(); len(errs) > 0 {
			details.Previous = FlattenError(errs[0])
		}
	default:
		details.Previous = FlattenError(errors.Unwrap(err))
	}
	return details
}

// Chain returns the messages of the snapshot, outermost first
func (d *ErrorDetails) Chain() []string {
	var out []string
	for cur := d; cur != nil; cur = cur.Previous {
		out = append(out, cur.Message)
	}
	return out
}

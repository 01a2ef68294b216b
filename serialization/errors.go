package serialization

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned when a type name has no registration
	ErrUnknownType = errors.New("serialization: unknown message type")

	// ErrMissingType is returned when encoded data carries no type header
	ErrMissingType = errors.New("serialization: missing type header")
)

// DecodeError reports a message that could not be turned back into an envelope.
// Transports reject such messages instead of redelivering them forever.
type DecodeError struct {
	TypeName string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.TypeName == "" {
		return fmt.Sprintf("decode message: %v", e.Err)
	}
	return fmt.Sprintf("decode message %s: %v", e.TypeName, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError checks if err is a DecodeError
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

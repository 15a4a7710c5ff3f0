package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidJupyterMessage       = errors.New("invalid jupyter message")
	ErrNotSupportedSignatureScheme = errors.New("not supported signature scheme")
	ErrInvalidJupyterSignature     = errors.New("invalid jupyter signature")
	ErrMalformedMessage            = errors.New("malformed message")
	ErrMissingMessageType          = errors.New("message does not specify a msg_type")
)

// MalformedMessageError is returned when a message cannot be decoded, either from the bus or from the transport.
type MalformedMessageError struct {
	Reason error
	Frames int
}

func newMalformedMessageError(reason error, frames int) *MalformedMessageError {
	return &MalformedMessageError{Reason: reason, Frames: frames}
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message (%d frame(s)): %v", e.Frames, e.Reason)
}

func (e *MalformedMessageError) Unwrap() []error {
	return []error{ErrMalformedMessage, e.Reason}
}

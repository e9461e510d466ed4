package protocol

import (
	"errors"
	"strconv"
)

var (
	// ErrMalformedFrame is returned for frames that are not a valid envelope.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownOperation is returned for an operation tag the server does not know.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrFrameTooLong is returned when a frame exceeds the configured maximum length.
	ErrFrameTooLong = errors.New("frame exceeds maximum length")
)

// Error is a protocol violation by the peer. It is never retried; the
// session that produced it is torn down.
type Error struct {
	// Kind is one of ErrMalformedFrame, ErrUnknownOperation, ErrFrameTooLong.
	Kind error
	// Detail describes the violation.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

// Unwrap returns the violation kind so errors.Is matches the sentinels.
func (e *Error) Unwrap() error {
	return e.Kind
}

func malformed(detail string) error {
	return &Error{Kind: ErrMalformedFrame, Detail: detail}
}

func unknown(tag string) error {
	return &Error{Kind: ErrUnknownOperation, Detail: tag}
}

// TooLong returns the error for a frame longer than limit bytes.
func TooLong(limit int) error {
	return &Error{Kind: ErrFrameTooLong, Detail: "limit " + strconv.Itoa(limit) + " bytes"}
}

// IsProtocolError reports whether err is, or wraps, a protocol violation.
func IsProtocolError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

package proto

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol is returned for a malformed or unexpected server reply.
	ErrProtocol = errors.New("protocol error")
	// ErrTruncated is returned when the stream ends inside a record.
	ErrTruncated = errors.New("truncated record")
	// ErrTransport wraps I/O failures on the connection.
	ErrTransport = errors.New("transport error")
	// ErrTooLarge is returned when the next event does not fit the budget
	// offered to the server. The event stays queued server-side.
	ErrTooLarge = errors.New("event exceeds buffer budget")
	// ErrTimeout is returned when no event arrived before the timeout.
	ErrTimeout = errors.New("no event before timeout")
	// ErrInterrupted is returned when a wait for events was cancelled.
	ErrInterrupted = errors.New("interrupted")
	// ErrShortRead is returned when the server has no data at the requested
	// offset, typically because the file shrank during the transfer.
	ErrShortRead = errors.New("short read")
	// ErrBatchEnd marks the end of an EVBATCH stream.
	ErrBatchEnd = errors.New("end of event batch")
)

// ServerError is a non-OK reply.
type ServerError struct {
	Command string
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server replied %s %s", e.Command, e.Code, e.Message)
}

// IsFatal reports whether err leaves the connection unusable: the framing of
// the stream can no longer be trusted.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTruncated) || errors.Is(err, ErrProtocol)
}

func protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

package email

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when the server rejects the credentials.
	ErrAuthentication = errors.New("invalid credentials")

	// ErrNotConnected is returned by folder and message operations issued
	// before Connect succeeded or after the connection went away.
	ErrNotConnected = errors.New("not connected to IMAP server")

	// ErrMessageNotFound is returned when a UID does not exist in a folder.
	ErrMessageNotFound = errors.New("message not found")
)

// ConnectionError reports a network, TLS or timeout failure while reaching
// the mail server.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to mail server %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ParseError reports a message that could not be decoded. It is logged by
// the client and never returned from bulk listings.
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse message %d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ServerOperationError reports a flag, move or delete the server refused.
type ServerOperationError struct {
	Op     string
	Folder string
	Err    error
}

func (e *ServerOperationError) Error() string {
	return fmt.Sprintf("%s in %q failed: %v", e.Op, e.Folder, e.Err)
}

func (e *ServerOperationError) Unwrap() error { return e.Err }

// SendError wraps any failure while submitting a message over SMTP.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send email: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

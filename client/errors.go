package client

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/imgvault/imgvault/server/proto"
)

var (
	// ErrConnClosed is returned when the server closes the connection before
	// a complete response frame arrives.
	ErrConnClosed = errors.New("connection closed before response")

	// ErrUnexpectedResponse is returned when the server answers with a
	// message type that does not match the request.
	ErrUnexpectedResponse = errors.New("unexpected response type")

	// ErrNotFound matches a ServerError reporting that no blob is stored
	// under the requested identifier.
	ErrNotFound = errors.New("image not found")

	// ErrStoreFull matches a ServerError reporting that the server refused a
	// blob for lack of space.
	ErrStoreFull = errors.New("server store is full")
)

// TransportError reports a failure to reach the server or to exchange bytes
// with it. It is distinct from a ServerError, which means the server was
// reached and answered with an error.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError is an ErrorResponse returned by the server.
type ServerError struct {
	Code    proto.ErrorCode
	Message string
}

func newServerError(payload []byte) *ServerError {
	e := proto.ParseError(payload)
	return &ServerError{Code: e.Code, Message: e.Message}
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: %s", e.Code)
	}
	return fmt.Sprintf("server error: %s: %s", e.Code, e.Message)
}

// Is allows errors.Is to match ServerErrors against ErrNotFound and
// ErrStoreFull.
func (e *ServerError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == proto.CodeNotFound
	case ErrStoreFull:
		return e.Code == proto.CodeStoreFull
	}
	return false
}

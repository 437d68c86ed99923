package proto

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedPayload is returned when a payload does not match the layout
// its message type requires.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrorCode classifies an ErrorResponse.
type ErrorCode string

const (
	// CodeNotFound means the requested identifier has no stored blob.
	CodeNotFound ErrorCode = "not_found"
	// CodeProtocol means the request frame could not be parsed or had a type
	// the server does not accept.
	CodeProtocol ErrorCode = "protocol"
	// CodeInvalidRequest means the frame parsed but its payload was
	// unusable, e.g. an empty identifier.
	CodeInvalidRequest ErrorCode = "invalid_request"
	// CodeStoreFull means the store refused the write for lack of space.
	CodeStoreFull ErrorCode = "store_full"
	// CodeInternal is any other server-side failure.
	CodeInternal ErrorCode = "internal"
)

// Error is the decoded form of an ErrorResponse payload.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewErrorResponse returns an ErrorResponse whose payload is the UTF-8 text
// "<code>: <msg>".
func NewErrorResponse(code ErrorCode, msg string) *Message {
	e := &Error{Code: code, Message: msg}
	return NewMessage(MsgTypeErrorResponse, []byte(e.Error()))
}

// ParseError decodes an ErrorResponse payload. Text that does not start with
// a code is reported with CodeInternal so that no server message is lost.
func ParseError(payload []byte) *Error {
	text := string(payload)
	code, msg, found := strings.Cut(text, ": ")
	if !found {
		code, msg = text, ""
	}
	switch ErrorCode(code) {
	case CodeNotFound, CodeProtocol, CodeInvalidRequest, CodeStoreFull, CodeInternal:
		return &Error{Code: ErrorCode(code), Message: msg}
	}
	return &Error{Code: CodeInternal, Message: text}
}

// NewStoreRequest returns a StoreRequest for blob under id.
func NewStoreRequest(id string, blob []byte) *Message {
	return NewMessage(MsgTypeStoreRequest, EncodeStoreRequest(id, blob))
}

// EncodeStoreRequest lays out a StoreRequest payload:
//
//	idLen:4 (big-endian) | id:idLen | blob:remaining bytes
func EncodeStoreRequest(id string, blob []byte) []byte {
	buf := make([]byte, 4+len(id)+len(blob))
	Encoding.PutUint32(buf, uint32(len(id)))
	copy(buf[4:], id)
	copy(buf[4+len(id):], blob)
	return buf
}

// DecodeStoreRequest splits a StoreRequest payload into its identifier and
// blob. The returned blob aliases payload.
func DecodeStoreRequest(payload []byte) (string, []byte, error) {
	if len(payload) < 4 {
		return "", nil, errors.Wrap(ErrMalformedPayload, "store request shorter than id length")
	}
	idLen := uint64(Encoding.Uint32(payload))
	if idLen > uint64(len(payload)-4) {
		return "", nil, errors.Wrapf(ErrMalformedPayload,
			"id length %d exceeds remaining %d bytes", idLen, len(payload)-4)
	}
	end := 4 + int(idLen)
	return string(payload[4:end]), payload[end:], nil
}

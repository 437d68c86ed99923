package proto

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"

	"github.com/pkg/errors"
)

// MsgType indicates the type of message contained by a frame.
type MsgType byte

const (
	// MsgTypeDataRequest asks for the blob stored under the identifier carried
	// in the payload.
	MsgTypeDataRequest MsgType = iota + 1

	// MsgTypeDataResponse carries the raw stored blob.
	MsgTypeDataResponse

	// MsgTypeStoreRequest carries an identifier and a blob to store. See
	// EncodeStoreRequest for the payload layout.
	MsgTypeStoreRequest

	// MsgTypeAcknowledge confirms a store request. Its payload is empty.
	MsgTypeAcknowledge

	// MsgTypeErrorResponse carries UTF-8 error text. See NewErrorResponse.
	MsgTypeErrorResponse
)

const (
	// HeaderLen is the size of the frame header: one type byte followed by a
	// 4-byte big-endian payload length.
	HeaderLen = 5

	// MaxPayloadLen is the largest payload the length field can describe.
	MaxPayloadLen = math.MaxUint32
)

var (
	// Encoding is the byte order to use for protocol serialization.
	Encoding = binary.BigEndian

	// ErrUnknownType is returned when a frame carries a type byte outside of
	// the known set.
	ErrUnknownType = errors.New("unknown message type")

	// ErrPayloadTooLarge is returned when a payload exceeds the configured
	// (or representable) maximum.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

var msgTypeNames = map[MsgType]string{
	MsgTypeDataRequest:   "DataRequest",
	MsgTypeDataResponse:  "DataResponse",
	MsgTypeStoreRequest:  "StoreRequest",
	MsgTypeAcknowledge:   "Acknowledge",
	MsgTypeErrorResponse: "ErrorResponse",
}

// Valid reports whether t is one of the known message types.
func (t MsgType) Valid() bool {
	_, ok := msgTypeNames[t]
	return ok
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType(%d)", byte(t))
}

// Message is a single protocol frame. A Message is immutable once
// constructed; the slice returned by Payload must not be modified.
type Message struct {
	msgType MsgType
	payload []byte
}

// NewMessage returns a Message of the given type carrying payload. The
// payload is not copied.
func NewMessage(msgType MsgType, payload []byte) *Message {
	return &Message{msgType: msgType, payload: payload}
}

// NewDataRequest returns a request for the blob stored under id.
func NewDataRequest(id string) *Message {
	return NewMessage(MsgTypeDataRequest, []byte(id))
}

// NewDataResponse returns a response carrying blob.
func NewDataResponse(blob []byte) *Message {
	return NewMessage(MsgTypeDataResponse, blob)
}

// NewAcknowledge returns an empty acknowledgement.
func NewAcknowledge() *Message {
	return NewMessage(MsgTypeAcknowledge, nil)
}

// Type returns the message type.
func (m *Message) Type() MsgType {
	return m.msgType
}

// Payload returns the message payload.
func (m *Message) Payload() []byte {
	return m.payload
}

// Len returns the number of bytes the message occupies on the wire.
func (m *Message) Len() int {
	return HeaderLen + len(m.payload)
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%d bytes]", m.msgType, len(m.payload))
}

// Encode serializes the message into the frame wire format.
func (m *Message) Encode() ([]byte, error) {
	return Encode(m.msgType, m.payload)
}

// WriteTo writes the frame to w without first concatenating header and
// payload.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	header, err := encodeHeader(m.msgType, len(m.payload))
	if err != nil {
		return 0, err
	}
	bufs := net.Buffers{header}
	if len(m.payload) > 0 {
		bufs = append(bufs, m.payload)
	}
	return bufs.WriteTo(w)
}

// Encode serializes a frame of the given type and payload. The result is
// exactly HeaderLen+len(payload) bytes long.
func Encode(msgType MsgType, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > MaxPayloadLen {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(payload))
	}
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = byte(msgType)
	Encoding.PutUint32(buf[1:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

func encodeHeader(msgType MsgType, payloadLen int) ([]byte, error) {
	if uint64(payloadLen) > MaxPayloadLen {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", payloadLen)
	}
	header := make([]byte, HeaderLen)
	header[0] = byte(msgType)
	Encoding.PutUint32(header[1:], uint32(payloadLen))
	return header, nil
}

package proto

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// Ensure Encode produces the 5-byte header followed by the payload.
func TestEncodeLayout(t *testing.T) {
	buf, err := Encode(MsgTypeDataRequest, []byte("img1"))
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x00, 0x00, 0x00, 0x04, 'i', 'm', 'g', '1'}, buf)
	require.Len(t, buf, HeaderLen+4)
}

// Ensure an empty payload encodes to just a header.
func TestEncodeEmptyPayload(t *testing.T) {
	buf, err := Encode(MsgTypeAcknowledge, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0x04, 0x00, 0x00, 0x00, 0x00}, buf)
}

// Ensure decoding an encoded frame returns the original type and payload for
// a range of payload sizes.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 4, 255, 4096, 70000} {
		payload := bytes.Repeat([]byte{0xAB}, size)
		buf, err := Encode(MsgTypeDataResponse, payload)
		require.NoError(t, err)
		require.Len(t, buf, HeaderLen+size)

		msgs, err := NewAssembler(0).Feed(buf)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, MsgTypeDataResponse, msgs[0].Type())
		require.Equal(t, size, len(msgs[0].Payload()))
		require.True(t, bytes.Equal(payload, msgs[0].Payload()))
	}
}

// Ensure WriteTo writes the same bytes as Encode.
func TestMessageWriteTo(t *testing.T) {
	msg := NewDataResponse([]byte("ciphertext"))
	expected, err := msg.Encode()
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(msg.Len()), n)
	require.Equal(t, expected, buf.Bytes())

	buf.Reset()
	n, err = NewAcknowledge().WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(HeaderLen), n)
}

// Ensure only the defined message types are valid.
func TestMsgTypeValid(t *testing.T) {
	for _, typ := range []MsgType{
		MsgTypeDataRequest,
		MsgTypeDataResponse,
		MsgTypeStoreRequest,
		MsgTypeAcknowledge,
		MsgTypeErrorResponse,
	} {
		require.True(t, typ.Valid(), typ.String())
	}
	require.False(t, MsgType(0).Valid())
	require.False(t, MsgType(6).Valid())
	require.False(t, MsgType(99).Valid())
	require.Equal(t, "MsgType(99)", MsgType(99).String())
	require.Equal(t, "DataRequest", MsgTypeDataRequest.String())
}

// Ensure the store request payload round-trips, including an empty blob.
func TestStoreRequestPayload(t *testing.T) {
	payload := EncodeStoreRequest("img1", []byte{1, 2, 3})
	require.Equal(t, []byte{0, 0, 0, 4, 'i', 'm', 'g', '1', 1, 2, 3}, payload)

	id, blob, err := DecodeStoreRequest(payload)
	require.NoError(t, err)
	require.Equal(t, "img1", id)
	require.Equal(t, []byte{1, 2, 3}, blob)

	id, blob, err = DecodeStoreRequest(EncodeStoreRequest("empty", nil))
	require.NoError(t, err)
	require.Equal(t, "empty", id)
	require.Len(t, blob, 0)
}

// Ensure malformed store request payloads are rejected.
func TestDecodeStoreRequestMalformed(t *testing.T) {
	_, _, err := DecodeStoreRequest([]byte{0, 0})
	require.True(t, errors.Is(err, ErrMalformedPayload))

	_, _, err = DecodeStoreRequest([]byte{0, 0, 0, 9, 'a', 'b'})
	require.True(t, errors.Is(err, ErrMalformedPayload))

	_, _, err = DecodeStoreRequest([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.True(t, errors.Is(err, ErrMalformedPayload))
}

// Ensure error responses carry a code that ParseError recovers.
func TestErrorResponse(t *testing.T) {
	msg := NewErrorResponse(CodeNotFound, `image "img1" not found`)
	require.Equal(t, MsgTypeErrorResponse, msg.Type())
	require.Equal(t, `not_found: image "img1" not found`, string(msg.Payload()))

	e := ParseError(msg.Payload())
	require.Equal(t, CodeNotFound, e.Code)
	require.Equal(t, `image "img1" not found`, e.Message)

	e = ParseError([]byte("store_full"))
	require.Equal(t, CodeStoreFull, e.Code)
	require.Equal(t, "", e.Message)

	e = ParseError([]byte("something broke"))
	require.Equal(t, CodeInternal, e.Code)
	require.Equal(t, "something broke", e.Message)
}

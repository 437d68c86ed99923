package proto

import (
	"github.com/pkg/errors"
)

// Stage is the part of the next frame an Assembler is waiting for.
type Stage int

const (
	// AwaitingType means no byte of the next frame has been consumed.
	AwaitingType Stage = iota
	// AwaitingLength means the type byte is known and the 4-byte length is
	// pending.
	AwaitingLength
	// AwaitingPayload means the header is complete and the payload is
	// pending.
	AwaitingPayload
)

func (s Stage) String() string {
	switch s {
	case AwaitingType:
		return "AwaitingType"
	case AwaitingLength:
		return "AwaitingLength"
	case AwaitingPayload:
		return "AwaitingPayload"
	default:
		return "Stage(?)"
	}
}

// compactThreshold is the minimum number of consumed bytes before leftover
// data is moved into a fresh buffer.
const compactThreshold = 4096

// Assembler reassembles frames from a byte stream delivered in arbitrary
// chunks. It is owned by a single connection and is not safe for concurrent
// use.
//
// Bytes are appended to an internal buffer and consumed through a read
// cursor. Emitted payloads alias the buffer; the region behind the cursor is
// never written again, so payloads stay valid after later calls to Feed.
type Assembler struct {
	buf        []byte
	off        int
	stage      Stage
	msgType    MsgType
	length     uint32
	maxPayload uint32
	err        error
}

// NewAssembler returns an Assembler that rejects frames declaring more than
// maxPayload payload bytes. A maxPayload of 0 disables the limit.
func NewAssembler(maxPayload uint32) *Assembler {
	return &Assembler{maxPayload: maxPayload}
}

// Stage returns the part of the next frame the Assembler is waiting for.
func (a *Assembler) Stage() Stage {
	return a.stage
}

// Buffered returns the number of received bytes not yet emitted as part of a
// Message.
func (a *Assembler) Buffered() int {
	return len(a.buf) - a.off
}

// Err returns the error that failed the Assembler, if any.
func (a *Assembler) Err() error {
	return a.err
}

// Feed consumes chunk and returns every Message it completes, in order. A
// chunk may complete zero, one or several frames. Once Feed returns an error
// the Assembler is failed and returns the same error on every later call.
func (a *Assembler) Feed(chunk []byte) ([]*Message, error) {
	if a.err != nil {
		return nil, a.err
	}
	if len(chunk) > 0 {
		a.buf = append(a.buf, chunk...)
	}

	var msgs []*Message
	for {
		msg, err := a.advance()
		if err != nil {
			a.err = err
			return msgs, err
		}
		if msg == nil {
			break
		}
		msgs = append(msgs, msg)
	}
	a.compact()
	return msgs, nil
}

// advance moves through as many stages as the buffered bytes allow and
// returns a Message when one is completed, or nil when more bytes are needed.
func (a *Assembler) advance() (*Message, error) {
	for {
		avail := len(a.buf) - a.off
		switch a.stage {
		case AwaitingType:
			if avail < 1 {
				return nil, nil
			}
			t := MsgType(a.buf[a.off])
			if !t.Valid() {
				return nil, errors.Wrapf(ErrUnknownType, "type byte %d", byte(t))
			}
			a.msgType = t
			a.off++
			a.stage = AwaitingLength

		case AwaitingLength:
			if avail < 4 {
				return nil, nil
			}
			length := Encoding.Uint32(a.buf[a.off : a.off+4])
			if a.maxPayload > 0 && length > a.maxPayload {
				return nil, errors.Wrapf(ErrPayloadTooLarge,
					"declared %d bytes, limit %d", length, a.maxPayload)
			}
			a.length = length
			a.off += 4
			a.stage = AwaitingPayload

		case AwaitingPayload:
			if uint64(avail) < uint64(a.length) {
				return nil, nil
			}
			end := a.off + int(a.length)
			// Cap the slice so appending to a payload can never reach into
			// bytes that belong to the next frame.
			payload := a.buf[a.off:end:end]
			a.off = end
			msg := NewMessage(a.msgType, payload)
			a.msgType = 0
			a.length = 0
			a.stage = AwaitingType
			return msg, nil
		}
	}
}

// compact releases consumed bytes. A fully consumed buffer is dropped; a
// buffer whose consumed prefix dominates has its leftover copied into a new
// slice. The old backing array is never reused because emitted payloads may
// still reference it.
func (a *Assembler) compact() {
	if a.off == 0 {
		return
	}
	if a.off == len(a.buf) {
		a.buf = nil
		a.off = 0
		return
	}
	rest := len(a.buf) - a.off
	if a.off < compactThreshold || a.off < rest {
		return
	}
	buf := make([]byte, rest, rest*2)
	copy(buf, a.buf[a.off:])
	a.buf = buf
	a.off = 0
}

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxPayload bounds a single frame. Larger documents move as snapshots
// through the store, never as one wire frame.
const MaxPayload = 16 << 20

var (
	// ErrShortBuffer means the buffer ends mid-frame; read more bytes and
	// try again. Nothing has been consumed.
	ErrShortBuffer = errors.New("incomplete frame")

	ErrPayloadTooLarge = errors.New("frame payload too large")
)

// Encode frames a message: type byte, uvarint length, payload.
func Encode(m Message) []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen32+len(m.Payload))
	buf = append(buf, byte(m.Kind))
	buf = binary.AppendUvarint(buf, uint64(len(m.Payload)))
	return append(buf, m.Payload...)
}

// Decode parses one frame from the front of buf and returns it along with
// the number of bytes consumed. A truncated frame yields ErrShortBuffer and
// consumes nothing, so callers feeding a chunked stream can simply buffer
// and retry.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) == 0 {
		return Message{}, 0, ErrShortBuffer
	}
	kind := Kind(buf[0])
	size, n := binary.Uvarint(buf[1:])
	if n == 0 {
		return Message{}, 0, ErrShortBuffer
	}
	if n < 0 {
		return Message{}, 0, fmt.Errorf("frame length overflows: %w", ErrPayloadTooLarge)
	}
	if size > MaxPayload {
		return Message{}, 0, ErrPayloadTooLarge
	}
	total := 1 + n + int(size)
	if len(buf) < total {
		return Message{}, 0, ErrShortBuffer
	}
	payload := make([]byte, size)
	copy(payload, buf[1+n:total])
	return Message{Kind: kind, Payload: payload}, total, nil
}

// Reader reassembles frames from arbitrarily chunked input. Feed it raw
// bytes as they arrive and drain complete messages with Next.
type Reader struct {
	buf []byte
}

// Feed appends newly received bytes.
func (r *Reader) Feed(data []byte) {
	r.buf = append(r.buf, data...)
}

// Next returns the next complete frame, or ok=false when the buffered bytes
// end mid-frame. A framing error discards the buffer, since a byte stream
// cannot be resynchronised after a corrupt length.
func (r *Reader) Next() (Message, bool, error) {
	m, n, err := Decode(r.buf)
	if err != nil {
		if errors.Is(err, ErrShortBuffer) {
			return Message{}, false, nil
		}
		r.buf = nil
		return Message{}, false, err
	}
	r.buf = r.buf[n:]
	return m, true, nil
}

// The serialized output of a cached function is a sequence of self-describing frames packed into
// the fan-out buffer:
// 1) Value: a chunk of the serialized return value.
// 2) Log  : a log record emitted while the function ran, replayed on every consumption.
// 3) Error: a terminal captured error; a replayed entry fails the same way the live run did.
//
// Wire layout per frame: [type:1][length:4 big-endian][payload]. The length prefix makes frames
// self-delimiting regardless of how the transport chunked the bytes.

package stream

import (
	"encoding/binary"
	"errors"
	"io"
)

// FrameType tags the payload of a frame.
type FrameType uint8

const (
	FrameValue FrameType = 1 + iota
	FrameLog
	FrameError
)

const frameHeaderSize = 1 + 4

var ErrCorruptFrame = errors.New("corrupt frame")

// Frame is one decoded unit of an entry's serialized output.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// EncodeFrame packs a frame into its wire form.
func EncodeFrame(frameType FrameType, payload []byte) []byte {
	buffer := make([]byte, frameHeaderSize+len(payload))
	buffer[0] = byte(frameType)
	binary.BigEndian.PutUint32(buffer[1:frameHeaderSize], uint32(len(payload)))
	copy(buffer[frameHeaderSize:], payload)
	return buffer
}

// Decoder reads frames off a cursor, tolerating arbitrary chunk boundaries. Handlers may persist
// the buffered chunks as one flat blob, so a single chunk can carry many frames and a frame can
// span many chunks.
type Decoder struct {
	reader  *Reader
	pending []byte
	eof     bool
}

// NewDecoder wraps a cursor. The decoder owns the cursor from here on.
func NewDecoder(r *Reader) *Decoder {
	return &Decoder{reader: r}
}

// Next returns the next complete frame. It returns io.EOF after the final frame of a cleanly
// terminated stream, the stream's terminal error if it was force-errored, and ErrCorruptFrame when
// the stream ends mid-frame.
func (d *Decoder) Next() (Frame, error) {
	for {
		if frame, ok := d.tryDecode(); ok {
			return frame, nil
		}
		if d.eof {
			if len(d.pending) > 0 {
				return Frame{}, ErrCorruptFrame
			}
			return Frame{}, io.EOF
		}
		chunk, err := d.reader.Next()
		if err == io.EOF {
			d.eof = true
			continue
		}
		if err != nil {
			return Frame{}, err
		}
		d.pending = append(d.pending, chunk...)
	}
}

// tryDecode attempts to cut one frame off the pending bytes.
func (d *Decoder) tryDecode() (Frame, bool) {
	if len(d.pending) < frameHeaderSize {
		return Frame{}, false
	}
	payloadLen := int(binary.BigEndian.Uint32(d.pending[1:frameHeaderSize]))
	if len(d.pending) < frameHeaderSize+payloadLen {
		return Frame{}, false
	}
	frame := Frame{
		Type:    FrameType(d.pending[0]),
		Payload: d.pending[frameHeaderSize : frameHeaderSize+payloadLen],
	}
	d.pending = d.pending[frameHeaderSize+payloadLen:]
	return frame, true
}

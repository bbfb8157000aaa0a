// Package cmdproto implements the radio-level command alphabet and framing:
// the tagged command frame carried over RadioLink, and the ready-marker
// ('#') handshake a client uses to tell the server it has fetched a fresh
// update from its companion computer.
package cmdproto

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Tag is the one-byte command tag carried in byte 0 of a radio command
// frame.
type Tag byte

const (
	TagReceive     Tag = 'R' // "receive: I am about to send you a blob of this length"
	TagSend        Tag = 'S' // "send: please transmit your local blob"
	TagSampleCount Tag = 'N' // "report your local sample count"
	TagEpochCount  Tag = 'E' // "report your local epoch count"
	TagLED         Tag = 'L' // reserved: LED toggle / liveness
	TagAggregate   Tag = 'O' // instruct peer to aggregate its local model
	TagReady       Tag = '#' // client->server: "I've fetched updates, ready to transmit"
)

const ackByte byte = '!'

// hasLength reports whether tag carries a 4-byte length field.
func hasLength(tag Tag) bool {
	switch tag {
	case TagReceive, TagSend, TagReady:
		return true
	default:
		return false
	}
}

// ErrUnknownTag marks a frame whose tag byte is not in the alphabet above:
// a protocol mismatch to log and drop, never retry blindly.
var ErrUnknownTag = errors.New("cmdproto: unknown command tag")

// ErrShortFrame marks a frame too short to hold its tag's required fields.
var ErrShortFrame = errors.New("cmdproto: short frame")

// Frame is a decoded command frame: a 1-byte tag, plus (for R, S, #) a
// 4-byte little-endian length.
type Frame struct {
	Tag    Tag
	Length uint32
}

// Encode renders f as its wire bytes: 1 byte for N/E/L/O, 5 bytes for R/S/#.
func (f Frame) Encode() []byte {
	if !hasLength(f.Tag) {
		return []byte{byte(f.Tag)}
	}
	buf := make([]byte, 5)
	buf[0] = byte(f.Tag)
	binary.LittleEndian.PutUint32(buf[1:5], f.Length)
	return buf
}

// Decode parses a wire command frame. It validates the tag is one this
// core recognizes and that the frame is long enough to carry the tag's
// required fields.
func Decode(buf []byte) (Frame, error) {
	if len(buf) == 0 {
		return Frame{}, ErrShortFrame
	}
	tag := Tag(buf[0])
	switch tag {
	case TagReceive, TagSend, TagSampleCount, TagEpochCount, TagLED, TagAggregate, TagReady:
	default:
		return Frame{}, ErrUnknownTag
	}
	if !hasLength(tag) {
		return Frame{Tag: tag}, nil
	}
	if len(buf) < 5 {
		return Frame{}, ErrShortFrame
	}
	return Frame{Tag: tag, Length: binary.LittleEndian.Uint32(buf[1:5])}, nil
}

// Ack is the 1-byte-'!'-plus-4-byte-LE-uint32 radio command ack.
type Ack struct {
	OK    bool
	Value uint32
}

// Encode renders a as its 5 wire bytes.
func (a Ack) Encode() []byte {
	buf := make([]byte, 5)
	if a.OK {
		buf[0] = ackByte
	}
	binary.LittleEndian.PutUint32(buf[1:5], a.Value)
	return buf
}

// DecodeAck parses a 5-byte radio command ack. Fewer than 5 bytes is
// treated as an invalid (non-'!') ack rather than an error, matching
// RadioLink's "ack begins with '!'" validity check.
func DecodeAck(buf []byte) Ack {
	if len(buf) < 5 || buf[0] != ackByte {
		return Ack{OK: false}
	}
	return Ack{OK: true, Value: binary.LittleEndian.Uint32(buf[1:5])}
}

// ReadyAck is the single '#' byte the server replies with once it accepts
// a client's ready marker.
func ReadyAck() []byte { return []byte{byte(TagReady)} }

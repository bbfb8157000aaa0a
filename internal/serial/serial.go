// Package serial implements the framed blob transfer between a board and
// its tethered companion computer (the processing unit running local ML
// training).
package serial

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// HeaderSize is the fixed 12-byte frame header.
const HeaderSize = 12

// AckSize is the fixed 5-byte ACK.
const AckSize = 5

// IOTimeout bounds header/ACK exchanges. Payload streaming has no per-chunk
// ACK; truncation is instead detected by a byte-count mismatch.
const IOTimeout = 300 * time.Second

// Command is the one-byte command tag carried in byte 0 of the header.
type Command byte

const (
	CmdSend         Command = 'S' // request peer to send its blob
	CmdReceive      Command = 'R' // request peer to receive a blob
	CmdSampleCount  Command = 'N' // request sample count
	CmdAggregate    Command = 'O' // instruct peer to aggregate its local model
	CmdEpochCount   Command = 'E' // request local-epoch count
)

// Scope distinguishes the local vs. global blob in framing.
type Scope byte

const (
	ScopeLocal  Scope = 'L'
	ScopeGlobal Scope = 'G'
)

const ackOK byte = '!'

// ErrNotConnected is returned immediately by any operation attempted while
// the serial port is not open.
var ErrNotConnected = errors.New("serial: not connected")

// ErrTimeout marks a header/ACK exchange that exceeded IOTimeout.
var ErrTimeout = errors.New("serial: timeout")

// ErrRefused marks an ACK whose first byte was not '!'.
var ErrRefused = errors.New("serial: refused")

// ErrTruncated marks a payload transfer that ended with fewer bytes than
// the declared length.
var ErrTruncated = errors.New("serial: truncated transfer")

// Port is the minimal byte-serial transport SerialLink needs. The real
// implementation (OpenPort) wraps a tarm/serial.Port; tests use an in-memory
// pipe.
type Port interface {
	io.ReadWriteCloser
}

// Recorder receives observability events from Link. internal/metrics
// implements this.
type Recorder interface {
	SerialBytesSent(n int)
	SerialBytesReceived(n int)
	SerialTimeout()
	SerialRefused()
}

type noopRecorder struct{}

func (noopRecorder) SerialBytesSent(int)     {}
func (noopRecorder) SerialBytesReceived(int) {}
func (noopRecorder) SerialTimeout()          {}
func (noopRecorder) SerialRefused()          {}

// Header is the 12-byte frame header.
type Header struct {
	Cmd           Command
	Scope         Scope
	PayloadLength uint32
	ClientId      uint16
	SampleCount   uint32
}

// Encode renders h as the 12-byte wire header.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Cmd)
	buf[1] = byte(h.Scope)
	binary.LittleEndian.PutUint32(buf[2:6], h.PayloadLength)
	binary.LittleEndian.PutUint16(buf[6:8], h.ClientId)
	binary.LittleEndian.PutUint32(buf[8:12], h.SampleCount)
	return buf
}

// DecodeHeader parses a 12-byte wire header.
func DecodeHeader(buf [HeaderSize]byte) Header {
	return Header{
		Cmd:           Command(buf[0]),
		Scope:         Scope(buf[1]),
		PayloadLength: binary.LittleEndian.Uint32(buf[2:6]),
		ClientId:      binary.LittleEndian.Uint16(buf[6:8]),
		SampleCount:   binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// Ack is the 5-byte ACK.
type Ack struct {
	OK    bool
	Value uint32
}

// Encode renders a as the 5-byte wire ACK.
func (a Ack) Encode() [AckSize]byte {
	var buf [AckSize]byte
	if a.OK {
		buf[0] = ackOK
	} else {
		buf[0] = 0
	}
	binary.LittleEndian.PutUint32(buf[1:5], a.Value)
	return buf
}

// DecodeAck parses a 5-byte wire ACK.
func DecodeAck(buf [AckSize]byte) Ack {
	return Ack{OK: buf[0] == ackOK, Value: binary.LittleEndian.Uint32(buf[1:5])}
}

// BufferSize is the fixed chunk size used when streaming payload bytes
// (SERIAL_BUFFER_SIZE).
const BufferSize = 256

// Link implements the framed blob transfer protocol over a Port.
type Link struct {
	port Port
	log  *log.Entry
	rec  Recorder
}

// Option configures a Link at construction time.
type Option func(*Link)

// WithRecorder attaches a metrics/observability sink.
func WithRecorder(r Recorder) Option {
	return func(l *Link) { l.rec = r }
}

// New wraps an already-open Port. port may be nil, in which case every
// operation fails with ErrNotConnected, modeling a disconnected companion
// computer.
func New(port Port, opts ...Option) *Link {
	l := &Link{port: port, log: log.WithField("component", "serial"), rec: noopRecorder{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connected reports whether a port is currently attached.
func (l *Link) Connected() bool {
	return l.port != nil
}

// SendBlob writes a header for cmd/scope/cid/samples, reads the ACK, and on
// a successful ACK streams blob in chunks of at most BufferSize bytes.
// Returns the number of payload bytes actually written.
func (l *Link) SendBlob(cmd Command, scope Scope, blob []byte, clientId uint16, samples uint32) (int, error) {
	if !l.Connected() {
		return 0, ErrNotConnected
	}
	header := Header{Cmd: cmd, Scope: scope, PayloadLength: uint32(len(blob)), ClientId: clientId, SampleCount: samples}
	ack, err := l.exchangeHeader(header)
	if err != nil {
		return 0, err
	}
	if !ack.OK {
		l.rec.SerialRefused()
		return 0, ErrRefused
	}
	if len(blob) == 0 {
		return 0, nil
	}
	written := 0
	for written < len(blob) {
		end := written + BufferSize
		if end > len(blob) {
			end = len(blob)
		}
		n, err := l.port.Write(blob[written:end])
		written += n
		l.rec.SerialBytesSent(n)
		if err != nil {
			return written, errors.Wrap(err, "serial: write payload chunk")
		}
	}
	return written, nil
}

// RecvBlob writes the 'S' request header for scope itself, reads the
// ACK-declared length, and reads exactly that many bytes into a freshly
// allocated slice. A zero declared length returns nil; fewer bytes than
// declared returns the partial slice with ErrTruncated.
func (l *Link) RecvBlob(scope Scope) ([]byte, error) {
	if !l.Connected() {
		return nil, ErrNotConnected
	}
	header := Header{Cmd: CmdSend, Scope: scope}
	ack, err := l.exchangeHeader(header)
	if err != nil {
		return nil, err
	}
	if !ack.OK {
		l.rec.SerialRefused()
		return nil, ErrRefused
	}
	length := ack.Value
	if length == 0 {
		return nil, nil
	}
	out := make([]byte, length)
	read := 0
	for uint32(read) < length {
		n, err := l.port.Read(out[read:])
		read += n
		l.rec.SerialBytesReceived(n)
		if err != nil && err != io.EOF {
			return out[:read], errors.Wrap(err, "serial: read payload chunk")
		}
		if n == 0 && err == io.EOF {
			break
		}
	}
	if uint32(read) != length {
		return out[:read], ErrTruncated
	}
	return out, nil
}

// GetSampleCount asks the companion computer for its current local
// partition size.
func (l *Link) GetSampleCount() (uint32, error) {
	if !l.Connected() {
		return 0, ErrNotConnected
	}
	ack, err := l.exchangeHeader(Header{Cmd: CmdSampleCount})
	if err != nil {
		return 0, err
	}
	if !ack.OK {
		return 0, ErrRefused
	}
	return ack.Value, nil
}

// GetEpochCount asks the companion computer for its most recent local
// epoch count.
func (l *Link) GetEpochCount() (uint32, error) {
	if !l.Connected() {
		return 0, ErrNotConnected
	}
	ack, err := l.exchangeHeader(Header{Cmd: CmdEpochCount})
	if err != nil {
		return 0, err
	}
	if !ack.OK {
		return 0, ErrRefused
	}
	return ack.Value, nil
}

// RequestLocalAggregate instructs the companion computer to fold a just
// received update into its local model.
func (l *Link) RequestLocalAggregate() error {
	if !l.Connected() {
		return ErrNotConnected
	}
	ack, err := l.exchangeHeader(Header{Cmd: CmdAggregate})
	if err != nil {
		return err
	}
	if !ack.OK {
		return ErrRefused
	}
	return nil
}

func (l *Link) exchangeHeader(h Header) (Ack, error) {
	wire := h.Encode()
	if _, err := l.port.Write(wire[:]); err != nil {
		return Ack{}, errors.Wrap(err, "serial: write header")
	}

	var ackBuf [AckSize]byte
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(l.port, ackBuf[:])
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return Ack{}, errors.Wrap(err, "serial: read ack")
		}
	case <-time.After(IOTimeout):
		l.rec.SerialTimeout()
		return Ack{}, ErrTimeout
	}
	return DecodeAck(ackBuf), nil
}

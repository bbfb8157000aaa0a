// Package radio implements the reliable, packet-ACKed blob transfer over a
// lossy, half-duplex radio link. It is written against an abstract PHY so
// the same transport logic drives a real LoRa-style PHY driver (out of
// scope, injected by the caller) or an in-memory PHY in tests.
package radio

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PacketSize is the maximum payload bytes per radio packet
// (RADIO_PACKET_SIZE); the PHY itself reserves additional bytes for its
// own headers.
const PacketSize = 248

// PerPacketRXTimeout bounds how long RecvBlob waits for each packet.
const PerPacketRXTimeout = 2 * time.Second

// DefaultMaxRetries is the consecutive-miss budget before RecvBlob aborts.
const DefaultMaxRetries = 5

const ackByte byte = '!'

// ErrAntennaDetached is returned by any transmit operation when the
// configured ANTENNA_ATTACHED safety flag is false.
var ErrAntennaDetached = errors.New("radio: antenna not attached, refusing to transmit")

// ErrAckInvalid marks a send whose ack did not begin with '!'.
var ErrAckInvalid = errors.New("radio: invalid ack")

// ErrRetriesExhausted marks a receive that hit its consecutive-miss budget.
var ErrRetriesExhausted = errors.New("radio: retries exhausted")

// ErrPhyTimeout is returned by a PHY implementation's Receive when no
// packet arrived within the requested window.
var ErrPhyTimeout = errors.New("radio: phy rx timeout")

// Recorder receives observability events from Link. internal/metrics
// implements this; it is declared here (not imported) to keep this package
// free of any dependency on the metrics package.
type Recorder interface {
	RadioBytesSent(n int)
	RadioBytesReceived(n int)
	RadioRetry()
	RadioTimeout()
	RadioAckInvalid()
}

type noopRecorder struct{}

func (noopRecorder) RadioBytesSent(int)     {}
func (noopRecorder) RadioBytesReceived(int) {}
func (noopRecorder) RadioRetry()            {}
func (noopRecorder) RadioTimeout()          {}
func (noopRecorder) RadioAckInvalid()       {}

// PHY is the abstract physical layer a Link drives. A real implementation
// wraps a LoRa-style transceiver driver (out of scope); the virtual PHY in
// this package's tests exercises the same contract in-memory.
//
// Receiving is deliberately two phases, Receive then SendAck, rather than
// one auto-acking call: the content of a command's ack can depend on what
// was just received (a sample-count query's ack must carry the live sample
// count, not a value fixed before the frame arrived), so the caller needs a
// chance to inspect the payload before the ack goes out.
type PHY interface {
	// SendWithAck transmits payload and synchronously blocks for the
	// link's immediate ack.
	SendWithAck(payload []byte, timeout time.Duration) (ack []byte, err error)
	// Receive blocks up to timeout for an incoming packet and returns it
	// unacknowledged; the caller must follow up with SendAck.
	Receive(timeout time.Duration) (payload []byte, err error)
	// SendAck transmits the ack for whatever packet Receive last returned.
	SendAck(ack []byte, timeout time.Duration) error
	// Sleep powers down the radio PHY.
	Sleep()
}

// LocalLengthFunc reports this board's current local-blob length, the
// default ack value for commands that don't carry a more specific one.
type LocalLengthFunc func() uint32

// Link implements the reliable blob transport and command framing primitive
// over an abstract PHY.
type Link struct {
	phy              PHY
	antennaAttached  bool
	localLength      LocalLengthFunc
	rec              Recorder
	log              *log.Entry
	perPacketTimeout time.Duration
}

// Option configures a Link at construction time.
type Option func(*Link)

// WithRecorder attaches a metrics/observability sink.
func WithRecorder(r Recorder) Option {
	return func(l *Link) { l.rec = r }
}

// WithPerPacketTimeout overrides PerPacketRXTimeout, primarily for tests
// that cannot afford to wait 2s per simulated miss.
func WithPerPacketTimeout(d time.Duration) Option {
	return func(l *Link) { l.perPacketTimeout = d }
}

// New constructs a Link over phy. antennaAttached gates every transmit
// operation (a safety interlock against PA damage); localLength reports
// this board's current local-blob length for ack synthesis.
func New(phy PHY, antennaAttached bool, localLength LocalLengthFunc, opts ...Option) *Link {
	l := &Link{
		phy:              phy,
		antennaAttached:  antennaAttached,
		localLength:      localLength,
		rec:              noopRecorder{},
		log:              log.WithField("component", "radio"),
		perPacketTimeout: PerPacketRXTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Link) checkAntenna() error {
	if !l.antennaAttached {
		return ErrAntennaDetached
	}
	return nil
}

func genericAck(value uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = ackByte
	binary.LittleEndian.PutUint32(buf[1:], value)
	return buf
}

// SendBlob transmits blob packet-by-packet, synchronously waiting for each
// packet's ack. There is no packet-level retransmission on the send side:
// the first invalid or missing ack aborts the transfer and the running
// total sent so far is returned.
func (l *Link) SendBlob(blob []byte, txID string) (int, error) {
	if err := l.checkAntenna(); err != nil {
		return 0, err
	}
	sent := 0
	for sent < len(blob) {
		end := sent + PacketSize
		if end > len(blob) {
			end = len(blob)
		}
		slice := blob[sent:end]
		ack, err := l.phy.SendWithAck(slice, l.perPacketTimeout)
		if err != nil {
			l.log.WithField("tx", txID).WithError(err).Warn("radio send failed")
			return sent, errors.Wrap(err, "radio: send packet")
		}
		if len(ack) == 0 || ack[0] != ackByte {
			l.rec.RadioAckInvalid()
			l.log.WithField("tx", txID).Warn("radio send: invalid ack, aborting blob")
			return sent, ErrAckInvalid
		}
		sent += len(slice)
		l.rec.RadioBytesSent(len(slice))
	}
	return sent, nil
}

// RecvBlob awaits up to expectedLen bytes, one packet at a time, ACKing
// each with this board's current local-blob length as soon as it arrives.
// maxRetries bounds consecutive misses (timeout or empty packet); the
// counter resets only after a successful packet, never at the top of the
// loop — resetting unconditionally would defeat the retry budget. The
// bytes accumulated so far are returned even on a failed transfer, so a
// caller can report partial progress.
func (l *Link) RecvBlob(expectedLen int, maxRetries int, txID string) ([]byte, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	out := make([]byte, 0, expectedLen)
	retries := 0
	for len(out) < expectedLen {
		pkt, err := l.phy.Receive(l.perPacketTimeout)
		if err != nil || len(pkt) == 0 {
			retries++
			l.rec.RadioTimeout()
			l.log.WithField("tx", txID).WithField("retries", retries).Debug("radio recv: miss")
			if retries >= maxRetries {
				return out, ErrRetriesExhausted
			}
			continue
		}
		if err := l.phy.SendAck(genericAck(l.localLength()), l.perPacketTimeout); err != nil {
			l.log.WithField("tx", txID).WithError(err).Debug("radio recv: ack send failed")
		}
		remaining := expectedLen - len(out)
		if len(pkt) > remaining {
			pkt = pkt[:remaining]
		}
		out = append(out, pkt...)
		l.rec.RadioBytesReceived(len(pkt))
		retries = 0
	}
	return out, nil
}

// SendCmd synchronously transmits a command frame and waits for its ack,
// used to initiate a transaction.
func (l *Link) SendCmd(cmdBytes []byte, timeout time.Duration) (ack []byte, ok bool, err error) {
	if err := l.checkAntenna(); err != nil {
		return nil, false, err
	}
	ack, err = l.phy.SendWithAck(cmdBytes, timeout)
	if err != nil {
		return nil, false, errors.Wrap(err, "radio: send cmd")
	}
	ok = len(ack) > 0 && (ack[0] == ackByte || ack[0] == '#')
	if !ok {
		l.rec.RadioAckInvalid()
	}
	return ack, ok, nil
}

// ListenForCmd cooperatively waits up to timeout for an incoming command
// frame. It does not ack the frame; the caller decodes it and replies with
// AckWith (or AckReady, for the ready-marker handshake) once it knows what
// value the ack should carry.
func (l *Link) ListenForCmd(timeout time.Duration) (frame []byte, heard bool, err error) {
	pkt, err := l.phy.Receive(timeout)
	if errors.Is(err, ErrPhyTimeout) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(pkt) == 0 {
		return nil, false, nil
	}
	return pkt, true, nil
}

// AckWith replies to the frame last returned by ListenForCmd with a generic
// ack carrying value (e.g. this board's local-blob, sample, or epoch
// count — whichever the dispatched command calls for).
func (l *Link) AckWith(value uint32, timeout time.Duration) error {
	return l.phy.SendAck(genericAck(value), timeout)
}

// AckReady replies to a client's ready marker with the single '#' byte the
// server uses for that one handshake.
func (l *Link) AckReady(timeout time.Duration) error {
	return l.phy.SendAck([]byte{'#'}, timeout)
}

// Sleep powers down the radio PHY.
func (l *Link) Sleep() {
	l.phy.Sleep()
}

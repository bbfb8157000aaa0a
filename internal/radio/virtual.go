package radio

import (
	"time"
)

// VirtualPHY is an in-memory PHY implementation for tests: two VirtualPHYs
// created by NewVirtualPair simulate the two ends of a half-duplex radio
// channel without any real hardware.
type VirtualPHY struct {
	outPkt  chan []byte
	inPkt   chan []byte
	outAck  chan []byte
	inAck   chan []byte
	asleep  bool
}

// NewVirtualPair builds two linked VirtualPHYs, a and b, such that a packet
// sent by a arrives at b (and vice versa); the ack channels are separate
// from the packet channels so a caller can inspect a received payload
// before deciding what to ack it with.
func NewVirtualPair() (a *VirtualPHY, b *VirtualPHY) {
	aToB := make(chan []byte)
	bToA := make(chan []byte)
	ackAToB := make(chan []byte, 1)
	ackBToA := make(chan []byte, 1)

	a = &VirtualPHY{outPkt: aToB, inPkt: bToA, outAck: ackBToA, inAck: ackAToB}
	b = &VirtualPHY{outPkt: bToA, inPkt: aToB, outAck: ackAToB, inAck: ackBToA}
	return a, b
}

// SendWithAck implements PHY.
func (v *VirtualPHY) SendWithAck(payload []byte, timeout time.Duration) ([]byte, error) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case v.outPkt <- cp:
	case <-time.After(timeout):
		return nil, ErrPhyTimeout
	}
	select {
	case ack := <-v.inAck:
		return ack, nil
	case <-time.After(timeout):
		return nil, ErrPhyTimeout
	}
}

// Receive implements PHY.
func (v *VirtualPHY) Receive(timeout time.Duration) ([]byte, error) {
	select {
	case pkt := <-v.inPkt:
		return pkt, nil
	case <-time.After(timeout):
		return nil, ErrPhyTimeout
	}
}

// SendAck implements PHY.
func (v *VirtualPHY) SendAck(ack []byte, timeout time.Duration) error {
	select {
	case v.outAck <- ack:
		return nil
	case <-time.After(timeout):
		return ErrPhyTimeout
	}
}

// Sleep implements PHY.
func (v *VirtualPHY) Sleep() {
	v.asleep = true
}

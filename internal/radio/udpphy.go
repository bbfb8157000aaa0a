package radio

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// maxDatagram is sized comfortably above PacketSize plus this package's
// framing so a single UDP read always captures one logical packet or ack.
const maxDatagram = PacketSize + 32

// UDPPHY backs PHY with a point-to-point UDP socket. The real transceiver
// this core eventually ships against is out of scope; this stands in for
// it on an ordinary bench network so two board processes can exercise the
// full transport stack before antenna hardware is available.
type UDPPHY struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

// DialUDP binds localAddr and targets peerAddr as the other end of the
// link.
func DialUDP(localAddr, peerAddr string) (*UDPPHY, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve local addr %q", localAddr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind udp %q", localAddr)
	}
	peer, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "resolve peer addr %q", peerAddr)
	}
	return &UDPPHY{conn: conn, peer: peer}, nil
}

// SendWithAck implements PHY.
func (u *UDPPHY) SendWithAck(payload []byte, timeout time.Duration) ([]byte, error) {
	if _, err := u.conn.WriteToUDP(payload, u.peer); err != nil {
		return nil, errors.Wrap(err, "udp phy: write packet")
	}
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, maxDatagram)
	n, _, err := u.conn.ReadFromUDP(buf)
	if isTimeout(err) {
		return nil, ErrPhyTimeout
	}
	if err != nil {
		return nil, errors.Wrap(err, "udp phy: read ack")
	}
	return buf[:n], nil
}

// Receive implements PHY. The peer address is re-learned from every
// inbound datagram, so a fresh bench pairing does not require the server
// to know the client's ephemeral port in advance.
func (u *UDPPHY) Receive(timeout time.Duration) ([]byte, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, maxDatagram)
	n, addr, err := u.conn.ReadFromUDP(buf)
	if isTimeout(err) {
		return nil, ErrPhyTimeout
	}
	if err != nil {
		return nil, errors.Wrap(err, "udp phy: read packet")
	}
	u.peer = addr
	return buf[:n], nil
}

// SendAck implements PHY.
func (u *UDPPHY) SendAck(ack []byte, timeout time.Duration) error {
	if err := u.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := u.conn.WriteToUDP(ack, u.peer); err != nil {
		return errors.Wrap(err, "udp phy: write ack")
	}
	return nil
}

// Sleep is a no-op: a UDP socket has no low-power state to enter.
func (u *UDPPHY) Sleep() {}

// Close releases the underlying socket.
func (u *UDPPHY) Close() error {
	return u.conn.Close()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

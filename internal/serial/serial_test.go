package serial

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// companionStub plays the role of the processing unit on the other end of
// the wire for one request, so SerialLink's board-side behavior can be
// exercised without real hardware.
func companionStub(t *testing.T, conn Port, respond func(h Header) (ackValue uint32, ok bool, payload []byte)) {
	t.Helper()
	go func() {
		var hdr [HeaderSize]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		h := DecodeHeader(hdr)
		ackValue, ok, payload := respond(h)
		ack := Ack{OK: ok, Value: ackValue}.Encode()
		if _, err := conn.Write(ack[:]); err != nil {
			return
		}
		if len(payload) > 0 {
			_, _ = conn.Write(payload)
		} else if h.PayloadLength > 0 {
			buf := make([]byte, h.PayloadLength)
			_, _ = io.ReadFull(conn, buf)
		}
	}()
}

func TestSendBlobHappyPath(t *testing.T) {
	board, companion := newPipePorts()
	defer board.Close()
	defer companion.Close()

	link := New(board)
	blob := []byte{0x01, 0x02, 0x03, 0x04}

	var received []byte
	done := make(chan struct{})
	go func() {
		var hdr [HeaderSize]byte
		_, err := io.ReadFull(companion, hdr[:])
		require.NoError(t, err)
		h := DecodeHeader(hdr)
		ack := Ack{OK: true, Value: 0}.Encode()
		_, err = companion.Write(ack[:])
		require.NoError(t, err)
		received = make([]byte, h.PayloadLength)
		_, err = io.ReadFull(companion, received)
		require.NoError(t, err)
		close(done)
	}()

	n, err := link.SendBlob(CmdReceive, ScopeGlobal, blob, 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, len(blob), n)
	<-done
	assert.Equal(t, blob, received)
}

func TestSendBlobZeroLength(t *testing.T) {
	board, companion := newPipePorts()
	defer board.Close()
	defer companion.Close()

	link := New(board)
	companionStub(t, companion, func(h Header) (uint32, bool, []byte) {
		assert.Equal(t, uint32(0), h.PayloadLength)
		return 0, true, nil
	})

	n, err := link.SendBlob(CmdReceive, ScopeGlobal, nil, 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSendBlobRefused(t *testing.T) {
	board, companion := newPipePorts()
	defer board.Close()
	defer companion.Close()

	link := New(board)
	companionStub(t, companion, func(h Header) (uint32, bool, []byte) {
		return 0, false, nil
	})

	_, err := link.SendBlob(CmdReceive, ScopeGlobal, []byte{1, 2, 3}, 0, 0)
	assert.ErrorIs(t, err, ErrRefused)
}

func TestRecvBlobHappyPath(t *testing.T) {
	board, companion := newPipePorts()
	defer board.Close()
	defer companion.Close()

	link := New(board)
	payload := []byte{9, 8, 7, 6, 5}
	companionStub(t, companion, func(h Header) (uint32, bool, []byte) {
		assert.Equal(t, CmdSend, h.Cmd)
		return uint32(len(payload)), true, payload
	})

	got, err := link.RecvBlob(ScopeLocal)
	assert.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRecvBlobZeroLength(t *testing.T) {
	board, companion := newPipePorts()
	defer board.Close()
	defer companion.Close()

	link := New(board)
	companionStub(t, companion, func(h Header) (uint32, bool, []byte) {
		return 0, true, nil
	})

	got, err := link.RecvBlob(ScopeLocal)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestNotConnected(t *testing.T) {
	link := New(nil)
	_, err := link.SendBlob(CmdReceive, ScopeGlobal, []byte{1}, 0, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = link.RecvBlob(ScopeGlobal)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = link.GetSampleCount()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Cmd: CmdReceive, Scope: ScopeGlobal, PayloadLength: 123456, ClientId: 42, SampleCount: 999}
	got := DecodeHeader(h.Encode())
	assert.Equal(t, h, got)
}

func TestAckRoundTrip(t *testing.T) {
	a := Ack{OK: true, Value: 0xDEADBEEF}
	assert.Equal(t, a, DecodeAck(a.Encode()))
	a2 := Ack{OK: false, Value: 0}
	assert.Equal(t, a2, DecodeAck(a2.Encode()))
}

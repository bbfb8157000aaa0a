package role

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geminga-fl/boardcore/internal/addressing"
	"github.com/geminga-fl/boardcore/internal/radio"
	serialpkg "github.com/geminga-fl/boardcore/internal/serial"
	"github.com/geminga-fl/boardcore/internal/storage"
)

type recorderSpy struct {
	rounds   int
	skipped  []string
	cursors  []RoundCursor
}

func (r *recorderSpy) RoundCompleted()          { r.rounds++ }
func (r *recorderSpy) StepSkipped(reason string) { r.skipped = append(r.skipped, reason) }
func (r *recorderSpy) CursorAdvanced(roundNum uint32, targetBoard int) {
	r.cursors = append(r.cursors, RoundCursor{TargetBoard: targetBoard, RoundNum: roundNum})
}
func (r *recorderSpy) ClientState(int, bool, uint32, uint32) {}

func lenFunc(path string) func() uint32 {
	return func() uint32 {
		n, _ := storage.Len(path)
		return n
	}
}

func runClientLoop(client *ClientRole, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			client.Step()
		}
	}
}

func TestInitialPushInitializesClient(t *testing.T) {
	phyServer, phyClient := newVirtualPairT(t)
	addr := addressing.NewTable([]addressing.LinkAddr{0x1, 0x2})

	serverStore, err := storage.New(t.TempDir())
	require.NoError(t, err)
	clientStore, err := storage.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, storage.Write(serverStore.GlobalPath(), []byte("global-v1")))

	spy := &recorderSpy{}
	server := NewServerRole(
		ServerDeps{Radio: newTestLink(phyServer, lenFunc(serverStore.GlobalPath())), Store: serverStore, Addr: addr},
		1, false, 1,
		WithRecorder(spy), WithCmdTimeout(300*time.Millisecond), WithReadyTimeout(300*time.Millisecond),
	)
	client := NewClientRole(
		ClientDeps{Radio: newTestLink(phyClient, lenFunc(clientStore.LocalPath())), Store: clientStore},
		2,
		WithListenTimeout(300*time.Millisecond), WithClientCmdTimeout(300*time.Millisecond),
	)

	stop := make(chan struct{})
	go runClientLoop(client, stop)
	defer close(stop)

	server.Step()

	st, ok := server.ClientStateOf(2)
	require.True(t, ok)
	assert.True(t, st.Initialized)

	got, err := storage.Read(clientStore.GlobalPath())
	require.NoError(t, err)
	assert.Equal(t, []byte("global-v1"), got)
}

func TestFullRoundNoEpochGate(t *testing.T) {
	phyServer, phyClient := newVirtualPairT(t)
	addr := addressing.NewTable([]addressing.LinkAddr{0x1, 0x2})

	serverStore, err := storage.New(t.TempDir())
	require.NoError(t, err)
	clientStore, err := storage.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, storage.Write(serverStore.GlobalPath(), []byte("global-v1")))
	require.NoError(t, storage.Write(clientStore.LocalPath(), []byte("local-update-from-2")))

	spy := &recorderSpy{}
	server := NewServerRole(
		ServerDeps{Radio: newTestLink(phyServer, lenFunc(serverStore.GlobalPath())), Store: serverStore, Addr: addr},
		1, false, 0,
		WithRecorder(spy), WithCmdTimeout(300*time.Millisecond), WithReadyTimeout(300*time.Millisecond),
	)
	client := NewClientRole(
		ClientDeps{Radio: newTestLink(phyClient, lenFunc(clientStore.LocalPath())), Store: clientStore},
		2,
		WithListenTimeout(300*time.Millisecond), WithClientCmdTimeout(300*time.Millisecond),
	)

	stop := make(chan struct{})
	go runClientLoop(client, stop)
	defer close(stop)

	server.Step() // initial push, marks client initialized
	server.Step() // full round: epoch gate (0 >= 0), push, transmit request, ready, recv

	got, err := storage.Read(serverStore.ClientPath(2))
	require.NoError(t, err)
	assert.Equal(t, []byte("local-update-from-2"), got)

	assert.Equal(t, 1, spy.rounds)
}

func TestEpochGateSkipsRound(t *testing.T) {
	phyServer, phyClient := newVirtualPairT(t)
	addr := addressing.NewTable([]addressing.LinkAddr{0x1, 0x2})

	serverStore, err := storage.New(t.TempDir())
	require.NoError(t, err)
	clientStore, err := storage.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, storage.Write(serverStore.GlobalPath(), []byte("global-v1")))

	spy := &recorderSpy{}
	server := NewServerRole(
		ServerDeps{Radio: newTestLink(phyServer, lenFunc(serverStore.GlobalPath())), Store: serverStore, Addr: addr},
		1, false, 5, // minEpochs=5, client will report 0 (no Serial attached)
		WithRecorder(spy), WithCmdTimeout(300*time.Millisecond), WithReadyTimeout(300*time.Millisecond),
	)
	client := NewClientRole(
		ClientDeps{Radio: newTestLink(phyClient, lenFunc(clientStore.LocalPath())), Store: clientStore},
		2,
		WithListenTimeout(300*time.Millisecond), WithClientCmdTimeout(300*time.Millisecond),
	)

	stop := make(chan struct{})
	go runClientLoop(client, stop)
	defer close(stop)

	server.Step() // initial push
	server.Step() // epoch query -> 0 < 5 -> skip

	assert.Equal(t, 0, spy.rounds)
	assert.Contains(t, spy.skipped, "insufficient_epochs")

	_, err = storage.Read(serverStore.ClientPath(2))
	require.NoError(t, err)
}

func TestUnansweredInitialPushIsSkippedNotFatal(t *testing.T) {
	phyServer, _ := newVirtualPairT(t)
	addr := addressing.NewTable([]addressing.LinkAddr{0x1, 0x2})

	serverStore, err := storage.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, storage.Write(serverStore.GlobalPath(), []byte("g")))

	spy := &recorderSpy{}
	server := NewServerRole(
		ServerDeps{Radio: newTestLink(phyServer, lenFunc(serverStore.GlobalPath())), Store: serverStore, Addr: addr},
		1, false, 0,
		WithRecorder(spy), WithCmdTimeout(20*time.Millisecond), WithReadyTimeout(20*time.Millisecond),
	)

	// No client listening at all: the initial push's SendCmd itself times
	// out, so this exercises the "nobody answers" path end to end without
	// panicking or blocking past the configured timeouts.
	assert.NotPanics(t, func() { server.Step() })
	assert.Contains(t, spy.skipped, "initial_push_failed")
}

func TestCursorWrapsAndSkipsServerBoard(t *testing.T) {
	phyServer, _ := newVirtualPairT(t)
	addr := addressing.NewTable([]addressing.LinkAddr{0x1, 0x2, 0x3})

	serverStore, err := storage.New(t.TempDir())
	require.NoError(t, err)

	spy := &recorderSpy{}
	server := NewServerRole(
		ServerDeps{Radio: newTestLink(phyServer, lenFunc(serverStore.GlobalPath())), Store: serverStore, Addr: addr},
		1, false, 0,
		WithRecorder(spy), WithCmdTimeout(10*time.Millisecond), WithReadyTimeout(10*time.Millisecond),
	)

	assert.Equal(t, 2, server.Cursor().TargetBoard)
	server.Step() // visits board 2 (fails, nobody home), advances to 3
	assert.Equal(t, 3, server.Cursor().TargetBoard)
	assert.Equal(t, uint32(1), server.Cursor().RoundNum)
	server.Step() // visits board 3, advances, wraps to 2, server board (1) skipped
	assert.Equal(t, 2, server.Cursor().TargetBoard)
	assert.Equal(t, uint32(2), server.Cursor().RoundNum)
}

func TestNumRoundsStopsServer(t *testing.T) {
	phyServer, _ := newVirtualPairT(t)
	addr := addressing.NewTable([]addressing.LinkAddr{0x1, 0x2})

	serverStore, err := storage.New(t.TempDir())
	require.NoError(t, err)

	spy := &recorderSpy{}
	server := NewServerRole(
		ServerDeps{Radio: newTestLink(phyServer, lenFunc(serverStore.GlobalPath())), Store: serverStore, Addr: addr},
		1, false, 0,
		WithRecorder(spy), WithCmdTimeout(10*time.Millisecond), WithReadyTimeout(10*time.Millisecond),
		WithNumRounds(2),
	)

	server.Step() // visit 1/2
	server.Step() // visit 2/2, reaches the bound
	before := server.Cursor()

	server.Step() // idles: numRounds already reached
	assert.Equal(t, before, server.Cursor())
	assert.Contains(t, spy.skipped, "num_rounds_reached")
}

func TestServerAlsoClientInstructsOwnAggregate(t *testing.T) {
	serverStore, err := storage.New(t.TempDir())
	require.NoError(t, err)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// First exchange: Step's get_global_from_pu pulls the freshly
		// aggregated global model over serial before pushing anywhere.
		// Reply with a zero-length blob so RecvBlob returns immediately.
		var hdr [serialpkg.HeaderSize]byte
		if _, err := io.ReadFull(b, hdr[:]); err != nil {
			return
		}
		if h := serialpkg.DecodeHeader(hdr); h.Cmd != serialpkg.CmdSend || h.Scope != serialpkg.ScopeGlobal {
			return
		}
		ack := serialpkg.Ack{OK: true, Value: 0}.Encode()
		if _, err := b.Write(ack[:]); err != nil {
			return
		}

		// Second exchange: the self-visit's instruct_pu_agg.
		if _, err := io.ReadFull(b, hdr[:]); err != nil {
			return
		}
		h := serialpkg.DecodeHeader(hdr)
		if h.Cmd != serialpkg.CmdAggregate {
			return
		}
		ack = serialpkg.Ack{OK: true}.Encode()
		_, _ = b.Write(ack[:])
	}()

	serialLink := serialpkg.New(a)
	addr := addressing.NewTable([]addressing.LinkAddr{0x1})

	server := NewServerRole(
		ServerDeps{Radio: nil, Serial: serialLink, Store: serverStore, Addr: addr},
		1, true, 0,
	)
	require.Equal(t, 1, server.Cursor().TargetBoard)

	server.Step()
	<-done
	assert.Equal(t, 1, server.Cursor().TargetBoard)
	assert.Equal(t, uint32(1), server.Cursor().RoundNum)
}

// TestClientSurvivesDisconnectedSerial exercises a client whose companion
// computer link is configured but unplugged (serialpkg.New(nil)): the
// forward-to-pu step must fail silently, without the radio handshake itself
// being affected, and Step must never panic or block.
func TestClientSurvivesDisconnectedSerial(t *testing.T) {
	phyServer, phyClient := newVirtualPairT(t)
	addr := addressing.NewTable([]addressing.LinkAddr{0x1, 0x2})

	serverStore, err := storage.New(t.TempDir())
	require.NoError(t, err)
	clientStore, err := storage.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, storage.Write(serverStore.GlobalPath(), []byte("global-v1")))

	server := NewServerRole(
		ServerDeps{Radio: newTestLink(phyServer, lenFunc(serverStore.GlobalPath())), Store: serverStore, Addr: addr},
		1, false, 1,
		WithCmdTimeout(300*time.Millisecond), WithReadyTimeout(300*time.Millisecond),
	)
	client := NewClientRole(
		ClientDeps{
			Radio:  newTestLink(phyClient, lenFunc(clientStore.LocalPath())),
			Serial: serialpkg.New(nil),
			Store:  clientStore,
		},
		2,
		WithListenTimeout(300*time.Millisecond), WithClientCmdTimeout(300*time.Millisecond),
	)

	stop := make(chan struct{})
	go runClientLoop(client, stop)
	defer close(stop)

	assert.NotPanics(t, func() { server.Step() })

	got, err := storage.Read(clientStore.GlobalPath())
	require.NoError(t, err)
	assert.Equal(t, []byte("global-v1"), got)

	st, ok := server.ClientStateOf(2)
	require.True(t, ok)
	assert.True(t, st.Initialized)
}

func newVirtualPairT(t *testing.T) (a, b *radio.VirtualPHY) {
	t.Helper()
	return radio.NewVirtualPair()
}

func newTestLink(phy *radio.VirtualPHY, localLen radio.LocalLengthFunc) *radio.Link {
	return radio.New(phy, true, localLen, radio.WithPerPacketTimeout(100*time.Millisecond))
}

package role

import (
	"strconv"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/geminga-fl/boardcore/internal/addressing"
	"github.com/geminga-fl/boardcore/internal/cmdproto"
	"github.com/geminga-fl/boardcore/internal/radio"
	"github.com/geminga-fl/boardcore/internal/serial"
	"github.com/geminga-fl/boardcore/internal/storage"
)

// DefaultReadyTimeout bounds how long the server waits for a client's ready
// marker after pushing it the current global model.
const DefaultReadyTimeout = 120 * time.Second

// DefaultCmdTimeout bounds a single send-and-wait-for-ack radio exchange.
const DefaultCmdTimeout = 2 * time.Second

// ServerDeps bundles the transports and storage a ServerRole drives. Radio
// is required; Serial may be nil on a board with no tethered companion
// computer of its own. When set, the server uses Serial on every Step to
// fetch the global model, to forward received client blobs, and, under
// server_also_client, to instruct its own aggregate.
type ServerDeps struct {
	Radio  *radio.Link
	Serial *serial.Link
	Store  *storage.Store
	Addr   *addressing.Table
}

// ServerRole implements the round-robin federation scheduler: each call to
// Step visits at most one round-robin slot, runs that visit's exchanges to
// completion or to its first failure, and then yields back to the
// scheduler.
type ServerRole struct {
	deps             ServerDeps
	selfBoard        int
	serverAlsoClient bool
	minEpochs        uint32
	numRounds        uint32
	readyTimeout     time.Duration
	cmdTimeout       time.Duration
	rec              Recorder
	log              *log.Entry

	cursor  RoundCursor
	clients map[int]*ClientState
}

// ServerOption configures a ServerRole at construction time.
type ServerOption func(*ServerRole)

// WithRecorder attaches a metrics/observability sink.
func WithRecorder(r Recorder) ServerOption {
	return func(s *ServerRole) { s.rec = r }
}

// WithReadyTimeout overrides DefaultReadyTimeout, primarily for tests.
func WithReadyTimeout(d time.Duration) ServerOption {
	return func(s *ServerRole) { s.readyTimeout = d }
}

// WithCmdTimeout overrides DefaultCmdTimeout, primarily for tests.
func WithCmdTimeout(d time.Duration) ServerOption {
	return func(s *ServerRole) { s.cmdTimeout = d }
}

// WithNumRounds bounds the server to n client visits (NUM_ROUNDS); once
// reached, Step becomes a no-op so the round-robin schedule idles in place.
// Zero (the default) means unbounded.
func WithNumRounds(n uint32) ServerOption {
	return func(s *ServerRole) { s.numRounds = n }
}

// NewServerRole constructs a ServerRole. selfBoard is this board's own
// number; minEpochs is MINIMUM_EPOCHS, the fewest local training epochs a
// client must report before its update is pulled into a round.
func NewServerRole(deps ServerDeps, selfBoard int, serverAlsoClient bool, minEpochs uint32, opts ...ServerOption) *ServerRole {
	s := &ServerRole{
		deps:             deps,
		selfBoard:        selfBoard,
		serverAlsoClient: serverAlsoClient,
		minEpochs:        minEpochs,
		readyTimeout:     DefaultReadyTimeout,
		cmdTimeout:       DefaultCmdTimeout,
		rec:              noopRecorder{},
		log:              log.WithField("component", "server_role"),
		clients:          make(map[int]*ClientState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cursor = RoundCursor{TargetBoard: s.firstTarget()}
	return s
}

// Cursor reports the server's current position in the round-robin schedule.
func (s *ServerRole) Cursor() RoundCursor { return s.cursor }

// ClientStateOf returns the server's current bookkeeping for board, if any
// round has touched it yet.
func (s *ServerRole) ClientStateOf(board int) (ClientState, bool) {
	st, ok := s.clients[board]
	if !ok {
		return ClientState{}, false
	}
	return *st, true
}

// firstTarget seeds the cursor at the board after the server's own number,
// regardless of server_also_client — the server only visits itself once the
// cursor cycles back around to it.
func (s *ServerRole) firstTarget() int {
	return s.nextAfter(s.selfBoard)
}

func (s *ServerRole) stateFor(board int) *ClientState {
	st, ok := s.clients[board]
	if !ok {
		st = &ClientState{}
		s.clients[board] = st
	}
	return st
}

func (s *ServerRole) skip(reason string) {
	s.log.WithField("reason", reason).Debug("server_role: step skipped")
	s.rec.StepSkipped(reason)
}

// Step advances exactly one round-robin slot: it either instructs this
// board's own companion computer to aggregate (when the cursor lands on
// selfBoard under server_also_client), or drives one client through
// whichever of its transaction states it's currently due for, then
// advances the cursor. A failure anywhere aborts only the current visit;
// it never propagates past Step, and the client is simply revisited on its
// next turn. A failure to fetch the global model ends the Step before any
// board is visited and leaves the cursor where it was. Once numRounds
// client visits have been made, Step idles without touching the radio or
// the companion computer.
func (s *ServerRole) Step() {
	if s.numRounds > 0 && s.cursor.RoundNum >= s.numRounds {
		s.skip("num_rounds_reached")
		return
	}

	global, err := s.getGlobal()
	if err != nil {
		s.log.WithError(err).Warn("server_role: get_global_from_pu failed")
		s.skip("get_global_from_pu")
		return
	}

	target := s.cursor.TargetBoard

	if s.serverAlsoClient && target == s.selfBoard {
		if s.deps.Serial != nil {
			if err := s.deps.Serial.RequestLocalAggregate(); err != nil {
				s.log.WithError(err).Warn("server_role: instruct_pu_agg failed")
			}
		}
		s.advanceCursor()
		return
	}

	if _, err := s.deps.Addr.Addr(addressing.BoardId(target)); err != nil {
		s.log.WithError(err).Warn("server_role: target board not in addressing table")
		s.skip("bad_board_id")
		s.advanceCursor()
		return
	}

	state := s.stateFor(target)

	if !state.Initialized {
		ok, err := s.pushGlobal(target, global)
		switch {
		case err != nil:
			s.log.WithField("board", target).WithError(err).Warn("server_role: initial push failed")
			s.skip("initial_push_failed")
		case !ok:
			s.skip("initial_push_refused")
		default:
			state.Initialized = true
			s.rec.ClientState(target, state.Initialized, state.LastEpochs, state.LastSamples)
		}
		s.advanceCursor()
		return
	}

	epochs, heard, err := s.queryEpochs(target)
	if err != nil || !heard {
		s.skip("epoch_query_failed")
		s.advanceCursor()
		return
	}
	state.LastEpochs = epochs
	s.rec.ClientState(target, state.Initialized, state.LastEpochs, state.LastSamples)

	if epochs < s.minEpochs {
		s.skip("insufficient_epochs")
		s.advanceCursor()
		return
	}

	ok, err := s.pushGlobal(target, global)
	if err != nil || !ok {
		s.log.WithField("board", target).WithError(err).Warn("server_role: round push failed")
		s.skip("round_push_failed")
		s.advanceCursor()
		return
	}

	ok, err = s.requestTransmit(target)
	if err != nil || !ok {
		s.log.WithField("board", target).WithError(err).Warn("server_role: transmit request failed")
		s.skip("transmit_request_failed")
		s.advanceCursor()
		return
	}

	readyLen, err := s.awaitReady(target)
	if err != nil {
		s.skip("ready_timeout")
		s.advanceCursor()
		return
	}

	clientBlob, err := s.deps.Radio.RecvBlob(int(readyLen), radio.DefaultMaxRetries, s.txID(target))
	if err != nil {
		s.log.WithField("board", target).WithError(err).Warn("server_role: recv_blob failed")
		s.skip("recv_client_blob_failed")
		s.advanceCursor()
		return
	}

	samples, heard, err := s.querySamples(target)
	if err == nil && heard {
		state.LastSamples = samples
	}

	if err := storage.Write(s.deps.Store.ClientPath(target), clientBlob); err != nil {
		s.log.WithField("board", target).WithError(err).Warn("server_role: persist client blob failed")
	}

	if s.deps.Serial != nil {
		if _, err := s.deps.Serial.SendBlob(serial.CmdReceive, serial.ScopeLocal, clientBlob, uint16(target), samples); err != nil {
			// Best effort: the round is already counted as complete once
			// the radio transfer lands, the PU forward is a courtesy so
			// the local model can be folded in sooner.
			s.log.WithField("board", target).WithError(err).Warn("server_role: tx_client_blob_to_pu failed")
		}
	}

	s.rec.RoundCompleted()
	s.rec.ClientState(target, state.Initialized, state.LastEpochs, state.LastSamples)
	s.advanceCursor()
}

// getGlobal fetches the freshly-aggregated global model from the companion
// computer over Serial and persists it, so every visit pushes whatever the
// PU has produced most recently rather than a blob fixed at startup. A board
// with no companion computer of its own (Serial nil) instead pushes whatever
// was last persisted to GlobalPath.
func (s *ServerRole) getGlobal() ([]byte, error) {
	if s.deps.Serial == nil {
		return storage.Read(s.deps.Store.GlobalPath())
	}
	blob, err := s.deps.Serial.RecvBlob(serial.ScopeGlobal)
	if err != nil {
		return nil, err
	}
	if err := storage.Write(s.deps.Store.GlobalPath(), blob); err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *ServerRole) pushGlobal(target int, global []byte) (bool, error) {
	ack, ok, err := s.deps.Radio.SendCmd(cmdproto.Frame{Tag: cmdproto.TagReceive, Length: uint32(len(global))}.Encode(), s.cmdTimeout)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	_ = ack
	n, err := s.deps.Radio.SendBlob(global, s.txID(target))
	if err != nil {
		return false, err
	}
	return n == len(global), nil
}

// requestTransmit sends the 'S' tag: "fetch your latest local update and
// get ready to transmit it to me".
func (s *ServerRole) requestTransmit(target int) (bool, error) {
	_, ok, err := s.deps.Radio.SendCmd(cmdproto.Frame{Tag: cmdproto.TagSend}.Encode(), s.cmdTimeout)
	return ok, err
}

func (s *ServerRole) queryEpochs(target int) (epochs uint32, heard bool, err error) {
	ack, ok, err := s.deps.Radio.SendCmd(cmdproto.Frame{Tag: cmdproto.TagEpochCount}.Encode(), s.cmdTimeout)
	if err != nil || !ok {
		return 0, false, err
	}
	a := cmdproto.DecodeAck(ack)
	return a.Value, true, nil
}

func (s *ServerRole) querySamples(target int) (samples uint32, heard bool, err error) {
	ack, ok, err := s.deps.Radio.SendCmd(cmdproto.Frame{Tag: cmdproto.TagSampleCount}.Encode(), s.cmdTimeout)
	if err != nil || !ok {
		return 0, false, err
	}
	a := cmdproto.DecodeAck(ack)
	return a.Value, true, nil
}

// awaitReady waits for the client's '#' ready marker, which carries the
// length of the local blob it is about to transmit, and acks it with a
// literal '#' — only then does the client open its blob transmission.
func (s *ServerRole) awaitReady(target int) (uint32, error) {
	frame, heard, err := s.deps.Radio.ListenForCmd(s.readyTimeout)
	if err != nil {
		return 0, err
	}
	if !heard {
		return 0, ErrReadyTimeout
	}
	f, err := cmdproto.Decode(frame)
	if err != nil {
		return 0, err
	}
	if f.Tag != cmdproto.TagReady {
		return 0, ErrUnexpectedTag
	}
	if err := s.deps.Radio.AckReady(s.cmdTimeout); err != nil {
		return 0, err
	}
	return f.Length, nil
}

func (s *ServerRole) txID(target int) string {
	return xid.New().String() + "-b" + strconv.Itoa(target)
}

// advanceCursor moves the schedule to the next board in round-robin order,
// skipping the server's own board number unless it is also participating
// as a client, and incrementing RoundNum exactly once per visit — even one
// that failed — so it tracks total visits made, not full passes over the
// fleet.
func (s *ServerRole) advanceCursor() {
	s.cursor.RoundNum++
	s.cursor.TargetBoard = s.nextAfter(s.cursor.TargetBoard)
	s.rec.CursorAdvanced(s.cursor.RoundNum, s.cursor.TargetBoard)
}

// nextAfter returns the next board number after board in [1, N], wrapping
// to 1, and skipping the server's own board number unless
// server_also_client is set.
func (s *ServerRole) nextAfter(board int) int {
	n := s.deps.Addr.Len()
	if n == 0 {
		return board
	}
	next := board + 1
	if next > n {
		next = 1
	}
	if !s.serverAlsoClient && next == s.selfBoard {
		next++
		if next > n {
			next = 1
		}
	}
	return next
}

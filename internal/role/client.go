package role

import (
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/geminga-fl/boardcore/internal/cmdproto"
	"github.com/geminga-fl/boardcore/internal/radio"
	"github.com/geminga-fl/boardcore/internal/serial"
	"github.com/geminga-fl/boardcore/internal/storage"
)

// DefaultListenTimeout bounds how long ClientRole waits, per tick, for an
// incoming command before giving up and letting the scheduler call it
// again.
const DefaultListenTimeout = 5 * time.Second

// ClientDeps bundles the transports and storage a ClientRole drives.
type ClientDeps struct {
	Radio  *radio.Link
	Serial *serial.Link
	Store  *storage.Store
}

// ClientRole implements the reactive per-tick dispatch loop: listen for
// one command, handle it, and yield back to the scheduler. It never
// initiates a transaction — every exchange starts with something the
// server sent.
type ClientRole struct {
	deps          ClientDeps
	selfBoard     int
	listenTimeout time.Duration
	cmdTimeout    time.Duration
	rec           Recorder
	log           *log.Entry
}

// ClientOption configures a ClientRole at construction time.
type ClientOption func(*ClientRole)

// WithClientRecorder attaches a metrics/observability sink.
func WithClientRecorder(r Recorder) ClientOption {
	return func(c *ClientRole) { c.rec = r }
}

// WithListenTimeout overrides DefaultListenTimeout, primarily for tests.
func WithListenTimeout(d time.Duration) ClientOption {
	return func(c *ClientRole) { c.listenTimeout = d }
}

// WithClientCmdTimeout overrides DefaultCmdTimeout for this client's ack
// replies, primarily for tests.
func WithClientCmdTimeout(d time.Duration) ClientOption {
	return func(c *ClientRole) { c.cmdTimeout = d }
}

// NewClientRole constructs a ClientRole for selfBoard.
func NewClientRole(deps ClientDeps, selfBoard int, opts ...ClientOption) *ClientRole {
	c := &ClientRole{
		deps:          deps,
		selfBoard:     selfBoard,
		listenTimeout: DefaultListenTimeout,
		cmdTimeout:    DefaultCmdTimeout,
		rec:           noopRecorder{},
		log:           log.WithField("component", "client_role"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// localLen reports this board's current local-blob length, used as the
// generic ack value for commands that don't call for a more specific one.
func (c *ClientRole) localLen() uint32 {
	n, err := storage.Len(c.deps.Store.LocalPath())
	if err != nil {
		return 0
	}
	return n
}

// Step listens for up to listenTimeout for one command frame from the
// server and dispatches it. A miss (nothing heard) is a normal, silent
// outcome — not every tick has work. A dispatch failure is logged and
// counted but never escapes Step: the client simply listens again on its
// next tick. Every path through Step, including the idle one, ends by
// putting the radio back to sleep.
func (c *ClientRole) Step() {
	defer c.deps.Radio.Sleep()

	frame, heard, err := c.deps.Radio.ListenForCmd(c.listenTimeout)
	if err != nil {
		c.log.WithError(err).Warn("client_role: listen failed")
		c.rec.StepSkipped("listen_failed")
		return
	}
	if !heard {
		return
	}

	f, err := cmdproto.Decode(frame)
	if err != nil {
		c.log.WithError(err).Warn("client_role: unrecognized command frame")
		c.rec.StepSkipped("unknown_tag")
		return
	}

	switch f.Tag {
	case cmdproto.TagReceive:
		c.handleReceive(f)
	case cmdproto.TagSend:
		c.handleSend(f)
	case cmdproto.TagSampleCount:
		c.handleSampleCount(f)
	case cmdproto.TagEpochCount:
		c.handleEpochCount(f)
	case cmdproto.TagLED:
		c.handleLED(f)
	case cmdproto.TagAggregate:
		c.handleAggregate(f)
	default:
		c.log.WithField("tag", string(rune(f.Tag))).Warn("client_role: unexpected tag for a client to receive")
		c.rec.StepSkipped("unexpected_tag")
	}
}

// handleReceive answers an 'R' push: ack immediately with this board's own
// local-blob length, then receive the incoming global blob over the radio,
// persist it, and forward it down to the companion computer so local
// training can resume from it.
func (c *ClientRole) handleReceive(f cmdproto.Frame) {
	if err := c.deps.Radio.AckWith(c.localLen(), c.cmdTimeout); err != nil {
		c.log.WithError(err).Warn("client_role: ack(R) failed")
		c.rec.StepSkipped("ack_failed")
		return
	}
	blob, err := c.deps.Radio.RecvBlob(int(f.Length), radio.DefaultMaxRetries, c.txID())
	if err != nil {
		c.log.WithError(err).Warn("client_role: recv_blob(global) failed")
		c.rec.StepSkipped("recv_global_failed")
		return
	}
	if err := storage.Write(c.deps.Store.GlobalPath(), blob); err != nil {
		c.log.WithError(err).Warn("client_role: persist global blob failed")
		return
	}
	if c.deps.Serial != nil {
		if _, err := c.deps.Serial.SendBlob(serial.CmdReceive, serial.ScopeGlobal, blob, 0, 0); err != nil {
			c.log.WithError(err).Warn("client_role: forward global blob to pu failed")
		}
	}
}

// handleSend answers an 'S' pull request: ack, fetch the freshest local
// update from the companion computer, announce readiness with the '#'
// marker carrying its length, and transmit it.
func (c *ClientRole) handleSend(f cmdproto.Frame) {
	if err := c.deps.Radio.AckWith(c.localLen(), c.cmdTimeout); err != nil {
		c.log.WithError(err).Warn("client_role: ack(S) failed")
		c.rec.StepSkipped("ack_failed")
		return
	}
	var local []byte
	if c.deps.Serial != nil {
		blob, err := c.deps.Serial.RecvBlob(serial.ScopeLocal)
		if err != nil {
			c.log.WithError(err).Warn("client_role: fetch local blob from pu failed")
			c.rec.StepSkipped("fetch_local_failed")
			return
		}
		local = blob
		if err := storage.Write(c.deps.Store.LocalPath(), blob); err != nil {
			c.log.WithError(err).Warn("client_role: persist local blob failed")
		}
	} else {
		blob, err := storage.Read(c.deps.Store.LocalPath())
		if err != nil {
			c.rec.StepSkipped("fetch_local_failed")
			return
		}
		local = blob
	}

	_, ok, err := c.deps.Radio.SendCmd(cmdproto.Frame{Tag: cmdproto.TagReady, Length: uint32(len(local))}.Encode(), c.cmdTimeout)
	if err != nil || !ok {
		c.log.WithError(err).Warn("client_role: ready marker refused")
		c.rec.StepSkipped("ready_refused")
		return
	}
	if _, err := c.deps.Radio.SendBlob(local, c.txID()); err != nil {
		c.log.WithError(err).Warn("client_role: send_blob(local) failed")
		c.rec.StepSkipped("send_local_failed")
	}
}

// handleSampleCount answers an 'N' query: the ack carries this board's
// live sample count, fetched from the companion computer.
func (c *ClientRole) handleSampleCount(f cmdproto.Frame) {
	var n uint32
	if c.deps.Serial != nil {
		if v, err := c.deps.Serial.GetSampleCount(); err == nil {
			n = v
		} else {
			c.log.WithError(err).Warn("client_role: get_sample_count from pu failed")
		}
	}
	if err := c.deps.Radio.AckWith(n, c.cmdTimeout); err != nil {
		c.log.WithError(err).Warn("client_role: ack(N) failed")
		c.rec.StepSkipped("ack_failed")
	}
}

// handleEpochCount answers an 'E' query: the ack carries this board's live
// local-epoch count, fetched from the companion computer.
func (c *ClientRole) handleEpochCount(f cmdproto.Frame) {
	var n uint32
	if c.deps.Serial != nil {
		if v, err := c.deps.Serial.GetEpochCount(); err == nil {
			n = v
		} else {
			c.log.WithError(err).Warn("client_role: get_epoch_count from pu failed")
		}
	}
	if err := c.deps.Radio.AckWith(n, c.cmdTimeout); err != nil {
		c.log.WithError(err).Warn("client_role: ack(E) failed")
		c.rec.StepSkipped("ack_failed")
	}
}

// handleLED answers the reserved 'L' liveness tag with the generic ack
// carrying this board's local-blob length; the tag itself has no meaning
// beyond "I'm alive".
func (c *ClientRole) handleLED(f cmdproto.Frame) {
	if err := c.deps.Radio.AckWith(c.localLen(), c.cmdTimeout); err != nil {
		c.log.WithError(err).Warn("client_role: ack(L) failed")
	}
}

// handleAggregate answers the supplemental 'O' tag by instructing the
// companion computer to fold a just-delivered update into its local model.
func (c *ClientRole) handleAggregate(f cmdproto.Frame) {
	if err := c.deps.Radio.AckWith(c.localLen(), c.cmdTimeout); err != nil {
		c.log.WithError(err).Warn("client_role: ack(O) failed")
		return
	}
	if c.deps.Serial != nil {
		if err := c.deps.Serial.RequestLocalAggregate(); err != nil {
			c.log.WithError(err).Warn("client_role: instruct_pu_agg failed")
		}
	}
}

func (c *ClientRole) txID() string {
	return xid.New().String()
}

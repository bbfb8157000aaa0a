// Package role implements the two cooperative state machines that sit on
// top of the transport layers: ServerRole drives the round-robin federated
// round across a fleet of client boards, and ClientRole reacts to whatever
// command the server addresses to it. Neither role ever blocks past its own
// per-tick budget; every step either completes a well-defined unit of work
// or gives up and lets the scheduler call it again later.
package role

import (
	"github.com/pkg/errors"
)

// ErrReadyTimeout marks a server wait for the client's ready marker that
// exceeded ReadyTimeout.
var ErrReadyTimeout = errors.New("role: ready marker timed out")

// ErrUnexpectedTag marks a frame whose tag didn't match what the state
// machine was expecting at that point in the transaction.
var ErrUnexpectedTag = errors.New("role: unexpected command tag")

// ClientState is the server's view of one participating board: whether it
// has ever received the global model, and its most recently reported
// training stats.
type ClientState struct {
	Initialized bool
	LastEpochs  uint32
	LastSamples uint32
}

// RoundCursor is the server's position in the round-robin schedule: which
// board it will visit next, and how many client visits (successful or not)
// it has made so far.
type RoundCursor struct {
	TargetBoard int
	RoundNum    uint32
}

// Recorder receives observability events from ServerRole and ClientRole.
// internal/metrics implements this; it is declared here (not imported) so
// this package stays free of any dependency on the metrics package.
type Recorder interface {
	RoundCompleted()
	StepSkipped(reason string)
	CursorAdvanced(roundNum uint32, targetBoard int)
	ClientState(board int, initialized bool, lastEpochs, lastSamples uint32)
}

type noopRecorder struct{}

func (noopRecorder) RoundCompleted()                       {}
func (noopRecorder) StepSkipped(string)                    {}
func (noopRecorder) CursorAdvanced(uint32, int)             {}
func (noopRecorder) ClientState(int, bool, uint32, uint32) {}

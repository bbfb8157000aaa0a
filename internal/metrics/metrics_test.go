package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRoundCompletedIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.RoundCompleted()
	c.RoundCompleted()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.roundsCompleted))
}

func TestStepSkippedIsLabeledByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.StepSkipped("insufficient_epochs")
	c.StepSkipped("insufficient_epochs")
	c.StepSkipped("ready_timeout")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.stepsSkipped.WithLabelValues("insufficient_epochs")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.stepsSkipped.WithLabelValues("ready_timeout")))
}

func TestCursorAdvancedSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.CursorAdvanced(3, 2)

	assert.Equal(t, float64(3), testutil.ToFloat64(c.roundNum))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.targetBoard))
}

func TestClientStateSetsPerBoardGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ClientState(2, true, 5, 1200)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.clientInit.WithLabelValues("2")))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.clientEpochs.WithLabelValues("2")))
	assert.Equal(t, float64(1200), testutil.ToFloat64(c.clientSamples.WithLabelValues("2")))
}

func TestRadioAndSerialRecorderMethodsDoNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	assert.NotPanics(t, func() {
		c.RadioBytesSent(10)
		c.RadioBytesReceived(20)
		c.RadioRetry()
		c.RadioTimeout()
		c.RadioAckInvalid()
		c.SerialBytesSent(10)
		c.SerialBytesReceived(20)
		c.SerialTimeout()
		c.SerialRefused()
	})
}

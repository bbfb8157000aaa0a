// Package metrics exposes the core's observability boundary (SPEC_FULL §6):
// Prometheus counters/gauges for round health, plus a loopback /metrics and
// /healthz HTTP server. Nothing here feeds back into scheduling decisions.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Collector implements the narrow Recorder interfaces declared by
// internal/radio, internal/serial and internal/role, and registers a set of
// Prometheus collectors for them.
type Collector struct {
	radioBytesSent     prometheus.Counter
	radioBytesReceived prometheus.Counter
	radioRetries       prometheus.Counter
	radioTimeouts      prometheus.Counter
	radioAckInvalid    prometheus.Counter

	serialBytesSent     prometheus.Counter
	serialBytesReceived prometheus.Counter
	serialTimeouts      prometheus.Counter
	serialRefused       prometheus.Counter

	roundsCompleted prometheus.Counter
	stepsSkipped    *prometheus.CounterVec
	roundNum        prometheus.Gauge
	targetBoard     prometheus.Gauge
	clientInit      *prometheus.GaugeVec
	clientEpochs    *prometheus.GaugeVec
	clientSamples   *prometheus.GaugeVec
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() for an isolated registry (e.g. in tests) or
// prometheus.DefaultRegisterer in a running process.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		radioBytesSent:      factory.NewCounter(prometheus.CounterOpts{Name: "boardcore_radio_bytes_sent_total"}),
		radioBytesReceived:  factory.NewCounter(prometheus.CounterOpts{Name: "boardcore_radio_bytes_received_total"}),
		radioRetries:        factory.NewCounter(prometheus.CounterOpts{Name: "boardcore_radio_retries_total"}),
		radioTimeouts:       factory.NewCounter(prometheus.CounterOpts{Name: "boardcore_radio_timeouts_total"}),
		radioAckInvalid:     factory.NewCounter(prometheus.CounterOpts{Name: "boardcore_radio_ack_invalid_total"}),
		serialBytesSent:     factory.NewCounter(prometheus.CounterOpts{Name: "boardcore_serial_bytes_sent_total"}),
		serialBytesReceived: factory.NewCounter(prometheus.CounterOpts{Name: "boardcore_serial_bytes_received_total"}),
		serialTimeouts:      factory.NewCounter(prometheus.CounterOpts{Name: "boardcore_serial_timeouts_total"}),
		serialRefused:       factory.NewCounter(prometheus.CounterOpts{Name: "boardcore_serial_refused_total"}),
		roundsCompleted:     factory.NewCounter(prometheus.CounterOpts{Name: "boardcore_rounds_completed_total"}),
		stepsSkipped:        factory.NewCounterVec(prometheus.CounterOpts{Name: "boardcore_steps_skipped_total"}, []string{"reason"}),
		roundNum:            factory.NewGauge(prometheus.GaugeOpts{Name: "boardcore_round_num"}),
		targetBoard:         factory.NewGauge(prometheus.GaugeOpts{Name: "boardcore_target_board"}),
		clientInit:          factory.NewGaugeVec(prometheus.GaugeOpts{Name: "boardcore_client_initialized"}, []string{"board"}),
		clientEpochs:        factory.NewGaugeVec(prometheus.GaugeOpts{Name: "boardcore_client_last_epochs"}, []string{"board"}),
		clientSamples:       factory.NewGaugeVec(prometheus.GaugeOpts{Name: "boardcore_client_last_samples"}, []string{"board"}),
	}
}

// --- internal/radio.Recorder ---

func (c *Collector) RadioBytesSent(n int)     { c.radioBytesSent.Add(float64(n)) }
func (c *Collector) RadioBytesReceived(n int) { c.radioBytesReceived.Add(float64(n)) }
func (c *Collector) RadioRetry()              { c.radioRetries.Inc() }
func (c *Collector) RadioTimeout()            { c.radioTimeouts.Inc() }
func (c *Collector) RadioAckInvalid()         { c.radioAckInvalid.Inc() }

// --- internal/serial.Recorder ---

func (c *Collector) SerialBytesSent(n int)     { c.serialBytesSent.Add(float64(n)) }
func (c *Collector) SerialBytesReceived(n int) { c.serialBytesReceived.Add(float64(n)) }
func (c *Collector) SerialTimeout()            { c.serialTimeouts.Inc() }
func (c *Collector) SerialRefused()            { c.serialRefused.Inc() }

// --- internal/role.Recorder ---

func (c *Collector) RoundCompleted()          { c.roundsCompleted.Inc() }
func (c *Collector) StepSkipped(reason string) { c.stepsSkipped.WithLabelValues(reason).Inc() }
func (c *Collector) CursorAdvanced(roundNum uint32, targetBoard int) {
	c.roundNum.Set(float64(roundNum))
	c.targetBoard.Set(float64(targetBoard))
}
func (c *Collector) ClientState(board int, initialized bool, lastEpochs, lastSamples uint32) {
	label := promLabel(board)
	init := float64(0)
	if initialized {
		init = 1
	}
	c.clientInit.WithLabelValues(label).Set(init)
	c.clientEpochs.WithLabelValues(label).Set(float64(lastEpochs))
	c.clientSamples.WithLabelValues(label).Set(float64(lastSamples))
}

func promLabel(board int) string {
	return strconv.Itoa(board)
}

// Server serves /metrics and /healthz on addr until ctx is canceled. It is
// meant to be run on a loopback-only listener (spec SPEC_FULL §6).
func Server(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.WithField("addr", addr).Info("metrics server listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

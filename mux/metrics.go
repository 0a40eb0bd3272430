package mux

import (
	"fmt"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/mux/wire"
)

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

// nodeMetrics exports process wide Prometheus counters (VictoriaMetrics, labelled by
// node and message type) and keeps a private go-metrics registry for Stats
type nodeMetrics struct {
	sent     [wire.MsgTCloseAck + 1]*vm.Counter
	received [wire.MsgTCloseAck + 1]*vm.Counter
	dropped  *vm.Counter
	resent   *vm.Counter
	fatal    *vm.Counter

	registry      gometrics.Registry
	bytesSent     gometrics.Meter
	bytesReceived gometrics.Meter
	resends       gometrics.Counter
	timeouts      gometrics.Counter
	pingRTT       gometrics.Histogram
}

func newNodeMetrics(nodeIndex int) *nodeMetrics {
	m := &nodeMetrics{
		dropped:  vm.GetOrCreateCounter(fmt.Sprintf(`dmux_datagrams_dropped_total{node="%d"}`, nodeIndex)),
		resent:   vm.GetOrCreateCounter(fmt.Sprintf(`dmux_packets_resent_total{node="%d"}`, nodeIndex)),
		fatal:    vm.GetOrCreateCounter(fmt.Sprintf(`dmux_fatal_errors_total{node="%d"}`, nodeIndex)),
		registry: gometrics.NewRegistry(),
	}
	for t := wire.MsgTHello; t <= wire.MsgTCloseAck; t++ {
		m.sent[t] = vm.GetOrCreateCounter(fmt.Sprintf(`dmux_datagrams_sent_total{node="%d",type="%s"}`, nodeIndex, t))
		m.received[t] = vm.GetOrCreateCounter(fmt.Sprintf(`dmux_datagrams_received_total{node="%d",type="%s"}`, nodeIndex, t))
	}

	m.bytesSent = gometrics.GetOrRegisterMeter("bytes.sent", m.registry)
	m.bytesReceived = gometrics.GetOrRegisterMeter("bytes.received", m.registry)
	m.resends = gometrics.GetOrRegisterCounter("packets.resent", m.registry)
	m.timeouts = gometrics.GetOrRegisterCounter("resend.timeouts", m.registry)
	m.pingRTT = gometrics.GetOrRegisterHistogram("ping.rtt", m.registry, gometrics.NewExpDecaySample(1028, 0.015))
	return m
}

func (m *nodeMetrics) onSend(t wire.MessageType, n int) {
	if t.Valid() {
		m.sent[t].Inc()
	}
	m.bytesSent.Mark(int64(n))
}

func (m *nodeMetrics) onReceive(t wire.MessageType, n int) {
	if t.Valid() {
		m.received[t].Inc()
	}
	m.bytesReceived.Mark(int64(n))
}

func (m *nodeMetrics) onDrop() {
	m.dropped.Inc()
}

func (m *nodeMetrics) onResend(n int, timeout bool) {
	m.resent.Add(n)
	m.resends.Inc(int64(n))
	if timeout {
		m.timeouts.Inc(1)
	}
}

func (m *nodeMetrics) onRTT(rtt time.Duration) {
	m.pingRTT.Update(int64(rtt))
}

func (m *nodeMetrics) stop() {
	m.registry.UnregisterAll()
}

// --------------------------------------------------------------------------
// Stats
// --------------------------------------------------------------------------

// Stats is a snapshot of the counters of one multiplexer
type Stats struct {
	NodeIndex int
	Connected bool
	OpenPipes int
	Peers     int
	Pool      pool.Stats

	BytesSent     int64
	BytesReceived int64
	SendRate      float64 // bytes per second, one minute moving average
	ReceiveRate   float64 // bytes per second, one minute moving average
	PacketsResent int64
	Timeouts      int64 // resends triggered by the master's resend timeout

	PingCount int64
	PingMean  time.Duration
	PingP99   time.Duration
}

func (m *nodeMetrics) fill(s *Stats) {
	s.BytesSent = m.bytesSent.Count()
	s.BytesReceived = m.bytesReceived.Count()
	s.SendRate = m.bytesSent.Rate1()
	s.ReceiveRate = m.bytesReceived.Rate1()
	s.PacketsResent = m.resends.Count()
	s.Timeouts = m.timeouts.Count()
	s.PingCount = m.pingRTT.Count()
	s.PingMean = time.Duration(m.pingRTT.Mean())
	s.PingP99 = time.Duration(m.pingRTT.Percentile(0.99))
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestDispatchMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDispatchMetrics(reg)
	m.ObserveDispatch("plivo", "success")
	m.ObserveStage("warmup", 0.25)
	m.ObserveGateWait(2.0)
	m.ObserveGateRejection("client")
	m.ObserveWebhook("twilio", "completed")
	m.ObserveSweep("lazy", 3)
	m.ObserveContact("dispatched")
	m.SetActiveCalls(12)
}

func TestDispatchMetricsNilSafe(t *testing.T) {
	var m *DispatchMetrics
	m.ObserveDispatch("plivo", "success")
	m.ObserveStage("gate", 0.1)
	m.ObserveGateWait(0.1)
	m.ObserveGateRejection("global")
	m.ObserveWebhook("plivo", "ring")
	m.ObserveSweep("periodic", 1)
	m.ObserveContact("failed")
	m.SetActiveCalls(0)
}

// Package metrics holds the Prometheus collectors for castkeeper.
// Labels never carry device names or session ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castkeeper_assign_total",
		Help: "Assign requests by result (started, refreshed, error code).",
	}, []string{"result"})

	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castkeeper_sessions_started_total",
		Help: "Serving sessions opened.",
	})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castkeeper_sessions_ended_total",
		Help: "Serving sessions torn down, by reason (stopped, superseded, expired, shutdown).",
	}, []string{"reason"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "castkeeper_sessions_active",
		Help: "Serving sessions currently holding a listener.",
	})

	BytesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castkeeper_bytes_served_total",
		Help: "Media bytes written to devices.",
	})

	BindFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castkeeper_bind_failures_total",
		Help: "Listener bind attempts that failed.",
	})

	MonitorTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "castkeeper_monitor_tasks",
		Help: "Running health monitor tasks.",
	})

	MonitorPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castkeeper_monitor_polls_total",
		Help: "Health monitor polls by outcome.",
	}, []string{"outcome"})

	MonitorExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castkeeper_monitor_exits_total",
		Help: "Health monitor task exits by outcome.",
	}, []string{"outcome"})

	CorrectivePlays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castkeeper_corrective_play_total",
		Help: "Corrective restarts issued by the health monitor, by result.",
	}, []string{"result"})

	DeviceCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castkeeper_device_calls_total",
		Help: "Device backend calls by protocol, operation and result.",
	}, []string{"protocol", "op", "result"})
)

func RecordAssign(result string) {
	AssignTotal.WithLabelValues(result).Inc()
}

func RecordSessionEnded(reason string) {
	SessionsEnded.WithLabelValues(reason).Inc()
	ActiveSessions.Dec()
}

func RecordPoll(outcome string) {
	MonitorPolls.WithLabelValues(outcome).Inc()
}

func RecordCorrectivePlay(result string) {
	CorrectivePlays.WithLabelValues(result).Inc()
}

func RecordDeviceCall(protocol, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	DeviceCalls.WithLabelValues(protocol, op, result).Inc()
}

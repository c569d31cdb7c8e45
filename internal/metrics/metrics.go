package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "ups"
	subsystem = "failsafe"
)

// Poll results.
const (
	PollOK    = "ok"
	PollError = "error"
)

// Host shutdown results.
const (
	HostOK            = "ok"
	HostConnectFailed = "connect_failed"
	HostExecFailed    = "exec_failed"
)

var (
	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "polls_total",
			Help:      "Device polls by result",
		},
		[]string{"result"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transitions_total",
			Help:      "Observed power status transitions",
		},
		[]string{"from", "to"},
	)

	powerStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "power_status",
			Help:      "Last reported output source code (1=Other, 2=None, 3=Normal, 4=Bypass, 5=Battery, 6=Booster, 7=Reducer)",
		},
	)

	batteryPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "battery_percent",
			Help:      "Last reported battery charge, -1 when unknown",
		},
	)

	armed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "armed",
			Help:      "1 while the emergency shutdown timer is pending",
		},
	)

	cycleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycle_events_total",
			Help:      "Failsafe cycle events (armed, cancelled, fired, restored)",
		},
		[]string{"event"},
	)

	hostShutdownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "host_shutdowns_total",
			Help:      "Remote shutdown attempts by host and result",
		},
		[]string{"host", "result"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_total",
			Help:      "Notification sink calls by operation and result",
		},
		[]string{"op", "result"},
	)
)

// ObservePoll counts a poll result.
func ObservePoll(result string) {
	pollsTotal.WithLabelValues(result).Inc()
}

// ObserveSample records the gauges of a successful poll.
func ObserveSample(status, battery int) {
	powerStatus.Set(float64(status))
	batteryPercent.Set(float64(battery))
}

// ObserveTransition counts a status change.
func ObserveTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

// SetArmed mirrors the timer state.
func SetArmed(v bool) {
	if v {
		armed.Set(1)
		return
	}
	armed.Set(0)
}

// ObserveCycleEvent counts armed/cancelled/fired/restored.
func ObserveCycleEvent(event string) {
	cycleEventsTotal.WithLabelValues(event).Inc()
}

// ObserveHostShutdown counts one host attempt.
func ObserveHostShutdown(host, result string) {
	hostShutdownsTotal.WithLabelValues(host, result).Inc()
}

// ObserveNotification counts a sink call.
func ObserveNotification(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	notificationsTotal.WithLabelValues(op, result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

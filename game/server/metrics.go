package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "dscars"
	metricsSubsystem = "server"
)

type metrics struct {
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	sessionsRefused prometheus.Counter
	lobbyWaiting    prometheus.Gauge
	matchesLive     prometheus.Gauge
	matchesTotal    prometheus.Counter
	relayed         *prometheus.CounterVec
	faults          *prometheus.CounterVec
}

// newMetrics registers the server collectors with reg. A nil registerer
// yields working collectors that are not exported anywhere.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_active",
			Help:      "Number of connected player sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_total",
			Help:      "Total number of accepted player sessions",
		}),
		sessionsRefused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_refused_total",
			Help:      "Connections refused because the session limit was reached",
		}),
		lobbyWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "lobby_waiting",
			Help:      "Number of players waiting in the lobby",
		}),
		matchesLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "matches_live",
			Help:      "Number of matches with at least one member still present",
		}),
		matchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "matches_total",
			Help:      "Total number of matches formed",
		}),
		relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "relayed_messages_total",
			Help:      "Messages relayed between match members by kind",
		}, []string{"kind"}),
		faults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "transport_faults_total",
			Help:      "Read and write failures on player connections",
		}, []string{"direction"}),
	}
}

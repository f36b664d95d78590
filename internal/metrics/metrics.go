package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CallsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardcall_calls_started_total",
		Help: "Total number of outbound calls placed.",
	})

	CallsJoined = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardcall_calls_joined_total",
		Help: "Total number of incoming calls answered.",
	})

	CallOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardcall_call_outcomes_total",
		Help: "Calls ended locally, by terminal status and by who wrote it.",
	}, []string{"status", "origin"}) // origin: local/remote

	SetupFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardcall_call_setup_failures_total",
		Help: "Call setups aborted, by stage.",
	}, []string{"stage"})

	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guardcall_active_calls",
		Help: "Calls currently dialing or connected on this agent.",
	})

	WatchdogFired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardcall_watchdog_fired_total",
		Help: "Ring timeouts that marked a call missed.",
	})

	ReaperDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardcall_reaper_deleted_total",
		Help: "Stale sessions deleted by the reaper.",
	})

	NotificationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardcall_notification_failures_total",
		Help: "Missed-call notifications that could not be stored.",
	})

	HubConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guardcall_hub_connections",
		Help: "Open client connections on the record hub.",
	})

	HubRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardcall_hub_requests_total",
		Help: "Requests handled by the record hub.",
	}, []string{"op", "code"})

	HubReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardcall_hub_client_reconnects_total",
		Help: "Times the hub client re-established its connection.",
	})
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		CallsStarted, CallsJoined, CallOutcomes, SetupFailures, ActiveCalls,
		WatchdogFired, ReaperDeleted, NotificationFailures,
		HubConnections, HubRequests, HubReconnects,
	)
}

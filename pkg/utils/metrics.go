package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_active_sessions",
		Help: "The number of consultation sessions currently active",
	})

	CallRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_requests_total",
		Help: "The total number of call requests by outcome",
	}, []string{"outcome"})

	ForcedTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_forced_terminations_total",
		Help: "Total number of sessions terminated on exhausted balance",
	})

	LowBalanceWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_low_balance_warnings_total",
		Help: "Total number of low-balance warnings raised during sessions",
	})

	WatcherSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_watcher_signals_total",
		Help: "Status signals reported to the controller by the watcher",
	}, []string{"status"})
)

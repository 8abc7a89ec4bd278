package loginsrv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLoginAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mmolobby",
		Subsystem: "login",
		Name:      "attempts_total",
		Help:      "Login requests forwarded to the database component.",
	})
	metricLoginSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mmolobby",
		Subsystem: "login",
		Name:      "success_total",
		Help:      "Logins completed with a gateway address handed to the client.",
	})
	metricLoginFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mmolobby",
		Subsystem: "login",
		Name:      "failures_total",
		Help:      "Login failures by error code.",
	}, []string{"code"})
	metricCreateAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mmolobby",
		Subsystem: "account",
		Name:      "create_attempts_total",
		Help:      "Account creation requests forwarded to the database component.",
	})
	metricCreateResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mmolobby",
		Subsystem: "account",
		Name:      "create_results_total",
		Help:      "Account creation results by error code.",
	}, []string{"code"})
	metricPendingLogin = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mmolobby",
		Subsystem: "login",
		Name:      "pending",
		Help:      "In-flight login requests.",
	})
	metricPendingCreate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mmolobby",
		Subsystem: "account",
		Name:      "create_pending",
		Help:      "In-flight account creation requests.",
	})
)

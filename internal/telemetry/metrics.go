// Package telemetry provides application-level observability for the
// compliance backend.
//
// All metrics are registered against the default Prometheus registry and are
// served on a side-channel HTTP server started by cmd/server (default port
// 9090, path /metrics). The endpoint is deliberately not on the Gin router so
// the scrape path stays off the service ingress and outside rate limiting.
//
// HTTP metrics use c.FullPath() (route template such as
// /internal/v1/violations/:id/transition) rather than the raw URL to prevent
// unbounded label cardinality from user-supplied path segments.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Audit chain metrics.
var (
	AuditRecordsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_appended_total",
			Help: "Audit records successfully appended, by chain and risk level.",
		},
		[]string{"chain", "risk_level"},
	)

	AuditAppendConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_append_conflicts_total",
			Help: "Append attempts that lost the conditional-write race and were retried.",
		},
		[]string{"chain"},
	)

	AuditVerifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_chain_verify_duration_seconds",
			Help:    "Duration of integrity verification walks.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	AuditChainBroken = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_chain_broken_total",
			Help: "Broken-chain entries reported by integrity verification. Any increase demands investigation.",
		},
		[]string{"chain"},
	)

	AuditLastVerify = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audit_chain_last_verify_timestamp_seconds",
			Help: "Unix time of the last completed integrity verification, by chain.",
		},
		[]string{"chain"},
	)
)

// Violation lifecycle metrics.
var (
	ViolationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "violations_created_total",
			Help: "Compliance violations created, by type and severity.",
		},
		[]string{"type", "severity"},
	)

	ViolationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "violation_transitions_total",
			Help: "Successful violation status transitions, by from and to status.",
		},
		[]string{"from", "to"},
	)
)

// CheckpointsAnchored counts chain-head checkpoints written to anchor sinks.
var CheckpointsAnchored = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_checkpoints_anchored_total",
		Help: "Chain-head checkpoints written to anchor sinks, by sink and outcome.",
	},
	[]string{"sink", "outcome"},
)

// DBConnectionsOpen tracks the database connection pool size.
var DBConnectionsOpen = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_connections_open",
		Help: "Number of open database connections in the pool.",
	},
)

// StartDBStatsCollector polls the connection pool every 30 seconds and
// exports the open-connection count. The goroutine runs for the process
// lifetime; it holds only the *sql.DB handle.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			DBConnectionsOpen.Set(float64(db.Stats().OpenConnections))
		}
	}()
	slog.Debug("database pool stats collector started")
}

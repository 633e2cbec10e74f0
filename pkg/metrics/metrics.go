// Copyright (c) 2025 Barqly
//
// This file is part of barqly-vault.
//
// barqly-vault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@barqly.com for commercial licensing options.

// Package metrics exposes Prometheus instrumentation for vault operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts facade operations by name and outcome.
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "barqly_vault",
		Name:      "operations_total",
		Help:      "Vault operations by name and outcome.",
	}, []string{"operation", "outcome"})

	// Timeouts counts sessions killed on deadline expiry.
	Timeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "barqly_vault",
		Name:      "session_timeouts_total",
		Help:      "Tool sessions killed after exceeding their deadline.",
	}, []string{"operation"})

	// SessionDuration observes wall time of tool sessions. Touch-required
	// sessions dominate the long tail.
	SessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "barqly_vault",
		Name:      "session_duration_seconds",
		Help:      "Wall time of external tool sessions.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"operation"})
)

// ObserveOperation records one operation outcome.
func ObserveOperation(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	Operations.WithLabelValues(operation, outcome).Inc()
}

// ObserveSession records one tool session's duration.
func ObserveSession(operation string, start time.Time) {
	SessionDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

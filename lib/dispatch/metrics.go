// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks acquisition attempts and job polling. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	attempts     *prometheus.CounterVec
	polls        prometheus.Counter
	skippedTicks prometheus.Counter
	logLines     prometheus.Counter
	cursor       prometheus.Gauge
	outcomes     *prometheus.CounterVec
}

// NewMetrics returns a new Metrics, registered with reg. If reg is
// nil, a new private registry is used.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cibroker",
			Subsystem: "client",
			Name:      "acquire_attempts_total",
			Help:      "Number of attempts to acquire a slave, by result.",
		}, []string{"result"}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cibroker",
			Subsystem: "client",
			Name:      "job_polls_total",
			Help:      "Number of job status requests sent to the slave.",
		}),
		skippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cibroker",
			Subsystem: "client",
			Name:      "job_poll_ticks_skipped_total",
			Help:      "Number of poll intervals skipped because the previous poll was still in progress.",
		}),
		logLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cibroker",
			Subsystem: "client",
			Name:      "job_log_lines_total",
			Help:      "Number of job log lines received from the slave.",
		}),
		cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cibroker",
			Subsystem: "client",
			Name:      "job_log_cursor",
			Help:      "Index of the next job log line to request.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cibroker",
			Subsystem: "client",
			Name:      "job_outcomes_total",
			Help:      "Number of jobs followed to completion, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.attempts, m.polls, m.skippedTicks, m.logLines, m.cursor, m.outcomes)
	return m
}

var attemptResults = map[ErrorKind]string{
	KindNone:               "acquired",
	CoordinatorUnreachable: "coordinator_unreachable",
	CoordinatorError:       "coordinator_error",
	NoWorkersRegistered:    "no_workers",
	NoEligibleWorker:       "no_eligible_worker",
	DispatchTransportError: "dispatch_transport_error",
	DispatchProtocolError:  "dispatch_protocol_error",
}

// countAttempt records the result of one acquisition attempt. Kind
// KindNone means success.
func (m *Metrics) countAttempt(kind ErrorKind) {
	if m == nil {
		return
	}
	result, ok := attemptResults[kind]
	if !ok {
		result = "other"
	}
	m.attempts.WithLabelValues(result).Inc()
}

func (m *Metrics) countPoll(lines, cursor int) {
	if m == nil {
		return
	}
	m.polls.Inc()
	m.logLines.Add(float64(lines))
	m.cursor.Set(float64(cursor))
}

func (m *Metrics) countSkippedTick() {
	if m == nil {
		return
	}
	m.skippedTicks.Inc()
}

func (m *Metrics) countOutcome(o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(o.String()).Inc()
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"git.cibroker.org/cibroker.git/sdk/go/cibroker"
	"git.cibroker.org/cibroker.git/sdk/go/ctxlog"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultLogPageSize    = 100
	DefaultCleanupTimeout = 30 * time.Second
)

// A Monitor follows a job on a slave until it finishes, copying its
// log to Stdout, then deletes it from the slave.
//
// A Monitor must not be copied or reused after Run returns.
type Monitor struct {
	Jobs JobAPI
	Job  cibroker.JobHandle

	// Time between polls. Zero means DefaultPollInterval.
	Interval time.Duration

	// Maximum number of log lines to request per poll. Zero means
	// DefaultLogPageSize.
	PageSize int

	// Destination for the job's log lines. Nil means discard.
	Stdout io.Writer

	// Logger for diagnostics. Nil means ctxlog.FromContext(ctx).
	Logger logrus.FieldLogger

	// Time limit for deleting the job after it finishes. Zero
	// means DefaultCleanupTimeout.
	CleanupTimeout time.Duration

	Metrics *Metrics

	mtx     sync.Mutex
	polling bool
	cursor  int
	lines   int64
	last    *cibroker.JobStatus
}

type pollResult struct {
	status cibroker.JobStatus
	err    error
}

// Run polls the job until it is no longer running, reports its
// outcome, deletes it from the slave (waiting at most
// CleanupTimeout), and returns the outcome.
//
// The returned error is an *Error of kind PollTransportError, or
// ctx.Err() if ctx is cancelled before the job finishes. In either
// case the job is not deleted; see Cleanup.
func (m *Monitor) Run(ctx context.Context) (Outcome, error) {
	logger := m.logger(ctx)
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	pageSize := m.PageSize
	if pageSize <= 0 {
		pageSize = DefaultLogPageSize
	}
	stdout := m.Stdout
	if stdout == nil {
		stdout = io.Discard
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	results := make(chan pollResult, 1)
	for {
		select {
		case <-ctx.Done():
			if m.isPolling() {
				// The poll uses ctx too, so this
				// won't take long.
				<-results
			}
			return OutcomeUnknown, ctx.Err()
		case <-ticker.C:
			cursor, ok := m.startPoll()
			if !ok {
				m.Metrics.countSkippedTick()
				logger.Debug("previous poll still in progress, skipping tick")
				continue
			}
			go func() {
				st, err := m.Jobs.JobStatus(ctx, m.Job, cursor, pageSize)
				results <- pollResult{status: st, err: err}
			}()
		case res := <-results:
			if res.err != nil {
				m.finishPoll(nil)
				if ctx.Err() != nil {
					return OutcomeUnknown, ctx.Err()
				}
				logger.WithError(res.err).WithField("LastStatus", m.lastStatus()).Error("error getting job status from slave")
				return OutcomeUnknown, newError(PollTransportError, res.err)
			}
			cursor := m.finishPoll(&res.status)
			m.Metrics.countPoll(len(res.status.Log), cursor)
			logger.WithFields(logrus.Fields{
				"Cursor":  cursor,
				"Lines":   len(res.status.Log),
				"Running": res.status.Running,
			}).Debug("polled job status")
			for _, line := range res.status.Log {
				fmt.Fprintln(stdout, line)
			}
			if res.status.Running {
				continue
			}
			outcome := JobSucceeded
			if res.status.Failed {
				outcome = JobFailed
			}
			m.Metrics.countOutcome(outcome)
			m.report(logger, outcome)
			m.cleanupWithTimeout(ctx)
			return outcome, nil
		}
	}
}

// Cleanup asks the slave to delete the job. Errors are logged and
// otherwise ignored. It is safe to call more than once.
func (m *Monitor) Cleanup(ctx context.Context) {
	err := m.Jobs.JobDelete(ctx, m.Job)
	if err != nil {
		m.logger(ctx).WithError(err).Warn("error deleting job from slave")
	}
}

func (m *Monitor) cleanupWithTimeout(ctx context.Context) {
	timeout := m.CleanupTimeout
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	m.Cleanup(ctx)
}

// Cursor returns the index of the next log line to request.
func (m *Monitor) Cursor() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.cursor
}

func (m *Monitor) logger(ctx context.Context) logrus.FieldLogger {
	logger := m.Logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	return logger.WithFields(logrus.Fields{
		"Worker": m.Job.Worker.String(),
		"JobID":  m.Job.ID,
	})
}

// startPoll claims the poll slot and returns the cursor to poll
// from. If a poll is already in flight, ok is false.
func (m *Monitor) startPoll() (cursor int, ok bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.polling {
		return 0, false
	}
	m.polling = true
	return m.cursor, true
}

// finishPoll releases the poll slot, and advances the cursor past
// the log lines in st (if not nil). It returns the new cursor.
func (m *Monitor) finishPoll(st *cibroker.JobStatus) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.polling = false
	if st != nil {
		m.cursor += len(st.Log)
		m.lines += int64(len(st.Log))
		m.last = st
	}
	return m.cursor
}

func (m *Monitor) isPolling() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.polling
}

func (m *Monitor) lastStatus() string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	switch {
	case m.last == nil:
		return "none"
	case m.last.Running:
		return "running"
	case m.last.Failed:
		return "failed"
	default:
		return "finished"
	}
}

func (m *Monitor) report(logger logrus.FieldLogger, outcome Outcome) {
	m.mtx.Lock()
	lines := m.lines
	m.mtx.Unlock()
	logger = logger.WithFields(logrus.Fields{
		"Outcome":  outcome.String(),
		"LogLines": humanize.Comma(lines),
	})
	if outcome == JobFailed {
		logger.Warn("job failed")
	} else {
		logger.Info("job succeeded")
	}
}

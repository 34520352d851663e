// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"git.cibroker.org/cibroker.git/sdk/go/cibroker"
	"git.cibroker.org/cibroker.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCoordinatorInterval = time.Second
	DefaultMaxAttempts         = 60
)

// State is a step in the acquisition cycle.
type State string

const (
	StateWaiting           State = "waiting"
	StateQueryingDirectory State = "querying_directory"
	StateSelecting         State = "selecting"
	StateDispatching       State = "dispatching"
	StateAcquired          State = "acquired"
	StateRetry             State = "retry"
	StateAborted           State = "aborted"
)

// An Acquirer finds a suitable slave and submits a job to it,
// retrying at a fixed interval until the job is accepted or the
// attempt limit is reached.
type Acquirer struct {
	Coordinator    Coordinator
	Jobs           JobAPI
	CoordinatorURL string

	// Slave endpoint settings. The host comes from the
	// coordinator's directory.
	Protocol string
	Port     int

	// Capability tags; a slave is eligible if it has any of
	// them.
	Tags []string

	Command string

	// Pause before each attempt.
	Interval time.Duration

	// Give up after this many attempts. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int

	// Pick a slave from the eligible set. Nil means uniformly at
	// random.
	Choose ChooseFunc

	// Logger for diagnostics. Nil means ctxlog.FromContext(ctx).
	Logger logrus.FieldLogger

	Metrics *Metrics
}

// Acquire runs the acquisition loop and returns a handle for the
// newly created job.
//
// The returned error is an *Error of kind AcquisitionExhausted or
// DispatchProtocolError, or ctx.Err() if ctx is cancelled first.
func (a *Acquirer) Acquire(ctx context.Context) (cibroker.JobHandle, error) {
	logger := a.Logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	maxAttempts := a.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		alog := logger.WithField("Attempt", attempt)
		alog.WithField("State", StateWaiting).Debug("waiting before next attempt")
		err := pause(ctx, a.Interval)
		if err != nil {
			return cibroker.JobHandle{}, err
		}
		job, err := a.attempt(ctx, alog)
		if err == nil {
			a.Metrics.countAttempt(KindNone)
			alog.WithFields(logrus.Fields{
				"State":  StateAcquired,
				"Worker": job.Worker.String(),
				"JobID":  job.ID,
			}).Info("job created")
			return job, nil
		}
		if ctx.Err() != nil {
			return cibroker.JobHandle{}, ctx.Err()
		}
		kind := KindOf(err)
		a.Metrics.countAttempt(kind)
		if kind.Fatal() {
			alog.WithField("State", StateAborted).WithError(err).Error("giving up")
			return cibroker.JobHandle{}, err
		}
		a.logRetry(alog.WithField("State", StateRetry), err)
		lastErr = err
	}
	logger.WithField("State", StateAborted).Errorf("failed to acquire a slave after %d attempts, exiting", maxAttempts)
	return cibroker.JobHandle{}, newError(AcquisitionExhausted, fmt.Errorf("%d attempts failed, last error: %w", maxAttempts, lastErr))
}

// attempt performs one query-select-dispatch cycle.
func (a *Acquirer) attempt(ctx context.Context, logger logrus.FieldLogger) (cibroker.JobHandle, error) {
	logger.WithField("State", StateQueryingDirectory).Debug("querying coordinator")
	dir, err := FetchDirectory(ctx, a.Coordinator, a.CoordinatorURL)
	if err != nil {
		return cibroker.JobHandle{}, err
	}
	if len(dir) == 0 {
		return cibroker.JobHandle{}, newError(NoWorkersRegistered, nil)
	}

	logger.WithFields(logrus.Fields{
		"State":   StateSelecting,
		"Workers": len(dir),
		"Tags":    a.Tags,
	}).Debug("selecting slave")
	name, ok, err := SelectWorker(dir, a.Tags, a.Choose)
	if err != nil {
		return cibroker.JobHandle{}, newError(NoEligibleWorker, err)
	} else if !ok {
		return cibroker.JobHandle{}, newError(NoEligibleWorker, nil)
	}

	worker := cibroker.WorkerAddress{Protocol: a.Protocol, Host: name, Port: a.Port}
	logger.WithFields(logrus.Fields{
		"State":  StateDispatching,
		"Worker": worker.String(),
	}).Debug("submitting job")
	id, err := Submit(ctx, a.Jobs, worker, a.Command)
	if err != nil {
		return cibroker.JobHandle{}, err
	}
	return cibroker.JobHandle{Worker: worker, ID: id}, nil
}

func (a *Acquirer) logRetry(logger logrus.FieldLogger, err error) {
	switch KindOf(err) {
	case CoordinatorUnreachable:
		logger.WithField("Coordinator", a.CoordinatorURL).Warn("coordinator unreachable")
	case CoordinatorError:
		logger.WithError(err).Warn("error getting slave list from coordinator")
	case NoWorkersRegistered:
		logger.Info("no slaves registered on coordinator")
	case NoEligibleWorker:
		logger.WithField("Tags", a.Tags).Info("no suitable slave currently available, waiting")
	case DispatchTransportError:
		logger.WithError(err).Warn("slave unreachable")
	default:
		logger.WithError(err).Warn("attempt failed")
	}
}

// FetchDirectory retrieves the slave directory from the coordinator,
// classifying failures as CoordinatorUnreachable or
// CoordinatorError.
func FetchDirectory(ctx context.Context, coord Coordinator, coordinatorURL string) (cibroker.WorkerDirectory, error) {
	dir, err := coord.WorkerDirectory(ctx, coordinatorURL)
	switch {
	case err == nil:
		return dir, nil
	case cibroker.IsConnectError(err):
		return nil, newError(CoordinatorUnreachable, err)
	default:
		return nil, newError(CoordinatorError, err)
	}
}

// Submit creates a job on the given slave and returns its ID,
// classifying failures as DispatchTransportError (try again later)
// or DispatchProtocolError (the slave is misbehaving).
func Submit(ctx context.Context, jobs JobAPI, worker cibroker.WorkerAddress, command string) (string, error) {
	created, err := jobs.JobCreate(ctx, worker, command)
	if err == nil {
		return created.ID, nil
	}
	if cibroker.IsTransportError(err) {
		return "", newError(DispatchTransportError, err)
	}
	var te *cibroker.TransactionError
	if errors.As(err, &te) {
		switch te.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return "", newError(DispatchTransportError, err)
		}
	}
	return "", newError(DispatchProtocolError, err)
}

// pause waits for d, or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

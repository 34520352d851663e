// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure to acquire a slave or follow a job.
type ErrorKind int

const (
	// KindNone means the error did not come from this package.
	KindNone ErrorKind = iota
	CoordinatorUnreachable
	CoordinatorError
	NoWorkersRegistered
	NoEligibleWorker
	DispatchTransportError
	DispatchProtocolError
	AcquisitionExhausted
	PollTransportError
)

var kindNames = map[ErrorKind]string{
	KindNone:               "unclassified",
	CoordinatorUnreachable: "coordinator unreachable",
	CoordinatorError:       "coordinator error",
	NoWorkersRegistered:    "no slaves registered",
	NoEligibleWorker:       "no suitable slave",
	DispatchTransportError: "slave unreachable",
	DispatchProtocolError:  "unexpected response creating job",
	AcquisitionExhausted:   "attempts exhausted",
	PollTransportError:     "error contacting slave",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Fatal returns true if an error of this kind must stop the client
// instead of causing another attempt.
func (k ErrorKind) Fatal() bool {
	switch k {
	case DispatchProtocolError, AcquisitionExhausted, PollTransportError:
		return true
	default:
		return false
	}
}

// Error is a classified error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, &Error{Kind: k}) true for any error of
// kind k.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindNone.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// Outcome is the final state of a job that ran to completion. A
// failed job is an outcome, not a client error.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	JobSucceeded
	JobFailed
)

func (o Outcome) String() string {
	switch o {
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

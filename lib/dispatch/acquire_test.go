// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"git.cibroker.org/cibroker.git/sdk/go/cibroker"
	"git.cibroker.org/cibroker.git/sdk/go/cibrokertest"
	"git.cibroker.org/cibroker.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&AcquireSuite{})

type AcquireSuite struct {
	ctx context.Context
	reg *prometheus.Registry
}

func (s *AcquireSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.reg = prometheus.NewRegistry()
}

// acquirer returns an Acquirer whose metrics are registered with a
// new s.reg, so tests can build more than one.
func (s *AcquireSuite) acquirer(coord Coordinator, jobs JobAPI) *Acquirer {
	s.reg = prometheus.NewRegistry()
	return &Acquirer{
		Coordinator:    coord,
		Jobs:           jobs,
		CoordinatorURL: "http://coordinator.example:8082",
		Protocol:       "http",
		Port:           8081,
		Command:        "make test",
		Interval:       time.Millisecond,
		MaxAttempts:    10,
		Metrics:        NewMetrics(s.reg),
	}
}

func (s *AcquireSuite) attempts(c *check.C, result string) float64 {
	return cibrokertest.GetMetricValue(c, s.reg, "cibroker_client_acquire_attempts_total", "result", result)
}

// Two empty directories, then a slave appears.
func (s *AcquireSuite) TestEmptyDirectoryThenWorker(c *check.C) {
	coord := &stubCoordinator{dirs: []cibroker.WorkerDirectory{
		{},
		{},
		{"w1": {Tags: []string{}}},
	}}
	jobs := &stubJobs{createID: "j1"}
	job, err := s.acquirer(coord, jobs).Acquire(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(job.ID, check.Equals, "j1")
	c.Check(job.Worker, check.Equals, cibroker.WorkerAddress{Protocol: "http", Host: "w1", Port: 8081})
	c.Check(coord.Calls(), check.Equals, 3)
	c.Check(jobs.Created(), check.HasLen, 1)
	c.Check(jobs.commands, check.DeepEquals, []string{"make test"})
	c.Check(s.attempts(c, "no_workers"), check.Equals, 2.0)
	c.Check(s.attempts(c, "acquired"), check.Equals, 1.0)
}

// The coordinator refuses every connection: no job is ever
// submitted.
func (s *AcquireSuite) TestCoordinatorRefused(c *check.C) {
	jobs := &stubJobs{}
	a := s.acquirer(&cibroker.Client{Timeout: time.Second}, jobs)
	a.CoordinatorURL = refusedURL(c)
	a.MaxAttempts = 5
	_, err := a.Acquire(s.ctx)
	c.Assert(err, check.NotNil)
	c.Check(KindOf(err), check.Equals, AcquisitionExhausted)
	c.Check(errors.Is(err, &Error{Kind: AcquisitionExhausted}), check.Equals, true)
	c.Check(errors.Is(err, &Error{Kind: CoordinatorUnreachable}), check.Equals, true)
	c.Check(err, check.ErrorMatches, `attempts exhausted: 5 attempts failed, last error: coordinator unreachable: .*`)
	c.Check(jobs.Created(), check.HasLen, 0)
	c.Check(s.attempts(c, "coordinator_unreachable"), check.Equals, 5.0)
}

func (s *AcquireSuite) TestAtMostMaxAttempts(c *check.C) {
	for _, trial := range []struct {
		dirs   []cibroker.WorkerDirectory
		err    error
		tags   []string
		result string
	}{
		{err: errors.New("500 Internal Server Error"), result: "coordinator_error"},
		{dirs: nil, result: "no_workers"},
		{dirs: []cibroker.WorkerDirectory{{"w1": {Tags: []string{"cpu"}}}}, tags: []string{"gpu"}, result: "no_eligible_worker"},
	} {
		for _, max := range []int{1, 3, 7} {
			jobs := &stubJobs{}
			coord := &stubCoordinator{dirs: trial.dirs, err: trial.err}
			a := s.acquirer(coord, jobs)
			a.Tags = trial.tags
			a.MaxAttempts = max
			_, err := a.Acquire(s.ctx)
			c.Check(KindOf(err), check.Equals, AcquisitionExhausted)
			c.Check(coord.Calls(), check.Equals, max)
			c.Check(jobs.Created(), check.HasLen, 0)
			c.Check(s.attempts(c, trial.result), check.Equals, float64(max))
		}
	}
}

func (s *AcquireSuite) TestDefaultMaxAttempts(c *check.C) {
	coord := &stubCoordinator{}
	a := s.acquirer(coord, &stubJobs{})
	a.MaxAttempts = 0
	a.Interval = 0
	_, err := a.Acquire(s.ctx)
	c.Check(KindOf(err), check.Equals, AcquisitionExhausted)
	c.Check(coord.Calls(), check.Equals, DefaultMaxAttempts)
}

func (s *AcquireSuite) TestDispatchTransportErrorRetried(c *check.C) {
	coord := &stubCoordinator{dirs: []cibroker.WorkerDirectory{{"w1": {}}}}
	jobs := &stubJobs{
		createID: "j2",
		createErrs: []error{
			&url.Error{Op: "Post", URL: "http://w1:8081/v1/jobs", Err: errUnreachable},
			&cibroker.TransactionError{Method: "POST", StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"},
		},
	}
	job, err := s.acquirer(coord, jobs).Acquire(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(job.ID, check.Equals, "j2")
	c.Check(coord.Calls(), check.Equals, 3)
	c.Check(jobs.Created(), check.HasLen, 3)
	c.Check(s.attempts(c, "dispatch_transport_error"), check.Equals, 2.0)
}

func (s *AcquireSuite) TestDispatchProtocolErrorFatal(c *check.C) {
	for _, createErr := range []error{
		cibroker.ErrMissingJobID,
		&cibroker.TransactionError{Method: "POST", StatusCode: http.StatusInternalServerError, Status: "500 Internal Server Error"},
		&cibroker.DecodeError{URL: url.URL{Scheme: "http", Host: "w1:8081", Path: "/v1/jobs"}, Body: "<html>", Err: errors.New("invalid character '<'")},
	} {
		coord := &stubCoordinator{dirs: []cibroker.WorkerDirectory{{"w1": {}}}}
		jobs := &stubJobs{createErrs: []error{createErr}}
		_, err := s.acquirer(coord, jobs).Acquire(s.ctx)
		c.Check(KindOf(err), check.Equals, DispatchProtocolError, check.Commentf("%T", createErr))
		c.Check(errors.Is(err, createErr), check.Equals, true)
		c.Check(coord.Calls(), check.Equals, 1)
		c.Check(jobs.Created(), check.HasLen, 1)
		c.Check(s.attempts(c, "dispatch_protocol_error"), check.Equals, 1.0)
	}
}

func (s *AcquireSuite) TestCancel(c *check.C) {
	coord := &stubCoordinator{}
	a := s.acquirer(coord, &stubJobs{})
	a.Interval = time.Hour
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	t0 := time.Now()
	_, err := a.Acquire(ctx)
	c.Check(err, check.Equals, context.DeadlineExceeded)
	c.Check(time.Since(t0) < 5*time.Second, check.Equals, true)
	c.Check(coord.Calls(), check.Equals, 0)
}

func (s *AcquireSuite) TestPauseBeforeEachAttempt(c *check.C) {
	coord := &stubCoordinator{dirs: []cibroker.WorkerDirectory{{}, {"w1": {}}}}
	a := s.acquirer(coord, &stubJobs{})
	a.Interval = 20 * time.Millisecond
	t0 := time.Now()
	_, err := a.Acquire(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(time.Since(t0) >= 40*time.Millisecond, check.Equals, true)
}

// Acquire from real stub servers, through a cibroker.Client.
func (s *AcquireSuite) TestHTTPStubs(c *check.C) {
	worker := &cibrokertest.StubWorker{JobID: "job-7"}
	addr := worker.Start()
	defer worker.Close()
	coord := &cibrokertest.StubCoordinator{Responses: []cibrokertest.StubResponse{
		{Status: http.StatusBadGateway, Body: `{"errors":["proxy down"]}`},
		{Body: `{"` + addr.Host + `":{"tags":["gpu"]},"elsewhere.invalid":{"tags":["cpu"]}}`},
	}}
	coordURL := coord.Start()
	defer coord.Close()

	client := &cibroker.Client{Timeout: 5 * time.Second}
	a := s.acquirer(client, client)
	a.CoordinatorURL = coordURL
	a.Port = addr.Port
	a.Tags = []string{"gpu"}
	a.Command = "go test ./... && echo ok"
	job, err := a.Acquire(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(job.ID, check.Equals, "job-7")
	c.Check(job.Worker, check.Equals, addr)
	c.Check(coord.Requests(), check.Equals, 2)
	c.Check(worker.Commands(), check.DeepEquals, []string{"go test ./... && echo ok"})
	c.Check(s.attempts(c, "coordinator_error"), check.Equals, 1.0)
}

func (s *AcquireSuite) TestFetchDirectoryClassification(c *check.C) {
	client := &cibroker.Client{Timeout: time.Second}
	_, err := FetchDirectory(s.ctx, client, refusedURL(c))
	c.Check(KindOf(err), check.Equals, CoordinatorUnreachable)

	for _, trial := range []directoryTrial{
		{status: http.StatusInternalServerError, body: `{"errors":["oops"]}`},
		{status: http.StatusNotFound, body: `not found`},
		{status: http.StatusOK, body: `[1,2,3]`},
		{status: http.StatusOK, body: `{"w1":`},
	} {
		coord := &cibrokertest.StubCoordinator{Responses: []cibrokertest.StubResponse{{Status: trial.status, Body: trial.body}}}
		coordURL := coord.Start()
		_, err := FetchDirectory(s.ctx, client, coordURL)
		c.Check(KindOf(err), check.Equals, CoordinatorError, check.Commentf("%+v", trial))
		coord.Close()
	}
}

type directoryTrial struct {
	status int
	body   string
}

func (s *AcquireSuite) TestSubmitClassification(c *check.C) {
	worker := cibroker.WorkerAddress{Protocol: "http", Host: "w1", Port: 8081}
	for _, trial := range []struct {
		err  error
		kind ErrorKind
	}{
		{&url.Error{Op: "Post", URL: "http://w1:8081/v1/jobs", Err: errUnreachable}, DispatchTransportError},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), DispatchTransportError},
		{&cibroker.TransactionError{StatusCode: http.StatusTooManyRequests}, DispatchTransportError},
		{&cibroker.TransactionError{StatusCode: http.StatusBadGateway}, DispatchTransportError},
		{&cibroker.TransactionError{StatusCode: http.StatusGatewayTimeout}, DispatchTransportError},
		{&cibroker.TransactionError{StatusCode: http.StatusBadRequest}, DispatchProtocolError},
		{&cibroker.TransactionError{StatusCode: http.StatusNotFound}, DispatchProtocolError},
		{cibroker.ErrMissingJobID, DispatchProtocolError},
	} {
		id, err := Submit(s.ctx, &stubJobs{createErrs: []error{trial.err}}, worker, "true")
		c.Check(id, check.Equals, "")
		c.Check(KindOf(err), check.Equals, trial.kind, check.Commentf("%v", trial.err))
		c.Check(errors.Is(err, trial.err), check.Equals, true)
	}
	id, err := Submit(s.ctx, &stubJobs{createID: "abc"}, worker, "true")
	c.Check(err, check.IsNil)
	c.Check(id, check.Equals, "abc")
}

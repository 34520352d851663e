// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cibroker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// WorkerInfo is a coordinator's description of a registered slave.
type WorkerInfo struct {
	Tags []string `json:"tags"`
}

// WorkerDirectory maps slave names to their descriptions. Slave
// names are also their host names.
type WorkerDirectory map[string]WorkerInfo

// WorkerAddress identifies a slave's job API endpoint.
type WorkerAddress struct {
	Protocol string
	Host     string
	Port     int
}

// URL returns the URL of the given path on the slave. The path must
// already be escaped.
func (wa WorkerAddress) URL(path string) string {
	return wa.Protocol + "://" + wa.String() + path
}

func (wa WorkerAddress) String() string {
	return net.JoinHostPort(wa.Host, strconv.Itoa(wa.Port))
}

// JobHandle identifies a job on a slave.
type JobHandle struct {
	Worker WorkerAddress
	ID     string
}

// JobCreated is the response to a job creation request.
type JobCreated struct {
	ID string `json:"id"`
}

// JobStatus is one page of a job's status and log.
type JobStatus struct {
	Running bool     `json:"running"`
	Failed  bool     `json:"failed"`
	Log     []string `json:"log"`
}

// ErrMissingJobID is returned by JobCreate when the slave's response
// does not include a job ID.
var ErrMissingJobID = errors.New("response does not include a job id")

// WorkerDirectory retrieves the current set of registered slaves from
// the coordinator at coordinatorURL. It does not retry.
func (c *Client) WorkerDirectory(ctx context.Context, coordinatorURL string) (WorkerDirectory, error) {
	u, err := url.JoinPath(coordinatorURL, "v1", "slaves")
	if err != nil {
		return nil, err
	}
	var dir WorkerDirectory
	err = c.RequestAndDecodeContext(ctx, &dir, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if dir == nil {
		dir = WorkerDirectory{}
	}
	return dir, nil
}

// JobCreate submits command to the given slave and returns the new
// job's ID.
func (c *Client) JobCreate(ctx context.Context, worker WorkerAddress, command string) (JobCreated, error) {
	var resp JobCreated
	err := c.RequestAndDecodeContext(ctx, &resp, http.MethodPost, worker.URL("/v1/jobs"), url.Values{"command": {command}})
	if err != nil {
		return resp, err
	}
	if resp.ID == "" {
		return resp, ErrMissingJobID
	}
	return resp, nil
}

// JobStatus retrieves the job's state and up to pageSize log lines,
// starting at log line index cursor.
func (c *Client) JobStatus(ctx context.Context, job JobHandle, cursor, pageSize int) (JobStatus, error) {
	var st JobStatus
	path := "/v1/jobs/" + url.PathEscape(job.ID) + "/" + strconv.Itoa(cursor)
	params := url.Values{"pagesize": {strconv.Itoa(pageSize)}}
	err := c.RequestAndDecodeContext(ctx, &st, http.MethodGet, job.Worker.URL(path), params)
	return st, err
}

// JobDelete asks the slave to discard the job and its log. Transient
// failures are retried up to c.CleanupRetries times. The response
// body is not inspected.
func (c *Client) JobDelete(ctx context.Context, job JobHandle) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, job.Worker.URL("/v1/jobs/"+url.PathEscape(job.ID)), nil)
	if err != nil {
		return err
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient = c.httpClient()
	rc.RetryMax = c.CleanupRetries
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	if c.CleanupRetryWaitMin > 0 {
		rc.RetryWaitMin = c.CleanupRetryWaitMin
	}
	if c.CleanupRetryWaitMax > 0 {
		rc.RetryWaitMax = c.CleanupRetryWaitMax
	}
	if c.Logger != nil {
		rc.Logger = retryLogger{c.Logger}
	} else {
		rc.Logger = nil
	}
	resp, err := rc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("delete %s: %s", job.ID, resp.Status)
	}
	return nil
}

// retryLogger adapts a logrus logger to retryablehttp's
// LeveledLogger. Everything is logged at debug level: retry chatter
// is not interesting unless something is being investigated.
type retryLogger struct {
	logrus.FieldLogger
}

func (rl retryLogger) fields(keysAndValues []interface{}) logrus.FieldLogger {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return rl.FieldLogger.WithFields(f)
}

func (rl retryLogger) Error(msg string, keysAndValues ...interface{}) {
	rl.fields(keysAndValues).Debug(msg)
}

func (rl retryLogger) Info(msg string, keysAndValues ...interface{}) {
	rl.fields(keysAndValues).Debug(msg)
}

func (rl retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	rl.fields(keysAndValues).Debug(msg)
}

func (rl retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	rl.fields(keysAndValues).Debug(msg)
}

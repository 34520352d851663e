// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cibroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

// TransactionError is returned when a server responds with a non-2xx
// status.
type TransactionError struct {
	Method     string
	URL        url.URL
	StatusCode int
	Status     string
	errors     []string
}

func (e TransactionError) Error() (s string) {
	s = fmt.Sprintf("request failed: %s %s", e.Method, e.URL.String())
	if e.Status != "" {
		s = s + ": " + e.Status
	}
	if len(e.errors) > 0 {
		s = s + ": " + strings.Join(e.errors, "; ")
	}
	return
}

// HTTPStatus returns the response status code.
func (e TransactionError) HTTPStatus() int {
	return e.StatusCode
}

func newTransactionError(req *http.Request, resp *http.Response, buf []byte) *TransactionError {
	var e TransactionError
	var body struct {
		Errors []string `json:"errors"`
		Error  string   `json:"error"`
	}
	if json.Unmarshal(buf, &body) == nil {
		e.errors = body.Errors
		if body.Error != "" {
			e.errors = append(e.errors, body.Error)
		}
	} else if msg := strings.TrimSpace(truncate(buf, 200)); msg != "" {
		// Not JSON, but possibly a useful plain text message.
		e.errors = []string{msg}
	}
	e.Method = req.Method
	e.URL = *req.URL
	if resp != nil {
		e.Status = resp.Status
		e.StatusCode = resp.StatusCode
	}
	return &e
}

// DecodeError is returned when a 2xx response body cannot be decoded
// into the expected payload.
type DecodeError struct {
	URL  url.URL
	Body string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode response from %s: %s (body: %q)", e.URL.String(), e.Err, e.Body)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsConnectError returns true if err indicates the remote end could
// not be reached at all: the connection was refused or reset, or the
// request timed out.
func IsConnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var neterr net.Error
	if errors.As(err, &neterr) && neterr.Timeout() {
		return true
	}
	return false
}

// IsTransportError returns true if err happened while sending the
// request or receiving the response, as opposed to an HTTP status or
// payload problem.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var te *TransactionError
	var de *DecodeError
	if errors.As(err, &te) || errors.As(err, &de) {
		return false
	}
	if IsConnectError(err) {
		return true
	}
	var uerr *url.Error
	var neterr net.Error
	return errors.As(err, &uerr) ||
		errors.As(err, &neterr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cibroker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// A Client is an HTTP client for the coordinator and slave APIs.
//
// Unlike most API clients it has no fixed endpoint: the coordinator
// URL and slave addresses are supplied with each call, because the
// slave is only known after the coordinator has been consulted.
type Client struct {
	// HTTP client used to make requests. If nil,
	// DefaultHTTPClient will be used.
	Client *http.Client `json:"-"`

	// Timeout for requests. Zero means requests are bounded only
	// by their context.
	Timeout time.Duration

	// Number of times to retry a failed job deletion before
	// giving up.
	CleanupRetries int

	// Minimum and maximum wait between cleanup retries. Zero
	// values mean 100ms and 2s respectively.
	CleanupRetryWaitMin time.Duration
	CleanupRetryWaitMax time.Duration

	// Logger for retry diagnostics. If nil, retries are not
	// logged.
	Logger logrus.FieldLogger `json:"-"`
}

// DefaultHTTPClient is the http.Client used by a Client with
// Client==nil.
var DefaultHTTPClient = &http.Client{}

// NewClientFromSettings returns a Client configured with the timeout
// and retry settings in s.
func NewClientFromSettings(s *Settings) *Client {
	return &Client{
		Timeout:        time.Duration(s.Timeout),
		CleanupRetries: s.CleanupRetries,
	}
}

// Do applies the client timeout, then calls (*http.Client)Do().
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		ctx := req.Context()
		ctx, cancel = context.WithDeadline(ctx, time.Now().Add(c.Timeout))
		req = req.WithContext(ctx)
	}
	resp, err := c.httpClient().Do(req)
	if err == nil && cancel != nil {
		// We need to call cancel() eventually, but we can't
		// use "defer cancel()" because the context has to
		// stay alive until the caller has finished reading
		// the response body.
		resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	} else if cancel != nil {
		cancel()
	}
	return resp, err
}

// cancelOnClose calls a provided CancelFunc when its wrapped
// ReadCloser's Close() method is called.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (coc cancelOnClose) Close() error {
	err := coc.ReadCloser.Close()
	coc.cancel()
	return err
}

// DoAndDecode performs req and unmarshals the response (which must be
// JSON) into dst. Any 2xx status is accepted. If dst is nil, the
// response body is discarded.
func (c *Client) DoAndDecode(dst interface{}, req *http.Request) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300 && dst == nil:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		err = json.Unmarshal(buf, dst)
		if err != nil {
			return &DecodeError{URL: *req.URL, Body: truncate(buf, 200), Err: err}
		}
		return nil
	default:
		return newTransactionError(req, resp, buf)
	}
}

// RequestAndDecodeContext performs an API request and unmarshals the
// response (which must be JSON) into dst. For GET and DELETE requests
// params are sent in the query string; otherwise they are sent as a
// form-encoded request body.
func (c *Client) RequestAndDecodeContext(ctx context.Context, dst interface{}, method, urlString string, params url.Values) error {
	var body io.Reader
	if len(params) > 0 {
		if method == http.MethodGet || method == http.MethodDelete {
			u, err := url.Parse(urlString)
			if err != nil {
				return err
			}
			u.RawQuery = params.Encode()
			urlString = u.String()
		} else {
			body = strings.NewReader(params.Encode())
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, urlString, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	return c.DoAndDecode(dst, req)
}

func (c *Client) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return DefaultHTTPClient
}

func truncate(buf []byte, max int) string {
	if len(buf) <= max {
		return string(buf)
	}
	return fmt.Sprintf("%s...", buf[:max])
}

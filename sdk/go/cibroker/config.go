// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cibroker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Settings is the fully resolved client configuration.
type Settings struct {
	// Reserved for the controller API. Required, but not
	// otherwise used yet.
	ControllerURL string `json:"controllerUrl"`

	// Shell command to run on a slave.
	Command string `json:"command"`

	// Base URL of the coordinator.
	Coordinator string `json:"coordinator"`

	// Scheme ("http" or "https") and port used to reach slaves.
	Protocol string `json:"protocol"`
	Port     int    `json:"port"`

	// Capability tags. A slave is eligible if it advertises any
	// of them. Empty means any slave.
	Tags TagList `json:"tags"`

	// Per-request timeout for all coordinator and slave calls.
	// Zero disables the timeout.
	Timeout Duration `json:"timeout"`

	// Interval between job status polls, and number of log lines
	// to request per poll.
	SlavePollInterval Duration `json:"slavePollInterval"`
	LogPageSize       int      `json:"logPageSize"`

	// Pause before each attempt to acquire a slave, and the
	// number of attempts before giving up.
	CoordinatorInterval Duration `json:"coordinatorInterval"`
	MaxAttempts         int      `json:"maxAttempts"`

	// Number of retries for the job deletion that follows a
	// finished job.
	CleanupRetries int `json:"cleanupRetries"`

	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`

	// If not empty, write prometheus metrics to this file (in
	// text exposition format) before exiting.
	MetricsFile string `json:"metricsFile"`
}

// Check returns an error if the settings cannot be used to run a job.
func (s *Settings) Check() error {
	if s.ControllerURL == "" {
		return errors.New(`settings missing "controllerUrl" value`)
	}
	if s.Command == "" {
		return errors.New(`settings missing "command" value (use --command)`)
	}
	if u, err := url.Parse(s.Coordinator); err != nil {
		return fmt.Errorf("invalid coordinator URL %q: %w", s.Coordinator, err)
	} else if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid coordinator URL %q: must be an absolute URL", s.Coordinator)
	}
	switch s.Protocol {
	case "http", "https":
	default:
		return fmt.Errorf("invalid protocol %q: must be http or https", s.Protocol)
	}
	switch {
	case s.Port <= 0 || s.Port > 65535:
		return fmt.Errorf("invalid port %d", s.Port)
	case s.LogPageSize <= 0:
		return fmt.Errorf("invalid logPageSize %d: must be positive", s.LogPageSize)
	case s.MaxAttempts <= 0:
		return fmt.Errorf("invalid maxAttempts %d: must be positive", s.MaxAttempts)
	case s.SlavePollInterval <= 0:
		return fmt.Errorf("invalid slavePollInterval %s: must be positive", s.SlavePollInterval)
	case s.CoordinatorInterval <= 0:
		return fmt.Errorf("invalid coordinatorInterval %s: must be positive", s.CoordinatorInterval)
	case s.CleanupRetries < 0:
		return fmt.Errorf("invalid cleanupRetries %d: must not be negative", s.CleanupRetries)
	}
	switch s.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logFormat %q: must be text or json", s.LogFormat)
	}
	if s.LogLevel != "" {
		if _, err := logrus.ParseLevel(s.LogLevel); err != nil {
			return fmt.Errorf("invalid logLevel: %w", err)
		}
	}
	return nil
}

// TagList is a set of capability tags. In JSON/YAML it can be given
// either as a list of strings or as a single comma-separated string.
type TagList []string

// ParseTagList splits a comma-separated list of tags, dropping empty
// entries and duplicates.
func ParseTagList(s string) TagList {
	var tl TagList
	seen := map[string]bool{}
	for _, tag := range strings.Split(s, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tl = append(tl, tag)
	}
	return tl
}

// UnmarshalJSON implements json.Unmarshaler.
func (tl *TagList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		err := json.Unmarshal(data, &s)
		if err != nil {
			return err
		}
		*tl = ParseTagList(s)
		return nil
	}
	var list []string
	err := json.Unmarshal(data, &list)
	if err != nil {
		return fmt.Errorf("tags must be a list or a comma-separated string: %w", err)
	}
	*tl = ParseTagList(strings.Join(list, ","))
	return nil
}

// String implements flag.Value.
func (tl TagList) String() string {
	return strings.Join(tl, ",")
}

// Set implements flag.Value.
func (tl *TagList) Set(s string) error {
	*tl = ParseTagList(s)
	return nil
}

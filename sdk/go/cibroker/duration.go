// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cibroker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Duration is time.Duration but looks like "12s" in JSON, rather than
// a number of nanoseconds.
//
// For compatibility with older client.yml files, a bare number is
// accepted and interpreted as milliseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		err := json.Unmarshal(data, &s)
		if err != nil {
			return err
		}
		return d.Set(s)
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("duration must be given as a string like \"600s\" or \"1h30m\", or a number of milliseconds")
	}
	if ms < 0 {
		return fmt.Errorf("duration must not be negative: %v", ms)
	}
	*d = Duration(ms * float64(time.Millisecond))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Set implements flag.Value. Like UnmarshalJSON, it accepts either a
// duration string or a number of milliseconds.
func (d *Duration) Set(s string) error {
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		if ms < 0 {
			return fmt.Errorf("duration must not be negative: %q", s)
		}
		*d = Duration(ms * float64(time.Millisecond))
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if dur < 0 {
		return fmt.Errorf("duration must not be negative: %q", s)
	}
	*d = Duration(dur)
	return nil
}

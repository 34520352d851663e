// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cibrokertest

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/check.v1"
)

// GatherMetricsAsString returns the current contents of reg in the
// Prometheus text exposition format.
func GatherMetricsAsString(reg *prometheus.Registry) string {
	buf := bytes.NewBuffer(nil)
	enc := expfmt.NewEncoder(buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	got, _ := reg.Gather()
	for _, mf := range got {
		enc.Encode(mf)
	}
	return buf.String()
}

// GetMetricValue returns the current value of the indicated metric.
// Label names and values are given in labels, as in:
//
//	GetMetricValue(c, reg, "cibroker_client_acquire_attempts_total", "result", "acquired")
func GetMetricValue(c *check.C, reg *prometheus.Registry, name string, labels ...string) float64 {
	gather, err := reg.Gather()
	c.Assert(err, check.IsNil)
	for _, mf := range gather {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if labelsMatch(m, labels) {
				v, ok := metricValue(m)
				if !ok {
					c.Fatalf("GetMetricValue: unsupported metric type: %s", m)
				}
				return v
			}
		}
	}
	c.Fatalf("metric not found: %s %v", name, labels)
	return -1
}

func labelsMatch(m *dto.Metric, labels []string) bool {
	if 2*len(m.Label) != len(labels) {
		return false
	}
	for i, lp := range m.Label {
		if lp.GetName() != labels[i*2] || lp.GetValue() != labels[i*2+1] {
			return false
		}
	}
	return true
}

func metricValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue(), true
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue(), true
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue(), true
	default:
		return 0, false
	}
}

// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package aggregate

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pricefeed"

// metrics are the engine collectors.  They are registered with the
// configured registerer, if any.
type metrics struct {
	payloads     *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	fallback     *prometheus.CounterVec
	queryLatency *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		payloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ingest",
				Name:      "payloads_total",
				Help:      "Total number of ingested payloads.",
			},
			[]string{"format", "result"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ingest",
				Name:      "updates_total",
				Help:      "Total number of decoded updates by outcome.",
			},
			[]string{"outcome"},
		),
		fallback: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "fallback",
				Name:      "requests_total",
				Help:      "Total number of benchmarks requests by result.",
			},
			[]string{"result"},
		),
		queryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "query",
				Name:      "duration_seconds",
				Help:      "Duration of price queries.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
			},
			[]string{"query"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.payloads, m.outcomes,
		m.fallback, m.queryLatency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

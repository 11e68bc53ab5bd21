// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pc2

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus instruments one Engine exposes: the
// ambient observability spec.md's Non-goals exclude as a feature but
// never as a concern the rest of the stack carries regardless.
type Metrics struct {
	NodesHashed         prometheus.Counter
	BytesWritten         prometheus.Counter
	PartitionsCompleted prometheus.Counter
	BatcherOccupancy    prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		NodesHashed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pc2",
			Name:      "nodes_hashed_total",
			Help:      "Total leaf nodes processed (sectors times nodes per sector) per Hash call.",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pc2",
			Name:      "bytes_written_total",
			Help:      "Total bytes written to tree-C/tree-R/sealed/p_aux files.",
		}),
		PartitionsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pc2",
			Name:      "partitions_completed_total",
			Help:      "Total partitions fully hashed and written.",
		}),
		BatcherOccupancy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pc2",
			Name:      "batcher_in_flight",
			Help:      "Whether the shared Batcher currently holds a checked-out, partially-filled batch (0 or 1).",
		}),
	}
}

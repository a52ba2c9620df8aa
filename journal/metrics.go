/*
	Backpacking
	Copyright (c) 2025 The Backpacking Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package journal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the variant pipeline
var (
	// variantsTotal counts variant outcomes by device class and result
	// (produced, skipped, fallback, dropped).
	variantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backpacking_variants_total",
		Help: "Picture variants by device class and outcome",
	}, []string{"device_class", "outcome"})

	generateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backpacking_variant_generation_seconds",
		Help:    "Time to derive all variants of one original",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	encoderFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backpacking_encoder_failures_total",
		Help: "WebP encoder failures by reason (error, timeout, open_circuit)",
	}, []string{"reason"})

	ingestionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backpacking_ingestions_total",
		Help: "Picture ingestions by terminal state",
	}, []string{"state"})

	workerPoolBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backpacking_worker_pool_busy",
		Help: "Variant tasks currently running",
	})
)

// variant outcomes
const (
	outcomeProduced = "produced"
	outcomeSkipped  = "skipped"
	outcomeFallback = "fallback"
	outcomeDropped  = "dropped"
)

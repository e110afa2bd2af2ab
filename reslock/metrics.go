/*
Copyright (C) 2025-2026  MemCP Contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package reslock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instrumentation for a ResourceManager. Unlike
// a global promauto registration, these are bound to a caller-supplied
// registry so embedding this package into a larger service never pollutes
// the default global registry with another library's metric names.
type Metrics struct {
	PreparationsStarted  *prometheus.CounterVec
	PreparationsJoined   *prometheus.CounterVec
	PreparationsFaulted  *prometheus.CounterVec
	PreparationsCanceled *prometheus.CounterVec
	LiveRecords          prometheus.Gauge
}

// NewMetrics registers reslock's instrumentation on reg. Pass a fresh
// *prometheus.Registry per facade instance, or share one across facades that
// use distinct namespace/subsystem values.
func NewMetrics(reg *prometheus.Registry, namespace, subsystem string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PreparationsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "preparations_started_total",
			Help:      "Number of resource preparations started, by target mode.",
		}, []string{"mode"}),
		PreparationsJoined: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "preparations_joined_total",
			Help:      "Number of times a caller joined an in-flight or completed preparation rather than starting a new one.",
		}, []string{"mode"}),
		PreparationsFaulted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "preparations_faulted_total",
			Help:      "Number of resource preparations that completed with a non-cancellation error.",
		}, []string{"mode"}),
		PreparationsCanceled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "preparations_cancelled_total",
			Help:      "Number of resource preparations abandoned by every joined waiter before completion.",
		}, []string{"mode"}),
		LiveRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "live_records",
			Help:      "Number of resources currently tracked by the preparation table.",
		}),
	}
}

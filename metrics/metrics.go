/*
   Copyright The Sentinel COG Service Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package metrics defines the prometheus collectors exported by the service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "cogserv"

	// Result label values shared by the conversion and tile counters.
	ResultOK    = "ok"
	ResultError = "error"
	ResultEmpty = "empty"
)

var (
	// Buckets for render latency. Tile rendering is expected to sit in the
	// tens of milliseconds; conversion in the tens of seconds.
	renderLatencyBuckets  = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	convertLatencyBuckets = []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200}

	// Conversions counts conversion jobs by final result.
	Conversions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "The count of conversion jobs. Broken down by result.",
		},
		[]string{"result"},
	)

	// ConversionDuration collects end to end conversion latency in seconds.
	ConversionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Latency in seconds of a full download, normalize, encode job.",
			Buckets:   convertLatencyBuckets,
		},
	)

	// TilesServed counts tile responses by result.
	TilesServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_served_total",
			Help:      "The count of tile responses. Broken down by result.",
		},
		[]string{"result"},
	)

	// TileRenderDuration collects per tile render latency in seconds.
	TileRenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tile_render_duration_seconds",
			Help:      "Latency in seconds of rendering a single map tile.",
			Buckets:   renderLatencyBuckets,
		},
	)

	// ReaderCacheHits counts tile requests served from an already open reader.
	ReaderCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reader_cache_hits_total",
			Help:      "The count of raster reader cache hits.",
		},
	)

	// ReaderCacheMisses counts tile requests that had to open the artifact.
	ReaderCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reader_cache_misses_total",
			Help:      "The count of raster reader cache misses.",
		},
	)
)

var register sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	register.Do(func() {
		prometheus.MustRegister(Conversions)
		prometheus.MustRegister(ConversionDuration)
		prometheus.MustRegister(TilesServed)
		prometheus.MustRegister(TileRenderDuration)
		prometheus.MustRegister(ReaderCacheHits)
		prometheus.MustRegister(ReaderCacheMisses)
	})
}

// SinceInSeconds reports the elapsed time since start as a floating point
// second count suitable for Observe.
func SinceInSeconds(start time.Time) float64 {
	return float64(time.Since(start).Nanoseconds()) / float64(time.Second)
}

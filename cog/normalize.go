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

package cog

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// Radiometric normalization constants. Sentinel-2 samples are 12-bit; the
// 0.1/99.9 percentile pair discards extreme outliers without clipping the
// bulk of the dynamic range. The output range starts at 1 because 0 is
// reserved for nodata.
const (
	sensorMin = 0
	sensorMax = 4095

	stretchLowPct  = 0.1
	stretchHighPct = 99.9

	outputMin = 1
	outputMax = 255
)

// normalizeBand applies the robust contrast stretch to one band: clip to
// the sensor range, find the percentile pair, re-clip and rescale linearly
// onto [1, 255], rounding to the nearest integer.
func normalizeBand(grid []float64) ([]uint8, error) {
	if len(grid) == 0 {
		return nil, fmt.Errorf("empty band grid")
	}
	clipped := make([]float64, len(grid))
	for i, v := range grid {
		clipped[i] = clamp(v, sensorMin, sensorMax)
	}

	pLow, err := stats.Percentile(clipped, stretchLowPct)
	if err != nil {
		return nil, fmt.Errorf("computing low percentile: %w", err)
	}
	pHigh, err := stats.Percentile(clipped, stretchHighPct)
	if err != nil {
		return nil, fmt.Errorf("computing high percentile: %w", err)
	}
	if pHigh <= pLow {
		return nil, fmt.Errorf("degenerate percentile range [%v, %v]", pLow, pHigh)
	}

	span := pHigh - pLow
	out := make([]uint8, len(clipped))
	for i, v := range clipped {
		v = clamp(v, pLow, pHigh)
		scaled := (v-pLow)/span*(outputMax-outputMin) + outputMin
		out[i] = uint8(math.Round(scaled))
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

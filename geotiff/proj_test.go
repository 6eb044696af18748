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

package geotiff

import (
	"math"
	"testing"
)

func TestProjRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		epsg     int
		lon, lat float64
	}{
		{"wgs84 identity", 4326, 4.35, 50.85},
		{"web mercator paris", 3857, 2.35, 48.86},
		{"web mercator southern", 3857, -58.38, -34.6},
		{"utm 31n brussels", 32631, 4.35, 50.85},
		{"utm 31n near edge", 32631, 0.1, 43.0},
		{"utm 22s montevideo", 32722, -54.0, -34.9},
		{"utm 60n", 32660, 176.9, 65.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y, err := FromWGS84(tt.epsg, tt.lon, tt.lat)
			if err != nil {
				t.Fatalf("FromWGS84: %v", err)
			}
			lon, lat, err := ToWGS84(tt.epsg, x, y)
			if err != nil {
				t.Fatalf("ToWGS84: %v", err)
			}
			if math.Abs(lon-tt.lon) > 1e-6 || math.Abs(lat-tt.lat) > 1e-6 {
				t.Fatalf("round trip drifted: (%f, %f) -> (%f, %f)", tt.lon, tt.lat, lon, lat)
			}
		})
	}
}

func TestProjUTMKnownPoint(t *testing.T) {
	// The zone 31N central meridian at the equator is easting 500000 by
	// construction.
	x, y, err := FromWGS84(32631, 3.0, 0.0)
	if err != nil {
		t.Fatalf("FromWGS84: %v", err)
	}
	if math.Abs(x-500000) > 0.5 || math.Abs(y) > 0.5 {
		t.Fatalf("expected (500000, 0), got (%f, %f)", x, y)
	}

	// Southern hemisphere zones carry the 10000km false northing.
	_, ys, err := FromWGS84(32731, 3.0, -0.001)
	if err != nil {
		t.Fatalf("FromWGS84 south: %v", err)
	}
	if ys > 10000000 || ys < 9999000 {
		t.Fatalf("expected a northing just under 10000000, got %f", ys)
	}
}

func TestProjUnsupportedEPSG(t *testing.T) {
	if _, _, err := FromWGS84(2154, 2.35, 48.86); err == nil {
		t.Fatal("expected an error for an unsupported CRS")
	}
	if _, _, err := ToWGS84(99999, 0, 0); err == nil {
		t.Fatal("expected an error for an unsupported CRS")
	}
}

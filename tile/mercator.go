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

package tile

import "math"

// Web mercator (EPSG:3857) slippy-map tiling. The world spans
// [-originShift, originShift] in both axes; zoom z splits it into 2^z
// tiles per axis with (0, 0) at the north-west corner.
const originShift = math.Pi * 6378137

// mercatorBounds returns the EPSG:3857 extent of tile (z, x, y).
func mercatorBounds(z, x, y int) (minX, minY, maxX, maxY float64) {
	n := float64(uint64(1) << uint(z))
	size := 2 * originShift / n
	minX = -originShift + float64(x)*size
	maxX = minX + size
	maxY = originShift - float64(y)*size
	minY = maxY - size
	return minX, minY, maxX, maxY
}

// tileResolution returns meters per pixel for a tile edge of tileSize
// pixels at zoom z.
func tileResolution(z, tileSize int) float64 {
	n := float64(uint64(1) << uint(z))
	return 2 * originShift / n / float64(tileSize)
}

// validTile reports whether (x, y) is inside the tile grid at zoom z.
func validTile(z, x, y int) bool {
	if z < 0 || z > 30 {
		return false
	}
	n := 1 << uint(z)
	return x >= 0 && y >= 0 && x < n && y < n
}

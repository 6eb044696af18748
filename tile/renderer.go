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

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"time"

	"github.com/dl4eo/cogserv/geotiff"
	"github.com/dl4eo/cogserv/metrics"
)

const (
	// TileSize is the edge length of a served map tile in pixels.
	TileSize = 256

	// DefaultMinZoom is the lowest zoom level at which tiles are rendered
	// from pixel data. Below it the source resolution is meaningless at
	// tile scale and a transparent tile is returned without opening the
	// artifact.
	DefaultMinZoom = 4

	// DefaultBlurZoom is the zoom level from which rendered tiles get a
	// light blur to soften the blockiness of magnified source pixels.
	DefaultBlurZoom = 14

	// edgeBuffer is the per-side pixel margin rendered around the tile so
	// the blur kernel has real neighbors at tile seams.
	edgeBuffer = 2
)

// Renderer turns raster artifacts into web mercator map tiles. Readers are
// borrowed from a shared ReaderCache per request.
type Renderer struct {
	cache    *ReaderCache
	minZoom  int
	blurZoom int
	empty    []byte
}

// NewRenderer builds a renderer over cache. Non-positive zoom thresholds
// fall back to the defaults.
func NewRenderer(cache *ReaderCache, minZoom, blurZoom int) *Renderer {
	if minZoom <= 0 {
		minZoom = DefaultMinZoom
	}
	if blurZoom <= 0 {
		blurZoom = DefaultBlurZoom
	}
	return &Renderer{
		cache:    cache,
		minZoom:  minZoom,
		blurZoom: blurZoom,
		empty:    encodePNG(image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))),
	}
}

// EmptyTile returns the precomputed fully transparent tile.
func (r *Renderer) EmptyTile() []byte {
	return r.empty
}

// RenderTile renders tile (z, x, y) of the artifact at location as a PNG.
// Tiles below the minimum zoom and tiles that do not overlap the raster are
// the transparent tile; failures to open or read the artifact are errors so
// the caller can decide how to degrade.
func (r *Renderer) RenderTile(ctx context.Context, location string, z, x, y int) ([]byte, error) {
	if !validTile(z, x, y) {
		return nil, fmt.Errorf("tile %d/%d/%d outside the zoom %d grid", z, x, y, z)
	}
	if z < r.minZoom {
		metrics.TilesServed.WithLabelValues(metrics.ResultEmpty).Inc()
		return r.empty, nil
	}

	start := time.Now()
	reader, release, err := r.cache.Get(location)
	if err != nil {
		metrics.TilesServed.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}
	defer release()

	out, err := r.render(ctx, reader, z, x, y)
	switch {
	case errors.Is(err, geotiff.ErrOutsideBounds):
		metrics.TilesServed.WithLabelValues(metrics.ResultEmpty).Inc()
		return r.empty, nil
	case err != nil:
		metrics.TilesServed.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}
	metrics.TilesServed.WithLabelValues(metrics.ResultOK).Inc()
	metrics.TileRenderDuration.Observe(metrics.SinceInSeconds(start))
	return out, nil
}

func (r *Renderer) render(ctx context.Context, reader Reader, z, x, y int) ([]byte, error) {
	p := reader.Profile()
	if p.Bands < 3 {
		return nil, fmt.Errorf("artifact has %d bands, tile rendering needs 3", p.Bands)
	}

	// The render grid carries an edge buffer on every side so the blur at
	// high zoom sees neighbor pixels across tile seams.
	grid := TileSize + 2*edgeBuffer
	minX, _, _, maxY := mercatorBounds(z, x, y)
	res := tileResolution(z, TileSize)

	// Map every grid pixel center through mercator, WGS84 and the source
	// CRS into fractional full-resolution pixel coordinates.
	cols := make([]float64, grid*grid)
	rows := make([]float64, grid*grid)
	valid := make([]bool, grid*grid)
	loCol, hiCol := math.Inf(1), math.Inf(-1)
	loRow, hiRow := math.Inf(1), math.Inf(-1)
	for gy := 0; gy < grid; gy++ {
		mercY := maxY - (float64(gy-edgeBuffer)+0.5)*res
		for gx := 0; gx < grid; gx++ {
			mercX := minX + (float64(gx-edgeBuffer)+0.5)*res
			lon, lat, err := geotiff.ToWGS84(3857, mercX, mercY)
			if err != nil {
				return nil, err
			}
			sx, sy, err := geotiff.FromWGS84(p.EPSG, lon, lat)
			if err != nil {
				continue
			}
			i := gy*grid + gx
			cols[i] = (sx - p.Transform[0]) / p.Transform[1]
			rows[i] = (sy - p.Transform[3]) / p.Transform[5]
			valid[i] = true
			loCol, hiCol = math.Min(loCol, cols[i]), math.Max(hiCol, cols[i])
			loRow, hiRow = math.Min(loRow, rows[i]), math.Max(hiRow, rows[i])
		}
	}
	if loCol > hiCol {
		return nil, geotiff.ErrOutsideBounds
	}

	win := geotiff.Window{
		X:      int(math.Floor(loCol)) - 1,
		Y:      int(math.Floor(loRow)) - 1,
		Width:  int(math.Ceil(hiCol)) - int(math.Floor(loCol)) + 2,
		Height: int(math.Ceil(hiRow)) - int(math.Floor(loRow)) + 2,
	}
	// Resample the window to roughly the grid resolution so high zoom
	// magnifies and low zoom reads from an overview.
	outW := clampDim(int(math.Round(float64(win.Width) * float64(grid) / (hiCol - loCol + 1))))
	outH := clampDim(int(math.Round(float64(win.Height) * float64(grid) / (hiRow - loRow + 1))))
	src, err := reader.Read(ctx, win, outW, outH)
	if err != nil {
		return nil, err
	}

	red := make([]uint8, grid*grid)
	green := make([]uint8, grid*grid)
	blue := make([]uint8, grid*grid)
	alpha := make([]uint8, grid*grid)
	for i := range cols {
		if !valid[i] {
			continue
		}
		sx := int((cols[i] - float64(win.X)) * float64(outW) / float64(win.Width))
		sy := int((rows[i] - float64(win.Y)) * float64(outH) / float64(win.Height))
		if sx < 0 || sy < 0 || sx >= src.Width || sy >= src.Height {
			continue
		}
		r0 := uint8(src.Sample(sx, sy, 0))
		g0 := uint8(src.Sample(sx, sy, 1))
		b0 := uint8(src.Sample(sx, sy, 2))
		if r0 == 0 && g0 == 0 && b0 == 0 {
			// Zero across all bands is the reserved nodata value.
			continue
		}
		red[i], green[i], blue[i], alpha[i] = r0, g0, b0, 0xff
	}

	if z >= r.blurZoom {
		blur(red, grid)
		blur(green, grid)
		blur(blue, grid)
	}

	img := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
	for ty := 0; ty < TileSize; ty++ {
		for tx := 0; tx < TileSize; tx++ {
			i := (ty+edgeBuffer)*grid + tx + edgeBuffer
			o := img.PixOffset(tx, ty)
			img.Pix[o+0] = red[i]
			img.Pix[o+1] = green[i]
			img.Pix[o+2] = blue[i]
			img.Pix[o+3] = alpha[i]
		}
	}
	return encodePNG(img), nil
}

// Info describes an artifact for the metadata endpoint.
type Info struct {
	Profile          geotiff.Profile `json:"profile"`
	GeographicBounds [4]float64      `json:"geographic_bounds"` // west, south, east, north
}

// Info returns the structural profile and WGS84 extent of the artifact at
// location.
func (r *Renderer) Info(ctx context.Context, location string) (*Info, error) {
	reader, release, err := r.cache.Get(location)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bounds, err := reader.GeographicBounds()
	if err != nil {
		return nil, err
	}
	return &Info{Profile: reader.Profile(), GeographicBounds: bounds}, nil
}

// Preview holds a decimated full-extent readout of an artifact, one
// [rows][cols] grid per band, plus the extent in the source CRS.
type Preview struct {
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Bounds [4]float64   `json:"bounds"` // minX, minY, maxX, maxY in the source CRS
	Bands  [][][]uint16 `json:"bands"`
}

// Preview reads a downsampled overview of the whole artifact, no larger than
// maxSize pixels on its longest edge.
func (r *Renderer) Preview(ctx context.Context, location string, maxSize int) (*Preview, error) {
	reader, release, err := r.cache.Get(location)
	if err != nil {
		return nil, err
	}
	defer release()

	raster, bounds, err := reader.Preview(ctx, maxSize)
	if err != nil {
		return nil, err
	}
	bands := make([][][]uint16, raster.Bands)
	for b := range bands {
		bands[b] = make([][]uint16, raster.Height)
		for y := 0; y < raster.Height; y++ {
			row := make([]uint16, raster.Width)
			for x := 0; x < raster.Width; x++ {
				row[x] = raster.Sample(x, y, b)
			}
			bands[b][y] = row
		}
	}
	return &Preview{
		Width:  raster.Width,
		Height: raster.Height,
		Bounds: bounds,
		Bands:  bands,
	}, nil
}

// blur applies one pass of a 3x3 binomial kernel in place over a square
// grid of edge length n.
func blur(p []uint8, n int) {
	src := make([]uint8, len(p))
	copy(src, p)
	at := func(x, y int) int {
		x = min(max(x, 0), n-1)
		y = min(max(y, 0), n-1)
		return int(src[y*n+x])
	}
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			sum := 4*at(x, y) +
				2*(at(x-1, y)+at(x+1, y)+at(x, y-1)+at(x, y+1)) +
				at(x-1, y-1) + at(x+1, y-1) + at(x-1, y+1) + at(x+1, y+1)
			p[y*n+x] = uint8(sum / 16)
		}
	}
}

func clampDim(v int) int {
	return min(max(v, 1), 4096)
}

func encodePNG(img image.Image) []byte {
	var buf bytes.Buffer
	// Encoding an in-memory NRGBA image cannot fail.
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

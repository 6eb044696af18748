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

// Package geotiff implements a tiled GeoTIFF codec for cloud-optimized
// raster artifacts. The writer produces internally tiled, deflate-compressed
// files with a reduced-resolution overview pyramid; the reader supports
// overview-aware windowed reads so tiles can be sliced out of an artifact
// without decoding the whole file.
package geotiff

import (
	"encoding/binary"
	"fmt"
)

// TIFF 6.0 compression codes. Deflate is the Adobe extension (code 8):
// each tile or strip is an independent zlib stream.
const (
	CompressionNone    uint16 = 1
	CompressionDeflate uint16 = 8
)

// Predictor codes applied before compression.
const (
	PredictorNone       uint16 = 1
	PredictorHorizontal uint16 = 2
)

// Photometric interpretation codes.
const (
	photometricMinIsBlack uint16 = 1
	photometricRGB        uint16 = 2
)

// Interleave names as reported in a Profile. Chunky planar configuration
// maps to "pixel"; planar to "band". The writer only produces chunky.
const (
	InterleavePixel = "pixel"
	InterleaveBand  = "band"
)

// Raster is an in-memory pixel grid, band-interleaved by pixel. 16-bit
// samples are stored little-endian in Pix.
type Raster struct {
	Width    int
	Height   int
	Bands    int
	BitDepth int // 8 or 16
	Pix      []byte
}

func NewRaster(width, height, bands, bitDepth int) (*Raster, error) {
	if width <= 0 || height <= 0 || bands <= 0 {
		return nil, fmt.Errorf("invalid raster dimensions %dx%dx%d", width, height, bands)
	}
	if bitDepth != 8 && bitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	return &Raster{
		Width:    width,
		Height:   height,
		Bands:    bands,
		BitDepth: bitDepth,
		Pix:      make([]byte, width*height*bands*bitDepth/8),
	}, nil
}

func (r *Raster) bytesPerSample() int {
	return r.BitDepth / 8
}

func (r *Raster) bytesPerPixel() int {
	return r.Bands * r.bytesPerSample()
}

// Sample returns the sample at (x, y) for band b widened to uint16.
func (r *Raster) Sample(x, y, b int) uint16 {
	i := (y*r.Width+x)*r.bytesPerPixel() + b*r.bytesPerSample()
	if r.BitDepth == 8 {
		return uint16(r.Pix[i])
	}
	return binary.LittleEndian.Uint16(r.Pix[i:])
}

// SetSample stores v at (x, y) for band b, narrowing to the raster's depth.
func (r *Raster) SetSample(x, y, b int, v uint16) {
	i := (y*r.Width+x)*r.bytesPerPixel() + b*r.bytesPerSample()
	if r.BitDepth == 8 {
		r.Pix[i] = uint8(v)
		return
	}
	binary.LittleEndian.PutUint16(r.Pix[i:], v)
}

// Profile is the structural contract of a raster artifact: geometry,
// georeferencing and the on-disk organization that makes partial reads
// possible.
type Profile struct {
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	EPSG        int        `json:"epsg"`
	Transform   [6]float64 `json:"transform"` // originX, pixelW, 0, originY, 0, -pixelH
	Bands       int        `json:"count"`
	BitDepth    int        `json:"bit_depth"`
	NoData      float64    `json:"nodata"`
	HasNoData   bool       `json:"has_nodata"`
	Tiled       bool       `json:"tiled"`
	BlockWidth  int        `json:"blockxsize"`
	BlockHeight int        `json:"blockysize"`
	Compression uint16     `json:"compression"`
	Predictor   uint16     `json:"predictor"`
	Interleave  string     `json:"interleave"`
	Overviews   []int      `json:"overviews"` // decimation factors, ascending
}

// Bounds returns the raster extent in the coordinates of its CRS.
func (p Profile) Bounds() (minX, minY, maxX, maxY float64) {
	minX = p.Transform[0]
	maxY = p.Transform[3]
	maxX = minX + float64(p.Width)*p.Transform[1]
	minY = maxY + float64(p.Height)*p.Transform[5]
	return minX, minY, maxX, maxY
}

// PixelSize returns the absolute pixel dimensions in CRS units.
func (p Profile) PixelSize() (xres, yres float64) {
	xres = p.Transform[1]
	yres = -p.Transform[5]
	if yres < 0 {
		yres = -yres
	}
	return xres, yres
}

// Window is a pixel-space rectangle at full resolution.
type Window struct {
	X, Y          int
	Width, Height int
}

func (w Window) empty() bool {
	return w.Width <= 0 || w.Height <= 0
}

// intersect clamps the window to a raster of the given dimensions.
func (w Window) intersect(width, height int) Window {
	x0, y0 := max(w.X, 0), max(w.Y, 0)
	x1 := min(w.X+w.Width, width)
	y1 := min(w.Y+w.Height, height)
	return Window{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

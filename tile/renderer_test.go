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
	"image"
	"image/png"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dl4eo/cogserv/geotiff"
)

// writeTestArtifact writes a 3-band artifact covering [0, 2.56]E,
// [47.44, 50]N in WGS84 with every valid pixel set to (200, 150, 100).
func writeTestArtifact(t *testing.T) string {
	t.Helper()
	const size = 256
	r, err := geotiff.NewRaster(size, size, 3, 8)
	if err != nil {
		t.Fatalf("NewRaster: %v", err)
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r.SetSample(x, y, 0, 200)
			r.SetSample(x, y, 1, 150)
			r.SetSample(x, y, 2, 100)
		}
	}
	path := filepath.Join(t.TempDir(), "artifact.tif")
	nodata := 0.0
	err = geotiff.Write(context.Background(), path, r, geotiff.WriteOptions{
		Tiled:           true,
		BlockSize:       64,
		Compression:     geotiff.CompressionDeflate,
		Predictor:       geotiff.PredictorHorizontal,
		EPSG:            4326,
		Transform:       [6]float64{0, 0.01, 0, 50, 0, -0.01},
		NoData:          &nodata,
		OverviewFactors: []int{2, 4},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	return path
}

func artifactRenderer(t *testing.T, path string, opens *atomic.Int64) *Renderer {
	t.Helper()
	cache := NewReaderCache(4, time.Minute, func(location string) (Reader, error) {
		if opens != nil {
			opens.Add(1)
		}
		return geotiff.Open(path)
	})
	t.Cleanup(cache.Purge)
	return NewRenderer(cache, DefaultMinZoom, DefaultBlurZoom)
}

// tileAt returns the slippy tile containing (lon, lat) at zoom z.
func tileAt(z int, lon, lat float64) (x, y int) {
	n := float64(uint64(1) << uint(z))
	x = int((lon + 180) / 360 * n)
	rad := lat * math.Pi / 180
	y = int((1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * n)
	return x, y
}

func decodeTile(t *testing.T, data []byte) *image.NRGBA {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decoding tile: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != TileSize || b.Dy() != TileSize {
		t.Fatalf("tile is %dx%d, want %dx%d", b.Dx(), b.Dy(), TileSize, TileSize)
	}
	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		t.Fatalf("tile decoded as %T", img)
	}
	return nrgba
}

func opaquePixels(img *image.NRGBA) int {
	var n int
	for y := 0; y < TileSize; y++ {
		for x := 0; x < TileSize; x++ {
			if img.Pix[img.PixOffset(x, y)+3] == 0xff {
				n++
			}
		}
	}
	return n
}

func TestRenderTileBelowMinZoom(t *testing.T) {
	var opens atomic.Int64
	r := artifactRenderer(t, "never-opened", &opens)

	data, err := r.RenderTile(context.Background(), "bucket/a.tif", 3, 4, 2)
	if err != nil {
		t.Fatalf("RenderTile: %v", err)
	}
	if !bytes.Equal(data, r.EmptyTile()) {
		t.Fatal("expected the transparent tile below the minimum zoom")
	}
	if opens.Load() != 0 {
		t.Fatal("low zoom tiles must not open the artifact")
	}

	img := decodeTile(t, data)
	if opaquePixels(img) != 0 {
		t.Fatal("empty tile has opaque pixels")
	}
}

func TestRenderTileOverCoverage(t *testing.T) {
	path := writeTestArtifact(t)
	r := artifactRenderer(t, path, nil)

	x, y := tileAt(10, 1.3, 48.7)
	data, err := r.RenderTile(context.Background(), "bucket/a.tif", 10, x, y)
	if err != nil {
		t.Fatalf("RenderTile: %v", err)
	}
	img := decodeTile(t, data)
	if opaquePixels(img) == 0 {
		t.Fatal("expected opaque pixels over the raster coverage")
	}

	// Any opaque pixel carries the artifact color.
	for py := 0; py < TileSize; py++ {
		for px := 0; px < TileSize; px++ {
			o := img.PixOffset(px, py)
			if img.Pix[o+3] != 0xff {
				continue
			}
			if img.Pix[o] != 200 || img.Pix[o+1] != 150 || img.Pix[o+2] != 100 {
				t.Fatalf("pixel (%d,%d) = %v, want (200, 150, 100)", px, py, img.Pix[o:o+3])
			}
		}
	}
}

func TestRenderTileOutsideCoverage(t *testing.T) {
	path := writeTestArtifact(t)
	r := artifactRenderer(t, path, nil)

	// Far side of the world from the artifact.
	x, y := tileAt(8, -100, -30)
	data, err := r.RenderTile(context.Background(), "bucket/a.tif", 8, x, y)
	if err != nil {
		t.Fatalf("RenderTile: %v", err)
	}
	if !bytes.Equal(data, r.EmptyTile()) {
		t.Fatal("expected the transparent tile outside coverage")
	}
}

func TestRenderTileHighZoomBlurred(t *testing.T) {
	path := writeTestArtifact(t)
	r := artifactRenderer(t, path, nil)

	x, y := tileAt(14, 1.3, 48.7)
	data, err := r.RenderTile(context.Background(), "bucket/a.tif", 14, x, y)
	if err != nil {
		t.Fatalf("RenderTile: %v", err)
	}
	img := decodeTile(t, data)
	// Deep inside coverage the tile is fully opaque and, the source being
	// uniform, the blur must not shift the color.
	if opaquePixels(img) != TileSize*TileSize {
		t.Fatalf("expected full coverage at z14, got %d opaque pixels", opaquePixels(img))
	}
	center := img.PixOffset(128, 128)
	if img.Pix[center] != 200 {
		t.Fatalf("blur shifted a uniform field: %v", img.Pix[center:center+4])
	}
}

func TestRenderTileErrors(t *testing.T) {
	boom := errors.New("open failed")
	cache := NewReaderCache(4, time.Minute, func(string) (Reader, error) {
		return nil, boom
	})
	t.Cleanup(cache.Purge)
	r := NewRenderer(cache, DefaultMinZoom, DefaultBlurZoom)

	if _, err := r.RenderTile(context.Background(), "bucket/a.tif", 8, 10, 10); !errors.Is(err, boom) {
		t.Fatalf("expected the open error, got %v", err)
	}
	if _, err := r.RenderTile(context.Background(), "bucket/a.tif", 4, 99, 0); err == nil {
		t.Fatal("expected invalid tile coordinates to be rejected")
	}
}

func TestInfoAndPreview(t *testing.T) {
	path := writeTestArtifact(t)
	r := artifactRenderer(t, path, nil)
	ctx := context.Background()

	info, err := r.Info(ctx, "bucket/a.tif")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Profile.EPSG != 4326 || info.Profile.Bands != 3 {
		t.Fatalf("unexpected profile %+v", info.Profile)
	}
	b := info.GeographicBounds
	if b[0] >= b[2] || b[1] >= b[3] {
		t.Fatalf("degenerate bounds %v", b)
	}

	preview, err := r.Preview(ctx, "bucket/a.tif", 64)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if preview.Width != 64 || preview.Height != 64 {
		t.Fatalf("unexpected preview size %dx%d", preview.Width, preview.Height)
	}
	if len(preview.Bands) != 3 {
		t.Fatalf("expected 3 band grids, got %d", len(preview.Bands))
	}
	if preview.Bands[0][32][32] != 200 {
		t.Fatalf("preview sample = %d, want 200", preview.Bands[0][32][32])
	}
}

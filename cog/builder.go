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

// Package cog turns raw per-band satellite rasters into a single validated
// cloud-optimized artifact: locate the required spectral bands in a product
// archive, normalize each band with a robust contrast stretch, stack them in
// channel order and encode the result as a tiled, compressed,
// overview-pyramided GeoTIFF.
package cog

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/dl4eo/cogserv/geotiff"
)

// Builder encodes product archives into canonical artifacts. A Builder is
// immutable after construction and safe for concurrent use.
type Builder struct {
	productType     string
	requiredBands   []string
	channelOrder    []string
	blockSize       int
	overviewFactors []int
	zlibLevel       int
}

// BuildOption adjusts a Builder at construction time.
type BuildOption func(*Builder) error

// WithProductType selects the archive layout convention. Supported values
// are the keys of ProductPatterns.
func WithProductType(productType string) BuildOption {
	return func(b *Builder) error {
		if _, ok := ProductPatterns[productType]; !ok {
			return fmt.Errorf("unknown product type %q", productType)
		}
		b.productType = productType
		return nil
	}
}

// WithOverviewFactors overrides the overview pyramid decimation factors.
func WithOverviewFactors(factors []int) BuildOption {
	return func(b *Builder) error {
		if len(factors) == 0 {
			return fmt.Errorf("at least one overview factor is required")
		}
		b.overviewFactors = append([]int(nil), factors...)
		return nil
	}
}

// WithZlibLevel sets the deflate level of the final encode.
func WithZlibLevel(level int) BuildOption {
	return func(b *Builder) error {
		b.zlibLevel = level
		return nil
	}
}

// NewBuilder creates a Builder with the Sentinel-2 L2A defaults: RGB
// composite from B04/B03/B02, 512-pixel blocks, four overview levels.
func NewBuilder(opts ...BuildOption) (*Builder, error) {
	b := &Builder{
		productType:     "L2A",
		requiredBands:   RequiredRGBBands,
		channelOrder:    rgbChannelOrder,
		blockSize:       geotiff.DefaultBlockSize,
		overviewFactors: geotiff.DefaultOverviewFactors,
		zlibLevel:       9,
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Build produces the artifact for one product archive at outPath. The
// write is atomic: the artifact is encoded and validated at a temporary
// path and only renamed into place once every profile check passes, so a
// consumer never observes a partially written or invalid artifact.
func (b *Builder) Build(ctx context.Context, zipPath, outPath string) (*geotiff.Profile, error) {
	bands, err := LocateBands(zipPath, b.productType, b.requiredBands)
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "cog-build-")
	if err != nil {
		return nil, fmt.Errorf("%w: creating scratch dir: %w", ErrExtraction, err)
	}
	defer os.RemoveAll(scratch)

	stacked, ref, err := b.extractAndStack(ctx, zipPath, bands, scratch)
	if err != nil {
		return nil, err
	}

	intermediate := filepath.Join(scratch, "rgb.tif")
	nodata := float64(canonicalNoData)
	err = geotiff.Write(ctx, intermediate, stacked, geotiff.WriteOptions{
		EPSG:      ref.EPSG,
		Transform: ref.Transform,
		NoData:    &nodata,
	})
	if err != nil {
		return nil, encodingErr(ctx, err)
	}

	tmpOut := outPath + ".tmp"
	err = geotiff.Translate(ctx, intermediate, tmpOut, geotiff.TranslateOptions{
		BlockSize:       b.blockSize,
		ZlibLevel:       b.zlibLevel,
		OverviewFactors: b.overviewFactors,
	})
	if err != nil {
		os.Remove(tmpOut)
		return nil, encodingErr(ctx, err)
	}

	profile, err := b.validate(tmpOut)
	if err != nil {
		os.Remove(tmpOut)
		return nil, err
	}
	if err := os.Rename(tmpOut, outPath); err != nil {
		os.Remove(tmpOut)
		return nil, fmt.Errorf("%w: publishing artifact: %w", ErrEncoding, err)
	}
	log.G(ctx).WithField("path", outPath).Info("artifact encoded and validated")
	return profile, nil
}

// extractAndStack pulls each required band out of the archive, normalizes
// the bands concurrently and stacks them in channel order. The reference
// profile (geometry and georeferencing) comes from the first band in
// channel order; every band must share it.
func (b *Builder) extractAndStack(ctx context.Context, zipPath string, bands BandSet, scratch string) (*geotiff.Raster, *geotiff.Profile, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening archive: %w", ErrExtraction, err)
	}
	defer zr.Close()

	var ref *geotiff.Profile
	grids := make([][]float64, len(b.channelOrder))
	for i, band := range b.channelOrder {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrExtraction, err)
		}
		path, err := extractEntry(zr, bands[band], scratch)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: extracting band %s: %w", ErrExtraction, band, err)
		}
		grid, profile, err := readBandGrid(path)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: reading band %s: %w", ErrExtraction, band, err)
		}
		if ref == nil {
			ref = profile
		} else if profile.Width != ref.Width || profile.Height != ref.Height {
			return nil, nil, fmt.Errorf("%w: band %s is %dx%d, want %dx%d",
				ErrExtraction, band, profile.Width, profile.Height, ref.Width, ref.Height)
		}
		grids[i] = grid
	}

	normalized := make([][]uint8, len(grids))
	eg, _ := errgroup.WithContext(ctx)
	for i := range grids {
		eg.Go(func() error {
			out, err := normalizeBand(grids[i])
			if err != nil {
				return fmt.Errorf("%w: band %s: %w", ErrNormalization, b.channelOrder[i], err)
			}
			normalized[i] = out
			grids[i] = nil
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	stacked, err := geotiff.NewRaster(ref.Width, ref.Height, len(normalized), 8)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNormalization, err)
	}
	bands3 := len(normalized)
	for i, channel := range normalized {
		for px, v := range channel {
			stacked.Pix[px*bands3+i] = v
		}
	}
	return stacked, ref, nil
}

func (b *Builder) validate(path string) (*geotiff.Profile, error) {
	r, err := geotiff.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reopening artifact: %w", ErrValidation, err)
	}
	defer r.Close()
	p := r.Profile()
	if err := ValidateProfile(p); err != nil {
		return nil, err
	}
	return &p, nil
}

// extractEntry copies one archive entry into dir, flattening its path.
func extractEntry(zr *zip.ReadCloser, name, dir string) (string, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		src, err := f.Open()
		if err != nil {
			return "", err
		}
		defer src.Close()
		dstPath := filepath.Join(dir, filepath.Base(name))
		dst, err := os.Create(dstPath)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			os.Remove(dstPath)
			return "", err
		}
		if err := dst.Close(); err != nil {
			return "", err
		}
		return dstPath, nil
	}
	return "", fmt.Errorf("entry %q not found in archive", name)
}

// readBandGrid loads a single-band raster as a float grid.
func readBandGrid(path string) ([]float64, *geotiff.Profile, error) {
	r, err := geotiff.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	p := r.Profile()
	if p.Bands != 1 {
		return nil, nil, fmt.Errorf("band file has %d bands, want 1", p.Bands)
	}
	raster, err := r.ReadWindow(0, geotiff.Window{Width: p.Width, Height: p.Height})
	if err != nil {
		return nil, nil, err
	}
	grid := make([]float64, p.Width*p.Height)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			grid[y*p.Width+x] = float64(raster.Sample(x, y, 0))
		}
	}
	return grid, &p, nil
}

// encodingErr classifies a failed encode, mapping a blown deadline to
// ErrEncoding like any other encode failure.
func encodingErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrEncoding, ctxErr)
	}
	return fmt.Errorf("%w: %w", ErrEncoding, err)
}

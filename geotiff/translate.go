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
	"context"
	"fmt"
)

// DefaultOverviewFactors is the overview pyramid written by Translate when
// none is specified: four levels, halving resolution each step.
var DefaultOverviewFactors = []int{2, 4, 8, 16}

// TranslateOptions controls the canonical re-encoding performed by
// Translate. Zero values select the cloud-optimized defaults.
type TranslateOptions struct {
	BlockSize       int
	Compression     uint16
	Predictor       uint16
	ZlibLevel       int
	OverviewFactors []int
}

// Translate re-encodes the raster at srcPath into a tiled, compressed,
// overview-pyramided file at dstPath, carrying the georeferencing over
// unchanged. The source is read through its own full-resolution level.
func Translate(ctx context.Context, srcPath, dstPath string, opts TranslateOptions) error {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.Compression == 0 {
		opts.Compression = CompressionDeflate
	}
	if opts.Predictor == 0 {
		opts.Predictor = PredictorHorizontal
	}
	if len(opts.OverviewFactors) == 0 {
		opts.OverviewFactors = DefaultOverviewFactors
	}

	src, err := Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer src.Close()

	p := src.Profile()
	full, err := src.ReadWindow(0, Window{X: 0, Y: 0, Width: p.Width, Height: p.Height})
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wopts := WriteOptions{
		Tiled:           true,
		BlockSize:       opts.BlockSize,
		Compression:     opts.Compression,
		Predictor:       opts.Predictor,
		ZlibLevel:       opts.ZlibLevel,
		EPSG:            p.EPSG,
		Transform:       p.Transform,
		OverviewFactors: opts.OverviewFactors,
	}
	if p.HasNoData {
		nodata := p.NoData
		wopts.NoData = &nodata
	}
	return Write(ctx, dstPath, full, wopts)
}

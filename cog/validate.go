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

	"github.com/dl4eo/cogserv/geotiff"
)

// Canonical artifact profile. Every produced artifact must satisfy all of
// these or it is rejected and never marked ready.
const (
	canonicalBlockSize = 512
	canonicalBands     = 3
	canonicalBitDepth  = 8
	canonicalNoData    = 0
)

// ValidateProfile asserts the structural contract of a produced artifact.
// The first violated check is reported, wrapped in ErrValidation.
func ValidateProfile(p geotiff.Profile) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
	}
	if !p.Tiled {
		return fail("artifact is not tiled")
	}
	if p.BlockWidth != canonicalBlockSize || p.BlockHeight != canonicalBlockSize {
		return fail("block size %dx%d, want %dx%d",
			p.BlockWidth, p.BlockHeight, canonicalBlockSize, canonicalBlockSize)
	}
	if p.Compression != geotiff.CompressionDeflate {
		return fail("compression %d, want deflate (%d)", p.Compression, geotiff.CompressionDeflate)
	}
	if p.Predictor != geotiff.PredictorHorizontal {
		return fail("predictor %d, want horizontal (%d)", p.Predictor, geotiff.PredictorHorizontal)
	}
	if p.Interleave != geotiff.InterleavePixel {
		return fail("interleave %q, want %q", p.Interleave, geotiff.InterleavePixel)
	}
	if len(p.Overviews) < 1 {
		return fail("no overview levels")
	}
	if p.Bands != canonicalBands {
		return fail("band count %d, want %d", p.Bands, canonicalBands)
	}
	if p.BitDepth != canonicalBitDepth {
		return fail("bit depth %d, want %d", p.BitDepth, canonicalBitDepth)
	}
	if !p.HasNoData || p.NoData != canonicalNoData {
		return fail("nodata not set to %d", canonicalNoData)
	}
	if p.EPSG == 0 {
		return fail("artifact is not georeferenced")
	}
	return nil
}

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
	"archive/zip"
	"fmt"
	"sort"
	"strings"

	"github.com/containerd/log"
)

// RequiredRGBBands are the Sentinel-2 spectral bands needed for a true
// color composite: blue, green, red.
var RequiredRGBBands = []string{"B02", "B03", "B04"}

// rgbChannelOrder is the stacking order for the output artifact: red,
// green, blue.
var rgbChannelOrder = []string{"B04", "B03", "B02"}

// ProductPattern describes where band rasters live inside an archive for a
// given processing level and which file suffix selects the wanted
// resolution tier.
type ProductPattern struct {
	Directory string
	Suffix    string
}

// ProductPatterns maps Sentinel-2 processing levels to their archive
// layout. L2A products carry one resolution tier per directory; the 10m
// tier holds the RGB bands.
var ProductPatterns = map[string]ProductPattern{
	"L1C": {Directory: "IMG_DATA", Suffix: ".tif"},
	"L2A": {Directory: "R10m", Suffix: "_10m.tif"},
}

// BandSet maps a band identifier to its file path inside the archive. A
// BandSet is only constructed complete: every required band resolved.
type BandSet map[string]string

// LocateBands scans the product archive for the required band files. It
// fails with *MissingBandsError naming every band that did not resolve.
func LocateBands(zipPath, productType string, required []string) (BandSet, error) {
	pattern, ok := ProductPatterns[productType]
	if !ok {
		return nil, fmt.Errorf("unknown product type %q", productType)
	}
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("opening product archive: %w", err)
	}
	defer zr.Close()

	bands := BandSet{}
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, pattern.Suffix) {
			continue
		}
		if !strings.Contains(f.Name, pattern.Directory) {
			continue
		}
		for _, band := range required {
			if _, found := bands[band]; found {
				continue
			}
			if strings.Contains(f.Name, "_"+band+pattern.Suffix) {
				bands[band] = f.Name
				log.L.WithField("band", band).WithField("file", f.Name).Debug("located band file")
				break
			}
		}
	}

	var missing []string
	for _, band := range required {
		if _, found := bands[band]; !found {
			missing = append(missing, band)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingBandsError{ProductType: productType, Missing: missing}
	}
	return bands, nil
}

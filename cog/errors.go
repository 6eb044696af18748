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
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Pipeline error kinds. Every failure out of Build wraps exactly one of
// these, so callers can classify with errors.Is without string matching.
var (
	ErrExtraction    = errors.New("band extraction failed")
	ErrNormalization = errors.New("band normalization failed")
	ErrEncoding      = errors.New("artifact encoding failed")
	ErrValidation    = errors.New("artifact validation failed")
)

// MissingBandsError reports every required band that could not be resolved
// in a product archive.
type MissingBandsError struct {
	ProductType string
	Missing     []string
}

func (e *MissingBandsError) Error() string {
	missing := append([]string(nil), e.Missing...)
	sort.Strings(missing)
	return fmt.Sprintf("missing required bands: %s (is this a %s product?)",
		strings.Join(missing, ", "), e.ProductType)
}

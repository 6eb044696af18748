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

// TIFF 6.0 tag and field-type codes used by the codec, plus the GeoTIFF
// and GDAL extension tags.
const (
	tagNewSubfileType   uint16 = 254
	tagImageWidth       uint16 = 256
	tagImageLength      uint16 = 257
	tagBitsPerSample    uint16 = 258
	tagCompression      uint16 = 259
	tagPhotometric      uint16 = 262
	tagStripOffsets     uint16 = 273
	tagSamplesPerPixel  uint16 = 277
	tagRowsPerStrip     uint16 = 278
	tagStripByteCounts  uint16 = 279
	tagPlanarConfig     uint16 = 284
	tagPredictor        uint16 = 317
	tagTileWidth        uint16 = 322
	tagTileLength       uint16 = 323
	tagTileOffsets      uint16 = 324
	tagTileByteCounts   uint16 = 325
	tagSampleFormat     uint16 = 339
	tagModelPixelScale  uint16 = 33550
	tagModelTiepoint    uint16 = 33922
	tagGeoKeyDirectory  uint16 = 34735
	tagGDALNoData       uint16 = 42113
)

const (
	typeByte     uint16 = 1
	typeASCII    uint16 = 2
	typeShort    uint16 = 3
	typeLong     uint16 = 4
	typeRational uint16 = 5
	typeDouble   uint16 = 12
)

// subfileReducedImage marks an IFD as a reduced-resolution overview.
const subfileReducedImage uint32 = 1

// GeoTIFF key ids carried in the GeoKeyDirectory tag.
const (
	geoKeyModelType     uint16 = 1024
	geoKeyRasterType    uint16 = 1025
	geoKeyGeographicCS  uint16 = 2048
	geoKeyProjectedCS   uint16 = 3072
)

const (
	modelTypeProjected  uint16 = 1
	modelTypeGeographic uint16 = 2
	rasterTypePixelArea uint16 = 1
)

func typeSize(t uint16) int {
	switch t {
	case typeByte, typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong:
		return 4
	case typeRational:
		return 8
	case typeDouble:
		return 8
	default:
		return 0
	}
}

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
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zlib"
)

const (
	// DefaultBlockSize is the tile edge used for cloud-optimized output.
	DefaultBlockSize = 512

	defaultRowsPerStrip = 64
)

// WriteOptions controls the on-disk organization of a written raster.
// The zero value produces an uncompressed striped file without
// georeferencing.
type WriteOptions struct {
	Tiled        bool
	BlockSize    int // tile edge, default DefaultBlockSize
	RowsPerStrip int // striped layout only
	Compression  uint16
	Predictor    uint16
	ZlibLevel    int // 0 means zlib default

	EPSG      int
	Transform [6]float64
	NoData    *float64

	// OverviewFactors lists the decimation factors of the reduced
	// resolution IFDs to append, ascending. Factors that would produce an
	// empty grid are skipped.
	OverviewFactors []int
}

func (o *WriteOptions) setDefaults() {
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.RowsPerStrip == 0 {
		o.RowsPerStrip = defaultRowsPerStrip
	}
	if o.Compression == 0 {
		o.Compression = CompressionNone
	}
	if o.Predictor == 0 {
		o.Predictor = PredictorNone
	}
}

// Write encodes r to path. When OverviewFactors is non-empty each factor
// becomes a reduced-resolution IFD chained after the full-resolution one.
// On any failure the partially written file is removed.
func Write(ctx context.Context, path string, r *Raster, opts WriteOptions) (err error) {
	opts.setDefaults()
	if r.BitDepth != 8 && r.BitDepth != 16 {
		return fmt.Errorf("unsupported bit depth %d", r.BitDepth)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		cerr := f.Close()
		if err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	levels := []*Raster{r}
	for _, factor := range opts.OverviewFactors {
		ow, oh := (r.Width+factor-1)/factor, (r.Height+factor-1)/factor
		if ow < 1 || oh < 1 {
			continue
		}
		levels = append(levels, decimate(r, factor))
	}

	w := &tiffWriter{bw: bufio.NewWriterSize(f, 1<<20)}
	// Header: little-endian marker, magic, and a placeholder for the first
	// IFD offset that is patched once the data blocks are on disk.
	if err := w.write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0}); err != nil {
		return err
	}

	encoded := make([]*encodedLevel, len(levels))
	for i, lvl := range levels {
		enc, err := w.writeBlocks(ctx, lvl, opts)
		if err != nil {
			return err
		}
		enc.subfile = i > 0
		encoded[i] = enc
	}

	// IFDs chain after the data blocks.
	ifdOffsets := make([]uint32, len(encoded))
	for i, enc := range encoded {
		if err := w.padEven(); err != nil {
			return err
		}
		ifdOffsets[i] = uint32(w.off)
		next := uint32(0)
		last := i == len(encoded)-1
		entries := ifdEntries(levels[i], enc, opts, i == 0)
		size := ifdSize(entries)
		if !last {
			next = ifdOffsets[i] + size
			if next%2 != 0 {
				next++
			}
		}
		if err := w.writeIFD(entries, ifdOffsets[i], next); err != nil {
			return err
		}
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}

	var firstIFD [4]byte
	binary.LittleEndian.PutUint32(firstIFD[:], ifdOffsets[0])
	if _, err := f.WriteAt(firstIFD[:], 4); err != nil {
		return err
	}
	return f.Sync()
}

// decimate produces a nearest-neighbor reduced copy of r.
func decimate(r *Raster, factor int) *Raster {
	ow, oh := (r.Width+factor-1)/factor, (r.Height+factor-1)/factor
	out, _ := NewRaster(ow, oh, r.Bands, r.BitDepth)
	for y := 0; y < oh; y++ {
		sy := min(y*factor, r.Height-1)
		for x := 0; x < ow; x++ {
			sx := min(x*factor, r.Width-1)
			for b := 0; b < r.Bands; b++ {
				out.SetSample(x, y, b, r.Sample(sx, sy, b))
			}
		}
	}
	return out
}

type encodedLevel struct {
	offsets []uint32
	counts  []uint32
	subfile bool
}

type tiffWriter struct {
	bw  *bufio.Writer
	off int64
}

func (w *tiffWriter) write(p []byte) error {
	n, err := w.bw.Write(p)
	w.off += int64(n)
	return err
}

func (w *tiffWriter) padEven() error {
	if w.off%2 != 0 {
		return w.write([]byte{0})
	}
	return nil
}

// writeBlocks emits the pixel data of one level, tile by tile or strip by
// strip, recording offsets and byte counts for the IFD.
func (w *tiffWriter) writeBlocks(ctx context.Context, r *Raster, opts WriteOptions) (*encodedLevel, error) {
	enc := &encodedLevel{}
	bpp := r.bytesPerPixel()

	emit := func(block []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data := block
		if opts.Compression == CompressionDeflate {
			var buf bytes.Buffer
			zw, err := zlib.NewWriterLevel(&buf, zlibLevel(opts.ZlibLevel))
			if err != nil {
				return err
			}
			if _, err := zw.Write(block); err != nil {
				return err
			}
			if err := zw.Close(); err != nil {
				return err
			}
			data = buf.Bytes()
		}
		if err := w.padEven(); err != nil {
			return err
		}
		enc.offsets = append(enc.offsets, uint32(w.off))
		enc.counts = append(enc.counts, uint32(len(data)))
		return w.write(data)
	}

	if opts.Tiled {
		ts := opts.BlockSize
		across := (r.Width + ts - 1) / ts
		down := (r.Height + ts - 1) / ts
		for ty := 0; ty < down; ty++ {
			for tx := 0; tx < across; tx++ {
				block := make([]byte, ts*ts*bpp)
				copyRows(block, r, tx*ts, ty*ts, ts, ts, bpp)
				predictRows(block, ts, ts, r, opts)
				if err := emit(block); err != nil {
					return nil, err
				}
			}
		}
		return enc, nil
	}

	rps := opts.RowsPerStrip
	for y0 := 0; y0 < r.Height; y0 += rps {
		rows := min(rps, r.Height-y0)
		block := make([]byte, rows*r.Width*bpp)
		copyRows(block, r, 0, y0, r.Width, rows, bpp)
		predictRows(block, r.Width, rows, r, opts)
		if err := emit(block); err != nil {
			return nil, err
		}
	}
	return enc, nil
}

// copyRows fills block with a w x rows window of r starting at (x0, y0).
// Pixels beyond the raster edge stay zero (the nodata fill).
func copyRows(block []byte, r *Raster, x0, y0, w, rows int, bpp int) {
	for row := 0; row < rows; row++ {
		sy := y0 + row
		if sy >= r.Height {
			break
		}
		cols := min(w, r.Width-x0)
		if cols <= 0 {
			continue
		}
		src := (sy*r.Width + x0) * bpp
		dst := row * w * bpp
		copy(block[dst:dst+cols*bpp], r.Pix[src:src+cols*bpp])
	}
}

// predictRows applies horizontal differencing in place, row by row.
func predictRows(block []byte, w, rows int, r *Raster, opts WriteOptions) {
	if opts.Predictor != PredictorHorizontal {
		return
	}
	for row := 0; row < rows; row++ {
		start := row * w * r.bytesPerPixel()
		diffRow(block[start:start+w*r.bytesPerPixel()], r.Bands, r.BitDepth)
	}
}

func diffRow(row []byte, samples, bitDepth int) {
	if bitDepth == 8 {
		for i := len(row) - 1; i >= samples; i-- {
			row[i] -= row[i-samples]
		}
		return
	}
	n := len(row) / 2
	for i := n - 1; i >= samples; i-- {
		cur := binary.LittleEndian.Uint16(row[i*2:])
		prev := binary.LittleEndian.Uint16(row[(i-samples)*2:])
		binary.LittleEndian.PutUint16(row[i*2:], cur-prev)
	}
}

func zlibLevel(l int) int {
	if l == 0 {
		return zlib.DefaultCompression
	}
	return l
}

// ifdEntry is a single tag waiting to be serialized. Values longer than
// four bytes are spilled to an auxiliary area after the entry table.
type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	value []byte
}

func shortEntry(tag uint16, v uint16) ifdEntry {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return ifdEntry{tag: tag, typ: typeShort, count: 1, value: b}
}

func shortsEntry(tag uint16, vs []uint16) ifdEntry {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return ifdEntry{tag: tag, typ: typeShort, count: uint32(len(vs)), value: b}
}

func longEntry(tag uint16, v uint32) ifdEntry {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return ifdEntry{tag: tag, typ: typeLong, count: 1, value: b}
}

func longsEntry(tag uint16, vs []uint32) ifdEntry {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return ifdEntry{tag: tag, typ: typeLong, count: uint32(len(vs)), value: b}
}

func doublesEntry(tag uint16, vs []float64) ifdEntry {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return ifdEntry{tag: tag, typ: typeDouble, count: uint32(len(vs)), value: b}
}

func asciiEntry(tag uint16, s string) ifdEntry {
	b := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(b)), value: b}
}

func repeatShort(v uint16, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func ifdEntries(r *Raster, enc *encodedLevel, opts WriteOptions, main bool) []ifdEntry {
	photometric := photometricMinIsBlack
	if r.Bands >= 3 {
		photometric = photometricRGB
	}
	var entries []ifdEntry
	if enc.subfile {
		entries = append(entries, longEntry(tagNewSubfileType, subfileReducedImage))
	}
	entries = append(entries,
		longEntry(tagImageWidth, uint32(r.Width)),
		longEntry(tagImageLength, uint32(r.Height)),
		shortsEntry(tagBitsPerSample, repeatShort(uint16(r.BitDepth), r.Bands)),
		shortEntry(tagCompression, opts.Compression),
		shortEntry(tagPhotometric, photometric),
		shortEntry(tagSamplesPerPixel, uint16(r.Bands)),
		shortEntry(tagPlanarConfig, 1),
		shortsEntry(tagSampleFormat, repeatShort(1, r.Bands)),
	)
	if opts.Predictor == PredictorHorizontal {
		entries = append(entries, shortEntry(tagPredictor, PredictorHorizontal))
	}
	if opts.Tiled {
		entries = append(entries,
			longEntry(tagTileWidth, uint32(opts.BlockSize)),
			longEntry(tagTileLength, uint32(opts.BlockSize)),
			longsEntry(tagTileOffsets, enc.offsets),
			longsEntry(tagTileByteCounts, enc.counts),
		)
	} else {
		entries = append(entries,
			longsEntry(tagStripOffsets, enc.offsets),
			longEntry(tagRowsPerStrip, uint32(opts.RowsPerStrip)),
			longsEntry(tagStripByteCounts, enc.counts),
		)
	}
	if main && opts.EPSG != 0 {
		t := opts.Transform
		entries = append(entries,
			doublesEntry(tagModelPixelScale, []float64{t[1], -t[5], 0}),
			doublesEntry(tagModelTiepoint, []float64{0, 0, 0, t[0], t[3], 0}),
			shortsEntry(tagGeoKeyDirectory, geoKeyDirectory(opts.EPSG)),
		)
	}
	if main && opts.NoData != nil {
		entries = append(entries, asciiEntry(tagGDALNoData,
			strconv.FormatFloat(*opts.NoData, 'g', -1, 64)))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
	return entries
}

func geoKeyDirectory(epsg int) []uint16 {
	type key struct{ id, value uint16 }
	var keys []key
	if epsg == 4326 {
		keys = []key{
			{geoKeyModelType, modelTypeGeographic},
			{geoKeyRasterType, rasterTypePixelArea},
			{geoKeyGeographicCS, 4326},
		}
	} else {
		keys = []key{
			{geoKeyModelType, modelTypeProjected},
			{geoKeyRasterType, rasterTypePixelArea},
			{geoKeyProjectedCS, uint16(epsg)},
		}
	}
	dir := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		dir = append(dir, k.id, 0, 1, k.value)
	}
	return dir
}

func ifdSize(entries []ifdEntry) uint32 {
	size := uint32(2 + 12*len(entries) + 4)
	for _, e := range entries {
		if len(e.value) > 4 {
			size += uint32(len(e.value))
			if size%2 != 0 {
				size++
			}
		}
	}
	return size
}

func (w *tiffWriter) writeIFD(entries []ifdEntry, ifdOffset, next uint32) error {
	aux := ifdOffset + uint32(2+12*len(entries)+4)
	var auxData []byte

	head := make([]byte, 2)
	binary.LittleEndian.PutUint16(head, uint16(len(entries)))
	if err := w.write(head); err != nil {
		return err
	}
	for _, e := range entries {
		rec := make([]byte, 12)
		binary.LittleEndian.PutUint16(rec[0:], e.tag)
		binary.LittleEndian.PutUint16(rec[2:], e.typ)
		binary.LittleEndian.PutUint32(rec[4:], e.count)
		if len(e.value) <= 4 {
			copy(rec[8:], e.value)
		} else {
			binary.LittleEndian.PutUint32(rec[8:], aux)
			auxData = append(auxData, e.value...)
			aux += uint32(len(e.value))
			if aux%2 != 0 {
				auxData = append(auxData, 0)
				aux++
			}
		}
		if err := w.write(rec); err != nil {
			return err
		}
	}
	tail := make([]byte, 4)
	binary.LittleEndian.PutUint32(tail, next)
	if err := w.write(tail); err != nil {
		return err
	}
	return w.write(auxData)
}

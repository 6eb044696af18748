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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zlib"
)

// ErrOutsideBounds reports a read window that does not intersect the
// raster at all.
var ErrOutsideBounds = errors.New("geotiff: window does not intersect raster")

// Reader provides windowed, overview-aware access to a GeoTIFF file. It is
// safe for concurrent use: all file access goes through ReadAt and no state
// mutates after Open.
type Reader struct {
	f       *os.File
	path    string
	bo      binary.ByteOrder
	ifds    []*ifd // ifds[0] is full resolution, then overviews by size desc
	profile Profile
}

type ifd struct {
	width, height int
	bits, samples int
	compression   uint16
	predictor     uint16
	planar        uint16
	tileW, tileH  int
	rowsPerStrip  int
	offsets       []int64
	counts        []int64
	subfile       uint32
	pixelScale    []float64
	tiepoint      []float64
	geoKeys       []uint16
	nodata        string
}

func (d *ifd) tiled() bool { return d.tileW > 0 }

// Open parses the IFD chain of the file at path. The returned Reader holds
// an open file handle until Close.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{f: f, path: path}
	if err := r.parse(); err != nil {
		f.Close()
		return nil, fmt.Errorf("geotiff: parsing %s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) Close() error {
	return r.f.Close()
}

// Profile returns the structural profile of the full-resolution raster.
func (r *Reader) Profile() Profile {
	return r.profile
}

// Overviews returns the decimation factors of the reduced-resolution
// levels, ascending.
func (r *Reader) Overviews() []int {
	return append([]int(nil), r.profile.Overviews...)
}

func (r *Reader) parse() error {
	var head [8]byte
	if _, err := r.f.ReadAt(head[:], 0); err != nil {
		return err
	}
	switch {
	case head[0] == 'I' && head[1] == 'I':
		r.bo = binary.LittleEndian
	case head[0] == 'M' && head[1] == 'M':
		r.bo = binary.BigEndian
	default:
		return errors.New("not a TIFF file")
	}
	if r.bo.Uint16(head[2:4]) != 42 {
		return errors.New("bad TIFF magic")
	}

	offset := int64(r.bo.Uint32(head[4:8]))
	for offset != 0 {
		d, next, err := r.parseIFD(offset)
		if err != nil {
			return err
		}
		r.ifds = append(r.ifds, d)
		offset = next
		if len(r.ifds) > 64 {
			return errors.New("too many IFDs")
		}
	}
	if len(r.ifds) == 0 {
		return errors.New("no IFDs")
	}

	// Full-resolution IFD first, overviews by decreasing size.
	sort.SliceStable(r.ifds, func(i, j int) bool {
		ri, rj := r.ifds[i].subfile&subfileReducedImage, r.ifds[j].subfile&subfileReducedImage
		if ri != rj {
			return ri < rj
		}
		return r.ifds[i].width > r.ifds[j].width
	})
	return r.buildProfile()
}

type tiffEntry struct {
	typ   uint16
	count uint32
	raw   []byte
}

func (r *Reader) parseIFD(offset int64) (*ifd, int64, error) {
	var cntBuf [2]byte
	if _, err := r.f.ReadAt(cntBuf[:], offset); err != nil {
		return nil, 0, err
	}
	n := int(r.bo.Uint16(cntBuf[:]))
	body := make([]byte, 12*n+4)
	if _, err := r.f.ReadAt(body, offset+2); err != nil {
		return nil, 0, err
	}

	entries := make(map[uint16]tiffEntry, n)
	for i := 0; i < n; i++ {
		rec := body[i*12 : i*12+12]
		tag := r.bo.Uint16(rec[0:2])
		typ := r.bo.Uint16(rec[2:4])
		count := r.bo.Uint32(rec[4:8])
		size := typeSize(typ) * int(count)
		if size == 0 {
			continue
		}
		var raw []byte
		if size <= 4 {
			raw = append([]byte(nil), rec[8:8+size]...)
		} else {
			raw = make([]byte, size)
			if _, err := r.f.ReadAt(raw, int64(r.bo.Uint32(rec[8:12]))); err != nil {
				return nil, 0, err
			}
		}
		entries[tag] = tiffEntry{typ: typ, count: count, raw: raw}
	}

	d := &ifd{planar: 1, predictor: PredictorNone, compression: CompressionNone}
	ints := func(tag uint16) []int64 { return r.entryInts(entries[tag]) }
	first := func(tag uint16, def int64) int64 {
		if vs := ints(tag); len(vs) > 0 {
			return vs[0]
		}
		return def
	}

	d.width = int(first(tagImageWidth, 0))
	d.height = int(first(tagImageLength, 0))
	d.samples = int(first(tagSamplesPerPixel, 1))
	d.bits = int(first(tagBitsPerSample, 1))
	d.compression = uint16(first(tagCompression, int64(CompressionNone)))
	d.predictor = uint16(first(tagPredictor, int64(PredictorNone)))
	d.planar = uint16(first(tagPlanarConfig, 1))
	d.subfile = uint32(first(tagNewSubfileType, 0))
	d.tileW = int(first(tagTileWidth, 0))
	d.tileH = int(first(tagTileLength, 0))
	d.rowsPerStrip = int(first(tagRowsPerStrip, int64(d.height)))
	if d.tiled() {
		d.offsets = ints(tagTileOffsets)
		d.counts = ints(tagTileByteCounts)
	} else {
		d.offsets = ints(tagStripOffsets)
		d.counts = ints(tagStripByteCounts)
	}
	d.pixelScale = r.entryDoubles(entries[tagModelPixelScale])
	d.tiepoint = r.entryDoubles(entries[tagModelTiepoint])
	if e, ok := entries[tagGeoKeyDirectory]; ok {
		for _, v := range r.entryInts(e) {
			d.geoKeys = append(d.geoKeys, uint16(v))
		}
	}
	if e, ok := entries[tagGDALNoData]; ok {
		raw := e.raw
		if i := indexNul(raw); i >= 0 {
			raw = raw[:i]
		}
		d.nodata = string(raw)
	}

	if d.width <= 0 || d.height <= 0 {
		return nil, 0, errors.New("IFD missing image dimensions")
	}
	if len(d.offsets) == 0 || len(d.offsets) != len(d.counts) {
		return nil, 0, errors.New("IFD missing block offsets")
	}
	if d.bits != 8 && d.bits != 16 {
		return nil, 0, fmt.Errorf("unsupported bits per sample %d", d.bits)
	}
	if d.planar != 1 {
		return nil, 0, errors.New("planar (band-interleaved) files are not supported")
	}

	next := int64(r.bo.Uint32(body[12*n : 12*n+4]))
	return d, next, nil
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func (r *Reader) entryInts(e tiffEntry) []int64 {
	if e.raw == nil {
		return nil
	}
	out := make([]int64, 0, e.count)
	switch e.typ {
	case typeShort:
		for i := 0; i < int(e.count); i++ {
			out = append(out, int64(r.bo.Uint16(e.raw[i*2:])))
		}
	case typeLong:
		for i := 0; i < int(e.count); i++ {
			out = append(out, int64(r.bo.Uint32(e.raw[i*4:])))
		}
	}
	return out
}

func (r *Reader) entryDoubles(e tiffEntry) []float64 {
	if e.raw == nil || e.typ != typeDouble {
		return nil
	}
	out := make([]float64, 0, e.count)
	for i := 0; i < int(e.count); i++ {
		out = append(out, math.Float64frombits(r.bo.Uint64(e.raw[i*8:])))
	}
	return out
}

func (r *Reader) buildProfile() error {
	main := r.ifds[0]
	if main.subfile&subfileReducedImage != 0 {
		return errors.New("no full-resolution IFD")
	}
	p := Profile{
		Width:       main.width,
		Height:      main.height,
		Bands:       main.samples,
		BitDepth:    main.bits,
		Tiled:       main.tiled(),
		BlockWidth:  main.tileW,
		BlockHeight: main.tileH,
		Compression: main.compression,
		Predictor:   main.predictor,
		Interleave:  InterleavePixel,
	}
	if !p.Tiled {
		p.BlockWidth = main.width
		p.BlockHeight = main.rowsPerStrip
	}
	if len(main.pixelScale) >= 2 && len(main.tiepoint) >= 6 {
		sx, sy := main.pixelScale[0], main.pixelScale[1]
		originX := main.tiepoint[3] - main.tiepoint[0]*sx
		originY := main.tiepoint[4] + main.tiepoint[1]*sy
		p.Transform = [6]float64{originX, sx, 0, originY, 0, -sy}
	}
	p.EPSG = epsgFromGeoKeys(main.geoKeys)
	if main.nodata != "" {
		if v, err := strconv.ParseFloat(main.nodata, 64); err == nil {
			p.NoData = v
			p.HasNoData = true
		}
	}
	for _, d := range r.ifds[1:] {
		if d.subfile&subfileReducedImage == 0 {
			continue
		}
		factor := int(math.Round(float64(main.width) / float64(d.width)))
		p.Overviews = append(p.Overviews, factor)
	}
	sort.Ints(p.Overviews)
	r.profile = p
	return nil
}

func epsgFromGeoKeys(dir []uint16) int {
	if len(dir) < 4 {
		return 0
	}
	n := int(dir[3])
	for i := 0; i < n; i++ {
		base := 4 + i*4
		if base+3 >= len(dir) {
			break
		}
		id, loc, value := dir[base], dir[base+1], dir[base+3]
		if loc != 0 {
			continue
		}
		switch id {
		case geoKeyProjectedCS:
			return int(value)
		case geoKeyGeographicCS:
			return int(value)
		}
	}
	return 0
}

// levelIFD maps level 0 to the full-resolution IFD and level n > 0 to the
// n-th overview.
func (r *Reader) levelIFD(level int) (*ifd, error) {
	if level < 0 || level >= len(r.ifds) {
		return nil, fmt.Errorf("no such overview level %d", level)
	}
	return r.ifds[level], nil
}

// readBlock decodes one tile or strip of d, returning raw interleaved
// samples in little-endian order.
func (r *Reader) readBlock(d *ifd, idx int) ([]byte, error) {
	if idx < 0 || idx >= len(d.offsets) {
		return nil, fmt.Errorf("block %d out of range", idx)
	}
	raw := make([]byte, d.counts[idx])
	if _, err := r.f.ReadAt(raw, d.offsets[idx]); err != nil {
		return nil, err
	}
	data := raw
	if d.compression == CompressionDeflate {
		zr, err := zlib.NewReader(newByteReader(raw))
		if err != nil {
			return nil, err
		}
		data, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, err
		}
	} else if d.compression != CompressionNone {
		return nil, fmt.Errorf("unsupported compression %d", d.compression)
	}

	if d.bits == 16 && r.bo == binary.BigEndian {
		for i := 0; i+1 < len(data); i += 2 {
			data[i], data[i+1] = data[i+1], data[i]
		}
	}
	if d.predictor == PredictorHorizontal {
		rowBytes := d.blockWidth() * d.samples * d.bits / 8
		for start := 0; start+rowBytes <= len(data); start += rowBytes {
			undiffRow(data[start:start+rowBytes], d.samples, d.bits)
		}
	}
	return data, nil
}

func (d *ifd) blockWidth() int {
	if d.tiled() {
		return d.tileW
	}
	return d.width
}

func undiffRow(row []byte, samples, bits int) {
	if bits == 8 {
		for i := samples; i < len(row); i++ {
			row[i] += row[i-samples]
		}
		return
	}
	n := len(row) / 2
	for i := samples; i < n; i++ {
		cur := binary.LittleEndian.Uint16(row[i*2:])
		prev := binary.LittleEndian.Uint16(row[(i-samples)*2:])
		binary.LittleEndian.PutUint16(row[i*2:], cur+prev)
	}
}

// ReadWindow reads a pixel window expressed in the coordinates of the given
// level. The window is clamped to the raster; a window with no intersection
// returns ErrOutsideBounds.
func (r *Reader) ReadWindow(level int, win Window) (*Raster, error) {
	d, err := r.levelIFD(level)
	if err != nil {
		return nil, err
	}
	clamped := win.intersect(d.width, d.height)
	if clamped.empty() {
		return nil, ErrOutsideBounds
	}
	out, err := NewRaster(clamped.Width, clamped.Height, d.samples, d.bits)
	if err != nil {
		return nil, err
	}
	bpp := out.bytesPerPixel()

	if d.tiled() {
		across := (d.width + d.tileW - 1) / d.tileW
		ty0, ty1 := clamped.Y/d.tileH, (clamped.Y+clamped.Height-1)/d.tileH
		tx0, tx1 := clamped.X/d.tileW, (clamped.X+clamped.Width-1)/d.tileW
		for ty := ty0; ty <= ty1; ty++ {
			for tx := tx0; tx <= tx1; tx++ {
				block, err := r.readBlock(d, ty*across+tx)
				if err != nil {
					return nil, err
				}
				copyBlock(out, clamped, block, tx*d.tileW, ty*d.tileH, d.tileW, d.tileH, bpp)
			}
		}
		return out, nil
	}

	rps := d.rowsPerStrip
	s0, s1 := clamped.Y/rps, (clamped.Y+clamped.Height-1)/rps
	for s := s0; s <= s1; s++ {
		block, err := r.readBlock(d, s)
		if err != nil {
			return nil, err
		}
		rows := min(rps, d.height-s*rps)
		copyBlock(out, clamped, block, 0, s*rps, d.width, rows, bpp)
	}
	return out, nil
}

// copyBlock copies the intersection of a decoded block (origin bx, by, size
// bw x bh) into out, which covers window win of the same level.
func copyBlock(out *Raster, win Window, block []byte, bx, by, bw, bh, bpp int) {
	y0 := max(win.Y, by)
	y1 := min(win.Y+win.Height, by+bh)
	x0 := max(win.X, bx)
	x1 := min(win.X+win.Width, bx+bw)
	if y0 >= y1 || x0 >= x1 {
		return
	}
	for y := y0; y < y1; y++ {
		src := ((y-by)*bw + (x0 - bx)) * bpp
		dst := ((y-win.Y)*out.Width + (x0 - win.X)) * bpp
		n := (x1 - x0) * bpp
		if src+n > len(block) {
			break
		}
		copy(out.Pix[dst:dst+n], block[src:src+n])
	}
}

// Read performs an overview-aware windowed read: win is expressed in
// full-resolution pixel coordinates and the result is resampled (nearest
// neighbor) to outW x outH. The overview whose decimation factor best
// matches the requested downsampling serves the read.
func (r *Reader) Read(ctx context.Context, win Window, outW, outH int) (*Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if win.intersect(r.profile.Width, r.profile.Height).empty() {
		return nil, ErrOutsideBounds
	}

	scale := float64(win.Width) / float64(outW)
	level, factor := 0, 1
	for i, f := range r.profile.Overviews {
		if float64(f) <= scale {
			level, factor = i+1, f
		}
	}

	lwin := Window{
		X:      floorDiv(win.X, factor),
		Y:      floorDiv(win.Y, factor),
		Width:  (win.Width + factor - 1) / factor,
		Height: (win.Height + factor - 1) / factor,
	}
	d, err := r.levelIFD(level)
	if err != nil {
		return nil, err
	}
	clamped := lwin.intersect(d.width, d.height)
	src, err := r.ReadWindow(level, lwin)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := NewRaster(outW, outH, src.Bands, src.BitDepth)
	if err != nil {
		return nil, err
	}
	for y := 0; y < outH; y++ {
		fy := float64(win.Y) + (float64(y)+0.5)*float64(win.Height)/float64(outH)
		ly := floorDiv(int(math.Floor(fy)), factor) - clamped.Y
		for x := 0; x < outW; x++ {
			fx := float64(win.X) + (float64(x)+0.5)*float64(win.Width)/float64(outW)
			lx := floorDiv(int(math.Floor(fx)), factor) - clamped.X
			if lx < 0 || ly < 0 || lx >= src.Width || ly >= src.Height {
				continue
			}
			for b := 0; b < src.Bands; b++ {
				out.SetSample(x, y, b, src.Sample(lx, ly, b))
			}
		}
	}
	return out, nil
}

// Preview returns a decimated full-extent raster no larger than maxSize on
// its longest edge, plus the raster bounds in its source CRS.
func (r *Reader) Preview(ctx context.Context, maxSize int) (*Raster, [4]float64, error) {
	p := r.profile
	w, h := p.Width, p.Height
	if w >= h {
		h = max(1, h*maxSize/w)
		w = maxSize
	} else {
		w = max(1, w*maxSize/h)
		h = maxSize
	}
	out, err := r.Read(ctx, Window{X: 0, Y: 0, Width: p.Width, Height: p.Height}, w, h)
	if err != nil {
		return nil, [4]float64{}, err
	}
	minX, minY, maxX, maxY := p.Bounds()
	return out, [4]float64{minX, minY, maxX, maxY}, nil
}

// GeographicBounds reprojects the raster extent into WGS84 longitude and
// latitude, ordered west, south, east, north.
func (r *Reader) GeographicBounds() ([4]float64, error) {
	p := r.profile
	minX, minY, maxX, maxY := p.Bounds()
	west, south, err := ToWGS84(p.EPSG, minX, minY)
	if err != nil {
		return [4]float64{}, err
	}
	east, north, err := ToWGS84(p.EPSG, maxX, maxY)
	if err != nil {
		return [4]float64{}, err
	}
	return [4]float64{west, south, east, north}, nil
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// byteReader adapts a byte slice for the zlib reader without the bytes
// package's value copies.
type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(b []byte) *byteReader { return &byteReader{data: b} }

func (b *byteReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

func (b *byteReader) ReadByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	c := b.data[b.pos]
	b.pos++
	return c, nil
}

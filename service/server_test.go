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

package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	rhttp "github.com/hashicorp/go-retryablehttp"

	"github.com/dl4eo/cogserv/cog"
	"github.com/dl4eo/cogserv/geotiff"
	"github.com/dl4eo/cogserv/internal/catalog"
	"github.com/dl4eo/cogserv/status"
	"github.com/dl4eo/cogserv/store"
	"github.com/dl4eo/cogserv/tile"
)

const testProductID = "abc-123"

// makeProductArchive builds an L2A-shaped archive with three synthetic
// bands and returns its bytes.
func makeProductArchive(t *testing.T) []byte {
	t.Helper()
	dir := t.TempDir()
	const prefix = "S2A_MSIL2A.SAFE/GRANULE/G/IMG_DATA/R10m/"

	writeBand := func(name string, fill func(x, y int) uint16) string {
		r, err := geotiff.NewRaster(32, 32, 1, 16)
		if err != nil {
			t.Fatalf("NewRaster: %v", err)
		}
		for y := 0; y < 32; y++ {
			for x := 0; x < 32; x++ {
				r.SetSample(x, y, 0, fill(x, y))
			}
		}
		path := filepath.Join(dir, name)
		err = geotiff.Write(context.Background(), path, r, geotiff.WriteOptions{
			Compression: geotiff.CompressionDeflate,
			EPSG:        32631,
			Transform:   [6]float64{600000, 10, 0, 5640000, 0, -10},
		})
		if err != nil {
			t.Fatalf("writing band: %v", err)
		}
		return path
	}

	files := map[string]string{
		prefix + "T31UFS_B04_10m.tif": writeBand("b04.tif", func(x, y int) uint16 { return uint16(100 + x*60) }),
		prefix + "T31UFS_B03_10m.tif": writeBand("b03.tif", func(x, y int) uint16 { return uint16(100 + (x+y)*30) }),
		prefix + "T31UFS_B02_10m.tif": writeBand("b02.tif", func(x, y int) uint16 { return uint16(100 + y*60) }),
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, src := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("adding %s: %v", name, err)
		}
		data, err := os.ReadFile(src)
		if err != nil {
			t.Fatalf("reading %s: %v", src, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("zipping %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing archive: %v", err)
	}
	return buf.Bytes()
}

func fastClient() *rhttp.Client {
	c := rhttp.NewClient()
	c.Logger = nil
	c.RetryMax = 0
	return c
}

// newTestServer stands up the whole stack against httptest catalog
// endpoints serving one product.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	archive := makeProductArchive(t)

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token": "test-token", "expires_in": 600}`)
	}))
	t.Cleanup(idp.Close)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "download"):
			if !strings.Contains(r.URL.Path, testProductID) {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/zip")
			w.Write(archive)
		default:
			filter := r.URL.Query().Get("$filter")
			if !strings.Contains(filter, testProductID) {
				fmt.Fprint(w, `{"value": []}`)
				return
			}
			fmt.Fprintf(w, `{"value": [{"Id": %q, "Name": "S2A_MSIL2A", "S3Path": "/eodata/x"}]}`, testProductID)
		}
	}))
	t.Cleanup(api.Close)

	tokens, err := catalog.NewTokenSource(idp.URL, "cdse-public", "user", "pass", catalog.WithTokenClient(fastClient()))
	if err != nil {
		t.Fatalf("NewTokenSource: %v", err)
	}
	client := catalog.NewClient(api.URL+"/odata/v1/Products", api.URL+"/download/{id}/$value", tokens,
		catalog.WithHTTPClient(fastClient()))

	root := t.TempDir()
	jobs, err := status.Open(filepath.Join(root, "status.db"))
	if err != nil {
		t.Fatalf("status.Open: %v", err)
	}
	t.Cleanup(func() { jobs.Close() })
	blobs, err := store.NewFileStore(filepath.Join(root, "blobs"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	builder, err := cog.NewBuilder()
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	converter := NewConverter(client, builder, blobs, jobs, "cogserv", 1, time.Minute)

	cache := tile.NewReaderCache(4, time.Minute, func(location string) (tile.Reader, error) {
		bucket, key, err := store.ParseLocation(location)
		if err != nil {
			return nil, err
		}
		path, err := blobs.Path(bucket, key)
		if err != nil {
			return nil, err
		}
		return geotiff.Open(path)
	})
	t.Cleanup(cache.Purge)
	renderer := tile.NewRenderer(cache, 0, 0)

	return NewServer(converter, renderer, jobs, blobs)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var payload map[string]any
	if strings.Contains(rec.Header().Get("Content-Type"), "json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, path, err)
		}
	}
	return rec, payload
}

func TestConvertAndServeEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, payload := doJSON(t, h, http.MethodPost, "/convert", fmt.Sprintf(`{"identifier": %q}`, testProductID))
	if rec.Code != http.StatusOK {
		t.Fatalf("convert returned %d: %s", rec.Code, rec.Body)
	}
	if payload["status"] != "ready" {
		t.Fatalf("convert status %v", payload["status"])
	}
	location := payload["bucket"].(string) + "/" + payload["path"].(string)

	rec, payload = doJSON(t, h, http.MethodGet, "/status/"+testProductID, "")
	if rec.Code != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("status after convert: %d %v", rec.Code, payload)
	}
	if payload["uri"] == "" {
		t.Fatal("ready status must carry the artifact URI")
	}

	rec, payload = doJSON(t, h, http.MethodGet, "/info/"+location, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("info returned %d: %s", rec.Code, rec.Body)
	}
	profile := payload["profile"].(map[string]any)
	if int(profile["epsg"].(float64)) != 32631 {
		t.Fatalf("info epsg %v", profile["epsg"])
	}

	// The artifact sits in UTM 31N around 4.4E 50.9N; fetch the covering
	// tile at zoom 12.
	bounds := payload["geographic_bounds"].([]any)
	lon := (bounds[0].(float64) + bounds[2].(float64)) / 2
	lat := (bounds[1].(float64) + bounds[3].(float64)) / 2
	x, y := slippyTile(12, lon, lat)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/tiles/%s/12/%d/%d.png", location, x, y), nil)
	tileRec := httptest.NewRecorder()
	h.ServeHTTP(tileRec, req)
	if tileRec.Code != http.StatusOK {
		t.Fatalf("tile returned %d: %s", tileRec.Code, tileRec.Body)
	}
	if ct := tileRec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("tile content type %q", ct)
	}
	if tileRec.Body.Len() == 0 {
		t.Fatal("empty tile body")
	}

	rec, payload = doJSON(t, h, http.MethodGet, "/preview/"+location, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("preview returned %d", rec.Code)
	}
	if len(payload["bands"].([]any)) != 3 {
		t.Fatal("preview must carry three band grids")
	}
}

func slippyTile(z int, lon, lat float64) (x, y int) {
	n := float64(uint64(1) << uint(z))
	x = int((lon + 180) / 360 * n)
	rad := lat * math.Pi / 180
	y = int((1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * n)
	return x, y
}

func TestConvertDestinationOverride(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, payload := doJSON(t, h, http.MethodPost, "/convert",
		fmt.Sprintf(`{"identifier": %q, "destination": "archive"}`, testProductID))
	if rec.Code != http.StatusOK {
		t.Fatalf("convert returned %d: %s", rec.Code, rec.Body)
	}
	if payload["bucket"] != "archive" {
		t.Fatalf("artifact published to bucket %v, want archive", payload["bucket"])
	}
	if ok, err := srv.blobs.Exists(context.Background(), "archive", payload["path"].(string)); err != nil || !ok {
		t.Fatalf("artifact missing from destination bucket: %v %v", ok, err)
	}
}

func TestConvertValidation(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, _ := doJSON(t, h, http.MethodPost, "/convert", `{"identifier": ""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty identifier returned %d", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodPost, "/convert", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body returned %d", rec.Code)
	}
}

func TestConvertUnknownProduct(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, _ := doJSON(t, h, http.MethodPost, "/convert", `{"identifier": "does-not-exist"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown product returned %d", rec.Code)
	}

	// The failed job reads back as not_available, same as never-requested.
	rec, payload := doJSON(t, h, http.MethodGet, "/status/does-not-exist", "")
	if rec.Code != http.StatusOK || payload["status"] != "not_available" {
		t.Fatalf("failed job status: %d %v", rec.Code, payload)
	}
}

func TestStatusMapping(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, payload := doJSON(t, h, http.MethodGet, "/status/never-seen", "")
	if rec.Code != http.StatusOK || payload["status"] != "not_available" {
		t.Fatalf("absent job: %d %v", rec.Code, payload)
	}

	if err := srv.jobs.SetStatus(context.Background(), "in-flight", status.StateProcessing, nil); err != nil {
		t.Fatalf("seeding processing: %v", err)
	}
	rec, payload = doJSON(t, h, http.MethodGet, "/status/in-flight", "")
	if rec.Code != http.StatusOK || payload["status"] != "processing" {
		t.Fatalf("processing job: %d %v", rec.Code, payload)
	}
}

func TestTileRenderFailureServesTransparentTile(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	// An artifact that exists in the store but cannot be opened as a
	// raster. The render fails, the consumer still gets a valid tile.
	if _, _, err := srv.blobs.Put(context.Background(), "cogserv", "cogs/broken_rgb.tif",
		strings.NewReader("not a raster")); err != nil {
		t.Fatalf("publishing broken artifact: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/tiles/cogserv/cogs/broken_rgb.tif/20/524288/349525.png", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("broken artifact tile returned %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("broken artifact tile content type %q", ct)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decoding tile: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != tile.TileSize || b.Dy() != tile.TileSize {
		t.Fatalf("tile is %dx%d, want %dx%d", b.Dx(), b.Dy(), tile.TileSize, tile.TileSize)
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
				t.Fatalf("pixel (%d,%d) is not transparent", x, y)
			}
		}
	}
}

func TestTileRequestsForMissingArtifact(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/tiles/bucket/nope.tif/8/10/10.png", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing artifact tile returned %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/tiles/bucket/a.tif/8/ten/10.png", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed coordinates returned %d", rec.Code)
	}
}

func TestParseTilePath(t *testing.T) {
	tests := []struct {
		in       string
		location string
		z, x, y  int
		wantErr  bool
	}{
		{"cogserv/cogs/id_rgb.tif/10/524/341.png", "cogserv/cogs/id_rgb.tif", 10, 524, 341, false},
		{"cogserv/cogs/id_rgb.tif/10/524/341", "cogserv/cogs/id_rgb.tif", 10, 524, 341, false},
		{"bucket/key.tif/1/2", "", 0, 0, 0, true},
		{"bucket/key.tif/a/b/c.png", "", 0, 0, 0, true},
	}
	for _, tt := range tests {
		location, z, x, y, err := parseTilePath(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseTilePath(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseTilePath(%q): %v", tt.in, err)
			continue
		}
		if location != tt.location || z != tt.z || x != tt.x || y != tt.y {
			t.Errorf("parseTilePath(%q) = (%q, %d, %d, %d)", tt.in, location, z, x, y)
		}
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec, payload := doJSON(t, srv.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || payload["status"] != "healthy" {
		t.Fatalf("health: %d %v", rec.Code, payload)
	}
}

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

package store

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		location string
		bucket   string
		key      string
		wantErr  bool
	}{
		{"cogserv/cogs/id_rgb.tif", "cogserv", "cogs/id_rgb.tif", false},
		{"/cogserv/cogs/id_rgb.tif/", "cogserv", "cogs/id_rgb.tif", false},
		{"justbucket", "", "", true},
		{"", "", "", true},
		{"/", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseLocation(tt.location)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLocation(%q): expected error", tt.location)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLocation(%q): %v", tt.location, err)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseLocation(%q) = (%q, %q), want (%q, %q)",
				tt.location, bucket, key, tt.bucket, tt.key)
		}
	}
}

func TestArtifactKey(t *testing.T) {
	if got := ArtifactKey("S2A_X"); got != "cogs/S2A_X_rgb.tif" {
		t.Fatalf("ArtifactKey = %q", got)
	}
}

func TestFileStorePutOpenRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	payload := "not actually a tiff"

	dgst, n, err := s.Put(ctx, "bucket", "cogs/x_rgb.tif", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("Put reported %d bytes, want %d", n, len(payload))
	}
	if want := digest.FromString(payload); dgst != want {
		t.Fatalf("digest mismatch: got %s want %s", dgst, want)
	}

	ok, err := s.Exists(ctx, "bucket", "cogs/x_rgb.tif")
	if err != nil || !ok {
		t.Fatalf("Exists = (%v, %v), want (true, nil)", ok, err)
	}

	rc, err := s.Open(ctx, "bucket", "cogs/x_rgb.tif")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil || string(got) != payload {
		t.Fatalf("read back %q (%v), want %q", got, err, payload)
	}

	path, err := s.Path("bucket", "cogs/x_rgb.tif")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if !strings.HasSuffix(path, "x_rgb.tif") {
		t.Fatalf("unexpected path %q", path)
	}
	if uri := s.URI("bucket", "cogs/x_rgb.tif"); !strings.HasPrefix(uri, "file://") {
		t.Fatalf("unexpected URI %q", uri)
	}
}

func TestFileStoreMissingBlob(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	if _, err := s.Open(ctx, "bucket", "nope.tif"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open missing: %v", err)
	}
	if _, err := s.Path("bucket", "nope.tif"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Path missing: %v", err)
	}
	if ok, err := s.Exists(ctx, "bucket", "nope.tif"); err != nil || ok {
		t.Fatalf("Exists missing = (%v, %v)", ok, err)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, _, err := s.Put(context.Background(), "bucket", "../../etc/passwd", strings.NewReader("x")); err == nil {
		t.Fatal("expected a traversal key to be rejected")
	}
}

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

// Package store addresses produced artifacts by (bucket, key) pairs. The
// filesystem implementation is the only one in-tree; object storage
// backends plug in behind the same interface.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ErrNotFound reports a blob that does not exist in the store.
var ErrNotFound = errors.New("store: blob not found")

// ArtifactKey returns the deterministic store key for an identifier's
// artifact.
func ArtifactKey(identifier string) string {
	return fmt.Sprintf("cogs/%s_rgb.tif", identifier)
}

// ParseLocation splits a "bucket/key" request path into its parts.
func ParseLocation(location string) (bucket, key string, err error) {
	bucket, key, ok := strings.Cut(strings.Trim(location, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed location %q, want bucket/key", location)
	}
	return bucket, key, nil
}

// Store is a (bucket, key) addressed blob store. Put must be atomic: a
// reader can never observe a partially written blob.
type Store interface {
	Put(ctx context.Context, bucket, key string, src io.Reader) (digest.Digest, int64, error)
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// Path resolves a blob to a local filesystem path for random access
	// readers.
	Path(bucket, key string) (string, error)
	URI(bucket, key string) string
}

// FileStore keeps blobs under root/bucket/key.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating store root %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) blobPath(bucket, key string) (string, error) {
	p := filepath.Join(s.root, bucket, filepath.FromSlash(key))
	// Reject keys that climb out of the store root.
	if !strings.HasPrefix(p, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid blob location %s/%s", bucket, key)
	}
	return p, nil
}

// Put streams src into the store, digesting as it writes. The blob lands
// at a temporary name and is renamed into place once fully written.
func (s *FileStore) Put(ctx context.Context, bucket, key string, src io.Reader) (digest.Digest, int64, error) {
	dst, err := s.blobPath(bucket, key)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	digester := digest.SHA256.Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), src)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("writing blob %s/%s: %w", bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, err
	}
	return digester.Digest(), n, nil
}

func (s *FileStore) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	p, err := s.blobPath(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	return f, err
}

func (s *FileStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	p, err := s.blobPath(bucket, key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *FileStore) Path(bucket, key string) (string, error) {
	p, err := s.blobPath(bucket, key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	} else if err != nil {
		return "", err
	}
	return p, nil
}

func (s *FileStore) URI(bucket, key string) string {
	return fmt.Sprintf("file://%s", filepath.Join(s.root, bucket, filepath.FromSlash(key)))
}

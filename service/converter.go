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

// Package service wires the catalog client, the conversion pipeline, the
// artifact store and the tile renderer behind the HTTP API.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/log"

	"github.com/dl4eo/cogserv/cog"
	"github.com/dl4eo/cogserv/internal/catalog"
	"github.com/dl4eo/cogserv/metrics"
	"github.com/dl4eo/cogserv/status"
	"github.com/dl4eo/cogserv/store"
)

// Converter runs conversion jobs: download the product archive, build the
// cloud optimized artifact, publish it to the store and track progress in
// the status database.
type Converter struct {
	catalog *catalog.Client
	builder *cog.Builder
	blobs   store.Store
	jobs    *status.Store
	bucket  string
	timeout time.Duration
	sem     chan struct{}
}

// NewConverter builds a converter publishing into bucket. maxConcurrent
// bounds jobs running at once; timeout bounds one job end to end.
func NewConverter(cl *catalog.Client, b *cog.Builder, blobs store.Store, jobs *status.Store, bucket string, maxConcurrent int, timeout time.Duration) *Converter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Converter{
		catalog: cl,
		builder: b,
		blobs:   blobs,
		jobs:    jobs,
		bucket:  bucket,
		timeout: timeout,
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// Convert runs one conversion job for identifier, publishing into bucket,
// or into the converter's default bucket when bucket is empty. The job is
// always left in a terminal state in the status store: ready with the
// artifact location on success, error on any failure.
func (c *Converter) Convert(ctx context.Context, identifier, bucket string) (*status.Entry, error) {
	if bucket == "" {
		bucket = c.bucket
	}
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	start := time.Now()
	entry, err := c.convert(ctx, identifier, bucket)
	if err != nil {
		metrics.Conversions.WithLabelValues(metrics.ResultError).Inc()
		log.G(ctx).WithError(err).WithField("identifier", identifier).Error("conversion failed")
		if serr := c.jobs.SetStatus(context.WithoutCancel(ctx), identifier, status.StateError, nil); serr != nil {
			log.G(ctx).WithError(serr).WithField("identifier", identifier).Error("failed to record error state")
		}
		return nil, err
	}
	metrics.Conversions.WithLabelValues(metrics.ResultOK).Inc()
	metrics.ConversionDuration.Observe(metrics.SinceInSeconds(start))
	log.G(ctx).WithField("identifier", identifier).
		WithField("duration", time.Since(start).Round(time.Millisecond)).
		Info("conversion finished")
	return entry, nil
}

func (c *Converter) convert(ctx context.Context, identifier, bucket string) (*status.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.jobs.SetStatus(ctx, identifier, status.StateProcessing, nil); err != nil {
		return nil, err
	}

	product, err := c.catalog.ResolveProduct(ctx, identifier)
	if err != nil {
		return nil, err
	}
	log.G(ctx).WithField("identifier", identifier).WithField("name", product.Name).Info("product resolved, downloading archive")

	scratch, err := os.MkdirTemp("", "cogserv-convert-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	archivePath := filepath.Join(scratch, "product.zip")
	archive, err := os.Create(archivePath)
	if err != nil {
		return nil, err
	}
	n, err := c.catalog.DownloadArchive(ctx, product.ID, archive)
	if cerr := archive.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("downloading archive for %s: %w", identifier, err)
	}
	log.G(ctx).WithField("identifier", identifier).WithField("bytes", n).Info("archive downloaded, building artifact")

	artifactPath := filepath.Join(scratch, "artifact.tif")
	if _, err := c.builder.Build(ctx, archivePath, artifactPath); err != nil {
		return nil, err
	}

	artifact, err := os.Open(artifactPath)
	if err != nil {
		return nil, err
	}
	defer artifact.Close()
	key := store.ArtifactKey(identifier)
	dgst, size, err := c.blobs.Put(ctx, bucket, key, artifact)
	if err != nil {
		return nil, fmt.Errorf("publishing artifact for %s: %w", identifier, err)
	}

	entry := &status.Entry{
		Identifier: identifier,
		State:      status.StateReady,
		Bucket:     bucket,
		Path:       key,
		Digest:     dgst.String(),
		Size:       size,
	}
	if err := c.jobs.SetStatusEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

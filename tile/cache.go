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

package tile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/dl4eo/cogserv/geotiff"
	"github.com/dl4eo/cogserv/metrics"
)

// Reader is the raster access surface the tile server needs. *geotiff.Reader
// implements it.
type Reader interface {
	Profile() geotiff.Profile
	Read(ctx context.Context, win geotiff.Window, outW, outH int) (*geotiff.Raster, error)
	Preview(ctx context.Context, maxSize int) (*geotiff.Raster, [4]float64, error)
	GeographicBounds() ([4]float64, error)
	Close() error
}

// OpenFunc opens a reader for an artifact location.
type OpenFunc func(location string) (Reader, error)

const (
	// DefaultCacheSize bounds the number of concurrently open readers.
	DefaultCacheSize = 100
	// DefaultCacheTTL is how long an opened reader is reused before the
	// artifact is reopened.
	DefaultCacheTTL = 5 * time.Minute
)

// ReaderCache memoizes open raster readers per artifact location with a
// bounded entry count and per-entry TTL. Entries evicted by either policy
// are closed once the last borrower releases them; expired entries are
// never reused. Concurrent misses for one location are collapsed into a
// single open.
type ReaderCache struct {
	lru  *expirable.LRU[string, *cachedReader]
	sf   singleflight.Group
	open OpenFunc
}

// cachedReader wraps a Reader with borrow counting so an eviction cannot
// close a reader that an in-flight tile request still uses.
type cachedReader struct {
	reader Reader

	mu      sync.Mutex
	refs    int
	evicted bool
}

// acquire borrows the reader. It fails when the entry has already been
// evicted, which makes a stale LRU hit indistinguishable from a miss.
func (c *cachedReader) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return false
	}
	c.refs++
	return true
}

func (c *cachedReader) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.evicted && c.refs == 0 {
		c.reader.Close()
	}
}

func (c *cachedReader) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = true
	if c.refs == 0 {
		c.reader.Close()
	}
}

func NewReaderCache(size int, ttl time.Duration, open OpenFunc) *ReaderCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &ReaderCache{open: open}
	c.lru = expirable.NewLRU(size, func(_ string, cr *cachedReader) {
		cr.evict()
	}, ttl)
	return c
}

// Get returns a borrowed reader for location plus its release func. The
// caller must call release when the request is done rendering.
func (c *ReaderCache) Get(location string) (Reader, func(), error) {
	// A flight returns an unacquired entry; each sharer borrows it
	// individually, retrying if an eviction slips in between.
	for attempt := 0; attempt < 3; attempt++ {
		if cr, ok := c.lru.Get(location); ok && cr.acquire() {
			metrics.ReaderCacheHits.Inc()
			return cr.reader, cr.release, nil
		}

		v, err, _ := c.sf.Do(location, func() (any, error) {
			// Re-check under the flight: a concurrent caller may have
			// populated the entry already.
			if cr, ok := c.lru.Get(location); ok {
				return cr, nil
			}
			metrics.ReaderCacheMisses.Inc()
			r, err := c.open(location)
			if err != nil {
				return nil, err
			}
			cr := &cachedReader{reader: r}
			c.lru.Add(location, cr)
			return cr, nil
		})
		if err != nil {
			return nil, nil, err
		}
		if cr := v.(*cachedReader); cr.acquire() {
			return cr.reader, cr.release, nil
		}
		c.sf.Forget(location)
	}
	return nil, nil, fmt.Errorf("reader for %s kept being evicted during open", location)
}

// Purge drops every cached reader. Open borrows stay valid until released.
func (c *ReaderCache) Purge() {
	c.lru.Purge()
}

// Len returns the number of live cache entries.
func (c *ReaderCache) Len() int {
	return c.lru.Len()
}

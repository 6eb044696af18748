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

// Package status persists the production state of conversion jobs in a
// bolt database shared between the producer (the converter) and the
// consumer (the tile server). It stores one record per image identifier in
// the following schema.
//
//   - cog_jobs
//     - <identifier>: bucket per job keyed by the image identifier.
//       - state: <string>      : processing | ready | error
//       - bucket: <string>     : artifact container, set when ready
//       - path: <string>       : artifact key, set when ready
//       - digest: <string>     : artifact content digest, set when ready
//       - size: <varint>       : artifact size in bytes, set when ready
//       - updated_at: <binary> : time of the last transition
//
// Two producers racing on one identifier is not prevented: the last writer
// wins, matching the documented at-most-one-producer deployment model.
package status

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dl4eo/cogserv/util/dbutil"
)

// State is the production state of a job. StateAbsent is never stored; it
// is the implicit state of an identifier with no record.
type State string

const (
	StateAbsent     State = "absent"
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateError      State = "error"
)

// Location addresses a published artifact in the blob store.
type Location struct {
	Bucket string
	Path   string
}

// Entry is one job record.
type Entry struct {
	Identifier string
	State      State
	Bucket     string
	Path       string
	Digest     string
	Size       int64
	UpdatedAt  time.Time
}

var (
	bucketKeyJobs      = []byte("cog_jobs")
	bucketKeyState     = []byte("state")
	bucketKeyBucket    = []byte("bucket")
	bucketKeyPath      = []byte("path")
	bucketKeyDigest    = []byte("digest")
	bucketKeySize      = []byte("size")
	bucketKeyUpdatedAt = []byte("updated_at")
)

// Store is a bolt-backed job status store. It holds no in-memory state, so
// independent producer and consumer processes survive restarts as long as
// they share the database file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the status database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening status db %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetStatus upserts the record for id. A processing write is always
// permitted (it is how a retry starts); ready and error are only valid out
// of processing. loc may be nil except that a ready write usually carries
// the artifact location.
func (s *Store) SetStatus(ctx context.Context, id string, state State, loc *Location) error {
	return s.SetStatusEntry(ctx, &Entry{
		Identifier: id,
		State:      state,
		Bucket:     locBucket(loc),
		Path:       locPath(loc),
	})
}

// SetStatusEntry is SetStatus with the full record, for producers that
// also track the artifact digest and size.
func (s *Store) SetStatusEntry(ctx context.Context, e *Entry) error {
	if e == nil || e.Identifier == "" {
		return fmt.Errorf("no job entry to write")
	}
	switch e.State {
	case StateProcessing, StateReady, StateError:
	default:
		return fmt.Errorf("cannot store state %q", e.State)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs, err := tx.CreateBucketIfNotExists(bucketKeyJobs)
		if err != nil {
			return err
		}
		if e.State != StateProcessing {
			current := StateAbsent
			if jobBkt := jobs.Bucket([]byte(e.Identifier)); jobBkt != nil {
				current = State(jobBkt.Get(bucketKeyState))
			}
			if current != StateProcessing {
				return fmt.Errorf("invalid transition %s -> %s for %s", current, e.State, e.Identifier)
			}
		}
		return putJobEntry(jobs, e)
	})
}

// GetStatus returns the record for id, or a StateAbsent entry when none
// exists. Absent and errored jobs are distinct: an errored job reads back
// as StateError.
func (s *Store) GetStatus(ctx context.Context, id string) (*Entry, error) {
	entry := &Entry{Identifier: id, State: StateAbsent}
	err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketKeyJobs)
		if jobs == nil {
			return nil
		}
		jobBkt := jobs.Bucket([]byte(id))
		if jobBkt == nil {
			return nil
		}
		return loadJobEntry(jobBkt, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func putJobEntry(jobs *bolt.Bucket, e *Entry) error {
	jobBkt, err := jobs.CreateBucketIfNotExists([]byte(e.Identifier))
	if err != nil {
		return err
	}
	size, err := dbutil.EncodeInt(e.Size)
	if err != nil {
		return err
	}
	updatedAt, err := dbutil.EncodeTime(time.Now())
	if err != nil {
		return err
	}
	updates := []struct {
		key []byte
		val []byte
	}{
		{bucketKeyState, []byte(e.State)},
		{bucketKeyBucket, []byte(e.Bucket)},
		{bucketKeyPath, []byte(e.Path)},
		{bucketKeyDigest, []byte(e.Digest)},
		{bucketKeySize, size},
		{bucketKeyUpdatedAt, updatedAt},
	}
	for _, update := range updates {
		if err := jobBkt.Put(update.key, update.val); err != nil {
			return err
		}
	}
	return nil
}

func loadJobEntry(jobBkt *bolt.Bucket, e *Entry) error {
	e.State = State(jobBkt.Get(bucketKeyState))
	e.Bucket = string(jobBkt.Get(bucketKeyBucket))
	e.Path = string(jobBkt.Get(bucketKeyPath))
	e.Digest = string(jobBkt.Get(bucketKeyDigest))
	if raw := jobBkt.Get(bucketKeySize); len(raw) > 0 {
		size, err := dbutil.DecodeInt(raw)
		if err != nil {
			return err
		}
		e.Size = size
	}
	updatedAt, err := dbutil.DecodeTime(jobBkt.Get(bucketKeyUpdatedAt))
	if err != nil {
		return err
	}
	e.UpdatedAt = updatedAt
	return nil
}

func locBucket(loc *Location) string {
	if loc == nil {
		return ""
	}
	return loc.Bucket
}

func locPath(loc *Location) string {
	if loc == nil {
		return ""
	}
	return loc.Path
}

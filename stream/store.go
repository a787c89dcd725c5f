// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package stream

import (
	"sort"

	"github.com/friedel-lab/ContextMap2/location"
	"v.io/x/lib/vlog"
)

// Opts configures candidate streaming.
type Opts struct {
	// BatchSize is the number of containers held in memory before they are
	// sorted by offset and emitted.
	BatchSize int
	// Mmap maps the candidate file into memory instead of reading it through
	// per-cursor buffers.
	Mmap bool
	// BufferSize is the buffer size of each buffered cursor.
	BufferSize int
}

// DefaultOpts holds the default stream options.
var DefaultOpts = Opts{
	BatchSize:  2000000,
	Mmap:       false,
	BufferSize: 1 << 20,
}

// EmitFunc writes the records a container points to, reading them through
// cur. If resume is set, cur's position must be restored before returning.
type EmitFunc func(cur Cursor, c location.Container, resume bool) error

// Store batches resolved containers. Once the batch is full it is sorted by
// the offset of the best location so that emission scans the candidate file
// forward.
type Store struct {
	opts    Opts
	cur     Cursor
	emit    EmitFunc
	batch   []location.Container
	flushes int
	emitted int64
}

// NewStore creates a store that emits through cur, which should be a cursor
// reserved for lookups.
func NewStore(opts Opts, cur Cursor, emit EmitFunc) *Store {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOpts.BatchSize
	}
	return &Store{opts: opts, cur: cur, emit: emit}
}

// Add queues c and flushes once the batch is full.
func (s *Store) Add(c location.Container) error {
	s.batch = append(s.batch, c)
	if len(s.batch) >= s.opts.BatchSize {
		return s.Flush()
	}
	return nil
}

// Len returns the number of queued containers.
func (s *Store) Len() int { return len(s.batch) }

// Flush sorts the queued containers by offset and emits them. Flush does not
// restore the lookup cursor between containers.
func (s *Store) Flush() error {
	if len(s.batch) == 0 {
		return nil
	}
	sort.SliceStable(s.batch, func(i, j int) bool {
		return s.batch[i].Best < s.batch[j].Best
	})
	vlog.VI(1).Infof("flush %d: %d containers, offsets [%d, %d]",
		s.flushes, len(s.batch), s.batch[0].Best, s.batch[len(s.batch)-1].Best)
	for _, c := range s.batch {
		if err := s.emit(s.cur, c, false); err != nil {
			return err
		}
	}
	s.emitted += int64(len(s.batch))
	s.flushes++
	s.batch = s.batch[:0]
	return nil
}

// Close flushes the remaining containers.
func (s *Store) Close() error {
	err := s.Flush()
	vlog.Infof("store: emitted %d containers in %d flushes", s.emitted, s.flushes)
	return err
}

// Emitted returns the number of containers emitted so far.
func (s *Store) Emitted() int64 { return s.emitted }

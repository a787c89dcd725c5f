// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package filter prunes the candidates of every read before resolution.
//
// The candidate file is cut into byte ranges that never split the records
// of one read (or, for paired input, of one read pair). Each range is
// filtered by its own worker into its own part file, and the parts are then
// concatenated in order, so the output does not depend on the number of
// workers.
package filter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/friedel-lab/ContextMap2/location"
	"github.com/friedel-lab/ContextMap2/resolve"
	"github.com/friedel-lab/ContextMap2/stream"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
)

// Opts configures Run.
type Opts struct {
	// MaxMismatchDifference keeps, per read, the candidates with at most this
	// many mismatches more than the read's best candidate.
	MaxMismatchDifference int
	// Paired groups mates by read-id prefix and recomputes the valid-pair
	// count of every record.
	Paired bool
	// MaxContextSize is the largest mate distance of a valid pair.
	MaxContextSize int
	// Parallelism is the number of partitions processed concurrently.
	Parallelism int

	Stream stream.Opts
}

// DefaultOpts holds the default filter options.
var DefaultOpts = Opts{
	MaxMismatchDifference: 1,
	MaxContextSize:        resolve.DefaultMaxContextSize,
	Parallelism:           8,
	Stream:                stream.DefaultOpts,
}

// Stats counts the records of a filter run.
type Stats struct {
	Groups  int64
	Records int64
	Kept    int64
	Skipped int64
}

func (s Stats) String() string {
	return fmt.Sprintf("groups:%d records:%d kept:%d skipped:%d", s.Groups, s.Records, s.Kept, s.Skipped)
}

// Partition is the byte range [Start, End) of a candidate file.
type Partition struct {
	Start, End int64
}

// groupKey returns the grouping key of a read id: the id itself, or its
// prefix up to the last '/' for paired input.
func groupKey(id []byte, paired bool) []byte {
	if !paired {
		return id
	}
	if i := bytes.LastIndexByte(id, '/'); i >= 0 {
		return id[:i]
	}
	return id
}

// Partitions splits f into at most n ranges of roughly equal size. Every
// boundary is moved forward to the first line whose group key differs from
// the key of the line before it. Empty ranges are omitted.
func Partitions(f stream.File, n int, paired bool) ([]Partition, error) {
	size := f.Size()
	if n < 1 {
		n = 1
	}
	cur := f.NewCursor()
	bounds := []int64{0}
	var key []byte
	for i := 1; i < n; i++ {
		target := size * int64(i) / int64(n)
		if prev := bounds[len(bounds)-1]; target <= prev {
			continue
		}
		// Move to the start of the line following target-1.
		if err := cur.Seek(target - 1); err != nil {
			return nil, err
		}
		if _, err := cur.Next(); err != nil && err != io.EOF {
			return nil, err
		}
		bound := size
		first := true
		for {
			off := cur.Offset()
			line, err := cur.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			id, ok := location.ReadIDField(line)
			if !ok {
				continue
			}
			k := groupKey(id, paired)
			if first {
				key = append(key[:0], k...)
				first = false
				continue
			}
			if !bytes.Equal(k, key) {
				bound = off
				break
			}
		}
		if bound > bounds[len(bounds)-1] {
			bounds = append(bounds, bound)
		}
	}
	if bounds[len(bounds)-1] < size {
		bounds = append(bounds, size)
	}
	parts := make([]Partition, 0, len(bounds)-1)
	for i := 1; i < len(bounds); i++ {
		parts = append(parts, Partition{bounds[i-1], bounds[i]})
	}
	return parts, nil
}

// PartPath returns the path of the output of partition i.
func PartPath(out string, i int) string { return fmt.Sprintf("%s.part%d", out, i) }

// Run filters in into out.
func Run(ctx context.Context, opts Opts, in, out string) (Stats, error) {
	f, err := stream.Open(in, opts.Stream.Mmap, opts.Stream.BufferSize)
	if err != nil {
		return Stats{}, err
	}
	parts, err := Partitions(f, opts.Parallelism, opts.Paired)
	if err != nil {
		f.Close() // nolint: errcheck
		return Stats{}, err
	}
	log.Printf("%s: filtering %d partitions", in, len(parts))
	var total Stats
	err = traverse.Each(len(parts), func(i int) error {
		w := worker{opts: opts, file: f, part: parts[i], path: PartPath(out, i)}
		if err := w.run(ctx); err != nil {
			return err
		}
		atomic.AddInt64(&total.Groups, w.stats.Groups)
		atomic.AddInt64(&total.Records, w.stats.Records)
		atomic.AddInt64(&total.Kept, w.stats.Kept)
		atomic.AddInt64(&total.Skipped, w.stats.Skipped)
		return nil
	})
	if cerr := f.Close(); cerr != nil && err == nil {
		err = errors.E(cerr, "close", in)
	}
	if err != nil {
		return total, err
	}
	if err := concat(ctx, out, len(parts)); err != nil {
		return total, err
	}
	log.Printf("%s: %v", in, total)
	return total, nil
}

// concat writes the part files of out, in order, to out and removes them.
func concat(ctx context.Context, out string, n int) error {
	dst, err := file.Create(ctx, out)
	if err != nil {
		return &location.IOError{Op: "create", Path: out, Offset: -1, Err: err}
	}
	w := bufio.NewWriter(dst.Writer(ctx))
	var once errors.Once
	for i := 0; i < n; i++ {
		path := PartPath(out, i)
		in, err := file.Open(ctx, path)
		if err != nil {
			once.Set(err)
			continue
		}
		_, err = io.Copy(w, in.Reader(ctx))
		once.Set(err)
		once.Set(in.Close(ctx))
		if err := file.Remove(ctx, path); err != nil {
			log.Error.Printf("remove %s: %v", path, err)
		}
	}
	once.Set(w.Flush())
	once.Set(dst.Close(ctx))
	if err := once.Err(); err != nil {
		return &location.IOError{Op: "assemble", Path: out, Offset: -1, Err: err}
	}
	return nil
}

type worker struct {
	opts  Opts
	file  stream.File
	part  Partition
	path  string
	stats Stats

	w     *tsv.Writer
	key   []byte
	bad   bool
	recs  []location.Record
	pool  location.SegmentPool
	reads [2]location.Read
}

func (w *worker) run(ctx context.Context) (err error) {
	out, err := file.Create(ctx, w.path)
	if err != nil {
		return &location.IOError{Op: "create", Path: w.path, Offset: -1, Err: err}
	}
	defer func() {
		if cerr := out.Close(ctx); cerr != nil && err == nil {
			err = &location.IOError{Op: "close", Path: w.path, Offset: -1, Err: cerr}
		}
	}()
	w.w = tsv.NewWriter(out.Writer(ctx))
	cur := w.file.NewCursor()
	if err := cur.Seek(w.part.Start); err != nil {
		return err
	}
	open := false
	for cur.Offset() < w.part.End {
		off := cur.Offset()
		line, err := cur.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(line) == 0 {
			continue
		}
		w.stats.Records++
		id, ok := location.ReadIDField(line)
		if !ok {
			w.stats.Skipped++
			continue
		}
		k := groupKey(id, w.opts.Paired)
		if !open || !bytes.Equal(k, w.key) {
			if open {
				if err := w.endGroup(); err != nil {
					return err
				}
			}
			open = true
			w.key = append(w.key[:0], k...)
			w.bad = false
			w.recs = w.recs[:0]
			w.pool.Reset()
		}
		if w.bad {
			continue
		}
		rec, err := location.ParseRecord(line, &w.pool)
		if err != nil {
			w.bad = true
			log.Debug.Printf("%s:%d: skipping %s: %v", w.file.Path(), off, w.key, err)
			continue
		}
		w.recs = append(w.recs, rec)
	}
	if open {
		if err := w.endGroup(); err != nil {
			return err
		}
	}
	if err := w.w.Flush(); err != nil {
		return &location.IOError{Op: "write", Path: w.path, Offset: -1, Err: err}
	}
	return nil
}

// keep marks the records of one read that are within the mismatch
// difference of its best record.
func (w *worker) keep(recs []*location.Record) []*location.Record {
	min := recs[0].Mismatches
	for _, r := range recs {
		if r.Mismatches < min {
			min = r.Mismatches
		}
	}
	var kept []*location.Record
	for _, r := range recs {
		if r.Mismatches-min <= w.opts.MaxMismatchDifference {
			kept = append(kept, r)
		}
	}
	return kept
}

func (w *worker) endGroup() error {
	w.stats.Groups++
	if w.bad {
		w.stats.Skipped++
		return nil
	}
	// Split the group into its mates, in order of appearance.
	var (
		ids   []string
		mates [][]*location.Record
	)
	for i := range w.recs {
		r := &w.recs[i]
		j := 0
		for j < len(ids) && ids[j] != r.ReadID {
			j++
		}
		if j == len(ids) {
			ids = append(ids, r.ReadID)
			mates = append(mates, nil)
		}
		mates[j] = append(mates[j], r)
	}
	for i := range mates {
		mates[i] = w.keep(mates[i])
		for _, r := range mates[i] {
			r.MappingCount = len(mates[i])
		}
	}
	if w.opts.Paired && len(mates) == 2 {
		for i := range w.reads {
			rd := &w.reads[i]
			rd.Locations = rd.Locations[:0]
			for _, r := range mates[i] {
				rd.Locations = append(rd.Locations, &r.Location)
			}
		}
		n := len(resolve.ValidPairs(&w.reads[0], &w.reads[1], w.opts.MaxContextSize))
		for _, m := range mates {
			for _, r := range m {
				r.ValidPairCount = n
			}
		}
	}
	for _, m := range mates {
		for _, r := range m {
			if err := location.WriteRecord(w.w, r); err != nil {
				return &location.IOError{Op: "write", Path: w.path, Offset: -1, Err: err}
			}
			w.stats.Kept++
		}
	}
	return nil
}

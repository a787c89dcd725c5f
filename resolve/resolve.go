// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package resolve picks the reported location of every read (or read pair)
// of a candidate file and writes the output records.
//
// The candidate file is scanned once, in order, with an "upper" cursor.
// Records of one read (single-end) or of one read-id prefix (paired-end) are
// consecutive and form a group. A group with a single choice is written
// immediately, re-reading its record through the upper cursor and restoring
// the cursor afterwards. Ambiguous groups are ranked, reduced to a
// location.Container of file offsets and queued in a stream.Store, which
// writes them in offset order through a second, "lower" cursor.
package resolve

import (
	"bytes"
	"context"
	"io"

	"github.com/friedel-lab/ContextMap2/location"
	"github.com/friedel-lab/ContextMap2/reconstruct"
	"github.com/friedel-lab/ContextMap2/stream"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// FeatureIndex maps genomic positions to feature (e.g. genome or species)
// names. It is used to find a second best location outside the feature of
// the best one.
type FeatureIndex interface {
	// Has reports whether the index knows any feature on chr.
	Has(chr string) bool
	// Lookup returns the name of a feature covering chr:pos.
	Lookup(chr string, pos int) (string, bool)
}

// Resolver resolves the groups of one candidate file. A Resolver is single
// threaded and can be run only once.
type Resolver struct {
	opts     Opts
	file     stream.File
	sink     *reconstruct.Sink
	features FeatureIndex

	upper, lower stream.Cursor
	store        *stream.Store
	multi        *stream.Store

	// Current group.
	open   bool
	key    string
	ctxID  string
	bad    bool
	reads  [2]location.Read
	first  *location.Read
	second *location.Read
	pair   location.ReadPair
	pool   location.SegmentPool

	line     []byte
	emitPool location.SegmentPool
	stats    Stats
}

// New creates a resolver over the candidate file f that writes to sink.
// features may be nil.
func New(opts Opts, f stream.File, sink *reconstruct.Sink, features FeatureIndex) *Resolver {
	r := &Resolver{opts: opts, file: f, sink: sink, features: features}
	r.upper, r.lower = f.NewCursor(), f.NewCursor()
	r.store = stream.NewStore(opts.Stream, r.lower, r.emit)
	if opts.PrintMultiMappings && !opts.Paired {
		r.multi = stream.NewStore(opts.Stream, r.lower, r.emit)
	}
	return r
}

// Run resolves candidatePath and writes the assembled output to outPath,
// with a header listing the chromosomes of lengths that received records.
func Run(ctx context.Context, opts Opts, candidatePath, outPath string, lengths map[string]int, features FeatureIndex) (Stats, error) {
	f, err := stream.Open(candidatePath, opts.Stream.Mmap, opts.Stream.BufferSize)
	if err != nil {
		return Stats{}, err
	}
	sink := reconstruct.NewSink(ctx, outPath)
	stats, err := New(opts, f, sink, features).Run()
	if err != nil {
		sink.Close() // nolint: errcheck
		f.Close()    // nolint: errcheck
		return stats, err
	}
	if err := f.Close(); err != nil {
		return stats, errors.E(err, "close", candidatePath)
	}
	return stats, sink.Finish(lengths)
}

// Run scans the whole candidate file. Records that cannot be parsed skip
// their group; any other error stops the scan.
func (r *Resolver) Run() (Stats, error) {
	for {
		off := r.upper.Offset()
		line, err := r.upper.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return r.stats, r.ioError(err)
		}
		if len(line) == 0 {
			continue
		}
		id, ok := location.ReadIDField(line)
		if !ok {
			r.stats.Skipped++
			log.Debug.Printf("%s:%d: record without read id", r.file.Path(), off)
			continue
		}
		if key := r.groupKey(id); !r.open || string(key) != r.key {
			// Writing the finished group may move the upper cursor and
			// overwrite line and key.
			next := string(key)
			r.line = append(r.line[:0], line...)
			line = r.line
			if err := r.endGroup(); err != nil {
				return r.stats, err
			}
			r.startGroup(next)
		}
		if r.bad {
			continue
		}
		rec, err := location.ParseRecord(line, &r.pool)
		if err != nil {
			r.bad = true
			log.Debug.Printf("%s:%d: skipping %s: %v", r.file.Path(), off, r.key, err)
			continue
		}
		rec.Offset = off
		r.ctxID = rec.ContextID
		r.add(&rec)
	}
	if err := r.endGroup(); err != nil {
		return r.stats, err
	}
	if err := r.store.Close(); err != nil {
		return r.stats, r.ioError(err)
	}
	if r.multi != nil {
		if err := r.multi.Close(); err != nil {
			return r.stats, r.ioError(err)
		}
	}
	log.Printf("%s: %v", r.file.Path(), r.stats)
	return r.stats, nil
}

func (r *Resolver) groupKey(id []byte) []byte {
	if !r.opts.Paired {
		return id
	}
	if i := bytes.LastIndexByte(id, '/'); i >= 0 {
		return id[:i]
	}
	return id
}

func (r *Resolver) startGroup(key string) {
	r.open, r.key, r.bad = true, key, false
	r.first, r.second = nil, nil
	r.pool.Reset()
}

func (r *Resolver) add(rec *location.Record) {
	l := new(location.Location)
	*l = rec.Location
	switch {
	case r.first == nil:
		r.first = r.newRead(0, rec.ReadID)
	case rec.ReadID == r.first.ID:
	case r.second == nil:
		r.second = r.newRead(1, rec.ReadID)
	case rec.ReadID == r.second.ID:
	default:
		log.Debug.Printf("%s: ignoring record of unexpected mate %s", r.key, rec.ReadID)
		return
	}
	rd := r.first
	if rec.ReadID != rd.ID {
		rd = r.second
	}
	rd.Locations = append(rd.Locations, l)
}

func (r *Resolver) newRead(i int, id string) *location.Read {
	rd := &r.reads[i]
	locs := rd.Locations[:0]
	*rd = location.Read{ID: id, Locations: locs}
	return rd
}

func (r *Resolver) endGroup() error {
	if !r.open {
		return nil
	}
	r.open = false
	if r.bad {
		r.stats.Skipped++
		return nil
	}
	if r.first == nil {
		return nil
	}
	r.stats.Groups++
	if r.opts.Paired {
		return r.resolvePair()
	}
	return r.resolveSingle()
}

func (r *Resolver) resolveSingle() error {
	rd := r.first
	if len(rd.Locations) == 1 {
		r.stats.Unique++
		l := rd.Locations[0]
		return r.emit(r.upper, location.NewContainer(l.Offset, -1, l.Score, 0), true)
	}
	ScoreRead(rd)
	locs := rd.Locations
	sec := locs[r.secondary(locs)]
	r.stats.Multi++
	if err := r.store.Add(location.NewContainer(rd.Top.Offset, sec.Offset, rd.Top.Score, sec.Score)); err != nil {
		return r.ioError(err)
	}
	if r.multi == nil {
		return nil
	}
	for _, l := range locs[:len(locs)-1] {
		if err := r.multi.Add(location.NewContainer(l.Offset, -1, l.Score, 0)); err != nil {
			return r.ioError(err)
		}
	}
	return nil
}

// secondary returns the index of the location reported next to the best
// (last) one of the score-sorted locs.
func (r *Resolver) secondary(locs []*location.Location) int {
	idx := len(locs) - 2
	if !r.opts.PrintSecondBestChr {
		return idx
	}
	top := locs[len(locs)-1]
	byFeature := r.features != nil && r.features.Has(top.Chr)
	var topFeature string
	if byFeature {
		topFeature = r.feature(top)
	}
	for i := idx; i >= 0; i-- {
		l := locs[i]
		if l.Chr != top.Chr {
			return i
		}
		if byFeature && r.feature(l) != topFeature {
			return i
		}
	}
	return idx
}

// feature returns the feature covering the start of l's first block, or
// else its end.
func (r *Resolver) feature(l *location.Location) string {
	seg := l.Segments[0]
	if name, ok := r.features.Lookup(l.Chr, seg.Start); ok {
		return name
	}
	name, _ := r.features.Lookup(l.Chr, seg.End)
	return name
}

func (r *Resolver) resolvePair() error {
	a, b := r.first, r.second
	if b == nil {
		if len(a.Locations) == 1 {
			r.stats.Unique++
			l := a.Locations[0]
			c := location.NewContainer(l.Offset, -1, l.Score, 0)
			c.MateUnmapped = true
			return r.emit(r.upper, c, true)
		}
		ScoreRead(a)
		sec := a.Locations[len(a.Locations)-2]
		c := location.NewContainer(a.Top.Offset, sec.Offset, a.Top.Score, sec.Score)
		c.MateUnmapped = true
		r.stats.Multi++
		return r.ioError(r.store.Add(c))
	}

	p := &r.pair
	*p = location.ReadPair{Prefix: r.key, First: a, Second: b}
	p.ValidPairs = ValidPairs(a, b, r.opts.MaxContextSize)
	switch n := len(p.ValidPairs); {
	case n == 1:
		r.stats.Unique++
		vp := p.ValidPairs[0]
		c := location.NewContainer(a.Locations[vp.I].Offset, -1, 0, 0)
		c.MateBest = b.Locations[vp.J].Offset
		return r.emit(r.upper, c, true)
	case n > 1:
		ScorePair(p)
		top, next := p.Top, &p.ValidPairs[n-2]
		c := location.NewContainer(a.Locations[top.I].Offset, -1, top.Score, 0)
		c.MateBest, c.MateBestScore = b.Locations[top.J].Offset, top.Score
		if len(a.Locations) > 1 {
			c.Second, c.SecondScore = a.Locations[next.I].Offset, next.Score
		}
		if len(b.Locations) > 1 {
			c.MateSecond, c.MateSecondScore = b.Locations[next.J].Offset, next.Score
		}
		r.stats.Multi++
		return r.ioError(r.store.Add(c))
	case len(a.Locations) == 1 && len(b.Locations) == 1:
		r.stats.Discordant++
		c := location.NewContainer(a.Locations[0].Offset, -1, 0, 0)
		c.MateBest = b.Locations[0].Offset
		c.Discordant = true
		return r.emit(r.upper, c, true)
	}
	r.stats.Dropped++
	log.Debug.Printf("%s: no valid pair among %dx%d locations", p.Prefix, len(a.Locations), len(b.Locations))
	return nil
}

// emit writes the records c points to, reading them through cur. With
// resume set, cur is moved back to where it was.
func (r *Resolver) emit(cur stream.Cursor, c location.Container, resume bool) error {
	if c.Second >= 0 && !r.opts.PrintSecondBestChr && c.BestScore-c.SecondScore <= r.opts.ScoreDiffCutoff {
		r.stats.Suppressed++
		return nil
	}
	saved := cur.Offset()
	r.emitPool.Reset()
	var err error
	if r.opts.Paired {
		err = r.emitPair(cur, c)
	} else {
		err = r.emitSingle(cur, c)
	}
	if err != nil {
		if !location.IsRecoverable(err) {
			return r.ioError(err)
		}
		r.stats.Skipped++
		log.Debug.Printf("%s: skipping record at %d: %v", r.file.Path(), c.Best, err)
	}
	if resume {
		return r.ioError(cur.Seek(saved))
	}
	return nil
}

func (r *Resolver) readRecord(cur stream.Cursor, off int64) (location.Record, error) {
	line, err := cur.ReadAt(off)
	if err == io.EOF {
		err = &location.IOError{Op: "read", Path: r.file.Path(), Offset: off, Err: io.ErrUnexpectedEOF}
	}
	if err != nil {
		return location.Record{}, err
	}
	return location.ParseRecord(line, &r.emitPool)
}

func (r *Resolver) companion(cur stream.Cursor, off int64, best, second float64) (*reconstruct.Companion, error) {
	rec, err := r.readRecord(cur, off)
	if err != nil {
		return nil, err
	}
	return &reconstruct.Companion{Chr: rec.Chr, Pos: rec.Start(), BestScore: best, SecondScore: second}, nil
}

func (r *Resolver) emitSingle(cur stream.Cursor, c location.Container) error {
	rec, err := r.readRecord(cur, c.Best)
	if err != nil {
		return err
	}
	line := reconstruct.Single(&rec, r.opts.MaxDelSize)
	if c.Second >= 0 {
		if line.Companion, err = r.companion(cur, c.Second, c.BestScore, c.SecondScore); err != nil {
			return err
		}
	}
	return r.write(&line)
}

func (r *Resolver) emitPair(cur stream.Cursor, c location.Container) error {
	state := reconstruct.MateProper
	switch {
	case c.MateUnmapped:
		state = reconstruct.MateUnmapped
	case c.Discordant:
		state = reconstruct.MateDiscordant
	}
	recA, err := r.readRecord(cur, c.Best)
	if err != nil {
		return err
	}
	a := reconstruct.Mate(&recA, r.opts.MaxDelSize, state)
	if c.Second >= 0 {
		if a.Companion, err = r.companion(cur, c.Second, c.BestScore, c.SecondScore); err != nil {
			return err
		}
	}
	if c.MateBest < 0 {
		return r.write(&a)
	}
	recB, err := r.readRecord(cur, c.MateBest)
	if err != nil {
		return err
	}
	b := reconstruct.Mate(&recB, r.opts.MaxDelSize, state)
	if c.MateSecond >= 0 {
		if b.Companion, err = r.companion(cur, c.MateSecond, c.MateBestScore, c.MateSecondScore); err != nil {
			return err
		}
	}
	reconstruct.SetMateFields(&a, &b)
	if err := r.write(&a); err != nil {
		return err
	}
	return r.write(&b)
}

func (r *Resolver) write(l *reconstruct.Line) error {
	if err := r.sink.Write(l); err != nil {
		return err
	}
	r.stats.Lines++
	return nil
}

// ioError attaches the current context id to I/O errors.
func (r *Resolver) ioError(err error) error {
	if e, ok := err.(*location.IOError); ok && e.Context == "" {
		e.Context = r.ctxID
	}
	return err
}

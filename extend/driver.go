// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package extend

import (
	"bytes"
	"context"
	"io"

	"github.com/friedel-lab/ContextMap2/junction"
	"github.com/friedel-lab/ContextMap2/location"
	"github.com/friedel-lab/ContextMap2/reference"
	"github.com/friedel-lab/ContextMap2/seqstore"
	"github.com/friedel-lab/ContextMap2/stream"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// windowSlack is fetched beyond what a seed needs, so that the following
// reads of a context usually fall into the same window.
const windowSlack = 1 << 20

type origin uint8

const (
	// passThrough locations are copied from the input.
	passThrough origin = iota
	// seedPass locations were refined before their context was finalized;
	// their splices must be supported by the context's evidence.
	seedPass
	partialPass
	clipped
)

type output struct {
	loc  *location.Location
	from origin
}

type readState struct {
	id             string
	readScore      float64
	mappingCount   int
	validPairCount int
	outputs        []output
	// partial is set when the read has a Partial seed; such a read is
	// revisited if the seed pass leaves it without locations.
	partial  bool
	deferred bool
}

// Driver extends the candidates of one file, context by context.
//
// Records of a context are consecutive, and so are the records of a read
// within it. The seed pass extends every read as it is scanned with the
// upper cursor; the splits found accumulate in the context's evidence and
// serve as anchors for later reads. Once the context ends, splits with
// enough evidence are promoted, refined locations whose splices were not
// promoted are dropped, and reads left without a location are re-read at
// their recorded offset through the lower cursor and extended again against
// the promoted junctions. Promoted junctions stay promoted for the rest of
// the run: they support and anchor the reads of later contexts too. A
// Driver is single threaded and can be run only once.
type Driver struct {
	opts    Opts
	file    stream.File
	genome  reference.Genome
	seqs    *seqstore.Store
	known   *junction.Table
	w       *tsv.Writer
	outPath string
	splits  *junction.SplitWriter

	upper, lower stream.Cursor
	ext          *Extender
	evidence     *junction.Evidence
	promoted     *junction.Table
	context      *location.Context

	open  bool
	reads []*readState

	// Current read.
	cur    *readState
	curOff int64
	bad    bool
	seeds  []*location.Location
	pool   location.SegmentPool

	fwd, rev []byte
	window   *reference.Window
	split    location.Split
	rec      location.Record
	stats    Stats
}

// New creates a driver over the candidate file f that writes records to w.
// outPath names w in errors. known and splits may be nil.
func New(opts Opts, f stream.File, genome reference.Genome, seqs *seqstore.Store, known *junction.Table, w *tsv.Writer, outPath string, splits *junction.SplitWriter) *Driver {
	d := &Driver{
		opts:     opts,
		file:     f,
		genome:   genome,
		seqs:     seqs,
		known:    known,
		w:        w,
		outPath:  outPath,
		splits:   splits,
		ext:      NewExtender(opts, known),
		evidence: junction.NewEvidence(),
		promoted: junction.NewTable(),
		context:  location.NewContext(""),
	}
	d.upper, d.lower = f.NewCursor(), f.NewCursor()
	return d
}

// Run extends candidatePath and writes the refined candidates to outPath.
// With opts.SplitsPath set, the promoted splits of every context are written
// there.
func Run(ctx context.Context, opts Opts, candidatePath, outPath string, genome reference.Genome, seqs *seqstore.Store, known *junction.Table) (stats Stats, err error) {
	f, err := stream.Open(candidatePath, opts.Stream.Mmap, opts.Stream.BufferSize)
	if err != nil {
		return Stats{}, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.E(cerr, "close", candidatePath)
		}
	}()
	out, err := file.Create(ctx, outPath)
	if err != nil {
		return Stats{}, errors.E(err, "create", outPath)
	}
	defer func() {
		if cerr := out.Close(ctx); cerr != nil && err == nil {
			err = errors.E(cerr, "close", outPath)
		}
	}()
	w := tsv.NewWriter(out.Writer(ctx))
	var splits *junction.SplitWriter
	if opts.SplitsPath != "" {
		sf, err := file.Create(ctx, opts.SplitsPath)
		if err != nil {
			return Stats{}, errors.E(err, "create", opts.SplitsPath)
		}
		defer func() {
			if cerr := sf.Close(ctx); cerr != nil && err == nil {
				err = errors.E(cerr, "close", opts.SplitsPath)
			}
		}()
		splits = junction.NewSplitWriter(tsv.NewRowWriter(sf.Writer(ctx)))
	}
	if stats, err = New(opts, f, genome, seqs, known, w, outPath, splits).Run(); err != nil {
		return stats, err
	}
	if err = w.Flush(); err != nil {
		return stats, errors.E(err, "write", outPath)
	}
	if splits != nil {
		if err = splits.Flush(); err != nil {
			return stats, errors.E(err, "write", opts.SplitsPath)
		}
	}
	return stats, nil
}

func contextIDField(line []byte) ([]byte, bool) {
	i := bytes.IndexByte(line, '\t')
	if i < 0 {
		return nil, false
	}
	return line[:i], true
}

// Run scans the whole candidate file. Reads with malformed records or
// without a sequence are skipped; any other error stops the scan.
func (d *Driver) Run() (Stats, error) {
	for {
		off := d.upper.Offset()
		line, err := d.upper.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return d.stats, d.ioError(err)
		}
		if len(line) == 0 {
			continue
		}
		ctxID, ok := contextIDField(line)
		id, ok2 := location.ReadIDField(line)
		if !ok || !ok2 {
			d.stats.Skipped++
			log.Debug.Printf("%s:%d: record without context or read id", d.file.Path(), off)
			continue
		}
		if !d.open || string(ctxID) != d.context.ID {
			// Finishing the context moves the lower cursor only.
			next := string(ctxID)
			if err := d.endRead(); err != nil {
				return d.stats, err
			}
			if err := d.endContext(); err != nil {
				return d.stats, err
			}
			d.startContext(next)
		}
		if d.cur == nil || string(id) != d.cur.id {
			if err := d.endRead(); err != nil {
				return d.stats, err
			}
			d.startRead(string(id), off)
		}
		if d.bad {
			continue
		}
		rec, err := location.ParseRecord(line, &d.pool)
		if err != nil {
			d.bad = true
			log.Debug.Printf("%s:%d: skipping %s: %v", d.file.Path(), off, d.cur.id, err)
			continue
		}
		if len(d.seeds) == 0 {
			d.cur.readScore = rec.ReadScore
			d.cur.mappingCount = rec.MappingCount
			d.cur.validPairCount = rec.ValidPairCount
		}
		l := new(location.Location)
		*l = rec.Location
		l.Offset = off
		d.seeds = append(d.seeds, l)
	}
	if err := d.endRead(); err != nil {
		return d.stats, err
	}
	if err := d.endContext(); err != nil {
		return d.stats, err
	}
	d.stats.Suppressed = int64(d.ext.Suppressed)
	log.Printf("%s: %v", d.file.Path(), d.stats)
	return d.stats, nil
}

func (d *Driver) startContext(id string) {
	d.open = true
	d.context.Reset(id)
	d.evidence.Reset()
	d.reads = d.reads[:0]
	d.ext.SetTables(d.evidence.Table(), d.promoted)
}

func (d *Driver) startRead(id string, off int64) {
	d.cur = &readState{id: id}
	d.curOff = off
	d.bad = false
	d.seeds = d.seeds[:0]
	d.pool.Reset()
}

func (d *Driver) endRead() error {
	rs := d.cur
	if rs == nil {
		return nil
	}
	d.cur = nil
	if d.bad {
		d.stats.Skipped++
		return nil
	}
	d.stats.Reads++
	if err := d.seedRead(rs); err != nil {
		if !location.IsRecoverable(err) {
			return d.ioError(err)
		}
		d.stats.Skipped++
		log.Debug.Printf("%s: skipping %s: %v", d.context.ID, rs.id, err)
		return nil
	}
	read := &location.Read{ID: rs.id, Locations: make([]*location.Location, len(rs.outputs))}
	for i, o := range rs.outputs {
		read.Locations[i] = o.loc
	}
	d.context.Add(read, d.curOff)
	d.reads = append(d.reads, rs)
	return nil
}

// add appends o unless an identical location is already listed.
func (rs *readState) add(o output) bool {
	for _, p := range rs.outputs {
		if sameLocation(p.loc, o.loc) {
			return false
		}
	}
	rs.outputs = append(rs.outputs, o)
	return true
}

func sameLocation(a, b *location.Location) bool {
	if a.Chr != b.Chr || a.Strand != b.Strand || len(a.Segments) != len(b.Segments) {
		return false
	}
	for i := range a.Segments {
		if a.Segments[i] != b.Segments[i] {
			return false
		}
	}
	return true
}

// own copies l out of the segment pool.
func own(l *location.Location) *location.Location {
	c := new(location.Location)
	*c = *l
	c.Segments = append([]location.Segment(nil), l.Segments...)
	return c
}

func needsSequence(seeds []*location.Location) bool {
	for _, l := range seeds {
		if len(l.Segments) == 1 && !l.Segments[0].IsSentinel() {
			return true
		}
	}
	return false
}

// seedRead runs the seed pass for the current read.
func (d *Driver) seedRead(rs *readState) error {
	var n int
	if needsSequence(d.seeds) {
		if err := d.loadRead(rs.id); err != nil {
			return err
		}
		n = len(d.fwd)
	}
	for _, l := range d.seeds {
		kind := l.Kind(n)
		switch {
		case kind == location.SplitKind || kind == location.Clipped:
			if rs.add(output{loc: own(l)}) {
				d.observe(l)
			}
			continue
		case kind == location.Full:
			rs.add(output{loc: own(l)})
			if l.Mismatches == 0 {
				continue
			}
		default:
			rs.partial = true
		}
		for _, e := range d.extend(l, d.seeds) {
			if rs.add(output{loc: e, from: seedPass}) {
				d.observe(e)
			}
		}
	}
	return nil
}

// loadRead sets fwd and rev to the sequence of read id and its reverse
// complement.
func (d *Driver) loadRead(id string) error {
	seq, err := d.seqs.Get(id)
	if err != nil {
		return err
	}
	d.fwd = append(d.fwd[:0], seq...)
	reference.Clean(d.fwd)
	if cap(d.rev) < len(d.fwd) {
		d.rev = make([]byte, len(d.fwd))
	}
	d.rev = d.rev[:len(d.fwd)]
	reference.ReverseComplement(d.rev, d.fwd)
	return nil
}

// oriented returns the read bases in the orientation of strand.
func (d *Driver) oriented(strand byte) []byte {
	if strand == location.Reverse {
		return d.rev
	}
	return d.fwd
}

// windowFor returns a reference window holding every position an anchor of
// seed can reach.
func (d *Driver) windowFor(seed *location.Location, readLen int) (*reference.Window, error) {
	pad := d.opts.MaxIntronSize + readLen
	lo, hi := seed.Start()-pad, seed.End()+pad
	chrLen, err := d.genome.Len(seed.Chr)
	if err != nil {
		return nil, err
	}
	if lo < 1 {
		lo = 1
	}
	if hi > chrLen {
		hi = chrLen
	}
	if w := d.window; w != nil && w.Chr == seed.Chr && w.Start() <= lo && w.End() > hi {
		return w, nil
	}
	w, err := reference.NewWindow(d.genome, seed.Chr, lo, hi+windowSlack)
	if err != nil {
		return nil, err
	}
	d.window = w
	return w, nil
}

func (d *Driver) extend(seed *location.Location, seeds []*location.Location) []*location.Location {
	d.stats.Seeds++
	read := d.oriented(seed.Strand)
	w, err := d.windowFor(seed, len(read))
	if err != nil {
		log.Debug.Printf("%s: no reference for %v: %v", d.context.ID, seed, err)
		return nil
	}
	return d.ext.Extend(seed, seeds, read, w)
}

func (d *Driver) isKnown(chr string, a, b int) bool {
	return d.known != nil && d.known.Has(chr, a, b)
}

// observe adds the splits of l to the context's evidence.
func (d *Driver) observe(l *location.Location) {
	start := l.Start()
	single := len(l.Blocks()) == 2
	Junctions(l, d.opts.MaxDelSize, func(a, b int, indel bool) {
		d.split = location.Split{
			Chr:    l.Chr,
			A:      a,
			B:      b,
			Signal: l.SpliceSignal,
			Known:  d.isKnown(l.Chr, a, b) || (single && l.KnownJunction),
			Indel:  indel,
		}
		d.evidence.Observe(&d.split, start)
	})
}

// supported reports whether every splice of l is known or promoted.
func (d *Driver) supported(l *location.Location) bool {
	ok := true
	Junctions(l, d.opts.MaxDelSize, func(a, b int, indel bool) {
		if !indel && !d.isKnown(l.Chr, a, b) && !d.promoted.Has(l.Chr, a, b) {
			ok = false
		}
	})
	return ok
}

func (d *Driver) endContext() error {
	if !d.open {
		return nil
	}
	d.open = false
	d.stats.Contexts++
	promoted := d.evidence.Promote(d.opts.MinEvidence, d.promoted)
	for _, rs := range d.reads {
		n := 0
		for _, o := range rs.outputs {
			if o.from == seedPass && !d.supported(o.loc) {
				d.stats.Unsupported++
				continue
			}
			rs.outputs[n] = o
			n++
		}
		rs.outputs = rs.outputs[:n]
		rs.deferred = n == 0 && rs.partial
	}
	d.ext.SetTables(d.promoted)
	for _, rs := range d.reads {
		if !rs.deferred {
			continue
		}
		d.stats.Deferred++
		if err := d.rescue(rs); err != nil {
			if !location.IsRecoverable(err) {
				return d.ioError(err)
			}
			d.stats.Skipped++
			log.Debug.Printf("%s: skipping %s: %v", d.context.ID, rs.id, err)
			continue
		}
		if len(rs.outputs) > 0 {
			d.stats.Rescued++
		}
	}
	if d.splits != nil && len(promoted) > 0 {
		if err := d.splits.Write(promoted); err != nil {
			return errors.E(err, "write splits", d.opts.SplitsPath)
		}
	}
	for _, rs := range d.reads {
		if len(rs.outputs) == 0 {
			d.stats.Dropped++
			continue
		}
		for _, o := range rs.outputs {
			if err := d.write(rs, o); err != nil {
				return err
			}
		}
	}
	d.reads = d.reads[:0]
	return nil
}

// rescue re-reads the records of a deferred read and extends its Partial
// seeds against the promoted junctions, falling back to clipping.
func (d *Driver) rescue(rs *readState) error {
	off, ok := d.context.Offset(rs.id)
	if !ok {
		return nil
	}
	if err := d.lower.Seek(off); err != nil {
		return err
	}
	d.pool.Reset()
	d.seeds = d.seeds[:0]
	for {
		line, err := d.lower.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		ctxID, ok := contextIDField(line)
		id, ok2 := location.ReadIDField(line)
		if !ok || !ok2 || string(ctxID) != d.context.ID || string(id) != rs.id {
			break
		}
		rec, err := location.ParseRecord(line, &d.pool)
		if err != nil {
			return err
		}
		l := new(location.Location)
		*l = rec.Location
		d.seeds = append(d.seeds, l)
	}
	if err := d.loadRead(rs.id); err != nil {
		return err
	}
	n := len(d.fwd)
	for _, l := range d.seeds {
		if l.Kind(n) != location.Partial {
			continue
		}
		for _, e := range d.extend(l, d.seeds) {
			// A single read is all the evidence a de novo splice gets here.
			if d.opts.MinEvidence > 1 && !d.supported(e) {
				d.stats.Unsupported++
				continue
			}
			rs.add(output{loc: e, from: partialPass})
		}
	}
	if len(rs.outputs) > 0 || !d.opts.Clipping {
		return nil
	}
	for _, l := range d.seeds {
		if l.Kind(n) != location.Partial {
			continue
		}
		read := d.oriented(l.Strand)
		w, err := d.windowFor(l, len(read))
		if err != nil {
			log.Debug.Printf("%s: no reference for %v: %v", d.context.ID, l, err)
			continue
		}
		for _, c := range d.ext.Clip(l, read, w) {
			rs.add(output{loc: c, from: clipped})
		}
	}
	return nil
}

func (d *Driver) write(rs *readState, o output) error {
	d.rec = location.Record{
		ContextID:      d.context.ID,
		ReadID:         rs.id,
		Location:       *o.loc,
		ReadScore:      rs.readScore,
		MappingCount:   rs.mappingCount,
		ValidPairCount: rs.validPairCount,
	}
	if err := location.WriteRecord(d.w, &d.rec); err != nil {
		return &location.IOError{Op: "write", Path: d.outPath, Context: d.context.ID, Offset: -1, Err: err}
	}
	d.stats.Records++
	switch o.from {
	case seedPass, partialPass:
		d.stats.Refined++
	case clipped:
		d.stats.Clipped++
	}
	return nil
}

// ioError attaches the current context id to I/O errors.
func (d *Driver) ioError(err error) error {
	if e, ok := err.(*location.IOError); ok && e.Context == "" {
		e.Context = d.context.ID
	}
	return err
}

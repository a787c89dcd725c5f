// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package junction

import (
	"sort"

	"github.com/friedel-lab/ContextMap2/location"
	"github.com/grailbio/base/tsv"
)

type splitKey struct {
	chr  string
	a, b int
}

// Evidence collects the splits found while extending the reads of one
// context, with the set of distinct read starts supporting each. Splits
// observed so far are also visible through Table, so that reads extended
// later in the same context can use them.
type Evidence struct {
	splits map[splitKey]*location.Split
	seen   *Table
}

// NewEvidence creates an empty evidence table.
func NewEvidence() *Evidence {
	return &Evidence{splits: make(map[splitKey]*location.Split), seen: NewTable()}
}

// Observe records that a read starting at readStart supports s. Only the
// position fields and flags of s are used; the stored split is owned by e.
func (e *Evidence) Observe(s *location.Split, readStart int) {
	k := splitKey{s.Chr, s.A, s.B}
	cur := e.splits[k]
	if cur == nil {
		cur = &location.Split{
			Chr:    s.Chr,
			A:      s.A,
			B:      s.B,
			Starts: make(map[int]struct{}),
			Signal: s.Signal,
			Known:  s.Known,
			Indel:  s.Indel,
		}
		e.splits[k] = cur
		if !s.Indel {
			e.seen.Add(s.Chr, s.A, s.B)
		}
	}
	cur.Starts[readStart] = struct{}{}
}

// Get returns the split chr:a-b, or nil.
func (e *Evidence) Get(chr string, a, b int) *location.Split {
	return e.splits[splitKey{chr, a, b}]
}

// Len returns the number of distinct splits observed.
func (e *Evidence) Len() int { return len(e.splits) }

// Table returns the splice junctions observed so far.
func (e *Evidence) Table() *Table { return e.seen }

// Splits returns the observed splits ordered by chromosome and position.
func (e *Evidence) Splits() []*location.Split {
	splits := make([]*location.Split, 0, len(e.splits))
	for _, s := range e.splits {
		splits = append(splits, s)
	}
	sort.Slice(splits, func(i, j int) bool {
		a, b := splits[i], splits[j]
		if a.Chr != b.Chr {
			return a.Chr < b.Chr
		}
		if a.A != b.A {
			return a.A < b.A
		}
		return a.B < b.B
	})
	return splits
}

// Promote adds every splice junction supported by at least min distinct
// read starts, or already known, to into. It returns the promoted splits.
func (e *Evidence) Promote(min int, into *Table) []*location.Split {
	var promoted []*location.Split
	for _, s := range e.Splits() {
		if s.Indel || (s.Evidence() < min && !s.Known) {
			continue
		}
		into.Add(s.Chr, s.A, s.B)
		promoted = append(promoted, s)
	}
	return promoted
}

// Reset clears e for the next context.
func (e *Evidence) Reset() {
	for k := range e.splits {
		delete(e.splits, k)
	}
	e.seen = NewTable()
}

// SplitRow is one line of a split report.
type SplitRow struct {
	Chr      string `tsv:"chr"`
	A        int64  `tsv:"donor"`
	B        int64  `tsv:"acceptor"`
	Evidence int64  `tsv:"evidence"`
	Signal   string `tsv:"signal"`
	Known    string `tsv:"known"`
}

// SplitWriter writes promoted splits as tab-separated rows.
type SplitWriter struct {
	w   *tsv.RowWriter
	row SplitRow
}

// NewSplitWriter creates a split writer on top of w. Call Flush when done.
func NewSplitWriter(w *tsv.RowWriter) *SplitWriter {
	return &SplitWriter{w: w}
}

// Write appends one row per split.
func (w *SplitWriter) Write(splits []*location.Split) error {
	for _, s := range splits {
		signal := s.Signal
		if signal == 0 {
			signal = location.NoSignal
		}
		known := "0"
		if s.Known {
			known = "1"
		}
		w.row = SplitRow{
			Chr:      s.Chr,
			A:        int64(s.A),
			B:        int64(s.B),
			Evidence: int64(s.Evidence()),
			Signal:   string(signal),
			Known:    known,
		}
		if err := w.w.Write(&w.row); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes the underlying writer.
func (w *SplitWriter) Flush() error { return w.w.Flush() }

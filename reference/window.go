// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package reference

import (
	"github.com/friedel-lab/ContextMap2/location"
)

// Window is a stretch of one chromosome held in memory. Positions are
// 1-based: Seq[0] is the base at position Offset.
type Window struct {
	Chr    string
	Offset int
	Seq    string
}

// NewWindow extracts the 1-based closed range [start, end] of chr from g,
// clamped to the chromosome.
func NewWindow(g Genome, chr string, start, end int) (*Window, error) {
	n, err := g.Len(chr)
	if err != nil {
		return nil, err
	}
	if start < 1 {
		start = 1
	}
	if end > n {
		end = n
	}
	w := &Window{Chr: chr, Offset: start}
	if end < start {
		return w, nil
	}
	if w.Seq, err = g.Get(chr, start-1, end); err != nil {
		return nil, err
	}
	return w, nil
}

// Start returns the first position of w.
func (w *Window) Start() int { return w.Offset }

// End returns one past the last position of w.
func (w *Window) End() int { return w.Offset + len(w.Seq) }

// Contains reports whether pos lies in w.
func (w *Window) Contains(pos int) bool {
	return pos >= w.Offset && pos < w.Offset+len(w.Seq)
}

// At returns the base at pos, and false if pos lies outside w.
func (w *Window) At(pos int) (byte, bool) {
	i := pos - w.Offset
	if i < 0 || i >= len(w.Seq) {
		return 0, false
	}
	return w.Seq[i], true
}

// Slice returns the bases of the closed range [start, end].
func (w *Window) Slice(start, end int) (string, error) {
	if !w.Contains(start) {
		return "", &location.ReferenceWindowOutOfRange{Chr: w.Chr, Pos: start, Start: w.Offset, End: w.End()}
	}
	if end < start {
		return "", nil
	}
	if !w.Contains(end) {
		return "", &location.ReferenceWindowOutOfRange{Chr: w.Chr, Pos: end, Start: w.Offset, End: w.End()}
	}
	return w.Seq[start-w.Offset : end-w.Offset+1], nil
}

// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package extend refines coarse candidate locations into split, indel and
// soft-clipped alignments.
//
// A seed location is a single block: either the whole read (Full, possibly
// with mismatches) or a part of it (Partial). The extender fixes the genomic
// positions of the first and last read base (an Anchor), then searches every
// boundary between a prefix aligned from the left end and a suffix aligned to
// the right end, using per-anchor mismatch prefix sums. Anchors come from the
// seed itself, from the other seeds of the read, and from junction tables.
//
// The context driver (Run) extends reads context by context in two passes so
// that reads can use the splits found in earlier reads of the same context.
package extend

import (
	"math"
	"sort"

	"github.com/friedel-lab/ContextMap2/junction"
	"github.com/friedel-lab/ContextMap2/location"
	"github.com/friedel-lab/ContextMap2/reference"
)

// Anchor places a read on the genome: Left is the position of read base 0
// and Right the position of the last read base. For a read of length L the
// gap Right-Left+1-L is the size of a deletion or splice (positive), an
// insertion (negative) or zero for an ungapped alignment.
type Anchor struct {
	Left, Right int
}

// Gap returns the gap of a for a read of length readLen.
func (a Anchor) Gap(readLen int) int { return a.Right - a.Left + 1 - readLen }

type splitKind uint8

const (
	insertion splitKind = iota + 1
	deletion
	splice
)

// candidate is a prefix of j bases aligned at anchor.Left followed, after k
// inserted bases, by a suffix aligned to end at anchor.Right. a is the last
// base of the prefix block and b the first base after the gap.
type candidate struct {
	anchor Anchor
	j, k   int
	a, b   int
	mism   int
	kind   splitKind
	signal byte
	known  bool
}

type candidateKey struct {
	anchor Anchor
	j      int
}

// Extender refines seeds. An Extender is not thread safe; it keeps scratch
// space between calls.
type Extender struct {
	opts   Opts
	known  *junction.Table
	tables []*junction.Table

	left, right []int
	anchorBuf   []Anchor
	// anchorSeen maps the anchors of the current seed to whether they only
	// come from shifting the seed's own placement.
	anchorSeen map[Anchor]bool
	cands       []candidate
	candSeen    map[candidateKey]struct{}
	// full is the fewest mismatches of an ungapped placement of the read
	// seen by the current Extend call.
	full int
	// Suppressed counts the seeds whose candidates were discarded as
	// artificial splits.
	Suppressed int
}

// NewExtender creates an extender. known, which may be nil, holds the
// annotated junctions; it marks splices as known and provides anchors.
func NewExtender(opts Opts, known *junction.Table) *Extender {
	e := &Extender{
		opts:       opts,
		known:      known,
		anchorSeen: make(map[Anchor]bool),
		candSeen:   make(map[candidateKey]struct{}),
	}
	e.SetTables()
	return e
}

// SetTables sets the junction tables consulted for anchors in addition to the
// known junctions.
func (e *Extender) SetTables(tables ...*junction.Table) {
	e.tables = e.tables[:0]
	if e.known != nil {
		e.tables = append(e.tables, e.known)
	}
	for _, t := range tables {
		if t != nil {
			e.tables = append(e.tables, t)
		}
	}
}

func (e *Extender) grow(n int) {
	if cap(e.left) < n {
		e.left = make([]int, n)
		e.right = make([]int, n)
	}
	e.left, e.right = e.left[:n], e.right[:n]
}

// mismatch compares a read base with the reference at pos. Positions outside
// the window cost budget+1.
func mismatch(base byte, w *reference.Window, pos, budget int) int {
	ref, ok := w.At(pos)
	if !ok {
		return budget + 1
	}
	if ref != base || base == 'N' {
		return 1
	}
	return 0
}

// prefixMismatches sets m[i] to the mismatches of read[0..i] placed with
// read[0] at left. Once the count exceeds budget the remaining slots keep
// that count.
func prefixMismatches(m []int, read []byte, w *reference.Window, left, budget int) {
	sum := 0
	for i := range read {
		if sum <= budget {
			sum += mismatch(read[i], w, left+i, budget)
		}
		m[i] = sum
	}
}

// suffixMismatches sets m[i] to the mismatches of the last i+1 read bases
// placed with the last base at right, saturating like prefixMismatches.
func suffixMismatches(m []int, read []byte, w *reference.Window, right, budget int) {
	n := len(read)
	sum := 0
	for i := 0; i < n; i++ {
		if sum <= budget {
			sum += mismatch(read[n-1-i], w, right-i, budget)
		}
		m[i] = sum
	}
}

// firstOver returns the first index of m holding more than budget, or len(m).
func firstOver(m []int, budget int) int {
	return sort.Search(len(m), func(i int) bool { return m[i] > budget })
}

// anchors collects the placements to scan for seed: its own prefix and
// suffix placements, pairings with the other seeds of the read, junctions
// of the tables starting in the prefix or ending in the suffix, and its own
// placements shifted by up to MaxDelSize bases.
func (e *Extender) anchors(seed *location.Location, others []*location.Location, readLen int) []Anchor {
	e.anchorBuf = e.anchorBuf[:0]
	for a := range e.anchorSeen {
		delete(e.anchorSeen, a)
	}
	shifted := false
	add := func(left, right int) {
		a := Anchor{left, right}
		gap := a.Gap(readLen)
		if left < 1 || gap < 2-readLen || gap > e.opts.MaxIntronSize {
			return
		}
		if _, ok := e.anchorSeen[a]; ok {
			return
		}
		e.anchorSeen[a] = shifted
		e.anchorBuf = append(e.anchorBuf, a)
	}
	s, t := seed.Start(), seed.End()
	add(s, s+readLen-1)
	add(t-readLen+1, t)
	for _, o := range others {
		if o == seed || o.Chr != seed.Chr || o.Strand != seed.Strand || len(o.Segments) != 1 {
			continue
		}
		if o.Start() > s {
			add(s, o.End())
		}
		if o.End() < t {
			add(o.Start(), t)
		}
	}
	for _, tab := range e.tables {
		tab.Range(seed.Chr, junction.Donor, s, s+readLen-1, func(a int, partners []int) bool {
			j := a - s + 1
			for _, b := range partners {
				add(s, b+readLen-j-1)
			}
			return true
		})
		tab.Range(seed.Chr, junction.Acceptor, t-readLen+2, t+1, func(b int, partners []int) bool {
			j := readLen - (t - b + 1)
			for _, a := range partners {
				add(a-j+1, t)
			}
			return true
		})
	}
	shifted = true
	for g := 1; g <= e.opts.MaxDelSize; g++ {
		add(s, s+readLen-1+g)
		add(s, s+readLen-1-g)
		add(t-readLen+1-g, t)
		add(t-readLen+1+g, t)
	}
	return e.anchorBuf
}

// scan adds a candidate for every prefix length of an that stays within the
// mismatch budget and leaves at least minBlock read bases on either side.
func (e *Extender) scan(an Anchor, read []byte, w *reference.Window, minBlock int) {
	n := len(read)
	budget := e.opts.MaxMismatches
	gap := an.Gap(n)
	prefixMismatches(e.left, read, w, an.Left, budget)
	if gap == 0 {
		if e.left[n-1] < e.full {
			e.full = e.left[n-1]
		}
		return
	}
	suffixMismatches(e.right, read, w, an.Right, budget)
	k := 0
	if gap < 0 {
		k = -gap
	}
	// left[j-1] <= budget iff j <= hi; right[n-j-k-1] <= budget iff j >= lo.
	lo := n - k - firstOver(e.right, budget)
	if lo < minBlock {
		lo = minBlock
	}
	hi := firstOver(e.left, budget)
	if hi > n-k-minBlock {
		hi = n - k - minBlock
	}
	for j := lo; j <= hi; {
		mism := e.left[j-1] + e.right[n-j-k-1]
		if mism > budget {
			// The sum drops by at most one per step.
			j += mism - budget
			continue
		}
		e.add(an, j, k, gap, mism, w)
		j++
	}
}

func (e *Extender) add(an Anchor, j, k, gap, mism int, w *reference.Window) {
	key := candidateKey{an, j}
	if _, ok := e.candSeen[key]; ok {
		return
	}
	e.candSeen[key] = struct{}{}
	c := candidate{anchor: an, j: j, k: k, a: an.Left + j - 1, mism: mism, signal: location.NoSignal}
	switch {
	case k > 0:
		c.kind = insertion
		c.b = c.a + 1
	case gap <= e.opts.MaxDelSize:
		c.kind = deletion
		c.b = c.a + gap + 1
	default:
		c.kind = splice
		c.b = c.a + gap + 1
		c.signal = spliceSignal(w, c.a, c.b)
		c.known = e.known != nil && e.known.Has(w.Chr, c.a, c.b)
	}
	e.cands = append(e.cands, c)
}

// spliceSignal classifies the intron between a and b: GT..AG is a forward
// strand signal, CT..AC its reverse complement.
func spliceSignal(w *reference.Window, a, b int) byte {
	base := func(pos int) byte {
		c, _ := w.At(pos)
		return c
	}
	d0, d1, a0, a1 := base(a+1), base(a+2), base(b-2), base(b-1)
	switch {
	case d0 == 'G' && d1 == 'T' && a0 == 'A' && a1 == 'G':
		return location.Forward
	case d0 == 'C' && d1 == 'T' && a0 == 'A' && a1 == 'C':
		return location.Reverse
	}
	return location.NoSignal
}

func (c *candidate) canonical() bool {
	return c.known || c.signal != location.NoSignal
}

func minMismatches(cands []candidate) int {
	min := math.MaxInt32
	for _, c := range cands {
		if c.mism < min {
			min = c.mism
		}
	}
	return min
}

// filter applies the junction policies and the mismatch difference to cands
// in place.
func (e *Extender) filter(cands []candidate) []candidate {
	o := &e.opts
	n := 0
	for _, c := range cands {
		if c.kind == splice && !c.known {
			if o.SkipDenovoJunctions || (o.SkipNonCanonicalJunctions && c.signal == location.NoSignal) {
				continue
			}
		}
		cands[n] = c
		n++
	}
	cands = cands[:n]
	if n == 0 {
		return cands
	}
	min := minMismatches(cands)
	n = 0
	preferred := false
	for _, c := range cands {
		if c.mism-min > o.MaxMismatchDifference {
			continue
		}
		if c.kind == splice && c.canonical() {
			preferred = true
		}
		cands[n] = c
		n++
	}
	cands = cands[:n]
	if o.PreferKnownSpliceSignal && preferred {
		n = 0
		for _, c := range cands {
			if c.kind == splice && !c.canonical() {
				continue
			}
			cands[n] = c
			n++
		}
		cands = cands[:n]
	}
	return cands
}

// dropWeakIndels removes the indels that do not explain the read better
// than an ungapped placement within the mismatch budget: their mismatches
// plus inserted or deleted bases must be fewer than that placement's
// mismatches.
func (e *Extender) dropWeakIndels(cands []candidate) []candidate {
	if e.full > e.opts.MaxMismatches {
		return cands
	}
	n := 0
	for _, c := range cands {
		switch c.kind {
		case insertion:
			if c.mism+c.k >= e.full {
				continue
			}
		case deletion:
			if c.mism+c.b-c.a-1 >= e.full {
				continue
			}
		}
		cands[n] = c
		n++
	}
	return cands[:n]
}

// artificial reports whether cands look like the spurious splits of a
// low-complexity read: at least three candidates, more than half of them
// with the same prefix length, and an ungapped alignment with no more
// mismatches than the best of them.
func artificial(cands []candidate, fullMismatches int) bool {
	if len(cands) < 3 || fullMismatches > minMismatches(cands) {
		return false
	}
	freq := make(map[int]int)
	for _, c := range cands {
		freq[c.j]++
		if 2*freq[c.j] > len(cands) {
			return true
		}
	}
	return false
}

// Extend refines seed, a single-block location of a read whose bases,
// oriented like the forward strand, are read. others lists all seeds of the
// read and may include seed. The returned locations are owned by the caller
// and ordered by mismatches and position.
func (e *Extender) Extend(seed *location.Location, others []*location.Location, read []byte, w *reference.Window) []*location.Location {
	n := len(read)
	if n < 2 || len(seed.Segments) != 1 || seed.Segments[0].IsSentinel() {
		return nil
	}
	e.grow(n)
	e.cands = e.cands[:0]
	for k := range e.candSeen {
		delete(e.candSeen, k)
	}
	e.full = math.MaxInt32
	for _, an := range e.anchors(seed, others, n) {
		minBlock := 1
		if e.anchorSeen[an] {
			minBlock = e.opts.SeedLength
		}
		e.scan(an, read, w, minBlock)
	}
	cands := e.filter(e.dropWeakIndels(e.cands))
	if artificial(cands, e.full) {
		e.Suppressed++
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := &cands[i], &cands[j]
		if a.mism != b.mism {
			return a.mism < b.mism
		}
		if a.a != b.a {
			return a.a < b.a
		}
		if a.b != b.b {
			return a.b < b.b
		}
		return a.anchor.Left < b.anchor.Left
	})
	out := make([]*location.Location, len(cands))
	for i := range cands {
		out[i] = e.location(seed, &cands[i], n)
	}
	return out
}

func (e *Extender) location(seed *location.Location, c *candidate, readLen int) *location.Location {
	l := &location.Location{
		Chr:          seed.Chr,
		Strand:       seed.Strand,
		Segments:     []location.Segment{{Start: c.anchor.Left, End: c.a}, {Start: c.b - c.k, End: c.anchor.Right}},
		Mismatches:   c.mism,
		SpliceSignal: location.NoSignal,
		PolyA:        seed.PolyA,
		Offset:       -1,
	}
	penalty := c.mism + c.k
	switch c.kind {
	case deletion:
		penalty += c.b - c.a - 1
	case splice:
		l.SpliceSignal = c.signal
		l.KnownJunction = c.known
	}
	l.Score = float64(readLen) - e.opts.MismatchPenalty*float64(penalty)
	if c.kind == splice && !c.canonical() {
		l.Score -= e.opts.NonCanonicalPenalty
	}
	return l
}

// placements returns the offsets of read base 0 implied by seed: aligned
// from its start, and aligned to its end.
func placements(seed *location.Location, readLen int) []int {
	s, t := seed.Start(), seed.End()-readLen+1
	if s == t {
		return []int{s}
	}
	return []int{s, t}
}

// bestLocal finds the highest scoring stretch of read placed at off, scoring
// +1 per match and -4 per mismatch and restarting whenever the running score
// drops below zero. It returns the read indices of the stretch, inclusive,
// and its mismatches.
func bestLocal(read []byte, w *reference.Window, off int) (start, end, mism int, ok bool) {
	score, best, s := 0, 0, 0
	for i := range read {
		if mismatch(read[i], w, off+i, 0) == 0 {
			score++
		} else {
			score -= 4
		}
		if score < 0 {
			score, s = 0, i+1
			continue
		}
		if score > best {
			best, start, end = score, s, i
		}
	}
	if best == 0 {
		return 0, 0, 0, false
	}
	for i := start; i <= end; i++ {
		if mismatch(read[i], w, off+i, 0) != 0 {
			mism++
		}
	}
	return start, end, mism, true
}

// Clip rescues seed as soft-clipped locations: the best local stretch of
// each placement of the read, when long enough and within the mismatch
// budget.
func (e *Extender) Clip(seed *location.Location, read []byte, w *reference.Window) []*location.Location {
	n := len(read)
	if n == 0 || len(seed.Segments) != 1 || seed.Segments[0].IsSentinel() {
		return nil
	}
	var out []*location.Location
	for _, off := range placements(seed, n) {
		if off < 1 {
			continue
		}
		a, b, mism, ok := bestLocal(read, w, off)
		if !ok || b-a+1 < e.opts.SeedLength || mism > e.opts.MaxMismatches || (a == 0 && b == n-1) {
			continue
		}
		downstream := -b
		if b == n-1 {
			downstream = 0
		}
		out = append(out, &location.Location{
			Chr:          seed.Chr,
			Strand:       seed.Strand,
			Segments:     []location.Segment{{Start: off, End: off + n - 1}, {Start: -a, End: downstream}},
			Mismatches:   mism,
			SpliceSignal: location.NoSignal,
			PolyA:        seed.PolyA,
			Score:        float64(b-a+1) - e.opts.MismatchPenalty*float64(mism),
			Offset:       -1,
		})
	}
	return out
}

// Junctions calls fn for every gap between consecutive genomic blocks of l:
// a is the last base before the gap and b the first base after it. indel is
// set for insertions and for gaps of at most maxDelSize bases.
func Junctions(l *location.Location, maxDelSize int, fn func(a, b int, indel bool)) {
	blocks := l.Blocks()
	for i := 1; i < len(blocks); i++ {
		a, b := blocks[i-1].End, blocks[i].Start
		fn(a, b, b-a-1 <= maxDelSize)
	}
}

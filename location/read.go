// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package location

import (
	"strings"

	farm "github.com/dgryski/go-farm"
)

// MultiSplitTag marks a read id of a multi-split candidate fragment:
// "<id>::MSC::<chr>::<n>[/<mate>]".
const MultiSplitTag = "::MSC::"

// Read is a read together with its candidate locations.
type Read struct {
	ID        string
	Locations []*Location
	// Duplicates lists ids of reads with identical sequence that were
	// collapsed onto this one.
	Duplicates     []string
	MappingCount   int
	ValidPairCount int
	// Top and Score are set by the resolver. Score is the margin between the
	// best and second best location.
	Top   *Location
	Score float64
}

// BaseID returns id without a multi-split infix.
func BaseID(id string) string {
	i := strings.Index(id, MultiSplitTag)
	if i < 0 {
		return id
	}
	if j := strings.LastIndexByte(id, '/'); j > i {
		return id[:i] + id[j:]
	}
	return id[:i]
}

// Prefix returns id up to, but not including, its last '/'. Ids without a
// mate suffix are returned unchanged.
func Prefix(id string) string {
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		return id[:i]
	}
	return id
}

// Mate returns 1 or 2 for ids ending in "/1" or "/2", and 0 otherwise.
func Mate(id string) int {
	i := strings.LastIndexByte(id, '/')
	if i < 0 || i != len(id)-2 {
		return 0
	}
	switch id[i+1] {
	case '1':
		return 1
	case '2':
		return 2
	}
	return 0
}

// ValidPair is an index pair into (First.Locations, Second.Locations).
type ValidPair struct {
	I, J  int
	Score float64
}

// ReadPair groups both mates of a fragment. Either mate may be nil.
type ReadPair struct {
	Prefix        string
	First, Second *Read
	ValidPairs    []ValidPair
	// Top and Score are set by the resolver.
	Top   *ValidPair
	Score float64
}

// Context is a bounded genomic region together with the reads seeded in it.
// Contexts are reused: call Reset before loading the next region.
type Context struct {
	ID     string
	Chr    string
	Strand byte
	Start  int
	End    int
	Reads  []*Read
	// offsets maps the fingerprint of a read id to the offset of its first
	// record.
	offsets map[uint64]int64
}

// NewContext creates an empty context.
func NewContext(id string) *Context {
	return &Context{ID: id, offsets: make(map[uint64]int64)}
}

// Add appends r to c, remembering offset as the position of its first record,
// and widens c's bounds to include r's locations.
func (c *Context) Add(r *Read, offset int64) {
	c.Reads = append(c.Reads, r)
	key := farm.Fingerprint64([]byte(r.ID))
	if _, ok := c.offsets[key]; !ok {
		c.offsets[key] = offset
	}
	for _, l := range r.Locations {
		if c.Chr == "" {
			c.Chr, c.Strand, c.Start, c.End = l.Chr, l.Strand, l.Start(), l.End()
			continue
		}
		if s := l.Start(); s < c.Start {
			c.Start = s
		}
		if e := l.End(); e > c.End {
			c.End = e
		}
	}
}

// Offset returns the offset recorded for read id.
func (c *Context) Offset(id string) (int64, bool) {
	off, ok := c.offsets[farm.Fingerprint64([]byte(id))]
	return off, ok
}

// Reset clears c for reuse under a new id.
func (c *Context) Reset(id string) {
	c.ID, c.Chr, c.Strand, c.Start, c.End = id, "", 0, 0, 0
	c.Reads = c.Reads[:0]
	for k := range c.offsets {
		delete(c.offsets, k)
	}
}

// Split is a junction or indel candidate between the last base A of the
// upstream block and the first base B of the downstream block.
type Split struct {
	Chr string
	A   int
	B   int
	// Starts is the set of distinct read start positions supporting the split.
	Starts map[int]struct{}
	Signal byte
	Known  bool
	Indel  bool
}

// Evidence returns the number of distinct read starts supporting s.
func (s *Split) Evidence() int { return len(s.Starts) }

// Container is the disk-offset bundle retained in memory for a resolved
// multi-mapping read or pair. Offsets of -1 mean "absent".
type Container struct {
	Best, Second                   int64
	MateBest, MateSecond           int64
	BestScore, SecondScore         float64
	MateBestScore, MateSecondScore float64
	MateUnmapped                   bool
	// Discordant marks both mates reported although they do not form a
	// valid pair.
	Discordant bool
}

// NewContainer returns a single-end container.
func NewContainer(best, second int64, bestScore, secondScore float64) Container {
	return Container{
		Best:        best,
		Second:      second,
		MateBest:    -1,
		MateSecond:  -1,
		BestScore:   bestScore,
		SecondScore: secondScore,
	}
}

// SegmentPool is a reusable arena of segments. Slices handed out by Take stay
// valid until the next Reset.
type SegmentPool struct {
	buf []Segment
}

// Take returns a zero-length slice backed by the pool with room for n
// segments.
func (p *SegmentPool) Take(n int) []Segment {
	if cap(p.buf)-len(p.buf) < n {
		size := 2 * cap(p.buf)
		if size < n+64 {
			size = n + 64
		}
		// Old slices keep referencing the previous array.
		p.buf = make([]Segment, 0, size)
	}
	start := len(p.buf)
	p.buf = p.buf[:start+n]
	return p.buf[start : start : start+n]
}

// Reset truncates the pool.
func (p *SegmentPool) Reset() { p.buf = p.buf[:0] }

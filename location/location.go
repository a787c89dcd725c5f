// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package location defines the compact candidate-alignment model shared by
// the extension, resolution and reconstruction stages: coordinate segments,
// locations, reads, read pairs, genomic contexts, splits and the offset
// containers kept in memory while streaming.
package location

import "fmt"

// Segment is a genomic block, 1-based and closed. In the last position of a
// Location's segment list a Segment may instead be a clip sentinel; see
// Location.
type Segment struct {
	Start, End int
}

// Len returns the number of reference bases covered by s.
func (s Segment) Len() int { return s.End - s.Start + 1 }

// IsSentinel reports whether s encodes clipping rather than a genomic block.
func (s Segment) IsSentinel() bool { return s.Start <= 0 || s.End < 0 }

// Kind classifies a candidate alignment.
type Kind uint8

const (
	// Full covers the whole read with one block.
	Full Kind = iota
	// Partial covers only part of the read with one block. The remainder is
	// left for the extender.
	Partial
	// SplitKind spans at least two blocks (splice, deletion or insertion).
	SplitKind
	// Clipped has a leading and/or trailing soft clip.
	Clipped
)

func (k Kind) String() string {
	switch k {
	case Full:
		return "full"
	case Partial:
		return "partial"
	case SplitKind:
		return "split"
	case Clipped:
		return "clipped"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Strand values.
const (
	Forward byte = '+'
	Reverse byte = '-'
	// NoSignal is the splice-signal value of locations without a canonical
	// donor/acceptor pair.
	NoSignal byte = '0'
)

// Location is one candidate alignment of a read.
//
// Segments lists the genomic blocks in genomic order. Consecutive blocks that
// overlap (start_i <= end_{i-1}) encode an insertion of end_{i-1}-start_i+1
// read bases. If the last segment has a negative Start or End it is a clip
// sentinel: -Start is the number of leading soft-clipped bases and -End is the
// 0-based read index of the last aligned base. A zero in either field means no
// clip at that end.
type Location struct {
	Chr           string
	Strand        byte
	Segments      []Segment
	Mismatches    int
	SpliceSignal  byte
	KnownJunction bool
	PolyA         bool
	Score         float64
	// Offset is the byte offset of the record in the candidate file, or -1.
	Offset int64
}

// Blocks returns the genomic blocks of l, without the clip sentinel.
func (l *Location) Blocks() []Segment {
	return l.Segments[:l.IndexBeforeClipping()+1]
}

// IndexBeforeClipping returns the index of the last genomic block: the
// segment before the first one whose start is not positive.
func (l *Location) IndexBeforeClipping() int {
	for i, s := range l.Segments {
		if s.Start <= 0 {
			return i - 1
		}
	}
	return len(l.Segments) - 1
}

// Clips returns the leading clip length and the read index of the last
// aligned base encoded by the sentinel. Both are zero when l is unclipped.
func (l *Location) Clips() (upstream, downstreamIndex int) {
	if len(l.Segments) == 0 {
		return 0, 0
	}
	last := l.Segments[len(l.Segments)-1]
	if last.Start < 0 {
		upstream = -last.Start
	}
	if last.End < 0 {
		downstreamIndex = -last.End
	}
	return
}

// Start returns the first genomic position of the first block.
func (l *Location) Start() int { return l.Segments[0].Start }

// End returns the last genomic position of the last block.
func (l *Location) End() int { return l.Segments[l.IndexBeforeClipping()].End }

// Kind returns the kind of l. readLength may be zero when unknown; in that
// case a single unclipped block is reported as Full.
func (l *Location) Kind(readLength int) Kind {
	blocks := l.IndexBeforeClipping() + 1
	switch {
	case blocks >= 2:
		return SplitKind
	case blocks < len(l.Segments):
		return Clipped
	case readLength > 0 && l.Segments[0].Len() < readLength:
		return Partial
	}
	return Full
}

// IsFull reports whether l aligns as a single block, possibly followed by a
// clip sentinel.
func (l *Location) IsFull() bool {
	return len(l.Segments) == 1 || l.Segments[1].Start <= 0
}

func (l *Location) String() string {
	return fmt.Sprintf("%s:%c:%v", l.Chr, l.Strand, l.Segments)
}

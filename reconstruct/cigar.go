// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package reconstruct turns a compact candidate record back into an
// alignment: CIGAR, alignment end, edit distance, flags and mate fields, and
// writes the resulting SAM-like lines into per-chromosome files.
package reconstruct

import (
	"github.com/friedel-lab/ContextMap2/location"
	"github.com/grailbio/hts/sam"
)

// Alignment is the alignment implied by a location's coordinate encoding.
type Alignment struct {
	Cigar sam.Cigar
	// Start is the 1-based position of the first aligned (non-clipped) base.
	Start int
	// End is the position of the last aligned base, computed by replaying
	// Cigar from Start.
	End int
	// EditDistance is the record's mismatch count plus inserted and deleted
	// bases. Skipped (N) bases do not count.
	EditDistance   int
	UpstreamClip   int
	DownstreamClip int
	// ClippedAtEnd is true only if a trailing soft clip was emitted.
	ClippedAtEnd bool
}

// Reconstruct derives the alignment of l. Gaps between consecutive blocks
// longer than maxDelSize become N, shorter ones D. Overlapping blocks become
// I.
func Reconstruct(l *location.Location, maxDelSize int) Alignment {
	var (
		a         = Alignment{EditDistance: l.Mismatches}
		segs      = l.Segments
		last      = segs[len(segs)-1]
		readLen   int
		downIndex int
		clipStart bool
		clipEnd   bool
	)
	if last.Start < 0 {
		a.UpstreamClip = -last.Start
		readLen += a.UpstreamClip
		a.Cigar = append(a.Cigar, sam.NewCigarOp(sam.CigarSoftClipped, a.UpstreamClip))
		clipStart = true
	}
	if last.End < 0 {
		downIndex = -last.End
		clipEnd = true
	}

	segLen := segs[0].Len()
	if clipStart {
		segLen -= a.UpstreamClip
	}
	if clipEnd && len(segs) == 2 {
		// The first block already reaches the end of the read.
		a.DownstreamClip = (readLen + segLen) - (downIndex + 1)
		segLen -= a.DownstreamClip
	}
	if segLen > 0 {
		a.Cigar = append(a.Cigar, sam.NewCigarOp(sam.CigarMatch, segLen))
		readLen += segLen
	}

	for i := 1; i < len(segs); i++ {
		if segs[i].Start <= 0 {
			break
		}
		insertion := 0
		gap := segs[i].Start - segs[i-1].End - 1
		switch {
		case gap < 0:
			insertion = -gap
			a.EditDistance += insertion
			readLen += insertion
			a.Cigar = append(a.Cigar, sam.NewCigarOp(sam.CigarInsertion, insertion))
		case gap == 0:
		case gap > maxDelSize:
			a.Cigar = append(a.Cigar, sam.NewCigarOp(sam.CigarSkipped, gap))
		default:
			a.EditDistance += gap
			a.Cigar = append(a.Cigar, sam.NewCigarOp(sam.CigarDeletion, gap))
		}

		segLen = segs[i].Len() - insertion
		if clipEnd && i == len(segs)-2 {
			a.DownstreamClip = (readLen + segLen) - (downIndex + 1)
			segLen -= a.DownstreamClip
		}
		if segLen > 0 {
			n := len(a.Cigar)
			if gap == 0 && n > 0 && a.Cigar[n-1].Type() == sam.CigarMatch {
				// Abutting blocks extend the previous match.
				a.Cigar[n-1] = sam.NewCigarOp(sam.CigarMatch, a.Cigar[n-1].Len()+segLen)
			} else {
				a.Cigar = append(a.Cigar, sam.NewCigarOp(sam.CigarMatch, segLen))
			}
			readLen += segLen
		}
	}

	if clipEnd && a.DownstreamClip > 0 {
		a.Cigar = append(a.Cigar, sam.NewCigarOp(sam.CigarSoftClipped, a.DownstreamClip))
		a.ClippedAtEnd = true
	} else {
		a.DownstreamClip = 0
	}
	a.Start = segs[0].Start + a.UpstreamClip
	a.End = AlignmentEnd(a.Start, a.Cigar)
	return a
}

// AlignmentEnd replays cigar from start. Match operations advance by len-1
// and skips and deletions by len+1, so that the position always points at the
// last base of the previous block. An insertion advances by one unless it is
// the last operation or is followed by a deletion or skip.
func AlignmentEnd(start int, cigar sam.Cigar) int {
	pos := start
	for i, op := range cigar {
		switch op.Type() {
		case sam.CigarMatch, sam.CigarMismatch, sam.CigarEqual:
			pos += op.Len() - 1
		case sam.CigarSkipped, sam.CigarDeletion:
			pos += op.Len() + 1
		case sam.CigarInsertion:
			if i+1 < len(cigar) {
				if next := cigar[i+1].Type(); next != sam.CigarSkipped && next != sam.CigarDeletion {
					pos++
				}
			}
		}
	}
	return pos
}

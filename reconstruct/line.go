// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package reconstruct

import (
	"strconv"

	"github.com/friedel-lab/ContextMap2/location"
	"github.com/grailbio/hts/sam"
)

// MappingQuality is written for every record.
const MappingQuality = 255

// MateState describes what is known about the other segment of a paired
// record.
type MateState uint8

const (
	// MateProper marks a mate of a valid pair.
	MateProper MateState = iota
	// MateUnmapped marks a record whose mate has no reported location.
	MateUnmapped
	// MateDiscordant marks a mate reported together with its mate although
	// the two do not form a valid pair.
	MateDiscordant
)

// Companion carries the second-best location reported next to the best one.
type Companion struct {
	Chr         string
	Pos         int
	BestScore   float64
	SecondScore float64
}

// Line is one output record.
type Line struct {
	Name      string
	Flags     sam.Flags
	Chr       string
	Alignment Alignment
	RNext     string
	PNext     int
	TLen      int
	NH        int
	XS        byte
	PolyA     bool
	Companion *Companion
}

// Single builds the line of a single-end record.
func Single(rec *location.Record, maxDelSize int) Line {
	l := Line{
		Name:      location.BaseID(rec.ReadID),
		Chr:       rec.Chr,
		Alignment: Reconstruct(&rec.Location, maxDelSize),
		RNext:     "*",
		NH:        rec.MappingCount,
		XS:        rec.SpliceSignal,
		PolyA:     rec.PolyA,
	}
	if rec.Strand == location.Reverse {
		l.Flags |= sam.Reverse
	}
	return l
}

// Mate builds the line of one mate of a paired record. Mate fields are filled
// in later by SetMateFields.
func Mate(rec *location.Record, maxDelSize int, state MateState) Line {
	l := Line{
		Name:      location.Prefix(location.BaseID(rec.ReadID)),
		Flags:     sam.Paired,
		Chr:       rec.Chr,
		Alignment: Reconstruct(&rec.Location, maxDelSize),
		RNext:     "*",
		NH:        rec.MappingCount,
		XS:        rec.SpliceSignal,
		PolyA:     rec.PolyA,
	}
	if rec.ValidPairCount > 0 {
		l.NH = rec.ValidPairCount
	}
	if rec.Strand == location.Reverse {
		l.Flags |= sam.Reverse
	}
	if location.Mate(rec.ReadID) == 1 {
		l.Flags |= sam.Read1
	} else {
		l.Flags |= sam.Read2
	}
	switch state {
	case MateUnmapped:
		l.Flags |= sam.MateUnmapped
	case MateProper:
		l.Flags |= sam.ProperPair
		if rec.Strand == location.Forward {
			l.Flags |= sam.MateReverse
		}
	}
	return l
}

// SetMateFields fills RNEXT, PNEXT and TLEN of both mates. On the same
// chromosome TLEN spans from the leftmost start to the rightmost end and is
// positive for the leftmost mate. Across chromosomes only RNEXT is set.
func SetMateFields(a, b *Line) {
	if a.Chr != b.Chr {
		a.RNext, b.RNext = b.Chr, a.Chr
		a.PNext, b.PNext = 0, 0
		a.TLen, b.TLen = 0, 0
		return
	}
	a.RNext, b.RNext = "=", "="
	a.PNext, b.PNext = b.Alignment.Start, a.Alignment.Start
	right := a.Alignment.End
	if b.Alignment.End >= right {
		right = b.Alignment.End
	}
	if a.Alignment.Start <= b.Alignment.Start {
		a.TLen = right - a.Alignment.Start + 1
		b.TLen = -a.TLen
	} else {
		b.TLen = right - b.Alignment.Start + 1
		a.TLen = -b.TLen
	}
}

// AppendTo appends l, terminated by a newline, to buf.
func (l *Line) AppendTo(buf []byte) []byte {
	aln := &l.Alignment
	buf = append(buf, l.Name...)
	buf = append(buf, '\t')
	buf = strconv.AppendInt(buf, int64(l.Flags), 10)
	buf = append(buf, '\t')
	buf = append(buf, l.Chr...)
	buf = append(buf, '\t')
	buf = strconv.AppendInt(buf, int64(aln.Start), 10)
	buf = append(buf, '\t')
	buf = strconv.AppendInt(buf, MappingQuality, 10)
	buf = append(buf, '\t')
	buf = append(buf, aln.Cigar.String()...)
	buf = append(buf, '\t')
	buf = append(buf, l.RNext...)
	buf = append(buf, '\t')
	buf = strconv.AppendInt(buf, int64(l.PNext), 10)
	buf = append(buf, '\t')
	buf = strconv.AppendInt(buf, int64(l.TLen), 10)
	buf = append(buf, "\t*\t*\tNM:i:"...)
	buf = strconv.AppendInt(buf, int64(aln.EditDistance), 10)
	buf = append(buf, "\tNH:i:"...)
	buf = strconv.AppendInt(buf, int64(l.NH), 10)
	if l.XS != 0 && l.XS != location.NoSignal {
		buf = append(buf, "\tXS:A:"...)
		buf = append(buf, l.XS)
	}
	if l.PolyA {
		buf = append(buf, "\tPT:i:"...)
		if aln.ClippedAtEnd {
			buf = strconv.AppendInt(buf, int64(aln.End+1), 10)
		} else {
			buf = strconv.AppendInt(buf, int64(aln.Start-1), 10)
		}
	}
	if c := l.Companion; c != nil {
		buf = append(buf, "\tCC:Z:"...)
		buf = append(buf, c.Chr...)
		buf = append(buf, "\tCP:i:"...)
		buf = strconv.AppendInt(buf, int64(c.Pos), 10)
		buf = append(buf, "\tS1:f:"...)
		buf = append(buf, location.FormatScore(c.BestScore)...)
		buf = append(buf, "\tS2:f:"...)
		buf = append(buf, location.FormatScore(c.SecondScore)...)
	}
	return append(buf, '\n')
}

func (l *Line) String() string {
	b := l.AppendTo(nil)
	return string(b[:len(b)-1])
}

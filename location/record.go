// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package location

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/grailbio/base/tsv"
	gunsafe "github.com/grailbio/base/unsafe"
)

// NumFields is the number of tab-separated fields of a candidate record.
const NumFields = 13

// Record is one line of the candidate stream: a location plus the read-level
// fields written next to it.
type Record struct {
	ContextID string
	ReadID    string
	Location
	ReadScore      float64
	MappingCount   int
	ValidPairCount int
}

// ParseRecord decodes a candidate line (without the trailing newline).
// Segments are allocated from pool when it is non-nil; the returned record
// must then not outlive the next pool.Reset.
func ParseRecord(line []byte, pool *SegmentPool) (Record, error) {
	var (
		r      Record
		fields [NumFields][]byte
		n      int
	)
	rest := line
	for n < NumFields {
		i := bytes.IndexByte(rest, '\t')
		if i < 0 {
			fields[n] = rest
			n++
			break
		}
		fields[n] = rest[:i]
		rest = rest[i+1:]
		n++
	}
	if n < NumFields {
		return r, &ParseError{Line: string(line), Field: n, Msg: "too few fields"}
	}
	fail := func(field int, msg string) (Record, error) {
		return Record{}, &ParseError{Line: string(line), Field: field, Msg: msg}
	}
	r.ContextID = string(fields[0])
	r.ReadID = string(fields[1])
	r.Chr = string(fields[2])
	if len(fields[3]) != 1 {
		return fail(3, "bad strand")
	}
	r.Strand = fields[3][0]

	coords := fields[4]
	nc := bytes.Count(coords, []byte{','}) + 1
	if nc%2 != 0 || len(coords) == 0 {
		return fail(4, "odd number of coordinates")
	}
	if pool != nil {
		r.Segments = pool.Take(nc / 2)
	} else {
		r.Segments = make([]Segment, 0, nc/2)
	}
	for len(coords) > 0 {
		var a, b int
		var err error
		if a, coords, err = nextInt(coords); err != nil {
			return fail(4, err.Error())
		}
		if b, coords, err = nextInt(coords); err != nil {
			return fail(4, err.Error())
		}
		r.Segments = append(r.Segments, Segment{a, b})
	}
	// Only the last of at least two segments may be a clip sentinel.
	for i, seg := range r.Segments {
		if i > 0 && i == len(r.Segments)-1 && seg.Start <= 0 {
			if seg.End > 0 {
				return fail(4, "bad clip sentinel")
			}
			continue
		}
		if seg.Start <= 0 || seg.End < seg.Start {
			return fail(4, "bad genomic block")
		}
	}

	var err error
	if r.Mismatches, err = strconv.Atoi(gunsafe.BytesToString(fields[5])); err != nil {
		return fail(5, err.Error())
	}
	if len(fields[6]) != 1 {
		return fail(6, "bad splice signal")
	}
	r.SpliceSignal = fields[6][0]
	switch gunsafe.BytesToString(fields[7]) {
	case "true", "1":
		r.KnownJunction = true
	case "false", "0":
	default:
		return fail(7, "bad junction flag")
	}
	if r.ReadScore, err = strconv.ParseFloat(gunsafe.BytesToString(fields[8]), 64); err != nil {
		return fail(8, err.Error())
	}
	if r.Score, err = strconv.ParseFloat(gunsafe.BytesToString(fields[9]), 64); err != nil {
		return fail(9, err.Error())
	}
	if r.MappingCount, err = strconv.Atoi(gunsafe.BytesToString(fields[10])); err != nil {
		return fail(10, err.Error())
	}
	if r.ValidPairCount, err = strconv.Atoi(gunsafe.BytesToString(fields[11])); err != nil {
		return fail(11, err.Error())
	}
	last := bytes.TrimRight(fields[12], "\r\n\t")
	if len(last) == 0 {
		return fail(12, "missing poly-A flag")
	}
	r.PolyA = last[0] == '1'
	r.Offset = -1
	return r, nil
}

func nextInt(b []byte) (int, []byte, error) {
	i := bytes.IndexByte(b, ',')
	tok, rest := b, []byte(nil)
	if i >= 0 {
		tok, rest = b[:i], b[i+1:]
	}
	v, err := strconv.Atoi(gunsafe.BytesToString(tok))
	return v, rest, err
}

// ReadIDField returns the read id of a candidate line without decoding the
// rest of it. The result aliases line.
func ReadIDField(line []byte) ([]byte, bool) {
	i := bytes.IndexByte(line, '\t')
	if i < 0 {
		return nil, false
	}
	rest := line[i+1:]
	j := bytes.IndexByte(rest, '\t')
	if j < 0 {
		return nil, false
	}
	return rest[:j], true
}

// FormatScore formats a score with two decimals.
func FormatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// FormatCoordinates renders segments as "s0,e0,s1,e1,...".
func FormatCoordinates(segs []Segment) string {
	var sb strings.Builder
	for i, s := range segs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(s.Start))
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(s.End))
	}
	return sb.String()
}

// WriteRecord writes r as one candidate line.
func WriteRecord(w *tsv.Writer, r *Record) error {
	w.WriteString(r.ContextID)
	w.WriteString(r.ReadID)
	w.WriteString(r.Chr)
	w.WriteString(string(r.Strand))
	w.WriteString(FormatCoordinates(r.Segments))
	w.WriteInt64(int64(r.Mismatches))
	signal := r.SpliceSignal
	if signal == 0 {
		signal = NoSignal
	}
	w.WriteString(string(signal))
	w.WriteString(strconv.FormatBool(r.KnownJunction))
	w.WriteString(FormatScore(r.ReadScore))
	w.WriteString(FormatScore(r.Score))
	w.WriteInt64(int64(r.MappingCount))
	w.WriteInt64(int64(r.ValidPairCount))
	if r.PolyA {
		w.WriteString("1")
	} else {
		w.WriteString("0")
	}
	return w.EndLine()
}

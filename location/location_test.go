// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package location

import (
	"bytes"
	"testing"

	"github.com/grailbio/base/tsv"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestKind(t *testing.T) {
	for _, test := range []struct {
		segs       []Segment
		readLength int
		want       Kind
		blocks     int
	}{
		{[]Segment{{100, 149}}, 50, Full, 1},
		{[]Segment{{100, 129}}, 50, Partial, 1},
		{[]Segment{{100, 129}}, 0, Full, 1},
		{[]Segment{{100, 110}, {115, 125}}, 22, SplitKind, 2},
		{[]Segment{{100, 110}, {115, 125}, {-3, 0}}, 25, SplitKind, 2},
		{[]Segment{{100, 149}, {-5, -44}}, 50, Clipped, 1},
		{[]Segment{{100, 149}, {0, -44}}, 50, Clipped, 1},
	} {
		l := Location{Segments: test.segs}
		expect.EQ(t, l.Kind(test.readLength), test.want, "segments %v", test.segs)
		expect.EQ(t, len(l.Blocks()), test.blocks, "segments %v", test.segs)
	}
}

func TestClipsAndEnds(t *testing.T) {
	l := Location{Segments: []Segment{{100, 110}, {120, 150}, {-5, -40}}}
	up, down := l.Clips()
	expect.EQ(t, up, 5)
	expect.EQ(t, down, 40)
	expect.EQ(t, l.Start(), 100)
	expect.EQ(t, l.End(), 150)
	expect.EQ(t, l.IndexBeforeClipping(), 1)
	expect.False(t, l.IsFull())

	full := Location{Segments: []Segment{{100, 149}, {-1, -1}}}
	expect.True(t, full.IsFull())
}

func TestReadIDs(t *testing.T) {
	expect.EQ(t, Prefix("r1/2"), "r1")
	expect.EQ(t, Prefix("r1"), "r1")
	expect.EQ(t, Mate("r1/1"), 1)
	expect.EQ(t, Mate("r1/2"), 2)
	expect.EQ(t, Mate("r1/12"), 0)
	expect.EQ(t, BaseID("r1::MSC::chr2::3/1"), "r1/1")
	expect.EQ(t, BaseID("r1::MSC::chr2::3"), "r1")
	expect.EQ(t, BaseID("r1/1"), "r1/1")
}

func TestContextOffsets(t *testing.T) {
	c := NewContext("c1")
	c.Add(&Read{ID: "a", Locations: []*Location{{Chr: "chr1", Segments: []Segment{{10, 50}}}}}, 0)
	c.Add(&Read{ID: "b", Locations: []*Location{{Chr: "chr1", Segments: []Segment{{5, 30}}}}}, 120)
	c.Add(&Read{ID: "a", Locations: []*Location{{Chr: "chr1", Segments: []Segment{{60, 90}}}}}, 240)
	off, ok := c.Offset("a")
	expect.True(t, ok)
	expect.EQ(t, off, int64(0))
	off, ok = c.Offset("b")
	expect.True(t, ok)
	expect.EQ(t, off, int64(120))
	expect.EQ(t, c.Start, 5)
	expect.EQ(t, c.End, 90)

	c.Reset("c2")
	_, ok = c.Offset("a")
	expect.False(t, ok)
	expect.EQ(t, len(c.Reads), 0)
	expect.EQ(t, c.ID, "c2")
}

func TestSegmentPool(t *testing.T) {
	var pool SegmentPool
	a := pool.Take(2)
	a = append(a, Segment{1, 2}, Segment{3, 4})
	b := pool.Take(1)
	b = append(b, Segment{5, 6})
	expect.EQ(t, a, []Segment{{1, 2}, {3, 4}})
	expect.EQ(t, b, []Segment{{5, 6}})
	pool.Reset()
	c := pool.Take(100)
	expect.EQ(t, len(c), 0)
	expect.EQ(t, cap(c), 100)
}

const testLine = "ctx7\tread1/1\tchr2\t-\t100,110,115,125,-2,0\t3\t+\ttrue\t12.50\t7.25\t4\t2\t1"

func TestParseRecord(t *testing.T) {
	var pool SegmentPool
	r, err := ParseRecord([]byte(testLine), &pool)
	assert.NoError(t, err)
	expect.EQ(t, r.ContextID, "ctx7")
	expect.EQ(t, r.ReadID, "read1/1")
	expect.EQ(t, r.Chr, "chr2")
	expect.EQ(t, r.Strand, Reverse)
	expect.EQ(t, r.Segments, []Segment{{100, 110}, {115, 125}, {-2, 0}})
	expect.EQ(t, r.Mismatches, 3)
	expect.EQ(t, r.SpliceSignal, byte('+'))
	expect.True(t, r.KnownJunction)
	expect.EQ(t, r.ReadScore, 12.5)
	expect.EQ(t, r.Score, 7.25)
	expect.EQ(t, r.MappingCount, 4)
	expect.EQ(t, r.ValidPairCount, 2)
	expect.True(t, r.PolyA)

	id, ok := ReadIDField([]byte(testLine))
	expect.True(t, ok)
	expect.EQ(t, string(id), "read1/1")
}

func TestParseRecordErrors(t *testing.T) {
	for _, line := range []string{
		"ctx\tread\tchr1\t+\t1,2",
		"ctx\tread\tchr1\t+\t1,2,3\t0\t0\tfalse\t0\t0\t1\t0\t0",
		"ctx\tread\tchr1\t+\t1,x\t0\t0\tfalse\t0\t0\t1\t0\t0",
		"ctx\tread\tchr1\t+\t1,2\tmany\t0\tfalse\t0\t0\t1\t0\t0",
		"ctx\tread\tchr1\t+\t1,2\t0\t0\tmaybe\t0\t0\t1\t0\t0",
		"ctx\tread\tchr1\t+\t-5,-3\t0\t0\tfalse\t0\t0\t1\t0\t0",
		"ctx\tread\tchr1\t+\t0,0\t0\t0\tfalse\t0\t0\t1\t0\t0",
		"ctx\tread\tchr1\t+\t-2,0,100,149\t0\t0\tfalse\t0\t0\t1\t0\t0",
		"ctx\tread\tchr1\t+\t100,149,-2,7\t0\t0\tfalse\t0\t0\t1\t0\t0",
		"ctx\tread\tchr1\t+\t149,100\t0\t0\tfalse\t0\t0\t1\t0\t0",
	} {
		_, err := ParseRecord([]byte(line), nil)
		assert.NotNil(t, err, "line %q", line)
		expect.True(t, IsRecoverable(err))
		_, ok := err.(*ParseError)
		expect.True(t, ok)
	}
}

func TestWriteRecord(t *testing.T) {
	r, err := ParseRecord([]byte(testLine), nil)
	assert.NoError(t, err)
	var buf bytes.Buffer
	w := tsv.NewWriter(&buf)
	assert.NoError(t, WriteRecord(w, &r))
	assert.NoError(t, w.Flush())
	expect.EQ(t, buf.String(), "ctx7\tread1/1\tchr2\t-\t100,110,115,125,-2,0\t3\t+\ttrue\t12.50\t7.25\t4\t2\t1\n")
}

func TestIsRecoverable(t *testing.T) {
	expect.True(t, IsRecoverable(&MissingSequenceError{ReadID: "x"}))
	expect.False(t, IsRecoverable(&IOError{Op: "open", Path: "/nonexistent"}))
	expect.False(t, IsRecoverable(&ReferenceWindowOutOfRange{Chr: "chr1", Pos: 5}))
}

// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package reconstruct

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/friedel-lab/ContextMap2/location"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestReconstruct(t *testing.T) {
	for _, test := range []struct {
		segs         []location.Segment
		mismatches   int
		cigar        string
		start, end   int
		editDistance int
		clippedAtEnd bool
	}{
		// Deletion.
		{[]location.Segment{{100, 110}, {115, 125}}, 0, "11M4D11M", 100, 125, 4, false},
		// Insertion of three read bases; the end is that of the last block.
		{[]location.Segment{{100, 110}, {108, 118}}, 1, "11M3I8M", 100, 118, 4, false},
		// Splice.
		{[]location.Segment{{100, 110}, {1000, 1010}}, 2, "11M889N11M", 100, 1010, 2, false},
		// Both ends clipped.
		{[]location.Segment{{100, 149}, {-5, -44}}, 0, "5S40M5S", 105, 144, 0, true},
		// Trailing clip on the last block of a split.
		{[]location.Segment{{100, 109}, {200, 229}, {0, -34}}, 0, "10M90N25M5S", 100, 224, 0, true},
		// A trailing clip of length zero is dropped.
		{[]location.Segment{{100, 149}, {0, -49}}, 0, "50M", 100, 149, 0, false},
		// Abutting blocks merge.
		{[]location.Segment{{100, 110}, {111, 120}}, 0, "21M", 100, 120, 0, false},
	} {
		l := location.Location{Segments: test.segs, Mismatches: test.mismatches}
		a := Reconstruct(&l, 10)
		expect.EQ(t, a.Cigar.String(), test.cigar, "segments %v", test.segs)
		expect.EQ(t, a.Start, test.start, "segments %v", test.segs)
		expect.EQ(t, a.End, test.end, "segments %v", test.segs)
		expect.EQ(t, a.EditDistance, test.editDistance, "segments %v", test.segs)
		expect.EQ(t, a.ClippedAtEnd, test.clippedAtEnd, "segments %v", test.segs)
	}
}

func TestAlignmentEnd(t *testing.T) {
	cigar := sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 10),
		sam.NewCigarOp(sam.CigarInsertion, 2),
		sam.NewCigarOp(sam.CigarSkipped, 50),
		sam.NewCigarOp(sam.CigarMatch, 10),
		sam.NewCigarOp(sam.CigarInsertion, 3),
	}
	// 100+9, the insertion before N does not move, +51, +9, trailing
	// insertion does not move.
	expect.EQ(t, AlignmentEnd(100, cigar), 169)
}

func mustParse(t *testing.T, line string) location.Record {
	r, err := location.ParseRecord([]byte(line), nil)
	assert.NoError(t, err)
	return r
}

func TestSingleLine(t *testing.T) {
	rec := mustParse(t, "ctx\tr1\tchr1\t+\t100,110,115,125\t1\t+\tfalse\t0\t5.5\t2\t0\t0")
	l := Single(&rec, 10)
	expect.EQ(t, l.String(), "r1\t0\tchr1\t100\t255\t11M4D11M\t*\t0\t0\t*\t*\tNM:i:5\tNH:i:2\tXS:A:+")

	rec = mustParse(t, "ctx\tr2\tchr1\t-\t100,149,-5,-44\t0\t0\tfalse\t0\t5.5\t1\t0\t1")
	l = Single(&rec, 10)
	l.Companion = &Companion{Chr: "chr9", Pos: 500, BestScore: 10, SecondScore: 9.5}
	expect.EQ(t, l.String(), "r2\t16\tchr1\t105\t255\t5S40M5S\t*\t0\t0\t*\t*\tNM:i:0\tNH:i:1\tPT:i:145\tCC:Z:chr9\tCP:i:500\tS1:f:10.00\tS2:f:9.50")

	rec = mustParse(t, "ctx\tr3\tchr1\t+\t100,149\t0\t0\tfalse\t0\t5.5\t1\t0\t1")
	l = Single(&rec, 10)
	expect.EQ(t, l.String(), "r3\t0\tchr1\t100\t255\t50M\t*\t0\t0\t*\t*\tNM:i:0\tNH:i:1\tPT:i:99")
}

func TestMateLines(t *testing.T) {
	recA := mustParse(t, "ctx\tp/1\tchr1\t+\t100,149\t0\t0\tfalse\t0\t5\t3\t2\t0")
	recB := mustParse(t, "ctx\tp/2\tchr1\t-\t300,349\t1\t0\tfalse\t0\t5\t3\t2\t0")
	a := Mate(&recA, 10, MateProper)
	b := Mate(&recB, 10, MateProper)
	SetMateFields(&a, &b)
	expect.EQ(t, a.String(), "p\t99\tchr1\t100\t255\t50M\t=\t300\t250\t*\t*\tNM:i:0\tNH:i:2")
	expect.EQ(t, b.String(), "p\t147\tchr1\t300\t255\t50M\t=\t100\t-250\t*\t*\tNM:i:1\tNH:i:2")

	// The rightmost end may belong to the leftmost mate.
	recA = mustParse(t, "ctx\tq/2\tchr1\t-\t120,130,900,938\t0\t0\tfalse\t0\t5\t1\t0\t0")
	recB = mustParse(t, "ctx\tq/1\tchr1\t+\t100,149\t0\t0\tfalse\t0\t5\t1\t0\t0")
	a = Mate(&recA, 10, MateProper)
	b = Mate(&recB, 10, MateProper)
	SetMateFields(&a, &b)
	expect.EQ(t, b.TLen, 839)
	expect.EQ(t, a.TLen, -839)

	recB = mustParse(t, "ctx\tq/1\tchr7\t+\t100,149\t0\t0\tfalse\t0\t5\t1\t0\t0")
	a = Mate(&recA, 10, MateDiscordant)
	b = Mate(&recB, 10, MateDiscordant)
	SetMateFields(&a, &b)
	expect.EQ(t, a.RNext, "chr7")
	expect.EQ(t, b.RNext, "chr1")
	expect.EQ(t, a.PNext, 0)
	expect.EQ(t, a.TLen, 0)
	expect.EQ(t, a.Flags, sam.Paired|sam.Reverse|sam.Read2)

	u := Mate(&recB, 10, MateUnmapped)
	expect.EQ(t, u.Flags, sam.Paired|sam.Read1|sam.MateUnmapped)
	expect.EQ(t, u.RNext, "*")
}

func TestSink(t *testing.T) {
	ctx := vcontext.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	out := filepath.Join(tempDir, "out.sam")

	s := NewSink(ctx, out)
	for _, line := range []string{
		"ctx\tb\tchr2\t+\t10,19\t0\t0\tfalse\t0\t1\t1\t0\t0",
		"ctx\ta\tchr1\t+\t10,19\t0\t0\tfalse\t0\t1\t1\t0\t0",
		"ctx\tc\tchr2\t+\t30,39\t0\t0\tfalse\t0\t1\t1\t0\t0",
	} {
		rec := mustParse(t, line)
		l := Single(&rec, 10)
		assert.NoError(t, s.Write(&l))
	}
	expect.EQ(t, s.Lines(), map[string]int64{"chr1": 1, "chr2": 2})
	assert.NoError(t, s.Finish(map[string]int{"chr1": 1000, "chr2": 2000, "chr3": 5}))

	data, err := ioutil.ReadFile(out)
	assert.NoError(t, err)
	expect.EQ(t, string(data), "@SQ\tSN:chr1\tLN:1000\n@SQ\tSN:chr2\tLN:2000\n"+
		"a\t0\tchr1\t10\t255\t10M\t*\t0\t0\t*\t*\tNM:i:0\tNH:i:1\n"+
		"b\t0\tchr2\t10\t255\t10M\t*\t0\t0\t*\t*\tNM:i:0\tNH:i:1\n"+
		"c\t0\tchr2\t30\t255\t10M\t*\t0\t0\t*\t*\tNM:i:0\tNH:i:1\n")
	_, err = os.Stat(out + ".chr1")
	expect.True(t, os.IsNotExist(err))
}

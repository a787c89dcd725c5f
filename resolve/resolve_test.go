// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package resolve

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/friedel-lab/ContextMap2/location"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func loc(chr string, strand byte, score float64, offset int64, segs ...location.Segment) *location.Location {
	return &location.Location{Chr: chr, Strand: strand, Segments: segs, Score: score, Offset: offset}
}

func TestScoreRead(t *testing.T) {
	r := location.Read{Locations: []*location.Location{
		loc("chr1", '+', 5, 0, location.Segment{100, 149}),
		loc("chr1", '+', 5, 1, location.Segment{200, 249}),
		loc("chr1", '+', 7, 2, location.Segment{300, 349}),
	}}
	ScoreRead(&r)
	expect.EQ(t, r.Top.Offset, int64(2))
	expect.EQ(t, r.Score, 2.0)

	r = location.Read{Locations: []*location.Location{
		loc("chr1", '+', 5, 0, location.Segment{100, 149}),
		loc("chr1", '+', 5, 1, location.Segment{200, 249}),
	}}
	ScoreRead(&r)
	expect.EQ(t, r.Top.Offset, int64(1))
	expect.EQ(t, r.Score, 0.0)

	r = location.Read{Locations: []*location.Location{loc("chr1", '+', 3, 0, location.Segment{100, 149})}}
	ScoreRead(&r)
	expect.EQ(t, r.Score, 3.0)
}

func TestScorePair(t *testing.T) {
	a := &location.Read{Locations: []*location.Location{
		loc("chr1", '+', 6, 0, location.Segment{1000, 1049}),
		loc("chr1", '+', 3, 1, location.Segment{5000, 5049}),
	}}
	b := &location.Read{Locations: []*location.Location{
		loc("chr1", '-', 6, 2, location.Segment{1200, 1249}),
		loc("chr1", '-', 2, 3, location.Segment{5200, 5249}),
	}}
	p := location.ReadPair{First: a, Second: b, ValidPairs: ValidPairs(a, b, 500)}
	require.Len(t, p.ValidPairs, 2)
	ScorePair(&p)
	expect.EQ(t, *p.Top, location.ValidPair{I: 0, J: 0, Score: 12})
	expect.EQ(t, p.ValidPairs[0], location.ValidPair{I: 1, J: 1, Score: 5})
	expect.EQ(t, p.Score, 7.0)
}

func TestValidPairs(t *testing.T) {
	for _, test := range []struct {
		a, b     *location.Location
		maxDist  int
		expected bool
	}{
		// Mate A ends at 150, mate B starts at 300.
		{loc("chr1", '+', 0, 0, location.Segment{100, 150}), loc("chr1", '-', 0, 0, location.Segment{300, 349}), 200, true},
		{loc("chr1", '+', 0, 0, location.Segment{100, 150}), loc("chr1", '-', 0, 0, location.Segment{300, 349}), 100, false},
		// B upstream of A.
		{loc("chr1", '+', 0, 0, location.Segment{300, 349}), loc("chr1", '-', 0, 0, location.Segment{100, 150}), 200, true},
		// Overlapping mates; B ends after A.
		{loc("chr1", '+', 0, 0, location.Segment{100, 150}), loc("chr1", '-', 0, 0, location.Segment{120, 170}), 100, true},
		// B lies inside A.
		{loc("chr1", '+', 0, 0, location.Segment{100, 150}), loc("chr1", '-', 0, 0, location.Segment{110, 140}), 100, false},
		// The clip sentinel is not a block.
		{loc("chr1", '+', 0, 0, location.Segment{100, 150}, location.Segment{0, -45}), loc("chr1", '-', 0, 0, location.Segment{300, 349}), 150, true},
		// The last block of a split counts.
		{loc("chr1", '+', 0, 0, location.Segment{100, 120}, location.Segment{400, 429}), loc("chr1", '-', 0, 0, location.Segment{300, 349}), 1000, false},
		{loc("chr1", '+', 0, 0, location.Segment{100, 150}), loc("chr1", '+', 0, 0, location.Segment{300, 349}), 200, false},
		{loc("chr1", '+', 0, 0, location.Segment{100, 150}), loc("chr2", '-', 0, 0, location.Segment{300, 349}), 200, false},
	} {
		a := &location.Read{Locations: []*location.Location{test.a}}
		b := &location.Read{Locations: []*location.Location{test.b}}
		got := ValidPairs(a, b, test.maxDist)
		expect.EQ(t, len(got) == 1, test.expected, "a=%v b=%v", test.a, test.b)
	}
}

type fakeFeatures map[string][]struct {
	name       string
	start, end int
}

func (f fakeFeatures) Has(chr string) bool { return len(f[chr]) > 0 }

func (f fakeFeatures) Lookup(chr string, pos int) (string, bool) {
	for _, ft := range f[chr] {
		if pos >= ft.start && pos < ft.end {
			return ft.name, true
		}
	}
	return "", false
}

func runResolver(t *testing.T, opts Opts, lines []string, features FeatureIndex) (string, Stats) {
	ctx := vcontext.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := filepath.Join(tempDir, "candidates.tsv")
	assert.NoError(t, ioutil.WriteFile(in, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	out := filepath.Join(tempDir, "out.sam")
	stats, err := Run(ctx, opts, in, out, map[string]int{"chr1": 10000, "chr2": 20000, "chr3": 30000}, features)
	assert.NoError(t, err)
	data, err := ioutil.ReadFile(out)
	assert.NoError(t, err)
	return string(data), stats
}

var singleEndInput = []string{
	"c1\tu\tchr1\t+\t100,149\t0\t0\tfalse\t0\t3\t1\t0\t0",
	"c1\tm\tchr1\t+\t200,249\t1\t0\tfalse\t0\t10\t2\t0\t0",
	"c1\tm\tchr2\t-\t500,549\t2\t0\tfalse\t0\t9.5\t2\t0\t0",
	"c1\tbad\tchr1\t+\t100\t0\t0\tfalse\t0\t1\t1\t0\t0",
	"c2\tv\tchr2\t-\t10,59\t0\t+\ttrue\t0\t1\t1\t0\t1",
}

const (
	headerSingle = "@SQ\tSN:chr1\tLN:10000\n@SQ\tSN:chr2\tLN:20000\n"
	lineU        = "u\t0\tchr1\t100\t255\t50M\t*\t0\t0\t*\t*\tNM:i:0\tNH:i:1\n"
	lineM        = "m\t0\tchr1\t200\t255\t50M\t*\t0\t0\t*\t*\tNM:i:1\tNH:i:2\tCC:Z:chr2\tCP:i:500\tS1:f:10.00\tS2:f:9.50\n"
	lineV        = "v\t16\tchr2\t10\t255\t50M\t*\t0\t0\t*\t*\tNM:i:0\tNH:i:1\tXS:A:+\tPT:i:9\n"
)

func TestSingleEnd(t *testing.T) {
	for _, mmap := range []bool{false, true} {
		opts := DefaultOpts
		opts.Stream.Mmap = mmap
		opts.Stream.BufferSize = 16
		got, stats := runResolver(t, opts, singleEndInput, nil)
		expect.EQ(t, got, headerSingle+lineU+lineM+lineV)
		expect.EQ(t, stats, Stats{Groups: 3, Unique: 2, Multi: 1, Skipped: 1, Lines: 3})
	}
}

func TestCompanionClippedStart(t *testing.T) {
	// CP reports the first block of the second best location, not its
	// clipped alignment start.
	got, _ := runResolver(t, DefaultOpts, []string{
		"c1\tm\tchr1\t+\t200,249\t1\t0\tfalse\t0\t10\t2\t0\t0",
		"c1\tm\tchr2\t-\t500,549,-5,0\t2\t0\tfalse\t0\t9.5\t2\t0\t0",
	}, nil)
	expect.EQ(t, got, "@SQ\tSN:chr1\tLN:10000\n"+lineM)
}

func TestSecondaryCutoff(t *testing.T) {
	// Margin 0.5 does not pass a cutoff of 1.
	opts := DefaultOpts
	opts.ScoreDiffCutoff = 1
	got, stats := runResolver(t, opts, singleEndInput, nil)
	expect.EQ(t, got, headerSingle+lineU+lineV)
	expect.EQ(t, stats.Suppressed, int64(1))

	// Unless the second best location is to be reported anyway.
	opts.PrintSecondBestChr = true
	got, stats = runResolver(t, opts, singleEndInput, nil)
	expect.EQ(t, got, headerSingle+lineU+lineM+lineV)
	expect.EQ(t, stats.Suppressed, int64(0))
}

func TestPrintMultiMappings(t *testing.T) {
	opts := DefaultOpts
	opts.PrintMultiMappings = true
	got, stats := runResolver(t, opts, singleEndInput, nil)
	expect.EQ(t, got, headerSingle+lineU+lineM+lineV+
		"m\t16\tchr2\t500\t255\t50M\t*\t0\t0\t*\t*\tNM:i:2\tNH:i:2\n")
	expect.EQ(t, stats.Lines, int64(4))
}

func TestSecondBestFeature(t *testing.T) {
	lines := []string{
		"c1\tw\tchr1\t+\t100,149\t0\t0\tfalse\t0\t5\t3\t0\t0",
		"c1\tw\tchr1\t+\t1100,1149\t0\t0\tfalse\t0\t4\t3\t0\t0",
		"c1\tw\tchr1\t+\t150,199\t0\t0\tfalse\t0\t4.5\t3\t0\t0",
	}
	features := fakeFeatures{"chr1": {{"genomeA", 0, 1000}, {"genomeB", 1000, 2000}}}
	opts := DefaultOpts
	opts.PrintSecondBestChr = true
	got, _ := runResolver(t, opts, lines, features)
	expect.EQ(t, got, "@SQ\tSN:chr1\tLN:10000\n"+
		"w\t0\tchr1\t100\t255\t50M\t*\t0\t0\t*\t*\tNM:i:0\tNH:i:3\tCC:Z:chr1\tCP:i:1100\tS1:f:5.00\tS2:f:4.00\n")

	// Without the index the runner-up on the same chromosome is used.
	got, _ = runResolver(t, opts, lines, nil)
	expect.EQ(t, got, "@SQ\tSN:chr1\tLN:10000\n"+
		"w\t0\tchr1\t100\t255\t50M\t*\t0\t0\t*\t*\tNM:i:0\tNH:i:3\tCC:Z:chr1\tCP:i:150\tS1:f:5.00\tS2:f:4.50\n")
}

func TestPairedEnd(t *testing.T) {
	lines := []string{
		// One valid pair.
		"c1\tp/1\tchr1\t+\t100,149\t0\t0\tfalse\t0\t5\t1\t1\t0",
		"c1\tp/2\tchr1\t-\t300,349\t1\t0\tfalse\t0\t5\t1\t1\t0",
		// Two valid pairs.
		"c1\tq/1\tchr1\t+\t1000,1049\t0\t0\tfalse\t0\t6\t2\t2\t0",
		"c1\tq/1\tchr1\t+\t5000,5049\t0\t0\tfalse\t0\t3\t2\t2\t0",
		"c1\tq/2\tchr1\t-\t1200,1249\t0\t0\tfalse\t0\t6\t2\t2\t0",
		"c1\tq/2\tchr1\t-\t5200,5249\t0\t0\tfalse\t0\t2\t2\t2\t0",
		// No valid pair, one location each.
		"c2\td/1\tchr1\t+\t7000,7049\t0\t0\tfalse\t0\t1\t1\t0\t0",
		"c2\td/2\tchr2\t-\t100,149\t0\t0\tfalse\t0\t1\t1\t0\t0",
		// No valid pair, several locations.
		"c2\tx/1\tchr1\t+\t8000,8049\t0\t0\tfalse\t0\t1\t2\t0\t0",
		"c2\tx/1\tchr1\t+\t9000,9049\t0\t0\tfalse\t0\t1\t2\t0\t0",
		"c2\tx/2\tchr3\t-\t10,59\t0\t0\tfalse\t0\t1\t1\t0\t0",
		// Mate missing.
		"c3\ts/1\tchr2\t-\t300,349\t0\t0\tfalse\t0\t1\t1\t0\t0",
	}
	opts := DefaultOpts
	opts.Paired = true
	opts.MaxContextSize = 500
	got, stats := runResolver(t, opts, lines, nil)
	expect.EQ(t, got, "@SQ\tSN:chr1\tLN:10000\n@SQ\tSN:chr2\tLN:20000\n"+
		"p\t99\tchr1\t100\t255\t50M\t=\t300\t250\t*\t*\tNM:i:0\tNH:i:1\n"+
		"p\t147\tchr1\t300\t255\t50M\t=\t100\t-250\t*\t*\tNM:i:1\tNH:i:1\n"+
		"d\t65\tchr1\t7000\t255\t50M\tchr2\t0\t0\t*\t*\tNM:i:0\tNH:i:1\n"+
		"q\t99\tchr1\t1000\t255\t50M\t=\t1200\t250\t*\t*\tNM:i:0\tNH:i:2\tCC:Z:chr1\tCP:i:5000\tS1:f:12.00\tS2:f:5.00\n"+
		"q\t147\tchr1\t1200\t255\t50M\t=\t1000\t-250\t*\t*\tNM:i:0\tNH:i:2\tCC:Z:chr1\tCP:i:5200\tS1:f:12.00\tS2:f:5.00\n"+
		"d\t145\tchr2\t100\t255\t50M\tchr1\t0\t0\t*\t*\tNM:i:0\tNH:i:1\n"+
		"s\t89\tchr2\t300\t255\t50M\t*\t0\t0\t*\t*\tNM:i:0\tNH:i:1\n")
	expect.EQ(t, stats, Stats{Groups: 5, Unique: 2, Multi: 1, Discordant: 1, Dropped: 1, Lines: 7})
}

func TestStoreFlushDuringScan(t *testing.T) {
	var lines []string
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		lines = append(lines,
			"c\t"+id+"\tchr1\t+\t100,149\t0\t0\tfalse\t0\t9\t2\t0\t0",
			"c\t"+id+"\tchr1\t+\t200,249\t0\t0\tfalse\t0\t5\t2\t0\t0")
	}
	opts := DefaultOpts
	opts.Stream.BatchSize = 2
	got, stats := runResolver(t, opts, lines, nil)
	var want strings.Builder
	want.WriteString("@SQ\tSN:chr1\tLN:10000\n")
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		want.WriteString(id + "\t0\tchr1\t100\t255\t50M\t*\t0\t0\t*\t*\tNM:i:0\tNH:i:2\tCC:Z:chr1\tCP:i:200\tS1:f:9.00\tS2:f:5.00\n")
	}
	expect.EQ(t, got, want.String())
	expect.EQ(t, stats.Multi, int64(5))
}

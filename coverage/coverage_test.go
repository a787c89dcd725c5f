// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package coverage

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/friedel-lab/ContextMap2/interval"
	"github.com/friedel-lab/ContextMap2/stream"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestMaxWindowCoverage(t *testing.T) {
	ivs := []Interval{{1, 50}, {40, 120}, {90, 110}, {95, 99}, {301, 350}}
	// Windows of 100: [1,100] holds 4, [101,200] holds 2, [301,400] holds 1.
	expect.EQ(t, MaxWindowCoverage(ivs, 100, nil), 4)
	expect.EQ(t, MaxWindowCoverage(ivs, 1000, nil), 5)
	expect.EQ(t, MaxWindowCoverage(ivs, 10, nil), 3)
	expect.EQ(t, MaxWindowCoverage(nil, 10, nil), 0)

	skipFirst := func(pos int) bool { return pos > 100 }
	expect.EQ(t, MaxWindowCoverage(ivs, 100, skipFirst), 2)
}

func TestMedian(t *testing.T) {
	expect.EQ(t, median(nil), 0.0)
	expect.EQ(t, median([]int{3}), 3.0)
	expect.EQ(t, median([]int{5, 1, 3}), 3.0)
	expect.EQ(t, median([]int{4, 1, 3, 10}), 3.5)
}

func TestCutoff(t *testing.T) {
	locations := map[Key][]Interval{
		{"chr1", '+'}: {{1, 50}, {40, 120}, {90, 110}},
		{"chr1", '-'}: {{1, 50}},
		{"chr2", '+'}: {{1, 10}, {5, 15}},
	}
	opts := DefaultOpts
	c, err := Cutoff(opts, locations, nil)
	assert.NoError(t, err)
	expect.EQ(t, c, 0.0)

	opts.Factor = 0.5
	opts.WindowSizes = []int{100}
	c, err = Cutoff(opts, locations, nil)
	assert.NoError(t, err)
	// Maxima 3, 1, 2.
	expect.EQ(t, c, 1.0)

	features := interval.NewIndex()
	assert.NoError(t, features.Add("chr1", "phage", 100, 500))
	c, err = Cutoff(opts, locations, features)
	assert.NoError(t, err)
	// chr1 only counts windows from position 101: maxima 2, 0, 2.
	expect.EQ(t, c, 1.0)

	opts.WindowSizes = []int{0}
	_, err = Cutoff(opts, locations, nil)
	expect.NotNil(t, err)
}

func TestCollect(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tempDir, "candidates.tsv")
	lines := []string{
		"c1\tr1\tchr1\t+\t100,149\t0\t0\tfalse\t0\t3\t1\t0\t0",
		"c1\tr2\tchr1\t-\t100,120,500,528\t0\t+\tfalse\t0\t3\t1\t0\t0",
		"c1\tr3\tchr1\t-\t100,149,0,-40\t0\t0\tfalse\t0\t3\t1\t0\t0",
		"c1\tbad\tchr1\t+\t100\t0\t0\tfalse\t0\t3\t1\t0\t0",
		"c1\tclip\tchr1\t+\t-5,-3\t0\t0\tfalse\t0\t3\t1\t0\t0",
	}
	assert.NoError(t, ioutil.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	opts := DefaultOpts
	locations, err := Collect(opts, path, stream.DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, locations, map[Key][]Interval{
		{Chr: "chr1"}: {{100, 149}, {100, 528}, {100, 149}},
	})

	opts.StrandSpecific = true
	locations, err = Collect(opts, path, stream.DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, locations, map[Key][]Interval{
		{"chr1", '+'}: {{100, 149}},
		{"chr1", '-'}: {{100, 528}, {100, 149}},
	})
}

// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package filter

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/friedel-lab/ContextMap2/location"
	"github.com/friedel-lab/ContextMap2/resolve"
	"github.com/friedel-lab/ContextMap2/stream"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func candidate(ctx, id, chr string, strand byte, start, end, mism int) string {
	return fmt.Sprintf("%s\t%s\t%s\t%c\t%d,%d\t%d\t0\tfalse\t0\t%d\t9\t9\t0",
		ctx, id, chr, strand, start, end, mism, end-start+1-mism)
}

func writeLines(t *testing.T, dir, name string, lines []string) string {
	path := filepath.Join(dir, name)
	assert.NoError(t, ioutil.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func readLines(t *testing.T, path string) []string {
	data, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	s := strings.TrimSuffix(string(data), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestSingleEnd(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := writeLines(t, tempDir, "in.tsv", []string{
		candidate("c1", "r1", "chr1", '+', 100, 149, 0),
		candidate("c1", "r1", "chr1", '+', 500, 549, 1),
		candidate("c1", "r1", "chr2", '-', 100, 149, 2),
		candidate("c1", "r2", "chr1", '+', 700, 749, 3),
		"c1\tr3\tchr1\t+\t100\t0\t0\tfalse\t0\t3\t1\t0\t0",
		candidate("c2", "r4", "chr1", '-', 900, 949, 2),
		candidate("c2", "r4", "chr1", '-', 990, 1039, 4),
	})
	out := filepath.Join(tempDir, "out.tsv")
	opts := DefaultOpts
	opts.Parallelism = 1
	stats, err := Run(vcontext.Background(), opts, in, out)
	assert.NoError(t, err)
	expect.EQ(t, stats, Stats{Groups: 4, Records: 7, Kept: 4, Skipped: 1})
	expect.EQ(t, readLines(t, out), []string{
		"c1\tr1\tchr1\t+\t100,149\t0\t0\tfalse\t0.00\t50.00\t2\t9\t0",
		"c1\tr1\tchr1\t+\t500,549\t1\t0\tfalse\t0.00\t49.00\t2\t9\t0",
		"c1\tr2\tchr1\t+\t700,749\t3\t0\tfalse\t0.00\t47.00\t1\t9\t0",
		"c2\tr4\tchr1\t-\t900,949\t2\t0\tfalse\t0.00\t48.00\t1\t9\t0",
	})
	_, err = ioutil.ReadFile(PartPath(out, 0))
	expect.NotNil(t, err)
}

func TestPaired(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := writeLines(t, tempDir, "in.tsv", []string{
		candidate("c1", "p1/1", "chr1", '+', 100, 149, 0),
		candidate("c1", "p1/1", "chr2", '+', 100, 149, 1),
		candidate("c1", "p1/2", "chr1", '-', 300, 349, 0),
		candidate("c1", "p2/1", "chr1", '+', 100, 149, 0),
		candidate("c1", "p2/2", "chr1", '+', 300, 349, 0),
		candidate("c1", "p3/1", "chr1", '+', 100, 149, 0),
		candidate("c1", "p3/2", "chr1", '-', 20100, 20149, 0),
	})
	out := filepath.Join(tempDir, "out.tsv")
	opts := DefaultOpts
	opts.Paired = true
	opts.Parallelism = 1
	stats, err := Run(vcontext.Background(), opts, in, out)
	assert.NoError(t, err)
	expect.EQ(t, stats.Groups, int64(3))
	expect.EQ(t, stats.Kept, int64(7))
	expect.EQ(t, readLines(t, out), []string{
		"c1\tp1/1\tchr1\t+\t100,149\t0\t0\tfalse\t0.00\t50.00\t2\t1\t0",
		"c1\tp1/1\tchr2\t+\t100,149\t1\t0\tfalse\t0.00\t49.00\t2\t1\t0",
		"c1\tp1/2\tchr1\t-\t300,349\t0\t0\tfalse\t0.00\t50.00\t1\t1\t0",
		// Same strand: not a valid pair.
		"c1\tp2/1\tchr1\t+\t100,149\t0\t0\tfalse\t0.00\t50.00\t1\t0\t0",
		"c1\tp2/2\tchr1\t+\t300,349\t0\t0\tfalse\t0.00\t50.00\t1\t0\t0",
		// Mates 20kb apart still form a valid pair.
		"c1\tp3/1\tchr1\t+\t100,149\t0\t0\tfalse\t0.00\t50.00\t1\t1\t0",
		"c1\tp3/2\tchr1\t-\t20100,20149\t0\t0\tfalse\t0.00\t50.00\t1\t1\t0",
	})
	// Filtering and resolving agree on which pairs are valid.
	expect.EQ(t, DefaultOpts.MaxContextSize, resolve.DefaultOpts.MaxContextSize)
}

func syntheticCandidates(n int, paired bool) []string {
	var lines []string
	x := uint32(1)
	next := func() int {
		x = x*1664525 + 1013904223
		return int(x >> 24)
	}
	for i := 0; i < n; i++ {
		ctx := fmt.Sprintf("c%d", i/17)
		ids := []string{fmt.Sprintf("r%d", i)}
		if paired {
			ids = []string{fmt.Sprintf("r%d/1", i), fmt.Sprintf("r%d/2", i)}
		}
		for m, id := range ids {
			strand := byte('+')
			if m == 1 {
				strand = '-'
			}
			for k := 1 + next()%3; k > 0; k-- {
				start := 1 + next()*100
				lines = append(lines, candidate(ctx, id, "chr1", strand, start, start+49, next()%4))
			}
		}
	}
	return lines
}

func TestPartitions(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	for _, paired := range []bool{false, true} {
		in := writeLines(t, tempDir, fmt.Sprintf("in-%v.tsv", paired), syntheticCandidates(300, paired))
		data, err := ioutil.ReadFile(in)
		require.NoError(t, err)
		f, err := stream.Open(in, false, 0)
		require.NoError(t, err)
		parts, err := Partitions(f, 7, paired)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		require.True(t, len(parts) > 1)
		expect.EQ(t, parts[0].Start, int64(0))
		expect.EQ(t, parts[len(parts)-1].End, int64(len(data)))
		for i, p := range parts {
			require.True(t, p.Start < p.End)
			if i == 0 {
				continue
			}
			expect.EQ(t, p.Start, parts[i-1].End)
			require.Equal(t, byte('\n'), data[p.Start-1])
			prevStart := bytes.LastIndexByte(data[:p.Start-1], '\n') + 1
			prev, ok := location.ReadIDField(data[prevStart : p.Start-1])
			require.True(t, ok)
			cur, ok := location.ReadIDField(data[p.Start:])
			require.True(t, ok)
			expect.False(t, bytes.Equal(groupKey(prev, paired), groupKey(cur, paired)))
		}
	}
}

func TestParallelMatchesSerial(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	for _, paired := range []bool{false, true} {
		in := writeLines(t, tempDir, "in.tsv", syntheticCandidates(500, paired))
		opts := DefaultOpts
		opts.Paired = paired

		opts.Parallelism = 1
		serialPath := filepath.Join(tempDir, "serial.tsv")
		serialStats, err := Run(ctx, opts, in, serialPath)
		assert.NoError(t, err)

		opts.Parallelism = 6
		opts.Stream.Mmap = true
		parallelPath := filepath.Join(tempDir, "parallel.tsv")
		parallelStats, err := Run(ctx, opts, in, parallelPath)
		assert.NoError(t, err)

		expect.EQ(t, parallelStats, serialStats)
		serial, err := ioutil.ReadFile(serialPath)
		assert.NoError(t, err)
		parallel, err := ioutil.ReadFile(parallelPath)
		assert.NoError(t, err)
		expect.True(t, len(serial) > 0)
		expect.EQ(t, string(parallel), string(serial))
	}
}

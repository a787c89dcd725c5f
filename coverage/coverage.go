// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package coverage derives the score-difference cutoff of the resolver from
// the window coverage of the candidate locations.
//
// Locations are grouped by chromosome and strand. For every group and every
// window size, the genome is tiled with windows starting at position 1 and
// the largest number of locations overlapping one window is taken. The
// cutoff is Factor times the median of these per-group maxima.
package coverage

import (
	"fmt"
	"io"
	"sort"

	"github.com/friedel-lab/ContextMap2/interval"
	"github.com/friedel-lab/ContextMap2/location"
	"github.com/friedel-lab/ContextMap2/stream"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// Key identifies a group of locations. Strand is zero when strands are
// pooled.
type Key struct {
	Chr    string
	Strand byte
}

// Interval is a 1-based closed genomic range.
type Interval struct {
	Start, End int
}

// Opts configures Cutoff.
type Opts struct {
	// WindowSizes lists the window widths to tile the genome with.
	WindowSizes []int
	// Factor scales the median maximal coverage into the cutoff. Zero
	// disables the computation.
	Factor float64
	// StrandSpecific keeps the strands of a chromosome apart.
	StrandSpecific bool
}

// DefaultOpts holds the default coverage options.
var DefaultOpts = Opts{
	WindowSizes: []int{500},
}

// MaxWindowCoverage returns the largest number of intervals overlapping one
// window of width w. Windows tile the chromosome from position 1. If
// inFeature is non-nil, only windows whose first position it accepts count.
func MaxWindowCoverage(intervals []Interval, w int, inFeature func(pos int) bool) int {
	counts := make(map[int]int)
	max := 0
	for _, iv := range intervals {
		for win := (iv.Start - 1) / w; win <= (iv.End-1)/w; win++ {
			counts[win]++
			if counts[win] > max && (inFeature == nil || inFeature(win*w+1)) {
				max = counts[win]
			}
		}
	}
	return max
}

func median(v []int) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]int(nil), v...)
	sort.Ints(s)
	n := len(s)
	if n%2 == 1 {
		return float64(s[n/2])
	}
	return float64(s[n/2-1]+s[n/2]) / 2
}

// Cutoff computes the score-difference cutoff from locations. features, when
// non-nil, restricts the windows of chromosomes it covers to windows
// starting inside a feature. Groups are processed in parallel and share no
// mutable state.
func Cutoff(opts Opts, locations map[Key][]Interval, features *interval.Index) (float64, error) {
	if opts.Factor == 0 || len(locations) == 0 {
		return 0, nil
	}
	for _, w := range opts.WindowSizes {
		if w <= 0 {
			return 0, errors.E(errors.Invalid, fmt.Sprintf("coverage: window size %d", w))
		}
	}
	keys := make([]Key, 0, len(locations))
	for k := range locations {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Chr != keys[j].Chr {
			return keys[i].Chr < keys[j].Chr
		}
		return keys[i].Strand < keys[j].Strand
	})
	maxima := make([]int, len(keys))
	err := traverse.Each(len(keys), func(i int) error {
		k := keys[i]
		var inFeature func(int) bool
		if features != nil && features.Has(k.Chr) {
			inFeature = func(pos int) bool {
				_, ok := features.Lookup(k.Chr, pos)
				return ok
			}
		}
		for _, w := range opts.WindowSizes {
			if c := MaxWindowCoverage(locations[k], w, inFeature); c > maxima[i] {
				maxima[i] = c
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m := median(maxima)
	log.Debug.Printf("coverage: %d groups, median maximal window coverage %.1f", len(keys), m)
	return opts.Factor * m, nil
}

// Collect reads the locations of a candidate file, grouped for Cutoff.
// Unparseable records are skipped.
func Collect(opts Opts, path string, streamOpts stream.Opts) (map[Key][]Interval, error) {
	f, err := stream.Open(path, streamOpts.Mmap, streamOpts.BufferSize)
	if err != nil {
		return nil, err
	}
	locations := make(map[Key][]Interval)
	cur := f.NewCursor()
	var (
		pool    location.SegmentPool
		skipped int
	)
	for {
		off := cur.Offset()
		line, err := cur.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close() // nolint: errcheck
			return nil, err
		}
		if len(line) == 0 {
			continue
		}
		pool.Reset()
		rec, err := location.ParseRecord(line, &pool)
		if err != nil {
			skipped++
			log.Debug.Printf("%s:%d: %v", path, off, err)
			continue
		}
		k := Key{Chr: rec.Chr}
		if opts.StrandSpecific {
			k.Strand = rec.Strand
		}
		locations[k] = append(locations[k], Interval{rec.Start(), rec.End()})
	}
	if skipped > 0 {
		log.Printf("%s: skipped %d malformed records", path, skipped)
	}
	if err := f.Close(); err != nil {
		return nil, errors.E(err, "close", path)
	}
	return locations, nil
}

// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package interval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	ivt "github.com/biogo/store/interval"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/klauspost/compress/gzip"
)

// Feature is a named region, 0-based and half-open like a BED entry.
type Feature struct {
	Chr        string
	Name       string
	Start, End int
	id         uintptr
}

// Overlap implements ivt.IntOverlapper.
func (f *Feature) Overlap(b ivt.IntRange) bool {
	return f.Start < b.End && b.Start < f.End
}

// ID implements ivt.IntInterface.
func (f *Feature) ID() uintptr { return f.id }

// Range implements ivt.IntInterface.
func (f *Feature) Range() ivt.IntRange {
	return ivt.IntRange{Start: f.Start, End: f.End}
}

func (f *Feature) String() string {
	return fmt.Sprintf("%s:%d-%d(%s)", f.Chr, f.Start, f.End, f.Name)
}

type query struct{ start, end int }

func (q query) Overlap(b ivt.IntRange) bool {
	return q.start < b.End && b.Start < q.end
}

// Index holds features in one interval tree per chromosome. Features may
// overlap. An Index is safe for concurrent lookups once loaded.
type Index struct {
	trees map[string]*ivt.IntTree
	n     uintptr
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{trees: make(map[string]*ivt.IntTree)}
}

// Add inserts the feature [start, end) of chr.
func (x *Index) Add(chr, name string, start, end int) error {
	if end <= start {
		return fmt.Errorf("interval: empty feature %s %s:%d-%d", name, chr, start, end)
	}
	t := x.trees[chr]
	if t == nil {
		t = &ivt.IntTree{}
		x.trees[chr] = t
	}
	x.n++
	return t.Insert(&Feature{Chr: chr, Name: name, Start: start, End: end, id: x.n}, false)
}

// Len returns the number of features.
func (x *Index) Len() int { return int(x.n) }

// Has reports whether chr carries any feature.
func (x *Index) Has(chr string) bool {
	t := x.trees[chr]
	return t != nil && t.Len() > 0
}

// Overlapping returns the features of chr overlapping [start, end), ordered
// by start and then by insertion order.
func (x *Index) Overlapping(chr string, start, end int) []*Feature {
	t := x.trees[chr]
	if t == nil || end <= start {
		return nil
	}
	hits := t.Get(query{start, end})
	features := make([]*Feature, len(hits))
	for i, h := range hits {
		features[i] = h.(*Feature)
	}
	sort.Slice(features, func(i, j int) bool {
		if features[i].Start != features[j].Start {
			return features[i].Start < features[j].Start
		}
		return features[i].id < features[j].id
	})
	return features
}

// Lookup returns the name of the first feature covering the 1-based
// position pos of chr.
func (x *Index) Lookup(chr string, pos int) (string, bool) {
	features := x.Overlapping(chr, pos-1, pos)
	if len(features) == 0 {
		return "", false
	}
	return features[0].Name, true
}

// bedFields stores up to len(fields) whitespace-separated fields of line and
// returns how many it found.
func bedFields(fields [][]byte, line []byte) int {
	end := 0
	n := len(line)
	for i := range fields {
		pos := end
		for ; pos != n; pos++ {
			if line[pos] > ' ' {
				break
			}
		}
		if pos == n {
			return i
		}
		end = pos
		for ; end != n; end++ {
			if line[end] <= ' ' {
				break
			}
		}
		fields[i] = line[pos:end]
	}
	return len(fields)
}

// ReadBED adds the entries of a BED stream to x. The fourth column, when
// present, names the feature; otherwise the chromosome name is used. Track,
// browser and comment lines are skipped.
func ReadBED(r io.Reader, x *Index) error {
	scanner := bufio.NewScanner(r)
	var fields [4][]byte
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		line := scanner.Bytes()
		n := bedFields(fields[:], line)
		if n == 0 || fields[0][0] == '#' || string(fields[0]) == "track" || string(fields[0]) == "browser" {
			continue
		}
		if n < 3 {
			return fmt.Errorf("interval.ReadBED: line %d has fewer than 3 fields", lineIdx)
		}
		start, err := strconv.Atoi(gunsafe.BytesToString(fields[1]))
		if err != nil {
			return fmt.Errorf("interval.ReadBED: line %d: %v", lineIdx, err)
		}
		end, err := strconv.Atoi(gunsafe.BytesToString(fields[2]))
		if err != nil {
			return fmt.Errorf("interval.ReadBED: line %d: %v", lineIdx, err)
		}
		chr := string(fields[0])
		name := chr
		if n == 4 {
			name = string(fields[3])
		}
		if err := x.Add(chr, name, start, end); err != nil {
			return fmt.Errorf("interval.ReadBED: line %d: %v", lineIdx, err)
		}
	}
	return scanner.Err()
}

// NewIndexFromPath loads a BED file, optionally gzipped, into a new Index.
func NewIndexFromPath(ctx context.Context, path string) (x *Index, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return nil, errors.E(err, "open features", path)
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(in.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return nil, errors.E(err, "gunzip", path)
		}
	}
	x = NewIndex()
	if err = ReadBED(reader, x); err != nil {
		return nil, errors.E(err, path)
	}
	log.Printf("%s: loaded %d features on %d chromosomes", path, x.Len(), len(x.trees))
	return x, nil
}

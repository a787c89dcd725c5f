// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package reference gives random access to the genome the candidates were
// mapped against. A FASTA file is either held in memory or, when a samtools
// faidx index is present, read on demand. Callers extract a Window around a
// genomic context and compare read bases against it.
//
// FASTA sequence names are the characters after '>' up to the first space:
// '>chr1 primary assembly' names 'chr1'.
package reference

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const maxLineSize = 1 << 28

// Genome is a set of named sequences.
type Genome interface {
	// Get returns the bases of seqName in the 0-based half-open interval
	// [start, end). Get is thread-safe.
	Get(seqName string, start, end int) (string, error)

	// Len returns the length of the given sequence.
	Len(seqName string) (int, error)

	// SeqNames returns the names of all sequences in file order.
	SeqNames() []string
}

type memGenome struct {
	seqs     map[string]string
	seqNames []string
}

// New reads every sequence of a FASTA stream into memory. Bases are
// capitalized and anything other than ACGT becomes N.
func New(r io.Reader) (Genome, error) {
	g := &memGenome{seqs: make(map[string]string)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxLineSize)
	var (
		name string
		seq  []byte
	)
	store := func() error {
		if name == "" {
			if len(seq) != 0 {
				return errors.Errorf("malformed FASTA: bases before the first header")
			}
			return nil
		}
		if _, ok := g.seqs[name]; ok {
			return errors.Errorf("duplicate FASTA sequence %s", name)
		}
		Clean(seq)
		g.seqs[name] = string(seq)
		g.seqNames = append(g.seqNames, name)
		seq = seq[:0]
		return nil
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			if err := store(); err != nil {
				return nil, err
			}
			name = seqName(string(line[1:]))
			continue
		}
		seq = append(seq, line...)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read FASTA data")
	}
	if err := store(); err != nil {
		return nil, err
	}
	return g, nil
}

func seqName(header string) string {
	if i := strings.IndexAny(header, " \t"); i >= 0 {
		return header[:i]
	}
	return header
}

func (g *memGenome) Get(seqName string, start, end int) (string, error) {
	s, ok := g.seqs[seqName]
	if !ok {
		return "", errors.Errorf("sequence not found: %s", seqName)
	}
	if end <= start {
		return "", errors.Errorf("start must be less than end")
	}
	if start < 0 || end > len(s) {
		return "", errors.Errorf("invalid query range %d - %d for sequence %s with length %d",
			start, end, seqName, len(s))
	}
	return s[start:end], nil
}

func (g *memGenome) Len(seqName string) (int, error) {
	s, ok := g.seqs[seqName]
	if !ok {
		return 0, errors.Errorf("sequence not found: %s", seqName)
	}
	return len(s), nil
}

func (g *memGenome) SeqNames() []string { return g.seqNames }

// IndexEntry is one line of a .fai file.
type IndexEntry struct {
	Name string
	// Length is the number of bases.
	Length int
	// Offset is the byte offset of the first base.
	Offset int64
	// LineBases and LineWidth are the bases and bytes (with the line
	// terminator) per full line.
	LineBases, LineWidth int
}

// ReadIndex parses a .fai stream.
func ReadIndex(r io.Reader) ([]IndexEntry, error) {
	var entries []IndexEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		f := strings.Split(line, "\t")
		if len(f) < 5 {
			return nil, errors.Errorf("invalid index line: %s", line)
		}
		var (
			e   = IndexEntry{Name: f[0]}
			err error
		)
		if e.Length, err = strconv.Atoi(f[1]); err == nil {
			if e.Offset, err = strconv.ParseInt(f[2], 10, 64); err == nil {
				if e.LineBases, err = strconv.Atoi(f[3]); err == nil {
					e.LineWidth, err = strconv.Atoi(f[4])
				}
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "invalid index line: %s", line)
		}
		if e.LineBases <= 0 || e.LineWidth < e.LineBases {
			return nil, errors.Errorf("invalid line geometry in index line: %s", line)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read FASTA index")
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	return entries, nil
}

type indexedGenome struct {
	seqs     map[string]IndexEntry
	seqNames []string
	mu       sync.Mutex
	r        io.ReadSeeker
	bufOff   int64
	buf      []byte // file contents starting at bufOff
	result   []byte
}

// NewIndexed creates a Genome that reads bases from fasta on demand, using
// the given .fai index.
func NewIndexed(fasta io.ReadSeeker, index io.Reader) (Genome, error) {
	entries, err := ReadIndex(index)
	if err != nil {
		return nil, err
	}
	g := &indexedGenome{seqs: make(map[string]IndexEntry, len(entries)), r: fasta}
	for _, e := range entries {
		g.seqs[e.Name] = e
		g.seqNames = append(g.seqNames, e.Name)
	}
	return g, nil
}

func (g *indexedGenome) Len(seqName string) (int, error) {
	e, ok := g.seqs[seqName]
	if !ok {
		return 0, errors.Errorf("sequence not found in index: %s", seqName)
	}
	return e.Length, nil
}

func (g *indexedGenome) SeqNames() []string { return g.seqNames }

// read returns the file bytes [off, off+n). REQUIRES: g.mu is held.
func (g *indexedGenome) read(off int64, n int) ([]byte, error) {
	limit := off + int64(n)
	if off >= g.bufOff && limit <= g.bufOff+int64(len(g.buf)) {
		return g.buf[off-g.bufOff : limit-g.bufOff], nil
	}
	if _, err := g.r.Seek(off, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "seek to offset %d", off)
	}
	size := 64 << 10
	if size < n {
		size = n
	}
	if cap(g.buf) < size {
		g.buf = make([]byte, size)
	}
	g.buf = g.buf[:size]
	got, err := io.ReadAtLeast(g.r, g.buf, n)
	if err != nil {
		g.buf = g.buf[:0]
		return nil, errors.Wrap(err, "unexpected end of FASTA (bad index?)")
	}
	g.bufOff = off
	g.buf = g.buf[:got]
	return g.buf[:n], nil
}

func (g *indexedGenome) Get(seqName string, start, end int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if end <= start {
		return "", errors.Errorf("start must be less than end")
	}
	e, ok := g.seqs[seqName]
	if !ok {
		return "", errors.Errorf("sequence not found in index: %s", seqName)
	}
	if start < 0 || end > e.Length {
		return "", errors.Errorf("invalid query range %d - %d for sequence %s with length %d",
			start, end, seqName, e.Length)
	}
	// Account for the line terminators between the sequence start and the
	// first requested base, and inside the requested range.
	terminator := e.LineWidth - e.LineBases
	offset := e.Offset + int64(start) + int64(terminator*(start/e.LineBases))
	lastOffset := e.Offset + int64(end-1) + int64(terminator*((end-1)/e.LineBases))
	raw, err := g.read(offset, int(lastOffset-offset)+1)
	if err != nil {
		return "", errors.Wrapf(err, "read %s:%d-%d", seqName, start, end)
	}
	g.result = g.result[:0]
	linePos := start % e.LineBases
	for i := 0; i < len(raw); {
		n := e.LineBases - linePos
		if n > len(raw)-i {
			n = len(raw) - i
		}
		g.result = append(g.result, raw[i:i+n]...)
		i += n + terminator
		linePos = 0
	}
	Clean(g.result)
	return string(g.result), nil
}

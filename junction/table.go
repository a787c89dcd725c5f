// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package junction holds split positions: the genome-wide table of known or
// promoted junctions, and the per-context evidence collected while
// extending reads.
//
// A junction joins the last base A of an upstream block (the donor side) to
// the first base B of a downstream block (the acceptor side).
package junction

import (
	"bufio"
	"context"
	"io"
	"sort"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Side selects which end of a junction a position refers to.
type Side uint8

const (
	// Donor is the last base of the upstream block.
	Donor Side = iota
	// Acceptor is the first base of the downstream block.
	Acceptor
)

// site is one position of a chromosome together with the sorted positions it
// is joined to.
type site struct {
	pos      int
	partners []int
}

// Compare implements llrb.Comparable.
func (s *site) Compare(c llrb.Comparable) int {
	return s.pos - c.(*site).pos
}

func (s *site) add(p int) bool {
	i := sort.SearchInts(s.partners, p)
	if i < len(s.partners) && s.partners[i] == p {
		return false
	}
	s.partners = append(s.partners, 0)
	copy(s.partners[i+1:], s.partners[i:])
	s.partners[i] = p
	return true
}

type chrSites struct {
	donors, acceptors llrb.Tree
}

func (c *chrSites) tree(side Side) *llrb.Tree {
	if side == Donor {
		return &c.donors
	}
	return &c.acceptors
}

// Table maps split positions to their partner positions, per chromosome.
// A Table is not thread safe; it may be shared once it is no longer
// modified.
type Table struct {
	chrs map[string]*chrSites
	n    int
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{chrs: make(map[string]*chrSites)}
}

// Add records the junction chr:a-b. It returns false if it was already
// present.
func (t *Table) Add(chr string, a, b int) bool {
	c := t.chrs[chr]
	if c == nil {
		c = &chrSites{}
		t.chrs[chr] = c
	}
	if !addSite(&c.donors, a, b) {
		return false
	}
	addSite(&c.acceptors, b, a)
	t.n++
	return true
}

func addSite(tree *llrb.Tree, pos, partner int) bool {
	if found := tree.Get(&site{pos: pos}); found != nil {
		return found.(*site).add(partner)
	}
	tree.Insert(&site{pos: pos, partners: []int{partner}})
	return true
}

// Len returns the number of junctions in t.
func (t *Table) Len() int { return t.n }

// Has reports whether t holds the junction chr:a-b.
func (t *Table) Has(chr string, a, b int) bool {
	for _, p := range t.Partners(chr, Donor, a) {
		if p == b {
			return true
		}
	}
	return false
}

// Partners returns the positions joined to pos, which is on the given side.
// The result is sorted and must not be modified.
func (t *Table) Partners(chr string, side Side, pos int) []int {
	c := t.chrs[chr]
	if c == nil {
		return nil
	}
	if found := c.tree(side).Get(&site{pos: pos}); found != nil {
		return found.(*site).partners
	}
	return nil
}

// Range calls fn for every position of the given side in [from, to), in
// increasing order, until fn returns false.
func (t *Table) Range(chr string, side Side, from, to int, fn func(pos int, partners []int) bool) {
	c := t.chrs[chr]
	if c == nil || from >= to {
		return
	}
	c.tree(side).DoRange(func(item llrb.Comparable) bool {
		s := item.(*site)
		return !fn(s.pos, s.partners)
	}, &site{pos: from}, &site{pos: to})
}

// Row is one line of a junction file.
type Row struct {
	Chr      string
	Donor    int
	Acceptor int
	Strand   string
}

// Load reads known junctions from a tab-separated file with columns chr,
// donor, acceptor and strand. Lines starting with '#' are ignored. The file
// may be compressed.
func Load(ctx context.Context, path string) (t *Table, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open junctions", path)
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	var r io.Reader = in.Reader(ctx)
	if u, _ := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	t = NewTable()
	if err = Read(bufio.NewReaderSize(r, 64<<10), t); err != nil {
		return nil, errors.E(err, "read junctions", path)
	}
	log.Printf("%s: loaded %d junctions", path, t.Len())
	return t, nil
}

// Read adds the junctions of a tab-separated stream to t.
func Read(r io.Reader, t *Table) error {
	tr := tsv.NewReader(r)
	tr.Comment = '#'
	var row Row
	for {
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if row.Acceptor <= row.Donor {
			log.Debug.Printf("ignoring junction %s:%d-%d", row.Chr, row.Donor, row.Acceptor)
			continue
		}
		t.Add(row.Chr, row.Donor, row.Acceptor)
	}
}

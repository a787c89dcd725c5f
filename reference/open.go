// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package reference

import (
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Reference is a Genome backed by a file. Close releases the file.
type Reference struct {
	Genome
	in file.File
}

// Open opens a FASTA file. When path.fai exists the genome is read on
// demand through the index; otherwise it is loaded into memory, decompressing
// it if needed.
func Open(ctx context.Context, path string) (*Reference, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open reference", path)
	}
	if idx, err := file.Open(ctx, path+".fai"); err == nil {
		g, err := NewIndexed(in.Reader(ctx), idx.Reader(ctx))
		if cerr := idx.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = in.Close(ctx)
			return nil, errors.E(err, "open indexed reference", path)
		}
		log.Printf("%s: indexed reference with %d sequences", path, len(g.SeqNames()))
		return &Reference{Genome: g, in: in}, nil
	}
	var r io.Reader = in.Reader(ctx)
	if u, _ := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	g, err := New(r)
	if cerr := in.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.E(err, "load reference", path)
	}
	log.Printf("%s: loaded %d sequences", path, len(g.SeqNames()))
	return &Reference{Genome: g}, nil
}

// Close closes the underlying file, if any.
func (r *Reference) Close(ctx context.Context) error {
	if r.in == nil {
		return nil
	}
	return r.in.Close(ctx)
}

// Lengths returns the length of every sequence of g.
func Lengths(g Genome) (map[string]int, error) {
	lengths := make(map[string]int, len(g.SeqNames()))
	for _, name := range g.SeqNames() {
		n, err := g.Len(name)
		if err != nil {
			return nil, err
		}
		lengths[name] = n
	}
	return lengths, nil
}

type lengthRow struct {
	Chr string
	Len int64
}

// ReadLengths reads chromosome lengths from a .fai file or from a
// two-column (name, length) tab-separated file.
func ReadLengths(ctx context.Context, path string) (lengths map[string]int, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open lengths", path)
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	lengths = make(map[string]int)
	if strings.HasSuffix(path, ".fai") {
		entries, err := ReadIndex(in.Reader(ctx))
		if err != nil {
			return nil, errors.E(err, path)
		}
		for _, e := range entries {
			lengths[e.Name] = e.Length
		}
		return lengths, nil
	}
	r := tsv.NewReader(in.Reader(ctx))
	r.Comment = '#'
	var row lengthRow
	for {
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(err, "read lengths", path)
		}
		lengths[row.Chr] = int(row.Len)
	}
	return lengths, nil
}

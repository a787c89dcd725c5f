// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package reconstruct

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/friedel-lab/ContextMap2/location"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

const sinkBufferSize = 1 << 20

type chrOutput struct {
	path  string
	out   file.File
	w     *bufio.Writer
	lines int64
}

// Sink writes output lines into one temporary file per chromosome,
// "<path>.<chr>". Finish assembles them into "<path>" behind a header.
// A Sink is not thread safe.
type Sink struct {
	ctx  context.Context
	path string
	chrs map[string]*chrOutput
	buf  []byte
}

// NewSink creates a sink whose final output is path.
func NewSink(ctx context.Context, path string) *Sink {
	return &Sink{ctx: ctx, path: path, chrs: make(map[string]*chrOutput)}
}

func (s *Sink) output(chr string) (*chrOutput, error) {
	if o, ok := s.chrs[chr]; ok {
		return o, nil
	}
	path := s.path + "." + chr
	out, err := file.Create(s.ctx, path)
	if err != nil {
		return nil, &location.IOError{Op: "create", Path: path, Offset: -1, Err: err}
	}
	o := &chrOutput{path: path, out: out, w: bufio.NewWriterSize(out.Writer(s.ctx), sinkBufferSize)}
	s.chrs[chr] = o
	return o, nil
}

// Write appends l to the file of l.Chr.
func (s *Sink) Write(l *Line) error {
	o, err := s.output(l.Chr)
	if err != nil {
		return err
	}
	s.buf = l.AppendTo(s.buf[:0])
	if _, err := o.w.Write(s.buf); err != nil {
		return &location.IOError{Op: "write", Path: o.path, Offset: -1, Err: err}
	}
	o.lines++
	return nil
}

// Lines returns the number of lines written for each chromosome.
func (s *Sink) Lines() map[string]int64 {
	m := make(map[string]int64, len(s.chrs))
	for chr, o := range s.chrs {
		m[chr] = o.lines
	}
	return m
}

// Close flushes and closes the per-chromosome files without assembling them.
func (s *Sink) Close() error {
	var once errors.Once
	for _, o := range s.chrs {
		if o.out == nil {
			continue
		}
		once.Set(o.w.Flush())
		once.Set(o.out.Close(s.ctx))
		o.out = nil
	}
	return once.Err()
}

// Finish closes the per-chromosome files, then writes "@SQ" header lines for
// the chromosomes that received at least one line and appear in lengths,
// followed by their bodies, in sorted chromosome-name order. Temporary files
// are removed.
func (s *Sink) Finish(lengths map[string]int) error {
	if err := s.Close(); err != nil {
		return errors.E(err, "close per-chromosome outputs of", s.path)
	}
	var names []string
	for chr, o := range s.chrs {
		if o.lines == 0 {
			if err := file.Remove(s.ctx, o.path); err != nil {
				log.Error.Printf("remove %s: %v", o.path, err)
			}
			continue
		}
		if _, ok := lengths[chr]; !ok {
			log.Error.Printf("%s: chromosome %s has no length, dropping %d lines", s.path, chr, o.lines)
			continue
		}
		names = append(names, chr)
	}
	sort.Strings(names)

	out, err := file.Create(s.ctx, s.path)
	if err != nil {
		return &location.IOError{Op: "create", Path: s.path, Offset: -1, Err: err}
	}
	w := bufio.NewWriterSize(out.Writer(s.ctx), sinkBufferSize)
	var once errors.Once
	for _, chr := range names {
		_, err := fmt.Fprintf(w, "@SQ\tSN:%s\tLN:%d\n", chr, lengths[chr])
		once.Set(err)
	}
	for _, chr := range names {
		once.Set(s.appendFile(w, s.chrs[chr].path))
	}
	once.Set(w.Flush())
	once.Set(out.Close(s.ctx))
	for _, o := range s.chrs {
		if o.lines == 0 {
			continue
		}
		if err := file.Remove(s.ctx, o.path); err != nil {
			log.Error.Printf("remove %s: %v", o.path, err)
		}
	}
	if err := once.Err(); err != nil {
		return &location.IOError{Op: "assemble", Path: s.path, Offset: -1, Err: err}
	}
	log.Printf("%s: wrote %d chromosomes", s.path, len(names))
	return nil
}

func (s *Sink) appendFile(w io.Writer, path string) error {
	in, err := file.Open(s.ctx, path)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in.Reader(s.ctx))
	if e := in.Close(s.ctx); e != nil && err == nil {
		err = e
	}
	return err
}

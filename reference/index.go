// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package reference

import (
	"bufio"
	"bytes"
	"io"

	"github.com/grailbio/base/tsv"
	"github.com/pkg/errors"
)

// GenerateIndex writes the samtools faidx index of a FASTA stream. All lines
// of a sequence but its last must have the same length.
func GenerateIndex(out io.Writer, in io.Reader) (err error) {
	var (
		w        = tsv.NewWriter(out)
		r        = bufio.NewReaderSize(in, 1<<20)
		name     string
		startOff int64
		bases    int
		lineBase int
		lineLen  int
		short    bool // a line shorter than lineBase was seen
		off      int64
		n        int
	)
	flush := func() error {
		if name == "" {
			return nil
		}
		w.WriteString(name)
		w.WriteInt64(int64(bases))
		w.WriteInt64(startOff)
		w.WriteInt64(int64(lineBase))
		w.WriteInt64(int64(lineLen))
		n++
		return w.EndLine()
	}
	for {
		full, rerr := r.ReadBytes('\n')
		if rerr != nil && rerr != io.EOF {
			return errors.Wrap(rerr, "read FASTA")
		}
		off += int64(len(full))
		line := bytes.TrimRight(full, "\r\n")
		switch {
		case len(line) == 0:
		case line[0] == '>':
			if err := flush(); err != nil {
				return err
			}
			name = seqName(string(line[1:]))
			startOff = off
			bases, lineBase, lineLen, short = 0, 0, 0, false
		case name == "":
			return errors.Errorf("malformed FASTA: bases before the first header")
		default:
			if lineBase == 0 {
				lineBase, lineLen = len(line), len(full)
			} else if short || len(line) > lineBase {
				return errors.Errorf("sequence %s has lines of different lengths", name)
			}
			if len(line) < lineBase {
				short = true
			}
			bases += len(line)
		}
		if rerr == io.EOF {
			break
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if n == 0 {
		return errors.Errorf("empty FASTA file")
	}
	return w.Flush()
}

// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package seqstore

import (
	"bufio"
	"errors"
	"io"
)

var (
	// ErrShort is returned when a truncated FASTQ record is encountered.
	ErrShort = errors.New("short FASTQ file")
	// ErrInvalid is returned when the input is neither FASTA nor FASTQ.
	ErrInvalid = errors.New("invalid FASTA/FASTQ file")
)

// Sequence is one named read sequence.
type Sequence struct {
	ID  string
	Seq []byte
}

// Scanner reads sequences from a FASTA or FASTQ stream; the format is
// detected from the first byte. Multi-line FASTA records are joined. Only the
// first whitespace-separated word of a header is kept as the id. Scanners are
// not threadsafe.
type Scanner struct {
	b     *bufio.Scanner
	err   error
	fastq bool
	begun bool
	// next is the FASTA header read ahead of the current record.
	next []byte
}

var errEOF = errors.New("eof")

// NewScanner creates a scanner over r.
func NewScanner(r io.Reader) *Scanner {
	b := bufio.NewScanner(r)
	b.Buffer(nil, 1<<26)
	return &Scanner{b: b}
}

// Scan reads the next sequence into s. It returns false at the end of the
// stream or on error; check Err afterwards. The Seq slice of s is reused
// between calls.
func (f *Scanner) Scan(s *Sequence) bool {
	if f.err != nil {
		return false
	}
	if !f.begun {
		f.begun = true
		if !f.nextLine(errEOF) {
			return false
		}
		line := f.b.Bytes()
		switch line[0] {
		case '@':
			f.fastq = true
		case '>':
		default:
			f.err = ErrInvalid
			return false
		}
		f.next = append(f.next[:0], line...)
	}
	if f.fastq {
		return f.scanFASTQ(s)
	}
	return f.scanFASTA(s)
}

// nextLine advances to the next non-empty line. At the end of the stream it
// records eofErr.
func (f *Scanner) nextLine(eofErr error) bool {
	for f.b.Scan() {
		if len(f.b.Bytes()) > 0 {
			return true
		}
	}
	if f.err = f.b.Err(); f.err == nil {
		f.err = eofErr
	}
	return false
}

func (f *Scanner) scanFASTQ(s *Sequence) bool {
	var id []byte
	if f.next != nil {
		id, f.next = f.next, nil
	} else {
		if !f.nextLine(errEOF) {
			return false
		}
		id = f.b.Bytes()
	}
	if id[0] != '@' {
		f.err = ErrInvalid
		return false
	}
	s.ID = headerID(id)
	if !f.nextLine(ErrShort) {
		return false
	}
	s.Seq = append(s.Seq[:0], f.b.Bytes()...)
	if !f.nextLine(ErrShort) {
		return false
	}
	if f.b.Bytes()[0] != '+' {
		f.err = ErrInvalid
		return false
	}
	// The quality line may legitimately start with '@', so it is read
	// without inspection.
	if !f.b.Scan() {
		if f.err = f.b.Err(); f.err == nil {
			f.err = ErrShort
		}
		return false
	}
	return true
}

func (f *Scanner) scanFASTA(s *Sequence) bool {
	if f.next == nil {
		return false
	}
	s.ID = headerID(f.next)
	s.Seq = s.Seq[:0]
	f.next = f.next[:0]
	for f.b.Scan() {
		line := f.b.Bytes()
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			f.next = append(f.next, line...)
			return true
		}
		s.Seq = append(s.Seq, line...)
	}
	f.next = nil
	if f.err = f.b.Err(); f.err != nil {
		return false
	}
	f.err = errEOF
	return true
}

func headerID(header []byte) string {
	h := header[1:]
	for i, c := range h {
		if c == ' ' || c == '\t' {
			return string(h[:i])
		}
	}
	return string(h)
}

// Err returns the scanning error, if any.
func (f *Scanner) Err() error {
	if f.err == errEOF {
		return nil
	}
	return f.err
}

// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package stream provides the disk side of candidate resolution: independent
// line cursors over one immutable candidate file, and a store that batches
// resolved offset containers and emits them in file order.
package stream

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/friedel-lab/ContextMap2/location"
	"golang.org/x/sys/unix"
)

// Cursor is a line reader with its own position over a File. Cursors of the
// same File never affect each other.
type Cursor interface {
	// Next returns the next line without its terminating newline, and advances
	// past it. It returns io.EOF at the end of the file. The returned slice is
	// valid until the next call on the cursor.
	Next() ([]byte, error)
	// Offset returns the offset of the line the next call to Next returns.
	Offset() int64
	// Seek moves the cursor to off.
	Seek(off int64) error
	// ReadAt seeks to off and returns the line there.
	ReadAt(off int64) ([]byte, error)
}

// File is an immutable candidate file that hands out cursors.
type File interface {
	Path() string
	Size() int64
	NewCursor() Cursor
	Close() error
}

// Open opens path. With mmap set the whole file is mapped read-only and
// shared by all cursors; otherwise each cursor reads through its own buffer
// of bufSize bytes.
func Open(path string, mmap bool, bufSize int) (File, error) {
	if mmap {
		return OpenMmap(path)
	}
	return OpenBuffered(path, bufSize)
}

// MmapFile is a File backed by a read-only memory mapping.
type MmapFile struct {
	path string
	data []byte
}

// OpenMmap maps path into memory.
func OpenMmap(path string) (*MmapFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &location.IOError{Op: "open", Path: path, Offset: -1, Err: err}
	}
	defer f.Close() // nolint: errcheck
	info, err := f.Stat()
	if err != nil {
		return nil, &location.IOError{Op: "stat", Path: path, Offset: -1, Err: err}
	}
	m := &MmapFile{path: path}
	if info.Size() == 0 {
		return m, nil
	}
	m.data, err = unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, &location.IOError{Op: "mmap", Path: path, Offset: -1, Err: err}
	}
	// Both cursors mostly move forward.
	_ = unix.Madvise(m.data, unix.MADV_SEQUENTIAL)
	return m, nil
}

// Path implements File.
func (m *MmapFile) Path() string { return m.path }

// Size implements File.
func (m *MmapFile) Size() int64 { return int64(len(m.data)) }

// NewCursor implements File.
func (m *MmapFile) NewCursor() Cursor { return &mmapCursor{m: m} }

// Close unmaps the file. Cursors and lines returned by them become invalid.
func (m *MmapFile) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

type mmapCursor struct {
	m   *MmapFile
	pos int64
}

func (c *mmapCursor) Next() ([]byte, error) {
	data := c.m.data
	if c.pos >= int64(len(data)) {
		return nil, io.EOF
	}
	rest := data[c.pos:]
	i := bytes.IndexByte(rest, '\n')
	if i < 0 {
		c.pos = int64(len(data))
		return trimCR(rest), nil
	}
	c.pos += int64(i) + 1
	return trimCR(rest[:i]), nil
}

func (c *mmapCursor) Offset() int64 { return c.pos }

func (c *mmapCursor) Seek(off int64) error {
	if off < 0 || off > int64(len(c.m.data)) {
		return &location.IOError{Op: "seek", Path: c.m.path, Offset: off, Err: io.ErrUnexpectedEOF}
	}
	c.pos = off
	return nil
}

func (c *mmapCursor) ReadAt(off int64) ([]byte, error) {
	if err := c.Seek(off); err != nil {
		return nil, err
	}
	return c.Next()
}

// BufferedFile is a File read through per-cursor buffers.
type BufferedFile struct {
	path    string
	f       *os.File
	size    int64
	bufSize int
}

// OpenBuffered opens path for buffered cursors.
func OpenBuffered(path string, bufSize int) (*BufferedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &location.IOError{Op: "open", Path: path, Offset: -1, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() // nolint: errcheck
		return nil, &location.IOError{Op: "stat", Path: path, Offset: -1, Err: err}
	}
	if bufSize <= 0 {
		bufSize = DefaultOpts.BufferSize
	}
	return &BufferedFile{path: path, f: f, size: info.Size(), bufSize: bufSize}, nil
}

// Path implements File.
func (b *BufferedFile) Path() string { return b.path }

// Size implements File.
func (b *BufferedFile) Size() int64 { return b.size }

// NewCursor implements File.
func (b *BufferedFile) NewCursor() Cursor {
	c := &bufferedCursor{file: b}
	c.r = bufio.NewReaderSize(io.NewSectionReader(b.f, 0, b.size), b.bufSize)
	return c
}

// Close implements File.
func (b *BufferedFile) Close() error { return b.f.Close() }

type bufferedCursor struct {
	file *BufferedFile
	r    *bufio.Reader
	pos  int64
	line []byte
}

func (c *bufferedCursor) Next() ([]byte, error) {
	c.line = c.line[:0]
	for {
		frag, err := c.r.ReadSlice('\n')
		c.pos += int64(len(frag))
		switch err {
		case nil:
			if len(c.line) == 0 {
				return trimCR(frag[:len(frag)-1]), nil
			}
			c.line = append(c.line, frag[:len(frag)-1]...)
			return trimCR(c.line), nil
		case bufio.ErrBufferFull:
			c.line = append(c.line, frag...)
		case io.EOF:
			c.line = append(c.line, frag...)
			if len(c.line) == 0 {
				return nil, io.EOF
			}
			return trimCR(c.line), nil
		default:
			return nil, &location.IOError{Op: "read", Path: c.file.path, Offset: c.pos, Err: err}
		}
	}
}

func (c *bufferedCursor) Offset() int64 { return c.pos }

// Seek keeps the buffer when off lies ahead of the cursor inside the
// buffered bytes.
func (c *bufferedCursor) Seek(off int64) error {
	if off < 0 || off > c.file.size {
		return &location.IOError{Op: "seek", Path: c.file.path, Offset: off, Err: io.ErrUnexpectedEOF}
	}
	if off >= c.pos && off-c.pos <= int64(c.r.Buffered()) {
		n, err := c.r.Discard(int(off - c.pos))
		c.pos += int64(n)
		if err != nil {
			return &location.IOError{Op: "seek", Path: c.file.path, Offset: off, Err: err}
		}
		return nil
	}
	c.r.Reset(io.NewSectionReader(c.file.f, off, c.file.size-off))
	c.pos = off
	return nil
}

func (c *bufferedCursor) ReadAt(off int64) ([]byte, error) {
	if err := c.Seek(off); err != nil {
		return nil, err
	}
	return c.Next()
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

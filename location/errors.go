// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package location

import "fmt"

// ParseError reports a malformed or short candidate record.
type ParseError struct {
	Line  string
	Field int
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse candidate record, field %d: %s: %q", e.Field, e.Msg, e.Line)
}

// MissingSequenceError reports a read id absent from the sequence store.
type MissingSequenceError struct {
	ReadID string
}

func (e *MissingSequenceError) Error() string {
	return fmt.Sprintf("sequence not found for read %s", e.ReadID)
}

// ReferenceWindowOutOfRange reports a position outside the locally held
// reference window [Start, End).
type ReferenceWindowOutOfRange struct {
	Chr        string
	Pos        int
	Start, End int
}

func (e *ReferenceWindowOutOfRange) Error() string {
	return fmt.Sprintf("%s:%d outside reference window [%d,%d)", e.Chr, e.Pos, e.Start, e.End)
}

// IOError reports a failure to open, seek, read or write a file. Context and
// Offset identify where in the candidate stream the failure happened.
type IOError struct {
	Op      string
	Path    string
	Context string
	Offset  int64
	Err     error
}

func (e *IOError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s %s (context %s, offset %d): %v", e.Op, e.Path, e.Context, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s %s (offset %d): %v", e.Op, e.Path, e.Offset, e.Err)
}

// IsRecoverable reports whether err only invalidates the current read, so
// that the scan can skip it and continue.
func IsRecoverable(err error) bool {
	switch err.(type) {
	case *ParseError, *MissingSequenceError:
		return true
	}
	return false
}

// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package extend

import (
	"fmt"

	"github.com/friedel-lab/ContextMap2/stream"
)

// Opts configures an Extender and the context driver.
type Opts struct {
	// MaxMismatches is the mismatch budget of a refined location.
	MaxMismatches int
	// MaxMismatchDifference drops candidates with more than this many
	// mismatches over the best candidate of the same seed.
	MaxMismatchDifference int
	// MaxDelSize is the largest gap treated as a deletion. Larger gaps are
	// splices.
	MaxDelSize int
	// MaxIntronSize bounds the gap of an anchor.
	MaxIntronSize int

	// PreferKnownSpliceSignal keeps only splices with a canonical signal or a
	// known junction whenever one of those survives.
	PreferKnownSpliceSignal bool
	// SkipDenovoJunctions drops splices that are not known junctions.
	SkipDenovoJunctions bool
	// SkipNonCanonicalJunctions drops splices that are neither known nor
	// flanked by a canonical signal.
	SkipNonCanonicalJunctions bool

	// Clipping enables soft-clipped rescue of seeds that could not be
	// extended.
	Clipping bool
	// SeedLength is the shortest aligned stretch of a clipped location.
	SeedLength int

	// MinEvidence is the number of distinct read starts a de novo splice
	// needs within its context to be reported.
	MinEvidence int

	// MismatchPenalty is subtracted from the score of a refined location for
	// every mismatch and every inserted or deleted base.
	MismatchPenalty float64
	// NonCanonicalPenalty is subtracted for every splice that is neither
	// known nor canonical.
	NonCanonicalPenalty float64

	// SplitsPath, if set, receives the promoted splits of every context.
	SplitsPath string

	Stream stream.Opts
}

// DefaultOpts holds the default extension options.
var DefaultOpts = Opts{
	MaxMismatches:           4,
	MaxMismatchDifference:   1,
	MaxDelSize:              10,
	MaxIntronSize:           50000,
	PreferKnownSpliceSignal: true,
	Clipping:                true,
	SeedLength:              20,
	MinEvidence:             1,
	MismatchPenalty:         1,
	NonCanonicalPenalty:     1,
	Stream:                  stream.DefaultOpts,
}

// Stats counts the work of one extension run.
type Stats struct {
	Contexts int64
	Reads    int64
	// Seeds is the number of locations handed to the extender.
	Seeds int64
	// Refined is the number of split locations written.
	Refined int64
	// Clipped is the number of clipped locations written.
	Clipped int64
	// Deferred is the number of reads revisited after their context's seed
	// pass; Rescued of them gained a location in that pass.
	Deferred int64
	Rescued  int64
	// Unsupported is the number of split locations dropped for lack of
	// junction evidence.
	Unsupported int64
	// Suppressed is the number of seeds whose split candidates looked
	// artificial.
	Suppressed int64
	// Dropped is the number of reads left without any location.
	Dropped int64
	// Skipped is the number of reads skipped because of a malformed record
	// or a missing sequence.
	Skipped int64
	Records int64
}

func (s Stats) String() string {
	return fmt.Sprintf("contexts:%d reads:%d seeds:%d refined:%d clipped:%d deferred:%d rescued:%d unsupported:%d suppressed:%d dropped:%d skipped:%d records:%d",
		s.Contexts, s.Reads, s.Seeds, s.Refined, s.Clipped, s.Deferred, s.Rescued, s.Unsupported, s.Suppressed, s.Dropped, s.Skipped, s.Records)
}

// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package resolve

import (
	"fmt"

	"github.com/friedel-lab/ContextMap2/stream"
)

// Opts configures a Resolver.
type Opts struct {
	// Paired groups records by read-id prefix and resolves mate pairs.
	Paired bool
	// MaxContextSize is the largest distance allowed between the mates of a
	// valid pair.
	MaxContextSize int
	// MaxDelSize is the largest gap reconstructed as a deletion. Larger gaps
	// become skipped regions (N).
	MaxDelSize int

	// ScoreDiffCutoff is the margin the best location must have over the
	// second best for a multi-mapping read to be reported at all. Usually
	// computed by coverage.Cutoff.
	ScoreDiffCutoff float64
	// PrintSecondBestChr reports multi-mapping reads regardless of the
	// cutoff, and prefers a second best location on another chromosome (or
	// another feature of the same chromosome when a feature index is given).
	PrintSecondBestChr bool
	// PrintMultiMappings also emits every non-best location of a
	// multi-mapping single-end read as its own record.
	PrintMultiMappings bool

	Stream stream.Opts
}

// DefaultMaxContextSize is the default largest mate distance of a valid
// pair, shared by every pass that counts valid pairs.
const DefaultMaxContextSize = 500000

// DefaultOpts holds the default resolver options.
var DefaultOpts = Opts{
	MaxContextSize: DefaultMaxContextSize,
	MaxDelSize:     10,
	Stream:         stream.DefaultOpts,
}

// Stats counts what happened to the reads of one run.
type Stats struct {
	// Groups is the number of reads (single-end) or read pairs processed.
	Groups int64
	// Unique is the number of groups emitted without being queued.
	Unique int64
	// Multi is the number of groups queued in the store.
	Multi int64
	// Suppressed is the number of queued groups whose margin did not pass the
	// cutoff.
	Suppressed int64
	// Discordant is the number of pairs reported without forming a valid
	// pair.
	Discordant int64
	// Dropped is the number of pairs with both mates present but no valid
	// pair and no single-location fallback.
	Dropped int64
	// Skipped is the number of groups skipped because of a malformed record
	// or a missing sequence.
	Skipped int64
	// Lines is the number of output lines written.
	Lines int64
}

func (s Stats) String() string {
	return fmt.Sprintf("groups:%d unique:%d multi:%d suppressed:%d discordant:%d dropped:%d skipped:%d lines:%d",
		s.Groups, s.Unique, s.Multi, s.Suppressed, s.Discordant, s.Dropped, s.Skipped, s.Lines)
}

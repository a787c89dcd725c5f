// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

// bio-contextmap refines and resolves the candidate alignments of
// RNA-seq reads.
//
// Usage:
//
//   bio-contextmap faidx genome.fa
//   bio-contextmap extend [flags] candidates.tsv refined.tsv
//   bio-contextmap filter [flags] refined.tsv filtered.tsv
//   bio-contextmap resolve [flags] filtered.tsv out.sam
//
// extend needs the reference (-reference) and the read sequences (-reads).
// resolve needs the chromosome lengths, taken from -lengths or from the
// .fai of -reference.

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"v.io/x/lib/cmdline"
)

// parseInts parses a comma-separated list of positive integers.
func parseInts(s string) ([]int, error) {
	var v []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %v", s, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("parse %q: %d is not positive", s, n)
		}
		v = append(v, n)
	}
	return v, nil
}

func newCmdFaidx() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "faidx",
		Short:    "Write the .fai index of a FASTA file",
		ArgsName: "fasta",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("faidx takes one pathname argument, but got %v", argv)
		}
		return faidx(argv[0])
	})
	return cmd
}

func main() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(
		&cmdline.Command{
			Name:     "bio-contextmap",
			Short:    "Refine and resolve candidate alignments of RNA-seq reads",
			LookPath: false,
			Children: []*cmdline.Command{
				newCmdFaidx(),
				newCmdExtend(),
				newCmdFilter(),
				newCmdResolve(),
			},
		})
}

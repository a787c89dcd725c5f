// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"

	"github.com/friedel-lab/ContextMap2/coverage"
	"github.com/friedel-lab/ContextMap2/extend"
	"github.com/friedel-lab/ContextMap2/filter"
	"github.com/friedel-lab/ContextMap2/interval"
	"github.com/friedel-lab/ContextMap2/junction"
	"github.com/friedel-lab/ContextMap2/reference"
	"github.com/friedel-lab/ContextMap2/resolve"
	"github.com/friedel-lab/ContextMap2/seqstore"
	"github.com/friedel-lab/ContextMap2/stream"
	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/cmdline"
)

// streamFlags binds the candidate-stream options shared by all passes.
func streamFlags(cmd *cmdline.Command, opts *stream.Opts) {
	cmd.Flags.BoolVar(&opts.Mmap, "mmap", opts.Mmap, "Map the candidate file into memory instead of reading it through buffers")
	cmd.Flags.IntVar(&opts.BufferSize, "buffer-size", opts.BufferSize, "Read buffer size of every cursor over the candidate file")
	cmd.Flags.IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "Number of queued multi-mapping reads that triggers a flush")
}

func faidx(path string) (err error) {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	out, err := file.Create(ctx, path+".fai")
	if err != nil {
		return err
	}
	if err = reference.GenerateIndex(out.Writer(ctx), in.Reader(ctx)); err != nil {
		_ = out.Close(ctx)
		return err
	}
	return out.Close(ctx)
}

func newCmdExtend() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "extend",
		Short:    "Refine the candidates of every context into split, indel and clipped alignments",
		ArgsName: "candidates output",
	}
	opts := extend.DefaultOpts
	refPath := cmd.Flags.String("reference", "", "Reference FASTA. An adjacent .fai enables on-demand access")
	readsFlag := cmd.Flags.String("reads", "", "Comma-separated FASTA or FASTQ files holding the read sequences")
	junctionsPath := cmd.Flags.String("junctions", "", "Known junctions, one 'chr donor acceptor strand' row per line")
	cmd.Flags.IntVar(&opts.MaxMismatches, "max-mismatches", opts.MaxMismatches, "Mismatch budget of a refined location")
	cmd.Flags.IntVar(&opts.MaxMismatchDifference, "max-mismatch-difference", opts.MaxMismatchDifference, "Drop refinements with more mismatches than the best one plus this")
	cmd.Flags.IntVar(&opts.MaxDelSize, "max-del-size", opts.MaxDelSize, "Largest gap treated as a deletion")
	cmd.Flags.IntVar(&opts.MaxIntronSize, "max-intron-size", opts.MaxIntronSize, "Largest gap of a splice")
	cmd.Flags.BoolVar(&opts.PreferKnownSpliceSignal, "prefer-known", opts.PreferKnownSpliceSignal, "Prefer known or canonical splices over the others")
	cmd.Flags.BoolVar(&opts.SkipDenovoJunctions, "skip-denovo", opts.SkipDenovoJunctions, "Report known junctions only")
	cmd.Flags.BoolVar(&opts.SkipNonCanonicalJunctions, "skip-noncanonical", opts.SkipNonCanonicalJunctions, "Drop splices that are neither known nor canonical")
	cmd.Flags.BoolVar(&opts.Clipping, "clipping", opts.Clipping, "Rescue unextended seeds as soft-clipped alignments")
	cmd.Flags.IntVar(&opts.SeedLength, "seed-length", opts.SeedLength, "Shortest aligned stretch of a clipped alignment")
	cmd.Flags.Float64Var(&opts.MismatchPenalty, "mismatch-penalty", opts.MismatchPenalty, "Score subtracted per mismatch and per inserted or deleted base")
	cmd.Flags.Float64Var(&opts.NonCanonicalPenalty, "noncanonical-penalty", opts.NonCanonicalPenalty, "Score subtracted per splice that is neither known nor canonical")
	cmd.Flags.IntVar(&opts.MinEvidence, "min-evidence", opts.MinEvidence, "Distinct read starts a de novo splice needs within its context")
	cmd.Flags.StringVar(&opts.SplitsPath, "splits", "", "If set, write the promoted splits of every context here")
	streamFlags(cmd, &opts.Stream)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("extend takes candidates and output paths, but got %v", argv)
		}
		if *refPath == "" || *readsFlag == "" {
			return fmt.Errorf("extend: -reference and -reads are required")
		}
		ctx := vcontext.Background()
		ref, err := reference.Open(ctx, *refPath)
		if err != nil {
			return err
		}
		seqs, err := seqstore.Load(ctx, strings.Split(*readsFlag, ",")...)
		if err != nil {
			_ = ref.Close(ctx)
			return err
		}
		var known *junction.Table
		if *junctionsPath != "" {
			if known, err = junction.Load(ctx, *junctionsPath); err != nil {
				_ = ref.Close(ctx)
				return err
			}
		}
		stats, err := extend.Run(ctx, opts, argv[0], argv[1], ref, seqs, known)
		if cerr := ref.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		log.Printf("extend: %v", stats)
		return nil
	})
	return cmd
}

func newCmdFilter() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "filter",
		Short:    "Keep the candidates of every read within a mismatch difference of its best one",
		ArgsName: "candidates output",
	}
	opts := filter.DefaultOpts
	cmd.Flags.IntVar(&opts.MaxMismatchDifference, "max-mismatch-difference", opts.MaxMismatchDifference, "Keep candidates with at most the best mismatch count plus this")
	cmd.Flags.BoolVar(&opts.Paired, "paired", opts.Paired, "Group mates by read-id prefix and recompute valid-pair counts")
	cmd.Flags.IntVar(&opts.MaxContextSize, "max-context-size", opts.MaxContextSize, "Largest mate distance of a valid pair")
	cmd.Flags.IntVar(&opts.Parallelism, "parallelism", opts.Parallelism, "Number of partitions filtered concurrently")
	streamFlags(cmd, &opts.Stream)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("filter takes candidates and output paths, but got %v", argv)
		}
		_, err := filter.Run(vcontext.Background(), opts, argv[0], argv[1])
		return err
	})
	return cmd
}

func newCmdResolve() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "resolve",
		Short:    "Pick the best location of every read or pair and write SAM",
		ArgsName: "candidates output",
	}
	opts := resolve.DefaultOpts
	covOpts := coverage.DefaultOpts
	lengthsPath := cmd.Flags.String("lengths", "", "Chromosome lengths: a .fai file or 'name length' rows")
	refPath := cmd.Flags.String("reference", "", "Reference FASTA whose .fai supplies the lengths when -lengths is empty")
	featuresPath := cmd.Flags.String("features", "", "BED file of features (genomes, species) used for second best reporting and coverage")
	windowSizes := cmd.Flags.String("window-sizes", "500", "Comma-separated window widths of the coverage cutoff")
	cmd.Flags.Float64Var(&covOpts.Factor, "coverage-factor", covOpts.Factor, "If nonzero, derive -score-diff-cutoff from the median maximal window coverage times this")
	cmd.Flags.BoolVar(&covOpts.StrandSpecific, "strand-specific", covOpts.StrandSpecific, "Keep strands apart when computing coverage")
	cmd.Flags.BoolVar(&opts.Paired, "paired", opts.Paired, "Resolve mate pairs")
	cmd.Flags.IntVar(&opts.MaxContextSize, "max-context-size", opts.MaxContextSize, "Largest mate distance of a valid pair")
	cmd.Flags.IntVar(&opts.MaxDelSize, "max-del-size", opts.MaxDelSize, "Largest gap written as a deletion rather than a skipped region")
	cmd.Flags.Float64Var(&opts.ScoreDiffCutoff, "score-diff-cutoff", opts.ScoreDiffCutoff, "Margin a multi-mapping read needs to be reported")
	cmd.Flags.BoolVar(&opts.PrintSecondBestChr, "print-second-best-chr", opts.PrintSecondBestChr, "Report multi-mapping reads with a second best location on another chromosome or feature")
	cmd.Flags.BoolVar(&opts.PrintMultiMappings, "print-multi-mappings", opts.PrintMultiMappings, "Also write every non-best location of single-end reads")
	streamFlags(cmd, &opts.Stream)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("resolve takes candidates and output paths, but got %v", argv)
		}
		ctx := vcontext.Background()
		path := *lengthsPath
		if path == "" {
			if *refPath == "" {
				return fmt.Errorf("resolve: one of -lengths or -reference is required")
			}
			path = *refPath + ".fai"
		}
		lengths, err := reference.ReadLengths(ctx, path)
		if err != nil {
			return err
		}
		var (
			index    *interval.Index
			features resolve.FeatureIndex
		)
		if *featuresPath != "" {
			if index, err = interval.NewIndexFromPath(ctx, *featuresPath); err != nil {
				return err
			}
			features = index
		}
		if covOpts.Factor != 0 {
			if covOpts.WindowSizes, err = parseInts(*windowSizes); err != nil {
				return err
			}
			locations, err := coverage.Collect(covOpts, argv[0], opts.Stream)
			if err != nil {
				return err
			}
			if opts.ScoreDiffCutoff, err = coverage.Cutoff(covOpts, locations, index); err != nil {
				return err
			}
			log.Printf("resolve: score difference cutoff %.2f", opts.ScoreDiffCutoff)
		}
		stats, err := resolve.Run(ctx, opts, argv[0], argv[1], lengths, features)
		if err != nil {
			return err
		}
		log.Printf("resolve: %v", stats)
		return nil
	})
	return cmd
}

// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package seqstore holds the read sequences needed while extending
// candidates. Sequences are kept snappy-compressed in memory; reads with
// identical sequences are collapsed onto the first one added, which keeps
// the list of its duplicates.
//
// A Store is created once per run and passed to the components that need
// it. Lookups are safe for concurrent use once loading has finished.
package seqstore

import (
	"context"
	"io"

	"blainsmith.com/go/seahash"
	"github.com/friedel-lab/ContextMap2/location"
	"github.com/golang/snappy"
	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/minio/highwayhash"
)

const numShards = 256

type seqKey = [highwayhash.Size]byte

var zeroSeed = seqKey{}

type entry struct {
	// rep is the id holding the sequence; empty when this entry holds it.
	rep  string
	data []byte // snappy-compressed sequence
	dups []string
}

type shard struct {
	ids map[string]*entry
}

// Store maps read ids to sequences.
type Store struct {
	shards  [numShards]shard
	bySeq   map[seqKey]string
	n, nSeq int
	raw     int64
	packed  int64
}

// New creates an empty store.
func New() *Store {
	s := &Store{bySeq: make(map[seqKey]string)}
	for i := range s.shards {
		s.shards[i].ids = make(map[string]*entry)
	}
	return s
}

func (s *Store) shard(id string) *shard {
	h := seahash.Sum64(gunsafe.StringToBytes(id))
	return &s.shards[h%numShards]
}

// Add stores seq under id. It returns false if id was already present, in
// which case the store is unchanged.
func (s *Store) Add(id string, seq []byte) bool {
	sh := s.shard(id)
	if _, ok := sh.ids[id]; ok {
		return false
	}
	s.n++
	key := highwayhash.Sum(seq, zeroSeed[:])
	if rep, ok := s.bySeq[key]; ok {
		sh.ids[id] = &entry{rep: rep}
		r := s.shard(rep).ids[rep]
		r.dups = append(r.dups, id)
		return true
	}
	s.bySeq[key] = id
	data := snappy.Encode(nil, seq)
	sh.ids[id] = &entry{data: data}
	s.nSeq++
	s.raw += int64(len(seq))
	s.packed += int64(len(data))
	return true
}

func (s *Store) lookup(id string) (*entry, error) {
	e, ok := s.shard(id).ids[id]
	if !ok {
		return nil, &location.MissingSequenceError{ReadID: id}
	}
	if e.rep != "" {
		e = s.shard(e.rep).ids[e.rep]
	}
	return e, nil
}

// Get returns the sequence of read id. A multi-split infix in id is
// ignored. It returns a *location.MissingSequenceError if id is unknown.
func (s *Store) Get(id string) (string, error) {
	e, err := s.lookup(location.BaseID(id))
	if err != nil {
		return "", err
	}
	seq, err := snappy.Decode(nil, e.data)
	if err != nil {
		return "", errors.E(err, "decode sequence", id)
	}
	return gunsafe.BytesToString(seq), nil
}

// Duplicates returns the ids collapsed onto id. It is empty unless id is the
// representative of its sequence.
func (s *Store) Duplicates(id string) []string {
	e, ok := s.shard(id).ids[id]
	if !ok || e.rep != "" {
		return nil
	}
	return e.dups
}

// Representative returns the id holding the sequence of id.
func (s *Store) Representative(id string) (string, bool) {
	e, ok := s.shard(id).ids[id]
	if !ok {
		return "", false
	}
	if e.rep != "" {
		return e.rep, true
	}
	return id, true
}

// Len returns the number of ids in s.
func (s *Store) Len() int { return s.n }

// Distinct returns the number of distinct sequences in s.
func (s *Store) Distinct() int { return s.nSeq }

// Load reads the given FASTA or FASTQ files, optionally compressed, into a
// new store. Files are parsed in parallel and added in argument order, so
// the representative of a duplicated sequence is the first one listed.
func Load(ctx context.Context, paths ...string) (*Store, error) {
	parsed := make([][]Sequence, len(paths))
	err := traverse.Each(len(paths), func(i int) error {
		seqs, err := readFile(ctx, paths[i])
		parsed[i] = seqs
		return err
	})
	if err != nil {
		return nil, err
	}
	s := New()
	for i, seqs := range parsed {
		for _, seq := range seqs {
			if !s.Add(seq.ID, seq.Seq) {
				log.Debug.Printf("%s: ignoring duplicate id %s", paths[i], seq.ID)
			}
		}
		parsed[i] = nil
	}
	log.Printf("loaded %d reads, %d distinct sequences, %d bytes compressed to %d",
		s.n, s.nSeq, s.raw, s.packed)
	return s, nil
}

func readFile(ctx context.Context, path string) (seqs []Sequence, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open reads", path)
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	var r io.Reader = in.Reader(ctx)
	if u, _ := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	sc := NewScanner(r)
	var seq Sequence
	for sc.Scan(&seq) {
		seqs = append(seqs, Sequence{ID: seq.ID, Seq: append([]byte(nil), seq.Seq...)})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.E(err, "read", path)
	}
	return seqs, nil
}

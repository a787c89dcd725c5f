// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package resolve

import (
	"math"
	"sort"

	"github.com/friedel-lab/ContextMap2/location"
)

// ScoreRead sorts r's locations by ascending score, keeping the input order
// of ties, and sets r.Top to the last one and r.Score to its margin over the
// one before it.
func ScoreRead(r *location.Read) {
	locs := r.Locations
	sort.SliceStable(locs, func(i, j int) bool { return locs[i].Score < locs[j].Score })
	r.Top = locs[len(locs)-1]
	r.Score = r.Top.Score
	if len(locs) > 1 {
		r.Score -= locs[len(locs)-2].Score
	}
}

// ScorePair scores every valid pair of p as the sum of its mates' location
// scores, sorts them ascending (stable) and sets p.Top and p.Score, the
// absolute margin between the two best pairs. p.ValidPairs must not be
// empty.
func ScorePair(p *location.ReadPair) {
	vps := p.ValidPairs
	for k := range vps {
		vps[k].Score = p.First.Locations[vps[k].I].Score + p.Second.Locations[vps[k].J].Score
	}
	sort.SliceStable(vps, func(i, j int) bool { return vps[i].Score < vps[j].Score })
	p.Top = &vps[len(vps)-1]
	diff := p.Top.Score
	if len(vps) > 1 {
		diff -= vps[len(vps)-2].Score
	}
	p.Score = math.Abs(diff)
}

// ValidPairs returns all index pairs (i, j) into a.Locations and
// b.Locations whose locations lie on the same chromosome and opposite
// strands, and whose distance is at most maxContextSize.
//
// The distance is measured from the end of the last genomic block of the
// upstream mate to the start of the downstream mate. When the mates overlap
// the downstream mate must still end after the upstream one, by at most
// maxContextSize.
func ValidPairs(a, b *location.Read, maxContextSize int) []location.ValidPair {
	var pairs []location.ValidPair
	for i, la := range a.Locations {
		for j, lb := range b.Locations {
			if la.Chr != lb.Chr || la.Strand == lb.Strand {
				continue
			}
			up, down := la, lb
			if la.Start() > lb.Start() {
				up, down = lb, la
			}
			if pairDistanceOK(up, down, maxContextSize) {
				pairs = append(pairs, location.ValidPair{I: i, J: j})
			}
		}
	}
	return pairs
}

func pairDistanceOK(up, down *location.Location, maxContextSize int) bool {
	upEnd := up.End()
	d := down.Start() - upEnd
	if d >= 0 {
		return d <= maxContextSize
	}
	downEnd := down.End()
	return upEnd < downEnd && downEnd-upEnd <= maxContextSize
}

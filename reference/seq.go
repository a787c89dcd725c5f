// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package reference

var (
	cleanTable   [256]byte
	revCompTable [256]byte
)

func init() {
	for i := range cleanTable {
		cleanTable[i] = 'N'
		revCompTable[i] = 'N'
	}
	for _, p := range [][2]byte{{'A', 'T'}, {'C', 'G'}, {'G', 'C'}, {'T', 'A'}} {
		cleanTable[p[0]] = p[0]
		cleanTable[p[0]+'a'-'A'] = p[0]
		revCompTable[p[0]] = p[1]
		revCompTable[p[0]+'a'-'A'] = p[1]
	}
}

// Clean capitalizes a/c/g/t and replaces every other byte with N.
func Clean(ascii8 []byte) {
	for i, b := range ascii8 {
		ascii8[i] = cleanTable[b]
	}
}

// ReverseComplement writes the reverse complement of src to dst, which must
// have the same length. Non-ACGT bases become N.
func ReverseComplement(dst, src []byte) {
	if len(dst) != len(src) {
		panic("ReverseComplement requires len(dst) == len(src)")
	}
	for i, j := 0, len(src)-1; j >= 0; i, j = i+1, j-1 {
		dst[i] = revCompTable[src[j]]
	}
}

// ReverseComplementString returns the reverse complement of s.
func ReverseComplementString(s string) string {
	dst := make([]byte, len(s))
	for i, j := 0, len(s)-1; j >= 0; i, j = i+1, j-1 {
		dst[i] = revCompTable[s[j]]
	}
	return string(dst)
}

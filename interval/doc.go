// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

/*Package interval indexes named genomic features (for example the contigs of
  one microbial species) so that a position can be mapped back to the feature
  covering it.

  Features are read from BED files and kept in one interval tree per
  chromosome. Unlike a union of intervals, overlapping features are tracked
  separately; Lookup returns the one with the smallest start.
*/
package interval

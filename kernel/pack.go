// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "github.com/ccnlab/pottsinfer/potts"

// PackSeqs transposes N sequences of length L (q <= 256, one byte per
// letter) into the device wire format: zero-padded to ceil(L/4)*4
// bytes, transposed so byte i of walker k sits at word (i/4, k), lane
// (i mod 4) -- little-endian.
func PackSeqs(s *potts.Sequences) (words [][]uint32, swords int) {
	L := s.L
	sbytes := ((L + 3) / 4) * 4
	swords = sbytes / 4
	words = make([][]uint32, swords)
	for i := range words {
		words[i] = make([]uint32, s.N)
	}
	for w := 0; w < s.N; w++ {
		seq := s.Seq(w)
		for wi := 0; wi < swords; wi++ {
			var word uint32
			for lane := 0; lane < 4; lane++ {
				bi := wi*4 + lane
				var b byte
				if bi < L {
					b = seq[bi]
				}
				word |= uint32(b) << (8 * lane)
			}
			words[wi][w] = word
		}
	}
	return words, swords
}

// UnpackSeqs inverts PackSeqs, reconstructing N sequences of length L.
func UnpackSeqs(words [][]uint32, L, q int) *potts.Sequences {
	n := 0
	if len(words) > 0 {
		n = len(words[0])
	}
	out := potts.NewSequences(L, q, n)
	for w := 0; w < n; w++ {
		seq := out.Seq(w)
		for wi := range words {
			word := words[wi][w]
			for lane := 0; lane < 4; lane++ {
				bi := wi*4 + lane
				if bi >= L {
					break
				}
				seq[bi] = byte((word >> (8 * lane)) & 0xff)
			}
		}
	}
	return out
}

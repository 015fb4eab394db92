// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gauge implements the three canonical gauge transforms used to
// re-center a Potts coupling tensor between macro-iterations: zero-gauge,
// zero-J gauge, and fieldless-even. All three are pure, total functions;
// none perform any device I/O.
package gauge

import (
	"github.com/ccnlab/pottsinfer/potts"
	"gonum.org/v1/gonum/stat"
)

// pairStats holds the per-pair row/column/overall means of a q x q
// coupling block, the quantities every gauge transform is built from.
type pairStats struct {
	rowMean     []float32 // mean over b, indexed by a
	colMean     []float32 // mean over a, indexed by b
	overallMean float32
}

func blockStats(blk []float32, q int) pairStats {
	ps := pairStats{rowMean: make([]float32, q), colMean: make([]float32, q)}
	var overall float64
	for a := 0; a < q; a++ {
		var rsum float64
		for b := 0; b < q; b++ {
			v := float64(blk[a*q+b])
			rsum += v
			ps.colMean[b] += float32(v / float64(q))
			overall += v
		}
		ps.rowMean[a] = float32(rsum / float64(q))
	}
	ps.overallMean = float32(overall / float64(q*q))
	return ps
}

// incidenceSums computes, for every position i, the unweighted sum
// across all pairs touching i of the "incidence" field contribution:
// rowMean of the pair's block when i is the lower index, colMean when i
// is the upper index. Computed per pair block, without materializing
// the full L x q x L x q coupling matrix.
func incidenceSums(J *potts.Couplings) [][]float32 {
	L, q := J.L, J.Q
	h := make([][]float32, L)
	for i := range h {
		h[i] = make([]float32, q)
	}
	pi, pj := potts.PairIdx(L)
	for n := range pi {
		ps := blockStats(J.Row(n), q)
		i, j := pi[n], pj[n]
		for a := 0; a < q; a++ {
			h[i][a] += ps.rowMean[a]
		}
		for b := 0; b < q; b++ {
			h[j][b] += ps.colMean[b]
		}
	}
	return h
}

// Zero converts J into the zero-mean-per-pair gauge: for every pair n,
// the q x q block is double-centered (its row and column means are
// subtracted and its overall mean added back, so every row and column
// of the result has zero mean), and the resulting field is symmetrized so
// every position's field vector has zero mean over letters. Returns the
// new (h, J).
//
// The per-pair overall-mean constant has no home in a zero-mean (h, J)
// pair, so this transform shifts every sequence energy by one global
// constant; ZeroJ is the energy-preserving variant.
func Zero(J *potts.Couplings) (*potts.Fields, *potts.Couplings) {
	L, q := J.L, J.Q
	J0 := potts.NewCouplings(L, q)
	for n := 0; n < potts.NPairs(L); n++ {
		blk := J.Row(n)
		ps := blockStats(blk, q)
		out := J0.Row(n)
		for a := 0; a < q; a++ {
			for b := 0; b < q; b++ {
				out[a*q+b] = blk[a*q+b] - ps.rowMean[a] - ps.colMean[b] + ps.overallMean
			}
		}
	}

	hSum := incidenceSums(J)
	h := potts.NewFields(L, q)
	for i := 0; i < L; i++ {
		row := h.Row(i)
		vals := make([]float64, q)
		for a := 0; a < q; a++ {
			vals[a] = float64(hSum[i][a])
		}
		m := stat.Mean(vals, nil)
		for a := 0; a < q; a++ {
			row[a] = float32(vals[a] - m)
		}
	}
	return h, J0
}

// ZeroJ sets J's row/column means to zero without altering any
// sequence's total energy: the mass removed from J is absorbed entirely
// into the returned field h, which (unlike Zero's h) is not re-centered
// to zero mean -- it is exactly the energy-preserving complement of J0,
// so that FieldlessEven(ZeroJ(J)) reproduces the original per-sequence
// energies.
//
// J0 is identical to Zero's J0; h subtracts half the summed
// overall-mean incidence (shared between a pair's two endpoints)
// instead of re-centering per position.
func ZeroJ(J *potts.Couplings) (*potts.Fields, *potts.Couplings) {
	L, q := J.L, J.Q
	_, J0 := Zero(J)
	hSum := incidenceSums(J)

	overallSum := make([]float32, L) // sum over pairs touching i of overallMean
	pi, pj := potts.PairIdx(L)
	for n := range pi {
		ps := blockStats(J.Row(n), q)
		i, j := pi[n], pj[n]
		overallSum[i] += ps.overallMean
		overallSum[j] += ps.overallMean
	}

	h := potts.NewFields(L, q)
	for i := 0; i < L; i++ {
		row := h.Row(i)
		half := overallSum[i] / 2
		for a := 0; a < q; a++ {
			row[a] = hSum[i][a] - half
		}
	}
	return h, J0
}

// FieldlessEven distributes h into J so that every pair's two incident
// positions each receive h_i/(L-1) added into the pair's block,
// producing J' that reproduces identical per-sequence energies with an
// all-zero field: with hd = h/(L-1), each pair gets hd[i] broadcast
// over b and hd[j] broadcast over a added to its block.
func FieldlessEven(h *potts.Fields, J *potts.Couplings) *potts.Couplings {
	L, q := J.L, J.Q
	out := J.Clone()
	if L <= 1 {
		return out
	}
	denom := float32(L - 1)
	pi, pj := potts.PairIdx(L)
	for n := range pi {
		i, j := pi[n], pj[n]
		hi := h.Row(i)
		hj := h.Row(j)
		blk := out.Row(n)
		for a := 0; a < q; a++ {
			add := hi[a] / denom
			for b := 0; b < q; b++ {
				blk[a*q+b] += add
			}
		}
		for b := 0; b < q; b++ {
			add := hj[b] / denom
			for a := 0; a < q; a++ {
				blk[a*q+b] += add
			}
		}
	}
	return out
}

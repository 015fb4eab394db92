// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kernel specifies the compute-kernel contract a device.Context
// dispatches against and ships one concrete, portable implementation,
// CPUBundle, that executes each kernel directly on the host. A future
// accelerator-backed Bundle (OpenCL, Vulkan compute, ...) plugs into
// device.Context without any change to the orchestration packages.
package kernel

import "github.com/ccnlab/pottsinfer/potts"

// PackedJ is the L*L x q^2 "packed" expansion of a P x q^2 coupling
// tensor that every device kernel reads: row L*i+j holds the q^2 block
// for the ordered pair (i,j), transposed when i>j. Produced by PackJ /
// the packfV kernel, memoized behind the device's single validity
// token (package device).
type PackedJ struct {
	L, Q   int
	Values []float32 // (L*L) * (q*q), row-major over (L*i+j, a*q+b)
}

func (p *PackedJ) Row(i, j int) []float32 {
	q2 := p.Q * p.Q
	idx := p.L*i + j
	return p.Values[idx*q2 : (idx+1)*q2]
}

// PackJ expands a P x q^2 coupling tensor into its L^2 x q^2 packed
// form: row L*i+j gets the pair's block verbatim, row L*j+i gets the
// transposed block.
func PackJ(J *potts.Couplings) *PackedJ {
	L, q := J.L, J.Q
	out := &PackedJ{L: L, Q: q, Values: make([]float32, L*L*q*q)}
	pi, pj := potts.PairIdx(L)
	for n := range pi {
		i, j := pi[n], pj[n]
		blk := J.Row(n)
		dst := out.Row(i, j)
		copy(dst, blk)
		dstT := out.Row(j, i)
		for a := 0; a < q; a++ {
			for b := 0; b < q; b++ {
				dstT[b*q+a] = blk[a*q+b]
			}
		}
	}
	return out
}

// Bundle is the compute-kernel contract. Implementations must be safe
// to call concurrently across distinct Bundle instances (one per
// device) but need not be reentrant on a single instance --
// device.Context serializes dispatch onto a single command queue per
// device.
type Bundle interface {
	// Metropolis advances every walker in seqs by nsteps*L single-site
	// proposals, updating seqs and E in place. Bs supplies the
	// per-walker inverse temperature entering the acceptance term.
	Metropolis(seqs *potts.Sequences, E []float32, Bs []float32, Jp *PackedJ, runSeed, gpuSeed uint64, nsteps int)

	// CountBimarg builds the P*q^2 histogram over every sequence in
	// seqs, adding into acc. acc is not cleared first; normalization to
	// a marginal happens separately on the host.
	CountBimarg(seqs *potts.Sequences, acc *potts.Bicount)

	// GetEnergies recomputes the total pairwise energy of every
	// sequence in seqs under the packed couplings Jp, writing E.
	GetEnergies(seqs *potts.Sequences, Jp *PackedJ, E []float32)

	// PerturbedWeights computes, for every walker in large, the
	// importance weight exp(-(E'-E)) of the trial couplings Jp against
	// the cached reference energy refE.
	PerturbedWeights(large *potts.Sequences, Jp *PackedJ, refE []float32, weights []float32)

	// SumWeights reduces a weight vector to a single effective-sample
	// count. This is always the plain sum -- the per-device
	// Neff/sum(Neff) pooling ratios depend on that choice; the
	// (sum^2/sum-of-squares) variant does not preserve them.
	SumWeights(weights []float32) float32

	// WeightedMarg computes the importance-weighted pairwise histogram
	// over large, normalized by neff.
	WeightedMarg(large *potts.Sequences, weights []float32, neff float32) *potts.Bimarg

	// UpdateJ computes a trial coupling update with no regularization:
	// J'[n,ab] = Jback[n,ab] + gamma*(target[n,ab]-back[n,ab])/(back[n,ab]+pc).
	UpdateJ(target, back *potts.Bimarg, Jback *potts.Couplings, gamma, pc float32) *potts.Couplings

	// UpdateJWeightFn is UpdateJ plus a shrinkage term of strength
	// fnLmbda and scale fnS, active when regularization is enabled.
	UpdateJWeightFn(target, back *potts.Bimarg, Jback *potts.Couplings, gamma, pc, fnS, fnLmbda float32) *potts.Couplings

	// PackJ is the kernel-side entry point for PackJ above.
	PackJ(J *potts.Couplings) *PackedJ

	// StoreSeqs copies small's walkers into large at the given walker
	// offset (offset counted in units of small's walker count).
	StoreSeqs(small, large *potts.Sequences, offset int)
}

// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"math"
	"math/rand"

	"github.com/ccnlab/pottsinfer/potts"
)

// CPUBundle is the portable reference Bundle: every kernel runs as
// ordinary Go code over host slices. device.Context is written against
// the Bundle interface, so a real accelerator-backed Bundle can
// replace it without touching any orchestration code.
type CPUBundle struct{}

// NewCPUBundle returns a ready-to-use reference kernel bundle.
func NewCPUBundle() *CPUBundle { return &CPUBundle{} }

func walkerRand(runSeed, gpuSeed uint64, walker int) *rand.Rand {
	// Per-walker PRNG stream derived from the run seed, the device's
	// own seed, and the walker index, so that re-seeding per call is
	// reproducible across repeated Metropolis calls within one run.
	mix := runSeed*1000003 + gpuSeed*31 + uint64(walker)
	return rand.New(rand.NewSource(int64(mix)))
}

func (CPUBundle) Metropolis(seqs *potts.Sequences, E []float32, Bs []float32, Jp *PackedJ, runSeed, gpuSeed uint64, nsteps int) {
	L, q := seqs.L, seqs.Q
	for w := 0; w < seqs.N; w++ {
		rng := walkerRand(runSeed, gpuSeed, w)
		seq := seqs.Seq(w)
		e := E[w]
		beta := float32(1.0)
		if Bs != nil {
			beta = Bs[w]
		}
		for step := 0; step < nsteps*L; step++ {
			pos := rng.Intn(L)
			newLetter := byte(rng.Intn(q))
			oldLetter := seq[pos]
			if newLetter == oldLetter {
				continue
			}
			de := deltaEnergy(seq, pos, oldLetter, newLetter, Jp, L, q)
			accept := de <= 0
			if !accept {
				p := math.Exp(float64(-beta * de))
				accept = rng.Float64() < p
			}
			if accept {
				seq[pos] = newLetter
				e += de
			}
		}
		E[w] = e
	}
}

// deltaEnergy computes the energy change from flipping position pos
// from oldLetter to newLetter, summing the packed-J contribution of
// every other position against pos.
func deltaEnergy(seq []byte, pos int, oldLetter, newLetter byte, Jp *PackedJ, L, q int) float32 {
	var de float32
	for k := 0; k < L; k++ {
		if k == pos {
			continue
		}
		row := Jp.Row(pos, k)
		other := int(seq[k])
		de += row[int(newLetter)*q+other] - row[int(oldLetter)*q+other]
	}
	return de
}

func (CPUBundle) CountBimarg(seqs *potts.Sequences, acc *potts.Bicount) {
	L, q := seqs.L, seqs.Q
	pi, pj := potts.PairIdx(L)
	for w := 0; w < seqs.N; w++ {
		seq := seqs.Seq(w)
		for n := range pi {
			a, b := seq[pi[n]], seq[pj[n]]
			acc.Row(n)[int(a)*q+int(b)]++
		}
	}
}

func (CPUBundle) GetEnergies(seqs *potts.Sequences, Jp *PackedJ, E []float32) {
	L, q := seqs.L, seqs.Q
	for w := 0; w < seqs.N; w++ {
		seq := seqs.Seq(w)
		var e float32
		for i := 0; i < L; i++ {
			for j := i + 1; j < L; j++ {
				row := Jp.Row(i, j)
				e += row[int(seq[i])*q+int(seq[j])]
			}
		}
		E[w] = e
	}
}

func (CPUBundle) PerturbedWeights(large *potts.Sequences, Jp *PackedJ, refE []float32, weights []float32) {
	trial := make([]float32, large.N)
	CPUBundle{}.GetEnergies(large, Jp, trial)
	for w := 0; w < large.N; w++ {
		weights[w] = float32(math.Exp(float64(-(trial[w] - refE[w]))))
	}
}

func (CPUBundle) SumWeights(weights []float32) float32 {
	var sum float64
	for _, w := range weights {
		sum += float64(w)
	}
	return float32(sum)
}

func (CPUBundle) WeightedMarg(large *potts.Sequences, weights []float32, neff float32) *potts.Bimarg {
	L, q := large.L, large.Q
	out := potts.NewBimarg(L, q)
	pi, pj := potts.PairIdx(L)
	acc := make([][]float64, potts.NPairs(L))
	for n := range acc {
		acc[n] = make([]float64, q*q)
	}
	for w := 0; w < large.N; w++ {
		seq := large.Seq(w)
		wt := float64(weights[w])
		for n := range pi {
			a, b := seq[pi[n]], seq[pj[n]]
			acc[n][int(a)*q+int(b)] += wt
		}
	}
	denom := float64(neff)
	if denom == 0 {
		denom = 1
	}
	for n := range acc {
		row := out.Row(n)
		for k, v := range acc[n] {
			row[k] = float32(v / denom)
		}
	}
	return out
}

// updateJRow applies the elementwise Newton update rule to one pair's
// q^2 block, with an optional shrinkage term (fnLmbda, fnS) active
// when reg is true.
func updateJRow(targetRow, backRow, jbackRow, out []float32, gamma, pc float32, reg bool, fnS, fnLmbda float32) {
	for k := range out {
		delta := (targetRow[k] - backRow[k]) / (backRow[k] + pc)
		v := jbackRow[k] + gamma*delta
		if reg {
			v -= gamma * fnLmbda * jbackRow[k] / (fnS*fnS + jbackRow[k]*jbackRow[k])
		}
		out[k] = v
	}
}

func (CPUBundle) UpdateJ(target, back *potts.Bimarg, Jback *potts.Couplings, gamma, pc float32) *potts.Couplings {
	out := potts.NewCouplings(Jback.L, Jback.Q)
	for n := 0; n < potts.NPairs(Jback.L); n++ {
		updateJRow(target.Row(n), back.Row(n), Jback.Row(n), out.Row(n), gamma, pc, false, 0, 0)
	}
	return out
}

func (CPUBundle) UpdateJWeightFn(target, back *potts.Bimarg, Jback *potts.Couplings, gamma, pc, fnS, fnLmbda float32) *potts.Couplings {
	out := potts.NewCouplings(Jback.L, Jback.Q)
	for n := 0; n < potts.NPairs(Jback.L); n++ {
		updateJRow(target.Row(n), back.Row(n), Jback.Row(n), out.Row(n), gamma, pc, true, fnS, fnLmbda)
	}
	return out
}

func (CPUBundle) PackJ(J *potts.Couplings) *PackedJ { return PackJ(J) }

func (CPUBundle) StoreSeqs(small, large *potts.Sequences, offset int) {
	n := small.N
	base := offset * n
	for w := 0; w < n; w++ {
		copy(large.Seq(base+w), small.Seq(w))
	}
}

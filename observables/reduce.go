// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package observables reduces per-device bicount histograms, energies,
// and importance weights into the host-resident pairwise marginals and
// summary statistics the Newton refiner and macro-orchestrator
// consume. Reduction happens in two stages: a plain float64-
// accumulating sum across the devices local to this process, then
// (when MPI is active) an AllReduce across ranks -- multiple local
// devices per rank, multiple ranks per run.
package observables

import (
	"github.com/ccnlab/pottsinfer/device"
	"github.com/ccnlab/pottsinfer/potts"
	"github.com/emer/empi/mpi"
)

// Comm is the subset of *mpi.Comm this package needs, so tests can
// supply a no-op stand-in without linking MPI. Argument order follows
// empi's own AllReduceF32: dest is reduced in place when orig is nil.
type Comm interface {
	AllReduceF32(op mpi.Op, dest []float32, orig []float32) error
}

// ReduceBicounts sums per-device bicount histograms (collected by
// device.Context.CalcBicounts) into one host tensor, then normalizes to
// a bimarg. Local devices are summed on the host; if comm is non-nil,
// the summed uint32 histogram (widened to float32 for AllReduceF32) is
// further reduced across MPI ranks.
func ReduceBicounts(counts []*potts.Bicount, comm Comm) *potts.Bimarg {
	L, q := counts[0].L, counts[0].Q
	sum := potts.NewBicount(L, q)
	for _, bc := range counts {
		for n := 0; n < potts.NPairs(L); n++ {
			row := bc.Row(n)
			srow := sum.Row(n)
			for k, v := range row {
				srow[k] += v
			}
		}
	}
	if comm == nil {
		return sum.Normalize()
	}
	flat := make([]float32, len(sum.T.Values))
	for i, v := range sum.T.Values {
		flat[i] = float32(v)
	}
	if err := comm.AllReduceF32(mpi.OpSum, flat, nil); err != nil {
		panic(err)
	}
	merged := potts.NewBicount(L, q)
	for i, v := range flat {
		merged.T.Values[i] = uint32(v)
	}
	return merged.Normalize()
}

// ReduceWeightedMarg pools per-device weighted marginals as
// B_model = sum_dev(Neff_dev * B_dev) / sum_dev(Neff_dev).
// Returns the combined bimarg and the summed Neff. If comm is non-nil,
// both the weighted-sum numerator and the Neff denominator are
// AllReduced across ranks before dividing, so every rank ends up with
// the identical pooled marginal.
func ReduceWeightedMarg(bimargs []*potts.Bimarg, neffs []float32, comm Comm) (*potts.Bimarg, float32) {
	L, q := bimargs[0].L, bimargs[0].Q
	num := make([]float64, len(bimargs[0].T.Values))
	var denom float64
	for i, b := range bimargs {
		n := float64(neffs[i])
		denom += n
		for k, v := range b.T.Values {
			num[k] += n * float64(v)
		}
	}
	numF32 := make([]float32, len(num))
	for i, v := range num {
		numF32[i] = float32(v)
	}
	denomF32 := []float32{float32(denom)}
	if comm != nil {
		if err := comm.AllReduceF32(mpi.OpSum, numF32, nil); err != nil {
			panic(err)
		}
		if err := comm.AllReduceF32(mpi.OpSum, denomF32, nil); err != nil {
			panic(err)
		}
	}
	neff := denomF32[0]
	out := potts.NewBimarg(L, q)
	d := float64(neff)
	if d == 0 {
		return out, 0
	}
	for i, v := range numF32 {
		out.T.Values[i] = float32(float64(v) / d)
	}
	return out, neff
}

// SSR returns the sum of squared residuals between model and target
// marginals, summed over every pair/letter bin (GLOSSARY: SSR).
func SSR(model, target *potts.Bimarg) float64 {
	var ssr float64
	for i, v := range model.T.Values {
		d := float64(v) - float64(target.T.Values[i])
		ssr += d * d
	}
	return ssr
}

// FracErr computes the fractional error (GLOSSARY: Ferr): mean of
// |Delta B / B_target| over bins where B_target exceeds thresh.
func FracErr(model, target *potts.Bimarg, thresh float32) float64 {
	var sum float64
	var n int
	for i, t := range target.T.Values {
		if t <= thresh {
			continue
		}
		d := float64(model.T.Values[i]) - float64(t)
		sum += abs64(d) / float64(t)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// WeightedAbsDelta is the wDf figure persisted in info.txt: sum of
// target*|target-model| over all bins.
func WeightedAbsDelta(model, target *potts.Bimarg) float64 {
	var sum float64
	for i, t := range target.T.Values {
		d := float64(model.T.Values[i]) - float64(t)
		sum += float64(t) * abs64(d)
	}
	return sum
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// EnergyStats returns the minimum and mean energy of the sampled
// population (the filled prefix of every local device's large buffer).
// mcmc.Driver.Run stores them in its Result; the info.txt written by
// package checkpoint does not include them. CalcEnergies(Large, ...)
// must have completed on every device first.
func EnergyStats(devices []*device.Context) (min, mean float32) {
	var sum float64
	var count int
	first := true
	for _, d := range devices {
		for _, e := range d.ELarge[:d.SeqLarge.N] {
			if first || e < min {
				min = e
				first = false
			}
			sum += float64(e)
			count++
		}
	}
	if count == 0 {
		return 0, 0
	}
	return min, float32(sum / float64(count))
}

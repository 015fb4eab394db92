// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mcmc drives the Metropolis walker population across every
// local device, with optional host-orchestrated parallel tempering and
// equilibration tracking, and hands off to post-equilibration
// sampling.
package mcmc

import (
	"math/rand"

	"github.com/ccnlab/pottsinfer/device"
	"github.com/ccnlab/pottsinfer/observables"
	"github.com/ccnlab/pottsinfer/potts"
)

// Config holds the subset of the global configuration surface the MCMC
// driver consumes.
type Config struct {
	EquilTime  int
	SampleTime int
	NSamples   int
	TrackEquil int // 0 disables tracking
	Tempering  Ladder
	NSwaps     int
}

// EquilSnapshot is emitted every TrackEquil outer passes when tracking
// is enabled.
type EquilSnapshot struct {
	Pass   int
	Bimarg *potts.Bimarg
}

// Driver iterates the Metropolis kernel across a fixed set of local
// devices for one macro-iteration's MCMC phase.
type Driver struct {
	Devices []*device.Context
	Comm    observables.Comm // nil when not running under MPI
	Host    *rand.Rand       // seeds tempering swap proposals
	RunSeed uint64
}

// Result is the output of one Driver.Run invocation.
type Result struct {
	Bimarg      *potts.Bimarg
	Bicount     *potts.Bicount
	SwapRate    float32
	Equil       []EquilSnapshot
	MinEnergy   float32
	MeanEnergy  float32
}

// Run executes equiltime outer passes (with optional tempering and
// equilibration tracking), then samples nsamples snapshots of
// sampletime passes each into every device's large buffer, and returns
// the reduced pairwise marginals.
//
// On entry, every device's J[main] must already hold the couplings to
// equilibrate under; the caller is responsible for that.
func (d *Driver) Run(cfg Config, gpuSeeds []uint64, nsteps int) Result {
	var res Result
	var swapSum float32
	var swapCount int
	var pass uint64

	// re-gauging or reseeding between phases shifts absolute sequence
	// energies, so the kernel-tracked values are re-based against the
	// current couplings before any propagation or swap reads them.
	for _, dev := range d.Devices {
		dev.CalcEnergies(device.Small, device.Main)
	}
	for _, dev := range d.Devices {
		dev.Wait()
	}

	doPass := func() {
		// each outer pass re-seeds the per-walker PRNG streams with a
		// distinct run seed, so repeated Metropolis calls never replay
		// the same proposal sequence.
		pass++
		seed := d.RunSeed + pass*0x9E3779B97F4A7C15
		for i, dev := range d.Devices {
			dev.RunMetropolis(seed, gpuSeeds[i], nsteps)
		}
		for _, dev := range d.Devices {
			dev.Wait()
		}
		if cfg.Tempering != nil {
			// the kernel tracks per-walker energies through propagation;
			// the host reads them directly for the swap proposals.
			rate := SwapTemps(d.Devices, cfg.NSwaps, cfg.Tempering[0], d.Host)
			swapSum += rate
			swapCount++
		}
	}

	if cfg.TrackEquil == 0 {
		for i := 0; i < cfg.EquilTime; i++ {
			doPass()
		}
	} else {
		done := 0
		for j := 0; j < cfg.EquilTime/cfg.TrackEquil; j++ {
			for i := 0; i < cfg.TrackEquil; i++ {
				doPass()
				done++
			}
			bm := d.reducePrimaryBimarg()
			res.Equil = append(res.Equil, EquilSnapshot{Pass: done, Bimarg: bm})
		}
		for ; done < cfg.EquilTime; done++ {
			doPass()
		}
	}

	// post-equilibration sampling: clear the large buffer, emit the
	// current primary walkers, then repeat sampletime passes and
	// re-emit, nsamples total snapshots.
	for _, dev := range d.Devices {
		dev.ResetLarge()
		dev.EmitSamples()
	}
	for _, dev := range d.Devices {
		dev.Wait()
	}
	for s := 1; s < cfg.NSamples; s++ {
		for i := 0; i < cfg.SampleTime; i++ {
			doPass()
		}
		for _, dev := range d.Devices {
			dev.EmitSamples()
		}
		for _, dev := range d.Devices {
			dev.Wait()
		}
	}

	counts := make([]*potts.Bicount, len(d.Devices))
	for i, dev := range d.Devices {
		fut := dev.CalcBicounts(device.Large)
		dev.CalcEnergies(device.Large, device.Main)
		dev.Wait()
		counts[i] = fut.Await().(*potts.Bicount)
	}
	res.Bimarg = observables.ReduceBicounts(counts, d.Comm)
	res.Bicount = sumBicounts(counts)
	res.MinEnergy, res.MeanEnergy = observables.EnergyStats(d.Devices)
	if swapCount > 0 {
		res.SwapRate = swapSum / float32(swapCount)
	}
	return res
}

func sumBicounts(counts []*potts.Bicount) *potts.Bicount {
	L, q := counts[0].L, counts[0].Q
	sum := potts.NewBicount(L, q)
	for _, bc := range counts {
		for i, v := range bc.T.Values {
			sum.T.Values[i] += v
		}
	}
	return sum
}

// reducePrimaryBimarg reduces bicounts over the primary walkers of the
// small (live) buffer, used for the trackequil diagnostic snapshots.
func (d *Driver) reducePrimaryBimarg() *potts.Bimarg {
	counts := make([]*potts.Bicount, len(d.Devices))
	for i, dev := range d.Devices {
		fut := dev.CalcPrimaryBicounts()
		dev.Wait()
		counts[i] = fut.Await().(*potts.Bicount)
	}
	return observables.ReduceBicounts(counts, d.Comm)
}

// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package newton implements the importance-reweighted Newton coupling
// refinement loop: propose a trial coupling update, reweight the
// cached large-buffer sample against it (no new MCMC sampling per
// trial), and accept or halve the trust region based on whether the
// reweighted SSR against the target marginals improved.
package newton

import (
	"math"

	"github.com/ccnlab/pottsinfer/device"
	"github.com/ccnlab/pottsinfer/observables"
	"github.com/ccnlab/pottsinfer/potts"
)

// Config holds the Newton refiner's tunables.
type Config struct {
	Steps        int
	Gamma0       float32
	GammaFloor   float32 // 0 means Gamma0/64
	MaxHalvings  int
	Pseudocount  float32
	Monotone     bool // require non-increasing SSR to accept; false means always accept
	Regularize   bool
	FnS, FnLmbda float32
}

// gammaFloor resolves the configured floor, defaulting to Gamma0/64.
func (c Config) gammaFloor() float32 {
	if c.GammaFloor > 0 {
		return c.GammaFloor
	}
	return c.Gamma0 / 64
}

// StepLog records one accepted Newton step's diagnostics. Run returns
// the series; the orchestrator writes only its length (the accepted-step
// count) to info.txt.
type StepLog struct {
	Step  int
	Gamma float32
	SSR   float64
	Neff  float32
}

// Refiner drives the trust-region Newton loop across every local
// device, each holding an independent slice of the cached large-buffer
// sample plus that device's reference energies.
type Refiner struct {
	Devices []*device.Context
	Comm    observables.Comm
	Cfg     Config
}

// Run performs up to Cfg.Steps accepted Newton updates against target,
// starting from the couplings already resident in every device's J
// buffer (role Main), and leaves the final accepted state in the Back
// (and, per the store discipline, Front) buffers of every device; the
// caller promotes Back into Main. Returns the accepted-step log.
//
// On entry, every device's large buffer must hold the cached
// importance-sampling population, ELarge its reference energies under
// the current couplings, and Weights/Neff the (trivial, all-ones)
// importance weights for those same couplings.
func (r *Refiner) Run(target *potts.Bimarg) ([]StepLog, error) {
	cfg := r.Cfg
	// seed Back with the current Main couplings -- Back always holds the
	// last accepted state.
	for _, d := range r.Devices {
		d.CopyJ(device.Main, device.Back)
	}
	for _, d := range r.Devices {
		d.Wait()
	}

	// B_back starts as the (already-replicated) unweighted model
	// marginal: every device's Weights/Neff are trivial (all ones) on
	// entry, so the device-local weighted marg below is exactly that
	// device's plain histogram; reducing across devices pools them into
	// the same bimarg_model every accelerator-fit run starts from.
	backMarg, _ := observables.ReduceWeightedMarg(r.weightedMargs(), r.neffs(), r.Comm)
	curSSR := observables.SSR(backMarg, target)

	var log []StepLog
	for step := 0; step < cfg.Steps; step++ {
		gamma := cfg.Gamma0
		halvings := 0
		var trialMarg *potts.Bimarg
		var trialSSR float64
		var trialNeff float32

		for {
			for _, d := range r.Devices {
				r.proposeTrial(d, backMarg, target, gamma)
			}
			for _, d := range r.Devices {
				d.Wait()
			}
			trialMarg, trialNeff = observables.ReduceWeightedMarg(r.weightedMargs(), r.neffs(), r.Comm)

			if invalidNeff(trialNeff) {
				return log, &DivergenceError{Step: step, Gamma: gamma}
			}
			trialSSR = observables.SSR(trialMarg, target)

			if !cfg.Monotone || trialSSR <= curSSR {
				break
			}
			halvings++
			gamma /= 2
			if halvings >= cfg.MaxHalvings || gamma < cfg.gammaFloor() {
				return log, &TrustRegionExhaustedError{Step: step, MinGamma: cfg.gammaFloor(), Halvings: halvings}
			}
		}

		// accept: store front (trial) into back for both J and the
		// pooled bimarg, so front == back on every device afterward,
		// and every device ends this step holding the identical,
		// host-reduced trial marginal (couplings stay replicated).
		for _, d := range r.Devices {
			d.StoreJ()
			d.SetB(device.Front, trialMarg)
		}
		for _, d := range r.Devices {
			d.Wait()
		}
		for _, d := range r.Devices {
			d.StoreB()
		}
		for _, d := range r.Devices {
			d.Wait()
		}
		curSSR = trialSSR
		backMarg = trialMarg
		log = append(log, StepLog{Step: step, Gamma: gamma, SSR: trialSSR, Neff: trialNeff})
	}
	return log, nil
}

// invalidNeff reports the hard-divergence condition: the importance-
// weighted population has collapsed (Neff == 0) or the weight sum
// overflowed (non-finite).
func invalidNeff(neff float32) bool {
	f := float64(neff)
	return neff == 0 || math.IsNaN(f) || math.IsInf(f, 0)
}

// proposeTrial computes the trial coupling update into Front from the
// pooled (replicated) backMarg, packs it, and recomputes importance
// weights for the large buffer against the device's cached reference
// energies -- no new MCMC sampling per trial. The whole sequence runs
// as one queued job so the pack and
// weight recompute always see the trial J that was just set, never a
// stale buffer from a still-pending SetJ.
func (r *Refiner) proposeTrial(d *device.Context, backMarg, target *potts.Bimarg, gamma float32) *device.Future {
	return d.Do(func() interface{} {
		backJ := d.JBack
		var trial *potts.Couplings
		if r.Cfg.Regularize {
			trial = d.Bundle.UpdateJWeightFn(target, backMarg, &backJ, gamma, r.Cfg.Pseudocount, r.Cfg.FnS, r.Cfg.FnLmbda)
		} else {
			trial = d.Bundle.UpdateJ(target, backMarg, &backJ, gamma, r.Cfg.Pseudocount)
		}
		d.SetJSync(device.Front, trial)
		jp := d.PackJ(device.Front)
		d.Bundle.PerturbedWeights(d.SeqLarge, jp, d.ELarge, d.Weights)
		d.Neff = d.Bundle.SumWeights(d.Weights[:d.SeqLarge.N])
		return nil
	})
}

// weightedMargs computes every device's current weighted marginal from
// its last-set Weights/Neff. On entry to Run those are the trivial
// all-ones weights, so this is each device's plain histogram.
func (r *Refiner) weightedMargs() []*potts.Bimarg {
	out := make([]*potts.Bimarg, len(r.Devices))
	for i, d := range r.Devices {
		out[i] = d.Bundle.WeightedMarg(d.SeqLarge, d.Weights, d.Neff)
	}
	return out
}

func (r *Refiner) neffs() []float32 {
	out := make([]float32, len(r.Devices))
	for i, d := range r.Devices {
		out[i] = d.Neff
	}
	return out
}

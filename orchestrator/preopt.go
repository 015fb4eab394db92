// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package orchestrator

import (
	"github.com/ccnlab/pottsinfer/checkpoint"
	"github.com/ccnlab/pottsinfer/device"
	"github.com/ccnlab/pottsinfer/mcmc"
	"github.com/ccnlab/pottsinfer/newton"
	"github.com/ccnlab/pottsinfer/observables"
	"github.com/emer/empi/mpi"
)

// PreOpt runs the one-shot pre-optimization pass: equilibrate from the
// configured (or freshly generated) start sequence, sample once, then
// run a single Newton refinement phase over that cached sample -- no
// main-loop iteration.
//
// If startSeq is nil, the first sequence produced by the equilibration
// pass is adopted as the start seed and returned.
func (o *Orchestrator) PreOpt(startSeq []byte) ([]byte, error) {
	if startSeq != nil {
		for _, d := range o.Devices {
			d.ResetSeqs(startSeq)
		}
		for _, d := range o.Devices {
			d.Wait()
		}
	}

	gpuSeeds := make([]uint64, len(o.Devices))
	for i := range o.Devices {
		gpuSeeds[i] = o.Seeds.DeviceSeed(0, i)
	}
	driver := &mcmc.Driver{
		Devices: o.Devices,
		Comm:    commAdapter{o.Comm},
		Host:    o.Seeds.Host,
		RunSeed: o.Seeds.MCMCSeed(0, -1),
	}
	mres := driver.Run(mcmc.Config{
		EquilTime:  o.preEquilTime(),
		SampleTime: o.Cfg.Run.SampleTime,
		NSamples:   o.Cfg.Device.NSamples,
	}, gpuSeeds, 1)

	if startSeq == nil {
		startSeq = append([]byte{}, o.Devices[0].SeqSmall.Seq(0)...)
	}

	for _, d := range o.Devices {
		n := d.SeqLarge.N
		for w := 0; w < n; w++ {
			d.Weights[w] = 1
		}
		d.Neff = float32(n)
	}

	refiner := &newton.Refiner{
		Devices: o.Devices,
		Comm:    commAdapter{o.Comm},
		Cfg: newton.Config{
			Steps:       o.Cfg.Newton.Steps,
			Gamma0:      o.Cfg.Newton.Gamma0,
			GammaFloor:  o.Cfg.Newton.GammaFloor,
			MaxHalvings: o.Cfg.Newton.MaxHalvings,
			Pseudocount: o.Cfg.Newton.Pseudocount,
			Monotone:    o.Cfg.Newton.Monotone,
			Regularize:  o.Cfg.Newton.Regularize,
			FnS:         o.Cfg.Newton.FnS,
			FnLmbda:     o.Cfg.Newton.FnLmbda,
		},
	}
	steps, err := refiner.Run(o.Target)
	if err != nil {
		if _, fatal := err.(*newton.DivergenceError); fatal {
			return startSeq, err
		}
		// trust-region exhaustion still leaves a usable last-accepted J
		mpi.Printf("newton: preopt: %v\n", err)
	}

	for _, d := range o.Devices {
		d.CopyJ(device.Back, device.Main)
		d.CopyB(device.Back, device.Main)
	}
	for _, d := range o.Devices {
		d.Wait()
	}

	predicted, _ := observables.ReduceWeightedMarg(perDeviceWeightedMarg(o.Devices), perDeviceNeff(o.Devices), commAdapter{o.Comm})
	ssr := observables.SSR(predicted, o.Target)
	wdf := observables.WeightedAbsDelta(predicted, o.Target)

	snap := &checkpoint.Snapshot{
		Iter:          -1,
		Couplings:     o.Devices[0].J.Clone(),
		Bimarg:        mres.Bimarg,
		Bicount:       mres.Bicount,
		PredictedMarg: predicted,
		StartSeq:      o.alphabet().Encode(startSeq),
		SSR:           ssr,
		WDf:           wdf,
		NewtonSteps:   len(steps),
	}
	if err := checkpoint.Save(o.Cfg.Log.OutDir, snap); err != nil {
		return startSeq, err
	}
	return startSeq, nil
}

// preEquilTime resolves the pre-main-loop equilibration budget,
// falling back to the main-loop EquilTime when unset.
func (o *Orchestrator) preEquilTime() int {
	if o.Cfg.Run.PreEquilTime > 0 {
		return o.Cfg.Run.PreEquilTime
	}
	return o.Cfg.Run.EquilTime
}

// PreEquilibrate runs the degenerate pre-optimization alternative:
// plain MCMC equilibration before the main loop, with no Newton
// refinement.
func (o *Orchestrator) PreEquilibrate() {
	gpuSeeds := make([]uint64, len(o.Devices))
	for i := range o.Devices {
		gpuSeeds[i] = o.Seeds.DeviceSeed(0, i)
	}
	driver := &mcmc.Driver{
		Devices: o.Devices,
		Comm:    commAdapter{o.Comm},
		Host:    o.Seeds.Host,
		RunSeed: o.Seeds.MCMCSeed(0, -1),
	}
	driver.Run(mcmc.Config{
		EquilTime:  o.Cfg.Run.PreEquilTime,
		SampleTime: o.Cfg.Run.SampleTime,
		NSamples:   1,
	}, gpuSeeds, 1)
	mpi.Printf("pre-equilibrated for %d passes\n", o.Cfg.Run.PreEquilTime)
}

// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package orchestrator drives the macro-iteration loop: MCMC
// equilibration/sampling, Newton refinement, gauge re-normalization,
// checkpointing, and start-seed rotation across iterations. The loop is
// built with looper.Manager stacks, the generic Run/Epoch time scales
// standing in for runs and macro-iterations.
package orchestrator

import (
	"github.com/ccnlab/pottsinfer/checkpoint"
	"github.com/ccnlab/pottsinfer/config"
	"github.com/ccnlab/pottsinfer/device"
	"github.com/ccnlab/pottsinfer/gauge"
	"github.com/ccnlab/pottsinfer/mcmc"
	"github.com/ccnlab/pottsinfer/newton"
	"github.com/ccnlab/pottsinfer/observables"
	"github.com/ccnlab/pottsinfer/potts"
	"github.com/ccnlab/pottsinfer/rng"
	"github.com/emer/emergent/etime"
	"github.com/emer/emergent/looper"
	"github.com/emer/empi/mpi"
)

// Orchestrator wires the local device pool, RNG ladder, and MPI
// communicator into one looper.Manager-driven macro-loop.
type Orchestrator struct {
	Cfg     *config.Config
	Devices []*device.Context
	Seeds   *rng.Seeds
	Comm    *mpi.Comm // nil outside MPI

	Target *potts.Bimarg
	Loops  *looper.Manager

	startSeq []byte // next start seed, rotated from the large sample set each iteration
}

// NewOrchestrator builds the looper.Manager stack for one inference run.
func NewOrchestrator(cfg *config.Config, devices []*device.Context, seeds *rng.Seeds, comm *mpi.Comm, target *potts.Bimarg) *Orchestrator {
	o := &Orchestrator{Cfg: cfg, Devices: devices, Seeds: seeds, Comm: comm, Target: target}
	o.configLoops()
	return o
}

// alphabet returns the configured letter-index-to-character mapping.
func (o *Orchestrator) alphabet() potts.Alphabet { return potts.Alphabet(o.Cfg.Alphabet.Letters) }

func (o *Orchestrator) configLoops() {
	man := looper.NewManager()
	man.AddStack(etime.Train).
		AddTime(etime.Run, o.Cfg.Run.NRuns).
		AddTime(etime.Epoch, o.Cfg.Run.NIters)

	man.GetLoop(etime.Train, etime.Run).OnStart.Add("NewRun", o.newRun)
	man.GetLoop(etime.Train, etime.Epoch).OnStart.Add("MacroIter", o.macroIter)

	o.Loops = man
}

// Run executes every configured run's full macro-loop. looper.Manager's
// callbacks return no error, so a fatal *newton.DivergenceError raised
// inside macroIter is propagated by panicking there and recovering here
// -- the only error that aborts a run outright; every other error just
// gets logged and the loop continues.
func (o *Orchestrator) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	o.Loops.Run(etime.Train)
	return nil
}

// newRun re-seeds the RNG ladder and re-draws the temperature
// assignment for a fresh run; runs are independent replicates sharing
// the same target.
func (o *Orchestrator) newRun() {
	run := o.Loops.Stacks[etime.Train].Loops[etime.Run].Counter.Cur
	o.Seeds.SetRun(run)
	if o.Cfg.Tempering.Enabled {
		mcmc.AssignLadder(o.Devices, mcmc.Ladder(o.Cfg.Tempering.Ladder), rng.Shuffle)
	}
}

// macroIter performs one full equilibrate/sample/refine/checkpoint
// cycle.
func (o *Orchestrator) macroIter() {
	iter := o.Loops.Stacks[etime.Train].Loops[etime.Epoch].Counter.Cur
	run := o.Loops.Stacks[etime.Train].Loops[etime.Run].Counter.Cur

	if o.Cfg.Run.ResetSeqs && o.startSeq != nil {
		for _, d := range o.Devices {
			d.ResetSeqs(o.startSeq)
		}
		for _, d := range o.Devices {
			d.Wait()
		}
	}

	gpuSeeds := make([]uint64, len(o.Devices))
	for i := range o.Devices {
		gpuSeeds[i] = o.Seeds.DeviceSeed(run, i)
	}

	var ladder mcmc.Ladder
	if o.Cfg.Tempering.Enabled {
		ladder = o.Cfg.Tempering.Ladder
	}
	driver := &mcmc.Driver{
		Devices: o.Devices,
		Comm:    commAdapter{o.Comm},
		Host:    o.Seeds.Host,
		RunSeed: o.Seeds.MCMCSeed(run, iter),
	}
	mres := driver.Run(mcmc.Config{
		EquilTime:  o.Cfg.Run.EquilTime,
		SampleTime: o.Cfg.Run.SampleTime,
		NSamples:   o.Cfg.Device.NSamples,
		TrackEquil: o.Cfg.Run.TrackEquil,
		Tempering:  ladder,
		NSwaps:     o.Cfg.Tempering.NSwaps,
	}, gpuSeeds, 1)

	// the freshly sampled population enters the refiner with trivial
	// importance weights: every cached sample counts fully until the
	// first trial reweights it.
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
			mpi.Printf("newton: iter %d: %v -- aborting run\n", iter, err)
			panic(err)
		}
		mpi.Printf("newton: iter %d: %v\n", iter, err)
	}

	// refiner.Run leaves the accepted couplings in Back (and Front) on
	// every device; Main must carry them forward into the next
	// equilibration and into this iteration's checkpoint (the store
	// operation only updates back, never main).
	for _, d := range o.Devices {
		d.CopyJ(device.Back, device.Main)
		d.CopyB(device.Back, device.Main)
	}
	for _, d := range o.Devices {
		d.Wait()
	}

	if o.Cfg.Run.Regauge {
		o.regauge()
	}

	predicted, _ := observables.ReduceWeightedMarg(perDeviceWeightedMarg(o.Devices), perDeviceNeff(o.Devices), commAdapter{o.Comm})
	ssr := observables.SSR(mres.Bimarg, o.Target)
	ferr := observables.FracErr(mres.Bimarg, o.Target, 0.01)
	wdf := observables.WeightedAbsDelta(predicted, o.Target)

	// rotate the start seed: a uniformly random sequence from the large
	// sample set becomes next iteration's tile-to sequence when ResetSeqs
	// is enabled.
	large := o.Devices[0].SeqLarge
	if large.N > 0 {
		o.startSeq = append([]byte{}, large.Seq(o.Seeds.Host.Intn(large.N))...)
	}

	j0 := o.Devices[0].J.Clone()
	snap := &checkpoint.Snapshot{
		Iter:          iter,
		Couplings:     j0,
		Bimarg:        mres.Bimarg,
		Bicount:       mres.Bicount,
		Energies:      append([]float32{}, o.Devices[0].ELarge[:large.N]...),
		PredictedMarg: predicted,
		StartSeq:      o.alphabet().Encode(o.Devices[0].SeqSmall.Seq(0)),
		SSR:           ssr,
		FracErr:       ferr,
		WDf:           wdf,
		SwapRate:      mres.SwapRate,
		NewtonSteps:   len(steps),
	}
	if o.Cfg.Log.SaveSeqs {
		snap.Seqs = o.Devices[0].SeqLarge
	}
	if err := checkpoint.Save(o.Cfg.Log.OutDir, snap); err != nil {
		mpi.Printf("checkpoint: iter %d: %v\n", iter, err)
	}
}

// regauge transforms every device's accepted couplings into the
// fieldless-even gauge between iterations, keeping energies centered.
// A gauge change is observably a no-op on sample statistics.
func (o *Orchestrator) regauge() {
	for _, d := range o.Devices {
		j := d.J.Clone()
		h, jz := gauge.Zero(j)
		fe := gauge.FieldlessEven(h, jz)
		d.SetJ(device.Main, fe)
	}
	for _, d := range o.Devices {
		d.Wait()
	}
}

func perDeviceWeightedMarg(devices []*device.Context) []*potts.Bimarg {
	out := make([]*potts.Bimarg, len(devices))
	for i, d := range devices {
		out[i] = d.Bundle.WeightedMarg(d.SeqLarge, d.Weights, d.Neff)
	}
	return out
}

func perDeviceNeff(devices []*device.Context) []float32 {
	out := make([]float32, len(devices))
	for i, d := range devices {
		out[i] = d.Neff
	}
	return out
}

// commAdapter lifts *mpi.Comm (nil-safe) to the observables.Comm
// interface used across packages to keep MPI out of their import graph.
type commAdapter struct{ c *mpi.Comm }

func (a commAdapter) AllReduceF32(op mpi.Op, dest, orig []float32) error {
	if a.c == nil {
		return nil
	}
	return a.c.AllReduceF32(op, dest, orig)
}

// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pottsinfer fits pairwise Potts couplings to a target set of
// pairwise marginals via MCMC sampling and importance-reweighted
// Newton refinement. Headless; all control is through the config file
// and flags.
package main

import (
	"log"

	"github.com/ccnlab/pottsinfer/checkpoint"
	"github.com/ccnlab/pottsinfer/config"
	"github.com/ccnlab/pottsinfer/device"
	"github.com/ccnlab/pottsinfer/gauge"
	"github.com/ccnlab/pottsinfer/kernel"
	"github.com/ccnlab/pottsinfer/orchestrator"
	"github.com/ccnlab/pottsinfer/potts"
	"github.com/ccnlab/pottsinfer/rng"
	"github.com/emer/emergent/econfig"
	"github.com/emer/empi/mpi"
)

func main() {
	cfg := &config.Config{}
	cfg.Defaults()
	econfig.Config(cfg, "config.toml")
	if err := cfg.Validate(); err != nil {
		log.Fatalf("pottsinfer: %v", err)
	}

	var comm *mpi.Comm
	if cfg.Run.MPI {
		comm = mpiInit(cfg)
	}

	alphabet := potts.Alphabet(cfg.Alphabet.Letters)
	q := alphabet.Q()
	target, err := checkpoint.LoadBimargCSV(cfg.Alphabet.TargetBimarg, cfg.Alphabet.Length, q)
	if err != nil {
		log.Fatalf("pottsinfer: loading target bimarg: %v", err)
	}
	if err := target.Validate(); err != nil {
		log.Fatalf("pottsinfer: target bimarg: %v", err)
	}

	devices := makeDevices(cfg, q)
	seedJ(cfg, devices, target)

	seeds := rng.NewSeeds(cfg.Run.NRuns)

	var startSeq []byte
	if cfg.Alphabet.StartSeq != "" && cfg.Alphabet.StartSeq != "rand" {
		startSeq, err = alphabet.Decode(cfg.Alphabet.StartSeq)
		if err != nil {
			log.Fatalf("pottsinfer: decoding start sequence: %v", err)
		}
	}

	// initial walker state: tile the start sequence when one was given,
	// otherwise independent random draws per device
	for i, d := range devices {
		if startSeq != nil {
			d.ResetSeqs(startSeq)
		} else {
			d.RandomizeSeqs(seeds.DeviceSeed(0, i))
		}
	}
	for _, d := range devices {
		d.Wait()
	}

	orch := orchestrator.NewOrchestrator(cfg, devices, seeds, comm, target)

	if cfg.Run.PreOpt {
		seq, err := orch.PreOpt(startSeq)
		if err != nil {
			log.Fatalf("pottsinfer: preopt: %v", err)
		}
		startSeq = seq
	} else if cfg.Run.PreEquilTime > 0 {
		orch.PreEquilibrate()
	}
	if cfg.Run.ResetSeqs && startSeq != nil {
		for _, d := range devices {
			d.ResetSeqs(startSeq)
		}
		for _, d := range devices {
			d.Wait()
		}
	}

	if err := orch.Run(); err != nil {
		log.Fatalf("pottsinfer: %v", err)
	}

	if cfg.Run.MPI {
		mpi.Finalize()
	}
}

func makeDevices(cfg *config.Config, q int) []*device.Context {
	devices := make([]*device.Context, cfg.Device.NDevices)
	bundle := kernel.NewCPUBundle()
	nLarge := cfg.Device.NWalkers * cfg.Device.NSamples
	for i := range devices {
		devices[i] = device.NewContext(i, cfg.Alphabet.Length, q, cfg.Device.NWalkers, nLarge, bundle)
	}
	return devices
}

// seedJ bootstraps every device's couplings once at startup (zero,
// independent log-odds from the target marginals, or loaded from
// file), then gauge-normalizes the seed to the fieldless-even gauge
// before the main loop ever runs.
func seedJ(cfg *config.Config, devices []*device.Context, target *potts.Bimarg) {
	L := cfg.Alphabet.Length
	q := potts.Alphabet(cfg.Alphabet.Letters).Q()

	var J *potts.Couplings
	switch {
	case cfg.Alphabet.InitCouplings != "":
		loaded, err := checkpoint.LoadCouplingsBin(cfg.Alphabet.InitCouplings, L, q)
		if err != nil {
			log.Fatalf("pottsinfer: loading initial couplings: %v", err)
		}
		J = loaded
	case cfg.Alphabet.CouplingInit == "logodds":
		f := potts.UnivariateMarginals(target)
		J = potts.LogOddsCouplings(L, q, f)
	default:
		J = potts.NewCouplings(L, q)
	}

	h, jz := gauge.Zero(J)
	fe := gauge.FieldlessEven(h, jz)
	for _, d := range devices {
		d.SetJ(device.Main, fe)
	}
	for _, d := range devices {
		d.Wait()
	}
}

func mpiInit(cfg *config.Config) *mpi.Comm {
	mpi.Init()
	comm, err := mpi.NewComm(nil)
	if err != nil {
		log.Println(err)
		cfg.Run.MPI = false
		return nil
	}
	mpi.Printf("MPI running on %d procs\n", mpi.WorldSize())
	return comm
}

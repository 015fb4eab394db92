// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rng centralizes every source of randomness this repository
// uses outside the device kernels themselves: the per-run seed ladder,
// walker-to-temperature shuffles, and the host PRNG that drives
// parallel-tempering swap proposals and start-seed rotation.
package rng

import (
	"math/rand"

	"github.com/emer/emergent/erand"
)

// Seeds holds the per-run seed ladder plus the host PRNG derived from
// it for this run. The host tempering PRNG is seeded explicitly per
// run, independent of the per-device MCMC seeds, so reproducibility
// holds across both.
type Seeds struct {
	Ladder erand.Seeds
	Host   *rand.Rand
}

// NewSeeds builds a ladder of maxRuns independent seeds and initializes
// the host PRNG from run 0's seed.
func NewSeeds(maxRuns int) *Seeds {
	s := &Seeds{}
	s.Ladder.Init(maxRuns)
	s.SetRun(0)
	return s
}

// SetRun re-seeds the host PRNG from the ladder entry for run.
func (s *Seeds) SetRun(run int) {
	s.Ladder.Set(run)
	s.Host = rand.New(rand.NewSource(int64(s.Ladder[run])))
}

// DeviceSeed derives a deterministic per-device run seed from the
// current run's ladder entry and a device index. The Metropolis kernel
// keys each walker's stream on this seed and the walker's index within
// its device, so a fan-out across n devices each holding W/n walkers
// draws different streams than a single-device run with W walkers: the
// pooled marginals agree only statistically, not sample for sample.
func (s *Seeds) DeviceSeed(run, deviceIdx int) uint64 {
	base := uint64(s.Ladder[run])
	return base*1000003 + uint64(deviceIdx)
}

// MCMCSeed derives the host-supplied run seed for one macro-iteration's
// MCMC phase, distinct across both runs and iterations so no two
// sampling phases replay the same proposal streams.
func (s *Seeds) MCMCSeed(run, iter int) uint64 {
	return uint64(s.Ladder[run]) ^ (uint64(iter+1) << 32)
}

// Shuffle permutes idx in place using erand.PermuteInts -- used to
// assign walkers to temperature-ladder rungs at random.
func Shuffle(idx []int) {
	erand.PermuteInts(idx)
}

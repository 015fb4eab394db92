// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcmc

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/ccnlab/pottsinfer/device"
	"github.com/ccnlab/pottsinfer/kernel"
)

func testDevices(t *testing.T, nDev, L, q, nSmall, nLarge int) []*device.Context {
	t.Helper()
	bundle := kernel.NewCPUBundle()
	devs := make([]*device.Context, nDev)
	for i := range devs {
		devs[i] = device.NewContext(i, L, q, nSmall, nLarge, bundle)
		d := devs[i]
		t.Cleanup(d.Close)
		d.RandomizeSeqs(uint64(100 + i))
		d.Wait()
	}
	return devs
}

func identityShuffle(idx []int) {}

func TestAssignLadderEqualPartition(t *testing.T) {
	devs := testDevices(t, 2, 4, 2, 4, 8)
	ladder := Ladder{1.0, 0.5}
	AssignLadder(devs, ladder, identityShuffle)
	counts := map[float32]int{}
	for _, d := range devs {
		for w, b := range d.Bs {
			counts[b]++
			if d.Primary[w] != (b == ladder[0]) {
				t.Fatalf("primary mark inconsistent with beta %g", b)
			}
		}
	}
	if counts[1.0] != 4 || counts[0.5] != 4 {
		t.Fatalf("rung counts %v, want 4 walkers per rung", counts)
	}
}

func TestSwapTempsPreservesBetaMultiset(t *testing.T) {
	devs := testDevices(t, 2, 4, 2, 4, 8)
	AssignLadder(devs, Ladder{1.0, 0.5}, identityShuffle)
	host := rand.New(rand.NewSource(7))
	for _, d := range devs {
		for w := range d.ESmall {
			d.ESmall[w] = float32(host.NormFloat64())
		}
	}
	before := gatherBetas(devs)
	rate := SwapTemps(devs, 32, 1.0, host)
	after := gatherBetas(devs)
	if rate < 0 || rate > 1 {
		t.Fatalf("swap rate %g outside [0,1]", rate)
	}
	sort.Slice(before, func(i, j int) bool { return before[i] < before[j] })
	sort.Slice(after, func(i, j int) bool { return after[i] < after[j] })
	for i := range before {
		if before[i] != after[i] {
			t.Fatal("swap changed the multiset of beta labels")
		}
	}
	for _, d := range devs {
		for w, b := range d.Bs {
			if d.Primary[w] != (b == 1.0) {
				t.Fatal("primary mark desynced from beta after swaps")
			}
		}
	}
}

func gatherBetas(devs []*device.Context) []float32 {
	var out []float32
	for _, d := range devs {
		out = append(out, d.Bs...)
	}
	return out
}

func TestDriverFillsLargeBufferAndNormalizes(t *testing.T) {
	devs := testDevices(t, 1, 4, 2, 8, 16)
	drv := &Driver{Devices: devs, Host: rand.New(rand.NewSource(1)), RunSeed: 11}
	res := drv.Run(Config{EquilTime: 2, SampleTime: 1, NSamples: 2}, []uint64{5}, 1)

	if devs[0].SeqLarge.N != 16 {
		t.Fatalf("large buffer holds %d walkers, want 16", devs[0].SeqLarge.N)
	}
	const L = 4
	for n := 0; n < L*(L-1)/2; n++ {
		var sum float64
		for _, v := range res.Bimarg.Row(n) {
			sum += float64(v)
		}
		if math.Abs(sum-1) > 1e-6 {
			t.Fatalf("bimarg pair %d sums to %g, want 1", n, sum)
		}
	}
	if res.MinEnergy > res.MeanEnergy {
		t.Fatalf("min energy %g above mean %g", res.MinEnergy, res.MeanEnergy)
	}
}

// TestDriverTemperingSamplesPrimaryOnly: with a two-rung ladder half
// the walkers are primary at any time, so each sampling snapshot must
// contribute exactly half a population.
func TestDriverTemperingSamplesPrimaryOnly(t *testing.T) {
	devs := testDevices(t, 1, 4, 2, 8, 16)
	AssignLadder(devs, Ladder{1.0, 0.5}, identityShuffle)
	drv := &Driver{Devices: devs, Host: rand.New(rand.NewSource(2)), RunSeed: 13}
	res := drv.Run(Config{
		EquilTime: 2, SampleTime: 1, NSamples: 2,
		Tempering: Ladder{1.0, 0.5}, NSwaps: 4,
	}, []uint64{5}, 1)

	if devs[0].SeqLarge.N != 8 {
		t.Fatalf("large buffer holds %d walkers, want 8 (primary half of 2 snapshots)", devs[0].SeqLarge.N)
	}
	if res.SwapRate < 0 || res.SwapRate > 1 {
		t.Fatalf("swap rate %g outside [0,1]", res.SwapRate)
	}
}

func TestDriverTrackEquilEmitsSnapshots(t *testing.T) {
	devs := testDevices(t, 1, 4, 2, 8, 16)
	drv := &Driver{Devices: devs, Host: rand.New(rand.NewSource(3)), RunSeed: 17}
	res := drv.Run(Config{EquilTime: 5, SampleTime: 1, NSamples: 1, TrackEquil: 2}, []uint64{5}, 1)
	if len(res.Equil) != 2 {
		t.Fatalf("got %d equilibration snapshots, want 2", len(res.Equil))
	}
	if res.Equil[0].Pass != 2 || res.Equil[1].Pass != 4 {
		t.Fatalf("snapshot passes %d,%d, want 2,4", res.Equil[0].Pass, res.Equil[1].Pass)
	}
}

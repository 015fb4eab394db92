// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package newton

import (
	"errors"
	"math"
	"testing"

	"github.com/ccnlab/pottsinfer/device"
	"github.com/ccnlab/pottsinfer/kernel"
	"github.com/ccnlab/pottsinfer/observables"
	"github.com/ccnlab/pottsinfer/potts"
)

// refinerDevice builds one device whose large buffer holds a fixed
// equilibrated population, with reference energies and trivial
// importance weights under the zero couplings resident in J main.
func refinerDevice(t *testing.T, bundle kernel.Bundle, L, q, n int) *device.Context {
	t.Helper()
	d := device.NewContext(0, L, q, n, n, bundle)
	t.Cleanup(d.Close)
	for w := 0; w < n; w++ {
		seq := d.SeqLarge.Seq(w)
		for i := range seq {
			seq[i] = byte((w + i) % q)
		}
		d.ELarge[w] = 0
		d.Weights[w] = 1
	}
	d.SeqLarge.N = n
	d.Neff = float32(n)
	return d
}

func uniformBimarg(L, q int) *potts.Bimarg {
	b := potts.NewBimarg(L, q)
	u := float32(1) / float32(q*q)
	for i := range b.T.Values {
		b.T.Values[i] = u
	}
	return b
}

// TestTrivialTrialIsExactReweighting: a gamma=0 trial leaves the
// couplings unchanged, so every weight must be exactly 1 and the
// reweighted marginal must match the direct histogram over the same
// population.
func TestTrivialTrialIsExactReweighting(t *testing.T) {
	const L, q, n = 3, 2, 6
	bundle := kernel.NewCPUBundle()
	d := refinerDevice(t, bundle, L, q, n)
	r := &Refiner{
		Devices: []*device.Context{d},
		Cfg:     Config{Steps: 1, Gamma0: 0, Pseudocount: 1e-3, MaxHalvings: 4},
	}
	log, err := r.Run(uniformBimarg(L, q))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("accepted %d steps, want 1", len(log))
	}
	if log[0].Neff != float32(n) {
		t.Errorf("Neff = %g, want %d", log[0].Neff, n)
	}
	for w := 0; w < n; w++ {
		if d.Weights[w] != 1 {
			t.Errorf("weight[%d] = %g, want exactly 1", w, d.Weights[w])
		}
	}

	hist := potts.NewBicount(L, q)
	bundle.CountBimarg(d.SeqLarge, hist)
	want := hist.Normalize()
	got := d.GetB(device.Back).Await().(*potts.Bimarg)
	for i := range want.T.Values {
		if diff := float64(got.T.Values[i] - want.T.Values[i]); math.Abs(diff) > 1e-6 {
			t.Fatalf("reweighted marg[%d] = %g, histogram %g", i, got.T.Values[i], want.T.Values[i])
		}
	}
}

// TestAcceptedStepLeavesFrontEqualBack checks the double-buffer
// invariant: after an accepted Newton step, front == back for both J
// and B.
func TestAcceptedStepLeavesFrontEqualBack(t *testing.T) {
	const L, q, n = 3, 2, 6
	d := refinerDevice(t, kernel.NewCPUBundle(), L, q, n)
	r := &Refiner{
		Devices: []*device.Context{d},
		Cfg:     Config{Steps: 2, Gamma0: 1e-2, Pseudocount: 1e-2, MaxHalvings: 8},
	}
	if _, err := r.Run(uniformBimarg(L, q)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	jf := d.GetJ(device.Front).Await().(*potts.Couplings)
	jb := d.GetJ(device.Back).Await().(*potts.Couplings)
	for i := range jf.T.Values {
		if jf.T.Values[i] != jb.T.Values[i] {
			t.Fatalf("J front[%d]=%g != back[%d]=%g after accepted step", i, jf.T.Values[i], i, jb.T.Values[i])
		}
	}
	bf := d.GetB(device.Front).Await().(*potts.Bimarg)
	bb := d.GetB(device.Back).Await().(*potts.Bimarg)
	for i := range bf.T.Values {
		if bf.T.Values[i] != bb.T.Values[i] {
			t.Fatalf("B front[%d] != back[%d] after accepted step", i, i)
		}
	}
}

// TestMonotoneSSRNonIncreasing: with the monotone acceptance policy the
// accepted-step SSR trace never increases.
func TestMonotoneSSRNonIncreasing(t *testing.T) {
	const L, q, n = 3, 2, 6
	d := refinerDevice(t, kernel.NewCPUBundle(), L, q, n)
	r := &Refiner{
		Devices: []*device.Context{d},
		Cfg:     Config{Steps: 4, Gamma0: 1e-2, Pseudocount: 1e-2, Monotone: true, MaxHalvings: 8},
	}
	log, err := r.Run(uniformBimarg(L, q))
	var div *DivergenceError
	if errors.As(err, &div) {
		t.Fatalf("unexpected divergence: %v", err)
	}
	for i := 1; i < len(log); i++ {
		if log[i].SSR > log[i-1].SSR {
			t.Fatalf("SSR increased across accepted steps: %g -> %g", log[i-1].SSR, log[i].SSR)
		}
	}
}

// TestDivergenceDetected: an absurd step size with negligible damping
// overflows the importance weights, which must surface as the hard
// divergence error rather than a bad accepted step.
func TestDivergenceDetected(t *testing.T) {
	const L, q, n = 3, 2, 6
	d := refinerDevice(t, kernel.NewCPUBundle(), L, q, n)
	r := &Refiner{
		Devices: []*device.Context{d},
		Cfg:     Config{Steps: 1, Gamma0: 1e4, Pseudocount: 1e-8, MaxHalvings: 4},
	}
	_, err := r.Run(uniformBimarg(L, q))
	var div *DivergenceError
	if !errors.As(err, &div) {
		t.Fatalf("got err %v, want DivergenceError", err)
	}
}

// worseningBundle wraps the CPU bundle but reports a fixed bad marginal
// for every trial after the first reduction, so every monotone trial is
// rejected.
type worseningBundle struct {
	kernel.CPUBundle
	calls int
	good  *potts.Bimarg
	bad   *potts.Bimarg
}

func (b *worseningBundle) WeightedMarg(large *potts.Sequences, weights []float32, neff float32) *potts.Bimarg {
	b.calls++
	if b.calls == 1 {
		return b.good.Clone()
	}
	return b.bad.Clone()
}

// TestTrustRegionExhaustion: when no trial ever improves the SSR, the
// refiner halves gamma until the reject budget runs out and ends the
// phase with the recoverable exhaustion error and no accepted steps.
func TestTrustRegionExhaustion(t *testing.T) {
	const L, q, n = 3, 2, 6
	target := uniformBimarg(L, q)
	bad := uniformBimarg(L, q)
	bad.T.Values[0] += 0.2
	bad.T.Values[1] -= 0.2
	wb := &worseningBundle{good: target.Clone(), bad: bad}
	d := refinerDevice(t, wb, L, q, n)
	r := &Refiner{
		Devices: []*device.Context{d},
		Cfg:     Config{Steps: 2, Gamma0: 1e-2, Pseudocount: 1e-2, Monotone: true, MaxHalvings: 3},
	}
	log, err := r.Run(target)
	var tre *TrustRegionExhaustedError
	if !errors.As(err, &tre) {
		t.Fatalf("got err %v, want TrustRegionExhaustedError", err)
	}
	if len(log) != 0 {
		t.Fatalf("accepted %d steps, want 0", len(log))
	}
}

// TestPooledMargReduction exercises the multi-device reduction rule
// B_model = sum(Neff_dev * B_dev) / sum(Neff_dev) directly.
func TestPooledMargReduction(t *testing.T) {
	const L, q = 3, 2
	b1 := uniformBimarg(L, q)
	b2 := potts.NewBimarg(L, q)
	b2.T.Values[0] = 1 // degenerate but fine for the arithmetic
	got, neff := observables.ReduceWeightedMarg([]*potts.Bimarg{b1, b2}, []float32{3, 1}, nil)
	if neff != 4 {
		t.Fatalf("pooled neff = %g, want 4", neff)
	}
	want := (3*0.25 + 1*1.0) / 4
	if diff := math.Abs(float64(got.T.Values[0]) - want); diff > 1e-6 {
		t.Fatalf("pooled marg[0] = %g, want %g", got.T.Values[0], want)
	}
}

// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package observables

import (
	"math"
	"testing"

	"github.com/ccnlab/pottsinfer/device"
	"github.com/ccnlab/pottsinfer/kernel"
	"github.com/ccnlab/pottsinfer/potts"
)

func constBimarg(L, q int, v float32) *potts.Bimarg {
	b := potts.NewBimarg(L, q)
	for i := range b.T.Values {
		b.T.Values[i] = v
	}
	return b
}

func TestReduceBicountsNormalizesRows(t *testing.T) {
	const L, q = 3, 2
	bc1 := potts.NewBicount(L, q)
	bc2 := potts.NewBicount(L, q)
	bc1.Row(0)[0] = 3
	bc2.Row(0)[1] = 1
	for n := 1; n < potts.NPairs(L); n++ {
		bc1.Row(n)[0] = 2
		bc2.Row(n)[3] = 2
	}
	bm := ReduceBicounts([]*potts.Bicount{bc1, bc2}, nil)
	for n := 0; n < potts.NPairs(L); n++ {
		var sum float64
		for _, v := range bm.Row(n) {
			sum += float64(v)
		}
		if math.Abs(sum-1) > 1e-6 {
			t.Fatalf("pair %d row sums to %g, want 1", n, sum)
		}
	}
	if got := bm.Row(0)[0]; math.Abs(float64(got)-0.75) > 1e-6 {
		t.Fatalf("pooled marg[0,0] = %g, want 0.75", got)
	}
}

func TestReduceWeightedMargNeffWeighting(t *testing.T) {
	const L, q = 3, 2
	b1 := constBimarg(L, q, 0.25)
	b2 := constBimarg(L, q, 0.75)
	got, neff := ReduceWeightedMarg([]*potts.Bimarg{b1, b2}, []float32{1, 3}, nil)
	if neff != 4 {
		t.Fatalf("neff = %g, want 4", neff)
	}
	want := (1*0.25 + 3*0.75) / 4
	for i, v := range got.T.Values {
		if math.Abs(float64(v)-want) > 1e-6 {
			t.Fatalf("pooled[%d] = %g, want %g", i, v, want)
		}
	}
}

func TestReduceWeightedMargZeroNeff(t *testing.T) {
	const L, q = 3, 2
	got, neff := ReduceWeightedMarg([]*potts.Bimarg{constBimarg(L, q, 0.25)}, []float32{0}, nil)
	if neff != 0 {
		t.Fatalf("neff = %g, want 0", neff)
	}
	for _, v := range got.T.Values {
		if v != 0 {
			t.Fatal("zero-neff reduction must return a zero marginal, not NaN")
		}
	}
}

func TestSSRAndFracErr(t *testing.T) {
	const L, q = 3, 2
	target := constBimarg(L, q, 0.25)
	model := constBimarg(L, q, 0.25)
	if ssr := SSR(model, target); ssr != 0 {
		t.Fatalf("SSR of identical marginals = %g, want 0", ssr)
	}
	model.T.Values[0] = 0.35
	wantSSR := 0.01
	if ssr := SSR(model, target); math.Abs(ssr-wantSSR) > 1e-8 {
		t.Fatalf("SSR = %g, want %g", ssr, wantSSR)
	}

	nbins := len(target.T.Values)
	wantFerr := (0.1 / 0.25) / float64(nbins)
	if ferr := FracErr(model, target, 0.01); math.Abs(ferr-wantFerr) > 1e-6 {
		t.Fatalf("FracErr = %g, want %g", ferr, wantFerr)
	}
	// threshold above every target bin: no bins qualify
	if ferr := FracErr(model, target, 0.5); ferr != 0 {
		t.Fatalf("FracErr over empty bin set = %g, want 0", ferr)
	}
}

func TestWeightedAbsDelta(t *testing.T) {
	const L, q = 3, 2
	target := constBimarg(L, q, 0.25)
	model := constBimarg(L, q, 0.25)
	model.T.Values[0] = 0.15
	want := 0.25 * 0.1
	if wdf := WeightedAbsDelta(model, target); math.Abs(wdf-want) > 1e-6 {
		t.Fatalf("wDf = %g, want %g", wdf, want)
	}
}

func TestEnergyStatsOverSampledPopulation(t *testing.T) {
	d := device.NewContext(0, 3, 2, 4, 8, kernel.NewCPUBundle())
	defer d.Close()
	copy(d.ELarge, []float32{-2, 1, 3, 0, 99, 99, 99, 99})
	d.SeqLarge.N = 4 // stats must ignore the unfilled tail
	min, mean := EnergyStats([]*device.Context{d})
	if min != -2 {
		t.Fatalf("min = %g, want -2", min)
	}
	if math.Abs(float64(mean)-0.5) > 1e-6 {
		t.Fatalf("mean = %g, want 0.5", mean)
	}
}

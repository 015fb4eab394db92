// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gauge

import (
	"math"
	"math/rand"
	"testing"

	"github.com/ccnlab/pottsinfer/potts"
)

func randomCouplings(L, q int, rng *rand.Rand) *potts.Couplings {
	J := potts.NewCouplings(L, q)
	for n := 0; n < potts.NPairs(L); n++ {
		row := J.Row(n)
		for k := range row {
			row[k] = float32(rng.NormFloat64())
		}
	}
	return J
}

func allSeqs(L, q int) [][]byte {
	var out [][]byte
	var rec func(prefix []byte)
	rec = func(prefix []byte) {
		if len(prefix) == L {
			cp := append([]byte{}, prefix...)
			out = append(out, cp)
			return
		}
		for a := 0; a < q; a++ {
			rec(append(prefix, byte(a)))
		}
	}
	rec(nil)
	return out
}

// TestZeroGaugeRowColMeansVanish checks that after Zero, every pair's
// block has zero row and column means (the defining property of the
// zero gauge).
func TestZeroGaugeRowColMeansVanish(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const L, q = 4, 3
	J := randomCouplings(L, q, rng)
	_, J0 := Zero(J)
	for n := 0; n < potts.NPairs(L); n++ {
		ps := blockStats(J0.Row(n), q)
		for a := 0; a < q; a++ {
			if math.Abs(float64(ps.rowMean[a])) > 1e-4 {
				t.Errorf("pair %d row mean[%d] = %g, want ~0", n, a, ps.rowMean[a])
			}
		}
		for b := 0; b < q; b++ {
			if math.Abs(float64(ps.colMean[b])) > 1e-4 {
				t.Errorf("pair %d col mean[%d] = %g, want ~0", n, b, ps.colMean[b])
			}
		}
	}
}

// TestZeroJFieldlessEvenPreservesEnergy is the key correctness property
// of the gauge pipeline: re-gauging via
// ZeroJ then FieldlessEven must reproduce every sequence's original
// energy exactly, since the two transforms only move mass between J and
// a field that FieldlessEven folds back into J without a separate field
// term.
func TestZeroJFieldlessEvenPreservesEnergy(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const L, q = 3, 2
	J := randomCouplings(L, q, rng)
	h, J0 := ZeroJ(J)
	Jfe := FieldlessEven(h, J0)

	for _, seq := range allSeqs(L, q) {
		orig := potts.Energy(J, seq)
		got := potts.Energy(Jfe, seq)
		if math.Abs(float64(orig-got)) > 1e-3 {
			t.Errorf("seq %v: energy changed by regauge: got %g, want %g", seq, got, orig)
		}
	}
}

// TestZeroGaugeIdempotent: applying the zero gauge twice equals
// applying it once, up to float32 tolerance.
func TestZeroGaugeIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const L, q = 4, 3
	J := randomCouplings(L, q, rng)
	_, J1 := Zero(J)
	_, J2 := Zero(J1)
	for i := range J1.T.Values {
		if math.Abs(float64(J1.T.Values[i]-J2.T.Values[i])) > 1e-5 {
			t.Fatalf("zero gauge not idempotent at %d: %g vs %g", i, J1.T.Values[i], J2.T.Values[i])
		}
	}
}

// TestFieldlessEvenTrivialWhenFieldZero confirms FieldlessEven is a
// no-op (up to floating point) when h is all zero.
func TestFieldlessEvenTrivialWhenFieldZero(t *testing.T) {
	const L, q = 3, 2
	J := potts.NewCouplings(L, q)
	J.Row(0)[0] = 5
	h := potts.NewFields(L, q)
	out := FieldlessEven(h, J)
	if out.Row(0)[0] != 5 {
		t.Errorf("FieldlessEven with zero field changed J: got %g, want 5", out.Row(0)[0])
	}
}

func TestFieldlessEvenSingleResidueIsIdentity(t *testing.T) {
	J := potts.NewCouplings(1, 2)
	h := potts.NewFields(1, 2)
	h.Row(0)[0] = 3
	out := FieldlessEven(h, J)
	if out.L != 1 {
		t.Fatalf("unexpected shape")
	}
}

// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package checkpoint persists one macro-iteration's state to a run_i
// directory: couplings, bimarg, bicounts, energies, the predicted
// bimarg, the start sequence, optionally raw walker sequences, and an
// info.txt summary. Marginal tables go through etable.Table CSV;
// coupling, bicount and energy buffers are written as flat text (one
// value per line) and sequences as raw letter-index bytes, since
// etable has no byte-tensor column type that fits.
package checkpoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ccnlab/pottsinfer/potts"
	"github.com/emer/etable/etable"
	"github.com/emer/etable/etensor"
	"github.com/goki/gi/gi"
)

// Snapshot is everything one macro-iteration writes to its run_i
// directory.
type Snapshot struct {
	Iter          int
	Couplings     *potts.Couplings
	Bimarg        *potts.Bimarg
	Bicount       *potts.Bicount
	Energies      []float32
	PredictedMarg *potts.Bimarg
	StartSeq      string // rendered over the configured alphabet, by the caller
	Seqs          *potts.Sequences // nil unless SaveSeqs is enabled
	SSR           float64
	FracErr       float64
	WDf           float64 // weighted-absolute-marginal-delta between predicted and target
	SwapRate      float32
	NewtonSteps   int
}

// Dir returns the conventional run_i subdirectory path for iter under
// root.
func Dir(root string, iter int) string {
	return filepath.Join(root, fmt.Sprintf("run_%d", iter))
}

// Save writes snap to Dir(root, snap.Iter), creating the directory if
// needed.
func Save(root string, snap *Snapshot) error {
	dir := Dir(root, snap.Iter)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := saveBimargCSV(filepath.Join(dir, "bimarg"), snap.Bimarg); err != nil {
		return err
	}
	if err := saveBimargCSV(filepath.Join(dir, "predictedBimarg"), snap.PredictedMarg); err != nil {
		return err
	}
	if err := saveCouplingsBin(filepath.Join(dir, "J"), snap.Couplings); err != nil {
		return err
	}
	if err := saveBicountBin(filepath.Join(dir, "bicounts"), snap.Bicount); err != nil {
		return err
	}
	if err := saveFloat32Bin(filepath.Join(dir, "energies"), snap.Energies); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "startseq"), []byte(snap.StartSeq), 0o644); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if snap.Seqs != nil {
		if err := saveBytes(filepath.Join(dir, fmt.Sprintf("seqs-%d", snap.Iter)), snap.Seqs.Letters); err != nil {
			return err
		}
	}
	return saveInfo(filepath.Join(dir, "info.txt"), snap)
}

// bimargSchema returns the (pair,a,b,freq) schema used for every
// marginal table this package writes.
func bimargSchema() etable.Schema {
	return etable.Schema{
		{"Pair", etensor.INT64, nil, nil},
		{"A", etensor.INT64, nil, nil},
		{"B", etensor.INT64, nil, nil},
		{"Freq", etensor.FLOAT32, nil, nil},
	}
}

func saveBimargCSV(path string, b *potts.Bimarg) error {
	var dt etable.Table
	rows := potts.NPairs(b.L) * b.Q * b.Q
	dt.SetFromSchema(bimargSchema(), rows)
	r := 0
	for n := 0; n < potts.NPairs(b.L); n++ {
		row := b.Row(n)
		for a := 0; a < b.Q; a++ {
			for bb := 0; bb < b.Q; bb++ {
				dt.SetCellFloat("Pair", r, float64(n))
				dt.SetCellFloat("A", r, float64(a))
				dt.SetCellFloat("B", r, float64(bb))
				dt.SetCellFloat("Freq", r, float64(row[a*b.Q+bb]))
				r++
			}
		}
	}
	return dt.SaveCSV(gi.FileName(path), etable.Tab, etable.Headers)
}

func saveCouplingsBin(path string, J *potts.Couplings) error {
	return saveFloat32Bin(path, J.T.Values)
}

func saveBicountBin(path string, bc *potts.Bicount) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	for _, v := range bc.T.Values {
		fmt.Fprintf(w, "%d\n", v)
	}
	return nil
}

func saveFloat32Bin(path string, vals []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	for _, v := range vals {
		fmt.Fprintf(w, "%g\n", v)
	}
	return nil
}

func saveBytes(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func saveInfo(path string, snap *Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintf(f, "iter: %d\n", snap.Iter)
	fmt.Fprintf(f, "SSR: %g\n", snap.SSR)
	fmt.Fprintf(f, "Ferr: %g\n", snap.FracErr)
	fmt.Fprintf(f, "wDf: %g\n", snap.WDf)
	fmt.Fprintf(f, "swap rate: %g\n", snap.SwapRate)
	fmt.Fprintf(f, "newton steps accepted: %d\n", snap.NewtonSteps)
	return nil
}

// LoadCouplingsBin reads a coupling tensor written by saveCouplingsBin
// (one float32 per line, row-major pair/ab order) back into a
// *potts.Couplings -- used to seed J from a prior run's checkpoint.
func LoadCouplingsBin(path string, L, q int) (*potts.Couplings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: loading %s: %w", path, err)
	}
	defer f.Close()
	J := potts.NewCouplings(L, q)
	vals := J.T.Values
	sc := bufio.NewScanner(f)
	i := 0
	for sc.Scan() && i < len(vals) {
		var v float32
		if _, err := fmt.Sscanf(sc.Text(), "%g", &v); err != nil {
			return nil, fmt.Errorf("checkpoint: parsing %s line %d: %w", path, i, err)
		}
		vals[i] = v
		i++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: reading %s: %w", path, err)
	}
	return J, nil
}

// LoadBimargCSV reads a bimarg table written by saveBimargCSV back into
// a *potts.Bimarg -- used to load the target marginals at startup.
func LoadBimargCSV(path string, L, q int) (*potts.Bimarg, error) {
	var dt etable.Table
	dt.SetFromSchema(bimargSchema(), 0)
	if err := dt.OpenCSV(gi.FileName(path), etable.Tab); err != nil {
		return nil, fmt.Errorf("checkpoint: loading %s: %w", path, err)
	}
	out := potts.NewBimarg(L, q)
	for r := 0; r < dt.Rows; r++ {
		n := int(dt.CellFloat("Pair", r))
		a := int(dt.CellFloat("A", r))
		b := int(dt.CellFloat("B", r))
		out.Row(n)[a*q+b] = float32(dt.CellFloat("Freq", r))
	}
	return out, nil
}

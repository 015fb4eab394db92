// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcmc

import (
	"math"
	"math/rand"

	"github.com/ccnlab/pottsinfer/device"
)

// Ladder is the fixed inverse-temperature schedule for parallel
// tempering; Ladder[0] is the primary chain (beta = 1.0 by
// convention).
type Ladder []float32

// AssignLadder partitions the walkers equally across the ladder rungs
// and shuffles the assignment, marking beta==ladder[0] walkers as
// primary.
func AssignLadder(devices []*device.Context, ladder Ladder, shuffle func([]int)) {
	total := 0
	for _, d := range devices {
		total += len(d.Bs)
	}
	assign := make([]float32, total)
	for i := range assign {
		assign[i] = ladder[i%len(ladder)]
	}
	idx := make([]int, total)
	for i := range idx {
		idx[i] = i
	}
	shuffle(idx)
	shuffled := make([]float32, total)
	for i, j := range idx {
		shuffled[i] = assign[j]
	}
	pos := 0
	for _, d := range devices {
		for w := range d.Bs {
			d.Bs[w] = shuffled[pos]
			d.Primary[w] = shuffled[pos] == ladder[0]
			pos++
		}
	}
}

// SwapTemps performs nswaps Metropolis swap proposals between randomly
// picked walker pairs whose beta differ, accepting when
// (E_i-E_j)(Bs_i-Bs_j) > log(U), U~Uniform(0,1). Returns the observed
// swap rate (accepted / proposed).
//
// This must run after every device's small-buffer energies are up to
// date; the caller is responsible for that barrier.
func SwapTemps(devices []*device.Context, nswaps int, beta0 float32, host *rand.Rand) float32 {
	es, bs, owner, widx := gatherSmall(devices)
	n := len(es)
	if n < 2 {
		return 0
	}
	mixed := false
	for k := 1; k < n; k++ {
		if bs[k] != bs[0] {
			mixed = true
			break
		}
	}
	if !mixed {
		return 0
	}
	accepted := 0
	for s := 0; s < nswaps; s++ {
		i, j := host.Intn(n), host.Intn(n)
		for bs[i] == bs[j] {
			i, j = host.Intn(n), host.Intn(n)
		}
		lhs := float64(es[i]-es[j]) * float64(bs[i]-bs[j])
		if lhs > math.Log(host.Float64()) {
			bs[i], bs[j] = bs[j], bs[i]
			accepted++
		}
	}
	scatterBs(devices, bs, owner, widx, beta0)
	return float32(accepted) / float32(nswaps)
}

func gatherSmall(devices []*device.Context) (es, bs []float32, owner, widx []int) {
	for di, d := range devices {
		for w, e := range d.ESmall {
			es = append(es, e)
			bs = append(bs, d.Bs[w])
			owner = append(owner, di)
			widx = append(widx, w)
		}
	}
	return
}

func scatterBs(devices []*device.Context, bs []float32, owner, widx []int, beta0 float32) {
	for k, b := range bs {
		d := devices[owner[k]]
		w := widx[k]
		d.Bs[w] = b
		d.Primary[w] = b == beta0
	}
}

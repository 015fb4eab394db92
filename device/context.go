// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package device implements the per-accelerator buffer discipline: a
// fixed set of named typed buffers, a single in-order command queue,
// and the lazily-memoized packed-J shadow. Each Context owns exactly
// one slice of walker state; walkers are partitioned across devices,
// couplings replicated.
package device

import (
	"math/rand"

	"github.com/ccnlab/pottsinfer/kernel"
	"github.com/ccnlab/pottsinfer/potts"
)

// Role names a front/back/main slot of a double-buffered field.
type Role int

const (
	Main Role = iota
	Front
	Back
)

func (r Role) String() string {
	switch r {
	case Main:
		return "main"
	case Front:
		return "front"
	case Back:
		return "back"
	}
	return "?"
}

// Which names a small/large sequence buffer.
type Which int

const (
	Small Which = iota
	Large
)

// Future is a deferred-value handle returned by an asynchronous
// download: Await blocks until the owning device's command queue has
// processed the download.
type Future struct {
	done chan struct{}
	val  interface{}
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(v interface{}) {
	f.val = v
	close(f.done)
}

// Await blocks until the value is ready and returns it.
func (f *Future) Await() interface{} {
	<-f.done
	return f.val
}

// Context is one accelerator's buffer set, kernel dispatcher, and
// command queue. All buffer fields are exported for direct access by
// package mcmc/newton/observables after a Wait(); every method that
// issues device work instead enqueues a closure onto the single worker
// goroutine, preserving in-order, single-queue semantics within one
// device.
type Context struct {
	ID     int
	L, Q   int
	Bundle kernel.Bundle

	// per-parameter-field double buffers
	J      potts.Couplings
	JFront potts.Couplings
	JBack  potts.Couplings

	B      potts.Bimarg
	BFront potts.Bimarg
	BBack  potts.Bimarg

	// sequence buffers. SeqLarge.N tracks the filled prefix of the
	// accumulated sample set; its backing storage always holds the full
	// nLarge capacity.
	SeqSmall *potts.Sequences
	SeqLarge *potts.Sequences
	nLarge   int // large-buffer capacity in walkers

	ESmall  []float32
	ELarge  []float32
	Bs      []float32 // per-walker inverse temperature, len == NSmall
	Primary []bool    // per-walker "is primary (beta=beta0)" mark

	Weights []float32 // per-walker importance weight, len == nLarge
	Neff    float32

	// packed-J shadow: packed holds the expansion of whichever role was
	// last packed; packedValid is the single validity token -- false
	// means "must repack before the next kernel that needs it".
	packed      *kernel.PackedJ
	packedRole  Role
	packedValid bool

	queue chan func()
	quit  chan struct{}
}

// NewContext allocates a device context for L positions, alphabet q,
// nSmall live walkers and an nSmall*S large sample buffer.
func NewContext(id, L, q, nSmall, nLarge int, bundle kernel.Bundle) *Context {
	c := &Context{
		ID: id, L: L, Q: q, Bundle: bundle, nLarge: nLarge,
		J:      *potts.NewCouplings(L, q),
		JFront: *potts.NewCouplings(L, q),
		JBack:  *potts.NewCouplings(L, q),
		B:      *potts.NewBimarg(L, q),
		BFront: *potts.NewBimarg(L, q),
		BBack:  *potts.NewBimarg(L, q),
		SeqSmall: potts.NewSequences(L, q, nSmall),
		SeqLarge: potts.NewSequences(L, q, nLarge),
		ESmall:  make([]float32, nSmall),
		ELarge:  make([]float32, nLarge),
		Bs:      make([]float32, nSmall),
		Primary: make([]bool, nSmall),
		Weights: make([]float32, nLarge),
		queue:   make(chan func(), 64),
		quit:    make(chan struct{}),
	}
	for i := range c.Bs {
		c.Bs[i] = 1.0
		c.Primary[i] = true
	}
	go c.run()
	return c
}

func (c *Context) run() {
	for {
		select {
		case job := <-c.queue:
			job()
		case <-c.quit:
			return
		}
	}
}

// Close stops the device's command queue goroutine.
func (c *Context) Close() { close(c.quit) }

// enqueue schedules fn on the device's in-order queue and returns a
// Future that resolves once fn has run.
func (c *Context) enqueue(fn func() interface{}) *Future {
	f := newFuture()
	c.queue <- func() {
		f.resolve(fn())
	}
	return f
}

// Wait blocks the caller until every job enqueued so far has
// completed -- the explicit barrier of the command-queue discipline.
func (c *Context) Wait() {
	c.enqueue(func() interface{} { return nil }).Await()
}

// Do schedules fn to run on this device's single command queue,
// in order with every other enqueued operation, and returns a Future
// resolving to fn's result. Callers that need more than one buffer
// operation to happen atomically with respect to the queue (e.g. set a
// trial J, pack it, then compute weights against it) must compose them
// inside one Do call rather than issuing separate Context methods,
// since those each enqueue independently and offer no atomicity across
// calls.
func (c *Context) Do(fn func() interface{}) *Future {
	return c.enqueue(fn)
}

// jBuf dereferences a Role to its concrete coupling buffer.
func (c *Context) jBuf(r Role) *potts.Couplings {
	switch r {
	case Main:
		return &c.J
	case Front:
		return &c.JFront
	case Back:
		return &c.JBack
	}
	panic("device: bad J role")
}

func (c *Context) bBuf(r Role) *potts.Bimarg {
	switch r {
	case Main:
		return &c.B
	case Front:
		return &c.BFront
	case Back:
		return &c.BBack
	}
	panic("device: bad B role")
}

// SetJ uploads host data into J role r (blocking on this call's own
// completion is the caller's choice via the returned Future).
func (c *Context) SetJ(r Role, src *potts.Couplings) *Future {
	return c.enqueue(func() interface{} {
		c.SetJSync(r, src)
		return nil
	})
}

// SetJSync performs SetJ's buffer copy and packed-token invalidation
// immediately on the calling goroutine. Only safe to call from inside a
// job already running on this device's queue (i.e. from within a Do
// closure); anywhere else, use SetJ.
func (c *Context) SetJSync(r Role, src *potts.Couplings) {
	c.jBuf(r).CopyFrom(src)
	c.invalidateIfPacked(r)
}

// GetJ downloads J role r.
func (c *Context) GetJ(r Role) *Future {
	return c.enqueue(func() interface{} {
		return c.jBuf(r).Clone()
	})
}

func (c *Context) SetB(r Role, src *potts.Bimarg) *Future {
	return c.enqueue(func() interface{} {
		c.bBuf(r).CopyFrom(src)
		return nil
	})
}

func (c *Context) GetB(r Role) *Future {
	return c.enqueue(func() interface{} {
		return c.bBuf(r).Clone()
	})
}

// CopyJ copies src role into dst role, device-to-device. If dst is the
// currently-packed role, the packed-shadow validity token is
// invalidated.
func (c *Context) CopyJ(src, dst Role) *Future {
	return c.enqueue(func() interface{} {
		c.jBuf(dst).CopyFrom(c.jBuf(src))
		c.invalidateIfPacked(dst)
		return nil
	})
}

func (c *Context) CopyB(src, dst Role) *Future {
	return c.enqueue(func() interface{} {
		c.bBuf(dst).CopyFrom(c.bBuf(src))
		return nil
	})
}

// SwapJ swaps front/back in O(1) by renaming; the packed-shadow token
// is renamed accordingly rather than invalidated, since the underlying
// data did not move.
func (c *Context) SwapJ() *Future {
	return c.enqueue(func() interface{} {
		c.JFront, c.JBack = c.JBack, c.JFront
		if c.packedValid {
			switch c.packedRole {
			case Front:
				c.packedRole = Back
			case Back:
				c.packedRole = Front
			}
		}
		return nil
	})
}

func (c *Context) SwapB() *Future {
	return c.enqueue(func() interface{} {
		c.BFront, c.BBack = c.BBack, c.BFront
		return nil
	})
}

// StoreJ copies front into back -- the Newton "accept" operation.
func (c *Context) StoreJ() *Future { return c.CopyJ(Front, Back) }
func (c *Context) StoreB() *Future { return c.CopyB(Front, Back) }

func (c *Context) invalidateIfPacked(r Role) {
	if c.packedValid && c.packedRole == r {
		c.packedValid = false
	}
}

// PackJ lazily expands role r into the packed L^2 x q^2 form every
// kernel consumes, memoized via the single validity token. Returns the
// packed tensor; callers never need to (and must not) mutate it. Must
// run either inside a queued job or with the queue drained (after
// Wait) -- the shadow state is owned by the device's command stream.
func (c *Context) PackJ(r Role) *kernel.PackedJ {
	if c.packedValid && c.packedRole == r {
		return c.packed
	}
	c.packed = c.Bundle.PackJ(c.jBuf(r))
	c.packedRole = r
	c.packedValid = true
	return c.packed
}

// RunMetropolis dispatches the metropolis kernel over the small
// sequence buffer, using J role Main; the main J buffer must be up to
// date on entry.
func (c *Context) RunMetropolis(runSeed, gpuSeed uint64, nsteps int) *Future {
	return c.enqueue(func() interface{} {
		jp := c.PackJ(Main)
		c.Bundle.Metropolis(c.SeqSmall, c.ESmall, c.Bs, jp, runSeed, gpuSeed, nsteps)
		return nil
	})
}

// CalcBicounts builds a bicount histogram over the small or large
// sequence buffer. For the large buffer only the filled prefix counts.
func (c *Context) CalcBicounts(which Which) *Future {
	return c.enqueue(func() interface{} {
		seqs := c.seqBuf(which)
		bc := potts.NewBicount(c.L, c.Q)
		c.Bundle.CountBimarg(seqs, bc)
		return bc
	})
}

// CalcPrimaryBicounts builds a bicount histogram over only the primary
// (beta = beta0) walkers in the small buffer -- the equilibration-
// tracking statistic under parallel tempering, where only primary
// walkers contribute to statistics. Without tempering every walker is
// primary and this equals CalcBicounts(Small).
func (c *Context) CalcPrimaryBicounts() *Future {
	return c.enqueue(func() interface{} {
		np := 0
		for _, p := range c.Primary {
			if p {
				np++
			}
		}
		sub := potts.NewSequences(c.L, c.Q, np)
		i := 0
		for w := 0; w < c.SeqSmall.N; w++ {
			if !c.Primary[w] {
				continue
			}
			copy(sub.Seq(i), c.SeqSmall.Seq(w))
			i++
		}
		bc := potts.NewBicount(c.L, c.Q)
		c.Bundle.CountBimarg(sub, bc)
		return bc
	})
}

// CalcEnergies recomputes energies for the small or large buffer using
// the packed form of J role r.
func (c *Context) CalcEnergies(which Which, r Role) *Future {
	return c.enqueue(func() interface{} {
		jp := c.PackJ(r)
		seqs := c.seqBuf(which)
		e := c.energyBuf(which)
		c.Bundle.GetEnergies(seqs, jp, e)
		return nil
	})
}

func (c *Context) seqBuf(w Which) *potts.Sequences {
	if w == Small {
		return c.SeqSmall
	}
	return c.SeqLarge
}

func (c *Context) energyBuf(w Which) []float32 {
	if w == Small {
		return c.ESmall
	}
	return c.ELarge
}

// ResetLarge clears the accumulated sample set, resetting the large
// buffer's filled prefix to empty.
func (c *Context) ResetLarge() *Future {
	return c.enqueue(func() interface{} {
		c.SeqLarge.N = 0
		return nil
	})
}

// EmitSamples appends the current primary walkers in the small buffer
// to the large buffer's filled prefix. When every walker is primary
// (tempering off) this is one whole-population storeSeqs dispatch at
// the next snapshot offset; under tempering only primary walkers are
// emitted, compacted.
func (c *Context) EmitSamples() *Future {
	return c.enqueue(func() interface{} {
		filled := c.SeqLarge.N
		all := true
		for _, p := range c.Primary {
			if !p {
				all = false
				break
			}
		}
		if all && filled%c.SeqSmall.N == 0 {
			if filled+c.SeqSmall.N > c.nLarge {
				panic("device: large sequence buffer overflow")
			}
			c.Bundle.StoreSeqs(c.SeqSmall, c.SeqLarge, filled/c.SeqSmall.N)
			c.SeqLarge.N = filled + c.SeqSmall.N
			return nil
		}
		for w := 0; w < c.SeqSmall.N; w++ {
			if !c.Primary[w] {
				continue
			}
			if filled >= c.nLarge {
				panic("device: large sequence buffer overflow")
			}
			copy(c.SeqLarge.Seq(filled), c.SeqSmall.Seq(w))
			filled++
		}
		c.SeqLarge.N = filled
		return nil
	})
}

// ResetSeqs tiles startSeq across every walker in the small buffer.
func (c *Context) ResetSeqs(startSeq []byte) *Future {
	return c.enqueue(func() interface{} {
		for w := 0; w < c.SeqSmall.N; w++ {
			copy(c.SeqSmall.Seq(w), startSeq)
		}
		return nil
	})
}

// RandomizeSeqs initializes every walker in the small buffer to an
// independent uniform random sequence, the walker initialization used
// when no start sequence is configured.
func (c *Context) RandomizeSeqs(seed uint64) *Future {
	return c.enqueue(func() interface{} {
		rng := rand.New(rand.NewSource(int64(seed)))
		for w := 0; w < c.SeqSmall.N; w++ {
			seq := c.SeqSmall.Seq(w)
			for i := range seq {
				seq[i] = byte(rng.Intn(c.Q))
			}
		}
		return nil
	})
}

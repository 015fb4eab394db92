// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package newton

import "fmt"

// DivergenceError reports a hard failure: Neff collapsed to zero or
// went non-finite inside a Newton step. This is fatal and terminates
// the whole run -- Orchestrator.Run propagates it rather than
// continuing to the next macro-iteration.
type DivergenceError struct {
	Step  int
	Gamma float32
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("newton: step %d diverged at gamma=%g (Neff collapsed or non-finite); decrease gamma or increase pc-damping", e.Step, e.Gamma)
}

// TrustRegionExhaustedError reports a recoverable condition: gamma
// halved below the configured floor, or MaxHalvings consecutive
// rejects, before an acceptable trial was found. The
// macro-orchestrator logs this and continues with the last accepted J.
type TrustRegionExhaustedError struct {
	Step     int
	MinGamma float32
	Halvings int
}

func (e *TrustRegionExhaustedError) Error() string {
	return fmt.Sprintf("newton: step %d exhausted trust region after %d halvings (gamma floor %g)", e.Step, e.Halvings, e.MinGamma)
}

// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import "fmt"

// Error reports a configuration fault: an invalid or inconsistent
// value detected before any device work starts.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Validate checks the configuration for startup faults. It returns the
// first fault found; the caller aborts before any device work.
func (cfg *Config) Validate() error {
	letters := cfg.Alphabet.Letters
	if len(letters) < 2 {
		return &Error{"Alphabet.Letters", "need at least 2 characters"}
	}
	seen := map[byte]bool{}
	for i := 0; i < len(letters); i++ {
		if seen[letters[i]] {
			return &Error{"Alphabet.Letters", fmt.Sprintf("duplicate character %q", letters[i])}
		}
		seen[letters[i]] = true
	}
	if cfg.Alphabet.Length < 2 {
		return &Error{"Alphabet.Length", "sequence length must be at least 2"}
	}
	if cfg.Alphabet.TargetBimarg == "" {
		return &Error{"Alphabet.TargetBimarg", "no target marginal file given"}
	}
	switch cfg.Alphabet.CouplingInit {
	case "zero", "logodds":
	default:
		return &Error{"Alphabet.CouplingInit", fmt.Sprintf("unknown initializer %q", cfg.Alphabet.CouplingInit)}
	}
	if ss := cfg.Alphabet.StartSeq; ss != "" && ss != "rand" {
		if len(ss) != cfg.Alphabet.Length {
			return &Error{"Alphabet.StartSeq", fmt.Sprintf("length %d, want %d", len(ss), cfg.Alphabet.Length)}
		}
		for i := 0; i < len(ss); i++ {
			if !seen[ss[i]] {
				return &Error{"Alphabet.StartSeq", fmt.Sprintf("character %q not in alphabet", ss[i])}
			}
		}
	}

	if cfg.Device.NDevices < 1 {
		return &Error{"Device.NDevices", "need at least one device"}
	}
	if cfg.Device.NWalkers < 1 {
		return &Error{"Device.NWalkers", "need at least one walker per device"}
	}
	if cfg.Device.NSamples < 1 {
		return &Error{"Device.NSamples", "need at least one sample snapshot"}
	}

	if cfg.Run.ResetSeqs && cfg.Alphabet.StartSeq == "" && !cfg.Run.PreOpt {
		return &Error{"Run.ResetSeqs", "no start sequence: set Alphabet.StartSeq or enable Run.PreOpt"}
	}
	if cfg.Run.EquilTime < 1 {
		return &Error{"Run.EquilTime", "need at least one equilibration pass"}
	}

	if cfg.Tempering.Enabled {
		if len(cfg.Tempering.Ladder) < 2 {
			return &Error{"Tempering.Ladder", "need at least two rungs"}
		}
		for i, b := range cfg.Tempering.Ladder {
			if b <= 0 {
				return &Error{"Tempering.Ladder", fmt.Sprintf("rung %d: beta %g must be positive", i, b)}
			}
		}
		if cfg.Tempering.NSwaps < 1 {
			return &Error{"Tempering.NSwaps", "need at least one swap proposal per pass"}
		}
		total := cfg.Device.NDevices * cfg.Device.NWalkers
		if total%len(cfg.Tempering.Ladder) != 0 {
			return &Error{"Tempering.Ladder", fmt.Sprintf("walker count %d not a multiple of ladder size %d", total, len(cfg.Tempering.Ladder))}
		}
	}

	if cfg.Newton.Gamma0 <= 0 {
		return &Error{"Newton.Gamma0", "step size must be positive"}
	}
	if cfg.Newton.Pseudocount <= 0 {
		return &Error{"Newton.Pseudocount", "pseudocount damping must be positive"}
	}
	if cfg.Newton.Steps < 1 {
		return &Error{"Newton.Steps", "need at least one Newton step"}
	}
	return nil
}

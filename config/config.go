// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config defines the TOML-and-flags configuration surface for
// the coupling-inference engine, loaded via econfig.
package config

// AlphabetConfig has config params for the sequence/alphabet model.
type AlphabetConfig struct {

	// [def: ABCDEFGHIJKLMNOPQRSTU] the alphabet -- a string of q distinct
	// characters, one per letter index [0,q)
	Letters string `def:"ABCDEFGHIJKLMNOPQRSTU" desc:"the alphabet -- a string of q distinct characters, one per letter index [0,q)"`

	// sequence length L -- number of positions
	Length int `desc:"sequence length L -- number of positions"`

	// path to the target bimarg CSV file (P x q^2 rows, pair-major)
	TargetBimarg string `desc:"path to the target bimarg CSV file (P x q^2 rows, pair-major)"`

	// optional path to a coupling-tensor file (one value per line, the
	// format of a checkpoint's J file) to seed J from; if empty,
	// CouplingInit decides how J is bootstrapped
	InitCouplings string `desc:"optional path to a coupling-tensor file (one value per line, the format of a checkpoint's J file) to seed J from; if empty, CouplingInit decides how J is bootstrapped"`

	// [def: zero] how to initialize J when InitCouplings is empty: "zero"
	// or "logodds" (independent log-odds from the target marginals)
	CouplingInit string `def:"zero" desc:"how to initialize J when InitCouplings is empty: zero or logodds"`

	// starting sequence: a string over the alphabet, the token "rand", or
	// empty (adopt the first sequence produced by pre-optimization)
	StartSeq string `desc:"starting sequence: a string over the alphabet, the token rand, or empty"`
}

// DeviceConfig has config params for the local device pool.
type DeviceConfig struct {

	// [def: 1] number of local devices to fan out across (in-process)
	NDevices int `def:"1" min:"1" desc:"number of local devices to fan out across (in-process)"`

	// [def: 1024] number of live walkers per device
	NWalkers int `def:"1024" min:"1" desc:"number of live walkers per device"`

	// [def: 32] number of sample snapshots cached per device for
	// importance-reweighted Newton refinement
	NSamples int `def:"32" min:"1" desc:"number of sample snapshots cached per device for importance-reweighted Newton refinement"`
}

// RunConfig has config params related to running the macro-iteration loop.
type RunConfig struct {

	// use MPI to fan out devices across ranks, one device per rank
	MPI bool `desc:"use MPI to fan out devices across ranks, one device per rank"`

	// [def: 0] starting run number -- not read by the run loop, which
	// always numbers runs (and picks seed ladder entries) from 0
	Run int `def:"0" desc:"starting run number -- not read by the run loop, which always numbers runs (and picks seed ladder entries) from 0"`

	// [def: 1] total number of runs to do
	NRuns int `def:"1" min:"1" desc:"total number of runs to do"`

	// [def: 10] total number of macro-iterations per run
	NIters int `def:"10" min:"1" desc:"total number of macro-iterations per run"`

	// [def: 1000] Metropolis passes per equilibration outer loop
	EquilTime int `def:"1000" desc:"Metropolis passes per equilibration outer loop"`

	// [def: 0] report equilibration bimarg every TrackEquil passes -- 0 disables
	TrackEquil int `def:"0" desc:"report equilibration bimarg every TrackEquil passes -- 0 disables"`

	// [def: 100] Metropolis passes between sample snapshots
	SampleTime int `def:"100" desc:"Metropolis passes between sample snapshots"`

	// [def: true] re-gauge couplings to the fieldless-even gauge between iterations
	Regauge bool `def:"true" desc:"re-gauge couplings to the fieldless-even gauge between iterations"`

	// run a one-shot pre-optimization Newton refinement before the main loop
	PreOpt bool `desc:"run a one-shot pre-optimization Newton refinement before the main loop"`

	// [def: 0] Metropolis passes for the pre-main-loop phase: used by PreOpt to
	// build its sample set (0 falls back to EquilTime), or, with PreOpt off,
	// runs a plain pre-equilibration with no refinement (0 disables)
	PreEquilTime int `def:"0" desc:"Metropolis passes for the pre-main-loop phase: used by PreOpt to build its sample set (0 falls back to EquilTime), or, with PreOpt off, runs a plain pre-equilibration with no refinement (0 disables)"`

	// re-tile every walker to the configured start sequence before the main loop
	ResetSeqs bool `desc:"re-tile every walker to the configured start sequence before the main loop"`
}

// TemperingConfig has config params related to parallel tempering.
type TemperingConfig struct {

	// enable parallel tempering across a beta ladder
	Enabled bool `desc:"enable parallel tempering across a beta ladder"`

	// [def: 1.0,0.9,0.8,0.7,0.6,0.5] inverse-temperature ladder, ladder[0] is the primary chain
	Ladder []float32 `def:"1.0,0.9,0.8,0.7,0.6,0.5" desc:"inverse-temperature ladder, ladder[0] is the primary chain"`

	// [def: 128] swap proposals attempted per outer pass
	NSwaps int `def:"128" desc:"swap proposals attempted per outer pass"`
}

// NewtonConfig has config params related to the Newton coupling refiner.
type NewtonConfig struct {

	// [def: 10] Newton steps attempted per macro-iteration
	Steps int `def:"10" min:"1" desc:"Newton steps attempted per macro-iteration"`

	// [def: 0.1] initial trust-region step size
	Gamma0 float32 `def:"0.1" desc:"initial trust-region step size"`

	// [def: 0] trust region is abandoned below this gamma -- 0 means Gamma0/64
	GammaFloor float32 `def:"0" desc:"trust region is abandoned below this gamma -- 0 means Gamma0/64"`

	// [def: 16] maximum consecutive step-halvings before abandoning the trust region
	MaxHalvings int `def:"16" desc:"maximum consecutive step-halvings before abandoning the trust region"`

	// [def: 0.001] pseudocount added to the back marginal denominator
	Pseudocount float32 `def:"0.001" desc:"pseudocount added to the back marginal denominator"`

	// [def: true] require non-increasing SSR to accept a trial step
	Monotone bool `def:"true" desc:"require non-increasing SSR to accept a trial step"`

	// enable the shrinkage regularization term
	Regularize bool `desc:"enable the shrinkage regularization term"`

	// [def: 1.0] shrinkage scale
	FnS float32 `def:"1.0" desc:"shrinkage scale"`

	// [def: 0.001] shrinkage strength
	FnLmbda float32 `def:"0.001" desc:"shrinkage strength"`
}

// LogConfig has config params related to checkpointing and logging.
type LogConfig struct {

	// directory runs are checkpointed under, one run_i subdirectory per
	// macro-iteration
	OutDir string `desc:"directory runs are checkpointed under, one run_i subdirectory per macro-iteration"`

	// if true, also persist the raw walker sequences for each iteration
	SaveSeqs bool `desc:"if true, also persist the raw walker sequences for each iteration"`

	// debugging flag -- no package reads it; setting it changes no output
	Debug bool `desc:"debugging flag -- no package reads it; setting it changes no output"`
}

// Config is the top-level configuration loaded via econfig.
type Config struct {

	// specify include files here, and after configuration, it contains
	// list of include files added
	Includes []string `desc:"specify include files here, and after configuration, it contains list of include files added"`

	// [view: add-fields] alphabet and target marginal configuration
	Alphabet AlphabetConfig `view:"add-fields" desc:"alphabet and target marginal configuration"`

	// [view: add-fields] local device pool configuration
	Device DeviceConfig `view:"add-fields" desc:"local device pool configuration"`

	// [view: add-fields] run/iteration configuration
	Run RunConfig `view:"add-fields" desc:"run/iteration configuration"`

	// [view: add-fields] parallel tempering configuration
	Tempering TemperingConfig `view:"add-fields" desc:"parallel tempering configuration"`

	// [view: add-fields] Newton refiner configuration
	Newton NewtonConfig `view:"add-fields" desc:"Newton refiner configuration"`

	// [view: add-fields] checkpointing and logging configuration
	Log LogConfig `view:"add-fields" desc:"checkpointing and logging configuration"`
}

func (cfg *Config) IncludesPtr() *[]string { return &cfg.Includes }

func (cfg *Config) Defaults() {
	cfg.Alphabet.Letters = "ABCDEFGHIJKLMNOPQRSTU"
	cfg.Alphabet.CouplingInit = "zero"
	cfg.Device.NDevices = 1
	cfg.Device.NWalkers = 1024
	cfg.Device.NSamples = 32
	cfg.Run.NRuns = 1
	cfg.Run.NIters = 10
	cfg.Run.EquilTime = 1000
	cfg.Run.SampleTime = 100
	cfg.Run.Regauge = true
	cfg.Run.PreEquilTime = 0
	cfg.Tempering.NSwaps = 128
	cfg.Newton.Steps = 10
	cfg.Newton.Gamma0 = 0.1
	cfg.Newton.GammaFloor = 0
	cfg.Newton.MaxHalvings = 16
	cfg.Newton.Pseudocount = 0.001
	cfg.Newton.Monotone = true
	cfg.Newton.FnS = 1.0
	cfg.Newton.FnLmbda = 0.001
}

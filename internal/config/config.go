// Package config loads the daemon configuration. Tunable blocks use
// the attribute-file units: rates and delays in microseconds, boost
// durations in milliseconds, step tables as tokenized strings. Fields
// omitted from the file keep the governor defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alesaiko/breakfast-hammerhead/internal/boost"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor/conservative"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor/interactive"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor/ondemand"
)

const (
	DriverSysfs = "sysfs"
	DriverMock  = "mock"

	GovernorOndemand     = "ondemand"
	GovernorConservative = "conservative"
	GovernorInteractive  = "interactive"
)

// Policy describes one frequency domain. Frequencies may be omitted
// with the sysfs driver, which then reads the supported table from the
// kernel.
type Policy struct {
	Units               []int  `yaml:"units"`
	FrequenciesKHZ      []uint `yaml:"frequencies_khz"`
	TransitionLatencyUS int64  `yaml:"transition_latency_us"`
}

// Ondemand overrides the ondemand tuning set. A zero sampling_rate
// keeps the latency-derived default.
type Ondemand struct {
	SamplingRate              int64 `yaml:"sampling_rate"`
	SamplingDownFactor        int   `yaml:"sampling_down_factor"`
	UpThreshold               uint  `yaml:"up_threshold"`
	UpThresholdMultiCore      uint  `yaml:"up_threshold_multi_core"`
	UpThresholdAnyCPULoad     uint  `yaml:"up_threshold_any_cpu_load"`
	DownDifferential          uint  `yaml:"down_differential"`
	DownDifferentialMultiCore uint  `yaml:"down_differential_multi_core"`
	OptimalFreq               uint  `yaml:"optimal_freq"`
	SyncFreq                  uint  `yaml:"sync_freq"`
	InputBoostFreq            uint  `yaml:"input_boost_freq"`
	SyncOnMigration           bool  `yaml:"sync_on_migration"`
	LoadScaling               bool  `yaml:"load_scaling"`
	IOIsBusy                  bool  `yaml:"io_is_busy"`
}

// Apply overlays the block onto base.
func (o *Ondemand) Apply(base ondemand.Tunables) ondemand.Tunables {
	t := base
	if o.SamplingRate > 0 {
		t.SamplingRate = time.Duration(o.SamplingRate) * time.Microsecond
	}
	t.SamplingDownFactor = o.SamplingDownFactor
	t.UpThreshold = o.UpThreshold
	t.UpThresholdMultiCore = o.UpThresholdMultiCore
	t.UpThresholdAnyCPULoad = o.UpThresholdAnyCPULoad
	t.DownDifferential = o.DownDifferential
	t.DownDifferentialMultiCore = o.DownDifferentialMultiCore
	t.OptimalFreq = o.OptimalFreq
	t.SyncFreq = o.SyncFreq
	t.InputBoostFreq = o.InputBoostFreq
	t.SyncOnMigration = o.SyncOnMigration
	t.LoadScaling = o.LoadScaling
	t.IOIsBusy = o.IOIsBusy
	return t
}

func defaultOndemand() *Ondemand {
	t := ondemand.DefaultTunables()
	return &Ondemand{
		SamplingDownFactor:        t.SamplingDownFactor,
		UpThreshold:               t.UpThreshold,
		UpThresholdMultiCore:      t.UpThresholdMultiCore,
		UpThresholdAnyCPULoad:     t.UpThresholdAnyCPULoad,
		DownDifferential:          t.DownDifferential,
		DownDifferentialMultiCore: t.DownDifferentialMultiCore,
		OptimalFreq:               t.OptimalFreq,
		SyncFreq:                  t.SyncFreq,
		InputBoostFreq:            t.InputBoostFreq,
		SyncOnMigration:           t.SyncOnMigration,
		LoadScaling:               t.LoadScaling,
		IOIsBusy:                  t.IOIsBusy,
	}
}

// Conservative overrides the conservative tuning set.
type Conservative struct {
	SamplingRate         int64 `yaml:"sampling_rate"`
	SamplingDownFactor   int   `yaml:"sampling_down_factor"`
	UpThreshold          uint  `yaml:"up_threshold"`
	UpThresholdBurst     uint  `yaml:"up_threshold_burst"`
	UpThresholdAtLowFreq uint  `yaml:"up_threshold_at_low_freq"`
	DownThreshold        uint  `yaml:"down_threshold"`
	FreqUpStep           uint  `yaml:"freq_up_step"`
	FreqDownStep         uint  `yaml:"freq_down_step"`
	FreqConsLow          uint  `yaml:"freq_cons_low"`
	IOIsBusy             bool  `yaml:"io_is_busy"`
}

func (c *Conservative) Apply(base conservative.Tunables) conservative.Tunables {
	t := base
	if c.SamplingRate > 0 {
		t.SamplingRate = time.Duration(c.SamplingRate) * time.Microsecond
	}
	t.SamplingDownFactor = c.SamplingDownFactor
	t.UpThreshold = c.UpThreshold
	t.UpThresholdBurst = c.UpThresholdBurst
	t.UpThresholdAtLowFreq = c.UpThresholdAtLowFreq
	t.DownThreshold = c.DownThreshold
	t.FreqUpStep = c.FreqUpStep
	t.FreqDownStep = c.FreqDownStep
	t.FreqConsLow = c.FreqConsLow
	t.IOIsBusy = c.IOIsBusy
	return t
}

func defaultConservative() *Conservative {
	t := conservative.DefaultTunables()
	return &Conservative{
		SamplingDownFactor:   t.SamplingDownFactor,
		UpThreshold:          t.UpThreshold,
		UpThresholdBurst:     t.UpThresholdBurst,
		UpThresholdAtLowFreq: t.UpThresholdAtLowFreq,
		DownThreshold:        t.DownThreshold,
		FreqUpStep:           t.FreqUpStep,
		FreqDownStep:         t.FreqDownStep,
		FreqConsLow:          t.FreqConsLow,
		IOIsBusy:             t.IOIsBusy,
	}
}

// Interactive overrides the interactive tuning set.
type Interactive struct {
	TargetLoads        string `yaml:"target_loads"`
	AboveHispeedDelay  string `yaml:"above_hispeed_delay"`
	MinSampleTime      string `yaml:"min_sample_time"`
	TimerRate          int64  `yaml:"timer_rate"`
	TimerSlack         int64  `yaml:"timer_slack"`
	GoHispeedLoad      uint   `yaml:"go_hispeed_load"`
	HispeedFreq        uint   `yaml:"hispeed_freq"`
	FreqCalcThresh     uint   `yaml:"freq_calc_thresh"`
	MaxFreqHysteresis  int64  `yaml:"max_freq_hysteresis"`
	BoostpulseDuration int64  `yaml:"boostpulse_duration"`
	AlignWindows       bool   `yaml:"align_windows"`
	IOIsBusy           bool   `yaml:"io_is_busy"`
}

func (i *Interactive) Apply(base interactive.Tunables) (interactive.Tunables, error) {
	t := base

	var err error
	if t.TargetLoads, err = interactive.ParseStepTable(i.TargetLoads); err != nil {
		return t, fmt.Errorf("target_loads: %w", err)
	}
	if t.AboveHispeedDelay, err = interactive.ParseStepTable(i.AboveHispeedDelay); err != nil {
		return t, fmt.Errorf("above_hispeed_delay: %w", err)
	}
	if t.MinSampleTime, err = interactive.ParseStepTable(i.MinSampleTime); err != nil {
		return t, fmt.Errorf("min_sample_time: %w", err)
	}

	t.TimerRate = time.Duration(i.TimerRate) * time.Microsecond
	if i.TimerSlack < 0 {
		t.TimerSlack = -1
	} else {
		t.TimerSlack = time.Duration(i.TimerSlack) * time.Microsecond
	}
	t.GoHispeedLoad = i.GoHispeedLoad
	t.HispeedFreq = i.HispeedFreq
	t.FreqCalcThresh = i.FreqCalcThresh
	t.MaxFreqHysteresis = time.Duration(i.MaxFreqHysteresis) * time.Microsecond
	t.BoostpulseDuration = time.Duration(i.BoostpulseDuration) * time.Microsecond
	t.AlignWindows = i.AlignWindows
	t.IOIsBusy = i.IOIsBusy
	return t, nil
}

func defaultInteractive() *Interactive {
	t := interactive.DefaultTunables()
	return &Interactive{
		TargetLoads:        t.TargetLoads.String(),
		AboveHispeedDelay:  t.AboveHispeedDelay.String(),
		MinSampleTime:      t.MinSampleTime.String(),
		TimerRate:          t.TimerRate.Microseconds(),
		TimerSlack:         t.TimerSlack.Microseconds(),
		GoHispeedLoad:      t.GoHispeedLoad,
		HispeedFreq:        t.HispeedFreq,
		FreqCalcThresh:     t.FreqCalcThresh,
		MaxFreqHysteresis:  t.MaxFreqHysteresis.Microseconds(),
		BoostpulseDuration: t.BoostpulseDuration.Microseconds(),
		AlignWindows:       t.AlignWindows,
		IOIsBusy:           t.IOIsBusy,
	}
}

// CPUBoost overrides the boost tuning set.
type CPUBoost struct {
	BoostMS                int64  `yaml:"boost_ms"`
	LoadBasedSyncs         bool   `yaml:"load_based_syncs"`
	MigrationLoadThreshold uint   `yaml:"migration_load_threshold"`
	SyncThreshold          uint   `yaml:"sync_threshold"`
	InputBoostMS           int64  `yaml:"input_boost_ms"`
	MinInputInterval       int64  `yaml:"min_input_interval"`
	InputBoostFreq         string `yaml:"input_boost_freq"`
}

func (b *CPUBoost) Apply(base boost.Tunables) boost.Tunables {
	t := base
	t.BoostDuration = time.Duration(b.BoostMS) * time.Millisecond
	t.LoadBasedSyncs = b.LoadBasedSyncs
	t.MigrationLoadThreshold = b.MigrationLoadThreshold
	t.SyncThreshold = b.SyncThreshold
	t.InputBoostDuration = time.Duration(b.InputBoostMS) * time.Millisecond
	if b.MinInputInterval > 0 {
		t.MinInputInterval = time.Duration(b.MinInputInterval) * time.Microsecond
	}
	return t
}

func defaultCPUBoost() *CPUBoost {
	t := boost.DefaultTunables()
	return &CPUBoost{
		LoadBasedSyncs:         t.LoadBasedSyncs,
		MigrationLoadThreshold: t.MigrationLoadThreshold,
		SyncThreshold:          t.SyncThreshold,
		MinInputInterval:       t.MinInputInterval.Microseconds(),
	}
}

// Config is the daemon configuration root.
type Config struct {
	Driver      string `yaml:"driver"`
	MaxUnits    int    `yaml:"max_units"`
	Governor    string `yaml:"governor"`
	MetricsAddr string `yaml:"metrics_addr"`
	APIAddr     string `yaml:"api_addr"`

	Policies []Policy `yaml:"policies"`

	Ondemand     *Ondemand     `yaml:"ondemand"`
	Conservative *Conservative `yaml:"conservative"`
	Interactive  *Interactive  `yaml:"interactive"`
	CPUBoost     *CPUBoost     `yaml:"cpu_boost"`
}

// Default returns a configuration seeded with the governor defaults,
// so a partial file only overrides what it names.
func Default() *Config {
	return &Config{
		Driver:       DriverSysfs,
		MaxUnits:     4,
		Governor:     GovernorInteractive,
		MetricsAddr:  ":9120",
		APIAddr:      ":8420",
		Ondemand:     defaultOndemand(),
		Conservative: defaultConservative(),
		Interactive:  defaultInteractive(),
		CPUBoost:     defaultCPUBoost(),
	}
}

// Load reads and validates the configuration file at path. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSysfs, DriverMock:
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	switch c.Governor {
	case GovernorOndemand, GovernorConservative, GovernorInteractive:
	default:
		return fmt.Errorf("unknown governor %q", c.Governor)
	}
	if c.MaxUnits <= 0 {
		return fmt.Errorf("max_units must be positive")
	}

	seen := make(map[int]bool)
	for i, p := range c.Policies {
		if len(p.Units) == 0 {
			return fmt.Errorf("policy %d has no units", i)
		}
		for _, u := range p.Units {
			if u < 0 || u >= c.MaxUnits {
				return fmt.Errorf("policy %d: unit %d outside [0..%d)", i, u, c.MaxUnits)
			}
			if seen[u] {
				return fmt.Errorf("policy %d: unit %d already assigned", i, u)
			}
			seen[u] = true
		}
		if c.Driver == DriverMock && len(p.FrequenciesKHZ) == 0 {
			return fmt.Errorf("policy %d: the mock driver needs an explicit frequency table", i)
		}
	}
	return nil
}

// TransitionLatency returns the configured latency of a policy.
func (p *Policy) TransitionLatency() time.Duration {
	return time.Duration(p.TransitionLatencyUS) * time.Microsecond
}

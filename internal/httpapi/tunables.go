package httpapi

import (
	"time"

	"github.com/alesaiko/breakfast-hammerhead/internal/boost"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor/conservative"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor/interactive"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor/ondemand"
)

// Wire representations keep the attribute-file conventions: rates and
// delays are integer microseconds, boost durations are milliseconds,
// and step tables travel in their tokenized string form.

type odTunables struct {
	SamplingRate              int64 `json:"sampling_rate"`
	SamplingDownFactor        int   `json:"sampling_down_factor"`
	UpThreshold               uint  `json:"up_threshold"`
	UpThresholdMultiCore      uint  `json:"up_threshold_multi_core"`
	UpThresholdAnyCPULoad     uint  `json:"up_threshold_any_cpu_load"`
	DownDifferential          uint  `json:"down_differential"`
	DownDifferentialMultiCore uint  `json:"down_differential_multi_core"`
	OptimalFreq               uint  `json:"optimal_freq"`
	SyncFreq                  uint  `json:"sync_freq"`
	InputBoostFreq            uint  `json:"input_boost_freq"`
	SyncOnMigration           bool  `json:"sync_on_migration"`
	LoadScaling               bool  `json:"load_scaling"`
	IOIsBusy                  bool  `json:"io_is_busy"`
}

func ondemandDTO(t ondemand.Tunables) odTunables {
	return odTunables{
		SamplingRate:              t.SamplingRate.Microseconds(),
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

func (d odTunables) tunables() ondemand.Tunables {
	return ondemand.Tunables{
		SamplingRate:              time.Duration(d.SamplingRate) * time.Microsecond,
		SamplingDownFactor:        d.SamplingDownFactor,
		UpThreshold:               d.UpThreshold,
		UpThresholdMultiCore:      d.UpThresholdMultiCore,
		UpThresholdAnyCPULoad:     d.UpThresholdAnyCPULoad,
		DownDifferential:          d.DownDifferential,
		DownDifferentialMultiCore: d.DownDifferentialMultiCore,
		OptimalFreq:               d.OptimalFreq,
		SyncFreq:                  d.SyncFreq,
		InputBoostFreq:            d.InputBoostFreq,
		SyncOnMigration:           d.SyncOnMigration,
		LoadScaling:               d.LoadScaling,
		IOIsBusy:                  d.IOIsBusy,
	}
}

type csTunables struct {
	SamplingRate         int64 `json:"sampling_rate"`
	SamplingDownFactor   int   `json:"sampling_down_factor"`
	UpThreshold          uint  `json:"up_threshold"`
	UpThresholdBurst     uint  `json:"up_threshold_burst"`
	UpThresholdAtLowFreq uint  `json:"up_threshold_at_low_freq"`
	DownThreshold        uint  `json:"down_threshold"`
	FreqUpStep           uint  `json:"freq_up_step"`
	FreqDownStep         uint  `json:"freq_down_step"`
	FreqConsLow          uint  `json:"freq_cons_low"`
	IOIsBusy             bool  `json:"io_is_busy"`
}

func conservativeDTO(t conservative.Tunables) csTunables {
	return csTunables{
		SamplingRate:         t.SamplingRate.Microseconds(),
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

func (d csTunables) tunables() conservative.Tunables {
	return conservative.Tunables{
		SamplingRate:         time.Duration(d.SamplingRate) * time.Microsecond,
		SamplingDownFactor:   d.SamplingDownFactor,
		UpThreshold:          d.UpThreshold,
		UpThresholdBurst:     d.UpThresholdBurst,
		UpThresholdAtLowFreq: d.UpThresholdAtLowFreq,
		DownThreshold:        d.DownThreshold,
		FreqUpStep:           d.FreqUpStep,
		FreqDownStep:         d.FreqDownStep,
		FreqConsLow:          d.FreqConsLow,
		IOIsBusy:             d.IOIsBusy,
	}
}

type itTunables struct {
	TargetLoads        string `json:"target_loads"`
	AboveHispeedDelay  string `json:"above_hispeed_delay"`
	MinSampleTime      string `json:"min_sample_time"`
	TimerRate          int64  `json:"timer_rate"`
	TimerSlack         int64  `json:"timer_slack"`
	GoHispeedLoad      uint   `json:"go_hispeed_load"`
	HispeedFreq        uint   `json:"hispeed_freq"`
	FreqCalcThresh     uint   `json:"freq_calc_thresh"`
	MaxFreqHysteresis  int64  `json:"max_freq_hysteresis"`
	BoostpulseDuration int64  `json:"boostpulse_duration"`
	AlignWindows       bool   `json:"align_windows"`
	IOIsBusy           bool   `json:"io_is_busy"`
}

func interactiveDTO(t interactive.Tunables) itTunables {
	slack := int64(-1)
	if t.TimerSlack >= 0 {
		slack = t.TimerSlack.Microseconds()
	}
	return itTunables{
		TargetLoads:        t.TargetLoads.String(),
		AboveHispeedDelay:  t.AboveHispeedDelay.String(),
		MinSampleTime:      t.MinSampleTime.String(),
		TimerRate:          t.TimerRate.Microseconds(),
		TimerSlack:         slack,
		GoHispeedLoad:      t.GoHispeedLoad,
		HispeedFreq:        t.HispeedFreq,
		FreqCalcThresh:     t.FreqCalcThresh,
		MaxFreqHysteresis:  t.MaxFreqHysteresis.Microseconds(),
		BoostpulseDuration: t.BoostpulseDuration.Microseconds(),
		AlignWindows:       t.AlignWindows,
		IOIsBusy:           t.IOIsBusy,
	}
}

func (d itTunables) tunables() (interactive.Tunables, error) {
	targetLoads, err := interactive.ParseStepTable(d.TargetLoads)
	if err != nil {
		return interactive.Tunables{}, err
	}
	aboveHispeed, err := interactive.ParseStepTable(d.AboveHispeedDelay)
	if err != nil {
		return interactive.Tunables{}, err
	}
	minSample, err := interactive.ParseStepTable(d.MinSampleTime)
	if err != nil {
		return interactive.Tunables{}, err
	}

	slack := time.Duration(-1)
	if d.TimerSlack >= 0 {
		slack = time.Duration(d.TimerSlack) * time.Microsecond
	}
	return interactive.Tunables{
		TargetLoads:        targetLoads,
		AboveHispeedDelay:  aboveHispeed,
		MinSampleTime:      minSample,
		TimerRate:          time.Duration(d.TimerRate) * time.Microsecond,
		TimerSlack:         slack,
		GoHispeedLoad:      d.GoHispeedLoad,
		HispeedFreq:        d.HispeedFreq,
		FreqCalcThresh:     d.FreqCalcThresh,
		MaxFreqHysteresis:  time.Duration(d.MaxFreqHysteresis) * time.Microsecond,
		BoostpulseDuration: time.Duration(d.BoostpulseDuration) * time.Microsecond,
		AlignWindows:       d.AlignWindows,
		IOIsBusy:           d.IOIsBusy,
	}, nil
}

type boostTunables struct {
	BoostMS                int64  `json:"boost_ms"`
	LoadBasedSyncs         bool   `json:"load_based_syncs"`
	MigrationLoadThreshold uint   `json:"migration_load_threshold"`
	SyncThreshold          uint   `json:"sync_threshold"`
	InputBoostMS           int64  `json:"input_boost_ms"`
	MinInputInterval       int64  `json:"min_input_interval"`
	InputBoostFreq         string `json:"input_boost_freq"`
}

func boostDTO(b *boost.Booster) boostTunables {
	t := b.Tunables()
	return boostTunables{
		BoostMS:                t.BoostDuration.Milliseconds(),
		LoadBasedSyncs:         t.LoadBasedSyncs,
		MigrationLoadThreshold: t.MigrationLoadThreshold,
		SyncThreshold:          t.SyncThreshold,
		InputBoostMS:           t.InputBoostDuration.Milliseconds(),
		MinInputInterval:       t.MinInputInterval.Microseconds(),
		InputBoostFreq:         b.InputBoostFreq(),
	}
}

func (d boostTunables) apply(b *boost.Booster) error {
	if err := b.Update(boost.Tunables{
		BoostDuration:          time.Duration(d.BoostMS) * time.Millisecond,
		LoadBasedSyncs:         d.LoadBasedSyncs,
		MigrationLoadThreshold: d.MigrationLoadThreshold,
		SyncThreshold:          d.SyncThreshold,
		InputBoostDuration:     time.Duration(d.InputBoostMS) * time.Millisecond,
		MinInputInterval:       time.Duration(d.MinInputInterval) * time.Microsecond,
	}); err != nil {
		return err
	}
	if d.InputBoostFreq != "" {
		return b.SetInputBoostFreq(d.InputBoostFreq)
	}
	return nil
}

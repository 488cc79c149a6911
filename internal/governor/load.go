package governor

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
	"github.com/alesaiko/breakfast-hammerhead/internal/sampling"
	"github.com/alesaiko/breakfast-hammerhead/pkg/util"
)

// Sampler computes per-window unit loads from an idle-time source and
// keeps the control blocks of every unit. One Sampler is shared by all
// demand-based governors so cross-policy load queries see a coherent
// view.
type Sampler struct {
	log    logr.Logger
	src    sampling.Source
	reg    *cpufreq.Registry
	blocks []*ControlBlock

	// Utilization, when set, receives the load scaled against the
	// policy maximum after each aggregation pass.
	Utilization func(p *cpufreq.Policy, loadAtMax uint)
}

func NewSampler(log logr.Logger, src sampling.Source, reg *cpufreq.Registry) *Sampler {
	s := &Sampler{
		log:    log,
		src:    src,
		reg:    reg,
		blocks: make([]*ControlBlock, reg.MaxUnits()),
	}
	for i := range s.blocks {
		s.blocks[i] = &ControlBlock{Unit: i}
	}
	return s
}

// Block returns the control block of a unit.
func (s *Sampler) Block(unit int) *ControlBlock { return s.blocks[unit] }

// Source returns the idle-time source backing the sampler.
func (s *Sampler) Source() sampling.Source { return s.src }

// PolicyMaxLoad closes the current sampling window for every unit of
// the policy and returns the highest load observed, in percent. When
// wantLoadFreq is set it also returns the highest load weighted by the
// current frequency, for governors that scale proportionally.
//
// Degenerate windows are handled conservatively: a zero-length window
// reuses the previous load, and a window shorter than its idle portion
// counts as fully busy. A window that overran twice the sampling rate
// with a load drop reuses the stored load once, so a single stretched
// window cannot erase a burst.
func (s *Sampler) PolicyMaxLoad(p *cpufreq.Policy, rate time.Duration, ioBusy, wantLoadFreq bool) (maxLoad uint, maxLoadFreq uint64) {
	cur := p.Cur()

	for _, j := range p.Units() {
		if !s.reg.IsOnline(j) {
			continue
		}
		cb := s.blocks[j]

		curIdle, curWall, err := s.src.IdleTime(j, ioBusy)
		if err != nil {
			s.log.V(4).Info("idle time unavailable", "unit", j, "error", err.Error())
			continue
		}

		cb.loadMu.Lock()
		idleDelta := curIdle - cb.prevIdle
		wallDelta := curWall - cb.prevWall
		cb.prevIdle = curIdle
		cb.prevWall = curWall

		var load uint
		switch {
		case wallDelta == 0:
			load = cb.prevLoad
		case wallDelta < idleDelta:
			load = 100
		default:
			load = uint(100 * (wallDelta - idleDelta) / wallDelta)
		}

		if wallDelta > 2*rate && load < cb.prevLoad {
			load = cb.prevLoad
			cb.prevLoad = 0
		} else {
			cb.prevLoad = load
		}
		cb.maxLoad = util.Max(load, cb.prevLoad)
		cb.loadMu.Unlock()

		maxLoad = util.Max(maxLoad, load)
		if wantLoadFreq {
			maxLoadFreq = util.Max(maxLoadFreq, uint64(load)*uint64(cur))
		}
	}

	if s.Utilization != nil {
		lim := p.Snapshot()
		if lim.Max > 0 {
			loadAtMax := maxLoadFreq
			if !wantLoadFreq {
				loadAtMax = uint64(maxLoad) * uint64(cur)
			}
			s.Utilization(p, uint(loadAtMax/uint64(lim.Max)))
		}
	}

	return maxLoad, maxLoadFreq
}

// MaxLoadOtherUnits returns the highest stored load among online units
// outside the policy. A foreign unit already running at its own policy
// maximum while at or above optimalFreq counts for at least targetLoad,
// so a saturated sibling keeps this policy from dropping its shared
// headroom.
func (s *Sampler) MaxLoadOtherUnits(p *cpufreq.Policy, optimalFreq, targetLoad uint) uint {
	var hi uint
	for _, j := range s.reg.OnlineUnits() {
		if p.Contains(j) {
			continue
		}
		cb := s.blocks[j]

		hi = util.Max(hi, cb.MaxLoad())

		op := cb.Policy()
		if op == nil {
			continue
		}
		lim := op.Snapshot()
		if lim.Cur == lim.Max && lim.Cur >= optimalFreq {
			hi = util.Max(hi, targetLoad)
		}
	}
	return hi
}

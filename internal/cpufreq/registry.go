package cpufreq

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/alesaiko/breakfast-hammerhead/pkg/util"
)

// Driver is the frequency-transition primitive. SetFrequency may block
// on hardware (regulator/clock ramp) and must never be called from a
// context that cannot sleep.
type Driver interface {
	SetFrequency(unit int, freq uint) error
	CurrentFrequency(unit int) (uint, error)
}

// TransitionObserver receives the outcome of every attempted policy
// transition. Used by monitoring; may be nil.
type TransitionObserver interface {
	TransitionDone(p *Policy, freq uint)
	TransitionFailed(p *Policy, target uint)
}

// Registry owns the processing units and their frequency policies.
// Lookup of per-unit state is O(1): units are kept in fixed-size
// slices indexed by unit id, sized once at construction.
type Registry struct {
	log    logr.Logger
	driver Driver
	bus    *Bus

	mu       sync.RWMutex
	units    []*Unit
	online   []bool
	byUnit   []*Policy
	policies []*Policy

	observer TransitionObserver
}

func NewRegistry(log logr.Logger, driver Driver, bus *Bus, maxUnits int) *Registry {
	return &Registry{
		log:    log,
		driver: driver,
		bus:    bus,
		units:  make([]*Unit, maxUnits),
		online: make([]bool, maxUnits),
		byUnit: make([]*Policy, maxUnits),
	}
}

// Bus returns the event bus shared by all registry clients.
func (r *Registry) Bus() *Bus { return r.bus }

// MaxUnits returns the number of unit slots the registry was sized for.
func (r *Registry) MaxUnits() int { return len(r.units) }

// SetObserver installs the transition observer. Call before governors
// start; the registry does not synchronize replacement.
func (r *Registry) SetObserver(obs TransitionObserver) { r.observer = obs }

// AddPolicy creates a policy over units with the given frequency
// table. Units come online immediately with the lowest table frequency
// as their starting point unless the driver reports otherwise.
func (r *Registry) AddPolicy(units []int, table Table, latency time.Duration) (*Policy, error) {
	if len(units) == 0 || len(table) == 0 {
		return nil, fmt.Errorf("policy needs at least one unit and one frequency")
	}

	p := &Policy{
		leader:  units[0],
		units:   append([]int(nil), units...),
		table:   table,
		latency: latency,
		hwMin:   table[0],
		hwMax:   table[len(table)-1],
	}
	p.min, p.userMin = p.hwMin, p.hwMin
	p.max, p.userMax = p.hwMax, p.hwMax

	cur, err := r.driver.CurrentFrequency(p.leader)
	if err != nil || cur == 0 {
		cur = p.hwMin
	}
	p.cur, _ = table.Target(cur, RelationClosest)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range units {
		if u < 0 || u >= len(r.units) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownUnit, u)
		}
		if r.byUnit[u] != nil {
			return nil, fmt.Errorf("unit %d already belongs to a policy", u)
		}
	}
	for _, u := range units {
		r.units[u] = &Unit{ID: u, HWMinFreq: p.hwMin, HWMaxFreq: p.hwMax}
		r.byUnit[u] = p
		r.online[u] = true
	}
	r.policies = append(r.policies, p)

	return p, nil
}

// Policy returns the policy a unit belongs to.
func (r *Registry) Policy(unit int) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if unit < 0 || unit >= len(r.byUnit) || r.byUnit[unit] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUnit, unit)
	}
	return r.byUnit[unit], nil
}

// Policies returns all registered policies.
func (r *Registry) Policies() []*Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Policy(nil), r.policies...)
}

// OnlineUnits returns the ids of all currently online units.
func (r *Registry) OnlineUnits() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.online))
	for id, on := range r.online {
		if on {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsOnline reports whether a unit is in the online set.
func (r *Registry) IsOnline(unit int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return unit >= 0 && unit < len(r.online) && r.online[unit]
}

// NumOnline returns the online unit count.
func (r *Registry) NumOnline() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, on := range r.online {
		if on {
			n++
		}
	}
	return n
}

// SetOnline moves a unit in or out of the online set and notifies
// subscribers. Governors treat the offline notification as an implicit
// stop for that unit and must quiesce its timers before returning.
func (r *Registry) SetOnline(unit int, online bool) {
	r.mu.Lock()
	if unit < 0 || unit >= len(r.online) || r.online[unit] == online {
		r.mu.Unlock()
		return
	}
	r.online[unit] = online
	r.mu.Unlock()

	r.log.V(4).Info("unit hotplug", "unit", unit, "online", online)
	r.bus.publishHotplug(HotplugEvent{Unit: unit, Online: online})
}

// Transition moves the policy to the supported frequency closest to
// target per rel, within the effective limits. Exactly one transition
// is in flight per policy at a time. On driver failure the policy
// bookkeeping is left untouched and the error is returned wrapped in
// ErrTransition.
func (r *Registry) Transition(p *Policy, target uint, rel Relation) error {
	p.transMu.Lock()
	defer p.transMu.Unlock()

	lim := p.Snapshot()
	target = util.Clamp(target, lim.Min, lim.Max)

	freq, err := p.table.Target(target, rel)
	if err != nil {
		return err
	}
	if freq == lim.Cur {
		return nil
	}

	r.bus.PublishTransition(TransitionEvent{Policy: p, OldFreq: lim.Cur, NewFreq: freq})

	if err := r.driver.SetFrequency(p.leader, freq); err != nil {
		if r.observer != nil {
			r.observer.TransitionFailed(p, freq)
		}
		r.log.V(1).Info("frequency transition failed",
			"unit", p.leader, "target", freq, "error", err.Error())
		return fmt.Errorf("%w: unit %d to %d kHz: %v", ErrTransition, p.leader, freq, err)
	}

	p.mu.Lock()
	p.cur = freq
	p.mu.Unlock()

	if r.observer != nil {
		r.observer.TransitionDone(p, freq)
	}
	r.log.V(5).Info("frequency transition", "unit", p.leader, "freq", freq)

	return nil
}

// SetUserLimits updates the user-requested policy bounds and refreshes
// the effective limits.
func (r *Registry) SetUserLimits(p *Policy, min, max uint) error {
	if min > max {
		return fmt.Errorf("invalid limits %d..%d", min, max)
	}
	p.mu.Lock()
	p.userMin = util.Clamp(min, p.hwMin, p.hwMax)
	p.userMax = util.Clamp(max, p.hwMin, p.hwMax)
	p.mu.Unlock()

	return r.Refresh(p)
}

// Refresh recomputes the effective policy limits, letting adjust
// subscribers raise the floor (or cap), then forces the current
// frequency back into the valid range. Mirrors a policy update cycle:
// every refresh re-runs all registered adjustments from the user
// limits, so an expired floor disappears on the next call.
func (r *Registry) Refresh(p *Policy) error {
	p.mu.RLock()
	adj := &AdjustEvent{Policy: p, Min: p.userMin, Max: p.userMax}
	p.mu.RUnlock()

	r.bus.publishAdjust(adj)

	adj.Min = util.Clamp(adj.Min, p.hwMin, p.hwMax)
	adj.Max = util.Clamp(adj.Max, p.hwMin, p.hwMax)
	if adj.Min > adj.Max {
		adj.Min = adj.Max
	}

	p.mu.Lock()
	changed := p.min != adj.Min || p.max != adj.Max
	p.min, p.max = adj.Min, adj.Max
	cur := p.cur
	min, max := p.min, p.max
	p.mu.Unlock()

	var err error
	if cur > max {
		err = r.Transition(p, max, RelationHigh)
	} else if cur < min {
		err = r.Transition(p, min, RelationLow)
	}

	if changed {
		r.bus.publishLimits(LimitsEvent{Policy: p})
	}

	return err
}

package cpufreq

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrUnknownUnit is returned when a unit id is outside the set the
	// registry was built with.
	ErrUnknownUnit = errors.New("unknown unit")

	// ErrEmptyTable is returned when a frequency selection is attempted
	// against a policy with no frequency table.
	ErrEmptyTable = errors.New("frequency table is empty")

	// ErrTransition wraps driver failures during a frequency change. The
	// current sampling pass is expected to abort without retry; the next
	// sample re-evaluates from fresh state.
	ErrTransition = errors.New("frequency transition failed")
)

// Relation controls how a requested frequency is rounded to a real
// table entry when it is not an exact supported step.
type Relation int

const (
	// RelationLow selects the lowest frequency at or above the target.
	RelationLow Relation = iota
	// RelationHigh selects the highest frequency at or below the target.
	RelationHigh
	// RelationClosest selects the nearest frequency, preferring the
	// lower one on a tie.
	RelationClosest
)

// Table is an ascending list of supported frequencies in kHz.
type Table []uint

// NewTable copies and sorts freqs into a valid table.
func NewTable(freqs []uint) Table {
	t := make(Table, len(freqs))
	copy(t, freqs)
	sort.Slice(t, func(i, j int) bool { return t[i] < t[j] })
	return t
}

// Target resolves target to a supported frequency using rel.
func (t Table) Target(target uint, rel Relation) (uint, error) {
	if len(t) == 0 {
		return 0, ErrEmptyTable
	}

	// First entry at or above the target.
	i := sort.Search(len(t), func(i int) bool { return t[i] >= target })

	switch rel {
	case RelationLow:
		if i == len(t) {
			return t[len(t)-1], nil
		}
		return t[i], nil
	case RelationHigh:
		if i < len(t) && t[i] == target {
			return t[i], nil
		}
		if i == 0 {
			return t[0], nil
		}
		return t[i-1], nil
	case RelationClosest:
		if i == len(t) {
			return t[len(t)-1], nil
		}
		if i == 0 || t[i] == target {
			return t[i], nil
		}
		if target-t[i-1] <= t[i]-target {
			return t[i-1], nil
		}
		return t[i], nil
	}

	return 0, fmt.Errorf("unsupported frequency relation %d", rel)
}

// Unit is one schedulable processing core tracked by the registry.
type Unit struct {
	ID        int
	HWMinFreq uint
	HWMaxFreq uint
}

// Limits is a coherent snapshot of a policy's frequency state.
type Limits struct {
	Cur   uint
	Min   uint
	Max   uint
	HWMin uint
	HWMax uint
}

// Policy groups processing units constrained to share one frequency
// plane. All units of a policy transition together; the registry issues
// the actual driver call against the policy leader.
type Policy struct {
	leader  int
	units   []int
	table   Table
	latency time.Duration
	hwMin   uint
	hwMax   uint

	// mu guards the mutable frequency state below. It is never held
	// across a driver call; transMu serializes those.
	mu      sync.RWMutex
	cur     uint
	min     uint
	max     uint
	userMin uint
	userMax uint

	transMu sync.Mutex
}

// Leader returns the unit id the policy is keyed by.
func (p *Policy) Leader() int { return p.leader }

// Units returns the member unit ids. The slice must not be mutated.
func (p *Policy) Units() []int { return p.units }

// Table returns the policy frequency table.
func (p *Policy) Table() Table { return p.table }

// TransitionLatency reports the hardware frequency switch latency.
func (p *Policy) TransitionLatency() time.Duration { return p.latency }

// Contains reports whether unit belongs to this policy.
func (p *Policy) Contains(unit int) bool {
	for _, u := range p.units {
		if u == unit {
			return true
		}
	}
	return false
}

// Snapshot returns a coherent view of the policy frequency state.
func (p *Policy) Snapshot() Limits {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Limits{Cur: p.cur, Min: p.min, Max: p.max, HWMin: p.hwMin, HWMax: p.hwMax}
}

// Cur returns the current policy frequency.
func (p *Policy) Cur() uint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// Package boost keeps unit frequencies synchronized after task
// migrations and raises frequency floors on user input. Floors are
// enforced through the policy adjust cycle, so a refresh of the policy
// re-applies or drops them without touching governor state.
package boost

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
	"github.com/alesaiko/breakfast-hammerhead/pkg/util"
)

const (
	defMigrationLoadThreshold = 30
	defMinInputInterval       = 40 * time.Millisecond
)

// Tunables is the boost configuration, swapped atomically as one set.
// A zero BoostDuration disables migration syncs; a zero
// InputBoostDuration disables input boosts.
type Tunables struct {
	BoostDuration          time.Duration `yaml:"boost_duration" json:"boost_duration"`
	LoadBasedSyncs         bool          `yaml:"load_based_syncs" json:"load_based_syncs"`
	MigrationLoadThreshold uint          `yaml:"migration_load_threshold" json:"migration_load_threshold"`
	SyncThreshold          uint          `yaml:"sync_threshold" json:"sync_threshold"`
	InputBoostDuration     time.Duration `yaml:"input_boost_duration" json:"input_boost_duration"`
	MinInputInterval       time.Duration `yaml:"min_input_interval" json:"min_input_interval"`
}

func DefaultTunables() Tunables {
	return Tunables{
		LoadBasedSyncs:         true,
		MigrationLoadThreshold: defMigrationLoadThreshold,
		MinInputInterval:       defMinInputInterval,
	}
}

// Validate checks internal consistency of the set.
func (t *Tunables) Validate() error {
	if t.BoostDuration < 0 || t.InputBoostDuration < 0 {
		return fmt.Errorf("boost durations must not be negative")
	}
	if t.MigrationLoadThreshold > 100 {
		return fmt.Errorf("migration_load_threshold %d out of range [0..100]",
			t.MigrationLoadThreshold)
	}
	if t.MinInputInterval <= 0 {
		return fmt.Errorf("min_input_interval must be positive")
	}
	return nil
}

// unitSync is the per-unit synchronization state. The frequency floors
// are read by the adjust path without locks; everything else is
// guarded by mu.
type unitSync struct {
	unit int

	boostMin      atomic.Uint32
	inputBoostMin atomic.Uint32

	mu             sync.Mutex
	pending        bool
	srcUnit        int
	taskLoad       uint
	inputBoostFreq uint
	remTimer       *time.Timer

	beingWoken atomic.Bool
	wake       chan struct{}
}

// Booster owns the migration sync workers and the input boost path.
type Booster struct {
	log logr.Logger
	reg *cpufreq.Registry

	tunables atomic.Pointer[Tunables]

	syncs []*unitSync

	limiter      *rate.Limiter
	inputWork    chan struct{}
	inputRemMu   sync.Mutex
	inputRem     *time.Timer
	inputEnabled atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

func New(log logr.Logger, reg *cpufreq.Registry) *Booster {
	b := &Booster{
		log:       log,
		reg:       reg,
		syncs:     make([]*unitSync, reg.MaxUnits()),
		inputWork: make(chan struct{}, 1),
	}

	t := DefaultTunables()
	b.tunables.Store(&t)
	b.limiter = rate.NewLimiter(rate.Every(t.MinInputInterval), 1)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	for i := range b.syncs {
		s := &unitSync{unit: i, srcUnit: -1, wake: make(chan struct{}, 1)}
		b.syncs[i] = s

		b.wg.Add(1)
		go b.runSync(ctx, s)
	}

	b.wg.Add(1)
	go b.runInputBoost(ctx)

	b.unsubs = append(b.unsubs,
		reg.Bus().SubscribeAdjust(b.onAdjust),
		reg.Bus().SubscribeMigration(b.onMigration),
		reg.Bus().SubscribeInput(b.onInput),
		reg.Bus().SubscribeHotplug(b.onHotplug),
	)

	return b
}

// Tunables returns the active tuning set.
func (b *Booster) Tunables() Tunables { return *b.tunables.Load() }

// Update validates and atomically installs a new tuning set.
func (b *Booster) Update(t Tunables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	prev := b.tunables.Swap(&t)
	if t.MinInputInterval != prev.MinInputInterval {
		b.limiter.SetLimit(rate.Every(t.MinInputInterval))
	}
	b.log.V(4).Info("tunables updated", "boost_duration", t.BoostDuration,
		"input_boost_duration", t.InputBoostDuration)
	return nil
}

// Close detaches from the bus, stops the workers and drops all floors.
func (b *Booster) Close() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	b.cancel()
	b.wg.Wait()

	for _, s := range b.syncs {
		s.mu.Lock()
		if s.remTimer != nil {
			s.remTimer.Stop()
		}
		s.mu.Unlock()
		s.boostMin.Store(0)
		s.inputBoostMin.Store(0)
	}
	b.inputRemMu.Lock()
	if b.inputRem != nil {
		b.inputRem.Stop()
	}
	b.inputRemMu.Unlock()
}

// SetInputBoostFreq installs per-unit input boost frequencies. The
// spec is either one number applying to all units or space separated
// "unit:freq" pairs. Input boosting stays enabled as long as at least
// one unit has a non-zero frequency.
func (b *Booster) SetInputBoostFreq(spec string) error {
	spec = strings.TrimSpace(spec)

	if !strings.ContainsAny(spec, " :") {
		val, err := strconv.ParseUint(spec, 10, 32)
		if err != nil {
			return fmt.Errorf("input boost frequency %q: %w", spec, err)
		}
		for _, s := range b.syncs {
			s.mu.Lock()
			s.inputBoostFreq = uint(val)
			s.mu.Unlock()
		}
		b.refreshInputEnabled()
		return nil
	}

	type pair struct {
		unit int
		freq uint
	}
	var pairs []pair
	for _, field := range strings.Fields(spec) {
		unitStr, freqStr, ok := strings.Cut(field, ":")
		if !ok {
			return fmt.Errorf("input boost pair %q: want unit:freq", field)
		}
		unit, err := strconv.Atoi(unitStr)
		if err != nil || unit < 0 || unit >= len(b.syncs) {
			return fmt.Errorf("input boost pair %q: bad unit", field)
		}
		freq, err := strconv.ParseUint(freqStr, 10, 32)
		if err != nil {
			return fmt.Errorf("input boost pair %q: %w", field, err)
		}
		pairs = append(pairs, pair{unit: unit, freq: uint(freq)})
	}

	for _, pr := range pairs {
		s := b.syncs[pr.unit]
		s.mu.Lock()
		s.inputBoostFreq = pr.freq
		s.mu.Unlock()
	}
	b.refreshInputEnabled()
	return nil
}

// InputBoostFreq renders the configured units as "unit:freq" pairs.
// Units without a boost frequency are omitted.
func (b *Booster) InputBoostFreq() string {
	var sb strings.Builder
	for i, s := range b.syncs {
		s.mu.Lock()
		freq := s.inputBoostFreq
		s.mu.Unlock()
		if freq == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d:%d", i, freq)
	}
	return sb.String()
}

func (b *Booster) refreshInputEnabled() {
	for _, s := range b.syncs {
		s.mu.Lock()
		freq := s.inputBoostFreq
		s.mu.Unlock()
		if freq > 0 {
			b.inputEnabled.Store(true)
			return
		}
	}
	b.inputEnabled.Store(false)
}

// onAdjust raises the policy minimum to the strongest floor held by
// any member unit, capped by the policy maximum. A sync destined to a
// non-leader member must still lift the shared policy.
func (b *Booster) onAdjust(ev *cpufreq.AdjustEvent) {
	var floor uint
	for _, j := range ev.Policy.Units() {
		s := b.syncs[j]
		floor = util.Max(floor, uint(s.boostMin.Load()))
		floor = util.Max(floor, uint(s.inputBoostMin.Load()))
	}
	if floor == 0 {
		return
	}

	floor = util.Min(floor, ev.Max)
	if floor > ev.Min {
		ev.Min = floor
	}
}

// onHotplug drops the floors held for a unit going offline, so a stale
// boost does not pin its policy minimum after the unit returns.
func (b *Booster) onHotplug(ev cpufreq.HotplugEvent) {
	if ev.Online {
		return
	}
	s := b.syncs[ev.Unit]

	s.mu.Lock()
	s.pending = false
	if s.remTimer != nil {
		s.remTimer.Stop()
		s.remTimer = nil
	}
	s.mu.Unlock()

	had := s.boostMin.Swap(0) != 0
	had = s.inputBoostMin.Swap(0) != 0 || had
	if !had {
		return
	}

	// Sibling units may still run on the shared policy; let the adjust
	// cycle drop the floor for them right away.
	p, err := b.reg.Policy(ev.Unit)
	if err != nil {
		return
	}
	for _, j := range p.Units() {
		if b.reg.IsOnline(j) {
			if berr := b.reg.Refresh(p); berr != nil {
				b.log.V(4).Info("offline refresh failed", "unit", ev.Unit, "error", berr.Error())
			}
			return
		}
	}
}

// onMigration queues a sync towards the destination unit. The CAS
// guard avoids a recursive wakeup when the sync worker itself is seen
// migrating.
func (b *Booster) onMigration(ev cpufreq.MigrationEvent) {
	t := b.tunables.Load()
	if t.BoostDuration == 0 {
		return
	}
	if t.LoadBasedSyncs && ev.TaskLoad < t.MigrationLoadThreshold {
		return
	}
	if ev.DestUnit < 0 || ev.DestUnit >= len(b.syncs) {
		return
	}

	s := b.syncs[ev.DestUnit]
	s.mu.Lock()
	s.pending = true
	s.srcUnit = ev.SrcUnit
	if t.LoadBasedSyncs {
		s.taskLoad = ev.TaskLoad
	} else {
		s.taskLoad = 0
	}
	s.mu.Unlock()

	if s.beingWoken.CompareAndSwap(false, true) {
		select {
		case s.wake <- struct{}{}:
		default:
		}
		s.beingWoken.Store(false)
	}
}

func (b *Booster) runSync(ctx context.Context, s *unitSync) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if !s.pending {
				s.mu.Unlock()
				break
			}
			s.pending = false
			src := s.srcUnit
			load := s.taskLoad
			s.mu.Unlock()

			b.syncUnit(s, src, load)
		}
	}
}

// syncUnit raises the destination floor to either the load fraction of
// its own maximum or the source's current frequency, whichever is
// higher, then refreshes both policies and arms the timed removal.
func (b *Booster) syncUnit(s *unitSync, src int, load uint) {
	t := b.tunables.Load()

	srcPolicy, err := b.reg.Policy(src)
	if err != nil {
		return
	}
	destPolicy, err := b.reg.Policy(s.unit)
	if err != nil {
		return
	}

	destLim := destPolicy.Snapshot()
	reqFreq := util.Max(destLim.Max*load/100, srcPolicy.Cur())
	if t.SyncThreshold > 0 {
		reqFreq = util.Min(reqFreq, t.SyncThreshold)
	}
	if reqFreq <= destLim.HWMin {
		return
	}

	s.mu.Lock()
	if s.remTimer != nil {
		s.remTimer.Stop()
		s.remTimer = nil
	}
	s.mu.Unlock()

	s.boostMin.Store(uint32(reqFreq))

	// An unchanged refresh of the source lets its governor know a boost
	// happened elsewhere and that the next sample should re-evaluate
	// without a min sample time in the way.
	if b.reg.IsOnline(src) {
		if err := b.reg.Refresh(srcPolicy); err != nil {
			b.log.V(4).Info("source refresh failed", "unit", src, "error", err.Error())
		}
	}

	if !b.reg.IsOnline(s.unit) {
		s.boostMin.Store(0)
		return
	}
	if err := b.reg.Refresh(destPolicy); err != nil {
		b.log.V(4).Info("dest refresh failed", "unit", s.unit, "error", err.Error())
	}

	s.mu.Lock()
	s.remTimer = time.AfterFunc(t.BoostDuration, func() {
		s.boostMin.Store(0)
		if p, err := b.reg.Policy(s.unit); err == nil {
			b.reg.Refresh(p)
		}
	})
	s.mu.Unlock()

	b.log.V(5).Info("migration boost", "unit", s.unit, "src", src, "floor", reqFreq)
}

// onInput schedules one input boost. Events arriving within the
// minimum input interval, or while a boost is still being applied,
// collapse into one.
func (b *Booster) onInput(cpufreq.InputEvent) {
	t := b.tunables.Load()
	if !b.inputEnabled.Load() || t.InputBoostDuration == 0 {
		return
	}
	if !b.limiter.Allow() {
		return
	}

	select {
	case b.inputWork <- struct{}{}:
	default:
	}
}

func (b *Booster) runInputBoost(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.inputWork:
			b.doInputBoost()
		}
	}
}

// doInputBoost raises every unit's input floor to its configured
// frequency, refreshes all policies and arms the timed removal.
func (b *Booster) doInputBoost() {
	t := b.tunables.Load()

	b.inputRemMu.Lock()
	if b.inputRem != nil {
		b.inputRem.Stop()
		b.inputRem = nil
	}
	b.inputRemMu.Unlock()

	for _, s := range b.syncs {
		s.mu.Lock()
		s.inputBoostMin.Store(uint32(s.inputBoostFreq))
		s.mu.Unlock()
	}
	b.refreshOnline()

	b.inputRemMu.Lock()
	b.inputRem = time.AfterFunc(t.InputBoostDuration, func() {
		for _, s := range b.syncs {
			s.inputBoostMin.Store(0)
		}
		b.refreshOnline()
	})
	b.inputRemMu.Unlock()

	b.log.V(5).Info("input boost applied", "duration", t.InputBoostDuration)
}

// refreshOnline re-runs the adjust cycle of every policy, picking up
// floor changes in both directions.
func (b *Booster) refreshOnline() {
	for _, p := range b.reg.Policies() {
		if b.reg.IsOnline(p.Leader()) {
			if err := b.reg.Refresh(p); err != nil {
				b.log.V(4).Info("policy refresh failed",
					"policy", p.Leader(), "error", err.Error())
			}
		}
	}
}

package cpufreq

import (
	"sync"
)

// TransitionEvent is published just before a policy frequency change is
// handed to the driver. Subscribers use it to refresh bookkeeping that
// depends on the frequency the time slice was accumulated at.
type TransitionEvent struct {
	Policy  *Policy
	OldFreq uint
	NewFreq uint
}

// AdjustEvent is passed to adjust subscribers while a policy is being
// refreshed. Subscribers may raise Min (or lower Max) to enforce
// temporary floors; the registry applies the final values.
type AdjustEvent struct {
	Policy *Policy
	Min    uint
	Max    uint
}

// LimitsEvent is published after a policy's effective limits changed.
type LimitsEvent struct {
	Policy *Policy
}

// MigrationEvent reports a task migration between units.
type MigrationEvent struct {
	SrcUnit  int
	DestUnit int
	// TaskLoad is the migrating task's load percent as reported by the
	// scheduler, 0 when unknown.
	TaskLoad uint
}

// IdleExitEvent reports that a unit woke up from idle.
type IdleExitEvent struct {
	Unit int
}

// HotplugEvent reports a unit joining or leaving the online set.
type HotplugEvent struct {
	Unit   int
	Online bool
}

// InputEvent reports a user input event (touch, key). Carries no
// payload; subscribers decide whether and how to boost.
type InputEvent struct{}

// Bus is a typed in-process event bus replacing kernel notifier
// chains. Subscribe calls return a cancel func; subscribers must
// unsubscribe on teardown. Delivery is synchronous in publish order.
type Bus struct {
	mu         sync.RWMutex
	nextID     int
	transition map[int]func(TransitionEvent)
	adjust     map[int]func(*AdjustEvent)
	limits     map[int]func(LimitsEvent)
	migration  map[int]func(MigrationEvent)
	idleExit   map[int]func(IdleExitEvent)
	hotplug    map[int]func(HotplugEvent)
	input      map[int]func(InputEvent)
}

func NewBus() *Bus {
	return &Bus{
		transition: make(map[int]func(TransitionEvent)),
		adjust:     make(map[int]func(*AdjustEvent)),
		limits:     make(map[int]func(LimitsEvent)),
		migration:  make(map[int]func(MigrationEvent)),
		idleExit:   make(map[int]func(IdleExitEvent)),
		hotplug:    make(map[int]func(HotplugEvent)),
		input:      make(map[int]func(InputEvent)),
	}
}

func subscribe[T any](b *Bus, m map[int]func(T), fn func(T)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	m[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(m, id)
		b.mu.Unlock()
	}
}

func publish[T any](b *Bus, m map[int]func(T), ev T) {
	b.mu.RLock()
	subs := make([]func(T), 0, len(m))
	for _, fn := range m {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (b *Bus) SubscribeTransition(fn func(TransitionEvent)) func() {
	return subscribe(b, b.transition, fn)
}

func (b *Bus) PublishTransition(ev TransitionEvent) {
	publish(b, b.transition, ev)
}

func (b *Bus) SubscribeAdjust(fn func(*AdjustEvent)) func() {
	return subscribe(b, b.adjust, fn)
}

func (b *Bus) publishAdjust(ev *AdjustEvent) {
	publish(b, b.adjust, ev)
}

func (b *Bus) SubscribeLimits(fn func(LimitsEvent)) func() {
	return subscribe(b, b.limits, fn)
}

func (b *Bus) publishLimits(ev LimitsEvent) {
	publish(b, b.limits, ev)
}

func (b *Bus) SubscribeMigration(fn func(MigrationEvent)) func() {
	return subscribe(b, b.migration, fn)
}

func (b *Bus) PublishMigration(ev MigrationEvent) {
	publish(b, b.migration, ev)
}

func (b *Bus) SubscribeIdleExit(fn func(IdleExitEvent)) func() {
	return subscribe(b, b.idleExit, fn)
}

func (b *Bus) PublishIdleExit(ev IdleExitEvent) {
	publish(b, b.idleExit, ev)
}

func (b *Bus) SubscribeHotplug(fn func(HotplugEvent)) func() {
	return subscribe(b, b.hotplug, fn)
}

func (b *Bus) publishHotplug(ev HotplugEvent) {
	publish(b, b.hotplug, ev)
}

func (b *Bus) SubscribeInput(fn func(InputEvent)) func() {
	return subscribe(b, b.input, fn)
}

func (b *Bus) PublishInput(ev InputEvent) {
	publish(b, b.input, ev)
}

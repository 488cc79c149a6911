package sampling

import (
	"sync"
	"time"
)

// ManualSource is a deterministic Source for tests. Wall time advances
// only through Advance; idle time accrues per unit through AddIdle.
type ManualSource struct {
	mu     sync.Mutex
	now    time.Duration
	idle   map[int]time.Duration
	iowait map[int]time.Duration
}

func NewManualSource() *ManualSource {
	return &ManualSource{
		idle:   make(map[int]time.Duration),
		iowait: make(map[int]time.Duration),
	}
}

// Advance moves wall time forward for all units.
func (s *ManualSource) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	s.mu.Unlock()
}

// AddIdle accrues idle time for one unit.
func (s *ManualSource) AddIdle(unit int, d time.Duration) {
	s.mu.Lock()
	s.idle[unit] += d
	s.mu.Unlock()
}

// AddIOWait accrues I/O wait time for one unit.
func (s *ManualSource) AddIOWait(unit int, d time.Duration) {
	s.mu.Lock()
	s.iowait[unit] += d
	s.mu.Unlock()
}

// Window advances wall time and accrues the idle share implied by a
// busy percentage on one unit. Convenience for load-driven tests.
func (s *ManualSource) Window(unit int, wall time.Duration, busyPercent uint) {
	s.Advance(wall)
	s.AddIdle(unit, wall*time.Duration(100-busyPercent)/100)
}

func (s *ManualSource) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualSource) IdleTime(unit int, ioIsBusy bool) (time.Duration, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idle, ok := s.idle[unit]
	if !ok {
		// Unknown units start with zeroed counters; that is still a
		// valid reading, matching a freshly onlined cpu.
		idle = 0
	}
	if !ioIsBusy {
		idle += s.iowait[unit]
	}

	return idle, s.now, nil
}

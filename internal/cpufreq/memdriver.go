package cpufreq

import "sync"

// MemDriver keeps per-unit frequencies in memory. It backs dry runs on
// machines without a writable cpufreq sysfs and the test suites.
type MemDriver struct {
	mu    sync.Mutex
	freqs map[int]uint
	errs  map[int]error
}

func NewMemDriver() *MemDriver {
	return &MemDriver{
		freqs: make(map[int]uint),
		errs:  make(map[int]error),
	}
}

func (d *MemDriver) SetFrequency(unit int, freq uint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errs[unit]; err != nil {
		return err
	}
	d.freqs[unit] = freq
	return nil
}

func (d *MemDriver) CurrentFrequency(unit int) (uint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errs[unit]; err != nil {
		return 0, err
	}
	return d.freqs[unit], nil
}

// FailUnit makes every driver call for unit return err until cleared
// with a nil err.
func (d *MemDriver) FailUnit(unit int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.errs, unit)
		return
	}
	d.errs[unit] = err
}

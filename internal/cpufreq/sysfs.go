package cpufreq

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	userspaceGovernor = "userspace"
	cpuFreqBasePath   = "/sys/devices/system/cpu/cpu%d/cpufreq"
)

func getCPUFreqPath(unit int, resource string) string {
	return filepath.Join(fmt.Sprintf(cpuFreqBasePath, unit), resource)
}

var getCPUFreqPathFunction = getCPUFreqPath

// SysfsDriver drives frequency transitions through the kernel cpufreq
// userspace governor. The hosting policy must have the userspace
// governor selected for its units; SetFrequency fails otherwise.
type SysfsDriver struct{}

func (SysfsDriver) currentGovernor(unit int) (string, error) {
	data, err := os.ReadFile(getCPUFreqPathFunction(unit, "scaling_governor"))
	if err != nil {
		return "", fmt.Errorf("failed to read current governor for unit %d: %w", unit, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetFrequency writes freq (kHz) to scaling_setspeed of the unit.
func (d SysfsDriver) SetFrequency(unit int, freq uint) error {
	gov, err := d.currentGovernor(unit)
	if err != nil {
		return err
	}
	if gov != userspaceGovernor {
		return fmt.Errorf("userspace governor not set for unit %d", unit)
	}

	path := getCPUFreqPathFunction(unit, "scaling_setspeed")
	if err := os.WriteFile(path, []byte(strconv.FormatUint(uint64(freq), 10)), 0644); err != nil {
		return fmt.Errorf("failed to set frequency for unit %d: %w", unit, err)
	}

	return nil
}

// CurrentFrequency reads scaling_cur_freq of the unit in kHz.
func (SysfsDriver) CurrentFrequency(unit int) (uint, error) {
	data, err := os.ReadFile(getCPUFreqPathFunction(unit, "scaling_cur_freq"))
	if err != nil {
		return 0, fmt.Errorf("failed to read current frequency for unit %d: %w", unit, err)
	}

	freq, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to convert frequency for unit %d to uint: %w", unit, err)
	}

	return uint(freq), nil
}

// AvailableFrequencies reads the supported frequency steps of a unit
// from scaling_available_frequencies.
func (SysfsDriver) AvailableFrequencies(unit int) (Table, error) {
	data, err := os.ReadFile(getCPUFreqPathFunction(unit, "scaling_available_frequencies"))
	if err != nil {
		return nil, fmt.Errorf("failed to read frequency table for unit %d: %w", unit, err)
	}

	fields := strings.Fields(string(data))
	freqs := make([]uint, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse frequency table entry %q for unit %d: %w", f, unit, err)
		}
		freqs = append(freqs, uint(v))
	}

	return NewTable(freqs), nil
}

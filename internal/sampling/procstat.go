package sampling

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const procStatPath = "/proc/stat"

// Kernel cpu time accounting granularity (USER_HZ).
const tick = 10 * time.Millisecond

var procStatPathFunction = func() string { return procStatPath }

// ProcStatSource reads per-unit time counters from /proc/stat and
// timestamps them with the monotonic clock. Safe for concurrent use:
// every call re-reads the file and holds no state.
type ProcStatSource struct{}

func (ProcStatSource) Now() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// The monotonic clock is always available on Linux; fall back
		// to the runtime clock just in case.
		return time.Duration(time.Now().UnixNano())
	}
	return time.Duration(ts.Nano())
}

func (s ProcStatSource) IdleTime(unit int, ioIsBusy bool) (time.Duration, time.Duration, error) {
	f, err := os.Open(procStatPathFunction())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open cpu statistics: %w", err)
	}
	defer f.Close()

	prefix := fmt.Sprintf("cpu%d ", unit)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, prefix) {
			continue
		}

		idle, err := parseIdle(line, ioIsBusy)
		if err != nil {
			return 0, 0, fmt.Errorf("unit %d: %w", unit, err)
		}
		return idle, s.Now(), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to read cpu statistics: %w", err)
	}

	return 0, 0, fmt.Errorf("%w: %d", ErrNoSuchUnit, unit)
}

// parseIdle extracts idle (and optionally iowait) ticks from one
// "cpuN ..." line. Field order: user nice system idle iowait irq
// softirq steal guest guest_nice.
func parseIdle(line string, ioIsBusy bool) (time.Duration, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return 0, fmt.Errorf("malformed cpu statistics line %q", line)
	}

	idle, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed idle field %q: %w", fields[4], err)
	}

	total := idle
	if !ioIsBusy {
		iowait, err := strconv.ParseUint(fields[5], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed iowait field %q: %w", fields[5], err)
		}
		total += iowait
	}

	return time.Duration(total) * tick, nil
}

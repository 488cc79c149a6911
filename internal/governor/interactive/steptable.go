package interactive

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StepTable maps frequency ranges to values using the tokenized
// "v0 f1:v1 f2:v2" format: v0 applies below f1, v1 from f1 up to f2,
// and so on. Frequencies must strictly ascend. A table is immutable
// once parsed; swapping a tunables set replaces it wholesale.
type StepTable struct {
	tokens []uint
}

// NewStepTable builds a single-entry table that returns value for
// every frequency.
func NewStepTable(value uint) StepTable {
	return StepTable{tokens: []uint{value}}
}

// ParseStepTable parses the tokenized format. The token count must be
// odd so every frequency boundary carries a value.
func ParseStepTable(s string) (StepTable, error) {
	fields := strings.FieldsFunc(strings.TrimSpace(s), func(r rune) bool {
		return r == ' ' || r == ':'
	})
	if len(fields) == 0 || len(fields)%2 == 0 {
		return StepTable{}, fmt.Errorf("step table needs an odd token count, got %d", len(fields))
	}

	tokens := make([]uint, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return StepTable{}, fmt.Errorf("step table token %q: %w", f, err)
		}
		tokens[i] = uint(v)
	}

	// Frequency boundaries sit at odd indexes and must ascend.
	for i := 3; i < len(tokens); i += 2 {
		if tokens[i] <= tokens[i-2] {
			return StepTable{}, fmt.Errorf("step table frequencies must ascend: %d after %d",
				tokens[i], tokens[i-2])
		}
	}

	return StepTable{tokens: tokens}, nil
}

// ValueFor returns the value applying at freq.
func (t StepTable) ValueFor(freq uint) uint {
	if len(t.tokens) == 0 {
		return 0
	}
	i := 0
	for ; i < len(t.tokens)-1 && freq >= t.tokens[i+1]; i += 2 {
	}
	return t.tokens[i]
}

// DurationFor interprets the value applying at freq as microseconds.
func (t StepTable) DurationFor(freq uint) time.Duration {
	return time.Duration(t.ValueFor(freq)) * time.Microsecond
}

// IsZero reports whether the table was never initialized.
func (t StepTable) IsZero() bool { return len(t.tokens) == 0 }

// String renders the table back into the tokenized format.
func (t StepTable) String() string {
	var b strings.Builder
	for i, v := range t.tokens {
		if i > 0 {
			if i%2 == 1 {
				b.WriteByte(' ')
			} else {
				b.WriteByte(':')
			}
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (t StepTable) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *StepTable) UnmarshalText(text []byte) error {
	parsed, err := ParseStepTable(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

package probe

import (
	"fmt"
	"strconv"
	"strings"
)

// Error is the all-or-nothing probe cycle failure. Kind distinguishes a
// malformed output from a command failure or an overall timeout.
type Error struct {
	Kind  Kind
	Probe string
	Err   error
}

// Kind classifies a probe failure
type Kind int

const (
	KindParseFailure Kind = iota
	KindCommand
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindParseFailure:
		return "parse-failure"
	case KindCommand:
		return "command"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("probe %s failed (%s): %v", e.Probe, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// parseSingleFloat expects exactly one float on the output
func parseSingleFloat(out string) (float64, error) {
	fields := strings.Fields(out)
	if len(fields) != 1 {
		return 0, fmt.Errorf("expected a single number, got %d fields", len(fields))
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %w", err)
	}
	return v, nil
}

// parseIntPair expects two whitespace-separated integers ("used total")
func parseIntPair(out string) (int64, int64, error) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("expected two integers, got %d fields", len(fields))
	}
	used, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("used value not an integer: %w", err)
	}
	total, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("total value not an integer: %w", err)
	}
	return used, total, nil
}

// parseFloatPair expects two whitespace-separated numbers ("used total")
func parseFloatPair(out string) (float64, float64, error) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("expected two numbers, got %d fields", len(fields))
	}
	used, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("used value not a number: %w", err)
	}
	total, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("total value not a number: %w", err)
	}
	return used, total, nil
}

// parseFloatTriple expects three comma-or-space-separated floats
func parseFloatTriple(out string) (float64, float64, float64, error) {
	cleaned := strings.ReplaceAll(out, ",", " ")
	fields := strings.Fields(cleaned)
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("expected three numbers, got %d fields", len(fields))
	}

	vals := make([]float64, 3)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("value %d not a number: %w", i+1, err)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], nil
}

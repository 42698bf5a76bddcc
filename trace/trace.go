// Package trace defines the occupancy trace and its interchange format.
//
// A trace is the ordered list of per-window sweep counts produced by one
// sampling run. Collections of traces are exchanged as a JSON array of
// integer arrays, one inner array per trace.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
)

// Trace holds one sweep count per observation window, earliest first.
type Trace []uint64

// Len returns the number of windows in the trace.
func (t Trace) Len() int {
	return len(t)
}

// Total returns the number of sweeps across all windows.
func (t Trace) Total() uint64 {
	var total uint64
	for _, c := range t {
		total += c
	}
	return total
}

// MarshalJSON encodes a trace as an array even when it is nil, so that
// empty traces never turn into null.
func (t Trace) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]uint64(t))
}

// Export writes the traces as an indented JSON array of arrays.
func Export(w io.Writer, traces []Trace) error {
	if traces == nil {
		traces = []Trace{}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(traces); err != nil {
		return fmt.Errorf("failed to encode traces: %w", err)
	}

	return nil
}

// Import parses a JSON array of arrays of non-negative integers.
func Import(r io.Reader) ([]Trace, error) {
	var traces []Trace

	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&traces); err != nil {
		return nil, fmt.Errorf("failed to decode traces: %w", err)
	}

	for i, t := range traces {
		if t == nil {
			return nil, fmt.Errorf("trace %d is null", i)
		}
	}

	return traces, nil
}

// Validate checks that a trace has exactly the expected number of windows.
func (t Trace) Validate(windows int) error {
	if len(t) != windows {
		return fmt.Errorf("trace has %d windows, expected %d", len(t), windows)
	}
	return nil
}

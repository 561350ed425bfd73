package result

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gridcollect/internal/protocol"
)

// Identifying variables every output row must carry.
const (
	VarCMCount = "CM-count"
	VarCrop    = "Crop"
)

// ErrProtocol marks a structurally broken result payload.
var ErrProtocol = errors.New("result: protocol violation")

// Key selects one management variant of one crop.
type Key struct {
	CMCount int64
	Crop    string
}

// Result is everything one cell reported: (management-count, crop) -> variable -> value.
type Result map[Key]map[string]Value

// Keys returns the result's keys in a stable order.
func (r Result) Keys() []Key {
	keys := make([]Key, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// SortKeys orders keys by management count, then crop.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CMCount != keys[j].CMCount {
			return keys[i].CMCount < keys[j].CMCount
		}
		return keys[i].Crop < keys[j].Crop
	})
}

// Lookup returns the value of variable for key.
func (r Result) Lookup(key Key, variable string) (Value, bool) {
	vals, ok := r[key]
	if !ok {
		return Value{}, false
	}
	v, ok := vals[variable]
	return v, ok
}

// Skip describes an output row dropped during decoding.
type Skip struct {
	Section int
	Row     int
	Reason  string
}

// Decode flattens the data sections of one message. Rows missing the
// identifying variables are dropped and reported through skip (which may be nil).
func Decode(sections []protocol.Section, skip func(Skip)) (Result, error) {
	out := Result{}
	for si, sec := range sections {
		// Empty results: the section's event condition was never met.
		if len(sec.Results) == 0 {
			continue
		}
		if len(sec.OutputIDs) != len(sec.Results) {
			return nil, fmt.Errorf("%w: section %d: %d output ids, %d result columns", ErrProtocol, si, len(sec.OutputIDs), len(sec.Results))
		}
		rows := len(sec.Results[0])
		for i, col := range sec.Results {
			if len(col) != rows {
				return nil, fmt.Errorf("%w: section %d: column %q has %d values, want %d", ErrProtocol, si, sec.OutputIDs[i].Label(), len(col), rows)
			}
		}

		for k := 0; k < rows; k++ {
			vals := make(map[string]Value, len(sec.OutputIDs))
			for i, oid := range sec.OutputIDs {
				v, ok, err := ParseValue(sec.Results[i][k])
				if err != nil {
					return nil, fmt.Errorf("section %d row %d %q: %w", si, k, oid.Label(), err)
				}
				if ok {
					vals[oid.Label()] = v
				}
			}

			key, reason := keyOf(vals)
			if reason != "" {
				if skip != nil {
					skip(Skip{Section: si, Row: k, Reason: reason})
				}
				continue
			}
			dst, ok := out[key]
			if !ok {
				dst = make(map[string]Value, len(vals))
				out[key] = dst
			}
			for name, v := range vals {
				dst[name] = v
			}
		}
	}
	return out, nil
}

// cmCount accepts integers and integral floats such as 1.0.
func cmCount(v Value) (int64, bool) {
	switch v.Kind {
	case KindInteger:
		return v.Int, true
	case KindFloat:
		f := v.Float
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

func keyOf(vals map[string]Value) (Key, string) {
	cm, ok := vals[VarCMCount]
	if !ok {
		return Key{}, "missing " + VarCMCount
	}
	crop, ok := vals[VarCrop]
	if !ok {
		return Key{}, "missing " + VarCrop
	}
	n, ok := cmCount(cm)
	if !ok {
		return Key{}, fmt.Sprintf("%s is %s %s, want integer", VarCMCount, cm.Kind, cm)
	}
	return Key{CMCount: n, Crop: crop.String()}, ""
}

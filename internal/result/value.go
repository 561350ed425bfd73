package result

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindInteger Kind = iota + 1
	KindFloat
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Value is one scalar reported by a worker. Collapsed is set when the worker
// sent a list and only its last element was kept.
type Value struct {
	Kind      Kind
	Int       int64
	Float     float64
	Text      string
	Collapsed bool
}

func Integer(v int64) Value { return Value{Kind: KindInteger, Int: v} }
func Float(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func Text(v string) Value   { return Value{Kind: KindText, Text: v} }

// Number returns the value as float64; ok is false for text.
func (v Value) Number() (float64, bool) {
	switch v.Kind {
	case KindInteger:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindText:
		return v.Text
	default:
		return ""
	}
}

// ParseValue decodes one raw JSON result cell. ok is false for null and for
// empty lists.
func ParseValue(raw json.RawMessage) (Value, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Value{}, false, fmt.Errorf("%w: value %s: %v", ErrProtocol, raw, err)
	}
	return fromJSON(v, false)
}

func fromJSON(v any, collapsed bool) (Value, bool, error) {
	switch x := v.(type) {
	case nil:
		return Value{}, false, nil
	case json.Number:
		out, err := fromNumber(x)
		out.Collapsed = collapsed
		return out, err == nil, err
	case string:
		return Value{Kind: KindText, Text: x, Collapsed: collapsed}, true, nil
	case bool:
		out := Value{Kind: KindInteger, Collapsed: collapsed}
		if x {
			out.Int = 1
		}
		return out, true, nil
	case []any:
		if len(x) == 0 {
			return Value{}, false, nil
		}
		return fromJSON(x[len(x)-1], true)
	default:
		return Value{}, false, fmt.Errorf("%w: unsupported value type %T", ErrProtocol, v)
	}
}

func fromNumber(n json.Number) (Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return Integer(i), nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return Value{}, fmt.Errorf("%w: number %s: %v", ErrProtocol, s, err)
	}
	return Float(f), nil
}

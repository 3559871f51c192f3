package structval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"
)

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindMapping:
		// encoding/json sorts map keys
		return json.Marshal(v.m)
	case KindSequence:
		return json.Marshal(v.seq)
	}
	return nil, fmt.Errorf("structval: unknown kind %d", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseJSON decodes exactly one JSON document. Numbers keep their literal.
func ParseJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, errors.New("unexpected data after top-level value")
	}
	return FromGo(raw)
}

// ParseYAML decodes one YAML document. Non-string mapping keys are
// stringified; an empty document is null.
func ParseYAML(data []byte) (Value, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Value{}, err
	}
	return FromGo(raw)
}

// FromGo converts the output of encoding/json or yaml.v3 decoding, or
// plain Go scalars, maps and slices.
func FromGo(in any) (Value, error) {
	switch x := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x.Clone(), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		return Number(x), nil
	case string:
		return String(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return Number(json.Number(fmt.Sprintf("%d", x))), nil
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		return Number(json.Number(fmt.Sprintf("%d", x))), nil
	case float32:
		return fromFloat(float64(x))
	case float64:
		return fromFloat(x)
	case time.Time:
		return String(x.Format(time.RFC3339Nano)), nil
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, e := range x {
			ev, err := FromGo(e)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = ev
		}
		return Mapping(m), nil
	case map[any]any:
		m := make(map[string]Value, len(x))
		for k, e := range x {
			key := fmt.Sprint(k)
			if _, dup := m[key]; dup {
				return Value{}, fmt.Errorf("duplicate key %q", key)
			}
			ev, err := FromGo(e)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", key, err)
			}
			m[key] = ev
		}
		return Mapping(m), nil
	case []any:
		seq := make([]Value, len(x))
		for i, e := range x {
			ev, err := FromGo(e)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			seq[i] = ev
		}
		return Sequence(seq...), nil
	}
	return Value{}, fmt.Errorf("unsupported type %s", reflect.TypeOf(in))
}

func fromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("unsupported number %v", f)
	}
	return Float(f), nil
}

// ToGo converts v into map[string]any, []any, json.Number, string, bool
// or nil.
func (v Value) ToGo() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindMapping:
		m := make(map[string]any, len(v.m))
		for k, e := range v.m {
			m[k] = e.ToGo()
		}
		return m
	case KindSequence:
		seq := make([]any, len(v.seq))
		for i, e := range v.seq {
			seq[i] = e.ToGo()
		}
		return seq
	}
	return nil
}

// FromStruct serializes s with encoding/json and parses it back, so the
// struct's json tags decide the keys.
func FromStruct(s any) (Value, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Value{}, err
	}
	return ParseJSON(data)
}

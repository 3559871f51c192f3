// Package structval implements the JSON-like value type used for every
// configuration layer and request override, and the deep merge over it.
package structval

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindMapping
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindMapping:
		return "mapping"
	case KindSequence:
		return "sequence"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is a tagged union over null, bool, number, string, mapping and
// sequence. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    json.Number
	s    string
	m    map[string]Value
	seq  []Value
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number keeps the decimal literal as given.
func Number(n json.Number) Value { return Value{kind: KindNumber, n: n} }

func Int(i int64) Value { return Number(json.Number(strconv.FormatInt(i, 10))) }

func Float(f float64) Value {
	return Number(json.Number(strconv.FormatFloat(f, 'g', -1, 64)))
}

func String(s string) Value { return Value{kind: KindString, s: s} }

// Mapping takes ownership of m.
func Mapping(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMapping, m: m}
}

func EmptyMapping() Value { return Mapping(nil) }

func Sequence(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindSequence, seq: items}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsNumber() (json.Number, bool) { return v.n, v.kind == KindNumber }

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Get returns the entry for key when v is a mapping.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMapping {
		return Value{}, false
	}
	e, ok := v.m[key]
	return e, ok
}

// Keys returns mapping keys in sorted order, or nil for non-mappings.
func (v Value) Keys() []string {
	if v.kind != KindMapping {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len is the number of entries of a mapping or items of a sequence.
func (v Value) Len() int {
	switch v.kind {
	case KindMapping:
		return len(v.m)
	case KindSequence:
		return len(v.seq)
	}
	return 0
}

// Items returns a copy of the sequence items.
func (v Value) Items() []Value {
	if v.kind != KindSequence {
		return nil
	}
	out := make([]Value, len(v.seq))
	copy(out, v.seq)
	return out
}

// Clone returns a deep copy sharing no mappings or sequences with v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindMapping:
		m := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			m[k] = e.Clone()
		}
		return Value{kind: KindMapping, m: m}
	case KindSequence:
		seq := make([]Value, len(v.seq))
		for i, e := range v.seq {
			seq[i] = e.Clone()
		}
		return Value{kind: KindSequence, seq: seq}
	}
	return v
}

// Equal reports deep structural equality. Numbers are equal when their
// literals match or when both parse to the same float64.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		if v.n == o.n {
			return true
		}
		a, errA := v.n.Float64()
		b, errB := o.n.Float64()
		return errA == nil && errB == nil && a == b && !math.IsNaN(a)
	case KindString:
		return v.s == o.s
	case KindMapping:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	case KindSequence:
		if len(v.seq) != len(o.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(o.seq[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%s: %v>", v.kind, err)
	}
	return string(out)
}

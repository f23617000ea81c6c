package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents an invalid kind.
	KindInvalid Kind = iota
	// KindNull represents a null value.
	KindNull
	// KindInt represents an integer value.
	KindInt
	// KindFloat represents a float value.
	KindFloat
	// KindString represents a string value.
	KindString
	// KindBool represents a boolean value.
	KindBool
	// KindArray represents an array value.
	KindArray
	// KindObject represents a nested object value.
	KindObject
	// KindGeo represents a geo point value.
	KindGeo
)

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Value is a small closed tagged variant used for payload documents and
// filter conditions. The representation avoids reflection so that
// filtering stays fast and predictable.
//
// NOTE: Value is persisted inside segments and the WAL; keep the JSON
// shape stable.
type Value struct {
	Kind Kind
	I64  int64
	F64  float64
	S    string
	B    bool
	A    []Value
	O    map[string]Value
	G    GeoPoint
}

// Null returns a null Value.
func Null() Value { return Value{Kind: KindNull} }

// Int returns an integer Value.
func Int(i int64) Value { return Value{Kind: KindInt, I64: i} }

// Float returns a float Value.
func Float(f float64) Value { return Value{Kind: KindFloat, F64: f} }

// String returns a string Value.
func String(s string) Value { return Value{Kind: KindString, S: s} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, B: b} }

// Array returns an array Value.
func Array(items ...Value) Value { return Value{Kind: KindArray, A: items} }

// Object returns a nested object Value.
func Object(fields map[string]Value) Value { return Value{Kind: KindObject, O: fields} }

// Geo returns a geo point Value.
func Geo(lon, lat float64) Value { return Value{Kind: KindGeo, G: GeoPoint{Lon: lon, Lat: lat}} }

// AsInt64 returns the int64 value if Kind is KindInt.
func (v Value) AsInt64() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.I64, true
}

// AsFloat64 returns a float64 view of a numeric value.
func (v Value) AsFloat64() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.I64), true
	case KindFloat:
		return v.F64, true
	default:
		return 0, false
	}
}

// AsString returns the string value if Kind is KindString.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.S, true
}

// AsBool returns the boolean value if Kind is KindBool.
func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.B, true
}

// AsArray returns the array items if Kind is KindArray.
func (v Value) AsArray() ([]Value, bool) {
	if v.Kind != KindArray {
		return nil, false
	}
	return v.A, true
}

// AsGeo returns the geo point if Kind is KindGeo, or if the value is an
// object carrying numeric "lon" and "lat" fields.
func (v Value) AsGeo() (GeoPoint, bool) {
	switch v.Kind {
	case KindGeo:
		return v.G, true
	case KindObject:
		lon, okLon := v.O["lon"].AsFloat64()
		lat, okLat := v.O["lat"].AsFloat64()
		if okLon && okLat {
			return GeoPoint{Lon: lon, Lat: lat}, true
		}
	}
	return GeoPoint{}, false
}

// IsNumber reports whether the value is an int or float.
func (v Value) IsNumber() bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

// Key returns a stable string representation for use in posting-list maps.
// It must remain stable across versions for persisted index usage.
func (v Value) Key() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindInt:
		return "i:" + strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return "f:" + strconv.FormatUint(math.Float64bits(v.F64), 16)
	case KindString:
		return "s:" + v.S
	case KindBool:
		if v.B {
			return "b:1"
		}
		return "b:0"
	case KindArray:
		if len(v.A) == 0 {
			return "a:"
		}
		parts := make([]string, len(v.A))
		for i := range v.A {
			parts[i] = v.A[i].Key()
		}
		return "a:" + strings.Join(parts, "\x1f")
	case KindObject:
		keys := make([]string, 0, len(v.O))
		for k := range v.O {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + v.O[k].Key()
		}
		return "o:" + strings.Join(parts, "\x1f")
	case KindGeo:
		return "g:" + strconv.FormatUint(math.Float64bits(v.G.Lon), 16) +
			"," + strconv.FormatUint(math.Float64bits(v.G.Lat), 16)
	default:
		return "invalid"
	}
}

// Equal compares two values. Ints and floats compare numerically.
func (v Value) Equal(other Value) bool {
	if v.Kind == KindNull && other.Kind == KindNull {
		return true
	}
	if v.IsNumber() && other.IsNumber() {
		if v.Kind == KindInt && other.Kind == KindInt {
			return v.I64 == other.I64
		}
		a, _ := v.AsFloat64()
		b, _ := other.AsFloat64()
		return a == b
	}
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.S == other.S
	case KindBool:
		return v.B == other.B
	case KindGeo:
		return v.G == other.G
	case KindArray:
		if len(v.A) != len(other.A) {
			return false
		}
		for i := range v.A {
			if !v.A[i].Equal(other.A[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.O) != len(other.O) {
			return false
		}
		for k, a := range v.O {
			b, ok := other.O[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// MarshalJSON emits the natural JSON form of the value.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindInt:
		return json.Marshal(v.I64)
	case KindFloat:
		return json.Marshal(v.F64)
	case KindString:
		return json.Marshal(v.S)
	case KindBool:
		return json.Marshal(v.B)
	case KindArray:
		if v.A == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.A)
	case KindObject:
		if v.O == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.O)
	case KindGeo:
		return json.Marshal(v.G)
	default:
		return nil, fmt.Errorf("cannot marshal invalid payload value")
	}
}

// UnmarshalJSON parses natural JSON into the closed variant. Integral
// numbers become KindInt, other numbers KindFloat. An object with exactly
// the numeric fields "lon" and "lat" becomes KindGeo.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func fromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case json.Number:
		if i, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, err
		}
		return Float(f), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			parsed, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = parsed
		}
		return Array(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(x))
		for k, item := range x {
			parsed, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			fields[k] = parsed
		}
		if len(fields) == 2 {
			lon, okLon := fields["lon"].AsFloat64()
			lat, okLat := fields["lat"].AsFloat64()
			if okLon && okLat {
				return Geo(lon, lat), nil
			}
		}
		return Object(fields), nil
	default:
		return Value{}, fmt.Errorf("unsupported payload value of type %T", raw)
	}
}

package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Operator enumerates the condition operators supported by filters.
type Operator uint8

const (
	// OpEqual matches values equal to the condition value.
	OpEqual Operator = iota
	// OpNotEqual matches values not equal to the condition value.
	OpNotEqual
	// OpGreaterThan matches numeric values strictly greater.
	OpGreaterThan
	// OpGreaterEqual matches numeric values greater or equal.
	OpGreaterEqual
	// OpLessThan matches numeric values strictly less.
	OpLessThan
	// OpLessEqual matches numeric values less or equal.
	OpLessEqual
	// OpIn matches values contained in the condition array.
	OpIn
	// OpContains matches strings containing the condition substring, and
	// arrays containing the condition value.
	OpContains
	// OpGeoRadius matches geo points within Radius meters of the
	// condition point.
	OpGeoRadius
	// OpIsNull matches missing fields and explicit nulls.
	OpIsNull
)

var operatorNames = map[Operator]string{
	OpEqual:        "eq",
	OpNotEqual:     "ne",
	OpGreaterThan:  "gt",
	OpGreaterEqual: "gte",
	OpLessThan:     "lt",
	OpLessEqual:    "lte",
	OpIn:           "in",
	OpContains:     "contains",
	OpGeoRadius:    "geo_radius",
	OpIsNull:       "is_null",
}

func (op Operator) String() string {
	if s, ok := operatorNames[op]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", op)
}

// Condition is a single predicate over one payload field path.
type Condition struct {
	Key    string   `json:"key"`
	Op     Operator `json:"op"`
	Value  Value    `json:"value,omitempty"`
	Radius float64  `json:"radius,omitempty"` // meters, OpGeoRadius only
}

// Eq builds an equality condition.
func Eq(key string, v Value) Condition { return Condition{Key: key, Op: OpEqual, Value: v} }

// Range builds a numeric range condition with one of the range operators.
func Range(key string, op Operator, v Value) Condition {
	return Condition{Key: key, Op: op, Value: v}
}

// In builds a membership condition over the given values.
func In(key string, values ...Value) Condition {
	return Condition{Key: key, Op: OpIn, Value: Array(values...)}
}

// Contains builds a substring condition on string fields, element
// equality on arrays.
func Contains(key string, v Value) Condition {
	return Condition{Key: key, Op: OpContains, Value: v}
}

// GeoRadius builds a geo-radius condition around (lon, lat).
func GeoRadius(key string, lon, lat, radiusMeters float64) Condition {
	return Condition{Key: key, Op: OpGeoRadius, Value: Geo(lon, lat), Radius: radiusMeters}
}

// IsNull builds a null/missing-field condition.
func IsNull(key string) Condition { return Condition{Key: key, Op: OpIsNull} }

// Matches evaluates the condition against one document.
func (c Condition) Matches(doc Document) bool {
	value, exists := doc.Get(c.Key)
	if !exists {
		return c.Op == OpIsNull
	}

	switch c.Op {
	case OpEqual:
		return matchEqual(value, c.Value)
	case OpNotEqual:
		return !matchEqual(value, c.Value)
	case OpGreaterThan:
		return compareNumeric(value, c.Value, func(a, b float64) bool { return a > b })
	case OpGreaterEqual:
		return compareNumeric(value, c.Value, func(a, b float64) bool { return a >= b })
	case OpLessThan:
		return compareNumeric(value, c.Value, func(a, b float64) bool { return a < b })
	case OpLessEqual:
		return compareNumeric(value, c.Value, func(a, b float64) bool { return a <= b })
	case OpIn:
		arr, ok := c.Value.AsArray()
		if !ok {
			return false
		}
		for _, item := range arr {
			if matchEqual(value, item) {
				return true
			}
		}
		return false
	case OpContains:
		return matchContains(value, c.Value)
	case OpGeoRadius:
		point, ok := value.AsGeo()
		if !ok {
			return false
		}
		center, ok := c.Value.AsGeo()
		if !ok {
			return false
		}
		return HaversineMeters(center, point) <= c.Radius
	case OpIsNull:
		return value.Kind == KindNull
	default:
		return false
	}
}

// matchEqual treats an array field as matching when any element matches,
// so keyword-array payloads behave like tag sets.
func matchEqual(field, want Value) bool {
	if field.Kind == KindArray && want.Kind != KindArray {
		for _, item := range field.A {
			if item.Equal(want) {
				return true
			}
		}
		return false
	}
	return field.Equal(want)
}

func matchContains(field, want Value) bool {
	switch field.Kind {
	case KindString:
		s, ok := want.AsString()
		if !ok {
			return false
		}
		return strings.Contains(field.S, s)
	case KindArray:
		for _, item := range field.A {
			if item.Equal(want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func compareNumeric(field, want Value, cmp func(a, b float64) bool) bool {
	a, okA := field.AsFloat64()
	b, okB := want.AsFloat64()
	if !okA || !okB {
		return false
	}
	return cmp(a, b)
}

const earthRadiusMeters = 6371008.8

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(a, b GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Filter is a conjunction of conditions with optional negated conditions.
// A nil filter matches everything.
type Filter struct {
	Must    []Condition `json:"must,omitempty"`
	MustNot []Condition `json:"must_not,omitempty"`
}

// NewFilter builds a filter from must conditions.
func NewFilter(must ...Condition) *Filter {
	return &Filter{Must: must}
}

// Matches evaluates the filter against one document.
func (f *Filter) Matches(doc Document) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if !c.Matches(doc) {
			return false
		}
	}
	for _, c := range f.MustNot {
		if c.Matches(doc) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the filter constrains anything.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.MustNot) == 0)
}

// Validate rejects malformed filters before execution.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	for _, c := range append(append([]Condition{}, f.Must...), f.MustNot...) {
		if c.Key == "" {
			return fmt.Errorf("filter condition with empty key")
		}
		if _, ok := operatorNames[c.Op]; !ok {
			return fmt.Errorf("filter condition %q: unknown operator %d", c.Key, c.Op)
		}
		if c.Op == OpGeoRadius {
			if _, ok := c.Value.AsGeo(); !ok {
				return fmt.Errorf("filter condition %q: geo_radius requires a geo point value", c.Key)
			}
			if c.Radius <= 0 {
				return fmt.Errorf("filter condition %q: geo_radius requires a positive radius", c.Key)
			}
		}
	}
	return nil
}

// String renders a compact debug form.
func (f *Filter) String() string {
	if f.IsEmpty() {
		return "filter()"
	}
	b, _ := json.Marshal(f)
	return string(b)
}

package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() Document {
	return Document{
		"color": String("red"),
		"price": Float(19.5),
		"stock": Int(7),
		"tags":  Array(String("sale"), String("new")),
		"loc":   Geo(13.4050, 52.5200), // Berlin
		"meta":  Object(map[string]Value{"brand": String("acme")}),
		"note":  Null(),
	}
}

func TestConditionMatching(t *testing.T) {
	doc := sampleDoc()

	assert.True(t, Eq("color", String("red")).Matches(doc))
	assert.False(t, Eq("color", String("blue")).Matches(doc))
	assert.True(t, Eq("meta.brand", String("acme")).Matches(doc), "dotted paths reach nested objects")

	// An array field matches when any element matches.
	assert.True(t, Eq("tags", String("sale")).Matches(doc))
	assert.False(t, Eq("tags", String("used")).Matches(doc))

	assert.True(t, Range("price", OpGreaterThan, Float(10)).Matches(doc))
	assert.False(t, Range("price", OpGreaterThan, Float(20)).Matches(doc))
	assert.True(t, Range("stock", OpLessEqual, Int(7)).Matches(doc))
	// Int and float compare numerically.
	assert.True(t, Range("stock", OpLessThan, Float(7.5)).Matches(doc))

	assert.True(t, In("color", String("green"), String("red")).Matches(doc))
	assert.False(t, In("color", String("green")).Matches(doc))

	assert.True(t, Condition{Key: "tags", Op: OpContains, Value: String("new")}.Matches(doc))
	assert.True(t, Condition{Key: "color", Op: OpContains, Value: String("ed")}.Matches(doc))

	assert.True(t, IsNull("note").Matches(doc))
	assert.True(t, IsNull("missing").Matches(doc))
	assert.False(t, IsNull("color").Matches(doc))
	assert.False(t, Eq("missing", String("x")).Matches(doc))
}

func TestGeoRadius(t *testing.T) {
	doc := sampleDoc()
	// Potsdam is roughly 26 km from Berlin.
	near := GeoRadius("loc", 13.0645, 52.3906, 40_000)
	far := GeoRadius("loc", 13.0645, 52.3906, 10_000)
	assert.True(t, near.Matches(doc))
	assert.False(t, far.Matches(doc))
}

func TestFilterConjunction(t *testing.T) {
	doc := sampleDoc()

	f := NewFilter(
		Eq("color", String("red")),
		Range("price", OpLessThan, Float(50)),
	)
	assert.True(t, f.Matches(doc))

	f.MustNot = []Condition{Eq("tags", String("sale"))}
	assert.False(t, f.Matches(doc))

	var nilFilter *Filter
	assert.True(t, nilFilter.Matches(doc))
	assert.True(t, nilFilter.IsEmpty())
	require.NoError(t, nilFilter.Validate())
}

func TestFilterValidate(t *testing.T) {
	require.NoError(t, NewFilter(Eq("color", String("red"))).Validate())

	err := NewFilter(Condition{Key: "", Op: OpEqual}).Validate()
	require.Error(t, err)

	err = NewFilter(Condition{Key: "x", Op: Operator(200)}).Validate()
	require.Error(t, err)

	err = NewFilter(Condition{Key: "loc", Op: OpGeoRadius, Value: String("oops"), Radius: 5}).Validate()
	require.Error(t, err)

	err = NewFilter(GeoRadius("loc", 0, 0, 0)).Validate()
	require.Error(t, err, "radius must be positive")
}

func TestDocumentCloneIsDeep(t *testing.T) {
	doc := sampleDoc()
	clone := doc.Clone()
	clone["color"] = String("blue")

	v, ok := doc.Get("color")
	require.True(t, ok)
	s, _ := v.AsString()
	assert.Equal(t, "red", s)
}

func TestDocumentJSONRoundTrip(t *testing.T) {
	doc := Document{
		"name":  String("widget"),
		"count": Int(3),
		"nested": Object(map[string]Value{
			"ok": Bool(true),
		}),
	}
	data, err := doc.ToJSON()
	require.NoError(t, err)

	got, err := FromJSON(data)
	require.NoError(t, err)

	v, ok := got.Get("nested.ok")
	require.True(t, ok)
	b, _ := v.AsBool()
	assert.True(t, b)
	v, ok = got.Get("count")
	require.True(t, ok)
	assert.True(t, v.IsNumber())
}

package model

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointIDKinds(t *testing.T) {
	n := NumID(42)
	require.True(t, n.Valid())
	num, ok := n.Uint64()
	require.True(t, ok)
	assert.Equal(t, uint64(42), num)
	_, ok = n.UUID()
	assert.False(t, ok)

	u := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	id := UUIDID(u)
	got, ok := id.UUID()
	require.True(t, ok)
	assert.Equal(t, u, got)

	var zero PointID
	assert.False(t, zero.Valid())
	assert.Equal(t, "invalid", zero.String())
}

func TestPointIDParseRoundTrip(t *testing.T) {
	ids := []PointID{
		NumID(0),
		NumID(1<<63 + 7),
		UUIDID(uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")),
	}
	for _, id := range ids {
		got, err := ParsePointID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
	_, err := ParsePointID("not-an-id")
	require.Error(t, err)
}

func TestPointIDJSON(t *testing.T) {
	data, err := json.Marshal(NumID(7))
	require.NoError(t, err)
	assert.Equal(t, "7", string(data), "numeric ids are JSON numbers")

	u := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	data, err = json.Marshal(UUIDID(u))
	require.NoError(t, err)
	assert.Equal(t, `"6ba7b810-9dad-11d1-80b4-00c04fd430c8"`, string(data))

	var id PointID
	require.NoError(t, json.Unmarshal([]byte("123"), &id))
	assert.Equal(t, NumID(123), id)
	require.NoError(t, json.Unmarshal([]byte(`"6ba7b810-9dad-11d1-80b4-00c04fd430c8"`), &id))
	assert.Equal(t, UUIDID(u), id)
	require.Error(t, json.Unmarshal([]byte(`"nope"`), &id))

	_, err = json.Marshal(PointID{})
	require.Error(t, err)
}

func TestPointIDBinaryRoundTrip(t *testing.T) {
	ids := []PointID{
		NumID(99),
		UUIDID(uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")),
	}
	var buf []byte
	for _, id := range ids {
		buf = id.AppendBinary(buf)
	}
	for _, want := range ids {
		got, n, err := DecodePointID(buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		buf = buf[n:]
	}
	assert.Empty(t, buf)

	_, _, err := DecodePointID(nil)
	require.Error(t, err)
	_, _, err = DecodePointID([]byte{byte(PointIDNum), 1, 2})
	require.Error(t, err)
}

func TestCanonicalDistinguishesKinds(t *testing.T) {
	// A numeric id and a UUID sharing bytes must not collide.
	n := NumID(1)
	var raw [16]byte
	raw[15] = 1
	assert.Equal(t, raw, n.Canonical())

	u := UUIDID(uuid.UUID(raw))
	assert.Equal(t, raw, u.Canonical())
	// Canonical is a hash key, not a total identity; the byID maps key on
	// PointID itself, which does distinguish the kinds.
	assert.NotEqual(t, n, u)
}

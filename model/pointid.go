package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// PointIDKind identifies the concrete representation of a PointID.
type PointIDKind uint8

const (
	// PointIDInvalid is the zero value of PointIDKind.
	PointIDInvalid PointIDKind = iota
	// PointIDNum is an unsigned 64-bit numeric ID.
	PointIDNum
	// PointIDUUID is a UUID ID.
	PointIDUUID
)

// PointID is the stable external identifier of a point. It is a closed
// union of an unsigned 64-bit integer and a UUID.
//
// The zero value is invalid; construct with NumID or UUIDID.
type PointID struct {
	kind PointIDKind
	num  uint64
	uid  uuid.UUID
}

// NumID returns a numeric PointID.
func NumID(n uint64) PointID {
	return PointID{kind: PointIDNum, num: n}
}

// UUIDID returns a UUID PointID.
func UUIDID(u uuid.UUID) PointID {
	return PointID{kind: PointIDUUID, uid: u}
}

// Kind returns the representation of the ID.
func (p PointID) Kind() PointIDKind { return p.kind }

// Valid reports whether the ID was constructed via NumID or UUIDID.
func (p PointID) Valid() bool { return p.kind != PointIDInvalid }

// Uint64 returns the numeric value if Kind is PointIDNum.
func (p PointID) Uint64() (uint64, bool) {
	if p.kind != PointIDNum {
		return 0, false
	}
	return p.num, true
}

// UUID returns the UUID value if Kind is PointIDUUID.
func (p PointID) UUID() (uuid.UUID, bool) {
	if p.kind != PointIDUUID {
		return uuid.UUID{}, false
	}
	return p.uid, true
}

// Canonical returns a fixed 16-byte encoding of the ID. Numeric IDs are
// big-endian padded. The encoding is the hashing and persistence key, so
// it must remain stable across versions.
func (p PointID) Canonical() [16]byte {
	var b [16]byte
	if p.kind == PointIDUUID {
		copy(b[:], p.uid[:])
		return b
	}
	binary.BigEndian.PutUint64(b[8:], p.num)
	return b
}

func (p PointID) String() string {
	switch p.kind {
	case PointIDNum:
		return fmt.Sprintf("%d", p.num)
	case PointIDUUID:
		return p.uid.String()
	default:
		return "invalid"
	}
}

// ParsePointID parses the String form: a decimal number or a UUID.
func ParsePointID(s string) (PointID, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return NumID(n), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return PointID{}, fmt.Errorf("invalid point id %q", s)
	}
	return UUIDID(u), nil
}

// MarshalJSON encodes numeric IDs as JSON numbers and UUID IDs as strings,
// matching the external API representation.
func (p PointID) MarshalJSON() ([]byte, error) {
	switch p.kind {
	case PointIDNum:
		return json.Marshal(p.num)
	case PointIDUUID:
		return json.Marshal(p.uid.String())
	default:
		return nil, fmt.Errorf("cannot marshal invalid point id")
	}
}

// UnmarshalJSON accepts a JSON number or a UUID string.
func (p *PointID) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*p = NumID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("point id must be a number or UUID string: %w", err)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid UUID point id %q: %w", s, err)
	}
	*p = UUIDID(u)
	return nil
}

// AppendBinary appends a compact binary encoding: [kind:1][payload].
func (p PointID) AppendBinary(dst []byte) []byte {
	dst = append(dst, byte(p.kind))
	switch p.kind {
	case PointIDNum:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], p.num)
		dst = append(dst, b[:]...)
	case PointIDUUID:
		dst = append(dst, p.uid[:]...)
	}
	return dst
}

// DecodePointID decodes an ID written by AppendBinary and returns the
// number of bytes consumed.
func DecodePointID(src []byte) (PointID, int, error) {
	if len(src) < 1 {
		return PointID{}, 0, fmt.Errorf("truncated point id")
	}
	switch PointIDKind(src[0]) {
	case PointIDNum:
		if len(src) < 9 {
			return PointID{}, 0, fmt.Errorf("truncated numeric point id")
		}
		return NumID(binary.LittleEndian.Uint64(src[1:9])), 9, nil
	case PointIDUUID:
		if len(src) < 17 {
			return PointID{}, 0, fmt.Errorf("truncated uuid point id")
		}
		var u uuid.UUID
		copy(u[:], src[1:17])
		return UUIDID(u), 17, nil
	default:
		return PointID{}, 0, fmt.Errorf("unknown point id kind %d", src[0])
	}
}

package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
)

// OpType distinguishes the two logged operations.
type OpType uint8

const (
	// OpUpsert logs a full point write.
	OpUpsert OpType = iota + 1
	// OpDelete logs a point deletion.
	OpDelete
)

// Record is one durable shard operation. For OpDelete only ID and
// Version are meaningful.
type Record struct {
	LSN     uint64
	Op      OpType
	ID      model.PointID
	Version model.Version
	Vectors model.Vectors
	Payload payload.Document
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// frame layout: [bodyLen:4][crc32(body):4][flags:1][body]. flags bit 0
// marks a zstd-compressed body.
const (
	frameHeaderSize = 9
	flagCompressed  = 1 << 0
)

func encodeBody(rec *Record) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = binary.LittleEndian.AppendUint64(buf, rec.LSN)
	buf = append(buf, byte(rec.Op))
	buf = rec.ID.AppendBinary(buf)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Version))

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.Vectors.Dense)))
	for name, vec := range rec.Vectors.Dense {
		buf = appendString(buf, name)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(vec)))
		for _, v := range vec {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.Vectors.Sparse)))
	for name, sv := range rec.Vectors.Sparse {
		buf = appendString(buf, name)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(sv.Indices)))
		for _, idx := range sv.Indices {
			buf = binary.LittleEndian.AppendUint32(buf, idx)
		}
		for _, v := range sv.Values {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}

	if rec.Payload == nil {
		buf = binary.LittleEndian.AppendUint32(buf, 0)
		return buf, nil
	}
	blob, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(blob)))
	buf = append(buf, blob...)
	return buf, nil
}

func decodeBody(body []byte) (*Record, error) {
	r := &reader{buf: body}
	rec := &Record{}
	rec.LSN = r.uint64()
	rec.Op = OpType(r.byte())

	id, n, err := model.DecodePointID(r.rest())
	if err != nil {
		return nil, err
	}
	r.skip(n)
	rec.ID = id
	rec.Version = model.Version(r.uint64())

	denseCount := int(r.uint16())
	if denseCount > 0 {
		rec.Vectors.Dense = make(map[string][]float32, denseCount)
		for i := 0; i < denseCount; i++ {
			name := r.string()
			dim := int(r.uint32())
			vec := make([]float32, dim)
			for j := range vec {
				vec[j] = math.Float32frombits(r.uint32())
			}
			rec.Vectors.Dense[name] = vec
		}
	}
	sparseCount := int(r.uint16())
	if sparseCount > 0 {
		rec.Vectors.Sparse = make(map[string]model.SparseVector, sparseCount)
		for i := 0; i < sparseCount; i++ {
			name := r.string()
			n := int(r.uint32())
			sv := model.SparseVector{
				Indices: make([]uint32, n),
				Values:  make([]float32, n),
			}
			for j := range sv.Indices {
				sv.Indices[j] = r.uint32()
			}
			for j := range sv.Values {
				sv.Values[j] = math.Float32frombits(r.uint32())
			}
			rec.Vectors.Sparse[name] = sv
		}
	}

	if blobLen := int(r.uint32()); blobLen > 0 {
		blob := r.bytes(blobLen)
		if r.err == nil {
			if err := json.Unmarshal(blob, &rec.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if rec.Op != OpUpsert && rec.Op != OpDelete {
		return nil, fmt.Errorf("unknown op type %d", rec.Op)
	}
	return rec, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader is a cursor over a record body that latches the first decode
// error instead of returning one per call.
type reader struct {
	buf []byte
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("truncated record body")
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) skip(n int)   { r.bytes(n) }
func (r *reader) rest() []byte { return r.buf }

func (r *reader) byte() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) string() string {
	n := int(r.uint16())
	return string(r.bytes(n))
}

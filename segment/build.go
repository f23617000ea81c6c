package segment

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"

	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/distance"
	"github.com/peridotdb/peridot/hnsw"
	"github.com/peridotdb/peridot/model"
)

// Builder accumulates rows and produces one immutable segment file. It is
// used by flush, merge and vacuum; rows are renumbered densely in arrival
// order, so graphs are rebuilt from scratch over the new numbering.
//
// Builder is not safe for concurrent use.
type Builder struct {
	schema   *Schema
	dense    map[string][]float32
	sparse   map[string][]model.SparseVector
	ids      []model.PointID
	versions []model.Version
	payloads [][]byte
	graphs   map[string]*hnsw.Graph
}

// NewBuilder creates a builder for the schema.
func NewBuilder(schema *Schema) (*Builder, error) {
	b := &Builder{
		schema: schema,
		dense:  make(map[string][]float32),
		sparse: make(map[string][]model.SparseVector),
		graphs: make(map[string]*hnsw.Graph),
	}
	for _, spec := range schema.Dense {
		fn, err := distance.Provider(spec.Metric)
		if err != nil {
			return nil, err
		}
		name := spec.Name
		dim := spec.Dim
		b.graphs[name] = hnsw.New(fn, func(row uint32) []float32 {
			arena := b.dense[name]
			return arena[int(row)*dim : (int(row)+1)*dim]
		}, spec.graphOptions()...)
	}
	return b, nil
}

// Add appends one live row. The record's vectors are taken as stored,
// normalization already applied on the original write path.
func (b *Builder) Add(rec Record) error {
	row := uint32(len(b.ids))
	for _, spec := range b.schema.Dense {
		vec, ok := rec.Dense[spec.Name]
		if !ok || len(vec) != spec.Dim {
			return fmt.Errorf("row %d: malformed vector %q", row, spec.Name)
		}
		b.dense[spec.Name] = append(b.dense[spec.Name], vec...)
	}
	for _, name := range b.schema.Sparse {
		b.sparse[name] = append(b.sparse[name], rec.Sparse[name])
	}
	blob, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("row %d: encode payload: %w", row, err)
	}
	b.ids = append(b.ids, rec.ID)
	b.versions = append(b.versions, rec.Version)
	b.payloads = append(b.payloads, blob)

	for _, g := range b.graphs {
		if err := g.Insert(row); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of rows added so far.
func (b *Builder) Len() int { return len(b.ids) }

// Write persists the segment to path atomically: the file is written to a
// temp name, fsynced, renamed into place and the directory fsynced.
func (b *Builder) Write(path string, id model.SegmentID) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return dberr.StorageIO("create segment file", err)
	}
	defer os.Remove(tmp)

	if err := b.writeTo(f, id); err != nil {
		f.Close()
		return dberr.StorageIO("write segment file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return dberr.StorageIO("sync segment file", err)
	}
	if err := f.Close(); err != nil {
		return dberr.StorageIO("close segment file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return dberr.StorageIO("rename segment file", err)
	}
	return syncDir(filepath.Dir(path))
}

type segmentMeta struct {
	ID       model.SegmentID `json:"id"`
	RowCount uint32          `json:"row_count"`
	Schema   *Schema         `json:"schema"`
}

func (b *Builder) writeTo(f *os.File, id model.SegmentID) error {
	w, err := newFileWriter(f)
	if err != nil {
		return err
	}

	err = w.section(sectionMeta, func(out io.Writer) error {
		return json.NewEncoder(out).Encode(segmentMeta{
			ID:       id,
			RowCount: uint32(len(b.ids)),
			Schema:   b.schema,
		})
	})
	if err != nil {
		return err
	}

	err = w.section(sectionRows, func(out io.Writer) error {
		buf := make([]byte, 0, len(b.ids)*25)
		for i, pid := range b.ids {
			buf = pid.AppendBinary(buf)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(b.versions[i]))
		}
		_, err := out.Write(buf)
		return err
	})
	if err != nil {
		return err
	}

	err = w.section(sectionDense, func(out io.Writer) error {
		for _, spec := range b.schema.Dense {
			if err := writeDenseArena(out, spec.Name, b.dense[spec.Name]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = w.section(sectionSparse, func(out io.Writer) error {
		for _, name := range b.schema.Sparse {
			if err := writeSparseColumn(out, name, b.sparse[name]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = w.section(sectionPayloads, func(out io.Writer) error {
		// Offset table first: n+1 entries relative to the blob area, so
		// blob i spans [offsets[i], offsets[i+1]).
		offsets := make([]byte, 0, (len(b.payloads)+1)*8)
		var off uint64
		for _, blob := range b.payloads {
			offsets = binary.LittleEndian.AppendUint64(offsets, off)
			off += uint64(len(blob))
		}
		offsets = binary.LittleEndian.AppendUint64(offsets, off)
		if _, err := out.Write(offsets); err != nil {
			return err
		}
		for _, blob := range b.payloads {
			if _, err := out.Write(blob); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = w.section(sectionGraphs, func(out io.Writer) error {
		for _, spec := range b.schema.Dense {
			if err := writeNamed(out, spec.Name); err != nil {
				return err
			}
			var body bytes.Buffer
			if _, err := b.graphs[spec.Name].WriteTo(&body); err != nil {
				return err
			}
			var size [8]byte
			binary.LittleEndian.PutUint64(size[:], uint64(body.Len()))
			if _, err := out.Write(size[:]); err != nil {
				return err
			}
			if _, err := out.Write(body.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return w.finish()
}

func writeDenseArena(out io.Writer, name string, arena []float32) error {
	if err := writeNamed(out, name); err != nil {
		return err
	}
	raw := make([]byte, len(arena)*4)
	for i, v := range arena {
		binary.LittleEndian.PutUint32(raw[i*4:], floatBits(v))
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, compressed, nil)
	if err != nil {
		return err
	}

	var head [16]byte
	binary.LittleEndian.PutUint64(head[:8], uint64(len(raw)))
	// n == 0 means the block was incompressible; store it raw.
	binary.LittleEndian.PutUint64(head[8:], uint64(n))
	if _, err := out.Write(head[:]); err != nil {
		return err
	}
	if n > 0 {
		_, err = out.Write(compressed[:n])
	} else {
		_, err = out.Write(raw)
	}
	return err
}

func writeSparseColumn(out io.Writer, name string, rows []model.SparseVector) error {
	if err := writeNamed(out, name); err != nil {
		return err
	}
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rows)))
	for _, sv := range rows {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(sv.Indices)))
		for _, idx := range sv.Indices {
			buf = binary.LittleEndian.AppendUint32(buf, idx)
		}
		for _, val := range sv.Values {
			buf = binary.LittleEndian.AppendUint32(buf, floatBits(val))
		}
	}
	_, err := out.Write(buf)
	return err
}

func writeNamed(out io.Writer, name string) error {
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(name)))
	if _, err := out.Write(n[:]); err != nil {
		return err
	}
	_, err := io.WriteString(out, name)
	return err
}

func floatBits(v float32) uint32 { return math.Float32bits(v) }

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return dberr.StorageIO("open dir", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return dberr.StorageIO("sync dir", err)
	}
	return nil
}

package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/peridotdb/peridot/dberr"
)

// On-disk layout of an immutable segment file:
//
//	[magic:4][formatVersion:2]
//	section payloads, back to back
//	directory: per section [id:1][offset:8][length:8][crc32:4]
//	[sectionCount:4][directoryOffset:8][magic:4]
//
// Every section is independently CRC32-checksummed (Castagnoli). A
// mismatch anywhere makes Open fail with a storage error; the shard then
// marks itself degraded rather than serving partial data.
const (
	segMagic      = "PSG1"
	formatVersion = uint16(1)
)

type sectionID uint8

const (
	sectionMeta     sectionID = iota + 1 // JSON: schema, id, counts
	sectionRows                          // point ids and versions
	sectionDense                         // lz4-compressed vector arenas
	sectionSparse                        // sparse vectors
	sectionPayloads                      // offset table + JSON documents
	sectionGraphs                        // serialized adjacency per vector name
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type sectionEntry struct {
	id     sectionID
	offset int64
	length int64
	crc    uint32
}

// fileWriter appends checksummed sections to an immutable segment file.
type fileWriter struct {
	f       *os.File
	off     int64
	entries []sectionEntry
}

func newFileWriter(f *os.File) (*fileWriter, error) {
	if _, err := f.Write([]byte(segMagic)); err != nil {
		return nil, err
	}
	var ver [2]byte
	binary.LittleEndian.PutUint16(ver[:], formatVersion)
	if _, err := f.Write(ver[:]); err != nil {
		return nil, err
	}
	return &fileWriter{f: f, off: int64(len(segMagic) + 2)}, nil
}

// section writes one section and records its directory entry.
func (w *fileWriter) section(id sectionID, fill func(io.Writer) error) error {
	crc := crc32.New(castagnoli)
	cw := &countingWriter{w: io.MultiWriter(w.f, crc)}
	if err := fill(cw); err != nil {
		return err
	}
	w.entries = append(w.entries, sectionEntry{
		id:     id,
		offset: w.off,
		length: cw.n,
		crc:    crc.Sum32(),
	})
	w.off += cw.n
	return nil
}

// finish writes the directory and trailer. It does not sync or close.
func (w *fileWriter) finish() error {
	dirOff := w.off
	buf := make([]byte, 0, len(w.entries)*21+16)
	for _, e := range w.entries {
		buf = append(buf, byte(e.id))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.offset))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.length))
		buf = binary.LittleEndian.AppendUint32(buf, e.crc)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(w.entries)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(dirOff))
	buf = append(buf, segMagic...)
	_, err := w.f.Write(buf)
	return err
}

// readDirectory validates the trailer and returns the section directory.
func readDirectory(f *os.File) (map[sectionID]sectionEntry, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()

	head := make([]byte, len(segMagic)+2)
	if _, err := f.ReadAt(head, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if string(head[:4]) != segMagic {
		return nil, fmt.Errorf("%w: bad magic", dberr.ErrStorageIO)
	}
	if v := binary.LittleEndian.Uint16(head[4:]); v != formatVersion {
		return nil, fmt.Errorf("%w: unsupported segment format version %d", dberr.ErrStorageIO, v)
	}

	trailer := make([]byte, 16)
	if _, err := f.ReadAt(trailer, size-16); err != nil {
		return nil, fmt.Errorf("read trailer: %w", err)
	}
	if string(trailer[12:]) != segMagic {
		return nil, fmt.Errorf("%w: truncated segment file", dberr.ErrStorageIO)
	}
	count := binary.LittleEndian.Uint32(trailer[:4])
	dirOff := int64(binary.LittleEndian.Uint64(trailer[4:12]))
	if dirOff < 0 || dirOff+int64(count)*21+16 != size {
		return nil, fmt.Errorf("%w: corrupt segment directory", dberr.ErrStorageIO)
	}

	raw := make([]byte, int(count)*21)
	if _, err := f.ReadAt(raw, dirOff); err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	dir := make(map[sectionID]sectionEntry, count)
	for i := 0; i < int(count); i++ {
		rec := raw[i*21 : (i+1)*21]
		e := sectionEntry{
			id:     sectionID(rec[0]),
			offset: int64(binary.LittleEndian.Uint64(rec[1:9])),
			length: int64(binary.LittleEndian.Uint64(rec[9:17])),
			crc:    binary.LittleEndian.Uint32(rec[17:21]),
		}
		if e.offset < 0 || e.length < 0 || e.offset+e.length > dirOff {
			return nil, fmt.Errorf("%w: section %d out of bounds", dberr.ErrStorageIO, e.id)
		}
		dir[e.id] = e
	}
	return dir, nil
}

// readSection reads one section fully and verifies its checksum.
func readSection(f *os.File, dir map[sectionID]sectionEntry, id sectionID) ([]byte, error) {
	e, ok := dir[id]
	if !ok {
		return nil, fmt.Errorf("%w: missing section %d", dberr.ErrStorageIO, id)
	}
	data := make([]byte, e.length)
	if _, err := f.ReadAt(data, e.offset); err != nil {
		return nil, fmt.Errorf("read section %d: %w", id, err)
	}
	if crc32.Checksum(data, castagnoli) != e.crc {
		return nil, fmt.Errorf("%w: checksum mismatch in section %d", dberr.ErrStorageIO, id)
	}
	return data, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

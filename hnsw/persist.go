package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const persistVersion = uint16(1)

// WriteTo serializes the adjacency structure. Vectors are not written;
// they live in the owning segment's vector storage.
//
// Format: [version:2][count:4][entry:4][hasEntry:1][maxLevel:4] then per
// node: [row:4][layer:4][levels:4]{[n:4][rows:n*4]}.
func (g *Graph) WriteTo(w io.Writer) (int64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cw := &countingWriter{w: bufio.NewWriter(w)}
	write := func(v any) error { return binary.Write(cw, binary.LittleEndian, v) }

	if err := write(persistVersion); err != nil {
		return cw.n, err
	}
	if err := write(uint32(len(g.nodes))); err != nil {
		return cw.n, err
	}
	if err := write(g.entry); err != nil {
		return cw.n, err
	}
	hasEntry := uint8(0)
	if g.hasEntry {
		hasEntry = 1
	}
	if err := write(hasEntry); err != nil {
		return cw.n, err
	}
	if err := write(int32(g.maxLevel)); err != nil {
		return cw.n, err
	}

	for row, n := range g.nodes {
		if err := write(row); err != nil {
			return cw.n, err
		}
		if err := write(int32(n.layer)); err != nil {
			return cw.n, err
		}
		if err := write(uint32(len(n.conns))); err != nil {
			return cw.n, err
		}
		for _, conns := range n.conns {
			if err := write(uint32(len(conns))); err != nil {
				return cw.n, err
			}
			for _, c := range conns {
				if err := write(c); err != nil {
					return cw.n, err
				}
			}
		}
	}
	return cw.n, cw.w.(*bufio.Writer).Flush()
}

// ReadFrom restores adjacency written by WriteTo into an empty graph.
func (g *Graph) ReadFrom(r io.Reader) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cr := &countingReader{r: bufio.NewReader(r)}
	read := func(v any) error { return binary.Read(cr, binary.LittleEndian, v) }

	var version uint16
	if err := read(&version); err != nil {
		return cr.n, err
	}
	if version != persistVersion {
		return cr.n, fmt.Errorf("hnsw: unsupported graph format version %d", version)
	}

	var count, entry uint32
	var hasEntry uint8
	var maxLevel int32
	if err := read(&count); err != nil {
		return cr.n, err
	}
	if err := read(&entry); err != nil {
		return cr.n, err
	}
	if err := read(&hasEntry); err != nil {
		return cr.n, err
	}
	if err := read(&maxLevel); err != nil {
		return cr.n, err
	}

	nodes := make(map[uint32]*node, count)
	for i := uint32(0); i < count; i++ {
		var row uint32
		var layer int32
		var levels uint32
		if err := read(&row); err != nil {
			return cr.n, err
		}
		if err := read(&layer); err != nil {
			return cr.n, err
		}
		if err := read(&levels); err != nil {
			return cr.n, err
		}
		n := &node{layer: int(layer), conns: make([][]uint32, levels)}
		for l := uint32(0); l < levels; l++ {
			var edges uint32
			if err := read(&edges); err != nil {
				return cr.n, err
			}
			conns := make([]uint32, edges)
			for e := range conns {
				if err := read(&conns[e]); err != nil {
					return cr.n, err
				}
			}
			n.conns[l] = conns
		}
		nodes[row] = n
	}

	g.nodes = nodes
	g.entry = entry
	g.hasEntry = hasEntry == 1
	g.maxLevel = int(maxLevel)
	return cr.n, nil
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

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

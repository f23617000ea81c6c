package shard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/segment"
)

// Manifest is the durable list of a shard's immutable segments plus the
// WAL watermark they cover. It is saved atomically: a numbered manifest
// file is written and fsynced, then CURRENT is swapped to point at it.
type Manifest struct {
	Schema        *segment.Schema   `json:"schema"`
	Segments      []model.SegmentID `json:"segments"`
	NextSegmentID model.SegmentID   `json:"next_segment_id"`

	// MaxLSN is the highest WAL sequence number whose effects are fully
	// contained in the listed segments. Recovery replays strictly beyond
	// it.
	MaxLSN uint64 `json:"max_lsn"`

	// Deletes records versions of deleted points whose data lives in no
	// segment, keyed by the point id's string form. Without it a stale
	// upsert arriving after restart could resurrect a deleted point.
	Deletes map[string]model.Version `json:"deletes,omitempty"`

	// Seq is the manifest file sequence number.
	Seq uint64 `json:"seq"`
}

const currentFile = "CURRENT"

func manifestName(seq uint64) string { return fmt.Sprintf("MANIFEST-%06d", seq) }

// SaveManifest writes m into dir and swaps CURRENT.
func SaveManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	name := manifestName(m.Seq)
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		return dberr.StorageIO("write manifest", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return dberr.StorageIO("rename manifest", err)
	}

	curTmp := filepath.Join(dir, currentFile+".tmp")
	if err := writeFileSync(curTmp, []byte(name+"\n")); err != nil {
		return dberr.StorageIO("write CURRENT", err)
	}
	if err := os.Rename(curTmp, filepath.Join(dir, currentFile)); err != nil {
		return dberr.StorageIO("rename CURRENT", err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}

	// Best effort cleanup of the superseded manifest.
	if m.Seq > 0 {
		os.Remove(filepath.Join(dir, manifestName(m.Seq-1)))
	}
	return nil
}

// LoadManifest reads the manifest CURRENT points at. A missing CURRENT
// means a fresh shard and returns nil.
func LoadManifest(dir string) (*Manifest, error) {
	cur, err := os.ReadFile(filepath.Join(dir, currentFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dberr.StorageIO("read CURRENT", err)
	}
	name := strings.TrimSpace(string(cur))
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, dberr.StorageIO("read manifest", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, dberr.StorageIO("decode manifest", err)
	}
	return &m, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

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

// Package wal implements the per-shard write-ahead log. Every client
// write is framed, checksummed and appended here before it touches the
// appendable segment, so a crash loses nothing acknowledged.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/peridotdb/peridot/dberr"
)

// DurabilityMode controls when Append returns relative to fsync.
type DurabilityMode int

const (
	// ModeSync fsyncs every append before returning. Safest, slowest.
	ModeSync DurabilityMode = iota
	// ModeGroupCommit batches fsyncs on a short interval; Append blocks
	// until the batch containing its record is durable.
	ModeGroupCommit
	// ModeAsync returns immediately after the buffered write. A crash can
	// lose the tail since the last fsync.
	ModeAsync
)

// Options configures a WAL.
type Options struct {
	Mode DurabilityMode

	// GroupCommitInterval is the fsync cadence for ModeGroupCommit.
	GroupCommitInterval time.Duration

	// Compression enables zstd frame compression of record bodies.
	Compression bool

	// SegmentSize rotates the active log file past this many bytes, so
	// checkpointing can reclaim whole files.
	SegmentSize int64
}

// DefaultOptions is the shard default: group commit at 2ms with
// compression on.
var DefaultOptions = Options{
	Mode:                ModeGroupCommit,
	GroupCommitInterval: 2 * time.Millisecond,
	Compression:         true,
	SegmentSize:         64 << 20,
}

const fileSuffix = ".wal"

// WAL is an append-only, checksummed operation log over one directory.
type WAL struct {
	dir  string
	opts Options

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu        sync.Mutex
	active    *os.File
	activeLen int64
	nextLSN   uint64
	closed    bool

	// group commit state
	syncCond  *sync.Cond
	syncedLSN uint64
	wroteLSN  uint64
	syncErr   error
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Open creates or resumes a WAL in dir. The next LSN continues after the
// highest record found on disk.
func Open(dir string, opts Options) (*WAL, error) {
	if opts.GroupCommitInterval <= 0 {
		opts.GroupCommitInterval = DefaultOptions.GroupCommitInterval
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultOptions.SegmentSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberr.StorageIO("create wal dir", err)
	}

	w := &WAL{dir: dir, opts: opts, nextLSN: 1}
	w.syncCond = sync.NewCond(&w.mu)

	var err error
	if w.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest)); err != nil {
		return nil, err
	}
	if w.dec, err = zstd.NewReader(nil); err != nil {
		return nil, err
	}

	// Resume after the last decodable record.
	if err := w.scanExisting(); err != nil {
		return nil, err
	}
	if err := w.openActive(w.nextLSN); err != nil {
		return nil, err
	}

	if opts.Mode == ModeGroupCommit {
		w.stopCh = make(chan struct{})
		w.doneCh = make(chan struct{})
		go w.groupCommitLoop()
	}
	return w, nil
}

func (w *WAL) scanExisting() error {
	files, err := w.segmentFiles()
	if err != nil {
		return err
	}
	for i, path := range files {
		err := w.readFile(path, func(rec *Record) error {
			if rec.LSN >= w.nextLSN {
				w.nextLSN = rec.LSN + 1
			}
			return nil
		})
		if err != nil {
			var torn *tornFrameError
			if errors.As(err, &torn) && i == len(files)-1 {
				// Torn tail from a crash mid-append; resume after the
				// last whole record.
				return nil
			}
			return err
		}
	}
	return nil
}

func (w *WAL) openActive(firstLSN uint64) error {
	path := filepath.Join(w.dir, fmt.Sprintf("%020d%s", firstLSN, fileSuffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return dberr.StorageIO("open wal segment", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return dberr.StorageIO("stat wal segment", err)
	}
	w.active = f
	w.activeLen = fi.Size()
	return nil
}

// Append logs one record and returns its LSN. The durability mode
// decides whether the record is fsynced on return.
func (w *WAL) Append(rec Record) (uint64, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, dberr.ErrClosed
	}

	rec.LSN = w.nextLSN
	frame, err := w.encodeFrame(&rec)
	if err != nil {
		w.mu.Unlock()
		return 0, err
	}
	if _, err := w.active.Write(frame); err != nil {
		w.mu.Unlock()
		return 0, dberr.StorageIO("append wal record", err)
	}
	w.nextLSN++
	w.activeLen += int64(len(frame))
	w.wroteLSN = rec.LSN

	if w.activeLen >= w.opts.SegmentSize {
		if err := w.rotateLocked(); err != nil {
			w.mu.Unlock()
			return 0, err
		}
	}

	switch w.opts.Mode {
	case ModeSync:
		err := w.active.Sync()
		if err == nil {
			w.syncedLSN = rec.LSN
		}
		w.mu.Unlock()
		if err != nil {
			return 0, dberr.StorageIO("sync wal", err)
		}
		return rec.LSN, nil

	case ModeGroupCommit:
		for w.syncedLSN < rec.LSN && w.syncErr == nil && !w.closed {
			w.syncCond.Wait()
		}
		err := w.syncErr
		closed := w.closed && w.syncedLSN < rec.LSN
		w.mu.Unlock()
		if err != nil {
			return 0, err
		}
		if closed {
			return 0, dberr.ErrClosed
		}
		return rec.LSN, nil

	default: // ModeAsync
		w.mu.Unlock()
		return rec.LSN, nil
	}
}

func (w *WAL) encodeFrame(rec *Record) ([]byte, error) {
	body, err := encodeBody(rec)
	if err != nil {
		return nil, err
	}
	var flags byte
	if w.opts.Compression {
		compressed := w.enc.EncodeAll(body, make([]byte, 0, len(body)))
		if len(compressed) < len(body) {
			body = compressed
			flags = flagCompressed
		}
	}
	frame := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(body, castagnoli))
	frame[8] = flags
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

func (w *WAL) rotateLocked() error {
	if err := w.active.Sync(); err != nil {
		return dberr.StorageIO("sync wal", err)
	}
	if err := w.active.Close(); err != nil {
		return dberr.StorageIO("close wal segment", err)
	}
	return w.openActive(w.nextLSN)
}

func (w *WAL) groupCommitLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.opts.GroupCommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			w.flushGroup()
			return
		case <-ticker.C:
			w.flushGroup()
		}
	}
}

func (w *WAL) flushGroup() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wroteLSN <= w.syncedLSN || w.active == nil {
		return
	}
	target := w.wroteLSN
	if err := w.active.Sync(); err != nil {
		w.syncErr = dberr.StorageIO("sync wal", err)
	} else {
		w.syncedLSN = target
	}
	w.syncCond.Broadcast()
}

// Sync forces an fsync of everything appended so far.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return dberr.ErrClosed
	}
	if err := w.active.Sync(); err != nil {
		return dberr.StorageIO("sync wal", err)
	}
	w.syncedLSN = w.wroteLSN
	w.syncCond.Broadcast()
	return nil
}

// LastLSN returns the highest LSN appended.
func (w *WAL) LastLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN - 1
}

// Replay invokes fn for every record with LSN greater than after, in LSN
// order. A torn frame at the tail of the newest file ends replay cleanly;
// corruption anywhere else is a storage error.
func (w *WAL) Replay(after uint64, fn func(rec *Record) error) error {
	files, err := w.segmentFiles()
	if err != nil {
		return err
	}
	for i, path := range files {
		last := i == len(files)-1
		err := w.readFile(path, func(rec *Record) error {
			if rec.LSN <= after {
				return nil
			}
			return fn(rec)
		})
		if err != nil {
			var torn *tornFrameError
			if errors.As(err, &torn) && last {
				return nil
			}
			return err
		}
	}
	return nil
}

// Checkpoint removes log files whose records are all at or below lsn.
// The active file is rotated first so it becomes reclaimable too.
func (w *WAL) Checkpoint(lsn uint64) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return dberr.ErrClosed
	}
	if w.activeLen > 0 {
		if err := w.rotateLocked(); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()

	files, err := w.segmentFiles()
	if err != nil {
		return err
	}
	// A file is reclaimable when the next file starts at or below lsn+1,
	// meaning every record it holds is covered by the checkpoint.
	for i := 0; i < len(files)-1; i++ {
		next, err := firstLSNOf(files[i+1])
		if err != nil {
			return err
		}
		if next > lsn+1 {
			break
		}
		if err := os.Remove(files[i]); err != nil {
			return dberr.StorageIO("remove wal segment", err)
		}
	}
	return nil
}

// Close stops background syncing and closes the active file. Pending
// group-commit appenders are released.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.stopCh != nil {
		close(w.stopCh)
		<-w.doneCh
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncCond.Broadcast()
	err := w.active.Sync()
	if cerr := w.active.Close(); err == nil {
		err = cerr
	}
	w.enc.Close()
	w.dec.Close()
	if err != nil {
		return dberr.StorageIO("close wal", err)
	}
	return nil
}

func (w *WAL) segmentFiles() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, dberr.StorageIO("read wal dir", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileSuffix) {
			files = append(files, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func firstLSNOf(path string) (uint64, error) {
	base := strings.TrimSuffix(filepath.Base(path), fileSuffix)
	lsn, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed wal file name %q", filepath.Base(path))
	}
	return lsn, nil
}

type tornFrameError struct{ cause error }

func (e *tornFrameError) Error() string { return fmt.Sprintf("torn wal frame: %v", e.cause) }
func (e *tornFrameError) Unwrap() error { return e.cause }

func (w *WAL) readFile(path string, fn func(rec *Record) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return dberr.StorageIO("read wal segment", err)
	}
	for len(data) > 0 {
		if len(data) < frameHeaderSize {
			return &tornFrameError{cause: io.ErrUnexpectedEOF}
		}
		bodyLen := int(binary.LittleEndian.Uint32(data[:4]))
		crc := binary.LittleEndian.Uint32(data[4:8])
		flags := data[8]
		if len(data) < frameHeaderSize+bodyLen {
			return &tornFrameError{cause: io.ErrUnexpectedEOF}
		}
		body := data[frameHeaderSize : frameHeaderSize+bodyLen]
		if crc32.Checksum(body, castagnoli) != crc {
			return &tornFrameError{cause: errors.New("checksum mismatch")}
		}
		if flags&flagCompressed != 0 {
			if body, err = w.dec.DecodeAll(body, nil); err != nil {
				return &tornFrameError{cause: err}
			}
		}
		rec, err := decodeBody(body)
		if err != nil {
			return &tornFrameError{cause: err}
		}
		if err := fn(rec); err != nil {
			return err
		}
		data = data[frameHeaderSize+bodyLen:]
	}
	return nil
}

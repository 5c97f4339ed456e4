package bitcask

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Engine is the top-level, cheaply cloneable handle described in spec.md
// §2 "Engine handle": it serves Get without taking the writer lock and
// serializes Set/Delete behind the Writer. Get is not lock-free: it takes a
// KeyDir shard read lock and the FileSet read lock, and so can wait on an
// in-progress Append. A single Engine value should be
// shared (by pointer) across goroutines; it is already safe for concurrent
// use and does not need wrapping.
type Engine struct {
	opts *Options

	files  *FileSet
	keydir *KeyDir

	writeMu       sync.Mutex
	lastTimestamp uint64

	closed   atomic.Bool
	readOnly atomic.Bool

	mergeRunning atomic.Bool

	syncStop chan struct{}
	syncDone chan struct{}

	mergeStop chan struct{}
	mergeDone chan struct{}
}

// mergeCheckInterval is how often the background merge loop evaluates
// trigger policy (spec.md §4.6). Merges themselves may take much longer;
// MaybeMerge is a no-op while one is already running.
const mergeCheckInterval = 30 * time.Second

// Open opens (or creates) a Bitcask store at opts.DataDir, recovers the
// KeyDir from disk, and returns a ready-to-use Engine. Recovery runs before
// any Get/Set/Delete is served, per spec.md §4.5.
func Open(opts *Options) (*Engine, error) {
	if opts == nil {
		return nil, fmt.Errorf("bitcask: options cannot be nil")
	}

	files, err := OpenFileSet(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("bitcask: open file set: %w", err)
	}

	e := &Engine{
		opts:   opts,
		files:  files,
		keydir: NewKeyDir(opts.Concurrency),
	}

	slog.Info("bitcask: recovering keydir", "data_dir", opts.DataDir)
	if err := e.recover(); err != nil {
		files.Close()
		return nil, fmt.Errorf("bitcask: recover: %w", err)
	}
	slog.Info("bitcask: recovered", "keys", e.keydir.Len(), "data_dir", opts.DataDir)

	if opts.SyncPolicy == SyncInterval {
		e.syncStop = make(chan struct{})
		e.syncDone = make(chan struct{})
		go e.syncLoop()
	}

	e.mergeStop = make(chan struct{})
	e.mergeDone = make(chan struct{})
	go e.mergeLoop()

	return e, nil
}

// mergeLoop periodically evaluates merge trigger policy in the background,
// contending with the writer only at the KeyDir CAS points and the
// install/retire step (spec.md §5).
func (e *Engine) mergeLoop() {
	defer close(e.mergeDone)
	ticker := time.NewTicker(mergeCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.mergeStop:
			return
		case <-ticker.C:
			if err := e.MaybeMerge(); err != nil && err != ErrMergeInProgress {
				// Background merge errors do not fail user operations; they
				// are logged and retried on the next tick (spec.md §7).
				slog.Error("bitcask: background merge failed", "error", err)
			}
		}
	}
}

func (e *Engine) syncLoop() {
	defer close(e.syncDone)
	ticker := time.NewTicker(e.opts.syncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.syncStop:
			return
		case <-ticker.C:
			if err := e.files.Sync(); err != nil {
				slog.Error("bitcask: background sync failed", "error", err)
			}
		}
	}
}

// Get retrieves the value for key. A missing or tombstoned key returns
// ErrKeyNotFound, which is not logged as an error (spec.md §7 "NotFound").
// The full record (header, key, and value) is re-read and its CRC
// re-verified on every call, not just at write or recovery time: a record
// can be damaged on disk after it was written (a bad sector, a truncated
// filesystem snapshot) without the engine ever performing another write to
// notice. A mismatch here is exactly the "mid-operation corruption" spec.md
// §7 and §9 "Invariant violation" describe, and demotes the engine to
// read-only — Set/Delete already refuse to run once readOnly is set.
func (e *Engine) Get(key string) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	entry, ok := e.keydir.Get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}

	headerOffset := entry.ValueOffset - int64(HeaderSize+len(key))
	recordLen := uint32(HeaderSize+len(key)) + entry.ValueSize

	raw, err := e.files.ReadAt(entry.FileID, headerOffset, recordLen)
	if err != nil {
		return nil, fmt.Errorf("bitcask: get %q: %w", key, err)
	}

	record, err := Decode(raw)
	if err != nil {
		e.readOnly.Store(true)
		slog.Error("bitcask: corrupt record detected on read, engine demoted to read-only",
			"key", key, "file_id", entry.FileID, "offset", headerOffset, "error", err)
		return nil, fmt.Errorf("bitcask: get %q: %w", key, err)
	}

	if record.Value == nil {
		return []byte{}, nil
	}
	return record.Value, nil
}

// KeyCount returns the number of live keys in the KeyDir.
func (e *Engine) KeyCount() int { return e.keydir.Len() }

// Close stops background sync, if any, and closes the underlying file set.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(e.mergeStop)
	<-e.mergeDone
	if e.syncStop != nil {
		close(e.syncStop)
		<-e.syncDone
	}
	return e.files.Close()
}

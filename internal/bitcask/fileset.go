package bitcask

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gofrs/flock"
)

// FileID is a monotonically increasing integer naming a data file and its
// optional hint sidecar (spec.md §3 "FileId").
type FileID uint64

const filenameWidth = 10

func dataFileName(id FileID) string {
	return fmt.Sprintf("%0*d.data", filenameWidth, id)
}

func hintFileName(id FileID) string {
	return fmt.Sprintf("%0*d.hint", filenameWidth, id)
}

// fileHandle wraps one data file's read handle with a lease refcount so
// FileSet.Retire can defer unlinking until every outstanding reader has
// released its reference (spec.md §9 "Ownership of open files").
type fileHandle struct {
	id   FileID
	path string
	fd   *os.File

	refs    atomic.Int64
	retired atomic.Bool // set once Retire has been requested for this file
}

func (h *fileHandle) acquire() *fileHandle {
	h.refs.Add(1)
	return h
}

func (h *fileHandle) release() {
	if h.refs.Add(-1) == 0 && h.retired.Load() {
		h.fd.Close()
		os.Remove(h.path)
		os.Remove(strings.TrimSuffix(h.path, ".data") + ".hint")
	}
}

// FileSet enumerates, opens, creates, and deletes the numbered data/hint
// files under one directory, and hands out the single append handle for
// whichever file is currently active (spec.md §4.2).
type FileSet struct {
	dir string

	mu        sync.RWMutex
	handles   map[FileID]*fileHandle
	activeID  FileID
	activeFd  *os.File
	activeOff int64

	lock *flock.Flock
}

// OpenFileSet enumerates any existing numbered files in dir, opens them for
// read, and selects or creates the active file. dir is created if missing.
// A cross-process advisory lock (<dir>/LOCK) excludes a second Engine
// instance from opening the same directory concurrently, generalizing
// spec.md I4 ("only one file has open-for-append status") across processes.
func OpenFileSet(dir string) (*FileSet, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bitcask: create data dir %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("bitcask: lock data dir %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("bitcask: data dir %s is already locked by another process", dir)
	}

	fs := &FileSet{
		dir:     dir,
		handles: make(map[FileID]*fileHandle),
		lock:    lock,
	}

	ids, err := fs.scanIDs()
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	for _, id := range ids {
		fd, err := os.Open(filepath.Join(dir, dataFileName(id)))
		if err != nil {
			lock.Unlock()
			return nil, fmt.Errorf("bitcask: open data file %d: %w", id, err)
		}
		fs.handles[id] = &fileHandle{id: id, path: fd.Name(), fd: fd}
	}

	var activeID FileID = 1
	if len(ids) > 0 {
		activeID = ids[len(ids)-1]
		// Only a merged file has a hint sidecar; it is never reopened for
		// append, so a fresh active file is created after it instead.
		if _, err := os.Stat(filepath.Join(dir, hintFileName(activeID))); err == nil {
			activeID++
		}
	}
	if err := fs.openActive(activeID); err != nil {
		lock.Unlock()
		return nil, err
	}

	return fs, nil
}

func (fs *FileSet) scanIDs() ([]FileID, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("bitcask: read data dir %s: %w", fs.dir, err)
	}

	var ids []FileID
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".data") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".data")
		n, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, FileID(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// openActive opens (creating if necessary) id as the active append target,
// also registering it as a read handle so concurrent readers can reach the
// active file's already-flushed bytes. Any previous append descriptor (and
// any stale read handle already registered for id) is closed before being
// replaced, so repeated rotation never leaks file descriptors.
func (fs *FileSet) openActive(id FileID) error {
	path := filepath.Join(fs.dir, dataFileName(id))
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("bitcask: open active file %d: %w", id, err)
	}
	off, err := fd.Seek(0, io.SeekEnd)
	if err != nil {
		fd.Close()
		return fmt.Errorf("bitcask: seek active file %d: %w", id, err)
	}

	readFd, err := os.Open(path)
	if err != nil {
		fd.Close()
		return fmt.Errorf("bitcask: open active file %d for read: %w", id, err)
	}

	fs.mu.Lock()
	if fs.activeFd != nil {
		fs.activeFd.Close()
	}
	if stale, ok := fs.handles[id]; ok {
		stale.fd.Close()
	}
	fs.activeID = id
	fs.activeFd = fd
	fs.activeOff = off
	fs.handles[id] = &fileHandle{id: id, path: path, fd: readFd}
	fs.mu.Unlock()
	return nil
}

// ActiveID returns the FileID currently open for append.
func (fs *FileSet) ActiveID() FileID {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.activeID
}

// Append writes data to the active file and returns the offset at which it
// was written. It holds the FileSet's write lock for the duration of the
// write, so concurrent ReadAt/Checkout lookups wait for it; spec.md I4's
// single-appender invariant is upheld by construction (only the Writer ever
// calls Append).
func (fs *FileSet) Append(data []byte) (FileID, int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	off := fs.activeOff
	n, err := fs.activeFd.Write(data)
	if err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return 0, 0, fmt.Errorf("bitcask: append to active file %d: %w", fs.activeID, ErrOutOfSpace)
		}
		return 0, 0, fmt.Errorf("bitcask: append to active file %d: %w", fs.activeID, err)
	}
	fs.activeOff += int64(n)
	return fs.activeID, off, nil
}

// ReconcileActiveOffset reseeks the append descriptor to offset and resets
// the tracked append offset; the truncation itself is done by the caller.
// Recovery's corrupt-tail truncation operates
// through a separate *os.File on the same path, which does not move this
// descriptor's independent seek position — without this, the next Append
// after a corrupt-tail recovery would still land wherever openActive's
// original seek-to-end put it (past the discarded bytes), leaving a sparse
// zero gap that the next restart's scan would itself treat as corrupt. A no-
// op when id is not the active file.
func (fs *FileSet) ReconcileActiveOffset(id FileID, offset int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if id != fs.activeID {
		return nil
	}
	if _, err := fs.activeFd.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("bitcask: reseek active file %d after recovery truncation: %w", id, err)
	}
	fs.activeOff = offset
	return nil
}

// Sync fsyncs the active file.
func (fs *FileSet) Sync() error {
	fs.mu.RLock()
	fd := fs.activeFd
	fs.mu.RUnlock()
	if err := fd.Sync(); err != nil {
		return fmt.Errorf("bitcask: fsync active file: %w", err)
	}
	return nil
}

// ActiveSize returns the current size of the active file.
func (fs *FileSet) ActiveSize() int64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.activeOff
}

// Rotate seals the current active file (fsync) and opens the next file as
// the new active file, per spec.md §4.2 "rotate()". The next id is derived
// from NewFileID (max of the active id and every known immutable id, plus
// one) rather than activeID+1: once a merge has installed a compacted file
// under NewFileID()'s assignment (merge.go), that id can already exceed
// activeID, and activeID+1 would collide with it, reopening an immutable,
// KeyDir-referenced merged file as a fresh append target.
func (fs *FileSet) Rotate() (FileID, error) {
	if err := fs.Sync(); err != nil {
		return 0, err
	}

	nextID := fs.NewFileID()

	if err := fs.openActive(nextID); err != nil {
		return 0, err
	}
	return nextID, nil
}

// ReadAt performs a pread-style random read of length bytes at offset from
// file_id. Safe for concurrent callers.
func (fs *FileSet) ReadAt(id FileID, offset int64, length uint32) ([]byte, error) {
	fs.mu.RLock()
	h, ok := fs.handles[id]
	fs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bitcask: read from unknown file %d", id)
	}

	h.acquire()
	defer h.release()

	buf := make([]byte, length)
	n, err := h.fd.ReadAt(buf, offset)
	if err != nil && n < len(buf) {
		return nil, fmt.Errorf("bitcask: read file %d at offset %d: %w", id, offset, err)
	}
	return buf, nil
}

// Checkout returns a leased read handle, suitable for the merger to hold
// across a long scan without risking a concurrent Retire unlinking the file
// mid-scan. Release must be called exactly once.
func (fs *FileSet) Checkout(id FileID) (*os.File, func(), error) {
	fs.mu.RLock()
	h, ok := fs.handles[id]
	fs.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("bitcask: checkout unknown file %d", id)
	}
	h.acquire()
	return h.fd, h.release, nil
}

// ImmutableSizes returns the current on-disk size of every immutable (non-active)
// file, used by the merger to evaluate trigger policy a).
func (fs *FileSet) ImmutableSizes() map[FileID]int64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	sizes := make(map[FileID]int64, len(fs.handles))
	for id, h := range fs.handles {
		if id == fs.activeID {
			continue
		}
		if st, err := h.fd.Stat(); err == nil {
			sizes[id] = st.Size()
		}
	}
	return sizes
}

// ImmutableIDs returns every non-active FileID, ascending.
func (fs *FileSet) ImmutableIDs() []FileID {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	ids := make([]FileID, 0, len(fs.handles))
	for id := range fs.handles {
		if id != fs.activeID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Install atomically publishes a freshly-merged data/hint file pair under a
// fresh FileID, renaming them into place so a crash mid-install can never
// leave a partially-written .data file visible to recovery (spec.md §4.2
// "install()").
func (fs *FileSet) Install(tmpDataPath, tmpHintPath string, id FileID) error {
	finalData := filepath.Join(fs.dir, dataFileName(id))
	finalHint := filepath.Join(fs.dir, hintFileName(id))

	if err := atomicRename(tmpDataPath, finalData); err != nil {
		return fmt.Errorf("bitcask: install data file %d: %w", id, err)
	}
	if tmpHintPath != "" {
		if err := atomicRename(tmpHintPath, finalHint); err != nil {
			return fmt.Errorf("bitcask: install hint file %d: %w", id, err)
		}
	}

	fd, err := os.Open(finalData)
	if err != nil {
		return fmt.Errorf("bitcask: open installed file %d: %w", id, err)
	}

	fs.mu.Lock()
	fs.handles[id] = &fileHandle{id: id, path: finalData, fd: fd}
	fs.mu.Unlock()
	return nil
}

// Retire unlinks the given immutable files once no outstanding checkout
// holds a reference to them, satisfying I6 ("no file is unlinked while
// reachable"). Files still referenced are marked and retired lazily by the
// last release(); until then they stay readable through ReadAt.
func (fs *FileSet) Retire(ids []FileID) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, id := range ids {
		h, ok := fs.handles[id]
		if !ok {
			continue
		}
		h.retired.Store(true)
		if h.refs.Load() == 0 {
			delete(fs.handles, id)
			h.fd.Close()
			os.Remove(h.path)
			os.Remove(strings.TrimSuffix(h.path, ".data") + ".hint")
		}
	}
}

// NewFileID returns a FileID strictly greater than any file currently known
// to this set, for the merger to assign to a freshly-compacted file.
func (fs *FileSet) NewFileID() FileID {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	max := fs.activeID
	for id := range fs.handles {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// Dir returns the directory this file set operates on, for callers that need
// to stage temp files alongside it (e.g. the merger).
func (fs *FileSet) Dir() string { return fs.dir }

// Close seals the active file and releases the directory lock.
func (fs *FileSet) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var firstErr error
	if err := fs.activeFd.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, h := range fs.handles {
		h.fd.Close()
	}
	if fs.activeFd != nil {
		fs.activeFd.Close()
	}
	if err := fs.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

package bitcask

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// mergeEligible evaluates spec.md §4.6's trigger policy: a merge is
// eligible when either (a) total immutable bytes exceed MergeTriggerBytes,
// or (b) the fraction of live bytes across immutable files drops below
// MinLiveRatio.
func (e *Engine) mergeEligible() bool {
	sizes := e.files.ImmutableSizes()
	if len(sizes) == 0 {
		return false
	}

	var total int64
	immutable := make(map[FileID]struct{}, len(sizes))
	for id, sz := range sizes {
		total += sz
		immutable[id] = struct{}{}
	}
	if total == 0 {
		return false
	}

	if uint64(total) >= e.opts.MergeTriggerBytes {
		return true
	}

	var live int64
	e.keydir.Range(func(key string, entry Entry) bool {
		if _, ok := immutable[entry.FileID]; ok {
			live += int64(HeaderSize + len(key) + int(entry.ValueSize))
		}
		return true
	})

	ratio := float64(live) / float64(total)
	return ratio < e.opts.MinLiveRatio
}

// ForceMerge runs a merge pass unconditionally, ignoring trigger policy.
// Only one merge runs at a time; Set/Delete continue unimpeded while it
// runs (spec.md §4.6).
func (e *Engine) ForceMerge() error {
	if !e.mergeRunning.CompareAndSwap(false, true) {
		return ErrMergeInProgress
	}
	defer e.mergeRunning.Store(false)

	return e.runMerge()
}

// MaybeMerge runs a merge pass only if mergeEligible reports the immutable
// file set has crossed a trigger threshold. It is safe to call concurrently
// with Set/Delete and with itself; a second concurrent call observes
// ErrMergeInProgress and is a no-op.
func (e *Engine) MaybeMerge() error {
	if !e.mergeEligible() {
		return nil
	}
	if !e.mergeRunning.CompareAndSwap(false, true) {
		return ErrMergeInProgress
	}
	defer e.mergeRunning.Store(false)

	return e.runMerge()
}

// runMerge implements spec.md §4.6's five-step algorithm. The batch S is
// always the entire current immutable file set: every file except the
// active one. A merged file can carry a larger FileID than the active file,
// but it holds no tombstones, and every record in the active file was
// appended after every tombstone in S — this is the chosen resolution of
// the §4.6 tombstone-preservation Open Question (see DESIGN.md): a
// tombstone inside S can never have an older live record left behind
// outside S, so tombstones are simply dropped rather than carried forward.
func (e *Engine) runMerge() error {
	batch := e.files.ImmutableIDs()
	if len(batch) == 0 {
		return nil
	}

	inBatch := make(map[FileID]struct{}, len(batch))
	for _, id := range batch {
		inBatch[id] = struct{}{}
	}

	liveKeys := e.keydir.Snapshot(inBatch)
	if len(liveKeys) == 0 {
		// Nothing live to carry forward: the whole batch is reclaimable.
		e.files.Retire(batch)
		slog.Info("bitcask: merge reclaimed fully-obsolete files", "files", batch)
		return nil
	}

	newID := e.files.NewFileID()
	tmpData := filepath.Join(e.files.Dir(), fmt.Sprintf("%0*d.data.tmp", filenameWidth, newID))
	tmpHint := filepath.Join(e.files.Dir(), fmt.Sprintf("%0*d.hint.tmp", filenameWidth, newID))

	dataFd, err := os.OpenFile(tmpData, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("bitcask: merge: create temp data file: %w", err)
	}
	defer dataFd.Close()

	hintFd, err := os.OpenFile(tmpHint, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		os.Remove(tmpData)
		return fmt.Errorf("bitcask: merge: create temp hint file: %w", err)
	}
	defer hintFd.Close()

	dataWriter := bufio.NewWriter(dataFd)
	hintWriter := bufio.NewWriter(hintFd)

	type installed struct {
		key      string
		oldEntry Entry
		newEntry Entry
	}
	var toInstall []installed
	var offset int64

	for key, oldEntry := range liveKeys {
		value, err := e.files.ReadAt(oldEntry.FileID, oldEntry.ValueOffset, oldEntry.ValueSize)
		if err != nil {
			dataFd.Close()
			hintFd.Close()
			os.Remove(tmpData)
			os.Remove(tmpHint)
			return fmt.Errorf("bitcask: merge: read live value for %q: %w", key, err)
		}

		record := &Record{
			Timestamp: oldEntry.Timestamp,
			Flag:      FlagNormal,
			Key:       []byte(key),
			Value:     value,
		}
		encoded := record.Encode()
		if _, err := dataWriter.Write(encoded); err != nil {
			dataFd.Close()
			hintFd.Close()
			os.Remove(tmpData)
			os.Remove(tmpHint)
			return fmt.Errorf("bitcask: merge: write merged record for %q: %w", key, err)
		}

		valueOffset := offset + int64(HeaderSize+len(key))
		newEntry := Entry{
			FileID:      newID,
			ValueOffset: valueOffset,
			ValueSize:   uint32(len(value)),
			Timestamp:   oldEntry.Timestamp,
		}

		hint := &HintEntry{
			Timestamp:   oldEntry.Timestamp,
			Key:         []byte(key),
			ValueSize:   newEntry.ValueSize,
			ValueOffset: valueOffset,
		}
		if _, err := hintWriter.Write(hint.Encode()); err != nil {
			dataFd.Close()
			hintFd.Close()
			os.Remove(tmpData)
			os.Remove(tmpHint)
			return fmt.Errorf("bitcask: merge: write hint for %q: %w", key, err)
		}

		offset += int64(len(encoded))
		toInstall = append(toInstall, installed{key: key, oldEntry: oldEntry, newEntry: newEntry})
	}

	if err := dataWriter.Flush(); err != nil {
		return fmt.Errorf("bitcask: merge: flush merged data: %w", err)
	}
	if err := hintWriter.Flush(); err != nil {
		return fmt.Errorf("bitcask: merge: flush merged hints: %w", err)
	}
	if err := dataFd.Sync(); err != nil {
		return fmt.Errorf("bitcask: merge: fsync merged data: %w", err)
	}
	if err := hintFd.Sync(); err != nil {
		return fmt.Errorf("bitcask: merge: fsync merged hints: %w", err)
	}
	dataFd.Close()
	hintFd.Close()

	if err := e.files.Install(tmpData, tmpHint, newID); err != nil {
		return fmt.Errorf("bitcask: merge: install: %w", err)
	}

	dropped := 0
	for _, ins := range toInstall {
		if !e.keydir.CompareAndUpdate(ins.key, ins.oldEntry, ins.newEntry) {
			// A concurrent writer has superseded this key since the
			// snapshot; the merged copy is garbage the instant the
			// writer's newer record became visible. Drop it silently —
			// it occupies space in the new file but is unreachable from
			// the KeyDir and will be reclaimed by the next merge.
			dropped++
		}
	}

	e.files.Retire(batch)
	slog.Info("bitcask: merge complete",
		"files_retired", batch,
		"new_file", newID,
		"keys_carried", len(toInstall),
		"keys_superseded", dropped,
	)
	return nil
}

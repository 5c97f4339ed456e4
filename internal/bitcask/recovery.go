package bitcask

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// recover rebuilds the KeyDir from disk, in ascending FileID order, per
// spec.md §4.5. Hint files are preferred when present and well-formed;
// otherwise the data file is scanned record by record. The active file is
// always scanned directly (it has no hint). After recover returns, every
// invariant in spec.md §3 holds.
func (e *Engine) recover() error {
	ids := e.files.ImmutableIDs()
	activeID := e.files.ActiveID()

	for _, id := range ids {
		if err := e.recoverFile(id, true); err != nil {
			return fmt.Errorf("recover file %d: %w", id, err)
		}
	}
	if err := e.recoverFile(activeID, false); err != nil {
		return fmt.Errorf("recover active file %d: %w", activeID, err)
	}
	return nil
}

// recoverFile replays one file's records into the KeyDir. If tryHint is
// true and a well-formed hint sidecar exists, it is used as a fast path;
// otherwise the data file is scanned directly and, on a corrupt tail, the
// file is truncated to the last clean record boundary.
func (e *Engine) recoverFile(id FileID, tryHint bool) error {
	if tryHint {
		ok, err := e.recoverFromHint(id)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return e.recoverFromData(id)
}

func (e *Engine) recoverFromHint(id FileID) (bool, error) {
	hintPath := filepath.Join(e.files.Dir(), hintFileName(id))
	f, err := os.Open(hintPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open hint file %d: %w", id, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return false, fmt.Errorf("read hint file %d: %w", id, err)
	}

	entries := make([]*HintEntry, 0)
	for pos := 0; pos < len(raw); {
		entry, n, err := DecodeHint(raw[pos:])
		if err != nil {
			slog.Warn("bitcask: malformed hint file, falling back to data scan", "file_id", id, "error", err)
			return false, nil
		}
		entries = append(entries, entry)
		pos += n
	}

	for _, h := range entries {
		e.recoverUpsert(string(h.Key), Entry{
			FileID:      id,
			ValueOffset: h.ValueOffset,
			ValueSize:   h.ValueSize,
			Timestamp:   h.Timestamp,
		})
	}

	slog.Debug("bitcask: recovered from hint file", "file_id", id, "entries", len(entries))
	return true, nil
}

func (e *Engine) recoverFromData(id FileID) error {
	path := filepath.Join(e.files.Dir(), dataFileName(id))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open data file %d: %w", id, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var offset int64
	count := 0

	// truncate discards the tail at offset and, if id is the active file,
	// reseeks the append descriptor there too (see
	// FileSet.ReconcileActiveOffset) so the next Append lands at the real
	// end of the file instead of past the discarded bytes.
	truncate := func(offset int64) error {
		if err := truncateAt(f, offset); err != nil {
			return err
		}
		if err := e.files.ReconcileActiveOffset(id, offset); err != nil {
			return err
		}
		return nil
	}

	for {
		header := make([]byte, HeaderSize)
		n, err := io.ReadFull(reader, header)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Mid-record short read: truncate to the last clean boundary.
			slog.Warn("bitcask: truncated header at end of file, truncating", "file_id", id, "offset", offset, "bytes_read", n)
			return truncate(offset)
		}

		keySize := beUint32(header[12:16])
		valueSize := beUint32(header[16:20])
		bodyLen := int(keySize) + int(valueSize)

		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(reader, body); err != nil {
			slog.Warn("bitcask: truncated body at end of file, truncating", "file_id", id, "offset", offset)
			return truncate(offset)
		}

		full := append(header, body...)
		record, err := Decode(full)
		if err != nil {
			slog.Warn("bitcask: corrupt record, truncating", "file_id", id, "offset", offset, "error", err)
			return truncate(offset)
		}

		recordLen := int64(HeaderSize + bodyLen)
		valueOffset := offset + int64(HeaderSize+int(keySize))

		if record.IsTombstone() {
			e.recoverTombstone(string(record.Key), Entry{FileID: id, ValueOffset: valueOffset, Timestamp: record.Timestamp})
		} else {
			e.recoverUpsert(string(record.Key), Entry{
				FileID:      id,
				ValueOffset: valueOffset,
				ValueSize:   valueSize,
				Timestamp:   record.Timestamp,
			})
		}

		if record.Timestamp > e.lastTimestamp {
			e.lastTimestamp = record.Timestamp
		}

		offset += recordLen
		count++
	}

	slog.Debug("bitcask: recovered from data scan", "file_id", id, "records", count)
	return nil
}

// recoverUpsert installs candidate for key if no entry exists yet, or if
// candidate is at least as fresh as the current one under spec.md §3's
// ordering (timestamp, then file_id, then offset, all ascending).
func (e *Engine) recoverUpsert(key string, candidate Entry) {
	cur, ok := e.keydir.Get(key)
	if !ok || wins(candidate, cur) {
		e.keydir.Upsert(key, candidate)
	}
}

// recoverTombstone removes key's entry if the tombstone's position is at
// least as fresh as the current entry; an older tombstone replayed after a
// fresher record for the same key (possible only if files are scanned out
// of order) must not resurrect a deletion.
func (e *Engine) recoverTombstone(key string, at Entry) {
	cur, ok := e.keydir.Get(key)
	if !ok {
		return
	}
	if wins(at, cur) {
		e.keydir.Remove(key)
	}
}

// wins reports whether candidate is newer than, or tied with (on a full tie
// of timestamp, file_id and offset the candidate wins), cur.
func wins(candidate, cur Entry) bool {
	if candidate.Timestamp != cur.Timestamp {
		return candidate.Timestamp > cur.Timestamp
	}
	if candidate.FileID != cur.FileID {
		return candidate.FileID > cur.FileID
	}
	return candidate.ValueOffset >= cur.ValueOffset
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// truncateAt truncates f to size offset, discarding a partially-written
// tail record so the file is left at its last clean record boundary.
func truncateAt(f *os.File, offset int64) error {
	if err := f.Truncate(offset); err != nil {
		return fmt.Errorf("truncate to %d: %w", offset, err)
	}
	return nil
}

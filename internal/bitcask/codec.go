// Package bitcask implements the append-only, hash-indexed storage engine
// that backs the key-value store: a Record Codec, a Log File Set, a
// concurrent KeyDir, a single-writer append path, crash recovery, and a
// background merge (compaction) of immutable files.
package bitcask

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Flag values distinguish a normal record from a tombstone.
const (
	FlagNormal    uint8 = 0
	FlagTombstone uint8 = 1
)

// HeaderSize is the fixed-width portion of every record on disk:
// crc32(4) + timestamp_ms(8) + key_size(4) + value_size(4) + flag(1).
const HeaderSize = 21

// ErrCorrupt is returned by Decode when a record's CRC does not match its
// payload, or the buffer is structurally too short to hold a full record.
// Recovery treats both as a corrupt tail and truncates at the last clean
// record boundary.
type ErrCorrupt struct {
	Reason string
}

func (e *ErrCorrupt) Error() string { return fmt.Sprintf("bitcask: corrupt record: %s", e.Reason) }

// Record is the in-memory representation of one on-disk log entry.
type Record struct {
	Timestamp uint64
	Flag      uint8
	Key       []byte
	Value     []byte
}

// IsTombstone reports whether this record encodes a deletion.
func (r *Record) IsTombstone() bool { return r.Flag == FlagTombstone }

// EncodedSize returns the number of bytes Encode will produce for this record.
func (r *Record) EncodedSize() int {
	return HeaderSize + len(r.Key) + len(r.Value)
}

// Encode serializes the record to its on-disk big-endian layout:
//
//	[0:4]   crc32 (IEEE, covers everything after itself)
//	[4:12]  timestamp_ms
//	[12:16] key_size
//	[16:20] value_size
//	[20:21] flag
//	[21:21+key_size]   key
//	[21+key_size:]     value
func (r *Record) Encode() []byte {
	valueSize := len(r.Value)
	if r.Flag == FlagTombstone {
		valueSize = 0
	}

	buf := make([]byte, HeaderSize+len(r.Key)+valueSize)
	binary.BigEndian.PutUint64(buf[4:12], r.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(r.Key)))
	binary.BigEndian.PutUint32(buf[16:20], uint32(valueSize))
	buf[20] = r.Flag
	copy(buf[HeaderSize:], r.Key)
	if valueSize > 0 {
		copy(buf[HeaderSize+len(r.Key):], r.Value)
	}

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], crc)
	return buf
}

// Decode parses a single record out of data, which must hold at least the
// fixed header. It returns ErrCorrupt if the declared sizes overrun the
// buffer or the CRC does not match.
func Decode(data []byte) (*Record, error) {
	if len(data) < HeaderSize {
		return nil, &ErrCorrupt{Reason: fmt.Sprintf("short header: got %d bytes, need %d", len(data), HeaderSize)}
	}

	crc := binary.BigEndian.Uint32(data[0:4])
	timestamp := binary.BigEndian.Uint64(data[4:12])
	keySize := binary.BigEndian.Uint32(data[12:16])
	valueSize := binary.BigEndian.Uint32(data[16:20])
	flag := data[20]

	total := HeaderSize + int(keySize) + int(valueSize)
	if len(data) < total {
		return nil, &ErrCorrupt{Reason: fmt.Sprintf("short body: got %d bytes, need %d", len(data), total)}
	}

	key := make([]byte, keySize)
	copy(key, data[HeaderSize:HeaderSize+int(keySize)])

	var value []byte
	if valueSize > 0 {
		value = make([]byte, valueSize)
		copy(value, data[HeaderSize+int(keySize):total])
	}

	if got := crc32.ChecksumIEEE(data[4:total]); got != crc {
		return nil, &ErrCorrupt{Reason: fmt.Sprintf("crc mismatch: got %d, want %d", got, crc)}
	}

	return &Record{Timestamp: timestamp, Flag: flag, Key: key, Value: value}, nil
}

// HintEntry is a hint-file sidecar entry: enough to rebuild a KeyDir entry
// for one live key without reading its value from the data file.
type HintEntry struct {
	Timestamp   uint64
	Key         []byte
	ValueSize   uint32
	ValueOffset int64
}

// hintHeaderSize is timestamp_ms(8) + key_size(4) + value_size(4) + value_offset(8).
const hintHeaderSize = 24

// Encode serializes a hint entry to its on-disk layout.
func (h *HintEntry) Encode() []byte {
	buf := make([]byte, hintHeaderSize+len(h.Key))
	binary.BigEndian.PutUint64(buf[0:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(h.Key)))
	binary.BigEndian.PutUint32(buf[12:16], h.ValueSize)
	binary.BigEndian.PutUint64(buf[16:24], uint64(h.ValueOffset))
	copy(buf[hintHeaderSize:], h.Key)
	return buf
}

// DecodeHint parses a single hint entry and reports how many bytes it
// consumed, so callers can walk a hint file entry by entry.
func DecodeHint(data []byte) (*HintEntry, int, error) {
	if len(data) < hintHeaderSize {
		return nil, 0, &ErrCorrupt{Reason: "short hint header"}
	}
	timestamp := binary.BigEndian.Uint64(data[0:8])
	keySize := binary.BigEndian.Uint32(data[8:12])
	valueSize := binary.BigEndian.Uint32(data[12:16])
	valueOffset := int64(binary.BigEndian.Uint64(data[16:24]))

	total := hintHeaderSize + int(keySize)
	if len(data) < total {
		return nil, 0, &ErrCorrupt{Reason: "short hint body"}
	}
	key := make([]byte, keySize)
	copy(key, data[hintHeaderSize:total])

	return &HintEntry{
		Timestamp:   timestamp,
		Key:         key,
		ValueSize:   valueSize,
		ValueOffset: valueOffset,
	}, total, nil
}

package bitcask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_EncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		record *Record
	}{
		{
			name:   "normal record",
			record: &Record{Timestamp: 1234567890, Flag: FlagNormal, Key: []byte("key"), Value: []byte("value")},
		},
		{
			name:   "tombstone record",
			record: &Record{Timestamp: 1234567890, Flag: FlagTombstone, Key: []byte("key")},
		},
		{
			name:   "empty value",
			record: &Record{Timestamp: 1, Flag: FlagNormal, Key: []byte("k"), Value: []byte{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			encoded := tt.record.Encode()
			require.Len(t, encoded, tt.record.EncodedSize())

			decoded, err := Decode(encoded)
			require.NoError(t, err)

			assert.Equal(t, tt.record.Timestamp, decoded.Timestamp)
			assert.Equal(t, tt.record.Flag, decoded.Flag)
			assert.Equal(t, tt.record.Key, decoded.Key)
			if tt.record.Flag == FlagTombstone {
				assert.Empty(t, decoded.Value)
			} else {
				assert.Equal(t, tt.record.Value, decoded.Value)
			}
		})
	}
}

func TestDecode_RejectsShortBuffers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "short header", data: []byte{1, 2, 3}},
		{name: "header only, declares a body", data: (&Record{Timestamp: 1, Key: []byte("k"), Value: []byte("v")}).Encode()[:HeaderSize]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Decode(tt.data)
			require.Error(t, err)
			var corrupt *ErrCorrupt
			assert.ErrorAs(t, err, &corrupt)
		})
	}
}

func TestDecode_DetectsCRCMismatch(t *testing.T) {
	t.Parallel()

	record := &Record{Timestamp: 1, Flag: FlagNormal, Key: []byte("key"), Value: []byte("value")}
	encoded := record.Encode()
	encoded[len(encoded)-1] ^= 0xFF

	_, err := Decode(encoded)
	require.Error(t, err)
}

func TestHintEntry_EncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	hint := &HintEntry{Timestamp: 42, Key: []byte("hinted-key"), ValueSize: 7, ValueOffset: 128}
	encoded := hint.Encode()

	decoded, n, err := DecodeHint(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, hint.Timestamp, decoded.Timestamp)
	assert.Equal(t, hint.Key, decoded.Key)
	assert.Equal(t, hint.ValueSize, decoded.ValueSize)
	assert.Equal(t, hint.ValueOffset, decoded.ValueOffset)
}

func TestDecodeHint_RejectsShortBuffers(t *testing.T) {
	t.Parallel()

	_, _, err := DecodeHint([]byte{1, 2, 3})
	require.Error(t, err)
}

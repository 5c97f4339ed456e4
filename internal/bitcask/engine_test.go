package bitcask

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openEngine(t *testing.T, mutate ...OptionFunc) *Engine {
	t.Helper()
	opts := NewOptions(t.TempDir())
	opts.Apply(mutate...)
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_SetGetDelete(t *testing.T) {
	t.Parallel()

	e := openEngine(t)

	require.NoError(t, e.Set("key", []byte("value")))

	got, err := e.Get("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	existed, err := e.Delete("key")
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = e.Get("key")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestEngine_Get_MissingKey(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	_, err := e.Get("nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestEngine_Set_RejectsEmptyKey(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	err := e.Set("", []byte("v"))
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestEngine_Delete_MissingKeyWritesNoTombstone(t *testing.T) {
	t.Parallel()

	e := openEngine(t)

	existed, err := e.Delete("never-existed")
	require.NoError(t, err)
	assert.False(t, existed, "deleting an absent key must report false")
	assert.Zero(t, e.files.ActiveSize(), "no tombstone should have been appended for an absent key")
}

func TestEngine_OverwriteReturnsLatestValue(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	require.NoError(t, e.Set("key_1", []byte("value_A")))
	require.NoError(t, e.Set("key_1", []byte("value_B")))

	got, err := e.Get("key_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("value_B"), got)
	assert.Equal(t, 1, e.KeyCount())
}

func TestEngine_ClosedEngineRejectsOperations(t *testing.T) {
	t.Parallel()

	opts := NewOptions(t.TempDir())
	e, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = e.Get("k")
	assert.ErrorIs(t, err, ErrClosed)

	err = e.Set("k", []byte("v"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = e.Delete("k")
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, e.Close(), ErrClosed, "Close is not idempotent beyond the first call")
}

func TestEngine_RecoversFromDataScanAfterRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts := NewOptions(dir)

	e, err := Open(opts)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		key := string(rune('a' + i%26))
		require.NoError(t, e.Set(key, []byte("value")))
	}
	require.NoError(t, e.Set("to-delete", []byte("gone-soon")))
	_, err = e.Delete("to-delete")
	require.NoError(t, err)
	require.NoError(t, e.Close())

	reopened, err := Open(NewOptions(dir))
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Get("to-delete")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	got, err := reopened.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
}

func TestEngine_RecoveryTruncatesCorruptTail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e, err := Open(NewOptions(dir))
	require.NoError(t, err)
	require.NoError(t, e.Set("good", []byte("value")))
	require.NoError(t, e.Close())

	// Simulate a torn write: append a truncated record header to the active file.
	activePath := filepath.Join(dir, dataFileName(1))
	f, err := os.OpenFile(activePath, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(NewOptions(dir))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("good")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
}

// TestEngine_AppendAfterCorruptTailRecoveryLeavesNoGap guards against a
// regression where the active file's append offset stayed pegged at the
// pre-truncation end-of-file after a corrupt-tail recovery: writing a
// further key would land past the truncated boundary, leaving a sparse zero
// gap that the next restart's scan would itself treat as corrupt, silently
// dropping everything written since the first recovery.
func TestEngine_AppendAfterCorruptTailRecoveryLeavesNoGap(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e, err := Open(NewOptions(dir))
	require.NoError(t, err)
	require.NoError(t, e.Set("good", []byte("value")))
	require.NoError(t, e.Close())

	activePath := filepath.Join(dir, dataFileName(1))
	f, err := os.OpenFile(activePath, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(NewOptions(dir))
	require.NoError(t, err)
	require.NoError(t, reopened.Set("fresh", []byte("still-good")))
	require.NoError(t, reopened.Close())

	again, err := Open(NewOptions(dir))
	require.NoError(t, err)
	defer again.Close()

	got, err := again.Get("good")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	got, err = again.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, []byte("still-good"), got)
}

// TestEngine_Get_DetectsLiveCorruptionAndBecomesReadOnly corrupts an
// already-written record's bytes on disk without touching the in-memory
// KeyDir, then confirms Get re-verifies the record's CRC on every call
// rather than trusting the KeyDir entry forever, and that a mismatch
// demotes the engine to read-only for subsequent writes (spec.md §7 "mid-
// operation corruption ... marks the engine read-only").
func TestEngine_Get_DetectsLiveCorruptionAndBecomesReadOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e, err := Open(NewOptions(dir))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Set("a", []byte("alpha")))
	require.NoError(t, e.Set("b", []byte("beta")))

	entry, ok := e.keydir.Get("a")
	require.True(t, ok)

	path := filepath.Join(dir, dataFileName(entry.FileID))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, entry.ValueOffset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = e.Get("a")
	require.Error(t, err)
	var corrupt *ErrCorrupt
	assert.ErrorAs(t, err, &corrupt)

	got, err := e.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), got, "a separate record at a separate offset must be unaffected")

	err = e.Set("c", []byte("gamma"))
	assert.ErrorIs(t, err, ErrReadOnly, "live corruption must demote the engine to read-only even for unrelated keys")
}

func TestEngine_ForceMerge_ReclaimsSupersededRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts := NewOptions(dir)
	opts.Apply(WithMaxFileSize(MinMaxFileSize))
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 500; i++ {
		key := "key"
		value := make([]byte, 256)
		require.NoError(t, e.Set(key, value))
		_ = i
	}
	require.Greater(t, len(e.files.ImmutableIDs()), 0, "rotation should have produced at least one immutable file")

	require.NoError(t, e.ForceMerge())

	got, err := e.Get("key")
	require.NoError(t, err)
	assert.Len(t, got, 256)
	assert.Equal(t, 1, e.KeyCount())
}

func TestEngine_ForceMerge_ConcurrentWithSecondCallIsANoOp(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	require.NoError(t, e.Set("k", []byte("v")))

	e.mergeRunning.Store(true)
	defer e.mergeRunning.Store(false)

	err := e.ForceMerge()
	assert.True(t, errors.Is(err, ErrMergeInProgress))
}

// TestEngine_MatchesReferenceModel replays a fixed sequence of set/delete
// operations against both the engine and a plain Go map tracking the same
// operations, then diffs the engine's visible key set against the model
// (spec.md §8 property P4). Deleted keys are expected to be absent from
// both sides; cmp.Diff gives a readable failure if the engine's live-key
// set ever diverges from the reference model's.
func TestEngine_MatchesReferenceModel(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	model := make(map[string]string)

	type op struct {
		key, value string
		del        bool
	}
	ops := []op{
		{key: "a", value: "1"},
		{key: "b", value: "2"},
		{key: "a", value: "3"},
		{key: "c", value: "4"},
		{key: "b", del: true},
		{key: "d", value: "5"},
		{key: "d", del: true},
		{key: "d", value: "6"},
	}

	for _, o := range ops {
		if o.del {
			_, err := e.Delete(o.key)
			require.NoError(t, err)
			delete(model, o.key)
			continue
		}
		require.NoError(t, e.Set(o.key, []byte(o.value)))
		model[o.key] = o.value
	}

	got := make(map[string]string, e.keydir.Len())
	e.keydir.Range(func(key string, entry Entry) bool {
		value, err := e.files.ReadAt(entry.FileID, entry.ValueOffset, entry.ValueSize)
		require.NoError(t, err)
		got[key] = string(value)
		return true
	})

	if diff := cmp.Diff(model, got); diff != "" {
		t.Fatalf("engine visible state diverged from reference model (-want +got):\n%s", diff)
	}
	assert.Equal(t, len(model), e.KeyCount())
}

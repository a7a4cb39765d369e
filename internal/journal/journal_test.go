package journal

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kikiluvv/examguard/internal/landmarks"
	"github.com/kikiluvv/examguard/internal/proctor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleObservations() []proctor.Observation {
	return []proctor.Observation{
		{Frame: 40, Time: 1.333, EyeDisplacement: 50, HeadOffset: 2.5, MouthGap: 10, Gaze: landmarks.GazeCenter, RawScore: 15.95, Probability: 1.595},
		{Frame: 44, Time: 1.467, EyeDisplacement: 48, HeadOffset: 30, MouthGap: 1, Gaze: landmarks.GazeLeft, Object: true, RawScore: 93.2, Probability: 10.75},
	}
}

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(zerolog.Nop(), dir, "session-1")
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(w.Path(), "_session-1"+Extension))
	assert.Equal(t, dir, filepath.Dir(w.Path()))

	want := sampleObservations()
	for _, o := range want {
		require.NoError(t, w.Record(o))
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")
	assert.Error(t, w.Record(want[0]), "record after close")

	entries, err := Read(w.Path())
	require.NoError(t, err)
	require.Len(t, entries, len(want))
	for i, e := range entries {
		assert.Equal(t, want[i], e.Observation)
		assert.False(t, e.RecordedAt.IsZero())
	}
}

func TestReadToleratesTruncatedTail(t *testing.T) {
	w, err := NewWriter(zerolog.Nop(), t.TempDir(), "crash")
	require.NoError(t, err)
	for _, o := range sampleObservations() {
		require.NoError(t, w.Record(o))
	}
	require.NoError(t, w.Close())

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.Path(), data[:len(data)-5], 0o644))

	entries, err := Read(w.Path())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadRejectsForeignFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.ejl")
	require.NoError(t, os.WriteFile(path, []byte("hello world, not a journal"), 0o644))

	_, err := Read(path)
	assert.True(t, errors.Is(err, ErrBadMagic))

	_, err = Read(filepath.Join(t.TempDir(), "missing.ejl"))
	assert.Error(t, err)
}

func TestScanRejectsOversizedRecord(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(magic)
	var meta [12]byte
	binary.LittleEndian.PutUint64(meta[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(meta[8:], 0xFFFFFFF0)
	buf.Write(meta[:])

	calls := 0
	err := Scan(&buf, func(Entry) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRecordTooLarge))
	assert.Zero(t, calls)
}

func TestEmptyJournal(t *testing.T) {
	w, err := NewWriter(zerolog.Nop(), filepath.Join(t.TempDir(), "nested"), "empty")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, err := Read(w.Path())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

package infrastructure

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead", "uplinks.log")

	log, err := NewDeadLetterLog(path)
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Append("8981-0001", "AAECAw==", "db down"))
	require.NoError(t, log.Append("8981-0002", "BAUGBw==", "db down"))

	entries, err := log.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "8981-0001", entries[0].ICCID)
	assert.Equal(t, "AAECAw==", entries[0].Payload)
	assert.Equal(t, "db down", entries[0].Reason)
	assert.NotEmpty(t, entries[0].ID)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
}

func TestDeadLetterSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uplinks.log")

	log, err := NewDeadLetterLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Append("8981-0001", "AAECAw==", "db down"))
	require.NoError(t, log.Close())

	reopened, err := NewDeadLetterLog(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, reopened.Append("8981-0002", "BAUGBw==", "retry"))
	entries, err = reopened.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDeadLetterSkipsTornWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uplinks.log")

	log, err := NewDeadLetterLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Append("8981-0001", "AAECAw==", "db down"))
	require.NoError(t, log.Close())

	// Simulate a torn write at the tail.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"trunc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewDeadLetterLog(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeadLetterTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uplinks.log")

	log, err := NewDeadLetterLog(path)
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Append("8981-0001", "AAECAw==", "db down"))
	require.NoError(t, log.Truncate())

	entries, err := log.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Appending after truncation starts a fresh log.
	require.NoError(t, log.Append("8981-0002", "BAUGBw==", "again"))
	entries, err = log.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

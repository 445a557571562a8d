package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freakwan/freakwan-node/pkg/protocol"
)

func testArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := NewArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArchiveStoreAndRecent(t *testing.T) {
	a := testArchive(t)

	sender := protocol.Address{1, 2, 3, 4, 5, 6}
	for _, text := range []string{"first", "second", "third"} {
		m := protocol.NewDataMessage(sender, "alice", text, "")
		m.RSSI = -70
		require.NoError(t, a.Store(m))
	}

	msgs, err := a.Recent(2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "third", msgs[0].Body)
	assert.Equal(t, "second", msgs[1].Body)
	assert.Equal(t, "alice", msgs[0].Nick)
	assert.Equal(t, sender.String(), msgs[0].Sender)
	assert.Equal(t, -70, msgs[0].RSSI)

	n, err := a.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestArchiveMediaMessage(t *testing.T) {
	a := testArchive(t)

	m := protocol.NewMediaMessage(protocol.Address{1}, "cam",
		protocol.MediaTypeImageFCI, make([]byte, 120), "")
	require.NoError(t, a.Store(m))

	msgs, err := a.Recent(1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Media)
	assert.Equal(t, "[120 bytes of media]", msgs[0].Body)
}

func TestArchiveEmptyRecent(t *testing.T) {
	a := testArchive(t)
	msgs, err := a.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

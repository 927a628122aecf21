package node

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dledger/protocol"
)

func TestStoreHistoryOrderPreserved(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "a1_data.db"))
	require.NoError(t, err)
	defer store.Close()

	// Enough entries that lexicographic keys would scramble the order.
	var history []protocol.HistoryEntry
	for i := 0; i < 25; i++ {
		history = append(history, protocol.HistoryEntry{
			TransactionID: fmt.Sprintf("txn-%d", i),
			Amount:        int64(i),
		})
	}
	require.NoError(t, store.Save(1234, history))

	balance, loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1234), balance)
	require.Len(t, loaded, 25)
	for i, entry := range loaded {
		assert.Equal(t, fmt.Sprintf("txn-%d", i), entry.TransactionID)
	}
}

func TestStoreSaveOverwritesWholesale(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "a1_data.db"))
	require.NoError(t, err)
	defer store.Close()

	long := []protocol.HistoryEntry{{TransactionID: "old-1"}, {TransactionID: "old-2"}}
	require.NoError(t, store.Save(100, long))
	require.NoError(t, store.Save(-50, []protocol.HistoryEntry{{TransactionID: "new-1"}}))

	balance, history, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(-50), balance, "negative balances must round-trip")
	require.Len(t, history, 1)
	assert.Equal(t, "new-1", history[0].TransactionID)
}

func TestStoreFreshDatabaseIsZero(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "a1_data.db"))
	require.NoError(t, err)
	defer store.Close()

	balance, history, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assert.Empty(t, history)
}

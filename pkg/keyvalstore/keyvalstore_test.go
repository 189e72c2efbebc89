package keyvalstore_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehive/filehive/pkg/keyvalstore"
)

func openStore(t *testing.T) *keyvalstore.Store {
	t.Helper()
	s, err := keyvalstore.Open(keyvalstore.StoreConfig{
		Path: filepath.Join(t.TempDir(), "kv"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := keyvalstore.Open(keyvalstore.StoreConfig{})
	assert.Error(t, err)
}

func TestWriteReadDelete(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Write([]byte("key1"), []byte("value1")))

	got, err := s.Read([]byte("key1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value1"), got)

	has, err := s.Has([]byte("key1"))
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.Delete([]byte("key1")))

	_, err = s.Read([]byte("key1"))
	assert.ErrorIs(t, err, keyvalstore.ErrNotFound)

	has, err = s.Has([]byte("key1"))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestReadMissingKey(t *testing.T) {
	s := openStore(t)
	_, err := s.Read([]byte("nope"))
	assert.ErrorIs(t, err, keyvalstore.ErrNotFound)
}

func TestWriteBatchAtomic(t *testing.T) {
	s := openStore(t)

	batch := [][2][]byte{
		{[]byte("batch:1"), []byte("one")},
		{[]byte("batch:2"), []byte("two")},
		{[]byte("batch:3"), []byte("three")},
	}
	require.NoError(t, s.WriteBatch(batch))

	for _, kv := range batch {
		got, err := s.Read(kv[0])
		require.NoError(t, err)
		assert.Equal(t, kv[1], got)
	}
}

func TestWriteStreamManyKeys(t *testing.T) {
	s := openStore(t)

	// Enough keys that a single transaction would not be a given.
	batch := make([][2][]byte, 5000)
	for i := range batch {
		batch[i] = [2][]byte{
			[]byte(fmt.Sprintf("stream:%05d", i)),
			[]byte(fmt.Sprintf("value-%d", i)),
		}
	}
	require.NoError(t, s.WriteStream(batch))

	got, err := s.GetItemsWithPrefix([]byte("stream:"))
	require.NoError(t, err)
	assert.Len(t, got, 5000)
	assert.Equal(t, []byte("value-0"), got[0][1])
	assert.Equal(t, []byte("value-4999"), got[4999][1])
}

func TestGetItemsWithPrefix(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Write([]byte("pre:a"), []byte("1")))
	require.NoError(t, s.Write([]byte("pre:b"), []byte("2")))
	require.NoError(t, s.Write([]byte("other:c"), []byte("3")))

	items, err := s.GetItemsWithPrefix([]byte("pre:"))
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Badger iterates in key order.
	assert.Equal(t, []byte("pre:a"), items[0][0])
	assert.Equal(t, []byte("pre:b"), items[1][0])
}

func TestDeleteWithPrefix(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Write([]byte("del:a"), []byte("1")))
	require.NoError(t, s.Write([]byte("del:b"), []byte("2")))
	require.NoError(t, s.Write([]byte("keep:c"), []byte("3")))

	require.NoError(t, s.DeleteWithPrefix([]byte("del:")))

	items, err := s.GetItemsWithPrefix([]byte("del:"))
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = s.Read([]byte("keep:c"))
	assert.NoError(t, err)
}

func TestUpdateTransaction(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Write([]byte("counter"), []byte{1}))

	err := s.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("counter"))
		if err != nil {
			return err
		}
		var current byte
		if err := item.Value(func(v []byte) error {
			current = v[0]
			return nil
		}); err != nil {
			return err
		}
		return txn.Set([]byte("counter"), []byte{current + 1})
	})
	require.NoError(t, err)

	got, err := s.Read([]byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, byte(2), got[0])
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kv")

	s, err := keyvalstore.Open(keyvalstore.StoreConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Write([]byte("durable"), []byte("yes")))
	require.NoError(t, s.Close())

	s, err = keyvalstore.Open(keyvalstore.StoreConfig{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Read([]byte("durable"))
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), got)
}

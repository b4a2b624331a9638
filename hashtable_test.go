package heapdb

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashMultimapDuplicateKeyPreservesOrder(t *testing.T) {
	bm := newTestPool(t, 16)
	ht, err := NewHashTable(bm, Uint16Codec(), Uint16Codec())
	require.NoError(t, err)

	require.NoError(t, ht.Put(0, 1))
	require.NoError(t, ht.Put(0, 2))

	out, err := ht.Get(0)
	require.NoError(t, err)
	require.Equal(t, []uint16{1, 2}, out)
}

func TestHashMultimapRemoveLeavesOtherOccurrence(t *testing.T) {
	bm := newTestPool(t, 16)
	ht, err := NewHashTable(bm, Uint16Codec(), Uint16Codec())
	require.NoError(t, err)

	require.NoError(t, ht.Put(0, 1))
	require.NoError(t, ht.Put(0, 2))
	require.NoError(t, ht.Remove(0, 1))

	out, err := ht.Get(0)
	require.NoError(t, err)
	require.Equal(t, []uint16{2}, out, "the walk must continue past a tombstoned-but-occupied slot")
}

func TestHashMultimapFixedWidthByteKey(t *testing.T) {
	bm := newTestPool(t, 16)
	ht, err := NewHashTable(bm, FixedBytesCodec(256), Uint16Codec())
	require.NoError(t, err)

	key := make([]byte, 256)
	copy(key, "hello")

	require.NoError(t, ht.Put(key, 1))
	require.NoError(t, ht.Put(key, 2))

	out, err := ht.Get(key)
	require.NoError(t, err)
	require.Equal(t, []uint16{1, 2}, out)
}

func TestHashMultimapManyKeysForceSplitsAndDirectoryGrowth(t *testing.T) {
	bm := newTestPool(t, 100)
	ht, err := NewHashTable(bm, Uint16Codec(), Uint16Codec())
	require.NoError(t, err)

	const n = 1024
	for i := uint16(0); i < n; i++ {
		require.NoError(t, ht.Put(i, i), "put(%d,%d)", i, i)
	}

	dirLP, err := bm.PinLatched(ht.DirectoryPageID(), ptype(PageHashDirectory), true)
	require.NoError(t, err)
	dp := hashDirectoryPage{data: dirLP.Frame.Data()}
	require.Greater(t, dp.globalDepth(), uint32(0), "1024 keys in u16,u16 buckets must force at least one directory doubling")
	dirLP.Release()

	for i := uint16(0); i < n; i++ {
		out, err := ht.Get(i)
		require.NoError(t, err, "get(%d)", i)
		require.Equal(t, []uint16{i}, out, "get(%d)", i)
	}
}

func TestHashMultimapDestroyFreesAllPages(t *testing.T) {
	bm := newTestPool(t, 100)
	ht, err := NewHashTable(bm, Uint16Codec(), Uint16Codec())
	require.NoError(t, err)

	for i := uint16(0); i < 1024; i++ {
		require.NoError(t, ht.Put(i, i))
	}

	require.NoError(t, ht.Destroy())

	// NewHashTable's very first allocation, before this test did
	// anything else with the pool, was the id-1 bucket page; if
	// Destroy correctly marked every page it owned free again, the next
	// allocation must reclaim that same low id rather than extending
	// the file further.
	f, err := bm.Allocate(PageTuple)
	require.NoError(t, err)
	defer bm.Unpin(f)
	require.Equal(t, uint32(1), f.PageID())
}

func TestHashMultimapPutGetRemoveRoundTrip(t *testing.T) {
	bm := newTestPool(t, 32)
	ht, err := NewHashTable(bm, Uint32Codec(), Uint32Codec())
	require.NoError(t, err)

	for k := uint32(0); k < 64; k++ {
		require.NoError(t, ht.Put(k, k*10))
		require.NoError(t, ht.Put(k, k*10+1))
	}
	for k := uint32(0); k < 64; k++ {
		out, err := ht.Get(k)
		require.NoError(t, err)
		require.Contains(t, out, k*10)
		require.Contains(t, out, k*10+1)
	}

	for k := uint32(0); k < 64; k++ {
		require.NoError(t, ht.Remove(k, k*10))
		out, err := ht.Get(k)
		require.NoError(t, err)
		require.NotContains(t, out, k*10)
		require.Contains(t, out, k*10+1)
	}
}

func TestHashMultimapSurvivesCleanReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "survives.zdb")

	acc1, err := OpenDirectFileAccessor(path)
	require.NoError(t, err)
	bm1, err := Init(acc1, 16)
	require.NoError(t, err)

	ht1, err := NewHashTable(bm1, Uint32Codec(), Uint32Codec())
	require.NoError(t, err)
	for k := uint32(0); k < 200; k++ {
		require.NoError(t, ht1.Put(k, k+1))
	}
	dirID := ht1.DirectoryPageID()
	require.NoError(t, bm1.Close())

	acc2, err := OpenDirectFileAccessor(path)
	require.NoError(t, err)
	bm2, err := Init(acc2, 16)
	require.NoError(t, err)
	defer bm2.Close()

	ht2, err := OpenHashTable(bm2, dirID, Uint32Codec(), Uint32Codec())
	require.NoError(t, err)
	for k := uint32(0); k < 200; k++ {
		out, err := ht2.Get(k)
		require.NoError(t, err, fmt.Sprintf("key %d", k))
		require.Equal(t, []uint32{k + 1}, out)
	}
}

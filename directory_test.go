package heapdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectoryAllocateFreeAllocateReusesBit(t *testing.T) {
	bm := newTestPool(t, 8)

	f, err := bm.Allocate(PageTuple)
	require.NoError(t, err)
	id := f.PageID()
	bm.Unpin(f)

	require.NoError(t, bm.Free(id))

	f2, err := bm.Allocate(PageTuple)
	require.NoError(t, err)
	defer bm.Unpin(f2)
	require.Equal(t, id, f2.PageID(), "freeing a page must make its id available for immediate reuse")
}

func TestDirectoryGrowsAtNPagesPerDir(t *testing.T) {
	bm := newTestPool(t, 8)

	var lastID uint32
	for i := uint32(0); i < NPagesPerDir; i++ {
		f, err := bm.Allocate(PageTuple)
		require.NoError(t, err)
		lastID = f.PageID()
		bm.Unpin(f)
		require.NoError(t, bm.Free(lastID))
	}

	// The loop above freed each page right after allocating it, so it
	// kept reusing the same id. Now allocate NPagesPerDir pages with
	// nothing freed so every bit of the head directory page is spoken
	// for; one further allocation should spill into a second directory
	// page.
	for i := uint32(0); i < NPagesPerDir; i++ {
		f, err := bm.Allocate(PageTuple)
		require.NoError(t, err)
		bm.Unpin(f) // bit stays consumed; only Free reclaims it
	}

	overflow, err := bm.Allocate(PageTuple)
	require.NoError(t, err)
	require.Equal(t, NPagesPerDir+1, overflow.PageID(), "first page managed by the second directory page follows it immediately")
	bm.Unpin(overflow)

	dir2, err := bm.Pin(NPagesPerDir, ptype(PageDirectory))
	require.NoError(t, err, "second directory page must be seeded at page_id = N_pages_per_dir")
	require.Equal(t, PageDirectory, dir2.Type())
	bm.Unpin(dir2)
}

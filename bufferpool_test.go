package heapdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, nFrames int) *BufferManager {
	t.Helper()
	acc, err := NewMemFileAccessor()
	require.NoError(t, err)
	bm, err := Init(acc, nFrames)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm.Close() })
	return bm
}

func TestBufferPoolFullWhenAllFramesPinned(t *testing.T) {
	bm := newTestPool(t, 3) // 1 frame for page 0 (head) + 2 usable frames

	a, err := bm.Allocate(PageTuple)
	require.NoError(t, err)
	b, err := bm.Allocate(PageTuple)
	require.NoError(t, err)

	_, err = bm.Pin(a.PageID(), nil)
	require.NoError(t, err)
	_, err = bm.Pin(b.PageID(), nil)
	require.NoError(t, err)

	// Every frame (head + a + b) is now pinned: head permanently, a and
	// b twice each (once from Allocate, once from Pin).
	c, err := bm.Allocate(PageTuple)
	require.Error(t, err)
	require.Nil(t, c)
	var zdbErr *Error
	require.True(t, errors.As(err, &zdbErr))
	require.Equal(t, ErrFull, zdbErr.Kind)
}

func TestBufferPoolEvictsLeastRecentlyUsed(t *testing.T) {
	bm := newTestPool(t, 3)

	a, err := bm.Allocate(PageTuple)
	require.NoError(t, err)
	aID := a.PageID()
	bm.Unpin(a)

	b, err := bm.Allocate(PageTuple)
	require.NoError(t, err)
	bID := b.PageID()
	bm.Unpin(b)

	// Touch a again so b becomes the least recently used unpinned frame.
	af, err := bm.Pin(aID, nil)
	require.NoError(t, err)
	bm.Unpin(af)

	c, err := bm.Allocate(PageTuple)
	require.NoError(t, err)
	cID := c.PageID()
	bm.Unpin(c)

	for _, f := range bm.frames {
		if f.live && f.header.PageID == bID {
			t.Fatalf("page %d should have been evicted to make room for %d", bID, cID)
		}
	}
}

func TestBufferPoolWritebackSurvivesEviction(t *testing.T) {
	bm := newTestPool(t, 3)

	f, err := bm.Allocate(PageTuple)
	require.NoError(t, err)
	id := f.PageID()
	copy(f.Data()[:5], []byte("hello"))
	f.MarkDirty()
	bm.Unpin(f)

	// Force eviction by cycling enough distinct pages through the one
	// remaining usable frame.
	for i := 0; i < 4; i++ {
		other, err := bm.Allocate(PageTuple)
		require.NoError(t, err)
		bm.Unpin(other)
	}

	back, err := bm.Pin(id, ptype(PageTuple))
	require.NoError(t, err)
	defer bm.Unpin(back)
	require.Equal(t, "hello", string(back.Data()[:5]))
}

func TestBufferPoolPinTypeMismatch(t *testing.T) {
	bm := newTestPool(t, 3)

	f, err := bm.Allocate(PageTuple)
	require.NoError(t, err)
	id := f.PageID()
	bm.Unpin(f)

	_, err = bm.Pin(id, ptype(PageHashBucket))
	require.Error(t, err)
	var zdbErr *Error
	require.True(t, errors.As(err, &zdbErr))
	require.Equal(t, ErrPageTypeMismatch, zdbErr.Kind)
}

package heapdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTuplePagePutGetDelete(t *testing.T) {
	bm := newTestPool(t, 8)

	tp, err := NewTuplePage(bm)
	require.NoError(t, err)
	id := tp.PageID()

	e1, err := tp.Put([]byte("first record"))
	require.NoError(t, err)
	require.Equal(t, Entry{PageID: id, Slot: 0}, e1)

	e2, err := tp.Put([]byte("second, longer record"))
	require.NoError(t, err)
	require.Equal(t, Entry{PageID: id, Slot: 1}, e2)
	tp.Release()

	rd, err := TuplePageReadable(bm, id)
	require.NoError(t, err)
	v1, err := rd.Get(e1.Slot)
	require.NoError(t, err)
	require.Equal(t, "first record", string(v1))
	v2, err := rd.Get(e2.Slot)
	require.NoError(t, err)
	require.Equal(t, "second, longer record", string(v2))
	rd.Release()

	wr, err := TuplePageWritable(bm, id)
	require.NoError(t, err)
	require.NoError(t, wr.Delete(e1.Slot))
	_, err = wr.Get(e1.Slot)
	require.Error(t, err)
	var zdbErr *Error
	require.True(t, errors.As(err, &zdbErr))
	require.Equal(t, ErrRecordDeleted, zdbErr.Kind)

	// the still-live second record is unaffected
	v2again, err := wr.Get(e2.Slot)
	require.NoError(t, err)
	require.Equal(t, "second, longer record", string(v2again))
	wr.Release()
}

func TestTuplePageOutOfSpace(t *testing.T) {
	bm := newTestPool(t, 8)
	tp, err := NewTuplePage(bm)
	require.NoError(t, err)
	defer tp.Release()

	big := make([]byte, PageDataSize)
	_, err = tp.Put(big)
	require.Error(t, err)
	var zdbErr *Error
	require.True(t, errors.As(err, &zdbErr))
	require.Equal(t, ErrOutOfSpace, zdbErr.Kind)
}

func TestTuplePageGetOutOfRangeSlot(t *testing.T) {
	bm := newTestPool(t, 8)
	tp, err := NewTuplePage(bm)
	require.NoError(t, err)
	defer tp.Release()

	_, err = tp.Get(3)
	require.Error(t, err)
	var zdbErr *Error
	require.True(t, errors.As(err, &zdbErr))
	require.Equal(t, ErrRecordDoesntExist, zdbErr.Kind)
}

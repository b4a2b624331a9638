package heapdb

import "encoding/binary"

// tupleMetaSize is the size of the fixed bookkeeping fields at the
// front of a tuple page's payload: remaining_space, free_space, and
// slots_in_use.
const tupleMetaSize = 2 + 2 + 4

// tupleSlotSize is the size of one slot directory entry: a uint16
// record offset and an int16 record size (-1 once deleted).
const tupleSlotSize = 2 + 2

// Entry identifies a single record stored on a tuple page: the page
// it lives on and its slot index within that page's slot directory.
type Entry struct {
	PageID uint32
	Slot   uint16
}

// TuplePage is a slotted, bump-allocated page: a slot directory grows
// from the front of the payload while record bytes are appended from
// the back, toward each other. Put returns an Entry; Delete tombstones a slot without
// reclaiming its bytes (no compaction is implemented).
type TuplePage struct {
	lp *LatchedPage
}

func readU16(b []byte) uint16  { return binary.LittleEndian.Uint16(b) }
func writeU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func readI16(b []byte) int16   { return int16(binary.LittleEndian.Uint16(b)) }
func writeI16(b []byte, v int16) { binary.LittleEndian.PutUint16(b, uint16(v)) }

func (tp *TuplePage) data() []byte { return tp.lp.Frame.Data() }

func (tp *TuplePage) recordAreaStart() uint16 { return readU16(tp.data()[0:2]) }
func (tp *TuplePage) setRecordAreaStart(v uint16) { writeU16(tp.data()[0:2], v) }
func (tp *TuplePage) freeSpace() uint16 { return readU16(tp.data()[2:4]) }
func (tp *TuplePage) setFreeSpace(v uint16) { writeU16(tp.data()[2:4], v) }
func (tp *TuplePage) slotsInUse() uint32 { return binary.LittleEndian.Uint32(tp.data()[4:8]) }
func (tp *TuplePage) setSlotsInUse(v uint32) {
	binary.LittleEndian.PutUint32(tp.data()[4:8], v)
}

func (tp *TuplePage) slotOffset(slot uint16) int {
	return tupleMetaSize + int(slot)*tupleSlotSize
}

func (tp *TuplePage) slot(slot uint16) (offset uint16, size int16) {
	so := tp.slotOffset(slot)
	b := tp.data()[so : so+tupleSlotSize]
	return readU16(b[0:2]), readI16(b[2:4])
}

func (tp *TuplePage) setSlot(slot uint16, offset uint16, size int16) {
	so := tp.slotOffset(slot)
	b := tp.data()[so : so+tupleSlotSize]
	writeU16(b[0:2], offset)
	writeI16(b[2:4], size)
}

func formatTuplePage(f *Frame) {
	f.header = Header{Magic: PageMagic, PageID: f.header.PageID, PageType: PageTuple}
	f.writeHeader()
	data := f.Data()
	writeU16(data[0:2], uint16(PageDataSize))
	writeU16(data[2:4], 0)
	binary.LittleEndian.PutUint32(data[4:8], 0)
	f.MarkDirty()
}

// NewTuplePage allocates a fresh tuple page and returns it already
// exclusively latched.
func NewTuplePage(bm *BufferManager) (*TuplePage, error) {
	lp, err := bm.AllocLatched(PageTuple)
	if err != nil {
		return nil, err
	}
	formatTuplePage(lp.Frame)
	return &TuplePage{lp: lp}, nil
}

// TuplePageWritable pins and exclusively latches an existing tuple
// page.
func TuplePageWritable(bm *BufferManager, pageID uint32) (*TuplePage, error) {
	lp, err := bm.PinLatched(pageID, ptype(PageTuple), false)
	if err != nil {
		return nil, err
	}
	return &TuplePage{lp: lp}, nil
}

// TuplePageReadable pins and shared-latches an existing tuple page.
func TuplePageReadable(bm *BufferManager, pageID uint32) (*TuplePage, error) {
	lp, err := bm.PinLatched(pageID, ptype(PageTuple), true)
	if err != nil {
		return nil, err
	}
	return &TuplePage{lp: lp}, nil
}

// Release unlatches and unpins the underlying frame. Must be called
// exactly once.
func (tp *TuplePage) Release() { tp.lp.Release() }

// PageID returns the page id this tuple page is stored at.
func (tp *TuplePage) PageID() uint32 { return tp.lp.Frame.header.PageID }

// Put appends record to the page, returning its Entry. Fails with
// ErrOutOfSpace if the slot directory and record areas would collide.
func (tp *TuplePage) Put(record []byte) (Entry, error) {
	n := tp.slotsInUse()
	newSlotEnd := tp.slotOffset(uint16(n)) + tupleSlotSize
	recordStart := int(tp.recordAreaStart()) - len(record)
	if recordStart < newSlotEnd {
		return Entry{}, newErr("Put", ErrOutOfSpace, nil)
	}
	copy(tp.data()[recordStart:recordStart+len(record)], record)
	tp.setSlot(uint16(n), uint16(recordStart), int16(len(record)))
	tp.setSlotsInUse(n + 1)
	tp.setRecordAreaStart(uint16(recordStart))
	tp.lp.Frame.MarkDirty()
	return Entry{PageID: tp.PageID(), Slot: uint16(n)}, nil
}

// Get returns the bytes of the record at slot, without copying.
func (tp *TuplePage) Get(slot uint16) ([]byte, error) {
	if uint32(slot) >= tp.slotsInUse() {
		return nil, newErr("Get", ErrRecordDoesntExist, nil)
	}
	offset, size := tp.slot(slot)
	if size < 0 {
		return nil, newErr("Get", ErrRecordDeleted, nil)
	}
	return tp.data()[offset : int(offset)+int(size)], nil
}

// Delete tombstones slot: the slot directory entry's size becomes -1
// and the record bytes are left in place (no compaction).
func (tp *TuplePage) Delete(slot uint16) error {
	if uint32(slot) >= tp.slotsInUse() {
		return newErr("Delete", ErrRecordDoesntExist, nil)
	}
	offset, size := tp.slot(slot)
	if size < 0 {
		return newErr("Delete", ErrRecordDeleted, nil)
	}
	tp.setSlot(slot, offset, -1)
	tp.setFreeSpace(tp.freeSpace() + uint16(size))
	tp.lp.Frame.MarkDirty()
	return nil
}

// SlotCount returns how many slots (live or tombstoned) exist.
func (tp *TuplePage) SlotCount() uint16 { return uint16(tp.slotsInUse()) }

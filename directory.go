package heapdb

import "encoding/binary"

// dirNextSize is the width of a directory page's "next" field.
const dirNextSize = 4

// dirBitmapBytes is how much of a directory page's payload is given
// to the free-page bitmap once the next pointer is accounted for.
const dirBitmapBytes = PageDataSize - dirNextSize

// NPagesPerDir is how many page ids a single directory page manages:
// one bit per managed id, packed 8 to a byte across the bitmap.
const NPagesPerDir = uint32(dirBitmapBytes * 8)

// directoryPage is a view over a pinned directory page's payload
// bytes. It does not own the bytes; it is valid only as long as the
// backing frame stays pinned.
type directoryPage struct {
	data []byte // frame.Data(), length PageDataSize
}

func (d directoryPage) next() uint32 {
	return binary.LittleEndian.Uint32(d.data[0:dirNextSize])
}

func (d directoryPage) setNext(v uint32) {
	binary.LittleEndian.PutUint32(d.data[0:dirNextSize], v)
}

func (d directoryPage) bitmap() []byte {
	return d.data[dirNextSize:]
}

// bitFor returns the byte and bit offsets, within this directory
// page's bitmap, of the free-bit for page id p, where selfID is this
// directory page's own id. Bit position i corresponds to page id
// selfID + 8*byte + bit + 1, per the on-disk layout.
func bitFor(selfID, p uint32) (byteIdx, bit uint32) {
	offset := p - selfID - 1
	return offset / 8, offset % 8
}

func (d directoryPage) isFree(selfID, p uint32) bool {
	byteIdx, bit := bitFor(selfID, p)
	return d.bitmap()[byteIdx]&(1<<bit) != 0
}

func (d directoryPage) setFree(selfID, p uint32, free bool) {
	byteIdx, bit := bitFor(selfID, p)
	if free {
		d.bitmap()[byteIdx] |= 1 << bit
	} else {
		d.bitmap()[byteIdx] &^= 1 << bit
	}
}

// formatFree marks every page id this directory page manages as free.
// A bit of 1 means free; a fresh directory page therefore starts all
// ones.
func (d directoryPage) formatFree() {
	bm := d.bitmap()
	for i := range bm {
		bm[i] = 0xff
	}
}

// firstFree returns the lowest free page id managed by this directory
// page, or ok=false if every bit is clear (the directory page is
// full).
func (d directoryPage) firstFree(selfID uint32) (pageID uint32, ok bool) {
	bm := d.bitmap()
	for byteIdx, b := range bm {
		if b == 0 {
			continue
		}
		for bit := uint32(0); bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				return selfID + uint32(byteIdx)*8 + bit + 1, true
			}
		}
	}
	return 0, false
}

func (d directoryPage) full() bool {
	_, ok := d.firstFree(0)
	return !ok
}

// formatDirectoryPage stamps f as a freshly allocated directory page
// with the given id: every managed page id starts free and the
// successor link is unset.
func formatDirectoryPage(f *Frame, pageID uint32) {
	f.header = Header{Magic: PageMagic, PageID: pageID, PageType: PageDirectory}
	f.writeHeader()
	dp := directoryPage{data: f.Data()}
	dp.setNext(0)
	dp.formatFree()
}

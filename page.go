package heapdb

import "encoding/binary"

// PageSize is the fixed size, in bytes, of every page cached by the
// buffer pool and stored in the backing file.
const PageSize = 4096

// PageMagic marks a page as formatted. A freshly extended region of
// the file reads back as all zero bytes, which does not match Magic,
// so an unformatted page is distinguishable from a formatted one.
const PageMagic uint32 = 0xD3ADB33F

// PageType identifies the logical contents of a formatted page.
type PageType uint8

const (
	PageFree PageType = iota
	PageDirectory
	PageHashDirectory
	PageHashBucket
	PageTuple
)

func (t PageType) String() string {
	switch t {
	case PageFree:
		return "free"
	case PageDirectory:
		return "directory"
	case PageHashDirectory:
		return "hashDirectory"
	case PageHashBucket:
		return "hashBucket"
	case PageTuple:
		return "tuple"
	default:
		return "unknown"
	}
}

// PageHeaderSize is the fixed, serialized size of Header.
const PageHeaderSize = 4 + 4 + 4 + 4 + 1

// Header is the fixed layout every formatted page begins with:
// magic, a reserved crc32, the page's own id, a reserved lsn, and the
// page's type. magic is the sentinel that tells pin() a page is
// formatted at all; crc32 and lsn are reserved for a future write-
// ahead log and are written as zero today.
type Header struct {
	Magic    uint32
	Crc32    uint32
	PageID   uint32
	Lsn      uint32
	PageType PageType
}

// Formatted reports whether h was ever written by Allocate.
func (h Header) Formatted() bool { return h.Magic == PageMagic }

func (h Header) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Crc32)
	binary.LittleEndian.PutUint32(buf[8:12], h.PageID)
	binary.LittleEndian.PutUint32(buf[12:16], h.Lsn)
	buf[16] = byte(h.PageType)
}

func decodeHeader(buf []byte) Header {
	return Header{
		Magic:    binary.LittleEndian.Uint32(buf[0:4]),
		Crc32:    binary.LittleEndian.Uint32(buf[4:8]),
		PageID:   binary.LittleEndian.Uint32(buf[8:12]),
		Lsn:      binary.LittleEndian.Uint32(buf[12:16]),
		PageType: PageType(buf[16]),
	}
}

// PageDataSize is how many bytes of a page remain for payload once
// the header is accounted for.
const PageDataSize = PageSize - PageHeaderSize

package heapdb

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"
)

// FileHeaderSize is the size, in bytes, of the short header written
// once at the start of the backing file.
const FileHeaderSize = 2 + 2

// FileHeader is read or written exactly once, when a backing file is
// opened. A mismatched PageSize fails the open with ErrInvalidPageSize
// rather than silently reinterpreting an incompatible file.
type FileHeader struct {
	Version  uint16
	PageSize uint16
}

func (h FileHeader) encode() []byte {
	buf := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Version)
	binary.LittleEndian.PutUint16(buf[2:4], h.PageSize)
	return buf
}

func decodeFileHeader(buf []byte) FileHeader {
	return FileHeader{
		Version:  binary.LittleEndian.Uint16(buf[0:2]),
		PageSize: binary.LittleEndian.Uint16(buf[2:4]),
	}
}

// FileAccessor is the thinnest shim the buffer pool needs over a
// single backing file: positioned whole-page reads and writes, plus
// size/extend bookkeeping. It carries no page semantics and does no
// caching of its own — that is the buffer pool's job.
type FileAccessor interface {
	// ReadAll reads exactly PageSize bytes for pageID into buf. If the
	// page lies past the current end of file, buf is filled with
	// zeroes. MemFileAccessor also zero-extends the file first;
	// DirectFileAccessor does not extend the file and only records the
	// larger logical size.
	ReadAll(pageID uint32, buf []byte) error
	// WriteAll writes exactly PageSize bytes for pageID from buf.
	WriteAll(pageID uint32, buf []byte) error
	// Size returns the current size of the file, header included.
	Size() (int64, error)
	// Extend grows the file to newSize, zero-filling the new region.
	Extend(newSize int64) error
	Close() error
}

// headerRegionSize is how much of the front of the backing file is
// reserved for FileHeader, padded out to a full page. Reserving a
// whole page rather than just FileHeaderSize's 4 bytes keeps every
// page's offset, header included, a multiple of PageSize — required
// for O_DIRECT's aligned-offset rule once DirectFileAccessor is in
// play, and harmless overhead for MemFileAccessor.
const headerRegionSize = PageSize

func pageOffset(pageID uint32) int64 {
	return int64(headerRegionSize) + int64(pageID)*int64(PageSize)
}

// openHeader reads an existing header via r, or formats and writes
// one via w when the file was empty. CurSize is the file's size at
// open time.
func openHeader(r io.ReaderAt, w io.WriterAt, curSize int64) error {
	if curSize >= int64(FileHeaderSize) {
		buf := make([]byte, FileHeaderSize)
		if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
			return newErr("openHeader", ErrIO, err)
		}
		hdr := decodeFileHeader(buf)
		if hdr.PageSize != 0 && hdr.PageSize != PageSize {
			return newErr("openHeader", ErrInvalidPageSize, nil)
		}
		if hdr.PageSize == PageSize {
			return nil
		}
	}
	hdr := FileHeader{Version: 1, PageSize: PageSize}
	if _, err := w.WriteAt(hdr.encode(), 0); err != nil {
		return newErr("openHeader", ErrIO, err)
	}
	return nil
}

// openHeaderDirect is openHeader's counterpart for an O_DIRECT fd: the
// small FileHeader payload can't be read or written on its own since
// O_DIRECT needs both the offset and the buffer length aligned to
// directio.AlignSize. It reads/writes a full headerRegionSize-sized
// aligned block at offset 0 instead, with the encoded header living in
// the block's first FileHeaderSize bytes.
func openHeaderDirect(f *os.File, curSize int64) error {
	block := directio.AlignedBlock(headerRegionSize)
	if curSize >= int64(headerRegionSize) {
		if _, err := f.ReadAt(block, 0); err != nil && err != io.EOF {
			return newErr("openHeaderDirect", ErrIO, err)
		}
		hdr := decodeFileHeader(block[:FileHeaderSize])
		if hdr.PageSize != 0 && hdr.PageSize != PageSize {
			return newErr("openHeaderDirect", ErrInvalidPageSize, nil)
		}
		if hdr.PageSize == PageSize {
			return nil
		}
	}
	hdr := FileHeader{Version: 1, PageSize: PageSize}
	copy(block, hdr.encode())
	if _, err := f.WriteAt(block, 0); err != nil {
		return newErr("openHeaderDirect", ErrIO, err)
	}
	return nil
}

// zeroExtendIfNeeded grows the backing store up to offset+PageSize,
// zero-filling any gap, so ReadAt/WriteAt of a not-yet-written page
// behaves like reading/writing a sparse region of zeroes.
func zeroExtendIfNeeded(w io.WriterAt, curSize, want int64) error {
	if want <= curSize {
		return nil
	}
	if _, err := w.WriteAt([]byte{0}, want-1); err != nil {
		return newErr("extend", ErrIO, err)
	}
	return nil
}

// DirectFileAccessor backs a FileAccessor with a real file opened via
// ncw/directio, which requests O_DIRECT (or the nearest platform
// equivalent) so page-aligned reads and writes can bypass the OS page
// cache. Every read and write goes through a directio.AlignedBlock
// scratch buffer sized to PageSize, since O_DIRECT requires aligned
// buffers on most platforms. When PageSize isn't a multiple of
// directio.AlignSize, direct I/O can't be used safely and
// OpenDirectFileAccessor falls back to a conventional *os.File.
type DirectFileAccessor struct {
	f    *os.File
	size int64
}

// OpenDirectFileAccessor opens or creates path as the engine's
// backing file and validates (or writes) its header.
func OpenDirectFileAccessor(path string) (*DirectFileAccessor, error) {
	var f *os.File
	var err error
	if PageSize%directio.AlignSize == 0 {
		f, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	}
	if err != nil {
		return nil, newErr("OpenDirectFileAccessor", ErrIO, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newErr("OpenDirectFileAccessor", ErrIO, err)
	}
	d := &DirectFileAccessor{f: f, size: info.Size()}
	if PageSize%directio.AlignSize == 0 {
		err = openHeaderDirect(f, d.size)
	} else {
		err = openHeader(f, f, d.size)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < int64(headerRegionSize) {
		d.size = int64(headerRegionSize)
	}
	return d, nil
}

func (d *DirectFileAccessor) ReadAll(pageID uint32, buf []byte) error {
	off := pageOffset(pageID)
	// No zero-extend here: ReadAt past the real end of an O_DIRECT fd
	// returns io.EOF, which is treated below the same as a page that
	// was never written, and a real extending write would itself need
	// an aligned length, which a lazily-discovered short read doesn't
	// have. d.size is still tracked so Size() reports the logical
	// extent the engine believes in.
	if off+int64(PageSize) > d.size {
		d.size = off + int64(PageSize)
	}
	block := directio.AlignedBlock(PageSize)
	if _, err := d.f.ReadAt(block, off); err != nil && err != io.EOF {
		return newErr("ReadAll", ErrIO, err)
	}
	copy(buf, block)
	return nil
}

func (d *DirectFileAccessor) WriteAll(pageID uint32, buf []byte) error {
	off := pageOffset(pageID)
	block := directio.AlignedBlock(PageSize)
	copy(block, buf)
	if _, err := d.f.WriteAt(block, off); err != nil {
		return newErr("WriteAll", ErrIO, err)
	}
	if off+int64(PageSize) > d.size {
		d.size = off + int64(PageSize)
	}
	return nil
}

func (d *DirectFileAccessor) Size() (int64, error) { return d.size, nil }

func (d *DirectFileAccessor) Extend(newSize int64) error {
	if err := zeroExtendIfNeeded(d.f, d.size, newSize); err != nil {
		return err
	}
	if newSize > d.size {
		d.size = newSize
	}
	return nil
}

func (d *DirectFileAccessor) Close() error { return d.f.Close() }

// MemFileAccessor backs a FileAccessor with dsnet/golib/memfile's
// in-memory file, so tests exercise the exact same read/write/extend
// code paths the buffer pool uses without touching the filesystem.
type MemFileAccessor struct {
	f    *memfile.File
	size int64
}

// NewMemFileAccessor creates an empty in-memory backing file.
func NewMemFileAccessor() (*MemFileAccessor, error) {
	m := &MemFileAccessor{f: memfile.New(nil)}
	if err := openHeader(m.f, m.f, 0); err != nil {
		return nil, err
	}
	m.size = int64(headerRegionSize)
	return m, nil
}

func (m *MemFileAccessor) ReadAll(pageID uint32, buf []byte) error {
	off := pageOffset(pageID)
	if err := zeroExtendIfNeeded(m.f, m.size, off+int64(PageSize)); err != nil {
		return err
	}
	if off+int64(PageSize) > m.size {
		m.size = off + int64(PageSize)
	}
	if _, err := m.f.ReadAt(buf[:PageSize], off); err != nil && err != io.EOF {
		return newErr("ReadAll", ErrIO, err)
	}
	return nil
}

func (m *MemFileAccessor) WriteAll(pageID uint32, buf []byte) error {
	off := pageOffset(pageID)
	if _, err := m.f.WriteAt(buf[:PageSize], off); err != nil {
		return newErr("WriteAll", ErrIO, err)
	}
	if off+int64(PageSize) > m.size {
		m.size = off + int64(PageSize)
	}
	return nil
}

func (m *MemFileAccessor) Size() (int64, error) { return m.size, nil }

func (m *MemFileAccessor) Extend(newSize int64) error {
	if err := zeroExtendIfNeeded(m.f, m.size, newSize); err != nil {
		return err
	}
	if newSize > m.size {
		m.size = newSize
	}
	return nil
}

func (m *MemFileAccessor) Close() error { return m.f.Close() }

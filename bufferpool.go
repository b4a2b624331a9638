package heapdb

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// BufferManager owns a fixed set of frames over one backing file and
// the page directory embedded in that same file, starting at page 0.
// All disk I/O happens while poolLatch is held, which serializes
// access to the backing file; poolLatch is released before any
// caller-facing frame latch is acquired, so the pool cannot deadlock
// with itself across goroutines.
type BufferManager struct {
	acc       FileAccessor
	frames    []*Frame
	poolLatch Latch
	opCounter atomic.Uint64
	head      *Frame // page 0, pinned for the lifetime of the pool
}

// Init creates a buffer pool of nFrames frames over acc, formatting
// page 0 as the head of the page directory if acc's backing file is
// new, or validating it if not.
func Init(acc FileAccessor, nFrames int) (*BufferManager, error) {
	if nFrames < 2 {
		panic(fmt.Sprintf("heapdb: buffer pool too small: %d frames", nFrames))
	}
	bm := &BufferManager{acc: acc, frames: make([]*Frame, nFrames)}
	for i := range bm.frames {
		bm.frames[i] = newFrame()
	}

	guard := bm.poolLatch.Exclusive()
	defer guard.Release()

	head, err := bm.pinImpl(0, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case !head.header.Formatted():
		formatDirectoryPage(head, 0)
		head.MarkDirty()
	case head.header.PageType != PageDirectory:
		return nil, newErr("Init", ErrPageTypeMismatch, nil)
	}
	bm.head = head

	slog.Info("buffer pool initialized", "frames", nFrames, "page_size", PageSize)
	return bm, nil
}

func typeMatches(actual PageType, expected *PageType) bool {
	if expected == nil {
		return true
	}
	return actual == PageFree || actual == *expected
}

func ptype(t PageType) *PageType { return &t }

// pinImpl is pin()'s body, assuming the caller already holds
// poolLatch exclusively. allocate and free call this re-entrantly
// while walking the directory chain, which is why it is split out
// from the public, lock-acquiring Pin.
func (bm *BufferManager) pinImpl(pageID uint32, expected *PageType) (*Frame, error) {
	for _, f := range bm.frames {
		if f.live && f.header.PageID == pageID {
			if !typeMatches(f.header.PageType, expected) {
				return nil, newErr("pin", ErrPageTypeMismatch, nil)
			}
			f.pins.Add(1)
			bm.opCounter.Add(1)
			f.lastAccess = bm.opCounter.Load()
			return f, nil
		}
	}

	var victim *Frame
	for _, f := range bm.frames {
		if !f.live {
			victim = f
			break
		}
	}
	if victim == nil {
		for _, f := range bm.frames {
			if f.pinCount() == 0 && (victim == nil || f.lastAccess < victim.lastAccess) {
				victim = f
			}
		}
	}
	if victim == nil {
		return nil, newErr("pin", ErrFull, nil)
	}

	if victim.live && victim.dirty {
		sg := victim.latch.Shared()
		victim.writeHeader()
		err := bm.acc.WriteAll(victim.header.PageID, victim.buf)
		sg.Release()
		if err != nil {
			return nil, err
		}
		victim.dirty = false
	}

	if err := bm.acc.ReadAll(pageID, victim.buf); err != nil {
		return nil, err
	}
	hdr := decodeHeader(victim.buf)
	if hdr.Formatted() {
		if hdr.PageID != pageID {
			return nil, newErr("pin", ErrInvalid, nil)
		}
		if !typeMatches(hdr.PageType, expected) {
			return nil, newErr("pin", ErrPageTypeMismatch, nil)
		}
	} else {
		hdr = Header{}
	}
	hdr.PageID = pageID

	bm.opCounter.Add(1)
	victim.header = hdr
	victim.live = true
	victim.dirty = false
	victim.pins.Store(1)
	victim.lastAccess = bm.opCounter.Load()
	victim.latch = Latch{}
	return victim, nil
}

// Pin loads (or finds already resident) the frame for pageID,
// incrementing its pin count. If expectedType is non-nil, the loaded
// page must be PageFree or have that exact type.
func (bm *BufferManager) Pin(pageID uint32, expectedType *PageType) (*Frame, error) {
	guard := bm.poolLatch.Exclusive()
	defer guard.Release()
	return bm.pinImpl(pageID, expectedType)
}

// Unpin decrements f's pin count. It performs no I/O and does not
// require poolLatch.
func (bm *BufferManager) Unpin(f *Frame) {
	f.pins.Add(-1)
}

// allocateImpl is Allocate's body; see Allocate.
func (bm *BufferManager) allocateImpl(pageType PageType) (*Frame, error) {
	dir := bm.head
	for {
		sg := dir.latch.Shared()
		dp := directoryPage{data: dir.Data()}
		full := dp.full()
		next := dp.next()
		sg.Release()

		if full {
			if next == 0 {
				eg := dir.latch.Exclusive()
				newDirID := dir.header.PageID + NPagesPerDir
				dp.setNext(newDirID)
				dir.MarkDirty()
				eg.Release()

				newDir, err := bm.pinImpl(newDirID, nil)
				if err != nil {
					return nil, err
				}
				formatDirectoryPage(newDir, newDirID)
				newDir.MarkDirty()
				slog.Info("page directory grew", "new_directory_page", newDirID)

				if dir != bm.head {
					bm.Unpin(dir)
				}
				dir = newDir
				continue
			}
			nextDir, err := bm.pinImpl(next, ptype(PageDirectory))
			if err != nil {
				return nil, err
			}
			if dir != bm.head {
				bm.Unpin(dir)
			}
			dir = nextDir
			continue
		}

		eg := dir.latch.Exclusive()
		dp = directoryPage{data: dir.Data()}
		pageID, ok := dp.firstFree(dir.header.PageID)
		if !ok {
			eg.Release()
			panic("heapdb: corrupt directory page: full() said not full but no free bit found")
		}
		dp.setFree(dir.header.PageID, pageID, false)
		dir.MarkDirty()
		eg.Release()

		if dir != bm.head {
			bm.Unpin(dir)
		}

		frame, err := bm.pinImpl(pageID, ptype(pageType))
		if err != nil {
			return nil, err
		}
		frame.header = Header{Magic: PageMagic, PageID: pageID, PageType: pageType}
		frame.writeHeader()
		frame.MarkDirty()
		return frame, nil
	}
}

// Allocate obtains a fresh page id from the page directory, formats
// it with the given type, and returns it pinned.
func (bm *BufferManager) Allocate(pageType PageType) (*Frame, error) {
	guard := bm.poolLatch.Exclusive()
	defer guard.Release()
	return bm.allocateImpl(pageType)
}

// Free returns pageID to the page directory's free list and marks its
// type PageFree. The page must have no outstanding pins: Free takes
// out one pin of its own, and any other pin fails the call with
// ErrCannotFree.
func (bm *BufferManager) Free(pageID uint32) error {
	guard := bm.poolLatch.Exclusive()
	defer guard.Release()

	dir := bm.head
	for {
		lo := dir.header.PageID
		hi := lo + NPagesPerDir
		if pageID > lo && pageID <= hi {
			eg := dir.latch.Exclusive()
			dp := directoryPage{data: dir.Data()}
			dp.setFree(lo, pageID, true)
			dir.MarkDirty()
			eg.Release()
			if dir != bm.head {
				bm.Unpin(dir)
			}

			target, err := bm.pinImpl(pageID, nil)
			if err != nil {
				return err
			}
			if target.pinCount() != 1 {
				bm.Unpin(target)
				return newErr("Free", ErrCannotFree, nil)
			}
			target.header.PageType = PageFree
			target.writeHeader()
			target.MarkDirty()
			bm.Unpin(target)
			return nil
		}

		sg := dir.latch.Shared()
		next := directoryPage{data: dir.Data()}.next()
		sg.Release()
		if next == 0 {
			return newErr("Free", ErrPageNotFound, nil)
		}
		nextDir, err := bm.pinImpl(next, ptype(PageDirectory))
		if err != nil {
			return err
		}
		if dir != bm.head {
			bm.Unpin(dir)
		}
		dir = nextDir
	}
}

// LatchedPage composes a pin with a latch acquisition. Release
// releases the latch and unpins the frame; it must be called exactly
// once, on every exit path.
type LatchedPage struct {
	bm     *BufferManager
	Frame  *Frame
	shared bool
	sg     SharedGuard
	eg     ExclusiveGuard
}

// Release unlatches and unpins the page.
func (lp *LatchedPage) Release() {
	if lp.shared {
		lp.sg.Release()
	} else {
		lp.eg.Release()
	}
	lp.bm.Unpin(lp.Frame)
}

// PinLatched pins pageID and acquires its frame latch, shared or
// exclusive as requested.
func (bm *BufferManager) PinLatched(pageID uint32, expectedType *PageType, shared bool) (*LatchedPage, error) {
	f, err := bm.Pin(pageID, expectedType)
	if err != nil {
		return nil, err
	}
	lp := &LatchedPage{bm: bm, Frame: f, shared: shared}
	if shared {
		lp.sg = f.latch.Shared()
	} else {
		lp.eg = f.latch.Exclusive()
	}
	return lp, nil
}

// AllocLatched allocates a fresh page of pageType and returns it
// already exclusively latched, ready for the caller to format.
func (bm *BufferManager) AllocLatched(pageType PageType) (*LatchedPage, error) {
	f, err := bm.Allocate(pageType)
	if err != nil {
		return nil, err
	}
	return &LatchedPage{bm: bm, Frame: f, shared: false, eg: f.latch.Exclusive()}, nil
}

// Stats is a read-only snapshot of pool occupancy, in the spirit of a
// pool audit: how many frames are in use, dirty, or pinned right now.
type Stats struct {
	Frames      int
	Live        int
	Dirty       int
	PinnedTotal int64
}

// Stats reports current pool occupancy.
func (bm *BufferManager) Stats() Stats {
	guard := bm.poolLatch.Exclusive()
	defer guard.Release()
	s := Stats{Frames: len(bm.frames)}
	for _, f := range bm.frames {
		if f.live {
			s.Live++
		}
		if f.dirty {
			s.Dirty++
		}
		s.PinnedTotal += f.pinCount()
	}
	return s
}

// Close flushes every dirty frame back to the backing file and closes
// it. It does not panic on outstanding pins; callers are expected to
// have released them first.
func (bm *BufferManager) Close() error {
	guard := bm.poolLatch.Exclusive()
	defer guard.Release()

	flushed := 0
	for _, f := range bm.frames {
		if f.live && f.dirty {
			f.writeHeader()
			if err := bm.acc.WriteAll(f.header.PageID, f.buf); err != nil {
				return err
			}
			f.dirty = false
			flushed++
		}
	}
	slog.Info("buffer pool closing", "dirty_pages_flushed", flushed)
	return bm.acc.Close()
}

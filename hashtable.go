package heapdb

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// hashDirEntrySize is the per-slot cost in a hash directory page: one
// byte of local depth, one page id for the bucket it points at, and
// one byte of page_loads telemetry.
const hashDirEntrySize = 1 + 4 + 1

// hashDirHeaderSize is the fixed global_depth field at the front of a
// hash directory page's payload.
const hashDirHeaderSize = 4

// MaxHashDirSlots is how many directory slots fit in one hash
// directory page. The engine does not chain hash directory pages, so
// a table's maximum global depth is bounded by this.
const MaxHashDirSlots = (PageDataSize - hashDirHeaderSize) / hashDirEntrySize

// hashDirectoryPage is a view over a pinned hash directory page's
// payload: a global depth plus, for each of up to MaxHashDirSlots
// slots, a local depth, the page id of the bucket it points at, and a
// saturating load counter.
type hashDirectoryPage struct {
	data []byte
}

func (d hashDirectoryPage) globalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.data[0:4])
}

func (d hashDirectoryPage) setGlobalDepth(v uint32) {
	binary.LittleEndian.PutUint32(d.data[0:4], v)
}

func (d hashDirectoryPage) localDepths() []byte {
	return d.data[hashDirHeaderSize : hashDirHeaderSize+MaxHashDirSlots]
}

func (d hashDirectoryPage) bucketIDs() []byte {
	start := hashDirHeaderSize + MaxHashDirSlots
	return d.data[start : start+MaxHashDirSlots*4]
}

func (d hashDirectoryPage) loads() []byte {
	start := hashDirHeaderSize + MaxHashDirSlots + MaxHashDirSlots*4
	return d.data[start : start+MaxHashDirSlots]
}

func (d hashDirectoryPage) localDepth(i uint32) uint8 { return d.localDepths()[i] }

func (d hashDirectoryPage) setLocalDepth(i uint32, v uint8) { d.localDepths()[i] = v }

func (d hashDirectoryPage) bucketPageID(i uint32) uint32 {
	b := d.bucketIDs()
	return binary.LittleEndian.Uint32(b[i*4 : i*4+4])
}

func (d hashDirectoryPage) setBucketPageID(i uint32, v uint32) {
	b := d.bucketIDs()
	binary.LittleEndian.PutUint32(b[i*4:i*4+4], v)
}

func (d hashDirectoryPage) pageLoads(i uint32) uint8 { return d.loads()[i] }

func (d hashDirectoryPage) bumpLoad(i uint32) {
	l := d.loads()
	if l[i] < 255 {
		l[i]++
	}
}

func (d hashDirectoryPage) size() uint32 { return uint32(1) << d.globalDepth() }

func formatHashDirectoryPage(f *Frame, pageID, firstBucketID uint32) {
	f.header = Header{Magic: PageMagic, PageID: pageID, PageType: PageHashDirectory}
	f.writeHeader()
	dp := hashDirectoryPage{data: f.Data()}
	dp.setGlobalDepth(0)
	dp.setLocalDepth(0, 0)
	dp.setBucketPageID(0, firstBucketID)
	f.MarkDirty()
}

// growDirectory doubles a hash directory's slot count, the way a
// fresh pair of buddy indices is carved out of an existing one: the
// highest index currently in use, (1<<depth)-1, becomes (last<<1)+1
// once depth increases, and every existing slot's bucket pointer and
// local depth is duplicated into the new slot that shares its old
// index's low bits.
func growDirectory(dp hashDirectoryPage) error {
	oldSize := dp.size()
	oldLast := oldSize - 1
	newLast := (oldLast << 1) + 1
	if newLast >= MaxHashDirSlots {
		return newErr("growDirectory", ErrFull, nil)
	}
	for i := int64(oldSize) - 1; i >= 0; i-- {
		ld := dp.localDepth(uint32(i))
		bp := dp.bucketPageID(uint32(i))
		dp.setLocalDepth(uint32(i)*2, ld)
		dp.setBucketPageID(uint32(i)*2, bp)
		dp.setLocalDepth(uint32(i)*2+1, ld)
		dp.setBucketPageID(uint32(i)*2+1, bp)
	}
	dp.setGlobalDepth(dp.globalDepth() + 1)
	return nil
}

func getBit(region []byte, i int) bool { return region[i/8]&(1<<uint(i%8)) != 0 }

func setBit(region []byte, i int, v bool) {
	if v {
		region[i/8] |= 1 << uint(i%8)
	} else {
		region[i/8] &^= 1 << uint(i%8)
	}
}

// hashBucketView interprets a page's payload as an open-addressed
// bucket: two parallel bitsets (occupied, readable) followed by a flat
// array of capacity (key,value) pairs. occupied marks a slot as part
// of the probe chain until a split rebuilds the bucket; readable marks whether the
// slot currently holds a live value. A lookup's probe walks while
// occupied is set and only reports matches where readable is also
// set, so a deleted slot does not break the chain for entries that
// probed past it.
type hashBucketView struct {
	data     []byte
	capacity int
	keySize  int
	valSize  int
}

func bucketBitsetBytes(capacity int) int { return (capacity + 7) / 8 }

func newHashBucketView(data []byte, capacity, keySize, valSize int) hashBucketView {
	return hashBucketView{data: data, capacity: capacity, keySize: keySize, valSize: valSize}
}

func (b hashBucketView) occupiedRegion() []byte {
	n := bucketBitsetBytes(b.capacity)
	return b.data[0:n]
}

func (b hashBucketView) readableRegion() []byte {
	n := bucketBitsetBytes(b.capacity)
	return b.data[n : 2*n]
}

func (b hashBucketView) entriesRegion() []byte {
	n := bucketBitsetBytes(b.capacity)
	return b.data[2*n:]
}

func (b hashBucketView) entrySize() int { return b.keySize + b.valSize }

func (b hashBucketView) occupied(i int) bool     { return getBit(b.occupiedRegion(), i) }
func (b hashBucketView) setOccupied(i int, v bool) { setBit(b.occupiedRegion(), i, v) }
func (b hashBucketView) readable(i int) bool     { return getBit(b.readableRegion(), i) }
func (b hashBucketView) setReadable(i int, v bool) { setBit(b.readableRegion(), i, v) }

func (b hashBucketView) keyAt(i int) []byte {
	es := b.entrySize()
	off := i * es
	return b.entriesRegion()[off : off+b.keySize]
}

func (b hashBucketView) valAt(i int) []byte {
	es := b.entrySize()
	off := i * es
	return b.entriesRegion()[off+b.keySize : off+es]
}

func (b hashBucketView) setEntry(i int, key, val []byte) {
	copy(b.keyAt(i), key)
	copy(b.valAt(i), val)
}

func (b hashBucketView) full() bool {
	for i := 0; i < b.capacity; i++ {
		if !b.readable(i) {
			return false
		}
	}
	return true
}

func formatHashBucketPage(f *Frame, pageID uint32) {
	f.header = Header{Magic: PageMagic, PageID: pageID, PageType: PageHashBucket}
	f.writeHeader()
	data := f.Data()
	for i := range data {
		data[i] = 0
	}
	f.MarkDirty()
}

// bucketCapacity returns how many (key,value) pairs of the given
// combined entry size fit in one page's payload alongside their
// occupied/readable bitsets.
func bucketCapacity(entrySize int) int {
	n := PageDataSize / entrySize
	for n > 0 {
		if 2*bucketBitsetBytes(n)+n*entrySize <= PageDataSize {
			return n
		}
		n--
	}
	return 0
}

// Codec describes how a HashTable encodes and decodes one fixed-width
// field, key or value, to and from its on-disk byte layout.
type Codec[T any] struct {
	Size   int
	Encode func(T) []byte
	Decode func([]byte) T
}

// Uint16Codec is a Codec for uint16 keys or values, stored little-
// endian.
func Uint16Codec() Codec[uint16] {
	return Codec[uint16]{
		Size: 2,
		Encode: func(v uint16) []byte {
			b := make([]byte, 2)
			binary.LittleEndian.PutUint16(b, v)
			return b
		},
		Decode: func(b []byte) uint16 { return binary.LittleEndian.Uint16(b) },
	}
}

// Uint32Codec is a Codec for uint32 keys or values, stored little-
// endian.
func Uint32Codec() Codec[uint32] {
	return Codec[uint32]{
		Size: 4,
		Encode: func(v uint32) []byte {
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, v)
			return b
		},
		Decode: func(b []byte) uint32 { return binary.LittleEndian.Uint32(b) },
	}
}

// Uint64Codec is a Codec for uint64 keys or values, stored little-
// endian.
func Uint64Codec() Codec[uint64] {
	return Codec[uint64]{
		Size: 8,
		Encode: func(v uint64) []byte {
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, v)
			return b
		},
		Decode: func(b []byte) uint64 { return binary.LittleEndian.Uint64(b) },
	}
}

// FixedBytesCodec is a Codec for keys or values that are themselves
// fixed-size byte slices, e.g. a [256]byte record handle. Short inputs
// to Encode are zero-padded; Decode always returns exactly size bytes.
func FixedBytesCodec(size int) Codec[[]byte] {
	return Codec[[]byte]{
		Size: size,
		Encode: func(v []byte) []byte {
			out := make([]byte, size)
			copy(out, v)
			return out
		},
		Decode: func(b []byte) []byte {
			out := make([]byte, size)
			copy(out, b)
			return out
		},
	}
}

// HashTable is an on-disk extendible hash multimap: one hash
// directory page fans out to bucket pages by the low bits of
// xxhash(key), doubling and splitting as buckets fill. structLatch
// serializes directory-structure changes (growth and splits) across
// goroutines sharing one HashTable; it is acquired before the
// directory frame's own latch and any bucket frame's latch.
type HashTable[K, V any] struct {
	bm          *BufferManager
	dirPageID   uint32
	keyCodec    Codec[K]
	valCodec    Codec[V]
	capacity    int
	structLatch Latch
}

// NewHashTable allocates a fresh hash directory page and its first
// bucket page, and returns a table backed by them.
func NewHashTable[K, V any](bm *BufferManager, keyCodec Codec[K], valCodec Codec[V]) (*HashTable[K, V], error) {
	bucketLP, err := bm.AllocLatched(PageHashBucket)
	if err != nil {
		return nil, err
	}
	formatHashBucketPage(bucketLP.Frame, bucketLP.Frame.PageID())
	bucketID := bucketLP.Frame.PageID()
	bucketLP.Release()

	dirLP, err := bm.AllocLatched(PageHashDirectory)
	if err != nil {
		return nil, err
	}
	formatHashDirectoryPage(dirLP.Frame, dirLP.Frame.PageID(), bucketID)
	dirID := dirLP.Frame.PageID()
	dirLP.Release()

	return OpenHashTable(bm, dirID, keyCodec, valCodec)
}

// OpenHashTable attaches to an existing hash directory page previously
// returned by NewHashTable. The caller must supply the same key and
// value codecs the table was created with.
func OpenHashTable[K, V any](bm *BufferManager, dirPageID uint32, keyCodec Codec[K], valCodec Codec[V]) (*HashTable[K, V], error) {
	entrySize := keyCodec.Size + valCodec.Size
	capacity := bucketCapacity(entrySize)
	if capacity < 1 {
		return nil, newErr("OpenHashTable", ErrInvalid, nil)
	}
	return &HashTable[K, V]{
		bm:        bm,
		dirPageID: dirPageID,
		keyCodec:  keyCodec,
		valCodec:  valCodec,
		capacity:  capacity,
	}, nil
}

// DirectoryPageID returns the page id of this table's hash directory
// page, to be handed to OpenHashTable after a reopen.
func (ht *HashTable[K, V]) DirectoryPageID() uint32 { return ht.dirPageID }

func hashBytes(b []byte) uint64 { return xxhash.Sum64(b) }

func (ht *HashTable[K, V]) locate(dp hashDirectoryPage, h uint64) (dirIdx uint32, bucketID uint32, probeStart int) {
	gd := dp.globalDepth()
	mask := (uint64(1) << gd) - 1
	dirIdx = uint32(h & mask)
	bucketID = dp.bucketPageID(dirIdx)
	probeStart = int((h >> gd) % uint64(ht.capacity))
	return
}

// insertAt finds the first non-readable slot along the probe sequence
// starting at probeStart and writes (kb, vb) there. A non-readable
// slot is either never-occupied or a tombstone left by Remove; either
// way it is free to reuse, and outside split's rebuild of a bucket
// occupied only ever transitions false to true, so reusing a tombstone
// cannot shorten another key's probe chain.
func (ht *HashTable[K, V]) insertAt(bv hashBucketView, probeStart int, kb, vb []byte) bool {
	for step := 0; step < bv.capacity; step++ {
		i := (probeStart + step) % bv.capacity
		if !bv.readable(i) {
			bv.setOccupied(i, true)
			bv.setReadable(i, true)
			bv.setEntry(i, kb, vb)
			return true
		}
	}
	return false
}

// Put inserts (key, val) into the multimap. Duplicate (key, val) pairs
// are stored as separate entries, consistent with multimap semantics.
func (ht *HashTable[K, V]) Put(key K, val V) error {
	kb := ht.keyCodec.Encode(key)
	vb := ht.valCodec.Encode(val)

	eg := ht.structLatch.Exclusive()
	defer eg.Release()

	for {
		dirLP, err := ht.bm.PinLatched(ht.dirPageID, ptype(PageHashDirectory), false)
		if err != nil {
			return err
		}
		dp := hashDirectoryPage{data: dirLP.Frame.Data()}
		h := hashBytes(kb)
		dirIdx, bucketID, probeStart := ht.locate(dp, h)
		dp.bumpLoad(dirIdx)
		dirLP.Frame.MarkDirty()

		bucketLP, err := ht.bm.PinLatched(bucketID, ptype(PageHashBucket), false)
		if err != nil {
			dirLP.Release()
			return err
		}
		bv := newHashBucketView(bucketLP.Frame.Data(), ht.capacity, ht.keyCodec.Size, ht.valCodec.Size)

		if ht.insertAt(bv, probeStart, kb, vb) {
			bucketLP.Frame.MarkDirty()
			bucketLP.Release()
			dirLP.Release()
			return nil
		}
		bucketLP.Release()

		if err := ht.split(dirLP, dp, dirIdx); err != nil {
			dirLP.Release()
			return err
		}
		dirLP.Release()
	}
}

// split grows the directory if the full bucket at dirIdx has no room
// left to gain a sibling, carves out (or reuses) the sibling slot, and
// rehashes every live entry from the old bucket between it and its new
// sibling.
func (ht *HashTable[K, V]) split(dirLP *LatchedPage, dp hashDirectoryPage, dirIdx uint32) error {
	bucketID := dp.bucketPageID(dirIdx)
	localDepth := dp.localDepth(dirIdx)
	if localDepth == uint8(dp.globalDepth()) {
		if err := growDirectory(dp); err != nil {
			return err
		}
		dirLP.Frame.MarkDirty()
	}

	newLocalDepth := localDepth + 1
	newBucketLP, err := ht.bm.AllocLatched(PageHashBucket)
	if err != nil {
		return err
	}
	formatHashBucketPage(newBucketLP.Frame, newBucketLP.Frame.PageID())
	newBucketID := newBucketLP.Frame.PageID()

	gd := dp.globalDepth()
	size := dp.size()
	splitBit := uint32(1) << localDepth
	for j := uint32(0); j < size; j++ {
		if dp.bucketPageID(j) != bucketID {
			continue
		}
		dp.setLocalDepth(j, newLocalDepth)
		if j&splitBit != 0 {
			dp.setBucketPageID(j, newBucketID)
		}
	}
	dirLP.Frame.MarkDirty()

	oldBucketLP, err := ht.bm.PinLatched(bucketID, ptype(PageHashBucket), false)
	if err != nil {
		newBucketLP.Release()
		return err
	}
	oldBV := newHashBucketView(oldBucketLP.Frame.Data(), ht.capacity, ht.keyCodec.Size, ht.valCodec.Size)
	newBV := newHashBucketView(newBucketLP.Frame.Data(), ht.capacity, ht.keyCodec.Size, ht.valCodec.Size)

	type kv struct{ k, v []byte }
	var live []kv
	for i := 0; i < ht.capacity; i++ {
		if oldBV.occupied(i) && oldBV.readable(i) {
			k := append([]byte(nil), oldBV.keyAt(i)...)
			v := append([]byte(nil), oldBV.valAt(i)...)
			live = append(live, kv{k, v})
		}
	}
	for i := 0; i < ht.capacity; i++ {
		oldBV.setOccupied(i, false)
		oldBV.setReadable(i, false)
	}

	mask := (uint64(1) << gd) - 1
	for _, e := range live {
		h := hashBytes(e.k)
		idx := uint32(h & mask)
		probeStart := int((h >> gd) % uint64(ht.capacity))
		target := oldBV
		if dp.bucketPageID(idx) == newBucketID {
			target = newBV
		}
		if !ht.insertAt(target, probeStart, e.k, e.v) {
			oldBucketLP.Frame.MarkDirty()
			newBucketLP.Frame.MarkDirty()
			oldBucketLP.Release()
			newBucketLP.Release()
			return newErr("split", ErrOutOfSpace, nil)
		}
	}

	oldBucketLP.Frame.MarkDirty()
	newBucketLP.Frame.MarkDirty()
	oldBucketLP.Release()
	newBucketLP.Release()
	return nil
}

// Get returns every value stored under key. It returns ErrRecordDoesntExist
// if key has no entries.
func (ht *HashTable[K, V]) Get(key K) ([]V, error) {
	kb := ht.keyCodec.Encode(key)

	sg := ht.structLatch.Shared()
	defer sg.Release()

	dirLP, err := ht.bm.PinLatched(ht.dirPageID, ptype(PageHashDirectory), true)
	if err != nil {
		return nil, err
	}
	dp := hashDirectoryPage{data: dirLP.Frame.Data()}
	h := hashBytes(kb)
	_, bucketID, probeStart := ht.locate(dp, h)
	dirLP.Release()

	bucketLP, err := ht.bm.PinLatched(bucketID, ptype(PageHashBucket), true)
	if err != nil {
		return nil, err
	}
	defer bucketLP.Release()
	bv := newHashBucketView(bucketLP.Frame.Data(), ht.capacity, ht.keyCodec.Size, ht.valCodec.Size)

	var out []V
	for step := 0; step < bv.capacity; step++ {
		i := (probeStart + step) % bv.capacity
		if !bv.occupied(i) {
			break
		}
		if bv.readable(i) && bytes.Equal(bv.keyAt(i), kb) {
			out = append(out, ht.valCodec.Decode(bv.valAt(i)))
		}
	}
	if len(out) == 0 {
		return nil, newErr("Get", ErrRecordDoesntExist, nil)
	}
	return out, nil
}

// Remove deletes the single (key, val) pair, if present. Deletion
// clears only the readable bit, leaving the slot occupied so later
// probes that walked past it during insertion still find their
// entries.
func (ht *HashTable[K, V]) Remove(key K, val V) error {
	kb := ht.keyCodec.Encode(key)
	vb := ht.valCodec.Encode(val)

	sg := ht.structLatch.Shared()
	defer sg.Release()

	dirLP, err := ht.bm.PinLatched(ht.dirPageID, ptype(PageHashDirectory), true)
	if err != nil {
		return err
	}
	dp := hashDirectoryPage{data: dirLP.Frame.Data()}
	h := hashBytes(kb)
	_, bucketID, probeStart := ht.locate(dp, h)
	dirLP.Release()

	bucketLP, err := ht.bm.PinLatched(bucketID, ptype(PageHashBucket), false)
	if err != nil {
		return err
	}
	defer bucketLP.Release()
	bv := newHashBucketView(bucketLP.Frame.Data(), ht.capacity, ht.keyCodec.Size, ht.valCodec.Size)

	for step := 0; step < bv.capacity; step++ {
		i := (probeStart + step) % bv.capacity
		if !bv.occupied(i) {
			break
		}
		if bv.readable(i) && bytes.Equal(bv.keyAt(i), kb) && bytes.Equal(bv.valAt(i), vb) {
			bv.setReadable(i, false)
			bucketLP.Frame.MarkDirty()
			return nil
		}
	}
	return newErr("Remove", ErrRecordDoesntExist, nil)
}

// Destroy frees every bucket page this table owns, then its directory
// page. The table must not be used afterward.
func (ht *HashTable[K, V]) Destroy() error {
	eg := ht.structLatch.Exclusive()
	defer eg.Release()

	dirLP, err := ht.bm.PinLatched(ht.dirPageID, ptype(PageHashDirectory), true)
	if err != nil {
		return err
	}
	dp := hashDirectoryPage{data: dirLP.Frame.Data()}
	size := dp.size()
	seen := make(map[uint32]bool)
	var buckets []uint32
	for i := uint32(0); i < size; i++ {
		id := dp.bucketPageID(i)
		if !seen[id] {
			seen[id] = true
			buckets = append(buckets, id)
		}
	}
	dirLP.Release()

	for _, id := range buckets {
		f, err := ht.bm.Pin(id, ptype(PageHashBucket))
		if err != nil {
			return err
		}
		ht.bm.Unpin(f)
		if err := ht.bm.Free(id); err != nil {
			return err
		}
	}
	f, err := ht.bm.Pin(ht.dirPageID, ptype(PageHashDirectory))
	if err != nil {
		return err
	}
	ht.bm.Unpin(f)
	return ht.bm.Free(ht.dirPageID)
}

// BucketLoad reports the saturating page_loads counter for the
// directory slot a key currently resolves to: how many times Put has
// resolved a pointer through that slot. It is diagnostic only and
// plays no role in split or lookup decisions.
func (ht *HashTable[K, V]) BucketLoad(key K) (uint8, error) {
	kb := ht.keyCodec.Encode(key)
	dirLP, err := ht.bm.PinLatched(ht.dirPageID, ptype(PageHashDirectory), true)
	if err != nil {
		return 0, err
	}
	defer dirLP.Release()
	dp := hashDirectoryPage{data: dirLP.Frame.Data()}
	h := hashBytes(kb)
	dirIdx, _, _ := ht.locate(dp, h)
	return dp.pageLoads(dirIdx), nil
}

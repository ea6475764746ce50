package packidx

import (
	"bytes"
	"encoding/binary"
	"slices"
	"unsafe"

	"golang.org/x/exp/mmap"
)

// Multi-pack-index header geometry and chunk identifiers.
const (
	midxHeaderLen = 12 // signature + version + hash kind + #chunks + reserved + #packs
	midxVersion   = 1

	chunkPNAM = 0x504e414d // 'PNAM' - pack names
	chunkOIDF = 0x4f494446 // 'OIDF' - object ID fan-out table
	chunkOIDL = 0x4f49444c // 'OIDL' - object ID list
	chunkOOFF = 0x4f4f4646 // 'OOFF' - object offsets
	chunkLOFF = 0x4c4f4646 // 'LOFF' - large object offsets
)

var midxSignature = []byte("MIDX")

// PackLocation identifies where an object lives: which pack, and at what
// byte offset inside it.
type PackLocation struct {
	// PackIndex is an index into the multi-index's sorted pack-name
	// table.
	PackIndex uint32

	// Offset is the absolute byte position of the object header inside
	// that pack.
	Offset uint64
}

// MultiIndex is a decoded multi-pack-index: one merged, sorted object
// table spanning every pack named in its pack table.
//
// The struct is immutable after OpenMultiIndex returns and safe for
// concurrent readers.
type MultiIndex struct {
	kind      HashKind
	packNames []string

	// fanout[b] == #objects whose first ID byte is ≤ b.
	fanout [fanoutEntries]uint32

	// objectIDs and locations run in parallel and have identical length.
	objectIDs []Hash
	locations []PackLocation

	checksum Hash
}

// HashKind returns the object-ID hash function the file was written with.
func (m *MultiIndex) HashKind() HashKind { return m.kind }

// NumObjects returns the number of unique objects covered by the index.
func (m *MultiIndex) NumObjects() uint32 { return m.fanout[fanoutEntries-1] }

// PackNames returns the sorted pack-index file names the index refers to.
// The slice must not be modified.
func (m *MultiIndex) PackNames() []string { return m.packNames }

// Checksum returns the trailing file checksum, verified during decoding.
func (m *MultiIndex) Checksum() Hash { return m.checksum }

// EntryAt returns the i-th object in lookup order with its location.
func (m *MultiIndex) EntryAt(i int) (Hash, PackLocation) {
	return m.objectIDs[i], m.locations[i]
}

// Fanout returns the cumulative count of objects whose first ID byte
// is ≤ b.
func (m *MultiIndex) Fanout(b byte) uint32 { return m.fanout[b] }

// Lookup locates h. The two-stage search mirrors the per-pack index: the
// fan-out table narrows the range, a binary search over the sorted ID
// slice finds the entry.
func (m *MultiIndex) Lookup(h Hash) (PackLocation, bool) {
	first := h[0]
	start := uint32(0)
	if first > 0 {
		start = m.fanout[first-1]
	}
	end := m.fanout[first]
	if start == end {
		return PackLocation{}, false
	}

	rel, hit := slices.BinarySearchFunc(m.objectIDs[start:end], h, compareHash)
	if !hit {
		return PackLocation{}, false
	}
	return m.locations[int(start)+rel], true
}

// OpenMultiIndex memory-maps, verifies, and decodes the multi-pack-index
// at path. Everything is copied into memory, so the mapping is released
// before the function returns.
func OpenMultiIndex(path string) (*MultiIndex, error) {
	mr, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer mr.Close()
	return parseMidx(mr)
}

// parseMidx decodes the file mapped in mr and returns a fully populated
// MultiIndex.
//
// Decoding order matters for safety: the header is validated first, then
// the trailing checksum over the entire preceding file, and only then are
// the chunks interpreted. A file that fails any step yields an error and
// no partially populated state. Chunk ids the parser does not recognize
// are skipped by their table-declared size.
func parseMidx(mr *mmap.ReaderAt) (*MultiIndex, error) {
	var hdr [midxHeaderLen]byte
	if _, err := mr.ReadAt(hdr[:], 0); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr[0:4], midxSignature) {
		return nil, corrupt("corrupt multi-index: signature mismatch")
	}
	if hdr[4] != midxVersion {
		return nil, &UnsupportedVersionError{Version: uint32(hdr[4])}
	}
	kind := HashKind(hdr[5])
	if !kind.valid() {
		return nil, corrupt("corrupt multi-index: unknown hash kind")
	}
	hashWidth := kind.Size()

	numChunks := int(hdr[6])
	packCount := int(binary.BigEndian.Uint32(hdr[8:12]))

	size := int64(mr.Len())
	if size < midxHeaderLen+int64(numChunks+1)*chunkRecordSize+int64(hashWidth) {
		return nil, corrupt("corrupt multi-index: file too small for chunk table")
	}

	// Verify the trailing checksum before trusting any chunk.
	trailer := make([]byte, hashWidth)
	if _, err := mr.ReadAt(trailer, size-int64(hashWidth)); err != nil {
		return nil, err
	}
	got, err := computeChecksum(mr, size-int64(hashWidth), kind)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(got[:hashWidth], trailer) {
		return nil, ErrBadChecksum
	}

	table, err := readChunkTable(mr, midxHeaderLen, numChunks, size-int64(hashWidth))
	if err != nil {
		return nil, err
	}

	packNames, err := readPackNames(mr, table, packCount)
	if err != nil {
		return nil, err
	}

	// OIDF.
	fanOff, fanSize, ok := table.offsetAndSize(chunkOIDF)
	if !ok || fanSize < fanoutSize {
		return nil, corrupt("corrupt multi-index: fan-out chunk missing or short")
	}
	var fanout [fanoutEntries]uint32
	if _, err := mr.ReadAt(unsafe.Slice((*byte)(unsafe.Pointer(&fanout[0])), fanoutSize), fanOff); err != nil {
		return nil, err
	}
	if hostLittle {
		for i := range fanout {
			fanout[i] = binary.BigEndian.Uint32(unsafe.Slice((*byte)(unsafe.Pointer(&fanout[i])), 4))
		}
	}
	for i := 1; i < fanoutEntries; i++ {
		if fanout[i] < fanout[i-1] {
			return nil, ErrNonMonotonicFanout
		}
	}
	objCount := int(fanout[fanoutEntries-1])

	// OIDL.
	oidOff, oidSize, ok := table.offsetAndSize(chunkOIDL)
	if !ok || oidSize < int64(objCount*hashWidth) {
		return nil, corrupt("corrupt multi-index: lookup chunk missing or short")
	}
	oidData := make([]byte, objCount*hashWidth)
	if _, err := mr.ReadAt(oidData, oidOff); err != nil {
		return nil, err
	}
	oids := make([]Hash, objCount)
	for i := range oids {
		copy(oids[i][:hashWidth], oidData[i*hashWidth:])
	}

	// OOFF.
	offOff, offSize, ok := table.offsetAndSize(chunkOOFF)
	if !ok || offSize < int64(objCount*8) {
		return nil, corrupt("corrupt multi-index: offset chunk missing or short")
	}
	offRaw := make([]byte, objCount*8) // uint32 pack index + uint32 offset per object
	if _, err := mr.ReadAt(offRaw, offOff); err != nil {
		return nil, err
	}

	// LOFF is optional; it exists only when at least one offset exceeds
	// the 31-bit range.
	var loff []uint64
	if loffOff, loffSize, ok := table.offsetAndSize(chunkLOFF); ok && loffSize > 0 {
		raw := make([]byte, loffSize)
		if _, err := mr.ReadAt(raw, loffOff); err != nil {
			return nil, err
		}
		loff = make([]uint64, loffSize/largeOffSize)
		for i := range loff {
			loff[i] = binary.BigEndian.Uint64(raw[i*largeOffSize:])
		}
	}

	locations := make([]PackLocation, objCount)
	for i := 0; i < objCount; i++ {
		packID := binary.BigEndian.Uint32(offRaw[i*8 : i*8+4])
		rawOff := binary.BigEndian.Uint32(offRaw[i*8+4 : i*8+8])
		if int(packID) >= len(packNames) {
			return nil, corrupt("corrupt multi-index: pack index out of range")
		}

		var off64 uint64
		if rawOff&largeOffsetFlag == 0 {
			off64 = uint64(rawOff)
		} else {
			idx := rawOff & maxSmallOffset
			if int(idx) >= len(loff) {
				return nil, corrupt("corrupt multi-index: large-offset index out of range")
			}
			off64 = loff[idx]
		}
		locations[i] = PackLocation{PackIndex: packID, Offset: off64}
	}

	return &MultiIndex{
		kind:      kind,
		packNames: packNames,
		fanout:    fanout,
		objectIDs: oids,
		locations: locations,
		checksum:  hashFromBytes(trailer),
	}, nil
}

// readPackNames decodes the PNAM chunk: packCount NUL-terminated file
// names followed by alignment padding.
func readPackNames(mr *mmap.ReaderAt, table chunkTable, packCount int) ([]string, error) {
	pnOff, pnSize, ok := table.offsetAndSize(chunkPNAM)
	if !ok {
		return nil, corrupt("corrupt multi-index: pack-name chunk missing")
	}
	pn := make([]byte, pnSize)
	if _, err := mr.ReadAt(pn, pnOff); err != nil {
		return nil, err
	}

	// Stop after packCount names and silently skip the padding that
	// follows; an empty "name" before that point means the chunk lied
	// about its count.
	names := make([]string, 0, packCount)
	for start := 0; len(names) < packCount; {
		if start >= len(pn) {
			return nil, corrupt("corrupt multi-index: pack-name chunk truncated")
		}
		end := bytes.IndexByte(pn[start:], 0)
		if end < 0 {
			return nil, corrupt("corrupt multi-index: unterminated pack name")
		}
		if end == 0 {
			return nil, corrupt("corrupt multi-index: empty pack name before padding")
		}
		names = append(names, string(pn[start:start+end]))
		start += end + 1
	}
	return names, nil
}

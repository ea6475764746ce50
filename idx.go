package packidx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"unsafe"

	"golang.org/x/exp/mmap"
)

const idxHeaderSize = 8 // 4-byte magic + 4-byte version.

// idxMagic identifies a version-2 pack index. Version 1 files have no
// magic at all and are not handled.
var idxMagic = []byte{0xff, 0x74, 0x4f, 0x63}

// idxEntry describes a single object as recorded in a pack index (*.idx).
//
// An entry maps the object's ID to its absolute byte offset inside the
// companion pack and records the CRC-32 checksum of the on-disk object
// data, exactly as written in the index file.
type idxEntry struct {
	// offset holds the starting byte position of the object header inside
	// the packfile. The field is 64-bit so that packs exceeding 2 GiB are
	// still addressable.
	offset uint64

	// crc is the CRC-32 of the compressed object bytes as recorded by the
	// pack writer. This package carries the value through without
	// verifying it against pack contents.
	crc uint32
}

// idxFile holds the decoded lookup tables of a single pack index.
//
// The struct is immutable after parseIdx returns, so callers may share it
// across goroutines without additional synchronization.
type idxFile struct {
	// src is the memory-mapped index file, kept open only when the caller
	// wants to hold on to the mapping; parseIdx itself copies everything
	// it needs into the tables below.
	src *mmap.ReaderAt

	// kind records the hash function the index was written with and
	// therefore the width of every object ID in oidTable.
	kind HashKind

	// fanout is the 256-entry fan-out table. fanout[b] stores the number
	// of objects whose ID starts with a byte ≤ b, enabling O(1) range
	// selection before binary search.
	fanout [fanoutEntries]uint32

	// oidTable lists all object IDs in canonical index order.
	// entries[i] describes oidTable[i].
	oidTable []Hash

	// entries runs parallel to oidTable.
	entries []idxEntry

	// largeOffsets stores 64-bit offsets for objects located beyond the
	// 2 GiB boundary. The slice is nil when the pack is smaller than that.
	largeOffsets []uint64

	// checksum is the trailing index checksum, verified during parsing.
	checksum Hash
}

func (f *idxFile) numObjects() uint32 { return f.fanout[fanoutEntries-1] }

// entryAt returns the i-th object in canonical index order together with
// its pack offset.
func (f *idxFile) entryAt(i int) (Hash, uint64) {
	return f.oidTable[i], f.entries[i].offset
}

// findObject returns the pack offset of hash, narrowing the binary search
// range through the fan-out table first. The boolean result reports
// whether the object is present; when it is false, offset is zero.
func (f *idxFile) findObject(hash Hash) (offset uint64, found bool) {
	first := hash[0]

	start := uint32(0)
	if first > 0 {
		start = f.fanout[first-1]
	}
	end := f.fanout[first]
	if start == end {
		return 0, false // bucket empty
	}

	rel, ok := slices.BinarySearchFunc(f.oidTable[start:end], hash, compareHash)
	if !ok {
		return 0, false
	}
	return f.entries[int(start)+rel].offset, true
}

// close releases the memory mapping, if one is still held.
func (f *idxFile) close() error {
	if f.src == nil {
		return nil
	}
	err := f.src.Close()
	f.src = nil
	return err
}

// openIdx memory-maps and parses the pack index at path. The mapping is
// retained on the returned idxFile so callers that cache handles can
// release it later via close.
func openIdx(path string, kind HashKind) (*idxFile, error) {
	ix, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	f, err := parseIdx(ix, kind)
	if err != nil {
		_ = ix.Close()
		return nil, err
	}
	f.src = ix
	return f, nil
}

// Index is the exported read surface over a parsed single-pack index.
type Index struct {
	f *idxFile
}

// OpenIndex memory-maps and parses the pack index at path, verifying its
// trailing checksum. Close releases the mapping.
func OpenIndex(path string, kind HashKind) (*Index, error) {
	f, err := openIdx(path, kind)
	if err != nil {
		return nil, err
	}
	return &Index{f: f}, nil
}

// HashKind reports the object hash the index was written with.
func (ix *Index) HashKind() HashKind { return ix.f.kind }

// NumObjects returns how many objects the index covers.
func (ix *Index) NumObjects() uint32 { return ix.f.numObjects() }

// Checksum returns the trailing index checksum.
func (ix *Index) Checksum() Hash { return ix.f.checksum }

// EntryAt returns the i-th object in canonical index order together with
// its pack offset.
func (ix *Index) EntryAt(i int) (Hash, uint64) { return ix.f.entryAt(i) }

// EntryCRC returns the CRC-32 recorded for the i-th object's compressed
// pack data, carried through verbatim from the file.
func (ix *Index) EntryCRC(i int) uint32 { return ix.f.entries[i].crc }

// FindObject returns the pack offset of hash, or false when the index
// does not contain it.
func (ix *Index) FindObject(hash Hash) (uint64, bool) { return ix.f.findObject(hash) }

// Close releases the underlying mapping.
func (ix *Index) Close() error { return ix.f.close() }

// parseIdx reads a version-2 pack index.
//
// Layout, integers big-endian throughout:
//   - 8-byte header: magic 0xff744f63 + version
//   - 1024-byte fan-out table: 256 cumulative counts by first ID byte
//   - N × hash-width object IDs in sorted order
//   - N × 4-byte CRC-32 values, then N × 4-byte offsets
//   - optional large-offset table: 8-byte offsets for objects beyond 2 GiB
//   - trailer: pack checksum + index checksum, one hash width each
//
// The trailing index checksum is recomputed over every preceding byte and
// compared before the tables are trusted.
func parseIdx(ix *mmap.ReaderAt, kind HashKind) (*idxFile, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("unknown hash kind %d", kind)
	}
	hashWidth := kind.Size()

	header := make([]byte, idxHeaderSize)
	if _, err := ix.ReadAt(header, 0); err != nil {
		return nil, err
	}
	if !bytes.Equal(header[0:4], idxMagic) {
		return nil, corrupt("corrupt pack index: signature mismatch")
	}
	if version := binary.BigEndian.Uint32(header[4:]); version != 2 {
		return nil, &UnsupportedVersionError{Version: version}
	}

	size := int64(ix.Len())
	// Header + fan-out + trailing checksums is the absolute minimum.
	if size < int64(idxHeaderSize+fanoutSize+hashWidth*2) {
		return nil, corrupt("corrupt pack index: file too small for declared hash kind")
	}

	fanoutData := make([]byte, fanoutSize)
	if _, err := ix.ReadAt(fanoutData, idxHeaderSize); err != nil {
		return nil, err
	}

	// Unsafe cast avoids allocating and copying 1024 bytes twice.
	fanout := *(*[fanoutEntries]uint32)(unsafe.Pointer(&fanoutData[0]))
	if hostLittle {
		for i := range fanout {
			fanout[i] = binary.BigEndian.Uint32(fanoutData[i*4:])
		}
	}

	// Guard against truncated or tampered indexes.
	for i := 1; i < fanoutEntries; i++ {
		if fanout[i] < fanout[i-1] {
			return nil, ErrNonMonotonicFanout
		}
	}

	objCount := fanout[fanoutEntries-1]

	// Guard against integer overflow when allocating giant slices.
	if objCount > math.MaxUint32/uint32(hashWidth) {
		return nil, fmt.Errorf("pack index claims %d objects, refusing more than %d",
			objCount, math.MaxUint32/uint32(hashWidth))
	}

	// Do the tables we are about to read actually fit inside the file?
	minSize := int64(idxHeaderSize) +
		fanoutSize +
		int64(objCount)*int64(hashWidth+crcSize+offsetSize) +
		int64(hashWidth*2)
	if size < minSize {
		return nil, corrupt("corrupt pack index: tables exceed file size")
	}

	f := &idxFile{kind: kind, fanout: fanout}

	if objCount > 0 {
		oidBase := int64(idxHeaderSize + fanoutSize)

		// One read covers all three fixed-size tables.
		allData := make([]byte, int(objCount)*(hashWidth+crcSize+offsetSize))
		if _, err := ix.ReadAt(allData, oidBase); err != nil {
			return nil, err
		}
		oidData := allData[:int(objCount)*hashWidth]
		crcData := allData[len(oidData) : len(oidData)+int(objCount)*crcSize]
		offsetData := allData[len(oidData)+len(crcData):]

		oids := make([]Hash, objCount)
		for i := range oids {
			copy(oids[i][:hashWidth], oidData[i*hashWidth:])
		}

		entries := make([]idxEntry, objCount)
		needLarge := false
		maxLargeIdx := uint32(0)
		for i := 0; i < int(objCount); i++ {
			entries[i].crc = binary.BigEndian.Uint32(crcData[i*crcSize:])

			// MSB clear: a direct 31-bit offset. MSB set: the low 31 bits
			// index the large-offset table.
			raw := binary.BigEndian.Uint32(offsetData[i*offsetSize:])
			if raw&largeOffsetFlag == 0 {
				entries[i].offset = uint64(raw)
				continue
			}
			needLarge = true
			if idx := raw & maxSmallOffset; idx > maxLargeIdx {
				maxLargeIdx = idx
			}
		}

		var largeOffsets []uint64
		if needLarge {
			largeCount := int(maxLargeIdx) + 1
			loffBase := oidBase + int64(len(allData))
			if size < loffBase+int64(largeCount*largeOffSize)+int64(hashWidth*2) {
				return nil, corrupt("corrupt pack index: large-offset table exceeds file size")
			}
			loffData := make([]byte, largeCount*largeOffSize)
			if _, err := ix.ReadAt(loffData, loffBase); err != nil {
				return nil, err
			}
			largeOffsets = make([]uint64, largeCount)
			for i := range largeOffsets {
				largeOffsets[i] = binary.BigEndian.Uint64(loffData[i*largeOffSize:])
			}
			for i := 0; i < int(objCount); i++ {
				raw := binary.BigEndian.Uint32(offsetData[i*offsetSize:])
				if raw&largeOffsetFlag != 0 {
					entries[i].offset = largeOffsets[raw&maxSmallOffset]
				}
			}
		}

		f.oidTable = oids
		f.entries = entries
		f.largeOffsets = largeOffsets
	}

	// Trailer verification: the index checksum covers everything except
	// the final hash itself.
	trailer := make([]byte, hashWidth)
	if _, err := ix.ReadAt(trailer, size-int64(hashWidth)); err != nil {
		return nil, err
	}
	got, err := computeChecksum(ix, size-int64(hashWidth), kind)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(got[:hashWidth], trailer) {
		return nil, ErrBadChecksum
	}
	f.checksum = hashFromBytes(trailer)

	return f, nil
}

// Package packidx reads and writes the binary index files a content-addressable
// object store uses to locate objects inside append-only packfiles.
//
// Three on-disk formats are covered:
//
//   - the per-pack index (*.idx, version 2), mapping sorted object IDs to
//     byte offsets within one pack;
//   - the multi-pack-index ("MIDX"), a merged, chunk-based index spanning
//     many packs, which this package can both decode and build from a set
//     of per-pack index files;
//   - the "DIRC" file index with its forward-compatible extension trailer.
//
// The package deliberately stops at object location: it never inflates pack
// data, resolves deltas, or interprets object content. Callers get back
// (pack, offset) pairs and feed them to whatever consumes the pack stream.
//
// Typical usage:
//
//	s, err := packidx.OpenStore(".git/objects/pack", packidx.Sha1)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	loc, ok, err := s.FindObject(oid)
//	// read the object at loc.Offset inside loc.PackIndex…
//
// All decoded index types are immutable after parsing and safe for
// concurrent readers.
package packidx

import (
	"crypto/sha1"
	"hash"
	"unsafe"

	sha256 "github.com/minio/sha256-simd"
)

var hostLittle = func() bool {
	var i uint16 = 1
	return *(*byte)(unsafe.Pointer(&i)) == 1
}()

// Parser size constants.
//
// These byte-count constants describe the fixed-width sections shared by the
// pack-index and multi-pack-index formats. Do not modify these values unless
// the on-disk formats themselves change.
const (
	fanoutEntries = 256               // One entry for every possible first byte of an object ID.
	fanoutSize    = fanoutEntries * 4 // 256 × uint32 → 1 024 bytes.

	crcSize      = 4 // Big-endian CRC-32 value per object in a *.idx.
	offsetSize   = 4 // 31-bit offset or MSB-set index into the large-offset table.
	largeOffSize = 8 // 64-bit offset for objects beyond the 2 GiB boundary.

	// largeOffsetFlag marks a 32-bit offset slot whose low 31 bits index
	// the large-offset table instead of holding a literal pack offset.
	largeOffsetFlag = 0x80000000

	// maxSmallOffset is the largest pack offset that still fits in a
	// 32-bit slot with the flag bit clear.
	maxSmallOffset = 0x7fffffff
)

// HashKind selects the object-ID hash function an index file was written
// with. The numeric values match the hash-kind byte stored in the
// multi-pack-index header.
type HashKind byte

const (
	// Sha1 is the classic 20-byte object-ID hash.
	Sha1 HashKind = 1

	// Sha256 is the 32-byte object-ID hash used by newer repositories.
	Sha256 HashKind = 2
)

// Size returns the width in bytes of an object ID under k.
func (k HashKind) Size() int {
	if k == Sha256 {
		return sha256.Size
	}
	return sha1.Size
}

func (k HashKind) valid() bool { return k == Sha1 || k == Sha256 }

// newHasher returns a fresh streaming hasher for k. SHA-256 goes through
// the SIMD-accelerated implementation because index trailers are computed
// over every byte of potentially multi-gigabyte files.
func (k HashKind) newHasher() hash.Hash {
	if k == Sha256 {
		return sha256.New()
	}
	return sha1.New()
}

func (k HashKind) String() string {
	switch k {
	case Sha1:
		return "sha1"
	case Sha256:
		return "sha256"
	}
	return "unknown"
}

package packidx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/stretchr/testify/require"
)

// testHash builds a deterministic object ID whose first byte is fixed, so
// tests can steer entries into specific fan-out buckets.
func testHash(kind HashKind, first, seed byte) Hash {
	var h Hash
	h[0] = first
	for i := 1; i < kind.Size(); i++ {
		h[i] = seed + byte(i)
	}
	return h
}

// buildIdxData assembles a valid version-2 pack index covering the given
// hashes and offsets. Offsets beyond the 31-bit range automatically get a
// large-offset table. CRC values are dummies since no companion pack
// exists.
func buildIdxData(t testing.TB, kind HashKind, hashes []Hash, offsets []uint64) []byte {
	t.Helper()
	require.Equal(t, len(hashes), len(offsets), "hash/offset slice mismatch")
	width := kind.Size()

	type obj struct {
		h   Hash
		off uint64
	}
	objs := make([]obj, len(hashes))
	for i := range hashes {
		objs[i] = obj{hashes[i], offsets[i]}
	}
	sort.Slice(objs, func(i, j int) bool { return compareHash(objs[i].h, objs[j].h) < 0 })

	var buf bytes.Buffer
	buf.Write(idxMagic)
	binary.Write(&buf, binary.BigEndian, uint32(2))

	// Fan-out: cumulative count per first byte.
	for b := 0; b < fanoutEntries; b++ {
		count := uint32(0)
		for j, o := range objs {
			if int(o.h[0]) <= b {
				count = uint32(j + 1)
			}
		}
		binary.Write(&buf, binary.BigEndian, count)
	}

	for _, o := range objs {
		buf.Write(o.h[:width])
	}
	for range objs {
		binary.Write(&buf, binary.BigEndian, uint32(0x12345678))
	}

	needsLarge := false
	for _, o := range objs {
		if o.off > maxSmallOffset {
			needsLarge = true
		}
	}
	largeIdx := uint32(0)
	for _, o := range objs {
		if o.off > maxSmallOffset {
			binary.Write(&buf, binary.BigEndian, uint32(largeOffsetFlag|largeIdx))
			largeIdx++
		} else {
			binary.Write(&buf, binary.BigEndian, uint32(o.off))
		}
	}
	if needsLarge {
		for _, o := range objs {
			if o.off > maxSmallOffset {
				binary.Write(&buf, binary.BigEndian, o.off)
			}
		}
	}

	// Trailer: dummy pack checksum, then the real index checksum.
	buf.Write(make([]byte, width))
	h := kind.newHasher()
	h.Write(buf.Bytes())
	buf.Write(h.Sum(nil))

	return buf.Bytes()
}

// writeTestIdx writes a synthetic pack index into path.
func writeTestIdx(t testing.TB, path string, kind HashKind, hashes []Hash, offsets []uint64) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, buildIdxData(t, kind, hashes, offsets), 0o644))
}

type midxObject struct {
	id   Hash
	pack uint32
	off  uint64
}

type testChunk struct {
	id   uint32
	data []byte
}

// buildMidxData hand-assembles a multi-pack-index over objs, appending any
// extra chunks verbatim after the standard ones. Tests use the extras to
// check that unrecognized chunk ids are tolerated.
func buildMidxData(t testing.TB, kind HashKind, packNames []string, objs []midxObject, extra ...testChunk) []byte {
	t.Helper()
	width := kind.Size()

	sorted := make([]midxObject, len(objs))
	copy(sorted, objs)
	sort.Slice(sorted, func(i, j int) bool { return compareHash(sorted[i].id, sorted[j].id) < 0 })

	var pnam bytes.Buffer
	for _, n := range packNames {
		pnam.WriteString(n)
		pnam.WriteByte(0)
	}
	for pnam.Len()%chunkAlignment != 0 {
		pnam.WriteByte(0)
	}

	var oidf bytes.Buffer
	for b := 0; b < fanoutEntries; b++ {
		count := uint32(0)
		for j, o := range sorted {
			if int(o.id[0]) <= b {
				count = uint32(j + 1)
			}
		}
		binary.Write(&oidf, binary.BigEndian, count)
	}

	var oidl bytes.Buffer
	for _, o := range sorted {
		oidl.Write(o.id[:width])
	}

	var ooff, loff bytes.Buffer
	largeIdx := uint32(0)
	for _, o := range sorted {
		binary.Write(&ooff, binary.BigEndian, o.pack)
		if o.off > maxSmallOffset {
			binary.Write(&ooff, binary.BigEndian, uint32(largeOffsetFlag|largeIdx))
			binary.Write(&loff, binary.BigEndian, o.off)
			largeIdx++
		} else {
			binary.Write(&ooff, binary.BigEndian, uint32(o.off))
		}
	}

	chunks := []testChunk{
		{chunkPNAM, pnam.Bytes()},
		{chunkOIDF, oidf.Bytes()},
		{chunkOIDL, oidl.Bytes()},
		{chunkOOFF, ooff.Bytes()},
	}
	if loff.Len() > 0 {
		chunks = append(chunks, testChunk{chunkLOFF, loff.Bytes()})
	}
	chunks = append(chunks, extra...)

	var file bytes.Buffer
	file.Write(midxSignature)
	file.WriteByte(midxVersion)
	file.WriteByte(byte(kind))
	file.WriteByte(byte(len(chunks)))
	file.WriteByte(0)
	binary.Write(&file, binary.BigEndian, uint32(len(packNames)))

	offset := uint64(midxHeaderLen) + uint64(len(chunks)+1)*chunkRecordSize
	for _, c := range chunks {
		binary.Write(&file, binary.BigEndian, c.id)
		binary.Write(&file, binary.BigEndian, offset)
		offset += uint64(len(c.data))
	}
	binary.Write(&file, binary.BigEndian, uint32(0))
	binary.Write(&file, binary.BigEndian, offset)

	for _, c := range chunks {
		file.Write(c.data)
	}

	h := kind.newHasher()
	h.Write(file.Bytes())
	file.Write(h.Sum(nil))

	return file.Bytes()
}

// describeMultiIndex renders a stable textual summary of a decoded
// multi-index, for whole-layout comparisons.
func describeMultiIndex(m *MultiIndex) string {
	var b strings.Builder
	fmt.Fprintf(&b, "hash %s, %d objects\n", m.HashKind(), m.NumObjects())
	for i, name := range m.PackNames() {
		fmt.Fprintf(&b, "pack %d: %s\n", i, name)
	}
	for i := 0; i < int(m.NumObjects()); i++ {
		id, loc := m.EntryAt(i)
		fmt.Fprintf(&b, "%s -> pack %d offset %d\n", id.Format(m.HashKind()), loc.PackIndex, loc.Offset)
	}
	return b.String()
}

// requireEqualText fails with a unified diff when two multi-line strings
// differ, which reads far better than testify's single-line dump.
func requireEqualText(t *testing.T, want, got string) {
	t.Helper()
	if want == got {
		return
	}
	edits := myers.ComputeEdits(span.URIFromPath("want"), want, got)
	t.Fatalf("text mismatch (-want +got):\n%s",
		gotextdiff.ToUnified("want", "got", want, edits))
}

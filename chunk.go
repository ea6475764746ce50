// chunk.go
//
// Generic chunk layout engine for chunk-based index files.
// A chunk is a named, sized, independently encoded byte region. The write
// side plans chunk sizes up front, commits a chunk table (id → absolute
// start offset) right after the file header, and then drives sequential
// writes into the planned regions. The read side parses the table and
// hands out (offset, size) pairs; unrecognized chunk ids are skippable by
// size alone, which is what keeps the formats forward compatible.

package packidx

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

const (
	// chunkRecordSize is the width of one chunk-table record: a 4-byte
	// chunk identifier followed by a big-endian uint64 file offset. The
	// table ends with a terminator record whose id is zero and whose
	// offset marks the end of the last chunk.
	chunkRecordSize = 12

	// chunkAlignment is the boundary variable-length chunk payloads are
	// padded to.
	chunkAlignment = 4
)

// chunkName renders a chunk identifier as its four ASCII bytes, for
// diagnostics.
func chunkName(id uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return string(b[:])
}

// alignChunkSize rounds size up to the next chunkAlignment boundary.
func alignChunkSize(size uint64) uint64 {
	return (size + chunkAlignment - 1) &^ uint64(chunkAlignment-1)
}

type plannedChunk struct {
	id   uint32
	size uint64
}

// chunkPlan accumulates (id, size) declarations and lays the chunks out
// back to back behind the header and chunk table. It is agnostic to what
// each chunk contains; codecs declare their storage size here and later
// serialize exactly that many bytes.
type chunkPlan struct {
	chunks []plannedChunk
}

func (p *chunkPlan) planChunk(id uint32, size uint64) {
	p.chunks = append(p.chunks, plannedChunk{id: id, size: size})
}

func (p *chunkPlan) numChunks() int { return len(p.chunks) }

// tableSize returns the on-disk size of the chunk table including its
// terminator record.
func (p *chunkPlan) tableSize() uint64 {
	return uint64(len(p.chunks)+1) * chunkRecordSize
}

// plannedStorageSize returns the number of bytes the chunk table and all
// chunk bodies will occupy, excluding the preceding file header. Callers
// use it to initialize byte-level progress reporting before the first
// write.
func (p *chunkPlan) plannedStorageSize() uint64 {
	total := p.tableSize()
	for _, c := range p.chunks {
		total += c.size
	}
	return total
}

// intoWriter commits the chunk table to out and returns a chunkWriter
// that yields the planned chunk ids in planning order. headerLen is the
// number of bytes already written before the table; all table offsets
// are absolute file positions.
func (p *chunkPlan) intoWriter(out io.Writer, headerLen uint64) (*chunkWriter, error) {
	var rec [chunkRecordSize]byte
	offset := headerLen + p.tableSize()
	for _, c := range p.chunks {
		binary.BigEndian.PutUint32(rec[0:4], c.id)
		binary.BigEndian.PutUint64(rec[4:12], offset)
		if _, err := out.Write(rec[:]); err != nil {
			return nil, err
		}
		offset += c.size
	}
	binary.BigEndian.PutUint32(rec[0:4], 0)
	binary.BigEndian.PutUint64(rec[4:12], offset)
	if _, err := out.Write(rec[:]); err != nil {
		return nil, err
	}
	return &chunkWriter{out: out, chunks: p.chunks}, nil
}

// chunkWriter drives sequential writes into the planned chunk regions.
//
// The caller asks for the next chunk id, then writes exactly the number
// of bytes declared for that id during planning. A size mismatch is a
// programming error, not a recoverable runtime condition: the table
// offsets were already committed to the stream, so chunkWriter panics
// rather than returning an error.
type chunkWriter struct {
	out     io.Writer
	chunks  []plannedChunk
	next    int
	written uint64
}

// nextChunk yields the id of the next chunk to serialize, in planning
// order. The second result is false once every chunk has been written;
// at that point the previous chunk's size has been validated.
func (w *chunkWriter) nextChunk() (uint32, bool) {
	if w.next > 0 {
		w.assertComplete()
	}
	if w.next == len(w.chunks) {
		return 0, false
	}
	id := w.chunks[w.next].id
	w.next++
	w.written = 0
	return id, true
}

func (w *chunkWriter) assertComplete() {
	c := w.chunks[w.next-1]
	if w.written != c.size {
		panic(fmt.Sprintf("BUG: chunk %s declared %d bytes but wrote %d",
			chunkName(c.id), c.size, w.written))
	}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.next == 0 {
		panic("BUG: chunk write before nextChunk")
	}
	c := w.chunks[w.next-1]
	if w.written+uint64(len(p)) > c.size {
		panic(fmt.Sprintf("BUG: chunk %s declared %d bytes but wrote at least %d",
			chunkName(c.id), c.size, w.written+uint64(len(p))))
	}
	n, err := w.out.Write(p)
	w.written += uint64(n)
	return n, err
}

type chunkRef struct {
	id    uint32
	start int64
	size  int64
}

// chunkTable is the decoded chunk directory of a chunk-based file. Ids
// the reader does not recognize stay in the table untouched; their
// payloads are skipped by size without interpretation.
type chunkTable []chunkRef

// readChunkTable parses numChunks records plus the terminator starting at
// tableOffset. Chunk sizes are derived from consecutive offsets, so the
// record order on disk does not matter.
func readChunkTable(r io.ReaderAt, tableOffset int64, numChunks int, fileSize int64) (chunkTable, error) {
	buf := make([]byte, (numChunks+1)*chunkRecordSize)
	if _, err := r.ReadAt(buf, tableOffset); err != nil {
		return nil, err
	}

	type row struct {
		id  uint32
		off uint64
	}
	rows := make([]row, numChunks+1)
	for i := range rows {
		rec := buf[i*chunkRecordSize:]
		rows[i] = row{
			id:  binary.BigEndian.Uint32(rec[0:4]),
			off: binary.BigEndian.Uint64(rec[4:12]),
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].off < rows[j].off })

	bodiesStart := tableOffset + int64(numChunks+1)*chunkRecordSize
	table := make(chunkTable, 0, numChunks)
	for i := 0; i < len(rows)-1; i++ {
		if rows[i].id == 0 {
			return nil, corrupt("corrupt index: chunk-table terminator before last chunk")
		}
		start, end := int64(rows[i].off), int64(rows[i+1].off)
		if start < bodiesStart || end > fileSize || end < start {
			return nil, corrupt("corrupt index: chunk offsets outside file bounds")
		}
		table = append(table, chunkRef{id: rows[i].id, start: start, size: end - start})
	}
	return table, nil
}

// offsetAndSize locates a chunk by id. The bool result reports presence;
// optional chunks are simply absent from the table.
func (t chunkTable) offsetAndSize(id uint32) (off, size int64, ok bool) {
	for _, c := range t {
		if c.id == id {
			return c.start, c.size, true
		}
	}
	return 0, 0, false
}

// midx_write.go
//
// Multi-pack-index writer. Builds one merged, deduplicated index from a
// set of per-pack index files: entries are collected per input file,
// sorted and deduplicated globally, and then serialized chunk by chunk
// through a checksumming writer. The trailing digest doubles as the write
// outcome.

package packidx

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"
)

// WriteOptions configures a multi-index write.
type WriteOptions struct {
	// Hash is the object-ID hash kind to expect in the input files and to
	// record in the output header.
	Hash HashKind
}

// WriteOutcome is the result of a successful multi-index write.
type WriteOutcome struct {
	// Checksum is the trailing file checksum, computed over every byte
	// that precedes it.
	Checksum Hash

	// BytesWritten is the total size of the produced file, trailer
	// included.
	BytesWritten int64
}

// midxWriteEntry is the transient per-object tuple the writer sorts and
// deduplicates. Only its projected fields reach the output file.
type midxWriteEntry struct {
	id         Hash
	packIndex  uint32
	packOffset uint64

	// indexMtime orders duplicates: when the same object appears in
	// several packs, the entry sourced from the most recently modified
	// input index wins.
	indexMtime time.Time
}

// WriteMultiIndexFromPaths builds a multi-pack-index covering the pack
// index files at indexPaths and streams it to out.
//
// The input paths are sorted lexicographically; every entry's pack index
// refers to a name's position in that sorted order. Progress is sent to
// progress and cancellation is observed through shouldInterrupt, which is
// polled at every input file and every chunk boundary. On interruption
// the function returns ErrInterrupted; whatever bytes already reached out
// are not a valid index and must be discarded by the caller.
func WriteMultiIndexFromPaths(
	indexPaths []string,
	out io.Writer,
	progress Progress,
	shouldInterrupt *atomic.Bool,
	opts WriteOptions,
) (*WriteOutcome, error) {
	if !opts.Hash.valid() {
		return nil, errors.Errorf("unknown hash kind %d", opts.Hash)
	}
	if progress == nil {
		progress = DiscardProgress
	}
	if shouldInterrupt == nil {
		shouldInterrupt = new(atomic.Bool)
	}

	paths := make([]string, len(indexPaths))
	copy(paths, indexPaths)
	sort.Strings(paths)

	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}

	entries, err := collectEntries(paths, opts.Hash, progress, shouldInterrupt)
	if err != nil {
		return nil, err
	}

	progress.SetName("deduplicating entries")
	progress.Init(int64(len(entries)), "entries")
	sortAndDedupEntries(&entries)
	progress.Inc(int64(len(entries)))
	if shouldInterrupt.Load() {
		return nil, ErrInterrupted
	}

	hw := newHashWriter(out, opts.Hash, progress)

	var plan chunkPlan
	plan.planChunk(chunkPNAM, packNamesStorageSize(names))
	plan.planChunk(chunkOIDF, fanoutSize)
	plan.planChunk(chunkOIDL, uint64(len(entries))*uint64(opts.Hash.Size()))
	plan.planChunk(chunkOOFF, uint64(len(entries))*8)
	numLarge := countLargeOffsets(entries)
	if numLarge > 0 {
		plan.planChunk(chunkLOFF, uint64(numLarge)*largeOffSize)
	}

	progress.SetName("writing multi-index")
	progress.Init(int64(plan.plannedStorageSize())+midxHeaderLen, "bytes")

	if err := writeMidxHeader(hw, plan.numChunks(), len(names), opts.Hash); err != nil {
		return nil, err
	}

	cw, err := plan.intoWriter(hw, midxHeaderLen)
	if err != nil {
		return nil, err
	}
	for {
		id, more := cw.nextChunk()
		if !more {
			break
		}
		switch id {
		case chunkPNAM:
			err = writePackNames(cw, names)
		case chunkOIDF:
			err = writeFanout(cw, entries)
		case chunkOIDL:
			err = writeLookup(cw, entries, opts.Hash)
		case chunkOOFF:
			err = writeOffsets(cw, entries)
		case chunkLOFF:
			err = writeLargeOffsets(cw, entries)
		}
		if err != nil {
			return nil, err
		}
		if shouldInterrupt.Load() {
			return nil, ErrInterrupted
		}
	}

	// The digest over header, chunk table and chunk bodies becomes the
	// trailer. It is written around the hashWriter so it does not feed
	// back into itself.
	sum := hw.sum()
	width := opts.Hash.Size()
	if _, err := out.Write(sum[:width]); err != nil {
		return nil, err
	}

	return &WriteOutcome{
		Checksum:     sum,
		BytesWritten: hw.bytesWritten() + int64(width),
	}, nil
}

// collectEntries loads every input index and produces one entry per
// contained object, tagged with the input's position and modification
// time. Inputs are processed concurrently; batches are joined in path
// order so the result is deterministic regardless of scheduling.
func collectEntries(
	sortedPaths []string,
	kind HashKind,
	progress Progress,
	shouldInterrupt *atomic.Bool,
) ([]midxWriteEntry, error) {
	progress.SetName("collecting entries")
	progress.Init(int64(len(sortedPaths)), "indices")

	batches := make([][]midxWriteEntry, len(sortedPaths))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, path := range sortedPaths {
		i, path := i, path
		g.Go(func() error {
			if shouldInterrupt.Load() {
				return ErrInterrupted
			}

			// A missing mtime is not an error; such entries simply lose
			// every dedup tie-break.
			mtime := time.Unix(0, 0)
			if st, err := os.Stat(path); err == nil {
				mtime = st.ModTime()
			}

			ix, err := mmap.Open(path)
			if err != nil {
				return errors.Wrapf(err, "open index %s", path)
			}
			defer ix.Close()
			f, err := parseIdx(ix, kind)
			if err != nil {
				return errors.Wrapf(err, "open index %s", path)
			}

			batch := make([]midxWriteEntry, 0, f.numObjects())
			for j := 0; j < int(f.numObjects()); j++ {
				id, off := f.entryAt(j)
				batch = append(batch, midxWriteEntry{
					id:         id,
					packIndex:  uint32(i),
					packOffset: off,
					indexMtime: mtime,
				})
			}
			batches[i] = batch
			progress.Inc(1)
			if shouldInterrupt.Load() {
				return ErrInterrupted
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, b := range batches {
		total += len(b)
	}
	entries := make([]midxWriteEntry, 0, total)
	for _, b := range batches {
		entries = append(entries, b...)
	}
	return entries, nil
}

// sortAndDedupEntries orders entries by object ID ascending, then input
// modification time descending, then pack index ascending, and keeps the
// first entry per unique ID. The secondary keys make the winner of an ID
// collision deterministic: the most recently written input index, and on
// equal timestamps the lexicographically earlier input path.
func sortAndDedupEntries(entries *[]midxWriteEntry) {
	es := *entries
	sort.Slice(es, func(i, j int) bool {
		l, r := &es[i], &es[j]
		if c := compareHash(l.id, r.id); c != 0 {
			return c < 0
		}
		if !l.indexMtime.Equal(r.indexMtime) {
			return l.indexMtime.After(r.indexMtime)
		}
		return l.packIndex < r.packIndex
	})

	dedup := es[:0]
	for i := range es {
		if len(dedup) == 0 || dedup[len(dedup)-1].id != es[i].id {
			dedup = append(dedup, es[i])
		}
	}
	*entries = dedup
}

func writeMidxHeader(w io.Writer, numChunks, numPacks int, kind HashKind) error {
	var hdr [midxHeaderLen]byte
	copy(hdr[0:4], midxSignature)
	hdr[4] = midxVersion
	hdr[5] = byte(kind)
	hdr[6] = byte(numChunks)
	hdr[7] = 0 // reserved (number of base files)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(numPacks))
	_, err := w.Write(hdr[:])
	return err
}

// packNamesStorageSize returns the PNAM chunk size: one NUL terminator
// per name, rounded up to the chunk alignment boundary.
func packNamesStorageSize(names []string) uint64 {
	var size uint64
	for _, n := range names {
		size += uint64(len(n)) + 1
	}
	return alignChunkSize(size)
}

func writePackNames(w io.Writer, names []string) error {
	var written uint64
	for _, n := range names {
		if _, err := io.WriteString(w, n); err != nil {
			return err
		}
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
		written += uint64(len(n)) + 1
	}
	if pad := packNamesStorageSize(names) - written; pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return nil
}

func writeFanout(w io.Writer, entries []midxWriteEntry) error {
	var fanout [fanoutEntries]uint32
	for i := range entries {
		fanout[entries[i].id[0]]++
	}

	var buf [fanoutSize]byte
	cumulative := uint32(0)
	for i := range fanout {
		cumulative += fanout[i]
		binary.BigEndian.PutUint32(buf[i*4:], cumulative)
	}
	_, err := w.Write(buf[:])
	return err
}

func writeLookup(w io.Writer, entries []midxWriteEntry, kind HashKind) error {
	width := kind.Size()
	for i := range entries {
		if _, err := w.Write(entries[i].id[:width]); err != nil {
			return err
		}
	}
	return nil
}

// writeOffsets emits one pack-index/offset pair per entry in lookup
// order. Offsets beyond the 31-bit range are replaced by a flagged index
// into the large-offset chunk; the indices are assigned in lookup order,
// exactly matching the order writeLargeOffsets emits the 64-bit values.
func writeOffsets(w io.Writer, entries []midxWriteEntry) error {
	var rec [8]byte
	nextLarge := uint32(0)
	for i := range entries {
		e := &entries[i]
		binary.BigEndian.PutUint32(rec[0:4], e.packIndex)
		if e.packOffset > maxSmallOffset {
			binary.BigEndian.PutUint32(rec[4:8], largeOffsetFlag|nextLarge)
			nextLarge++
		} else {
			binary.BigEndian.PutUint32(rec[4:8], uint32(e.packOffset))
		}
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}

func writeLargeOffsets(w io.Writer, entries []midxWriteEntry) error {
	var rec [largeOffSize]byte
	for i := range entries {
		if entries[i].packOffset <= maxSmallOffset {
			continue
		}
		binary.BigEndian.PutUint64(rec[:], entries[i].packOffset)
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}

// countLargeOffsets reports how many entries need the 64-bit overflow
// chunk. Zero means the chunk is not planned at all.
func countLargeOffsets(entries []midxWriteEntry) uint32 {
	var n uint32
	for i := range entries {
		if entries[i].packOffset > maxSmallOffset {
			n++
		}
	}
	return n
}

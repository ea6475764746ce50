// fileindex.go
//
// Decoder for the "DIRC" file index: a 12-byte header, a table of
// per-path entries, and a trailer of extension records followed by the
// file checksum. Extensions are (signature, length, payload) triples
// dispatched through a tag→decoder table; unrecognized signatures are
// skipped by their declared length so that future extension kinds never
// break decoding of the data that precedes them.

package packidx

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"strconv"
	"time"
)

const dircHeaderLen = 12 // 4-byte signature + 4-byte version + 4-byte entry count

var dircSignature = []byte("DIRC")

// File-index extension signatures.
const (
	extTREE = 0x54524545 // 'TREE' - cached tree aggregation
	extEOIE = 0x454f4945 // 'EOIE' - end-of-index-entry marker
)

// Per-entry flag bits.
const (
	entryFlagAssumeValid = 0x8000
	entryFlagExtended    = 0x4000 // must be zero in version 2
	entryStageShift      = 12
	entryStageMask       = 0x3
	entryNameMask        = 0x0fff

	// Extended (version 3+) flag word.
	entryExtSkipWorktree = 0x4000
	entryExtIntentToAdd  = 0x2000

	entryStatLen = 40 // ten 32-bit stat fields
)

// FileIndexVersion enumerates the supported file-index format versions.
type FileIndexVersion uint32

const (
	FileIndexV2 FileIndexVersion = 2
	FileIndexV3 FileIndexVersion = 3
	FileIndexV4 FileIndexVersion = 4
)

// EntryStat carries the filesystem metadata recorded for one entry,
// verbatim from the file. The fields are truncated to 32 bits on disk.
type EntryStat struct {
	CTimeSec, CTimeNano uint32
	MTimeSec, MTimeNano uint32
	Dev, Ino            uint32
	Mode                uint32
	UID, GID            uint32
	Size                uint32
}

// FileIndexEntry is one decoded path entry.
type FileIndexEntry struct {
	Stat EntryStat
	ID   Hash

	// Stage is the merge stage, 0 for a normally checked-out entry.
	Stage uint8

	AssumeValid  bool
	SkipWorktree bool
	IntentToAdd  bool

	// Path is the full slash-separated path; version 4 prefix compression
	// is resolved during decoding.
	Path string
}

// CachedTreeEntry is one node of the cached-tree extension, flattened in
// traversal order.
type CachedTreeEntry struct {
	// Path is the tree's path component relative to its parent; the root
	// tree has an empty component.
	Path string

	// EntryCount is the number of index entries covered by the tree, or
	// -1 when the cached aggregation has been invalidated.
	EntryCount int32

	// Subtrees is the number of child nodes that follow.
	Subtrees uint32

	// ID is the tree's object ID, meaningful only when EntryCount >= 0.
	ID Hash
}

// FileIndex is the decoded in-memory state of a file index.
type FileIndex struct {
	Version FileIndexVersion

	// Timestamp is the reference time the caller read the file at, used
	// downstream for stat-freshness decisions.
	Timestamp time.Time

	Entries []FileIndexEntry

	// CachedTrees is nil when the file carries no cached-tree extension.
	CachedTrees []CachedTreeEntry

	// Checksum is the trailing file checksum, verified during decoding.
	Checksum Hash
}

// extensionDecoder decodes one extension payload into idx.
type extensionDecoder func(idx *FileIndex, payload []byte, kind HashKind) error

// extensionDecoders dispatches known extension signatures. Signatures not
// present here are skipped by their declared length.
var extensionDecoders = map[uint32]extensionDecoder{
	extTREE: decodeCachedTree,
}

// decodeFileIndexHeader validates the fixed header and returns the
// format version and entry count.
func decodeFileIndexHeader(data []byte, kind HashKind) (FileIndexVersion, uint32, error) {
	if len(data) < dircHeaderLen+kind.Size() {
		return 0, 0, corrupt("corrupt file index: too small even for header and trailing checksum")
	}
	if !bytes.Equal(data[0:4], dircSignature) {
		return 0, 0, corrupt("corrupt file index: signature mismatch")
	}
	switch v := binary.BigEndian.Uint32(data[4:8]); v {
	case 2, 3, 4:
		return FileIndexVersion(v), binary.BigEndian.Uint32(data[8:12]), nil
	default:
		return 0, 0, &UnsupportedVersionError{Version: v}
	}
}

// DecodeFileIndex parses data as a complete file index. timestamp is the
// reference time the bytes were read at; kind selects the object-ID hash
// the file was written with.
//
// The trailing checksum is verified before anything else is trusted, so a
// decode error never leaves the caller with partially valid state.
func DecodeFileIndex(data []byte, timestamp time.Time, kind HashKind) (*FileIndex, error) {
	version, numEntries, err := decodeFileIndexHeader(data, kind)
	if err != nil {
		return nil, err
	}

	width := kind.Size()
	trailerStart := len(data) - width
	h := kind.newHasher()
	h.Write(data[:trailerStart])
	if !bytes.Equal(h.Sum(nil), data[trailerStart:]) {
		return nil, ErrBadChecksum
	}

	idx := &FileIndex{
		Version:   version,
		Timestamp: timestamp,
		Checksum:  hashFromBytes(data[trailerStart:]),
	}

	pos, err := decodeFileIndexEntries(idx, data[:trailerStart], numEntries, kind)
	if err != nil {
		return nil, err
	}

	// The trailer-located marker, when present and intact, must agree
	// with the position the entry walk arrived at.
	if off, ok := endOfIndexEntryOffset(data, kind); ok && off != pos {
		return nil, corrupt("corrupt file index: end-of-index-entry marker disagrees with entry table")
	}

	if err := walkExtensions(idx, data[:trailerStart], pos, kind); err != nil {
		return nil, err
	}
	return idx, nil
}

// decodeFileIndexEntries parses numEntries records starting right after
// the header and returns the offset of the first extension record.
func decodeFileIndexEntries(idx *FileIndex, data []byte, numEntries uint32, kind HashKind) (int, error) {
	width := kind.Size()
	entries := make([]FileIndexEntry, 0, numEntries)

	pos := dircHeaderLen
	var prevPath []byte
	for n := uint32(0); n < numEntries; n++ {
		start := pos
		fixed := entryStatLen + width + 2
		if pos+fixed > len(data) {
			return 0, corrupt("corrupt file index: truncated entry")
		}

		var e FileIndexEntry
		e.Stat = EntryStat{
			CTimeSec:  binary.BigEndian.Uint32(data[pos:]),
			CTimeNano: binary.BigEndian.Uint32(data[pos+4:]),
			MTimeSec:  binary.BigEndian.Uint32(data[pos+8:]),
			MTimeNano: binary.BigEndian.Uint32(data[pos+12:]),
			Dev:       binary.BigEndian.Uint32(data[pos+16:]),
			Ino:       binary.BigEndian.Uint32(data[pos+20:]),
			Mode:      binary.BigEndian.Uint32(data[pos+24:]),
			UID:       binary.BigEndian.Uint32(data[pos+28:]),
			GID:       binary.BigEndian.Uint32(data[pos+32:]),
			Size:      binary.BigEndian.Uint32(data[pos+36:]),
		}
		e.ID = hashFromBytes(data[pos+entryStatLen : pos+entryStatLen+width])
		flags := binary.BigEndian.Uint16(data[pos+entryStatLen+width:])
		pos += fixed

		e.AssumeValid = flags&entryFlagAssumeValid != 0
		e.Stage = uint8((flags >> entryStageShift) & entryStageMask)

		if flags&entryFlagExtended != 0 {
			if idx.Version == FileIndexV2 {
				return 0, corrupt("corrupt file index: extended flag set in version 2 entry")
			}
			if pos+2 > len(data) {
				return 0, corrupt("corrupt file index: truncated extended flags")
			}
			extra := binary.BigEndian.Uint16(data[pos:])
			pos += 2
			e.SkipWorktree = extra&entryExtSkipWorktree != 0
			e.IntentToAdd = extra&entryExtIntentToAdd != 0
		}

		var path []byte
		if idx.Version == FileIndexV4 {
			// Paths are delta-compressed against the previous entry:
			// strip N bytes off its tail, then append the NUL-terminated
			// suffix.
			strip, adv, err := readPrefixVarint(data[pos:])
			if err != nil {
				return 0, err
			}
			pos += adv
			nul := bytes.IndexByte(data[pos:], 0)
			if nul < 0 {
				return 0, corrupt("corrupt file index: unterminated entry path")
			}
			if strip > len(prevPath) {
				return 0, corrupt("corrupt file index: path prefix underflow")
			}
			path = append(path, prevPath[:len(prevPath)-strip]...)
			path = append(path, data[pos:pos+nul]...)
			pos += nul + 1
		} else {
			nameLen := int(flags & entryNameMask)
			if nameLen == entryNameMask {
				// Too long for the 12-bit field; scan for the terminator.
				nul := bytes.IndexByte(data[pos:], 0)
				if nul < 0 {
					return 0, corrupt("corrupt file index: unterminated entry path")
				}
				nameLen = nul
			}
			if pos+nameLen > len(data) {
				return 0, corrupt("corrupt file index: truncated entry path")
			}
			path = data[pos : pos+nameLen]

			// Versions 2 and 3 pad each entry with one to eight NULs up
			// to an eight-byte boundary, keeping the path NUL-terminated.
			entryLen := ((pos - start + nameLen) / 8 * 8) + 8
			if start+entryLen > len(data) {
				return 0, corrupt("corrupt file index: truncated entry padding")
			}
			pos = start + entryLen
		}

		e.Path = string(path)
		entries = append(entries, e)
		prevPath = path
	}

	idx.Entries = entries
	return pos, nil
}

// readPrefixVarint decodes the variable-width integer used by version-4
// path compression: seven bits per byte, most significant bit as the
// continuation flag, with an implicit +1 per continuation byte.
func readPrefixVarint(b []byte) (value, advance int, err error) {
	if len(b) == 0 {
		return 0, 0, corrupt("corrupt file index: truncated path-prefix length")
	}
	c := b[0]
	i := 1
	v := uint64(c & 0x7f)
	for c&0x80 != 0 {
		if i >= len(b) || v > 1<<24 {
			return 0, 0, corrupt("corrupt file index: malformed path-prefix length")
		}
		c = b[i]
		v = ((v + 1) << 7) | uint64(c&0x7f)
		i++
	}
	return int(v), i, nil
}

// endOfIndexEntryOffset locates and validates the EOIE marker that, when
// present, records where the extension trailer begins. The marker's own
// digest (always SHA-1, regardless of the object hash) covers the
// (signature, length) pair of every extension that precedes it; a failed
// validation treats the marker as absent rather than failing the decode.
func endOfIndexEntryOffset(data []byte, kind HashKind) (int, bool) {
	const payloadLen = 4 + sha1.Size

	recStart := len(data) - kind.Size() - (8 + payloadLen)
	if recStart < dircHeaderLen {
		return 0, false
	}
	rec := data[recStart:]
	if binary.BigEndian.Uint32(rec) != extEOIE || binary.BigEndian.Uint32(rec[4:]) != payloadLen {
		return 0, false
	}
	off := int(binary.BigEndian.Uint32(rec[8:]))
	if off < dircHeaderLen || off > recStart {
		return 0, false
	}

	h := sha1.New()
	for pos := off; pos < recStart; {
		if pos+8 > recStart {
			return 0, false
		}
		size := int(binary.BigEndian.Uint32(data[pos+4:]))
		h.Write(data[pos : pos+8])
		pos += 8 + size
	}
	if !bytes.Equal(h.Sum(nil), rec[12:12+sha1.Size]) {
		return 0, false
	}
	return off, true
}

// walkExtensions iterates the extension trailer in [pos, len(data)) and
// dispatches each record by signature.
func walkExtensions(idx *FileIndex, data []byte, pos int, kind HashKind) error {
	for pos < len(data) {
		if pos+8 > len(data) {
			return corrupt("corrupt file index: truncated extension header")
		}
		sig := binary.BigEndian.Uint32(data[pos:])
		size := int(binary.BigEndian.Uint32(data[pos+4:]))
		pos += 8
		if size < 0 || pos+size > len(data) {
			return corrupt("corrupt file index: extension payload exceeds file")
		}
		if dec, ok := extensionDecoders[sig]; ok {
			if err := dec(idx, data[pos:pos+size], kind); err != nil {
				return err
			}
		}
		pos += size
	}
	return nil
}

// decodeCachedTree parses the cached-tree extension: a pre-order walk of
// tree nodes, each a NUL-terminated path component, an ASCII entry count
// (-1 when invalidated), a space, an ASCII subtree count, a newline, and,
// for valid nodes, the tree's object ID.
func decodeCachedTree(idx *FileIndex, payload []byte, kind HashKind) error {
	width := kind.Size()
	var trees []CachedTreeEntry
	for len(payload) > 0 {
		nul := bytes.IndexByte(payload, 0)
		if nul < 0 {
			return corrupt("corrupt file index: unterminated cached-tree path")
		}
		node := CachedTreeEntry{Path: string(payload[:nul])}
		payload = payload[nul+1:]

		sp := bytes.IndexByte(payload, ' ')
		if sp < 0 {
			return corrupt("corrupt file index: malformed cached-tree entry count")
		}
		count, err := strconv.ParseInt(string(payload[:sp]), 10, 32)
		if err != nil {
			return corrupt("corrupt file index: malformed cached-tree entry count")
		}
		node.EntryCount = int32(count)
		payload = payload[sp+1:]

		lf := bytes.IndexByte(payload, '\n')
		if lf < 0 {
			return corrupt("corrupt file index: malformed cached-tree subtree count")
		}
		sub, err := strconv.ParseUint(string(payload[:lf]), 10, 32)
		if err != nil {
			return corrupt("corrupt file index: malformed cached-tree subtree count")
		}
		node.Subtrees = uint32(sub)
		payload = payload[lf+1:]

		if node.EntryCount >= 0 {
			if len(payload) < width {
				return corrupt("corrupt file index: truncated cached-tree object id")
			}
			node.ID = hashFromBytes(payload[:width])
			payload = payload[width:]
		}
		trees = append(trees, node)
	}
	idx.CachedTrees = trees
	return nil
}

// store.go
//
// Store aggregates the pack indexes of one directory behind a single
// object-lookup surface. When the directory carries a multi-pack-index
// that file answers every lookup directly; otherwise lookups fan out
// over the individual *.idx files, guided by a fingerprint filter so
// that misses rarely touch disk and only a bounded number of index
// mappings stay open at once.

package packidx

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dgryski/go-farm"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// MultiIndexFileName is the well-known basename of a multi-pack-index
// inside a pack directory.
const MultiIndexFileName = "multi-pack-index"

// defaultHandleCap bounds how many *.idx files a Store without a
// multi-pack-index keeps memory-mapped at once.
const defaultHandleCap = 16

// Store resolves object IDs to pack locations across every index found
// in a single directory.
//
// All methods are safe for concurrent use. Lookup state is immutable
// after Open; the only mutable piece is the bounded handle cache, which
// is guarded by a mutex.
type Store struct {
	dir  string
	kind HashKind

	// midx is non-nil when the directory carried a multi-pack-index; it
	// then answers every lookup and the filter/handles fields stay
	// unused. Guarded by mu: RefreshMultiIndex swaps the pointer.
	midx *MultiIndex

	// idxPaths lists the per-pack index files in sorted order. A pack
	// position elsewhere in the API is an index into this slice.
	idxPaths []string

	// filter maps a 64-bit fingerprint of each object ID to the pack
	// positions whose index contains it. An absent fingerprint is a
	// definite miss; a present one still needs confirmation against the
	// index itself.
	filter map[uint64][]uint16

	// mu guards midx, closed, and handles. Holding it across a whole
	// lookup keeps a cached handle from being evicted, and thereby
	// closed, while the lookup is still reading through it.
	mu      sync.Mutex
	handles *lru.Cache[int, *idxFile]

	closed bool
}

// OpenStore opens the pack directory dir for lookups with the given
// object hash. It prefers a multi-pack-index when one exists and falls
// back to enumerating *.idx files.
//
// Without a multi-pack-index every index is read once up front to build
// the fingerprint filter, then unmapped; later lookups remap on demand
// through the handle cache.
func OpenStore(dir string, kind HashKind) (*Store, error) {
	if !kind.valid() {
		return nil, errors.Errorf("unknown hash kind %d", kind)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{dir: absDir, kind: kind}

	midxPath := filepath.Join(absDir, MultiIndexFileName)
	if st, err := os.Stat(midxPath); err == nil && !st.IsDir() {
		m, err := OpenMultiIndex(midxPath)
		if err != nil {
			return nil, errors.Wrapf(err, "open index %s", midxPath)
		}
		if m.HashKind() != kind {
			return nil, errors.Errorf("multi-pack-index uses %s, store opened for %s", m.HashKind(), kind)
		}
		s.midx = m
		return s, nil
	}

	paths, err := filepath.Glob(filepath.Join(absDir, "*.idx"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	if len(paths) > 1<<16 {
		return nil, errors.Errorf("too many pack indexes in %s: %d", absDir, len(paths))
	}
	s.idxPaths = paths

	s.handles, err = lru.NewWithEvict(defaultHandleCap, func(_ int, f *idxFile) {
		_ = f.close()
	})
	if err != nil {
		return nil, err
	}

	if err := s.buildFilter(); err != nil {
		s.handles.Purge()
		return nil, err
	}
	return s, nil
}

// buildFilter reads every index once and records a fingerprint for each
// object it holds.
func (s *Store) buildFilter() error {
	width := s.kind.Size()
	s.filter = make(map[uint64][]uint16)
	for pos, path := range s.idxPaths {
		f, err := openIdx(path, s.kind)
		if err != nil {
			return errors.Wrapf(err, "open index %s", path)
		}
		for i := 0; i < int(f.numObjects()); i++ {
			id, _ := f.entryAt(i)
			fp := farm.Hash64(id[:width])
			s.filter[fp] = append(s.filter[fp], uint16(pos))
		}
		_ = f.close()
	}
	return nil
}

// handle returns the mapped index for one pack position, opening it if
// it is not cached. The caller must hold s.mu for the whole time it
// uses the returned file.
func (s *Store) handle(pos int) (*idxFile, error) {
	if f, ok := s.handles.Get(pos); ok {
		return f, nil
	}
	f, err := openIdx(s.idxPaths[pos], s.kind)
	if err != nil {
		return nil, errors.Wrapf(err, "open index %s", s.idxPaths[pos])
	}
	s.handles.Add(pos, f)
	return f, nil
}

// FindObject resolves id to the pack holding it and the object's offset
// inside that pack. The boolean is false when no index contains id.
func (s *Store) FindObject(id Hash) (PackLocation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PackLocation{}, false, errors.New("store is closed")
	}

	if s.midx != nil {
		loc, ok := s.midx.Lookup(id)
		return loc, ok, nil
	}

	candidates := s.filter[farm.Hash64(id[:s.kind.Size()])]
	for _, pos := range candidates {
		f, err := s.handle(int(pos))
		if err != nil {
			return PackLocation{}, false, err
		}
		if off, ok := f.findObject(id); ok {
			return PackLocation{PackIndex: uint32(pos), Offset: off}, true, nil
		}
	}
	return PackLocation{}, false, nil
}

// HashKind reports the object hash the store was opened with.
func (s *Store) HashKind() HashKind { return s.kind }

// HasMultiIndex reports whether lookups are served by a multi-pack-index.
func (s *Store) HasMultiIndex() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.midx != nil
}

// NumPacks returns how many packs the store covers.
func (s *Store) NumPacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.midx != nil {
		return len(s.midx.PackNames())
	}
	return len(s.idxPaths)
}

// PackName returns the index file basename for a pack position, as
// reported by FindObject.
func (s *Store) PackName(pos uint32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.midx != nil {
		names := s.midx.PackNames()
		if int(pos) >= len(names) {
			return "", errors.Errorf("pack index %d out of range (%d packs)", pos, len(names))
		}
		return names[pos], nil
	}
	if int(pos) >= len(s.idxPaths) {
		return "", errors.Errorf("pack index %d out of range (%d packs)", pos, len(s.idxPaths))
	}
	return filepath.Base(s.idxPaths[pos]), nil
}

// RefreshMultiIndex rewrites the directory's multi-pack-index from the
// current set of *.idx files and reopens the store on top of it. The new
// file is written to a temporary name and renamed into place so readers
// never observe a partial file.
func (s *Store) RefreshMultiIndex(progress Progress) (*WriteOutcome, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.idx"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no pack indexes in %s", s.dir)
	}

	tmp, err := os.CreateTemp(s.dir, MultiIndexFileName+".*.tmp")
	if err != nil {
		return nil, err
	}
	outcome, err := WriteMultiIndexFromPaths(paths, tmp, progress, nil, WriteOptions{Hash: s.kind})
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, MultiIndexFileName)); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, err
	}

	m, err := OpenMultiIndex(filepath.Join(s.dir, MultiIndexFileName))
	if err != nil {
		return nil, errors.Wrap(err, "reopen multi-pack-index")
	}

	s.mu.Lock()
	if s.handles != nil {
		s.handles.Purge()
	}
	s.midx = m
	s.filter = nil
	s.mu.Unlock()
	return outcome, nil
}

// ReadFileIndex decodes a file index from disk, stamping it with the
// file's modification time.
func ReadFileIndex(path string, kind HashKind) (*FileIndex, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	mtime := st.ModTime()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeFileIndex(data, mtime, kind)
}

// Close releases every mapping the store holds. The store must not be
// used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.handles != nil {
		s.handles.Purge()
	}
	return nil
}

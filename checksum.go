package packidx

import (
	"hash"
	"io"
)

// hashWriter wraps the raw output sink of an index write with a running
// digest over every byte that passes through, plus byte accounting for
// progress reporting.
//
// The digest is never reset mid-file: after the last chunk body it equals
// the trailing checksum the file format requires, so the writer both
// appends it and returns it as the outcome of the write.
type hashWriter struct {
	inner    io.Writer
	digest   hash.Hash
	progress Progress

	// n counts bytes successfully written to inner. The trailer itself is
	// written around the hashWriter and is not included.
	n int64
}

func newHashWriter(w io.Writer, kind HashKind, progress Progress) *hashWriter {
	return &hashWriter{inner: w, digest: kind.newHasher(), progress: progress}
}

func (w *hashWriter) Write(p []byte) (int, error) {
	n, err := w.inner.Write(p)
	if n > 0 {
		// hash.Hash.Write never returns an error.
		w.digest.Write(p[:n])
		w.n += int64(n)
		w.progress.Inc(int64(n))
	}
	return n, err
}

// sum returns the digest accumulated so far, left-aligned in a Hash.
func (w *hashWriter) sum() Hash {
	return hashFromBytes(w.digest.Sum(nil))
}

func (w *hashWriter) bytesWritten() int64 { return w.n }

// computeChecksum digests all bytes of r in [0, size) and returns the
// result. Used on the read side to verify a file's trailing checksum.
func computeChecksum(r io.ReaderAt, size int64, kind HashKind) (Hash, error) {
	h := kind.newHasher()
	if _, err := io.Copy(h, io.NewSectionReader(r, 0, size)); err != nil {
		return Hash{}, err
	}
	return hashFromBytes(h.Sum(nil)), nil
}

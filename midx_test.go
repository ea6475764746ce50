package packidx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempMidx(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), MultiIndexFileName)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpenMultiIndex(t *testing.T) {
	for _, kind := range []HashKind{Sha1, Sha256} {
		t.Run(kind.String(), func(t *testing.T) {
			objs := []midxObject{
				{testHash(kind, 0x11, 1), 0, 150},
				{testHash(kind, 0x11, 2), 1, 9000},
				{testHash(kind, 0xe0, 3), 1, 42},
			}
			data := buildMidxData(t, kind, []string{"pack-a.idx", "pack-b.idx"}, objs)

			m, err := OpenMultiIndex(writeTempMidx(t, data))
			require.NoError(t, err)

			assert.Equal(t, kind, m.HashKind())
			assert.Equal(t, uint32(3), m.NumObjects())
			assert.Equal(t, []string{"pack-a.idx", "pack-b.idx"}, m.PackNames())

			for _, o := range objs {
				loc, ok := m.Lookup(o.id)
				require.True(t, ok)
				assert.Equal(t, o.pack, loc.PackIndex)
				assert.Equal(t, o.off, loc.Offset)
			}

			_, ok := m.Lookup(testHash(kind, 0x11, 9))
			assert.False(t, ok)
			_, ok = m.Lookup(testHash(kind, 0x50, 9))
			assert.False(t, ok)

			// Fan-out is cumulative by first ID byte.
			assert.Equal(t, uint32(0), m.Fanout(0x10))
			assert.Equal(t, uint32(2), m.Fanout(0x11))
			assert.Equal(t, uint32(2), m.Fanout(0xdf))
			assert.Equal(t, uint32(3), m.Fanout(0xe0))
		})
	}
}

func TestOpenMultiIndexLargeOffsets(t *testing.T) {
	kind := Sha1
	objs := []midxObject{
		{testHash(kind, 0x01, 1), 0, maxSmallOffset},
		{testHash(kind, 0x02, 2), 0, maxSmallOffset + 1},
		{testHash(kind, 0x03, 3), 0, 7_000_000_000},
	}
	data := buildMidxData(t, kind, []string{"big.idx"}, objs)

	m, err := OpenMultiIndex(writeTempMidx(t, data))
	require.NoError(t, err)

	for _, o := range objs {
		loc, ok := m.Lookup(o.id)
		require.True(t, ok)
		assert.Equal(t, o.off, loc.Offset)
	}
}

func TestOpenMultiIndexSkipsUnknownChunks(t *testing.T) {
	kind := Sha1
	objs := []midxObject{{testHash(kind, 0x77, 1), 0, 64}}
	// 'RIDX' is a real chunk id this decoder does not interpret.
	extra := testChunk{id: 0x52494458, data: []byte{0, 0, 0, 1}}
	data := buildMidxData(t, kind, []string{"pack-x.idx"}, objs, extra)

	m, err := OpenMultiIndex(writeTempMidx(t, data))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.NumObjects())

	loc, ok := m.Lookup(objs[0].id)
	require.True(t, ok)
	assert.Equal(t, uint64(64), loc.Offset)
}

func TestOpenMultiIndexRejectsBadFiles(t *testing.T) {
	kind := Sha1
	good := buildMidxData(t, kind, []string{"pack-a.idx"},
		[]midxObject{{testHash(kind, 0x42, 1), 0, 128}})

	reseal := func(data []byte) []byte {
		h := kind.newHasher()
		h.Write(data[:len(data)-kind.Size()])
		copy(data[len(data)-kind.Size():], h.Sum(nil))
		return data
	}

	t.Run("bad signature", func(t *testing.T) {
		data := append([]byte(nil), good...)
		data[0] = 'X'
		_, err := OpenMultiIndex(writeTempMidx(t, reseal(data)))
		var ce *CorruptError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("unsupported version", func(t *testing.T) {
		data := append([]byte(nil), good...)
		data[4] = 2
		_, err := OpenMultiIndex(writeTempMidx(t, reseal(data)))
		var ve *UnsupportedVersionError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("unknown hash kind", func(t *testing.T) {
		data := append([]byte(nil), good...)
		data[5] = 9
		_, err := OpenMultiIndex(writeTempMidx(t, data))
		var ce *CorruptError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("flipped payload byte", func(t *testing.T) {
		data := append([]byte(nil), good...)
		data[len(data)/2] ^= 0xff
		_, err := OpenMultiIndex(writeTempMidx(t, data))
		require.ErrorIs(t, err, ErrBadChecksum)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := OpenMultiIndex(writeTempMidx(t, good[:midxHeaderLen+4]))
		require.Error(t, err)
	})

	t.Run("missing last byte", func(t *testing.T) {
		_, err := OpenMultiIndex(writeTempMidx(t, good[:len(good)-1]))
		require.ErrorIs(t, err, ErrBadChecksum)
	})

	t.Run("pack index out of range", func(t *testing.T) {
		data := buildMidxData(t, kind, []string{"only.idx"},
			[]midxObject{{testHash(kind, 0x42, 1), 3, 128}})
		_, err := OpenMultiIndex(writeTempMidx(t, data))
		var ce *CorruptError
		require.ErrorAs(t, err, &ce)
	})
}

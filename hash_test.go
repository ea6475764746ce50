package packidx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHash(t *testing.T) {
	t.Run("sha1", func(t *testing.T) {
		s := "0123456789abcdef0123456789abcdef01234567"
		h, err := ParseHash(s)
		require.NoError(t, err)
		assert.Equal(t, s, h.Format(Sha1))
		// Padding beyond the significant width stays zero.
		assert.Equal(t, [12]byte{}, [12]byte(h[20:]))
	})

	t.Run("sha256", func(t *testing.T) {
		s := strings.Repeat("42", 32)
		h, err := ParseHash(s)
		require.NoError(t, err)
		assert.Equal(t, s, h.Format(Sha256))
	})

	t.Run("bad length", func(t *testing.T) {
		_, err := ParseHash("abcdef")
		require.Error(t, err)
	})

	t.Run("bad characters", func(t *testing.T) {
		_, err := ParseHash(strings.Repeat("zz", 20))
		require.Error(t, err)
	})
}

func TestCompareHash(t *testing.T) {
	a, err := ParseHash(strings.Repeat("00", 19) + "01")
	require.NoError(t, err)
	b, err := ParseHash(strings.Repeat("00", 19) + "02")
	require.NoError(t, err)

	assert.Negative(t, compareHash(a, b))
	assert.Positive(t, compareHash(b, a))
	assert.Zero(t, compareHash(a, a))

	// SHA-1 values compare correctly despite the zero padding because the
	// padding itself always ties.
	assert.Negative(t, compareHash(Hash{}, a))
}

func TestHashFromBytes(t *testing.T) {
	h := hashFromBytes([]byte{0xde, 0xad})
	assert.Equal(t, byte(0xde), h[0])
	assert.Equal(t, byte(0xad), h[1])
	assert.Equal(t, byte(0), h[2])
}

package testhelper_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cryptorand "crypto/rand"
	mathrand "math/rand"

	"github.com/scratchrealm/kachery/testhelper"
)

func TestRandChars(t *testing.T) {
	t.Run("validate length", func(t *testing.T) {
		t.Parallel()

		s, err := testhelper.RandChars(5, testhelper.AllChars, cryptorand.Reader)
		require.NoError(t, err)

		assert.Len(t, s, 5)
	})

	t.Run("validate value based on deterministic source", func(t *testing.T) {
		t.Parallel()

		src := mathrand.NewSource(123)

		//nolint:gosec
		s, err := testhelper.RandChars(5, testhelper.AllChars, mathrand.New(src))
		require.NoError(t, err)

		assert.Equal(t, "a2lzq", s)
	})
}

func TestRandHexHash(t *testing.T) {
	t.Parallel()

	h := testhelper.MustRandHexHash(40)
	assert.Len(t, h, 40)
	assert.Regexp(t, "^[0-9a-f]{40}$", h)
}

func TestRandBytes(t *testing.T) {
	t.Parallel()

	b := testhelper.MustRandBytes(128)
	assert.Len(t, b, 128)
}

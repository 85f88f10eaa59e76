package chunkmanifest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scratchrealm/kachery/internal/digest"
	"github.com/scratchrealm/kachery/manifest/chunkmanifest"
)

func TestActivates(t *testing.T) {
	t.Parallel()

	assert.False(t, chunkmanifest.Activates(digest.SHA1, 4_000_000))
	assert.True(t, chunkmanifest.Activates(digest.SHA1, 4_000_001))
	assert.False(t, chunkmanifest.Activates(digest.MD5, 10_000_000))
}

func content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i * 7) % 256)
	}

	return b
}

func TestComputeFileManifestChunksCoverWholeFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	data := content(25_000_000)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	wantSHA1, err := digest.HashBytes(data, digest.SHA1)
	require.NoError(t, err)

	sha1Hex, manifest, err := chunkmanifest.ComputeFileManifest(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, wantSHA1, sha1Hex)
	assert.Equal(t, wantSHA1, manifest.SHA1)
	assert.Equal(t, int64(len(data)), manifest.Size)

	require.NotEmpty(t, manifest.Chunks)
	assert.Equal(t, int64(0), manifest.Chunks[0].Start)
	assert.Equal(t, int64(len(data)), manifest.Chunks[len(manifest.Chunks)-1].End)

	for i := 0; i+1 < len(manifest.Chunks); i++ {
		assert.Equal(t, manifest.Chunks[i].End, manifest.Chunks[i+1].Start)
	}

	for _, c := range manifest.Chunks {
		chunkData := data[c.Start:c.End]
		wantChunkHash, err := digest.HashBytes(chunkData, digest.SHA1)
		require.NoError(t, err)
		assert.Equal(t, wantChunkHash, c.SHA1)
	}
}

func TestComputeFileManifestChunkCountWithinTargetRange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	data := content(50_000_000)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, manifest, err := chunkmanifest.ComputeFileManifest(context.Background(), path)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(manifest.Chunks), 10)
	assert.LessOrEqual(t, len(manifest.Chunks), 100)
}

func TestComputeBufManifestMatchesFileManifestShape(t *testing.T) {
	t.Parallel()

	data := content(30_000_000)

	m, err := chunkmanifest.ComputeBufManifest(data)
	require.NoError(t, err)

	wantSHA1, err := digest.HashBytes(data, digest.SHA1)
	require.NoError(t, err)
	assert.Equal(t, wantSHA1, m.SHA1)

	for i := 0; i+1 < len(m.Chunks); i++ {
		assert.Equal(t, m.Chunks[i].End, m.Chunks[i+1].Start)
	}
}

func TestFirstChunkAboveFloorGetsNestedManifest(t *testing.T) {
	t.Parallel()

	buf := content(21_000_000)
	m, err := chunkmanifest.ComputeBufManifest(buf)
	require.NoError(t, err)

	first := m.Chunks[0]
	if first.End-first.Start > 10_000_000 {
		require.NotNil(t, first.Manifest)
		assert.Equal(t, first.End-first.Start, first.Manifest.Size)
	}
}

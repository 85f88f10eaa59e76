package dirmanifest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scratchrealm/kachery/internal/digest"
	"github.com/scratchrealm/kachery/manifest/dirmanifest"
)

func hashFile(_ context.Context, path string, alg digest.Algorithm) (string, error) {
	return digest.HashFile(path, alg)
}

func TestReadDirBuildsRecursiveManifest(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "config"), []byte("x"), 0o600))

	m, err := dirmanifest.ReadDir(context.Background(), root, dirmanifest.ReadDirOptions{
		Recursive:   true,
		ComputeHash: true,
		Algorithm:   digest.SHA1,
		Hash:        hashFile,
	})
	require.NoError(t, err)

	require.Contains(t, m.Files, "a.txt")
	assert.Equal(t, int64(5), m.Files["a.txt"].Size)
	assert.NotEmpty(t, m.Files["a.txt"].SHA1)

	require.Contains(t, m.Dirs, "sub")
	assert.Contains(t, m.Dirs["sub"].Files, "b.txt")

	assert.NotContains(t, m.Dirs, ".git")
}

func TestReadDirNonRecursiveTruncatesSubdirs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world"), 0o600))

	m, err := dirmanifest.ReadDir(context.Background(), root, dirmanifest.ReadDirOptions{
		Recursive: false,
	})
	require.NoError(t, err)

	require.Contains(t, m.Dirs, "sub")
	assert.Empty(t, m.Dirs["sub"].Files)
	assert.Empty(t, m.Dirs["sub"].Dirs)
}

type memBlobStore struct {
	blobs map[string][]byte
}

func (s *memBlobStore) store(_ context.Context, data []byte) (string, error) {
	h, err := digest.HashBytes(data, digest.SHA1)
	if err != nil {
		return "", err
	}

	s.blobs[h] = data

	return h, nil
}

func (s *memBlobStore) LoadBytes(_ context.Context, _ digest.Algorithm, hash string) ([]byte, error) {
	data, ok := s.blobs[hash]
	if !ok {
		return nil, os.ErrNotExist
	}

	return data, nil
}

type memFileCopier struct {
	content map[string][]byte // hash -> bytes
}

func (c memFileCopier) LoadFile(_ context.Context, _ digest.Algorithm, hash string, dest string) error {
	return os.WriteFile(dest, c.content[hash], 0o600)
}

func TestStoreDirThenLoadDirRoundTrip(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("world"), 0o600))

	store := &memBlobStore{blobs: map[string][]byte{}}
	content := map[string][]byte{}

	aHash, err := digest.HashBytes([]byte("hello"), digest.SHA1)
	require.NoError(t, err)
	content[aHash] = []byte("hello")

	bHash, err := digest.HashBytes([]byte("world"), digest.SHA1)
	require.NoError(t, err)
	content[bHash] = []byte("world")

	u, err := dirmanifest.StoreDir(context.Background(), src, "mydata", dirmanifest.ReadDirOptions{
		Recursive:   true,
		ComputeHash: true,
		Algorithm:   digest.SHA1,
		Hash:        hashFile,
	}, store.store)
	require.NoError(t, err)
	assert.Contains(t, u, "sha1dir://")
	assert.Contains(t, u, ".mydata")

	dest := filepath.Join(t.TempDir(), "out")

	hashStart := len("sha1dir://")
	manifestHash := u[hashStart : hashStart+40]

	err = dirmanifest.LoadDir(context.Background(), store, memFileCopier{content: content}, digest.SHA1, manifestHash, dest)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got2, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(got2))
}

func TestLoadDirFailsIfDestinationExists(t *testing.T) {
	t.Parallel()

	store := &memBlobStore{blobs: map[string][]byte{}}

	emptyManifest := []byte(`{"files":{},"dirs":{}}`)
	hash, err := digest.HashBytes(emptyManifest, digest.SHA1)
	require.NoError(t, err)
	store.blobs[hash] = emptyManifest

	dest := t.TempDir()

	err = dirmanifest.LoadDir(context.Background(), store, memFileCopier{}, digest.SHA1, hash, dest)
	require.ErrorIs(t, err, dirmanifest.ErrDestinationExists)
}

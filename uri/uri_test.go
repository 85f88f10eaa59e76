package uri_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scratchrealm/kachery/internal/digest"
	"github.com/scratchrealm/kachery/manifest/dirmanifest"
	"github.com/scratchrealm/kachery/uri"
)

func TestParseSimple(t *testing.T) {
	t.Parallel()

	u, err := uri.Parse("sha1://69c2c724026dde5fd51e796b3d84fea6aeb6f5f0")
	require.NoError(t, err)
	assert.Equal(t, "sha1", u.Scheme)
	assert.Equal(t, "69c2c724026dde5fd51e796b3d84fea6aeb6f5f0", u.Hash)
	assert.Equal(t, digest.SHA1, u.Algorithm())
	assert.False(t, u.IsDir())
}

func TestParseWithLabelPathAndManifest(t *testing.T) {
	t.Parallel()

	s := "sha1dir://69c2c724026dde5fd51e796b3d84fea6aeb6f5f0.mydata/sub/file.txt?manifest=abc123"
	u, err := uri.Parse(s)
	require.NoError(t, err)
	assert.Equal(t, "sha1dir", u.Scheme)
	assert.Equal(t, "mydata", u.Label)
	assert.Equal(t, []string{"sub", "file.txt"}, u.PathSegments)
	assert.Equal(t, "abc123", u.ManifestHash)
	assert.True(t, u.IsDir())
}

func TestParseMD5(t *testing.T) {
	t.Parallel()

	u, err := uri.Parse("md5://d41d8cd98f00b204e9800998ecf8427e")
	require.NoError(t, err)
	assert.Equal(t, digest.MD5, u.Algorithm())
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	_, err := uri.Parse("not-a-uri")
	require.ErrorIs(t, err, uri.ErrInvalidURI)
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	s := "sha1dir://69c2c724026dde5fd51e796b3d84fea6aeb6f5f0.mydata/sub/file.txt?manifest=abc123"
	u, err := uri.Parse(s)
	require.NoError(t, err)
	assert.Equal(t, s, u.String())
}

type fakeLoader struct {
	manifests map[string]*dirmanifest.Manifest
}

func (f fakeLoader) LoadManifest(_ context.Context, _ digest.Algorithm, hash string) (*dirmanifest.Manifest, error) {
	m, ok := f.manifests[hash]
	if !ok {
		return nil, uri.ErrNotFound
	}

	return m, nil
}

const rootHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestResolveNonDirReturnsDirectly(t *testing.T) {
	t.Parallel()

	u, err := uri.Parse("sha1://69c2c724026dde5fd51e796b3d84fea6aeb6f5f0")
	require.NoError(t, err)

	res, err := uri.Resolve(context.Background(), u, fakeLoader{})
	require.NoError(t, err)
	assert.Equal(t, "69c2c724026dde5fd51e796b3d84fea6aeb6f5f0", res.Hash)
}

func TestResolveDirTraversesPath(t *testing.T) {
	t.Parallel()

	loader := fakeLoader{manifests: map[string]*dirmanifest.Manifest{
		rootHash: {
			Files: map[string]dirmanifest.FileEntry{},
			Dirs: map[string]*dirmanifest.Manifest{
				"sub": {
					Files: map[string]dirmanifest.FileEntry{
						"file.txt": {Size: 5, SHA1: "deadbeef"},
					},
					Dirs: map[string]*dirmanifest.Manifest{},
				},
			},
		},
	}}

	u, err := uri.Parse("sha1dir://" + rootHash + "/sub/file.txt")
	require.NoError(t, err)

	res, err := uri.Resolve(context.Background(), u, loader)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", res.Hash)
	assert.Equal(t, digest.SHA1, res.Algorithm)
}

func TestResolveDirMissingNameNotFound(t *testing.T) {
	t.Parallel()

	loader := fakeLoader{manifests: map[string]*dirmanifest.Manifest{
		rootHash: {Files: map[string]dirmanifest.FileEntry{}, Dirs: map[string]*dirmanifest.Manifest{}},
	}}

	u, err := uri.Parse("sha1dir://" + rootHash + "/missing.txt")
	require.NoError(t, err)

	_, err = uri.Resolve(context.Background(), u, loader)
	require.ErrorIs(t, err, uri.ErrNotFound)
}

func TestResolveDirPathEndingOnSubdirectoryNotFound(t *testing.T) {
	t.Parallel()

	loader := fakeLoader{manifests: map[string]*dirmanifest.Manifest{
		rootHash: {
			Files: map[string]dirmanifest.FileEntry{},
			Dirs: map[string]*dirmanifest.Manifest{
				"sub": {Files: map[string]dirmanifest.FileEntry{}, Dirs: map[string]*dirmanifest.Manifest{}},
			},
		},
	}}

	u, err := uri.Parse("sha1dir://" + rootHash + "/sub")
	require.NoError(t, err)

	_, err = uri.Resolve(context.Background(), u, loader)
	require.ErrorIs(t, err, uri.ErrNotFound)
}

func TestResolveDirRootWithoutPath(t *testing.T) {
	t.Parallel()

	loader := fakeLoader{manifests: map[string]*dirmanifest.Manifest{
		rootHash: {Files: map[string]dirmanifest.FileEntry{}, Dirs: map[string]*dirmanifest.Manifest{}},
	}}

	u, err := uri.Parse("sha1dir://" + rootHash)
	require.NoError(t, err)

	res, err := uri.Resolve(context.Background(), u, loader)
	require.NoError(t, err)
	assert.Equal(t, rootHash, res.Hash)
}

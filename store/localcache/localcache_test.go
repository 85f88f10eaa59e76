package localcache_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scratchrealm/kachery/internal/digest"
	"github.com/scratchrealm/kachery/store/localcache"
)

func TestPutFind(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	c := localcache.New(digest.SHA1, root)

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "a.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("hello kachery"), 0o600))

	dest, hash, err := c.Put(context.Background(), srcPath)
	require.NoError(t, err)
	assert.FileExists(t, dest)

	found, ok := c.Find(context.Background(), hash)
	require.True(t, ok)
	assert.Equal(t, dest, found)

	content, err := os.ReadFile(found)
	require.NoError(t, err)
	assert.Equal(t, "hello kachery", string(content))
}

func TestPutIsIdempotent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	c := localcache.New(digest.SHA1, root)

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "a.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("repeat me"), 0o600))

	dest1, hash1, err := c.Put(context.Background(), srcPath)
	require.NoError(t, err)

	dest2, hash2, err := c.Put(context.Background(), srcPath)
	require.NoError(t, err)

	assert.Equal(t, dest1, dest2)
	assert.Equal(t, hash1, hash2)
}

func TestMoveInRemovesSource(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	c := localcache.New(digest.SHA1, root)

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "a.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("move me"), 0o600))

	dest, err := c.MoveIn(context.Background(), srcPath)
	require.NoError(t, err)
	assert.FileExists(t, dest)
	assert.NoFileExists(t, srcPath)
}

func TestFindNotPresent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	c := localcache.New(digest.SHA1, root)

	_, ok := c.Find(context.Background(), "0000000000000000000000000000000000000a")
	assert.False(t, ok)
}

func TestAltRootIsConsultedReadOnly(t *testing.T) {
	t.Parallel()

	primaryRoot := t.TempDir()
	altRoot := t.TempDir()

	altCache := localcache.New(digest.SHA1, filepath.Join(altRoot, "sha1"))
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "a.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("from alt"), 0o600))

	_, hash, err := altCache.Put(context.Background(), srcPath)
	require.NoError(t, err)

	c := localcache.New(digest.SHA1, primaryRoot, localcache.WithAltRoot(altRoot))

	found, ok := c.Find(context.Background(), hash)
	require.True(t, ok)

	content, err := os.ReadFile(found)
	require.NoError(t, err)
	assert.Equal(t, "from alt", string(content))
}

func TestByCodeRoundTrip(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	c := localcache.New(digest.SHA1, root)

	code := "abc123codevalue"
	data := []byte("range payload")

	path, err := c.PutByCode(code, data)
	require.NoError(t, err)

	found, ok := c.FindByCode(code)
	require.True(t, ok)
	assert.Equal(t, path, found)

	content, err := os.ReadFile(found)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestDownloadVerifiesDigestAndSize(t *testing.T) {
	t.Parallel()

	payload := []byte("downloaded content")
	want, err := digest.HashBytes(payload, digest.SHA1)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	root := t.TempDir()
	c := localcache.New(digest.SHA1, root)

	dest, err := c.Download(context.Background(), srv.URL, want, "", int64(len(payload)))
	require.NoError(t, err)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, content)
}

func TestDownloadRejectsDigestMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not what was expected"))
	}))
	defer srv.Close()

	root := t.TempDir()
	c := localcache.New(digest.SHA1, root)

	_, err := c.Download(context.Background(), srv.URL, "0000000000000000000000000000000000000a", "", -1)
	require.ErrorIs(t, err, localcache.ErrIntegrity)
}

func TestResolveRootPrefersExplicit(t *testing.T) {
	t.Parallel()

	got := localcache.ResolveRoot(context.Background(), digest.SHA1, "/tmp/explicit-root")
	assert.Equal(t, filepath.Join("/tmp/explicit-root", "sha1"), got)
}

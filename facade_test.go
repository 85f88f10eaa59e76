package kachery_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scratchrealm/kachery"
	"github.com/scratchrealm/kachery/remote"
	"github.com/scratchrealm/kachery/testhelper"
	"github.com/scratchrealm/kachery/uri"
)

func localOnlyConfig(t *testing.T) kachery.Config {
	t.Helper()

	return kachery.Config{StorageDir: testhelper.TempStorageRoot(t)}
}

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	return path
}

func TestStoreFileLoadFileRoundTrip(t *testing.T) {
	restore := kachery.WithConfig(localOnlyConfig(t))
	defer restore()

	path := writeTempFile(t, []byte("abctest"))

	u, err := kachery.StoreFile(context.Background(), path, "", false, false)
	require.NoError(t, err)
	assert.Equal(t, "sha1://49440ae7cec983ae6155b1d4d80ee77bd071b115/input", u)

	loaded, err := kachery.LoadFile(context.Background(), u, "")
	require.NoError(t, err)
	require.NotEmpty(t, loaded)

	data, err := os.ReadFile(loaded)
	require.NoError(t, err)
	assert.Equal(t, "abctest", string(data))
}

func TestLoadFileMaterializesAtDest(t *testing.T) {
	restore := kachery.WithConfig(localOnlyConfig(t))
	defer restore()

	path := writeTempFile(t, []byte("hello world"))

	u, err := kachery.StoreFile(context.Background(), path, "greeting.txt", false, false)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out", "greeting.txt")

	got, err := kachery.LoadFile(context.Background(), u, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, got)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestLoadFileNotFoundReturnsEmptyPath(t *testing.T) {
	restore := kachery.WithConfig(localOnlyConfig(t))
	defer restore()

	path, err := kachery.LoadFile(context.Background(), "sha1://0000000000000000000000000000000000000000", "")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestLoadBytesPartialRange(t *testing.T) {
	restore := kachery.WithConfig(localOnlyConfig(t))
	defer restore()

	path := writeTempFile(t, []byte("0123456789"))

	u, err := kachery.StoreFile(context.Background(), path, "", false, false)
	require.NoError(t, err)

	got, err := kachery.LoadBytes(context.Background(), u, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("234"), got)
}

func TestLoadBytesInvalidRange(t *testing.T) {
	restore := kachery.WithConfig(localOnlyConfig(t))
	defer restore()

	path := writeTempFile(t, []byte("0123456789"))

	u, err := kachery.StoreFile(context.Background(), path, "", false, false)
	require.NoError(t, err)

	_, err = kachery.LoadBytes(context.Background(), u, 8, 4)
	require.Error(t, err)
}

func TestLoadBytesOpenEndedWithNonZeroStartIsUnhandled(t *testing.T) {
	restore := kachery.WithConfig(localOnlyConfig(t))
	defer restore()

	path := writeTempFile(t, []byte("0123456789"))

	u, err := kachery.StoreFile(context.Background(), path, "", false, false)
	require.NoError(t, err)

	_, err = kachery.LoadBytes(context.Background(), u, 2, -1)
	require.ErrorIs(t, err, kachery.ErrUsage)
}

func TestWithConfigRestoresPrevious(t *testing.T) {
	before := kachery.GetConfig()

	restore := kachery.WithConfig(kachery.Config{StorageDir: "/tmp/whatever-kachery-test"})
	assert.Equal(t, "/tmp/whatever-kachery-test", kachery.GetConfig().StorageDir)

	restore()
	assert.Equal(t, before, kachery.GetConfig())
}

func TestStoreFileUploadsToWriteRemote(t *testing.T) {
	fr := testhelper.NewFakeRemote(t)

	cfg := localOnlyConfig(t)
	cfg.To = &remote.Endpoint{URL: fr.Server.URL, Channel: "default", Password: remote.Password{Literal: "pw"}}

	restore := kachery.WithConfig(cfg)
	defer restore()

	path := writeTempFile(t, []byte("uploaded content"))

	u, err := kachery.StoreFile(context.Background(), path, "", false, false)
	require.NoError(t, err)

	parsed, err := uri.Parse(u)
	require.NoError(t, err)

	client := remote.NewClient()
	res, err := client.Check(context.Background(), *cfg.To, parsed.Algorithm(), parsed.Hash)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.EqualValues(t, len("uploaded content"), res.Size)
}

func TestOpenFileFallsBackToReadRemote(t *testing.T) {
	fr := testhelper.NewFakeRemote(t)
	fr.Seed("sha1", "49440ae7cec983ae6155b1d4d80ee77bd071b115", []byte("abctest"))

	cfg := localOnlyConfig(t)
	cfg.Fr = &remote.Endpoint{URL: fr.Server.URL, Channel: "default", Password: remote.Password{Literal: "pw"}}

	restore := kachery.WithConfig(cfg)
	defer restore()

	r, size, err := kachery.OpenFile(context.Background(), "sha1://49440ae7cec983ae6155b1d4d80ee77bd071b115")
	require.NoError(t, err)
	defer r.Close()

	assert.EqualValues(t, 7, size)

	buf := make([]byte, size)
	_, err = r.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "abctest", string(buf))
}

func TestStoreDirLoadDirReadDirRoundTrip(t *testing.T) {
	restore := kachery.WithConfig(localOnlyConfig(t))
	defer restore()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("world"), 0o600))

	u, err := kachery.StoreDir(context.Background(), src, "mydata", true, false, true)
	require.NoError(t, err)
	assert.Contains(t, u, "sha1dir://")
	assert.Contains(t, u, ".mydata")

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, kachery.LoadDir(context.Background(), u, dest))

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got2, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(got2))

	m, err := kachery.ReadDir(context.Background(), u, true, false, false)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Contains(t, m.Files, "a.txt")
	require.Contains(t, m.Dirs, "sub")
	assert.Contains(t, m.Dirs["sub"].Files, "b.txt")

	mTruncated, err := kachery.ReadDir(context.Background(), u, false, false, false)
	require.NoError(t, err)
	require.NotNil(t, mTruncated)
	require.Contains(t, mTruncated.Dirs, "sub")
	assert.Empty(t, mTruncated.Dirs["sub"].Files)

	mSub, err := kachery.ReadDir(context.Background(), u+"/sub", true, false, false)
	require.NoError(t, err)
	require.NotNil(t, mSub)
	assert.Contains(t, mSub.Files, "b.txt")
}

func TestReadDirPathEndingOnFileIsError(t *testing.T) {
	restore := kachery.WithConfig(localOnlyConfig(t))
	defer restore()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o600))

	u, err := kachery.StoreDir(context.Background(), src, "mydata", true, false, true)
	require.NoError(t, err)

	_, err = kachery.ReadDir(context.Background(), u+"/a.txt", true, false, false)
	require.ErrorIs(t, err, kachery.ErrUsage)
}

func TestReadDirMissingSegmentReturnsNil(t *testing.T) {
	restore := kachery.WithConfig(localOnlyConfig(t))
	defer restore()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o600))

	u, err := kachery.StoreDir(context.Background(), src, "mydata", true, false, true)
	require.NoError(t, err)

	m, err := kachery.ReadDir(context.Background(), u+"/missing", true, false, false)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestOpenFileNoRemoteConfiguredAndNotLocal(t *testing.T) {
	restore := kachery.WithConfig(localOnlyConfig(t))
	defer restore()

	_, _, err := kachery.OpenFile(context.Background(), "sha1://0000000000000000000000000000000000000000")
	require.ErrorIs(t, err, kachery.ErrConfigMissing)
}


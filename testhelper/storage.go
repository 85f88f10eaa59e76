package testhelper

import "testing"

// TempStorageRoot returns a fresh directory under t.TempDir for use as a
// localcache.Cache root, cleaned up automatically when the test ends.
func TempStorageRoot(t *testing.T) string {
	t.Helper()

	return t.TempDir()
}

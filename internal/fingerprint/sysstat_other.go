//go:build !unix

package fingerprint

import "os"

type sysStatFields struct {
	ino   uint64
	mtime int64
	ctime int64
}

// sysStat has no inode/ctime on non-Unix platforms; fingerprints there fall
// back to size+mtime only, which is weaker but never produces a false
// cache hit (mtime still changes on any modification).
func sysStat(info os.FileInfo) *sysStatFields {
	return &sysStatFields{mtime: info.ModTime().UnixNano()}
}

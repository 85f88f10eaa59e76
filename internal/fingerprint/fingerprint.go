// Package fingerprint implements the stat-fingerprint cache (spec.md §4.C):
// given a path, return a prior digest if the file's stat fingerprint is
// unchanged, otherwise compute, record, and return it. This is the fast
// path that lets kachery skip rehashing large, unchanged files.
package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scratchrealm/kachery/internal/digest"
	"github.com/scratchrealm/kachery/internal/filelock"
)

// smallFileThreshold is the size below which Compute bypasses the
// fingerprint cache entirely and hashes directly (spec.md §4.A tie-break).
const smallFileThreshold = 100_000

// Stat is the subset of os.FileInfo that makes up a fingerprint.
type Stat struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	Ino   uint64 `json:"ino"`
	Mtime int64  `json:"mtime"`
	Ctime int64  `json:"ctime"`
}

type record struct {
	Stat Stat   `json:"stat"`
	Sha1 string `json:"sha1,omitempty"`
	Md5  string `json:"md5,omitempty"`
}

type hints struct {
	Files []record `json:"files"`
}

// CachePather resolves the canonical and record/hints side-file paths for a
// digest under an algorithm. It is satisfied by *localcache.Cache, kept as
// an interface here to avoid an import cycle (localcache depends on
// fingerprint, not the reverse).
type CachePather interface {
	PathFor(alg digest.Algorithm, hash string) string
}

// Compute returns path's digest under alg, consulting and updating the
// fingerprint cache as described in spec.md §4.C.
func Compute(ctx context.Context, cp CachePather, path string, alg digest.Algorithm) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	if info.Size() < smallFileThreshold {
		return digest.HashFile(path, alg)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("error resolving absolute path for %q: %w", path, err)
	}

	basename := filepath.Base(absPath)
	if len(basename) == alg.HexLen() && cp.PathFor(alg, basename) == absPath {
		return basename, nil
	}

	st := statOf(absPath, info)

	key, err := digest.DigestOfCanonicalJSON(st)
	if err != nil {
		return "", fmt.Errorf("error computing fingerprint key: %w", err)
	}

	recordPath := cp.PathFor(alg, key) + ".record.json"

	if rec, ok := readRecord(ctx, recordPath); ok && rec.Stat == st {
		if h := fieldFor(rec, alg); h != "" {
			return h, nil
		}
	}

	hash, err := digest.HashFile(path, alg)
	if err != nil {
		return "", err
	}

	rec := record{Stat: st}
	setField(&rec, alg, hash)
	writeRecord(ctx, recordPath, rec)

	hintsPath := cp.PathFor(alg, hash) + ".hints.json"
	appendHint(ctx, hintsPath, rec)

	return hash, nil
}

func statOf(absPath string, info os.FileInfo) Stat {
	st := Stat{Path: absPath, Size: info.Size()}

	if sys := sysStat(info); sys != nil {
		st.Ino = sys.ino
		st.Mtime = sys.mtime
		st.Ctime = sys.ctime
	}

	return st
}

func fieldFor(r record, alg digest.Algorithm) string {
	if alg == digest.SHA1 {
		return r.Sha1
	}

	return r.Md5
}

func setField(r *record, alg digest.Algorithm, hash string) {
	if alg == digest.SHA1 {
		r.Sha1 = hash
	} else {
		r.Md5 = hash
	}
}

var recordMu sync.Mutex //nolint:gochecknoglobals // guards interleaving of lock+unlock in tests only; real exclusion is the flock

func readRecord(ctx context.Context, path string) (record, bool) {
	recordMu.Lock()
	defer recordMu.Unlock()

	g, err := filelock.RLock(ctx, path+".lock")
	if err != nil {
		return record{}, false
	}
	defer g.Release()

	raw, err := os.ReadFile(path)
	if err != nil {
		return record{}, false
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("corrupt record file, deleting")
		_ = os.Remove(path)

		return record{}, false
	}

	return rec, true
}

func writeRecord(ctx context.Context, path string, rec record) {
	recordMu.Lock()
	defer recordMu.Unlock()

	g, err := filelock.Lock(ctx, path+".lock")
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("unable to lock record file")

		return
	}
	defer g.Release()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("unable to create record directory")

		return
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("unable to marshal record")

		return
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("unable to write record file")
	}
}

func appendHint(ctx context.Context, path string, rec record) {
	recordMu.Lock()
	defer recordMu.Unlock()

	g, err := filelock.Lock(ctx, path+".lock")
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("unable to lock hints file")

		return
	}
	defer g.Release()

	var h hints

	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &h); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("corrupt hints file, resetting")

			h = hints{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("unable to read hints file")
	}

	h.Files = append(h.Files, rec)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("unable to create hints directory")

		return
	}

	raw, err := json.Marshal(h)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("unable to marshal hints")

		return
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("unable to write hints file")
	}
}

// Hints returns the previously observed stat fingerprints in an artifact's
// hints.json file at hintsPath whose current on-disk fingerprint still
// matches. Entries that no longer match are pruned from the file, per
// spec.md §4.D's pruning requirement; localcache.Find calls this.
func Hints(ctx context.Context, hintsPath string) []Stat {
	recordMu.Lock()
	defer recordMu.Unlock()

	g, err := filelock.Lock(ctx, hintsPath+".lock")
	if err != nil {
		return nil
	}
	defer g.Release()

	raw, err := os.ReadFile(hintsPath)
	if err != nil {
		return nil
	}

	var h hints
	if err := json.Unmarshal(raw, &h); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", hintsPath).Msg("corrupt hints file, deleting")
		_ = os.Remove(hintsPath)

		return nil
	}

	var (
		kept []record
		out  []Stat
	)

	for _, r := range h.Files {
		info, err := os.Stat(r.Stat.Path)
		if err != nil {
			continue
		}

		if statOf(r.Stat.Path, info) == r.Stat {
			kept = append(kept, r)
			out = append(out, r.Stat)
		}
	}

	if len(kept) != len(h.Files) {
		h.Files = kept

		if raw, err := json.Marshal(h); err == nil {
			_ = os.WriteFile(hintsPath, raw, 0o600)
		}
	}

	return out
}

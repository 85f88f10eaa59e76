// Package dirmanifest implements kachery's directory manifests (spec.md
// §4.F): a recursive, content-addressed snapshot of a directory tree.
//
// Grounded on the teacher's pkg/storage/local walking conventions and
// pkg/nar's recursive NAR-entry model, generalized to an explicit
// {files, dirs} JSON shape per spec.md §9's recursive sum type
// (Entry = File{...} | Dir{...}).
package dirmanifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/scratchrealm/kachery/internal/digest"
)

const otelPackageName = "github.com/scratchrealm/kachery/manifest/dirmanifest"

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// ErrDestinationExists is returned by LoadDir when the destination path
// already exists.
var ErrDestinationExists = errors.New("destination already exists")

// gitAnnexPattern matches the MD5E backend's symlink target format, e.g.
// "../../.git/annex/objects/.../MD5E-s12345--deadbeef...beef.ext".
var gitAnnexPattern = regexp.MustCompile(`MD5E-s(\d+)--([0-9a-fA-F]{32})(\.[^/]*)?$`)

// FileEntry is a single file's record within a Manifest.
type FileEntry struct {
	Size int64  `json:"size"`
	SHA1 string `json:"sha1,omitempty"`
	MD5  string `json:"md5,omitempty"`
}

// Algorithm returns whichever digest algorithm is populated, preferring
// sha1 when both are present (matches spec.md §4.E's alg_found rule).
func (f FileEntry) Algorithm() (digest.Algorithm, string, bool) {
	if f.SHA1 != "" {
		return digest.SHA1, f.SHA1, true
	}

	if f.MD5 != "" {
		return digest.MD5, f.MD5, true
	}

	return "", "", false
}

// Manifest is the recursive {files, dirs} snapshot of a directory.
type Manifest struct {
	Files map[string]FileEntry `json:"files"`
	Dirs  map[string]*Manifest `json:"dirs"`
}

func newManifest() *Manifest {
	return &Manifest{Files: map[string]FileEntry{}, Dirs: map[string]*Manifest{}}
}

// Truncate returns a copy of m with every subdirectory replaced by an
// empty manifest, used when a directory URI is read non-recursively
// (spec.md §4.F).
func (m *Manifest) Truncate() *Manifest {
	out := newManifest()
	for name, f := range m.Files {
		out.Files[name] = f
	}

	for name := range m.Dirs {
		out.Dirs[name] = newManifest()
	}

	return out
}

// Hasher computes a single file's digest for inclusion in a manifest.
type Hasher func(ctx context.Context, path string, alg digest.Algorithm) (string, error)

// Inserter is invoked once per regular file encountered while walking the
// filesystem, for the store_files=true case (spec.md §4.F): it should
// insert path into the local cache, and upload it when a write-remote is
// configured.
type Inserter func(ctx context.Context, path string, alg digest.Algorithm) error

// ReadDirOptions configures ReadDir.
type ReadDirOptions struct {
	Recursive    bool
	GitAnnexMode bool
	ComputeHash  bool
	StoreFiles   bool
	Algorithm    digest.Algorithm
	Hash         Hasher
	Insert       Inserter
}

// ReadDir walks the filesystem directory at path and builds its Manifest.
// Directories named .git or .datalad are skipped entirely. When
// GitAnnexMode is set, symlinks pointing into a .git/annex/objects tree
// are parsed as MD5E-sN--H.ext without reading file content.
func ReadDir(ctx context.Context, path string, opts ReadDirOptions) (*Manifest, error) {
	ctx, span := tracer.Start(ctx, "dirmanifest.ReadDir", trace.WithAttributes(
		attribute.String("path", path),
		attribute.Bool("recursive", opts.Recursive),
	))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(walkConcurrency())

	m, err := readDirLevel(gctx, g, path, opts)
	if err != nil {
		return nil, err
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !opts.Recursive {
		return m.Truncate(), nil
	}

	return m, nil
}

func walkConcurrency() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}

	return n
}

// readDirLevel walks one directory level synchronously (so subdirectory
// recursion never nests inside a bounded worker, which would deadlock the
// pool) and submits each file's hash/insert work to g, the single
// worker pool shared across the whole tree.
func readDirLevel(ctx context.Context, g *errgroup.Group, path string, opts ReadDirOptions) (*Manifest, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("error reading directory %q: %w", path, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	m := newManifest()

	var mu sync.Mutex

	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(path, name)

		if entry.IsDir() {
			if name == ".git" || name == ".datalad" {
				continue
			}

			sub, err := readDirLevel(ctx, g, full, opts)
			if err != nil {
				return nil, err
			}

			m.Dirs[name] = sub

			continue
		}

		if opts.GitAnnexMode && entry.Type()&fs.ModeSymlink != 0 {
			if fe, ok := parseGitAnnexSymlink(full); ok {
				mu.Lock()
				m.Files[name] = fe
				mu.Unlock()

				continue
			}
		}

		g.Go(func() error {
			fe, err := fileEntry(ctx, full, opts)
			if err != nil {
				return err
			}

			mu.Lock()
			m.Files[name] = fe
			mu.Unlock()

			if opts.StoreFiles && opts.Insert != nil {
				if err := opts.Insert(ctx, full, opts.Algorithm); err != nil {
					return fmt.Errorf("error inserting %q into cache: %w", full, err)
				}
			}

			return nil
		})
	}

	return m, nil
}

func fileEntry(ctx context.Context, path string, opts ReadDirOptions) (FileEntry, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return FileEntry{}, fmt.Errorf("error stating %q: %w", path, err)
	}

	fe := FileEntry{Size: info.Size()}

	if !opts.ComputeHash || opts.Hash == nil {
		return fe, nil
	}

	alg := opts.Algorithm
	if alg == "" {
		alg = digest.SHA1
	}

	h, err := opts.Hash(ctx, path, alg)
	if err != nil {
		return FileEntry{}, fmt.Errorf("error hashing %q: %w", path, err)
	}

	if alg == digest.MD5 {
		fe.MD5 = h
	} else {
		fe.SHA1 = h
	}

	return fe, nil
}

func parseGitAnnexSymlink(path string) (FileEntry, bool) {
	target, err := os.Readlink(path)
	if err != nil {
		return FileEntry{}, false
	}

	m := gitAnnexPattern.FindStringSubmatch(target)
	if m == nil {
		return FileEntry{}, false
	}

	size, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return FileEntry{}, false
	}

	return FileEntry{Size: size, MD5: m[2]}, true
}

// BytesLoader resolves a digest to its content, used to fetch serialized
// manifests and, in LoadDir, individual file bodies. Implementations
// typically compose a local-cache lookup with a remote download.
type BytesLoader interface {
	LoadBytes(ctx context.Context, alg digest.Algorithm, hash string) ([]byte, error)
}

// FileCopier materializes the artifact (alg, hash) at dest, e.g. via the
// facade's LoadFile.
type FileCopier interface {
	LoadFile(ctx context.Context, alg digest.Algorithm, hash string, dest string) error
}

// StoreDir builds a recursive manifest of path, serializes it as
// canonical JSON, stores it as a blob via store, and returns
// "<alg>dir://<hash>.<label>".
func StoreDir(
	ctx context.Context,
	path, label string,
	opts ReadDirOptions,
	store func(ctx context.Context, data []byte) (string, error),
) (string, error) {
	m, err := ReadDir(ctx, path, opts)
	if err != nil {
		return "", err
	}

	data, err := digest.CanonicalJSON(m)
	if err != nil {
		return "", fmt.Errorf("error serializing manifest: %w", err)
	}

	hash, err := store(ctx, data)
	if err != nil {
		return "", fmt.Errorf("error storing manifest: %w", err)
	}

	scheme := string(opts.Algorithm) + "dir"

	u := scheme + "://" + hash
	if label != "" {
		u += "." + label
	}

	return u, nil
}

// LoadManifest fetches and parses the manifest stored at hash.
func LoadManifest(ctx context.Context, loader BytesLoader, alg digest.Algorithm, hash string) (*Manifest, error) {
	data, err := loader.LoadBytes(ctx, alg, hash)
	if err != nil {
		return nil, fmt.Errorf("error loading manifest %s://%s: %w", alg, hash, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing manifest %s://%s: %w", alg, hash, err)
	}

	if m.Files == nil {
		m.Files = map[string]FileEntry{}
	}

	if m.Dirs == nil {
		m.Dirs = map[string]*Manifest{}
	}

	return &m, nil
}

// LoadDir materializes the manifest addressed by (alg, hash) under dest:
// dest must not already exist. Each file is resolved and copied into
// dest/name by direct write (never a hard link, regardless of any
// use-hard-links setting, which only governs local-cache insertion); each
// subdirectory recurses with dest/name as its own target. The manifest is
// fetched once through loader (the normal load path, so remote-only trees
// resolve transitively) and then walked entirely from the parsed
// structure, since subdirectories are inlined JSON, not separate blobs.
func LoadDir(ctx context.Context, loader BytesLoader, copier FileCopier, alg digest.Algorithm, hash, dest string) error {
	ctx, span := tracer.Start(ctx, "dirmanifest.LoadDir", trace.WithAttributes(
		attribute.String("hash", hash),
		attribute.String("dest", dest),
	))
	defer span.End()

	m, err := LoadManifest(ctx, loader, alg, hash)
	if err != nil {
		return err
	}

	return materialize(ctx, copier, m, dest)
}

func materialize(ctx context.Context, copier FileCopier, m *Manifest, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%w: %q", ErrDestinationExists, dest)
	}

	if err := os.MkdirAll(dest, 0o700); err != nil {
		return fmt.Errorf("error creating %q: %w", dest, err)
	}

	for name, fe := range m.Files {
		fileAlg, fileHash, ok := fe.Algorithm()
		if !ok {
			continue
		}

		target := filepath.Join(dest, name)
		if err := copier.LoadFile(ctx, fileAlg, fileHash, target); err != nil {
			return fmt.Errorf("error loading %q: %w", name, err)
		}
	}

	for name, sub := range m.Dirs {
		if err := materialize(ctx, copier, sub, filepath.Join(dest, name)); err != nil {
			return err
		}
	}

	return nil
}

package kachery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/scratchrealm/kachery/internal/digest"
	"github.com/scratchrealm/kachery/manifest/chunkmanifest"
	"github.com/scratchrealm/kachery/manifest/dirmanifest"
	"github.com/scratchrealm/kachery/remote"
	"github.com/scratchrealm/kachery/store/localcache"
	"github.com/scratchrealm/kachery/uri"
)

//nolint:gochecknoglobals
var defaultClient = remote.NewClient()

// ReadAtCloser is satisfied by both a plain local file handle and a
// BlockReader, so OpenFile callers can ReadAt into either without caring
// which backend served the artifact.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

func cacheFor(alg digest.Algorithm) *localcache.Cache {
	cfg := GetConfig()

	root := localcache.ResolveRoot(context.Background(), alg, cfg.StorageDir)

	opts := []localcache.Option{localcache.WithHardLinks(cfg.UseHardLinks)}

	if alt := os.Getenv("KACHERY_STORAGE_DIR_ALT"); alt != "" {
		opts = append(opts, localcache.WithAltRoot(alt))
	}

	if boot := os.Getenv("KACHERY_BOOTSTRAP_MOUNTAINTOOLS_DIR"); boot != "" {
		opts = append(opts, localcache.WithBootstrapDir(boot))
	}

	return localcache.New(alg, root, opts...)
}

type bytesLoader struct{}

func (bytesLoader) LoadBytes(ctx context.Context, alg digest.Algorithm, hash string) ([]byte, error) {
	path, err := loadArtifact(ctx, alg, hash, "")
	if err != nil {
		return nil, err
	}

	if path == "" {
		return nil, fmt.Errorf("%w: %s://%s", ErrIntegrity, alg, hash)
	}

	return os.ReadFile(path)
}

type manifestLoader struct{}

func (manifestLoader) LoadManifest(ctx context.Context, alg digest.Algorithm, hash string) (*dirmanifest.Manifest, error) {
	return dirmanifest.LoadManifest(ctx, bytesLoader{}, alg, hash)
}

type fileCopier struct{}

func (fileCopier) LoadFile(ctx context.Context, alg digest.Algorithm, hash string, dest string) error {
	path, err := loadArtifact(ctx, alg, hash, dest)
	if err != nil {
		return err
	}

	if path == "" {
		return fmt.Errorf("%w: %s://%s", ErrIntegrity, alg, hash)
	}

	return nil
}

// loadArtifact resolves (alg, hash) to local bytes, trying the local
// cache first and falling back to the configured read-remote. If dest is
// non-empty the artifact is materialized there by direct copy (never a
// hard link); otherwise the cache path itself is returned. A result of
// ("", nil) means the artifact could not be found anywhere, per spec.md
// §7's NotFound convention.
func loadArtifact(ctx context.Context, alg digest.Algorithm, hash string, dest string) (string, error) {
	cache := cacheFor(alg)

	if path, ok := cache.Find(ctx, hash); ok {
		if dest == "" {
			return path, nil
		}

		return dest, copyFileDirect(path, dest)
	}

	cfg := GetConfig()

	fr, _ := resolveEndpoints(cfg)
	if fr == nil {
		return "", nil
	}

	empty, err := digest.HashBytes(nil, alg)
	if err != nil {
		return "", err
	}

	if hash == empty {
		return materializeEmpty(dest, cache, alg, hash)
	}

	res, err := defaultClient.Check(ctx, *fr, alg, hash)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}

	if !res.Found {
		return "", nil
	}

	if res.Size == 0 {
		return materializeEmpty(dest, cache, alg, hash)
	}

	downloadURL, err := remote.DownloadURL(*fr, alg, hash)
	if err != nil {
		return "", err
	}

	path, err := cache.Download(ctx, downloadURL, hash, dest, res.Size)
	if errors.Is(err, localcache.ErrIntegrity) {
		return "", fmt.Errorf("%w: %w", ErrIntegrity, err)
	}

	return path, err
}

func materializeEmpty(dest string, cache *localcache.Cache, alg digest.Algorithm, hash string) (string, error) {
	if dest == "" {
		tmp, err := os.CreateTemp("", "kachery-empty-*")
		if err != nil {
			return "", err
		}

		tmp.Close()

		path, _, err := cache.Put(context.Background(), tmp.Name())
		os.Remove(tmp.Name())

		return path, err
	}

	return dest, os.WriteFile(dest, nil, 0o600)
}

func copyFileDirect(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)

		return err
	}

	return out.Close()
}

// LoadFile resolves uriStr and materializes it at dest. If dest is empty,
// the local cache path is returned instead of copying. A nil error with
// an empty path means the artifact could not be found anywhere.
func LoadFile(ctx context.Context, uriStr string, dest string) (string, error) {
	u, err := uri.Parse(uriStr)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUsage, err)
	}

	res, err := uri.Resolve(ctx, u, manifestLoader{})
	if err != nil {
		if errors.Is(err, uri.ErrNotFound) {
			return "", nil
		}

		return "", err
	}

	return loadArtifact(ctx, res.Algorithm, res.Hash, dest)
}

// LoadBytes resolves uriStr and returns the byte range [start, end). The
// whole-file fast path only applies when both start and end are omitted
// (start == 0, end < 0); any other omission of end is not handled, per
// spec.md §9's instruction to preserve the original's behavior rather than
// guess — the Python ground truth raises on exactly this case. Valid
// ranges otherwise satisfy 0 <= start <= end <= size; start == end returns
// an empty, non-nil slice.
func LoadBytes(ctx context.Context, uriStr string, start, end int64) ([]byte, error) {
	if start < 0 {
		return nil, fmt.Errorf("%w: negative start %d", ErrUsage, start)
	}

	if start == 0 && end < 0 {
		path, err := LoadFile(ctx, uriStr, "")
		if err != nil {
			return nil, err
		}

		if path == "" {
			return nil, nil
		}

		return os.ReadFile(path)
	}

	if end < 0 {
		return nil, fmt.Errorf("%w: end is required when start != 0", ErrUsage)
	}

	r, size, err := OpenFile(ctx, uriStr)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if start > end || end > size {
		return nil, fmt.Errorf("%w: invalid range [%d, %d) for size %d", ErrUsage, start, end, size)
	}

	if start == end {
		return []byte{}, nil
	}

	buf := make([]byte, end-start)
	if _, err := r.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return buf, nil
}

// StoreFile computes path's digest (and chunk manifest when applicable),
// inserts it into the local cache, uploads it to the configured
// write-remote when present, and returns its URI. basename defaults to
// path's filename. noManifest suppresses chunk-manifest computation, used
// internally to store manifest blobs without regress.
func StoreFile(ctx context.Context, path string, basename string, gitAnnexMode, noManifest bool) (string, error) {
	if basename == "" {
		basename = filepath.Base(path)
	}

	if _, perr := uri.Parse(path); perr == nil {
		loaded, lerr := LoadFile(ctx, path, "")
		if lerr != nil {
			return "", lerr
		}

		if loaded == "" {
			return "", fmt.Errorf("%w: unable to load %q for re-storage", ErrUsage, path)
		}

		path = loaded
	}

	cfg := GetConfig()
	alg := cfg.Algorithm

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("error stating %q: %w", path, err)
	}

	cache := cacheFor(alg)

	var hash string

	var manifestHash string

	if !noManifest && chunkmanifest.Activates(alg, info.Size()) {
		sha1Hex, manifest, cerr := chunkmanifest.ComputeFileManifest(ctx, path)
		if cerr != nil {
			return "", cerr
		}

		hash = sha1Hex

		data, merr := json.Marshal(manifest)
		if merr != nil {
			return "", merr
		}

		manifestHash, err = storeBlobBytes(ctx, data, true)
		if err != nil {
			return "", err
		}
	} else {
		hash, err = digest.HashFile(path, alg)
		if err != nil {
			return "", err
		}
	}

	if !cfg.ToRemoteOnly {
		if _, _, err := cache.Put(ctx, path); err != nil {
			return "", err
		}
	}

	_, to := resolveEndpoints(cfg)
	if to != nil && !gitAnnexMode {
		if err := uploadIfAbsent(ctx, *to, alg, hash, path, info.Size()); err != nil {
			return "", err
		}
	}

	u := fmt.Sprintf("%s://%s/%s", alg, hash, basename)
	if manifestHash != "" {
		u += "?manifest=" + manifestHash
	}

	return u, nil
}

func uploadIfAbsent(ctx context.Context, to remote.Endpoint, alg digest.Algorithm, hash, path string, size int64) error {
	res, err := defaultClient.Check(ctx, to, alg, hash)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}

	if res.Found {
		if res.Size != size {
			return fmt.Errorf("%w: remote size %d does not match local size %d for %s://%s", ErrIntegrity, res.Size, size, alg, hash)
		}

		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := defaultClient.Upload(ctx, to, alg, hash, f, size); err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}

	return nil
}

func storeBlobBytes(ctx context.Context, data []byte, noManifest bool) (string, error) {
	tmp, err := os.CreateTemp("", "kachery-blob-*")
	if err != nil {
		return "", err
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return "", err
	}

	tmp.Close()

	defer os.Remove(tmpPath)

	u, err := StoreFile(ctx, tmpPath, "blob.json", false, noManifest)
	if err != nil {
		return "", err
	}

	parsed, err := uri.Parse(u)
	if err != nil {
		return "", err
	}

	return parsed.Hash, nil
}

// StoreDir builds a recursive directory manifest of path, stores it, and
// returns "<alg>dir://<hash>.<label>".
func StoreDir(ctx context.Context, path, label string, recursive, gitAnnexMode, storeFiles bool) (string, error) {
	cfg := GetConfig()

	m, err := ReadDir(ctx, path, recursive, gitAnnexMode, storeFiles)
	if err != nil {
		return "", err
	}

	data, err := digest.CanonicalJSON(m)
	if err != nil {
		return "", fmt.Errorf("error serializing manifest: %w", err)
	}

	hash, err := storeBlobBytes(ctx, data, true)
	if err != nil {
		return "", fmt.Errorf("error storing manifest: %w", err)
	}

	u := string(cfg.Algorithm) + "dir://" + hash
	if label != "" {
		u += "." + label
	}

	return u, nil
}

// LoadDir materializes the directory addressed by uriStr under dest; dest
// must not already exist.
func LoadDir(ctx context.Context, uriStr string, dest string) error {
	u, err := uri.Parse(uriStr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	return dirmanifest.LoadDir(ctx, bytesLoader{}, fileCopier{}, u.Algorithm(), u.Hash, dest)
}

// ReadDir returns the manifest for pathOrURI without materializing anything
// to disk. A directory URI (<alg>dir://...) is resolved by loading its root
// manifest and traversing any additional path segments through nested
// Dirs; a segment that names a file rather than a directory is an error,
// and a missing segment returns (nil, nil). A filesystem path is walked
// directly, computing hashes and, when storeFiles is set, inserting each
// file into the local cache (and uploading it when a write-remote is
// configured) exactly as StoreDir does. In both cases, when recursive is
// false, every immediate subdirectory of the result is replaced by an
// empty manifest.
func ReadDir(ctx context.Context, pathOrURI string, recursive, gitAnnexMode, storeFiles bool) (*dirmanifest.Manifest, error) {
	if u, err := uri.Parse(pathOrURI); err == nil {
		if !u.IsDir() {
			return nil, fmt.Errorf("%w: not a directory: %s", ErrUsage, pathOrURI)
		}

		m, err := manifestLoader{}.LoadManifest(ctx, u.Algorithm(), u.Hash)
		if err != nil {
			return nil, err
		}

		for _, seg := range u.PathSegments {
			if sub, ok := m.Dirs[seg]; ok {
				m = sub

				continue
			}

			if _, ok := m.Files[seg]; ok {
				return nil, fmt.Errorf("%w: not a directory: %s", ErrUsage, pathOrURI)
			}

			return nil, nil
		}

		if !recursive {
			m = m.Truncate()
		}

		return m, nil
	}

	cfg := GetConfig()

	opts := dirmanifest.ReadDirOptions{
		Recursive:    recursive,
		GitAnnexMode: gitAnnexMode,
		ComputeHash:  true,
		StoreFiles:   storeFiles,
		Algorithm:    cfg.Algorithm,
		Hash: func(_ context.Context, p string, alg digest.Algorithm) (string, error) {
			return digest.HashFile(p, alg)
		},
		Insert: func(ctx context.Context, p string, alg digest.Algorithm) error {
			_, err := StoreFile(ctx, p, "", gitAnnexMode, false)

			return err
		},
	}

	return dirmanifest.ReadDir(ctx, pathOrURI, opts)
}

//nolint:gochecknoglobals
var blockFetchMu sync.Map // map[string]*sync.Mutex, collapses concurrent fetches of the same block

// BlockReader is a lazy, block-cached reader over a remote-only artifact
// (spec.md §4.I): it segments the artifact into fixed blocks, fetches
// each missing block via a range download into the range-cache, and serves
// reads by seeking within at most one open block file at a time. Block
// bytes are stored as received; they are not checked against a digest.
type BlockReader struct {
	ctx       context.Context
	alg       digest.Algorithm
	hash      string
	size      int64
	blockSize int64
	fr        remote.Endpoint
	cache     *localcache.Cache

	mu       sync.Mutex
	openFile *os.File
}

// DefaultBlockSize is OpenFile's default block size (10 MiB).
const DefaultBlockSize = 10 * 1024 * 1024

// OpenFile resolves uriStr and returns a seekable reader plus the
// artifact's size. When the artifact is already local, the returned
// reader is a plain file handle opened against the cache path. When it is
// remote-only and larger than one block, the returned reader is a
// *BlockReader; a remote-only artifact that fits in one block is downloaded
// whole into the cache and returned as a plain file handle.
func OpenFile(ctx context.Context, uriStr string) (ReadAtCloser, int64, error) {
	u, err := uri.Parse(uriStr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	res, err := uri.Resolve(ctx, u, manifestLoader{})
	if err != nil {
		return nil, 0, err
	}

	cache := cacheFor(res.Algorithm)

	if path, ok := cache.Find(ctx, res.Hash); ok {
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, err
		}

		info, err := f.Stat()
		if err != nil {
			f.Close()

			return nil, 0, err
		}

		return f, info.Size(), nil
	}

	cfg := GetConfig()

	fr, _ := resolveEndpoints(cfg)
	if fr == nil {
		return nil, 0, fmt.Errorf("%w: artifact not found locally and no read-remote configured", ErrConfigMissing)
	}

	checkRes, err := defaultClient.Check(ctx, *fr, res.Algorithm, res.Hash)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}

	if !checkRes.Found {
		return nil, 0, fmt.Errorf("%w: %s://%s", ErrIntegrity, res.Algorithm, res.Hash)
	}

	blockSize := int64(DefaultBlockSize)
	if blockSize >= checkRes.Size {
		path, err := loadArtifact(ctx, res.Algorithm, res.Hash, "")
		if err != nil {
			return nil, 0, err
		}

		f, err := os.Open(path)

		return f, checkRes.Size, err
	}

	br := &BlockReader{
		ctx:       ctx,
		alg:       res.Algorithm,
		hash:      res.Hash,
		size:      checkRes.Size,
		blockSize: blockSize,
		fr:        *fr,
		cache:     cacheFor(res.Algorithm),
	}

	return br, checkRes.Size, nil
}

// Close releases the currently open block file, if any.
func (b *BlockReader) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openFile != nil {
		err := b.openFile.Close()
		b.openFile = nil

		return err
	}

	return nil
}

// ReadAt implements io.ReaderAt over the artifact's full byte range,
// fetching and caching whichever fixed blocks overlap [off, off+len(p)).
func (b *BlockReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > b.size {
		return 0, fmt.Errorf("%w: offset %d out of range for size %d", ErrUsage, off, b.size)
	}

	end := off + int64(len(p))
	if end > b.size {
		end = b.size
	}

	var total int

	pos := off

	for pos < end {
		blockIndex := pos / b.blockSize
		blockStart := blockIndex * b.blockSize
		blockEnd := blockStart + b.blockSize

		if blockEnd > b.size {
			blockEnd = b.size
		}

		blockPath, err := b.fetchBlock(blockIndex, blockStart, blockEnd)
		if err != nil {
			return total, err
		}

		n, err := b.readFromBlockFile(blockPath, pos-blockStart, p[total:total+int(minInt64(blockEnd, end)-pos)])
		total += n
		pos += int64(n)

		if err != nil {
			return total, err
		}
	}

	if total < len(p) {
		return total, io.EOF
	}

	return total, nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}

	return b
}

func (b *BlockReader) readFromBlockFile(path string, offsetInBlock int64, dst []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openFile == nil || b.openFile.Name() != path {
		if b.openFile != nil {
			b.openFile.Close()
		}

		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}

		b.openFile = f
	}

	return b.openFile.ReadAt(dst, offsetInBlock)
}

func (b *BlockReader) fetchBlock(blockIndex, start, end int64) (string, error) {
	code, err := remote.FormBlockIdentity(b.alg, b.hash, start, end)
	if err != nil {
		return "", err
	}

	lockIface, _ := blockFetchMu.LoadOrStore(code, &sync.Mutex{})

	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if path, ok := b.cache.FindByCode(code); ok {
		return path, nil
	}

	body, err := defaultClient.Download(b.ctx, b.fr, b.alg, b.hash, start, end)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	return b.cache.PutByCode(code, data)
}

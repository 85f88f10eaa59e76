// Package localcache implements kachery's content-addressed local hash
// cache (spec.md §4.D): a filesystem layout under a storage root, keyed by
// digest, with put/get/find operations, a read-only alternate root, a
// legacy bootstrap directory, and streaming verified download.
//
// Grounded on the teacher's pkg/storage/local.Store: sharded path layout,
// os.CreateTemp+os.Rename atomic publish, and per-operation OpenTelemetry
// spans, generalized from a single fixed layout to kachery's
// algorithm/hash-sharded artifact and by-code namespaces.
package localcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scratchrealm/kachery/internal/digest"
	"github.com/scratchrealm/kachery/internal/fingerprint"
)

const (
	dirMode  = 0o700
	fileMode = 0o600

	otelPackageName = "github.com/scratchrealm/kachery/store/localcache"
)

var (
	// ErrIntegrity is returned when a downloaded artifact's digest or size
	// does not match what was expected.
	ErrIntegrity = errors.New("integrity check failed")

	//nolint:gochecknoglobals
	tracer = otel.Tracer(otelPackageName)

	//nolint:gochecknoglobals
	meter = otel.Meter(otelPackageName)

	//nolint:gochecknoglobals
	cacheHits, _ = meter.Int64Counter("kachery.localcache.hits")

	//nolint:gochecknoglobals
	cacheMisses, _ = meter.Int64Counter("kachery.localcache.misses")

	//nolint:gochecknoglobals
	warnOnce sync.Once
)

// ResolveRoot implements spec.md §4.D's storage-root resolution order: an
// explicit value, else KACHERY_STORAGE_DIR, else a documented per-algorithm
// default. A single warning is logged once per process when the
// environment variable is missing and no explicit root was configured.
func ResolveRoot(ctx context.Context, alg digest.Algorithm, explicit string) string {
	if explicit != "" {
		return filepath.Join(explicit, alg.String())
	}

	if v := os.Getenv("KACHERY_STORAGE_DIR"); v != "" {
		return filepath.Join(v, alg.String())
	}

	warnOnce.Do(func() {
		zerolog.Ctx(ctx).Warn().Msg("please set the KACHERY_STORAGE_DIR environment variable")
	})

	switch alg {
	case digest.SHA1:
		if v := os.Getenv("SHA1_CACHE_DIR"); v != "" {
			return v
		}

		if v := os.Getenv("KBUCKET_CACHE_DIR"); v != "" {
			return v
		}

		return filepath.Join(os.TempDir(), "sha1-cache")
	case digest.MD5:
		if v := os.Getenv("MD5_CACHE_DIR"); v != "" {
			return v
		}

		return filepath.Join(os.TempDir(), "md5-cache")
	default:
		return filepath.Join(os.TempDir(), alg.String()+"-cache")
	}
}

// Cache is a content-addressed local hash cache for a single algorithm.
type Cache struct {
	alg          digest.Algorithm
	root         string
	altRoot      string
	bootstrapDir string
	useHardLinks bool
	httpClient   *http.Client
}

// Option configures a Cache.
type Option func(*Cache)

// WithAltRoot sets a second, read-only storage root consulted after the
// primary root (spec.md §3: "an optional read-only alternate storage root
// provides a second lookup tier").
func WithAltRoot(path string) Option {
	return func(c *Cache) {
		if path != "" {
			c.altRoot = filepath.Join(path, c.alg.String())
		}
	}
}

// WithBootstrapDir sets the legacy SHA-1-only bootstrap directory
// (KACHERY_BOOTSTRAP_MOUNTAINTOOLS_DIR).
func WithBootstrapDir(path string) Option {
	return func(c *Cache) { c.bootstrapDir = path }
}

// WithHardLinks makes Put hard-link rather than copy into the cache.
func WithHardLinks(v bool) Option {
	return func(c *Cache) { c.useHardLinks = v }
}

// WithHTTPClient overrides the client used by Download.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Cache) { c.httpClient = h }
}

// New returns a Cache rooted at root (already resolved, e.g. via
// ResolveRoot) for the given algorithm.
func New(alg digest.Algorithm, root string, opts ...Option) *Cache {
	c := &Cache{alg: alg, root: root, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// PathFor implements fingerprint.CachePather.
func (c *Cache) PathFor(_ digest.Algorithm, hash string) string {
	return c.shardedPath(c.root, hash)
}

func (c *Cache) shardedPath(root, hash string) string {
	if len(hash) < 6 {
		return filepath.Join(root, hash)
	}

	return filepath.Join(root, hash[0:2], hash[2:4], hash[4:6], hash)
}

func (c *Cache) codePath(root, code string) string {
	if len(code) < 3 {
		return filepath.Join(root, code)
	}

	return filepath.Join(root, code[0:1], code[1:3], code)
}

// Find returns the path to hash if it is present locally: in the canonical
// cache, the alternate root, a still-valid hint location, or the legacy
// bootstrap directory (spec.md §4.D).
func (c *Cache) Find(ctx context.Context, hash string) (string, bool) {
	ctx, span := tracer.Start(ctx, "localcache.Find", trace.WithAttributes(
		attribute.String("algorithm", c.alg.String()),
		attribute.String("hash", hash),
	))
	defer span.End()

	canonical := c.shardedPath(c.root, hash)
	if _, err := os.Stat(canonical); err == nil {
		cacheHits.Add(ctx, 1)

		return canonical, true
	}

	if c.altRoot != "" {
		alt := c.shardedPath(c.altRoot, hash)
		if _, err := os.Stat(alt); err == nil {
			cacheHits.Add(ctx, 1)

			return alt, true
		}
	}

	for _, st := range fingerprint.Hints(ctx, canonical+".hints.json") {
		cacheHits.Add(ctx, 1)

		return st.Path, true
	}

	if c.bootstrapDir != "" && c.alg == digest.SHA1 {
		if len(hash) >= 3 {
			bootstrapPath := filepath.Join(c.bootstrapDir, hash[0:1], hash[1:3], hash)
			if _, err := os.Stat(bootstrapPath); err == nil {
				dest := c.shardedPath(c.root, hash)
				if err := c.atomicCopy(bootstrapPath, dest, ".bootstrap."); err == nil {
					cacheHits.Add(ctx, 1)

					return dest, true
				}
			}
		}
	}

	cacheMisses.Add(ctx, 1)

	return "", false
}

// Put computes path's digest (via the fingerprint cache) and copies or
// hard-links it into the canonical cache location. Idempotent if the
// target already exists.
func (c *Cache) Put(ctx context.Context, path string) (string, string, error) {
	ctx, span := tracer.Start(ctx, "localcache.Put", trace.WithAttributes(
		attribute.String("algorithm", c.alg.String()),
		attribute.String("path", path),
	))
	defer span.End()

	hash, err := fingerprint.Compute(ctx, c, path, c.alg)
	if err != nil {
		return "", "", fmt.Errorf("error computing digest of %q: %w", path, err)
	}

	dest := c.shardedPath(c.root, hash)
	if _, err := os.Stat(dest); err == nil {
		return dest, hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), dirMode); err != nil {
		return "", "", fmt.Errorf("error creating cache directory: %w", err)
	}

	tmp := dest + ".copying." + uuid.NewString()

	if c.useHardLinks {
		if err := os.Link(path, tmp); err != nil {
			if err := copyFile(path, tmp); err != nil {
				return "", "", fmt.Errorf("error copying %q into cache: %w", path, err)
			}
		}
	} else if err := copyFile(path, tmp); err != nil {
		return "", "", fmt.Errorf("error copying %q into cache: %w", path, err)
	}

	if err := publish(tmp, dest); err != nil {
		return "", "", err
	}

	return dest, hash, nil
}

// MoveIn behaves like Put but removes the source file once the artifact is
// in place.
func (c *Cache) MoveIn(ctx context.Context, path string) (string, error) {
	dest, _, err := c.Put(ctx, path)
	if err != nil {
		return "", err
	}

	if dest != path {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("unable to remove source after move")
		}
	}

	return dest, nil
}

// FindByCode looks up a range-cache entry by its content-derived code.
func (c *Cache) FindByCode(code string) (string, bool) {
	p := c.codePath(c.root, code)
	if _, err := os.Stat(p); err == nil {
		return p, true
	}

	return "", false
}

// PutByCode writes data directly to the range-cache namespace under code.
// No digest verification is performed: the key already encodes content
// identity, so a lost race between writers simply duplicates work.
func (c *Cache) PutByCode(code string, data []byte) (string, error) {
	dest := c.codePath(c.root, code)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), dirMode); err != nil {
		return "", fmt.Errorf("error creating range-cache directory: %w", err)
	}

	tmp := dest + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return "", fmt.Errorf("error writing range-cache temp file: %w", err)
	}

	if err := publish(tmp, dest); err != nil {
		return "", err
	}

	return dest, nil
}

// Download streams url into a randomized temp file while computing its
// digest, verifies size (if expectedSize >= 0) and digest against
// expectedHash, and atomically publishes the result. If targetPath is
// empty the canonical cache location is used; otherwise the result is
// written to targetPath and additionally registered with the fingerprint
// cache so future local lookups short-circuit.
func (c *Cache) Download(
	ctx context.Context,
	url, expectedHash string,
	targetPath string,
	expectedSize int64,
) (string, error) {
	ctx, span := tracer.Start(ctx, "localcache.Download", trace.WithAttributes(
		attribute.String("algorithm", c.alg.String()),
		attribute.String("hash", expectedHash),
		attribute.String("url", url),
	))
	defer span.End()

	dest := targetPath
	if dest == "" {
		dest = c.shardedPath(c.root, expectedHash)
	}

	if err := os.MkdirAll(filepath.Dir(dest), dirMode); err != nil {
		return "", fmt.Errorf("error creating download directory: %w", err)
	}

	tmp := dest + ".downloading." + uuid.NewString()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("error building download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error downloading %q: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return "", fmt.Errorf("%w: unexpected HTTP status %d downloading %q", ErrIntegrity, resp.StatusCode, url)
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		return "", fmt.Errorf("error creating temp download file: %w", err)
	}

	h, err := c.alg.New()
	if err != nil {
		f.Close()
		os.Remove(tmp)

		return "", err
	}

	written, err := io.Copy(io.MultiWriter(f, h), resp.Body)
	closeErr := f.Close()

	if err != nil {
		os.Remove(tmp)

		return "", fmt.Errorf("error streaming download body: %w", err)
	}

	if closeErr != nil {
		os.Remove(tmp)

		return "", fmt.Errorf("error closing temp download file: %w", closeErr)
	}

	if expectedSize >= 0 && written != expectedSize {
		os.Remove(tmp)

		return "", fmt.Errorf("%w: size mismatch for %q: got %d, expected %d", ErrIntegrity, url, written, expectedSize)
	}

	gotHash := hexDigest(h)
	if gotHash != expectedHash {
		os.Remove(tmp)

		return "", fmt.Errorf("%w: digest mismatch for %q: got %s, expected %s", ErrIntegrity, url, gotHash, expectedHash)
	}

	if targetPath != "" {
		if _, err := os.Stat(dest); err == nil {
			os.Remove(dest)
		}

		if err := publish(tmp, dest); err != nil {
			return "", err
		}

		if _, err := fingerprint.Compute(ctx, c, dest, c.alg); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("path", dest).Msg("unable to register downloaded file with fingerprint cache")
		}

		return dest, nil
	}

	if _, err := os.Stat(dest); err == nil {
		os.Remove(tmp)

		return dest, nil
	}

	if err := publish(tmp, dest); err != nil {
		return "", err
	}

	return dest, nil
}

func hexDigest(h interface{ Sum([]byte) []byte }) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (c *Cache) atomicCopy(src, dest, tmpInfix string) error {
	if err := os.MkdirAll(filepath.Dir(dest), dirMode); err != nil {
		return err
	}

	tmp := dest + tmpInfix + uuid.NewString()
	if err := copyFile(src, tmp); err != nil {
		return err
	}

	return publish(tmp, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

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

// publish atomically renames tmp to dest. If dest already appeared (a
// concurrent writer won the race), tmp is discarded and that is not an
// error: spec.md §5 permits two parallel downloads of the same artifact.
func publish(tmp, dest string) error {
	if err := os.Rename(tmp, dest); err != nil {
		if _, statErr := os.Stat(dest); statErr == nil {
			os.Remove(tmp)

			return nil
		}

		os.Remove(tmp)

		return fmt.Errorf("error publishing %q: %w", dest, err)
	}

	return os.Chmod(dest, fileMode)
}

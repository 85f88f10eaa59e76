// Package kachery is the content-addressable file store facade: the
// top-level operations (open_file, load_bytes, load_file, store_file) and
// their process-wide configuration, spec.md §4.I and §6.
//
// Grounded on the teacher's top-level Cache struct composition style
// (pkg/cache/cache.go: a facade holding a store, upstream caches, and a
// mutex-protected map of in-flight jobs); kachery's facade similarly
// composes a localcache.Cache per algorithm, zero-or-two remote.Endpoints
// (fr, to), and a mutex-protected map of in-flight block fetches.
package kachery

import (
	"os"
	"sync"

	"github.com/scratchrealm/kachery/internal/digest"
	"github.com/scratchrealm/kachery/remote"
)

// Config is kachery's process-wide configuration (spec.md §6). Zero value
// is a valid, fully local configuration using the sha1 algorithm.
type Config struct {
	// To is the write-remote endpoint. Nil means local-only writes.
	To *remote.Endpoint
	// Fr is the read-remote endpoint. Nil means local-only reads, unless
	// the legacy single-endpoint environment fallback applies.
	Fr *remote.Endpoint

	FromRemoteOnly bool
	ToRemoteOnly   bool

	Algorithm digest.Algorithm

	UseHardLinks bool

	// Verbose is stored with the rest of the configuration, but no
	// operation reads it: log output is governed only by the level of the
	// zerolog logger carried on the context.
	Verbose bool

	// StorageDir overrides KACHERY_STORAGE_DIR when set explicitly.
	StorageDir string
}

func defaultConfig() Config {
	return Config{Algorithm: digest.SHA1}
}

//nolint:gochecknoglobals
var (
	configMu sync.RWMutex
	config   = defaultConfig()
)

// SetConfig replaces the current process-wide configuration with cfg. An
// empty Algorithm is replaced with sha1; every other field is taken as
// given, so callers that want a partial update should start from
// GetConfig().
func SetConfig(cfg Config) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = digest.SHA1
	}

	configMu.Lock()
	config = cfg
	configMu.Unlock()
}

// GetConfig returns a copy of the current configuration.
func GetConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	return config
}

// WithConfig installs cfg and returns a function that restores whatever
// configuration was active before the call, mirroring the teacher's
// lock/defer-unlock guard pattern over an in-process value rather than a
// database row.
func WithConfig(cfg Config) (restore func()) {
	previous := GetConfig()
	SetConfig(cfg)

	return func() { SetConfig(previous) }
}

// Reset restores the default configuration and clears the remote client's
// positive-check memoization (spec.md §4.H), e.g. across tests that
// reconfigure endpoints.
func Reset() {
	SetConfig(defaultConfig())
	defaultClient.Reset()
}

// resolveEndpoints applies the legacy single-endpoint environment
// fallback (KACHERY_URL/KACHERY_CHANNEL/KACHERY_PASSWORD) when Fr/To are
// unset, matching core.py's _load_config.
func resolveEndpoints(cfg Config) (fr, to *remote.Endpoint) {
	fr, to = cfg.Fr, cfg.To

	if fr != nil && to != nil {
		return fr, to
	}

	legacyURL, hasURL := os.LookupEnv("KACHERY_URL")
	if !hasURL {
		return fr, to
	}

	legacy := remote.Endpoint{
		URL:      legacyURL,
		Channel:  os.Getenv("KACHERY_CHANNEL"),
		Password: remote.Password{Literal: os.Getenv("KACHERY_PASSWORD")},
	}

	if fr == nil {
		fr = &legacy
	}

	if to == nil {
		to = &legacy
	}

	return fr, to
}

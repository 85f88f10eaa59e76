// Package uri parses and resolves kachery URIs (spec.md §4.E):
//
//	scheme "://" hash [ "." label ] [ "/" path-segments ] [ "?" query ]
//
// where scheme is one of sha1, md5, sha1dir, md5dir. Grounded on the
// teacher's pkg/nar/url.go and pkg/narinfo/hash.go regexp-based parsers,
// generalized from the Nix nar/narinfo grammar to kachery's grammar.
package uri

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/scratchrealm/kachery/internal/digest"
	"github.com/scratchrealm/kachery/manifest/dirmanifest"
)

// ErrInvalidURI is returned for any string that does not match the
// kachery URI grammar.
var ErrInvalidURI = errors.New("invalid kachery uri")

// ErrNotFound is returned by Resolve when a directory-path traversal
// cannot find the requested name.
var ErrNotFound = errors.New("path not found in directory manifest")

var uriPattern = regexp.MustCompile(
	`^(?P<scheme>sha1|md5|sha1dir|md5dir)://(?P<hash>[0-9a-fA-F]+)(?:\.(?P<label>[^/?]+))?(?P<path>/[^?]*)?(?:\?(?P<query>.*))?$`,
)

// URI is a parsed kachery URI.
type URI struct {
	Scheme       string // sha1, md5, sha1dir, md5dir
	Hash         string // lowercase hex
	Label        string // discarded by the resolver, kept for round-tripping
	PathSegments []string
	ManifestHash string // from the ?manifest= query, if present
}

// Algorithm returns the digest algorithm implied by Scheme.
func (u URI) Algorithm() digest.Algorithm {
	if strings.HasPrefix(u.Scheme, "md5") {
		return digest.MD5
	}

	return digest.SHA1
}

// IsDir reports whether the scheme addresses a directory manifest.
func (u URI) IsDir() bool {
	return strings.HasSuffix(u.Scheme, "dir")
}

// Parse parses s as a kachery URI.
func Parse(s string) (URI, error) {
	m := uriPattern.FindStringSubmatch(s)
	if m == nil {
		return URI{}, fmt.Errorf("%w: %q", ErrInvalidURI, s)
	}

	names := uriPattern.SubexpNames()
	groups := make(map[string]string, len(names))

	for i, name := range names {
		if name != "" {
			groups[name] = m[i]
		}
	}

	u := URI{
		Scheme: groups["scheme"],
		Hash:   strings.ToLower(groups["hash"]),
		Label:  groups["label"],
	}

	if raw := groups["path"]; raw != "" {
		for _, seg := range strings.Split(strings.TrimPrefix(raw, "/"), "/") {
			if seg != "" {
				u.PathSegments = append(u.PathSegments, seg)
			}
		}
	}

	if raw := groups["query"]; raw != "" {
		values, err := url.ParseQuery(raw)
		if err != nil {
			return URI{}, fmt.Errorf("%w: bad query in %q: %w", ErrInvalidURI, s, err)
		}

		u.ManifestHash = values.Get("manifest")
	}

	return u, nil
}

// String reconstructs the canonical string form of u.
func (u URI) String() string {
	var b strings.Builder

	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Hash)

	if u.Label != "" {
		b.WriteString(".")
		b.WriteString(u.Label)
	}

	for _, seg := range u.PathSegments {
		b.WriteString("/")
		b.WriteString(seg)
	}

	if u.ManifestHash != "" {
		b.WriteString("?manifest=")
		b.WriteString(u.ManifestHash)
	}

	return b.String()
}

// ManifestLoader fetches and parses the root directory manifest addressed
// by (alg, hash) through the normal load path, so a remote-only tree
// resolves transitively. Subdirectories are inlined JSON within that one
// manifest, so only the root need be fetched; Resolve walks the rest from
// the parsed structure in memory.
type ManifestLoader interface {
	LoadManifest(ctx context.Context, alg digest.Algorithm, hash string) (*dirmanifest.Manifest, error)
}

// Resolved is the outcome of resolving a URI to a concrete artifact.
type Resolved struct {
	Algorithm digest.Algorithm
	Hash      string
}

// Resolve walks u to a concrete (algorithm, hash) pair. Non-directory
// schemes resolve directly. Directory schemes load the manifest once
// through loader and walk PathSegments within it.
func Resolve(ctx context.Context, u URI, loader ManifestLoader) (Resolved, error) {
	if !u.IsDir() {
		return Resolved{Algorithm: u.Algorithm(), Hash: u.Hash}, nil
	}

	alg := u.Algorithm()

	m, err := loader.LoadManifest(ctx, alg, u.Hash)
	if err != nil {
		return Resolved{}, err
	}

	if len(u.PathSegments) == 0 {
		return Resolved{Algorithm: alg, Hash: u.Hash}, nil
	}

	segs := u.PathSegments
	for i, seg := range segs {
		last := i == len(segs)-1

		if last {
			if fe, ok := m.Files[seg]; ok {
				foundAlg, foundHash, ok := fe.Algorithm()
				if !ok {
					return Resolved{}, fmt.Errorf("%w: %q has no recognized digest", ErrNotFound, seg)
				}

				return Resolved{Algorithm: foundAlg, Hash: foundHash}, nil
			}
		}

		sub, ok := m.Dirs[seg]
		if !ok {
			return Resolved{}, fmt.Errorf("%w: %q", ErrNotFound, seg)
		}

		if last {
			// A subdirectory is inlined JSON within its parent manifest, never
			// stored as an independently addressable blob, so a path ending on
			// a directory segment resolves to nothing.
			return Resolved{}, fmt.Errorf("%w: %q is a directory", ErrNotFound, seg)
		}

		m = sub
	}

	return Resolved{}, fmt.Errorf("%w: empty path", ErrNotFound)
}

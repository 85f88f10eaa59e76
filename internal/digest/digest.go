// Package digest implements the streaming hash engine shared by the rest of
// kachery: hashing of files and buffers, and canonical-JSON digesting used
// anywhere a byte-identical serialization is required before hashing.
package digest

import (
	"bytes"
	"crypto/md5"  //nolint:gosec // kachery supports md5 as a content-addressing algorithm, not for security
	"crypto/sha1" //nolint:gosec // kachery supports sha1 as a content-addressing algorithm, not for security
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
)

// Algorithm identifies a supported content-addressing hash algorithm.
type Algorithm string

const (
	// SHA1 is the default algorithm; also used for manifests and signatures
	// regardless of which algorithm the artifact itself uses.
	SHA1 Algorithm = "sha1"
	// MD5 is supported for compatibility with artifacts hashed elsewhere.
	MD5 Algorithm = "md5"

	readBufferSize = 64 * 1024
)

// ErrUnsupportedAlgorithm is returned for any algorithm string other than
// "sha1" or "md5".
var ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New(), nil //nolint:gosec
	case MD5:
		return md5.New(), nil //nolint:gosec
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, a)
	}
}

// HexLen returns the length of a hex-encoded digest under this algorithm:
// 40 for sha1, 32 for md5.
func (a Algorithm) HexLen() int {
	switch a {
	case SHA1:
		return 40
	case MD5:
		return 32
	default:
		return 0
	}
}

// String returns the algorithm name ("sha1" or "md5").
func (a Algorithm) String() string {
	return string(a)
}

// Valid reports whether a is a recognized algorithm.
func (a Algorithm) Valid() bool {
	return a == SHA1 || a == MD5
}

// ParseAlgorithm validates and returns alg as an Algorithm.
func ParseAlgorithm(alg string) (Algorithm, error) {
	a := Algorithm(alg)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}

	return a, nil
}

// HashBytes returns the hex digest of buf under alg.
func HashBytes(buf []byte, alg Algorithm) (string, error) {
	h, err := alg.New()
	if err != nil {
		return "", err
	}

	h.Write(buf)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashReader streams r through alg's hash function, 64 KiB at a time.
func HashReader(r io.Reader, alg Algorithm) (string, error) {
	h, err := alg.New()
	if err != nil {
		return "", err
	}

	buf := make([]byte, readBufferSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("error reading stream: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile streams path through alg's hash function in 64 KiB reads. It
// returns ("", nil error) is never produced: a missing file surfaces its
// *os.PathError verbatim, matching spec.md's "return no value if the file
// does not exist" at the caller (fingerprint/localcache), which checks
// os.IsNotExist itself.
func HashFile(path string, alg Algorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return HashReader(f, alg)
}

// CanonicalJSON serializes v with lexicographically sorted object keys and
// no whitespace, as required anywhere a byte-identical serialization is
// needed for hashing (manifests, fingerprints, signatures).
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error marshaling value: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("error round-tripping value: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DigestOfCanonicalJSON returns the sha1 hex digest of v's canonical JSON
// encoding. Signature computation (remote package) always uses this, even
// for md5 artifacts, per spec.md's wire-compatibility note.
func DigestOfCanonicalJSON(v any) (string, error) {
	raw, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}

	return HashBytes(raw, SHA1)
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		buf.WriteByte('{')

		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}

			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}

			buf.Write(kb)
			buf.WriteByte(':')

			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}

		buf.WriteByte('}')

		return nil
	case []any:
		buf.WriteByte('[')

		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}

		buf.WriteByte(']')

		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}

		buf.Write(b)

		return nil
	}
}

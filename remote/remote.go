// Package remote implements kachery's signed HTTP remote protocol
// (spec.md §4.H): check/download/upload against a kachery server channel.
//
// Grounded on the teacher's pkg/cache/upstream.Cache for the signed
// request construction and otelhttp-wrapped transport shape, and on the
// pack's hashicorp/go-retryablehttp (seen in distribution-distribution's
// go.mod) for the GET-JSON helper's fixed two-delay retry, a closer fit to
// spec.md's "two retry delays by default" than a hand-rolled retry loop.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scratchrealm/kachery/internal/digest"
)

const otelPackageName = "github.com/scratchrealm/kachery/remote"

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

//nolint:gochecknoglobals
var meter = otel.Meter(otelPackageName)

//nolint:gochecknoglobals
var downloadCount, _ = meter.Int64Counter("kachery.remote.downloads")

//nolint:gochecknoglobals
var checkCount, _ = meter.Int64Counter("kachery.remote.checks")

// ErrUnexpectedHTTPStatusCode is returned when a remote returns a status
// this package does not know how to interpret as success or failure JSON.
var ErrUnexpectedHTTPStatusCode = errors.New("unexpected HTTP status code")

// ErrRemoteTransport wraps check/download/upload network-layer failures.
var ErrRemoteTransport = errors.New("remote transport error")

// Password is either a literal string or an indirection through an
// environment variable, per spec.md §6: {env: VAR}.
type Password struct {
	Literal string
	EnvVar  string
}

// Resolve returns the literal password value, reading the environment
// variable it names when EnvVar is set.
func (p Password) Resolve() (string, error) {
	if p.EnvVar != "" {
		v, ok := os.LookupEnv(p.EnvVar)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", p.EnvVar)
		}

		return v, nil
	}

	return p.Literal, nil
}

// Endpoint is one side (read-from or write-to) of a kachery channel.
type Endpoint struct {
	URL      string
	Channel  string
	Password Password
}

// Client talks to one or more kachery-server channels.
type Client struct {
	httpClient *retryablehttp.Client

	mu        sync.Mutex
	checkOnce map[string]json.RawMessage
}

// NewClient returns a Client with the package's default fixed two-delay
// retry policy (0.2s, 0.5s) on transport failure.
func NewClient() *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	rc.CheckRetry = retryablehttp.DefaultRetryPolicy
	rc.Backoff = fixedDelayBackoff([]time.Duration{200 * time.Millisecond, 500 * time.Millisecond})

	return &Client{httpClient: rc, checkOnce: map[string]json.RawMessage{}}
}

func fixedDelayBackoff(delays []time.Duration) retryablehttp.Backoff {
	return func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		if attemptNum < len(delays) {
			return delays[attemptNum]
		}

		return delays[len(delays)-1]
	}
}

// Reset clears the process-wide memoization of positive check responses
// (spec.md §4.H), e.g. across tests that reconfigure endpoints.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkOnce = map[string]json.RawMessage{}
}

type checkResponse struct {
	Success bool   `json:"success"`
	Found   bool   `json:"found"`
	Size    int64  `json:"size,omitempty"`
	Error   string `json:"error,omitempty"`
}

type simpleResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func signature(alg digest.Algorithm, hash, op string, pw Password) (string, error) {
	password, err := pw.Resolve()
	if err != nil {
		return "", err
	}

	sig, err := digest.DigestOfCanonicalJSON(map[string]string{
		"algorithm": string(alg),
		"hash":      hash,
		"name":      op,
		"password":  password,
	})
	if err != nil {
		return "", err
	}

	return sig, nil
}

func formURL(ep Endpoint, verb string, alg digest.Algorithm, hash, op string) (string, error) {
	sig, err := signature(alg, hash, op, ep.Password)
	if err != nil {
		return "", err
	}

	v := url.Values{}
	v.Set("channel", ep.Channel)
	v.Set("signature", sig)

	return fmt.Sprintf("%s/%s/%s/%s?%s", ep.URL, verb, alg, hash, v.Encode()), nil
}

// DownloadURL returns the fully signed GET URL for (alg, hash) against
// ep, for callers (such as the local cache's streaming downloader) that
// need to issue the request themselves rather than through Download.
func DownloadURL(ep Endpoint, alg digest.Algorithm, hash string) (string, error) {
	return formURL(ep, "get", alg, hash, "download")
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	Found bool
	Size  int64
}

// Check asks ep whether (alg, hash) is present, memoizing positive
// responses by URL until Reset is called.
func (c *Client) Check(ctx context.Context, ep Endpoint, alg digest.Algorithm, hash string) (CheckResult, error) {
	ctx, span := tracer.Start(ctx, "remote.Check", trace.WithAttributes(
		attribute.String("algorithm", alg.String()),
		attribute.String("hash", hash),
	))
	defer span.End()

	checkCount.Add(ctx, 1)

	checkURL, err := formURL(ep, "check", alg, hash, "check")
	if err != nil {
		return CheckResult{}, err
	}

	c.mu.Lock()
	if cached, ok := c.checkOnce[checkURL]; ok {
		c.mu.Unlock()

		var resp checkResponse
		if err := json.Unmarshal(cached, &resp); err != nil {
			return CheckResult{}, err
		}

		return CheckResult{Found: resp.Found, Size: resp.Size}, nil
	}
	c.mu.Unlock()

	var resp checkResponse
	if err := c.getJSON(ctx, checkURL, &resp); err != nil {
		return CheckResult{}, err
	}

	if !resp.Success {
		return CheckResult{}, fmt.Errorf("%w: %s", ErrRemoteTransport, resp.Error)
	}

	if resp.Found {
		raw, err := json.Marshal(resp)
		if err == nil {
			c.mu.Lock()
			c.checkOnce[checkURL] = raw
			c.mu.Unlock()
		}
	}

	return CheckResult{Found: resp.Found, Size: resp.Size}, nil
}

// Download issues a ranged GET for the bytes [start, end) of (alg, hash)
// against ep. When end <= start no Range header is sent and the whole file
// is requested.
func (c *Client) Download(ctx context.Context, ep Endpoint, alg digest.Algorithm, hash string, start, end int64) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "remote.Download", trace.WithAttributes(
		attribute.String("algorithm", alg.String()),
		attribute.String("hash", hash),
		attribute.Int64("start", start),
		attribute.Int64("end", end),
	))
	defer span.End()

	downloadCount.Add(ctx, 1)

	downloadURL, err := formURL(ep, "get", alg, hash, "download")
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}

	if end > start {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()

		return nil, fmt.Errorf("%w: %d downloading %s://%s", ErrUnexpectedHTTPStatusCode, resp.StatusCode, alg, hash)
	}

	return resp.Body, nil
}

// Upload sends the contents of r (exactly size bytes) to ep for (alg,
// hash). Zero-length files are never uploaded: the server cannot accept
// them, and the empty file is a degenerate case handled entirely by the
// caller.
func (c *Client) Upload(ctx context.Context, ep Endpoint, alg digest.Algorithm, hash string, r io.Reader, size int64) error {
	ctx, span := tracer.Start(ctx, "remote.Upload", trace.WithAttributes(
		attribute.String("algorithm", alg.String()),
		attribute.String("hash", hash),
		attribute.Int64("size", size),
	))
	defer span.End()

	if size == 0 {
		return nil
	}

	uploadURL, err := formURL(ep, "set", alg, hash, "upload")
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, uploadURL, r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}

	req.ContentLength = size

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var sr simpleResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return fmt.Errorf("%w: unable to parse upload response: %w", ErrRemoteTransport, err)
	}

	if !sr.Success {
		return fmt.Errorf("%w: %s", ErrRemoteTransport, sr.Error)
	}

	return nil
}

// getJSON performs a GET and decodes the JSON body into out. Transport
// failures are retried per the client's fixed-delay policy; a JSON parse
// failure is returned immediately without retry, matching spec.md §4.H.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	if zerolog.Ctx(ctx).GetLevel() <= zerolog.DebugLevel || os.Getenv("HTTP_VERBOSE") == "TRUE" {
		zerolog.Ctx(ctx).Debug().Str("url", rawURL).Msg("kachery remote GET")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: unable to open url %q: %w", ErrRemoteTransport, rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unable to load json from url %q: %w", rawURL, err)
	}

	return nil
}

// FormBlockIdentity computes the range-cache by-code key for a block
// download: sha1(canonical_json({alg: fileDigest, start, end})).
func FormBlockIdentity(alg digest.Algorithm, fileDigest string, start, end int64) (string, error) {
	return digest.DigestOfCanonicalJSON(map[string]any{
		string(alg): fileDigest,
		"start":     start,
		"end":       end,
	})
}

package testhelper

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

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

// FakeRemote is an in-memory kachery-server stand-in implementing the
// check/get/set HTTP protocol of the remote package: GET /check/{alg}/{hash},
// GET /get/{alg}/{hash} (honoring a Range header), POST /set/{alg}/{hash}.
// Signatures and channels are accepted but not verified — tests that need
// signature coverage exercise remote.Client directly against a handler of
// their own.
type FakeRemote struct {
	Server *httptest.Server

	mu    sync.Mutex
	blobs map[string][]byte
}

// NewFakeRemote starts a FakeRemote and registers its shutdown with t.Cleanup.
func NewFakeRemote(t *testing.T) *FakeRemote {
	t.Helper()

	fr := &FakeRemote{blobs: map[string][]byte{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/check/", fr.handleCheck)
	mux.HandleFunc("/get/", fr.handleGet)
	mux.HandleFunc("/set/", fr.handleSet)
	fr.Server = httptest.NewServer(mux)

	t.Cleanup(fr.Server.Close)

	return fr
}

// Seed pre-populates the remote with a blob under (alg, hash), as if a
// prior Upload had already succeeded.
func (fr *FakeRemote) Seed(alg, hash string, data []byte) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fr.blobs[key(alg, hash)] = data
}

func key(alg, hash string) string { return alg + "/" + hash }

func splitAlgHash(prefix, path string) (alg, hash string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}

	return parts[0], parts[1], true
}

func (fr *FakeRemote) handleCheck(w http.ResponseWriter, r *http.Request) {
	alg, hash, ok := splitAlgHash("/check/", r.URL.Path)
	if !ok {
		http.Error(w, "malformed check path", http.StatusBadRequest)

		return
	}

	fr.mu.Lock()
	data, found := fr.blobs[key(alg, hash)]
	fr.mu.Unlock()

	resp := checkResponse{Success: true, Found: found}
	if found {
		resp.Size = int64(len(data))
	}

	writeJSON(w, resp)
}

func (fr *FakeRemote) handleGet(w http.ResponseWriter, r *http.Request) {
	alg, hash, ok := splitAlgHash("/get/", r.URL.Path)
	if !ok {
		http.Error(w, "malformed get path", http.StatusBadRequest)

		return
	}

	fr.mu.Lock()
	data, found := fr.blobs[key(alg, hash)]
	fr.mu.Unlock()

	if !found {
		http.Error(w, "not found", http.StatusNotFound)

		return
	}

	rng := r.Header.Get("Range")
	if rng == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = io.Copy(w, strings.NewReader(string(data)))

		return
	}

	start, end, ok := parseRange(rng, len(data))
	if !ok {
		http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)

		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, len(data)))
	w.Header().Set("Content-Length", strconv.Itoa(end-start))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(data[start:end])
}

func parseRange(header string, size int) (start, end int, ok bool) {
	const prefix = "bytes="

	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}

	parts := strings.SplitN(strings.TrimPrefix(header, prefix), "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	s, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}

	e, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}

	e++

	if s < 0 || e > size || s >= e {
		return 0, 0, false
	}

	return s, e, true
}

func (fr *FakeRemote) handleSet(w http.ResponseWriter, r *http.Request) {
	alg, hash, ok := splitAlgHash("/set/", r.URL.Path)
	if !ok {
		http.Error(w, "malformed set path", http.StatusBadRequest)

		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, simpleResponse{Success: false, Error: err.Error()})

		return
	}

	fr.mu.Lock()
	fr.blobs[key(alg, hash)] = data
	fr.mu.Unlock()

	writeJSON(w, simpleResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

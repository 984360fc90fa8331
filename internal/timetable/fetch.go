package timetable

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	appLog "lessonsync/internal/log"
)

// RotatedTokenHeader is set by the timetable service when it issued a new
// token in exchange for the one presented.
const RotatedTokenHeader = "X-Refresh-Token"

// ErrAuthentication is returned when the timetable service rejects the
// configured credentials.
var ErrAuthentication = errors.New("timetable: authentication failed")

// FetchResult contains the outcome of fetching the feed.
type FetchResult struct {
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused the cached body
	// RotatedToken is non-empty when the response carried a new token.
	RotatedToken string
}

// cacheEntry holds HTTP cache metadata for the feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher fetches the timetable feed with HTTP caching (ETag /
// Last-Modified) backed by a disk cache.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	log      *appLog.Logger
}

// NewFetcher creates a new Fetcher. A nil client gets a 15s timeout.
func NewFetcher(client *http.Client, cacheDir string, logger *appLog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cacheDir == "" {
		cacheDir = "./cache/timetable"
	}
	if logger == nil {
		logger = appLog.NewNop()
	}
	return &Fetcher{client: client, cacheDir: cacheDir, log: logger}
}

// Probe issues an authenticated HEAD request to verify credentials without
// downloading the feed.
func (f *Fetcher) Probe(ctx context.Context, url string, authorize func(*http.Request)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	authorize(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("timetable login: %w", err)
	}
	defer resp.Body.Close()

	if isAuthFailure(resp.StatusCode) {
		return "", fmt.Errorf("%w: %s", ErrAuthentication, resp.Status)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("timetable login: %s", resp.Status)
	}
	return resp.Header.Get(RotatedTokenHeader), nil
}

// Fetch downloads the feed, honoring ETag and Last-Modified. It uses a
// disk cache under f.cacheDir keyed by a hash of the URL. Network errors and
// 5xx responses fall back to the cached body when one exists; authentication
// failures never do.
func (f *Fetcher) Fetch(ctx context.Context, url string, authorize func(*http.Request)) (FetchResult, error) {
	if url == "" {
		return FetchResult{}, errors.New("timetable URL is empty")
	}

	cachePath := f.cachePathForURL(url)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, err
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, err
	}
	authorize(req)

	// Conditional headers from cache metadata, only when the body is still there.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	f.log.Debug("timetable fetch start", "url", redactURL(url))

	resp, err := f.client.Do(req)
	if err != nil {
		// Network error; if we have a cached body, fall back to it.
		if len(cachedBody) > 0 {
			f.log.Error("timetable fetch network error, using cached body", err, "url", redactURL(url))
			return FetchResult{Body: cachedBody, FromCache: true}, nil
		}
		return FetchResult{}, fmt.Errorf("timetable fetch: %w", err)
	}
	defer resp.Body.Close()

	rotated := resp.Header.Get(RotatedTokenHeader)

	switch {
	case resp.StatusCode == http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, readErr
		}

		newMeta := cacheEntry{
			URL:          url,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			f.log.Error("timetable cache save failed", err, "url", redactURL(url))
		}

		f.log.Info("timetable fetch success", "url", redactURL(url), "bytes", len(body), "from_cache", false)
		return FetchResult{Body: body, RotatedToken: rotated}, nil

	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		f.log.Info("timetable fetch not modified; using cache", "url", redactURL(url))
		return FetchResult{Body: cachedBody, FromCache: true, RotatedToken: rotated}, nil

	case isAuthFailure(resp.StatusCode):
		return FetchResult{}, fmt.Errorf("%w: %s", ErrAuthentication, resp.Status)

	case resp.StatusCode >= http.StatusInternalServerError && len(cachedBody) > 0:
		f.log.Error("timetable fetch non-OK, using cached body", errors.New(resp.Status), "url", redactURL(url), "status", resp.StatusCode)
		return FetchResult{Body: cachedBody, FromCache: true}, nil

	default:
		return FetchResult{}, fmt.Errorf("timetable fetch: %s", resp.Status)
	}
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides paths and query strings (which often embed tokens) for
// logging purposes.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "timetable://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}

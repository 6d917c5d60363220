package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// MaxArtworkBytes bounds how much artwork is read from any source.
const MaxArtworkBytes = 10 << 20

const coverFileName = "current.jpg"

const (
	coverFetchTimeout = 5 * time.Second
	coverRetryDelay   = time.Second
)

var (
	ErrArtworkFetch    = errors.New("artwork fetch failed")
	ErrArtworkTooLarge = errors.New("artwork exceeds size limit")
)

// CoverOutcome reports what a cache update did.
type CoverOutcome int

const (
	CoverUnchanged CoverOutcome = iota
	CoverFetched
	CoverFailed
)

func (o CoverOutcome) String() string {
	switch o {
	case CoverFetched:
		return "fetched"
	case CoverFailed:
		return "failed"
	}
	return "unchanged"
}

// CoverCache keeps the artwork of the last seen title in a single file slot.
// At most one Update runs at a time; the accessors are safe from any
// goroutine.
type CoverCache struct {
	dir     string
	baseURL string
	client  *retryablehttp.Client
	now     func() time.Time
	logger  zerolog.Logger

	mu        sync.RWMutex
	lastTitle string
	version   int64
	present   bool

	// background fetch state
	fetching    bool
	failedTitle string
	failedAt    time.Time
	wg          sync.WaitGroup
}

// NewCoverCache prepares the slot directory and removes a slot left over by
// a previous run. baseURL is the artwork server root, e.g. http://127.0.0.1:6535.
func NewCoverCache(dir, baseURL string, logger zerolog.Logger) (*CoverCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cover dir: %w", err)
	}
	c := &CoverCache{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  newArtworkClient(),
		now:     time.Now,
		logger:  logger.With().Str("component", "cover").Logger(),
	}
	if err := os.Remove(c.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale cover: %w", err)
	}
	return c, nil
}

func newArtworkClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil
	return client
}

// Path is the on-disk slot.
func (c *CoverCache) Path() string {
	return filepath.Join(c.dir, coverFileName)
}

// LastTitle is the title whose artwork currently sits in the slot.
func (c *CoverCache) LastTitle() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTitle
}

// Version changes every time the slot contents change.
func (c *CoverCache) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Present reports whether any artwork has been cached yet.
func (c *CoverCache) Present() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.present
}

// URL returns the cache-busted artwork URL, or "" when nothing is cached.
func (c *CoverCache) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.present {
		return ""
	}
	return fmt.Sprintf("%s/cover.jpg?t=%d", c.baseURL, c.version)
}

// ShouldRefresh is true when a new, non-empty title has obtainable artwork.
func (c *CoverCache) ShouldRefresh(title string, artworkAvailable bool) bool {
	return title != "" && title != c.LastTitle() && artworkAvailable
}

// Refresh starts a background Update when title needs new artwork and no
// fetch is already running. The slot keeps serving the previous cover until
// the fetch commits. A title that just failed is retried after
// coverRetryDelay.
func (c *CoverCache) Refresh(ctx context.Context, title string, art ArtworkSource) bool {
	if !c.ShouldRefresh(title, art != nil) {
		return false
	}

	c.mu.Lock()
	if c.fetching || (title == c.failedTitle && c.now().Sub(c.failedAt) < coverRetryDelay) {
		c.mu.Unlock()
		return false
	}
	c.fetching = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		fctx, cancel := context.WithTimeout(ctx, coverFetchTimeout)
		outcome, err := c.Update(fctx, title, art)
		cancel()

		c.mu.Lock()
		c.fetching = false
		if err != nil {
			c.failedTitle, c.failedAt = title, c.now()
		} else {
			c.failedTitle = ""
		}
		c.mu.Unlock()

		if outcome != CoverUnchanged {
			coverUpdates.WithLabelValues(outcome.String()).Inc()
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("title", title).Msg("cover refresh failed")
		}
	}()
	return true
}

// Fetching reports whether a background fetch is running.
func (c *CoverCache) Fetching() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetching
}

// Wait blocks until the background fetch, if any, has finished.
func (c *CoverCache) Wait() {
	c.wg.Wait()
}

// Update refreshes the slot for title if needed. On failure the slot and
// the remembered title are left alone so the next tick tries again.
func (c *CoverCache) Update(ctx context.Context, title string, art ArtworkSource) (CoverOutcome, error) {
	if !c.ShouldRefresh(title, art != nil) {
		return CoverUnchanged, nil
	}

	data, err := c.fetch(ctx, art)
	if err != nil {
		return CoverFailed, err
	}
	if err := c.writeSlot(data); err != nil {
		return CoverFailed, fmt.Errorf("%w: %v", ErrArtworkFetch, err)
	}

	c.mu.Lock()
	next := c.now().UnixMilli()
	if next <= c.version {
		next = c.version + 1
	}
	c.lastTitle = title
	c.version = next
	c.present = true
	c.mu.Unlock()

	c.logger.Debug().
		Str("title", title).
		Str("size", humanize.IBytes(uint64(len(data)))).
		Msg("cover updated")
	return CoverFetched, nil
}

func (c *CoverCache) fetch(ctx context.Context, art ArtworkSource) ([]byte, error) {
	switch a := art.(type) {
	case StreamArtwork:
		if a.Open == nil {
			return nil, fmt.Errorf("%w: no stream", ErrArtworkFetch)
		}
		rc, err := a.Open(ctx)
		if err != nil {
			return nil, wrapArtworkErr(err)
		}
		defer rc.Close()
		data, err := readLimited(rc, MaxArtworkBytes)
		if err != nil {
			return nil, err
		}
		return normalizeCover(data), nil
	case URLArtwork:
		return c.fetchURL(ctx, string(a))
	}
	return nil, fmt.Errorf("%w: unknown artwork source %T", ErrArtworkFetch, art)
}

// fetchURL copies a referenced image as-is.
func (c *CoverCache) fetchURL(ctx context.Context, raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtworkFetch, err)
	}

	switch u.Scheme {
	case "file":
		f, err := os.Open(fileURLPath(u))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArtworkFetch, err)
		}
		defer f.Close()
		return readLimited(f, MaxArtworkBytes)

	case "http", "https":
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArtworkFetch, err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArtworkFetch, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: status %d", ErrArtworkFetch, resp.StatusCode)
		}
		if resp.ContentLength > MaxArtworkBytes {
			return nil, ErrArtworkTooLarge
		}
		return readLimited(resp.Body, MaxArtworkBytes)
	}
	return nil, fmt.Errorf("%w: unsupported scheme %q", ErrArtworkFetch, u.Scheme)
}

// fileURLPath maps file:///C:/x.jpg to C:/x.jpg on Windows.
func fileURLPath(u *url.URL) string {
	p := u.Path
	if runtime.GOOS == "windows" && len(p) > 2 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, wrapArtworkErr(err)
	}
	if int64(len(data)) > limit {
		return nil, ErrArtworkTooLarge
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty artwork", ErrArtworkFetch)
	}
	return data, nil
}

func wrapArtworkErr(err error) error {
	if errors.Is(err, ErrArtworkFetch) || errors.Is(err, ErrArtworkTooLarge) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrArtworkFetch, err)
}

// writeSlot replaces the slot through a rename so readers never see a
// partial file.
func (c *CoverCache) writeSlot(data []byte) error {
	tmp, err := os.CreateTemp(c.dir, ".cover-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, c.Path()); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

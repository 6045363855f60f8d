// Package download implements the streaming media download manager: policy
// guarded HTTP fetches with bounded retry, concurrent audio+video
// fetch-and-merge through an external muxer, and extractor-backed downloads
// for sources that cannot be fetched as a plain stream.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"nuclight.org/mediafetch-bot/pkg/cache"
	e "nuclight.org/mediafetch-bot/pkg/entities"
	"nuclight.org/mediafetch-bot/pkg/logger"
)

const (
	copyChunkSize = 1 << 20
	maxAttempts   = 3
)

var commonHeaders = map[string]string{
	"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36" +
		" (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

type Config struct {
	// CacheDir is the artifact storage root.
	CacheDir string

	// Proxy is the default upstream proxy URL, empty for direct.
	Proxy string

	// MaxSizeMB is the per-file size ceiling in megabytes.
	MaxSizeMB float64

	// MaxDuration is the playable-duration ceiling for extractor sources.
	MaxDuration time.Duration

	// Timeout is the per-request network timeout.
	Timeout time.Duration

	// InfoCacheSize bounds the extractor metadata cache.
	InfoCacheSize int

	// ExtractWorkers bounds concurrent extractor processes.
	ExtractWorkers int
}

type Downloader struct {
	log logger.Logger
	cfg Config

	muxer     Muxer
	extractor MetadataExtractor

	client  *http.Client
	clients sync.Map // proxy url -> *http.Client

	// flight serializes work per target path so concurrent requests for the
	// same resource share one execution and one result.
	flight singleflight.Group

	infoCache  *cache.Bounded[string, e.VideoMetadata]
	extractSem chan struct{}

	// backoff is the linear retry step, overridable in tests.
	backoff time.Duration
}

func NewDownloader(log logger.Logger, cfg Config, muxer Muxer, extractor MetadataExtractor) (*Downloader, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	workers := cfg.ExtractWorkers
	if workers <= 0 {
		workers = 2
	}

	client, err := buildClient(cfg.Proxy, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("building http client: %w", err)
	}

	return &Downloader{
		log:        log,
		cfg:        cfg,
		muxer:      muxer,
		extractor:  extractor,
		client:     client,
		infoCache:  cache.NewBounded[string, e.VideoMetadata](cfg.InfoCacheSize),
		extractSem: make(chan struct{}, workers),
		backoff:    1500 * time.Millisecond,
	}, nil
}

// Fetch streams a remote media item into the cache directory and returns the
// local artifact. It is idempotent per target path: an already cached file is
// returned without touching the network. The target path never holds a
// partially written file.
func (d *Downloader) Fetch(ctx context.Context, req e.MediaRequest) (e.DownloadResult, error) {
	name := req.TargetName
	if name == "" {
		name = FileName(req.URL, defaultExt(req.Kind))
	}
	target := filepath.Join(d.cfg.CacheDir, name)

	res, err, _ := d.flight.Do(target, func() (any, error) {
		return d.fetchOnce(ctx, req, target)
	})
	if err != nil {
		return e.DownloadResult{}, err
	}

	return res.(e.DownloadResult), nil
}

func (d *Downloader) fetchOnce(ctx context.Context, req e.MediaRequest, target string) (e.DownloadResult, error) {
	if info, err := os.Stat(target); err == nil {
		return e.DownloadResult{Path: target, ByteSize: info.Size()}, nil
	}

	maxMB := req.SizeLimitMB
	if maxMB <= 0 {
		maxMB = d.cfg.MaxSizeMB
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		size, err := d.attempt(ctx, req, target, maxMB)
		if err == nil {
			return e.DownloadResult{Path: target, ByteSize: size}, nil
		}

		if !isTransient(err) {
			return e.DownloadResult{}, err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		wait := time.Duration(attempt) * d.backoff
		d.log.Warn("download attempt failed",
			"url", req.URL, "attempt", attempt, "retry_in", wait, "error", err)

		select {
		case <-ctx.Done():
			return e.DownloadResult{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	return e.DownloadResult{}, fmt.Errorf("%w: %s after %d attempts: %v", ErrDownloadFailed, req.URL, maxAttempts, lastErr)
}

func (d *Downloader) attempt(ctx context.Context, req e.MediaRequest, target string, maxMB float64) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range commonHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client, err := d.clientFor(req.Proxy)
	if err != nil {
		return 0, err
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, &transientError{err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return 0, &transientError{fmt.Errorf("HTTP %s", resp.Status)}
	}

	if resp.ContentLength == 0 && !slices.Contains(resp.TransferEncoding, "chunked") {
		return 0, fmt.Errorf("%w: %s", ErrZeroSize, req.URL)
	}

	if resp.ContentLength > 0 {
		if mb := float64(resp.ContentLength) / 1024 / 1024; mb > maxMB {
			return 0, fmt.Errorf("%w: %.2f MB over %.0f MB ceiling: %s", ErrSizeLimit, mb, maxMB, req.URL)
		}
	}

	return d.writeFile(resp.Body, target)
}

// writeFile streams body into target via a temp file so the target path only
// ever appears fully written. Read-side failures are transient; write-side
// failures are not.
func (d *Downloader) writeFile(body io.Reader, target string) (int64, error) {
	tmp := target + ".part"

	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", tmp, err)
	}

	var written int64
	buf := make([]byte, copyChunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				_ = f.Close()
				d.removeQuiet(tmp)
				return 0, fmt.Errorf("writing %s: %w", tmp, werr)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = f.Close()
			d.removeQuiet(tmp)
			return 0, &transientError{fmt.Errorf("reading body: %w", rerr)}
		}
	}

	if err := f.Close(); err != nil {
		d.removeQuiet(tmp)
		return 0, fmt.Errorf("closing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		d.removeQuiet(tmp)
		return 0, fmt.Errorf("renaming %s: %w", tmp, err)
	}

	return written, nil
}

func (d *Downloader) removeQuiet(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.log.Warn("removing file", "path", path, "error", err)
	}
}

func (d *Downloader) clientFor(proxy string) (*http.Client, error) {
	if proxy == "" || proxy == d.cfg.Proxy {
		return d.client, nil
	}

	if cached, ok := d.clients.Load(proxy); ok {
		return cached.(*http.Client), nil
	}

	client, err := buildClient(proxy, d.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("building proxied client: %w", err)
	}

	actual, _ := d.clients.LoadOrStore(proxy, client)
	return actual.(*http.Client), nil
}

func buildClient(proxy string, timeout time.Duration) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}

	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	return client, nil
}

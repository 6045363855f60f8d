package download

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	e "nuclight.org/mediafetch-bot/pkg/entities"
)

type fakeExtractor struct {
	meta      e.VideoMetadata
	probes    atomic.Int64
	downloads atomic.Int64
}

func (f *fakeExtractor) ExtractMetadata(context.Context, string) (e.VideoMetadata, error) {
	f.probes.Add(1)
	return f.meta, nil
}

func (f *fakeExtractor) DownloadMedia(_ context.Context, _, outputTemplate, _, _ string) error {
	f.downloads.Add(1)
	path := strings.ReplaceAll(outputTemplate, "%(ext)s", "mp4")
	return os.WriteFile(path, []byte("extracted"), 0o644)
}

func TestFetchVideoInfoMemoized(t *testing.T) {
	t.Parallel()

	ext := &fakeExtractor{meta: e.VideoMetadata{Title: "clip", DurationSec: 30}}
	d := testDownloader(t, Config{}, nil, ext)

	const url = "https://example.com/watch?v=1"

	first, err := d.FetchVideoInfo(context.Background(), url)
	require.NoError(t, err)
	second, err := d.FetchVideoInfo(context.Background(), url)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, int64(1), ext.probes.Load(), "metadata must be served from cache on repeat probes")
}

func TestFetchExtractedVideoDurationLimit(t *testing.T) {
	t.Parallel()

	ext := &fakeExtractor{meta: e.VideoMetadata{DurationSec: 601}}
	d := testDownloader(t, Config{MaxDuration: 10 * time.Minute}, nil, ext)

	_, err := d.FetchExtractedVideo(context.Background(),
		e.MediaRequest{URL: "https://example.com/watch?v=long", Kind: e.MediaKindVideo})
	require.ErrorIs(t, err, ErrDurationLimit)
	require.Equal(t, int64(0), ext.downloads.Load(), "over-limit sources must be rejected before downloading")
}

func TestFetchExtractedVideoPerRequestDurationLimit(t *testing.T) {
	t.Parallel()

	ext := &fakeExtractor{meta: e.VideoMetadata{DurationSec: 30}}
	d := testDownloader(t, Config{MaxDuration: 10 * time.Minute}, nil, ext)

	// the request's own ceiling overrides the looser manager default
	_, err := d.FetchExtractedVideo(context.Background(), e.MediaRequest{
		URL:              "https://example.com/watch?v=short",
		Kind:             e.MediaKindVideo,
		DurationLimitSec: 10,
	})
	require.ErrorIs(t, err, ErrDurationLimit)
	require.Equal(t, int64(0), ext.downloads.Load())
}

func TestFetchExtractedVideoSuccess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ext := &fakeExtractor{meta: e.VideoMetadata{DurationSec: 30}}
	d := testDownloader(t, Config{CacheDir: dir, MaxDuration: 10 * time.Minute}, nil, ext)

	const url = "https://example.com/watch?v=ok"
	req := e.MediaRequest{URL: url, Kind: e.MediaKindVideo}

	res, err := d.FetchExtractedVideo(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, FileStem(url)+".mp4"), res.Path)
	require.FileExists(t, res.Path)

	// second call hits the cached artifact
	again, err := d.FetchExtractedVideo(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, res, again)
	require.Equal(t, int64(1), ext.downloads.Load())
}

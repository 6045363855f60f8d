package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	e "nuclight.org/mediafetch-bot/pkg/entities"
)

// MetadataExtractor is the external extractor collaborator: metadata probing
// and format-aware downloads for sources that cannot be fetched as a plain
// HTTP stream. Calls block for the lifetime of the external process.
type MetadataExtractor interface {
	ExtractMetadata(ctx context.Context, url string) (e.VideoMetadata, error)
	DownloadMedia(ctx context.Context, url, outputTemplate, formatSpec, postprocessSpec string) error
}

// Format and postprocessing specs handed to the extractor. 720p keeps
// artifacts inside chat platform upload limits.
const (
	videoFormatSpec      = "best[height<=720]/bestvideo[height<=720]+bestaudio/best"
	videoPostprocessSpec = "--merge-output-format mp4"
	audioFormatSpec      = "bestaudio/best"
	audioPostprocessSpec = "--extract-audio --audio-format flac"
)

// YtDlp shells out to the yt-dlp binary.
type YtDlp struct {
	// Bin defaults to "yt-dlp" from PATH.
	Bin        string
	Proxy      string
	CookieFile string
}

func (y YtDlp) ExtractMetadata(ctx context.Context, url string) (e.VideoMetadata, error) {
	args := []string{"--dump-single-json", "--skip-download", "--force-generic-extractor"}
	args = append(args, y.commonArgs()...)
	args = append(args, url)

	out, err := exec.CommandContext(ctx, y.bin(), args...).Output()
	if err != nil {
		return e.VideoMetadata{}, fmt.Errorf("%w: %s", ErrParseFailed, exitDetail(err))
	}

	var raw struct {
		Title       string  `json:"title"`
		Channel     string  `json:"channel"`
		Uploader    string  `json:"uploader"`
		Duration    float64 `json:"duration"`
		Timestamp   int64   `json:"timestamp"`
		Thumbnail   string  `json:"thumbnail"`
		Description string  `json:"description"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return e.VideoMetadata{}, fmt.Errorf("%w: decoding extractor output: %v", ErrParseFailed, err)
	}

	return e.VideoMetadata{
		Title:        raw.Title,
		Author:       authorName(raw.Channel, raw.Uploader),
		DurationSec:  raw.Duration,
		Timestamp:    raw.Timestamp,
		ThumbnailURL: raw.Thumbnail,
		Description:  raw.Description,
	}, nil
}

func (y YtDlp) DownloadMedia(ctx context.Context, url, outputTemplate, formatSpec, postprocessSpec string) error {
	args := []string{"--no-progress", "-o", outputTemplate, "-f", formatSpec}
	if postprocessSpec != "" {
		args = append(args, strings.Fields(postprocessSpec)...)
	}
	args = append(args, y.commonArgs()...)
	args = append(args, url)

	if err := exec.CommandContext(ctx, y.bin(), args...).Run(); err != nil {
		return fmt.Errorf("%w: extractor: %s", ErrDownloadFailed, exitDetail(err))
	}

	return nil
}

func (y YtDlp) bin() string {
	if y.Bin != "" {
		return y.Bin
	}
	return "yt-dlp"
}

func (y YtDlp) commonArgs() []string {
	var args []string
	if y.Proxy != "" {
		args = append(args, "--proxy", y.Proxy)
	}
	if y.CookieFile != "" {
		args = append(args, "--cookies", y.CookieFile)
	}
	return args
}

func authorName(channel, uploader string) string {
	if channel == "" {
		channel = "Unknown"
	}
	if uploader == "" {
		return channel
	}
	return channel + "@" + uploader
}

func exitDetail(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return strings.TrimSpace(string(exitErr.Stderr))
	}
	return err.Error()
}

// FetchVideoInfo probes url through the extractor, memoizing results per URL.
func (d *Downloader) FetchVideoInfo(ctx context.Context, url string) (e.VideoMetadata, error) {
	if info, ok := d.infoCache.Get(url); ok {
		return info, nil
	}

	if d.extractor == nil {
		return e.VideoMetadata{}, fmt.Errorf("%w: no extractor configured", ErrParseFailed)
	}

	var meta e.VideoMetadata
	err := d.withExtractSlot(ctx, func() error {
		var err error
		meta, err = d.extractor.ExtractMetadata(ctx, url)
		return err
	})
	if err != nil {
		return e.VideoMetadata{}, err
	}

	d.infoCache.Set(url, meta)
	return meta, nil
}

// FetchExtractedVideo downloads req.URL through the extractor. The duration
// ceiling is enforced before any bytes move, since extraction is expensive.
func (d *Downloader) FetchExtractedVideo(ctx context.Context, req e.MediaRequest) (e.DownloadResult, error) {
	return d.fetchExtracted(ctx, req, ".mp4", videoFormatSpec, videoPostprocessSpec)
}

// FetchExtractedAudio is the audio counterpart of FetchExtractedVideo.
func (d *Downloader) FetchExtractedAudio(ctx context.Context, req e.MediaRequest) (e.DownloadResult, error) {
	return d.fetchExtracted(ctx, req, ".flac", audioFormatSpec, audioPostprocessSpec)
}

func (d *Downloader) fetchExtracted(ctx context.Context, req e.MediaRequest, ext, formatSpec, postprocessSpec string) (e.DownloadResult, error) {
	url := req.URL

	meta, err := d.FetchVideoInfo(ctx, url)
	if err != nil {
		return e.DownloadResult{}, err
	}

	ceiling := d.cfg.MaxDuration
	if req.DurationLimitSec > 0 {
		ceiling = time.Duration(req.DurationLimitSec) * time.Second
	}
	if ceiling > 0 && meta.DurationSec > ceiling.Seconds() {
		return e.DownloadResult{}, fmt.Errorf("%w: %.0fs over %.0fs ceiling: %s",
			ErrDurationLimit, meta.DurationSec, ceiling.Seconds(), url)
	}

	stem := FileStem(url)
	target := filepath.Join(d.cfg.CacheDir, stem+ext)

	res, ferr, _ := d.flight.Do(target, func() (any, error) {
		if info, err := os.Stat(target); err == nil {
			return e.DownloadResult{Path: target, ByteSize: info.Size()}, nil
		}

		template := filepath.Join(d.cfg.CacheDir, stem) + ".%(ext)s"
		err := d.withExtractSlot(ctx, func() error {
			return d.extractor.DownloadMedia(ctx, url, template, formatSpec, postprocessSpec)
		})
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(target)
		if err != nil {
			return nil, fmt.Errorf("%w: extractor produced no %s", ErrDownloadFailed, target)
		}
		return e.DownloadResult{Path: target, ByteSize: info.Size()}, nil
	})
	if ferr != nil {
		return e.DownloadResult{}, ferr
	}

	return res.(e.DownloadResult), nil
}

// withExtractSlot runs fn on the bounded extractor pool so blocking external
// processes cannot stall concurrent streaming I/O.
func (d *Downloader) withExtractSlot(ctx context.Context, fn func() error) error {
	select {
	case d.extractSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.extractSem }()

	return fn()
}

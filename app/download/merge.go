package download

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	e "nuclight.org/mediafetch-bot/pkg/entities"
)

// Muxer combines a video stream and an audio stream into one output file.
type Muxer interface {
	Merge(ctx context.Context, videoPath, audioPath, outputPath string) error
}

// FFmpeg invokes the ffmpeg binary for stream-copy muxing.
type FFmpeg struct {
	// Bin defaults to "ffmpeg" from PATH.
	Bin string
}

func (f FFmpeg) Merge(ctx context.Context, videoPath, audioPath, outputPath string) error {
	bin := f.Bin
	if bin == "" {
		bin = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c", "copy",
		"-map", "0:v:0",
		"-map", "1:a:0",
		outputPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("%w: %s", ErrMergeFailed, detail)
	}

	return nil
}

// FetchAndMerge downloads both legs concurrently and muxes them into a
// single artifact. A failed leg cancels the in-flight sibling. The two input
// files are removed after the merge attempt regardless of its outcome.
func (d *Downloader) FetchAndMerge(ctx context.Context, videoReq, audioReq e.MediaRequest) (e.DownloadResult, error) {
	output := filepath.Join(d.cfg.CacheDir, FileStem(videoReq.URL+"\x00"+audioReq.URL)+".mp4")

	res, err, _ := d.flight.Do(output, func() (any, error) {
		return d.fetchAndMergeOnce(ctx, videoReq, audioReq, output)
	})
	if err != nil {
		return e.DownloadResult{}, err
	}

	return res.(e.DownloadResult), nil
}

func (d *Downloader) fetchAndMergeOnce(ctx context.Context, videoReq, audioReq e.MediaRequest, output string) (e.DownloadResult, error) {
	if info, err := os.Stat(output); err == nil {
		return e.DownloadResult{Path: output, ByteSize: info.Size()}, nil
	}

	var videoRes, audioRes e.DownloadResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		videoRes, err = d.Fetch(gctx, videoReq)
		return err
	})
	g.Go(func() error {
		var err error
		audioRes, err = d.Fetch(gctx, audioReq)
		return err
	})

	if err := g.Wait(); err != nil {
		return e.DownloadResult{}, err
	}

	defer func() {
		d.removeQuiet(videoRes.Path)
		d.removeQuiet(audioRes.Path)
	}()

	if err := d.muxer.Merge(ctx, videoRes.Path, audioRes.Path, output); err != nil {
		d.removeQuiet(output)
		return e.DownloadResult{}, err
	}

	info, err := os.Stat(output)
	if err != nil {
		return e.DownloadResult{}, fmt.Errorf("%w: muxer produced no output: %v", ErrMergeFailed, err)
	}

	d.log.Info("merged audio and video",
		"output", output, "size_mb", fmt.Sprintf("%.2f", float64(info.Size())/1024/1024))

	return e.DownloadResult{Path: output, ByteSize: info.Size()}, nil
}

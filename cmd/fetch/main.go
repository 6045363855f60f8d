// Command fetch downloads a batch of direct links into the cache directory
// using the same downloader the bot runs. Handy for pre-warming the cache and
// for poking at size limits from a shell.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"nuclight.org/mediafetch-bot/app/download"
	"nuclight.org/mediafetch-bot/app/parser"
	e "nuclight.org/mediafetch-bot/pkg/entities"
	"nuclight.org/mediafetch-bot/pkg/logger"
)

var opts struct {
	CacheDir        string  `long:"cache-dir" env:"CACHE_DIR" default:"./cache" description:"download cache directory"`
	Proxy           string  `long:"proxy" env:"PROXY" description:"upstream proxy url"`
	MaxSizeMB       float64 `long:"max-size-mb" env:"MAX_SIZE_MB" default:"100" description:"per-file size ceiling in megabytes"`
	DownloadTimeout int     `long:"download-timeout-sec" env:"DOWNLOAD_TIMEOUT_SEC" default:"120" description:"per-request download timeout in seconds"`
	Workers         int     `long:"workers" env:"WORKERS" default:"5" description:"number of concurrent download workers"`
	Debug           bool    `long:"debug" env:"DEBUG" description:"enable debug logging"`

	Args struct {
		URLs []string `positional-arg-name:"url" required:"1" description:"direct media links to fetch"`
	} `positional-args:"true"`
}

var (
	wg         sync.WaitGroup
	downloaded int64
	failed     int64
)

func main() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}

	log := logger.NewLogger(opts.Debug)
	log.Info("starting fetch", "urls", len(opts.Args.URLs))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	downloads, err := download.NewDownloader(
		log,
		download.Config{
			CacheDir:  opts.CacheDir,
			Proxy:     opts.Proxy,
			MaxSizeMB: opts.MaxSizeMB,
			Timeout:   time.Duration(opts.DownloadTimeout) * time.Second,
		},
		&download.FFmpeg{},
		&download.YtDlp{Proxy: opts.Proxy},
	)
	if err != nil {
		log.Error("creating downloader", "error", err)
		os.Exit(1)
	}

	taskChan := make(chan string, len(opts.Args.URLs))
	for _, url := range opts.Args.URLs {
		taskChan <- url
	}
	close(taskChan)

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for url := range taskChan {
				select {
				case <-ctx.Done():
					return
				default:
				}

				res, err := downloads.Fetch(ctx, e.MediaRequest{
					URL:  url,
					Kind: parser.KindForURL(url),
				})
				if err != nil {
					log.Error("fetching", "url", url, "error", err)
					atomic.AddInt64(&failed, 1)
					continue
				}

				log.Info("fetched", "url", url, "path", res.Path, "bytes", res.ByteSize)
				atomic.AddInt64(&downloaded, 1)
			}
		}()
	}

	wg.Wait()

	log.Info("done",
		"downloaded", downloaded,
		"failed", failed,
	)

	if failed > 0 {
		os.Exit(1)
	}
}

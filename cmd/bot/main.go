package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jessevdk/go-flags"

	"nuclight.org/mediafetch-bot/app/arbiter"
	"nuclight.org/mediafetch-bot/app/clean"
	"nuclight.org/mediafetch-bot/app/debounce"
	"nuclight.org/mediafetch-bot/app/download"
	"nuclight.org/mediafetch-bot/app/handler"
	"nuclight.org/mediafetch-bot/app/onebot"
	"nuclight.org/mediafetch-bot/app/parser"
	"nuclight.org/mediafetch-bot/app/storage"
	"nuclight.org/mediafetch-bot/app/telegram"
	"nuclight.org/mediafetch-bot/pkg/logger"
)

var opts struct {
	OneBotURL         string  `long:"onebot-url" env:"ONEBOT_URL" description:"onebot v11 websocket url, empty to disable"`
	OneBotAccessToken string  `long:"onebot-access-token" env:"ONEBOT_ACCESS_TOKEN" description:"onebot access token"`
	TelegramAPIToken  string  `long:"telegram-api-token" env:"TELEGRAM_API_TOKEN" description:"telegram api token, empty to disable"`
	WorkersNum        int     `long:"workers-num" env:"WORKERS_NUM" default:"5" description:"number of message workers per transport"`
	DBPath            string  `long:"db-path" env:"DB_PATH" default:"./db/mediafetch.sqlite" description:"path to the sqlite database file"`
	CacheDir          string  `long:"cache-dir" env:"CACHE_DIR" default:"./cache" description:"download cache directory"`
	Proxy             string  `long:"proxy" env:"PROXY" description:"upstream proxy url for downloads and extraction"`
	MaxSizeMB         float64 `long:"max-size-mb" env:"MAX_SIZE_MB" default:"100" description:"per-file size ceiling in megabytes"`
	MaxDurationMin    int     `long:"max-duration-min" env:"MAX_DURATION_MIN" default:"20" description:"extracted media duration ceiling in minutes"`
	DownloadTimeout   int     `long:"download-timeout-sec" env:"DOWNLOAD_TIMEOUT_SEC" default:"120" description:"per-request download timeout in seconds"`
	InfoCacheSize     int     `long:"info-cache-size" env:"INFO_CACHE_SIZE" default:"128" description:"extractor metadata cache size"`
	ExtractWorkers    int     `long:"extract-workers" env:"EXTRACT_WORKERS" default:"2" description:"concurrent extractor processes"`
	YtDlpBin          string  `long:"yt-dlp-bin" env:"YT_DLP_BIN" description:"yt-dlp binary, defaults to PATH lookup"`
	CookieFile        string  `long:"cookie-file" env:"COOKIE_FILE" description:"cookie file passed to the extractor"`
	ArbiterWaitMs     int     `long:"arbiter-wait-ms" env:"ARBITER_WAIT_MS" default:"2000" description:"reaction collection window in milliseconds"`
	ArbiterTokenMax   int     `long:"arbiter-token-max" env:"ARBITER_TOKEN_MAX" default:"433" description:"upper bound of the reaction token range"`
	DebounceSec       int     `long:"debounce-sec" env:"DEBOUNCE_SEC" default:"60" description:"per-session link debounce window in seconds, 0 disables"`
	CleanSchedule     string  `long:"clean-schedule" env:"CLEAN_SCHEDULE" default:"17 * * * *" description:"cron schedule for cache cleanup"`
	CacheTTLHours     int     `long:"cache-ttl-hours" env:"CACHE_TTL_HOURS" default:"24" description:"cached artifact lifetime in hours"`
	SentryDSN         string  `long:"sentry-dsn" env:"SENTRY_DSN" description:"sentry dsn, empty to disable"`
	ShowFailTip       bool    `long:"show-fail-tip" env:"SHOW_FAIL_TIP" description:"reply with a note when a download fails"`
	Debug             bool    `long:"debug" env:"DEBUG" description:"enable debug logging"`
}

var Revision = "dev"

func main() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}

	log := logger.NewLogger(opts.Debug)
	log.Info("starting bot", "revision", Revision)

	if opts.SentryDSN != "" {
		err = sentry.Init(sentry.ClientOptions{
			Dsn:     opts.SentryDSN,
			Release: Revision,
		})
		if err != nil {
			log.Error("initializing sentry", "error", err)
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.NewSQLite(ctx, opts.DBPath)
	if err != nil {
		log.Error("creating sqlite3 database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("closing sqlite3 database", "error", err)
		}
	}()

	downloads, err := download.NewDownloader(
		log,
		download.Config{
			CacheDir:       opts.CacheDir,
			Proxy:          opts.Proxy,
			MaxSizeMB:      opts.MaxSizeMB,
			MaxDuration:    time.Duration(opts.MaxDurationMin) * time.Minute,
			Timeout:        time.Duration(opts.DownloadTimeout) * time.Second,
			InfoCacheSize:  opts.InfoCacheSize,
			ExtractWorkers: opts.ExtractWorkers,
		},
		&download.FFmpeg{},
		&download.YtDlp{
			Bin:        opts.YtDlpBin,
			Proxy:      opts.Proxy,
			CookieFile: opts.CookieFile,
		},
	)
	if err != nil {
		log.Error("creating downloader", "error", err)
		os.Exit(1)
	}

	registry := parser.NewRegistry()
	registry.Register("http", parser.DirectLinkPattern, parser.DirectLink{})

	h := &handler.Handler{
		Log:         log,
		Registry:    registry,
		Downloads:   downloads,
		Debouncer:   debounce.New(time.Duration(opts.DebounceSec) * time.Second),
		Sessions:    db,
		Parses:      db,
		ShowFailTip: opts.ShowFailTip,
	}

	cleaner := &clean.Cleaner{
		Log:      log,
		CacheDir: opts.CacheDir,
		TTL:      time.Duration(opts.CacheTTLHours) * time.Hour,
	}
	if err := cleaner.Start(opts.CleanSchedule); err != nil {
		log.Error("starting cache cleaner", "error", err)
		os.Exit(1)
	}
	defer cleaner.Stop()

	var (
		ob *onebot.Client
		tg *telegram.Client
	)

	if opts.OneBotURL != "" {
		ob = &onebot.Client{
			Log:         log,
			URL:         opts.OneBotURL,
			AccessToken: opts.OneBotAccessToken,
			WorkersNum:  opts.WorkersNum,
			Handler:     h,
		}

		arb := arbiter.New(
			log,
			ob,
			time.Duration(opts.ArbiterWaitMs)*time.Millisecond,
			opts.ArbiterTokenMax,
		)
		h.Arbiter = arb
		ob.Reactions = arb

		if err := ob.Start(ctx); err != nil {
			log.Error("starting onebot client", "error", err)
			os.Exit(1)
		}
	}

	if opts.TelegramAPIToken != "" {
		tg = &telegram.Client{
			Log:        log,
			APIToken:   opts.TelegramAPIToken,
			WorkersNum: opts.WorkersNum,
			Handler:    h,
		}

		if err := tg.Start(ctx); err != nil {
			log.Error("starting telegram client", "error", err)
			os.Exit(1)
		}
	}

	if ob == nil && tg == nil {
		log.Error("no transport configured, set --onebot-url or --telegram-api-token")
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("stopping bot")

	if ob != nil {
		ob.Wait()
	}
	if tg != nil {
		tg.Wait()
	}

	os.Exit(0)
}

// Package handler wires the parse pipeline: one inbound chat message in, a
// list of replies out. The transports stay dumb; everything between "a
// message arrived" and "send these segments" lives here.
package handler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/getsentry/sentry-go"

	"nuclight.org/mediafetch-bot/app/download"
	"nuclight.org/mediafetch-bot/app/parser"
	e "nuclight.org/mediafetch-bot/pkg/entities"
	"nuclight.org/mediafetch-bot/pkg/logger"
)

type Downloads interface {
	Fetch(ctx context.Context, req e.MediaRequest) (e.DownloadResult, error)
	FetchAndMerge(ctx context.Context, videoReq, audioReq e.MediaRequest) (e.DownloadResult, error)
	FetchExtractedVideo(ctx context.Context, req e.MediaRequest) (e.DownloadResult, error)
	FetchExtractedAudio(ctx context.Context, req e.MediaRequest) (e.DownloadResult, error)
}

type SessionStore interface {
	SessionEnabled(ctx context.Context, session string) (bool, error)
	SetSessionEnabled(ctx context.Context, session string, enabled bool) error
}

type ParseLog interface {
	SaveParse(ctx context.Context, msg e.Message, link, keyword string, outcome e.Outcome) error
}

type Arbiter interface {
	Compete(ctx context.Context, messageID, selfID int64) bool
}

type Debouncer interface {
	Hit(session, link string) bool
}

// Handler is the message pipeline: session gate, link match, distributed
// arbitration, debounce, parse, download, reply assembly.
type Handler struct {
	// Log is a logger
	Log logger.Logger

	// Registry dispatches matched links to parsers
	Registry *parser.Registry

	// Downloads resolves media requests to local artifacts
	Downloads Downloads

	// Arbiter races competing bot instances; nil disables arbitration
	Arbiter Arbiter

	// Debouncer suppresses repeated links per session; nil disables it
	Debouncer Debouncer

	// Sessions persists the per-session parse switch
	Sessions SessionStore

	// Parses records pipeline outcomes; nil disables the log
	Parses ParseLog

	// ShowFailTip controls whether download failures produce a textual note
	ShowFailTip bool
}

// HandleMessage runs the pipeline for one inbound message. A nil, nil return
// means stay silent. Arbitration losses are silent by design: the winning
// instance answers, everyone else pretends not to have seen the message.
func (h *Handler) HandleMessage(ctx context.Context, msg e.Message) ([]e.Reply, error) {
	if !msg.HasText() {
		return nil, nil
	}

	if cmd, ok := parseCommand(msg.Text); ok {
		return h.handleCommand(ctx, msg, cmd)
	}

	p, keyword, match, ok := h.Registry.Match(msg.Text)
	if !ok {
		return nil, nil
	}
	link := match[0]

	log := h.Log.With("session", msg.Session, "link", link)

	enabled, err := h.Sessions.SessionEnabled(ctx, msg.Session)
	if err != nil {
		return nil, fmt.Errorf("checking session: %w", err)
	}
	if !enabled {
		h.saveParse(ctx, msg, link, keyword, e.Outcome{Status: e.StatusDisabled})
		return nil, nil
	}

	if h.Arbiter != nil && msg.GroupChat && msg.Reactable {
		if !h.Arbiter.Compete(ctx, msg.ID, msg.SelfID) {
			log.Debug("lost arbitration, staying silent", "message_id", msg.ID)
			h.saveParse(ctx, msg, link, keyword, e.Outcome{Status: e.StatusArbitrationLost})
			return nil, nil
		}
		log.Debug("won arbitration", "message_id", msg.ID)
	}

	if h.Debouncer != nil && h.Debouncer.Hit(msg.Session, link) {
		log.Debug("link debounced")
		h.saveParse(ctx, msg, link, keyword, e.Outcome{Status: e.StatusDebounced})
		return nil, nil
	}

	result, err := p.Parse(ctx, keyword, match)
	if err != nil {
		h.saveParse(ctx, msg, link, keyword, e.Outcome{Status: e.StatusFailed, Note: err.Error()})
		h.capture(err)
		return nil, fmt.Errorf("parsing %s: %w", link, err)
	}

	replies := h.resolve(ctx, log, result)
	h.saveParse(ctx, msg, link, keyword, e.Outcome{Status: e.StatusParsed})

	return replies, nil
}

// resolve turns a parse result into replies. Every media item is scheduled
// eagerly so downloads within one message run concurrently; the collection
// loop below only fixes the reply order.
func (h *Handler) resolve(ctx context.Context, log logger.Logger, result *parser.Result) []e.Reply {
	var replies []e.Reply

	if header := buildHeader(result); header != "" {
		replies = append(replies, e.Reply{Text: header})
	}

	type item struct {
		kind e.MediaKind
		lazy *download.Lazy
	}

	items := make([]item, 0, len(result.Requests)+len(result.Merges)+len(result.Extracted))

	for _, req := range result.Requests {
		items = append(items, item{req.Kind, download.NewLazy(func(ctx context.Context) (e.DownloadResult, error) {
			return h.Downloads.Fetch(ctx, req)
		})})
	}

	for _, m := range result.Merges {
		items = append(items, item{e.MediaKindVideo, download.NewLazy(func(ctx context.Context) (e.DownloadResult, error) {
			return h.Downloads.FetchAndMerge(ctx, m.Video, m.Audio)
		})})
	}

	for _, x := range result.Extracted {
		fetch := h.Downloads.FetchExtractedVideo
		if x.Kind == e.MediaKindAudio {
			fetch = h.Downloads.FetchExtractedAudio
		}
		req := e.MediaRequest{URL: x.URL, Kind: x.Kind, DurationLimitSec: x.DurationLimitSec}
		items = append(items, item{x.Kind, download.NewLazy(func(ctx context.Context) (e.DownloadResult, error) {
			return fetch(ctx, req)
		})})
	}

	for _, it := range items {
		go func(l *download.Lazy) { _, _ = l.Get(ctx) }(it.lazy)
	}

	for _, it := range items {
		res, err := it.lazy.Get(ctx)
		replies = h.appendMedia(replies, log, it.kind, res, err)
	}

	return replies
}

func (h *Handler) appendMedia(replies []e.Reply, log logger.Logger, kind e.MediaKind, res e.DownloadResult, err error) []e.Reply {
	if err == nil {
		return append(replies, e.Reply{
			Kind:     kind,
			Path:     res.Path,
			FileName: filepath.Base(res.Path),
		})
	}

	if download.IsPolicyRejection(err) {
		log.Info("media rejected by policy", "error", err)
		if note := policyNote(err); note != "" && h.ShowFailTip {
			replies = append(replies, e.Reply{Text: note})
		}
		return replies
	}

	log.Error("resolving media", "error", err)
	h.capture(err)
	if h.ShowFailTip {
		replies = append(replies, e.Reply{Text: "[media download failed]"})
	}

	return replies
}

func policyNote(err error) string {
	switch {
	case errors.Is(err, download.ErrSizeLimit):
		return "[media exceeds size limit]"
	case errors.Is(err, download.ErrDurationLimit):
		return "[media exceeds duration limit]"
	default:
		// zero-size sources are dropped without a note
		return ""
	}
}

func buildHeader(result *parser.Result) string {
	var parts []string
	if result.Title != "" {
		parts = append(parts, result.Title)
	}
	if result.Author != "" {
		parts = append(parts, "by "+result.Author)
	}
	if result.Text != "" {
		parts = append(parts, result.Text)
	}

	return strings.Join(parts, "\n")
}

func (h *Handler) saveParse(ctx context.Context, msg e.Message, link, keyword string, outcome e.Outcome) {
	if h.Parses == nil {
		return
	}
	if err := h.Parses.SaveParse(ctx, msg, link, keyword, outcome); err != nil {
		h.Log.Error("saving parse log entry", "error", err)
	}
}

func (h *Handler) capture(err error) {
	sentry.CaptureException(err)
}

func parseCommand(text string) (string, bool) {
	switch strings.TrimSpace(text) {
	case "/parse on":
		return "on", true
	case "/parse off":
		return "off", true
	default:
		return "", false
	}
}

func (h *Handler) handleCommand(ctx context.Context, msg e.Message, cmd string) ([]e.Reply, error) {
	enable := cmd == "on"

	if err := h.Sessions.SetSessionEnabled(ctx, msg.Session, enable); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}

	note := "link parsing disabled for this chat"
	if enable {
		note = "link parsing enabled for this chat"
	}

	return []e.Reply{{Text: note}}, nil
}

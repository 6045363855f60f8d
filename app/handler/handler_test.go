package handler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nuclight.org/mediafetch-bot/app/download"
	"nuclight.org/mediafetch-bot/app/parser"
	e "nuclight.org/mediafetch-bot/pkg/entities"
)

type fakeDownloads struct {
	fetches int
	err     error
}

func (f *fakeDownloads) Fetch(_ context.Context, req e.MediaRequest) (e.DownloadResult, error) {
	f.fetches++
	if f.err != nil {
		return e.DownloadResult{}, f.err
	}
	return e.DownloadResult{Path: "/cache/" + download.FileName(req.URL, ".bin"), ByteSize: 10}, nil
}

func (f *fakeDownloads) FetchAndMerge(ctx context.Context, videoReq, _ e.MediaRequest) (e.DownloadResult, error) {
	return f.Fetch(ctx, videoReq)
}

func (f *fakeDownloads) FetchExtractedVideo(ctx context.Context, req e.MediaRequest) (e.DownloadResult, error) {
	return f.Fetch(ctx, req)
}

func (f *fakeDownloads) FetchExtractedAudio(ctx context.Context, req e.MediaRequest) (e.DownloadResult, error) {
	return f.Fetch(ctx, req)
}

type fakeSessions struct {
	disabled map[string]bool
}

func (f *fakeSessions) SessionEnabled(_ context.Context, session string) (bool, error) {
	return !f.disabled[session], nil
}

func (f *fakeSessions) SetSessionEnabled(_ context.Context, session string, enabled bool) error {
	if f.disabled == nil {
		f.disabled = make(map[string]bool)
	}
	f.disabled[session] = !enabled
	return nil
}

type fakeParseLog struct {
	statuses []e.Status
}

func (f *fakeParseLog) SaveParse(_ context.Context, _ e.Message, _, _ string, outcome e.Outcome) error {
	f.statuses = append(f.statuses, outcome.Status)
	return nil
}

type fakeArbiter struct {
	win   bool
	calls int
}

func (f *fakeArbiter) Compete(context.Context, int64, int64) bool {
	f.calls++
	return f.win
}

type fakeDebouncer struct {
	hit bool
}

func (f *fakeDebouncer) Hit(string, string) bool {
	return f.hit
}

func testHandler(t *testing.T) (*Handler, *fakeDownloads, *fakeSessions, *fakeParseLog) {
	t.Helper()

	registry := parser.NewRegistry()
	registry.Register("http", parser.DirectLinkPattern, parser.DirectLink{})

	downloads := &fakeDownloads{}
	sessions := &fakeSessions{}
	parses := &fakeParseLog{}

	h := &Handler{
		Log:         slog.New(slog.DiscardHandler),
		Registry:    registry,
		Downloads:   downloads,
		Sessions:    sessions,
		Parses:      parses,
		ShowFailTip: true,
	}

	return h, downloads, sessions, parses
}

func groupMessage(text string) e.Message {
	return e.Message{
		Source:    e.SourceOneBot,
		Session:   "onebot:group:1",
		ID:        42,
		GroupChat: true,
		Reactable: true,
		SelfID:    7,
		Text:      text,
	}
}

func TestHandleMessageProducesMediaReply(t *testing.T) {
	t.Parallel()

	h, downloads, _, parses := testHandler(t)

	replies, err := h.HandleMessage(context.Background(), groupMessage("look https://cdn.example.com/clip.mp4"))
	require.NoError(t, err)
	require.Len(t, replies, 1)
	require.Equal(t, e.MediaKindVideo, replies[0].Kind)
	require.NotEmpty(t, replies[0].Path)
	require.Equal(t, 1, downloads.fetches)
	require.Equal(t, []e.Status{e.StatusParsed}, parses.statuses)
}

func TestHandleMessageIgnoresPlainChatter(t *testing.T) {
	t.Parallel()

	h, downloads, _, parses := testHandler(t)

	replies, err := h.HandleMessage(context.Background(), groupMessage("good morning"))
	require.NoError(t, err)
	require.Nil(t, replies)
	require.Zero(t, downloads.fetches)
	require.Empty(t, parses.statuses)
}

func TestHandleMessageArbitrationLossIsSilent(t *testing.T) {
	t.Parallel()

	h, downloads, _, parses := testHandler(t)
	arb := &fakeArbiter{win: false}
	h.Arbiter = arb

	replies, err := h.HandleMessage(context.Background(), groupMessage("https://cdn.example.com/clip.mp4"))
	require.NoError(t, err)
	require.Nil(t, replies, "losers must stay silent")
	require.Equal(t, 1, arb.calls)
	require.Zero(t, downloads.fetches)
	require.Equal(t, []e.Status{e.StatusArbitrationLost}, parses.statuses)
}

func TestHandleMessageSkipsArbitrationOutsideGroups(t *testing.T) {
	t.Parallel()

	h, _, _, _ := testHandler(t)
	arb := &fakeArbiter{win: false}
	h.Arbiter = arb

	msg := groupMessage("https://cdn.example.com/clip.mp4")
	msg.GroupChat = false

	replies, err := h.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	require.Zero(t, arb.calls, "private chats must not arbitrate")
}

func TestHandleMessageDebounced(t *testing.T) {
	t.Parallel()

	h, downloads, _, parses := testHandler(t)
	h.Debouncer = &fakeDebouncer{hit: true}

	replies, err := h.HandleMessage(context.Background(), groupMessage("https://cdn.example.com/clip.mp4"))
	require.NoError(t, err)
	require.Nil(t, replies)
	require.Zero(t, downloads.fetches)
	require.Equal(t, []e.Status{e.StatusDebounced}, parses.statuses)
}

func TestHandleMessageDisabledSession(t *testing.T) {
	t.Parallel()

	h, downloads, sessions, parses := testHandler(t)
	require.NoError(t, sessions.SetSessionEnabled(context.Background(), "onebot:group:1", false))

	replies, err := h.HandleMessage(context.Background(), groupMessage("https://cdn.example.com/clip.mp4"))
	require.NoError(t, err)
	require.Nil(t, replies)
	require.Zero(t, downloads.fetches)
	require.Equal(t, []e.Status{e.StatusDisabled}, parses.statuses)
}

func TestHandleMessagePolicyRejectionNote(t *testing.T) {
	t.Parallel()

	h, downloads, _, _ := testHandler(t)
	downloads.err = fmt.Errorf("%w: 120 MB over 100 MB ceiling", download.ErrSizeLimit)

	replies, err := h.HandleMessage(context.Background(), groupMessage("https://cdn.example.com/clip.mp4"))
	require.NoError(t, err)
	require.Len(t, replies, 1)
	require.Equal(t, "[media exceeds size limit]", replies[0].Text)
}

func TestHandleMessageDownloadFailureNote(t *testing.T) {
	t.Parallel()

	h, downloads, _, _ := testHandler(t)
	downloads.err = fmt.Errorf("%w: connection reset", download.ErrDownloadFailed)

	replies, err := h.HandleMessage(context.Background(), groupMessage("https://cdn.example.com/clip.mp4"))
	require.NoError(t, err)
	require.Len(t, replies, 1)
	require.Equal(t, "[media download failed]", replies[0].Text)
}

type slowDownloads struct {
	delay time.Duration

	mu          sync.Mutex
	inflight    int
	maxInflight int
}

func (s *slowDownloads) enter() func() {
	s.mu.Lock()
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}
}

func (s *slowDownloads) Fetch(_ context.Context, req e.MediaRequest) (e.DownloadResult, error) {
	defer s.enter()()
	time.Sleep(s.delay)
	return e.DownloadResult{Path: "/cache/" + download.FileName(req.URL, ".bin"), ByteSize: 1}, nil
}

func (s *slowDownloads) FetchAndMerge(ctx context.Context, videoReq, _ e.MediaRequest) (e.DownloadResult, error) {
	return s.Fetch(ctx, videoReq)
}

func (s *slowDownloads) FetchExtractedVideo(ctx context.Context, req e.MediaRequest) (e.DownloadResult, error) {
	return s.Fetch(ctx, req)
}

func (s *slowDownloads) FetchExtractedAudio(ctx context.Context, req e.MediaRequest) (e.DownloadResult, error) {
	return s.Fetch(ctx, req)
}

type fanOutParser struct{}

func (fanOutParser) Parse(context.Context, string, []string) (*parser.Result, error) {
	return &parser.Result{
		Requests: []e.MediaRequest{
			{URL: "https://cdn.example.com/a.jpg", Kind: e.MediaKindImage},
			{URL: "https://cdn.example.com/b.jpg", Kind: e.MediaKindImage},
			{URL: "https://cdn.example.com/c.jpg", Kind: e.MediaKindImage},
		},
	}, nil
}

func TestHandleMessageDownloadsConcurrently(t *testing.T) {
	t.Parallel()

	registry := parser.NewRegistry()
	registry.Register("album", regexp.MustCompile(`album:\S+`), fanOutParser{})

	downloads := &slowDownloads{delay: 100 * time.Millisecond}
	h := &Handler{
		Log:       slog.New(slog.DiscardHandler),
		Registry:  registry,
		Downloads: downloads,
		Sessions:  &fakeSessions{},
	}

	start := time.Now()
	replies, err := h.HandleMessage(context.Background(), groupMessage("album:xyz"))
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, replies, 3)
	require.Equal(t, 3, downloads.maxInflight, "all media items of one message must download in parallel")
	require.Less(t, elapsed, 250*time.Millisecond, "three 100ms downloads must overlap")

	// reply order follows request order regardless of completion order
	for i, want := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		require.Equal(t, "/cache/"+download.FileName("https://cdn.example.com/"+want, ".bin"), replies[i].Path)
	}
}

func TestHandleCommandToggle(t *testing.T) {
	t.Parallel()

	h, _, sessions, _ := testHandler(t)
	ctx := context.Background()

	replies, err := h.HandleMessage(ctx, groupMessage("/parse off"))
	require.NoError(t, err)
	require.Len(t, replies, 1)

	enabled, err := sessions.SessionEnabled(ctx, "onebot:group:1")
	require.NoError(t, err)
	require.False(t, enabled)

	_, err = h.HandleMessage(ctx, groupMessage("/parse on"))
	require.NoError(t, err)

	enabled, err = sessions.SessionEnabled(ctx, "onebot:group:1")
	require.NoError(t, err)
	require.True(t, enabled)
}

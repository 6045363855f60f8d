package parser

import (
	"context"
	"path"
	"regexp"
	"strings"

	e "nuclight.org/mediafetch-bot/pkg/entities"
)

// DirectLinkPattern matches bare links pointing straight at a media file.
var DirectLinkPattern = regexp.MustCompile(
	`https?://[^\s<>"]+\.(?i:mp4|webm|mp3|flac|m4a|ogg|jpe?g|png|gif|webp|zip|pdf)(?:\?[^\s<>"]*)?`)

// DirectLink handles links that need no scraping: the URL itself is the
// media request.
type DirectLink struct{}

func (DirectLink) Parse(_ context.Context, _ string, match []string) (*Result, error) {
	link := match[0]

	return &Result{
		Requests: []e.MediaRequest{{
			URL:  link,
			Kind: KindForURL(link),
		}},
	}, nil
}

// KindForURL classifies a URL by its path extension, defaulting to a generic
// file.
func KindForURL(rawURL string) e.MediaKind {
	trimmed := rawURL
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}

	switch strings.ToLower(path.Ext(trimmed)) {
	case ".mp4", ".webm":
		return e.MediaKindVideo
	case ".mp3", ".flac", ".m4a", ".ogg":
		return e.MediaKindAudio
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return e.MediaKindImage
	default:
		return e.MediaKindFile
	}
}

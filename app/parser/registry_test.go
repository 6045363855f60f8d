package parser

import (
	"context"
	"regexp"
	"testing"

	e "nuclight.org/mediafetch-bot/pkg/entities"
)

type stubParser struct {
	name string
}

func (s stubParser) Parse(context.Context, string, []string) (*Result, error) {
	return &Result{Title: s.name}, nil
}

func TestRegistryLongestKeywordFirst(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("example.com", regexp.MustCompile(`https://example\.com/\S+`), stubParser{name: "short"})
	r.Register("video.example.com", regexp.MustCompile(`https://video\.example\.com/\S+`), stubParser{name: "long"})

	p, keyword, match, ok := r.Match("check https://video.example.com/v/1 out")
	if !ok {
		t.Fatalf("expected a match")
	}
	if keyword != "video.example.com" {
		t.Fatalf("longer keyword must win, got %q", keyword)
	}
	if match[0] != "https://video.example.com/v/1" {
		t.Fatalf("unexpected link: %q", match[0])
	}
	if p.(stubParser).name != "long" {
		t.Fatalf("wrong parser dispatched")
	}
}

func TestRegistryKeywordWithoutPatternMatch(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("example.com", regexp.MustCompile(`https://example\.com/v/\d+`), stubParser{name: "strict"})

	// keyword present but pattern does not match: no dispatch
	if _, _, _, ok := r.Match("see example.com for details"); ok {
		t.Fatalf("keyword alone must not dispatch")
	}
}

func TestRegistryNoMatch(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("example.com", regexp.MustCompile(`https://example\.com/\S+`), stubParser{})

	if _, _, _, ok := r.Match("nothing to see here"); ok {
		t.Fatalf("unexpected match")
	}
}

func TestDirectLinkKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		kind e.MediaKind
	}{
		{"https://cdn.example.com/clip.mp4", e.MediaKindVideo},
		{"https://cdn.example.com/track.flac?sig=1", e.MediaKindAudio},
		{"https://cdn.example.com/pic.JPEG", e.MediaKindImage},
		{"https://cdn.example.com/bundle.zip", e.MediaKindFile},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()

			match := DirectLinkPattern.FindStringSubmatch("look: " + tt.url)
			if match == nil {
				t.Fatalf("pattern did not match %q", tt.url)
			}

			res, err := DirectLink{}.Parse(context.Background(), "http", match)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(res.Requests) != 1 {
				t.Fatalf("expected one request, got %d", len(res.Requests))
			}
			if res.Requests[0].Kind != tt.kind {
				t.Fatalf("kind = %q, want %q", res.Requests[0].Kind, tt.kind)
			}
		})
	}
}

// Package parser routes matched chat links to the platform parser that can
// turn them into downloadable media requests. The registry is the single
// coupling point platform parsers have to satisfy.
package parser

import (
	"context"
	"regexp"
	"sort"
	"strings"

	e "nuclight.org/mediafetch-bot/pkg/entities"
)

// Result is what a parser produces for one matched link.
type Result struct {
	Title  string
	Author string
	Text   string

	// Requests are plain streaming fetches.
	Requests []e.MediaRequest

	// Merges are video+audio pairs combined through the muxer.
	Merges []MergeRequest

	// Extracted are sources that need the external extractor.
	Extracted []ExtractRequest
}

type MergeRequest struct {
	Video e.MediaRequest
	Audio e.MediaRequest
}

type ExtractRequest struct {
	URL  string
	Kind e.MediaKind

	// DurationLimitSec caps playable duration; 0 means the manager ceiling.
	DurationLimitSec int
}

// Parser turns a matched link into media requests. match holds the submatch
// groups of the registry pattern, match[0] being the full link.
type Parser interface {
	Parse(ctx context.Context, keyword string, match []string) (*Result, error)
}

type entry struct {
	keyword string
	pattern *regexp.Regexp
	parser  Parser
}

// Registry dispatches message text by keyword and pattern. Entries are tried
// longest keyword first, first pattern hit wins. Build it once at startup;
// it is not safe for concurrent registration.
type Registry struct {
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(keyword string, pattern *regexp.Regexp, p Parser) {
	r.entries = append(r.entries, entry{keyword: keyword, pattern: pattern, parser: p})
	sort.SliceStable(r.entries, func(i, j int) bool {
		return len(r.entries[i].keyword) > len(r.entries[j].keyword)
	})
}

// Match finds the first registered parser whose keyword occurs in text and
// whose pattern matches. The substring test keeps the regexes off the hot
// path for ordinary chatter.
func (r *Registry) Match(text string) (Parser, string, []string, bool) {
	for _, en := range r.entries {
		if !strings.Contains(text, en.keyword) {
			continue
		}
		if m := en.pattern.FindStringSubmatch(text); m != nil {
			return en.parser, en.keyword, m, true
		}
	}

	return nil, "", nil, false
}

func (r *Registry) Len() int {
	return len(r.entries)
}

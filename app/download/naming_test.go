package download

import (
	"strings"
	"testing"
)

func TestFileNameDeterministic(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/media/clip.mp4?sign=abc"

	first := FileName(url, ".bin")
	second := FileName(url, ".bin")
	if first != second {
		t.Fatalf("unstable names: %q vs %q", first, second)
	}

	if !strings.HasSuffix(first, ".mp4") {
		t.Fatalf("extension not taken from url path: %q", first)
	}
}

func TestFileNameDefaultExtension(t *testing.T) {
	t.Parallel()

	name := FileName("https://example.com/watch?v=123", ".mp4")
	if !strings.HasSuffix(name, ".mp4") {
		t.Fatalf("default extension not applied: %q", name)
	}
}

func TestFileNameDistinctURLs(t *testing.T) {
	t.Parallel()

	a := FileName("https://example.com/a.mp4", "")
	b := FileName("https://example.com/b.mp4", "")
	if a == b {
		t.Fatalf("distinct urls mapped to one name: %q", a)
	}
}

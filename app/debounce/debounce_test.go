package debounce

import (
	"testing"
	"time"
)

func TestHitWindow(t *testing.T) {
	t.Parallel()

	current := time.Unix(1000, 0)
	d := New(time.Minute)
	d.now = func() time.Time { return current }

	if d.Hit("s1", "https://example.com/a") {
		t.Fatalf("first sighting must not be suppressed")
	}

	if !d.Hit("s1", "https://example.com/a") {
		t.Fatalf("immediate repeat must be suppressed")
	}

	current = current.Add(59 * time.Second)
	if !d.Hit("s1", "https://example.com/a") {
		t.Fatalf("repeat inside the window must be suppressed")
	}

	current = current.Add(2 * time.Second)
	if d.Hit("s1", "https://example.com/a") {
		t.Fatalf("the window starts at first sighting, so it has elapsed")
	}
}

func TestHitDistinctKeys(t *testing.T) {
	t.Parallel()

	d := New(time.Minute)

	if d.Hit("s1", "https://example.com/a") {
		t.Fatalf("unexpected suppression")
	}
	if d.Hit("s2", "https://example.com/a") {
		t.Fatalf("other session must not be suppressed")
	}
	if d.Hit("s1", "https://example.com/b") {
		t.Fatalf("other link must not be suppressed")
	}
}

func TestHitZeroIntervalDisabled(t *testing.T) {
	t.Parallel()

	d := New(0)
	if d.Hit("s1", "l") || d.Hit("s1", "l") {
		t.Fatalf("zero interval disables debouncing")
	}
}

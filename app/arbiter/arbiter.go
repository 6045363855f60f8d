// Package arbiter decides which of several independent bot instances answers
// a message they all observe, using message reactions as a side-channel race:
// every participant posts a random token as a reaction, waits a fixed window
// while collecting everyone's postings, and the minimum token wins. Ties fall
// to arrival order; tokens are drawn independently so ties are not expected,
// and no fairness is guaranteed when they happen.
package arbiter

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	e "nuclight.org/mediafetch-bot/pkg/entities"
	"nuclight.org/mediafetch-bot/pkg/logger"
)

// DefaultTokenMax matches the reference reaction-id range.
const DefaultTokenMax = 433

// ReactionPoster posts a reaction token onto a message.
type ReactionPoster interface {
	PostReaction(ctx context.Context, messageID int64, token int) error
}

type Arbiter struct {
	log      logger.Logger
	poster   ReactionPoster
	wait     time.Duration
	tokenMax int

	mu      sync.Mutex
	records map[int64][]e.ReactionEvent
	own     map[int64]int
	decided map[int64]struct{}
}

func New(log logger.Logger, poster ReactionPoster, wait time.Duration, tokenMax int) *Arbiter {
	if tokenMax <= 0 {
		tokenMax = DefaultTokenMax
	}

	return &Arbiter{
		log:      log,
		poster:   poster,
		wait:     wait,
		tokenMax: tokenMax,
		records:  make(map[int64][]e.ReactionEvent),
		own:      make(map[int64]int),
		decided:  make(map[int64]struct{}),
	}
}

// Compete enters the race for messageID and reports whether this instance
// won. Already decided messages always lose. If reactions were observed
// before we posted ours, we concede without posting to damp redundant noise.
// A failed post counts as a loss.
func (a *Arbiter) Compete(ctx context.Context, messageID, selfID int64) bool {
	a.mu.Lock()
	if _, done := a.decided[messageID]; done {
		a.mu.Unlock()
		return false
	}
	if len(a.records[messageID]) > 0 {
		a.mu.Unlock()
		a.log.Debug("conceding, reactions already present", "message_id", messageID)
		return false
	}
	a.mu.Unlock()

	token := rand.IntN(a.tokenMax) + 1

	if err := a.poster.PostReaction(ctx, messageID, token); err != nil {
		a.log.Warn("posting reaction", "message_id", messageID, "error", err)
		return false
	}

	a.mu.Lock()
	a.own[messageID] = token
	a.records[messageID] = append(a.records[messageID], e.ReactionEvent{
		MessageID:   messageID,
		ActorID:     selfID,
		Token:       token,
		TimestampMs: time.Now().UnixMilli(),
	})
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-time.After(a.wait):
	}

	return a.Decide(messageID, selfID)
}

// Decide resolves the race for messageID: the record holding the minimum
// token wins. The first call locks the message id for good and purges its
// state; every later call loses without side effects.
func (a *Arbiter) Decide(messageID, selfID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.decided[messageID]; done {
		return false
	}

	records := a.records[messageID]
	_, posted := a.own[messageID]

	a.decided[messageID] = struct{}{}
	delete(a.records, messageID)
	delete(a.own, messageID)

	if !posted || len(records) == 0 {
		return false
	}

	winner := records[0]
	for _, r := range records[1:] {
		if r.Token < winner.Token {
			winner = r
		}
	}

	a.log.Debug("arbitration decided",
		"message_id", messageID, "winner", winner.ActorID, "token", winner.Token)

	return winner.ActorID == selfID
}

// RecordReaction ingests an externally observed reaction, independent of any
// in-flight Compete call. Events for already decided messages are ignored;
// malformed events are dropped.
func (a *Arbiter) RecordReaction(ev e.ReactionEvent) {
	if ev.MessageID == 0 || ev.Token <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.decided[ev.MessageID]; done {
		return
	}

	a.records[ev.MessageID] = append(a.records[ev.MessageID], ev)
}

package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
)

// pollInterval is how often the poller checks pending items for a
// resolved gateway response.
const pollInterval = 5 * time.Second

// historyLimit is how many recent gateway messages are fetched per pending
// item when looking for its resolved response.
const historyLimit = 5

// summaryMaxLen bounds the stored one-line summary of a resolved response.
const summaryMaxLen = 100

// HistoryFetcher is the subset of the gateway the poller needs: the last
// limit messages for a session. Implemented by internal/pipeline/gateway.
type HistoryFetcher interface {
	History(ctx context.Context, sessionKey string, limit int) ([]pipetypes.Message, error)
}

// Poller periodically checks every pending queue item against gateway
// history and marks it ready once a matching assistant response appears.
// It auto-idles when there is no pending work: each tick is a no-op until
// Enqueue adds something for it to chase.
type Poller struct {
	store    *Store
	fetcher  HistoryFetcher
	onReady  func(displayName string)
	log      *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// NewPoller constructs a Poller bound to store and fetcher. onReady may be
// nil; it is invoked once per item transitioning to ready.
func NewPoller(store *Store, fetcher HistoryFetcher, onReady func(displayName string), logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:   store,
		fetcher: fetcher,
		onReady: onReady,
		log:     logger,
		done:    make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop halts the poll loop. Safe to call multiple times.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	pending := p.store.Pending()
	if len(pending) == 0 {
		return
	}
	for _, item := range pending {
		p.checkItem(ctx, item)
	}
}

func (p *Poller) checkItem(ctx context.Context, item Item) {
	messages, err := p.fetcher.History(ctx, item.SessionKey, historyLimit)
	if err != nil {
		p.log.Warn("queue poller: history fetch failed", "sessionKey", item.SessionKey, "err", err)
		return
	}

	resolved, ok := latestResolvedAssistantMessage(messages, item.TimestampMs)
	if !ok {
		return
	}

	summary := resolved
	if len(summary) > summaryMaxLen {
		summary = summary[:summaryMaxLen] + "…"
	}
	if !p.store.MarkReady(item.ID, summary, resolved) {
		return
	}
	if p.onReady != nil {
		p.onReady(item.DisplayName)
	}
}

// latestResolvedAssistantMessage finds the most recent assistant message at
// or after sinceMs whose text does not begin with the internal
// "[voice-user]" marker used to tag mirrored user turns.
func latestResolvedAssistantMessage(messages []pipetypes.Message, sinceMs int64) (string, bool) {
	var best pipetypes.Message
	found := false
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		if m.Timestamp.UnixMilli() < sinceMs {
			continue
		}
		if strings.HasPrefix(m.Content, "[voice-user]") {
			continue
		}
		if !found || m.Timestamp.After(best.Timestamp) {
			best = m
			found = true
		}
	}
	return best.Content, found
}

// Package inbox tracks per-channel unseen activity: it maintains a
// baseline timestamp ("snapshot") per channel and, on demand, reports what
// arrived since that baseline.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
)

// legacyBaselineThreshold is the cutoff below which a stored baseline is
// assumed to be a pre-migration legacy value (e.g. a small counter rather
// than an epoch-millisecond timestamp) and is migrated forward.
const legacyBaselineThreshold = 1_000_000_000_000 // 10^12

// fetchLimit bounds how many recent messages checkInbox inspects per
// channel.
const fetchLimit = 80

// discordUserLabel is the only message label that counts as "new" user
// activity; internal voice-mirrored turns use other labels and must never
// re-trigger a scan.
const discordUserLabel = "discord-user"

// Channel identifies one channel to track, by its session key and a
// display name used in TTS summaries.
type Channel struct {
	SessionKey  string
	DisplayName string
}

// HistoryFetcher is the subset of the gateway the tracker needs.
type HistoryFetcher interface {
	History(ctx context.Context, sessionKey string, limit int) ([]pipetypes.Message, error)
}

// ReadyCounter reports how many queued responses are ready-but-unheard for
// a session key. Implemented by queue.Store.
type ReadyCounter interface {
	ReadyCount(sessionKey string) int
}

// Tracker owns the per-channel baseline map. Safe for concurrent use.
type Tracker struct {
	fetcher HistoryFetcher
	ready   ReadyCounter
	log     *slog.Logger

	mu        sync.Mutex
	snapshots map[string]int64
}

// NewTracker constructs a Tracker. snapshots may be a previously persisted
// map (e.g. loaded from the queue store's channelSnapshots) and is adopted
// as-is; a nil map starts empty.
func NewTracker(fetcher HistoryFetcher, ready ReadyCounter, snapshots map[string]int64, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if snapshots == nil {
		snapshots = map[string]int64{}
	}
	return &Tracker{fetcher: fetcher, ready: ready, log: logger, snapshots: snapshots}
}

// Activate initializes the baseline for every channel to now, meaning
// "everything from now on" rather than replaying history. A zero baseline
// is never stored.
func (t *Tracker) Activate(channels []Channel) {
	now := time.Now().UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range channels {
		t.snapshots[c.SessionKey] = now
	}
}

// Snapshots returns a copy of the current baseline map, suitable for
// persisting via queue.Store.SetSnapshots.
func (t *Tracker) Snapshots() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.snapshots))
	for k, v := range t.snapshots {
		out[k] = v
	}
	return out
}

// MarkSeen advances a channel's baseline to now, so everything currently
// in it stops counting as new.
func (t *Tracker) MarkSeen(sessionKey string) {
	t.setBaseline(sessionKey, time.Now().UnixMilli())
}

// CheckInbox scans every channel for messages newer than its baseline and
// returns activities sorted ascending by EarliestTimestamp (oldest first).
func (t *Tracker) CheckInbox(ctx context.Context, channels []Channel) ([]pipetypes.InboxActivity, error) {
	var activities []pipetypes.InboxActivity

	for _, ch := range channels {
		activity, err := t.checkChannel(ctx, ch)
		if err != nil {
			t.log.Warn("inbox: check channel failed", "channel", ch.DisplayName, "err", err)
			continue
		}
		if activity.NewMessageCount > 0 {
			activities = append(activities, activity)
		}
	}

	sort.Slice(activities, func(i, j int) bool {
		return activities[i].EarliestTimestamp.Before(activities[j].EarliestTimestamp)
	})
	return activities, nil
}

func (t *Tracker) checkChannel(ctx context.Context, ch Channel) (pipetypes.InboxActivity, error) {
	before := t.baselineLocked(ch.SessionKey)

	messages, err := t.fetcher.History(ctx, ch.SessionKey, fetchLimit)
	if err != nil {
		return pipetypes.InboxActivity{}, err
	}

	after := t.baselineLocked(ch.SessionKey)
	baseline := before
	if after > baseline {
		baseline = after
	}
	baseline = t.migrateLegacyBaseline(ch.SessionKey, baseline, messages)

	var newMsgs []pipetypes.Message
	var latest int64
	for _, m := range messages {
		ms := m.Timestamp.UnixMilli()
		if ms > latest {
			latest = ms
		}
		if ms > baseline && m.Label == discordUserLabel {
			newMsgs = append(newMsgs, m)
		}
	}

	if len(newMsgs) == 0 {
		// No new user activity: advance the baseline so internal voice
		// traffic never re-triggers a scan.
		if latest > baseline {
			t.setBaseline(ch.SessionKey, latest)
		}
		return pipetypes.InboxActivity{Channel: ch.DisplayName}, nil
	}

	earliest := newMsgs[0].Timestamp
	for _, m := range newMsgs[1:] {
		if m.Timestamp.Before(earliest) {
			earliest = m.Timestamp
		}
	}

	readyCount := 0
	if t.ready != nil {
		readyCount = t.ready.ReadyCount(ch.SessionKey)
	}

	return pipetypes.InboxActivity{
		Channel:           ch.DisplayName,
		NewMessageCount:   len(newMsgs),
		QueuedReadyCount:  readyCount,
		NewMessages:       newMsgs,
		EarliestTimestamp: earliest,
	}, nil
}

func (t *Tracker) baselineLocked(sessionKey string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshots[sessionKey]
}

func (t *Tracker) setBaseline(sessionKey string, ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshots[sessionKey] = ts
}

// migrateLegacyBaseline treats a baseline smaller than 10^12 as a
// pre-migration legacy value and replaces it with the latest message
// timestamp observed in the channel, so legacy installs do not replay
// their entire history as "new".
func (t *Tracker) migrateLegacyBaseline(sessionKey string, baseline int64, messages []pipetypes.Message) int64 {
	if baseline >= legacyBaselineThreshold {
		return baseline
	}
	var latest int64
	for _, m := range messages {
		if ms := m.Timestamp.UnixMilli(); ms > latest {
			latest = ms
		}
	}
	if latest == 0 {
		latest = time.Now().UnixMilli()
	}
	t.setBaseline(sessionKey, latest)
	return latest
}

// speakerLabel maps a flattened message's role/label to the short speaker
// tag used in TTS summaries.
func speakerLabel(m pipetypes.Message) string {
	switch m.Label {
	case discordUserLabel:
		return "User"
	case "voice-user":
		return "You"
	default:
		if m.Role == "assistant" {
			return "Assistant"
		}
		return "User"
	}
}

// FormatForTTS renders newMessages into a spoken summary with three
// density bands: <=5 verbatim with speaker labels; 6-15 first two +
// "N more messages" + last two; >=16 a bare count plus the most recent
// message only.
func FormatForTTS(newMessages []pipetypes.Message) string {
	n := len(newMessages)
	if n == 0 {
		return "Nothing new."
	}

	switch {
	case n <= 5:
		lines := make([]string, 0, n)
		for _, m := range newMessages {
			lines = append(lines, fmt.Sprintf("%s: %s", speakerLabel(m), m.Content))
		}
		return strings.Join(lines, " ")

	case n <= 15:
		var b strings.Builder
		for _, m := range newMessages[:2] {
			fmt.Fprintf(&b, "%s: %s ", speakerLabel(m), m.Content)
		}
		fmt.Fprintf(&b, "%d more messages. ", n-4)
		for _, m := range newMessages[n-2:] {
			fmt.Fprintf(&b, "%s: %s ", speakerLabel(m), m.Content)
		}
		return strings.TrimSpace(b.String())

	default:
		last := newMessages[n-1]
		return fmt.Sprintf("%d new messages. Most recent, %s: %s", n, speakerLabel(last), last.Content)
	}
}

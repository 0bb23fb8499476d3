package inbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
)

type fakeFetcher struct {
	byChannel map[string][]pipetypes.Message
}

func (f fakeFetcher) History(_ context.Context, sessionKey string, _ int) ([]pipetypes.Message, error) {
	return f.byChannel[sessionKey], nil
}

type fakeReadyCounter struct{ counts map[string]int }

func (f fakeReadyCounter) ReadyCount(sessionKey string) int { return f.counts[sessionKey] }

func TestActivateNeverStoresZeroBaseline(t *testing.T) {
	tr := NewTracker(fakeFetcher{}, nil, nil, nil)
	tr.Activate([]Channel{{SessionKey: "a"}, {SessionKey: "b"}})
	snaps := tr.Snapshots()
	for k, v := range snaps {
		if v == 0 {
			t.Fatalf("channel %q has a zero baseline", k)
		}
	}
}

// Invariant 9: the "new" set contains only discord-user messages newer
// than the baseline.
func TestCheckInboxOnlyCountsDiscordUserAfterBaseline(t *testing.T) {
	base := time.Now()
	fetcher := fakeFetcher{byChannel: map[string][]pipetypes.Message{
		"sess-a": {
			{Label: "discord-user", Content: "old", Timestamp: base.Add(-10 * time.Second)},
			{Label: "discord-user", Content: "new user msg", Timestamp: base.Add(10 * time.Second)},
			{Label: "voice-assistant", Content: "internal reply", Timestamp: base.Add(11 * time.Second)},
		},
	}}
	tr := NewTracker(fetcher, fakeReadyCounter{}, map[string]int64{"sess-a": base.UnixMilli()}, nil)

	activities, err := tr.CheckInbox(context.Background(), []Channel{{SessionKey: "sess-a", DisplayName: "General"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(activities) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(activities))
	}
	act := activities[0]
	if act.NewMessageCount != 1 {
		t.Fatalf("expected 1 new message, got %d", act.NewMessageCount)
	}
	if act.NewMessages[0].Content != "new user msg" {
		t.Fatalf("got %q", act.NewMessages[0].Content)
	}
}

func TestCheckInboxAutoAdvancesWhenNoNewUserMessages(t *testing.T) {
	base := time.Now()
	fetcher := fakeFetcher{byChannel: map[string][]pipetypes.Message{
		"sess-a": {
			{Label: "voice-assistant", Content: "internal only", Timestamp: base.Add(10 * time.Second)},
		},
	}}
	tr := NewTracker(fetcher, fakeReadyCounter{}, map[string]int64{"sess-a": base.UnixMilli()}, nil)
	activities, _ := tr.CheckInbox(context.Background(), []Channel{{SessionKey: "sess-a", DisplayName: "General"}})
	if len(activities) != 0 {
		t.Fatalf("expected no reported activity, got %d", len(activities))
	}
	snap := tr.Snapshots()["sess-a"]
	if snap < base.Add(10*time.Second).UnixMilli() {
		t.Fatal("expected baseline to auto-advance past the internal message")
	}
}

func TestCheckInboxMigratesLegacyBaseline(t *testing.T) {
	base := time.Now()
	fetcher := fakeFetcher{byChannel: map[string][]pipetypes.Message{
		"sess-a": {
			{Label: "discord-user", Content: "ancient history", Timestamp: base.Add(-1000 * time.Hour)},
		},
	}}
	// Legacy baseline: a small counter value, not an epoch-ms timestamp.
	tr := NewTracker(fetcher, fakeReadyCounter{}, map[string]int64{"sess-a": 42}, nil)
	activities, _ := tr.CheckInbox(context.Background(), []Channel{{SessionKey: "sess-a", DisplayName: "General"}})
	if len(activities) != 0 {
		t.Fatalf("legacy baseline should migrate to latest message, suppressing replay; got %d activities", len(activities))
	}
	if tr.Snapshots()["sess-a"] < legacyBaselineThreshold {
		t.Fatal("expected baseline to migrate above the legacy threshold")
	}
}

func TestCheckInboxSortsByEarliestTimestampAscending(t *testing.T) {
	base := time.Now()
	fetcher := fakeFetcher{byChannel: map[string][]pipetypes.Message{
		"sess-b": {{Label: "discord-user", Content: "b", Timestamp: base.Add(5 * time.Second)}},
		"sess-a": {{Label: "discord-user", Content: "a", Timestamp: base.Add(1 * time.Second)}},
	}}
	tr := NewTracker(fetcher, fakeReadyCounter{}, map[string]int64{"sess-a": base.UnixMilli(), "sess-b": base.UnixMilli()}, nil)
	activities, _ := tr.CheckInbox(context.Background(), []Channel{
		{SessionKey: "sess-b", DisplayName: "B"},
		{SessionKey: "sess-a", DisplayName: "A"},
	})
	if len(activities) != 2 || activities[0].Channel != "A" || activities[1].Channel != "B" {
		t.Fatalf("expected A before B, got %+v", activities)
	}
}

// Invariant 8: for <=5 new messages, formatForTTS contains every message's
// flattened text exactly once.
func TestFormatForTTSVerbatimBand(t *testing.T) {
	msgs := []pipetypes.Message{
		{Label: "discord-user", Role: "user", Content: "first"},
		{Label: "discord-user", Role: "user", Content: "second"},
		{Role: "assistant", Content: "third"},
	}
	out := FormatForTTS(msgs)
	for _, m := range msgs {
		if strings.Count(out, m.Content) != 1 {
			t.Fatalf("expected %q exactly once in %q", m.Content, out)
		}
	}
}

func TestFormatForTTSMidBand(t *testing.T) {
	var msgs []pipetypes.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, pipetypes.Message{Role: "user", Content: string(rune('a' + i))})
	}
	out := FormatForTTS(msgs)
	if !strings.Contains(out, "more messages") {
		t.Fatalf("expected mid-band summary, got %q", out)
	}
	if !strings.Contains(out, "a") || !strings.Contains(out, "j") {
		t.Fatalf("expected first and last messages present, got %q", out)
	}
}

func TestFormatForTTSLargeBand(t *testing.T) {
	var msgs []pipetypes.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, pipetypes.Message{Role: "user", Content: "msg"})
	}
	msgs[19].Content = "the latest one"
	out := FormatForTTS(msgs)
	if !strings.Contains(out, "20") || !strings.Contains(out, "the latest one") {
		t.Fatalf("expected count + most recent only, got %q", out)
	}
}

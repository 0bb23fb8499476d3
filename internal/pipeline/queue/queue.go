// Package queue implements the persistent, single-file queue-state store
// and its periodic response poller. The store is the pipeline's only
// durable state: which prompts are pending an LLM response, the current
// dispatch mode, and the per-channel inbox baselines.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Mode selects how a prompt with no recognized command is dispatched.
type Mode string

const (
	ModeWait  Mode = "wait"
	ModeQueue Mode = "queue"
	ModeAsk   Mode = "ask"
)

// Status is the lifecycle of one queued item.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusHeard   Status = "heard"
)

// Item is one queued prompt/response pair. IDs are unique; insertion order
// corresponds to non-decreasing TimestampMs.
type Item struct {
	ID           string `json:"id"`
	Channel      string `json:"channel"`
	DisplayName  string `json:"displayName"`
	SessionKey   string `json:"sessionKey"`
	UserMessage  string `json:"userMessage"`
	Summary      string `json:"summary,omitempty"`
	ResponseText string `json:"responseText,omitempty"`
	TimestampMs  int64  `json:"timestampMs"`
	Status       Status `json:"status"`

	// TraceID correlates the item with the OTel span of the turn that
	// enqueued it. Omitted from disk when tracing is off.
	TraceID string `json:"traceId,omitempty"`
}

// onDiskState is the exact JSON schema persisted to disk (spec.md §6).
type onDiskState struct {
	Mode             Mode             `json:"mode"`
	Items            []Item           `json:"items"`
	ChannelSnapshots map[string]int64 `json:"channelSnapshots"`
}

// Store is the in-memory, file-backed queue state. Every mutating method
// saves synchronously before returning; on a corrupt or missing file the
// store initializes empty in mode ask. Store is safe for concurrent use.
type Store struct {
	path string
	log  *slog.Logger

	mu    sync.Mutex
	state onDiskState
}

// Open loads path into a new Store, or initializes an empty ask-mode store
// if path does not exist or cannot be parsed.
func Open(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, log: logger}
	s.load()
	return s
}

func (s *Store) load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = onDiskState{Mode: ModeAsk, Items: nil, ChannelSnapshots: map[string]int64{}}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("queue state: read failed, starting empty", "path", s.path, "err", err)
		}
		return
	}
	var loaded onDiskState
	if err := json.Unmarshal(raw, &loaded); err != nil {
		s.log.Warn("queue state: corrupt file, starting empty", "path", s.path, "err", err)
		return
	}
	if loaded.ChannelSnapshots == nil {
		loaded.ChannelSnapshots = map[string]int64{}
	}
	if loaded.Mode == "" {
		loaded.Mode = ModeAsk
	}
	s.state = loaded
}

// saveLocked persists the current state to disk via write-to-temp-then-
// rename so a crash mid-write never leaves a truncated file in place.
// Persistence failures are logged; the in-memory state remains authoritative.
func (s *Store) saveLocked() {
	raw, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		s.log.Error("queue state: marshal failed", "err", err)
		return
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".queue-state-*.tmp")
	if err != nil {
		s.log.Error("queue state: write failed", "path", s.path, "err", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		s.log.Error("queue state: write failed", "path", s.path, "err", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		s.log.Error("queue state: write failed", "path", s.path, "err", err)
		return
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		s.log.Error("queue state: rename failed", "path", s.path, "err", err)
	}
}

// Mode returns the current dispatch mode.
func (s *Store) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Mode
}

// SetMode changes the dispatch mode and saves.
func (s *Store) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Mode = m
	s.saveLocked()
}

// Enqueue appends a new pending item and saves. The caller supplies a
// pre-generated unique ID (the orchestrator derives it from a monotonic
// counter plus timestamp) so Store stays free of ID-generation policy.
func (s *Store) Enqueue(item Item) {
	item.Status = StatusPending
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Items = append(s.state.Items, item)
	s.saveLocked()
}

// MarkReady sets an item's summary/response and status to ready, then
// saves. Returns false if id is not found.
func (s *Store) MarkReady(id, summary, responseText string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.Items {
		if s.state.Items[i].ID == id {
			s.state.Items[i].Summary = summary
			s.state.Items[i].ResponseText = responseText
			s.state.Items[i].Status = StatusReady
			s.saveLocked()
			return true
		}
	}
	return false
}

// MarkHeard sets an item's status to heard, then saves. Returns false if
// id is not found.
func (s *Store) MarkHeard(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.Items {
		if s.state.Items[i].ID == id {
			s.state.Items[i].Status = StatusHeard
			s.saveLocked()
			return true
		}
	}
	return false
}

// Items returns a copy of all items.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.state.Items))
	copy(out, s.state.Items)
	return out
}

// Pending returns a copy of every item still in StatusPending.
func (s *Store) Pending() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, it := range s.state.Items {
		if it.Status == StatusPending {
			out = append(out, it)
		}
	}
	return out
}

// ReadyCount returns how many items for sessionKey are currently in
// StatusReady (queued responses the user has not yet heard).
func (s *Store) ReadyCount(sessionKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.state.Items {
		if it.SessionKey == sessionKey && it.Status == StatusReady {
			n++
		}
	}
	return n
}

// Snapshot returns the stored baseline for sessionKey and whether one
// exists.
func (s *Store) Snapshot(sessionKey string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.state.ChannelSnapshots[sessionKey]
	return ts, ok
}

// SetSnapshots merges baselines into the stored snapshot map and saves.
func (s *Store) SetSnapshots(snapshots map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range snapshots {
		s.state.ChannelSnapshots[k] = v
	}
	s.saveLocked()
}

// Snapshots returns a copy of the full channel snapshot map.
func (s *Store) Snapshots() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.state.ChannelSnapshots))
	for k, v := range s.state.ChannelSnapshots {
		out[k] = v
	}
	return out
}

// NewItemID builds a queue item ID from a monotonic sequence number and the
// current time, unique across the process lifetime.
func NewItemID(seq int64, now time.Time) string {
	return fmt.Sprintf("q-%d-%d", now.UnixMilli(), seq)
}

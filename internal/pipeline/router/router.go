// Package router implements the channel router: the static table of known
// channels, the currently active one, per-channel history, and forum-post
// creation. It is the only component that translates a spoken channel name
// into a session key.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
)

// defaultChannelName is the well-known name switchToDefault resolves to.
const defaultChannelName = "default"

// historyBound caps how many messages are kept per channel in memory and
// how many are requested from the transport fallback.
const historyBound = 50

// ChannelDef is one statically configured channel.
type ChannelDef struct {
	Name        string
	DisplayName string
	ChannelID   string
	TopicPrompt string
}

// ForumChannel is one forum-type channel, as reported by the transport.
type ForumChannel struct {
	ID   string
	Name string
}

// Gateway is the subset of the chat gateway the router uses to seed
// per-channel history.
type Gateway interface {
	History(ctx context.Context, sessionKey string, limit int) ([]pipetypes.Message, error)
}

// Transport is the subset of the underlying voice/chat transport the
// router uses when the gateway has no history yet, and for forum-post
// creation.
type Transport interface {
	RecentMessages(ctx context.Context, channelID string, limit int) ([]pipetypes.Message, error)
	ForumChannels(ctx context.Context) ([]ForumChannel, error)
	CreateForumThread(ctx context.Context, forumChannelID, name, body string) (threadID string, err error)
}

// SwitchResult is the outcome of SwitchTo.
type SwitchResult struct {
	Success      bool
	DisplayName  string
	HistoryCount int
	Error        string
}

// Router holds the static channel table, the active channel, and
// per-channel history/recency bookkeeping. Safe for concurrent use.
type Router struct {
	agentID   string
	gateway   Gateway
	transport Transport
	log       *slog.Logger

	mu           sync.Mutex
	order        []string // definition order of channel names, for getRecentChannels tail
	channels     map[string]ChannelDef
	active       string
	history      map[string][]pipetypes.Message // keyed by sessionKey
	lastAccessed map[string]time.Time            // keyed by channel name
}

// New constructs a Router seeded with the static channel table. agentID is
// used to derive deterministic session keys.
func New(agentID string, channels []ChannelDef, gateway Gateway, transport Transport, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		agentID:      agentID,
		gateway:      gateway,
		transport:    transport,
		log:          logger,
		channels:     make(map[string]ChannelDef, len(channels)),
		history:      make(map[string][]pipetypes.Message),
		lastAccessed: make(map[string]time.Time),
	}
	for _, c := range channels {
		key := normalizeName(c.Name)
		r.channels[key] = c
		r.order = append(r.order, key)
	}
	return r
}

// SessionKey derives the deterministic session key for a channel id.
func (r *Router) SessionKey(channelID string) string {
	return fmt.Sprintf("agent:%s:discord:channel:%s", r.agentID, channelID)
}

// Active returns the currently active channel, if any.
func (r *Router) Active() (ChannelDef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == "" {
		return ChannelDef{}, false
	}
	c, ok := r.channels[r.active]
	return c, ok
}

var pureDigits = regexp.MustCompile(`^\d+$`)

// SwitchTo sets the active channel to name. Known names activate directly;
// a pure-digit name is treated as a raw channel id and registered ad hoc
// under "id:<channelId>".
func (r *Router) SwitchTo(ctx context.Context, name string) SwitchResult {
	key := normalizeName(name)

	r.mu.Lock()
	def, known := r.channels[key]
	if !known && pureDigits.MatchString(strings.TrimSpace(name)) {
		id := strings.TrimSpace(name)
		def = ChannelDef{Name: "id:" + id, DisplayName: id, ChannelID: id}
		key = normalizeName(def.Name)
		r.channels[key] = def
		r.order = append(r.order, key)
		known = true
	}
	if !known {
		r.mu.Unlock()
		return SwitchResult{Success: false, Error: fmt.Sprintf("unknown channel %q", name)}
	}
	r.active = key
	r.lastAccessed[key] = time.Now()
	sessionKey := r.SessionKey(def.ChannelID)
	_, seeded := r.history[sessionKey]
	r.mu.Unlock()

	if !seeded {
		r.seedHistory(ctx, def, sessionKey)
	}

	r.mu.Lock()
	count := len(r.history[sessionKey])
	r.mu.Unlock()

	return SwitchResult{Success: true, DisplayName: def.DisplayName, HistoryCount: count}
}

// Lookup returns the definition for a channel name, if known.
func (r *Router) Lookup(name string) (ChannelDef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.channels[normalizeName(name)]
	return def, ok
}

// ForumChannels lists the forum-type channels the transport exposes.
func (r *Router) ForumChannels(ctx context.Context) ([]ForumChannel, error) {
	if r.transport == nil {
		return nil, nil
	}
	return r.transport.ForumChannels(ctx)
}

// SwitchToDefault switches to the well-known "default" channel.
func (r *Router) SwitchToDefault(ctx context.Context) SwitchResult {
	return r.SwitchTo(ctx, defaultChannelName)
}

// seedHistory populates a channel's history on first switch: gateway
// chat.history first, falling back to the transport's recent messages if
// the gateway has nothing.
func (r *Router) seedHistory(ctx context.Context, def ChannelDef, sessionKey string) {
	var msgs []pipetypes.Message

	if r.gateway != nil {
		fetched, err := r.gateway.History(ctx, sessionKey, historyBound)
		if err != nil {
			r.log.Warn("router: gateway history failed", "channel", def.DisplayName, "err", err)
		} else {
			msgs = fetched
		}
	}

	if len(msgs) == 0 && r.transport != nil {
		fetched, err := r.transport.RecentMessages(ctx, def.ChannelID, historyBound)
		if err != nil {
			r.log.Warn("router: transport history failed", "channel", def.DisplayName, "err", err)
		} else {
			msgs = fetched
		}
	}

	for i := range msgs {
		if msgs[i].Label == "voice-user" {
			msgs[i].Role = "user"
		}
	}
	if len(msgs) > historyBound {
		msgs = msgs[len(msgs)-historyBound:]
	}

	r.mu.Lock()
	r.history[sessionKey] = msgs
	r.mu.Unlock()
}

// History returns a copy of the recorded history for sessionKey.
func (r *Router) History(sessionKey string) []pipetypes.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.history[sessionKey]
	out := make([]pipetypes.Message, len(src))
	copy(out, src)
	return out
}

// AppendHistory records a new message against sessionKey, bounding the
// in-memory log to historyBound entries.
func (r *Router) AppendHistory(sessionKey string, msg pipetypes.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := append(r.history[sessionKey], msg)
	if len(h) > historyBound {
		h = h[len(h)-historyBound:]
	}
	r.history[sessionKey] = h
}

var terminalSentenceMark = regexp.MustCompile(`[.!?]`)

// CreateForumPost fuzzy-matches forumQuery against known forum channels
// (exact, then substring, then containing), splits title on its first
// terminal sentence mark into a thread name and body, creates the thread,
// and switches the active channel to it.
func (r *Router) CreateForumPost(ctx context.Context, forumQuery, title string) SwitchResult {
	if r.transport == nil {
		return SwitchResult{Success: false, Error: "no transport configured"}
	}
	forums, err := r.transport.ForumChannels(ctx)
	if err != nil {
		return SwitchResult{Success: false, Error: err.Error()}
	}
	forum, ok := matchForum(forumQuery, forums)
	if !ok {
		return SwitchResult{Success: false, Error: fmt.Sprintf("no forum matching %q", forumQuery)}
	}

	name, body := splitTitle(title)
	threadID, err := r.transport.CreateForumThread(ctx, forum.ID, name, body)
	if err != nil {
		return SwitchResult{Success: false, Error: err.Error()}
	}
	key := normalizeName(threadID)
	r.mu.Lock()
	if _, known := r.channels[key]; !known && !pureDigits.MatchString(key) {
		r.channels[key] = ChannelDef{Name: key, DisplayName: name, ChannelID: threadID}
		r.order = append(r.order, key)
	}
	r.mu.Unlock()
	return r.SwitchTo(ctx, threadID)
}

func matchForum(query string, forums []ForumChannel) (ForumChannel, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, f := range forums {
		if strings.ToLower(f.Name) == q {
			return f, true
		}
	}
	for _, f := range forums {
		fn := strings.ToLower(f.Name)
		if strings.Contains(fn, q) {
			return f, true
		}
	}
	for _, f := range forums {
		fn := strings.ToLower(f.Name)
		if strings.Contains(q, fn) {
			return f, true
		}
	}
	return ForumChannel{}, false
}

// splitTitle splits on the first terminal sentence mark: everything before
// becomes the thread name, everything after (trimmed) becomes the body.
// With no terminal mark, the whole string is the name and the body is
// empty.
func splitTitle(title string) (name, body string) {
	loc := terminalSentenceMark.FindStringIndex(title)
	if loc == nil {
		return strings.TrimSpace(title), ""
	}
	name = strings.TrimSpace(title[:loc[0]])
	body = strings.TrimSpace(title[loc[1]:])
	return name, body
}

// GetRecentChannels orders known channels by lastAccessed descending, with
// never-visited channels preserving their definition order at the tail.
func (r *Router) GetRecentChannels(limit int) []ChannelDef {
	r.mu.Lock()
	defer r.mu.Unlock()

	visited := make([]string, 0, len(r.order))
	unvisited := make([]string, 0, len(r.order))
	for _, key := range r.order {
		if _, ok := r.lastAccessed[key]; ok {
			visited = append(visited, key)
		} else {
			unvisited = append(unvisited, key)
		}
	}
	sortByLastAccessedDesc(visited, r.lastAccessed)

	ordered := append(visited, unvisited...)
	if limit > 0 && limit < len(ordered) {
		ordered = ordered[:limit]
	}

	out := make([]ChannelDef, 0, len(ordered))
	for _, key := range ordered {
		out = append(out, r.channels[key])
	}
	return out
}

func sortByLastAccessedDesc(keys []string, lastAccessed map[string]time.Time) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && lastAccessed[keys[j]].After(lastAccessed[keys[j-1]]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Package gateway implements the concrete "backend chat gateway" the
// orchestrator, router, queue poller, and inbox tracker depend on through
// narrow interfaces. spec.md §6 specifies chat.history/chat.inject/
// chat.completions as opaque RPCs; this package realizes them on top of
// Discord text channels and threads, which stand in for the chat gateway
// in this deployment (SPEC_FULL.md §1).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
	"github.com/arcvox/voicebot/pkg/provider/llm"
	"github.com/arcvox/voicebot/pkg/types"
)

// historyFetchLimit bounds how many raw Discord messages are requested per
// History call before flattening; callers further truncate to their own
// limit after flattening.
const historyFetchLimit = 100

// voiceUserLabel and voiceAssistantLabel mark messages the orchestrator
// injects to mirror a voice turn into gateway history, per spec.md §6's
// "mirror user message + assistant reply to gateway as voice-user/
// voice-assistant injections".
const (
	voiceUserLabel      = "voice-user"
	voiceAssistantLabel = "voice-assistant"
)

// Client is the narrow gateway contract the pipeline depends on: message
// history, message injection (with a label marker), and LLM completion.
// router.Gateway, queue.HistoryFetcher, and inbox.HistoryFetcher are all
// satisfied by the History method alone, so a Client can be passed
// directly to each of those constructors.
type Client interface {
	History(ctx context.Context, sessionKey string, limit int) ([]pipetypes.Message, error)
	Inject(ctx context.Context, sessionKey, message, label string) (messageID string, err error)
	Complete(ctx context.Context, messages []pipetypes.Message, systemPrompt string, maxTokens int) (string, error)
}

// channelIDFromSessionKey maps a session key back to the Discord channel ID it was
// derived from. Session keys are "agent:<agentId>:discord:channel:<id>"
// (router.Router.SessionKey); the gateway only needs the trailing id.
func channelIDFromSessionKey(sessionKey string) string {
	i := strings.LastIndex(sessionKey, ":")
	if i < 0 {
		return sessionKey
	}
	return sessionKey[i+1:]
}

// DiscordClient backs Client with a live discordgo.Session and an LLM
// provider. It is the concrete "chat gateway" of spec.md §6 for this
// deployment: channel message history stands in for chat.history, posting
// a labeled message stands in for chat.inject, and llm.Provider.Complete
// stands in for chat.completions.
type DiscordClient struct {
	session *discordgo.Session
	llm     llm.Provider
	log     *slog.Logger
}

// New constructs a DiscordClient. Model selection is fixed at provider
// construction time, not per call, so model is only used here to identify
// the gateway in logs.
func New(session *discordgo.Session, model string, provider llm.Provider, logger *slog.Logger) *DiscordClient {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway", "model", model)
	return &DiscordClient{session: session, llm: provider, log: logger}
}

// History fetches up to limit recent messages for the channel backing
// sessionKey and flattens them into pipetypes.Message, assigning the
// "discord-user" label to ordinary member messages and classifying the
// bot's own posts by their leading [voice-user]/[voice-assistant] marker.
func (c *DiscordClient) History(ctx context.Context, sessionKey string, limit int) ([]pipetypes.Message, error) {
	channelID := channelIDFromSessionKey(sessionKey)
	n := limit
	if n <= 0 || n > historyFetchLimit {
		n = historyFetchLimit
	}

	msgs, err := c.session.ChannelMessages(channelID, n, "", "", "")
	if err != nil {
		c.log.Warn("channel messages failed", "channel", channelID, "err", err)
		return nil, fmt.Errorf("gateway: channel messages %q: %w", channelID, err)
	}

	out := make([]pipetypes.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- { // discordgo returns newest-first
		out = append(out, flatten(msgs[i], c.session.State.User.ID))
	}
	return out, nil
}

// flatten reduces one Discord message to a pipetypes.Message, stripping a
// leading [voice-user]/[voice-assistant] marker into Label and treating
// everything else as an ordinary member post labeled "discord-user".
func flatten(m *discordgo.Message, botUserID string) pipetypes.Message {
	content := m.Content
	label := "discord-user"
	role := "user"

	if m.Author != nil && m.Author.ID == botUserID {
		role = "assistant"
		switch {
		case strings.HasPrefix(content, "["+voiceUserLabel+"]"):
			label = voiceUserLabel
			role = "user"
			content = strings.TrimSpace(strings.TrimPrefix(content, "["+voiceUserLabel+"]"))
		case strings.HasPrefix(content, "["+voiceAssistantLabel+"]"):
			label = voiceAssistantLabel
			content = strings.TrimSpace(strings.TrimPrefix(content, "["+voiceAssistantLabel+"]"))
		default:
			label = voiceAssistantLabel
		}
	}

	return pipetypes.Message{
		Role:      role,
		Content:   content,
		Label:     label,
		Timestamp: timestampOf(m),
	}
}

// timestampOf returns the Discord message's already-parsed Timestamp field
// as is; a message without one yields the zero time.
func timestampOf(m *discordgo.Message) time.Time {
	return m.Timestamp
}

// Inject posts message to the channel backing sessionKey, prefixed with a
// [label] marker so History/the inbox tracker/the response poller can tell
// mirrored voice turns apart from ordinary member messages. Returns the
// new message's ID.
func (c *DiscordClient) Inject(ctx context.Context, sessionKey, message, label string) (string, error) {
	channelID := channelIDFromSessionKey(sessionKey)
	content := message
	if label != "" {
		content = fmt.Sprintf("[%s] %s", label, message)
	}
	sent, err := c.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return "", fmt.Errorf("gateway: inject into %q: %w", channelID, err)
	}
	return sent.ID, nil
}

// Complete delegates to the configured LLM provider, flattening
// pipetypes.Message history into the provider's own message type and
// honoring systemPrompt/maxTokens exactly as spec.md §6's
// chat.completions(messages, model, user, maxTokens) describes.
func (c *DiscordClient) Complete(ctx context.Context, messages []pipetypes.Message, systemPrompt string, maxTokens int) (string, error) {
	if c.llm == nil {
		return "", fmt.Errorf("gateway: no llm provider configured")
	}
	req := llm.CompletionRequest{
		Messages:     toProviderMessages(messages),
		SystemPrompt: systemPrompt,
		MaxTokens:    maxTokens,
	}
	resp, err := c.llm.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("gateway: complete: %w", err)
	}
	return resp.Content, nil
}

func toProviderMessages(messages []pipetypes.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, types.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

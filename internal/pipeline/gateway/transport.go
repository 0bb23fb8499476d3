package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
	"github.com/arcvox/voicebot/internal/pipeline/router"
)

// forumThreadArchiveMinutes is the auto-archive duration applied to every
// thread CreateForumThread starts. 1440 minutes (24h) matches the shortest
// duration Discord exposes in its own client.
const forumThreadArchiveMinutes = 1440

// DiscordTransport backs router.Transport with a live discordgo.Session,
// scoped to a single guild. It is the router's fallback history source and
// its only way to discover forum channels and start new threads.
type DiscordTransport struct {
	session *discordgo.Session
	guildID string
	log     *slog.Logger
}

// NewTransport constructs a DiscordTransport scoped to guildID.
func NewTransport(session *discordgo.Session, guildID string, logger *slog.Logger) *DiscordTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordTransport{session: session, guildID: guildID, log: logger.With("component", "gateway-transport")}
}

// RecentMessages fetches up to limit raw messages from channelID, flattened
// the same way DiscordClient.History flattens gateway messages.
func (t *DiscordTransport) RecentMessages(ctx context.Context, channelID string, limit int) ([]pipetypes.Message, error) {
	n := limit
	if n <= 0 || n > historyFetchLimit {
		n = historyFetchLimit
	}
	msgs, err := t.session.ChannelMessages(channelID, n, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("gateway transport: channel messages %q: %w", channelID, err)
	}
	out := make([]pipetypes.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, flatten(msgs[i], t.session.State.User.ID))
	}
	return out, nil
}

// ForumChannels lists every forum-type channel in the configured guild.
func (t *DiscordTransport) ForumChannels(ctx context.Context) ([]router.ForumChannel, error) {
	channels, err := t.session.GuildChannels(t.guildID)
	if err != nil {
		return nil, fmt.Errorf("gateway transport: guild channels: %w", err)
	}
	out := make([]router.ForumChannel, 0, len(channels))
	for _, c := range channels {
		if c.Type != discordgo.ChannelTypeGuildForum {
			continue
		}
		out = append(out, router.ForumChannel{ID: c.ID, Name: c.Name})
	}
	return out, nil
}

// CreateForumThread starts a new thread named name in the forum channel
// forumChannelID, with body as its opening post, and returns the thread's
// channel ID.
func (t *DiscordTransport) CreateForumThread(ctx context.Context, forumChannelID, name, body string) (string, error) {
	threadData := &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: forumThreadArchiveMinutes,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	}
	if body == "" {
		body = name
	}
	ch, err := t.session.ForumThreadStartComplex(forumChannelID, threadData, &discordgo.MessageSend{Content: body})
	if err != nil {
		t.log.Warn("forum thread start failed", "forum", forumChannelID, "err", err)
		return "", fmt.Errorf("gateway transport: forum thread start: %w", err)
	}
	return ch.ID, nil
}

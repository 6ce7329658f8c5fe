package channel

import (
	"context"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"swarmd/internal/domain"
	"swarmd/internal/usecase/swarm"
)

// DiscordOption configures the Discord bridge.
type DiscordOption func(*DiscordBridge)

// WithDiscordGuild limits the bot to a specific guild.
func WithDiscordGuild(guildID string) DiscordOption {
	return func(d *DiscordBridge) { d.guildID = guildID }
}

// WithDiscordChannels limits the bot to specific channel IDs.
func WithDiscordChannels(ids []string) DiscordOption {
	return func(d *DiscordBridge) {
		d.channelIDs = make(map[string]bool, len(ids))
		for _, id := range ids {
			d.channelIDs[id] = true
		}
	}
}

// WithDiscordMentionOnly enables mention-only filtering.
func WithDiscordMentionOnly(v bool) DiscordOption {
	return func(d *DiscordBridge) { d.mentionOnly = v }
}

// DiscordBridge relays messages to and from Discord via discordgo.
type DiscordBridge struct {
	token       string
	session     *discordgo.Session
	dispatcher  Dispatcher
	bus         domain.EventBus
	logger      *slog.Logger
	guildID     string
	channelIDs  map[string]bool
	mentionOnly bool
	botUserID   string
	unsub       func()
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewDiscordBridge creates a Discord bot bridge.
func NewDiscordBridge(token string, dispatcher Dispatcher, bus domain.EventBus, logger *slog.Logger, opts ...DiscordOption) *DiscordBridge {
	d := &DiscordBridge{
		token:      token,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name implements Bridge.
func (d *DiscordBridge) Name() string { return "discord" }

// Start opens the gateway session. Non-blocking.
func (d *DiscordBridge) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	dg, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return err
	}
	d.session = dg
	d.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages

	d.session.AddHandler(d.onMessageCreate)

	if err := d.session.Open(); err != nil {
		return err
	}

	d.botUserID = d.session.State.User.ID

	d.unsub = subscribeOutbound(d.bus, domain.SurfaceDiscord, func(_ context.Context, msg domain.ConversationMessage) {
		channelID := msg.Source.ChannelID
		if msg.Source.ThreadID != "" {
			channelID = msg.Source.ThreadID
		}
		if _, err := d.session.ChannelMessageSend(channelID, msg.Text); err != nil {
			d.logger.Error("discord send failed", "error", err, "channel", channelID)
		}
	})

	d.logger.Info("discord bridge started", "user_id", d.botUserID)
	return nil
}

// Stop closes the gateway session.
func (d *DiscordBridge) Stop(_ context.Context) error {
	if d.unsub != nil {
		d.unsub()
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

func (d *DiscordBridge) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore own messages.
	if m.Author.ID == d.botUserID {
		return
	}

	// Guild filter.
	if d.guildID != "" && m.GuildID != d.guildID {
		return
	}

	// Channel filter.
	if len(d.channelIDs) > 0 && !d.channelIDs[m.ChannelID] {
		return
	}

	isMention := false
	for _, u := range m.Mentions {
		if u.ID == d.botUserID {
			isMention = true
			break
		}
	}

	// Mention-only gating applies to guild messages, DMs always pass.
	if d.mentionOnly && m.GuildID != "" && !isMention {
		return
	}

	content := m.Content
	if isMention {
		content = strings.ReplaceAll(content, "<@"+d.botUserID+">", "")
		content = strings.ReplaceAll(content, "<@!"+d.botUserID+">", "")
		content = strings.TrimSpace(content)
	}
	if content == "" {
		return
	}

	source := domain.SourceContext{
		Surface:   domain.SurfaceDiscord,
		ChannelID: m.ChannelID,
		SenderID:  m.Author.ID,
	}
	if m.Thread != nil {
		source.ThreadID = m.Thread.ID
	}

	if _, err := d.dispatcher.HandleUserMessage(d.ctx, content, swarm.UserMessageOptions{Source: source}); err != nil {
		d.logger.Error("discord dispatch failed", "error", err, "channel", m.ChannelID)
		_, _ = s.ChannelMessageSend(m.ChannelID, "Error: "+err.Error())
	}
}

package channel

import (
	"context"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"swarmd/internal/domain"
	"swarmd/internal/usecase/swarm"
)

// SlackOption configures the Slack bridge.
type SlackOption func(*SlackBridge)

// WithSlackChannels limits the bot to specific channel IDs.
func WithSlackChannels(ids []string) SlackOption {
	return func(s *SlackBridge) {
		s.channelIDs = make(map[string]bool, len(ids))
		for _, id := range ids {
			s.channelIDs[id] = true
		}
	}
}

// WithSlackMentionOnly enables mention-only filtering.
func WithSlackMentionOnly(v bool) SlackOption {
	return func(s *SlackBridge) { s.mentionOnly = v }
}

// SlackBridge relays messages to and from Slack via Socket Mode.
type SlackBridge struct {
	botToken    string
	appToken    string
	api         *slack.Client
	socketCli   *socketmode.Client
	dispatcher  Dispatcher
	bus         domain.EventBus
	logger      *slog.Logger
	channelIDs  map[string]bool
	mentionOnly bool
	botUserID   string
	unsub       func()
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewSlackBridge creates a Slack bridge.
func NewSlackBridge(botToken, appToken string, dispatcher Dispatcher, bus domain.EventBus, logger *slog.Logger, opts ...SlackOption) *SlackBridge {
	s := &SlackBridge{
		botToken:   botToken,
		appToken:   appToken,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements Bridge.
func (s *SlackBridge) Name() string { return "slack" }

// Start connects via Socket Mode. Non-blocking.
func (s *SlackBridge) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.api = slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.socketCli = socketmode.New(s.api)

	// Fetch bot user ID for mention detection.
	authResp, err := s.api.AuthTest()
	if err != nil {
		return err
	}
	s.botUserID = authResp.UserID

	s.unsub = subscribeOutbound(s.bus, domain.SurfaceSlack, func(_ context.Context, msg domain.ConversationMessage) {
		opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
		if msg.Source.ThreadID != "" {
			opts = append(opts, slack.MsgOptionTS(msg.Source.ThreadID))
		}
		if _, _, err := s.api.PostMessage(msg.Source.ChannelID, opts...); err != nil {
			s.logger.Error("slack send failed", "error", err, "channel", msg.Source.ChannelID)
		}
	})

	go s.eventLoop()
	go func() {
		if err := s.socketCli.Run(); err != nil {
			s.logger.Error("slack socket mode error", "error", err)
		}
	}()

	s.logger.Info("slack bridge started", "bot_user_id", s.botUserID)
	return nil
}

// Stop disconnects the bridge.
func (s *SlackBridge) Stop(_ context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *SlackBridge) eventLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.socketCli.Events:
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				s.socketCli.Ack(*evt.Request)

				switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
				case *slackevents.MessageEvent:
					s.handleMessage(ev)
				}
			}
		}
	}
}

func (s *SlackBridge) handleMessage(ev *slackevents.MessageEvent) {
	// Ignore bot messages.
	if ev.User == "" || ev.User == s.botUserID || ev.BotID != "" {
		return
	}

	// Channel filter.
	if len(s.channelIDs) > 0 && !s.channelIDs[ev.Channel] {
		return
	}

	isMention := strings.Contains(ev.Text, "<@"+s.botUserID+">")
	if s.mentionOnly && !isMention {
		return
	}

	content := ev.Text
	if isMention {
		content = strings.ReplaceAll(content, "<@"+s.botUserID+">", "")
		content = strings.TrimSpace(content)
	}
	if content == "" {
		return
	}

	source := domain.SourceContext{
		Surface:   domain.SurfaceSlack,
		ChannelID: ev.Channel,
		SenderID:  ev.User,
	}
	if ev.ThreadTimeStamp != "" {
		source.ThreadID = ev.ThreadTimeStamp
	}

	if _, err := s.dispatcher.HandleUserMessage(s.ctx, content, swarm.UserMessageOptions{Source: source}); err != nil {
		s.logger.Error("slack dispatch failed", "error", err, "channel", ev.Channel)
		opts := []slack.MsgOption{slack.MsgOptionText(":warning: Error: "+err.Error(), false)}
		if source.ThreadID != "" {
			opts = append(opts, slack.MsgOptionTS(source.ThreadID))
		}
		_, _, _ = s.api.PostMessage(ev.Channel, opts...)
	}
}

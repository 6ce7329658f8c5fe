package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"swarmd/internal/domain"
	"swarmd/internal/usecase/swarm"
)

// TelegramOption configures the Telegram bridge.
type TelegramOption func(*TelegramBridge)

// WithTelegramMentionOnly enables mention-only filtering in groups.
func WithTelegramMentionOnly(v bool) TelegramOption {
	return func(t *TelegramBridge) { t.mentionOnly = v }
}

// TelegramBridge relays messages to and from the Telegram Bot API via
// long-polling.
type TelegramBridge struct {
	token       string
	dispatcher  Dispatcher
	bus         domain.EventBus
	logger      *slog.Logger
	client      *http.Client
	baseURL     string
	offset      int64
	done        chan struct{}
	unsub       func()
	botUsername string
	mentionOnly bool
}

// NewTelegramBridge creates a Telegram bot bridge.
func NewTelegramBridge(token string, dispatcher Dispatcher, bus domain.EventBus, logger *slog.Logger, opts ...TelegramOption) *TelegramBridge {
	t := &TelegramBridge{
		token:      token,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger,
		baseURL:    "https://api.telegram.org",
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements Bridge.
func (t *TelegramBridge) Name() string { return "telegram" }

// Start begins long-polling for updates and mirroring outbound replies.
// Non-blocking.
func (t *TelegramBridge) Start(ctx context.Context) error {
	// Fetch bot username for mention detection.
	if me, err := t.getMe(ctx); err == nil {
		t.botUsername = me
		t.logger.Info("telegram bot identified", "username", me)
	} else {
		t.logger.Warn("telegram getMe failed, mention detection disabled", "error", err)
	}

	t.unsub = subscribeOutbound(t.bus, domain.SurfaceTelegram, func(ctx context.Context, msg domain.ConversationMessage) {
		if err := t.sendMessage(ctx, msg.Source.ChannelID, msg.Text, msg.Source.ThreadID); err != nil {
			t.logger.Error("telegram send failed", "error", err, "chat_id", msg.Source.ChannelID)
		}
	})

	go t.pollLoop(ctx)
	t.logger.Info("telegram bridge started")
	return nil
}

// Stop signals the polling loop to stop.
func (t *TelegramBridge) Stop(_ context.Context) error {
	if t.unsub != nil {
		t.unsub()
	}
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	return nil
}

func (t *TelegramBridge) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
			updates, err := t.getUpdates(ctx)
			if err != nil {
				t.logger.Warn("telegram getUpdates failed", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			for _, u := range updates {
				if u.UpdateID >= t.offset {
					t.offset = u.UpdateID + 1
				}
				if u.Message == nil {
					continue
				}
				t.handleUpdate(ctx, u.Message)
			}
		}
	}
}

func (t *TelegramBridge) handleUpdate(ctx context.Context, msg *telegramMessage) {
	// Content: text or caption fallback.
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	isMention := t.hasBotMention(msg)
	isGroup := msg.Chat.Type != "" && msg.Chat.Type != "private"

	// Mention gating: skip non-mentioned group messages when mentionOnly.
	if t.mentionOnly && isGroup && !isMention {
		return
	}

	source := domain.SourceContext{
		Surface:   domain.SurfaceTelegram,
		ChannelID: chatID,
	}
	if msg.From != nil {
		source.SenderID = strconv.FormatInt(msg.From.ID, 10)
	}
	if msg.MessageThreadID != 0 {
		source.ThreadID = strconv.FormatInt(msg.MessageThreadID, 10)
	}

	if _, err := t.dispatcher.HandleUserMessage(ctx, content, swarm.UserMessageOptions{Source: source}); err != nil {
		t.logger.Error("telegram dispatch failed", "error", err, "chat_id", chatID)
		reply := "Error: " + err.Error()
		if sendErr := t.sendMessage(ctx, chatID, reply, source.ThreadID); sendErr != nil {
			t.logger.Error("telegram error reply failed", "error", sendErr, "chat_id", chatID)
		}
	}
}

// hasBotMention checks if any entity in the message mentions the bot.
func (t *TelegramBridge) hasBotMention(msg *telegramMessage) bool {
	if t.botUsername == "" {
		return false
	}
	for _, e := range msg.Entities {
		if e.Type == "mention" {
			end := e.Offset + e.Length
			if end <= int64(len(msg.Text)) {
				mention := msg.Text[e.Offset:end]
				if strings.EqualFold(mention, "@"+t.botUsername) {
					return true
				}
			}
		}
	}
	return false
}

// --- Telegram Bot API types ---

type telegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type telegramEntity struct {
	Type   string `json:"type"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message"`
}

type telegramMessage struct {
	MessageID       int64            `json:"message_id"`
	From            *telegramUser    `json:"from,omitempty"`
	Chat            telegramChat     `json:"chat"`
	Text            string           `json:"text"`
	Caption         string           `json:"caption"`
	MessageThreadID int64            `json:"message_thread_id,omitempty"`
	Entities        []telegramEntity `json:"entities,omitempty"`
}

type telegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type telegramUpdateResponse struct {
	OK     bool             `json:"ok"`
	Result []telegramUpdate `json:"result"`
}

type telegramSendRequest struct {
	ChatID          string `json:"chat_id"`
	Text            string `json:"text"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
}

type telegramSendResponse struct {
	OK bool `json:"ok"`
}

type telegramGetMeResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		Username string `json:"username"`
	} `json:"result"`
}

func (t *TelegramBridge) getMe(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/bot%s/getMe", t.baseURL, t.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var result telegramGetMeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("unmarshal: %w", err)
	}

	if !result.OK || result.Result.Username == "" {
		return "", fmt.Errorf("getMe returned ok=%v username=%q", result.OK, result.Result.Username)
	}

	return result.Result.Username, nil
}

func (t *TelegramBridge) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?offset=%d&timeout=30", t.baseURL, t.token, t.offset)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram API error %d: %s", resp.StatusCode, string(body))
	}

	var result telegramUpdateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if !result.OK {
		return nil, fmt.Errorf("telegram API returned ok=false")
	}

	return result.Result, nil
}

func (t *TelegramBridge) sendMessage(ctx context.Context, chatID, text, threadID string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	sendReq := telegramSendRequest{
		ChatID: chatID,
		Text:   text,
	}
	if threadID != "" {
		if tid, err := strconv.ParseInt(threadID, 10, 64); err == nil {
			sendReq.MessageThreadID = tid
		}
	}

	payload, err := json.Marshal(sendReq)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage error %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

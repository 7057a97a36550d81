package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/middleman/internal/config"
	"github.com/ashureev/middleman/internal/domain"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel is the long-polling transport for one Telegram
// profile.
type TelegramChannel struct {
	profile TelegramProfile
	bridge  *Bridge
	logger  *slog.Logger

	timeouts   config.TimeoutConfig
	maxRetries int
	allowed    map[int64]struct{}
	limits     fileLimits

	bot *tgbotapi.BotAPI
}

// NewTelegramChannel builds the transport; Run starts it.
func NewTelegramChannel(profile TelegramProfile, b *Bridge, timeouts config.TimeoutConfig, maxRetries int, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(profile.AllowedUserIDs))
	for _, id := range profile.AllowedUserIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		profile:    profile,
		bridge:     b,
		logger:     logger,
		timeouts:   timeouts,
		maxRetries: maxRetries,
		allowed:    allowed,
		limits: fileLimits{
			allowImages:  profile.AllowImages,
			allowText:    profile.AllowText,
			allowBinary:  profile.AllowBinary,
			maxFileBytes: profile.MaxFileBytes,
		},
	}
}

// Run polls for updates until ctx is cancelled, reconnecting with
// exponential backoff on transport errors.
func (t *TelegramChannel) Run(ctx context.Context) {
	t.bridge.setTelegramState(t.profile.ManagerID, StateConnecting, "")

	bot, err := tgbotapi.NewBotAPI(t.profile.BotToken)
	if err != nil {
		t.logger.Error("telegram auth failed", "error", err)
		t.bridge.setTelegramState(t.profile.ManagerID, StateError, "INTEGRATION_AUTH_FAILED: "+err.Error())
		return
	}
	t.bot = bot
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)
	t.bridge.setTelegramState(t.profile.ManagerID, StateConnected, "")

	backoff := t.timeouts.ReconnectBackoff
	const maxBackoff = 30 * time.Second
	failures := 0

	for {
		if ctx.Err() != nil {
			t.bridge.setTelegramState(t.profile.ManagerID, StateDisabled, "")
			return
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = int(t.timeouts.TelegramPoll / time.Second)
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		bot.StopReceivingUpdates()

		if pollErr == nil {
			// ctx cancelled.
			t.bridge.setTelegramState(t.profile.ManagerID, StateDisabled, "")
			return
		}

		failures++
		if failures >= t.maxRetries {
			t.bridge.setTelegramState(t.profile.ManagerID, StateError, "INTEGRATION_TRANSPORT_ERROR: "+pollErr.Error())
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			t.bridge.setTelegramState(t.profile.ManagerID, StateDisabled, "")
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if update.Message == nil {
				continue
			}
			t.handleMessage(ctx, update.Message)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	// Empty allowlist means allow everyone.
	if len(t.allowed) > 0 {
		if _, ok := t.allowed[msg.From.ID]; !ok {
			t.logger.Info("telegram message from disallowed user ignored", "user_id", msg.From.ID)
			return
		}
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	sc := &domain.SourceContext{
		Channel:   domain.ChannelTelegram,
		ChannelID: strconv.FormatInt(msg.Chat.ID, 10),
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		ThreadTS:  strconv.Itoa(msg.MessageID),
	}

	in := domain.Input{
		Text:          text,
		Attachments:   t.collectAttachments(ctx, msg, sc),
		SourceContext: sc,
		Delivery:      domain.DeliveryAuto,
	}
	if in.Empty() {
		return
	}
	t.bridge.route(ctx, t.profile.ManagerID, in)
}

// collectAttachments downloads the message's photo or document within
// the profile limits.
func (t *TelegramChannel) collectAttachments(ctx context.Context, msg *tgbotapi.Message, sc *domain.SourceContext) []domain.Attachment {
	target, targetOK := t.bridge.mgr.ManagerFor(t.profile.ManagerID)
	report := func(text string) {
		if targetOK {
			t.bridge.recordChannelError(target.AgentID, text)
		}
	}

	var out []domain.Attachment
	if len(msg.Photo) > 0 {
		// Telegram sends multiple sizes; the last is the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		data, err := t.downloadFile(ctx, photo.FileID)
		if err != nil {
			t.logger.Warn("telegram photo download failed", "error", err)
			report("telegram photo download failed: " + err.Error())
		} else if att, buildErr := buildAttachment(t.limits, "photo.jpg", "image/jpeg", data); buildErr != nil {
			t.logger.Warn("telegram attachment rejected", "error", buildErr)
			report(buildErr.Error())
		} else {
			out = append(out, att)
		}
	}
	if msg.Document != nil {
		doc := msg.Document
		data, err := t.downloadFile(ctx, doc.FileID)
		if err != nil {
			t.logger.Warn("telegram document download failed", "file", doc.FileName, "error", err)
			report(fmt.Sprintf("telegram attachment %q download failed: %v", doc.FileName, err))
		} else if att, buildErr := buildAttachment(t.limits, doc.FileName, doc.MimeType, data); buildErr != nil {
			t.logger.Warn("telegram attachment rejected", "file", doc.FileName, "error", buildErr)
			report(buildErr.Error())
		} else {
			out = append(out, att)
		}
	}
	return out
}

func (t *TelegramChannel) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	limit := t.limits.maxFileBytes
	if limit <= 0 {
		limit = 8 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	return data, nil
}

// Post sends an assistant reply back to the originating chat.
func (t *TelegramChannel) Post(ctx context.Context, sc domain.SourceContext, text string) error {
	chatID, err := strconv.ParseInt(sc.ChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", sc.ChannelID, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if t.profile.ReplyToInboundMessageByDefault && sc.ThreadTS != "" {
		if messageID, convErr := strconv.Atoi(sc.ThreadTS); convErr == nil {
			msg.ReplyToMessageID = messageID
		}
	}
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram post to %d: %w", chatID, err)
	}
	return nil
}

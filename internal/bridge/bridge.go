// Package bridge normalizes inbound messages from external channels
// (web, Slack, Telegram) into agent inputs and posts assistant replies
// back to the channel they came from.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/middleman/internal/config"
	"github.com/ashureev/middleman/internal/domain"
	"github.com/ashureev/middleman/internal/protocol"
	"github.com/ashureev/middleman/internal/swarm"
)

// Integration states broadcast as slack_status / telegram_status.
const (
	StateDisabled   = "disabled"
	StateConnecting = "connecting"
	StateConnected  = "connected"
	StateError      = "error"
)

// SlackProfile configures one Slack integration.
type SlackProfile struct {
	Enabled         bool   `json:"enabled"`
	ManagerID       string `json:"managerId,omitempty"`
	BotToken        string `json:"botToken"`
	AppToken        string `json:"appToken"`
	RespondInThread bool   `json:"respondInThread"`
	ReplyBroadcast  bool   `json:"replyBroadcast"`
	AllowImages     bool   `json:"allowImages"`
	AllowText       bool   `json:"allowText"`
	AllowBinary     bool   `json:"allowBinary"`
	MaxFileBytes    int64  `json:"maxFileBytes,omitempty"`
}

// TelegramProfile configures one Telegram integration.
type TelegramProfile struct {
	Enabled                        bool    `json:"enabled"`
	ManagerID                      string  `json:"managerId,omitempty"`
	BotToken                       string  `json:"botToken"`
	AllowedUserIDs                 []int64 `json:"allowedUserIds,omitempty"`
	ReplyToInboundMessageByDefault bool    `json:"replyToInboundMessageByDefault"`
	AllowImages                    bool    `json:"allowImages"`
	AllowText                      bool    `json:"allowText"`
	AllowBinary                    bool    `json:"allowBinary"`
	MaxFileBytes                   int64   `json:"maxFileBytes,omitempty"`
}

// Bridge owns the channel transports and the outbound reply dispatch.
type Bridge struct {
	mgr    *swarm.Manager
	cfg    *config.Config
	logger *slog.Logger

	mu             sync.Mutex
	slack          *SlackChannel
	telegram       *TelegramChannel
	slackState     string
	telegramState  string
	slackCancel    context.CancelFunc
	telegramCancel context.CancelFunc
}

// New creates a bridge with both integrations disabled.
func New(mgr *swarm.Manager, cfg *config.Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		mgr:           mgr,
		cfg:           cfg,
		logger:        logger,
		slackState:    StateDisabled,
		telegramState: StateDisabled,
	}
}

// NormalizeWeb builds an input from a web client message. Returns false
// when the message is empty (both text and attachments), which the wire
// contract drops silently.
func NormalizeWeb(agentID, text string, attachments []domain.Attachment, delivery domain.Delivery) (domain.Input, bool) {
	in := domain.Input{
		AgentID:       agentID,
		Text:          text,
		Attachments:   attachments,
		Delivery:      delivery,
		SourceContext: &domain.SourceContext{Channel: domain.ChannelWeb},
	}
	if in.Empty() {
		return domain.Input{}, false
	}
	if in.Delivery == "" {
		in.Delivery = domain.DeliveryAuto
	}
	return in, true
}

// Post implements swarm.OutboundPoster: assistant replies go back to the
// channel the originating input arrived on.
func (b *Bridge) Post(ctx context.Context, sc domain.SourceContext, text string) error {
	b.mu.Lock()
	slackCh := b.slack
	telegramCh := b.telegram
	b.mu.Unlock()

	switch sc.Channel {
	case domain.ChannelSlack:
		if slackCh == nil {
			return fmt.Errorf("slack integration not running")
		}
		return slackCh.Post(ctx, sc, text)
	case domain.ChannelTelegram:
		if telegramCh == nil {
			return fmt.Errorf("telegram integration not running")
		}
		return telegramCh.Post(ctx, sc, text)
	default:
		return fmt.Errorf("no outbound transport for channel %q", sc.Channel)
	}
}

// route delivers a normalized inbound message to the profile's manager.
func (b *Bridge) route(ctx context.Context, managerID string, in domain.Input) {
	target, ok := b.mgr.ManagerFor(managerID)
	if !ok {
		b.logger.Warn("inbound message has no target manager", "channel", in.SourceContext.Channel)
		return
	}
	in.AgentID = target.AgentID
	if err := b.mgr.HandleInput(ctx, in); err != nil {
		b.logger.Error("inbound routing failed", "agent_id", in.AgentID, "error", err)
	}
}

// ApplySlack starts, restarts, or stops the Slack transport to match the
// profile.
func (b *Bridge) ApplySlack(ctx context.Context, profile SlackProfile) {
	b.mu.Lock()
	if b.slackCancel != nil {
		b.slackCancel()
		b.slackCancel = nil
		b.slack = nil
	}
	if !profile.Enabled || profile.BotToken == "" || profile.AppToken == "" {
		b.mu.Unlock()
		b.setSlackState(profile.ManagerID, StateDisabled, "")
		return
	}
	if profile.MaxFileBytes <= 0 {
		profile.MaxFileBytes = b.cfg.Attachment.MaxFileBytes
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.slackCancel = cancel
	ch := NewSlackChannel(profile, b, b.logger)
	b.slack = ch
	b.mu.Unlock()

	go ch.Run(runCtx)
}

// ApplyTelegram starts, restarts, or stops the Telegram transport to
// match the profile.
func (b *Bridge) ApplyTelegram(ctx context.Context, profile TelegramProfile) {
	b.mu.Lock()
	if b.telegramCancel != nil {
		b.telegramCancel()
		b.telegramCancel = nil
		b.telegram = nil
	}
	if !profile.Enabled || profile.BotToken == "" {
		b.mu.Unlock()
		b.setTelegramState(profile.ManagerID, StateDisabled, "")
		return
	}
	if profile.MaxFileBytes <= 0 {
		profile.MaxFileBytes = b.cfg.Attachment.MaxFileBytes
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.telegramCancel = cancel
	ch := NewTelegramChannel(profile, b, b.cfg.Timeout, b.cfg.IntegrationRetries, b.logger)
	b.telegram = ch
	b.mu.Unlock()

	go ch.Run(runCtx)
}

// Stop tears both transports down.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.slackCancel != nil {
		b.slackCancel()
		b.slackCancel = nil
		b.slack = nil
	}
	if b.telegramCancel != nil {
		b.telegramCancel()
		b.telegramCancel = nil
		b.telegram = nil
	}
}

// States reports the current integration states for the REST surface.
func (b *Bridge) States() (slackState, telegramState string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slackState, b.telegramState
}

func (b *Bridge) setSlackState(managerID, state, detail string) {
	b.mu.Lock()
	changed := b.slackState != state
	b.slackState = state
	b.mu.Unlock()
	if changed {
		b.mgr.BroadcastIntegrationStatus(protocol.EvtSlackStatus, managerID, state, detail)
	}
}

func (b *Bridge) setTelegramState(managerID, state, detail string) {
	b.mu.Lock()
	changed := b.telegramState != state
	b.telegramState = state
	b.mu.Unlock()
	if changed {
		b.mgr.BroadcastIntegrationStatus(protocol.EvtTelegramStatus, managerID, state, detail)
	}
}

// recordChannelError surfaces a transport failure in the agent's
// conversation log without blocking the event stream.
func (b *Bridge) recordChannelError(agentID, text string) {
	if agentID == "" {
		return
	}
	b.mgr.RecordChannelError(agentID, text)
}

package bridge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/middleman/internal/domain"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// SlackChannel is the Socket Mode transport for one Slack profile.
// Inbound DMs and mentions are normalized into agent inputs; outbound
// replies are posted back into the originating channel or thread.
type SlackChannel struct {
	profile SlackProfile
	bridge  *Bridge
	logger  *slog.Logger

	api       *slack.Client
	socket    *socketmode.Client
	botUserID string
	limits    fileLimits
	failures  int
}

// NewSlackChannel builds the transport; Run starts it.
func NewSlackChannel(profile SlackProfile, b *Bridge, logger *slog.Logger) *SlackChannel {
	api := slack.New(
		profile.BotToken,
		slack.OptionAppLevelToken(profile.AppToken),
	)
	return &SlackChannel{
		profile: profile,
		bridge:  b,
		logger:  logger,
		api:     api,
		socket:  socketmode.New(api),
		limits: fileLimits{
			allowImages:  profile.AllowImages,
			allowText:    profile.AllowText,
			allowBinary:  profile.AllowBinary,
			maxFileBytes: profile.MaxFileBytes,
		},
	}
}

// Run connects and processes Socket Mode events until ctx is cancelled.
func (s *SlackChannel) Run(ctx context.Context) {
	s.bridge.setSlackState(s.profile.ManagerID, StateConnecting, "")

	auth, err := s.api.AuthTestContext(ctx)
	if err != nil {
		s.logger.Error("slack auth failed", "error", err)
		s.bridge.setSlackState(s.profile.ManagerID, StateError, "INTEGRATION_AUTH_FAILED: "+err.Error())
		return
	}
	s.botUserID = auth.UserID
	s.logger.Info("slack bot authenticated", "user_id", s.botUserID, "team", auth.Team)

	go s.handleEvents(ctx)

	if err := s.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("slack socket loop ended", "error", err)
		s.bridge.setSlackState(s.profile.ManagerID, StateError, "INTEGRATION_TRANSPORT_ERROR: "+err.Error())
		return
	}
	s.bridge.setSlackState(s.profile.ManagerID, StateDisabled, "")
}

func (s *SlackChannel) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			s.handleEvent(ctx, evt)
		}
	}
}

func (s *SlackChannel) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		s.bridge.setSlackState(s.profile.ManagerID, StateConnecting, "")

	case socketmode.EventTypeConnected:
		s.failures = 0
		s.bridge.setSlackState(s.profile.ManagerID, StateConnected, "")
		s.logger.Info("slack socket mode connected")

	case socketmode.EventTypeConnectionError:
		s.failures++
		s.logger.Warn("slack connection error", "failures", s.failures)
		if s.failures >= s.bridge.cfg.IntegrationRetries {
			s.bridge.setSlackState(s.profile.ManagerID, StateError, "INTEGRATION_TRANSPORT_ERROR: repeated connection failures")
		}

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			s.socket.Ack(*evt.Request)
		}
		s.handleEventsAPI(ctx, apiEvent)
	}
}

func (s *SlackChannel) handleEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		s.handleMessage(ctx, ev)
	case *slackevents.AppMentionEvent:
		s.handleMention(ctx, ev)
	}
}

// handleMessage processes direct messages. Channel chatter only reaches
// the agent through mentions.
func (s *SlackChannel) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.User == s.botUserID || ev.User == "" {
		return
	}
	if ev.SubType != "" {
		// Edits, deletions, joins: not inputs.
		return
	}
	if ev.ChannelType != "im" && !strings.HasPrefix(ev.Channel, "D") {
		return
	}

	sc := &domain.SourceContext{
		Channel:     domain.ChannelSlack,
		ChannelID:   ev.Channel,
		ChannelType: "dm",
		UserID:      ev.User,
	}
	if ev.ThreadTimeStamp != "" {
		sc.ThreadTS = ev.ThreadTimeStamp
	}
	var files []slack.File
	if ev.Message != nil {
		files = ev.Message.Files
	}
	s.deliver(ctx, ev.Text, s.collectFiles(files), sc)
}

// handleMention processes @bot mentions in channels, honored only when
// the profile responds in-thread.
func (s *SlackChannel) handleMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	if !s.profile.RespondInThread {
		return
	}
	if ev.User == "" || ev.User == s.botUserID {
		return
	}

	text := strings.TrimSpace(strings.ReplaceAll(ev.Text, "<@"+s.botUserID+">", ""))
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}
	sc := &domain.SourceContext{
		Channel:     domain.ChannelSlack,
		ChannelID:   ev.Channel,
		ChannelType: "channel",
		UserID:      ev.User,
		ThreadTS:    threadTS,
	}
	s.deliver(ctx, text, nil, sc)
}

func (s *SlackChannel) deliver(ctx context.Context, text string, attachments []domain.Attachment, sc *domain.SourceContext) {
	in := domain.Input{
		Text:          text,
		Attachments:   attachments,
		SourceContext: sc,
		Delivery:      domain.DeliveryAuto,
	}
	if in.Empty() {
		return
	}
	s.bridge.route(ctx, s.profile.ManagerID, in)
}

// collectFiles downloads inbound Slack files within the profile limits.
// Failures and rejections surface in the agent's conversation log but
// never suppress the message text.
func (s *SlackChannel) collectFiles(files []slack.File) []domain.Attachment {
	if len(files) == 0 {
		return nil
	}
	target, targetOK := s.bridge.mgr.ManagerFor(s.profile.ManagerID)

	var out []domain.Attachment
	for _, f := range files {
		if f.URLPrivateDownload == "" {
			continue
		}
		var buf bytes.Buffer
		if err := s.api.GetFile(f.URLPrivateDownload, &buf); err != nil {
			s.logger.Warn("slack file download failed", "file", f.Name, "error", err)
			if targetOK {
				s.bridge.recordChannelError(target.AgentID,
					fmt.Sprintf("slack attachment %q download failed: %v", f.Name, err))
			}
			continue
		}
		att, err := buildAttachment(s.limits, f.Name, f.Mimetype, buf.Bytes())
		if err != nil {
			s.logger.Warn("slack attachment rejected", "file", f.Name, "error", err)
			if targetOK {
				s.bridge.recordChannelError(target.AgentID, err.Error())
			}
			continue
		}
		out = append(out, att)
	}
	return out
}

// Post sends an assistant reply back to the channel the input came from.
func (s *SlackChannel) Post(ctx context.Context, sc domain.SourceContext, text string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if s.profile.RespondInThread && sc.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(sc.ThreadTS))
		if s.profile.ReplyBroadcast {
			opts = append(opts, slack.MsgOptionBroadcast())
		}
	}
	if _, _, err := s.api.PostMessageContext(ctx, sc.ChannelID, opts...); err != nil {
		return fmt.Errorf("slack post to %s: %w", sc.ChannelID, err)
	}
	return nil
}

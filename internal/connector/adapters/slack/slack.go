package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/courierai/courier/internal/connector"
)

// Type is the channel type this adapter serves.
const Type = connector.ChannelSlack

const slackMaxMessageLength = 4000

// Adapter connects Slack apps over Socket Mode. It needs a bot token
// (xoxb-) and an app-level token (xapp-) with connections:write.
type Adapter struct {
	logger *slog.Logger
}

func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "slack")),
	}
}

func (a *Adapter) Type() connector.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Type:          Type,
		DisplayName:   "Slack",
		Mode:          connector.ModeToken,
		MaxTextLength: slackMaxMessageLength,
	}
}

func newClient(cfg connector.ChannelConfig) (*slack.Client, error) {
	botToken := connector.ReadString(cfg.Credentials, "botToken")
	appToken := connector.ReadString(cfg.Credentials, "appToken")
	if botToken == "" || appToken == "" {
		return nil, fmt.Errorf("slack botToken and appToken are required")
	}
	return slack.New(botToken, slack.OptionAppLevelToken(appToken)), nil
}

func (a *Adapter) Connect(ctx context.Context, cfg connector.ChannelConfig, handler connector.InboundHandler) (connector.Connection, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack auth test: %w", err)
	}
	botUserID := auth.UserID
	a.logger.Info("start", slog.String("config_id", cfg.ID), slog.String("bot_user", botUserID))

	socketClient := socketmode.New(client, socketmode.OptionDebug(false))
	connCtx, cancel := context.WithCancel(ctx)

	go func() {
		if err := socketClient.RunContext(connCtx); err != nil && connCtx.Err() == nil {
			a.logger.Error("socket mode run ended", slog.String("config_id", cfg.ID), slog.Any("error", err))
		}
	}()

	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case event, ok := <-socketClient.Events:
				if !ok {
					return
				}
				a.handleSocketEvent(connCtx, cfg, socketClient, botUserID, event, handler)
			}
		}
	}()

	stop := func(stopCtx context.Context) error {
		a.logger.Info("stop", slog.String("config_id", cfg.ID))
		cancel()
		return nil
	}
	return connector.NewConnection(cfg, stop), nil
}

func (a *Adapter) handleSocketEvent(ctx context.Context, cfg connector.ChannelConfig, socketClient *socketmode.Client, botUserID string, event socketmode.Event, handler connector.InboundHandler) {
	switch event.Type {
	case socketmode.EventTypeConnecting, socketmode.EventTypeConnected:
		return
	case socketmode.EventTypeConnectionError:
		a.logger.Warn("socket mode connection error", slog.String("config_id", cfg.ID))
		return
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if event.Request != nil {
			socketClient.Ack(*event.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		a.handleCallbackEvent(ctx, cfg, botUserID, apiEvent.InnerEvent, handler)
	default:
	}
}

func (a *Adapter) handleCallbackEvent(ctx context.Context, cfg connector.ChannelConfig, botUserID string, inner slackevents.EventsAPIInnerEvent, handler connector.InboundHandler) {
	var (
		channelID string
		userID    string
		text      string
		threadTS  string
		eventTS   string
	)

	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		channelID, userID, text = ev.Channel, ev.User, ev.Text
		threadTS, eventTS = ev.ThreadTimeStamp, ev.TimeStamp
	case *slackevents.MessageEvent:
		// Only direct messages; mentions arrive as AppMentionEvent.
		if ev.BotID != "" || ev.SubType != "" || !strings.HasPrefix(ev.Channel, "D") {
			return
		}
		channelID, userID, text = ev.Channel, ev.User, ev.Text
		threadTS, eventTS = ev.ThreadTimeStamp, ev.TimeStamp
	default:
		return
	}

	if userID == "" || userID == botUserID {
		return
	}
	text = strings.TrimSpace(strings.ReplaceAll(text, "<@"+botUserID+">", ""))
	if text == "" {
		return
	}

	msg := connector.InboundMessage{
		Channel:     Type,
		AccountID:   cfg.AccountID,
		Text:        text,
		PeerID:      channelID,
		ReplyTarget: channelID,
		Sender: connector.Identity{
			SubjectID: userID,
		},
		ThreadID:   threadTS,
		ReceivedAt: parseSlackTimestamp(eventTS),
	}
	go func() {
		if err := handler(ctx, cfg, msg); err != nil {
			a.logger.Error("handle inbound failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		}
	}()
}

func (a *Adapter) Send(ctx context.Context, cfg connector.ChannelConfig, msg connector.OutboundMessage) error {
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	channelID := strings.TrimSpace(msg.Target)
	if channelID == "" {
		return fmt.Errorf("slack target is required")
	}

	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if msg.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
	}
	if _, _, err := client.PostMessageContext(ctx, channelID, opts...); err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// parseSlackTimestamp converts a "seconds.micros" event timestamp.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 || parts[0] == "" {
		return time.Now().UTC()
	}
	var secs int64
	if _, err := fmt.Sscanf(parts[0], "%d", &secs); err != nil {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

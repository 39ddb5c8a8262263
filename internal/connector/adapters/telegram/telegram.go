package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/courierai/courier/internal/connector"
)

// Type is the channel type this adapter serves.
const Type = connector.ChannelTelegram

const telegramMaxMessageLength = 4096

// Adapter connects Telegram bots over long polling.
type Adapter struct {
	logger *slog.Logger

	mu   sync.RWMutex
	bots map[string]*tgbotapi.BotAPI // keyed by bot token
}

func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "telegram")),
		bots:   make(map[string]*tgbotapi.BotAPI),
	}
}

func (a *Adapter) Type() connector.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Type:          Type,
		DisplayName:   "Telegram",
		Mode:          connector.ModeToken,
		MaxTextLength: telegramMaxMessageLength,
	}
}

func (a *Adapter) getOrCreateBot(token string) (*tgbotapi.BotAPI, error) {
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	a.bots[token] = bot
	return bot, nil
}

func (a *Adapter) Connect(ctx context.Context, cfg connector.ChannelConfig, handler connector.InboundHandler) (connector.Connection, error) {
	token := connector.ReadString(cfg.Credentials, "botToken")
	if token == "" {
		return nil, fmt.Errorf("telegram botToken is required")
	}

	bot, err := a.getOrCreateBot(token)
	if err != nil {
		return nil, err
	}
	a.logger.Info("start", slog.String("config_id", cfg.ID), slog.String("bot", bot.Self.UserName))

	update := tgbotapi.NewUpdate(0)
	update.Timeout = 30
	updates := bot.GetUpdatesChan(update)

	connCtx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				if upd.Message == nil || upd.Message.From == nil || upd.Message.From.IsBot {
					continue
				}
				text := strings.TrimSpace(upd.Message.Text)
				if text == "" {
					continue
				}

				chatID := strconv.FormatInt(upd.Message.Chat.ID, 10)
				msg := connector.InboundMessage{
					Channel:     Type,
					AccountID:   cfg.AccountID,
					Text:        text,
					PeerID:      chatID,
					ReplyTarget: chatID,
					Sender: connector.Identity{
						SubjectID:   strconv.FormatInt(upd.Message.From.ID, 10),
						DisplayName: upd.Message.From.UserName,
					},
					ReceivedAt: time.Unix(int64(upd.Message.Date), 0).UTC(),
				}
				go func() {
					if err := handler(connCtx, cfg, msg); err != nil {
						a.logger.Error("handle inbound failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
					}
				}()
			}
		}
	}()

	stop := func(stopCtx context.Context) error {
		a.logger.Info("stop", slog.String("config_id", cfg.ID))
		bot.StopReceivingUpdates()
		cancel()
		// Drain so a restarted poller does not hit "Conflict: terminated
		// by other getUpdates request".
		for range updates {
		}
		a.mu.Lock()
		delete(a.bots, token)
		a.mu.Unlock()
		return nil
	}

	return connector.NewConnection(cfg, stop), nil
}

func (a *Adapter) Send(ctx context.Context, cfg connector.ChannelConfig, msg connector.OutboundMessage) error {
	token := connector.ReadString(cfg.Credentials, "botToken")
	if token == "" {
		return fmt.Errorf("telegram botToken is required")
	}
	bot, err := a.getOrCreateBot(token)
	if err != nil {
		return err
	}

	text := truncateText(sanitizeText(msg.Text))
	out, err := buildMessage(msg.Target, text)
	if err != nil {
		return err
	}
	if msg.Markdown {
		out.ParseMode = tgbotapi.ModeMarkdown
	}
	if _, err := bot.Send(out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// NotifyTyping shows the typing chat action.
func (a *Adapter) NotifyTyping(ctx context.Context, cfg connector.ChannelConfig, target string) error {
	token := connector.ReadString(cfg.Credentials, "botToken")
	if token == "" {
		return fmt.Errorf("telegram botToken is required")
	}
	bot, err := a.getOrCreateBot(token)
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram target %q is not a chat id", target)
	}
	_, err = bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

func buildMessage(target, text string) (tgbotapi.MessageConfig, error) {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "@") {
		return tgbotapi.NewMessageToChannel(target, text), nil
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, fmt.Errorf("telegram target %q is not a chat id", target)
	}
	return tgbotapi.NewMessage(chatID, text), nil
}

func sanitizeText(text string) string {
	return strings.ToValidUTF8(text, "")
}

func truncateText(text string) string {
	runes := []rune(text)
	if len(runes) <= telegramMaxMessageLength {
		return text
	}
	return string(runes[:telegramMaxMessageLength-3]) + "..."
}

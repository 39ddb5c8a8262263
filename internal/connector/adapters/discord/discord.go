package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/courierai/courier/internal/connector"
)

// Type is the channel type this adapter serves.
const Type = connector.ChannelDiscord

const discordMaxMessageLength = 2000

// Adapter connects Discord bots over the gateway.
type Adapter struct {
	logger *slog.Logger

	mu              sync.RWMutex
	sessions        map[string]*discordgo.Session // keyed by bot token
	handlerRemovers map[string]func()
}

func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:          log.With(slog.String("adapter", "discord")),
		sessions:        make(map[string]*discordgo.Session),
		handlerRemovers: make(map[string]func()),
	}
}

func (a *Adapter) Type() connector.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Type:          Type,
		DisplayName:   "Discord",
		Mode:          connector.ModeToken,
		MaxTextLength: discordMaxMessageLength,
	}
}

func (a *Adapter) getOrCreateSession(token string) (*discordgo.Session, error) {
	a.mu.RLock()
	session, ok := a.sessions[token]
	a.mu.RUnlock()
	if ok {
		return session, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[token]; ok {
		return s, nil
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	a.sessions[token] = session
	return session, nil
}

func (a *Adapter) Connect(ctx context.Context, cfg connector.ChannelConfig, handler connector.InboundHandler) (connector.Connection, error) {
	token := connector.ReadString(cfg.Credentials, "botToken")
	if token == "" {
		return nil, fmt.Errorf("discord botToken is required")
	}

	session, err := a.getOrCreateSession(token)
	if err != nil {
		return nil, err
	}
	a.logger.Info("start", slog.String("config_id", cfg.ID))

	remove := session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if ctx.Err() != nil {
			return
		}
		if m.Author == nil || m.Author.Bot {
			return
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			return
		}

		botID := s.State.User.ID
		// Guild chatter is only picked up when the bot is addressed.
		if m.GuildID != "" && !isBotMentioned(m.Message, botID) && !isReplyToBot(m.Message, botID) {
			return
		}
		text = stripMention(text, botID)
		if text == "" {
			return
		}

		msg := connector.InboundMessage{
			Channel:     Type,
			AccountID:   cfg.AccountID,
			Text:        text,
			PeerID:      m.ChannelID,
			ReplyTarget: m.ChannelID,
			Sender: connector.Identity{
				SubjectID:   m.Author.ID,
				DisplayName: m.Author.Username,
			},
			ReceivedAt: time.Now().UTC(),
		}
		go func() {
			if err := handler(ctx, cfg, msg); err != nil {
				a.logger.Error("handle inbound failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
			}
		}()
	})
	a.swapHandlerRemover(token, remove)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open connection: %w", err)
	}

	stop := func(stopCtx context.Context) error {
		a.logger.Info("stop", slog.String("config_id", cfg.ID))
		if remove := a.clearSessionState(token); remove != nil {
			remove()
		}
		return session.Close()
	}
	return connector.NewConnection(cfg, stop), nil
}

func (a *Adapter) Send(ctx context.Context, cfg connector.ChannelConfig, msg connector.OutboundMessage) error {
	token := connector.ReadString(cfg.Credentials, "botToken")
	if token == "" {
		return fmt.Errorf("discord botToken is required")
	}
	session, err := a.getOrCreateSession(token)
	if err != nil {
		return err
	}
	channelID := strings.TrimSpace(msg.Target)
	if channelID == "" {
		return fmt.Errorf("discord target is required")
	}
	if _, err := session.ChannelMessageSend(channelID, truncateText(msg.Text)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// NotifyTyping shows the channel typing indicator.
func (a *Adapter) NotifyTyping(ctx context.Context, cfg connector.ChannelConfig, target string) error {
	token := connector.ReadString(cfg.Credentials, "botToken")
	if token == "" {
		return fmt.Errorf("discord botToken is required")
	}
	session, err := a.getOrCreateSession(token)
	if err != nil {
		return err
	}
	return session.ChannelTyping(strings.TrimSpace(target))
}

func isBotMentioned(msg *discordgo.Message, botID string) bool {
	if msg == nil {
		return false
	}
	for _, mention := range msg.Mentions {
		if mention != nil && mention.ID == botID {
			return true
		}
	}
	return strings.Contains(msg.Content, "<@"+botID+">") ||
		strings.Contains(msg.Content, "<@!"+botID+">")
}

func isReplyToBot(msg *discordgo.Message, botID string) bool {
	return msg != nil &&
		msg.ReferencedMessage != nil &&
		msg.ReferencedMessage.Author != nil &&
		msg.ReferencedMessage.Author.ID == botID
}

func stripMention(text, botID string) string {
	text = strings.ReplaceAll(text, "<@"+botID+">", "")
	text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	return strings.TrimSpace(text)
}

func truncateText(text string) string {
	runes := []rune(text)
	if len(runes) <= discordMaxMessageLength {
		return text
	}
	return string(runes[:discordMaxMessageLength-3]) + "..."
}

func (a *Adapter) swapHandlerRemover(token string, remove func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old := a.handlerRemovers[token]; old != nil {
		old()
	}
	a.handlerRemovers[token] = remove
}

func (a *Adapter) clearSessionState(token string) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	remove := a.handlerRemovers[token]
	delete(a.handlerRemovers, token)
	delete(a.sessions, token)
	return remove
}

package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/courierai/courier/internal/config"
	"github.com/courierai/courier/internal/connector"
)

// Type is the channel type this adapter serves.
const Type = connector.ChannelWhatsApp

const whatsappMaxMessageLength = 65536

// Adapter connects WhatsApp through a device session persisted in sqlite.
// First start with no stored device prints a QR code to pair; after that
// the session restores from disk, which is why the manager treats this
// channel as session mode and restarts it when the link drops.
type Adapter struct {
	logger    *slog.Logger
	storePath string

	mu      sync.Mutex
	clients map[string]*whatsmeow.Client // keyed by config ID
}

func NewAdapter(log *slog.Logger, cfg config.WhatsAppConfig) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	storePath := cfg.StorePath
	if storePath == "" {
		storePath = config.DefaultWhatsAppStorePath
	}
	return &Adapter{
		logger:    log.With(slog.String("adapter", "whatsapp")),
		storePath: storePath,
		clients:   make(map[string]*whatsmeow.Client),
	}
}

func (a *Adapter) Type() connector.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Type:          Type,
		DisplayName:   "WhatsApp",
		Mode:          connector.ModeSession,
		MaxTextLength: whatsappMaxMessageLength,
	}
}

func (a *Adapter) sessionPath(cfg connector.ChannelConfig) string {
	if p := connector.ReadString(cfg.Settings, "storePath"); p != "" {
		return p
	}
	return a.storePath
}

func (a *Adapter) Connect(ctx context.Context, cfg connector.ChannelConfig, handler connector.InboundHandler) (connector.Connection, error) {
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", a.sessionPath(cfg)), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)

	stop := func(stopCtx context.Context) error {
		a.logger.Info("stop", slog.String("config_id", cfg.ID))
		a.mu.Lock()
		delete(a.clients, cfg.ID)
		a.mu.Unlock()
		client.Disconnect()
		return container.Close()
	}
	// The connection exists before the event handler registers so the
	// handler never observes a half-built adapter state.
	conn := connector.NewConnection(cfg, stop)

	client.AddEventHandler(func(evt interface{}) {
		switch e := evt.(type) {
		case *events.Connected:
			a.logger.Info("whatsapp connected", slog.String("config_id", cfg.ID))
		case *events.Disconnected:
			a.logger.Warn("whatsapp disconnected", slog.String("config_id", cfg.ID))
		case *events.LoggedOut:
			a.logger.Warn("whatsapp logged out, session needs re-pairing", slog.String("config_id", cfg.ID))
			conn.MarkStopped()
		case *events.Message:
			a.handleMessage(ctx, cfg, e, handler)
		}
	})

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("whatsapp qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("whatsapp connect: %w", err)
		}
		go func() {
			for item := range qrChan {
				if item.Event == "code" {
					a.logger.Info("scan whatsapp pairing code",
						slog.String("config_id", cfg.ID),
						slog.String("code", item.Code))
				}
			}
		}()
	} else {
		if err := client.Connect(); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("whatsapp connect: %w", err)
		}
	}
	a.logger.Info("start", slog.String("config_id", cfg.ID))

	a.mu.Lock()
	a.clients[cfg.ID] = client
	a.mu.Unlock()

	return conn, nil
}

func (a *Adapter) handleMessage(ctx context.Context, cfg connector.ChannelConfig, evt *events.Message, handler connector.InboundHandler) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == "broadcast" {
		return
	}

	text := extractText(evt.Message)
	if strings.TrimSpace(text) == "" {
		return
	}

	chat := evt.Info.Chat.String()
	msg := connector.InboundMessage{
		Channel:     Type,
		AccountID:   cfg.AccountID,
		Text:        strings.TrimSpace(text),
		PeerID:      chat,
		ReplyTarget: chat,
		Sender: connector.Identity{
			SubjectID:   evt.Info.Sender.String(),
			DisplayName: evt.Info.PushName,
		},
		ReceivedAt: evt.Info.Timestamp.UTC(),
	}
	go func() {
		if err := handler(ctx, cfg, msg); err != nil {
			a.logger.Error("handle inbound failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		}
	}()
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	return ""
}

func (a *Adapter) client(configID string) (*whatsmeow.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	client, ok := a.clients[configID]
	if !ok {
		return nil, fmt.Errorf("whatsapp connection %s not running", configID)
	}
	return client, nil
}

func (a *Adapter) Send(ctx context.Context, cfg connector.ChannelConfig, msg connector.OutboundMessage) error {
	client, err := a.client(cfg.ID)
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(strings.TrimSpace(msg.Target))
	if err != nil {
		return fmt.Errorf("whatsapp target %q: %w", msg.Target, err)
	}
	if _, err := client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(msg.Text)}); err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	return nil
}

// NotifyTyping shows the composing presence.
func (a *Adapter) NotifyTyping(ctx context.Context, cfg connector.ChannelConfig, target string) error {
	client, err := a.client(cfg.ID)
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(strings.TrimSpace(target))
	if err != nil {
		return err
	}
	return client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// Healthy reports whether the underlying socket is connected.
func (a *Adapter) Healthy(ctx context.Context, cfg connector.ChannelConfig) bool {
	client, err := a.client(cfg.ID)
	if err != nil {
		return false
	}
	return client.IsConnected()
}

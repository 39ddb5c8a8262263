package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/courierai/courier/internal/connector"
	"github.com/courierai/courier/internal/provider"
	"github.com/courierai/courier/internal/relay"
	"github.com/courierai/courier/internal/store"
)

// MessageContext carries one inbound message through the stages. Each
// message gets its own instance; stages mutate it, nothing else sees it.
type MessageContext struct {
	ID          uuid.UUID
	AccountID   string
	ChannelType connector.ChannelType
	Mode        connector.ConnectionMode
	PeerID      string
	InboundText string
	ReceivedAt  time.Time

	ConversationID string
	History        []store.Message

	ProviderName string
	Model        string
	ReplyText    string
	ToolsUsed    []string

	typing func(context.Context)
}

// Stage is one pipeline step. Returning proceed=false stops the run
// cleanly; returning an error aborts it.
type Stage interface {
	Name() string
	Run(ctx context.Context, mc *MessageContext) (proceed bool, err error)
}

// Datastore is the slice of the store the stages use.
type Datastore interface {
	FindOrCreateConversation(ctx context.Context, accountID, channelType, peerID string) (store.Conversation, error)
	LoadRecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	AppendExchange(ctx context.Context, conversationID, userText, assistantText string, toolsRun []string) error
}

// Router resolves the provider adapter for an account.
type Router interface {
	Resolve(ctx context.Context, accountID string) (provider.Selection, error)
}

// Pipeline runs the fixed stage order: session, history, routing, store.
type Pipeline struct {
	logger *slog.Logger
	stages []Stage
}

// Options carry the provider-facing knobs.
type Options struct {
	SystemPrompt string
	HistoryLimit int
	MaxTokens    int
}

func New(log *slog.Logger, datastore Datastore, router Router, opts Options) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "pipeline"))
	return &Pipeline{
		logger: log,
		stages: []Stage{
			&sessionStage{datastore: datastore},
			&historyStage{datastore: datastore, limit: opts.HistoryLimit},
			&routingStage{logger: log, router: router, opts: opts},
			&storeStage{datastore: datastore},
		},
	}
}

// HandleInbound implements connector.InboundProcessor.
func (p *Pipeline) HandleInbound(ctx context.Context, cfg connector.ChannelConfig, msg connector.InboundMessage, typing func(context.Context)) (string, error) {
	mc := &MessageContext{
		ID:          uuid.New(),
		AccountID:   cfg.AccountID,
		ChannelType: cfg.ChannelType,
		Mode:        cfg.Mode,
		PeerID:      msg.PeerID,
		InboundText: msg.Text,
		ReceivedAt:  msg.ReceivedAt,
		typing:      typing,
	}
	if mc.ReceivedAt.IsZero() {
		mc.ReceivedAt = time.Now().UTC()
	}

	for _, stage := range p.stages {
		started := time.Now()
		proceed, err := stage.Run(ctx, mc)
		p.logger.Debug("stage finished",
			slog.String("stage", stage.Name()),
			slog.String("message_id", mc.ID.String()),
			slog.Duration("took", time.Since(started)),
			slog.Bool("proceed", proceed && err == nil))
		if err != nil {
			return "", &relay.PipelineStageError{Stage: stage.Name(), Err: err}
		}
		if !proceed {
			return "", nil
		}
	}
	return mc.ReplyText, nil
}

// sessionStage resolves the conversation and drops empty input.
type sessionStage struct {
	datastore Datastore
}

func (s *sessionStage) Name() string { return "session" }

func (s *sessionStage) Run(ctx context.Context, mc *MessageContext) (bool, error) {
	mc.InboundText = strings.TrimSpace(mc.InboundText)
	if mc.InboundText == "" {
		return false, nil
	}
	if mc.PeerID == "" {
		return false, fmt.Errorf("inbound message without peer id")
	}

	conv, err := s.datastore.FindOrCreateConversation(ctx, mc.AccountID, mc.ChannelType.String(), mc.PeerID)
	if err != nil {
		return false, fmt.Errorf("resolve conversation: %w", err)
	}
	mc.ConversationID = conv.ID
	return true, nil
}

// historyStage loads the recent turns, oldest first.
type historyStage struct {
	datastore Datastore
	limit     int
}

func (s *historyStage) Name() string { return "history" }

func (s *historyStage) Run(ctx context.Context, mc *MessageContext) (bool, error) {
	history, err := s.datastore.LoadRecentMessages(ctx, mc.ConversationID, s.limit)
	if err != nil {
		return false, fmt.Errorf("load history: %w", err)
	}
	mc.History = history
	return true, nil
}

// routingStage picks the provider and runs the completion.
type routingStage struct {
	logger *slog.Logger
	router Router
	opts   Options
}

func (s *routingStage) Name() string { return "ai_routing" }

func (s *routingStage) Run(ctx context.Context, mc *MessageContext) (bool, error) {
	selection, err := s.router.Resolve(ctx, mc.AccountID)
	if err != nil {
		return false, err
	}
	mc.ProviderName = selection.Adapter.Name()
	mc.Model = selection.Model

	history := make([]provider.Message, 0, len(mc.History))
	for _, msg := range mc.History {
		history = append(history, provider.Message{Role: msg.Role, Content: msg.Content})
	}

	resp, err := selection.Adapter.Complete(ctx, provider.Request{
		Model:        selection.Model,
		SystemPrompt: s.opts.SystemPrompt,
		History:      history,
		UserText:     mc.InboundText,
		MaxTokens:    s.opts.MaxTokens,
		OnToolRound:  mc.typing,
	})
	var exhausted *relay.ProviderExhaustedError
	if errors.As(err, &exhausted) {
		// The round cap produced a best-effort reply; deliver and
		// persist it rather than apologizing.
		s.logger.Warn("provider exhausted tool rounds",
			slog.String("provider", mc.ProviderName),
			slog.Int("rounds", exhausted.Rounds))
	} else if err != nil {
		return false, err
	}

	mc.ReplyText = resp.Text
	mc.ToolsUsed = resp.ToolsUsed
	return true, nil
}

// storeStage persists the exchange once both turns exist.
type storeStage struct {
	datastore Datastore
}

func (s *storeStage) Name() string { return "store" }

func (s *storeStage) Run(ctx context.Context, mc *MessageContext) (bool, error) {
	if mc.ReplyText == "" {
		return false, nil
	}
	if err := s.datastore.AppendExchange(ctx, mc.ConversationID, mc.InboundText, mc.ReplyText, mc.ToolsUsed); err != nil {
		return false, fmt.Errorf("persist exchange: %w", err)
	}
	return true, nil
}

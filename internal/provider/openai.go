package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/courierai/courier/internal/relay"
	"github.com/courierai/courier/internal/tool"
)

// OpenAIAdapter completes messages through the chat completions API. It
// also serves OpenAI-compatible gateways via a custom base URL.
type OpenAIAdapter struct {
	logger *slog.Logger
	client *openai.Client
	tools  *tool.Registry
}

func NewOpenAIAdapter(log *slog.Logger, tools *tool.Registry, apiKey, baseURL string) *OpenAIAdapter {
	if log == nil {
		log = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{
		logger: log.With(slog.String("provider", "openai")),
		client: openai.NewClientWithConfig(cfg),
		tools:  tools,
	}
}

func (a *OpenAIAdapter) Name() string {
	return "openai"
}

func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	messages := buildOpenAIHistory(req)

	var (
		finalText string
		toolsUsed []string
		rounds    int
		state     = stateSending
	)

	for state == stateSending {
		resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:     req.Model,
			Messages:  messages,
			MaxTokens: req.MaxTokens,
			Tools:     a.toolParams(),
		})
		if err != nil {
			return Response{}, fmt.Errorf("openai completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return Response{}, fmt.Errorf("openai completion: empty choices")
		}

		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			finalText = choice.Message.Content
		}
		if choice.FinishReason != openai.FinishReasonToolCalls || len(choice.Message.ToolCalls) == 0 {
			state = stateDone
			break
		}

		rounds++
		if rounds > MaxToolRounds {
			state = stateExhausted
			break
		}
		state = stateAwaitingToolResults

		notifyToolRound(ctx, req)

		messages = append(messages, choice.Message)
		for _, call := range choice.Message.ToolCalls {
			a.logger.Debug("executing tool",
				slog.String("tool", call.Function.Name),
				slog.Int("round", rounds))
			output := a.tools.Execute(ctx, call.Function.Name, json.RawMessage(call.Function.Arguments))
			toolsUsed = append(toolsUsed, call.Function.Name)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
		}
		state = stateSending
	}

	if state == stateExhausted {
		if finalText == "" {
			finalText = exhaustedText
		}
		return Response{Text: finalText, ToolsUsed: toolsUsed, Rounds: rounds},
			&relay.ProviderExhaustedError{Provider: a.Name(), Rounds: rounds}
	}
	return Response{Text: finalText, ToolsUsed: toolsUsed, Rounds: rounds}, nil
}

func (a *OpenAIAdapter) toolParams() []openai.Tool {
	var params []openai.Tool
	for _, t := range a.tools.List() {
		params = append(params, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
	}
	return params
}

func buildOpenAIHistory(req Request) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.History {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if msg.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserText,
	})
	return messages
}

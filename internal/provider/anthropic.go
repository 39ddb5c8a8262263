package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/courierai/courier/internal/relay"
	"github.com/courierai/courier/internal/tool"
)

// AnthropicAdapter completes messages through the Anthropic Messages API,
// running the tool loop until the model stops asking for tools or the
// round cap hits.
type AnthropicAdapter struct {
	logger *slog.Logger
	client anthropic.Client
	tools  *tool.Registry
}

func NewAnthropicAdapter(log *slog.Logger, tools *tool.Registry, apiKey, baseURL string) *AnthropicAdapter {
	if log == nil {
		log = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicAdapter{
		logger: log.With(slog.String("provider", "anthropic")),
		client: anthropic.NewClient(opts...),
		tools:  tools,
	}
}

func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	messages := buildAnthropicHistory(req.History)
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserText)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  messages,
		Tools:     a.toolParams(),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	var (
		finalText string
		toolsUsed []string
		rounds    int
		state     = stateSending
	)

	for state == stateSending {
		resp, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return Response{}, fmt.Errorf("anthropic message: %w", err)
		}

		var text strings.Builder
		var toolUses []anthropic.ToolUseBlock
		for _, block := range resp.Content {
			switch b := block.AsAny().(type) {
			case anthropic.TextBlock:
				text.WriteString(b.Text)
			case anthropic.ToolUseBlock:
				toolUses = append(toolUses, b)
			}
		}
		if text.Len() > 0 {
			finalText = text.String()
		}

		if resp.StopReason != "tool_use" || len(toolUses) == 0 {
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

		params.Messages = append(params.Messages, resp.ToParam())
		var results []anthropic.ContentBlockParamUnion
		for _, use := range toolUses {
			a.logger.Debug("executing tool",
				slog.String("tool", use.Name),
				slog.Int("round", rounds))
			output := a.tools.Execute(ctx, use.Name, json.RawMessage(use.Input))
			toolsUsed = append(toolsUsed, use.Name)
			results = append(results, anthropic.NewToolResultBlock(use.ID, output, strings.HasPrefix(output, "Error:")))
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(results...))
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

func (a *AnthropicAdapter) toolParams() []anthropic.ToolUnionParam {
	var params []anthropic.ToolUnionParam
	for _, t := range a.tools.List() {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema(), &schema); err != nil {
			a.logger.Warn("skip tool with bad schema", slog.String("tool", t.Name()), slog.Any("error", err))
			continue
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name())
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(t.Description())
		}
		params = append(params, param)
	}
	return params
}

func buildAnthropicHistory(history []Message) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, msg := range history {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return messages
}

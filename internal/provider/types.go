package provider

import "context"

// MaxToolRounds caps how many tool-execution rounds one completion may
// take before it is declared exhausted.
const MaxToolRounds = 3

// exhaustedText is the reply used when the round cap hits with no usable
// text from the provider.
const exhaustedText = "I couldn't finish working on that within my limits. Please try rephrasing."

// roundState tracks where a completion is in its tool loop.
type roundState int

const (
	stateSending roundState = iota
	stateAwaitingToolResults
	stateDone
	stateExhausted
)

// Message is one prior conversation turn.
type Message struct {
	Role    string
	Content string
}

// Request is one completion request. History is chronological and does
// not include UserText.
type Request struct {
	Model        string
	SystemPrompt string
	History      []Message
	UserText     string
	MaxTokens    int

	// OnToolRound fires before each round's tools execute. Adapters call
	// it synchronously; the caller is responsible for detaching.
	OnToolRound func(ctx context.Context)
}

// Response is a finished completion.
type Response struct {
	Text      string
	ToolsUsed []string
	Rounds    int
}

// Adapter is one AI provider backend.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

func notifyToolRound(ctx context.Context, req Request) {
	if req.OnToolRound != nil {
		req.OnToolRound(ctx)
	}
}

package relay

import "fmt"

// ConfigurationError reports invalid or missing configuration, such as an
// account without a usable credential or an unknown provider name.
type ConfigurationError struct {
	Subject string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Subject, e.Reason)
}

// NewConfigurationError builds a ConfigurationError for a subject.
func NewConfigurationError(subject, reason string) error {
	return &ConfigurationError{Subject: subject, Reason: reason}
}

// ConnectionError reports a transport-level failure while starting or
// talking to a channel connector.
type ConnectionError struct {
	Channel string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error on %s: %v", e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewConnectionError wraps a transport failure for a channel.
func NewConnectionError(channel string, err error) error {
	return &ConnectionError{Channel: channel, Err: err}
}

// ToolExecutionError reports a tool that ran and failed. The tool registry
// flattens it into a result string; it never crosses the provider boundary.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ProviderExhaustedError reports a completion that hit the tool-round cap
// before the provider produced a final answer.
type ProviderExhaustedError struct {
	Provider string
	Rounds   int
}

func (e *ProviderExhaustedError) Error() string {
	return fmt.Sprintf("provider %s exhausted after %d tool rounds", e.Provider, e.Rounds)
}

// PipelineStageError wraps a failure from a named pipeline stage so the
// connector boundary can log the stage while showing the user a generic
// apology.
type PipelineStageError struct {
	Stage string
	Err   error
}

func (e *PipelineStageError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineStageError) Unwrap() error { return e.Err }

package connector

import (
	"context"
	"errors"
)

// ErrStopNotSupported is returned by connections that cannot be stopped
// independently of the process.
var ErrStopNotSupported = errors.New("stop not supported")

// InboundHandler delivers a platform message into the processing pipeline.
type InboundHandler func(ctx context.Context, cfg ChannelConfig, msg InboundMessage) error

// Adapter is the contract every channel connector implements.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor

	// Connect starts the platform link and begins delivering inbound
	// messages to handler. The returned Connection's Stop is idempotent.
	Connect(ctx context.Context, cfg ChannelConfig, handler InboundHandler) (Connection, error)

	// Send delivers one already-chunked message. The manager applies
	// chunking and the plain-text retry before calling this.
	Send(ctx context.Context, cfg ChannelConfig, msg OutboundMessage) error
}

// TypingNotifier is implemented by adapters that can show a typing
// indicator. Callers fire it detached and swallow errors.
type TypingNotifier interface {
	NotifyTyping(ctx context.Context, cfg ChannelConfig, target string) error
}

// HealthReporter is implemented by adapters that can observe link health
// beyond the Connection's running flag.
type HealthReporter interface {
	Healthy(ctx context.Context, cfg ChannelConfig) bool
}

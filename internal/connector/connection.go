package connector

import (
	"context"
	"sync/atomic"
)

// Connection is one live platform link.
type Connection interface {
	ConfigID() string
	AccountID() string
	ChannelType() ChannelType
	// Stop tears the link down. Calling it again is a no-op.
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is the standard Connection implementation adapters wrap
// around their stop function.
type BaseConnection struct {
	cfg     ChannelConfig
	stopFn  func(ctx context.Context) error
	running atomic.Bool
}

// NewConnection builds a running connection whose Stop invokes stopFn
// exactly once.
func NewConnection(cfg ChannelConfig, stopFn func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{cfg: cfg, stopFn: stopFn}
	conn.running.Store(true)
	return conn
}

func (c *BaseConnection) ConfigID() string {
	return c.cfg.ID
}

func (c *BaseConnection) AccountID() string {
	return c.cfg.AccountID
}

func (c *BaseConnection) ChannelType() ChannelType {
	return c.cfg.ChannelType
}

func (c *BaseConnection) Running() bool {
	return c.running.Load()
}

func (c *BaseConnection) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	if c.stopFn == nil {
		return nil
	}
	return c.stopFn(ctx)
}

// MarkStopped flips the running flag without invoking the stop function.
// Adapters call it when the platform drops the link from its side.
func (c *BaseConnection) MarkStopped() {
	c.running.Store(false)
}

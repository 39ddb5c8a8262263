package connector

import (
	"context"
	"testing"
)

func TestRegistryResolveUnknownTypeFallsBackToNoop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	adapter := reg.Resolve(ChannelType("smoke-signal"))

	conn, err := adapter.Connect(context.Background(), ChannelConfig{ID: "cfg-1"}, nil)
	if err != nil {
		t.Fatalf("noop connect should not fail: %v", err)
	}
	if !conn.Running() {
		t.Fatalf("noop connection should report running")
	}
	if err := adapter.Send(context.Background(), ChannelConfig{}, OutboundMessage{Text: "dropped"}); err != nil {
		t.Fatalf("noop send should not fail: %v", err)
	}
	if err := conn.Stop(context.Background()); err != nil {
		t.Fatalf("noop stop should not fail: %v", err)
	}
}

func TestRegistryWarnsOncePerUnknownType(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	reg.Resolve(ChannelType("carrier-pigeon"))
	reg.Resolve(ChannelType("carrier-pigeon"))
	reg.Resolve(ChannelType("fax"))

	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if len(reg.warned) != 2 {
		t.Fatalf("expected one warn entry per unknown type, got %d", len(reg.warned))
	}
}

func TestRegistryRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	adapter := &fakeAdapter{channelType: ChannelType("test")}
	if err := reg.Register(adapter); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := reg.Register(&fakeAdapter{channelType: ChannelType("test")}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}

	got, ok := reg.Get(ChannelType("test"))
	if !ok || got != Adapter(adapter) {
		t.Fatalf("expected original adapter to survive duplicate registration")
	}
}

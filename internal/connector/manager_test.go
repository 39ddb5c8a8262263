package connector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/courierai/courier/internal/relay"
)

type fakeConfigStore struct {
	mu      sync.Mutex
	configs []ChannelConfig
	err     error
}

func (f *fakeConfigStore) FindEnabledChannels(ctx context.Context) ([]ChannelConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.configs, nil
}

func (f *fakeConfigStore) set(configs []ChannelConfig, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = configs
	f.err = err
}

type fakeAdapter struct {
	channelType ChannelType
	mode        ConnectionMode
	connectErr  error

	mu          sync.Mutex
	started     []ChannelConfig
	connectCtxs []context.Context
	conns       []*BaseConnection
	sent        []OutboundMessage
	stops       int

	typingCh chan string
}

func (f *fakeAdapter) Type() ChannelType {
	return f.channelType
}

func (f *fakeAdapter) Descriptor() Descriptor {
	mode := f.mode
	if mode == "" {
		mode = ModeToken
	}
	return Descriptor{Type: f.channelType, DisplayName: "Fake", Mode: mode, MaxTextLength: 4096}
}

func (f *fakeAdapter) Connect(ctx context.Context, cfg ChannelConfig, handler InboundHandler) (Connection, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	stop := func(context.Context) error {
		f.mu.Lock()
		f.stops++
		f.mu.Unlock()
		return nil
	}
	conn := NewConnection(cfg, stop)
	f.mu.Lock()
	f.started = append(f.started, cfg)
	f.connectCtxs = append(f.connectCtxs, ctx)
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeAdapter) Send(ctx context.Context, cfg ChannelConfig, msg OutboundMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) NotifyTyping(ctx context.Context, cfg ChannelConfig, target string) error {
	if f.typingCh != nil {
		f.typingCh <- target
	}
	return nil
}

func (f *fakeAdapter) lastConn() *BaseConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeAdapter) counts() (started, stops, sent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started), f.stops, len(f.sent)
}

type fakeProcessor struct {
	reply      string
	err        error
	callTyping bool

	mu     sync.Mutex
	gotCfg ChannelConfig
	gotMsg InboundMessage
}

func (f *fakeProcessor) HandleInbound(ctx context.Context, cfg ChannelConfig, msg InboundMessage, typing func(context.Context)) (string, error) {
	f.mu.Lock()
	f.gotCfg = cfg
	f.gotMsg = msg
	f.mu.Unlock()
	if f.callTyping && typing != nil {
		typing(ctx)
	}
	return f.reply, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func testManager(t *testing.T, adapter *fakeAdapter, store *fakeConfigStore, processor InboundProcessor, opts ...ManagerOption) *Manager {
	t.Helper()
	log := testLogger()
	reg := NewRegistry(log)
	reg.MustRegister(adapter)
	if processor == nil {
		processor = &fakeProcessor{}
	}
	return NewManager(log, reg, store, processor, opts...)
}

func testChannelConfig(id string) ChannelConfig {
	return ChannelConfig{
		ID:          id,
		AccountID:   "acct-1",
		ChannelType: ChannelType("test"),
		Mode:        ModeToken,
		Credentials: map[string]any{"botToken": "token"},
		UpdatedAt:   time.Now(),
	}
}

func TestManagerReconcileStartsAndStops(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	manager := testManager(t, adapter, &fakeConfigStore{}, nil)

	cfg := testChannelConfig("cfg-1")
	manager.reconcile(context.Background(), []ChannelConfig{cfg})

	statuses := manager.ConnectionStatusesByAccount("acct-1")
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status after start, got %d", len(statuses))
	}
	if !statuses[0].Running {
		t.Fatalf("expected running status after start")
	}

	manager.reconcile(context.Background(), nil)
	statuses = manager.ConnectionStatusesByAccount("acct-1")
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses after remove, got %d", len(statuses))
	}

	started, stops, _ := adapter.counts()
	if started != 1 || stops != 1 {
		t.Fatalf("expected 1 start and 1 stop, got %d/%d", started, stops)
	}
}

func TestManagerRefreshSwallowsPollErrors(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	store := &fakeConfigStore{configs: []ChannelConfig{testChannelConfig("cfg-1")}}
	manager := testManager(t, adapter, store, nil)

	manager.Refresh(context.Background())
	if len(manager.ConnectionStatuses()) != 1 {
		t.Fatalf("expected 1 connection after first refresh")
	}

	store.set(nil, errors.New("db down"))
	manager.Refresh(context.Background())

	statuses := manager.ConnectionStatuses()
	if len(statuses) != 1 || !statuses[0].Running {
		t.Fatalf("expected existing connection untouched after poll error, got %+v", statuses)
	}
	_, stops, _ := adapter.counts()
	if stops != 0 {
		t.Fatalf("expected no stops after poll error, got %d", stops)
	}
}

func TestManagerReconcileRestartsUpdatedConfig(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	manager := testManager(t, adapter, &fakeConfigStore{}, nil)

	cfg := testChannelConfig("cfg-1")
	manager.reconcile(context.Background(), []ChannelConfig{cfg})

	updated := cfg
	updated.UpdatedAt = cfg.UpdatedAt.Add(time.Second)
	manager.reconcile(context.Background(), []ChannelConfig{updated})

	started, stops, _ := adapter.counts()
	if started != 2 {
		t.Fatalf("expected 2 starts after config update, got %d", started)
	}
	if stops != 1 {
		t.Fatalf("expected old connection stopped, got %d stops", stops)
	}
}

func TestManagerReconcileSkipsDisabled(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	manager := testManager(t, adapter, &fakeConfigStore{}, nil)

	cfg := testChannelConfig("cfg-1")
	cfg.Disabled = true
	manager.reconcile(context.Background(), []ChannelConfig{cfg})

	started, _, _ := adapter.counts()
	if started != 0 {
		t.Fatalf("expected no starts for disabled config, got %d", started)
	}
}

func TestManagerReconcileDuplicateKeyLastWriterWins(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	manager := testManager(t, adapter, &fakeConfigStore{}, nil)

	first := testChannelConfig("cfg-1")
	second := testChannelConfig("cfg-2")
	manager.reconcile(context.Background(), []ChannelConfig{first, second})

	statuses := manager.ConnectionStatuses()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 connection for duplicate key, got %d", len(statuses))
	}
	if statuses[0].ConfigID != "cfg-2" {
		t.Fatalf("expected last config to win, got %s", statuses[0].ConfigID)
	}
}

func TestManagerSessionModeRestartHonorsCooldown(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test"), mode: ModeSession}
	manager := testManager(t, adapter, &fakeConfigStore{}, nil,
		WithRestartCooldown(50*time.Millisecond))

	cfg := testChannelConfig("cfg-1")
	cfg.Mode = ModeSession
	manager.reconcile(context.Background(), []ChannelConfig{cfg})

	// Simulate the platform dropping the session from its side.
	adapter.lastConn().MarkStopped()
	manager.reconcile(context.Background(), []ChannelConfig{cfg})
	started, _, _ := adapter.counts()
	if started != 2 {
		t.Fatalf("expected restart of dead session connection, got %d starts", started)
	}

	// A second drop inside the cooldown window is left alone.
	adapter.lastConn().MarkStopped()
	manager.reconcile(context.Background(), []ChannelConfig{cfg})
	started, _, _ = adapter.counts()
	if started != 2 {
		t.Fatalf("expected no restart inside cooldown, got %d starts", started)
	}

	time.Sleep(60 * time.Millisecond)
	manager.reconcile(context.Background(), []ChannelConfig{cfg})
	started, _, _ = adapter.counts()
	if started != 3 {
		t.Fatalf("expected restart after cooldown elapsed, got %d starts", started)
	}
}

type healthReportingAdapter struct {
	fakeAdapter

	healthyMu sync.Mutex
	healthy   bool
}

func (f *healthReportingAdapter) Healthy(ctx context.Context, cfg ChannelConfig) bool {
	f.healthyMu.Lock()
	defer f.healthyMu.Unlock()
	return f.healthy
}

func (f *healthReportingAdapter) setHealthy(v bool) {
	f.healthyMu.Lock()
	defer f.healthyMu.Unlock()
	f.healthy = v
}

func TestManagerSessionModeRestartsUnhealthyConnection(t *testing.T) {
	t.Parallel()

	adapter := &healthReportingAdapter{
		fakeAdapter: fakeAdapter{channelType: ChannelType("test"), mode: ModeSession},
		healthy:     true,
	}
	log := testLogger()
	reg := NewRegistry(log)
	reg.MustRegister(adapter)
	manager := NewManager(log, reg, &fakeConfigStore{}, &fakeProcessor{})

	cfg := testChannelConfig("cfg-1")
	cfg.Mode = ModeSession
	manager.reconcile(context.Background(), []ChannelConfig{cfg})
	if started, _, _ := adapter.counts(); started != 1 {
		t.Fatalf("expected 1 start, got %d", started)
	}

	// A healthy running session is left alone.
	manager.reconcile(context.Background(), []ChannelConfig{cfg})
	if started, _, _ := adapter.counts(); started != 1 {
		t.Fatalf("expected no restart of healthy session, got %d starts", started)
	}

	// The socket drops silently: the connection still reports Running but
	// the adapter's health check fails.
	adapter.setHealthy(false)
	if adapter.lastConn() == nil || !adapter.lastConn().Running() {
		t.Fatalf("precondition: connection should still report running")
	}
	manager.reconcile(context.Background(), []ChannelConfig{cfg})

	started, stops, _ := adapter.counts()
	if started != 2 {
		t.Fatalf("expected restart of unhealthy session connection, got %d starts", started)
	}
	if stops != 1 {
		t.Fatalf("expected old connection stopped, got %d stops", stops)
	}
}

func TestManagerTokenModeNotRestarted(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	manager := testManager(t, adapter, &fakeConfigStore{}, nil)

	cfg := testChannelConfig("cfg-1")
	manager.reconcile(context.Background(), []ChannelConfig{cfg})

	adapter.lastConn().MarkStopped()
	manager.reconcile(context.Background(), []ChannelConfig{cfg})

	started, _, _ := adapter.counts()
	if started != 1 {
		t.Fatalf("expected token-mode connection left to its own reconnect loop, got %d starts", started)
	}
}

func TestManagerTracksConnectFailure(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test"), connectErr: errors.New("dial failed")}
	manager := testManager(t, adapter, &fakeConfigStore{}, nil)

	manager.reconcile(context.Background(), []ChannelConfig{testChannelConfig("cfg-1")})

	statuses := manager.ConnectionStatuses()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status, got %d", len(statuses))
	}
	if statuses[0].Running {
		t.Fatalf("expected non-running status on connect failure")
	}
	if statuses[0].LastError == "" {
		t.Fatalf("expected last error on connect failure")
	}
}

func TestManagerEnsureConnectionDetachesRequestContext(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	manager := testManager(t, adapter, &fakeConfigStore{}, nil)

	reqCtx, cancel := context.WithCancel(context.Background())
	if err := manager.EnsureConnection(reqCtx, testChannelConfig("cfg-1")); err != nil {
		cancel()
		t.Fatalf("expected no error, got %v", err)
	}
	cancel()

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.connectCtxs) != 1 {
		t.Fatalf("expected 1 connect, got %d", len(adapter.connectCtxs))
	}
	select {
	case <-adapter.connectCtxs[0].Done():
		t.Fatalf("connection context should survive the request context")
	default:
	}
}

func TestManagerShutdownStopsAll(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	manager := testManager(t, adapter, &fakeConfigStore{}, nil)

	first := testChannelConfig("cfg-1")
	second := testChannelConfig("cfg-2")
	second.AccountID = "acct-2"
	manager.reconcile(context.Background(), []ChannelConfig{first, second})

	if err := manager.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	_, stops, _ := adapter.counts()
	if stops != 2 {
		t.Fatalf("expected 2 stops, got %d", stops)
	}
	if len(manager.ConnectionStatuses()) != 0 {
		t.Fatalf("expected empty status table after shutdown")
	}
}

func TestManagerHandleInboundSendsReply(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	processor := &fakeProcessor{reply: "hello back"}
	manager := testManager(t, adapter, &fakeConfigStore{}, processor)

	cfg := testChannelConfig("cfg-1")
	manager.handleInbound(context.Background(), cfg, InboundMessage{
		Channel:     ChannelType("test"),
		AccountID:   "acct-1",
		Text:        "hi",
		PeerID:      "peer-1",
		ReplyTarget: "peer-1",
	})

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(adapter.sent))
	}
	if adapter.sent[0].Text != "hello back" || !adapter.sent[0].Markdown {
		t.Fatalf("unexpected outbound message: %+v", adapter.sent[0])
	}
	processor.mu.Lock()
	defer processor.mu.Unlock()
	if processor.gotMsg.Text != "hi" {
		t.Fatalf("unexpected inbound message: %+v", processor.gotMsg)
	}
}

func TestManagerHandleInboundSendsApologyOnError(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	processor := &fakeProcessor{err: errors.New("stage failed")}
	manager := testManager(t, adapter, &fakeConfigStore{}, processor)

	manager.handleInbound(context.Background(), testChannelConfig("cfg-1"), InboundMessage{
		Channel:     ChannelType("test"),
		Text:        "hi",
		ReplyTarget: "peer-1",
	})

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.sent) != 1 {
		t.Fatalf("expected apology send, got %d sends", len(adapter.sent))
	}
	if adapter.sent[0].Text != apologyText || adapter.sent[0].Markdown {
		t.Fatalf("expected plain apology text, got %+v", adapter.sent[0])
	}
}

func TestManagerHandleInboundSendsGuidanceOnConfigurationError(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	processor := &fakeProcessor{err: &relay.PipelineStageError{
		Stage: "ai_routing",
		Err:   relay.NewConfigurationError("acct-1", "no provider credential configured"),
	}}
	manager := testManager(t, adapter, &fakeConfigStore{}, processor)

	manager.handleInbound(context.Background(), testChannelConfig("cfg-1"), InboundMessage{
		Channel:     ChannelType("test"),
		Text:        "hi",
		ReplyTarget: "peer-1",
	})

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(adapter.sent))
	}
	// A missing credential tells the user what to fix instead of the
	// generic apology.
	if adapter.sent[0].Text != configErrorText || adapter.sent[0].Markdown {
		t.Fatalf("expected plain configuration guidance, got %+v", adapter.sent[0])
	}
}

func TestManagerHandleInboundEmptyReplySendsNothing(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	manager := testManager(t, adapter, &fakeConfigStore{}, &fakeProcessor{})

	manager.handleInbound(context.Background(), testChannelConfig("cfg-1"), InboundMessage{
		Channel:     ChannelType("test"),
		Text:        "hi",
		ReplyTarget: "peer-1",
	})

	_, _, sent := adapter.counts()
	if sent != 0 {
		t.Fatalf("expected no sends for empty reply, got %d", sent)
	}
}

func TestManagerHandleInboundForwardsTyping(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test"), typingCh: make(chan string, 1)}
	processor := &fakeProcessor{reply: "ok", callTyping: true}
	manager := testManager(t, adapter, &fakeConfigStore{}, processor)

	manager.handleInbound(context.Background(), testChannelConfig("cfg-1"), InboundMessage{
		Channel:     ChannelType("test"),
		Text:        "hi",
		ReplyTarget: "peer-1",
	})

	select {
	case target := <-adapter.typingCh:
		if target != "peer-1" {
			t.Fatalf("unexpected typing target %q", target)
		}
	case <-time.After(time.Second):
		t.Fatalf("typing notification never arrived")
	}
}

package connector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/courierai/courier/internal/relay"
)

const (
	// DefaultPollInterval is how often the manager reconciles live
	// connections against the datastore.
	DefaultPollInterval = 5 * time.Second

	// DefaultRestartCooldown bounds how often a dropped session-mode
	// connection is restarted.
	DefaultRestartCooldown = 30 * time.Second

	defaultInboundWorkers = 4
	inboundQueueSize      = 256

	// apologyText is what a chat user sees for any pipeline failure that
	// is not actionable on their side.
	apologyText = "Sorry, I ran into a problem handling that message. Please try again."

	// configErrorText is shown instead when the failure is a missing or
	// invalid provider configuration, so the user knows what to fix.
	configErrorText = "This chat isn't set up yet. Ask an admin to add a provider API key in settings."
)

// ConfigStore lists the enabled channel rows the manager reconciles
// against.
type ConfigStore interface {
	FindEnabledChannels(ctx context.Context) ([]ChannelConfig, error)
}

// InboundProcessor turns one inbound message into reply text. typing may
// be called any number of times while the reply is being produced.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, cfg ChannelConfig, msg InboundMessage, typing func(context.Context)) (string, error)
}

type connectionEntry struct {
	cfg  ChannelConfig
	conn Connection
}

type inboundTask struct {
	cfg ChannelConfig
	msg InboundMessage
}

// Manager owns every live connection. It polls the datastore, starts and
// stops connectors to match it, restarts dropped session-mode connectors,
// and dispatches inbound messages to the processor through a bounded
// worker pool.
type Manager struct {
	logger          *slog.Logger
	registry        *Registry
	store           ConfigStore
	processor       InboundProcessor
	pollInterval    time.Duration
	restartCooldown time.Duration
	inboundWorkers  int

	mu          sync.Mutex
	connections map[string]*connectionEntry
	statuses    map[string]ConnectionStatus

	// refreshMu serializes reconciliation so a slow poll never overlaps
	// the next one.
	refreshMu sync.Mutex

	inboundQueue chan inboundTask
	workersOnce  sync.Once
}

// ManagerOption adjusts manager construction.
type ManagerOption func(*Manager)

func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

func WithRestartCooldown(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.restartCooldown = d
		}
	}
}

func WithInboundWorkers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.inboundWorkers = n
		}
	}
}

func NewManager(log *slog.Logger, registry *Registry, store ConfigStore, processor InboundProcessor, opts ...ManagerOption) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		logger:          log.With(slog.String("component", "connector_manager")),
		registry:        registry,
		store:           store,
		processor:       processor,
		pollInterval:    DefaultPollInterval,
		restartCooldown: DefaultRestartCooldown,
		inboundWorkers:  defaultInboundWorkers,
		connections:     make(map[string]*connectionEntry),
		statuses:        make(map[string]ConnectionStatus),
		inboundQueue:    make(chan inboundTask, inboundQueueSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start reconciles once, then keeps reconciling on the poll interval until
// ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.startInboundWorkers(ctx)
	m.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Refresh(ctx)
			}
		}
	}()
	return nil
}

// Refresh reconciles live connections against the datastore. Poll errors
// are logged and swallowed; the next tick retries.
func (m *Manager) Refresh(ctx context.Context) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	configs, err := m.store.FindEnabledChannels(ctx)
	if err != nil {
		m.logger.Error("poll enabled channels failed", slog.Any("error", err))
		return
	}
	m.reconcile(ctx, configs)
}

func (m *Manager) reconcile(ctx context.Context, configs []ChannelConfig) {
	active := make(map[string]ChannelConfig, len(configs))
	for _, cfg := range configs {
		if cfg.ID == "" || cfg.Disabled {
			continue
		}
		key := cfg.Key()
		if prev, dup := active[key]; dup {
			m.logger.Warn("duplicate channel configs for key, last writer wins",
				slog.String("key", key),
				slog.String("dropped_config_id", prev.ID),
				slog.String("kept_config_id", cfg.ID))
		}
		active[key] = cfg
	}

	for _, cfg := range active {
		if err := m.ensureConnection(ctx, cfg); err != nil {
			m.logger.Error("ensure connection failed",
				slog.String("config_id", cfg.ID),
				slog.String("channel_type", cfg.ChannelType.String()),
				slog.Any("error", err))
		}
	}

	m.mu.Lock()
	var stale []*connectionEntry
	for key, entry := range m.connections {
		if _, keep := active[key]; keep {
			continue
		}
		stale = append(stale, entry)
		delete(m.connections, key)
		delete(m.statuses, key)
	}
	m.mu.Unlock()

	for _, entry := range stale {
		if err := entry.conn.Stop(ctx); err != nil {
			m.logger.Error("stop removed connection failed",
				slog.String("config_id", entry.cfg.ID),
				slog.Any("error", err))
		}
	}
}

// EnsureConnection starts or restarts the connection for one config. Used
// by reconcile and by admin writes that should not wait for the next poll.
func (m *Manager) EnsureConnection(ctx context.Context, cfg ChannelConfig) error {
	return m.ensureConnection(ctx, cfg)
}

func (m *Manager) ensureConnection(ctx context.Context, cfg ChannelConfig) error {
	key := cfg.Key()

	m.mu.Lock()
	existing := m.connections[key]
	if existing != nil {
		upToDate := existing.cfg.ID == cfg.ID && !cfg.UpdatedAt.After(existing.cfg.UpdatedAt)
		if upToDate {
			if m.connectionHealthy(ctx, cfg, existing.conn) {
				m.mu.Unlock()
				return nil
			}
			// Token-mode transports run their own reconnect loops.
			// Session-mode links are restarted here, rate limited by
			// the cooldown.
			if cfg.Mode != ModeSession {
				m.mu.Unlock()
				return nil
			}
			if since := time.Since(m.statuses[key].LastRestartAt); since < m.restartCooldown {
				m.mu.Unlock()
				return nil
			}
			m.logger.Info("restarting stale session connection",
				slog.String("config_id", cfg.ID),
				slog.String("channel_type", cfg.ChannelType.String()))
		}
	}
	m.mu.Unlock()

	if existing != nil {
		if err := existing.conn.Stop(ctx); err != nil {
			m.logger.Warn("stop outdated connection failed",
				slog.String("config_id", existing.cfg.ID),
				slog.Any("error", err))
		}
	}

	adapter := m.registry.Resolve(cfg.ChannelType)

	// Detach from the caller's context: a connection must outlive the
	// request or poll tick that created it.
	conn, err := adapter.Connect(context.WithoutCancel(ctx), cfg, m.enqueueInbound)
	if err != nil {
		wrapped := relay.NewConnectionError(cfg.ChannelType.String(), err)
		m.recordStatus(cfg, false, wrapped.Error(), existing != nil)
		return wrapped
	}

	m.mu.Lock()
	if current := m.connections[key]; current != nil && current != existing {
		// Lost a race with a concurrent ensure; keep theirs.
		m.mu.Unlock()
		_ = conn.Stop(ctx)
		return nil
	}
	m.connections[key] = &connectionEntry{cfg: cfg, conn: conn}
	m.setStatusLocked(cfg, true, "", existing != nil)
	m.mu.Unlock()
	return nil
}

// connectionHealthy decides whether an up-to-date connection can be left
// alone. A session-mode link that still reports Running can have silently
// lost its socket, so the adapter's own health check gets the final word.
func (m *Manager) connectionHealthy(ctx context.Context, cfg ChannelConfig, conn Connection) bool {
	if !conn.Running() {
		return false
	}
	if cfg.Mode != ModeSession {
		return true
	}
	reporter, ok := m.registry.Resolve(cfg.ChannelType).(HealthReporter)
	if !ok {
		return true
	}
	return reporter.Healthy(ctx, cfg)
}

func (m *Manager) recordStatus(cfg ChannelConfig, running bool, lastError string, restarted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStatusLocked(cfg, running, lastError, restarted)
}

func (m *Manager) setStatusLocked(cfg ChannelConfig, running bool, lastError string, restarted bool) {
	key := cfg.Key()
	status := m.statuses[key]
	if status.ConfigID == "" {
		status.StartedAt = time.Now().UTC()
	}
	if status.LastError != "" && lastError == "" {
		m.logger.Info("connection health recovered",
			slog.String("config_id", cfg.ID),
			slog.String("channel_type", cfg.ChannelType.String()))
	}
	status.ConfigID = cfg.ID
	status.AccountID = cfg.AccountID
	status.ChannelType = cfg.ChannelType
	status.Mode = cfg.Mode
	status.Running = running
	status.LastError = lastError
	if restarted {
		status.LastRestartAt = time.Now().UTC()
	}
	m.statuses[key] = status
}

// ConnectionStatuses snapshots every managed connection.
func (m *Manager) ConnectionStatuses() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnectionStatus, 0, len(m.statuses))
	for key, status := range m.statuses {
		if entry := m.connections[key]; entry != nil {
			status.Running = entry.conn.Running()
		}
		out = append(out, status)
	}
	return out
}

// ConnectionStatusesByAccount snapshots one account's connections.
func (m *Manager) ConnectionStatusesByAccount(accountID string) []ConnectionStatus {
	var out []ConnectionStatus
	for _, status := range m.ConnectionStatuses() {
		if status.AccountID == accountID {
			out = append(out, status)
		}
	}
	return out
}

// Shutdown stops every connection in parallel and reports all stop errors.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*connectionEntry, 0, len(m.connections))
	for _, entry := range m.connections {
		entries = append(entries, entry)
	}
	m.connections = make(map[string]*connectionEntry)
	m.statuses = make(map[string]ConnectionStatus)
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(entries))
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry *connectionEntry) {
			defer wg.Done()
			if err := entry.conn.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
				errs[i] = err
			}
		}(i, entry)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) startInboundWorkers(ctx context.Context) {
	m.workersOnce.Do(func() {
		for i := 0; i < m.inboundWorkers; i++ {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case task := <-m.inboundQueue:
						m.handleInbound(ctx, task.cfg, task.msg)
					}
				}
			}()
		}
	})
}

// enqueueInbound is the InboundHandler adapters deliver into. A full queue
// drops the message rather than blocking the transport's receive loop.
func (m *Manager) enqueueInbound(ctx context.Context, cfg ChannelConfig, msg InboundMessage) error {
	select {
	case m.inboundQueue <- inboundTask{cfg: cfg, msg: msg}:
		return nil
	default:
		m.logger.Warn("inbound queue full, dropping message",
			slog.String("config_id", cfg.ID),
			slog.String("channel_type", cfg.ChannelType.String()))
		return errors.New("inbound queue full")
	}
}

func (m *Manager) handleInbound(ctx context.Context, cfg ChannelConfig, msg InboundMessage) {
	adapter := m.registry.Resolve(cfg.ChannelType)

	typing := func(tctx context.Context) {
		notifier, ok := adapter.(TypingNotifier)
		if !ok {
			return
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("typing notifier panicked", slog.Any("panic", r))
				}
			}()
			if err := notifier.NotifyTyping(tctx, cfg, msg.ReplyTarget); err != nil {
				m.logger.Debug("typing notify failed", slog.Any("error", err))
			}
		}()
	}

	reply, err := m.processor.HandleInbound(ctx, cfg, msg, typing)
	if err != nil {
		m.logger.Error("inbound processing failed",
			slog.String("config_id", cfg.ID),
			slog.String("channel_type", cfg.ChannelType.String()),
			slog.Any("error", err))
		userText := apologyText
		var cfgErr *relay.ConfigurationError
		if errors.As(err, &cfgErr) {
			userText = configErrorText
		}
		if sendErr := SendReply(ctx, adapter, cfg, msg.ReplyTarget, userText, msg.ThreadID, false); sendErr != nil {
			m.logger.Error("send apology failed", slog.Any("error", sendErr))
		}
		return
	}
	if reply == "" {
		return
	}

	if err := SendReply(ctx, adapter, cfg, msg.ReplyTarget, reply, msg.ThreadID, true); err != nil {
		m.logger.Error("send reply failed",
			slog.String("config_id", cfg.ID),
			slog.String("channel_type", cfg.ChannelType.String()),
			slog.Any("error", err))
	}
}

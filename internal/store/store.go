package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courierai/courier/internal/connector"
	dbpkg "github.com/courierai/courier/internal/db"
)

// ErrNotFound reports a missing row. Callers translate it into their own
// error vocabulary.
var ErrNotFound = errors.New("not found")

// Store persists channels, credentials, conversations and messages.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "store")),
	}
}

// FindEnabledChannels returns every enabled channel row, newest update
// last so reconciliation's last-writer-wins keeps the freshest config.
func (s *Store) FindEnabledChannels(ctx context.Context) ([]connector.ChannelConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, channel_type, mode, credentials, settings, disabled, created_at, updated_at
		FROM channels
		WHERE NOT disabled
		ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query enabled channels: %w", err)
	}
	defer rows.Close()

	var configs []connector.ChannelConfig
	for rows.Next() {
		cfg, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// GetChannel returns one channel row by ID.
func (s *Store) GetChannel(ctx context.Context, id string) (connector.ChannelConfig, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return connector.ChannelConfig{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, channel_type, mode, credentials, settings, disabled, created_at, updated_at
		FROM channels WHERE id = $1`, pgID)
	cfg, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return connector.ChannelConfig{}, ErrNotFound
	}
	return cfg, err
}

// ListChannels returns every channel row, enabled or not.
func (s *Store) ListChannels(ctx context.Context) ([]connector.ChannelConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, channel_type, mode, credentials, settings, disabled, created_at, updated_at
		FROM channels ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var configs []connector.ChannelConfig
	for rows.Next() {
		cfg, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// CreateChannelParams are the writable channel fields.
type CreateChannelParams struct {
	AccountID   string
	ChannelType string
	Mode        string
	Credentials map[string]any
	Settings    map[string]any
	Disabled    bool
}

// CreateChannel inserts a channel row.
func (s *Store) CreateChannel(ctx context.Context, params CreateChannelParams) (connector.ChannelConfig, error) {
	pgAccountID, err := dbpkg.ParseUUID(params.AccountID)
	if err != nil {
		return connector.ChannelConfig{}, fmt.Errorf("invalid account id: %w", err)
	}
	credentials, err := marshalMap(params.Credentials)
	if err != nil {
		return connector.ChannelConfig{}, err
	}
	settings, err := marshalMap(params.Settings)
	if err != nil {
		return connector.ChannelConfig{}, err
	}

	mode := string(connector.ParseConnectionMode(params.Mode))
	row := s.pool.QueryRow(ctx, `
		INSERT INTO channels (account_id, channel_type, mode, credentials, settings, disabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, account_id, channel_type, mode, credentials, settings, disabled, created_at, updated_at`,
		pgAccountID, string(connector.ParseChannelType(params.ChannelType)), mode, credentials, settings, params.Disabled)
	return scanChannel(row)
}

// UpdateChannelParams carries optional channel updates; nil fields keep
// the stored value.
type UpdateChannelParams struct {
	Credentials map[string]any
	Settings    map[string]any
	Disabled    *bool
}

// UpdateChannel applies updates and bumps updated_at so the manager
// restarts the connection on its next poll.
func (s *Store) UpdateChannel(ctx context.Context, id string, params UpdateChannelParams) (connector.ChannelConfig, error) {
	existing, err := s.GetChannel(ctx, id)
	if err != nil {
		return connector.ChannelConfig{}, err
	}

	if params.Credentials != nil {
		existing.Credentials = params.Credentials
	}
	if params.Settings != nil {
		existing.Settings = params.Settings
	}
	if params.Disabled != nil {
		existing.Disabled = *params.Disabled
	}

	credentials, err := marshalMap(existing.Credentials)
	if err != nil {
		return connector.ChannelConfig{}, err
	}
	settings, err := marshalMap(existing.Settings)
	if err != nil {
		return connector.ChannelConfig{}, err
	}
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return connector.ChannelConfig{}, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE channels
		SET credentials = $2, settings = $3, disabled = $4, updated_at = now()
		WHERE id = $1
		RETURNING id, account_id, channel_type, mode, credentials, settings, disabled, created_at, updated_at`,
		pgID, credentials, settings, existing.Disabled)
	return scanChannel(row)
}

// DeleteChannel removes a channel row.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, pgID)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindOrCreateConversation upserts the (account, channel, peer) thread.
func (s *Store) FindOrCreateConversation(ctx context.Context, accountID, channelType, peerID string) (Conversation, error) {
	pgAccountID, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid account id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (account_id, channel_type, peer_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, channel_type, peer_id)
		DO UPDATE SET peer_id = EXCLUDED.peer_id
		RETURNING id, account_id, channel_type, peer_id, created_at, last_active_at`,
		pgAccountID, channelType, peerID)
	return scanConversation(row)
}

// LoadRecentMessages returns the newest messages of a conversation in
// ascending order. The limit is clamped to the supported window.
func (s *Store) LoadRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	pgConvID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, tools_used, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, pgConvID, ClampHistoryLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		newestFirst = append(newestFirst, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first; callers want chronological order.
	messages := make([]Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		messages = append(messages, newestFirst[i])
	}
	return messages, nil
}

// AppendMessage writes a single message row.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	pgConvID, err := dbpkg.ParseUUID(msg.ConversationID)
	if err != nil {
		return Message{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content, tools_used)
		VALUES ($1, $2, $3, $4)
		RETURNING id, conversation_id, role, content, tools_used, created_at`,
		pgConvID, msg.Role, msg.Content, toolsUsed(msg.ToolsUsed))
	return scanMessage(row)
}

// AppendExchange persists the user turn and the assistant turn atomically
// and touches the conversation. Either both messages land or neither does.
func (s *Store) AppendExchange(ctx context.Context, conversationID string, userText, assistantText string, toolsRun []string) error {
	pgConvID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin exchange tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (conversation_id, role, content) VALUES ($1, $2, $3)`,
		pgConvID, RoleUser, userText); err != nil {
		return fmt.Errorf("insert user message: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (conversation_id, role, content, tools_used) VALUES ($1, $2, $3, $4)`,
		pgConvID, RoleAssistant, assistantText, toolsUsed(toolsRun)); err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET last_active_at = now() WHERE id = $1`, pgConvID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit(ctx)
}

// TouchConversation bumps last_active_at.
func (s *Store) TouchConversation(ctx context.Context, conversationID string) error {
	pgConvID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE conversations SET last_active_at = now() WHERE id = $1`, pgConvID)
	return err
}

// FindCredential returns the provider credential for an account.
func (s *Store) FindCredential(ctx context.Context, accountID string) (Credential, error) {
	pgAccountID, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Credential{}, err
	}
	var (
		id        pgtype.UUID
		provider  string
		apiKey    string
		baseURL   string
		model     string
		updatedAt pgtype.Timestamptz
	)
	err = s.pool.QueryRow(ctx, `
		SELECT id, provider, api_key, base_url, model, updated_at
		FROM credentials WHERE account_id = $1`, pgAccountID).
		Scan(&id, &provider, &apiKey, &baseURL, &model, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("query credential: %w", err)
	}
	return Credential{
		ID:        id.String(),
		AccountID: accountID,
		Provider:  provider,
		APIKey:    apiKey,
		BaseURL:   baseURL,
		Model:     model,
		UpdatedAt: updatedAt.Time,
	}, nil
}

// UpsertCredential writes the provider credential for an account.
func (s *Store) UpsertCredential(ctx context.Context, accountID, provider, apiKey, baseURL, model string) error {
	pgAccountID, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO credentials (account_id, provider, api_key, base_url, model)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id)
		DO UPDATE SET provider = $2, api_key = $3, base_url = $4, model = $5, updated_at = now()`,
		pgAccountID, provider, apiKey, baseURL, model)
	return err
}

// EnsureAccount returns the account with the given name, creating it on
// first use.
func (s *Store) EnsureAccount(ctx context.Context, name string) (string, error) {
	var id pgtype.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM accounts WHERE name = $1`, name).Scan(&id)
	if err == nil {
		return id.String(), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("query account: %w", err)
	}
	err = s.pool.QueryRow(ctx, `INSERT INTO accounts (name) VALUES ($1) RETURNING id`, name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create account: %w", err)
	}
	return id.String(), nil
}

// DeleteIdleConversations removes conversations (and their messages, via
// cascade) idle since before cutoff. Returns the number removed.
func (s *Store) DeleteIdleConversations(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conversations WHERE last_active_at < $1`,
		pgtype.Timestamptz{Time: cutoff, Valid: true})
	if err != nil {
		return 0, fmt.Errorf("delete idle conversations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanChannel(row pgx.Row) (connector.ChannelConfig, error) {
	var (
		id          pgtype.UUID
		accountID   pgtype.UUID
		channelType string
		mode        string
		credentials []byte
		settings    []byte
		disabled    bool
		createdAt   pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&id, &accountID, &channelType, &mode, &credentials, &settings, &disabled, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return connector.ChannelConfig{}, ErrNotFound
		}
		return connector.ChannelConfig{}, fmt.Errorf("scan channel: %w", err)
	}
	return connector.ChannelConfig{
		ID:          id.String(),
		AccountID:   accountID.String(),
		ChannelType: connector.ParseChannelType(channelType),
		Mode:        connector.ParseConnectionMode(mode),
		Credentials: unmarshalMap(credentials),
		Settings:    unmarshalMap(settings),
		Disabled:    disabled,
		CreatedAt:   createdAt.Time,
		UpdatedAt:   updatedAt.Time,
	}, nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		id           pgtype.UUID
		accountID    pgtype.UUID
		channelType  string
		peerID       string
		createdAt    pgtype.Timestamptz
		lastActiveAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &accountID, &channelType, &peerID, &createdAt, &lastActiveAt); err != nil {
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	return Conversation{
		ID:           id.String(),
		AccountID:    accountID.String(),
		ChannelType:  channelType,
		PeerID:       peerID,
		CreatedAt:    createdAt.Time,
		LastActiveAt: lastActiveAt.Time,
	}, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		id             pgtype.UUID
		conversationID pgtype.UUID
		role           string
		content        string
		tools          []string
		createdAt      pgtype.Timestamptz
	)
	if err := row.Scan(&id, &conversationID, &role, &content, &tools, &createdAt); err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	return Message{
		ID:             id.String(),
		ConversationID: conversationID.String(),
		Role:           role,
		Content:        content,
		ToolsUsed:      tools,
		CreatedAt:      createdAt.Time,
	}, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal map: %w", err)
	}
	return data, nil
}

func unmarshalMap(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("channel json column unmarshal failed", slog.Any("error", err))
	}
	return m
}

func toolsUsed(tools []string) []string {
	if tools == nil {
		return []string{}
	}
	return tools
}

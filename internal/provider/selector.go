package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"

	"github.com/courierai/courier/internal/config"
	"github.com/courierai/courier/internal/relay"
	"github.com/courierai/courier/internal/store"
	"github.com/courierai/courier/internal/tool"
)

// CredentialStore resolves the provider credential for an account.
type CredentialStore interface {
	FindCredential(ctx context.Context, accountID string) (store.Credential, error)
}

// Selection is a resolved adapter plus the model it should run.
type Selection struct {
	Adapter Adapter
	Model   string
}

// Selector resolves the adapter for an account's credential. Adapters are
// cached by provider name and credential fingerprint, so rotating a key
// builds a fresh client while unchanged accounts share one.
type Selector struct {
	logger      *slog.Logger
	credentials CredentialStore
	tools       *tool.Registry
	defaults    config.ProvidersConfig

	mu    sync.Mutex
	cache map[string]Adapter
}

func NewSelector(log *slog.Logger, credentials CredentialStore, tools *tool.Registry, defaults config.ProvidersConfig) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{
		logger:      log.With(slog.String("component", "provider_selector")),
		credentials: credentials,
		tools:       tools,
		defaults:    defaults,
		cache:       make(map[string]Adapter),
	}
}

// Resolve returns the adapter and model for an account.
func (s *Selector) Resolve(ctx context.Context, accountID string) (Selection, error) {
	cred, err := s.credentials.FindCredential(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return Selection{}, relay.NewConfigurationError(accountID, "no provider credential configured")
	}
	if err != nil {
		return Selection{}, err
	}

	adapter, err := s.adapterFor(cred)
	if err != nil {
		return Selection{}, err
	}

	model := cred.Model
	if model == "" {
		model = s.defaultModel(cred.Provider)
	}
	return Selection{Adapter: adapter, Model: model}, nil
}

func (s *Selector) adapterFor(cred store.Credential) (Adapter, error) {
	key := cred.Provider + "/" + fingerprint(cred)

	s.mu.Lock()
	defer s.mu.Unlock()
	if adapter, ok := s.cache[key]; ok {
		return adapter, nil
	}

	var adapter Adapter
	switch cred.Provider {
	case "anthropic":
		adapter = NewAnthropicAdapter(s.logger, s.tools, cred.APIKey, cred.BaseURL)
	case "openai":
		adapter = NewOpenAIAdapter(s.logger, s.tools, cred.APIKey, cred.BaseURL)
	default:
		return nil, relay.NewConfigurationError(cred.AccountID, "unknown provider "+cred.Provider)
	}

	s.cache[key] = adapter
	s.logger.Info("provider adapter created",
		slog.String("provider", cred.Provider),
		slog.String("account_id", cred.AccountID))
	return adapter, nil
}

func (s *Selector) defaultModel(providerName string) string {
	switch providerName {
	case "anthropic":
		return s.defaults.AnthropicModel
	default:
		return s.defaults.OpenAIModel
	}
}

// fingerprint hashes the credential material so cache keys never hold the
// key itself.
func fingerprint(cred store.Credential) string {
	sum := sha256.Sum256([]byte(cred.APIKey + "|" + cred.BaseURL))
	return hex.EncodeToString(sum[:8])
}

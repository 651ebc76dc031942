package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/manthysbr/variantforge/internal/core/ports"
)

const settingsKey = "provider_settings"

// OnChangeFunc is called with the new settings after every successful update.
type OnChangeFunc func(cfg domain.AppConfig)

// SettingsStore keeps provider settings in the repository. API keys are
// encrypted at rest and masked when read for display.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	secret   *SecretKey
	repo     ports.SettingsRepository
	config   domain.AppConfig
	onChange []OnChangeFunc
}

// NewSettingsStore loads saved settings, seeding the defaults on first use.
func NewSettingsStore(ctx context.Context, logger *slog.Logger, repo ports.SettingsRepository, secret *SecretKey) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		secret: secret,
		repo:   repo,
	}

	cfg, err := store.load(ctx)
	if err != nil {
		logger.Warn("no saved settings found, using defaults", "error", err)
		cfg = *domain.DefaultConfig()
		if err := store.save(ctx, cfg); err != nil {
			return nil, fmt.Errorf("save default settings: %w", err)
		}
	}

	store.config = cfg
	return store, nil
}

// OnChange registers fn to run after each update.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Config returns the current settings with plaintext secrets.
func (s *SettingsStore) Config() domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// MaskedConfig returns the current settings with secrets masked.
func (s *SettingsStore) MaskedConfig() domain.AppConfig {
	cfg := s.Config()
	cfg.LLM.APIKey = MaskSecret(cfg.LLM.APIKey)
	cfg.Image.APIKey = MaskSecret(cfg.Image.APIKey)
	return cfg
}

// Update validates and persists update, then notifies OnChange callbacks.
// An empty or masked API key keeps the stored one.
func (s *SettingsStore) Update(ctx context.Context, update domain.AppConfig) error {
	s.mu.Lock()

	keepSecret(&update.LLM, s.config.LLM)
	keepSecret(&update.Image, s.config.Image)
	if update.LLM.Mode == "" {
		update.LLM.Mode = domain.ProviderModeLocal
	}
	if update.Image.Mode == "" {
		update.Image.Mode = domain.ProviderModeLocal
	}

	if err := update.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.save(ctx, update); err != nil {
		s.mu.Unlock()
		return err
	}

	s.config = update
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info("settings updated",
		"llm_mode", update.LLM.Mode,
		"image_mode", update.Image.Mode,
	)

	// callbacks may read the store, so they run unlocked
	for _, fn := range callbacks {
		fn(update)
	}
	return nil
}

func keepSecret(next *domain.ProviderSettings, current domain.ProviderSettings) {
	if next.APIKey == "" || isMasked(next.APIKey) {
		next.APIKey = current.APIKey
	}
}

// stored is the persisted form: same fields, API key replaced by its ciphertext.
type stored struct {
	LLM   storedProvider `json:"llm"`
	Image storedProvider `json:"image"`
}

type storedProvider struct {
	domain.ProviderSettings
	// shadows the embedded plaintext key so it is never serialized
	APIKey          string `json:"api_key,omitempty"`
	EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
}

func (s *SettingsStore) load(ctx context.Context) (domain.AppConfig, error) {
	raw, err := s.repo.GetSetting(ctx, settingsKey)
	if err != nil {
		return domain.AppConfig{}, err
	}

	var st stored
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return domain.AppConfig{}, fmt.Errorf("unmarshal settings: %w", err)
	}

	return domain.AppConfig{
		LLM:   s.decrypt("llm", st.LLM),
		Image: s.decrypt("image", st.Image),
	}, nil
}

func (s *SettingsStore) decrypt(name string, sp storedProvider) domain.ProviderSettings {
	out := sp.ProviderSettings
	out.APIKey = ""
	if sp.EncryptedAPIKey == "" {
		return out
	}
	key, err := s.secret.Decrypt(sp.EncryptedAPIKey)
	if err != nil {
		s.logger.Warn("failed to decrypt API key", "provider", name, "error", err)
		return out
	}
	out.APIKey = key
	return out
}

func (s *SettingsStore) save(ctx context.Context, cfg domain.AppConfig) error {
	llm, err := s.encrypt("llm", cfg.LLM)
	if err != nil {
		return err
	}
	image, err := s.encrypt("image", cfg.Image)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(stored{LLM: llm, Image: image})
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, settingsKey, string(raw))
}

func (s *SettingsStore) encrypt(name string, p domain.ProviderSettings) (storedProvider, error) {
	sp := storedProvider{ProviderSettings: p}
	sp.ProviderSettings.APIKey = ""
	if p.APIKey == "" {
		return sp, nil
	}
	enc, err := s.secret.Encrypt(p.APIKey)
	if err != nil {
		return storedProvider{}, fmt.Errorf("encrypt %s API key: %w", name, err)
	}
	sp.EncryptedAPIKey = enc
	return sp, nil
}

func isMasked(s string) bool {
	return strings.HasPrefix(s, "****")
}

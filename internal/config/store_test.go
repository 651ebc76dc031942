package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memSettings) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", errors.New("setting not found")
	}
	return v, nil
}

func (m *memSettings) SaveSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func newTestStore(t *testing.T, repo *memSettings) *SettingsStore {
	t.Helper()
	t.Setenv(envSecretKey, "store-test-key")
	secret, err := NewSecretKey(filepath.Join(t.TempDir(), "secret.key"))
	require.NoError(t, err)

	store, err := NewSettingsStore(context.Background(), slog.New(slog.NewJSONHandler(os.Stdout, nil)), repo, secret)
	require.NoError(t, err)
	return store
}

func TestSettingsStore_SeedsDefaults(t *testing.T) {
	repo := &memSettings{values: map[string]string{}}
	store := newTestStore(t, repo)

	assert.Equal(t, *domain.DefaultConfig(), store.Config())
	assert.Contains(t, repo.values, settingsKey)
}

func TestSettingsStore_SecretsEncryptedAndMasked(t *testing.T) {
	repo := &memSettings{values: map[string]string{}}
	store := newTestStore(t, repo)

	update := *domain.DefaultConfig()
	update.LLM.Mode = domain.ProviderModeRemote
	update.LLM.RemoteURL = "https://api.openai.com/v1"
	update.LLM.APIKey = "sk-remote-key-9876"
	require.NoError(t, store.Update(context.Background(), update))

	raw := repo.values[settingsKey]
	assert.False(t, strings.Contains(raw, "sk-remote-key-9876"), "plaintext key persisted: %s", raw)
	assert.Contains(t, raw, encPrefix)

	assert.Equal(t, "sk-remote-key-9876", store.Config().LLM.APIKey)
	assert.Equal(t, "****9876", store.MaskedConfig().LLM.APIKey)

	// a fresh store over the same repository decrypts the key
	reloaded := newTestStore(t, repo)
	assert.Equal(t, "sk-remote-key-9876", reloaded.Config().LLM.APIKey)
}

func TestSettingsStore_MaskedKeyKeepsExisting(t *testing.T) {
	repo := &memSettings{values: map[string]string{}}
	store := newTestStore(t, repo)

	update := *domain.DefaultConfig()
	update.Image.APIKey = "img-key-1234"
	require.NoError(t, store.Update(context.Background(), update))

	update = store.MaskedConfig()
	update.Image.Model = "sdxl"
	require.NoError(t, store.Update(context.Background(), update))

	cfg := store.Config()
	assert.Equal(t, "img-key-1234", cfg.Image.APIKey)
	assert.Equal(t, "sdxl", cfg.Image.Model)
}

func TestSettingsStore_RejectsInvalid(t *testing.T) {
	repo := &memSettings{values: map[string]string{}}
	store := newTestStore(t, repo)

	update := *domain.DefaultConfig()
	update.LLM.Mode = domain.ProviderModeRemote
	update.LLM.RemoteURL = "https://api.openai.com/v1"

	err := store.Update(context.Background(), update)
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)
	assert.Equal(t, domain.ProviderModeLocal, store.Config().LLM.Mode)
}

func TestSettingsStore_OnChange(t *testing.T) {
	repo := &memSettings{values: map[string]string{}}
	store := newTestStore(t, repo)

	var got domain.AppConfig
	store.OnChange(func(cfg domain.AppConfig) {
		// reading the store from a callback must not deadlock
		_ = store.MaskedConfig()
		got = cfg
	})

	update := *domain.DefaultConfig()
	update.LLM.Model = "llama3.2"
	require.NoError(t, store.Update(context.Background(), update))
	assert.Equal(t, "llama3.2", got.LLM.Model)
}

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

const (
	envConfigPath   = "VARIANTFORGE_CONFIG"
	envDBPath       = "VARIANTFORGE_DB_PATH"
	envWorkspaceDir = "VARIANTFORGE_WORKSPACE_DIR"
)

// Pipeline holds orchestrator defaults. Timeouts are in seconds.
type Pipeline struct {
	Concurrency     int `toml:"concurrency"`
	VariantCount    int `toml:"variant_count"`
	RenameTimeout   int `toml:"rename_timeout"`
	VariantsTimeout int `toml:"variants_timeout"`
	ExportTimeout   int `toml:"export_timeout"`
	UploadTimeout   int `toml:"upload_timeout"`
}

// Paths contains on-disk locations.
type Paths struct {
	WorkspaceDir string `toml:"workspace_dir"`
	ArchiveDir   string `toml:"archive_dir"`
	DBPath       string `toml:"db_path"`
}

// Export selects how frames are rasterized.
type Export struct {
	Rasterizer    string `toml:"rasterizer"`
	RendererImage string `toml:"renderer_image"`
	BatchWorkers  int    `toml:"batch_workers"`
}

// Server contains the HTTP API settings.
type Server struct {
	Bind           string   `toml:"bind"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Executor bounds the inference side of the stage executor.
type Executor struct {
	MaxConcurrentInference int `toml:"max_concurrent_inference"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config is the file-backed process configuration. Provider credentials are
// not here: they live in the settings store and can change at runtime.
type Config struct {
	Pipeline Pipeline `toml:"pipeline"`
	Paths    Paths    `toml:"paths"`
	Export   Export   `toml:"export"`
	Server   Server   `toml:"server"`
	Executor Executor `toml:"executor"`
	Logging  Logging  `toml:"logging"`
}

const (
	RasterizerManifest = "manifest"
	RasterizerDocker   = "docker"
)

// Default returns a configuration usable without any file.
func Default() Config {
	return Config{
		Pipeline: Pipeline{
			Concurrency:     3,
			VariantCount:    3,
			RenameTimeout:   120,
			VariantsTimeout: 180,
			ExportTimeout:   300,
			UploadTimeout:   60,
		},
		Paths: Paths{
			WorkspaceDir: "~/.local/share/variantforge/workspace",
			ArchiveDir:   "~/.local/share/variantforge/archive",
			DBPath:       "~/.local/share/variantforge/variantforge.db",
		},
		Export: Export{
			Rasterizer:    RasterizerManifest,
			RendererImage: "variantforge/renderer:latest",
			BatchWorkers:  2,
		},
		Server: Server{
			Bind:           "127.0.0.1:8080",
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Executor: Executor{
			MaxConcurrentInference: 2,
		},
		Logging: Logging{
			Format: "auto",
			Level:  "info",
		},
	}
}

// DefaultConfigPath returns the absolute path of the default configuration file.
func DefaultConfigPath() (string, error) {
	return ExpandPath("~/.config/variantforge/config.toml")
}

// Load reads path (or the default location), applies environment overrides
// and validates the result. It also reports the resolved path and whether the
// file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return "", false, err
		}
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %q is a directory", expanded)
	}
	return expanded, true, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(envDBPath); ok && strings.TrimSpace(v) != "" {
		c.Paths.DBPath = v
	}
	if v, ok := os.LookupEnv(envWorkspaceDir); ok && strings.TrimSpace(v) != "" {
		c.Paths.WorkspaceDir = v
	}
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.WorkspaceDir, err = ExpandPath(c.Paths.WorkspaceDir); err != nil {
		return fmt.Errorf("paths.workspace_dir: %w", err)
	}
	if c.Paths.ArchiveDir, err = ExpandPath(c.Paths.ArchiveDir); err != nil {
		return fmt.Errorf("paths.archive_dir: %w", err)
	}
	if c.Paths.DBPath != ":memory:" {
		if c.Paths.DBPath, err = ExpandPath(c.Paths.DBPath); err != nil {
			return fmt.Errorf("paths.db_path: %w", err)
		}
	}
	c.Export.Rasterizer = strings.ToLower(strings.TrimSpace(c.Export.Rasterizer))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	return nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.Concurrency < 1 {
		return errors.New("pipeline.concurrency must be at least 1")
	}
	if p.VariantCount < 1 {
		return errors.New("pipeline.variant_count must be at least 1")
	}
	for name, v := range map[string]int{
		"rename_timeout":   p.RenameTimeout,
		"variants_timeout": p.VariantsTimeout,
		"export_timeout":   p.ExportTimeout,
		"upload_timeout":   p.UploadTimeout,
	} {
		if v <= 0 {
			return fmt.Errorf("pipeline.%s must be positive", name)
		}
	}

	switch c.Export.Rasterizer {
	case RasterizerManifest:
	case RasterizerDocker:
		if strings.TrimSpace(c.Export.RendererImage) == "" {
			return errors.New("export.renderer_image is required when export.rasterizer = \"docker\"")
		}
	default:
		return fmt.Errorf("export.rasterizer: unsupported value %q", c.Export.Rasterizer)
	}
	if c.Export.BatchWorkers < 1 {
		return errors.New("export.batch_workers must be at least 1")
	}

	if c.Server.Bind == "" {
		return errors.New("server.bind must be set")
	}
	if c.Executor.MaxConcurrentInference < 1 {
		return errors.New("executor.max_concurrent_inference must be at least 1")
	}

	switch c.Logging.Format {
	case "auto", "json", "console":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

// StageTimeouts returns the pipeline timeouts as durations, in stage order.
func (c *Config) StageTimeouts() (rename, variants, export, upload time.Duration) {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return sec(c.Pipeline.RenameTimeout), sec(c.Pipeline.VariantsTimeout), sec(c.Pipeline.ExportTimeout), sec(c.Pipeline.UploadTimeout)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.WorkspaceDir, c.Paths.ArchiveDir}
	if c.Paths.DBPath != ":memory:" {
		dirs = append(dirs, filepath.Dir(c.Paths.DBPath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// CreateSample writes a sample configuration file to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// ExpandPath resolves a leading ~ and returns an absolute path.
func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

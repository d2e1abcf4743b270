package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// Config is the complete runtime configuration.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Workspace   WorkspaceConfig   `json:"workspace" yaml:"workspace"`
	Index       IndexConfig       `json:"index" yaml:"index"`
	Permissions PermissionsConfig `json:"permissions" yaml:"permissions"`
	Questions   QuestionsConfig   `json:"questions" yaml:"questions"`
	Log         LogConfig         `json:"log" yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host        string   `json:"host" yaml:"host"`
	Port        int      `json:"port" yaml:"port"`
	EnableCORS  bool     `json:"enableCors" yaml:"enable_cors"`
	ReadTimeout Duration `json:"readTimeout" yaml:"read_timeout"`
}

// WorkspaceConfig configures the workspace store.
type WorkspaceConfig struct {
	Root        string `json:"root" yaml:"root"`
	MaxFileSize int64  `json:"maxFileSize" yaml:"max_file_size"`
}

// IndexConfig configures the session index snapshot.
type IndexConfig struct {
	Path     string   `json:"path" yaml:"path"`
	Debounce Duration `json:"debounce" yaml:"debounce"`
	Watch    bool     `json:"watch" yaml:"watch"`
}

// PermissionsConfig configures the default permission mode of new sessions.
type PermissionsConfig struct {
	Mode types.PermissionMode `json:"mode" yaml:"mode"`
}

// QuestionsConfig configures the interactive question broker.
type QuestionsConfig struct {
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
	File   bool   `json:"file" yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	paths := GetPaths()
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8765,
			EnableCORS:  true,
			ReadTimeout: Duration(30 * time.Second),
		},
		Workspace: WorkspaceConfig{
			Root:        paths.WorkspacePath(),
			MaxFileSize: 100 << 20,
		},
		Index: IndexConfig{
			Path:     paths.Data,
			Debounce: Duration(250 * time.Millisecond),
			Watch:    true,
		},
		Permissions: PermissionsConfig{Mode: types.ModeDefault},
		Questions:   QuestionsConfig{Timeout: Duration(300 * time.Second)},
		Log:         LogConfig{Level: "INFO"},
	}
}

// Load loads configuration from multiple sources (priority order):
// 1. Built-in defaults
// 2. Global config ($XDG_CONFIG_HOME/bassi/bassi.{json,jsonc,yaml,yml})
// 3. Project config (<directory>/bassi.{json,jsonc,yaml,yml})
// 4. BASSI_CONFIG file
// 5. Environment variables (after loading <directory>/.env)
func Load(directory string) (*Config, error) {
	cfg := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string) error {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return nil
		}
		if err := loadConfigFile(path, cfg); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("config %s: %w", path, err)
		}
		loaded[absPath] = true
		return nil
	}

	candidates := func(dir string) []string {
		return []string{
			filepath.Join(dir, "bassi.json"),
			filepath.Join(dir, "bassi.jsonc"),
			filepath.Join(dir, "bassi.yaml"),
			filepath.Join(dir, "bassi.yml"),
		}
	}

	for _, p := range candidates(GetPaths().Config) {
		if err := loadOnce(p); err != nil {
			return nil, err
		}
	}

	if directory != "" {
		for _, p := range candidates(directory) {
			if err := loadOnce(p); err != nil {
				return nil, err
			}
		}
		// .env never overrides variables already set in the environment
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	if configPath := os.Getenv("BASSI_CONFIG"); configPath != "" {
		if err := loadOnce(configPath); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile decodes one file on top of cfg. Only keys present in the
// file overwrite existing values.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(interpolate(data), cfg)
	default:
		// Strip JSONC comments using tidwall/jsonc
		return json.Unmarshal(interpolate(jsonc.ToJSON(data)), cfg)
	}
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate replaces {env:VAR_NAME} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// applyEnvOverrides applies BASSI_* environment variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BASSI_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BASSI_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BASSI_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("BASSI_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("BASSI_MAX_FILE_SIZE"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BASSI_MAX_FILE_SIZE: %w", err)
		}
		cfg.Workspace.MaxFileSize = size
	}
	if v := os.Getenv("BASSI_INDEX_PATH"); v != "" {
		cfg.Index.Path = v
	}
	if v := os.Getenv("BASSI_PERMISSION_MODE"); v != "" {
		cfg.Permissions.Mode = types.PermissionMode(v)
	}
	if v := os.Getenv("BASSI_QUESTION_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("BASSI_QUESTION_TIMEOUT: %w", err)
		}
		cfg.Questions.Timeout = Duration(d)
	}
	if v := os.Getenv("BASSI_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if c.Workspace.MaxFileSize <= 0 {
		return fmt.Errorf("workspace.maxFileSize must be positive")
	}
	if !c.Permissions.Mode.Valid() {
		return fmt.Errorf("permissions.mode: unknown mode %q", c.Permissions.Mode)
	}
	if c.Questions.Timeout < 0 {
		return fmt.Errorf("questions.timeout must not be negative")
	}
	return nil
}

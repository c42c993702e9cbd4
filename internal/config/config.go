package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete code indexer configuration, loaded in layers:
// package defaults, user config, project config, then environment variables.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Search   SearchConfig   `yaml:"search" json:"search"`
	Embed    EmbedConfig    `yaml:"embed" json:"embed"`
	Daemon   DaemonConfig   `yaml:"daemon" json:"daemon"`
	Git      GitConfig      `yaml:"git" json:"git"`
	Temporal TemporalConfig `yaml:"temporal" json:"temporal"`
}

// StorageConfig configures where collection data lives on disk.
type StorageConfig struct {
	// RootDir is the base directory for all collections.
	// Defaults to ~/.codeindexer/collections.
	RootDir string `yaml:"root_dir" json:"root_dir"`
}

// SearchConfig configures hybrid search fusion and result shaping.
type SearchConfig struct {
	// OverFetchFactor multiplies the requested top-k before score_threshold
	// filtering is applied, so threshold filtering never starves a query.
	OverFetchFactor float64 `yaml:"over_fetch_factor" json:"over_fetch_factor"`
	// SemanticWeight and FTSWeight fuse the two result streams in hybrid mode.
	// Must sum to 1.0.
	SemanticWeight float64 `yaml:"semantic_weight" json:"semantic_weight"`
	FTSWeight      float64 `yaml:"fts_weight" json:"fts_weight"`
	// DefaultLimit is the result count used when a query doesn't specify one.
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`
}

// EmbedConfig configures the embedding provider used to vectorize queries
// and the chunk content of records ingested by index.
type EmbedConfig struct {
	Provider   string `yaml:"provider" json:"provider"` // "ollama" or "voyageai"
	Model      string `yaml:"model" json:"model"`
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`
	VoyageKey  string `yaml:"voyage_api_key" json:"-"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`
}

// DaemonConfig configures the background query daemon.
type DaemonConfig struct {
	// SocketPath is the Unix domain socket the daemon listens on.
	SocketPath string `yaml:"socket_path" json:"socket_path"`
	// TTLMinutes is the idle period after which the daemon evicts its query
	// memo and loaded index handles.
	TTLMinutes int `yaml:"ttl_minutes" json:"ttl_minutes"`
	// AutoShutdownOnIdle stops the daemon once it has been idle past
	// TTLMinutes. IdleTimeoutMinutes is loaded from config but the daemon
	// does not read it.
	AutoShutdownOnIdle bool `yaml:"auto_shutdown_on_idle" json:"auto_shutdown_on_idle"`
	IdleTimeoutMinutes int  `yaml:"idle_timeout_minutes" json:"idle_timeout_minutes"`
	// CacheSize is the max number of memoized query results kept; the
	// oldest entry is evicted first when the memo is full.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// GitConfig configures the batched git subprocess runner used for
// chunk staleness resolution.
type GitConfig struct {
	// SubprocessTimeoutSeconds is loaded and validated (it must be
	// positive), but the git runner does not read it: git commands are
	// bounded only by the caller's context.
	SubprocessTimeoutSeconds int `yaml:"subprocess_timeout_seconds" json:"subprocess_timeout_seconds"`
	// SafeDirectories is loaded from config, but the git runner does not
	// read it: the runner injects only the repository root as a
	// safe.directory entry, through GIT_CONFIG_* environment variables.
	SafeDirectories []string `yaml:"safe_directories" json:"safe_directories"`
}

// TemporalConfig configures the temporal metadata store used to reconcile
// long point IDs against their 16-hex hash-prefix filenames.
type TemporalConfig struct {
	// StaleAfterDays is loaded from config, but nothing reads it: temporal
	// cleanup removes entries by the set of valid hash prefixes, with no
	// age window.
	StaleAfterDays int `yaml:"stale_after_days" json:"stale_after_days"`
}

// defaultSafeDirectoryGlobal is injected so git operates against the
// project root regardless of file ownership inside ephemeral containers.
const defaultSafeDirectoryGlobal = "*"

// NewConfig returns a Config populated with package defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			RootDir: defaultStorageRoot(),
		},
		Search: SearchConfig{
			OverFetchFactor: 3.0,
			SemanticWeight:  0.6,
			FTSWeight:       0.4,
			DefaultLimit:    20,
		},
		Embed: EmbedConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			OllamaHost: "http://localhost:11434",
			BatchSize:  32,
		},
		Daemon: DaemonConfig{
			SocketPath:         defaultSocketPath(),
			TTLMinutes:         10,
			AutoShutdownOnIdle: true,
			IdleTimeoutMinutes: 30,
			CacheSize:          256,
		},
		Git: GitConfig{
			SubprocessTimeoutSeconds: 5,
			SafeDirectories:          []string{defaultSafeDirectoryGlobal},
		},
		Temporal: TemporalConfig{
			StaleAfterDays: 30,
		},
	}
}

func defaultStorageRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".codeindexer", "collections")
	}
	return filepath.Join(home, ".codeindexer", "collections")
}

func defaultSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".codeindexer", "daemon.sock")
	}
	return filepath.Join(home, ".codeindexer", "daemon.sock")
}

// GetUserConfigPath returns the path to the user/global configuration file,
// following the XDG Base Directory spec.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "codeindexer", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "codeindexer", "config.yaml")
	}
	return filepath.Join(home, ".config", "codeindexer", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// Load loads configuration for projectRoot, applying layers in order of
// increasing precedence: defaults, user config, project config, env vars.
// Loading from defaults alone (no files, no env vars present) never errors.
func Load(projectRoot string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(projectRoot); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads .codeindexer.yaml or .codeindexer.yml from dir, if present.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ".codeindexer.yaml")
	if fileExists(yamlPath) {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, ".codeindexer.yml")
	if fileExists(ymlPath) {
		return c.loadYAML(ymlPath)
	}

	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Storage.RootDir != "" {
		c.Storage.RootDir = other.Storage.RootDir
	}

	if other.Search.OverFetchFactor != 0 {
		c.Search.OverFetchFactor = other.Search.OverFetchFactor
	}
	if other.Search.SemanticWeight != 0 {
		c.Search.SemanticWeight = other.Search.SemanticWeight
	}
	if other.Search.FTSWeight != 0 {
		c.Search.FTSWeight = other.Search.FTSWeight
	}
	if other.Search.DefaultLimit != 0 {
		c.Search.DefaultLimit = other.Search.DefaultLimit
	}

	if other.Embed.Provider != "" {
		c.Embed.Provider = other.Embed.Provider
	}
	if other.Embed.Model != "" {
		c.Embed.Model = other.Embed.Model
	}
	if other.Embed.OllamaHost != "" {
		c.Embed.OllamaHost = other.Embed.OllamaHost
	}
	if other.Embed.VoyageKey != "" {
		c.Embed.VoyageKey = other.Embed.VoyageKey
	}
	if other.Embed.BatchSize != 0 {
		c.Embed.BatchSize = other.Embed.BatchSize
	}

	if other.Daemon.SocketPath != "" {
		c.Daemon.SocketPath = other.Daemon.SocketPath
	}
	if other.Daemon.TTLMinutes != 0 {
		c.Daemon.TTLMinutes = other.Daemon.TTLMinutes
	}
	if other.Daemon.IdleTimeoutMinutes != 0 {
		c.Daemon.IdleTimeoutMinutes = other.Daemon.IdleTimeoutMinutes
	}
	if other.Daemon.CacheSize != 0 {
		c.Daemon.CacheSize = other.Daemon.CacheSize
	}

	if other.Git.SubprocessTimeoutSeconds != 0 {
		c.Git.SubprocessTimeoutSeconds = other.Git.SubprocessTimeoutSeconds
	}
	if len(other.Git.SafeDirectories) > 0 {
		c.Git.SafeDirectories = other.Git.SafeDirectories
	}

	if other.Temporal.StaleAfterDays != 0 {
		c.Temporal.StaleAfterDays = other.Temporal.StaleAfterDays
	}
}

// applyEnvOverrides applies CODEINDEXER_* environment variable overrides,
// the highest-precedence configuration layer.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODEINDEXER_STORAGE_ROOT"); v != "" {
		c.Storage.RootDir = v
	}
	if v := os.Getenv("CODEINDEXER_SEMANTIC_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Search.SemanticWeight = w
		}
	}
	if v := os.Getenv("CODEINDEXER_FTS_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Search.FTSWeight = w
		}
	}
	if v := os.Getenv("CODEINDEXER_EMBED_PROVIDER"); v != "" {
		c.Embed.Provider = v
	}
	if v := os.Getenv("CODEINDEXER_EMBED_MODEL"); v != "" {
		c.Embed.Model = v
	}
	if v := os.Getenv("CODEINDEXER_OLLAMA_HOST"); v != "" {
		c.Embed.OllamaHost = v
	}
	if v := os.Getenv("CODEINDEXER_VOYAGE_API_KEY"); v != "" {
		c.Embed.VoyageKey = v
	}
	if v := os.Getenv("CODEINDEXER_DAEMON_SOCKET"); v != "" {
		c.Daemon.SocketPath = v
	}
	if v := os.Getenv("CODEINDEXER_DAEMON_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Daemon.TTLMinutes = n
		}
	}
}

func parseFloat64(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &f)
	return f, err
}

// FindProjectRoot walks up from startDir looking for a .git directory or a
// .codeindexer.yaml/.yml file, falling back to startDir if neither is found.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}
		if fileExists(filepath.Join(currentDir, ".codeindexer.yaml")) ||
			fileExists(filepath.Join(currentDir, ".codeindexer.yml")) {
			return currentDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return absDir, nil
		}
		currentDir = parentDir
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Search.SemanticWeight < 0 || c.Search.SemanticWeight > 1 {
		return fmt.Errorf("search.semantic_weight must be between 0 and 1, got %f", c.Search.SemanticWeight)
	}
	if c.Search.FTSWeight < 0 || c.Search.FTSWeight > 1 {
		return fmt.Errorf("search.fts_weight must be between 0 and 1, got %f", c.Search.FTSWeight)
	}
	sum := c.Search.SemanticWeight + c.Search.FTSWeight
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("search.semantic_weight + search.fts_weight must equal 1.0, got %.2f", sum)
	}
	if c.Search.OverFetchFactor < 1 {
		return fmt.Errorf("search.over_fetch_factor must be >= 1, got %f", c.Search.OverFetchFactor)
	}
	if c.Search.DefaultLimit <= 0 {
		return fmt.Errorf("search.default_limit must be positive, got %d", c.Search.DefaultLimit)
	}

	validProviders := map[string]bool{"ollama": true, "voyageai": true}
	if !validProviders[strings.ToLower(c.Embed.Provider)] {
		return fmt.Errorf("embed.provider must be 'ollama' or 'voyageai', got %s", c.Embed.Provider)
	}

	if c.Daemon.TTLMinutes <= 0 {
		return fmt.Errorf("daemon.ttl_minutes must be positive, got %d", c.Daemon.TTLMinutes)
	}
	if c.Daemon.CacheSize <= 0 {
		return fmt.Errorf("daemon.cache_size must be positive, got %d", c.Daemon.CacheSize)
	}

	if c.Git.SubprocessTimeoutSeconds <= 0 {
		return fmt.Errorf("git.subprocess_timeout_seconds must be positive, got %d", c.Git.SubprocessTimeoutSeconds)
	}

	return nil
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadUserConfig loads the user configuration file.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

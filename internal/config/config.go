package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig  BasicConfig               `json:"basic_config" yaml:"basic_config"`
	RemoteDriver string                    `json:"remote_driver" yaml:"remote_driver"`
	Databases    map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis        RedisConfig               `json:"redis" yaml:"redis"`
	Snapshot     SnapshotConfig            `json:"snapshot" yaml:"snapshot"`
	Providers    map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Guidance     GuidanceConfig            `json:"guidance" yaml:"guidance"`
	Speech       SpeechConfig              `json:"speech" yaml:"speech"`
	Log          LogConfig                 `json:"log" yaml:"log"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" yaml:"server_address"`
	DataDir           string `json:"data_dir" yaml:"data_dir"`
	AudioCachePath    string `json:"audio_cache_path" yaml:"audio_cache_path"`
	MinWorkers        int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int    `json:"max_workers" yaml:"max_workers"`
	QueueSize         int    `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
	SyncTimeout       int    `json:"sync_timeout" yaml:"sync_timeout"`               // seconds
	TokenTTL          int    `json:"token_ttl" yaml:"token_ttl"`                     // hours
}

// DatabaseConfig describes one remote SQL backend. SQLite uses DSN only.
type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// SnapshotConfig controls the device-local history snapshot.
type SnapshotConfig struct {
	Backend     string `json:"backend" yaml:"backend"` // "file" or "redis"
	Dir         string `json:"dir" yaml:"dir"`
	QuotaBytes  int64  `json:"quota_bytes" yaml:"quota_bytes"`
	MaxSessions int    `json:"max_sessions" yaml:"max_sessions"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type GuidanceConfig struct {
	Provider      string  `json:"provider" yaml:"provider"`
	Temperature   float32 `json:"temperature" yaml:"temperature"`
	HistoryWindow int     `json:"history_window" yaml:"history_window"`
	Language      string  `json:"language" yaml:"language"`
	// Google Custom Search credentials for search-assisted replies.
	GoogleAPIKey         string `json:"google_api_key" yaml:"google_api_key"`
	GoogleSearchEngineID string `json:"google_search_engine_id" yaml:"google_search_engine_id"`
}

type SpeechConfig struct {
	Model  string `json:"model" yaml:"model"`
	Voice  string `json:"voice" yaml:"voice"`
	APIKey string `json:"api_key" yaml:"api_key"`
}

type LogConfig struct {
	Dir    string `json:"dir" yaml:"dir"`
	Level  string `json:"level" yaml:"level"`
	Stdout bool   `json:"stdout" yaml:"stdout"`
}

const (
	DefaultMaxSessions   = 50
	DefaultQuotaBytes    = 5 << 20
	defaultSpeechModel   = "gemini-2.5-flash-preview-tts"
	defaultSpeechVoice   = "Kore"
	defaultGuidanceModel = "gemini-3-flash-preview"
	defaultGuidanceTemp  = 0.8
	defaultHistoryTurns  = 6
)

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := cfg.normalize(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration usable without a config file: guest-only
// history on disk under ./data.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.normalize(".")
	return cfg
}

func (c *Config) normalize(baseDir string) error {
	if c.BasicConfig.DataDir == "" {
		c.BasicConfig.DataDir = "data"
	}
	c.BasicConfig.DataDir = resolve(baseDir, c.BasicConfig.DataDir)
	if c.BasicConfig.AudioCachePath == "" {
		c.BasicConfig.AudioCachePath = filepath.Join(c.BasicConfig.DataDir, "audio.db")
	}
	c.BasicConfig.AudioCachePath = resolve(baseDir, c.BasicConfig.AudioCachePath)

	switch strings.ToLower(c.Snapshot.Backend) {
	case "":
		c.Snapshot.Backend = "file"
	case "file", "redis":
		c.Snapshot.Backend = strings.ToLower(c.Snapshot.Backend)
	default:
		return fmt.Errorf("unsupported snapshot backend: %s", c.Snapshot.Backend)
	}
	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = filepath.Join(c.BasicConfig.DataDir, "snapshot")
	}
	c.Snapshot.Dir = resolve(baseDir, c.Snapshot.Dir)
	if c.Snapshot.QuotaBytes <= 0 {
		c.Snapshot.QuotaBytes = DefaultQuotaBytes
	}
	if c.Snapshot.MaxSessions <= 0 {
		c.Snapshot.MaxSessions = DefaultMaxSessions
	}

	if c.RemoteDriver != "" {
		if _, ok := c.Databases[c.RemoteDriver]; !ok {
			return fmt.Errorf("database config for %s not found", c.RemoteDriver)
		}
	}
	for name, db := range c.Databases {
		if isSQLite(name) && db.DSN != "" && !strings.HasPrefix(db.DSN, ":memory:") && !strings.HasPrefix(db.DSN, "file:") {
			db.DSN = resolve(baseDir, db.DSN)
			c.Databases[name] = db
		}
	}

	for name, p := range c.Providers {
		if p.APIKey == "" {
			p.APIKey = os.Getenv(strings.ToUpper(name) + "_API_KEY")
			c.Providers[name] = p
		}
	}

	if c.Guidance.Provider == "" {
		c.Guidance.Provider = "gemini"
	}
	if c.Guidance.Temperature <= 0 {
		c.Guidance.Temperature = defaultGuidanceTemp
	}
	if c.Guidance.HistoryWindow <= 0 {
		c.Guidance.HistoryWindow = defaultHistoryTurns
	}
	if c.Guidance.Language == "" {
		c.Guidance.Language = "English"
	}
	if p, ok := c.Providers["gemini"]; ok && p.Model == "" {
		p.Model = defaultGuidanceModel
		c.Providers["gemini"] = p
	}
	if c.Guidance.GoogleAPIKey == "" {
		c.Guidance.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if c.Guidance.GoogleSearchEngineID == "" {
		c.Guidance.GoogleSearchEngineID = os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	}

	if c.Speech.Model == "" {
		c.Speech.Model = defaultSpeechModel
	}
	if c.Speech.Voice == "" {
		c.Speech.Voice = defaultSpeechVoice
	}
	if c.Speech.APIKey == "" {
		c.Speech.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if c.Log.Dir == "" {
		c.Log.Dir = filepath.Join(c.BasicConfig.DataDir, "logs")
	}
	c.Log.Dir = resolve(baseDir, c.Log.Dir)
	return nil
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func isSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "sqlite" || d == "sqlite3"
}

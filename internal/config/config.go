package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/user/deskstream/internal/session"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxToolRounds int    `json:"max_tool_rounds"`
	ArticlesDir   string `json:"articles_dir"`
	PromptPath    string `json:"prompt_path,omitempty"`
	LLM           struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`
	Brave struct {
		APIKey string `json:"api_key"`
	} `json:"brave"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	HTTP struct {
		Addr string `json:"addr"`
	} `json:"http"`
	Feed struct {
		// Backend is "file" or "redis".
		Backend       string `json:"backend"`
		RedisAddr     string `json:"redis_addr"`
		RedisPassword string `json:"redis_password"`
		RedisDB       int    `json:"redis_db"`
		KeyPrefix     string `json:"key_prefix"`
		MaxEntries    int64  `json:"max_entries"`
		TTLSeconds    int    `json:"ttl_seconds"`
	} `json:"feed"`
	Stream struct {
		PageSize            int  `json:"page_size"`
		ReconcileDelayMS    int  `json:"reconcile_delay_ms"`
		ReconcileRetries    int  `json:"reconcile_retries"`
		PollIntervalMS      int  `json:"poll_interval_ms"`
		PollMaxAttempts     int  `json:"poll_max_attempts"`
		PollMinAttempts     int  `json:"poll_min_attempts"`
		StrictCompletion    bool `json:"strict_completion"`
		StatusIntervalMS    int  `json:"status_interval_ms"`
		EventPollIntervalMS int  `json:"event_poll_interval_ms"`
	} `json:"stream"`
	Sweeper struct {
		Schedule      string `json:"schedule"`
		MaxAgeSeconds int    `json:"max_age_seconds"`
	} `json:"sweeper"`
	Client struct {
		ServerURL      string `json:"server_url"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"client"`
}

func defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".deskstream"),
		MaxConcurrent: 2,
	}
	cfg.LogLevel = "info"
	cfg.LogFormat = "text"
	cfg.MaxToolRounds = 10
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.HTTP.Addr = "127.0.0.1:8484"
	cfg.Feed.Backend = "file"
	cfg.Feed.RedisAddr = "127.0.0.1:6379"
	cfg.Feed.KeyPrefix = "deskstream:job:"
	cfg.Feed.MaxEntries = 10000
	cfg.Feed.TTLSeconds = 86400

	sc := session.DefaultConfig()
	cfg.Stream.PageSize = sc.PageSize
	cfg.Stream.ReconcileDelayMS = int(sc.ReconcileDelay / time.Millisecond)
	cfg.Stream.ReconcileRetries = sc.ReconcileRetries
	cfg.Stream.PollIntervalMS = int(sc.PollInterval / time.Millisecond)
	cfg.Stream.PollMaxAttempts = sc.PollMaxAttempts
	cfg.Stream.PollMinAttempts = sc.PollMinAttempts
	cfg.Stream.StatusIntervalMS = 1000
	cfg.Stream.EventPollIntervalMS = 250

	cfg.Sweeper.Schedule = "@every 1m"
	cfg.Sweeper.MaxAgeSeconds = 600
	cfg.Client.ServerURL = "http://127.0.0.1:8484"
	cfg.Client.TimeoutSeconds = 30
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values from the environment (highest precedence).
func applyEnv(cfg *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if braveKey := os.Getenv("BRAVE_API_KEY"); braveKey != "" {
		cfg.Brave.APIKey = braveKey
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if addr := os.Getenv("DESKSTREAM_REDIS_ADDR"); addr != "" {
		cfg.Feed.Backend = "redis"
		cfg.Feed.RedisAddr = addr
	}
	if pw := os.Getenv("DESKSTREAM_REDIS_PASSWORD"); pw != "" {
		cfg.Feed.RedisPassword = pw
	}
	if url := os.Getenv("DESKSTREAM_API_URL"); url != "" {
		cfg.Client.ServerURL = url
	}
	if level := os.Getenv("DESKSTREAM_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
}

// Session converts the stream section into coordinator settings.
func (c *Config) Session() session.Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return session.Config{
		PageSize:         c.Stream.PageSize,
		ReconcileDelay:   ms(c.Stream.ReconcileDelayMS),
		ReconcileRetries: c.Stream.ReconcileRetries,
		PollInterval:     ms(c.Stream.PollIntervalMS),
		PollMaxAttempts:  c.Stream.PollMaxAttempts,
		PollMinAttempts:  c.Stream.PollMinAttempts,
		StrictCompletion: c.Stream.StrictCompletion,
	}
}

func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.Stream.StatusIntervalMS) * time.Millisecond
}

func (c *Config) EventPollInterval() time.Duration {
	return time.Duration(c.Stream.EventPollIntervalMS) * time.Millisecond
}

func (c *Config) FeedTTL() time.Duration {
	return time.Duration(c.Feed.TTLSeconds) * time.Second
}

func (c *Config) SweepMaxAge() time.Duration {
	return time.Duration(c.Sweeper.MaxAgeSeconds) * time.Second
}

func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.Client.TimeoutSeconds) * time.Second
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as flat dot-separated keys, optionally with
// secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value in effect for one dotted key: the file merged
// with defaults and environment overrides. The file is created with defaults
// if missing.
func GetValue(path, key string) (any, error) {
	if _, ok := keyKinds()[key]; !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	if v, ok := flat[key]; ok {
		return v, nil
	}
	// omitted optional keys
	return "", nil
}

// SetValue writes one dotted key to an existing config file. The raw value
// is parsed according to the key's type, and the result must still decode
// into a Config.
func SetValue(path, key, raw string) error {
	kind, ok := keyKinds()[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	v, err := parseValue(kind, raw)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	flat, err := readFlat(path)
	if err != nil {
		return err
	}
	flat[key] = v

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := json.Unmarshal(data, defaults()); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeFile(path, data)
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return Flatten(m), nil
}

type valueKind int

const (
	kindString valueKind = iota
	kindNumber
	kindBool
)

// keyKinds lists every settable key with the type its value must have.
func keyKinds() map[string]valueKind {
	// a Config always marshals
	m, _ := ToMap(defaults())
	kinds := map[string]valueKind{"prompt_path": kindString}
	for k, v := range Flatten(m) {
		switch v.(type) {
		case float64:
			kinds[k] = kindNumber
		case bool:
			kinds[k] = kindBool
		default:
			kinds[k] = kindString
		}
	}
	return kinds
}

func parseValue(kind valueKind, raw string) (any, error) {
	switch kind {
	case kindNumber:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case kindBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	default:
		return raw, nil
	}
}

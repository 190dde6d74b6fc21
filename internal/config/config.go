// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SerialConfig describes the console port
type SerialConfig struct {
	Port       string        `yaml:"port"`
	BaudRate   int           `yaml:"baud_rate"`
	DataBits   int           `yaml:"data_bits"`
	Parity     string        `yaml:"parity"`
	StopBits   string        `yaml:"stop_bits"`
	Charset    string        `yaml:"charset"`
	WriteChunk int           `yaml:"write_chunk"`
	WriteDelay time.Duration `yaml:"write_delay"`
}

// LoginConfig holds credentials typed at getty prompts
type LoginConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"-"` // from env only
}

// SessionConfig tunes capture and framing
type SessionConfig struct {
	BufferLines       int           `yaml:"buffer_lines"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	FlushDelay        time.Duration `yaml:"flush_delay"`
	SuppressEcho      bool          `yaml:"suppress_echo"`
	LiteralMarkers    bool          `yaml:"literal_markers"`
	ClearOnDisconnect bool          `yaml:"clear_on_disconnect"`
	MirrorFile        string        `yaml:"mirror_file"`
}

// WatchConfig drives the kernel log watcher
type WatchConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StateFile    string        `yaml:"state_file"`
	MaxLines     int           `yaml:"max_lines"`
	Analyze      bool          `yaml:"analyze"`
	WallClock    bool          `yaml:"wall_clock"` // read dmesg -T instead of monotonic stamps
}

// LLMEndpoint represents one LLM provider in the fallback chain
type LLMEndpoint struct {
	URL       string `yaml:"url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"` // env var name for API key
	APIKey    string `yaml:"-"`           // resolved at load time
}

// Config is the kernelchat configuration file
type Config struct {
	Serial       SerialConfig  `yaml:"serial"`
	Login        LoginConfig   `yaml:"login"`
	Session      SessionConfig `yaml:"session"`
	Watch        WatchConfig   `yaml:"watch"`
	LLMEndpoints []LLMEndpoint `yaml:"llm_endpoints"` // fallback chain
	LLMTimeout   time.Duration `yaml:"llm_timeout"`

	DBPath          string `yaml:"db_path"`
	ListenAddr      string `yaml:"listen_addr"`
	TLSCert         string `yaml:"tls_cert"`
	TLSKey          string `yaml:"tls_key"`
	MaxPayloadBytes int64  `yaml:"max_payload_bytes"`
	APIKey          string `yaml:"api_key"`     // KERNELCHAT_API_KEY overrides
	AllowLocal      bool   `yaml:"allow_local"` // let POST /connect pick the host shell
	LogLevel        string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			BaudRate: 115200,
			DataBits: 8,
			Parity:   "none",
		},
		Session: SessionConfig{
			BufferLines:  5000,
			PollInterval: 150 * time.Millisecond,
			FlushDelay:   300 * time.Millisecond,
		},
		Watch: WatchConfig{
			PollInterval: time.Minute,
			StateFile:    "kernelchat-watch.state",
			MaxLines:     500,
		},
		LLMTimeout:      60 * time.Second,
		DBPath:          "kernelchat.db",
		ListenAddr:      "127.0.0.1:9320",
		MaxPayloadBytes: 1 << 20,
		LogLevel:        "info",
	}
}

// Load reads the YAML file at path over the defaults and applies env
// overrides. An empty path yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Env overrides
	if port := os.Getenv("KERNELCHAT_PORT"); port != "" {
		cfg.Serial.Port = port
	}
	if baud := os.Getenv("KERNELCHAT_BAUD"); baud != "" {
		n, err := strconv.Atoi(baud)
		if err != nil {
			return nil, fmt.Errorf("KERNELCHAT_BAUD: %q is not a number", baud)
		}
		cfg.Serial.BaudRate = n
	}
	if user := os.Getenv("KERNELCHAT_USERNAME"); user != "" {
		cfg.Login.Username = user
	}
	if pass := os.Getenv("KERNELCHAT_PASSWORD"); pass != "" {
		cfg.Login.Password = pass
	}
	if key := os.Getenv("KERNELCHAT_API_KEY"); key != "" {
		cfg.APIKey = key
	}

	// Resolve API keys for each LLM endpoint from env vars
	for i := range cfg.LLMEndpoints {
		if cfg.LLMEndpoints[i].APIKeyEnv != "" {
			cfg.LLMEndpoints[i].APIKey = os.Getenv(cfg.LLMEndpoints[i].APIKeyEnv)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive, got %d", c.Serial.BaudRate)
	}
	if c.Session.BufferLines <= 0 {
		return fmt.Errorf("session.buffer_lines must be positive, got %d", c.Session.BufferLines)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	for i, ep := range c.LLMEndpoints {
		if ep.URL == "" || ep.Model == "" {
			return fmt.Errorf("llm_endpoints[%d]: url and model are required", i)
		}
	}
	return nil
}

// LoadDotEnv loads KEY=value pairs from path into the environment without
// overriding variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

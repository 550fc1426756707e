package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the port the direct messenger server listens on.
const DefaultPort = 3001

// Config holds all dsm configuration.
type Config struct {
	// Server connection
	Server ServerConfig `yaml:"server"`

	// Account credentials
	Account AccountConfig `yaml:"account"`

	// Local persistence
	Storage StorageConfig `yaml:"storage"`

	// Background polling
	Poll PollConfig `yaml:"poll"`

	// Terminal UI
	UI UIConfig `yaml:"ui"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the connection to the message server.
type ServerConfig struct {
	Address        string `yaml:"address"`         // host, host:port, tcp://host:port, ws(s)://host/path
	Port           int    `yaml:"port"`            // used when Address has no port
	Proxy          string `yaml:"proxy"`           // socks5://host:port, optional
	DialTimeout    string `yaml:"dial_timeout"`    // e.g. "5s"
	RequestTimeout string `yaml:"request_timeout"` // per request/reply round trip
	MaxLineBytes   int    `yaml:"max_line_bytes"`  // reply lines longer than this are rejected
}

// AccountConfig holds the credentials used to authenticate.
type AccountConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Bio      string `yaml:"bio"`
}

// StorageConfig configures where notebooks, the message cache and usage
// stats live.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	NotebookPath string `yaml:"notebook_path"` // defaults to <data_dir>/<username>_notebook.json
	CacheEnabled bool   `yaml:"cache_enabled"`
	CachePath    string `yaml:"cache_path"` // defaults to <data_dir>/messages.db
}

// PollConfig configures unread polling.
type PollConfig struct {
	Interval   string `yaml:"interval"`
	MaxBackoff string `yaml:"max_backoff"`
}

// UIConfig configures the terminal UI.
type UIConfig struct {
	Theme string `yaml:"theme"` // auto, light, dark
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        "127.0.0.1",
			Port:           DefaultPort,
			DialTimeout:    "5s",
			RequestTimeout: "10s",
			MaxLineBytes:   1 << 20,
		},
		Storage: StorageConfig{
			DataDir:      DefaultDataDir(),
			CacheEnabled: true,
		},
		Poll: PollConfig{
			Interval:   "2s",
			MaxBackoff: "30s",
		},
		UI: UIConfig{
			Theme: "auto",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultConfigPath returns ~/.config/dsm/config.yaml.
func DefaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "dsm", "config.yaml")
	}
	return filepath.Join(".dsm", "config.yaml")
}

// DefaultDataDir returns ~/.local/share/dsm.
func DefaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "dsm")
	}
	return ".dsm"
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Missing file: defaults plus environment.
		data = nil
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file. The file may hold a password,
// so it is written owner-only.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DSM_SERVER"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("DSM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DSM_PROXY"); v != "" {
		c.Server.Proxy = v
	}
	if v := os.Getenv("DSM_USERNAME"); v != "" {
		c.Account.Username = v
	}
	if v := os.Getenv("DSM_PASSWORD"); v != "" {
		c.Account.Password = v
	}
	if v := os.Getenv("DSM_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if os.Getenv("DSM_DEBUG") == "1" {
		c.Logging.DebugMode = true
	}
}

// Validate checks the fields needed to talk to the server.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return fmt.Errorf("server address not configured (set server.address or DSM_SERVER)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Account.Username == "" {
		return fmt.Errorf("username not configured (set account.username or DSM_USERNAME)")
	}
	if strings.ContainsAny(c.Account.Username, `/\`) {
		return fmt.Errorf("invalid username %q: must not contain path separators", c.Account.Username)
	}
	if c.Account.Password == "" {
		return fmt.Errorf("password not configured (set account.password or DSM_PASSWORD)")
	}
	switch c.UI.Theme {
	case "", "auto", "light", "dark":
	default:
		return fmt.Errorf("invalid ui theme: %s (valid: auto, light, dark)", c.UI.Theme)
	}
	return nil
}

// ServerAddr returns the dial target. Addresses with a scheme are returned
// unchanged; bare hosts get the configured port.
func (c *Config) ServerAddr() string {
	addr := strings.TrimSpace(c.Server.Address)
	if strings.Contains(addr, "://") {
		return addr
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	port := c.Server.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// NotebookPath returns the notebook file for the configured user.
func (c *Config) NotebookPath() string {
	if c.Storage.NotebookPath != "" {
		return c.Storage.NotebookPath
	}
	return filepath.Join(c.Storage.DataDir, c.Account.Username+"_notebook.json")
}

// CachePath returns the SQLite message cache path.
func (c *Config) CachePath() string {
	if c.Storage.CachePath != "" {
		return c.Storage.CachePath
	}
	return filepath.Join(c.Storage.DataDir, "messages.db")
}

// UsagePath returns the traffic statistics file.
func (c *Config) UsagePath() string {
	return filepath.Join(c.Storage.DataDir, "usage.json")
}

// GetDialTimeout returns the dial timeout as a duration.
func (c *Config) GetDialTimeout() time.Duration {
	return parseDuration(c.Server.DialTimeout, 5*time.Second)
}

// GetRequestTimeout returns the per-request timeout as a duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.Server.RequestTimeout, 10*time.Second)
}

// GetPollInterval returns the unread polling interval.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.Poll.Interval, 2*time.Second)
}

// GetMaxBackoff returns the reconnect backoff ceiling.
func (c *Config) GetMaxBackoff() time.Duration {
	return parseDuration(c.Poll.MaxBackoff, 30*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

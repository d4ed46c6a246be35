// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and the process environment, in that order of precedence
// (environment wins).
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables for dmserver and dmctl.
type Config struct {
	ServerName string `yaml:"server_name"`
	LogLevel   string `yaml:"log_level"`
	LogPretty  bool   `yaml:"log_pretty"`

	WS    WSConfig    `yaml:"ws"`
	HTTP  HTTPConfig  `yaml:"http"`
	Redis RedisConfig `yaml:"redis"`
	NATS  NATSConfig  `yaml:"nats"`
	DB    DBConfig    `yaml:"db"`
	Chat  ChatConfig  `yaml:"chat"`
}

type WSConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	// TrustedProxies are IPs or CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// ProxyRanges parses TrustedProxies. A bare IP is a single-address range.
func (w WSConfig) ProxyRanges() ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(w.TrustedProxies))
	for _, raw := range w.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("config: ws.trusted_proxies: invalid address %q", raw)
			}
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("config: ws.trusted_proxies: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig selects the change-feed transport. An empty URL runs the
// in-process bus, which only fans out within a single dmserver.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// DBConfig selects the user directory. Without a DSN the directory lives in
// process memory and is filled from SeedFile.
type DBConfig struct {
	DSN      string `yaml:"dsn"`
	Migrate  bool   `yaml:"migrate"`
	SeedFile string `yaml:"seed_file"`
}

type ChatConfig struct {
	SendMaxRetries    int `yaml:"send_max_retries"`
	ContactPageSize   int `yaml:"contact_page_size"`
	MessageWindow     int `yaml:"message_window"`
	PhoneSuffixDigits int `yaml:"phone_suffix_digits"`
	SearchResultLimit int `yaml:"search_result_limit"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "dm-1"
	}
	return Config{
		ServerName: host,
		LogLevel:   "info",
		WS: WSConfig{
			ListenAddr:     ":8080",
			MaxConnections: 100000,
			ReadTimeout:    0,
			WriteTimeout:   10 * time.Second,
		},
		HTTP:  HTTPConfig{ListenAddr: ":8081"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		NATS:  NATSConfig{URL: "nats://localhost:4222"},
		DB:    DBConfig{DSN: "postgres://localhost:5432/friendchat?sslmode=disable"},
		Chat: ChatConfig{
			SendMaxRetries:    25,
			ContactPageSize:   500,
			MessageWindow:     50,
			PhoneSuffixDigits: 10,
			SearchResultLimit: 20,
		},
	}
}

// Load builds a Config. A .env file in the working directory is loaded into
// the environment when present. If path is non-empty the YAML file at path is
// applied over the defaults; a missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first field holding an unusable value.
func (c Config) Validate() error {
	switch {
	case c.Redis.Addr == "":
		return fmt.Errorf("config: redis.addr is required")
	case c.WS.ListenAddr == "":
		return fmt.Errorf("config: ws.listen_addr is required")
	case c.HTTP.ListenAddr == "":
		return fmt.Errorf("config: http.listen_addr is required")
	case c.Chat.SendMaxRetries < 1:
		return fmt.Errorf("config: chat.send_max_retries must be at least 1, got %d", c.Chat.SendMaxRetries)
	case c.Chat.ContactPageSize < 1:
		return fmt.Errorf("config: chat.contact_page_size must be at least 1, got %d", c.Chat.ContactPageSize)
	case c.Chat.MessageWindow < 1:
		return fmt.Errorf("config: chat.message_window must be at least 1, got %d", c.Chat.MessageWindow)
	case c.Chat.PhoneSuffixDigits < 1:
		return fmt.Errorf("config: chat.phone_suffix_digits must be at least 1, got %d", c.Chat.PhoneSuffixDigits)
	case c.WS.MaxConnections < 1:
		return fmt.Errorf("config: ws.max_connections must be at least 1, got %d", c.WS.MaxConnections)
	}
	_, err := c.WS.ProxyRanges()
	return err
}

// ValidateServer adds the checks that only matter for a long-running server.
// Nothing a server exposes can create users, so it needs a directory that is
// either shared (a DSN) or filled at startup (a seed file).
func (c Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.DB.DSN == "" && c.DB.SeedFile == "" {
		return fmt.Errorf("config: db.dsn or db.seed_file is required to serve users")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("SERVER_NAME", &cfg.ServerName)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("WS_ADDR", &cfg.WS.ListenAddr)
	str("HTTP_ADDR", &cfg.HTTP.ListenAddr)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("NATS_URL", &cfg.NATS.URL)
	str("POSTGRES_DSN", &cfg.DB.DSN)
	str("DIRECTORY_SEED_FILE", &cfg.DB.SeedFile)
	if v, ok := os.LookupEnv("TRUSTED_PROXIES"); ok {
		cfg.WS.TrustedProxies = strings.Split(v, ",")
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"REDIS_DB", &cfg.Redis.DB},
		{"MAX_CONNECTIONS", &cfg.WS.MaxConnections},
		{"SEND_MAX_RETRIES", &cfg.Chat.SendMaxRetries},
		{"CONTACT_PAGE_SIZE", &cfg.Chat.ContactPageSize},
		{"MESSAGE_WINDOW", &cfg.Chat.MessageWindow},
		{"PHONE_SUFFIX_DIGITS", &cfg.Chat.PhoneSuffixDigits},
	}
	for _, e := range ints {
		v, ok := os.LookupEnv(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", e.key, err)
		}
		*e.dst = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"LOG_PRETTY", &cfg.LogPretty},
		{"DB_MIGRATE", &cfg.DB.Migrate},
	}
	for _, e := range bools {
		v, ok := os.LookupEnv(e.key)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", e.key, err)
		}
		*e.dst = b
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"READ_TIMEOUT", &cfg.WS.ReadTimeout},
		{"WRITE_TIMEOUT", &cfg.WS.WriteTimeout},
	}
	for _, e := range durations {
		v, ok := os.LookupEnv(e.key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", e.key, err)
		}
		*e.dst = d
	}
	return nil
}

package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"agentbridge/internal/domain"
)

// KeyEnv names the env var holding the passphrase for "enc:" secrets.
const KeyEnv = "AGENTBRIDGE_CONFIG_KEY"

// Config is the top-level agent configuration.
type Config struct {
	Agent           AgentConfig           `yaml:"agent"`
	Server          ServerConfig          `yaml:"server"`
	Directory       DirectoryConfig       `yaml:"directory"`
	Peers           PeersConfig           `yaml:"peers"`
	Delivery        DeliveryConfig        `yaml:"delivery"`
	Conversation    ConversationConfig    `yaml:"conversation"`
	Discovery       DiscoveryConfig       `yaml:"discovery"`
	CapabilityTools CapabilityToolsConfig `yaml:"capability_tools"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
	Scheduler       SchedulerConfig       `yaml:"scheduler"`
	Logger          LoggerConfig          `yaml:"logger"`
	Tracer          TracerConfig          `yaml:"tracer"`
	Includes        []string              `yaml:"includes,omitempty"`
}

// AgentConfig describes this agent. The descriptive fields feed the
// capability-facts document and directory registration.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	PublicURL    string   `yaml:"public_url"` // advertised base URL; derived from server.port when empty
	Description  string   `yaml:"description"`
	Domain       string   `yaml:"domain"`
	Capabilities []string `yaml:"capabilities"`
	Tags         []string `yaml:"tags"`
}

// ServerConfig holds the inbound HTTP listener settings.
type ServerConfig struct {
	Host              string          `yaml:"host"`
	Port              int             `yaml:"port"`
	ReadHeaderTimeout time.Duration   `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration   `yaml:"shutdown_timeout"`
	MaxBodyBytes      int64           `yaml:"max_body_bytes"`
	WebSocket         bool            `yaml:"websocket"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-IP inbound rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// DirectoryConfig holds the agent directory client settings.
type DirectoryConfig struct {
	URL      string        `yaml:"url"` // empty disables the directory
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	Register bool          `yaml:"register"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the directory circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PeersConfig holds peer resolution settings.
type PeersConfig struct {
	Static        map[string]string `yaml:"static"` // agent id -> address
	MDNS          bool              `yaml:"mdns"`
	LookupTimeout time.Duration     `yaml:"lookup_timeout"`
}

// DeliveryConfig holds outbound delivery settings.
type DeliveryConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ConversationConfig holds conversation control settings.
type ConversationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxExchanges  int           `yaml:"max_exchanges"` // 0 = unlimited
	StopKeywords  []string      `yaml:"stop_keywords"`
	Store         string        `yaml:"store"` // "memory" or "redis"
	RedisURL      string        `yaml:"redis_url"`
	RedisPassword string        `yaml:"redis_password"`
	TTL           time.Duration `yaml:"ttl"`
	Capacity      int           `yaml:"capacity"`
}

// DiscoveryConfig holds discovery and fan-out defaults.
type DiscoveryConfig struct {
	Limit             int           `yaml:"limit"`
	MinScore          float64       `yaml:"min_score"`
	FanOutConcurrency int           `yaml:"fanout_concurrency"`
	FanOutTimeout     time.Duration `yaml:"fanout_timeout"`
	KeywordExtraction string        `yaml:"keyword_extraction"` // "tokens" or "callback"
}

// CapabilityToolsConfig holds the "#registry:server" tool settings.
type CapabilityToolsConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
	APIKey  string        `yaml:"api_key"`
	// Registries maps a registry name to a directory base URL. Unknown
	// names fall back to directory.url.
	Registries map[string]string `yaml:"registries"`
}

// TelemetryConfig holds the local event store settings.
type TelemetryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// SchedulerConfig holds background job schedules (cron syntax).
type SchedulerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Heartbeat string `yaml:"heartbeat"`
	Prune     string `yaml:"prune"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns $HOME/.agentbridge/data, or ./data when $HOME
// cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentbridge", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:          "default-agent",
			Description: "Agent bridge",
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              6000,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxBodyBytes:      1 << 20,
			WebSocket:         true,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
		Directory: DirectoryConfig{
			Timeout:  10 * time.Second,
			Register: true,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Peers: PeersConfig{
			LookupTimeout: 10 * time.Second,
		},
		Delivery: DeliveryConfig{
			Timeout: 30 * time.Second,
		},
		Conversation: ConversationConfig{
			Store:    "memory",
			TTL:      24 * time.Hour,
			Capacity: 10000,
		},
		Discovery: DiscoveryConfig{
			Limit:             5,
			MinScore:          0.3,
			FanOutConcurrency: 5,
			FanOutTimeout:     30 * time.Second,
			KeywordExtraction: "tokens",
		},
		CapabilityTools: CapabilityToolsConfig{
			Enabled: true,
			Timeout: 60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:   true,
			Path:      filepath.Join(defaultDataDir(), "telemetry.db"),
			Retention: 7 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Enabled:   true,
			Heartbeat: "@every 60s",
			Prune:     "@hourly",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, decrypts
// secrets and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
		}
	}

	if data != nil {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse: "+err.Error())
		}
		if len(cfg.Includes) > 0 {
			visited := map[string]bool{absPath: true}
			if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
				return nil, err
			}
			// The main file wins over its includes.
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse: "+err.Error())
			}
			cfg.Includes = nil
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(KeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps environment variables onto cfg. The bare
// AGENT_ID, PORT, REGISTRY_URL and PUBLIC_URL names are honored alongside
// the AGENTBRIDGE_* family.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		cfg.Agent.PublicURL = v
	}
	if v := os.Getenv("REGISTRY_URL"); v != "" {
		cfg.Directory.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("AGENTBRIDGE_DIRECTORY_API_KEY"); v != "" {
		cfg.Directory.APIKey = v
	}
	if v := os.Getenv("AGENTBRIDGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTBRIDGE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTBRIDGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTBRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTBRIDGE_REDIS_URL"); v != "" {
		cfg.Conversation.Store = "redis"
		cfg.Conversation.RedisURL = v
	}
	if v := os.Getenv("AGENTBRIDGE_CONVERSATION_MAX_EXCHANGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Conversation.MaxExchanges = n
		}
	}
	if v := os.Getenv("AGENTBRIDGE_CONVERSATION_STOP_KEYWORDS"); v != "" {
		cfg.Conversation.StopKeywords = splitAndTrim(v, ",")
	}
	if v := os.Getenv("AGENTBRIDGE_CONVERSATION_ENABLED"); v != "" {
		cfg.Conversation.Enabled = v == "true"
	}
	if v := os.Getenv("AGENTBRIDGE_MDNS"); v != "" {
		cfg.Peers.MDNS = v == "true"
	}
	if v := os.Getenv("AGENTBRIDGE_TELEMETRY_PATH"); v != "" {
		cfg.Telemetry.Path = v
	}
}

// Address returns the host:port the server listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AdvertisedURL returns the base URL peers should use to reach this agent.
func (c *Config) AdvertisedURL() string {
	if c.Agent.PublicURL != "" {
		return strings.TrimRight(c.Agent.PublicURL, "/")
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

// splitAndTrim splits s by sep, trims each part and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." values in secret fields with their
// plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"directory.api_key", &cfg.Directory.APIKey},
		{"conversation.redis_password", &cfg.Conversation.RedisPassword},
		{"capability_tools.api_key", &cfg.CapabilityTools.APIKey},
	}
	for _, f := range fields {
		if !strings.HasPrefix(*f.ptr, "enc:") {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*f.ptr, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = plain
	}
	return nil
}

// EncryptValue encrypts plaintext with AES-256-GCM under a key derived
// from passphrase. The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plain), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

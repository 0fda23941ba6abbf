package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v9"
)

// DefaultAPIBaseURL is the reputation API root used unless api.base_url or API_URL is set.
const DefaultAPIBaseURL = "https://api.abuseipdb.com/api/v2"

// Config holds all threatfeed configuration.
type Config struct {
	Server        ServerConfig           `toml:"server"`
	Auth          AuthConfig             `toml:"auth"`
	Limits        LimitsConfig           `toml:"limits"`
	API           APIConfig              `toml:"api"`
	Enrichment    EnrichmentConfig       `toml:"enrichment"`
	Display       DisplayConfig          `toml:"display"`
	Output        OutputConfig           `toml:"output"`
	Logging       LoggingConfig          `toml:"logging"`
	Observability ObservabilityConfig    `toml:"observability"`
	Feed          map[string]interface{} `toml:"feed"`
}

type ServerConfig struct {
	ListenAddress           string `toml:"listen_address"`
	TLS                     bool   `toml:"tls"`
	CertFile                string `toml:"cert_file"`
	KeyFile                 string `toml:"key_file"`
	ManagementListenAddress string `toml:"management_listen_address"`
}

type AuthConfig struct {
	TokenFile string            `toml:"token_file"`
	Tokens    map[string]string `toml:"tokens"`
}

type LimitsConfig struct {
	MaxBodySizeBytes int64 `toml:"max_body_size_bytes"`
	PerClientRPS     int   `toml:"per_client_rps"`
}

type APIConfig struct {
	BaseURL string `toml:"base_url"`
}

type EnrichmentConfig struct {
	GeoIPDBPath string      `toml:"geoip_db_path"`
	ASNDBPath   string      `toml:"asn_db_path"`
	DNS         DNSConfig   `toml:"dns"`
	Whois       WhoisConfig `toml:"whois"`
}

type DNSConfig struct {
	Enabled  bool `toml:"enabled"`
	CacheTTL int  `toml:"cache_ttl_seconds"`
	MaxQPS   int  `toml:"max_qps"`
}

type WhoisConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
	RegionalServer  string `toml:"regional_server"`
	MaxRangesPerISP int    `toml:"max_ranges_per_isp"`
}

// DisplayConfig drives the rotation view. A negative rotate interval disables rotation.
type DisplayConfig struct {
	RotateIntervalMs int `toml:"rotate_interval_ms"`
	MinConfidence    int `toml:"min_confidence"`
}

type OutputConfig struct {
	Type               string `toml:"type"`
	ElasticsearchURL   string `toml:"elasticsearch_url"`
	ElasticsearchIndex string `toml:"elasticsearch_index"`
	ElasticsearchUser  string `toml:"elasticsearch_user"`
	ElasticsearchPass  string `toml:"elasticsearch_pass"`
	RedisURL           string `toml:"redis_url"`
	RedisStream        string `toml:"redis_stream"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool `toml:"metrics_enabled"`
}

// envOverrides carries secrets that should not live in the config file.
type envOverrides struct {
	APIKey            string `env:"THREATFEED_API_KEY"`
	APIURL            string `env:"API_URL"`
	RedisURL          string `env:"THREATFEED_REDIS_URL"`
	ElasticsearchUser string `env:"THREATFEED_ELASTICSEARCH_USER"`
	ElasticsearchPass string `env:"THREATFEED_ELASTICSEARCH_PASS"`
}

// Load reads config from path (TOML) and applies environment overrides (secrets).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.setDefaults()
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return &c, c.validate()
}

func (c *Config) setDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Limits.MaxBodySizeBytes == 0 {
		c.Limits.MaxBodySizeBytes = 256 * 1024
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultAPIBaseURL
	}
	if c.Enrichment.Whois.TimeoutSeconds == 0 {
		c.Enrichment.Whois.TimeoutSeconds = 5
	}
	if c.Enrichment.Whois.CacheTTLSeconds == 0 {
		c.Enrichment.Whois.CacheTTLSeconds = 24 * 60 * 60
	}
	if c.Enrichment.Whois.RegionalServer == "" {
		c.Enrichment.Whois.RegionalServer = "whois.ripe.net"
	}
	if c.Enrichment.Whois.MaxRangesPerISP == 0 {
		c.Enrichment.Whois.MaxRangesPerISP = 8
	}
	if c.Display.RotateIntervalMs == 0 {
		c.Display.RotateIntervalMs = 10000
	}
	if c.Output.Type == "" {
		c.Output.Type = "none"
	}
	if c.Output.RedisStream == "" {
		c.Output.RedisStream = "threatfeed:records"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Auth.Tokens == nil {
		c.Auth.Tokens = make(map[string]string)
	}
	if c.Feed == nil {
		c.Feed = make(map[string]interface{})
	}
}

func (c *Config) applyEnv() error {
	// Tokens: THREATFEED_CLIENT_<client_id>=<token>
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "THREATFEED_CLIENT_") {
			continue
		}
		key, val, _ := strings.Cut(e, "=")
		if val == "" {
			continue
		}
		clientID := strings.TrimPrefix(key, "THREATFEED_CLIENT_")
		clientID = strings.ReplaceAll(clientID, "_", "-")
		c.Auth.Tokens[val] = clientID
	}
	// Token file: lines of "token,client_id"
	if c.Auth.TokenFile != "" {
		data, err := os.ReadFile(c.Auth.TokenFile)
		if err != nil {
			return fmt.Errorf("auth token_file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			token, clientID, ok := strings.Cut(line, ",")
			if !ok {
				continue
			}
			token = strings.TrimSpace(token)
			clientID = strings.TrimSpace(clientID)
			if token != "" && clientID != "" {
				c.Auth.Tokens[token] = clientID
			}
		}
	}

	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	if o.APIKey != "" {
		c.Feed["apiKey"] = o.APIKey
	}
	if o.APIURL != "" {
		c.API.BaseURL = o.APIURL
	}
	if o.RedisURL != "" {
		c.Output.RedisURL = o.RedisURL
	}
	if o.ElasticsearchUser != "" {
		c.Output.ElasticsearchUser = o.ElasticsearchUser
	}
	if o.ElasticsearchPass != "" {
		c.Output.ElasticsearchPass = o.ElasticsearchPass
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.TLS {
		if c.Server.CertFile == "" || c.Server.KeyFile == "" {
			return fmt.Errorf("server: tls enabled but cert_file or key_file missing")
		}
		if _, err := os.Stat(c.Server.CertFile); err != nil {
			return fmt.Errorf("server: cert_file %q not readable: %w", c.Server.CertFile, err)
		}
		if _, err := os.Stat(c.Server.KeyFile); err != nil {
			return fmt.Errorf("server: key_file %q not readable: %w", c.Server.KeyFile, err)
		}
	}
	if len(c.Auth.Tokens) == 0 {
		return fmt.Errorf("auth: no tokens configured (use token_file or THREATFEED_CLIENT_* env)")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api: base_url %q is not an http(s) URL", c.API.BaseURL)
	}
	switch c.Output.Type {
	case "none", "stdout":
	case "elasticsearch":
		if c.Output.ElasticsearchURL == "" {
			return fmt.Errorf("output: elasticsearch_url required when type=elasticsearch")
		}
	case "redis":
		if c.Output.RedisURL == "" {
			return fmt.Errorf("output: redis_url required when type=redis")
		}
	default:
		return fmt.Errorf("output: unknown type %q", c.Output.Type)
	}
	return nil
}

// ClientForToken returns the client id for a token, or "" if unknown.
func (c *Config) ClientForToken(token string) string {
	return c.Auth.Tokens[token]
}

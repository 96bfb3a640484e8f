// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface exposes read access to each configuration section so components
// can be handed only what they need and tests can substitute values.
type Interface interface {
	Logger() LoggerConfig
	Proxy() ProxyConfig
	Mailbox() MailboxConfig
	Browser() BrowserConfig
	Acquisition() AcquisitionConfig
	Store() StoreConfig
	Push() PushConfig
	Server() ServerConfig

	SetBrowserHeadless(bool)
	SetProxyNode(string)
}

// Config is the root configuration, populated by viper.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	ProxyCfg       ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	MailboxCfg     MailboxConfig     `mapstructure:"mailbox" yaml:"mailbox"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	AcquisitionCfg AcquisitionConfig `mapstructure:"acquisition" yaml:"acquisition"`
	StoreCfg       StoreConfig       `mapstructure:"store" yaml:"store"`
	PushCfg        PushConfig        `mapstructure:"push" yaml:"push"`
	ServerCfg      ServerConfig      `mapstructure:"server" yaml:"server"`
}

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Proxy() ProxyConfig             { return c.ProxyCfg }
func (c *Config) Mailbox() MailboxConfig         { return c.MailboxCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Acquisition() AcquisitionConfig { return c.AcquisitionCfg }
func (c *Config) Store() StoreConfig             { return c.StoreCfg }
func (c *Config) Push() PushConfig               { return c.PushCfg }
func (c *Config) Server() ServerConfig           { return c.ServerCfg }

// --- Setters (CLI flag overrides) ---

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetProxyNode(n string)     { c.ProxyCfg.Node = n }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ProxyConfig configures the mihomo routing process and node health search.
type ProxyConfig struct {
	Executable string `mapstructure:"executable" yaml:"executable"`
	// ConfigPath is the operator supplied node definition file.
	ConfigPath string `mapstructure:"config_path" yaml:"config_path"`
	// RuntimePath receives the rewritten copy that mihomo is launched with.
	RuntimePath string `mapstructure:"runtime_path" yaml:"runtime_path"`
	// InlineConfig, when set, is written to ConfigPath before startup.
	InlineConfig string `mapstructure:"inline_config" yaml:"-"`
	MixedPort    int    `mapstructure:"mixed_port" yaml:"mixed_port"`
	APIPort      int    `mapstructure:"api_port" yaml:"api_port"`
	// Group restricts the health search. Empty means the first selectable group.
	Group string `mapstructure:"group" yaml:"group"`
	// Node pins a specific node and skips the health search.
	Node                string        `mapstructure:"node" yaml:"node"`
	Denylist            []string      `mapstructure:"denylist" yaml:"denylist"`
	ProbeURL            string        `mapstructure:"probe_url" yaml:"probe_url"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ReachabilityURL     string        `mapstructure:"reachability_url" yaml:"reachability_url"`
	ReachabilityTimeout time.Duration `mapstructure:"reachability_timeout" yaml:"reachability_timeout"`
	SettleDelay         time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	StartupAttempts     int           `mapstructure:"startup_attempts" yaml:"startup_attempts"`
	// EgressGate starts a private forwarding listener per lease.
	EgressGate bool `mapstructure:"egress_gate" yaml:"egress_gate"`
}

// APIURL is the base URL of the mihomo external controller.
func (p ProxyConfig) APIURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", p.APIPort)
}

// MixedURL is the egress URL of the mixed-protocol listener.
func (p ProxyConfig) MixedURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", p.MixedPort)
}

// MailboxConfig configures the temporary mailbox provider.
type MailboxConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	DefaultDomain  string        `mapstructure:"default_domain" yaml:"default_domain"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RetryCount     int           `mapstructure:"retry_count" yaml:"retry_count"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// BrowserConfig holds settings for the browser sessions.
type BrowserConfig struct {
	Headless      bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath      string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args          []string       `mapstructure:"args" yaml:"args"`
	LoginURL      string         `mapstructure:"login_url" yaml:"login_url"`
	UserAgent     string         `mapstructure:"user_agent" yaml:"user_agent"`
	Locale        string         `mapstructure:"locale" yaml:"locale"`
	Timezone      string         `mapstructure:"timezone" yaml:"timezone"`
	Viewport      map[string]int `mapstructure:"viewport" yaml:"viewport"`
	NavAttempts   int            `mapstructure:"nav_attempts" yaml:"nav_attempts"`
	NavRetryDelay time.Duration  `mapstructure:"nav_retry_delay" yaml:"nav_retry_delay"`
}

// AcquisitionConfig tunes the orchestrator's retry state machine.
type AcquisitionConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Cooldown             time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	CodeTimeout          time.Duration `mapstructure:"code_timeout" yaml:"code_timeout"`
	LoginCompleteTimeout time.Duration `mapstructure:"login_complete_timeout" yaml:"login_complete_timeout"`
	// JobTimeout is the per-account budget of an API job.
	JobTimeout           time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
}

// StoreConfig locates the artifact store and the seed ledger.
type StoreConfig struct {
	AccountsPath string `mapstructure:"accounts_path" yaml:"accounts_path"`
	LedgerPath   string `mapstructure:"ledger_path" yaml:"ledger_path"`
	// DatabaseURL switches the artifact store to PostgreSQL when set.
	DatabaseURL string `mapstructure:"database_url" yaml:"-"`
}

// PushConfig configures delivery of artifacts to the downstream panel.
type PushConfig struct {
	TargetURL  string        `mapstructure:"target_url" yaml:"target_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryCount int           `mapstructure:"retry_count" yaml:"retry_count"`
}

// ServerConfig configures the job API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	MaxJobs         int           `mapstructure:"max_jobs" yaml:"max_jobs"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// TrustedProxies are the addresses or CIDRs whose X-Forwarded-For is
	// believed when keying the rate limiter. Empty means the socket peer.
	TrustedProxies  []string      `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
}

// NewDefaultConfig creates a configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers every default on the given viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "refresh-gemini")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Proxy --
	v.SetDefault("proxy.executable", "mihomo")
	v.SetDefault("proxy.config_path", "local.yaml")
	v.SetDefault("proxy.runtime_path", "config_runtime.yaml")
	v.SetDefault("proxy.mixed_port", 17890)
	v.SetDefault("proxy.api_port", 29090)
	v.SetDefault("proxy.group", "")
	v.SetDefault("proxy.node", "")
	v.SetDefault("proxy.denylist", []string{"自动选择", "故障转移", "DIRECT", "REJECT", "剩余", "到期", "官网"})
	v.SetDefault("proxy.probe_url", "http://www.gstatic.com/generate_204")
	v.SetDefault("proxy.probe_timeout", "5s")
	v.SetDefault("proxy.reachability_url", "http://www.gstatic.com/generate_204")
	v.SetDefault("proxy.reachability_timeout", "5s")
	v.SetDefault("proxy.settle_delay", "1s")
	v.SetDefault("proxy.startup_attempts", 10)
	v.SetDefault("proxy.egress_gate", false)

	// -- Mailbox --
	v.SetDefault("mailbox.base_url", "https://api.duckmail.sbs")
	v.SetDefault("mailbox.default_domain", "virgilian.com")
	v.SetDefault("mailbox.request_timeout", "30s")
	v.SetDefault("mailbox.retry_count", 3)
	v.SetDefault("mailbox.retry_backoff", "1s")
	v.SetDefault("mailbox.poll_interval", "3s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.login_url", "https://business.gemini.google/")
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "America/New_York")
	v.SetDefault("browser.viewport", map[string]int{"width": 1920, "height": 1080})
	v.SetDefault("browser.nav_attempts", 3)
	v.SetDefault("browser.nav_retry_delay", "3s")

	// -- Acquisition --
	v.SetDefault("acquisition.max_attempts", 3)
	v.SetDefault("acquisition.cooldown", "3s")
	v.SetDefault("acquisition.code_timeout", "30s")
	v.SetDefault("acquisition.login_complete_timeout", "60s")
	v.SetDefault("acquisition.job_timeout", "15m")

	// -- Store --
	v.SetDefault("store.accounts_path", "./accounts.json")
	v.SetDefault("store.ledger_path", "./result.csv")
	v.SetDefault("store.database_url", "")

	// -- Push --
	v.SetDefault("push.target_url", "")
	v.SetDefault("push.timeout", "30s")
	v.SetDefault("push.retry_count", 3)

	// -- Server --
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.rate_limit", 2.0)
	v.SetDefault("server.rate_burst", 5)
	v.SetDefault("server.max_jobs", 200)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.trusted_proxies", []string{})
}

// legacyEnv maps config keys to the environment variable names older
// deployments export.
var legacyEnv = map[string]string{
	"proxy.executable":    "CLASH_EXECUTABLE",
	"proxy.config_path":   "CLASH_CONFIG",
	"proxy.mixed_port":    "CLASH_PORT",
	"proxy.api_port":      "CLASH_API_PORT",
	"proxy.inline_config": "CLASH_PROXIES",
	"mailbox.base_url":    "EMAIL_API_URL",
	"push.target_url":     "POST_TARGET_URL",
	"push.retry_count":    "RETRY_COUNT",
	"store.ledger_path":   "INPUT_CSV_PATH",
	"store.accounts_path": "OUTPUT_JSON_PATH",
	"store.database_url":  "DATABASE_URL",
	"browser.headless":    "BROWSER_HEADLESS",
}

// BindLegacyEnv binds the historical, unprefixed environment variable names.
func BindLegacyEnv(v *viper.Viper) {
	for key, env := range legacyEnv {
		// Second name keeps the prefixed form working as well.
		_ = v.BindEnv(key, "REFRESH_"+envKey(key), env)
	}
}

func envKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// NewConfigFromViper unmarshals, normalizes and validates a configuration.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	BindLegacyEnv(v)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// REQUEST_TIMEOUT was historically given in whole seconds.
	_ = v.BindEnv("request_timeout", "REQUEST_TIMEOUT")
	if secs := v.GetInt("request_timeout"); secs > 0 {
		cfg.PushCfg.Timeout = time.Duration(secs) * time.Second
		cfg.MailboxCfg.RequestTimeout = time.Duration(secs) * time.Second
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	paths := []*string{
		&c.ProxyCfg.Executable,
		&c.ProxyCfg.ConfigPath,
		&c.ProxyCfg.RuntimePath,
		&c.StoreCfg.AccountsPath,
		&c.StoreCfg.LedgerPath,
		&c.LoggerCfg.LogFile,
		&c.BrowserCfg.ExecPath,
	}
	for _, p := range paths {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.ProxyCfg.Validate(); err != nil {
		return fmt.Errorf("proxy configuration invalid: %w", err)
	}
	if _, err := url.ParseRequestURI(c.MailboxCfg.BaseURL); err != nil {
		return fmt.Errorf("mailbox.base_url is not a valid URL: %w", err)
	}
	if c.MailboxCfg.PollInterval <= 0 {
		return fmt.Errorf("mailbox.poll_interval must be positive")
	}
	if c.BrowserCfg.LoginURL == "" {
		return fmt.Errorf("browser.login_url is a required configuration field")
	}
	if c.AcquisitionCfg.MaxAttempts <= 0 {
		return fmt.Errorf("acquisition.max_attempts must be a positive integer")
	}
	if c.AcquisitionCfg.CodeTimeout <= 0 || c.AcquisitionCfg.LoginCompleteTimeout <= 0 {
		return fmt.Errorf("acquisition timeouts must be positive")
	}
	if c.StoreCfg.AccountsPath == "" && c.StoreCfg.DatabaseURL == "" {
		return fmt.Errorf("either store.accounts_path or store.database_url must be set")
	}
	if c.PushCfg.RetryCount <= 0 {
		return fmt.Errorf("push.retry_count must be a positive integer")
	}
	if c.ServerCfg.RateLimit <= 0 || c.ServerCfg.RateBurst <= 0 {
		return fmt.Errorf("server.rate_limit and server.rate_burst must be positive")
	}
	return nil
}

// Validate checks the proxy section.
func (p *ProxyConfig) Validate() error {
	if p.Executable == "" {
		return fmt.Errorf("executable is required")
	}
	if p.ConfigPath == "" || p.RuntimePath == "" {
		return fmt.Errorf("config_path and runtime_path are required")
	}
	if p.ConfigPath == p.RuntimePath {
		return fmt.Errorf("runtime_path must differ from config_path")
	}
	for name, port := range map[string]int{"mixed_port": p.MixedPort, "api_port": p.APIPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s %d is out of range", name, port)
		}
	}
	if p.MixedPort == p.APIPort {
		return fmt.Errorf("mixed_port and api_port must differ")
	}
	if p.ProbeTimeout <= 0 || p.ReachabilityTimeout <= 0 {
		return fmt.Errorf("probe and reachability timeouts must be positive")
	}
	return nil
}

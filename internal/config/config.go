package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	ACMEBackendCertbot = "certbot"
	ACMEBackendLego    = "lego"
)

// DefaultReservedNames are platform path segments that can never be a custom domain.
var DefaultReservedNames = []string{"api", "admin", "assets", "static", "health", "preview", "sites"}

// environment mirrors the process environment. Durations and lists are
// parsed by Load.
type environment struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL"`
	ServerIP    string `env:"SERVER_IP,required=true"`
	ACMEEmail   string `env:"ACME_EMAIL,required=true"`
	ContentRoot string `env:"CONTENT_ROOT,required=true"`
	AppPort     int    `env:"APP_PORT,default=3000"`

	ReservedNames string `env:"RESERVED_NAMES"`

	NginxSitesAvailable string `env:"NGINX_SITES_AVAILABLE,default=/etc/nginx/sites-available"`
	NginxSitesEnabled   string `env:"NGINX_SITES_ENABLED,default=/etc/nginx/sites-enabled"`
	NginxTestCmd        string `env:"NGINX_TEST_CMD,default=nginx -t"`
	NginxReloadCmd      string `env:"NGINX_RELOAD_CMD,default=nginx -s reload"`

	ACMEBackend      string `env:"ACME_BACKEND,default=certbot"`
	CertbotBin       string `env:"CERTBOT_BIN,default=certbot"`
	ACMEDirectoryURL string `env:"ACME_DIRECTORY_URL,default=https://acme-v02.api.letsencrypt.org/directory"`
	ACMEWebroot      string `env:"ACME_WEBROOT,default=/var/www/acme"`
	CertDir          string `env:"CERT_DIR,default=/var/lib/domain-engine/certs"`
	IssueRateLimit   int    `env:"ISSUE_RATE_LIMIT,default=20"`
	IssueRateWindow  string `env:"ISSUE_RATE_WINDOW,default=1m"`

	DNSNameservers string `env:"DNS_NAMESERVERS"`
	DNSTimeout     string `env:"DNS_TIMEOUT,default=5s"`
	CommandTimeout string `env:"COMMAND_TIMEOUT,default=60s"`

	PendingInterval      string `env:"PENDING_INTERVAL,default=30m"`
	ExpiryAuditInterval  string `env:"EXPIRY_AUDIT_INTERVAL,default=24h"`
	RenewalInterval      string `env:"RENEWAL_INTERVAL,default=168h"`
	CleanupInterval      string `env:"CLEANUP_INTERVAL,default=168h"`
	StartupDelay         string `env:"STARTUP_DELAY,default=10s"`
	RecordTimeout        string `env:"RECORD_TIMEOUT,default=5m"`
	LockWait             string `env:"LOCK_WAIT,default=10s"`
	ReconcileConcurrency int    `env:"RECONCILE_CONCURRENCY,default=4"`

	WebhookURL string `env:"WEBHOOK_URL"`
	APIPort    int    `env:"API_PORT,default=8080"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`
	LogFormat  string `env:"LOG_FORMAT,default=json"`
	InstanceID string `env:"INSTANCE_ID"`
}

type Config struct {
	DatabaseDSN string
	RedisURL    string
	ServerIP    string
	ACMEEmail   string
	ContentRoot string
	AppPort     int

	ReservedNames []string

	NginxSitesAvailable string
	NginxSitesEnabled   string
	NginxTestCmd        string
	NginxReloadCmd      string

	ACMEBackend      string
	CertbotBin       string
	ACMEDirectoryURL string
	ACMEWebroot      string
	CertDir          string
	IssueRateLimit   int
	IssueRateWindow  time.Duration

	DNSNameservers []string
	DNSTimeout     time.Duration
	CommandTimeout time.Duration

	PendingInterval      time.Duration
	ExpiryAuditInterval  time.Duration
	RenewalInterval      time.Duration
	CleanupInterval      time.Duration
	StartupDelay         time.Duration
	RecordTimeout        time.Duration
	LockWait             time.Duration
	ReconcileConcurrency int

	WebhookURL string
	APIPort    int
	LogLevel   string
	LogFormat  string
	InstanceID string
}

// Load reads an optional dotenv file (ENV_FILE, default .env) and then the
// process environment. Variables already set in the environment win.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	var raw environment
	if _, err := env.UnmarshalFromEnviron(&raw); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return raw.parse()
}

func loadDotEnv() error {
	path := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if path == "" {
		path = ".env"
	}

	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func (e *environment) parse() (*Config, error) {
	cfg := &Config{
		DatabaseDSN:          strings.TrimSpace(e.DatabaseDSN),
		RedisURL:             strings.TrimSpace(e.RedisURL),
		ServerIP:             strings.TrimSpace(e.ServerIP),
		ACMEEmail:            strings.TrimSpace(e.ACMEEmail),
		ContentRoot:          strings.TrimSpace(e.ContentRoot),
		AppPort:              e.AppPort,
		ReservedNames:        splitList(e.ReservedNames),
		NginxSitesAvailable:  e.NginxSitesAvailable,
		NginxSitesEnabled:    e.NginxSitesEnabled,
		NginxTestCmd:         e.NginxTestCmd,
		NginxReloadCmd:       e.NginxReloadCmd,
		ACMEBackend:          strings.ToLower(strings.TrimSpace(e.ACMEBackend)),
		CertbotBin:           e.CertbotBin,
		ACMEDirectoryURL:     e.ACMEDirectoryURL,
		ACMEWebroot:          e.ACMEWebroot,
		CertDir:              e.CertDir,
		IssueRateLimit:       e.IssueRateLimit,
		DNSNameservers:       splitList(e.DNSNameservers),
		ReconcileConcurrency: e.ReconcileConcurrency,
		WebhookURL:           strings.TrimSpace(e.WebhookURL),
		APIPort:              e.APIPort,
		LogLevel:             e.LogLevel,
		LogFormat:            strings.ToLower(strings.TrimSpace(e.LogFormat)),
		InstanceID:           strings.TrimSpace(e.InstanceID),
	}
	if len(cfg.ReservedNames) == 0 {
		cfg.ReservedNames = append([]string(nil), DefaultReservedNames...)
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"ISSUE_RATE_WINDOW", e.IssueRateWindow, &cfg.IssueRateWindow},
		{"DNS_TIMEOUT", e.DNSTimeout, &cfg.DNSTimeout},
		{"COMMAND_TIMEOUT", e.CommandTimeout, &cfg.CommandTimeout},
		{"PENDING_INTERVAL", e.PendingInterval, &cfg.PendingInterval},
		{"EXPIRY_AUDIT_INTERVAL", e.ExpiryAuditInterval, &cfg.ExpiryAuditInterval},
		{"RENEWAL_INTERVAL", e.RenewalInterval, &cfg.RenewalInterval},
		{"CLEANUP_INTERVAL", e.CleanupInterval, &cfg.CleanupInterval},
		{"STARTUP_DELAY", e.StartupDelay, &cfg.StartupDelay},
		{"RECORD_TIMEOUT", e.RecordTimeout, &cfg.RecordTimeout},
		{"LOCK_WAIT", e.LockWait, &cfg.LockWait},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.key, d.value, err)
		}
		if parsed < 0 {
			return nil, fmt.Errorf("invalid %s %q: must not be negative", d.key, d.value)
		}
		*d.dst = parsed
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.ACMEBackend {
	case ACMEBackendCertbot, ACMEBackendLego:
	default:
		return fmt.Errorf("invalid ACME_BACKEND %q: must be %s or %s", c.ACMEBackend, ACMEBackendCertbot, ACMEBackendLego)
	}
	if c.AppPort <= 0 || c.AppPort > 65535 {
		return fmt.Errorf("invalid APP_PORT %d", c.AppPort)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API_PORT %d", c.APIPort)
	}
	if c.ReconcileConcurrency <= 0 {
		return fmt.Errorf("invalid RECONCILE_CONCURRENCY %d", c.ReconcileConcurrency)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

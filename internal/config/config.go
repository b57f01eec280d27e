package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/flowpbx/corepbx/internal/database"
)

// Config holds all runtime configuration for the core PBX server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	HTTPPort         int
	ProvisioningPort int
	SIPPort          int
	SIPTLSPort       int
	RTPPortMin       int
	RTPPortMax       int
	TLSCert          string
	TLSKey           string
	LogLevel         string
	LogFormat        string
	CORSOrigins      string
	ExternalIP       string // public IP for SDP rewriting (media relay)

	SIPSecretKey     string // ≥32 bytes of entropy, used for digest realm secrets
	SessionSecretKey string // ≥32 bytes of entropy, used to sign admin bearer tokens

	ACMEDomain string
	ACMEEmail  string
}

// defaults
const (
	defaultHTTPPort         = 8080
	defaultProvisioningPort = 8081
	defaultSIPPort          = 5060
	defaultSIPTLSPort       = 5061
	defaultRTPPortMin       = 10000
	defaultRTPPortMax       = 20000
	defaultDBPort           = 5432
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"

	// minSecretKeyLen is the minimum byte length required for SIP_SECRET_KEY
	// and SESSION_SECRET_KEY, per the external interfaces contract.
	minSecretKeyLen = 32
)

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults. A missing or undersized
// secret key is fatal: the process should not start with a forgeable
// digest realm or admin token signer.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("corepbx", flag.ContinueOnError)

	fs.StringVar(&cfg.DBHost, "db-host", "localhost", "PostgreSQL host")
	fs.IntVar(&cfg.DBPort, "db-port", defaultDBPort, "PostgreSQL port")
	fs.StringVar(&cfg.DBName, "db-name", "corepbx", "PostgreSQL database name")
	fs.StringVar(&cfg.DBUser, "db-user", "corepbx", "PostgreSQL user")
	fs.StringVar(&cfg.DBPassword, "db-password", "", "PostgreSQL password")

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "admin REST API listen port")
	fs.IntVar(&cfg.ProvisioningPort, "provisioning-port", defaultProvisioningPort, "device provisioning HTTP listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.SIPTLSPort, "sip-tls-port", defaultSIPTLSPort, "SIP TLS listen port")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP relay")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP relay")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP rewriting (auto-detected if empty)")
	fs.StringVar(&cfg.SIPSecretKey, "sip-secret-key", "", "≥32 bytes of entropy for SIP digest realm secrets")
	fs.StringVar(&cfg.SessionSecretKey, "session-secret-key", "", "≥32 bytes of entropy for admin bearer token signing")
	fs.StringVar(&cfg.ACMEDomain, "acme-domain", "", "domain for automatic Let's Encrypt TLS certificate")
	fs.StringVar(&cfg.ACMEEmail, "acme-email", "", "contact email for Let's Encrypt account notifications")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. CLI flags take precedence over
// env vars, which take precedence over defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"db-host":             "DB_HOST",
		"db-port":             "DB_PORT",
		"db-name":             "DB_NAME",
		"db-user":             "DB_USER",
		"db-password":         "DB_PASSWORD",
		"http-port":           "HTTP_PORT",
		"provisioning-port":   "PROVISIONING_PORT",
		"sip-port":            "SIP_PORT",
		"sip-tls-port":        "SIP_TLS_PORT",
		"rtp-port-min":        "RTP_PORT_MIN",
		"rtp-port-max":        "RTP_PORT_MAX",
		"tls-cert":            "TLS_CERT",
		"tls-key":             "TLS_KEY",
		"log-level":           "LOG_LEVEL",
		"log-format":          "LOG_FORMAT",
		"cors-origins":        "CORS_ORIGINS",
		"external-ip":         "EXTERNAL_IP",
		"sip-secret-key":      "SIP_SECRET_KEY",
		"session-secret-key":  "SESSION_SECRET_KEY",
		"acme-domain":         "ACME_DOMAIN",
		"acme-email":          "ACME_EMAIL",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "db-host":
			cfg.DBHost = val
		case "db-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DBPort = v
			}
		case "db-name":
			cfg.DBName = val
		case "db-user":
			cfg.DBUser = val
		case "db-password":
			cfg.DBPassword = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "provisioning-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ProvisioningPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-tls-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPTLSPort = v
			}
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "external-ip":
			cfg.ExternalIP = val
		case "sip-secret-key":
			cfg.SIPSecretKey = val
		case "session-secret-key":
			cfg.SessionSecretKey = val
		case "acme-domain":
			cfg.ACMEDomain = val
		case "acme-email":
			cfg.ACMEEmail = val
		}
	}
}

// validate checks that the config values are sane and that the required
// secrets carry enough entropy. A missing or undersized secret key is fatal.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.SIPTLSPort < 1 || c.SIPTLSPort > 65535 {
		return fmt.Errorf("sip-tls-port must be between 1 and 65535, got %d", c.SIPTLSPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}
	if c.ACMEDomain != "" && c.TLSCert != "" {
		return fmt.Errorf("acme-domain and tls-cert/tls-key are mutually exclusive")
	}

	if len(c.SIPSecretKey) < minSecretKeyLen {
		return fmt.Errorf("sip-secret-key (SIP_SECRET_KEY) must be at least %d bytes of entropy", minSecretKeyLen)
	}
	if len(c.SessionSecretKey) < minSecretKeyLen {
		return fmt.Errorf("session-secret-key (SESSION_SECRET_KEY) must be at least %d bytes of entropy", minSecretKeyLen)
	}

	return nil
}

// DSN builds the PostgreSQL connection parameters from the configured
// DB_HOST/DB_PORT/DB_NAME/DB_USER/DB_PASSWORD values.
func (c *Config) DSN() database.DSN {
	return database.DSN{
		Host:     c.DBHost,
		Port:     c.DBPort,
		Name:     c.DBName,
		User:     c.DBUser,
		Password: c.DBPassword,
	}
}

// TLSEnabled returns true if either manual TLS certificates or automatic
// ACME (Let's Encrypt) certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" || c.ACMEDomain != ""
}

// SIPSecretKeyBytes returns the raw bytes of the configured digest realm
// secret.
func (c *Config) SIPSecretKeyBytes() []byte {
	return []byte(c.SIPSecretKey)
}

// SessionSecretKeyBytes returns the raw bytes of the configured admin
// bearer token signing secret.
func (c *Config) SessionSecretKeyBytes() []byte {
	return []byte(c.SessionSecretKey)
}

// MediaIP returns the IP address to use in SDP for the media relay.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4
// address, falling back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

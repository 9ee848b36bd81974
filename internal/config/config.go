package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/joho/godotenv"

	"github.com/neekaru/whatsapp-dashboard/pkg/logger"
)

// Config holds application configuration
type Config struct {
	ServerPort string
	DataDir    string
	UploadDir  string
	// MaxUploadBytes is the size ceiling for media attachments
	MaxUploadBytes int64
	LogDir         string
	LogLevel       string
	// WALogLevel is the level of whatsmeow's own loggers
	WALogLevel string
	// PairingTimeout bounds how long a session may wait for its QR to be
	// scanned. Zero disables the limit.
	PairingTimeout   time.Duration
	SendTimeout      time.Duration
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	// CorsOrigins restricts allowed origins; empty allows all
	CorsOrigins []string
	// RestoreSessions re-initializes every paired device found in DataDir
	// at startup
	RestoreSessions bool
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		ServerPort:       "3000",
		DataDir:          "data",
		UploadDir:        "uploads",
		MaxUploadBytes:   16 << 20,
		LogDir:           "logs",
		LogLevel:         "info",
		WALogLevel:       "WARN",
		SendTimeout:      60 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		MetricsNamespace: "wadash",
	}
}

// LoadDotEnv loads a .env file if present. A missing file is not an error.
func LoadDotEnv(filenames ...string) error {
	err := godotenv.Load(filenames...)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Load returns the defaults overridden by environment variables
func Load() (*Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a configuration from an arbitrary variable source
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	c := NewConfig()
	p := parser{lookup: lookup}

	p.str("SERVER_PORT", &c.ServerPort)
	p.str("DATA_DIR", &c.DataDir)
	p.str("UPLOAD_DIR", &c.UploadDir)
	p.str("LOG_DIR", &c.LogDir)
	p.str("LOG_LEVEL", &c.LogLevel)
	p.str("WA_LOG_LEVEL", &c.WALogLevel)
	p.str("METRICS_NAMESPACE", &c.MetricsNamespace)
	p.megabytes("MAX_UPLOAD_MB", &c.MaxUploadBytes)
	p.duration("PAIRING_TIMEOUT", &c.PairingTimeout)
	p.duration("SEND_TIMEOUT", &c.SendTimeout)
	p.duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	p.list("CORS_ORIGINS", &c.CorsOrigins)
	p.boolean("RESTORE_SESSIONS", &c.RestoreSessions)

	if p.err != nil {
		return nil, p.err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks values that parsing alone cannot
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.ServerPort)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("config: invalid SERVER_PORT %q", c.ServerPort)
	}
	if c.DataDir == "" || c.UploadDir == "" || c.LogDir == "" {
		return fmt.Errorf("config: DATA_DIR, UPLOAD_DIR and LOG_DIR must not be empty")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: invalid LOG_LEVEL: %w", err)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: MAX_UPLOAD_MB must be positive")
	}
	if c.PairingTimeout < 0 || c.SendTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return ":" + c.ServerPort
}

// EnsureDataDir ensures the data and upload directories exist
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.UploadDir, 0755)
}

// GetCorsConfig returns CORS configuration for the application
func (c *Config) GetCorsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	if len(c.CorsOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = c.CorsOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "Content-Type"}
	corsConfig.MaxAge = 12 * time.Hour
	return corsConfig
}

type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) megabytes(key string, dst *int64) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("config: invalid %s %q: %w", key, v, err)
		return
	}
	*dst = n << 20
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("config: invalid %s %q: %w", key, v, err)
		return
	}
	*dst = d
}

func (p *parser) list(key string, dst *[]string) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = fmt.Errorf("config: invalid %s %q: %w", key, v, err)
		return
	}
	*dst = b
}

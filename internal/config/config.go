package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	IMAP     IMAPConfig     `yaml:"imap"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Organize OrganizeConfig `yaml:"organize"`
	Database DatabaseConfig `yaml:"database"`
	SMTP     SMTPOutConfig  `yaml:"smtp"`
	Log      LogConfig      `yaml:"log"`
}

// IMAPConfig holds mailbox connection settings
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Folder   string `yaml:"folder"`
	Security string `yaml:"security"` // "tls", "starttls" or "none"
}

// Addr returns the host:port of the IMAP server
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LLMConfig holds inference endpoint settings
type LLMConfig struct {
	URL         string        `yaml:"url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  *int          `yaml:"max_retries"`
	Backoff     time.Duration `yaml:"backoff"`
}

// Retries returns the number of additional attempts after a timeout
func (c LLMConfig) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// AgentConfig holds batch processing settings
type AgentConfig struct {
	MaxEmails           int    `yaml:"max_emails"`
	SummaryMaxWords     int    `yaml:"summary_max_words"`
	MaxBodyChars        int    `yaml:"max_body_chars"`
	CategorizeBodyChars int    `yaml:"categorize_body_chars"`
	Concurrency         int    `yaml:"concurrency"`
	ReplyTone           string `yaml:"reply_tone"`
	MarkSeen            bool   `yaml:"mark_seen"`
	Reprocess           bool   `yaml:"reprocess"`
}

// OrganizeConfig holds the category vocabulary and the folder each category moves to
type OrganizeConfig struct {
	Categories     []string          `yaml:"categories"`
	Folders        map[string]string `yaml:"folders"`
	FallbackFolder string            `yaml:"fallback_folder"`
}

// DatabaseConfig holds de-duplication store settings
type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // "sqlite", "redis" or "none"
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// SMTPOutConfig holds outbound email settings
type SMTPOutConfig struct {
	Provider    string `yaml:"provider"` // "resend", "smtp", or empty for none
	ResendKey   string `yaml:"resend_key"`
	FromAddress string `yaml:"from_address"`
	FromName    string `yaml:"from_name"`
	// SMTP settings (if provider is "smtp")
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Defaults
const (
	DefaultOllamaURL      = "http://localhost:11434"
	DefaultOllamaModel    = "qwen2.5:7b"
	DefaultMaxRetries     = 2
	MaxRetriesLimit       = 10
	DefaultMaxEmails      = 10
	DefaultFallbackFolder = "Other"
)

// DefaultCategories is the category vocabulary used when none is configured
var DefaultCategories = []string{"Work", "Personal", "Newsletter", "Urgent", "Spam", "Other"}

// Load reads configuration from an optional YAML file, a .env file and the
// environment. Environment variables override values from the file.
func Load(path string) (*Config, error) {
	// Try to load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		// Expand environment variables
		expanded := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Set defaults
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return "${" + key + "}"
	})
}

// applyEnv overrides file values with the environment variables the agent has always honored
func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("OLLAMA_URL", &c.LLM.URL)
	str("OLLAMA_MODEL", &c.LLM.Model)
	str("IMAP_SERVER", &c.IMAP.Host)
	str("EMAIL_ADDRESS", &c.IMAP.Username)
	str("EMAIL_PASSWORD", &c.IMAP.Password)
	str("SMTP_SERVER", &c.SMTP.Host)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := os.LookupEnv("LLM_TEMPERATURE"); ok && v != "" {
		t, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("LLM_TEMPERATURE must be a number: %w", err)
		}
		c.LLM.Temperature = float32(t)
	}

	for key, dst := range map[string]*int{
		"MAX_EMAILS":        &c.Agent.MaxEmails,
		"SUMMARY_MAX_WORDS": &c.Agent.SummaryMaxWords,
		"IMAP_PORT":         &c.IMAP.Port,
		"SMTP_PORT":         &c.SMTP.Port,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	return nil
}

// setDefaults sets default values for missing configuration
func (c *Config) setDefaults() {
	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
	}
	if c.IMAP.Folder == "" {
		c.IMAP.Folder = "INBOX"
	}
	if c.IMAP.Security == "" {
		c.IMAP.Security = "tls"
	}
	if c.IMAP.Username == "" && c.SMTP.Username != "" {
		c.IMAP.Username = c.SMTP.Username
	}

	if c.LLM.URL == "" {
		c.LLM.URL = DefaultOllamaURL
	}
	c.LLM.URL = strings.TrimRight(c.LLM.URL, "/")
	if c.LLM.Model == "" {
		c.LLM.Model = DefaultOllamaModel
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = "ollama"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.LLM.Backoff == 0 {
		c.LLM.Backoff = time.Second
	}

	if c.Agent.MaxEmails == 0 {
		c.Agent.MaxEmails = DefaultMaxEmails
	}
	if c.Agent.SummaryMaxWords == 0 {
		c.Agent.SummaryMaxWords = 100
	}
	if c.Agent.MaxBodyChars == 0 {
		c.Agent.MaxBodyChars = 4000
	}
	if c.Agent.CategorizeBodyChars == 0 {
		c.Agent.CategorizeBodyChars = 500
	}
	if c.Agent.Concurrency == 0 {
		c.Agent.Concurrency = 1
	}
	if c.Agent.ReplyTone == "" {
		c.Agent.ReplyTone = "professional"
	}

	if len(c.Organize.Categories) == 0 {
		c.Organize.Categories = append([]string(nil), DefaultCategories...)
	}
	if len(c.Organize.Folders) == 0 {
		c.Organize.Folders = make(map[string]string, len(c.Organize.Categories))
		for _, cat := range c.Organize.Categories {
			c.Organize.Folders[cat] = cat
		}
	}
	if c.Organize.FallbackFolder == "" {
		c.Organize.FallbackFolder = DefaultFallbackFolder
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./email-agent.db"
	}
	if c.Database.RedisAddr == "" {
		c.Database.RedisAddr = "localhost:6379"
	}
	if c.Database.RedisPrefix == "" {
		c.Database.RedisPrefix = "email-agent"
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.FromAddress == "" {
		c.SMTP.FromAddress = c.IMAP.Username
	}
	if c.SMTP.Username == "" && c.SMTP.Provider == "smtp" {
		c.SMTP.Username = c.IMAP.Username
		c.SMTP.Password = c.IMAP.Password
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error

	switch c.IMAP.Security {
	case "tls", "starttls", "none":
	default:
		errs = append(errs, fmt.Errorf("imap.security must be tls, starttls or none, got %q", c.IMAP.Security))
	}
	if c.LLM.Timeout < 0 {
		errs = append(errs, errors.New("llm.timeout must not be negative"))
	}
	if n := c.LLM.Retries(); n < 0 || n > MaxRetriesLimit {
		errs = append(errs, fmt.Errorf("llm.max_retries must be between 0 and %d", MaxRetriesLimit))
	}
	if c.Agent.MaxEmails < 1 {
		errs = append(errs, errors.New("agent.max_emails must be at least 1"))
	}
	if c.Agent.Concurrency < 1 {
		errs = append(errs, errors.New("agent.concurrency must be at least 1"))
	}

	seen := make(map[string]bool, len(c.Organize.Categories))
	for _, cat := range c.Organize.Categories {
		key := strings.ToLower(strings.TrimSpace(cat))
		if key == "" {
			errs = append(errs, errors.New("organize.categories must not contain empty labels"))
			continue
		}
		if seen[key] {
			errs = append(errs, fmt.Errorf("organize.categories lists %q twice", cat))
		}
		seen[key] = true
	}
	for cat, folder := range c.Organize.Folders {
		if !seen[strings.ToLower(cat)] {
			errs = append(errs, fmt.Errorf("organize.folders maps unknown category %q", cat))
		}
		if folder == "" {
			errs = append(errs, fmt.Errorf("organize.folders has no folder for %q", cat))
		}
	}

	switch c.Database.Driver {
	case "sqlite", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite, redis or none, got %q", c.Database.Driver))
	}

	switch c.SMTP.Provider {
	case "", "smtp", "resend":
	default:
		errs = append(errs, fmt.Errorf("smtp.provider must be smtp, resend or empty, got %q", c.SMTP.Provider))
	}
	if c.SMTP.Provider == "resend" && c.SMTP.ResendKey == "" {
		errs = append(errs, errors.New("smtp.resend_key is required for the resend provider"))
	}

	return errors.Join(errs...)
}

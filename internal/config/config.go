// Package config loads mediaflow settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LLM providers for main-topic profiles.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Daemon components.
const (
	ComponentStatus   = "status"
	ComponentGraph    = "graph"
	ComponentDocument = "document"
	ComponentImage    = "image"
	ComponentAudio    = "audio"
	ComponentVideo    = "video"
	ComponentHTTP     = "http"
	ComponentTCP      = "tcp"
)

// AllComponents lists every component mediaflowd can run.
var AllComponents = []string{
	ComponentStatus, ComponentGraph,
	ComponentDocument, ComponentImage, ComponentAudio, ComponentVideo,
	ComponentHTTP, ComponentTCP,
}

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string `yaml:"surrealdb_url"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string `yaml:"surrealdb_database"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level"`

	// Redis broker
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	ConsumerGroup string        `yaml:"consumer_group"`
	ConsumerName  string        `yaml:"consumer_name"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
	StreamMaxLen  int64         `yaml:"stream_max_len"`

	// MaxMessageSize is the largest payload published in one message;
	// bigger payloads are split into fragments.
	MaxMessageSize int `yaml:"max_message_size"`

	// Servers
	HTTPAddr       string `yaml:"http_addr"`
	TCPAddr        string `yaml:"tcp_addr"`
	UploadPoolSize int    `yaml:"upload_pool_size"`
	StagePoolSize  int    `yaml:"stage_pool_size"`

	// BlobDir holds processed payloads; empty keeps them in memory.
	BlobDir string `yaml:"blob_dir"`

	// LLM for main-topic profiles; empty provider uses the extractive profile.
	LLMProvider     string `yaml:"llm_provider"`
	LLMModel        string `yaml:"llm_model"`
	OllamaHost      string `yaml:"ollama_host"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	AWSRegion       string `yaml:"aws_region"`

	// GazetteerPath replaces the built-in extraction vocabulary.
	GazetteerPath string `yaml:"gazetteer_path"`

	// StuckAfter is how long a reassembly may go without progress before it
	// is reported as stuck.
	StuckAfter time.Duration `yaml:"stuck_after"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"log_level"`

	Components []string `yaml:"components"`

	// ServerURL is the admin API the CLI talks to.
	ServerURL string `yaml:"server_url"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	consumer, err := os.Hostname()
	if err != nil || consumer == "" {
		consumer = "mediaflow"
	}

	return Config{
		SurrealDBURL:       "ws://localhost:8000/rpc",
		SurrealDBNamespace: "mediaflow",
		SurrealDBDatabase:  "pipeline",
		SurrealDBUser:      "root",
		SurrealDBPass:      "root",
		SurrealDBAuthLevel: "root",

		RedisAddr:     "localhost:6379",
		ConsumerGroup: "mediaflow",
		ConsumerName:  consumer,
		BlockTimeout:  5 * time.Second,

		MaxMessageSize: 15 << 20,

		HTTPAddr:       ":8080",
		TCPAddr:        ":9090",
		UploadPoolSize: 16,
		StagePoolSize:  4,

		OllamaHost: "http://localhost:11434",
		AWSRegion:  "us-east-1",

		StuckAfter: 10 * time.Minute,

		LogFile:  "/tmp/mediaflow.log",
		LogLevel: slog.LevelInfo,

		Components: AllComponents,

		ServerURL: "http://localhost:8080",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// MEDIAFLOW_CONFIG if set, then environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("MEDIAFLOW_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.overlayEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() error {
	c.SurrealDBURL = getEnv("SURREALDB_URL", c.SurrealDBURL)
	c.SurrealDBNamespace = getEnv("SURREALDB_NAMESPACE", c.SurrealDBNamespace)
	c.SurrealDBDatabase = getEnv("SURREALDB_DATABASE", c.SurrealDBDatabase)
	c.SurrealDBUser = getEnv("SURREALDB_USER", c.SurrealDBUser)
	c.SurrealDBPass = getEnv("SURREALDB_PASS", c.SurrealDBPass)
	c.SurrealDBAuthLevel = getEnv("SURREALDB_AUTH_LEVEL", c.SurrealDBAuthLevel)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.ConsumerGroup = getEnv("MEDIAFLOW_CONSUMER_GROUP", c.ConsumerGroup)
	c.ConsumerName = getEnv("MEDIAFLOW_CONSUMER_NAME", c.ConsumerName)

	c.HTTPAddr = getEnv("MEDIAFLOW_HTTP_ADDR", c.HTTPAddr)
	c.TCPAddr = getEnv("MEDIAFLOW_TCP_ADDR", c.TCPAddr)
	c.BlobDir = getEnv("MEDIAFLOW_BLOB_DIR", c.BlobDir)

	c.LLMProvider = strings.ToLower(getEnv("MEDIAFLOW_LLM_PROVIDER", c.LLMProvider))
	c.LLMModel = getEnv("MEDIAFLOW_LLM_MODEL", c.LLMModel)
	c.OllamaHost = getEnv("OLLAMA_HOST", c.OllamaHost)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)

	c.GazetteerPath = getEnv("MEDIAFLOW_GAZETTEER", c.GazetteerPath)
	c.LogFile = getEnv("MEDIAFLOW_LOG_FILE", c.LogFile)
	c.ServerURL = getEnv("MEDIAFLOW_SERVER", c.ServerURL)

	if v := os.Getenv("MEDIAFLOW_LOG_LEVEL"); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv("MEDIAFLOW_COMPONENTS"); v != "" {
		c.Components = splitList(v)
	}

	var err error
	if c.RedisDB, err = getEnvInt("REDIS_DB", c.RedisDB); err != nil {
		return err
	}
	if c.MaxMessageSize, err = getEnvInt("MEDIAFLOW_MAX_MESSAGE_SIZE", c.MaxMessageSize); err != nil {
		return err
	}
	if c.UploadPoolSize, err = getEnvInt("MEDIAFLOW_UPLOAD_POOL_SIZE", c.UploadPoolSize); err != nil {
		return err
	}
	if c.StagePoolSize, err = getEnvInt("MEDIAFLOW_STAGE_POOL_SIZE", c.StagePoolSize); err != nil {
		return err
	}
	maxLen, err := getEnvInt("MEDIAFLOW_STREAM_MAX_LEN", int(c.StreamMaxLen))
	if err != nil {
		return err
	}
	c.StreamMaxLen = int64(maxLen)
	if c.BlockTimeout, err = getEnvDuration("MEDIAFLOW_BLOCK_TIMEOUT", c.BlockTimeout); err != nil {
		return err
	}
	if c.StuckAfter, err = getEnvDuration("MEDIAFLOW_STUCK_AFTER", c.StuckAfter); err != nil {
		return err
	}
	return nil
}

// Enabled reports whether the named daemon component should run.
func (c Config) Enabled(component string) bool {
	for _, name := range c.Components {
		if name == component {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package config loads the hub configuration from an optional .env file,
// a YAML config file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the application configuration tree. Section names follow the
// dotted keys of the deployed YAML files.
type Config struct {
	MongoDB      MongoDBConfig      `yaml:"mongodb" json:"mongodb"`
	Hub          HubConfig          `yaml:"intelligence_hub" json:"intelligence_hub"`
	Web          WebConfig          `yaml:"intelligence_hub_web_service" json:"intelligence_hub_web_service"`
	Rotator      RotatorConfig      `yaml:"ai_service_rotator" json:"ai_service_rotator"`
	Export       ExportConfig       `yaml:"export" json:"export"`
	Conversation ConversationConfig `yaml:"conversation" json:"conversation"`
	Data         DataConfig         `yaml:"data" json:"data"`
	Redis        RedisConfig        `yaml:"redis" json:"redis"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

// MongoDBConfig configures the document store connection.
type MongoDBConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"-"`
	Password string `yaml:"password" json:"-"`
	Database string `yaml:"database" json:"database"`
}

// HubConfig configures the processing pipeline.
type HubConfig struct {
	AIService AIServiceConfig `yaml:"ai_service" json:"ai_service"`
	Clients   []ClientConfig  `yaml:"clients" json:"clients"`
	// GroupLimits caps concurrent calls per provider group.
	GroupLimits map[string]int `yaml:"group_limits" json:"group_limits"`

	AIClientTimeoutInternalMS int `yaml:"ai_client_timeout_internal_ms" json:"ai_client_timeout_internal_ms"`
	AIClientTimeoutNationalMS int `yaml:"ai_client_timeout_national_ms" json:"ai_client_timeout_national_ms"`

	Analysis AnalysisConfig `yaml:"analysis" json:"analysis"`
	VectorDB VectorDBConfig `yaml:"vectordb" json:"vectordb"`
}

// AIServiceConfig is the single-client fallback used when no client
// roster is configured.
type AIServiceConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Token   string            `yaml:"token" json:"-"`
	Model   string            `yaml:"model" json:"model"`
	Proxies map[string]string `yaml:"proxies" json:"proxies,omitempty"`
}

// ClientConfig describes one AI client in the roster.
type ClientConfig struct {
	Name    string `yaml:"name" json:"name"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	Token   string `yaml:"token" json:"-"`
	Model   string `yaml:"model" json:"model"`

	// Variant selects standard, self_rotating or outer_rotating.
	Variant  string `yaml:"variant" json:"variant"`
	Priority string `yaml:"priority" json:"priority"`
	Group    string `yaml:"group" json:"group"`

	// Self-rotating clients cycle these lists.
	Models             []string `yaml:"models" json:"models,omitempty"`
	Tokens             []string `yaml:"tokens" json:"-"`
	RotateModelEvery   int      `yaml:"rotate_model_every" json:"rotate_model_every,omitempty"`
	RotateTokenEvery   int      `yaml:"rotate_token_every" json:"rotate_token_every,omitempty"`
	MaxRequestsPerDay  int      `yaml:"max_requests_per_day" json:"max_requests_per_day,omitempty"`
	DefaultAvailable   *bool    `yaml:"default_available" json:"default_available,omitempty"`
	BalanceThreshold   float64  `yaml:"balance_threshold" json:"balance_threshold"`
	KeysFile           string   `yaml:"keys_file" json:"keys_file,omitempty"`
	KeysRecordFile     string   `yaml:"keys_record_file" json:"keys_record_file,omitempty"`
}

// AnalysisConfig tunes the analysis workers.
type AnalysisConfig struct {
	Workers int `yaml:"workers" json:"workers"`
	// FullTextSource selects what the full-text vector collection
	// indexes: "raw" scraped content or the "enriched" event text.
	FullTextSource string `yaml:"full_text_source" json:"full_text_source"`
	// ExcludeRateKey is the rating category excluded from max-rate.
	ExcludeRateKey string `yaml:"exclude_rate_key" json:"exclude_rate_key"`
	// PromptFile overrides the built-in analysis prompt.
	PromptFile string `yaml:"prompt_file" json:"prompt_file,omitempty"`
}

// StoreProfile names a vector collection and its chunking parameters.
type StoreProfile struct {
	Name         string `yaml:"name" json:"name"`
	ChunkSize    int    `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap" json:"chunk_overlap"`
}

// VectorDBConfig configures the vector service and its backends.
type VectorDBConfig struct {
	Enabled           bool           `yaml:"enabled" json:"enabled"`
	VectorDBPort      int            `yaml:"vector_db_port" json:"vector_db_port"`
	VectorDBPath      string         `yaml:"vector_db_path" json:"vector_db_path"`
	EmbeddingModel    string         `yaml:"embedding_model_name" json:"embedding_model_name"`
	EmbeddingURL      string         `yaml:"embedding_service_url" json:"embedding_service_url"`
	EmbeddingToken    string         `yaml:"embedding_service_token" json:"-"`
	EmbeddingDim      int            `yaml:"embedding_dimensions" json:"embedding_dimensions"`
	QdrantHost        string         `yaml:"qdrant_host" json:"qdrant_host"`
	QdrantPort        int            `yaml:"qdrant_port" json:"qdrant_port"`
	Stores            []StoreProfile `yaml:"stores" json:"stores"`
}

// WebConfig configures the HTTP surface.
type WebConfig struct {
	Service struct {
		HostURL string `yaml:"host_url" json:"host_url"`
		Host    string `yaml:"host" json:"host"`
		Port    int    `yaml:"port" json:"port"`
	} `yaml:"service" json:"service"`
	RPCAPI struct {
		Tokens []string `yaml:"tokens" json:"-"`
	} `yaml:"rpc_api" json:"rpc_api"`
	Collector struct {
		Tokens []string `yaml:"tokens" json:"-"`
	} `yaml:"collector" json:"collector"`
	Processor struct {
		Tokens []string `yaml:"tokens" json:"-"`
	} `yaml:"processor" json:"processor"`
	RSS struct {
		HostPrefix string `yaml:"host_prefix" json:"host_prefix"`
	} `yaml:"rss" json:"rss"`
}

// RotatorConfig configures the key rotator attached to the fallback client.
type RotatorConfig struct {
	Enabled   bool    `yaml:"enabled" json:"enabled"`
	KeyFile   string  `yaml:"key_file" json:"key_file"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// ExportConfig configures the scheduled JSON exports.
type ExportConfig struct {
	Path string `yaml:"path" json:"path"`
}

// ConversationConfig configures the AI exchange recorder.
type ConversationConfig struct {
	Path string `yaml:"path" json:"path"`
}

// DataConfig is the root for runtime state: sqlite ledgers, rotator key
// records, vector backup staging.
type DataConfig struct {
	Path string `yaml:"path" json:"path"`
}

// RedisConfig enables the shared rate-limit backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
}

// LoggingConfig configures sinks and level.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file,omitempty"`
	JSON  bool   `yaml:"json" json:"json"`
}

// Default token granted to every role when the deployment does not set
// its own. Matches the historical single-operator installs.
const defaultServiceToken = "SleepySoft"

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	cfg := &Config{
		MongoDB: MongoDBConfig{
			Host:     "127.0.0.1",
			Port:     27017,
			Database: "IntelligenceIntegrationSystem",
		},
		Hub: HubConfig{
			AIClientTimeoutInternalMS: 20000,
			AIClientTimeoutNationalMS: 35000,
			GroupLimits:               map[string]int{},
			Analysis: AnalysisConfig{
				Workers:        3,
				FullTextSource: "raw",
				ExcludeRateKey: "Credibility",
			},
			VectorDB: VectorDBConfig{
				VectorDBPort: 8001,
				EmbeddingDim: 1024,
				QdrantHost:   "127.0.0.1",
				QdrantPort:   6334,
				Stores: []StoreProfile{
					{Name: "intelligence_summary", ChunkSize: 256, ChunkOverlap: 30},
					{Name: "intelligence_full_text", ChunkSize: 512, ChunkOverlap: 50},
				},
			},
		},
		Rotator: RotatorConfig{Threshold: 0.5},
		Export:  ExportConfig{Path: "./export"},
		Conversation: ConversationConfig{
			Path: "./conversation_records",
		},
		Data:    DataConfig{Path: "./_data"},
		Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
		Logging: LoggingConfig{Level: "info"},
	}
	cfg.Web.Service.HostURL = "http://127.0.0.1:5000"
	cfg.Web.Service.Host = "0.0.0.0"
	cfg.Web.Service.Port = 5000
	cfg.Web.RPCAPI.Tokens = []string{defaultServiceToken}
	cfg.Web.Collector.Tokens = []string{defaultServiceToken}
	cfg.Web.Processor.Tokens = []string{defaultServiceToken}
	cfg.Web.RSS.HostPrefix = "http://127.0.0.1:5000"
	return cfg
}

// Load reads configuration from the given YAML path. An empty path falls
// back to the INTELLIGENCE_HUB_CONFIG environment variable; a missing
// file is tolerated and leaves the defaults in place.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("INTELLIGENCE_HUB_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Run on defaults; the deployment may be env-only.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	loadMongoEnv(cfg)
	loadHubEnv(cfg)
	loadWebEnv(cfg)
	loadMiscEnv(cfg)
}

func loadMongoEnv(cfg *Config) {
	setString(&cfg.MongoDB.Host, "INTELLIGENCE_HUB_MONGODB_HOST")
	setInt(&cfg.MongoDB.Port, "INTELLIGENCE_HUB_MONGODB_PORT")
	setString(&cfg.MongoDB.User, "INTELLIGENCE_HUB_MONGODB_USER")
	setString(&cfg.MongoDB.Password, "INTELLIGENCE_HUB_MONGODB_PASSWORD")
	setString(&cfg.MongoDB.Database, "INTELLIGENCE_HUB_MONGODB_DATABASE")
}

func loadHubEnv(cfg *Config) {
	setString(&cfg.Hub.AIService.URL, "INTELLIGENCE_HUB_AI_URL")
	setString(&cfg.Hub.AIService.Token, "INTELLIGENCE_HUB_AI_TOKEN")
	setString(&cfg.Hub.AIService.Model, "INTELLIGENCE_HUB_AI_MODEL")
	setInt(&cfg.Hub.Analysis.Workers, "INTELLIGENCE_HUB_ANALYSIS_WORKERS")
	setString(&cfg.Hub.Analysis.FullTextSource, "INTELLIGENCE_HUB_FULL_TEXT_SOURCE")
	setString(&cfg.Hub.Analysis.PromptFile, "INTELLIGENCE_HUB_ANALYSIS_PROMPT_FILE")

	setBool(&cfg.Hub.VectorDB.Enabled, "INTELLIGENCE_HUB_VECTORDB_ENABLED")
	setInt(&cfg.Hub.VectorDB.VectorDBPort, "INTELLIGENCE_HUB_VECTORDB_PORT")
	setString(&cfg.Hub.VectorDB.EmbeddingModel, "INTELLIGENCE_HUB_EMBEDDING_MODEL")
	setString(&cfg.Hub.VectorDB.EmbeddingURL, "INTELLIGENCE_HUB_EMBEDDING_URL")
	setString(&cfg.Hub.VectorDB.EmbeddingToken, "INTELLIGENCE_HUB_EMBEDDING_TOKEN")
	if cfg.Hub.VectorDB.EmbeddingToken == "" {
		setString(&cfg.Hub.VectorDB.EmbeddingToken, "EMBEDDING_API_KEY")
	}

	// Qdrant accepts both prefixed and bare variable names.
	setString(&cfg.Hub.VectorDB.QdrantHost, "INTELLIGENCE_HUB_QDRANT_HOST")
	if os.Getenv("INTELLIGENCE_HUB_QDRANT_HOST") == "" {
		setString(&cfg.Hub.VectorDB.QdrantHost, "QDRANT_HOST")
	}
	setInt(&cfg.Hub.VectorDB.QdrantPort, "INTELLIGENCE_HUB_QDRANT_PORT")
	if os.Getenv("INTELLIGENCE_HUB_QDRANT_PORT") == "" {
		setInt(&cfg.Hub.VectorDB.QdrantPort, "QDRANT_PORT")
	}
}

func loadWebEnv(cfg *Config) {
	setString(&cfg.Web.Service.Host, "INTELLIGENCE_HUB_WEB_HOST")
	setInt(&cfg.Web.Service.Port, "INTELLIGENCE_HUB_WEB_PORT")
	setString(&cfg.Web.Service.HostURL, "INTELLIGENCE_HUB_WEB_HOST_URL")
	setTokens(&cfg.Web.RPCAPI.Tokens, "INTELLIGENCE_HUB_RPC_TOKENS")
	setTokens(&cfg.Web.Collector.Tokens, "INTELLIGENCE_HUB_COLLECTOR_TOKENS")
	setTokens(&cfg.Web.Processor.Tokens, "INTELLIGENCE_HUB_PROCESSOR_TOKENS")
	setString(&cfg.Web.RSS.HostPrefix, "INTELLIGENCE_HUB_RSS_HOST_PREFIX")
}

func loadMiscEnv(cfg *Config) {
	setString(&cfg.Export.Path, "INTELLIGENCE_HUB_EXPORT_PATH")
	setString(&cfg.Conversation.Path, "INTELLIGENCE_HUB_CONVERSATION_PATH")
	setString(&cfg.Data.Path, "INTELLIGENCE_HUB_DATA_PATH")
	setBool(&cfg.Redis.Enabled, "INTELLIGENCE_HUB_REDIS_ENABLED")
	setString(&cfg.Redis.Addr, "INTELLIGENCE_HUB_REDIS_ADDR")
	setString(&cfg.Logging.Level, "INTELLIGENCE_HUB_LOG_LEVEL")
	setString(&cfg.Logging.File, "INTELLIGENCE_HUB_LOG_FILE")
	setBool(&cfg.Logging.JSON, "LOG_JSON")
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func setTokens(target *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		tokens := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				tokens = append(tokens, t)
			}
		}
		*target = tokens
	}
}

// Validate rejects configurations the hub cannot run with.
func (c *Config) Validate() error {
	if c.MongoDB.Port < 1 || c.MongoDB.Port > 65535 {
		return fmt.Errorf("mongodb.port out of range: %d", c.MongoDB.Port)
	}
	if c.Web.Service.Port < 1 || c.Web.Service.Port > 65535 {
		return fmt.Errorf("web service port out of range: %d", c.Web.Service.Port)
	}
	if c.Hub.Analysis.Workers < 1 {
		return fmt.Errorf("analysis workers must be positive: %d", c.Hub.Analysis.Workers)
	}
	switch c.Hub.Analysis.FullTextSource {
	case "raw", "enriched":
	default:
		return fmt.Errorf("analysis.full_text_source must be raw or enriched: %q", c.Hub.Analysis.FullTextSource)
	}
	if c.Hub.VectorDB.Enabled {
		if c.Hub.VectorDB.VectorDBPort < 1 || c.Hub.VectorDB.VectorDBPort > 65535 {
			return fmt.Errorf("vectordb port out of range: %d", c.Hub.VectorDB.VectorDBPort)
		}
		if len(c.Hub.VectorDB.Stores) == 0 {
			return fmt.Errorf("vectordb enabled with no store profiles")
		}
		for _, s := range c.Hub.VectorDB.Stores {
			if s.Name == "" || s.ChunkSize < 1 {
				return fmt.Errorf("invalid vector store profile %q", s.Name)
			}
			if s.ChunkOverlap >= s.ChunkSize {
				return fmt.Errorf("store %q overlap %d must be below chunk size %d", s.Name, s.ChunkOverlap, s.ChunkSize)
			}
		}
	}
	if c.Rotator.Enabled && c.Rotator.KeyFile == "" {
		return fmt.Errorf("rotator enabled without key_file")
	}
	for _, client := range c.Hub.Clients {
		if client.Name == "" {
			return fmt.Errorf("ai client with empty name")
		}
		if client.BaseURL == "" {
			return fmt.Errorf("ai client %q has no base_url", client.Name)
		}
	}
	return nil
}

// EffectiveTimeouts returns the (internal, national) AI call budgets.
// A configured proxy swaps the profile: proxied traffic to the nearby
// service takes the long budget and the far service the short one.
func (c *HubConfig) EffectiveTimeouts() (internal, national time.Duration) {
	internal = time.Duration(c.AIClientTimeoutInternalMS) * time.Millisecond
	national = time.Duration(c.AIClientTimeoutNationalMS) * time.Millisecond
	if len(c.AIService.Proxies) > 0 {
		internal, national = national, internal
	}
	return internal, national
}

// StartsAvailable reports the configured initial availability. An
// omitted default_available key means available.
func (c *ClientConfig) StartsAvailable() bool {
	if c.DefaultAvailable == nil {
		return true
	}
	return *c.DefaultAvailable
}

// ProxyURL returns the configured outbound proxy, preferring https.
func (s *AIServiceConfig) ProxyURL() string {
	if len(s.Proxies) == 0 {
		return ""
	}
	if u := s.Proxies["https"]; u != "" {
		return u
	}
	return s.Proxies["http"]
}

// MongoURI renders the connection string, omitting credentials when the
// deployment runs without auth.
func (m *MongoDBConfig) MongoURI() string {
	if m.User != "" && m.Password != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin", m.User, m.Password, m.Host, m.Port)
	}
	return fmt.Sprintf("mongodb://%s:%d/", m.Host, m.Port)
}

// QdrantAddr returns the host:port of the vector index.
func (v *VectorDBConfig) QdrantAddr() (string, int) {
	return v.QdrantHost, v.QdrantPort
}

// DataFile resolves a file name under the data directory.
func (c *Config) DataFile(name string) string {
	return filepath.Join(c.Data.Path, name)
}

// LogLevel returns the parsed logging level string, lowercased.
func (l *LoggingConfig) LogLevel() string {
	return strings.ToLower(l.Level)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with ARIS_CONFIG.
const ConfigPath = "config.yaml"

// Model providers accepted by modelProvider.
const (
	ProviderClaude = "claude"
	ProviderGroq   = "groq"
	ProviderOllama = "ollama"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port             string   `yaml:"port"`
	LogLevel         string   `yaml:"logLevel"`
	DatabaseURL      string   `yaml:"databaseURL"`
	RedisAddr        string   `yaml:"redisAddr"`
	RedisPassword    string   `yaml:"redisPassword"`
	CORSOrigins      []string `yaml:"corsOrigins"`
	JWTSecret        string   `yaml:"jwtSecret"`
	JWTIssuer        string   `yaml:"jwtIssuer"`
	JWTLeeway        string   `yaml:"jwtLeeway"`
	SystemPromptPath string   `yaml:"systemPromptPath"`

	ModelProvider    string `yaml:"modelProvider"`
	AnthropicAPIKey  string `yaml:"anthropicAPIKey"`
	AnthropicBaseURL string `yaml:"anthropicBaseURL"`
	AnthropicModel   string `yaml:"anthropicModel"`
	GroqAPIKey       string `yaml:"groqAPIKey"`
	GroqBaseURL      string `yaml:"groqBaseURL"`
	GroqModel        string `yaml:"groqModel"`
	OllamaURL        string `yaml:"ollamaURL"`
	OllamaChatModel  string `yaml:"ollamaChatModel"`

	EmbeddingModel string `yaml:"embeddingModel"`
	EmbeddingDim   int    `yaml:"embeddingDim"`
	KnowledgeDir   string `yaml:"knowledgeDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioPrefix    string `yaml:"minioPrefix"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	BookStackURL         string `yaml:"bookstackURL"`
	BookStackTokenID     string `yaml:"bookstackTokenID"`
	BookStackTokenSecret string `yaml:"bookstackTokenSecret"`
	CRMURL               string `yaml:"crmURL"`
	CRMUser              string `yaml:"crmUser"`
	CRMPassword          string `yaml:"crmPassword"`
	CRMCompany           string `yaml:"crmCompany"`
	FibrasURL            string `yaml:"fibrasURL"`
	FibrasUser           string `yaml:"fibrasUser"`
	FibrasPassword       string `yaml:"fibrasPassword"`
	TekiURL              string `yaml:"tekiURL"`
	TekiUser             string `yaml:"tekiUser"`
	TekiPassword         string `yaml:"tekiPassword"`

	SourceTimeout          string `yaml:"sourceTimeout"`
	SourceCacheTTL         string `yaml:"sourceCacheTTL"`
	TurnTimeout            string `yaml:"turnTimeout"`
	HistoryLimit           int    `yaml:"historyLimit"`
	ChatRateLimitPerMinute int    `yaml:"chatRateLimitPerMinute"`
	ReindexConcurrency     int    `yaml:"reindexConcurrency"`
}

// Load reads config from path (defaults to ARIS_CONFIG, then config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = os.Getenv("ARIS_CONFIG")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"PORT":                   &cfg.Port,
		"LOG_LEVEL":              &cfg.LogLevel,
		"DATABASE_URL":           &cfg.DatabaseURL,
		"REDIS_ADDR":             &cfg.RedisAddr,
		"REDIS_PASSWORD":         &cfg.RedisPassword,
		"JWT_SECRET":             &cfg.JWTSecret,
		"JWT_ISSUER":             &cfg.JWTIssuer,
		"JWT_LEEWAY":             &cfg.JWTLeeway,
		"SOURCE_TIMEOUT":         &cfg.SourceTimeout,
		"SOURCE_CACHE_TTL":       &cfg.SourceCacheTTL,
		"TURN_TIMEOUT":           &cfg.TurnTimeout,
		"AI_PROVIDER":            &cfg.ModelProvider,
		"ANTHROPIC_API_KEY":      &cfg.AnthropicAPIKey,
		"ANTHROPIC_MODEL":        &cfg.AnthropicModel,
		"GROQ_API_KEY":           &cfg.GroqAPIKey,
		"GROQ_MODEL":             &cfg.GroqModel,
		"OLLAMA_URL":             &cfg.OllamaURL,
		"EMBEDDING_MODEL":        &cfg.EmbeddingModel,
		"KNOWLEDGE_DIR":          &cfg.KnowledgeDir,
		"MINIO_ENDPOINT":         &cfg.MinioEndpoint,
		"MINIO_ACCESS_KEY":       &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":       &cfg.MinioSecretKey,
		"MINIO_BUCKET":           &cfg.MinioBucket,
		"BOOKSTACK_URL":          &cfg.BookStackURL,
		"BOOKSTACK_TOKEN_ID":     &cfg.BookStackTokenID,
		"BOOKSTACK_TOKEN_SECRET": &cfg.BookStackTokenSecret,
		"CRM_URL":                &cfg.CRMURL,
		"CRM_USER":               &cfg.CRMUser,
		"CRM_PASS":               &cfg.CRMPassword,
		"FIBRAS_URL":             &cfg.FibrasURL,
		"FIBRAS_USER":            &cfg.FibrasUser,
		"FIBRAS_PASS":            &cfg.FibrasPassword,
		"TEKI_URL":               &cfg.TekiURL,
		"TEKI_USER":              &cfg.TekiUser,
		"TEKI_PASS":              &cfg.TekiPassword,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.EmbeddingDim = n
		}
	}
	if v := os.Getenv("CHAT_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.ChatRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	switch provider := strings.ToLower(strings.TrimSpace(cfg.ModelProvider)); provider {
	case "", ProviderClaude:
		if cfg.AnthropicAPIKey == "" {
			return errors.New("config: anthropicAPIKey is required for the claude provider (set in config.yaml or ANTHROPIC_API_KEY)")
		}
	case ProviderGroq:
		if cfg.GroqAPIKey == "" {
			return errors.New("config: groqAPIKey is required for the groq provider (set in config.yaml or GROQ_API_KEY)")
		}
	case ProviderOllama:
		if cfg.OllamaChatModel == "" {
			return errors.New("config: ollamaChatModel is required for the ollama provider (set in config.yaml)")
		}
	default:
		return fmt.Errorf("config: unknown modelProvider %q", provider)
	}
	if cfg.EmbeddingModel != "" && cfg.EmbeddingDim <= 0 {
		return errors.New("config: embeddingDim must be > 0 when embeddingModel is set")
	}
	if cfg.ChatRateLimitPerMinute < 0 {
		return errors.New("config: chatRateLimitPerMinute must be >= 0")
	}
	if cfg.ChatRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for chat rate limiting")
	}
	if _, err := cfg.Durations(); err != nil {
		return err
	}
	return nil
}

// Durations holds the parsed duration settings. Zero means unset.
type Durations struct {
	JWTLeeway      time.Duration
	Source         time.Duration
	SourceCacheTTL time.Duration
	Turn           time.Duration
}

// Durations parses every duration setting, naming the first invalid one.
func (c FileConfig) Durations() (Durations, error) {
	var d Durations
	for _, f := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"jwtLeeway", c.JWTLeeway, &d.JWTLeeway},
		{"sourceTimeout", c.SourceTimeout, &d.Source},
		{"sourceCacheTTL", c.SourceCacheTTL, &d.SourceCacheTTL},
		{"turnTimeout", c.TurnTimeout, &d.Turn},
	} {
		v, err := ParseDuration(f.value)
		if err != nil {
			return Durations{}, fmt.Errorf("config: invalid %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return d, nil
}

// ParseDuration parses an optional duration string; "" yields 0.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if dur < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return dur, nil
}

// Provider returns the normalized model provider name.
func (c FileConfig) Provider() string {
	if p := strings.ToLower(strings.TrimSpace(c.ModelProvider)); p != "" {
		return p
	}
	return ProviderClaude
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

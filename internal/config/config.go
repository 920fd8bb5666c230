package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Generation GenerationConfig
	Proxy      ProxyConfig
	Transcribe TranscribeConfig
	Storage    StorageConfig
	Log        LogConfig
	Retrieval  RetrievalConfig
	Hub        HubConfig
	Scheduler  SchedulerConfig
	Mail       MailConfig
}

type ServerConfig struct {
	Port     int
	BindAddr string
}

type OllamaConfig struct {
	BaseURL    string
	FastModel  string
	DeepModel  string
	EmbedModel string
}

// GenerationConfig selects where summaries, plan analyses, digests, and chat
// answers are generated: "local" (Ollama deep model) or "cloud" (OpenRouter).
type GenerationConfig struct {
	Backend string
	Timeout time.Duration
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	DefaultModel     string
}

type TranscribeConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type RetrievalConfig struct {
	TopK         int
	ChunkWords   int
	ChunkOverlap int
	// RerankEnabled rescores chat context with the fast model.
	RerankEnabled bool
	RerankTimeout time.Duration
}

type HubConfig struct {
	Heartbeat        time.Duration
	MaxFrameBytes    int
	MaxSubscriptions int
}

type SchedulerConfig struct {
	Enabled          bool
	StartupDelay     time.Duration
	RetryInterval    time.Duration
	InactiveInterval time.Duration
	DigestInterval   time.Duration
}

type MailConfig struct {
	RelayURL   string
	RelayToken string
	Recipients string
}

// RecipientList splits the comma-separated recipient setting.
func (m MailConfig) RecipientList() []string {
	var out []string
	for _, r := range strings.Split(m.Recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

const (
	BackendLocal = "local"
	BackendCloud = "cloud"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			BindAddr: "127.0.0.1",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			FastModel:  "phi3.5",
			DeepModel:  "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		Generation: GenerationConfig{
			Backend: BackendLocal,
			Timeout: 2 * time.Minute,
		},
		Proxy: ProxyConfig{
			DefaultModel: "anthropic/claude-sonnet-4",
		},
		Transcribe: TranscribeConfig{
			BaseURL: "http://localhost:8000/v1",
			Model:   "whisper-1",
			Timeout: 10 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Retrieval: RetrievalConfig{
			TopK:          8,
			ChunkWords:    500,
			ChunkOverlap:  100,
			RerankTimeout: 5 * time.Second,
		},
		Hub: HubConfig{
			Heartbeat:        30 * time.Second,
			MaxFrameBytes:    4096,
			MaxSubscriptions: 50,
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			StartupDelay:     30 * time.Second,
			RetryInterval:    15 * time.Minute,
			InactiveInterval: 24 * time.Hour,
			DigestInterval:   24 * time.Hour,
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/sitewalk/config.json, then applies SITEWALK_* environment
// overrides. Secrets come from the environment or the secret store.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Fill secrets still empty after env from the secret store.
	for _, s := range specs {
		if !s.secret || s.account == "" {
			continue
		}
		if cur, _ := s.extract(cfg).(string); cur != "" {
			continue
		}
		v, err := secrets.Get(s.account)
		if err == nil && v != "" {
			s.apply(&cfg, v)
		} else if err != nil && !errors.Is(err, ErrSecretNotFound) {
			return Config{}, fmt.Errorf("reading secret %s: %w", s.account, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Generation.Backend {
	case BackendLocal:
	case BackendCloud:
		if c.Proxy.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key for generation.backend=cloud. " +
				"Set it via environment variable SITEWALK_OPENROUTER_API_KEY or the secrets file")
		}
	default:
		return fmt.Errorf("invalid generation.backend %q: want %q or %q", c.Generation.Backend, BackendLocal, BackendCloud)
	}
	if c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkWords {
		return fmt.Errorf("retrieval.chunk_overlap (%d) must be smaller than retrieval.chunk_words (%d)",
			c.Retrieval.ChunkOverlap, c.Retrieval.ChunkWords)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// account is the secret store entry consulted when a secret is not set
	// in the environment.
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SITEWALK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.bind_addr", typ: kString, env: "SITEWALK_SERVER_BIND_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Server.BindAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.BindAddr },
	},
	{
		key: "ollama.base_url", typ: kString, env: "SITEWALK_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.fast_model", typ: kString, env: "SITEWALK_OLLAMA_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.FastModel },
	},
	{
		key: "ollama.deep_model", typ: kString, env: "SITEWALK_OLLAMA_DEEP_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.DeepModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.DeepModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "SITEWALK_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "generation.backend", typ: kString, env: "SITEWALK_GENERATION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Generation.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Backend },
	},
	{
		key: "generation.timeout", typ: kDuration, env: "SITEWALK_GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.Timeout },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "SITEWALK_OPENROUTER_API_KEY",
		secret: true, account: SecretOpenRouterKey,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.default_model", typ: kString, env: "SITEWALK_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "transcribe.base_url", typ: kString, env: "SITEWALK_TRANSCRIBE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.BaseURL },
	},
	{
		key: "transcribe.model", typ: kString, env: "SITEWALK_TRANSCRIBE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.Model },
	},
	{
		key: "transcribe.api_key", typ: kString, env: "SITEWALK_TRANSCRIBE_API_KEY",
		secret: true, account: SecretTranscribeKey,
		apply:   func(cfg *Config, v any) { cfg.Transcribe.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.APIKey },
	},
	{
		key: "transcribe.timeout", typ: kDuration, env: "SITEWALK_TRANSCRIBE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Transcribe.Timeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SITEWALK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SITEWALK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "SITEWALK_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.chunk_words", typ: kInt, env: "SITEWALK_RETRIEVAL_CHUNK_WORDS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ChunkWords = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ChunkWords },
	},
	{
		key: "retrieval.chunk_overlap", typ: kInt, env: "SITEWALK_RETRIEVAL_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ChunkOverlap },
	},
	{
		key: "retrieval.rerank_enabled", typ: kBool, env: "SITEWALK_RETRIEVAL_RERANK_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankEnabled },
	},
	{
		key: "retrieval.rerank_timeout", typ: kDuration, env: "SITEWALK_RETRIEVAL_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankTimeout },
	},
	{
		key: "hub.heartbeat", typ: kDuration, env: "SITEWALK_HUB_HEARTBEAT",
		apply:   func(cfg *Config, v any) { cfg.Hub.Heartbeat = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Hub.Heartbeat },
	},
	{
		key: "hub.max_frame_bytes", typ: kInt, env: "SITEWALK_HUB_MAX_FRAME_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Hub.MaxFrameBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Hub.MaxFrameBytes },
	},
	{
		key: "hub.max_subscriptions", typ: kInt, env: "SITEWALK_HUB_MAX_SUBSCRIPTIONS",
		apply:   func(cfg *Config, v any) { cfg.Hub.MaxSubscriptions = v.(int) },
		extract: func(cfg Config) any { return cfg.Hub.MaxSubscriptions },
	},
	{
		key: "scheduler.enabled", typ: kBool, env: "SITEWALK_SCHEDULER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scheduler.Enabled },
	},
	{
		key: "scheduler.startup_delay", typ: kDuration, env: "SITEWALK_SCHEDULER_STARTUP_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.StartupDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.StartupDelay },
	},
	{
		key: "scheduler.retry_interval", typ: kDuration, env: "SITEWALK_SCHEDULER_RETRY_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.RetryInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.RetryInterval },
	},
	{
		key: "scheduler.inactive_interval", typ: kDuration, env: "SITEWALK_SCHEDULER_INACTIVE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.InactiveInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.InactiveInterval },
	},
	{
		key: "scheduler.digest_interval", typ: kDuration, env: "SITEWALK_SCHEDULER_DIGEST_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.DigestInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.DigestInterval },
	},
	{
		key: "mail.relay_url", typ: kString, env: "SITEWALK_MAIL_RELAY_URL",
		apply:   func(cfg *Config, v any) { cfg.Mail.RelayURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Mail.RelayURL },
	},
	{
		key: "mail.relay_token", typ: kString, env: "SITEWALK_MAIL_RELAY_TOKEN",
		secret: true, account: SecretMailRelayToken,
		apply:   func(cfg *Config, v any) { cfg.Mail.RelayToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Mail.RelayToken },
	},
	{
		key: "mail.recipients", typ: kString, env: "SITEWALK_MAIL_RECIPIENTS",
		apply:   func(cfg *Config, v any) { cfg.Mail.Recipients = v.(string) },
		extract: func(cfg Config) any { return cfg.Mail.Recipients },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts a raw string into the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := s.parse(raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MODELDECK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", typ: kString, env: "MODELDECK_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.binary", typ: kString, env: "MODELDECK_OLLAMA_BINARY",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Binary = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Binary },
	},
	{
		key: "ollama.default_model", typ: kString, env: "MODELDECK_OLLAMA_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.DefaultModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MODELDECK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.models_dir", typ: kString, env: "MODELDECK_STORAGE_MODELS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.ModelsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ModelsDir },
	},
	{
		key: "chat.history_limit", typ: kInt, env: "MODELDECK_CHAT_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Chat.HistoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.HistoryLimit },
	},
	{
		key: "chat.system_prompt", typ: kString, env: "MODELDECK_CHAT_SYSTEM_PROMPT",
		apply:   func(cfg *Config, v any) { cfg.Chat.SystemPrompt = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.SystemPrompt },
	},
	{
		key: "rag.base_url", typ: kString, env: "MODELDECK_RAG_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.RAG.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.RAG.BaseURL },
	},
	{
		key: "log.level", typ: kString, env: "MODELDECK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

package config

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	Chat    ChatConfig
	RAG     RAGConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL      string
	Binary       string
	DefaultModel string
}

type StorageConfig struct {
	DataDir string
	// ModelsDir is where downloaded model artifacts live, typically an
	// external drive. Empty means not configured; the precondition gate
	// refuses to start operations until it is set.
	ModelsDir string
}

type ChatConfig struct {
	HistoryLimit int
	SystemPrompt string
}

type RAGConfig struct {
	// BaseURL of the external document-store sidecar. Empty disables the
	// document features.
	BaseURL string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4680,
		},
		Ollama: OllamaConfig{
			BaseURL:      "http://localhost:11434",
			Binary:       "ollama",
			DefaultModel: "llama3.2",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Chat: ChatConfig{
			HistoryLimit: 10,
			SystemPrompt: "You are a helpful assistant running on a locally-hosted model.",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and
// environment variables.
//
// On macOS the backend is UserDefaults (domain: com.modeldeck.app).
// On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/modeldeck/config.json.
//
// Environment variables (MODELDECK_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/rag-chat-ui/internal/handlers"
	"github.com/MegaGrindStone/rag-chat-ui/internal/logging"
	"github.com/MegaGrindStone/rag-chat-ui/internal/services"
	"github.com/MegaGrindStone/rag-chat-ui/internal/stream"
	"gopkg.in/yaml.v3"
)

type backendConfig interface {
	backend(logger *slog.Logger) (backend, error)
}

// backend is what a provider contributes to the server: the chat transport, and for the RAG backend the
// document index with its status poller.
type backend struct {
	transport     stream.Transport
	docs          handlers.DocumentIndex
	status        *services.DocumentStatusPoller
	health        func(context.Context) error
	requireAPIKey bool
	model         string
}

// BaseBackendConfig contains the common fields for all backend configurations.
type BaseBackendConfig struct {
	Provider string `yaml:"provider"`
}

type config struct {
	Port             string         `yaml:"port"`
	Model            string         `yaml:"model"`
	DeveloperMessage string         `yaml:"developerMessage"`
	ChunkSize        int            `yaml:"chunkSize"`
	Log              logging.Config `yaml:"log"`
	Backend          backendConfig  `yaml:"backend"`
}

type ragConfig struct {
	BaseBackendConfig `yaml:",inline"`
	BaseURL           string        `yaml:"baseURL"`
	APIPrefix         *string       `yaml:"apiPrefix"`
	StatusTimeout     time.Duration `yaml:"statusTimeout"`
}

type openAIConfig struct {
	BaseBackendConfig `yaml:",inline"`
	BaseURL           string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseBackendConfig `yaml:",inline"`
	Host              string `yaml:"host"`
	Model             string `yaml:"model"`
}

const (
	defaultPort             = "8080"
	defaultModel            = "gpt-4o-mini"
	defaultDeveloperMessage = "You are a helpful AI assistant. Provide clear, concise, and accurate responses."

	defaultRAGBaseURL    = "http://localhost:8000"
	defaultAPIPrefix     = "/api"
	defaultStatusTimeout = 10 * time.Second

	defaultOllamaHost = "http://localhost:11434"
)

func defaultConfig() config {
	return config{
		Port:             defaultPort,
		Model:            defaultModel,
		DeveloperMessage: defaultDeveloperMessage,
		ChunkSize:        stream.DefaultChunkSize,
		Backend:          &ragConfig{BaseBackendConfig: BaseBackendConfig{Provider: "rag"}},
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port             string         `yaml:"port"`
		Model            string         `yaml:"model"`
		DeveloperMessage *string        `yaml:"developerMessage"`
		ChunkSize        int            `yaml:"chunkSize"`
		Log              logging.Config `yaml:"log"`
		Backend          map[string]any `yaml:"backend"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.Model != "" {
		c.Model = rawConfig.Model
	}
	if rawConfig.DeveloperMessage != nil {
		c.DeveloperMessage = *rawConfig.DeveloperMessage
	}
	if rawConfig.ChunkSize > 0 {
		c.ChunkSize = rawConfig.ChunkSize
	}
	c.Log = rawConfig.Log

	if rawConfig.Backend == nil {
		return nil
	}

	provider, ok := rawConfig.Backend["provider"].(string)
	if !ok {
		return fmt.Errorf("backend provider is required")
	}

	backendRawYAML, err := yaml.Marshal(rawConfig.Backend)
	if err != nil {
		return err
	}

	var b backendConfig
	switch provider {
	case "rag":
		b = &ragConfig{}
	case "openai":
		b = &openAIConfig{}
	case "ollama":
		b = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown backend provider: %s", provider)
	}

	if err := yaml.Unmarshal(backendRawYAML, b); err != nil {
		return err
	}

	c.Backend = b

	return nil
}

func (r ragConfig) backend(logger *slog.Logger) (backend, error) {
	baseURL := r.BaseURL
	if baseURL == "" {
		baseURL = defaultRAGBaseURL
	}
	prefix := defaultAPIPrefix
	if r.APIPrefix != nil {
		prefix = *r.APIPrefix
	}
	timeout := r.StatusTimeout
	if timeout <= 0 {
		timeout = defaultStatusTimeout
	}

	b := services.NewBackend(baseURL, prefix, timeout, logger)
	return backend{
		transport:     b,
		docs:          b,
		status:        services.NewDocumentStatusPoller(b, logger),
		health:        b.Health,
		requireAPIKey: true,
	}, nil
}

func (o openAIConfig) backend(logger *slog.Logger) (backend, error) {
	return backend{
		transport:     services.NewOpenAI(o.BaseURL, logger),
		requireAPIKey: true,
	}, nil
}

func (o ollamaConfig) backend(logger *slog.Logger) (backend, error) {
	if o.Model == "" {
		return backend{}, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	ol, err := services.NewOllama(host, o.Model, logger)
	if err != nil {
		return backend{}, err
	}
	return backend{
		transport: ol,
		model:     o.Model,
	}, nil
}

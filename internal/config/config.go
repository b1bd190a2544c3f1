package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const productionEnv = "RUNNING_IN_PRODUCTION"

// DefaultInstructions is the system message used when none is configured.
const DefaultInstructions = `You are a helpful assistant. Only answer questions based on information you searched in the knowledge base, accessible with the 'search' tool.
The user is listening to answers with audio, so it's *super* important that answers are as short as possible, a single sentence if at all possible.
Never read file names or source names or keys out loud.
Always use the following step-by-step instructions to respond:
1. Always use the 'search' tool to check the knowledge base before answering a question.
2. Always use the 'report_grounding' tool to report the source of information from the knowledge base.
3. Produce an answer that's as short as possible. If the answer isn't in the knowledge base, say you don't know.`

type Config struct {
	Relay    RelayConfig   `yaml:"relay"`
	OpenAI   OpenAIConfig  `yaml:"openai"`
	Search   SearchConfig  `yaml:"search"`
	Client   ClientConfig  `yaml:"client"`
	Logging  LoggingConfig `yaml:"logging"`
	TenantID string        `yaml:"tenant_id"`
}

// RelayConfig is where the middle tier listens.
type RelayConfig struct {
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	StaticDir string `yaml:"static_dir"`
}

type OpenAIConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	Deployment   string   `yaml:"deployment"`
	APIVersion   string   `yaml:"api_version"`
	APIKey       string   `yaml:"api_key"`
	Voice        string   `yaml:"voice"`
	Instructions string   `yaml:"instructions"`
	Temperature  *float64 `yaml:"temperature"`
	MaxTokens    *int     `yaml:"max_tokens"`
}

type SearchConfig struct {
	Endpoint              string `yaml:"endpoint"`
	Index                 string `yaml:"index"`
	APIKey                string `yaml:"api_key"`
	SemanticConfiguration string `yaml:"semantic_configuration"`
	IdentifierField       string `yaml:"identifier_field"`
	TitleField            string `yaml:"title_field"`
	ContentField          string `yaml:"content_field"`
	EmbeddingField        string `yaml:"embedding_field"`
	UseVectorQuery        bool   `yaml:"use_vector_query"`
}

// ClientConfig configures the headless voice client.
type ClientConfig struct {
	URL    string `yaml:"url"`
	Device string `yaml:"device"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		Relay: RelayConfig{
			Address: "localhost:8765",
			Path:    "/realtime",
		},
		OpenAI: OpenAIConfig{
			APIVersion:   "2024-10-01-preview",
			Voice:        "alloy",
			Instructions: DefaultInstructions,
		},
		Search: SearchConfig{
			SemanticConfiguration: "default",
			IdentifierField:       "chunk_id",
			TitleField:            "title",
			ContentField:          "chunk",
			EmbeddingField:        "text_vector",
			UseVectorQuery:        true,
		},
		Client: ClientConfig{
			URL:    "ws://localhost:8765/realtime",
			Device: "miniaudio",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. An empty path skips the YAML file. Outside
// production a .env file in the working directory is loaded into the
// environment first; a missing .env is not an error.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if os.Getenv(productionEnv) == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func (c *Config) applyEnv() error {
	setString(&c.OpenAI.Endpoint, "AZURE_OPENAI_ENDPOINT")
	setString(&c.OpenAI.Deployment, "AZURE_OPENAI_REALTIME_DEPLOYMENT")
	setString(&c.OpenAI.APIKey, "AZURE_OPENAI_API_KEY")
	setString(&c.OpenAI.Voice, "AZURE_OPENAI_REALTIME_VOICE_CHOICE")

	setString(&c.Search.Endpoint, "AZURE_SEARCH_ENDPOINT")
	setString(&c.Search.Index, "AZURE_SEARCH_INDEX")
	setString(&c.Search.APIKey, "AZURE_SEARCH_API_KEY")
	setString(&c.Search.SemanticConfiguration, "AZURE_SEARCH_SEMANTIC_CONFIGURATION")
	setString(&c.Search.IdentifierField, "AZURE_SEARCH_IDENTIFIER_FIELD")
	setString(&c.Search.TitleField, "AZURE_SEARCH_TITLE_FIELD")
	setString(&c.Search.ContentField, "AZURE_SEARCH_CONTENT_FIELD")
	setString(&c.Search.EmbeddingField, "AZURE_SEARCH_EMBEDDING_FIELD")
	if v := os.Getenv("AZURE_SEARCH_USE_VECTOR_QUERY"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AZURE_SEARCH_USE_VECTOR_QUERY %q: %w", v, err)
		}
		c.Search.UseVectorQuery = enabled
	}

	setString(&c.TenantID, "AZURE_TENANT_ID")
	setString(&c.Relay.Address, "VOICERAG_ADDRESS")
	setString(&c.Client.URL, "VOICERAG_URL")
	setString(&c.Client.Device, "VOICERAG_DEVICE")
	setString(&c.Logging.Level, "VOICERAG_LOG_LEVEL")
	return nil
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// Validate checks settings every command needs.
func (c *Config) Validate() error {
	if _, err := c.Logging.SlogLevel(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}
	return nil
}

// ValidateRelay checks the settings the middle tier needs on top of
// Validate.
func (c *Config) ValidateRelay() error {
	if c.Relay.Address == "" {
		return errors.New("relay config: address cannot be empty")
	}
	if !strings.HasPrefix(c.Relay.Path, "/") {
		return fmt.Errorf("relay config: path must start with /, got %q", c.Relay.Path)
	}
	if err := c.OpenAI.Validate(); err != nil {
		return fmt.Errorf("openai config: %w", err)
	}
	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("search config: %w", err)
	}
	return nil
}

func (o *OpenAIConfig) Validate() error {
	if o.Endpoint == "" {
		return errors.New("endpoint cannot be empty (AZURE_OPENAI_ENDPOINT)")
	}
	if o.Deployment == "" {
		return errors.New("deployment cannot be empty (AZURE_OPENAI_REALTIME_DEPLOYMENT)")
	}
	if o.Temperature != nil && (*o.Temperature < 0.6 || *o.Temperature > 1.2) {
		return fmt.Errorf("temperature must be between 0.6 and 1.2, got %g", *o.Temperature)
	}
	if o.MaxTokens != nil && *o.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive, got %d", *o.MaxTokens)
	}
	return nil
}

func (s *SearchConfig) Validate() error {
	if s.Endpoint == "" {
		return errors.New("endpoint cannot be empty (AZURE_SEARCH_ENDPOINT)")
	}
	if s.Index == "" {
		return errors.New("index cannot be empty (AZURE_SEARCH_INDEX)")
	}
	return nil
}

func (c *ClientConfig) Validate() error {
	switch c.Device {
	case "miniaudio", "portaudio":
		return nil
	}
	return fmt.Errorf("device must be miniaudio or portaudio, got %q", c.Device)
}

// NeedsIdentity reports whether any service lacks an API key and has to
// authenticate with an Azure identity.
func (c *Config) NeedsIdentity() bool {
	return c.OpenAI.APIKey == "" || c.Search.APIKey == ""
}

func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid level %q: %w", l.Level, err)
	}
	return level, nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicerag.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(productionEnv, "true")

	config, err := Load("")
	if err != nil {
		t.Fatalf("expected defaults to load, got %v", err)
	}
	if config.Relay.Address != "localhost:8765" || config.Relay.Path != "/realtime" {
		t.Fatalf("unexpected relay defaults %+v", config.Relay)
	}
	if config.OpenAI.Voice != "alloy" {
		t.Fatalf("expected alloy voice, got %q", config.OpenAI.Voice)
	}
	if config.Search.IdentifierField != "chunk_id" || config.Search.ContentField != "chunk" ||
		config.Search.EmbeddingField != "text_vector" || config.Search.TitleField != "title" {
		t.Fatalf("unexpected search field defaults %+v", config.Search)
	}
	if !config.Search.UseVectorQuery {
		t.Fatalf("expected vector query by default")
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv(productionEnv, "true")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://env.openai.azure.com")
	t.Setenv("AZURE_SEARCH_USE_VECTOR_QUERY", "false")

	path := writeConfig(t, `
openai:
  endpoint: https://file.openai.azure.com
  deployment: gpt-4o-realtime
  temperature: 0.8
search:
  endpoint: https://search.windows.net
  index: docs
`)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if config.OpenAI.Endpoint != "https://env.openai.azure.com" {
		t.Fatalf("expected env endpoint, got %q", config.OpenAI.Endpoint)
	}
	if config.OpenAI.Deployment != "gpt-4o-realtime" {
		t.Fatalf("expected file deployment, got %q", config.OpenAI.Deployment)
	}
	if config.OpenAI.Temperature == nil || *config.OpenAI.Temperature != 0.8 {
		t.Fatalf("expected temperature from file, got %v", config.OpenAI.Temperature)
	}
	if config.Search.UseVectorQuery {
		t.Fatalf("expected vector query to be disabled by env")
	}
	if config.Search.SemanticConfiguration != "default" {
		t.Fatalf("expected default semantic configuration, got %q", config.Search.SemanticConfiguration)
	}
	if err := config.ValidateRelay(); err != nil {
		t.Fatalf("expected relay config to be valid, got %v", err)
	}
}

func TestLoadReadsDotEnvOutsideProduction(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("AZURE_SEARCH_INDEX=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	t.Chdir(dir)
	t.Setenv(productionEnv, "")
	t.Setenv("AZURE_SEARCH_INDEX", "")
	os.Unsetenv("AZURE_SEARCH_INDEX")

	config, err := Load("")
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if config.Search.Index != "from-dotenv" {
		t.Fatalf("expected index from .env, got %q", config.Search.Index)
	}
}

func TestValidation(t *testing.T) {
	tooHot := 1.5
	zero := 0
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{"missing openai endpoint", func(c *Config) { c.OpenAI.Endpoint = "" }, "AZURE_OPENAI_ENDPOINT"},
		{"missing deployment", func(c *Config) { c.OpenAI.Deployment = "" }, "AZURE_OPENAI_REALTIME_DEPLOYMENT"},
		{"temperature out of range", func(c *Config) { c.OpenAI.Temperature = &tooHot }, "temperature"},
		{"non positive max tokens", func(c *Config) { c.OpenAI.MaxTokens = &zero }, "max_tokens"},
		{"missing search index", func(c *Config) { c.Search.Index = "" }, "AZURE_SEARCH_INDEX"},
		{"relative path", func(c *Config) { c.Relay.Path = "realtime" }, "path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			config.OpenAI.Endpoint = "https://openai"
			config.OpenAI.Deployment = "realtime"
			config.Search.Endpoint = "https://search"
			config.Search.Index = "docs"
			tt.mutate(&config)

			err := config.ValidateRelay()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Fatalf("expected error mentioning %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestInvalidDeviceAndLevel(t *testing.T) {
	config := Default()
	config.Client.Device = "speakers"
	if err := config.Validate(); err == nil {
		t.Fatalf("expected invalid device to fail")
	}

	config = Default()
	config.Logging.Level = "loud"
	if err := config.Validate(); err == nil {
		t.Fatalf("expected invalid level to fail")
	}
}

func TestNeedsIdentity(t *testing.T) {
	config := Default()
	config.OpenAI.APIKey = "a"
	if !config.NeedsIdentity() {
		t.Fatalf("expected identity without a search key")
	}
	config.Search.APIKey = "b"
	if config.NeedsIdentity() {
		t.Fatalf("expected no identity with both keys")
	}
}

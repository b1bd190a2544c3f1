package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/koscakluka/ema-voicerag/core/credentials"
	"github.com/koscakluka/ema-voicerag/core/relay"
	"github.com/koscakluka/ema-voicerag/core/retrieval/azuresearch"
	"github.com/koscakluka/ema-voicerag/internal/config"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 10 * time.Second

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve the realtime middle tier",
	Long: `Serve the realtime middle tier.

Clients connect over a websocket to the relay path (default /realtime).
The relay holds the model configuration and the knowledge base tools,
and forwards a simplified event stream to the client.

Required environment:
  AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_REALTIME_DEPLOYMENT,
  AZURE_SEARCH_ENDPOINT, AZURE_SEARCH_INDEX

Without AZURE_OPENAI_API_KEY or AZURE_SEARCH_API_KEY the relay
authenticates with an Azure identity (AZURE_TENANT_ID selects the
Azure Developer CLI credential).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateRelay(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		handler, err := newRelayHandler(ctx, cfg, logger)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle(cfg.Relay.Path, handler)
		if cfg.Relay.StaticDir != "" {
			mux.Handle("/", http.FileServer(http.Dir(cfg.Relay.StaticDir)))
		}

		server := &http.Server{
			Addr:              cfg.Relay.Address,
			Handler:           otelhttp.NewHandler(mux, "voicerag"),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("relay listening", "address", cfg.Relay.Address, "path", cfg.Relay.Path)
			errCh <- server.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("relay server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down relay: %w", err)
		}
		return nil
	},
}

func newRelayHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*relay.MiddleTier, error) {
	llmCredential, searchCredential, err := newCredentials(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	retriever, err := azuresearch.New(azuresearch.Config{
		Endpoint:              cfg.Search.Endpoint,
		Index:                 cfg.Search.Index,
		Credential:            searchCredential,
		SemanticConfiguration: cfg.Search.SemanticConfiguration,
		UseVectorQuery:        cfg.Search.UseVectorQuery,
		IdentifierField:       cfg.Search.IdentifierField,
		TitleField:            cfg.Search.TitleField,
		ContentField:          cfg.Search.ContentField,
		EmbeddingField:        cfg.Search.EmbeddingField,
	}, azuresearch.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	middleTier, err := relay.New(relay.Config{
		Endpoint:     cfg.OpenAI.Endpoint,
		Deployment:   cfg.OpenAI.Deployment,
		APIVersion:   cfg.OpenAI.APIVersion,
		Credential:   llmCredential,
		Instructions: cfg.OpenAI.Instructions,
		Temperature:  cfg.OpenAI.Temperature,
		MaxTokens:    cfg.OpenAI.MaxTokens,
		Voice:        cfg.OpenAI.Voice,
	}, relay.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	relay.AttachRAGTools(middleTier, retriever)
	names := []string{}
	for _, tool := range middleTier.Tools() {
		names = append(names, tool.Name)
	}
	logger.Info("rag tools attached", "tools", names)
	return middleTier, nil
}

// newCredentials prefers API keys and falls back to an Azure identity for
// whichever service has none.
func newCredentials(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm, search credentials.Credential, err error) {
	if cfg.OpenAI.APIKey != "" {
		llm = credentials.APIKey(cfg.OpenAI.APIKey)
	}
	if cfg.Search.APIKey != "" {
		search = credentials.APIKey(cfg.Search.APIKey)
	}
	if !cfg.NeedsIdentity() {
		return llm, search, nil
	}

	if cfg.TenantID != "" {
		logger.Info("using azure developer cli credential", "tenant_id", cfg.TenantID)
	} else {
		logger.Info("using default azure credential")
	}
	identity, err := credentials.NewDefaultAzureCredential(cfg.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create azure credential: %w", err)
	}

	if llm == nil {
		azureCredential := credentials.NewAzureCredential(identity, credentials.CognitiveServicesScope)
		if err := azureCredential.Warm(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to acquire openai token: %w", err)
		}
		llm = azureCredential
	}
	if search == nil {
		search = credentials.NewAzureCredential(identity, credentials.SearchScope)
	}
	return llm, search, nil
}

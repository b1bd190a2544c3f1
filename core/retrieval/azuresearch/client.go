// Package azuresearch retrieves knowledge-base chunks from an Azure AI
// Search index over its REST API.
package azuresearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/koscakluka/ema-voicerag/core/credentials"
	"github.com/koscakluka/ema-voicerag/core/relay"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	APIVersion = "2024-07-01"

	defaultIdentifierField = "chunk_id"
	defaultTitleField      = "title"
	defaultContentField    = "chunk"
	defaultEmbeddingField  = "text_vector"

	vectorNeighbors = 50
	requestTimeout  = 30 * time.Second
)

type Config struct {
	Endpoint   string
	Index      string
	Credential credentials.Credential

	// SemanticConfiguration enables semantic ranking when set.
	SemanticConfiguration string
	UseVectorQuery        bool

	IdentifierField string
	TitleField      string
	ContentField    string
	EmbeddingField  string
}

// APIError is a non-2xx response from the search service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("azure search returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("azure search returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func New(config Config, opts ...Option) (*Client, error) {
	if config.Endpoint == "" {
		return nil, errors.New("azure search endpoint is required")
	}
	if config.Index == "" {
		return nil, errors.New("azure search index is required")
	}
	if config.IdentifierField == "" {
		config.IdentifierField = defaultIdentifierField
	}
	if config.TitleField == "" {
		config.TitleField = defaultTitleField
	}
	if config.ContentField == "" {
		config.ContentField = defaultContentField
	}
	if config.EmbeddingField == "" {
		config.EmbeddingField = defaultEmbeddingField
	}

	c := &Client{
		config: config,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   requestTimeout,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ relay.Retriever = (*Client)(nil)

type vectorQuery struct {
	Kind   string `json:"kind"`
	Text   string `json:"text"`
	K      int    `json:"k"`
	Fields string `json:"fields"`
}

type searchRequest struct {
	Search                string        `json:"search"`
	SearchFields          string        `json:"searchFields,omitempty"`
	QueryType             string        `json:"queryType,omitempty"`
	SemanticConfiguration string        `json:"semanticConfiguration,omitempty"`
	Select                string        `json:"select,omitempty"`
	Top                   int           `json:"top"`
	VectorQueries         []vectorQuery `json:"vectorQueries,omitempty"`
}

type searchResponse struct {
	Value []map[string]any `json:"value"`
}

// Search runs a hybrid query, semantic and vector ranked when configured.
func (c *Client) Search(ctx context.Context, query string, top int) ([]relay.Document, error) {
	request := searchRequest{
		Search: query,
		Select: c.selectFields(),
		Top:    top,
	}
	if c.config.SemanticConfiguration != "" {
		request.QueryType = "semantic"
		request.SemanticConfiguration = c.config.SemanticConfiguration
	}
	if c.config.UseVectorQuery {
		request.VectorQueries = []vectorQuery{{
			Kind:   "text",
			Text:   query,
			K:      vectorNeighbors,
			Fields: c.config.EmbeddingField,
		}}
	}
	return c.search(ctx, "search documents", request)
}

// Lookup finds chunks by identifier.
func (c *Client) Lookup(ctx context.Context, ids []string) ([]relay.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return c.search(ctx, "lookup documents", searchRequest{
		Search:       strings.Join(ids, " OR "),
		SearchFields: c.config.IdentifierField,
		QueryType:    "full",
		Select:       c.selectFields(),
		Top:          len(ids),
	})
}

func (c *Client) selectFields() string {
	return strings.Join([]string{c.config.IdentifierField, c.config.TitleField, c.config.ContentField}, ",")
}

func (c *Client) search(ctx context.Context, spanName string, request searchRequest) (docs []relay.Document, err error) {
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("azuresearch.index", c.config.Index),
		attribute.Int("azuresearch.top", request.Top),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s",
		strings.TrimSuffix(c.config.Endpoint, "/"), url.PathEscape(c.config.Index), APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Credential != nil {
		if err := c.config.Credential.Apply(ctx, req.Header); err != nil {
			return nil, fmt.Errorf("failed to authorize search request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readAPIError(resp)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	docs = make([]relay.Document, 0, len(decoded.Value))
	for _, hit := range decoded.Value {
		docs = append(docs, relay.Document{
			ID:      stringField(hit, c.config.IdentifierField),
			Title:   stringField(hit, c.config.TitleField),
			Content: stringField(hit, c.config.ContentField),
		})
	}
	c.logger.DebugContext(ctx, "search completed", "index", c.config.Index, "results", len(docs))
	return docs, nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}

	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error.Message != "" {
		apiErr.Code = payload.Error.Code
		apiErr.Message = payload.Error.Message
	}
	return apiErr
}

func stringField(hit map[string]any, field string) string {
	switch v := hit[field].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

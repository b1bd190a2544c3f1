package azuresearch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koscakluka/ema-voicerag/core/credentials"
)

type capturedRequest struct {
	path   string
	query  string
	apiKey string
	body   searchRequest
}

func newSearchServer(t *testing.T, status int, response string) (*httptest.Server, chan capturedRequest) {
	t.Helper()
	requests := make(chan capturedRequest, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body searchRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		requests <- capturedRequest{
			path:   r.URL.Path,
			query:  r.URL.Query().Get("api-version"),
			apiKey: r.Header.Get("api-key"),
			body:   body,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server, requests
}

func TestSearchBuildsHybridQuery(t *testing.T) {
	server, requests := newSearchServer(t, http.StatusOK,
		`{"value":[{"chunk_id":"c1","title":"Guide.pdf","chunk":"text","@search.score":1.2}]}`)

	client, err := New(Config{
		Endpoint:              server.URL + "/",
		Index:                 "docs",
		Credential:            credentials.APIKey("key"),
		SemanticConfiguration: "default",
		UseVectorQuery:        true,
	})
	if err != nil {
		t.Fatalf("expected client, got %v", err)
	}

	docs, err := client.Search(context.Background(), "benefits", 3)
	if err != nil {
		t.Fatalf("expected search to succeed, got %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "c1" || docs[0].Title != "Guide.pdf" || docs[0].Content != "text" {
		t.Fatalf("unexpected documents %+v", docs)
	}

	req := <-requests
	if req.path != "/indexes/docs/docs/search" || req.query != APIVersion {
		t.Fatalf("unexpected request %s?%s", req.path, req.query)
	}
	if req.apiKey != "key" {
		t.Fatalf("expected api key, got %q", req.apiKey)
	}
	if req.body.Search != "benefits" || req.body.Top != 3 || req.body.QueryType != "semantic" {
		t.Fatalf("unexpected body %+v", req.body)
	}
	if len(req.body.VectorQueries) != 1 || req.body.VectorQueries[0].Fields != "text_vector" || req.body.VectorQueries[0].K != 50 {
		t.Fatalf("expected vector query, got %+v", req.body.VectorQueries)
	}
	if req.body.Select != "chunk_id,title,chunk" {
		t.Fatalf("unexpected select %q", req.body.Select)
	}
}

func TestLookupQueriesIdentifiers(t *testing.T) {
	server, requests := newSearchServer(t, http.StatusOK, `{"value":[{"id":"a","name":"A","body":"x"}]}`)
	client, _ := New(Config{
		Endpoint:        server.URL,
		Index:           "docs",
		IdentifierField: "id",
		TitleField:      "name",
		ContentField:    "body",
	})

	docs, err := client.Lookup(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("expected lookup to succeed, got %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "a" || docs[0].Title != "A" {
		t.Fatalf("unexpected documents %+v", docs)
	}

	req := <-requests
	if req.body.Search != "a OR b" || req.body.SearchFields != "id" || req.body.Top != 2 || req.body.QueryType != "full" {
		t.Fatalf("unexpected lookup body %+v", req.body)
	}
	if len(req.body.VectorQueries) != 0 {
		t.Fatalf("expected no vector query for lookup")
	}
}

func TestLookupWithoutIDs(t *testing.T) {
	client, _ := New(Config{Endpoint: "http://unused", Index: "docs"})
	docs, err := client.Lookup(context.Background(), nil)
	if err != nil || docs != nil {
		t.Fatalf("expected empty lookup, got %v %v", docs, err)
	}
}

func TestSearchReturnsAPIError(t *testing.T) {
	server, _ := newSearchServer(t, http.StatusForbidden, `{"error":{"code":"Forbidden","message":"access denied"}}`)
	client, _ := New(Config{Endpoint: server.URL, Index: "docs"})

	_, err := client.Search(context.Background(), "q", 3)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "Forbidden" || apiErr.Message != "access denied" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Index: "docs"}); err == nil {
		t.Fatalf("expected missing endpoint to fail")
	}
	if _, err := New(Config{Endpoint: "https://search"}); err == nil {
		t.Fatalf("expected missing index to fail")
	}
}

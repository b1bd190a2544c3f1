package credentials

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

type fakeTokenCredential struct {
	calls     atomic.Int32
	expiresIn time.Duration
	scopes    []string
	err       error
}

func (f *fakeTokenCredential) GetToken(_ context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	f.calls.Add(1)
	f.scopes = opts.Scopes
	if f.err != nil {
		return azcore.AccessToken{}, f.err
	}
	return azcore.AccessToken{Token: "tok", ExpiresOn: time.Now().Add(f.expiresIn)}, nil
}

func TestAPIKeySetsHeader(t *testing.T) {
	header := http.Header{}
	if err := APIKey("secret").Apply(context.Background(), header); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := header.Get("api-key"); got != "secret" {
		t.Fatalf("expected api-key secret, got %q", got)
	}
	if err := APIKey("").Apply(context.Background(), http.Header{}); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
}

func TestAzureCredentialCachesToken(t *testing.T) {
	fake := &fakeTokenCredential{expiresIn: time.Hour}
	cred := NewAzureCredential(fake, CognitiveServicesScope)

	for i := 0; i < 3; i++ {
		header := http.Header{}
		if err := cred.Apply(context.Background(), header); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("expected bearer token, got %q", got)
		}
	}
	if got := fake.calls.Load(); got != 1 {
		t.Fatalf("expected one token request, got %d", got)
	}
	if len(fake.scopes) != 1 || fake.scopes[0] != CognitiveServicesScope {
		t.Fatalf("expected cognitive services scope, got %v", fake.scopes)
	}
}

func TestAzureCredentialRefreshesNearExpiry(t *testing.T) {
	fake := &fakeTokenCredential{expiresIn: time.Minute}
	cred := NewAzureCredential(fake, SearchScope)

	_ = cred.Warm(context.Background())
	_ = cred.Apply(context.Background(), http.Header{})
	if got := fake.calls.Load(); got != 2 {
		t.Fatalf("expected token inside refresh buffer to be refetched, got %d requests", got)
	}
}

func TestAzureCredentialPropagatesFailure(t *testing.T) {
	fake := &fakeTokenCredential{err: errors.New("no login")}
	cred := NewAzureCredential(fake, SearchScope)
	if err := cred.Apply(context.Background(), http.Header{}); err == nil {
		t.Fatalf("expected token failure to be returned")
	}
}

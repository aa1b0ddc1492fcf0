package elevenlabs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wellcoach/internal/domain"
)

func TestIssueSignedURLSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/v1/convai/conversation/get-signed-url" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("agent_id"); got != "agent-1" {
			t.Errorf("unexpected agent id: %q", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "secret" {
			t.Errorf("unexpected api key header: %q", got)
		}
		_, _ = w.Write([]byte(`{"signed_url":"wss://example.test/convai?token=abc"}`))
	}))
	t.Cleanup(server.Close)

	issuer := NewSignedURLIssuer(Config{APIKey: "secret", APIBaseURL: server.URL + "/"}, nil)
	signedURL, err := issuer.IssueSignedURL(context.Background(), " agent-1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signedURL != "wss://example.test/convai?token=abc" {
		t.Fatalf("unexpected signed url: %q", signedURL)
	}
}

func TestIssueSignedURLRequiresAgentID(t *testing.T) {
	t.Parallel()

	issuer := NewSignedURLIssuer(Config{APIKey: "secret"}, nil)
	_, err := issuer.IssueSignedURL(context.Background(), "  ")

	var tokenErr *domain.TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("expected token error, got %v", err)
	}
	if tokenErr.Status != http.StatusBadRequest || tokenErr.Message != "Agent ID is required" {
		t.Fatalf("unexpected token error: %+v", tokenErr)
	}
}

func TestIssueSignedURLRequiresAPIKey(t *testing.T) {
	t.Parallel()

	issuer := NewSignedURLIssuer(Config{}, nil)
	if issuer.Configured() {
		t.Fatalf("expected issuer without key to be unconfigured")
	}
	_, err := issuer.IssueSignedURL(context.Background(), "agent-1")

	var tokenErr *domain.TokenError
	if !errors.As(err, &tokenErr) || tokenErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 token error, got %v", err)
	}
}

func TestIssueSignedURLUpstreamRejection(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`))
	}))
	t.Cleanup(server.Close)

	issuer := NewSignedURLIssuer(Config{APIKey: "bad", APIBaseURL: server.URL}, nil)
	_, err := issuer.IssueSignedURL(context.Background(), "agent-1")

	var tokenErr *domain.TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("expected token error, got %v", err)
	}
	if tokenErr.Status != http.StatusUnauthorized || tokenErr.Message != "Invalid API key" {
		t.Fatalf("unexpected token error: %+v", tokenErr)
	}
}

func TestIssueSignedURLMissingField(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	issuer := NewSignedURLIssuer(Config{APIKey: "secret", APIBaseURL: server.URL}, nil)
	_, err := issuer.IssueSignedURL(context.Background(), "agent-1")

	var tokenErr *domain.TokenError
	if !errors.As(err, &tokenErr) || tokenErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 token error, got %v", err)
	}
}

func TestIssueSignedURLCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	issuer := NewSignedURLIssuer(Config{APIKey: "secret", APIBaseURL: server.URL}, nil)
	_, err := issuer.IssueSignedURL(ctx, "agent-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestExtractErrorDetail(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		`{"detail":"quota exceeded"}`:                   "quota exceeded",
		`{"detail":{"status":"agent_not_found"}}`:       "agent_not_found",
		`{"message":"slow down"}`:                       "slow down",
		`{"error":"nope"}`:                              "nope",
		"plain failure":                                 "plain failure",
		`{"detail":{"message":" spaced ","status":"x"}}`: "spaced",
	}
	for body, want := range cases {
		if got := extractErrorDetail([]byte(body)); got != want {
			t.Fatalf("extractErrorDetail(%s) = %q, want %q", body, got, want)
		}
	}
}

func TestSignedURLEndpointEscapesAgentID(t *testing.T) {
	t.Parallel()

	endpoint, err := signedURLEndpoint("https://api.elevenlabs.io", "a b&c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(endpoint, "agent_id=a+b%26c") {
		t.Fatalf("unexpected endpoint: %s", endpoint)
	}
}

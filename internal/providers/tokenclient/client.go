package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"wellcoach/internal/domain"
)

// Config points the client at a signed-URL proxy.
type Config struct {
	URL string
	// APIKey is sent as both apikey and bearer token when set.
	APIKey     string
	HTTPClient *http.Client
}

// Client implements ports.TokenService by asking the signed-URL proxy,
// so the provider credential never reaches this process.
type Client struct {
	url    string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:    strings.TrimSpace(cfg.URL),
		apiKey: strings.TrimSpace(cfg.APIKey),
		client: cfg.HTTPClient,
		logger: logger,
	}
}

type signedURLRequest struct {
	AgentID string `json:"agentId"`
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
	Error     string `json:"error"`
}

func (c *Client) IssueSignedURL(ctx context.Context, agentID string) (string, error) {
	if c.url == "" {
		return "", &domain.TokenError{Message: "token endpoint is not configured"}
	}

	body, err := json.Marshal(signedURLRequest{AgentID: agentID})
	if err != nil {
		return "", &domain.TokenError{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", &domain.TokenError{Message: fmt.Sprintf("build token request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &domain.TokenError{Message: fmt.Sprintf("token request failed: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil && !errors.Is(err, io.EOF) {
		return "", domain.NewTokenError(resp.StatusCode, fmt.Sprintf("read token response: %v", err))
	}

	var payload signedURLResponse
	decodeErr := json.Unmarshal(raw, &payload)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("token endpoint rejected request", "status", resp.StatusCode, "detail", payload.Error)
		return "", domain.NewTokenError(resp.StatusCode, strings.TrimSpace(payload.Error))
	}
	if decodeErr != nil {
		return "", &domain.TokenError{Status: resp.StatusCode, Message: "invalid token response"}
	}
	if strings.TrimSpace(payload.SignedURL) == "" {
		return "", &domain.TokenError{Status: resp.StatusCode, Message: "signed url missing from token response"}
	}
	return payload.SignedURL, nil
}

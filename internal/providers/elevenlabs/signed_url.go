package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"wellcoach/internal/domain"
)

const defaultAPIBaseURL = "https://api.elevenlabs.io"

// ErrAPIKeyMissing is reported when no provider credential is configured.
var ErrAPIKeyMissing = errors.New("ElevenLabs API key is not configured")

// Config controls access to the ElevenLabs REST API.
type Config struct {
	APIKey     string
	APIBaseURL string
	HTTPClient *http.Client
}

// SignedURLIssuer implements ports.TokenService by calling ElevenLabs
// directly with the provider-held API key.
type SignedURLIssuer struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewSignedURLIssuer(cfg Config, logger *slog.Logger) *SignedURLIssuer {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SignedURLIssuer{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/"),
		client:  cfg.HTTPClient,
		logger:  logger,
	}
}

// Configured reports whether an API key is available.
func (s *SignedURLIssuer) Configured() bool {
	return s.apiKey != ""
}

func (s *SignedURLIssuer) IssueSignedURL(ctx context.Context, agentID string) (string, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return "", &domain.TokenError{Status: http.StatusBadRequest, Message: "Agent ID is required"}
	}
	if !s.Configured() {
		return "", &domain.TokenError{Status: http.StatusInternalServerError, Message: ErrAPIKeyMissing.Error()}
	}

	endpoint, err := signedURLEndpoint(s.baseURL, agentID)
	if err != nil {
		return "", &domain.TokenError{Status: http.StatusInternalServerError, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", &domain.TokenError{Message: fmt.Sprintf("build signed url request: %v", err)}
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &domain.TokenError{Message: fmt.Sprintf("request signed url: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &domain.TokenError{Status: http.StatusBadGateway, Message: fmt.Sprintf("read signed url response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := extractErrorDetail(body)
		s.logger.Warn("elevenlabs signed url request rejected", "status", resp.StatusCode, "detail", detail, "agent", agentID)
		return "", domain.NewTokenError(resp.StatusCode, detail)
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &domain.TokenError{Status: http.StatusBadGateway, Message: "invalid signed url response"}
	}
	if strings.TrimSpace(payload.SignedURL) == "" {
		return "", &domain.TokenError{Status: http.StatusBadGateway, Message: "signed url missing from response"}
	}

	s.logger.Debug("elevenlabs signed url issued", "agent", agentID)
	return payload.SignedURL, nil
}

func signedURLEndpoint(base string, agentID string) (string, error) {
	if base == "" {
		base = defaultAPIBaseURL
	}
	endpoint, err := url.Parse(base + "/v1/convai/conversation/get-signed-url")
	if err != nil {
		return "", fmt.Errorf("invalid ElevenLabs API base URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("agent_id", agentID)
	endpoint.RawQuery = query.Encode()
	return endpoint.String(), nil
}

// extractErrorDetail understands both {"detail":"..."} and
// {"detail":{"status":"...","message":"..."}} error bodies.
func extractErrorDetail(body []byte) string {
	var envelope struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return strings.TrimSpace(string(body))
	}

	if len(envelope.Detail) > 0 {
		var text string
		if err := json.Unmarshal(envelope.Detail, &text); err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		var structured struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Detail, &structured); err == nil {
			if msg := strings.TrimSpace(structured.Message); msg != "" {
				return msg
			}
			if status := strings.TrimSpace(structured.Status); status != "" {
				return status
			}
		}
	}
	if msg := strings.TrimSpace(envelope.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(envelope.Error)
}

package tokenserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wellcoach/internal/domain"
)

const (
	msgAgentRequired   = "Agent ID is required"
	msgKeyMissing      = "ElevenLabs API key not configured. Please add your ELEVENLABS_API_KEY secret."
	msgUpstreamFailed  = "Failed to get signed URL from ElevenLabs"
	msgGenerateFailed  = "Failed to generate signed URL"
	msgMethodForbidden = "Method not allowed"
)

// Issuer is the provider-facing signed URL source.
type Issuer interface {
	IssueSignedURL(ctx context.Context, agentID string) (string, error)
	Configured() bool
}

// Options configures NewHandler.
type Options struct {
	AllowedOrigin string
	Metrics       *Metrics
	Logger        *slog.Logger
}

type handler struct {
	issuer  Issuer
	metrics *Metrics
	logger  *slog.Logger
}

// NewHandler serves the signed URL endpoint at / and /signed-url, plus
// /healthz and /metrics.
func NewHandler(issuer Issuer, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	h := &handler{issuer: issuer, metrics: opts.Metrics, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleRoot)
	mux.HandleFunc("/signed-url", h.handleSignedURL)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", opts.Metrics.Handler())

	var next http.Handler = mux
	next = CORS(opts.AllowedOrigin, next)
	next = AccessLog(opts.Logger, next)
	next = Recover(opts.Logger, next)
	next = RequestID(next)
	return next
}

func (h *handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	h.handleSignedURL(w, r)
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type signedURLRequest struct {
	AgentID string `json:"agentId"`
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

func (h *handler) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", corsAllowedMethods)
		writeError(w, http.StatusMethodNotAllowed, msgMethodForbidden)
		return
	}

	started := time.Now()
	logger := h.logger.With("request_id", RequestIDFrom(r.Context()))

	var body signedURLRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&body); err != nil {
		logger.Warn("invalid signed url request body", "err", err)
		h.metrics.observe(OutcomeFailed, started)
		writeError(w, http.StatusInternalServerError, msgGenerateFailed)
		return
	}

	agentID := strings.TrimSpace(body.AgentID)
	if agentID == "" {
		h.metrics.observe(OutcomeBadRequest, started)
		writeError(w, http.StatusBadRequest, msgAgentRequired)
		return
	}
	if !h.issuer.Configured() {
		logger.Error("provider api key is not configured")
		h.metrics.observe(OutcomeUnconfigured, started)
		writeError(w, http.StatusInternalServerError, msgKeyMissing)
		return
	}

	signedURL, err := h.issuer.IssueSignedURL(r.Context(), agentID)
	if err != nil {
		var tokenErr *domain.TokenError
		if errors.As(err, &tokenErr) && tokenErr.Status >= 400 {
			logger.Warn("provider rejected signed url request", "agent", agentID, "status", tokenErr.Status, "detail", tokenErr.Message)
			h.metrics.observe(OutcomeRejected, started)
			writeError(w, tokenErr.Status, msgUpstreamFailed)
			return
		}
		logger.Error("signed url request failed", "agent", agentID, "err", err)
		h.metrics.observe(OutcomeFailed, started)
		writeError(w, http.StatusInternalServerError, msgGenerateFailed)
		return
	}

	logger.Info("signed url issued", "agent", agentID)
	h.metrics.observe(OutcomeIssued, started)
	writeJSON(w, http.StatusOK, signedURLResponse{SignedURL: signedURL})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

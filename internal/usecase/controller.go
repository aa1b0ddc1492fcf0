package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"wellcoach/internal/domain"
	"wellcoach/internal/ports"
)

var (
	ErrAlreadyActive    = errors.New("voice session already active")
	ErrAttemptCancelled = errors.New("voice session attempt cancelled")
)

// Config controls microphone capture for a session.
type Config struct {
	Audio     ports.AudioConfig
	ChunkSize int
}

// VoiceSessionController drives one voice conversation at a time from
// microphone permission through token exchange to the streaming session.
type VoiceSessionController struct {
	mic     ports.Microphone
	tokens  ports.TokenService
	streams ports.StreamingClient
	events  ports.EventSink
	logger  *slog.Logger
	cfg     Config

	conversation *conversationLog

	mu        sync.Mutex
	state     domain.SessionState
	speaking  domain.SpeakingIndicator
	lastErr   *domain.SessionError
	agentID   string
	attemptID string
	current   *attempt
}

func NewVoiceSessionController(
	mic ports.Microphone,
	tokens ports.TokenService,
	streams ports.StreamingClient,
	events ports.EventSink,
	logger *slog.Logger,
	cfg Config,
) *VoiceSessionController {
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceSessionController{
		mic:          mic,
		tokens:       tokens,
		streams:      streams,
		events:       events,
		logger:       logger,
		cfg:          cfg,
		conversation: newConversationLog(),
		state:        domain.SessionStateIdle,
		speaking:     domain.SpeakingIdle,
	}
}

// Start runs a connection attempt for agentID and returns once it is
// connected or has failed. ctx bounds the whole session, not only the attempt.
func (c *VoiceSessionController) Start(ctx context.Context, agentID string) error {
	agentID = strings.TrimSpace(agentID)

	c.mu.Lock()
	if !c.state.CanStart() {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("start rejected", "state", state)
		return ErrAlreadyActive
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	att := &attempt{
		id:      uuid.NewString(),
		agentID: agentID,
		ctx:     attemptCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	defer close(att.done)
	c.current = att
	c.agentID = agentID
	c.attemptID = att.id
	c.lastErr = nil
	c.conversation.Reset()
	c.transitionLocked(domain.SessionStateRequestingPermission)
	c.mu.Unlock()

	logger := c.logger.With("attempt", att.id, "agent", agentID)

	mic, err := c.mic.RequestAccess(attemptCtx, c.cfg.Audio)
	if err != nil {
		return c.failAttempt(att, domain.FailurePermissionDenied, err)
	}
	if !c.advance(att, domain.SessionStateRequestingToken, func() { att.mic = mic }) {
		_ = mic.Stop()
		logger.Debug("discarded late microphone grant")
		return ErrAttemptCancelled
	}

	signedURL, err := c.tokens.IssueSignedURL(attemptCtx, agentID)
	if err != nil {
		return c.failAttempt(att, domain.FailureTokenUnavailable, err)
	}
	if !c.advance(att, domain.SessionStateConnecting, nil) {
		logger.Debug("discarded late signed url")
		return ErrAttemptCancelled
	}

	stream, err := c.streams.Open(attemptCtx, signedURL)
	if err != nil {
		return c.failAttempt(att, domain.FailureConnectionFailed, err)
	}

	c.mu.Lock()
	if c.current != att {
		c.mu.Unlock()
		_ = stream.Close()
		logger.Debug("discarded late streaming session")
		return ErrAttemptCancelled
	}
	att.stream = stream
	att.eventsDone = make(chan struct{})
	att.audioDone = make(chan struct{})
	c.transitionLocked(domain.SessionStateConnected)
	c.mu.Unlock()

	go c.consumeStreamEvents(att)
	go pumpMicrophone(att.mic, stream, c.cfg.ChunkSize, logger, att.audioDone)

	logger.Info("voice session connected")
	return nil
}

// Stop ends the current session or cancels a pending attempt. The controller
// stays Disconnecting until the attempt has released its microphone and
// stream, so no new Start can overlap them. It is Idle when Stop returns,
// even if closing the stream failed.
func (c *VoiceSessionController) Stop() error {
	c.mu.Lock()
	if c.state == domain.SessionStateIdle || c.state == domain.SessionStateDisconnecting {
		c.mu.Unlock()
		return nil
	}

	att := c.current
	pending := c.state.Pending()
	c.current = nil
	c.lastErr = nil
	c.transitionLocked(domain.SessionStateDisconnecting)
	c.mu.Unlock()

	if pending && att != nil {
		c.logger.Info("voice session attempt cancelled", "attempt", att.id)
	}

	var closeErr error
	if att != nil {
		closeErr = att.release()
		att.wait()
	}

	c.mu.Lock()
	c.transitionLocked(domain.SessionStateIdle)
	c.mu.Unlock()

	if closeErr != nil {
		c.logger.Warn("voice session closed with error", "err", closeErr)
	}
	return closeErr
}

// Status returns the current controller status.
func (c *VoiceSessionController) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Transcript returns the messages of the current or most recent session.
func (c *VoiceSessionController) Transcript() []domain.ConversationMessage {
	return c.conversation.Messages()
}

func (c *VoiceSessionController) advance(att *attempt, next domain.SessionState, attach func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != att {
		return false
	}
	if attach != nil {
		attach()
	}
	c.transitionLocked(next)
	return true
}

func (c *VoiceSessionController) failAttempt(att *attempt, kind domain.FailureKind, cause error) error {
	c.mu.Lock()
	if c.current != att {
		c.mu.Unlock()
		return ErrAttemptCancelled
	}
	c.current = nil

	if ctxErr := att.ctx.Err(); ctxErr != nil {
		c.transitionLocked(domain.SessionStateIdle)
		c.mu.Unlock()
		_ = att.release()
		c.logger.Info("voice session attempt abandoned", "attempt", att.id, "err", ctxErr)
		return ctxErr
	}

	failure := &domain.SessionError{Kind: kind, Message: failureMessage(kind, cause)}
	c.lastErr = failure
	c.transitionLocked(domain.SessionStateFailed)
	c.events.SessionError(*failure)
	c.mu.Unlock()

	_ = att.release()
	c.logger.Warn("voice session attempt failed", "attempt", att.id, "kind", kind, "err", cause)
	return failure
}

func (c *VoiceSessionController) consumeStreamEvents(att *attempt) {
	defer close(att.eventsDone)

	for event := range att.stream.Events() {
		if c.applyStreamEvent(att, event) {
			return
		}
	}
	c.endSession(att, nil)
}

// applyStreamEvent reports whether the event ended the session.
func (c *VoiceSessionController) applyStreamEvent(att *attempt, event domain.StreamEvent) bool {
	c.mu.Lock()
	if c.current != att || c.state != domain.SessionStateConnected {
		c.mu.Unlock()
		return false
	}

	switch event.Type {
	case domain.StreamEventMessage:
		if event.Message != nil {
			if msg, ok := c.conversation.Add(*event.Message); ok {
				c.events.ConversationMessage(msg)
			}
		}
	case domain.StreamEventSpeaking:
		if event.Speaking != "" && event.Speaking != c.speaking {
			c.speaking = event.Speaking
			c.events.SpeakingChanged(c.speaking)
		}
	case domain.StreamEventError:
		c.mu.Unlock()
		detail := event.Detail
		if detail == "" {
			detail = "voice session interrupted"
		}
		c.endSession(att, &domain.SessionError{Kind: domain.FailureStreamError, Message: detail})
		return true
	case domain.StreamEventDisconnect:
		c.mu.Unlock()
		c.endSession(att, nil)
		return true
	}

	c.mu.Unlock()
	return false
}

// endSession leaves Connected after a remote event. A nil failure is a clean end.
func (c *VoiceSessionController) endSession(att *attempt, failure *domain.SessionError) {
	c.mu.Lock()
	if c.current != att {
		c.mu.Unlock()
		return
	}
	c.current = nil

	if failure != nil {
		c.lastErr = failure
		c.transitionLocked(domain.SessionStateFailed)
		c.events.SessionError(*failure)
	} else {
		c.transitionLocked(domain.SessionStateIdle)
	}
	c.mu.Unlock()

	if err := att.release(); err != nil {
		c.logger.Debug("remote session close error", "attempt", att.id, "err", err)
	}
	if failure != nil {
		c.logger.Warn("voice session failed", "attempt", att.id, "err", failure.Message)
	} else {
		c.logger.Info("voice session ended by remote", "attempt", att.id)
	}
}

// transitionLocked is the single state mutation point. Leaving Connected
// clears the speaking indicator in the same step.
func (c *VoiceSessionController) transitionLocked(next domain.SessionState) {
	previous := c.state
	c.state = next
	if next != domain.SessionStateConnected {
		c.speaking = domain.SpeakingIdle
	}
	if next != domain.SessionStateFailed {
		c.lastErr = nil
	}
	c.logger.Debug("voice session state", "from", previous, "to", next)
	c.events.SessionStateChanged(c.statusLocked())
}

func (c *VoiceSessionController) statusLocked() domain.Status {
	status := domain.Status{
		State:     c.state,
		Speaking:  c.speaking,
		Active:    !c.state.CanStart(),
		AgentID:   c.agentID,
		AttemptID: c.attemptID,
	}
	if c.state == domain.SessionStateFailed && c.lastErr != nil {
		failure := *c.lastErr
		status.Error = &failure
	}
	return status
}

func failureMessage(kind domain.FailureKind, cause error) string {
	if cause == nil {
		return string(kind)
	}
	var tokenErr *domain.TokenError
	if kind == domain.FailureTokenUnavailable && errors.As(cause, &tokenErr) {
		return tokenErr.Message
	}
	return cause.Error()
}

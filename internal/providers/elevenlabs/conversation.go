package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wellcoach/internal/domain"
	"wellcoach/internal/ports"
)

var errSessionClosed = errors.New("conversation session closed")

// ConversationConfig controls the conversational websocket client.
type ConversationConfig struct {
	// Playback receives agent audio. Nil disables playback.
	Playback ports.AudioPlayback
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// ConversationClient implements ports.StreamingClient against the
// ElevenLabs conversational agent websocket.
type ConversationClient struct {
	playback ports.AudioPlayback
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

func NewConversationClient(cfg ConversationConfig, logger *slog.Logger) *ConversationClient {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationClient{playback: cfg.Playback, dialer: cfg.Dialer, logger: logger}
}

func (c *ConversationClient) Open(ctx context.Context, signedURL string) (ports.StreamingSession, error) {
	wsURL, err := websocketURL(signedURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to conversation websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to conversation websocket: %w", err)
	}

	session := &conversationSession{
		conn:     conn,
		logger:   c.logger,
		playback: c.playback,
		ctx:      ctx,
		format:   ports.PlaybackFormat{SampleRate: 16000, Channels: 1},
		events:   make(chan domain.StreamEvent, 64),
		outbound: make(chan []byte, 32),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop()
	go func() {
		session.wg.Wait()
		close(session.events)
		session.closePlayer()
		_ = conn.Close()
		close(session.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-session.done:
		}
	}()

	return session, nil
}

type conversationSession struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	playback ports.AudioPlayback
	ctx      context.Context

	events   chan domain.StreamEvent
	outbound chan []byte
	closing  chan struct{}
	readDone chan struct{}
	done     chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once

	errMu sync.Mutex
	err   error

	mu             sync.Mutex
	conversationID string
	format         ports.PlaybackFormat
	player         io.WriteCloser
	playerFailed   bool
}

func (s *conversationSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	payload, err := json.Marshal(userAudioChunk{Chunk: base64.StdEncoding.EncodeToString(chunk)})
	if err != nil {
		return err
	}
	return s.enqueue(payload)
}

func (s *conversationSession) Events() <-chan domain.StreamEvent {
	return s.events
}

// Close sends a normal closure and waits for both loops to finish. Safe to
// call more than once.
func (s *conversationSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = s.conn.Close()
	})
	<-s.done
	return s.waitErr()
}

// ConversationID is known once the provider sent its initiation metadata.
func (s *conversationSession) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *conversationSession) enqueue(payload []byte) error {
	select {
	case <-s.closing:
		return errSessionClosed
	case <-s.readDone:
		if err := s.waitErr(); err != nil {
			return err
		}
		return errSessionClosed
	default:
	}

	select {
	case s.outbound <- payload:
		return nil
	case <-s.closing:
		return errSessionClosed
	case <-s.readDone:
		return errSessionClosed
	}
}

func (s *conversationSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *conversationSession) setErr(err error) {
	if err == nil {
		return
	}
	if isNormalClose(err) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *conversationSession) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *conversationSession) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case payload := <-s.outbound:
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !s.isClosing() {
					s.setErr(fmt.Errorf("failed to send conversation message: %w", err))
				}
				return
			}
		case <-s.closing:
			return
		case <-s.readDone:
			return
		}
	}
}

func (s *conversationSession) readLoop() {
	defer s.wg.Done()
	defer close(s.readDone)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debug("skipping undecodable conversation message", "err", err)
			continue
		}
		s.handle(msg)
	}
}

// finish reports why the remote side stopped. A local Close is silent.
func (s *conversationSession) finish(err error) {
	if s.isClosing() {
		return
	}

	if isNormalClose(err) {
		detail := ""
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			detail = strings.TrimSpace(closeErr.Text)
		}
		s.logger.Info("conversation closed by provider", "conversation", s.ConversationID(), "detail", detail)
		s.emit(domain.StreamEvent{Type: domain.StreamEventDisconnect, Detail: detail})
		return
	}

	s.setErr(fmt.Errorf("failed to read conversation event: %w", err))
	s.logger.Warn("conversation stream interrupted", "conversation", s.ConversationID(), "err", err)
	s.emit(domain.StreamEvent{Type: domain.StreamEventError, Detail: "voice session interrupted: " + err.Error()})
}

func (s *conversationSession) handle(msg serverMessage) {
	switch msg.Type {
	case "conversation_initiation_metadata":
		meta := msg.ConversationInitiationMetadataEvent
		s.mu.Lock()
		s.conversationID = meta.ConversationID
		if rate, ok := parsePCMFormat(meta.AgentOutputAudioFormat); ok {
			s.format.SampleRate = rate
		}
		s.mu.Unlock()
		s.logger.Info("conversation started", "conversation", meta.ConversationID, "output_format", meta.AgentOutputAudioFormat)

	case "user_transcript":
		text := strings.TrimSpace(msg.UserTranscriptionEvent.UserTranscript)
		if text == "" {
			return
		}
		s.emit(domain.StreamEvent{Type: domain.StreamEventSpeaking, Speaking: domain.SpeakingUser})
		s.emit(messageEvent(domain.RoleUser, text, false))

	case "agent_response":
		text := strings.TrimSpace(msg.AgentResponseEvent.AgentResponse)
		if text == "" {
			return
		}
		s.emit(messageEvent(domain.RoleAgent, text, false))

	case "agent_response_correction":
		text := strings.TrimSpace(msg.AgentResponseCorrectionEvent.CorrectedAgentResponse)
		if text == "" {
			return
		}
		s.emit(messageEvent(domain.RoleAgent, text, true))

	case "audio":
		s.emit(domain.StreamEvent{Type: domain.StreamEventSpeaking, Speaking: domain.SpeakingAgent})
		s.play(msg.AudioEvent.AudioBase64)

	case "interruption":
		s.emit(domain.StreamEvent{Type: domain.StreamEventSpeaking, Speaking: domain.SpeakingUser})

	case "ping":
		pong, err := json.Marshal(pongMessage{Type: "pong", EventID: msg.PingEvent.EventID})
		if err != nil {
			return
		}
		if err := s.enqueue(pong); err != nil {
			s.logger.Debug("pong not sent", "err", err)
		}

	case "error":
		detail := strings.TrimSpace(msg.Message)
		if detail == "" {
			detail = "conversation provider reported an error"
		}
		s.emit(domain.StreamEvent{Type: domain.StreamEventError, Detail: detail})

	default:
		s.logger.Debug("ignoring conversation message", "type", msg.Type)
	}
}

// emit blocks until the consumer takes the event or the session closes, so
// events are never dropped or reordered.
func (s *conversationSession) emit(event domain.StreamEvent) {
	select {
	case s.events <- event:
	case <-s.closing:
	}
}

func (s *conversationSession) play(encoded string) {
	if s.playback == nil || encoded == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		s.logger.Debug("skipping undecodable agent audio", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playerFailed {
		return
	}
	if s.player == nil {
		player, err := s.playback.Open(s.ctx, s.format)
		if err != nil {
			s.playerFailed = true
			s.logger.Warn("agent audio playback unavailable", "err", err)
			return
		}
		s.player = player
	}
	if _, err := s.player.Write(data); err != nil {
		s.playerFailed = true
		s.logger.Warn("agent audio playback failed", "err", err)
	}
}

func (s *conversationSession) closePlayer() {
	s.mu.Lock()
	player := s.player
	s.player = nil
	s.mu.Unlock()
	if player == nil {
		return
	}
	if err := player.Close(); err != nil {
		s.logger.Debug("agent audio playback close error", "err", err)
	}
}

func messageEvent(role domain.Role, text string, corrected bool) domain.StreamEvent {
	return domain.StreamEvent{
		Type:    domain.StreamEventMessage,
		Message: &domain.ConversationMessage{Role: role, Text: text, Corrected: corrected},
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

// parsePCMFormat reads formats such as "pcm_16000". Other encodings are not
// playable as raw s16le.
func parsePCMFormat(format string) (int, bool) {
	rate, ok := strings.CutPrefix(strings.TrimSpace(format), "pcm_")
	if !ok {
		return 0, false
	}
	value, err := strconv.Atoi(rate)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

func websocketURL(signedURL string) (string, error) {
	raw := strings.TrimSpace(signedURL)
	if raw == "" {
		return "", errors.New("signed url is empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid signed url: %w", err)
	}
	switch parsed.Scheme {
	case "wss", "ws":
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid signed url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", errors.New("signed url has no host")
	}
	return parsed.String(), nil
}

type userAudioChunk struct {
	Chunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

type serverMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`

	ConversationInitiationMetadataEvent struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event"`

	UserTranscriptionEvent struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`

	AgentResponseEvent struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`

	AgentResponseCorrectionEvent struct {
		OriginalAgentResponse  string `json:"original_agent_response"`
		CorrectedAgentResponse string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event"`

	AudioEvent struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event"`

	PingEvent struct {
		EventID int `json:"event_id"`
		PingMs  int `json:"ping_ms"`
	} `json:"ping_event"`
}

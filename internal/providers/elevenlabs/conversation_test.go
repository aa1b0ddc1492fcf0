package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wellcoach/internal/domain"
	"wellcoach/internal/ports"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newConversationServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func collectEvents(t *testing.T, events <-chan domain.StreamEvent) []domain.StreamEvent {
	t.Helper()

	var collected []domain.StreamEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, event)
		case <-timeout:
			t.Fatalf("timed out collecting events, got %+v", collected)
		}
	}
}

type recordingPlayback struct {
	mu     sync.Mutex
	format ports.PlaybackFormat
	buf    bytes.Buffer
	closed bool
}

func (p *recordingPlayback) Open(_ context.Context, format ports.PlaybackFormat) (io.WriteCloser, error) {
	p.mu.Lock()
	p.format = format
	p.mu.Unlock()
	return p, nil
}

func (p *recordingPlayback) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(data)
}

func (p *recordingPlayback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestConversationMapsProviderMessages(t *testing.T) {
	t.Parallel()

	pongs := make(chan string, 1)
	wsURL := newConversationServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]any{
				"conversation_id":           "conv-1",
				"agent_output_audio_format": "pcm_22050",
			},
		})
		_ = conn.WriteJSON(map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": 7}})
		_, pong, err := conn.ReadMessage()
		if err == nil {
			pongs <- string(pong)
		}

		_ = conn.WriteJSON(map[string]any{"type": "user_transcript", "user_transcription_event": map[string]any{"user_transcript": "I slept badly"}})
		_ = conn.WriteJSON(map[string]any{"type": "agent_response", "agent_response_event": map[string]any{"agent_response": "Tell me more."}})
		_ = conn.WriteJSON(map[string]any{"type": "audio", "audio_event": map[string]any{"audio_base_64": base64.StdEncoding.EncodeToString([]byte("pcm!"))}})
		_ = conn.WriteJSON(map[string]any{"type": "agent_response_correction", "agent_response_correction_event": map[string]any{"corrected_agent_response": "Tell me"}})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "goodbye"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	playback := &recordingPlayback{}
	client := NewConversationClient(ConversationConfig{Playback: playback}, nil)
	session, err := client.Open(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	events := collectEvents(t, session.Events())

	select {
	case pong := <-pongs:
		if pong != `{"type":"pong","event_id":7}` {
			t.Fatalf("unexpected pong: %s", pong)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected pong reply")
	}

	want := []domain.StreamEvent{
		{Type: domain.StreamEventSpeaking, Speaking: domain.SpeakingUser},
		messageEvent(domain.RoleUser, "I slept badly", false),
		messageEvent(domain.RoleAgent, "Tell me more.", false),
		{Type: domain.StreamEventSpeaking, Speaking: domain.SpeakingAgent},
		messageEvent(domain.RoleAgent, "Tell me", true),
		{Type: domain.StreamEventDisconnect, Detail: "goodbye"},
	}
	if len(events) != len(want) {
		t.Fatalf("unexpected events: %+v", events)
	}
	for i := range want {
		got := events[i]
		if got.Type != want[i].Type || got.Speaking != want[i].Speaking || got.Detail != want[i].Detail {
			t.Fatalf("event %d = %+v, want %+v", i, got, want[i])
		}
		if (got.Message == nil) != (want[i].Message == nil) {
			t.Fatalf("event %d message mismatch: %+v", i, got)
		}
		if got.Message != nil && *got.Message != *want[i].Message {
			t.Fatalf("event %d message = %+v, want %+v", i, *got.Message, *want[i].Message)
		}
	}

	if err := session.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	playback.mu.Lock()
	defer playback.mu.Unlock()
	if playback.buf.String() != "pcm!" {
		t.Fatalf("unexpected played audio: %q", playback.buf.String())
	}
	if playback.format.SampleRate != 22050 || playback.format.Channels != 1 {
		t.Fatalf("unexpected playback format: %+v", playback.format)
	}
	if !playback.closed {
		t.Fatalf("expected playback to be closed with the session")
	}
	if id := session.(*conversationSession).ConversationID(); id != "conv-1" {
		t.Fatalf("unexpected conversation id: %q", id)
	}
}

func TestConversationSendsAudioChunks(t *testing.T) {
	t.Parallel()

	received := make(chan []byte, 1)
	wsURL := newConversationServer(t, func(conn *websocket.Conn) {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- payload
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	session, err := NewConversationClient(ConversationConfig{}, nil).Open(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	defer session.Close()

	if err := session.SendAudio(nil); err != nil {
		t.Fatalf("empty chunk should be ignored: %v", err)
	}
	if err := session.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	select {
	case payload := <-received:
		var chunk userAudioChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			t.Fatalf("invalid chunk payload %s: %v", payload, err)
		}
		if chunk.Chunk != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
			t.Fatalf("unexpected chunk: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected audio chunk on the wire")
	}
}

func TestConversationAbnormalCloseReportsError(t *testing.T) {
	t.Parallel()

	wsURL := newConversationServer(t, func(conn *websocket.Conn) {
		_ = conn.UnderlyingConn().Close()
	})

	session, err := NewConversationClient(ConversationConfig{}, nil).Open(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	events := collectEvents(t, session.Events())
	if len(events) != 1 || events[0].Type != domain.StreamEventError {
		t.Fatalf("expected a single error event, got %+v", events)
	}
	if err := session.Close(); err == nil {
		t.Fatalf("expected close to report the read failure")
	}
}

func TestConversationProviderErrorMessage(t *testing.T) {
	t.Parallel()

	wsURL := newConversationServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "error", "message": "agent unavailable"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	session, err := NewConversationClient(ConversationConfig{}, nil).Open(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	select {
	case event := <-session.Events():
		if event.Type != domain.StreamEventError || event.Detail != "agent unavailable" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected error event")
	}
	if err := session.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}

func TestConversationCloseIsIdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	wsURL := newConversationServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	session, err := NewConversationClient(ConversationConfig{}, nil).Open(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("unexpected second close error: %v", err)
	}
	if _, ok := <-session.Events(); ok {
		t.Fatalf("expected events channel to be closed")
	}
	if err := session.SendAudio([]byte("x")); !errors.Is(err, errSessionClosed) {
		t.Fatalf("expected closed session error, got %v", err)
	}
}

func TestConversationContextCancelClosesSession(t *testing.T) {
	t.Parallel()

	wsURL := newConversationServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	session, err := NewConversationClient(ConversationConfig{}, nil).Open(ctx, wsURL)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	cancel()

	events := collectEvents(t, session.Events())
	if len(events) != 0 {
		t.Fatalf("expected local close to be silent, got %+v", events)
	}
}

func TestConversationOpenRejectedHandshake(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	_, err := NewConversationClient(ConversationConfig{}, nil).Open(context.Background(), server.URL)
	if err == nil || !strings.Contains(err.Error(), "status 403") {
		t.Fatalf("expected handshake rejection, got %v", err)
	}
}

func TestWebsocketURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"wss://api.elevenlabs.io/v1/convai/conversation?conversation_signature=x": "wss://api.elevenlabs.io/v1/convai/conversation?conversation_signature=x",
		"https://example.test/ws":   "wss://example.test/ws",
		" http://localhost:9000/x ": "ws://localhost:9000/x",
	}
	for in, want := range cases {
		got, err := websocketURL(in)
		if err != nil {
			t.Fatalf("websocketURL(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("websocketURL(%q) = %q, want %q", in, got, want)
		}
	}

	for _, bad := range []string{"", "ftp://example.test", "wss://", "://bad"} {
		if _, err := websocketURL(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParsePCMFormat(t *testing.T) {
	t.Parallel()

	if rate, ok := parsePCMFormat("pcm_16000"); !ok || rate != 16000 {
		t.Fatalf("unexpected parse: %d %v", rate, ok)
	}
	for _, format := range []string{"ulaw_8000", "pcm_", "pcm_abc", ""} {
		if _, ok := parsePCMFormat(format); ok {
			t.Fatalf("expected %q to be rejected", format)
		}
	}
}

func TestSetErrIgnoresNormalCloseAndKeepsFirst(t *testing.T) {
	t.Parallel()

	s := &conversationSession{}
	s.setErr(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "closed"})
	if s.waitErr() != nil {
		t.Fatalf("expected normal close to be ignored")
	}
	s.setErr(errors.New("first"))
	s.setErr(errors.New("second"))
	if s.waitErr() == nil || s.waitErr().Error() != "first" {
		t.Fatalf("expected first error to win")
	}
}

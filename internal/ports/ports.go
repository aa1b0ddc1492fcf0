package ports

import (
	"context"
	"io"

	"wellcoach/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// MicrophoneStream is granted microphone access with a live PCM capture.
type MicrophoneStream interface {
	io.ReadCloser
	Stop() error
}

// Microphone requests access to the host microphone.
type Microphone interface {
	RequestAccess(ctx context.Context, cfg AudioConfig) (MicrophoneStream, error)
}

// TokenService exchanges an agent identifier for a short-lived signed URL.
type TokenService interface {
	IssueSignedURL(ctx context.Context, agentID string) (string, error)
}

// StreamingSession is an open bidirectional conversation stream.
// Close is idempotent. Events are delivered in transport order and the
// channel is closed once the session has fully shut down.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	Events() <-chan domain.StreamEvent
	Close() error
}

// StreamingClient opens conversation sessions from signed URLs.
type StreamingClient interface {
	Open(ctx context.Context, signedURL string) (StreamingSession, error)
}

// PlaybackFormat describes raw PCM handed to a playback sink.
type PlaybackFormat struct {
	SampleRate int
	Channels   int
}

// AudioPlayback plays agent audio.
type AudioPlayback interface {
	Open(ctx context.Context, format PlaybackFormat) (io.WriteCloser, error)
}

// EventSink emits controller state and events to the UI.
// Implementations must not call back into the controller.
type EventSink interface {
	SessionStateChanged(status domain.Status)
	SpeakingChanged(indicator domain.SpeakingIndicator)
	ConversationMessage(msg domain.ConversationMessage)
	SessionError(err domain.SessionError)
}

package bootstrap

import (
	"io"
	"log/slog"
	"testing"

	"wellcoach/internal/config"
	"wellcoach/internal/domain"
	"wellcoach/internal/providers/elevenlabs"
	"wellcoach/internal/providers/tokenclient"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() config.Config {
	return config.Config{
		ElevenLabs: config.ElevenLabsConfig{APIKey: "xi", APIBaseURL: "https://api.elevenlabs.io", AgentID: config.DefaultAgentID},
		Token:      config.TokenConfig{Mode: config.TokenModeDirect, TimeoutMS: 1000},
		Audio:      config.AudioConfig{RecorderCommand: "ffmpeg", PlaybackCommand: "ffplay", Playback: true, SampleRate: 16000, Channels: 1},
		Session:    config.SessionConfig{ChunkSize: 4096},
	}
}

func TestBuildSuccess(t *testing.T) {
	t.Setenv("ELEVENLABS_API_KEY", "test-key")
	t.Setenv("COACH_TOKEN_MODE", "")
	t.Setenv("COACH_TOKEN_URL", "")
	t.Setenv("COACH_SOCKS_PROXY", "")
	t.Setenv("ALL_PROXY", "")
	t.Setenv("COACH_CONFIG_FILE", "")
	t.Setenv("COACH_ENV_FILE", "")

	services, err := Build(noopEventSink{})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if services.Controller == nil || services.Logger == nil {
		t.Fatalf("expected controller and logger")
	}
	if services.Controller.Status().State != domain.SessionStateIdle {
		t.Fatalf("expected idle controller")
	}
}

func TestBuildFailsOnInvalidTokenMode(t *testing.T) {
	t.Setenv("COACH_TOKEN_MODE", "bogus")
	t.Setenv("COACH_CONFIG_FILE", "")
	t.Setenv("COACH_ENV_FILE", "")

	if _, err := Build(noopEventSink{}); err == nil {
		t.Fatalf("expected build error due to invalid token mode")
	}
}

func TestAssembleFailsOnInvalidProxy(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Network.SOCKSProxy = "http://not-socks:8080"
	if _, err := Assemble(cfg, noopEventSink{}, quietLogger()); err == nil {
		t.Fatalf("expected invalid proxy error")
	}
}

func TestTokenServiceByMode(t *testing.T) {
	t.Parallel()

	direct, err := TokenService(baseConfig(), quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	issuer, ok := direct.(*elevenlabs.SignedURLIssuer)
	if !ok || !issuer.Configured() {
		t.Fatalf("expected configured direct issuer, got %T", direct)
	}

	cfg := baseConfig()
	cfg.Token.Mode = config.TokenModeProxy
	cfg.Token.URL = "http://localhost:8787/signed-url"
	proxied, err := TokenService(cfg, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := proxied.(*tokenclient.Client); !ok {
		t.Fatalf("expected token client, got %T", proxied)
	}
}

type noopEventSink struct{}

func (noopEventSink) SessionStateChanged(domain.Status)                {}
func (noopEventSink) SpeakingChanged(domain.SpeakingIndicator)         {}
func (noopEventSink) ConversationMessage(domain.ConversationMessage)   {}
func (noopEventSink) SessionError(domain.SessionError)                 {}

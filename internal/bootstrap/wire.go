package bootstrap

import (
	"log/slog"
	"os"

	"wellcoach/internal/audio"
	"wellcoach/internal/config"
	"wellcoach/internal/logging"
	"wellcoach/internal/netutil"
	"wellcoach/internal/ports"
	"wellcoach/internal/providers/elevenlabs"
	"wellcoach/internal/providers/tokenclient"
	"wellcoach/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.VoiceSessionController
	Config     config.Config
	Logger     *slog.Logger
}

// Build loads configuration and wires all backend dependencies for the
// current runtime.
func Build(eventSink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	return Assemble(cfg, eventSink, logger)
}

// Assemble wires the controller from an already loaded configuration.
func Assemble(cfg config.Config, eventSink ports.EventSink, logger *slog.Logger) (Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tokens, err := TokenService(cfg, logger)
	if err != nil {
		return Services{}, err
	}

	dialer, err := netutil.NewWebsocketDialer(cfg.Network.SOCKSProxy)
	if err != nil {
		return Services{}, err
	}

	var playback ports.AudioPlayback
	if cfg.Audio.Playback {
		playback = audio.NewCommandPlayback(cfg.Audio.PlaybackCommand, logger)
	}

	controller := usecase.NewVoiceSessionController(
		audio.NewFFMPEGMicrophone(cfg.Audio.RecorderCommand, logger),
		tokens,
		elevenlabs.NewConversationClient(elevenlabs.ConversationConfig{
			Playback: playback,
			Dialer:   dialer,
		}, logger),
		eventSink,
		logger,
		usecase.Config{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			ChunkSize: cfg.Session.ChunkSize,
		},
	)

	logger.Debug("voice session controller ready",
		"token_mode", cfg.Token.Mode,
		"playback", cfg.Audio.Playback,
		"proxy", cfg.Network.SOCKSProxy != "",
	)
	return Services{Controller: controller, Config: cfg, Logger: logger}, nil
}

// TokenService picks the signed URL source for the configured token mode.
func TokenService(cfg config.Config, logger *slog.Logger) (ports.TokenService, error) {
	if cfg.Token.Mode == config.TokenModeProxy {
		httpClient, err := netutil.NewHTTPClient(cfg.Network.SOCKSProxy, cfg.Token.Timeout())
		if err != nil {
			return nil, err
		}
		return tokenclient.New(tokenclient.Config{
			URL:        cfg.Token.URL,
			APIKey:     cfg.Token.APIKey,
			HTTPClient: httpClient,
		}, logger), nil
	}
	return SignedURLIssuer(cfg, logger)
}

// SignedURLIssuer builds the direct ElevenLabs issuer used by the desktop app
// in direct mode and by the token server.
func SignedURLIssuer(cfg config.Config, logger *slog.Logger) (*elevenlabs.SignedURLIssuer, error) {
	httpClient, err := netutil.NewHTTPClient(cfg.Network.SOCKSProxy, cfg.Token.Timeout())
	if err != nil {
		return nil, err
	}
	return elevenlabs.NewSignedURLIssuer(elevenlabs.Config{
		APIKey:     cfg.ElevenLabs.APIKey,
		APIBaseURL: cfg.ElevenLabs.APIBaseURL,
		HTTPClient: httpClient,
	}, logger), nil
}

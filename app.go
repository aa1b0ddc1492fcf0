package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"wellcoach/internal/bootstrap"
	"wellcoach/internal/config"
	"wellcoach/internal/domain"
	"wellcoach/internal/usecase"
)

const (
	eventSession  = "wellcoach:session"
	eventSpeaking = "wellcoach:speaking"
	eventMessage  = "wellcoach:message"
	eventError    = "wellcoach:error"
)

const failureStartup domain.FailureKind = "startup"

// App is the Wails application root.
type App struct {
	ctx context.Context

	controller *usecase.VoiceSessionController
	cfg        config.Config
	bootErr    error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.SessionError{Kind: failureStartup, Message: err.Error()})
		return
	}

	a.cfg = services.Config
	a.controller = services.Controller
	a.SessionStateChanged(a.controller.Status())
}

func (a *App) shutdown(_ context.Context) {
	if a.controller == nil {
		return
	}
	_ = a.controller.Stop()
}

// StartSession connects to the coaching agent. An empty agentID uses the
// configured one.
func (a *App) StartSession(agentID string) (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if strings.TrimSpace(agentID) == "" {
		agentID = a.cfg.ElevenLabs.AgentID
	}
	if err := a.controller.Start(a.ctx, agentID); err != nil {
		if errors.Is(err, usecase.ErrAttemptCancelled) {
			return a.controller.Status(), nil
		}
		return a.controller.Status(), err
	}
	return a.controller.Status(), nil
}

// StopSession ends the conversation or cancels a pending connection.
func (a *App) StopSession() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	err := a.controller.Stop()
	return a.controller.Status(), err
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.controller == nil {
		if a.bootErr != nil {
			return domain.Status{
				State: domain.SessionStateFailed,
				Error: &domain.SessionError{Kind: failureStartup, Message: a.bootErr.Error()},
			}
		}
		return domain.Status{State: domain.SessionStateIdle, Speaking: domain.SpeakingIdle}
	}
	return a.controller.Status()
}

// GetTranscript returns the messages of the current or last conversation.
func (a *App) GetTranscript() []domain.ConversationMessage {
	if a.controller == nil {
		return nil
	}
	return a.controller.Transcript()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	info := map[string]string{
		"provider":         "ElevenLabs",
		"agentId":          a.cfg.ElevenLabs.AgentID,
		"tokenMode":        a.cfg.Token.Mode,
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
		"sampleRate":       strconv.Itoa(a.cfg.Audio.SampleRate),
		"playback":         strconv.FormatBool(a.cfg.Audio.Playback),
	}
	if a.cfg.Token.Mode == config.TokenModeProxy {
		info["tokenUrl"] = a.cfg.Token.URL
	}
	return info
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

type sessionPayload struct {
	domain.Status
	Message string `json:"message"`
}

// SessionStateChanged emits session lifecycle updates to the frontend.
func (a *App) SessionStateChanged(status domain.Status) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSession, sessionPayload{Status: status, Message: stateMessage(status.State)})
}

// SpeakingChanged emits whose turn it is.
func (a *App) SpeakingChanged(speaking domain.SpeakingIndicator) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSpeaking, map[string]string{"speaking": string(speaking)})
}

// ConversationMessage emits a transcript line.
func (a *App) ConversationMessage(msg domain.ConversationMessage) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventMessage, msg)
}

// SessionError emits session failures to the UI.
func (a *App) SessionError(failure domain.SessionError) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"kind":    string(failure.Kind),
		"message": failureMessage(failure.Kind, failure.Message),
		"detail":  failure.Message,
	})
}

func stateMessage(state domain.SessionState) string {
	switch state {
	case domain.SessionStateIdle:
		return "Ready to talk"
	case domain.SessionStateRequestingPermission:
		return "Waiting for microphone access"
	case domain.SessionStateRequestingToken:
		return "Preparing your session"
	case domain.SessionStateConnecting:
		return "Connecting to your coach"
	case domain.SessionStateConnected:
		return "Connected"
	case domain.SessionStateDisconnecting:
		return "Ending session"
	case domain.SessionStateFailed:
		return "Session failed"
	default:
		return ""
	}
}

func failureMessage(kind domain.FailureKind, detail string) string {
	switch kind {
	case failureStartup:
		return "Startup failed"
	case domain.FailurePermissionDenied:
		return "Microphone access was denied"
	case domain.FailureTokenUnavailable:
		return "Could not start a session"
	case domain.FailureConnectionFailed:
		return "Could not reach your coach"
	case domain.FailureStreamError:
		return "The conversation was interrupted"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

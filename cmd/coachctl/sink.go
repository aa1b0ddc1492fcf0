package main

import (
	"fmt"
	"io"
	"sync"

	"wellcoach/internal/domain"
)

// terminalSink prints the conversation and reports when a connected session
// ends on its own.
type terminalSink struct {
	mu        sync.Mutex
	out       io.Writer
	connected bool
	ended     chan domain.Status
}

func newTerminalSink(out io.Writer) *terminalSink {
	return &terminalSink{out: out, ended: make(chan domain.Status, 1)}
}

func (s *terminalSink) SessionStateChanged(status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch status.State {
	case domain.SessionStateConnected:
		s.connected = true
	case domain.SessionStateIdle, domain.SessionStateFailed:
		if !s.connected {
			return
		}
		s.connected = false
		select {
		case s.ended <- status:
		default:
		}
	}
}

func (s *terminalSink) SpeakingChanged(speaking domain.SpeakingIndicator) {
	if speaking != domain.SpeakingAgent {
		return
	}
	s.printf("  ...\n")
}

func (s *terminalSink) ConversationMessage(msg domain.ConversationMessage) {
	label := "you"
	if msg.Role == domain.RoleAgent {
		label = "coach"
	}
	if msg.Corrected {
		label += " (corrected)"
	}
	s.printf("%s: %s\n", label, msg.Text)
}

func (s *terminalSink) SessionError(failure domain.SessionError) {
	s.printf("error: %s\n", failure.Error())
}

func (s *terminalSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.out, format, args...)
}

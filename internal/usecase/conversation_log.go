package usecase

import (
	"strings"
	"sync"

	"wellcoach/internal/domain"
)

// conversationLog keeps the ordered transcript of the current session.
type conversationLog struct {
	mu       sync.Mutex
	messages []domain.ConversationMessage
}

func newConversationLog() *conversationLog {
	return &conversationLog{}
}

// Add records msg and returns the stored form. Corrections rewrite the most
// recent agent line instead of appending.
func (l *conversationLog) Add(msg domain.ConversationMessage) (domain.ConversationMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return domain.ConversationMessage{}, false
	}

	if msg.Corrected {
		for i := len(l.messages) - 1; i >= 0; i-- {
			if l.messages[i].Role == msg.Role {
				l.messages[i] = msg
				return msg, true
			}
		}
	}

	l.messages = append(l.messages, msg)
	return msg, true
}

func (l *conversationLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
}

func (l *conversationLog) Messages() []domain.ConversationMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.ConversationMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

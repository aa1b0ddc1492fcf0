package usecase

import (
	"context"
	"sync"

	"wellcoach/internal/ports"
)

// attempt owns the resources of one Start call. Fields are written only while
// the attempt is the controller's current one, under the controller lock.
type attempt struct {
	id      string
	agentID string
	ctx     context.Context
	cancel  context.CancelFunc

	mic    ports.MicrophoneStream
	stream ports.StreamingSession

	// done closes when the Start call that owns the attempt has returned and
	// dropped anything it acquired after losing ownership.
	done       chan struct{}
	eventsDone chan struct{}
	audioDone  chan struct{}

	releaseOnce sync.Once
	closeErr    error
}

// release cancels the attempt and tears down whatever it acquired. The
// streaming session is closed at most once.
func (a *attempt) release() error {
	a.releaseOnce.Do(func() {
		a.cancel()
		if a.stream != nil {
			a.closeErr = a.stream.Close()
		}
		if a.mic != nil {
			_ = a.mic.Stop()
		}
	})
	return a.closeErr
}

// wait blocks until the owning Start call and the session goroutines exit.
func (a *attempt) wait() {
	<-a.done
	if a.audioDone != nil {
		<-a.audioDone
	}
	if a.eventsDone != nil {
		<-a.eventsDone
	}
}

package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"wellcoach/internal/ports"
)

// CommandPlayback plays raw s16le PCM by piping it into ffplay.
type CommandPlayback struct {
	command string
	logger  *slog.Logger
}

func NewCommandPlayback(command string, logger *slog.Logger) *CommandPlayback {
	if command == "" {
		command = "ffplay"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandPlayback{command: command, logger: logger}
}

func (p *CommandPlayback) Open(ctx context.Context, format ports.PlaybackFormat) (io.WriteCloser, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}

	cmd := exec.CommandContext(ctx, p.command, playbackArgs(format)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("playback stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.command, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		close(done)
	}()

	p.logger.Debug("playback started", "sample_rate", format.SampleRate, "channels", format.Channels)
	return &playbackSink{stdin: stdin, cmd: cmd, done: done}, nil
}

func playbackArgs(format ports.PlaybackFormat) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"-i", "-",
	}
}

type playbackSink struct {
	mu    sync.Mutex
	stdin io.WriteCloser
	cmd   *exec.Cmd
	done  <-chan error

	closeOnce sync.Once
	closeErr  error
}

func (s *playbackSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.Write(p)
}

// Close lets queued audio drain briefly before killing the player.
func (s *playbackSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		_ = s.stdin.Close()
		s.mu.Unlock()

		select {
		case err, ok := <-s.done:
			if ok {
				s.closeErr = ignoreExitErr(err)
			}
		case <-time.After(2 * time.Second):
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			if err, ok := <-s.done; ok {
				s.closeErr = ignoreExitErr(err)
			}
		}
		if errors.Is(s.closeErr, context.Canceled) {
			s.closeErr = nil
		}
	})
	return s.closeErr
}

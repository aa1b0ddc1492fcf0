package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"wellcoach/internal/ports"
)

// ErrMicrophoneUnavailable wraps every failure to obtain microphone access.
var ErrMicrophoneUnavailable = errors.New("microphone unavailable")

const defaultStartupWindow = 250 * time.Millisecond

// FFMPEGMicrophone grants microphone access by starting an ffmpeg capture.
// A capture process that cannot start, or dies inside the startup window,
// counts as a denial.
type FFMPEGMicrophone struct {
	command       string
	startupWindow time.Duration
	logger        *slog.Logger
}

func NewFFMPEGMicrophone(command string, logger *slog.Logger) *FFMPEGMicrophone {
	if command == "" {
		command = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFMPEGMicrophone{command: command, startupWindow: defaultStartupWindow, logger: logger}
}

func (m *FFMPEGMicrophone) RequestAccess(ctx context.Context, cfg ports.AudioConfig) (ports.MicrophoneStream, error) {
	cfg = normalizeAudioConfig(cfg)

	cmd := exec.CommandContext(ctx, m.command, captureArgs(cfg)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrMicrophoneUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrMicrophoneUnavailable, m.command, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	timer := time.NewTimer(m.startupWindow)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		detail := trimOutput(stderr.String())
		if err != nil {
			return nil, fmt.Errorf("%w: capture exited: %v: %s", ErrMicrophoneUnavailable, err, detail)
		}
		return nil, fmt.Errorf("%w: capture exited before audio started", ErrMicrophoneUnavailable)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	case <-timer.C:
	}

	m.logger.Debug("microphone capture started",
		"device", cfg.InputDevice,
		"format", cfg.InputFormat,
		"sample_rate", cfg.SampleRate,
	)

	return &captureStream{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

func normalizeAudioConfig(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return cfg
}

func captureArgs(cfg ports.AudioConfig) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

type captureStream struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *captureStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *captureStream) Close() error {
	return s.Stop()
}

// Stop interrupts the capture and kills it if it lingers.
func (s *captureStream) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = ignoreExitErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.stopErr = ignoreExitErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = closeErr
		}
		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, trimOutput(s.stderr.String()))
		}
	})
	return s.stopErr
}

func ignoreExitErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(input string) string {
	return string(bytes.TrimSpace([]byte(input)))
}

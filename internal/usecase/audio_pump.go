package usecase

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"wellcoach/internal/ports"
)

func pumpMicrophone(
	mic ports.MicrophoneStream,
	stream ports.StreamingSession,
	chunkSize int,
	logger *slog.Logger,
	done chan struct{},
) {
	defer close(done)

	if mic == nil {
		return
	}
	if chunkSize < 256 {
		chunkSize = 4096
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := mic.Read(buf)
		if n > 0 {
			if sendErr := stream.SendAudio(buf[:n]); sendErr != nil {
				logger.Debug("microphone pump stopped", "err", sendErr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logger.Warn("microphone capture error", "err", err)
			}
			return
		}
	}
}

package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doorbridge/doorbridge/internal/media"
)

const (
	// defaultAckTimeout is how long the first INFO waits for the
	// station's acknowledgment. It doubles on every retry.
	defaultAckTimeout = 1 * time.Second

	// defaultMaxAttempts caps the INFO retries per digit.
	defaultMaxAttempts = 3

	// defaultDigitGap separates the digits of a multi-digit code.
	defaultDigitGap = 100 * time.Millisecond

	// unlockDigitDuration is the signaled key press duration in ms.
	unlockDigitDuration = 250
)

// InfoSender delivers unlock codes to the station as SIP INFO
// dtmf-relay payloads. Stations acknowledge each INFO with a final
// response; an unacknowledged digit is retransmitted on a doubling
// timer until the attempt budget runs out.
type InfoSender struct {
	dialog *Dialog
	logger *slog.Logger

	ackTimeout  time.Duration
	maxAttempts int
	digitGap    time.Duration
}

// NewInfoSender creates a sender bound to an answered dialog.
func NewInfoSender(d *Dialog, logger *slog.Logger) *InfoSender {
	return &InfoSender{
		dialog:      d,
		logger:      logger.With("subsystem", "door-command", "call_id", d.CallID),
		ackTimeout:  defaultAckTimeout,
		maxAttempts: defaultMaxAttempts,
		digitGap:    defaultDigitGap,
	}
}

// SendUnlock transmits the unlock code digit by digit. It returns once
// every digit has been acknowledged, or the first time a digit fails.
func (s *InfoSender) SendUnlock(ctx context.Context, code string) error {
	if code == "" {
		return fmt.Errorf("empty unlock code")
	}
	for i, r := range code {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("door command aborted: %w", ctx.Err())
			case <-time.After(s.digitGap):
			}
		}
		if err := s.sendDigit(ctx, string(r)); err != nil {
			return err
		}
	}
	s.logger.Info("door command delivered", "digits", len(code))
	return nil
}

// sendDigit sends one INFO and retries with a doubling ack timeout.
func (s *InfoSender) sendDigit(ctx context.Context, signal string) error {
	if _, ok := media.DTMFEventCode(signal); !ok {
		return fmt.Errorf("invalid unlock digit %q", signal)
	}
	body := media.BuildDTMFInfoBody(signal, unlockDigitDuration)

	wait := s.ackTimeout
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, wait)
		err := s.dialog.SendInfo(attemptCtx, media.ContentTypeDTMFRelay, body)
		cancel()

		if err == nil {
			if attempt > 1 {
				s.logger.Info("door command acknowledged after retry",
					"signal", signal,
					"attempt", attempt,
				)
			}
			return nil
		}
		if !errors.Is(err, ErrTimeout) {
			return fmt.Errorf("door command rejected: %w", err)
		}
		lastErr = err
		s.logger.Warn("door command not acknowledged, retrying",
			"signal", signal,
			"attempt", attempt,
			"ack_timeout", wait.String(),
		)
		wait *= 2

		if ctx.Err() != nil {
			return fmt.Errorf("door command aborted: %w", ctx.Err())
		}
	}
	return fmt.Errorf("door command not acknowledged after %d attempts: %w", s.maxAttempts, lastErr)
}

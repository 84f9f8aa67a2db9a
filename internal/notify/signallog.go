package notify

import (
	"context"

	"github.com/rewired-gh/sigwatch/internal/logger"
	"github.com/rewired-gh/sigwatch/internal/models"
)

const rotateEvery = 100

// SignalStore persists emitted signals.
type SignalStore interface {
	AddSignal(sig *models.Signal) error
	RotateSignals() error
}

// SignalLogSink writes every signal to the signal log and trims the log
// periodically.
type SignalLogSink struct {
	store   SignalStore
	written int
}

func NewSignalLogSink(store SignalStore) *SignalLogSink {
	return &SignalLogSink{store: store}
}

func (s *SignalLogSink) Name() string { return "storage" }

func (s *SignalLogSink) Publish(_ context.Context, sig models.Signal) error {
	if err := s.store.AddSignal(&sig); err != nil {
		return err
	}
	s.written++
	if s.written%rotateEvery == 0 {
		if err := s.store.RotateSignals(); err != nil {
			logger.Warn("Failed to rotate signal log: %v", err)
		}
	}
	return nil
}

package services

import (
	"context"
	"errors"
	"sync"

	"github.com/manthysbr/scribed/internal/core/domain"
)

var errToolTimeout = errors.New("tool timed out")

// StageError is a pipeline failure attributed to one stage. Its message is
// what gets recorded on the job.
type StageError struct {
	Stage   string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func stageErr(stage, msg string, err error) *StageError {
	return &StageError{Stage: stage, Message: msg, Err: err}
}

// isCancellation reports whether err comes from a cancelled context or a
// shutdown rather than a fault.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrShuttingDown)
}

// ShutdownSignal is the process-wide stop flag polled by long-running
// stages between reads.
type ShutdownSignal struct {
	once sync.Once
	ch   chan struct{}
}

func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{ch: make(chan struct{})}
}

func (s *ShutdownSignal) Trigger() {
	s.once.Do(func() { close(s.ch) })
}

func (s *ShutdownSignal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.ch
}

package dataconn

import (
	"context"
	"sync"
	"time"

	"github.com/scturtle/usblink/pkg/types"
	"github.com/scturtle/usblink/pkg/util"
)

// Status is a point-in-time copy of the session state, safe to hand to
// other goroutines.
type Status struct {
	SessionID      string `json:"sessionID"`
	State          string `json:"state"`
	Filename       string `json:"filename,omitempty"`
	ExpectedOffset uint32 `json:"expectedOffset"`
	LastResult     string `json:"lastResult"`
	UpdatedAt      string `json:"updatedAt"`
	Stats
}

// Server is the host loop around a Session. It is the only caller of Step,
// the status snapshot it publishes is the only shared state.
type Server struct {
	session     *Session
	idleBackoff time.Duration
	connectPoll time.Duration

	lock   sync.RWMutex
	status Status
}

type ServerOption func(*Server)

// WithIdleBackoff sleeps after a step that found nothing to do. Zero relies
// on the transport read timeout alone.
func WithIdleBackoff(backoff time.Duration) ServerOption {
	return func(s *Server) {
		s.idleBackoff = backoff
	}
}

func WithConnectPoll(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.connectPoll = interval
	}
}

func NewServer(session *Session, opts ...ServerOption) *Server {
	s := &Server{
		session:     session,
		connectPoll: types.DefaultConnectPoll,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.publish(StepIdle)
	return s
}

// Run steps the session until ctx is cancelled. On the way out any file
// still being received is closed without being marked complete.
func (s *Server) Run(ctx context.Context) error {
	log.Info("Transfer server started")
	defer func() {
		if err := s.session.Close(); err != nil {
			log.WithError(err).Warn("Failed to close session")
		}
		s.publish(StepDisconnected)
		log.Info("Transfer server stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		result := s.session.Step()
		s.publish(result)

		if wait := s.backoff(result); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

func (s *Server) backoff(result StepResult) time.Duration {
	switch result {
	case StepIdle:
		if s.session.State() == StateWaitConnect {
			return s.connectPoll
		}
		return s.idleBackoff
	case StepDisconnected:
		return s.connectPoll
	case StepProgressed, StepError:
		return 0
	}
	return 0
}

func (s *Server) publish(result StepResult) {
	status := Status{
		SessionID:      s.session.ID(),
		State:          s.session.State().String(),
		Filename:       s.session.Filename(),
		ExpectedOffset: s.session.ExpectedOffset(),
		LastResult:     result.String(),
		UpdatedAt:      util.Now(),
		Stats:          s.session.Stats(),
	}

	s.lock.Lock()
	s.status = status
	s.lock.Unlock()
}

func (s *Server) Status() Status {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.status
}

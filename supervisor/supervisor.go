// Package supervisor owns the single detection worker of this service
// instance: it starts and displaces workers, stops them gracefully or by
// force, recovers after crashes, and relays their results to clients.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"

	"live-detect/ipc"
	"live-detect/metrics"
	"live-detect/utils"
)

var (
	// ErrDisplacementTimeout means a worker survived both the graceful stop
	// and the forced kill within their timeouts.
	ErrDisplacementTimeout = errors.New("supervisor: worker did not exit")
	// ErrNoSession is returned by Relay when the named session is not live.
	ErrNoSession = errors.New("supervisor: no such session")
	// ErrWorkerExited is returned by Relay when the worker ended the stream.
	ErrWorkerExited = errors.New("supervisor: worker exited")
	// ErrConsumerGone is returned by Relay when a send failed.
	ErrConsumerGone = errors.New("supervisor: consumer gone")
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// RecoverFunc finalizes whatever an abnormally terminated worker left
// behind for sessionID.
type RecoverFunc func(ctx context.Context, sessionID string) (string, error)

// Options configures a Supervisor.
type Options struct {
	ControlDir    string
	StopTimeout   time.Duration
	KillTimeout   time.Duration
	RelayInterval time.Duration
	Recover       RecoverFunc
	Metrics       *metrics.Metrics

	// RecoverTimeout bounds one Recover call. Start and Stop wait on
	// recovery, so a stuck transcoder must not hold them.
	RecoverTimeout time.Duration
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Alive     bool
	State     State
	SessionID string
	DeviceID  string
	StartedAt time.Time
}

// WorkerHandle tracks one launched worker.
type WorkerHandle struct {
	SessionID string
	DeviceID  string
	StartedAt time.Time

	proc   WorkerProcess
	signal *ipc.Signal
}

func (h *WorkerHandle) alive() bool {
	select {
	case <-h.proc.Done():
		return false
	default:
		return true
	}
}

// Supervisor enforces at most one live worker. Lifecycle operations are
// serialised; Status and Relay may be called concurrently with them.
type Supervisor struct {
	launcher Launcher
	opts     Options
	logger   *slog.Logger

	// lifecycle serialises Start, Stop and crash teardown.
	lifecycle sync.Mutex

	mu     sync.Mutex
	state  State
	handle *WorkerHandle
}

// New returns an idle supervisor.
func New(launcher Launcher, opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 3 * time.Second
	}
	if opts.RelayInterval <= 0 {
		opts.RelayInterval = 50 * time.Millisecond
	}
	if opts.RecoverTimeout <= 0 {
		opts.RecoverTimeout = 2 * time.Minute
	}
	return &Supervisor{
		launcher: launcher,
		opts:     opts,
		logger:   utils.GetLogger().With("component", "supervisor"),
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) current() *WorkerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Status reports the current worker, if any.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state}
	if h := s.handle; h != nil {
		st.Alive = h.alive()
		st.SessionID = h.SessionID
		st.DeviceID = h.DeviceID
		st.StartedAt = h.StartedAt
	}
	return st
}

// Start launches a worker for a new session and returns its id. A live
// worker is stopped first, and its teardown completes before the new one is
// launched.
func (s *Supervisor) Start(ctx context.Context, deviceID string) (string, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if prev := s.current(); prev != nil {
		s.logger.Info("displacing active session", slog.String("session", prev.SessionID))
		if err := s.stopLocked(ctx, prev); err != nil {
			return "", err
		}
	}

	s.setState(StateStarting)
	sessionID := utils.GenerateUniqueID()
	createdAt := time.Now()

	signal, err := ipc.NewSignal(s.opts.ControlDir, sessionID)
	if err == nil {
		err = signal.Clear()
	}
	if err != nil {
		s.setState(StateIdle)
		return "", err
	}

	proc, err := s.launcher.Launch(ctx, LaunchSpec{
		SessionID:  sessionID,
		CreatedAt:  createdAt,
		SignalPath: signal.Path(),
		DeviceID:   deviceID,
	})
	if err != nil {
		s.setState(StateIdle)
		return "", err
	}

	h := &WorkerHandle{
		SessionID: sessionID,
		DeviceID:  deviceID,
		StartedAt: createdAt,
		proc:      proc,
		signal:    signal,
	}
	s.mu.Lock()
	s.handle = h
	s.state = StateStreaming
	s.mu.Unlock()

	s.opts.Metrics.WorkerStarted()
	s.logger.Info("worker started",
		slog.String("session", sessionID),
		slog.String("device", deviceID),
		slog.Int("pid", proc.Pid()),
	)

	go s.watch(h)
	return sessionID, nil
}

// Stop stops the live worker, if any. Stopping an idle supervisor is a
// no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	h := s.current()
	if h == nil {
		return nil
	}
	return s.stopLocked(ctx, h)
}

// StopSession stops the worker only if it still belongs to sessionID, so a
// client does not tear down a session that displaced its own.
func (s *Supervisor) StopSession(ctx context.Context, sessionID string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	h := s.current()
	if h == nil || h.SessionID != sessionID {
		return nil
	}
	return s.stopLocked(ctx, h)
}

// stopLocked runs the stop sequence: raise the flag, wait, kill if needed,
// recover after abnormal exit, lower the flag. Callers hold s.lifecycle.
func (s *Supervisor) stopLocked(ctx context.Context, h *WorkerHandle) error {
	s.setState(StateStopping)
	logger := s.logger.With(slog.String("session", h.SessionID))
	requested := time.Now()

	if err := h.signal.Set(); err != nil {
		logger.Error("raising stop flag", slog.Any("error", xerrors.New(err)))
	}

	forced := false
	select {
	case <-h.proc.Done():
	case <-time.After(s.opts.StopTimeout):
		forced = true
		logger.Warn("worker ignored stop request, killing", slog.Duration("timeout", s.opts.StopTimeout))
		if err := h.proc.Kill(); err != nil {
			logger.Warn("killing worker", slog.Any("error", err))
		}
		select {
		case <-h.proc.Done():
		case <-time.After(s.opts.KillTimeout):
			s.setState(StateStreaming)
			logger.Error("worker survived kill", slog.Int("pid", h.proc.Pid()))
			return fmt.Errorf("%w: session %s", ErrDisplacementTimeout, h.SessionID)
		}
	}
	s.opts.Metrics.WorkerStopped(time.Since(requested).Seconds(), forced)

	s.teardown(ctx, h, logger)
	logger.Info("worker stopped", slog.Bool("forced", forced), slog.Duration("took", time.Since(requested)))
	return nil
}

// teardown runs after the worker has exited. Callers hold s.lifecycle.
func (s *Supervisor) teardown(ctx context.Context, h *WorkerHandle, logger *slog.Logger) {
	if exitErr := h.proc.ExitErr(); exitErr != nil {
		logger.Warn("worker exited abnormally, session abandoned", slog.Any("error", exitErr))
		s.opts.Metrics.SessionAbandoned()
		s.recover(ctx, h, logger)
	}
	if err := h.signal.Clear(); err != nil {
		logger.Error("clearing stop flag", slog.Any("error", xerrors.New(err)))
	}
	// The writer's drop count arrives as the stream's last line.
	select {
	case <-h.proc.Results().Done():
	case <-time.After(time.Second):
	}
	s.opts.Metrics.ResultsDropped(h.proc.Results().Dropped())
	s.opts.Metrics.WorkerExited()

	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
	}
	s.state = StateIdle
	s.mu.Unlock()
}

func (s *Supervisor) recover(ctx context.Context, h *WorkerHandle, logger *slog.Logger) {
	if s.opts.Recover == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RecoverTimeout)
	defer cancel()
	artifact, err := s.opts.Recover(rctx, h.SessionID)
	if errors.Is(rctx.Err(), context.DeadlineExceeded) {
		logger.Warn("recovery timed out, raw buffer kept for the next attempt",
			slog.Duration("timeout", s.opts.RecoverTimeout), slog.Any("error", err))
		return
	}
	if err != nil {
		logger.Error("recovering abandoned session", slog.Any("error", xerrors.New(err)))
		return
	}
	if artifact != "" {
		logger.Info("recovered abandoned session", slog.String("artifact", artifact))
	}
}

// watch tears the handle down when the worker exits on its own.
func (s *Supervisor) watch(h *WorkerHandle) {
	<-h.proc.Done()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.current() != h {
		// Stop or Start already handled this exit.
		return
	}
	logger := s.logger.With(slog.String("session", h.SessionID))
	logger.Info("worker exited without a stop request")
	s.teardown(context.Background(), h, logger)
}

// Relay forwards the results of sessionID to send, polling every
// RelayInterval. It returns ErrConsumerGone when send fails, ErrWorkerExited
// when the worker ends its stream, or the context error. Relay does not stop
// the worker; see Stream.
func (s *Supervisor) Relay(ctx context.Context, sessionID string, send func([]byte) error) error {
	h := s.current()
	if h == nil || h.SessionID != sessionID {
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	results := h.proc.Results()

	ticker := time.NewTicker(s.opts.RelayInterval)
	defer ticker.Stop()

	exited := false
	for {
		entries, open := results.Poll()
		for _, entry := range entries {
			if err := send(entry); err != nil {
				return fmt.Errorf("%w: %v", ErrConsumerGone, err)
			}
		}
		if !open || exited {
			return ErrWorkerExited
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.proc.Done():
			// One more poll picks up anything flushed before exit.
			select {
			case <-results.Done():
			case <-time.After(time.Second):
			}
			exited = true
		case <-ticker.C:
		}
	}
}

// Stream runs a whole client session: start a worker, relay until the
// client or the worker goes away, then stop the worker if it is still the
// one this call started.
func (s *Supervisor) Stream(ctx context.Context, deviceID string, send func([]byte) error) error {
	sessionID, err := s.Start(ctx, deviceID)
	if err != nil {
		return err
	}

	relayErr := s.Relay(ctx, sessionID, send)
	s.logger.Info("relay ended", slog.String("session", sessionID), slog.Any("reason", relayErr))

	if err := s.StopSession(context.WithoutCancel(ctx), sessionID); err != nil {
		s.logger.Warn("stopping session after relay", slog.Any("error", err))
	}
	if errors.Is(relayErr, ErrWorkerExited) || errors.Is(relayErr, ErrConsumerGone) ||
		errors.Is(relayErr, context.Canceled) || errors.Is(relayErr, ErrNoSession) {
		return nil
	}
	return relayErr
}

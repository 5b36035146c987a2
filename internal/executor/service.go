package executor

import (
	"context"
	"sync"

	rtsup "nudgebot/internal/runtime/supervisor"
	"nudgebot/pkg/logx"
)

// Service runs the delivery loop as a supervised background goroutine.
// The loop restarts with backoff if it dies; a clean shutdown comes from
// Stop or the parent context.
type Service struct {
	mu       sync.Mutex
	runner   *Runner
	log      logx.Logger
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func NewService(runner *Runner, log logx.Logger) *Service {
	return &Service{runner: runner, log: log}
}

// Runner exposes the underlying runner for one-off passes.
func (s *Service) Runner() *Runner { return s.runner }

// Start launches the loop. Idempotent while running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "executor"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("delivery-loop", func(c context.Context) error {
		return s.runner.Run(c, 0)
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("executor started")
}

// Stop cancels the loop and waits for it to drain, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("executor stopped")
	case <-ctx.Done():
		s.log.Warn("executor stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply forwards new pass settings to the runner. Safe while running.
func (s *Service) Apply(cfg Config) {
	s.runner.Apply(cfg)
}

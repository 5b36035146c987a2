// Package supervisor runs named goroutines under one shared context:
// panics are captured, the first failure is retained for Err, and
// long-lived loops can be hosted with restart backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"nudgebot/pkg/logx"
)

// Supervisor tracks a set of goroutines sharing one cancelable context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	errOnce  sync.Once
	firstErr atomic.Value
	idleOnce sync.Once
	idle     chan struct{}
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context as soon as any goroutine
// returns a non-nil error or panics.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		idle:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel requests shutdown without waiting; pair with Wait.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first failure observed across all goroutines, nil if none.
func (s *Supervisor) Err() error {
	if v := s.firstErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (s *Supervisor) record(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}

func (s *Supervisor) fail(name string, err error) {
	s.record(fmt.Errorf("%s: %w", name, err))
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go starts fn on the shared context. A context.Canceled return is a clean
// stop; any other error (or a panic) becomes the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.log.IsZero() {
			s.log.Debug("goroutine started", logx.String("name", name))
		}

		err, stack := invoke(s.ctx, fn)
		switch {
		case stack != "":
			if !s.log.IsZero() {
				s.log.Error("goroutine panicked",
					logx.String("name", name), logx.Err(err), logx.String("stack", stack))
			}
			s.fail(name, err)
		case err != nil && !errors.Is(err, context.Canceled):
			s.fail(name, err)
		}

		if !s.log.IsZero() {
			s.log.Debug("goroutine stopped", logx.String("name", name))
		}
	}()
}

// Go0 is Go for functions without an error result.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// invoke runs fn; a panic comes back as an error plus its stack.
func invoke(ctx context.Context, fn func(context.Context) error) (err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	return fn(ctx), ""
}

// healthyRun is how long a restarted loop must survive before its backoff
// resets to the floor again.
const healthyRun = 30 * time.Second

type restartPolicy struct {
	floor        time.Duration
	ceil         time.Duration
	restartClean bool
	publishErr   bool
}

type RestartOption func(*restartPolicy)

// WithRestartBackoff sets the delay window between restarts. The delay
// doubles from min up to max.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.floor = min
		}
		if max > 0 {
			p.ceil = max
		}
	}
}

// WithPublishFirstError records the loop's first failure in Err while the
// loop keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop.
// Enabled unless overridden.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.restartClean = !enabled }
}

/// GoRestart hosts a long-running loop: fn is restarted after errors and
// panics with doubling, jittered backoff until the context is canceled.
// Context cancellation and (by default) a nil return stop the loop for good.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{floor: 250 * time.Millisecond, ceil: 30 * time.Second}
	for _, o := range opts {
		o(&pol)
	}
	if pol.floor <= 0 {
		pol.floor = 250 * time.Millisecond
	}
	if pol.ceil < pol.floor {
		pol.ceil = pol.floor
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		delay := pol.floor
		for ctx.Err() == nil {
			began := time.Now()
			err, stack := invoke(ctx, fn)
			if stack != "" && !s.log.IsZero() {
				s.log.Error("goroutine panicked, restarting",
					logx.String("name", name), logx.Err(err), logx.String("stack", stack))
			}

			// A cancel during the run is shutdown, whatever fn returned.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if !pol.restartClean {
					return
				}
				err = errors.New("exited")
			}
			if pol.publishErr {
				s.record(fmt.Errorf("%s: %w", name, err))
			}

			if time.Since(began) >= healthyRun {
				delay = pol.floor
			}
			wait := jitter(delay)
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting",
					logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if delay *= 2; delay > pol.ceil {
				delay = pol.ceil
			}
		}
	})
}

// jitter pads d by up to 20% so restarts of sibling loops spread out.
func jitter(d time.Duration) time.Duration {
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	return d + time.Duration(time.Now().UnixNano()%(span+1))
}

// Stop cancels the context and waits for every goroutine, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has exited or ctx expires. On a full
// stop it returns the supervisor error, if any.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.idleOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.idle:
		return s.Err()
	}
}

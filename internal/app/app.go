// Package app assembles the scheduler daemon: config, logging, the schedule
// store, the Letta delivery client, the executor loop and the optional pprof
// server, plus hot-reload plumbing that keeps the running services in step
// with the config file.
package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"nudgebot/internal/config"
	"nudgebot/internal/delivery"
	"nudgebot/internal/executor"
	"nudgebot/internal/observability/pprof"
	"nudgebot/internal/ops"
	rtsup "nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/store"
	"nudgebot/pkg/logx"
	"nudgebot/pkg/sdnotify"
)

// App owns every long-lived component. Build it with NewApp; one-shot
// commands use Ops() and Close(), the daemon calls Start and Stop.
type App struct {
	cfgm *config.ConfigManager

	logs *logx.Service
	log  logx.Logger

	store  *store.Store
	client *delivery.Client
	runner *executor.Runner
	exec   *executor.Service
	ops    *ops.Ops
	pprof  *pprof.Service

	pprofCfg pprof.Config

	sup *rtsup.Supervisor

	stderrConsole bool
	started       bool
}

// Option adjusts construction before the config file is read.
type Option func(*App)

// WithStderrConsole routes console logging to stderr regardless of config.
// Commands that own stdout (tabular output, MCP stdio) need this so log
// lines never interleave with the payload.
func WithStderrConsole() Option {
	return func(a *App) { a.stderrConsole = true }
}

// NewApp loads the config file at cfgPath and builds all components without
// starting any background work. The store is opened (and migrated) here so
// a bad path fails fast.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	a := &App{}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewConfigManager(cfgPath)

	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	a.logs, a.log = logx.New(mapLoggingConfig(cfg.Logging, a.stderrConsole))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	lettaCfg, err := mapLettaConfig(cfg.Letta)
	if err != nil {
		_ = a.logs.Close()
		return nil, err
	}
	storeCfg, err := mapStoreConfig(cfg.Store)
	if err != nil {
		_ = a.logs.Close()
		return nil, err
	}
	execCfg, err := mapExecutorConfig(cfg.Executor)
	if err != nil {
		_ = a.logs.Close()
		return nil, err
	}
	a.pprofCfg, err = mapPprofConfig(cfg.Pprof)
	if err != nil {
		_ = a.logs.Close()
		return nil, err
	}

	st, err := store.Open(storeCfg, a.log.With(logx.String("comp", "store")))
	if err != nil {
		_ = a.logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st

	a.client = delivery.NewClient(lettaCfg, a.log.With(logx.String("comp", "delivery")))
	a.runner = executor.NewRunner(execCfg, st, a.client, a.log.With(logx.String("comp", "executor")))
	a.exec = executor.NewService(a.runner, a.log)
	a.ops = ops.New(st, a.client, a.runner, a.log.With(logx.String("comp", "ops")))
	a.pprof = pprof.New(a.pprofCfg, a.log)

	return a, nil
}

// Ops exposes the operations facade for CLI commands and the MCP server.
func (a *App) Ops() *ops.Ops { return a.ops }

// Runner exposes the executor runner for foreground loops.
func (a *App) Runner() *executor.Runner { return a.runner }

func (a *App) Log() logx.Logger { return a.log }

// Config returns the last committed configuration.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when an internal fatal error tears the app down (or after
// Stop). Blocks forever if Start was never called.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error from a supervised goroutine, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the executor loop, the pprof server (when enabled), the
// config watcher and the reload fan-out. The app stays up until Stop or
// until a supervised goroutine reports a fatal error.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return errors.New("app already started")
	}
	a.started = true

	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)

	// Reloads are rejected as a whole when any section fails to map; the
	// running config stays in effect.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.exec.Start(a.sup.Context())
	a.pprof.Reconfigure(a.sup.Context(), a.pprofCfg)

	prev := a.cfgm.Get()
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, prev)
	})

	// Watch failure is fatal: a daemon silently running on stale config is
	// worse than a restart.
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sdnotify.Ready(a.log)
	a.sup.Go0("sdnotify.watchdog", func(c context.Context) {
		sdnotify.Watchdog(c, a.log)
	})

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.String("letta", a.client.BaseURL()),
		logx.Bool("pprof", a.pprof.Enabled()))
	return nil
}

// reloadLoop applies committed config changes to the running services.
// Bursts collapse to the newest config so a series of rapid file writes
// applies once.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, prev *config.Config) {
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
		for drained := false; !drained; {
			select {
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				next = cfg
			default:
				drained = true
			}
		}
		if next == nil {
			continue
		}
		a.applyReload(ctx, prev, next)
		prev = next
	}
}

func (a *App) applyReload(ctx context.Context, oldCfg, cfg *config.Config) {
	changed, attrs := config.SummarizeConfigChange(oldCfg, cfg)
	if len(changed) == 0 {
		a.log.Debug("config reload produced no observable change")
		return
	}
	a.log.Debug("config change detected",
		append([]logx.Field{logx.Any("sections", changed)}, attrs...)...)

	for _, section := range changed {
		switch section {
		case "logging":
			a.logs.Apply(mapLoggingConfig(cfg.Logging, a.stderrConsole))
		case "letta":
			lcfg, err := mapLettaConfig(cfg.Letta)
			if err != nil {
				// The validator vets sections before commit; reaching here
				// means the gate has a hole.
				a.log.Error("letta reload skipped", logx.Err(err))
				continue
			}
			a.client.Apply(lcfg)
		case "executor":
			ecfg, err := mapExecutorConfig(cfg.Executor)
			if err != nil {
				a.log.Error("executor reload skipped", logx.Err(err))
				continue
			}
			a.exec.Apply(ecfg)
		case "pprof":
			pcfg, err := mapPprofConfig(cfg.Pprof)
			if err != nil {
				a.log.Error("pprof reload skipped", logx.Err(err))
				continue
			}
			a.pprofCfg = pcfg
			a.pprof.Reconfigure(ctx, pcfg)
		case "store":
			// Swapping the database out from under claimed rows is not
			// worth the risk.
			a.log.Warn("store changed; restart to apply")
		}
	}
	a.log.Info("config reloaded", logx.Any("sections", changed))
}

// Stop shuts components down in dependency order, each step bounded so one
// stuck component cannot stall the whole shutdown past ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) {
	a.log.Info("app stopping", logx.String("reason", reason.String()))
	sdnotify.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context)) {
		if deadline, ok := ctx.Deadline(); ok {
			if remain := time.Until(deadline); remain < max {
				max = remain
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, no time left", logx.String("step", name))
			return
		}
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		start := time.Now()
		done := make(chan struct{}, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					a.log.Error("stop step panicked",
						logx.String("step", name), logx.Any("panic", p),
						logx.Stack(string(debug.Stack())))
				}
				done <- struct{}{}
			}()
			fn(sctx)
		}()

		select {
		case <-done:
			ev := a.log.Debug
			if d := time.Since(start); d >= 500*time.Millisecond {
				ev = a.log.Info
			}
			ev("stop step finished", logx.String("step", name),
				logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step timed out",
				logx.String("step", name), logx.Duration("after", max))
			go func() {
				<-done
				a.log.Info("stop step finished late", logx.String("step", name))
			}()
		}
	}

	step("executor", 5*time.Second, func(c context.Context) { a.exec.Stop(c) })
	step("pprof", 2*time.Second, func(c context.Context) { a.pprof.Stop(c) })
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 3*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })
	}
	step("store", 2*time.Second, func(context.Context) { _ = a.store.Close() })

	a.log.Info("app stopped", logx.String("reason", reason.String()))
	_ = a.logs.Close()
}

// Close releases resources for an app that was never started. One-shot
// commands use this instead of Stop.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

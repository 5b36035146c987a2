package app

import (
	"errors"
	"fmt"
	"strings"

	"nudgebot/internal/config"
	"nudgebot/internal/delivery"
	"nudgebot/internal/executor"
	"nudgebot/internal/observability/pprof"
	"nudgebot/internal/store"
	"nudgebot/pkg/logx"
)

// defaultStorePath is used when config.store.path is empty.
const defaultStorePath = "./nudgebot.db"

func mapLettaConfig(c config.LettaConfig) (delivery.Config, error) {
	timeout, err := config.ParseDurationField("letta.timeout", c.Timeout)
	if err != nil {
		return delivery.Config{}, err
	}
	retryBase, err := config.ParseDurationField("letta.retry_base", c.RetryBase)
	if err != nil {
		return delivery.Config{}, err
	}
	retryCap, err := config.ParseDurationField("letta.retry_cap", c.RetryCap)
	if err != nil {
		return delivery.Config{}, err
	}
	if c.RetryMax < 0 {
		return delivery.Config{}, errors.New("letta.retry_max: must be >= 0")
	}
	if c.RatePerSec < 0 {
		return delivery.Config{}, errors.New("letta.rate_per_sec: must be >= 0")
	}
	return delivery.Config{
		BaseURL:        strings.TrimSpace(c.BaseURL),
		APIKey:         c.APIKey,
		ServerPassword: c.ServerPassword,
		Timeout:        timeout,
		RetryMax:       c.RetryMax,
		RetryBase:      retryBase,
		RetryCap:       retryCap,
		RatePerSec:     c.RatePerSec,
	}, nil
}

func mapStoreConfig(c config.StoreConfig) (store.Config, error) {
	busy, err := config.ParseDurationField("store.busy_timeout", c.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	path := strings.TrimSpace(c.Path)
	if path == "" {
		path = defaultStorePath
	}
	return store.Config{Path: path, BusyTimeout: busy}, nil
}

func mapExecutorConfig(c config.ExecutorConfig) (executor.Config, error) {
	interval, err := config.ParseDurationField("executor.interval", c.Interval)
	if err != nil {
		return executor.Config{}, err
	}
	claimTTL, err := config.ParseDurationField("executor.claim_ttl", c.ClaimTTL)
	if err != nil {
		return executor.Config{}, err
	}
	deliverTimeout, err := config.ParseDurationField("executor.deliver_timeout", c.DeliverTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	if c.BatchLimit < 0 {
		return executor.Config{}, errors.New("executor.batch_limit: must be >= 0")
	}
	if c.MaxConsecutiveFailures < 0 {
		return executor.Config{}, errors.New("executor.max_consecutive_failures: must be >= 0")
	}
	return executor.Config{
		Interval:               interval,
		BatchLimit:             c.BatchLimit,
		ClaimTTL:               claimTTL,
		DeliverTimeout:         deliverTimeout,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
	}, nil
}

func mapLoggingConfig(c config.LoggingConfig, stderr bool) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Stderr: stderr,
	}
}

func mapPprofConfig(c config.PprofConfig) (pprof.Config, error) {
	readT, err := config.ParseDurationField("pprof.read_timeout", c.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	writeT, err := config.ParseDurationField("pprof.write_timeout", c.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idleT, err := config.ParseDurationField("pprof.idle_timeout", c.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              c.Enabled,
		Addr:                 c.Addr,
		Prefix:               c.Prefix,
		Token:                c.Token,
		AllowInsecure:        c.AllowInsecure,
		ReadTimeout:          readT,
		WriteTimeout:         writeT,
		IdleTimeout:          idleT,
		MutexProfileFraction: c.MutexProfileFraction,
		BlockProfileRate:     c.BlockProfileRate,
		MemProfileRate:       c.MemProfileRate,
	}, nil
}

// validateConfig is the gate a reloaded config must pass before it is
// committed and fanned out. It maps every section so a bad duration or a
// negative count is rejected as a whole; the running config stays in effect.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if _, err := mapLettaConfig(cfg.Letta); err != nil {
		return fmt.Errorf("letta: %w", err)
	}
	if _, err := mapStoreConfig(cfg.Store); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if _, err := mapExecutorConfig(cfg.Executor); err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	if _, err := mapPprofConfig(cfg.Pprof); err != nil {
		return fmt.Errorf("pprof: %w", err)
	}
	return nil
}

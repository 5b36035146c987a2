package config

import (
	"sort"
	"strings"

	"nudgebot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (api_key, server_password,
// pprof token) are never included; only their presence is surfaced.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 20)

	// Letta (never log credentials)
	oL, nL := oldCfg.Letta, newCfg.Letta
	if strings.TrimSpace(oL.BaseURL) != strings.TrimSpace(nL.BaseURL) ||
		strings.TrimSpace(oL.Timeout) != strings.TrimSpace(nL.Timeout) ||
		oL.RetryMax != nL.RetryMax ||
		strings.TrimSpace(oL.RetryBase) != strings.TrimSpace(nL.RetryBase) ||
		strings.TrimSpace(oL.RetryCap) != strings.TrimSpace(nL.RetryCap) ||
		oL.RatePerSec != nL.RatePerSec ||
		secretChanged(oL.APIKey, nL.APIKey) ||
		secretChanged(oL.ServerPassword, nL.ServerPassword) {
		changed = append(changed, "letta")
		attrs = append(attrs,
			logx.String("letta.base_url", strings.TrimSpace(nL.BaseURL)),
			logx.String("letta.timeout", strings.TrimSpace(nL.Timeout)),
			logx.Int("letta.retry_max", nL.RetryMax),
			logx.Int("letta.rate_per_sec", nL.RatePerSec),
			logx.Bool("letta.api_key_set", strings.TrimSpace(nL.APIKey) != ""),
			logx.Bool("letta.server_password_set", strings.TrimSpace(nL.ServerPassword) != ""),
		)
	}

	// Store
	oS, nS := oldCfg.Store, newCfg.Store
	if strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.Bool("store.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("store.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Executor
	oE, nE := oldCfg.Executor, newCfg.Executor
	if oE != nE {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.interval", strings.TrimSpace(nE.Interval)),
			logx.Int("executor.batch_limit", nE.BatchLimit),
			logx.String("executor.claim_ttl", strings.TrimSpace(nE.ClaimTTL)),
			logx.String("executor.deliver_timeout", strings.TrimSpace(nE.DeliverTimeout)),
			logx.Int64("executor.max_consecutive_failures", nE.MaxConsecutiveFailures),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Pprof (never log token)
	oP, nP := oldCfg.Pprof, newCfg.Pprof
	if oP.Enabled != nP.Enabled ||
		strings.TrimSpace(oP.Addr) != strings.TrimSpace(nP.Addr) ||
		strings.TrimSpace(oP.Prefix) != strings.TrimSpace(nP.Prefix) ||
		oP.AllowInsecure != nP.AllowInsecure ||
		strings.TrimSpace(oP.ReadTimeout) != strings.TrimSpace(nP.ReadTimeout) ||
		strings.TrimSpace(oP.WriteTimeout) != strings.TrimSpace(nP.WriteTimeout) ||
		strings.TrimSpace(oP.IdleTimeout) != strings.TrimSpace(nP.IdleTimeout) ||
		oP.MutexProfileFraction != nP.MutexProfileFraction ||
		oP.BlockProfileRate != nP.BlockProfileRate ||
		oP.MemProfileRate != nP.MemProfileRate ||
		secretChanged(oP.Token, nP.Token) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", nP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(nP.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(nP.Token) != ""),
			logx.Bool("pprof.allow_insecure", nP.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// secretChanged reports whether a secret was set, cleared, or replaced,
// without exposing its value.
func secretChanged(oldV, newV string) bool {
	return strings.TrimSpace(oldV) != strings.TrimSpace(newV)
}

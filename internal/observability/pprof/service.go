// Package pprof serves the runtime profiler over HTTP behind a token gate.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	rtsup "nudgebot/internal/runtime/supervisor"
	"nudgebot/pkg/logx"
)

const (
	defaultAddr   = "127.0.0.1:6060"
	defaultPrefix = "/debug/pprof/"
)

// Config describes the profiling endpoint. The zero value keeps it off.
//
// Binds default to loopback. A non-loopback Addr is refused unless a
// Token is set or AllowInsecure acknowledges the exposure.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// sameServer reports whether a server started from a can keep serving b
// without rebinding.
func (a Config) sameServer(b Config) bool {
	return a.Addr == b.Addr &&
		canonPrefix(a.Prefix) == canonPrefix(b.Prefix) &&
		a.Token == b.Token &&
		a.AllowInsecure == b.AllowInsecure &&
		a.ReadTimeout == b.ReadTimeout &&
		a.WriteTimeout == b.WriteTimeout &&
		a.IdleTimeout == b.IdleTimeout
}

// setProfileRates applies the runtime profiling knobs. They take effect
// even while the HTTP server itself stays down.
func setProfileRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// Service owns the pprof HTTP listener. It can be started, stopped and
// reconfigured at runtime; a crashed listener comes back with backoff.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	draining chan struct{}
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound listen address, or "" while no listener is up.
func (s *Service) Addr() string {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Reconfigure swaps the config in and reconciles the server against it:
// start when newly enabled, stop when disabled, rebind when a
// server-level field changed. Safe to call from the reload path.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	setProfileRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case !prev.sameServer(cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start brings the serve loop up. Idempotent; when a previous stop is
// still draining it waits that out first so the old listener cannot
// shadow the new one.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if d := s.draining; d != nil {
			s.mu.Unlock()
			select {
			case <-d:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		sup := rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "pprof"))),
			// Profiling is best effort; its failures stay local.
			rtsup.WithCancelOnError(false),
		)
		s.sup = sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serve,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop shuts the server down. The wait is bounded by ctx while the
// teardown itself finishes in the background, so a timed-out caller
// leaves no half-closed state behind.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if d := s.draining; d != nil {
		s.mu.Unlock()
		select {
		case <-d:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.draining = done
	ln, srv, sup := s.ln, s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup = nil, nil, nil
		s.draining = nil
		s.mu.Unlock()
		s.log.Info("pprof stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// serve binds once and runs the HTTP server until shutdown. It re-reads
// the config on every attempt so a restart picks up the latest values.
func (s *Service) serve(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	log := s.log
	s.mu.Unlock()

	if !cfg.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if err := checkBind(cfg, addr, log); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		log.Error("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	defer func() { _ = ln.Close() }()

	prefix := canonPrefix(cfg.Prefix)
	srv := &http.Server{
		Handler:      routes(cfg.Token, prefix),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	// Serve takes no context; close the server when ctx ends. Stop owns
	// the graceful path, so this shutdown stays short.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	bound := ln.Addr().String()
	log.Info("pprof started",
		logx.String("addr", bound),
		logx.String("prefix", prefix),
		logx.Bool("token_set", cfg.Token != ""),
		logx.String("hint", "http://"+bound+prefix),
	)

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	stopping := s.draining != nil
	s.mu.Unlock()

	switch {
	case stopping || ctx.Err() != nil:
		return context.Canceled
	case err == nil || errors.Is(err, http.ErrServerClosed):
		return errors.New("pprof server closed unexpectedly")
	default:
		return err
	}
}

// checkBind refuses a tokenless bind outside loopback unless the config
// opts in explicitly.
func checkBind(cfg Config, addr string, log logx.Logger) error {
	if isLoopback(addr) || cfg.Token != "" {
		return nil
	}
	if !cfg.AllowInsecure {
		log.Error("pprof bind refused: non-loopback addr needs a token or allow_insecure",
			logx.String("addr", addr))
		return errors.New("pprof: insecure bind refused")
	}
	log.Warn("pprof serving without a token outside loopback", logx.String("addr", addr))
	return nil
}

func routes(token, prefix string) http.Handler {
	gate := tokenGate(token)
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", gate(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	root := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, gate(rerootedIndex(prefix)))
	mux.HandleFunc(root+"/cmdline", gate(hpprof.Cmdline))
	mux.HandleFunc(root+"/profile", gate(hpprof.Profile))
	mux.HandleFunc(root+"/symbol", gate(hpprof.Symbol))
	mux.HandleFunc(root+"/trace", gate(hpprof.Trace))
	if root != "" {
		mux.HandleFunc(root, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
		})
	}
	return mux
}

// tokenGate guards handlers behind a shared secret when one is set. The
// secret is accepted as "Authorization: Bearer <tok>" or "?token=<tok>".
func tokenGate(token string) func(http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return func(h http.HandlerFunc) http.HandlerFunc { return h }
	}
	return func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if q := r.URL.Query().Get("token"); q != "" {
				if q == tok {
					h(w, r)
					return
				}
			} else if bearerToken(r.Header.Get("Authorization")) == tok {
				h(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
	}
}

func bearerToken(header string) string {
	const scheme = "Bearer "
	if !strings.HasPrefix(header, scheme) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, scheme))
}

// The index handler in net/http/pprof resolves profile links relative to
// /debug/pprof/. Requests arriving under a custom prefix are rewritten
// to that root before being handed over.
func rerootedIndex(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, prefix)
		clone := r.Clone(r.Context())
		clone.URL.Path = defaultPrefix + rest
		hpprof.Index(w, clone)
	}
}

func canonPrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return defaultPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// isLoopback reports whether addr (host:port) names a loopback
// interface. An empty host binds every interface and does not count.
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

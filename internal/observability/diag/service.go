package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"applaunch/internal/metrics"
	rtsup "applaunch/internal/runtime/supervisor"
	logx "applaunch/pkg/logx"
)

const defaultAddr = "127.0.0.1:9090"

// Config controls the diagnostics HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Metrics       bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HealthFunc reports nil when the daemon is healthy.
type HealthFunc func(ctx context.Context) error

// StatusFunc returns a JSON-encodable view of runtime state for /status.
type StatusFunc func() any

// Service serves /healthz, /status, /metrics and optionally /debug/pprof/.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	gatherer prometheus.Gatherer
	health   HealthFunc
	status   StatusFunc

	ln  net.Listener
	sup *rtsup.Supervisor
}

func New(cfg Config, gatherer prometheus.Gatherer, health HealthFunc, status StatusFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		gatherer: gatherer,
		health:   health,
		status:   status,
		log:      log.With(logx.String("comp", "diag")),
	}
}

// Addr is the bound listen address, empty while not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg, starting, stopping or restarting the server as
// needed. Safe to call during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent. The listener runs under a restart loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	ready := make(chan struct{})
	var once sync.Once
	sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, func() { once.Do(func() { close(ready) }) })
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)

	// Wait briefly for the first bind so Addr is usable right after Start.
	select {
	case <-ready:
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("diag stop", logx.Err(err))
	}
	s.log.Info("diag stopped")
}

func (s *Service) serveOnce(ctx context.Context, bound func()) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if err := checkBind(addr, cur); err != nil {
		s.log.Error("diag refused to start", logx.String("addr", addr), logx.Err(err))
		return err
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("diag running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.ln == ln {
			s.ln = nil
		}
		s.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("diag started", logx.String("addr", ln.Addr().String()),
		logx.Bool("metrics", cur.Metrics), logx.Bool("pprof", cur.Pprof), logx.Bool("token_set", cur.Token != ""))
	bound()

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("diag server exited unexpectedly")
	}
	return err
}

// Handler builds the route table for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }

	mux.Handle("/healthz", wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.health(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})))
	if s.status != nil {
		mux.Handle("/status", wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(s.status()); err != nil {
				s.log.Warn("status encode failed", logx.Err(err))
			}
		})))
	}
	if cfg.Metrics {
		mux.Handle("/metrics", wrap(metrics.Handler(s.gatherer)))
	}
	if cfg.Pprof {
		mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

func checkBind(addr string, cfg Config) error {
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("non-loopback addr requires token or allow_insecure")
	}
	return nil
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

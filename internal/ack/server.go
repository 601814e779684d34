package ack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"escalator/internal/dispatch"
	"escalator/internal/runtime/supervisor"
	"escalator/internal/scheduler"
	logx "escalator/pkg/logx"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the HTTP receiver. Addr and Pprof need a restart; Secret
// and AckDigit are applied live.
type Config struct {
	Addr         string
	Secret       string
	AckDigit     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Pprof        bool
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if strings.TrimSpace(c.AckDigit) == "" {
		c.AckDigit = "1"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Pinger is the store health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PollReporter exposes the scheduler's last cycle.
type PollReporter interface {
	LastPoll() (scheduler.Report, time.Time)
}

// Deps are the collaborators of the HTTP receiver. Only Receiver is required.
type Deps struct {
	Receiver   *Receiver
	Store      Pinger
	Poll       PollReporter
	Supervisor *supervisor.Supervisor
}

// Server is the echo-based acknowledgement receiver.
type Server struct {
	echo *echo.Echo
	deps Deps
	log  logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewServer(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if deps.Receiver == nil {
		return nil, fmt.Errorf("ack receiver is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout
	e.Server.IdleTimeout = cfg.IdleTimeout

	s := &Server{echo: e, deps: deps, log: log.With(logx.String("comp", "ack.http")), cfg: cfg}

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			s.log.Debug("http request",
				logx.String("method", c.Request().Method),
				logx.String("path", c.Path()),
				logx.Int("status", c.Response().Status),
				logx.Duration("took", time.Since(start)),
			)
			return err
		}
	})
	s.registerRoutes(cfg.Pprof)
	return s, nil
}

func (s *Server) registerRoutes(pprof bool) {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	signed := requireSignature(func() string { return s.config().Secret })
	hooks := s.echo.Group("/webhooks", signed)
	hooks.POST("/push", s.handlePush)
	hooks.POST("/message", s.handleMessage)
	hooks.POST("/call", s.handleCall)

	v1 := s.echo.Group("/api/v1", signed)
	v1.POST("/acknowledge", s.handleAcknowledge)

	if pprof {
		g := s.echo.Group("/debug/pprof")
		g.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
		g.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
		g.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		g.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
		g.GET("/*", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	}
}

func (s *Server) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Apply updates the live settings. Addr and Pprof changes are logged and
// ignored until restart.
func (s *Server) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg.Secret = cfg.Secret
	s.cfg.AckDigit = cfg.AckDigit
	s.mu.Unlock()
	if prev.Addr != cfg.Addr || prev.Pprof != cfg.Pprof {
		s.log.Warn("ack.addr / ack.pprof changed; restart required", logx.String("addr", prev.Addr))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.config().Addr
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", logx.String("addr", addr))
		errCh <- s.echo.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(sctx); err != nil {
			s.log.Warn("shutdown failed", logx.Err(err))
		}
		return nil
	}
}

// Response is the body of every webhook reply.
type Response struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// ResultIgnored is returned by message and call webhooks that carry no
// acknowledgement (empty reply, wrong digit).
const ResultIgnored = "ignored"

type pushRequest struct {
	DispatchID  string `json:"dispatch_id"`
	ProviderRef string `json:"provider_ref"`
}

type messageRequest struct {
	ProviderRef string `json:"provider_ref"`
	From        string `json:"from"`
	Body        string `json:"body"`
}

type callRequest struct {
	ProviderRef string `json:"provider_ref"`
	Digits      string `json:"digits"`
}

type acknowledgeRequest struct {
	DispatchID  string `json:"dispatch_id"`
	ProviderRef string `json:"provider_ref"`
	TaskID      string `json:"task_id"`
	Proof       string `json:"proof"`
}

func (s *Server) handlePush(c echo.Context) error {
	var req pushRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	return s.acknowledge(c, dispatch.Ref{DispatchID: strings.TrimSpace(req.DispatchID), ProviderRef: strings.TrimSpace(req.ProviderRef)}, "push receipt")
}

func (s *Server) handleMessage(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ref := strings.TrimSpace(req.ProviderRef)
	if ref == "" {
		return badRequest(c, "provider_ref is required")
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return c.JSON(http.StatusOK, Response{Result: ResultIgnored})
	}
	return s.acknowledge(c, dispatch.Ref{ProviderRef: ref}, truncate("reply from "+req.From+": "+body, 256))
}

func (s *Server) handleCall(c echo.Context) error {
	var req callRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ref := strings.TrimSpace(req.ProviderRef)
	if ref == "" {
		return badRequest(c, "provider_ref is required")
	}
	digit := s.config().AckDigit
	if !strings.Contains(req.Digits, digit) {
		return c.JSON(http.StatusOK, Response{Result: ResultIgnored})
	}
	return s.acknowledge(c, dispatch.Ref{ProviderRef: ref}, "dtmf "+digit)
}

func (s *Server) handleAcknowledge(c echo.Context) error {
	var req acknowledgeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ref := dispatch.Ref{
		DispatchID:  strings.TrimSpace(req.DispatchID),
		ProviderRef: strings.TrimSpace(req.ProviderRef),
		TaskID:      strings.TrimSpace(req.TaskID),
	}
	proof := strings.TrimSpace(req.Proof)
	if proof == "" {
		proof = "api"
	}
	return s.acknowledge(c, ref, truncate(proof, 256))
}

func (s *Server) acknowledge(c echo.Context, ref dispatch.Ref, proof string) error {
	res, err := s.deps.Receiver.Acknowledge(c.Request().Context(), ref, proof)
	switch {
	case errors.Is(err, ErrEmptyRef):
		return badRequest(c, "dispatch_id, provider_ref or task_id is required")
	case err != nil:
		return c.JSON(http.StatusServiceUnavailable, Response{Error: "store unavailable"})
	}
	status := http.StatusOK
	if res == dispatch.AckNotFound {
		status = http.StatusNotFound
	}
	return c.JSON(status, Response{Result: string(res)})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, Response{Error: msg})
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status     string             `json:"status"`
	Store      string             `json:"store"`
	LastPoll   *scheduler.Report  `json:"last_poll,omitempty"`
	LastOKPoll time.Time          `json:"last_ok_poll,omitempty"`
	Goroutines []supervisor.Stats `json:"goroutines,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Store: "ok"}
	code := http.StatusOK
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		err := s.deps.Store.Ping(ctx)
		cancel()
		if err != nil {
			resp.Status = "degraded"
			resp.Store = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if s.deps.Poll != nil {
		rep, ok := s.deps.Poll.LastPoll()
		if !rep.At.IsZero() {
			resp.LastPoll = &rep
		}
		resp.LastOKPoll = ok
	}
	if s.deps.Supervisor != nil {
		resp.Goroutines = s.deps.Supervisor.Snapshot()
	}
	return c.JSON(code, resp)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

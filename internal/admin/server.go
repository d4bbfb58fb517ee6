// Package admin exposes the worker control channel and the expiring cache
// over HTTP for operators and the CLI.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/tidwall/gjson"

	"sitecache/internal/expcache"
	"sitecache/internal/logging"
	"sitecache/internal/metrics"
	"sitecache/internal/worker"
)

// Controller is the part of the worker the admin API drives.
type Controller interface {
	HandleMessage(ctx context.Context, msg worker.Message) error
	Status(ctx context.Context) (worker.Status, error)
}

// KVStats decorates expcache.Stats with a human-readable size.
type KVStats struct {
	expcache.Stats
	Namespace  string `json:"namespace"`
	MaxEntries int    `json:"maxEntries"`
	TotalSize  string `json:"totalSize"`
}

type Server struct {
	echo     *echo.Echo
	address  string
	srv      *http.Server
	shutdown time.Duration

	ctrl   Controller
	kv     *expcache.Cache
	logger logging.Logger
}

// NewServer wires the routes. kv may be nil, in which case /kv is not served.
func NewServer(address string, ctrl Controller, kv *expcache.Cache, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		address:  address,
		shutdown: 5 * time.Second,
		ctrl:     ctrl,
		kv:       kv,
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	s.echo.POST("/worker/messages", s.postMessage)
	s.echo.GET("/worker/status", s.getStatus)

	if s.kv == nil {
		return
	}
	s.echo.GET("/kv/stats", s.kvStats)
	s.echo.POST("/kv/cleanup", s.kvCleanup)
	s.echo.DELETE("/kv", s.kvClear)
	s.echo.GET("/kv/:key", s.kvGet)
	s.echo.PUT("/kv/:key", s.kvPut)
	s.echo.DELETE("/kv/:key", s.kvDelete)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Address() string {
	return s.address
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.address,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) postMessage(c echo.Context) error {
	var msg worker.Message
	if err := c.Bind(&msg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message body")
	}

	err := s.ctrl.HandleMessage(c.Request().Context(), msg)
	switch {
	case errors.Is(err, worker.ErrUnknownAction):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("control message failed", "action", msg.Action, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.logger.Info("control message accepted", "action", msg.Action)
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) getStatus(c echo.Context) error {
	st, err := s.ctrl.Status(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) kvGet(c echo.Context) error {
	var raw json.RawMessage
	if !s.kv.Get(c.Request().Context(), c.Param("key"), &raw) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return c.JSONBlob(http.StatusOK, raw)
}

// kvPut stores the request body, which must be JSON. ?ttl= takes a Go duration.
func (s *Server) kvPut(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if !gjson.ValidBytes(body) {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be valid JSON")
	}

	var ttl time.Duration
	if raw := c.QueryParam("ttl"); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid ttl: "+err.Error())
		}
	}

	if !s.kv.SetWithTTL(c.Request().Context(), c.Param("key"), json.RawMessage(body), ttl) {
		return echo.NewHTTPError(http.StatusInsufficientStorage, "store rejected the write")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) kvDelete(c echo.Context) error {
	if !s.kv.Remove(c.Request().Context(), c.Param("key")) {
		return echo.NewHTTPError(http.StatusInternalServerError, "remove failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) kvClear(c echo.Context) error {
	if !s.kv.Clear(c.Request().Context()) {
		return echo.NewHTTPError(http.StatusInternalServerError, "clear failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) kvCleanup(c echo.Context) error {
	report, err := s.kv.Cleanup(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) kvStats(c echo.Context) error {
	st, err := s.kv.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, KVStats{
		Stats:      st,
		Namespace:  s.kv.Namespace(),
		MaxEntries: s.kv.MaxEntries(),
		TotalSize:  humanize.Bytes(uint64(st.TotalSizeBytes)),
	})
}

func errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if str, ok := he.Message.(string); ok {
			msg = str
		} else if e, ok := he.Message.(error); ok {
			msg = e.Error()
		}
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]any{"error": msg})
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/iaserrat/linkdiag/internal/device"
	"github.com/iaserrat/linkdiag/internal/report"
)

// Device is the part of a supervised interface the API exposes.
type Device interface {
	Name() string
	Status() device.Status
	LastReport() *report.Report
	Check() error
}

type Server struct {
	devices map[string]Device
	names   []string
	logger  *slog.Logger
	router  chi.Router
}

func New(devices []Device, logger *slog.Logger) *Server {
	s := &Server{
		devices: make(map[string]Device, len(devices)),
		logger:  logger.With(slog.String("component", "server")),
	}
	for _, d := range devices {
		s.devices[d.Name()] = d
		s.names = append(s.names, d.Name())
	}
	sort.Strings(s.names)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Route("/v1/devices", func(r chi.Router) {
		r.Get("/", s.listDevices)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.getDevice)
			r.Get("/diagnosis", s.getDiagnosis)
			r.Post("/check", s.check)
		})
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	out := make([]device.Status, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.devices[name].Status())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Device, bool) {
	name := chi.URLParam(r, "name")
	d, ok := s.devices[name]
	if !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
	}
	return d, ok
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d.Status())
}

func (s *Server) getDiagnosis(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("format") == "" {
		format = report.FormatJSON
	}

	rep := d.LastReport()
	if rep == nil {
		http.Error(w, "no check has completed yet", http.StatusNotFound)
		return
	}

	switch format {
	case report.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	case report.FormatYAML:
		w.Header().Set("Content-Type", "application/yaml")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	if err := rep.Render(w, format); err != nil {
		s.logger.Error("failed to render report", slog.Any("err", err))
	}
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := d.Check(); err != nil {
		s.logger.Warn("check request failed", slog.String("device", d.Name()), slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"device": d.Name(), "started": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

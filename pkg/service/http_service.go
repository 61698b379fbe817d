package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagsync/pkg/transport"
)

var (
	errUnknownAPIKey = errors.New("unknown api key")
	errDevModeSecret = errors.New("dev mode secret mismatch")
)

type HTTPServiceConfiguration struct {
	Port int32
	// APIKeys restricts the keys served; empty serves every key.
	APIKeys []string
	// DevModeSecret, when set, must be presented by every client.
	DevModeSecret string
	// Gatherer exposes metrics on /metrics when set.
	Gatherer prometheus.Gatherer
}

type HTTPService struct {
	HTTPServiceConfiguration *HTTPServiceConfiguration
	Logger                   *log.Entry
}

type server struct {
	conf   *HTTPServiceConfiguration
	source *Source
	logger *log.Entry
}

// Handler returns the service routes for source. A nil source serves only health and
// metrics.
func (h *HTTPService) Handler(source *Source) http.Handler {
	logger := h.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	conf := h.HTTPServiceConfiguration
	if conf == nil {
		conf = &HTTPServiceConfiguration{}
	}
	s := server{conf: conf, source: source, logger: logger.WithField("component", "service")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if source != nil {
		r.Get("/configuration/{apiKey}", s.configuration)
	}
	if conf.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(conf.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s server) configuration(w http.ResponseWriter, r *http.Request) {
	apiKey := chi.URLParam(r, "apiKey")
	if len(s.conf.APIKeys) > 0 && !slices.Contains(s.conf.APIKeys, apiKey) {
		handleError(s.logger, errUnknownAPIKey, w)
		return
	}
	if s.conf.DevModeSecret != "" && r.Header.Get(transport.HeaderDevModeSecret) != s.conf.DevModeSecret {
		handleError(s.logger, errDevModeSecret, w)
		return
	}

	payload, hash := s.source.Payload()
	s.logger.WithFields(log.Fields{
		"version":    r.URL.Query().Get("version"),
		"platform":   r.URL.Query().Get("platform"),
		"distinctId": r.Header.Get(transport.HeaderDistinctID),
	}).Debug("configuration requested")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", strconv.Quote(strconv.FormatUint(hash, 16)))
	_, _ = w.Write(payload)
}

func (h *HTTPService) Serve(ctx context.Context, source *Source) error {
	if h.HTTPServiceConfiguration == nil {
		return errors.New("http service configuration has not been initialised")
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", h.HTTPServiceConfiguration.Port),
		Handler:           h.Handler(source),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// some basic mapping of errors to HTTP
func handleError(logger *log.Entry, err error, w http.ResponseWriter) {
	switch {
	case errors.Is(err, errUnknownAPIKey):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, errDevModeSecret):
		w.WriteHeader(http.StatusUnauthorized)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
	logger.Error(err.Error())
}

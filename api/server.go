// Package api exposes the vault over HTTP. Authenticated routes carry
// the client token in the X-Vault-Token header; seal lifecycle routes
// are unauthenticated because they must work while the vault is sealed.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/strongroom/strongroom/metrics"
)

// HTTPServerConfig carries the server's listen and shutdown parameters.
type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Server runs the vault API and, optionally, a separate metrics
// listener.
type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.Server
	handler    *Handler
}

// New builds the server around a configured handler.
func New(cfg *HTTPServerConfig, handler *Handler, m *metrics.Metrics) *Server {
	srv := &Server{
		cfg:     cfg,
		log:     cfg.Log,
		handler: handler,
	}
	if cfg.MetricsAddr != "" {
		srv.metricsSrv = metrics.NewServer(m, cfg.MetricsAddr)
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	// Seal lifecycle, usable while sealed.
	mux.With(srv.httpLogger).Put("/v1/sys/init", srv.handler.HandleInit)
	mux.With(srv.httpLogger).Put("/v1/sys/unseal", srv.handler.HandleUnseal)
	mux.With(srv.httpLogger).Get("/v1/sys/seal-status", srv.handler.HandleSealStatus)
	mux.With(srv.httpLogger).Get("/v1/sys/health", srv.handler.HandleHealth)

	// Authenticated system surface.
	mux.With(srv.httpLogger).Put("/v1/sys/seal", srv.handler.HandleSeal)
	mux.With(srv.httpLogger).Put("/v1/sys/rotate", srv.handler.HandleRotate)
	mux.With(srv.httpLogger).Get("/v1/sys/policies", srv.handler.HandlePolicyList)
	mux.With(srv.httpLogger).Get("/v1/sys/policies/{name}", srv.handler.HandlePolicy)
	mux.With(srv.httpLogger).Put("/v1/sys/policies/{name}", srv.handler.HandlePolicy)
	mux.With(srv.httpLogger).Delete("/v1/sys/policies/{name}", srv.handler.HandlePolicy)

	// KV secrets engine.
	mux.With(srv.httpLogger).Get("/v1/secret/data/*", srv.handler.HandleSecretData)
	mux.With(srv.httpLogger).Post("/v1/secret/data/*", srv.handler.HandleSecretData)
	mux.With(srv.httpLogger).Delete("/v1/secret/data/*", srv.handler.HandleSecretData)
	mux.With(srv.httpLogger).Get("/v1/secret/metadata/*", srv.handler.HandleSecretMetadata)
	mux.With(srv.httpLogger).Post("/v1/secret/metadata/*", srv.handler.HandleSecretMetadata)
	mux.With(srv.httpLogger).Get("/v1/secret/list/*", srv.handler.HandleSecretList)
	mux.With(srv.httpLogger).Post("/v1/secret/undelete/*", srv.handler.HandleSecretUndelete)
	mux.With(srv.httpLogger).Post("/v1/secret/destroy/*", srv.handler.HandleSecretDestroy)

	// Token self-service.
	mux.With(srv.httpLogger).Post("/v1/auth/token/create", srv.handler.HandleTokenCreate)
	mux.With(srv.httpLogger).Get("/v1/auth/token/lookup-self", srv.handler.HandleTokenLookupSelf)
	mux.With(srv.httpLogger).Post("/v1/auth/token/renew-self", srv.handler.HandleTokenRenewSelf)
	mux.With(srv.httpLogger).Post("/v1/auth/token/revoke-self", srv.handler.HandleTokenRevokeSelf)

	// Transit engine.
	mux.With(srv.httpLogger).Get("/v1/transit/keys", srv.handler.HandleTransitKeys)
	mux.With(srv.httpLogger).Get("/v1/transit/keys/{name}", srv.handler.HandleTransitKeys)
	mux.With(srv.httpLogger).Post("/v1/transit/keys/{name}", srv.handler.HandleTransitKeys)
	mux.With(srv.httpLogger).Post("/v1/transit/rotate/{name}", srv.handler.HandleTransitRotate)
	mux.With(srv.httpLogger).Post("/v1/transit/encrypt/{name}", srv.handler.HandleTransitEncrypt)
	mux.With(srv.httpLogger).Post("/v1/transit/decrypt/{name}", srv.handler.HandleTransitDecrypt)
	mux.With(srv.httpLogger).Post("/v1/transit/rewrap/{name}", srv.handler.HandleTransitRewrap)

	// Health and diagnostic endpoints.
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	srv.log.Info("Server marked as not ready")

	go func() {
		// Let load balancers observe the readiness change before the
		// process exits.
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	srv.log.Info("Server marked as ready")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// RunInBackground starts the API and metrics listeners without blocking.
func (srv *Server) RunInBackground() {
	if srv.metricsSrv != nil {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("HTTP server failed", "err", err)
			}
		}()
	}

	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown gracefully stops both listeners.
func (srv *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	if srv.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}

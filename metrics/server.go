package metrics

import (
	"context"
	"net/http"
)

// Server exposes the instrument set on its own listener, kept separate
// from the vault API so operators can firewall it independently.
type Server struct {
	srv *http.Server
}

// NewServer wraps the instrument set in an HTTP server bound to addr.
func NewServer(m *Metrics, addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// ListenAndServe blocks serving the metrics endpoint.
func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

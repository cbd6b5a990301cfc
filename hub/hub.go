package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/sage-x-project/m2m/internal/logger"
	"github.com/sage-x-project/m2m/internal/metrics"
	"github.com/sage-x-project/m2m/registry"
)

// Hub composes a Registry with the control-channel and HTTP servers into
// one addressable process.
type Hub struct {
	Server *Server
	reg    *registry.Registry
	log    logger.Logger
	http   *http.Server
}

// New builds a Hub listening at addr, backed by store.
func New(addr string, store registry.Store, opts ...registry.Option) *Hub {
	reg := registry.New(store, opts...)
	log := logger.NewDefaultLogger()
	server := NewServer(reg, log)

	mux := server.httpMux()
	mux.Handle("/metrics", metrics.Handler())

	return &Hub{
		Server: server,
		reg:    reg,
		log:    log,
		http: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// ListenAndServe blocks serving HTTP + the /ws control channel until ctx is
// cancelled, then drains with a 10s grace period.
func (h *Hub) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.log.Info("hub shutting down")
		if err := h.http.Shutdown(shutdownCtx); err != nil {
			h.log.Warn("hub shutdown error", logger.Error(err))
		}
		h.reg.Close()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

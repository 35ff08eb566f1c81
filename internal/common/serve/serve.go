package serve

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// ListenAndServe runs server until ctx is done and then shuts it down gracefully.
// It returns nil after a graceful shutdown.
func ListenAndServe(ctx context.Context, server *http.Server) error {
	errs := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s", server.Addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return errors.Wrapf(err, "server on %s failed", server.Addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrapf(err, "shutting down server on %s", server.Addr)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WithStack(err)
	}
	log.Infof("Stopped listening on %s", server.Addr)
	return nil
}

// NewServer returns an http.Server for handler with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr    string
	Service *Service
	Logger  *zap.Logger
}

// Start runs the HTTP server until the context is cancelled.
func Start(ctx context.Context, cfg Config) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewMux(cfg.Service, cfg.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)

	go func() {
		errc <- srv.ListenAndServe()
	}()

	cfg.Logger.Info("http server listening", zap.String("addr", cfg.Addr))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	}
}

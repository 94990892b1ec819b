package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/ssd-technologies/beam/internal/config"
	"github.com/ssd-technologies/beam/internal/logging"
	"github.com/ssd-technologies/beam/internal/server"
	"github.com/ssd-technologies/beam/internal/storage"
)

// shutdownGrace is how long streaming relays get to finish after a signal.
const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "beam: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "beam: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("beam stopped")
	}
}

// run owns every resource with a lifetime, so its defers only fire once the
// HTTP server has fully shut down.
func run(cfg *config.Config, log *logrus.Logger) error {
	db, err := storage.NewDB(cfg.Journal)
	if err != nil {
		return fmt.Errorf("open transfer journal: %w", err)
	}
	defer db.Close()

	srv, err := server.New(cfg, db, log)
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}
	// The password has been hashed; drop the plaintext.
	cfg.Password = ""

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	srv.StartWorkers(ctx)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// No read or write timeouts: transfers last as long as the bytes flow.
	httpSrv := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("auth", cfg.Auth).WithField("pairing", cfg.Pairing).
		Infof("beam running on http://%s", ln.Addr())
	return serve(ctx, httpSrv, ln, srv.Drain, shutdownGrace, log)
}

// serve runs httpSrv on ln until ctx is done, then drains waiting transfers
// and shuts down. It returns only after every handler has finished or the
// grace period has run out and remaining connections were closed.
func serve(ctx context.Context, httpSrv *http.Server, ln net.Listener, drain func(), grace time.Duration, log logrus.FieldLogger) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	// Nobody new can connect, so transfers waiting for a peer would only
	// sit out their ready timeout.
	drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	err := httpSrv.Shutdown(shutdownCtx)
	if err != nil {
		log.WithError(err).Warn("grace period over, closing remaining connections")
		httpSrv.Close()
	}

	if serveErr := <-serveErr; !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

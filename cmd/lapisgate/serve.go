package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lapisgate/internal/adapters/lapis"
	"lapisgate/internal/blob"
	"lapisgate/internal/compression"
	"lapisgate/internal/config"
	"lapisgate/internal/core"
	"lapisgate/internal/infra/persistence/postgres"
	"lapisgate/internal/query"
)

const shutdownTimeout = 30 * time.Second

// Hooks replaced by tests.
var (
	openPool    = postgres.Open
	registerer  = prometheus.DefaultRegisterer
	gatherer    = prometheus.DefaultGatherer
	onListening = func(string) {}
)

func newServeCommand(settings *config.Settings, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP query service.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := settings.Validate(); err != nil {
				return err
			}
			logger, err := settings.NewLogger(stderr)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), *settings, logger)
		},
	}
}

func serve(ctx context.Context, settings config.Settings, logger *logrus.Logger) error {
	catalog, err := loadCatalog(settings.ConfigPath)
	if err != nil {
		return err
	}
	dec, err := compression.New(catalog)
	if err != nil {
		return err
	}
	defer dec.Close()

	pool, err := waitForDatabase(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	metrics, err := core.NewPrometheusMetricsRecorder(registerer)
	if err != nil {
		return errors.Wrap(err, "register metrics")
	}
	svc := core.NewService(catalog, query.NewCompiler(catalog), dec, pool, core.Options{
		DataVersion:    settings.DataVersion,
		FastaLineWidth: settings.FastaLineWidth,
		Logger:         logger,
		Metrics:        metrics,
	})

	store, err := blob.Open(ctx, settings.Blob())
	if err != nil {
		return errors.Wrap(err, "open export store")
	}
	worker := lapis.NewWorker(svc, store, lapis.WorkerOptions{QueueSize: settings.ExportQueueSize, Logger: logger})
	worker.Start()

	handler, err := lapis.NewHandler(
		lapis.OptHandlerService(svc),
		lapis.OptHandlerExports(worker),
		lapis.OptHandlerLogger(logger),
		lapis.OptHandlerGatherer(gatherer),
	)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", settings.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", settings.Listen)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logger.WithFields(logrus.Fields{
		"addr":      ln.Addr().String(),
		"organisms": catalog.Names(),
		"blob":      string(store.Driver()),
	}).Info("lapisgate listening")
	onListening(ln.Addr().String())

	select {
	case err := <-errc:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("export worker shutdown")
	}
	return nil
}

// waitForDatabase retries the initial connection with exponential backoff
// until settings.StartupTimeout elapses.
func waitForDatabase(ctx context.Context, settings config.Settings, logger logrus.FieldLogger) (*postgres.Pool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = settings.StartupTimeout

	var pool *postgres.Pool
	op := func() error {
		p, err := openPool(ctx, settings.Postgres())
		if err != nil {
			return err
		}
		pool = p
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.WithError(err).WithField("retry_in", next.String()).Warn("database not ready")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, errors.Wrap(err, "database unavailable")
	}
	return pool, nil
}

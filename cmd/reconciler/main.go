package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/internal/app"
	"github.com/terminal-bench/civicledger/internal/config"
	"github.com/terminal-bench/civicledger/internal/metrics"
	"github.com/terminal-bench/civicledger/internal/reconcile"
	"golang.org/x/sync/errgroup"
)

func main() {
	once := flag.Bool("once", false, "run every job once and exit")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics on this address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build services")
	}
	defer a.Close()

	if *once {
		if err := a.Reconciler.RunAll(ctx); err != nil {
			log.WithError(err).Error("reconcile failed")
			a.Close()
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, a, *metricsAddr, log); err != nil {
		log.WithError(err).Error("reconciler exited")
		a.Close()
		os.Exit(1)
	}
}

func serve(ctx context.Context, a *app.App, metricsAddr string, log *logrus.Logger) error {
	sch, err := reconcile.NewScheduler(ctx, a.Reconciler, a.Schedule(), log)
	if err != nil {
		return err
	}
	sch.Start()
	defer sch.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("reconciler stopping")
		return nil
	})

	return g.Wait()
}

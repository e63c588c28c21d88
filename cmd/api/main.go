// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mediaqueue/orchestrator/internal/api"
	"github.com/mediaqueue/orchestrator/internal/bootstrap"
	"github.com/mediaqueue/orchestrator/internal/obs"
	"github.com/mediaqueue/orchestrator/internal/worker"
)

var version = "dev"

const (
	exitOK = iota
	exitConfigInvalid
	exitStoreUnreachable
)

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to application YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	app, err := bootstrap.New(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		if strings.HasPrefix(err.Error(), "store:") {
			os.Exit(exitStoreUnreachable)
		}
		os.Exit(exitConfigInvalid)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, app)

	go app.Bus.RunHeartbeats(ctx.Done())

	obs.StartGaugeSampler(ctx, app.Cfg, app.Log, []obs.GaugeSample{
		{
			Name: "event_bus_subscribers",
			Func: func(c context.Context) (float64, error) {
				return float64(app.Bus.SubscriberCount()), nil
			},
			Set: obs.EventBusSubscribers.Set,
		},
	})

	// The API layer needs the Worker's job-control (cancel/pause/resume)
	// and delete-file paths (DELETE /jobs/{id} per spec.md §6 drives
	// §4.6's idempotent Delete-file operation), so a Worker with the
	// configured HTTP media server is constructed here to back those
	// handlers — the progress poll loop itself runs in cmd/worker, not here.
	media := worker.NewHTTPMediaServer(app.Cfg.MediaServer)
	w := worker.New(app.Cfg, app.Store, app.Downloader, app.Coord, app.Registry, media, app.Bus, app.Log)

	handler := api.NewHandler(app.Cfg, app.Store, app.Registry, app.Coord, app.Cache, w, app.Bus, app.Downloader, app.Audit, app.Log)
	srv := api.NewServer(app.Cfg.API, handler, api.HeaderAuthenticator{}, app.Log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			app.Log.Fatal("api server error", obs.Err(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.Cfg.API.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Log.Error("api shutdown error", obs.Err(err))
	}
}

func handleSignals(cancel context.CancelFunc, app *bootstrap.App) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	app.Log.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		app.Log.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}

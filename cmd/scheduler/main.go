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

	"github.com/mediaqueue/orchestrator/internal/bootstrap"
	"github.com/mediaqueue/orchestrator/internal/obs"
	"github.com/mediaqueue/orchestrator/internal/scheduler"
)

var version = "dev"

// Exit codes per spec.md §6: 0 clean shutdown, 1 configuration invalid,
// 2 persistent store unreachable, 3 downloader unreachable after
// startup grace.
const (
	exitOK = iota
	exitConfigInvalid
	exitStoreUnreachable
	exitDownloaderUnreachable
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
		fmt.Fprintf(os.Stderr, "scheduler: %v\n", err)
		if strings.HasPrefix(err.Error(), "store:") {
			os.Exit(exitStoreUnreachable)
		}
		os.Exit(exitConfigInvalid)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, app)

	if _, err := app.Downloader.TellActive(ctx); err != nil {
		app.Log.Error("downloader unreachable at startup", obs.Err(err))
		os.Exit(exitDownloaderUnreachable)
	}

	httpSrv := obs.StartHTTPServer(app.Cfg, func(c context.Context) error {
		_, err := app.Redis.Ping(c).Result()
		return err
	})
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartGaugeSampler(ctx, app.Cfg, app.Log, []obs.GaugeSample{
		{
			Name: "scheduler_claimable_jobs",
			Func: func(c context.Context) (float64, error) {
				n, err := app.Store.CountClaimable(c)
				return float64(n), err
			},
			Set: obs.SchedulerClaimableJobs.Set,
		},
		{
			Name: "provider_backoff_active",
			Func: func(c context.Context) (float64, error) {
				keys, err := app.Coord.BackoffKeys(c)
				return float64(len(keys)), err
			},
			Set: obs.ProviderBackoffActive.Set,
		},
		{
			Name: "provider_pause_active",
			Func: func(c context.Context) (float64, error) {
				keys, err := app.Coord.PausedKeys(c)
				return float64(len(keys)), err
			},
			Set: obs.ProviderPauseActive.Set,
		},
	})

	sched := scheduler.New(app.Cfg, app.Store, app.Coord, app.Registry, app.Downloader, app.Bus, app.Log)
	if err := sched.Run(ctx); err != nil {
		app.Log.Fatal("scheduler stopped", obs.Err(err))
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

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
	"github.com/mediaqueue/orchestrator/internal/bulk"
	"github.com/mediaqueue/orchestrator/internal/obs"
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
		fmt.Fprintf(os.Stderr, "bulkresolver: %v\n", err)
		if strings.HasPrefix(err.Error(), "store:") {
			os.Exit(exitStoreUnreachable)
		}
		os.Exit(exitConfigInvalid)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, app)

	httpSrv := obs.StartHTTPServer(app.Cfg, func(c context.Context) error {
		_, err := app.Redis.Ping(c).Result()
		return err
	})
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	resolver := bulk.New(app.Cfg, app.Store, app.Coord, app.Registry, app.Bus, app.Log)
	if err := resolver.Run(ctx); err != nil {
		app.Log.Fatal("bulk resolver stopped", obs.Err(err))
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

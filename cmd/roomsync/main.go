package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mvolkov/roomsync/internal/client"
	"github.com/mvolkov/roomsync/internal/config"
	"github.com/mvolkov/roomsync/internal/tui"
	"go.uber.org/fx"
)

const lifecycleTimeout = 15 * time.Second

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.roomsync/config.toml)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	var app *tui.App
	fxApp := fx.New(
		fx.NopLogger,
		client.Module(client.Params{ConfigPath: configPath}),
		fx.Provide(tui.NewApp),
		fx.Populate(&app),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	runErr := app.Run()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancelStop()
	_ = fxApp.Stop(stopCtx)

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}

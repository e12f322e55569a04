package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/pkg/api"
	"github.com/wardenhq/warden/pkg/env"
	"github.com/wardenhq/warden/pkg/events"
	"github.com/wardenhq/warden/pkg/gateway"
	"github.com/wardenhq/warden/pkg/log"
	"github.com/wardenhq/warden/pkg/ports"
	"github.com/wardenhq/warden/pkg/sessions"
	"github.com/wardenhq/warden/pkg/storage"
	"github.com/wardenhq/warden/pkg/supervisor"
)

// Exit codes: 0 normal shutdown, 2 config error, 3 fatal bind failure.
const (
	exitConfig = 2
	exitBind   = 3
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the warden host",
	Long: `Start the HTTP frontend, gateway, process supervisor, and session
registry, and serve until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := loadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitConfig)
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("main")

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error: create data dir: %v\n", err)
			os.Exit(exitConfig)
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: open store: %v\n", err)
			os.Exit(exitConfig)
		}
		defer store.Close()

		bus := events.NewBus()
		defer bus.Close()

		alloc := ports.NewAllocator(cfg.Ports.Min, cfg.Ports.Max)
		builder := env.NewBuilder(store, nil)

		sup := supervisor.New(supervisor.Config{
			StopTimeout:     cfg.Supervisor.StopTimeout.std(),
			MaxRestarts:     cfg.Supervisor.MaxRestarts,
			GlobalInstances: cfg.Supervisor.GlobalInstances,
		}, store, alloc, builder, bus)

		gw := gateway.New(gateway.Config{
			LazyStart:       cfg.lazyStart(),
			UpstreamTimeout: cfg.Gateway.UpstreamTimeout.std(),
		}, sup, store)

		baseURL := "http://" + cfg.Listen
		if strings.HasPrefix(cfg.Listen, ":") {
			baseURL = "http://127.0.0.1" + cfg.Listen
		}
		registry := sessions.NewRegistry(sessions.Config{
			SweepInterval: cfg.Sessions.SweepInterval.std(),
			ExpireAfter:   cfg.Sessions.ExpireAfter.std(),
			BaseURL:       baseURL,
		}, store, sup, bus)
		registry.Start()
		defer registry.Close()

		frontend := api.NewServer(sup, registry, store, bus, gw)

		serveErr := make(chan error, 1)
		go func() {
			serveErr <- frontend.Start(cfg.Listen)
		}()

		logger.Info().
			Str("listen", cfg.Listen).
			Str("data_dir", cfg.DataDir).
			Bool("lazy_start", cfg.lazyStart()).
			Msg("warden host started")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-serveErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(exitBind)
			}
		case s := <-sig:
			logger.Info().Str("signal", s.String()).Msg("shutting down")

			registry.Close()
			if err := sup.StopAll(); err != nil {
				logger.Warn().Err(err).Msg("stopping instances")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := frontend.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("frontend shutdown")
			}
		}
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the host config file (YAML)")
}

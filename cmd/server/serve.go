package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/packpanel/backend/internal/channel"
	"github.com/packpanel/backend/internal/config"
	"github.com/packpanel/backend/internal/directory"
	"github.com/packpanel/backend/internal/mock"
	"github.com/packpanel/backend/internal/stats"
	"github.com/packpanel/backend/internal/upstream"
	"github.com/packpanel/backend/internal/ws"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var mockMode bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the panel backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg := config.Default()
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			dir := directory.New(cfg.Servers, logger)
			var cleanup func()
			if mockMode {
				var err error
				dir, cleanup, err = startMock(logger)
				if err != nil {
					return err
				}
				defer cleanup()
			}

			counters := stats.NewCounters()
			connector := upstream.NewConnector(dir, dir, dir, upstream.ConnectorConfig{
				DialTimeout: cfg.Channel.DialTimeout,
				AuthTimeout: cfg.Channel.AuthTimeout,
			}, logger)
			policy := channel.Policy{
				Proc:               dir,
				ConsoleDelay:       cfg.Channel.ConsoleRetryDelay,
				ConsoleMaxAttempts: cfg.Channel.ConsoleMaxAttempts,
				LogDelay:           cfg.Channel.LogRetryDelay,
			}
			registry := channel.NewRegistry(connector, policy, channel.RegistryConfig{
				ConsoleRing:       cfg.Channel.ConsoleRing,
				LogRing:           cfg.Channel.LogRing,
				SubscriberBacklog: cfg.Channel.SubscriberBacklog,
				SubmitQueue:       cfg.Channel.SubmitQueue,
				IdleTimeout:       cfg.Channel.IdleTimeout,
			}, logger, counters)

			mux := http.NewServeMux()
			api := ws.NewServer(registry, dir, counters, cfg.Server.AllowedOrigins, cfg.Server.AuthToken, logger)
			api.SetupRoutes(mux)

			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			srv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-cmd.Context().Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(stopCtx); err != nil {
					logger.Warn("http shutdown failed", "err", err)
				}
			}()

			logger.Info("panel backend listening", "addr", addr, "servers", len(dir.List()), "mock", mockMode)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&mockMode, "mock", false, "run against a built-in fake game server")
	return cmd
}

// startMock launches the fake game server and log writer and returns a
// directory describing them.
func startMock(logger pslog.Logger) (*directory.Directory, func(), error) {
	const password = "mock"

	game := mock.NewGameServer(password, logger)
	addr, err := game.Start("127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}

	logPath := filepath.Join(os.TempDir(), "packpanel-mock.log")
	writer := mock.NewLogWriter(logPath, 2*time.Second, logger)
	if err := writer.Start(); err != nil {
		game.Stop()
		return nil, nil, err
	}

	dir := directory.New([]directory.ServerSpec{{
		ID:          "mock",
		Name:        "Mock Server",
		Game:        "mockcraft",
		Console:     &directory.ConsoleSpec{Addr: addr, Password: password},
		LogPath:     logPath,
		ContainerID: "mock-container",
	}}, logger)
	dir.SetRunning("mock", true)

	cleanup := func() {
		writer.Stop()
		game.Stop()
	}
	return dir, cleanup, nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"omemo/internal/config"
	"omemo/internal/relay"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var configPath, listen, redisAddr string
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Run the omemo relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Relay.Listen
			}
			if redisAddr == "" {
				redisAddr = cfg.Relay.Redis
			}
			return serve(cmd.Context(), listen, redisAddr, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "relay.yaml", "config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config, :8080)")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address; empty keeps state in memory")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, listen, redisAddr string, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dir relay.Directory = relay.NewMemoryDirectory()
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		rd := relay.NewRedisDirectory(rdb)
		defer rd.Close()
		dir = rd
		logger.WithField("redis", redisAddr).Info("using redis directory")
	}

	hub := relay.NewHub(ctx, dir, logrus.NewEntry(logger))
	defer hub.Close()

	srv := &http.Server{Addr: listen, Handler: hub.Router(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Infof("relay listening on %s", listen)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

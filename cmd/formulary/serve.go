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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"formulary/internal/agent"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the offline cache agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log, err := newLogger(v, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return serve(cmd.Context(), v, cfg, log)
		},
	}
}

func serve(parent context.Context, v *viper.Viper, cfg agent.Config, log *zap.Logger) error {
	svc, err := agent.NewService(cfg, log)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("agent listening", zap.String("addr", addr), zap.String("origin", cfg.Server.Origin), zap.String("generation", cfg.Generation))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	go func() {
		if err := svc.InstallConfigured(ctx); err != nil {
			log.Error("install", zap.Error(err))
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case <-hup:
			next, err := loadConfig(v)
			if err != nil {
				log.Error("reload config", zap.Error(err))
				continue
			}
			go func() {
				if err := svc.Reload(ctx, next); err != nil {
					log.Error("install after reload", zap.Error(err))
				}
			}()
		}
	}
}

// Command notifycore runs the notification delivery service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proxyshop/notifycore/internal/app"
	"github.com/proxyshop/notifycore/internal/config"
	"github.com/proxyshop/notifycore/internal/pkg/auth"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("notifycore failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	issueToken := flag.String("issue-token", "", "print a service token for the named producer and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	if *issueToken != "" {
		return printToken(cfg.Auth, *issueToken)
	}

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("server stopped", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return application.Shutdown(ctx)
}

func printToken(cfg config.AuthConfig, subject string) error {
	authenticator, err := auth.NewAuthenticator(auth.Config{
		Secret: cfg.Secret,
		Issuer: cfg.Issuer,
		TTL:    cfg.TokenTTL,
	})
	if err != nil {
		return err
	}

	token, err := authenticator.Issue(subject)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

// Package main is the antigravity-proxy entry point. It serves the
// Anthropic-compatible HTTP surface and carries the login/logout/status
// account subcommands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/cloudcode-dev/antigravity-proxy/internal/api"
	"github.com/cloudcode-dev/antigravity-proxy/internal/auth"
	"github.com/cloudcode-dev/antigravity-proxy/internal/config"
	"github.com/cloudcode-dev/antigravity-proxy/internal/logging"
)

const (
	exitOK          = 0
	exitStartup     = 1
	exitStoreBroken = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	_ = godotenv.Load()

	command := "serve"
	if len(args) > 0 && !isFlag(args[0]) {
		command = args[0]
		args = args[1:]
	}

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := flags.String("config", config.DefaultConfigPath(), "path to the config file")
	noBrowser := flags.Bool("no-browser", false, "print the login URL instead of opening a browser")
	email := flags.String("email", "", "account email (logout)")
	_ = flags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitStartup
	}
	if err = logging.Configure(cfg.Proxy.LogLevel, cfg.Proxy.LogDir); err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return exitStartup
	}

	store := auth.NewStore(cfg.TokenStorePath)
	if err = store.Load(); err != nil {
		log.WithError(err).Error("token store unreadable")
		if errors.Is(err, auth.ErrStoreCorrupt) {
			return exitStoreBroken
		}
		return exitStartup
	}
	manager := auth.NewManager(store, cfg.Auth.AccountEmail)

	switch command {
	case "serve":
		return serve(cfg, store, manager)
	case "login":
		return login(manager, !*noBrowser)
	case "logout":
		return logout(store, *email)
	case "status":
		return status(store)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, login, logout or status)\n", command)
		return exitStartup
	}
}

func isFlag(arg string) bool {
	return len(arg) > 0 && arg[0] == '-'
}

func serve(cfg *config.Config, store *auth.Store, manager *auth.Manager) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pick up logins performed by another process while serving.
	if err := auth.WatchStore(ctx, store); err != nil {
		log.WithError(err).Warn("token store watcher unavailable")
	}

	server := api.NewServer(cfg, store, manager)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server failed")
			return exitStartup
		}
		return exitOK
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	return exitOK
}

func login(manager *auth.Manager, openBrowser bool) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	account, err := manager.Login(ctx, openBrowser)
	if err != nil {
		fmt.Fprintln(os.Stderr, "login failed:", err)
		return exitStartup
	}
	fmt.Printf("logged in as %s\n", account.Email)
	if account.ProjectIDTransient {
		fmt.Printf("project id %s (transient; rediscovered on first request)\n", account.ProjectID)
	} else {
		fmt.Printf("project id %s\n", account.ProjectID)
	}
	return exitOK
}

func logout(store *auth.Store, email string) int {
	if email == "" {
		if first := store.First(); first != nil {
			email = first.Email
		}
	}
	if email == "" {
		fmt.Fprintln(os.Stderr, "no account to remove")
		return exitStartup
	}
	if err := store.Remove(email); err != nil {
		fmt.Fprintln(os.Stderr, "logout failed:", err)
		return exitStartup
	}
	fmt.Printf("removed %s\n", email)
	return exitOK
}

func status(store *auth.Store) int {
	accounts := store.List()
	if len(accounts) == 0 {
		fmt.Println("no accounts; run login first")
		return exitOK
	}
	for _, account := range accounts {
		state := "valid"
		if account.Expired(0) {
			state = "expired"
		}
		fmt.Printf("%s\tproject=%s\ttoken=%s\texpires=%s\n", account.Email, account.ProjectID, state, account.ExpiresAt)
	}
	return exitOK
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goliatone/go-command"
	"github.com/joho/godotenv"

	relay "github.com/goliatone/go-webhook-relay"
	"github.com/goliatone/go-webhook-relay/adapters/gocommand"
	"github.com/goliatone/go-webhook-relay/adapters/zerologger"
	"github.com/goliatone/go-webhook-relay/core"
	"github.com/goliatone/go-webhook-relay/ratelimit"
	"github.com/goliatone/go-webhook-relay/security"
	"github.com/goliatone/go-webhook-relay/transport"
)

const (
	envAdminToken    = "RELAY_ADMIN_TOKEN"
	envDeadLetterKey = "RELAY_DEAD_LETTER_KEY"
	envForwardSecret = "RELAY_FORWARD_SECRET"
	envLogLevel      = "RELAY_LOG_LEVEL"

	shutdownTimeout = 30 * time.Second
)

type options struct {
	configPath string
	forwardURL string
	console    bool
}

func main() {
	var (
		opts    options
		envFile string
	)
	flag.StringVar(&opts.configPath, "config", "", "path to a yaml or json config file")
	flag.StringVar(&opts.forwardURL, "forward-url", "", "downstream endpoint receiving verified payloads")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file with secrets")
	flag.BoolVar(&opts.console, "console", false, "human readable logs")
	flag.Parse()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "fatal: load env file:", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := relay.LoadConfig(ctx, core.FileRawConfigLoader{Path: opts.configPath}, core.Config{})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	root := zerologger.New(zerologger.Config{Level: os.Getenv(envLogLevel), Console: opts.console})
	loggers := zerologger.NewProvider(root)
	logger := loggers.GetLogger("relay.main")

	secrets, err := security.NewAESGCMSecretProviderFromString(os.Getenv(envDeadLetterKey), security.WithKeyID(cfg.DeadLetter.KeyID))
	if err != nil {
		return fmt.Errorf("%s: %w", envDeadLetterKey, err)
	}
	forwardOpts := []transport.ForwarderOption{
		transport.WithThrottle(ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore())),
	}
	if secret := os.Getenv(envForwardSecret); secret != "" {
		forwardOpts = append(forwardOpts, transport.WithSigningSecret([]byte(secret)))
	}
	forwarder, err := transport.NewForwarder(opts.forwardURL, forwardOpts...)
	if err != nil {
		return err
	}

	backend, err := openBackend(ctx, cfg, loggers)
	if err != nil {
		return err
	}
	defer backend.Close()

	runtimeOpts := append([]relay.Option{
		relay.WithSecretProvider(secrets),
		relay.WithLoggerProvider(loggers),
	}, backend.options...)
	runtime, err := relay.New(cfg, forwarder, runtimeOpts...)
	if err != nil {
		return err
	}

	adapter := gocommand.NewRegistryAdapter(command.NewRegistry())
	subscriptions, err := runtime.Facade().Subscribe(adapter)
	if err != nil {
		return err
	}
	defer func() {
		for _, subscription := range subscriptions {
			subscription.Unsubscribe()
		}
	}()
	if err := adapter.Initialize(); err != nil {
		return err
	}

	if err := runtime.Start(ctx); err != nil {
		return err
	}
	app := runtime.NewHTTPApp()
	if token := os.Getenv(envAdminToken); token != "" {
		mountAdmin(app, token)
	} else {
		logger.Warn("dead letter admin routes disabled", "env", envAdminToken)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTP.Addr)
		serveErr <- app.Listen(cfg.HTTP.Addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err = <-serveErr:
		logger.Error("http server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := errors.Join(
		app.ShutdownWithContext(shutdownCtx),
		runtime.Close(shutdownCtx),
	)
	return errors.Join(err, shutdownErr)
}

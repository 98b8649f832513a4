package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fineme/server/auth"
	"github.com/fineme/server/config"
	"github.com/fineme/server/db"
	"github.com/fineme/server/escrow"
	"github.com/fineme/server/handlers"
	"github.com/fineme/server/rollover"
	"github.com/fineme/server/session"
	"github.com/fineme/server/store"
	"github.com/fineme/server/waitlist"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load(os.Getenv("FINEME_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	if envErr != nil {
		logger.Info("File .env not found!")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	build := zap.NewProduction
	if cfg.Development() {
		build = zap.NewDevelopment
	}
	logger, err := build()
	if err != nil {
		panic(err)
	}
	return logger
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	conn, err := db.Open(db.Options{
		URL:                    cfg.Database.URL,
		CloudSQLConnectionName: cfg.Database.CloudSQLConnectionName,
		CloudSQLUser:           cfg.Database.CloudSQLUser,
		CloudSQLPassword:       cfg.Database.CloudSQLPassword,
		CloudSQLDatabase:       cfg.Database.CloudSQLDatabase,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}
	st := store.New(conn, logger)

	var esc escrow.Escrow = escrow.Noop{Log: logger}
	if cfg.Stripe.Key != "" {
		esc = escrow.NewStripe(cfg.Stripe.Key, logger)
	} else {
		logger.Warn("STRIPE_KEY not set, stakes will not be collected")
	}

	verifier, err := auth.NewClient(ctx, cfg.Firebase.CredentialsFile)
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.Options{
		Store:   st,
		Escrow:  esc,
		Limits:  cfg.Limits,
		Timing:  cfg.Timing,
		IdleTTL: cfg.Sessions.IdleTTL,
		Log:     logger,
	})
	defer sessions.Close()

	job := rollover.New(st, sessions, rollover.Options{
		Schedule: cfg.Rollover.Cron,
		Log:      logger,
	})
	if err := job.Start(ctx); err != nil {
		return err
	}
	defer job.Stop()

	wl := &waitlist.Service{
		Sender: cfg.Mailgun.Sender,
		Team:   cfg.Mailgun.Team,
		Log:    logger,
	}
	if cfg.Mailgun.Key != "" && cfg.Mailgun.Domain != "" {
		wl.Mailer = waitlist.NewMailgun(cfg.Mailgun.Domain, cfg.Mailgun.Key)
	}

	h := handlers.New(sessions, st, wl, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(h, verifier, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

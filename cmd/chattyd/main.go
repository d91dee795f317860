package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pliu/chatsync"
	"github.com/pliu/chatsync/internal/auth"
	"github.com/pliu/chatsync/internal/config"
	"github.com/pliu/chatsync/internal/diagnostic"
	"github.com/pliu/chatsync/internal/handlers"
	"github.com/pliu/chatsync/internal/logger"
)

var (
	addrFlag string
	jsonFlag bool
	rootCmd  = &cobra.Command{
		Use:          "chattyd",
		Short:        "Development backend for the chat sync core",
		SilenceUsage: true,
	}
)

func main() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve auth and the document store over HTTP and websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	serveCmd.Flags().StringVarP(&addrFlag, "addr", "a", "", "listen address (overrides CHATSYNC_HTTP_ADDR)")
	rootCmd.AddCommand(serveCmd)

	diagnoseCmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Check the users and chats collections for structural issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiagnose(cmd.Context())
		},
	}
	diagnoseCmd.Flags().BoolVar(&jsonFlag, "json", false, "print the report as JSON")
	rootCmd.AddCommand(diagnoseCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func load() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	if cfg.StoreDriver == config.DriverRemote {
		return nil, errors.New("chattyd needs a local store driver (memory, sqlite or postgres)")
	}
	return cfg, nil
}

func runServe(ctx context.Context) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	if cfg.AuthSecret == "" {
		return errors.New("CHATSYNC_AUTH_SECRET is required")
	}
	if addrFlag != "" {
		cfg.HTTPAddr = addrFlag
	}
	log := logger.WithLevel(logger.New("chattyd"), cfg.LogLevel)

	st, err := chatsync.OpenStore(cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Str("store_driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer st.Close()

	dir := auth.NewDirectory(st, []byte(cfg.AuthSecret), auth.WithLogger(log))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.NewRouter(st, dir, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store_driver", cfg.StoreDriver).Msg("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		log.Error().Stack().Err(err).Msg("server failed")
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func runDiagnose(ctx context.Context) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	log := logger.WithLevel(logger.New("chattyd"), cfg.LogLevel)

	st, err := chatsync.OpenStore(cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Str("store_driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer st.Close()

	report, err := diagnostic.Run(ctx, st)
	if err != nil {
		log.Error().Stack().Err(err).Msg("diagnostic failed")
		return err
	}
	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		report.Log(log)
	}
	if !report.OK() {
		return fmt.Errorf("%d issues found", len(report.Issues))
	}
	return nil
}

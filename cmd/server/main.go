package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	ragchatui "github.com/MegaGrindStone/rag-chat-ui"
	"github.com/MegaGrindStone/rag-chat-ui/internal/handlers"
	"github.com/MegaGrindStone/rag-chat-ui/internal/logging"
	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
	"github.com/MegaGrindStone/rag-chat-ui/internal/services"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	appName      = "ragchatui"
	errLoggerKey = "err"

	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          appName,
		Short:        "Chat with a RAG backend from the browser",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	cmd.Flags().String("config", "", "config file (default <user config dir>/ragchatui/config.yaml)")
	cmd.Flags().String("port", "", "port to listen on, overrides the config file")
	cmd.Flags().String("log-level", "", "log level (debug, info, warn, error), overrides the config file")

	for _, name := range []string{"config", "port", "log-level"} {
		cobra.CheckErr(v.BindPFlag(name, cmd.Flags().Lookup(name)))
	}
	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	appDir := filepath.Join(cfgDir, appName)
	if err := os.MkdirAll(appDir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	cfg, err := readConfig(v, appDir)
	if err != nil {
		return err
	}

	logger, syncLogs, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("error creating logger: %w", err)
	}
	defer syncLogs()

	b, err := cfg.Backend.backend(logger)
	if err != nil {
		return fmt.Errorf("error creating backend: %w", err)
	}

	boltDB, err := services.NewBoltDB(filepath.Join(appDir, "store.db"), models.Preferences{
		DeveloperMessage: cfg.DeveloperMessage,
	})
	if err != nil {
		return err
	}
	defer boltDB.Close()

	if b.health != nil {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := b.health(healthCtx); err != nil {
			logger.Warn("Backend is not reachable yet", slog.String(errLoggerKey, err.Error()))
		}
		cancel()
	}

	model := cfg.Model
	if b.model != "" {
		model = b.model
	}
	opts := []handlers.MainOption{
		handlers.WithModel(model),
		handlers.WithChunkSize(cfg.ChunkSize),
	}
	if !b.requireAPIKey {
		opts = append(opts, handlers.WithoutAPIKey())
	}
	if b.docs != nil {
		opts = append(opts, handlers.WithDocuments(b.docs, b.status))
		// Failures are logged by the poller, the page shows "no document" until a refresh succeeds.
		_ = b.status.Refresh(ctx)
	}

	m, err := handlers.NewMain(b.transport, boltDB, logger, opts...)
	if err != nil {
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(ragchatui.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/documents", m.HandleDocuments)
	mux.HandleFunc("/documents/status", m.HandleDocumentStatus)
	mux.HandleFunc("/sse/messages", m.HandleSSE)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdownDone := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(shutdownDone)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port), slog.String("model", model))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
		<-shutdownDone
	}

	return nil
}

// readConfig loads the config file and applies flag and environment overrides. A missing file is only an
// error when its path was given explicitly.
func readConfig(v *viper.Viper, appDir string) (config, error) {
	path := v.GetString("config")
	explicit := path != ""
	if !explicit {
		path = filepath.Join(appDir, "config.yaml")
	}

	cfg, err := loadConfig(path)
	if err != nil && (explicit || !errors.Is(err, fs.ErrNotExist)) {
		return config{}, fmt.Errorf("error loading config file %s: %w", path, err)
	}

	if port := v.GetString("port"); port != "" {
		cfg.Port = port
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/koko-u/log-collectors/internal/api"
	"github.com/koko-u/log-collectors/internal/archive"
	"github.com/koko-u/log-collectors/internal/cli"
	"github.com/koko-u/log-collectors/internal/config"
	"github.com/koko-u/log-collectors/internal/ingest"
	"github.com/koko-u/log-collectors/internal/server"
	"github.com/koko-u/log-collectors/internal/storage"
	"github.com/koko-u/log-collectors/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "logcollectors",
		Short:         "Collect and query access logs",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env never overrides variables that are already set.
			return config.LoadDotEnv(".")
		},
	}
	rootCmd.PersistentFlags().StringP("server", "s", "", "Server URL, e.g. http://127.0.0.1:3000 (env LOGCOLLECTORS_SERVER)")

	rootCmd.AddCommand(
		serveCmd(),
		getCmd(),
		postCmd(),
		uploadCmd(),
		tailCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the log collector HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Address to listen on (default "+config.DefaultAddr+")")
	cmd.Flags().String("database-url", "", "postgres://..., sqlite:<path> or memory: (env DATABASE_URL)")
	cmd.Flags().String("config-dir", ".", "Directory containing logcollectors.{yaml,toml,json}")
	cmd.Flags().String("log-level", "", "debug, info, warn or error")
	return cmd
}

func loadServeConfig(cmd *cobra.Command) (*config.Config, string, error) {
	dir, _ := cmd.Flags().GetString("config-dir")
	if dir != "." {
		if err := config.LoadDotEnv(dir); err != nil {
			return nil, "", err
		}
	}

	cfg, filename, err := config.Load(dir)
	if err != nil {
		return nil, filename, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, filename, err
	}

	// Flags win over file and environment.
	if cmd.Flags().Changed("addr") {
		cfg.Addr, _ = cmd.Flags().GetString("addr")
	}
	if cmd.Flags().Changed("database-url") {
		cfg.DatabaseURL, _ = cmd.Flags().GetString("database-url")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, filename, err
	}
	return cfg, filename, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, filename, err := loadServeConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up logger
	level, _ := config.ParseLevel(cfg.LogLevel)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	if filename != "" {
		log.Info("loaded config", "file", filename)
	}

	// Sentry error tracking
	sentryEnabled := false
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: version.Version,
		}); err != nil {
			log.Error("sentry init failed", "error", err)
		} else {
			sentryEnabled = true
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Initialize storage
	log.Info("initializing storage")
	store, err := storage.Open(cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	archiver, err := newArchiver(cmd.Context(), cfg.Archive, log)
	if err != nil {
		return fmt.Errorf("initialize archive: %w", err)
	}
	if archiver != nil {
		defer archiver.Close()
		log.Info("archiving uploads", "kind", cfg.Archive.Kind)
	}

	// Create components
	pipeline := ingest.NewPipeline(store, ingest.Options{
		TempDir:  cfg.TempDir,
		Archiver: archiver,
		Log:      log,
	})
	stream := server.NewLogStreamHandler(log)
	handler := server.NewHandler(store, server.Options{
		Pipeline:       pipeline,
		Stream:         stream,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Sentry:         sentryEnabled,
		Log:            log,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", cfg.Addr, "version", version.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	ctx := cmd.Context()
	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down server", "timeout", cfg.ShutdownTimeout.Duration())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
		defer cancel()
		stream.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", "error", err)
		}
	}

	return nil
}

func newArchiver(ctx context.Context, cfg config.Archive, log *slog.Logger) (archive.Archiver, error) {
	switch cfg.Kind {
	case config.ArchiveFilesystem:
		return archive.NewFilesystemArchive(cfg.Dir, log)
	case config.ArchiveS3:
		return archive.NewS3Archive(ctx, archive.S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			Prefix:          cfg.Prefix,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		}, log)
	default:
		return nil, nil
	}
}

// --- client commands ---

func newClient(cmd *cobra.Command) (*cli.Client, error) {
	serverURL, _ := cmd.Flags().GetString("server")
	if !cmd.Flags().Changed("server") {
		if env := os.Getenv("LOGCOLLECTORS_SERVER"); env != "" {
			serverURL = env
		}
	}
	return cli.NewClient(serverURL, slog.Default())
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print stored logs as JSON or CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			formatStr, _ := cmd.Flags().GetString("format")
			format, err := cli.ParseFormat(formatStr)
			if err != nil {
				return err
			}
			rng, err := rangeFlags(cmd)
			if err != nil {
				return err
			}
			return c.Get(cmd.Context(), format, rng, os.Stdout)
		},
	}
	cmd.Flags().StringP("format", "f", string(cli.FormatJSON), "Output format: json or csv")
	cmd.Flags().String("from", "", "Only logs at or after this RFC 3339 time")
	cmd.Flags().String("until", "", "Only logs at or before this RFC 3339 time")
	return cmd
}

func rangeFlags(cmd *cobra.Command) (api.DateTimeRange, error) {
	from, _ := cmd.Flags().GetString("from")
	until, _ := cmd.Flags().GetString("until")
	q := map[string][]string{}
	if from != "" {
		q["from"] = []string{from}
	}
	if until != "" {
		q["until"] = []string{until}
	}
	return api.ParseDateTimeRange(q)
}

func postCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "post",
		Short: "Post headerless CSV logs read from stdin",
		Long: `Reads rows of user_agent,response_time[,timestamp] from stdin and
posts each one. Malformed rows are reported and skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			if term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprintln(os.Stderr, "Reading CSV rows from stdin (user_agent,response_time[,timestamp]); end with Ctrl-D.")
			}
			res, err := c.Post(cmd.Context(), os.Stdin)
			if res.Posted > 0 || res.Skipped > 0 {
				fmt.Fprintf(os.Stderr, "posted %d logs, skipped %d malformed rows\n", res.Posted, res.Skipped)
			}
			return err
		},
	}
}

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload CSV files for bulk ingestion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			n, err := c.Upload(cmd.Context(), args)
			if err != nil {
				return err
			}
			fmt.Println(api.CSVResponse{Count: n})
			return nil
		},
	}
}

func tailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Follow newly stored logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			return c.Tail(cmd.Context(), os.Stdout)
		},
	}
}

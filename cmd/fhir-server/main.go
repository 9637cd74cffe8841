package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirvault/fhirvault/internal/config"
	"github.com/fhirvault/fhirvault/internal/platform/auth"
	"github.com/fhirvault/fhirvault/internal/platform/bucket"
	"github.com/fhirvault/fhirvault/internal/platform/couch"
	"github.com/fhirvault/fhirvault/internal/platform/fhir"
	"github.com/fhirvault/fhirvault/internal/platform/group"
	"github.com/fhirvault/fhirvault/internal/platform/middleware"
	"github.com/fhirvault/fhirvault/internal/platform/validate"
)

const (
	version  = "1.0.0"
	connName = "primary"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-server",
		Short: "FHIR R4 server backed by Couchbase",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(provisionCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func provisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a bucket for FHIR: scopes, collections, FTS indexes, config document",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("bucket")
			if name == "" {
				return fmt.Errorf("--bucket is required")
			}
			mode, _ := cmd.Flags().GetString("validation-mode")
			profile, _ := cmd.Flags().GetString("profile")
			fastpath, _ := cmd.Flags().GetBool("fastpath")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			gw := couch.NewGateway(time.Duration(cfg.CircuitResetTimeoutMS)*time.Millisecond, logger)
			if err := gw.Connect(connName, cfg.CouchbaseURL, cfg.CouchbaseUser, cfg.CouchbasePassword); err != nil {
				return fmt.Errorf("connect to couchbase: %w", err)
			}
			defer gw.Close()

			fmt.Printf("Provisioning bucket %s\n", name)
			if err := gw.Provision(connName, name, fhir.ResourceScopeLayout(), fhir.IndexDefinitions(name)); err != nil {
				return err
			}

			store := couch.NewClusterStore(gw, connName)
			buckets := bucket.NewService(store, logger,
				time.Duration(cfg.BucketConfigTTLSec)*time.Second, cfg.FastpathEnabled)
			err = buckets.WriteConfig(context.Background(), name, bucket.Config{
				IsFHIR:          true,
				ValidationMode:  mode,
				Profile:         profile,
				FastpathEnabled: &fastpath,
			})
			if err != nil {
				return err
			}

			fmt.Println("Bucket provisioned. The server will serve it at /fhir/" + name)
			return nil
		},
	}
	cmd.Flags().String("bucket", "", "Bucket to provision (must already exist in Couchbase)")
	cmd.Flags().String("validation-mode", validate.ModeLenient, "Validation mode: disabled, lenient or strict")
	cmd.Flags().String("profile", "", "Validation profile, e.g. us-core")
	cmd.Flags().Bool("fastpath", true, "Enable the fastpath search for this bucket")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API token for a bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			bkt, _ := cmd.Flags().GetString("bucket")
			subject, _ := cmd.Flags().GetString("subject")
			if bkt == "" || subject == "" {
				return fmt.Errorf("--bucket and --subject are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.TokenSecret == "" {
				return fmt.Errorf("TOKEN_SECRET must be set to issue tokens")
			}
			logger := newLogger(cfg)

			gw := couch.NewGateway(time.Duration(cfg.CircuitResetTimeoutMS)*time.Millisecond, logger)
			if err := gw.Connect(connName, cfg.CouchbaseURL, cfg.CouchbaseUser, cfg.CouchbasePassword); err != nil {
				return fmt.Errorf("connect to couchbase: %w", err)
			}
			defer gw.Close()

			store := couch.NewClusterStore(gw, connName)
			tokens := auth.NewService(store, logger, cfg.TokenSecret,
				time.Duration(cfg.APITokenValidityDays)*24*time.Hour, time.Minute)

			token, record, err := tokens.Issue(context.Background(), bkt, subject)
			if err != nil {
				return err
			}
			fmt.Printf("Issued token %s for %s (expires %s):\n%s\n",
				record.JTI, subject, record.ExpiresAt.Format(time.RFC3339), token)
			return nil
		},
	}
	issueCmd.Flags().String("bucket", "", "Bucket the token grants access to")
	issueCmd.Flags().String("subject", "", "Subject the token identifies")

	cmd.AddCommand(issueCmd)
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	// Couchbase
	gw := couch.NewGateway(time.Duration(cfg.CircuitResetTimeoutMS)*time.Millisecond, logger)
	if err := gw.Connect(connName, cfg.CouchbaseURL, cfg.CouchbaseUser, cfg.CouchbasePassword); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to couchbase")
	}
	defer gw.Close()
	logger.Info().Str("url", cfg.CouchbaseURL).Msg("connected to couchbase")

	store := couch.NewClusterStore(gw, connName)

	// Services
	buckets := bucket.NewService(store, logger,
		time.Duration(cfg.BucketConfigTTLSec)*time.Second, cfg.FastpathEnabled)
	validator := validate.NewPipeline(logger)
	engine := fhir.NewEngine(store, logger, cfg.SearchMaxCountPerPage, cfg.SearchMaxBundleSize)
	writer := fhir.NewWriter(store, engine, logger)
	history := fhir.NewHistory(store, logger, cfg.SearchMaxCountPerPage)
	txproc := fhir.NewTxProcessor(store, writer, logger, cfg.TransactionMaxEntries)
	groups := group.NewEngine(engine, writer, logger, cfg.GroupMaxMembers)
	tokens := auth.NewService(store, logger, cfg.TokenSecret,
		time.Duration(cfg.APITokenValidityDays)*24*time.Hour, time.Minute)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, "If-Match", "If-None-Exist", "Prefer"},
	}))

	couch.RegisterHealthRoutes(e, gw, connName, version)

	fhirGroup := e.Group("/fhir/:bucket", auth.RequireToken(tokens, cfg.AuthEnabled))
	fhirHandler := fhir.NewHandler(engine, writer, history, txproc, buckets, validator, logger, cfg.SearchMaxCountPerPage)
	fhirHandler.RegisterRoutes(fhirGroup)

	adminGroup := e.Group("/admin", auth.RequireToken(tokens, cfg.AuthEnabled))
	group.NewHandler(groups, logger).RegisterRoutes(adminGroup)
	auth.NewHandler(tokens, logger).RegisterRoutes(adminGroup)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

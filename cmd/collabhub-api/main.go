package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collabhub/hub/internal/access"
	"github.com/collabhub/hub/internal/config"
	"github.com/collabhub/hub/internal/database"
	"github.com/collabhub/hub/internal/documents"
	"github.com/collabhub/hub/internal/hub"
	"github.com/collabhub/hub/internal/identity"
	"github.com/collabhub/hub/internal/logging"
	"github.com/collabhub/hub/internal/metrics"
	"github.com/collabhub/hub/internal/presence"
	"github.com/collabhub/hub/internal/replica"
	"github.com/collabhub/hub/internal/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "collabhub-api",
		Short: "Realtime collaborative document hub",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMintTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newMintTokenCmd() *cobra.Command {
	var subject string
	var email string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Mint a development bearer token for a user",
		Long: "Signs a handshake bearer token directly, bypassing the external " +
			"credential issuer a production deployment sits behind. Local " +
			"development and integration testing only.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMintToken(cmd.Context(), subject, email, ttl)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id to mint a token for")
	cmd.Flags().StringVar(&email, "email", "", "email to upsert for the user record")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to the issuer's own default)")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func runMintToken(ctx context.Context, subject, email string, ttl time.Duration) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := documents.NewStore(db, time.Now, logger)
	if err != nil {
		return err
	}
	if err := store.UpsertUser(ctx, documents.UserID(subject), email); err != nil {
		return err
	}

	issuer, err := identity.NewDevIssuer(identity.DevIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      ttl,
	})
	if err != nil {
		return err
	}

	token, expiresIn, err := issuer.IssueToken(subject)
	if err != nil {
		return err
	}
	fmt.Println(token)
	logger.Info("minted development bearer token", zap.String("subject", subject), zap.Int64("expires_in_seconds", expiresIn))
	return nil
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("cors-origin", defaults.GetString("http.cors_origin"), "Allowed CORS origin, or * for any")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("token-issuer", defaults.GetString("token.issuer"), "Expected JWT issuer claim")
	cmd.PersistentFlags().String("token-audience", defaults.GetString("token.audience"), "Expected JWT audience claim")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.cors_origin", "cors-origin")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.signing_secret", "signing-secret")
	bindFlag(cmd, "token.issuer", "token-issuer")
	bindFlag(cmd, "token.audience", "token-audience")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := documents.NewStore(db, time.Now, logger)
	if err != nil {
		return err
	}

	validator, err := identity.NewHandshakeValidator(identity.ValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
	}, store)
	if err != nil {
		return err
	}

	resolver := access.NewResolver(store)
	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)
	rooms := presence.NewRegistry()
	persistor := snapshot.NewPersistor(store, logger)

	replicas := replica.NewRegistry(persistor, rooms, replica.Config{
		SaveInterval:         appConfig.SaveInterval,
		UpdateThreshold:      appConfig.UpdateThreshold,
		InactiveTimeout:      appConfig.InactiveTimeout,
		CleanupCheckInterval: appConfig.CleanupInterval,
	}, logger, metricsRegistry)
	defer replicas.Shutdown()

	hubServer, err := hub.NewServer(hub.Dependencies{
		Validator: validator,
		Access:    resolver,
		Replicas:  replicas,
		Rooms:     rooms,
		Metrics:   metricsRegistry,
		Logger:    logger,
		Config: hub.Config{
			CORSOrigin:      appConfig.CORSOrigin,
			OutboundBuffer:  appConfig.OutboundBuffer,
			RateLimitPerSec: appConfig.RateLimitPerSec,
			RateLimitBurst:  appConfig.RateLimitBurst,
		},
	})
	if err != nil {
		return err
	}
	defer hubServer.Shutdown()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: hubServer.Router(),
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/workbenchlabs/casedesk/internal/auth"
	"github.com/workbenchlabs/casedesk/internal/cases"
	"github.com/workbenchlabs/casedesk/internal/collab"
	"github.com/workbenchlabs/casedesk/internal/config"
	"github.com/workbenchlabs/casedesk/internal/database"
	"github.com/workbenchlabs/casedesk/internal/logging"
	"github.com/workbenchlabs/casedesk/internal/server"
	"github.com/workbenchlabs/casedesk/internal/users"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "casedesk-api",
		Short: "Casedesk warranty case collaboration service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Editor token TTL in minutes")
	cmd.PersistentFlags().Int("lock-ttl-seconds", defaults.GetInt("collab.lock_ttl_seconds"), "Field lock TTL in seconds")
	cmd.PersistentFlags().Int("sweep-interval-seconds", defaults.GetInt("collab.sweep_interval_seconds"), "Expired lock sweep interval in seconds")
	cmd.PersistentFlags().Int("heartbeat-interval-seconds", defaults.GetInt("collab.heartbeat_interval_seconds"), "Stream heartbeat interval in seconds")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "collab.lock_ttl_seconds", "lock-ttl-seconds")
	bindFlag(cmd, "collab.sweep_interval_seconds", "sweep-interval-seconds")
	bindFlag(cmd, "collab.heartbeat_interval_seconds", "heartbeat-interval-seconds")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "casedesk-auth",
		Audience:      "casedesk-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	casesService, err := cases.NewService(cases.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: cases.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lockRegistry := collab.NewLockRegistry(collab.LockRegistryConfig{
		TTL:           appConfig.LockTTL,
		SweepInterval: appConfig.SweepInterval,
		Logger:        logger,
	})
	lockRegistry.Start(signalCtx)

	connectionRegistry := collab.NewConnectionRegistry(collab.ConnectionRegistryConfig{
		Locks:             lockRegistry,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger,
	})
	connectionRegistry.Start(signalCtx)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Cases:        casesService,
		Users:        usersService,
		Locks:        lockRegistry,
		Connections:  connectionRegistry,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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

// newTokenCommand issues a signed editor token, so a field tech can be handed
// credentials without standing up the identity provider.
func newTokenCommand() *cobra.Command {
	var userID string
	var displayName string

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an editor bearer token",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        "casedesk-auth",
				Audience:      "casedesk-api",
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueEditorToken(cmd.Context(), userID, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}

	tokenCmd.Flags().StringVar(&userID, "user", "", "User identifier (token subject)")
	tokenCmd.Flags().StringVar(&displayName, "name", "", "Display name shown to other editors")
	_ = tokenCmd.MarkFlagRequired("user")

	return tokenCmd
}

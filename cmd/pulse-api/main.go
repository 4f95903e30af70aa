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

	"github.com/MarcoPoloResearchLab/pulse/internal/app"
	"github.com/MarcoPoloResearchLab/pulse/internal/auth"
	"github.com/MarcoPoloResearchLab/pulse/internal/config"
	"github.com/MarcoPoloResearchLab/pulse/internal/database"
	"github.com/MarcoPoloResearchLab/pulse/internal/logging"
	"github.com/MarcoPoloResearchLab/pulse/internal/realtime"
	"github.com/MarcoPoloResearchLab/pulse/internal/realtime/natsbus"
	"github.com/MarcoPoloResearchLab/pulse/internal/realtime/phoenix"
	"github.com/MarcoPoloResearchLab/pulse/internal/server"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulse-api",
		Short: "Pulse realtime notification and presence service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to call the API with credentials")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("realtime-provider", defaults.GetString("realtime.provider"), "Realtime provider (memory, phoenix, nats)")
	cmd.PersistentFlags().String("realtime-url", defaults.GetString("realtime.url"), "Realtime endpoint URL")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "realtime.provider", "realtime-provider")
	bindFlag(cmd, "realtime.url", "realtime-url")
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

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		avatarURL   string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(cmd.Context(), auth.SessionClaims{
				UserID:          userID,
				UserEmail:       email,
				UserDisplayName: displayName,
				UserAvatarURL:   avatarURL,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id carried by the token")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().StringVar(&displayName, "display-name", "", "User display name")
	cmd.Flags().StringVar(&avatarURL, "avatar-url", "", "User avatar URL")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	provider, publisher, closeProvider, err := openRealtime(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeProvider()

	clock := clockwork.NewRealClock()
	dispatcher := server.NewRealtimeDispatcher(clock, logger)
	application, err := app.New(app.Config{
		Database:  db,
		Settings:  appConfig,
		Provider:  provider,
		Publisher: publisher,
		Events:    dispatcher,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer application.Close()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       validator,
		App:            application,
		Realtime:       dispatcher,
		AllowedOrigins: appConfig.AllowedOrigins,
		Clock:          clock,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("realtime_provider", appConfig.Realtime.Provider))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// openRealtime builds the configured realtime provider. The publisher is nil
// when the provider observes row changes on its own.
func openRealtime(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (realtime.Provider, realtime.Publisher, func(), error) {
	switch appConfig.Realtime.Provider {
	case config.RealtimeProviderPhoenix:
		client, err := phoenix.Dial(ctx, phoenix.Config{
			URL:    appConfig.Realtime.URL,
			APIKey: appConfig.Realtime.APIKey,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return client, nil, func() {
			if err := client.Close(); err != nil {
				logger.Warn("phoenix client close failed", zap.Error(err))
			}
		}, nil
	case config.RealtimeProviderNATS:
		conn, err := natsbus.Connect(appConfig.Realtime.URL, "pulse-api", logger)
		if err != nil {
			return nil, nil, nil, err
		}
		bus, err := natsbus.New(natsbus.Config{
			Transport: natsbus.NewConnTransport(conn),
			Prefix:    appConfig.Realtime.SubjectPrefix,
			Logger:    logger,
		})
		if err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
		return bus, bus, func() {
			if err := conn.Drain(); err != nil {
				logger.Warn("nats drain failed", zap.Error(err))
			}
		}, nil
	default:
		broker := realtime.NewBroker()
		return broker, broker, func() {}, nil
	}
}

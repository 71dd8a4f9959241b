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

	"github.com/MarcoPoloResearchLab/annohub/internal/auth"
	"github.com/MarcoPoloResearchLab/annohub/internal/client"
	"github.com/MarcoPoloResearchLab/annohub/internal/config"
	"github.com/MarcoPoloResearchLab/annohub/internal/database"
	"github.com/MarcoPoloResearchLab/annohub/internal/hub"
	"github.com/MarcoPoloResearchLab/annohub/internal/logging"
	"github.com/MarcoPoloResearchLab/annohub/internal/protocol"
	"github.com/MarcoPoloResearchLab/annohub/internal/server"
	"github.com/MarcoPoloResearchLab/annohub/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "annohub",
		Short: "Realtime annotation collaboration hub",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.Flags().Duration("profile-retention", defaults.GetDuration("database.profile_retention"), "Forget profiles not seen for this long at startup (0 keeps them)")
	cmd.Flags().Bool("auth-required", defaults.GetBool("auth.required"), "Reject connections without a valid session token")
	cmd.Flags().Duration("heartbeat-interval", defaults.GetDuration("hub.heartbeat_interval"), "Interval between pings and idle sweeps")
	cmd.Flags().Duration("idle-timeout", defaults.GetDuration("hub.idle_timeout"), "Evict connections silent for longer than this")
	cmd.Flags().Duration("lock-lease", defaults.GetDuration("hub.lock_lease"), "Annotation lock lease")
	cmd.Flags().String("redis-url", "", "Redis URL for presence fan-out (optional)")
	cmd.Flags().StringSlice("allowed-origins", nil, "Browser origins allowed to connect with credentials")

	bindPersistentFlag(cmd, "log.level", "log-level")
	bindPersistentFlag(cmd, "log.encoding", "log-encoding")
	bindPersistentFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.profile_retention", "profile-retention")
	bindFlag(cmd, "auth.required", "auth-required")
	bindFlag(cmd, "hub.heartbeat_interval", "heartbeat-interval")
	bindFlag(cmd, "hub.idle_timeout", "idle-timeout")
	bindFlag(cmd, "hub.lock_lease", "lock-lease")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
}

func bindPersistentFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
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

	directory, err := users.NewDirectory(users.DirectoryConfig{Database: db})
	if err != nil {
		return err
	}
	if appConfig.ProfileRetention > 0 {
		pruned, err := directory.Prune(ctx, time.Now().Add(-appConfig.ProfileRetention))
		if err != nil {
			return err
		}
		logger.Info("stale profiles pruned", zap.Int64("count", pruned), zap.Duration("retention", appConfig.ProfileRetention))
	}

	var sessions server.SessionValidator
	if appConfig.AuthSigningSecret != "" {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
			Issuer:        appConfig.AuthIssuer,
			CookieName:    appConfig.AuthCookieName,
		})
		if err != nil {
			return err
		}
		sessions = validator
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := hub.NewMetrics(registry)
	if err != nil {
		return err
	}

	var publisher hub.PresencePublisher
	if appConfig.RedisURL != "" {
		redisPublisher, err := hub.DialRedisPublisher(ctx, appConfig.RedisURL, appConfig.RedisChannel)
		if err != nil {
			return err
		}
		defer redisPublisher.Close() //nolint:errcheck
		logger.Info("presence fan-out enabled", zap.String("channel", redisPublisher.Channel()))
		publisher = redisPublisher
	}

	realtimeHub, err := hub.New(hub.Config{
		IDProvider:     hub.NewUUIDProvider(),
		Logger:         logger,
		Metrics:        metrics,
		Publisher:      publisher,
		IdleTimeout:    appConfig.IdleTimeout,
		LockLease:      appConfig.LockLease,
		SendQueueSize:  appConfig.SendQueueSize,
		MaxConnections: appConfig.MaxConnections,
		MaxRooms:       appConfig.MaxRooms,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:            realtimeHub,
		Sessions:       sessions,
		Directory:      directory,
		Gatherer:       registry,
		Logger:         logger,
		AuthRequired:   appConfig.AuthRequired,
		AllowedOrigins: appConfig.AllowedOrigins,
		Limits: server.ConnectionLimits{
			HeartbeatInterval: appConfig.HeartbeatInterval,
			MessageRate:       appConfig.MessageRate,
			MessageBurst:      appConfig.MessageBurst,
			MaxMessageBytes:   appConfig.MaxMessageBytes,
		},
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go realtimeHub.Run(signalCtx, appConfig.HeartbeatInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.Bool("auth_required", appConfig.AuthRequired))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		realtimeHub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		realtimeHub.Shutdown()
		return err
	}
}

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		avatarRef   string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(viper.GetString("auth.signing_secret")),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(auth.SessionIdentity{
				UserID:      userID,
				DisplayName: displayName,
				AvatarRef:   avatarRef,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User the token vouches for")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name claim")
	cmd.Flags().StringVar(&avatarRef, "avatar-ref", "", "Avatar reference claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newWatchCommand() *cobra.Command {
	var (
		endpoint    string
		documentID  string
		userID      string
		displayName string
		token       string
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a document room and log every event it broadcasts",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.encoding"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			dialer, err := client.NewWebsocketDialer(client.WebsocketDialerConfig{
				URL:         endpoint,
				DocumentID:  documentID,
				UserID:      userID,
				DisplayName: displayName,
				AuthToken:   token,
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			failed := make(chan struct{}, 1)
			controller, err := client.NewController(client.ControllerConfig{
				Dialer:      dialer,
				Logger:      logger,
				MaxAttempts: maxAttempts,
				OnStateChange: func(change client.StateChange) {
					logger.Info("connection state", zap.Stringer("state", change.State), zap.Int("attempt", change.Attempt), zap.Error(change.Err))
					if change.State == client.StateFailed {
						select {
						case failed <- struct{}{}:
						default:
						}
					}
				},
				OnMessage: func(envelope protocol.Envelope) {
					logger.Info("event", zap.String("type", envelope.Type), zap.ByteString("payload", envelope.Payload))
				},
			})
			if err != nil {
				return err
			}
			defer controller.Close() //nolint:errcheck

			if err := controller.Start(signalCtx); err != nil {
				return err
			}

			select {
			case <-signalCtx.Done():
				return nil
			case <-failed:
				return client.ErrFailed
			}
		},
	}
	cmd.Flags().StringVar(&endpoint, "url", "ws://localhost:8080/ws", "Hub websocket endpoint")
	cmd.Flags().StringVar(&documentID, "document-id", "", "Document room to join")
	cmd.Flags().StringVar(&userID, "user-id", "", "User to connect as")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name shown to the room")
	cmd.Flags().StringVar(&token, "token", "", "Session token")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 10, "Reconnect attempts before giving up (defaults to 10 when not positive)")
	_ = cmd.MarkFlagRequired("document-id")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

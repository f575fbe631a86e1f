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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/remote-agent-terminal/gateway/api/handlers"
	"github.com/remote-agent-terminal/gateway/internal/auth"
	"github.com/remote-agent-terminal/gateway/internal/backplane"
	"github.com/remote-agent-terminal/gateway/internal/config"
	"github.com/remote-agent-terminal/gateway/internal/db"
	"github.com/remote-agent-terminal/gateway/internal/logger"
	"github.com/remote-agent-terminal/gateway/internal/modules/chat"
	"github.com/remote-agent-terminal/gateway/internal/modules/cursor"
	"github.com/remote-agent-terminal/gateway/internal/modules/presence"
	"github.com/remote-agent-terminal/gateway/internal/pty"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
	"github.com/remote-agent-terminal/gateway/internal/repository"
	"github.com/remote-agent-terminal/gateway/internal/terminal"
	"github.com/remote-agent-terminal/gateway/internal/ws"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.Int("port", 8080, "HTTP listen port")
	f.String("db_path", "data/gateway.db", "SQLite database path")
	f.String("log_level", "info", "log level (debug, info, warn, error)")
	f.String("log_format", "console", "log format (console or json)")
	f.Bool("auth.allow_anonymous", true, "admit connections without a valid credential as anonymous")
	f.String("backplane.driver", "memory", "backplane driver (memory or nats)")
	f.String("backplane.nats_url", "nats://localhost:4222", "NATS server URL")
	f.Duration("backplane.member_ttl", 30*time.Second, "lifetime of a crashed node's room memberships and terminal claims")
	f.String("terminal.record_dir", "", "directory for asciinema recordings; empty disables recording")
	f.Bool("terminal.require_auth", false, "refuse terminal attach from anonymous connections")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := openDB(cfg); err != nil {
		return err
	}
	defer db.ResetDB()
	database := db.GetDB()

	users := repository.NewUserRepository(database)
	targets := repository.NewTargetRepository(database)
	sessions := repository.NewTerminalSessionRepository(database)

	if cfg.Auth.Secret == "" {
		log.Warn().Str("module", "server").Msg("auth.secret is empty, every connection will be anonymous")
	}
	authenticator := auth.NewAuthenticator(cfg.Auth.Secret, users, cfg.Auth.AllowAnonymous)

	bp, err := openBackplane(cfg.Backplane)
	if err != nil {
		return err
	}

	gw := realtime.NewGateway(bp, authenticator)
	deps := gw.Deps()
	// Both backplanes hold terminal claims so a target runs on one node.
	lease, _ := bp.(terminal.Lease)

	mux := terminal.NewMultiplexer(
		pty.NewProvider(targets, cfg.Terminal.Rows, cfg.Terminal.Cols),
		deps,
		terminal.Options{
			GracePeriod:  cfg.Terminal.GracePeriod,
			HistoryBytes: cfg.Terminal.HistoryBytes,
			Node:         bp.NodeID(),
			NewRecorder:  recorderFactory(cfg.Terminal),
			Log:          sessions,
			Lease:        lease,
		},
	)
	chatModule := chat.NewModule(deps, nil)
	for _, m := range []realtime.Module{
		presence.NewModule(deps),
		terminal.NewModule(deps, mux, terminal.ModuleOptions{RequireAuth: cfg.Terminal.RequireAuth}),
		chatModule,
		cursor.NewModule(deps),
	} {
		if err := gw.Register(m); err != nil {
			return err
		}
	}
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	switch cfg.Mode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	}
	r := gin.Default()
	r.Use(corsMiddleware())

	api := r.Group("/api", handlers.Authenticate(authenticator))
	handlers.NewGatewayHandler(gw, ws.NewHandler(gw, ws.OptionsFromConfig(cfg.WS)), chatModule).RegisterRoutes(r, api)
	handlers.NewTerminalHandler(mux, targets, sessions).RegisterRoutes(api)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("module", "server").Int("port", cfg.Port).Str("node", bp.NodeID()).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Str("module", "server").Msg("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Closing the gateway first ends every websocket, which the HTTP server
	// does not track once upgraded.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "server").Msg("gateway shutdown failed")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "server").Msg("http shutdown failed")
	}
	return serveErr
}

func openBackplane(cfg config.BackplaneConfig) (realtime.Backplane, error) {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = defaultNodeID()
	}
	switch cfg.Driver {
	case "nats":
		return backplane.DialNATS(backplane.NATSConfig{
			URL:     cfg.NATSURL,
			NodeID:  nodeID,
			Subject: cfg.Subject,
			Bucket:  cfg.Bucket,
			TTL:     cfg.MemberTTL,
		})
	default:
		return backplane.NewHub().Node(nodeID), nil
	}
}

// defaultNodeID is the hostname plus a random suffix, so restarts on one
// host never reuse a node id.
func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return host + "-" + uuid.NewString()[:8]
}

// recorderFactory records every shared session under cfg.RecordDir, or
// returns nil when recording is disabled.
func recorderFactory(cfg config.TerminalConfig) func(target string) (terminal.Recorder, error) {
	if cfg.RecordDir == "" {
		return nil
	}
	return func(target string) (terminal.Recorder, error) {
		rec, err := logger.NewRecorder(cfg.RecordDir, target, int(cfg.Cols), int(cfg.Rows))
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
}

// corsMiddleware returns a permissive CORS middleware.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/ccbox-relay/internal/api"
	"github.com/openclaw/ccbox-relay/internal/audit"
	"github.com/openclaw/ccbox-relay/internal/metrics"
	"github.com/openclaw/ccbox-relay/internal/pairing"
	"github.com/openclaw/ccbox-relay/internal/ratelimit"
	"github.com/openclaw/ccbox-relay/internal/registry"
	"github.com/openclaw/ccbox-relay/internal/relay"
	"github.com/openclaw/ccbox-relay/internal/truststore"
)

var serveFlags struct {
	relayAddr    string
	adminAddr    string
	storeDir     string
	auditDB      string
	tenantDomain string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay and admin HTTP listeners",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.relayAddr, "relay-addr", envOr("CCBOX_RELAY_ADDR", ":8443"), "Relay WebSocket/HTTP listen address")
	serveCmd.Flags().StringVar(&serveFlags.adminAddr, "admin-addr", envOr("CCBOX_ADMIN_ADDR", ":8081"), "Admin/ops listen address")
	serveCmd.Flags().StringVar(&serveFlags.storeDir, "store-dir", envOr("CCBOX_STORE_DIR", "./data"), "Trust store root directory")
	serveCmd.Flags().StringVar(&serveFlags.auditDB, "audit-db", envOr("CCBOX_AUDIT_DB", "./data/audit.db"), "Audit log SQLite database path")
	serveCmd.Flags().StringVar(&serveFlags.tenantDomain, "tenant-domain", envOr("CCBOX_TENANT_DOMAIN", "ccbox.app"), "Tenant-bearing domain used for GUID and origin resolution")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	store, err := truststore.New(serveFlags.storeDir)
	if err != nil {
		return err
	}

	auditLog, err := audit.Open(serveFlags.auditDB)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	reg := registry.New()
	pairingEngine := pairing.New(store)
	m := metrics.New(logger)
	relaySrv := relay.New(store, pairingEngine, reg, auditLog, m, logger)
	limiter := ratelimit.New()

	apiCfg := api.Config{TenantDomain: serveFlags.tenantDomain}
	relayRouter := api.NewRelayRouter(apiCfg, relaySrv, pairingEngine, limiter, auditLog, m, logger)
	adminRouter := api.NewAdminRouter(store, reg, auditLog, m, logger)

	relayServer := &http.Server{
		Addr:         serveFlags.relayAddr,
		Handler:      relayRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket connections
	}
	adminServer := &http.Server{
		Addr:         serveFlags.adminAddr,
		Handler:      adminRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		relayServer.Shutdown(shutdownCtx)
		adminServer.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("starting relay listener", "addr", serveFlags.relayAddr)
		if err := relayServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("relay server error", "error", err)
			cancel()
		}
	}()

	go func() {
		slog.Info("starting admin listener", "addr", serveFlags.adminAddr)
		if err := adminServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
			cancel()
		}
	}()

	slog.Info("ccbox-relayd started", "version", Version, "relay", serveFlags.relayAddr, "admin", serveFlags.adminAddr, "tenant_domain", serveFlags.tenantDomain)
	<-ctx.Done()
	slog.Info("ccbox-relayd stopped")
	return nil
}

// affine-gateway bridges a REST+WebSocket surface onto an AFFiNE-style
// collaborative document backend.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/affine-gateway/internal/auth"
	"github.com/workspace/affine-gateway/internal/composer"
	"github.com/workspace/affine-gateway/internal/config"
	"github.com/workspace/affine-gateway/internal/fabric"
	"github.com/workspace/affine-gateway/internal/karakeep"
	"github.com/workspace/affine-gateway/internal/logging"
	"github.com/workspace/affine-gateway/internal/persistence"
	"github.com/workspace/affine-gateway/internal/server"
	"github.com/workspace/affine-gateway/internal/upstream"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	dialSession := func(ctx context.Context) (*upstream.Session, error) {
		sess, err := upstream.NewSession(upstream.SessionConfig{
			BaseURL:        cfg.BaseURL,
			Email:          cfg.Email,
			Password:       cfg.Password,
			AckTimeout:     cfg.AckTimeout,
			ConnectTimeout: cfg.ConnectTimeout,
			ClientVersion:  cfg.ClientVersion,
		})
		if err != nil {
			return nil, err
		}
		if err := sess.SignIn(ctx); err != nil {
			return nil, err
		}
		if err := sess.Connect(ctx); err != nil {
			return nil, err
		}
		return sess, nil
	}

	deps := server.Deps{
		Dial: func(ctx context.Context) (server.UpstreamSession, error) {
			return dialSession(ctx)
		},
		Fabric: fabric.NewRegistry(func(ctx context.Context) (fabric.Upstream, error) {
			return dialSession(ctx)
		}),
	}

	validator, err := auth.New(auth.Config{
		Secret:   cfg.JWTSecret,
		JWKSURL:  cfg.JWKSURL,
		Audience: cfg.JWTAudience,
		Issuer:   cfg.JWTIssuer,
	})
	if err != nil {
		slog.Error("Failed to configure caller authentication", "error", err)
		os.Exit(1)
	}
	deps.Auth = validator

	var ledger *persistence.Store
	if cfg.KarakeepEnabled() {
		if err := os.MkdirAll(filepath.Dir(cfg.WebhookLedgerPath), 0o755); err != nil {
			slog.Error("Failed to create ledger directory", "error", err)
			os.Exit(1)
		}
		ledger, err = persistence.Open(cfg.WebhookLedgerPath)
		if err != nil {
			slog.Error("Failed to open webhook ledger", "error", err)
			os.Exit(1)
		}

		deps.Karakeep = karakeep.NewService(karakeep.Config{
			APIURL:        cfg.KarakeepAPIURL,
			APIKey:        cfg.KarakeepAPIKey,
			WebhookSecret: cfg.KarakeepWebhookSecret,
			GeminiAPIKey:  cfg.GeminiAPIKey,
			WorkspaceID:   cfg.KarakeepWorkspaceID,
			FolderID:      cfg.KarakeepFolderID,
			ZettelsFolder: cfg.KarakeepZettelsFolder,
		}, ledger, func(ctx context.Context, workspaceID string, spec composer.CreateSpec) (*composer.CreateResult, error) {
			sess, err := dialSession(ctx)
			if err != nil {
				return nil, err
			}
			defer sess.Disconnect()
			if err := sess.JoinWorkspace(ctx, workspaceID); err != nil {
				return nil, err
			}
			return composer.New(sess, func() int64 { return time.Now().UnixMilli() }).CreateDocument(ctx, workspaceID, spec)
		})
		slog.Info("Karakeep webhook enabled", "workspace", cfg.KarakeepWorkspaceID)
	}

	srv, err := server.New(cfg, deps)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}
	if ledger != nil {
		if err := ledger.Close(); err != nil {
			slog.Warn("Failed to close webhook ledger", "error", err)
		}
	}
	slog.Info("Gateway stopped")
}

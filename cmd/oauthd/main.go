// Command oauthd runs the OAuth 2.0 / OpenID Connect authorization server as
// a standalone HTTP service.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/evlist/oauth"
	"github.com/evlist/oauth/instrumentation"
	"github.com/evlist/oauth/internal/config"
	"github.com/evlist/oauth/security"
	"github.com/evlist/oauth/storage"
	"github.com/evlist/oauth/storage/memory"
	"github.com/evlist/oauth/storage/postgres"
	"github.com/evlist/oauth/storage/redis"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad()
	logger := setupLogger(cfg.Env)

	logger.Info("starting oauthd",
		"env", cfg.Env,
		"issuer", cfg.Issuer,
		"storage", cfg.Storage.Backend,
		"address", cfg.HTTP.Address)

	if err := run(cfg, logger); err != nil {
		logger.Error("oauthd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	store, users, closeStore, err := setupStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("storage setup: %w", err)
	}
	defer closeStore()

	signingKey, err := loadSigningKey(cfg.Tokens.SigningKeyPath, logger)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	idTokens, err := oauth.NewIDTokenIssuer(cfg.Issuer, signingKey,
		int64(cfg.Tokens.IDTokenTTL.Seconds()), logger)
	if err != nil {
		return fmt.Errorf("id token issuer: %w", err)
	}

	server, err := oauth.NewServer(store, users, idTokens, &oauth.ServerConfig{
		Issuer:               cfg.Issuer,
		AuthorizationCodeTTL: int64(cfg.Tokens.AuthorizationCodeTTL.Seconds()),
		AccessTokenTTL:       int64(cfg.Tokens.AccessTokenTTL.Seconds()),
		RefreshTokenTTL:      int64(cfg.Tokens.RefreshTokenTTL.Seconds()),
		IDTokenTTL:           int64(cfg.Tokens.IDTokenTTL.Seconds()),
		NonceTTL:             int64(cfg.Tokens.NonceTTL.Seconds()),
		RequirePKCE:          cfg.Security.RequirePKCE,
		AllowPKCEPlain:       cfg.Security.AllowPKCEPlain,
		RevokeFamilyOnReuse:  cfg.Security.RevokeFamilyOnReuse,
		SupportedScopes:      cfg.Security.SupportedScopes,
		TrustProxy:           cfg.Security.TrustProxy,
		TrustedProxyCount:    cfg.Security.TrustedProxyCount,
	}, logger)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if cfg.Security.EncryptionKey != "" {
		key, decodeErr := base64.StdEncoding.DecodeString(cfg.Security.EncryptionKey)
		if decodeErr != nil {
			return fmt.Errorf("encryption key is not valid base64: %w", decodeErr)
		}
		enc, encErr := security.NewEncryptor(key)
		if encErr != nil {
			return fmt.Errorf("encryptor: %w", encErr)
		}
		server.SetEncryptor(enc)
	}

	server.SetAuditor(security.NewAuditor(logger, cfg.Security.AuditEnabled))
	server.SetRateLimiter(security.NewRateLimiter(
		cfg.Security.RateLimitPerSecond, cfg.Security.RateLimitBurst, logger))
	server.SetClientRegistrationRateLimiter(
		security.NewClientRegistrationRateLimiter(logger))

	var inst *instrumentation.Instrumentation
	if cfg.Telemetry.Enabled {
		inst, err = instrumentation.New(instrumentation.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Enabled:      true,
			LogClientIPs: cfg.Telemetry.LogClientIPs,
		})
		if err != nil {
			return fmt.Errorf("instrumentation: %w", err)
		}
		server.SetInstrumentation(inst)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if shutdownErr := inst.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Warn("instrumentation shutdown failed", "error", shutdownErr)
			}
		}()
	}

	handler := oauth.NewHandler(server, logger)
	if cfg.Security.RemoteUserHeader != "" {
		if !cfg.Security.TrustProxy {
			logger.Warn("remote_user_header is set without trust_proxy; make sure the proxy strips the header from client requests")
		}
		handler.SetUserAuthenticator(headerAuthenticator{header: cfg.Security.RemoteUserHeader})
	} else {
		logger.Warn("no end-user authentication configured; the authorization endpoint will reject all requests")
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      security.RequestIDMiddleware(mux),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.HTTP.Address)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case serveErr := <-errCh:
		return fmt.Errorf("http server: %w", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("oauthd stopped")
	return nil
}

// setupStorage builds the configured persistence backend. The returned
// UserStore is non-nil only for backends that resolve user identities.
func setupStorage(cfg *config.Config, logger *slog.Logger) (storage.Store, storage.UserStore, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		store := memory.New()
		store.SetLogger(logger)
		return store, store, store.Stop, nil

	case "redis":
		store, err := redis.New(redis.Config{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() { _ = store.Close() }, nil

	case "postgres":
		store, err := postgres.New(postgres.Config{
			DSN:    cfg.Storage.Postgres.DSN,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, store.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// loadSigningKey reads a PEM-encoded RSA private key, or generates an
// ephemeral one when no path is configured.
func loadSigningKey(path string, logger *slog.Logger) (*rsa.PrivateKey, error) {
	if path == "" {
		logger.Warn("no signing key configured; generating an ephemeral key, outstanding ID tokens will not survive a restart")
		return rsa.GenerateKey(rand.Reader, 2048)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, parseErr := x509.ParsePKCS8PrivateKey(block.Bytes)
		if parseErr != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", parseErr)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key must be RSA, got %T", key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// headerAuthenticator trusts a reverse proxy to authenticate end-users and
// forward their ID in a request header.
type headerAuthenticator struct {
	header string
}

func (a headerAuthenticator) AuthenticateRequest(r *http.Request) (string, error) {
	userID := r.Header.Get(a.header)
	if userID == "" {
		return "", fmt.Errorf("no authenticated user")
	}
	return userID, nil
}

func setupLogger(env string) *slog.Logger {
	switch env {
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envLocal:
		fallthrough
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}

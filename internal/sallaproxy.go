package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/salla-proxy/internal/config"
	"github.com/dgellow/salla-proxy/internal/cookie"
	"github.com/dgellow/salla-proxy/internal/log"
	"github.com/dgellow/salla-proxy/internal/metrics"
	"github.com/dgellow/salla-proxy/internal/oauth"
	"github.com/dgellow/salla-proxy/internal/paginate"
	"github.com/dgellow/salla-proxy/internal/refresh"
	"github.com/dgellow/salla-proxy/internal/retry"
	"github.com/dgellow/salla-proxy/internal/server"
	"github.com/dgellow/salla-proxy/internal/upstream"
)

// shutdownTimeout bounds graceful shutdown
const shutdownTimeout = 30 * time.Second

// SallaProxy represents the complete OAuth and API proxy application
type SallaProxy struct {
	config     config.Config
	httpServer *server.HTTPServer
}

// NewSallaProxy creates the application with all dependencies built
func NewSallaProxy(cfg config.Config) (*SallaProxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.LogInfoWithFields("sallaproxy", "Building Salla proxy application", map[string]any{
		"addr":         cfg.Addr,
		"accountsBase": cfg.AccountsBase,
		"apiBase":      cfg.APIBase,
		"environment":  cfg.Environment,
		"maxPages":     cfg.MaxPages,
	})

	for _, req := range []config.Requirement{config.RequireOAuthCallback, config.RequireSession} {
		if missing := cfg.Missing(req); len(missing) > 0 {
			log.LogWarnWithFields("sallaproxy", "Configuration incomplete, affected endpoints will report it", map[string]any{
				"missing": missing,
			})
			break
		}
	}

	handler := buildHTTPHandler(cfg, metrics.New())
	return &SallaProxy{
		config:     cfg,
		httpServer: server.NewHTTPServer(handler, cfg.Addr),
	}, nil
}

// Run starts the HTTP server and blocks until a signal or a server error
// triggers graceful shutdown.
func (p *SallaProxy) Run() error {
	log.LogInfoWithFields("sallaproxy", "Starting Salla proxy application", map[string]any{
		"addr": p.config.Addr,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := p.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var shutdownReason string
	var runErr error
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("sallaproxy", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		runErr = err
		log.LogErrorWithFields("sallaproxy", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("sallaproxy", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": shutdownTimeout.String(),
	})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := p.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("sallaproxy", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	log.LogInfoWithFields("sallaproxy", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return runErr
}

// buildHTTPHandler creates the complete HTTP handler with all routing and middleware
func buildHTTPHandler(cfg config.Config, m *metrics.Metrics) http.Handler {
	store := cookie.NewStore([]byte(cfg.AppSecret), cfg.IsProduction())
	client := upstream.NewClient(cfg, m)
	policy := retry.NewPolicy(m)
	coordinator := refresh.NewCoordinator(client, store, m)
	aggregator := paginate.NewAggregator(cfg.MaxPages, policy, m)
	flow := oauth.NewFlow(cfg, client.AuthURL(), client, store, m)

	authHandlers := server.NewAuthHandlers(cfg, flow, store)
	proxyHandlers := server.NewProxyHandlers(cfg, client, store, coordinator, aggregator, policy)
	storeHandlers := server.NewStoreHandlers(cfg, client, store, coordinator, aggregator)

	mux := http.NewServeMux()
	mux.Handle("/healthz", server.NewHealthHandler())
	mux.Handle("/metrics", m.Handler())

	mux.HandleFunc("/oauth/start", authHandlers.StartHandler)
	mux.HandleFunc("/oauth/callback", authHandlers.CallbackHandler)
	mux.HandleFunc("/api/salla/logout", authHandlers.LogoutHandler)

	mux.HandleFunc("/api/salla", proxyHandlers.ActionHandler)
	mux.HandleFunc("/api/salla/products", storeHandlers.ProductsHandler)
	mux.HandleFunc("/api/salla/test-token", storeHandlers.TestTokenHandler)

	return server.ChainMiddleware(mux,
		server.NewTimeoutMiddleware(cfg.RequestTimeout),
		server.NewCORSMiddleware(),
		server.NewLoggerMiddleware("http"),
		server.NewRecoverMiddleware("http"),
		server.NewDebugIDMiddleware(),
	)
}

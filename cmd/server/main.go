package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/slasso10/chat-multiple/internal/auth"
	"github.com/slasso10/chat-multiple/internal/chatstore"
	"github.com/slasso10/chat-multiple/internal/config"
	"github.com/slasso10/chat-multiple/internal/handlers"
	"github.com/slasso10/chat-multiple/internal/metrics"
	"github.com/slasso10/chat-multiple/internal/push"
	wshub "github.com/slasso10/chat-multiple/internal/websocket"
)

const AppVersion = "1.0.0"

// Build timestamp, overridable at link time.
var buildTimestamp = time.Now().Unix()

func main() {
	httpOnly := flag.Bool("http-only", false, "Serve plain HTTP (behind a TLS terminating proxy)")
	selfSigned := flag.Bool("self-signed", false, "Serve HTTPS with a generated self-signed certificate")
	flag.Parse()

	cfg := config.Load(*httpOnly)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("chat relay starting", "version", AppVersion, "build", buildTimestamp)

	if cfg.HTTPOnly && cfg.FrontendURI == "" {
		logger.Error("FRONTEND_URI is required when --http-only is specified")
		os.Exit(1)
	}

	if err := run(cfg, *selfSigned, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, selfSigned bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chats, err := chatstore.Open(cfg.DBPath, chatstore.WithLogger(logger))
	if err != nil {
		return err
	}
	defer chats.Close()
	logger.Info("database opened", "path", cfg.DBPath)

	var keys push.VAPIDKeys
	if cfg.VAPIDKeys != nil {
		keys = push.VAPIDKeys{PublicKey: cfg.VAPIDKeys.PublicKey, PrivateKey: cfg.VAPIDKeys.PrivateKey, Subject: cfg.VAPIDKeys.Subject}
	}
	notifier, err := push.NewNotifier(chats.DB(), keys, push.WithLogger(logger))
	if err != nil {
		return err
	}

	hub := wshub.NewHub()
	defer hub.CloseAll()

	h := handlers.New(
		cfg,
		chats,
		auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL),
		handlers.NewCallStore(handlers.WithRingTTL(cfg.RingTTL), handlers.WithCallTTL(cfg.CallTTL)),
		hub,
		websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		handlers.WithPush(notifier),
		handlers.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
		handlers.WithLogger(logger),
	)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, h.SweepCalls); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc("@every 1h", h.PruneMessages); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	router := setupRouter(h, cfg, logger)
	return serve(ctx, router, cfg, selfSigned, scheduler, logger)
}

func setupRouter(h *handlers.Handlers, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(slogGinLogger(logger), gin.Recovery())

	router.Use(func(c *gin.Context) {
		origin := "*"
		if cfg.HTTPOnly && cfg.FrontendURI != "" {
			origin = cfg.FrontendURI
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": AppVersion})
	})
	h.Routes(router.Group("/api"))
	return router
}

// serve runs the configured servers until ctx is cancelled or one of them
// fails.
func serve(ctx context.Context, router *gin.Engine, cfg *config.Config, selfSigned bool, scheduler *cron.Cron, logger *slog.Logger) error {
	var servers []*http.Server
	var start []func() error

	switch {
	case cfg.HTTPOnly:
		srv := newServer(":"+cfg.HTTPPort, router, logger)
		servers = append(servers, srv)
		start = append(start, srv.ListenAndServe)
		logger.Info("HTTP server starting", "port", cfg.HTTPPort, "frontend_uri", cfg.FrontendURI)
	case selfSigned:
		httpsSrv, redirect, err := selfSignedServers(router, cfg, logger)
		if err != nil {
			return err
		}
		servers = append(servers, httpsSrv, redirect)
		start = append(start, func() error { return httpsSrv.ListenAndServeTLS("", "") }, redirect.ListenAndServe)
		logger.Info("HTTPS server (self-signed) starting", "port", cfg.HTTPSPort, "redirect_port", cfg.HTTPPort)
	default:
		httpsSrv, challenge, err := autocertServers(router, cfg, scheduler, logger)
		if err != nil {
			return err
		}
		servers = append(servers, httpsSrv, challenge)
		start = append(start, func() error { return httpsSrv.ListenAndServeTLS("", "") }, challenge.ListenAndServe)
		logger.Info("HTTPS server starting", "port", cfg.HTTPSPort, "domain", normalizeDomain(cfg.Domain))
	}

	errCh := make(chan error, len(start))
	for _, fn := range start {
		go func() {
			if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "addr", srv.Addr, "error", err)
		}
	}
	return runErr
}

func newServer(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slogErrorLog(logger),
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doorbridge/doorbridge/internal/api"
	"github.com/doorbridge/doorbridge/internal/bridge"
	"github.com/doorbridge/doorbridge/internal/config"
	"github.com/doorbridge/doorbridge/internal/media"
	"github.com/doorbridge/doorbridge/internal/metrics"
	"github.com/doorbridge/doorbridge/internal/notify"
	"github.com/doorbridge/doorbridge/internal/sipua"
	"github.com/doorbridge/doorbridge/internal/video"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting doorbridge",
		"http_port", cfg.HTTPPort,
		"sip_server", cfg.SIPServerAddr(),
		"sip_username", cfg.SIPUsername,
	)

	startTime := time.Now()

	// The announcement is read per call, but an unusable file is a
	// configuration error and should surface at boot, not mid-call.
	if cfg.AnnounceFile != "" {
		codec, dur, err := media.ValidateWAVFile(cfg.AnnounceFile)
		if err != nil {
			slog.Error("announce file rejected", "path", cfg.AnnounceFile, "error", err)
			os.Exit(1)
		}
		slog.Info("announce file loaded", "path", cfg.AnnounceFile, "codec", codec, "duration", dur)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	pool, err := media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		slog.Error("failed to create rtp port pool", "error", err)
		os.Exit(1)
	}

	gateway := video.NewGateway(cfg, logger)

	secret, err := cfg.StreamSecretBytes()
	if err != nil {
		slog.Error("failed to decode stream secret", "error", err)
		os.Exit(1)
	}
	tokens := video.NewTokenIssuer(secret)
	if tokens.Enabled() {
		slog.Info("stream playback tokens enabled")
	} else if cfg.StreamURL != "" {
		slog.Warn("no stream secret configured, stream playback is unauthenticated")
	}

	coord := bridge.New(cfg, pool, gateway, logger)
	coord.Start()
	gateway.OnStreamLost(coord.HandleStreamLost)

	// SIP engine: registration with the platform, inbound calls, DTMF.
	eng, err := sipua.NewEngine(cfg, logger)
	if err != nil {
		slog.Error("failed to create sip engine", "error", err)
		os.Exit(1)
	}
	eng.OnIncomingCall(func(d *sipua.Dialog) {
		coord.HandleIncoming(bridge.IncomingCall{
			CallID:     d.CallID,
			Caller:     d.Caller,
			CallerName: d.CallerName,
			Offer:      d.Offer,
			Dialog:     d,
			Unlocker:   sipua.NewInfoSender(d, logger),
		})
	})
	eng.OnInfoDTMF(coord.HandleKey)
	eng.OnRegistrationChange(coord.HandleRegistration)
	if err := eng.Start(appCtx); err != nil {
		slog.Error("failed to start sip engine", "error", err)
		os.Exit(1)
	}

	// Fan coordinator events out to SSE subscribers and the webhook sink.
	hub := bridge.NewHub(logger)
	go hub.Run(coord.Events())

	notifier := notify.New(cfg.EventURL, logger)
	if notifier.Configured() {
		_, ch := hub.Subscribe(64)
		go notifier.Run(ch)
		slog.Info("event webhook enabled", "url", cfg.EventURL)
	}

	// Metrics on a private registry so only doorbridge series are exposed.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(coord, coord, eng, gateway, pool, startTime))
	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})

	// HTTP server using the api package.
	apiServer := api.NewServer(cfg, coord, gateway, tokens, hub, eng, pool, metricsHandler)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     apiServer,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: the event feed holds its response open for
		// the life of the client.
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")

	// Stop the coordinator first: it tears down any live call and closes
	// the event channel, which drains the hub and ends feed connections
	// before Shutdown waits on them. The engine stays up until after so
	// the teardown BYE still goes out.
	coord.Stop()
	eng.Stop()
	gateway.StopRelay()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}
	apiServer.Close()

	slog.Info("doorbridge stopped")
}

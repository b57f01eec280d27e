package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/flowpbx/corepbx/internal/api"
	"github.com/flowpbx/corepbx/internal/api/middleware"
	"github.com/flowpbx/corepbx/internal/config"
	"github.com/flowpbx/corepbx/internal/database"
	"github.com/flowpbx/corepbx/internal/provisioning"
	sipserver "github.com/flowpbx/corepbx/internal/sip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging (text or json format, configurable level).
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting corepbx",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"tls", cfg.TLSEnabled(),
	)

	db, err := database.Open(cfg.DSN())
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sysConfig, err := database.NewSystemConfigRepository(context.Background(), db)
	if err != nil {
		slog.Error("failed to load system config", "error", err)
		os.Exit(1)
	}

	// Startup integrity pass: purge any registration binding left behind
	// without a MAC, IP, or extension (e.g. from a crash mid-REGISTER)
	// before the router's in-memory inventory can pick it up.
	phones := database.NewRegisteredPhoneRepository(db)
	if n, err := phones.DeleteIncomplete(context.Background()); err != nil {
		slog.Error("failed to purge incomplete registrations", "error", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Info("purged incomplete registrations", "count", n)
	}

	// Initialize SIP server: transport, B2BUA state machine, RTP relay, and
	// the feature hook chain (emergency/paging/auto-attendant/voicemail).
	sipSrv, err := sipserver.NewServer(cfg, db, sysConfig)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// Session store for admin auth.
	sessions := middleware.NewSessionStore()
	middleware.StartCleanupTicker(appCtx, sessions, 15*time.Minute)

	// Admin REST API, sharing the SIP server's QoS manager so /api/qos/*
	// reports live call-quality data.
	handler := api.NewServer(db, cfg, sessions, sysConfig, sipSrv.QoSManager())

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Optional HTTP→HTTPS redirect server (started when TLS is enabled).
	var redirectSrv *http.Server

	errCh := make(chan error, 1)

	// Device provisioning config server, unauthenticated by design: a
	// factory-default phone has no credentials yet. Runs on its own port,
	// separate from the admin API and SIP signaling.
	provisioningSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ProvisioningPort),
		Handler:      provisioning.NewServer(cfg, database.NewProvisionedDeviceRepository(db), database.NewExtensionRepository(db), logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	go func() {
		slog.Info("provisioning server listening", "addr", provisioningSrv.Addr)
		if err := provisioningSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	switch {
	case cfg.ACMEDomain != "":
		// Automatic TLS via Let's Encrypt (ACME).
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.ACMEDomain),
			Cache:      autocert.DirCache("acme-certs"),
			Email:      cfg.ACMEEmail,
		}
		srv.Addr = ":443"
		srv.TLSConfig = m.TLSConfig()

		// The ACME manager needs to handle HTTP-01 challenges on port 80.
		// Non-challenge requests are redirected to HTTPS.
		redirectSrv = &http.Server{
			Addr:         ":80",
			Handler:      m.HTTPHandler(middleware.HTTPSRedirectHandler()),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  30 * time.Second,
		}

		go func() {
			slog.Info("https server listening (acme)", "addr", srv.Addr, "domain", cfg.ACMEDomain)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		go func() {
			slog.Info("http redirect server listening", "addr", redirectSrv.Addr)
			if err := redirectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http redirect server error", "error", err)
			}
		}()

	case cfg.TLSCert != "":
		// Manual TLS certificate.
		srv.Addr = fmt.Sprintf(":%d", cfg.HTTPPort)
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// Start HTTP→HTTPS redirect on port 80 unless the main port is 80.
		if cfg.HTTPPort != 80 {
			redirectSrv = &http.Server{
				Addr:         ":80",
				Handler:      middleware.HTTPSRedirectHandler(),
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 5 * time.Second,
				IdleTimeout:  30 * time.Second,
			}
			go func() {
				slog.Info("http redirect server listening", "addr", redirectSrv.Addr)
				if err := redirectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("http redirect server error", "error", err)
				}
			}()
		}

		go func() {
			slog.Info("https server listening", "addr", srv.Addr)
			if err := srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

	default:
		// Plain HTTP (no TLS configured).
		srv.Addr = fmt.Sprintf(":%d", cfg.HTTPPort)
		go func() {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

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

	slog.Info("shutting down servers")
	sipSrv.Stop()

	if redirectSrv != nil {
		if err := redirectSrv.Shutdown(ctx); err != nil {
			slog.Error("http redirect server shutdown error", "error", err)
		}
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	if err := provisioningSrv.Shutdown(ctx); err != nil {
		slog.Error("provisioning server shutdown error", "error", err)
	}

	slog.Info("corepbx stopped")
}

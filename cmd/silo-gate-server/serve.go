package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	internalhttp "github.com/EternisAI/silo-gate/internal/api/http"
	"github.com/EternisAI/silo-gate/internal/ca"
	"github.com/EternisAI/silo-gate/internal/cert"
	"github.com/EternisAI/silo-gate/internal/certificates"
	grpcserver "github.com/EternisAI/silo-gate/internal/grpc/server"
	grpctls "github.com/EternisAI/silo-gate/internal/grpc/tls"
	"github.com/EternisAI/silo-gate/internal/jobs"
	"github.com/EternisAI/silo-gate/internal/mtls"
	"github.com/EternisAI/silo-gate/internal/notify"
	"github.com/EternisAI/silo-gate/internal/provision"
	"github.com/EternisAI/silo-gate/internal/store"
	"github.com/EternisAI/silo-gate/internal/tasks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 10 * time.Second

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	slog.Info("Silo Gate Server", "version", AppVersion, "mode", config.Runtime.Mode)

	if err := validateServeConfig(config); err != nil {
		return err
	}

	authority, err := cert.LoadAuthority(config.CA)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	exec := tasks.NewExecutor(ctx, tasks.DefaultConcurrency)

	var notifier notify.Notifier = notify.LogNotifier{}
	var webhook *notify.WebhookNotifier
	if config.Notify.URL != "" {
		webhook = notify.NewWebhookNotifier(config.Notify)
		notifier = notify.Multi{notify.LogNotifier{}, webhook}
		slog.Info("Webhook notifications enabled", "url", config.Notify.URL)
	}
	alerts := notify.NewAlerts(notifier, exec)

	repo, closeStore, err := store.Open(ctx, config.Store)
	if err != nil {
		return fmt.Errorf("failed to open certificate store: %w", err)
	}
	defer closeStore()

	registry := certificates.NewRegistry(repo)

	watcher := jobs.NewExpiryWatcher(registry, alerts, jobs.AuthorityInfo{
		CommonName: authority.CommonName(),
		ExpiresAt:  authority.ExpiresAt(),
	}, config.CA.ExpiryWarningDays)
	if config.Runtime.Mode == RuntimeModeDev {
		if err := watcher.CheckAuthority(); err != nil {
			return err
		}
	}

	policy, _ := certificates.ParseInvalidationPolicy(config.Mtls.Cache.Invalidation)
	cache := certificates.NewFingerprintCache(registry, config.Mtls.Cache.Size, config.Mtls.Cache.TTL, policy)
	cache.Attach(registry)
	gate := mtls.NewGate(cache, alerts, *config.Mtls.RegistryCheckMandatory)

	tokens := provision.NewTokenStore(config.Provision.TokenTTL)
	signer := cert.NewRSASigner(authority, &cert.SignerOptions{
		Validity: time.Duration(config.CA.ValidityDays) * 24 * time.Hour,
		KeyBits:  config.CA.KeyBits,
	})
	issuer := ca.NewService(signer, registry)

	sweeper := jobs.NewRetentionSweeper().
		Register("onboarding-tokens", tokens).
		Register("certificate-records", registry)
	jobs.Schedule(exec, config.Jobs, sweeper, watcher)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	allowOrigins := config.Http.CORSOrigins
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"*"}
	}
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		Tokens:   tokens,
		Issuer:   issuer,
		Registry: registry,
		Gate:     gate,
		CAPEM:    authority.CertificatePEM,
	}, internalhttp.Options{
		ProtectedPrefix: config.Http.ProtectedPrefix,
		IssueRateLimit:  config.Http.IssueRateLimit,
		VerifyHeader:    config.Mtls.VerifyHeader,
		CertHeader:      config.Mtls.CertHeader,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Http.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcSrv *grpcserver.Server
	if config.Grpc.Enabled {
		grpcSrv, err = newGrpcServer(authority, gate)
		if err != nil {
			return err
		}
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if grpcSrv != nil {
		go func() {
			if err := grpcSrv.Start(); err != nil {
				errChan <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-errChan:
		slog.Error("Server error", "error", runErr)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}

	slog.Info("Shutting down servers...")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	if grpcSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := grpcSrv.StopWithTimeout(shutdownTimeout); err != nil {
				slog.Error("gRPC server shutdown error", "error", err)
			}
		}()
	}

	wg.Wait()

	if err := exec.Shutdown(shutdownTimeout); err != nil {
		slog.Error("Background task shutdown error", "error", err)
	}
	if webhook != nil {
		webhook.Close()
	}

	slog.Info("Shutdown complete")
	return runErr
}

func newGrpcServer(authority *cert.Authority, gate *mtls.Gate) (*grpcserver.Server, error) {
	tlsCfg := config.Grpc.TLS
	if tlsCfg.CertFile == "" || tlsCfg.KeyFile == "" {
		return nil, fmt.Errorf("grpc.tls.cert_file and grpc.tls.key_file are required when grpc is enabled")
	}

	ips := make([]net.IP, 0, len(tlsCfg.IPAddresses))
	for _, s := range tlsCfg.IPAddresses {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid grpc.tls.ip_addresses entry: %s", s)
		}
		ips = append(ips, ip)
	}

	if err := cert.EnsureServerCertificate(authority, tlsCfg.CertFile, tlsCfg.KeyFile, &cert.ServerOptions{
		DomainNames: tlsCfg.DomainNames,
		IPAddresses: ips,
		KeyBits:     config.CA.KeyBits,
	}); err != nil {
		return nil, err
	}

	clientAuth, err := grpctls.ParseClientAuthType(tlsCfg.ClientAuth)
	if err != nil {
		return nil, err
	}
	if clientAuth != tls.RequireAndVerifyClientCert {
		slog.Warn("gRPC listener does not require client certificates", "client_auth", tlsCfg.ClientAuth)
	}

	creds, err := grpctls.LoadServerCredentials(tlsCfg.CertFile, tlsCfg.KeyFile, authority.Pool(), clientAuth)
	if err != nil {
		return nil, err
	}

	port := config.Grpc.Port
	if port == 0 {
		port = 9090
	}
	return grpcserver.NewServer(port, creds, gate), nil
}

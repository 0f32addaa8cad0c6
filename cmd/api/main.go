package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"lmsbridge.org/internal/audit"
	"lmsbridge.org/internal/config"
	"lmsbridge.org/internal/httpapi"
	"lmsbridge.org/internal/obs"
	"lmsbridge.org/internal/sso"
	"lmsbridge.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "optional config file (also BRIDGE_CONFIG)")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, closeStore := openStore(cfg)
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	creds := make([]sso.ClientCredential, 0, len(cfg.Clients))
	for _, c := range cfg.Clients {
		creds = append(creds, sso.ClientCredential{ClientID: c.ID, Secret: c.Secret, Name: c.ID, Active: true})
	}
	if err := sso.EnsureClients(ctx, store, creds); err != nil {
		log.Fatalf("ensure clients: %v", err)
	}
	cancel()

	svc, err := sso.NewService(store, store, audit.NewRecorder(store),
		sso.WithTokenTTL(cfg.Token.TTL),
		sso.WithClockSkew(cfg.Token.ClockSkew),
		sso.WithSingleUseTokens(cfg.Token.SingleUse),
		sso.WithNotifyWindow(cfg.Notify.Window),
		sso.WithProvisionOnNotify(cfg.Notify.Provision),
		sso.WithPublicBaseURL(cfg.PublicBaseURL),
		sso.WithDestination(cfg.Destination.BaseURL, cfg.Destination.LandingPath),
		sso.WithAssertion(cfg.Destination.Secret, cfg.Destination.AssertionTTL),
	)
	if err != nil {
		log.Fatalf("sso service: %v", err)
	}

	probe := httpapi.ReadyProbe{Store: store}
	api := httpapi.New(svc, probe,
		httpapi.WithVersion(version),
		httpapi.WithErrorURL(cfg.ErrorURL),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithRateLimit(cfg.Rate.Burst, cfg.Rate.PerSecond),
		httpapi.WithAdmin(cfg.AdminToken, store, store),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		httpapi.NewGRPCServer(probe).Register(grpcSrv)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	obs.Info("starting lmsbridge", map[string]any{
		"version":   version,
		"addr":      srv.Addr,
		"grpc_addr": cfg.GRPCAddr,
		"admin":     cfg.AdminToken != "",
		"clients":   len(cfg.Clients),
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Info("shutting down", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	obs.Info("stopped", nil)
}

// openStore uses PostgreSQL when a DSN is configured and an in-memory store
// otherwise.
func openStore(cfg *config.Config) (sso.Store, func()) {
	if cfg.PGDSN == "" {
		obs.Warn("pg_dsn not set, using in-memory store; data is lost on restart", nil)
		return sso.NewMemoryStore(), func() {}
	}
	s, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	return s, func() { _ = s.Close() }
}

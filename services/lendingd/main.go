package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lendguard/config"
	"lendguard/crypto"
	"lendguard/native/lending"
	"lendguard/observability"
	"lendguard/observability/logging"
	telemetry "lendguard/observability/otel"
	lendingengine "lendguard/services/lending/engine"
	lendingserver "lendguard/services/lending/server"
	daemonconfig "lendguard/services/lendingd/config"
	statelending "lendguard/state/lending"
	"lendguard/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("lendingd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := daemonconfig.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.ToLower(strings.TrimSpace(os.Getenv("LENDGUARD_ENV")))
	}
	logger := logging.Setup("lendingd", env, cfg.LogLevel)

	telemetryCfg := telemetry.Config{
		ServiceName: "lendingd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
	telemetryCfg.ApplyEnv(nil)
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	nodeCfg, err := config.Load(cfg.EngineConfig)
	if err != nil {
		return fmt.Errorf("load engine config: %w", err)
	}
	mode, pauses, err := nodeCfg.Engine()
	if err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	market, reserves, err := nodeCfg.Lending.Genesis()
	if err != nil {
		return fmt.Errorf("engine genesis: %w", err)
	}
	directory, err := reserveDirectory(nodeCfg.ReserveSymbols())
	if err != nil {
		return err
	}

	db, err := storage.NewLevelDB(nodeCfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	prices := lending.NewPriceBook()
	core := lending.NewEngine(statelending.NewStore(db), prices)
	core.SetDeploymentMode(mode)
	core.SetPauses(pauses)
	core.SetLogger(logger)
	core.SetObserver(observability.Lending())
	clock := lendingengine.WallClock(nodeCfg.Clock.GenesisUnix, nodeCfg.Clock.SlotMillis)
	core.SetClock(clock())
	if err := core.ApplyGenesis(market, reserves); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	slot, _ := core.Clock()
	logger.Info("lending engine ready",
		"mode", mode.String(),
		"reserves", len(reserves),
		"slot", slot,
		"data_dir", nodeCfg.DataDir)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if env != "dev" && !loopback {
			listener.Close()
			return fmt.Errorf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}
	tlsCfg, err := loadServerTLS(cfg.TLS)
	if err != nil {
		listener.Close()
		return fmt.Errorf("configure tls: %w", err)
	}

	service := lendingserver.New(
		lendingengine.NewLocal(core, prices, clock, directory),
		logger,
		lendingserver.Config{
			Auth: lendingserver.AuthConfig{
				APITokens:        cfg.Auth.APITokens,
				AllowedClientCNs: cfg.Auth.MTLS.AllowedCommonNames,
			},
			Preview:   lendingserver.RateLimit(cfg.RateLimits.Preview),
			Liquidate: lendingserver.RateLimit(cfg.RateLimits.Liquidate),
		},
	)
	server := &http.Server{
		Handler:           service.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "addr", listener.Addr().String(), "tls", tlsCfg != nil)
		if tlsCfg != nil {
			serverErr <- server.ServeTLS(listener, "", "")
			return
		}
		serverErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = server.Close()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func reserveDirectory(symbols map[string]string) (map[string]crypto.Address, error) {
	out := make(map[string]crypto.Address, len(symbols))
	for symbol, encoded := range symbols {
		addr, err := crypto.DecodeAddress(encoded)
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", symbol, err)
		}
		out[symbol] = addr
	}
	return out, nil
}

func loadServerTLS(cfg daemonconfig.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		// Token-authenticated clients may connect without a certificate.
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsCfg, nil
}

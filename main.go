package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"

	"github.com/mama165/sdk-go/logs"

	"github.com/MetinSerinkaya27/NextGen-Chat/config"
	"github.com/MetinSerinkaya27/NextGen-Chat/crypto"
	"github.com/MetinSerinkaya27/NextGen-Chat/directory"
	"github.com/MetinSerinkaya27/NextGen-Chat/discovery"
	"github.com/MetinSerinkaya27/NextGen-Chat/network"
	"github.com/MetinSerinkaya27/NextGen-Chat/relay"
	"github.com/MetinSerinkaya27/NextGen-Chat/storage"
)

func main() {
	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger := logs.GetLoggerFromString(cfg.LogLevel)

	relayPrivateKey, relayPublicKey, err := crypto.EnsureRelayIdentity(cfg.RelayKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing relay identity: %v", err)
	}
	fingerprint := crypto.KeyFingerprint(relayPublicKey)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Database close failed", "error", err)
		}
	}()

	store.SetSecurityEventRetention(cfg.SecurityEventRetention.Duration)

	dir := directory.New(store, logger)
	chatRelay := relay.New(store, dir, logger, relay.Options{
		SentAtFutureTolerance: cfg.SentAtFutureTolerance.Duration,
	})

	server, err := network.Listen(cfg.ListenAddress, network.RelayIdentity{
		RelayID:           cfg.RelayID,
		Ed25519PrivateKey: relayPrivateKey,
		Ed25519PublicKey:  relayPublicKey,
	}, network.Backend{
		Relay:     chatRelay,
		Directory: dir,
		Audit:     store,
	}, logger, network.ServerOptions{
		HandshakeOptions: network.HandshakeOptions{
			ConnectionTimeout: cfg.HandshakeTimeout.Duration,
			KeepAliveInterval: cfg.KeepAliveInterval.Duration,
		},
		ConnectionRateLimitPerIP: cfg.ConnectionRateLimitPerIP,
		OnInboundConnectionRateLimit: func(ip string) {
			logger.Warn("Inbound connection rate limited", "remote_ip", ip)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while listening: %v", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error("Relay close failed", "error", err)
		}
	}()

	port := 0
	if tcpAddr, ok := server.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	fmt.Printf("Relay ID:        %s\n", cfg.RelayID)
	fmt.Printf("Relay Name:      %s\n", cfg.RelayName)
	fmt.Printf("Listening On:    %s\n", server.Addr())
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(fingerprint))
	fmt.Printf("Data Directory:  %s\n", dataDir)
	fmt.Printf("Database File:   %s\n", dbPath)

	if cfg.DiscoveryEnabled {
		advertiser, err := discovery.Advertise(discovery.Config{
			RelayID:        cfg.RelayID,
			RelayName:      cfg.RelayName,
			ListeningPort:  port,
			KeyFingerprint: fingerprint,
		})
		if err != nil {
			logger.Warn("Discovery startup failed", "error", err)
		} else {
			defer advertiser.Stop()
			fmt.Println("Discovery:       advertising")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Relay running", "relay_id", cfg.RelayID, "address", server.Addr().String(), "log_level", cfg.LogLevel)
	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

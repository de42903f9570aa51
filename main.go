package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"asiochat/config"
	"asiochat/connection"
	"asiochat/crypto"
	"asiochat/delivery"
	"asiochat/health"
	"asiochat/keys"
	"asiochat/storage"
	"asiochat/transport"
	"asiochat/transport/direct"
	"asiochat/transport/relay"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	master, err := crypto.EnsureMasterKey(cfg.MasterKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing master key: %v", err)
	}

	fmt.Printf("User ID:         %s\n", cfg.UserID)
	fmt.Printf("Display Name:    %s\n", cfg.DisplayName)
	fmt.Printf("Relay Server:    %s\n", cfg.RelayAddr())
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	keyManager, err := keys.NewManager(store, master, cfg.UserID, keys.Options{
		ValidityPeriod: config.KeyValidityPeriod,
	})
	if err != nil {
		log.Fatalf("startup failed while preparing key manager: %v", err)
	}
	keyRecord, err := keyManager.EnsureCurrentKeyPair(cfg.UserID)
	if err != nil {
		log.Fatalf("startup failed while preparing identity keys: %v", err)
	}
	fingerprint := ""
	if keyRecord.PublicKey != nil {
		fingerprint = crypto.Fingerprint(*keyRecord.PublicKey)
	}
	fmt.Printf("Fingerprint:     %s\n", fingerprint)

	engine, err := delivery.NewEngine(store, cfg.UserID, delivery.Options{
		BaseRetryDelay: config.RetryBaseDelay,
		MaxAttempts:    config.MaxRetryAttempts,
	})
	if err != nil {
		log.Fatalf("startup failed while preparing delivery engine: %v", err)
	}

	directClient, err := direct.NewClient(direct.Options{
		UserID:      cfg.UserID,
		DisplayName: cfg.DisplayName,
		ListenPort:  cfg.ListenPort,
		Fingerprint: fingerprint,
	})
	if err != nil {
		log.Fatalf("startup failed while preparing direct transport: %v", err)
	}
	relayClient, err := relay.NewClient(relay.Options{
		Addr:   cfg.RelayAddr(),
		UserID: cfg.UserID,
	})
	if err != nil {
		log.Fatalf("startup failed while preparing relay transport: %v", err)
	}

	// The probe is swapped in when a mode starts; until then nothing is
	// reachable.
	monitor, err := health.NewMonitor(
		func(ctx context.Context) error { return transport.ErrUnavailable },
		health.Options{
			ProbeInterval: config.HealthProbeInterval,
			ProbeTimeout:  config.HealthProbeTimeout,
		},
	)
	if err != nil {
		log.Fatalf("startup failed while preparing health monitor: %v", err)
	}

	manager, err := connection.NewManager(connection.Deps{
		Store:       store,
		Keys:        keyManager,
		Engine:      engine,
		Monitor:     monitor,
		Direct:      directClient,
		Relay:       relayClient,
		LocalUserID: cfg.UserID,
		DisplayName: cfg.DisplayName,
	})
	if err != nil {
		log.Fatalf("startup failed while wiring connection manager: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go keyManager.Run(ctx)

	mode := startupMode()
	if err := manager.SetMode(ctx, mode); err != nil {
		log.Fatalf("startup failed while activating %s mode: %v", mode, err)
	}
	if err := manager.RegisterLocalUser(ctx); err != nil {
		log.Printf("user registration failed (will retry on reconnect): %v", err)
	}

	manager.OnOnlineChange(func(online bool) {
		log.Printf("connectivity: online=%v", online)
	})
	manager.OnMessage(func(msg storage.Message) {
		log.Printf("message: chat=%s from=%s id=%s", msg.ChatID, msg.SenderID, msg.MessageID)
	})

	fmt.Printf("Mode:            %s\n", mode)
	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	if err := manager.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// startupMode picks the initial transport mode; ASIOCHAT_MODE=direct
// starts on the LAN channel instead of the relay.
func startupMode() connection.Mode {
	if strings.EqualFold(os.Getenv("ASIOCHAT_MODE"), "direct") {
		return connection.ModeDirect
	}
	return connection.ModeRelay
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"billing-client/internal/config"
	"billing-client/internal/kv"
	"billing-client/internal/queue"
	"billing-client/internal/services"
	"billing-client/pkg/logging"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}

	// Initialize logging
	logging.InitLogging()

	cfg := config.AppConfig

	store, err := kv.Open(filepath.Join(cfg.DataDir, "billing-client.json"))
	if err != nil {
		log.Fatal("Failed to open key-value store:", err)
	}

	queueStore := queue.Open(cfg.DataDir, store)

	var creds services.CredentialProvider
	if cfg.Credential != "" {
		creds = services.StaticCredentialProvider{Value: cfg.Credential}
	}

	csrf := services.NewCSRFService()
	device := services.NewDeviceService(store)
	integrity := services.StaticIntegrityProvider{Token: "headless"}

	auth := services.NewAuthService(cfg.APIBaseURL, cfg.ProtocolSignature, store, csrf, device, integrity, creds)
	gateway := services.NewGateway(cfg.APIBaseURL, cfg.ProtocolSignature, auth, csrf, device, integrity)
	subs := services.NewSubscriptionService(store)

	// The daemon has no store plumbing of its own; it only drains the queue
	// left behind by the app.
	billing := services.NewBillingService(services.UnsupportedNativePurchases{}, queueStore, auth, gateway, subs, creds, nil)

	retry := services.NewRetryService(billing, queueStore, auth, subs,
		time.Duration(cfg.RetryIntervalSeconds)*time.Second, cfg.MaxVerifyRetries)

	ctx, cancel := context.WithCancel(context.Background())
	retry.Start(ctx)
	logging.Infof("billing daemon started, retry interval %ds", cfg.RetryIntervalSeconds)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			// SIGHUP stands in for an app-foreground transition.
			logging.Infof("received SIGHUP, triggering reconciliation pass")
			retry.TriggerForeground()
			continue
		}
		logging.Infof("received %v, shutting down", sig)
		break
	}

	cancel()
	retry.Wait()
	logging.Infof("billing daemon stopped")
}

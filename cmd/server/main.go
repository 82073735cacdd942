package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/furqan-qadri/BlokRentals/internal/checkout"
	"github.com/furqan-qadri/BlokRentals/internal/config"
	"github.com/furqan-qadri/BlokRentals/internal/escrow"
	"github.com/furqan-qadri/BlokRentals/internal/idempotency"
	"github.com/furqan-qadri/BlokRentals/internal/server"
	"github.com/furqan-qadri/BlokRentals/internal/wallet"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	var idemStore idempotency.Store
	if cfg.Service.PostgresDSN != "" {
		pgIdem, err := idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		defer pgIdem.Close()
		idemStore = pgIdem
	} else {
		fileIdem, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		idemStore = fileIdem
	}

	var escrowStore escrow.Store = escrow.NewMemoryStore()
	if cfg.Service.PostgresDSN != "" {
		pgEscrows, err := escrow.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			log.Fatalf("escrow store error: %v", err)
		}
		defer pgEscrows.Close()
		escrowStore = pgEscrows
	}

	var provider wallet.Provider = &wallet.FakeProvider{}
	if cfg.Chain.PrivateKey != "" {
		ethProvider, err := wallet.NewEthProvider(ctx, wallet.EthProviderConfig{
			RPCURL:          cfg.Chain.RPCURL,
			PrivateKeyHex:   cfg.Chain.PrivateKey,
			ContractAddress: cfg.Deployment.Contracts.DepositEscrow,
		})
		if err != nil {
			log.Fatalf("signing agent error: %v", err)
		}
		provider = ethProvider
	}

	orch := checkout.New(provider, escrowStore, checkout.Config{
		Contract: wallet.ContractAddress{
			Index:    cfg.Seed.Contract.Index,
			Subindex: cfg.Seed.Contract.Subindex,
		},
		ReceiveName: cfg.Seed.Contract.ReceiveName,
		ConfirmWait: cfg.Settlement.ConfirmWait,
	})

	lifecycle := escrow.NewController(escrowStore, escrow.ControllerConfig{
		ReleaseDelay: cfg.Settlement.ReleaseDelay,
		Retry: escrow.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
	})

	dlq := server.NewDLQWriter(cfg.Service.DLQPath)
	apiServer := server.NewServer(cfg, orch, escrowStore, lifecycle, idemStore, provider, dlq)
	lifecycle.SetFailureSink(apiServer.SettlementFailureSink())

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Settlement.SweepSchedule, func() {
		flagged, err := lifecycle.SweepOverdue(context.Background())
		if err != nil {
			log.Printf("overdue sweep error: %v", err)
			return
		}
		if flagged > 0 {
			log.Printf("overdue sweep flagged %d rentals as pending return", flagged)
		}
	}); err != nil {
		log.Fatalf("sweep schedule error: %v", err)
	}
	sched.Start()

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	sched.Stop()
	lifecycle.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

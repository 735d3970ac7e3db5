package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"empathyledger.org/internal/audit"
	"empathyledger.org/internal/consent"
	"empathyledger.org/internal/distribution"
	"empathyledger.org/internal/engagement"
	"empathyledger.org/internal/httpapi"
	"empathyledger.org/internal/obs"
	"empathyledger.org/internal/revocation"
	"empathyledger.org/internal/store/pg"
	"empathyledger.org/internal/stream"
	"empathyledger.org/internal/webhook"
)

var (
	version = "0.4.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg := loadConfig()

	var (
		store    *pg.Store
		consents consent.Ledger
		dists    distribution.Manager
		trail    audit.Trail
		eventLog engagement.Log
		probe    httpapi.ReadyProbe
	)
	if cfg.PostgresDSN != "" {
		var err error
		store, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		consents = store.Consents()
		dists = store.Distributions()
		trail = store.Audit()
		eventLog = store.Engagement()
		probe = httpapi.ReadyProbe{DB: store.DB()}
		log.Printf("Using postgres-backed stores")
	} else {
		memTrail := audit.NewInMemory()
		memConsents := consent.NewInMemory(memTrail)
		trail = memTrail
		consents = memConsents
		dists = distribution.NewInMemory(memConsents, memTrail)
		eventLog = engagement.NewMemoryLog()
		log.Printf("EMPATHY_PG_DSN not set; using in-memory stores")
	}

	sites := webhook.NewRegistry()
	events := stream.New()

	coord := revocation.NewCoordinator(revocation.Config{
		WithdrawalDeadline: cfg.WithdrawalDeadline,
		ModerationDeadline: cfg.ModerationDeadline,
	}, dists, webhook.NewClient(sites, cfg.WebhookTimeout), trail, events)

	// Withdraw hands live distributions to the coordinator; both backing
	// stores get the same wiring.
	if store != nil {
		store.SetRevoker(coord)
	} else {
		consents.(*consent.InMemory).SetRevoker(coord)
	}

	collector := engagement.NewCollector(dists, eventLog, trail, engagement.DefaultRateCard)

	api := httpapi.New(httpapi.Services{
		Consents:      consents,
		Distributions: dists,
		Collector:     collector,
		Coordinator:   coord,
		Trail:         trail,
		Sites:         sites,
		Stream:        events,
	}, probe, version)

	handler := api.Handler()
	handler = httpapi.RateLimit(handler, cfg.RateBurst, cfg.RatePerSecond)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.CORS(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.LoggingJSON(handler)
	handler = httpapi.RequestID(handler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: /v1/stream holds SSE connections open.
	}

	// Time-limited consents lapse on their own; the sweep catches the ones
	// nobody touched.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go expirySweep(sweepCtx, consents, cfg.ExpirySweepInterval)

	log.Printf("Starting empathy-ledger-syndication %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	// Let in-flight removal deliveries and queued engagement events land
	// before the stores go away.
	coord.Wait()
	collector.Close()
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}

func expirySweep(ctx context.Context, consents consent.Ledger, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			expired, err := consents.ExpireDue(ctx, now.UTC())
			if err != nil {
				obs.LogRequest(map[string]any{
					"level": "error",
					"msg":   "expiry sweep failed",
					"error": err.Error(),
				})
				continue
			}
			if len(expired) > 0 {
				obs.LogRequest(map[string]any{
					"level":   "info",
					"msg":     "consents expired",
					"expired": len(expired),
				})
			}
		}
	}
}

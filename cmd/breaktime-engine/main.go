package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/adimStrong/csr-breaktime/internal/aggregate"
	"github.com/adimStrong/csr-breaktime/internal/breaktypes"
	"github.com/adimStrong/csr-breaktime/internal/config"
	"github.com/adimStrong/csr-breaktime/internal/engine"
	"github.com/adimStrong/csr-breaktime/internal/httpapi"
	"github.com/adimStrong/csr-breaktime/internal/hub"
	"github.com/adimStrong/csr-breaktime/internal/models"
	"github.com/adimStrong/csr-breaktime/internal/scanner"
	"github.com/adimStrong/csr-breaktime/internal/store"
	"github.com/adimStrong/csr-breaktime/internal/store/memory"
	"github.com/adimStrong/csr-breaktime/internal/store/postgres"
	"github.com/adimStrong/csr-breaktime/internal/store/sqlite"
	"github.com/adimStrong/csr-breaktime/internal/telemetry"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("breaktime-engine")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatalf("load timezone %q: %v", cfg.Timezone, err)
	}

	registry := breaktypes.Defaults()
	if cfg.BreakTypesFile != "" {
		registry, err = breaktypes.LoadFile(cfg.BreakTypesFile)
		if err != nil {
			log.Fatalf("load break types: %v", err)
		}
	}

	st, cleanup, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer cleanup()

	h := hub.New()
	aggregator := aggregate.New(st, registry, loc, h)
	tracker := engine.NewTracker(st, registry, engine.Options{
		Applier:   aggregator,
		Publisher: h,
		Location:  loc,
	})

	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	err = tracker.Recover(recoverCtx)
	cancelRecover()
	if err != nil {
		log.Fatalf("recover sessions: %v", err)
	}

	realertInterval := time.Duration(0)
	if cfg.RealertEnabled {
		realertInterval = cfg.RealertInterval
	}
	scn := scanner.New(tracker, st, h, scanner.Config{
		Interval:        cfg.ScanInterval,
		RealertInterval: realertInterval,
		DegradedAfter:   cfg.DegradedAfter,
	})

	auth := httpapi.NewAuth(httpapi.AuthConfig{
		User:         cfg.DashboardUser,
		PasswordHash: cfg.DashboardPasswordHash,
		BotToken:     cfg.BotAPIToken,
		SessionTTL:   cfg.SessionTTL,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})
	handler := httpapi.NewHandler(tracker, aggregator, st, registry, httpapi.Options{Location: loc})

	streamOpen := cfg.DashboardPasswordHash == "" && cfg.BotAPIToken == ""
	sockjsHandler := sockjs.NewHandler("/stream", sockjs.DefaultOptions, func(session sockjs.Session) {
		if !streamOpen {
			token := strings.TrimSpace(session.Request().URL.Query().Get("token"))
			if !(cfg.BotAPIToken != "" && token == cfg.BotAPIToken) && !auth.ValidSession(token) {
				_ = session.Close(4001, "unauthorized")
				return
			}
		}

		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{AgentID: parsed.AgentID})
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/auth/login", auth.HandleLogin)
	mux.Handle("/stream/", sockjsHandler)
	mux.Handle("/", auth.Middleware(handler.Routes()))

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "breaktime-engine")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	go func() {
		log.Printf("breaktime-engine listening on %s (store=%s tz=%s)", server.Addr, cfg.StoreDriver, cfg.Timezone)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go scn.Run(runCtx)
	go runEndOfDay(runCtx, tracker, aggregator, loc)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancelRun()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func openStore(cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.NewStore(pool)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	case "memory":
		return memory.New(), func() {}, nil
	default:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}
}

// runEndOfDay closes out each log date at midnight in the engine timezone:
// team rollup, missing clock-back alerts for still-open sessions, and the
// daily summary digest.
func runEndOfDay(ctx context.Context, tracker *engine.Tracker, aggregator *aggregate.Aggregator, loc *time.Location) {
	for {
		now := time.Now().In(loc)
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			fired = fired.In(loc)
			closedDate := models.DateOf(fired.Add(-time.Minute), loc)
			open := tracker.ActiveBreaks(ctx)
			jobCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := aggregator.EndOfDay(jobCtx, closedDate, open, fired); err != nil {
				log.Printf("end of day %s error: %v", closedDate, err)
			}
			cancel()
		}
	}
}

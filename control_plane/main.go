package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cpcoord "github.com/itskum47/agentflux/control_plane/coordination"
	"github.com/itskum47/agentflux/control_plane/idempotency"
	"github.com/itskum47/agentflux/control_plane/incident"
	"github.com/itskum47/agentflux/control_plane/middleware"
	"github.com/itskum47/agentflux/control_plane/observability"
	"github.com/itskum47/agentflux/control_plane/store"
	"github.com/itskum47/agentflux/control_plane/streaming"
	"github.com/itskum47/agentflux/control_plane/timeline"
	"github.com/itskum47/agentflux/internal/checkpoint"
	"github.com/itskum47/agentflux/internal/coordination"
	"github.com/itskum47/agentflux/internal/metrics"
	"github.com/itskum47/agentflux/internal/queue"
	"github.com/itskum47/agentflux/internal/runtime"
)

func generateNodeID() string {
	hostname, _ := os.Hostname()
	return hostname + "-" + uuid.NewString()[:8]
}

// stubTransport is the dev-mode LLM transport: it echoes the payload after
// a short delay. Production embeds the real SDK via NewExecutionService.
func stubTransport(ctx context.Context, provider, model string, payload json.RawMessage) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	return payload, nil
}

func main() {
	// Limits: profile preset + env overrides.
	profile := runtime.ProfileDefault
	if os.Getenv("RUNTIME_PROFILE") == "stable" {
		profile = runtime.ProfileStable
	}
	limits := runtime.FromEnv(profile)
	log.Printf("Starting AgentFlux control plane (profile=%s, maxLLM=%d, maxRequests=%d)",
		profile, limits.MaxTotalActiveLLM, limits.MaxTotalActiveRequests)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Core runtime: metrics collector with rotating JSONL log, checkpoint
	// manager, file-based cross-instance coordinator.
	collector := metrics.New(metrics.WithLogger(metrics.NewLogger(filepath.Join(limits.ConfigDir, "metrics"))))
	ckpts := checkpoint.NewManager(limits.ConfigDir)

	runtimeDir := filepath.Join(limits.ConfigDir, "runtime")
	coord := coordination.New(runtimeDir,
		coordination.WithHeartbeatInterval(limits.HeartbeatInterval),
		coordination.WithHeartbeatTimeout(limits.HeartbeatTimeout),
	)
	cwd, _ := os.Getwd()
	if err := coord.RegisterInstance(rootCtx, uuid.NewString(), cwd); err != nil {
		log.Printf("⚠️ Instance registration failed (continuing single-instance): %v", err)
	} else {
		log.Printf("✅ Registered instance %s under %s", coord.InstanceID(), runtimeDir)
	}
	defer coord.UnregisterInstance()

	rt := runtime.New(limits,
		runtime.WithCoordinator(coord),
		runtime.WithCheckpoints(ckpts),
		runtime.WithCollector(collector),
	)
	defer rt.Shutdown()
	runtime.SetDefault(rt)

	// Durable store: Postgres when configured, memory otherwise.
	var s store.Store
	if connString := os.Getenv("DATABASE_URL"); connString != "" {
		pg, err := store.NewPostgresStore(rootCtx, connString)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		s = pg
		log.Printf("✅ Connected to Postgres for tenant registry and dispatch audit")
	} else {
		s = store.NewMemoryStore()
		log.Printf("⚠️ DATABASE_URL not set; using in-memory store (single-node dev mode)")
	}

	// Redis: leader election across API replicas + shared idempotency
	// cache. Optional; without it this replica always runs maintenance.
	var elector *cpcoord.LeaderElector
	var idemStore *idempotency.Store
	nodeID := generateNodeID()
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		redisStore, err := store.NewRedisStore(redisAddr, "", 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", redisAddr, err)
		}
		defer redisStore.Close()
		log.Printf("✅ Connected to Redis at %s for coordination and idempotency", redisAddr)

		idemStore = idempotency.NewStore(redisStore)
		elector = cpcoord.NewLeaderElector(redisStore, s, nodeID, 15*time.Second)

		janitor := cpcoord.NewLockJanitor(redisStore, s, time.Minute)
		elector.SetCallbacks(func(leaderCtx context.Context) {
			janitor.Start(leaderCtx)
		}, func() {})
		elector.Start(rootCtx)
		defer elector.Stop()
	} else {
		idemStore = idempotency.NewStore(nil)
		log.Printf("⚠️ REDIS_ADDR not set; leader election disabled, in-memory idempotency")
	}

	// Event streaming: log publisher until a broker is wired in.
	publisher := streaming.NewLogPublisher()
	defer publisher.Close()

	tl := timeline.NewStore()
	journal := incident.NewJournal(64)
	executor := NewExecutionService(rt, s, tl, publisher, journal, stubTransport)

	// Periodic upkeep: recovery ticks, persistence, checkpoint sweeps,
	// queue-state broadcast and work stealing. Stolen tasks run through
	// the execution service under their original priority, attributed to
	// the system tenant.
	maintenance := NewMaintenance(rt, func(e coordination.StealableEntry) {
		tenant := e.TenantKey
		if tenant == "" {
			tenant = "system"
		}
		if _, err := executor.Execute(rootCtx, tenant, TaskRequest{
			TaskID:   e.ID,
			ToolName: e.ToolName,
			Priority: queue.Priority(e.Priority).String(),
		}); err != nil {
			log.Printf("Stolen task %s execution bookkeeping error: %v", e.ID, err)
		}
	})
	if err := maintenance.Start(rootCtx); err != nil {
		log.Fatalf("Failed to start maintenance schedules: %v", err)
	}
	defer maintenance.Stop()

	// Instance visibility.
	monitor := cpcoord.NewInstanceMonitor(coord, 15*time.Second)
	monitor.Start(rootCtx)

	// Prometheus gauges.
	exporter := observability.NewExporter(rt, 5*time.Second)
	go exporter.Run(rootCtx)

	api := NewAPI(s, rt, executor, elector, tl, journal, idemStore)
	go api.wsHub.Run(rootCtx)

	mux := http.NewServeMux()

	// Tenants; registration is operator-only when token auth is active.
	mux.HandleFunc("/v1/tenants", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.handleListTenants(w, r)
			return
		}
		middleware.RequireRole("operator", api.handleUpsertTenant)(w, r)
	})

	// Tasks and permits
	mux.HandleFunc("/v1/tasks", api.withIdempotency(api.handleSubmitTask))
	mux.HandleFunc("/v1/plans", api.handleSubmitPlan)
	mux.HandleFunc("/v1/permits", api.handleRequestPermit)
	mux.HandleFunc("/v1/leases/", api.handleLeaseAction)
	mux.HandleFunc("/v1/outcomes", api.handleReportOutcome)

	// Introspection
	mux.HandleFunc("/v1/queue", api.handleGetQueue)
	mux.HandleFunc("/v1/leases", api.handleListLeases)
	mux.HandleFunc("/v1/instances", api.handleListInstances)
	mux.HandleFunc("/v1/dispatches", api.handleListDispatches)
	mux.HandleFunc("/v1/metrics/summary", api.handleMetricsSummary)
	mux.HandleFunc("/v1/health", api.handleHealth)

	// Dashboard + incidents
	mux.HandleFunc("/v1/dashboard", api.handleGetDashboard)
	mux.HandleFunc("/v1/dashboard/stream", api.handleDashboardStream)
	mux.HandleFunc("/v1/incidents/capture", api.handleCaptureIncident)
	mux.HandleFunc("/v1/incidents", api.handleListIncidents)
	mux.HandleFunc("/v1/incidents/", api.handleListIncidents)

	// Auth wraps the API; health and the Prometheus scrape stay open.
	// AUTH_DISABLED=true falls back to header-based tenancy for local dev
	// and the CLI.
	var protected http.Handler = middleware.AuthMiddleware(mux)
	if os.Getenv("AUTH_DISABLED") == "true" {
		log.Printf("⚠️ AUTH_DISABLED=true; using X-Tenant-ID header tenancy")
		protected = middleware.TenantMiddleware(mux)
	}
	handler := middleware.CORSMiddleware(protected)

	root := http.NewServeMux()
	root.Handle("/metrics", promhttp.Handler())
	root.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	root.Handle("/", handler)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{Addr: addr, Handler: root}

	go func() {
		log.Printf("Control plane listening on %s (node %s)", addr, nodeID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("Shutting down control plane…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	rootCancel()
}

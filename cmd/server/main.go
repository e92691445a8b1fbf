package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reclaimly/backend/internal/commission"
	"github.com/reclaimly/backend/internal/config"
	"github.com/reclaimly/backend/internal/database"
	"github.com/reclaimly/backend/internal/events"
	"github.com/reclaimly/backend/internal/evidence"
	"github.com/reclaimly/backend/internal/handlers"
	"github.com/reclaimly/backend/internal/infra"
	"github.com/reclaimly/backend/internal/middleware"
	"github.com/reclaimly/backend/internal/orchestrator"
	"github.com/reclaimly/backend/internal/policy"
	"github.com/reclaimly/backend/internal/queue"
	"github.com/reclaimly/backend/internal/sse"
	"github.com/reclaimly/backend/internal/webhooks"
	"github.com/reclaimly/backend/internal/websocket"
)

func main() {
	// .env is optional; real deployments inject environment directly.
	_ = godotenv.Load()

	configPath := envOr("CONFIG_PATH", "config/config.yaml")
	sellersPath := envOr("SELLERS_CONFIG_PATH", "config/sellers.yaml")
	manager, err := config.NewManager(configPath, sellersPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := manager.Global()

	port := envOr("PORT", cfg.Server.Port)
	if port == "" {
		port = "8080"
	}

	// Supabase holds detection results, thresholds, whitelist, evidence blobs.
	store, err := database.NewSupabaseStore()
	if err != nil {
		log.Fatalf("Failed to initialize Supabase store: %v", err)
	}

	// The ingestion database holds the synced marketplace snapshots.
	reader, err := database.NewIngestionReader(os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("Failed to connect to ingestion database: %v", err)
	}

	// Detection queue: Redis in production, in-memory fallback when it is
	// unreachable so local development still works.
	qcfg := queue.Config{
		BackpressureThreshold: cfg.Queue.BackpressureThreshold,
		MaxConcurrency:        cfg.Queue.MaxConcurrency,
		MaxAttempts:           cfg.Queue.MaxAttempts,
		StallTimeout:          time.Duration(cfg.Queue.StallTimeoutMinutes) * time.Minute,
		BackoffBase:           time.Duration(cfg.Queue.BackoffBaseSeconds) * time.Second,
	}
	var jobQueue queue.Queue
	redisAdapter, err := infra.NewGoRedisAdapter(cfg.Queue.RedisAddr, cfg.Queue.RedisPassword, 0)
	if err != nil {
		log.Printf("Redis unavailable (%v), using in-memory queue", err)
		jobQueue = queue.NewMemoryQueue(qcfg)
	} else {
		defer redisAdapter.Close()
		jobQueue = queue.NewRedisQueue(redisAdapter.Client(), qcfg)
	}

	// Policy window tracker and expiration sweep.
	tracker := policy.NewTracker(policy.DefaultClaimPolicies(), loadHolidays(cfg))
	sweeper := policy.NewSweeper(tracker, store)

	// Evidence documents land in Supabase Storage.
	bucket := cfg.Evidence.Bucket
	if bucket == "" {
		bucket = "evidence"
	}
	builder := evidence.NewBuilder(evidence.NewSupabaseBlobStore(store.Client(), bucket))

	// Streaming surfaces: per-seller SSE plus the operations WebSocket feed.
	hub := sse.NewHub()
	auth := sse.NewAuthenticator(envOr("STREAM_JWT_SECRET", cfg.Stream.JWTSecret), cfg.Stream.DemoMode)
	streamer := websocket.NewStreamer(nil)
	go streamer.Run()

	// Detection events also flow onto the durable event bus: Pub/Sub when a
	// project is configured, in-memory otherwise.
	var bus events.Emitter
	if project := os.Getenv("PUBSUB_PROJECT_ID"); project != "" {
		pubsubBus, err := events.NewPubSubEventBus(project, envOr("PUBSUB_TOPIC_ID", "detection-events"))
		if err != nil {
			log.Fatalf("Failed to initialize Pub/Sub event bus: %v", err)
		}
		defer pubsubBus.Close()
		bus = pubsubBus
	} else {
		bus = events.NewEventBus()
	}

	// Filing packets leave through webhooks: Cloud Tasks when configured,
	// otherwise the in-process dispatcher.
	registry := webhooks.NewRegistry()
	var emitter webhooks.Emitter
	if cfg.Filing.GCPProject != "" {
		cloud, err := webhooks.NewCloudDispatcher(registry,
			cfg.Filing.GCPProject, cfg.Filing.TasksLocation, cfg.Filing.TasksQueue,
			cfg.Filing.FallbackWorkers)
		if err != nil {
			log.Fatalf("Failed to initialize Cloud Tasks dispatcher: %v", err)
		}
		emitter = cloud
	} else {
		emitter = webhooks.NewDispatcher(registry, 4)
	}
	defer emitter.Shutdown()

	// Detection pipeline.
	orch := orchestrator.New(jobQueue, store, reader, builder, tracker,
		&liveNotifier{hub: hub, ws: streamer, bus: bus}, emitter,
		orchestrator.Config{
			Workers:    cfg.Detection.Workers,
			JobTimeout: time.Duration(cfg.Detection.JobTimeoutMinutes) * time.Minute,
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	// Commission billing.
	ledger, err := commission.NewLedgerFromEnv(store)
	if err != nil {
		log.Fatalf("Failed to initialize commission ledger: %v", err)
	}
	defer ledger.Close()
	engine := commission.NewEngine(ledger, commission.NewSupabaseMatchStore(store),
		cfg.Commission.Rate, time.Duration(cfg.Commission.DisputeWindowHours)*time.Hour)

	// Background expiration sweep over every seller with pending claims.
	go runExpirationSweep(ctx, sweeper, store, hub, streamer, emitter)

	// API key auth from SELLER_API_KEYS ("seller1:key1,seller2:key2").
	keyStore := middleware.NewAPIKeyStore()
	loadAPIKeys(keyStore)
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: 60,
		BurstSize:         20,
	})

	streamHandler := handlers.NewStreamHandler(hub, auth)
	queueAdmin := handlers.NewQueueAdminHandler(jobQueue)
	detections := handlers.NewDetectionsHandler(jobQueue, orch, store)

	router := mux.NewRouter()

	router.HandleFunc("/health", handlers.HealthCheck(map[string]func() bool{
		"queue":     func() bool { return jobQueue.Healthy(context.Background()) },
		"ingestion": func() bool { return reader.Healthy(context.Background()) },
	})).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/", handlers.HandleServiceCard()).Methods("GET")

	// SSE endpoints authenticate via JWT (query token or cookie), not the
	// seller API key, so browsers can connect directly.
	router.HandleFunc("/stream", streamHandler.Stream).Methods("GET")
	router.HandleFunc("/stream/status", streamHandler.Status).Methods("GET")
	router.HandleFunc("/stream/connections", streamHandler.ConnectionStatus).Methods("GET")
	router.HandleFunc("/stream/sync/{sync_id}/progress", streamHandler.SyncProgress).Methods("GET")
	router.HandleFunc("/stream/sync/{sync_id}/detections", streamHandler.DetectionUpdates).Methods("GET")
	router.HandleFunc("/stream/financial-events", streamHandler.FinancialEvents).Methods("GET")
	router.HandleFunc("/stream/notifications", streamHandler.Notifications).Methods("GET")

	router.HandleFunc("/ws", streamer.HandleWebSocket)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(limiter.Middleware)
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.SellerAuth(keyStore, h)
	}

	api.HandleFunc("/detections/trigger", authed(detections.Trigger)).Methods("POST")
	api.HandleFunc("/detections/sync/{sync_id}", authed(detections.BySync)).Methods("GET")
	api.HandleFunc("/detections/pending", authed(detections.Pending)).Methods("GET")

	api.HandleFunc("/queue-stats", authed(queueAdmin.Stats)).Methods("GET")
	api.HandleFunc("/queue-jobs", authed(queueAdmin.Jobs)).Methods("GET")
	api.HandleFunc("/queue-retry/{jobId}", authed(queueAdmin.Retry)).Methods("POST")

	api.HandleFunc("/claims/expiring", authed(expiringClaims(sweeper))).Methods("GET")

	api.HandleFunc("/invoices", authed(listInvoices(ledger))).Methods("GET")
	api.HandleFunc("/invoices/generate", authed(generateInvoice(engine))).Methods("POST")
	api.HandleFunc("/invoices/{id}/dispute", authed(disputeInvoice(engine))).Methods("POST")
	api.HandleFunc("/invoices/{id}/finalize", authed(finalizeInvoice(engine))).Methods("POST")

	api.HandleFunc("/webhooks", authed(registerWebhook(registry))).Methods("POST")
	api.HandleFunc("/webhooks", authed(listWebhooks(registry))).Methods("GET")
	api.HandleFunc("/webhooks/{id}", authed(unregisterWebhook(registry))).Methods("DELETE")
	if d, ok := emitter.(*webhooks.Dispatcher); ok {
		api.HandleFunc("/webhooks/breakers", authed(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.BreakerStats())
		})).Methods("GET")
	}

	router.Use(handlers.MakeCORSMiddleware(cfg))
	router.Use(handlers.LoggingMiddleware)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	// Cloud Run sends SIGTERM on scale-down.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Reclaimly detection backend starting on port %s", port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadHolidays parses configured holiday dates, falling back to the
// built-in US federal calendar.
func loadHolidays(cfg *config.Config) []time.Time {
	if len(cfg.Policy.HolidayDates) == 0 {
		return policy.DefaultUSHolidays()
	}
	var out []time.Time
	for _, d := range cfg.Policy.HolidayDates {
		t, err := time.Parse("2006-01-02", d)
		if err != nil {
			log.Printf("Skipping malformed holiday date %q: %v", d, err)
			continue
		}
		out = append(out, t)
	}
	return out
}

// loadAPIKeys seeds the key store from SELLER_API_KEYS.
func loadAPIKeys(store *middleware.APIKeyStore) {
	raw := os.Getenv("SELLER_API_KEYS")
	if raw == "" {
		log.Println("SELLER_API_KEYS not set, API endpoints will refuse all requests")
		return
	}
	count := 0
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		if err := store.SetKey(parts[0], parts[1]); err != nil {
			log.Printf("Failed to store API key for %s: %v", parts[0], err)
			continue
		}
		count++
	}
	log.Printf("Loaded API keys for %d sellers", count)
}

// liveNotifier fans detection events out to the SSE hub, the WebSocket
// feed, and the durable event bus.
type liveNotifier struct {
	hub *sse.Hub
	ws  *websocket.Streamer
	bus events.Emitter
}

func (n *liveNotifier) SendEvent(userID, eventType string, data map[string]interface{}) {
	n.hub.SendEvent(userID, eventType, data)

	syncID, _ := data["sync_id"].(string)
	n.bus.Emit(eventType, "/api/v1/detections", syncID, data)

	switch eventType {
	case "detection_updates":
		n.ws.StreamAnomalyFound(userID, syncID, data)
	case "sync_progress":
		n.ws.StreamJobProgress(userID, syncID, data)
	}
}

// runExpirationSweep periodically rechecks every pending claim's filing
// window, pushes notifications for urgent ones, and expires the rest.
func runExpirationSweep(
	ctx context.Context,
	sweeper *policy.Sweeper,
	store *database.SupabaseStore,
	hub *sse.Hub,
	streamer *websocket.Streamer,
	emitter webhooks.Emitter,
) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sellers, err := store.ListSellersWithPendingClaims(ctx)
		if err != nil {
			log.Printf("Expiration sweep: %v", err)
			continue
		}

		for _, sellerID := range sellers {
			claims, err := sweeper.CheckExpiringClaims(ctx, sellerID)
			if err != nil {
				log.Printf("Expiration sweep for %s: %v", sellerID, err)
				continue
			}

			for _, st := range append(claims.Urgent, claims.ExpiringSoon...) {
				if st.AlertSent {
					continue
				}
				hub.SendEvent(sellerID, "notifications", map[string]interface{}{
					"kind":            "claim_deadline",
					"anomaly_id":      st.AnomalyID,
					"claim_type":      st.ClaimType,
					"days_remaining":  st.Window.DaysRemaining,
					"deadline_date":   st.Window.DeadlineDate.Format("2006-01-02"),
					"alert_level":     st.Window.AlertLevel,
					"alert_message":   st.Window.AlertMessage,
					"estimated_value": st.EstimatedValue,
				})
				streamer.StreamDeadlineAlert(sellerID, st.AnomalyID,
					st.Window.DaysRemaining, string(st.Window.FilingRecommendation))
				emitter.Emit(webhooks.EventDeadlineExpiring, sellerID, map[string]interface{}{
					"anomaly_id":     st.AnomalyID,
					"claim_type":     st.ClaimType,
					"days_remaining": st.Window.DaysRemaining,
				})
			}

			if _, err := sweeper.SendExpirationAlerts(ctx, sellerID); err != nil {
				log.Printf("Alert pass for %s: %v", sellerID, err)
			}
		}
	}
}

// Commission and webhook endpoints are thin closures over their engines,
// scoped to the authenticated seller.

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func listInvoices(ledger commission.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID, _ := middleware.SellerFrom(r.Context())
		invoices, err := ledger.ListInvoices(r.Context(), sellerID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":    len(invoices),
			"invoices": invoices,
		})
	}
}

func generateInvoice(engine *commission.Engine) http.HandlerFunc {
	type request struct {
		PeriodStart time.Time `json:"period_start"`
		PeriodEnd   time.Time `json:"period_end"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID, _ := middleware.SellerFrom(r.Context())

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.PeriodStart.IsZero() || !req.PeriodEnd.After(req.PeriodStart) {
			http.Error(w, "period_start and period_end must form a valid interval", http.StatusBadRequest)
			return
		}

		inv, err := engine.GenerateInvoice(r.Context(), sellerID, req.PeriodStart, req.PeriodEnd)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		writeJSON(w, http.StatusCreated, inv)
	}
}

func disputeInvoice(engine *commission.Engine) http.HandlerFunc {
	type request struct {
		MatchIDs []string `json:"match_ids"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.MatchIDs) == 0 {
			http.Error(w, "match_ids is required", http.StatusBadRequest)
			return
		}

		inv, err := engine.Dispute(r.Context(), mux.Vars(r)["id"], req.MatchIDs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, inv)
	}
}

func finalizeInvoice(engine *commission.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inv, err := engine.Finalize(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, inv)
	}
}

func registerWebhook(registry *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID, _ := middleware.SellerFrom(r.Context())

		var sub webhooks.Subscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		sub.SellerID = sellerID

		if err := registry.Register(&sub); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}

func listWebhooks(registry *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID, _ := middleware.SellerFrom(r.Context())

		var mine []*webhooks.Subscription
		for _, sub := range registry.ListAll() {
			if sub.SellerID == sellerID {
				mine = append(mine, sub)
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":    len(mine),
			"webhooks": mine,
		})
	}
}

func unregisterWebhook(registry *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := registry.Unregister(mux.Vars(r)["id"]); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func expiringClaims(sweeper *policy.Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID, _ := middleware.SellerFrom(r.Context())
		claims, err := sweeper.CheckExpiringClaims(r.Context(), sellerID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, claims)
	}
}

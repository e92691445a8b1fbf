package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/reclaimly/backend/internal/config"
)

// MakeCORSMiddleware returns CORS middleware using config origins.
// Multiple allowed origins are handled by echoing back the request's Origin
// header when it matches, since Access-Control-Allow-Origin takes one value.
// Supports wildcard patterns (e.g. "https://*.run.app") by suffix matching.
func MakeCORSMiddleware(cfg *config.Config) mux.MiddlewareFunc {
	// Separate exact origins from wildcard patterns
	exact := make(map[string]bool, len(cfg.Server.CORSAllowOrigins))
	var wildcardSuffixes []string
	allowAll := false
	for _, o := range cfg.Server.CORSAllowOrigins {
		if o == "*" {
			allowAll = true
		} else if strings.Contains(o, "*") {
			// "https://*.run.app" becomes suffix ".run.app" with scheme "https://"
			suffix := strings.Replace(o, "*", "", 1)
			wildcardSuffixes = append(wildcardSuffixes, suffix)
		} else {
			exact[o] = true
		}
	}

	originAllowed := func(origin string) bool {
		if exact[origin] {
			return true
		}
		for _, suffix := range wildcardSuffixes {
			parts := strings.SplitN(suffix, "//", 2)
			if len(parts) == 2 {
				scheme := parts[0] + "//"
				domainSuffix := parts[1]
				if strings.HasPrefix(origin, scheme) && strings.HasSuffix(origin, domainSuffix) {
					return true
				}
			} else if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				// Vary must be set when the response depends on the Origin header
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers",
				"Content-Type, Authorization, X-Seller-ID, X-API-Key, X-Request-ID, Accept")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs each request in JSON format.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		// Cloud Run compatible format (JSON)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// HealthCheck reports process liveness plus dependency reachability.
func HealthCheck(deps map[string]func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		checks := make(map[string]bool, len(deps))
		for name, probe := range deps {
			up := probe()
			checks[name] = up
			if !up {
				status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    status,
			"checks":    checks,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// HandleServiceCard returns the service discovery card.
func HandleServiceCard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"name":    "Reclaimly Detection Backend",
			"version": "1.0.0",
			"description": "FBA reimbursement anomaly detection: lost units, damaged " +
				"stock, fee overcharges, SLA breaches, and claim-window tracking.",
			"capabilities": []string{
				"detection", "evidence", "policy-windows", "queue-admin",
				"sse-stream", "commission",
			},
			"endpoints": map[string]string{
				"trigger":     "/api/v1/detections/trigger",
				"detections":  "/api/v1/detections/{syncId}",
				"pending":     "/api/v1/detections/pending",
				"queue_stats": "/api/v1/queue-stats",
				"queue_jobs":  "/api/v1/queue-jobs",
				"queue_retry": "/api/v1/queue-retry/{jobId}",
				"stream":      "/stream",
				"status":      "/status",
				"health":      "/health",
				"metrics":     "/metrics",
			},
			"authentication": "Bearer API key via Authorization header plus X-Seller-ID",
		})
	}
}

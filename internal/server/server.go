// Package server provides HTTP server initialization and lifecycle management
// for the ChatSense API.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/chatsense/internal/config"
	"github.com/scrypster/chatsense/internal/engine"
	"github.com/scrypster/chatsense/internal/knowledge"
	"github.com/scrypster/chatsense/internal/scoring"
	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
	"github.com/scrypster/chatsense/web/handlers"
)

// Deps bundles the components the HTTP layer serves.
type Deps struct {
	Engine     *engine.Engine
	Analyses   storage.AnalysisStore
	Knowledge  storage.KnowledgeStore
	Reports    storage.ReportStore
	Aggregator *knowledge.Aggregator
	Scorer     *scoring.Scorer
}

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start initializes and starts the HTTP server.
// Returns the actual address being listened on (useful for testing with port 0)
// and the WebSocketHub that broadcasts task completion events.
// Call Start before deps.Engine.Start so the completion callback is wired
// ahead of the first worker claim.
func Start(ctx context.Context, cfg *config.Config, deps Deps) (string, *handlers.WebSocketHub, error) {
	mux := http.NewServeMux()

	// Create WebSocket hub and wire task completion broadcasts
	wsHub := handlers.NewWebSocketHub(cfg.Server.Host, cfg.Server.Port)
	go wsHub.Run()

	deps.Engine.SetOnTaskComplete(func(task *types.Task) {
		wsHub.Broadcast(handlers.TaskEvent{
			TaskID:    task.ID,
			MessageID: task.MessageID,
			RoomID:    task.RoomID,
			Type:      task.Type,
			Status:    string(task.Status),
		})
	})

	rateLimiter := handlers.NewRateLimiter(cfg.Security.RateLimit, cfg.Security.RateBurst)

	apiHandlers := handlers.NewAPIHandlers(deps.Engine, deps.Analyses, deps.Knowledge, deps.Reports, deps.Aggregator, deps.Scorer, cfg)

	// API routes (require auth in production mode)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			apiHandlers.IngestMessage(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/rooms/{room}/analyses", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			apiHandlers.ListAnalyses(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/analyses/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			apiHandlers.GetAnalysis(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			apiHandlers.Search(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/rooms/{room}/knowledge", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			apiHandlers.ListKnowledge(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/knowledge/{id}/vote", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			apiHandlers.VoteKnowledge(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/knowledge/{id}/verify", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			apiHandlers.VerifyKnowledge(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/reports/{type}/{date}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			apiHandlers.GetReport(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/queue/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			apiHandlers.QueueStats(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/queue/dead", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			apiHandlers.DeadTasks(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	apiMux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","version":"1.0.0"}`))
	})

	// Wrap API routes with auth middleware; the health endpoint stays
	// open for bridges and monitoring.
	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg, "/api/health"))

	// WebSocket endpoint (no auth required - origin validation handles security)
	mux.Handle("/ws/activity", wsHub)

	// Wrap entire server with rate limiting, then security headers
	handler := handlers.RateLimitMiddleware(mux, rateLimiter)
	handler = securityHeadersMiddleware(handler)

	// Create server with security timeouts
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	actualAddr := listener.Addr().String()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		wsHub.Stop()
	}()

	return actualAddr, wsHub, nil
}

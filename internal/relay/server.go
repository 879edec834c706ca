// Package relay hosts the HTTP/WebSocket front of the sync relay.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/pagesync/pagesync/internal/config"
	"github.com/pagesync/pagesync/internal/hub"
	"github.com/pagesync/pagesync/internal/security"
	"github.com/pagesync/pagesync/internal/storage"
)

var upgrader = gorilla.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: Configure CORS properly
	},
}

// Server is the HTTP server wrapping the broadcast hub.
type Server struct {
	config      *config.Config
	hub         *hub.Hub
	connLimiter *security.ConnectionLimiter
	server      *http.Server
}

// New creates a server around the given store and optional fanout, and starts
// the hub loop.
func New(cfg *config.Config, store storage.Store, fanout *hub.Fanout) *Server {
	h := hub.NewHub(cfg.JWTSecret, store, fanout)
	go h.Run()

	return &Server{
		config:      cfg,
		hub:         h,
		connLimiter: security.NewConnectionLimiter(),
	}
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"name":        "PageSync Relay",
		"version":     "0.2.0",
		"description": "Real-time collaborative page synchronization relay",
		"endpoints": map[string]string{
			"health": "/health",
			"ws":     "/ws",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   "0.2.0",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := requestIP(r)
	if !s.connLimiter.CanConnect(clientIP) {
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	s.connLimiter.AddConnection(clientIP)

	conn := hub.NewConnection(generateConnID(), clientIP, ws, s.hub, s.connLimiter)
	s.hub.Register <- conn

	go conn.WritePump()
	go conn.ReadPump()
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func generateConnID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

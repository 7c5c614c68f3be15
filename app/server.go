package app

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"coach-collab/pkg/config"
	"coach-collab/pkg/db"
	"coach-collab/pkg/handlers"
	"coach-collab/pkg/hub"
)

// Server is the dev relay application server
type Server struct {
	router   *mux.Router
	hub      *hub.Hub
	handlers *handlers.Handlers
	store    db.SnapshotStore
	config   *config.Config
	log      zerolog.Logger
}

// NewServer creates a new server instance. With no DATABASE_URL configured,
// snapshots live in memory only.
func NewServer(cfg *config.Config, log zerolog.Logger) (*Server, error) {
	var store db.SnapshotStore
	if connStr := cfg.GetDatabaseConnectionString(); connStr != "" {
		pgStore, err := db.NewPostgresSnapshotStore(connStr)
		if err != nil {
			return nil, err
		}
		store = pgStore
		log.Info().Msg("using postgres snapshot store")
	} else {
		store = db.NewMemorySnapshotStore()
		log.Info().Msg("using in-memory snapshot store")
	}

	sessionHub := hub.NewHub(store, log)
	issuer := handlers.NewTokenIssuer(cfg.TokenTTL)
	h := handlers.NewHandlers(sessionHub, issuer, log)

	r := mux.NewRouter()

	// WebSocket endpoint for the relay connection
	r.HandleFunc("/ws/{sessionId}", h.HandleWebSocket)

	// Token endpoint consumed by the client core's credential fetch
	r.HandleFunc("/api/collab/token", h.HandleToken).Methods("POST")

	// Read-only session endpoints
	r.HandleFunc("/api/sessions/{sessionId}", h.GetSession).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionId}/participants", h.GetSessionParticipants).Methods("GET")

	return &Server{
		router:   r,
		hub:      sessionHub,
		handlers: h,
		store:    store,
		config:   cfg,
		log:      log,
	}, nil
}

// Router exposes the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return corsMiddleware(s.router)
}

// Start starts the server
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.config.GetServerAddr()
	}
	s.log.Info().Str("addr", addr).Msg("starting collaboration dev relay")
	// Wrap the router with a top-level CORS middleware so that
	// preflight (OPTIONS) requests are handled before mux does
	// method-based matching (which can otherwise return 405).
	return http.ListenAndServe(addr, corsMiddleware(s.router))
}

// corsMiddleware handles CORS headers and responds to preflight requests
// at the outer layer so they don't get rejected by method-restricted routes.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			// Reflect the origin for stricter CORS (avoids some browser issues with credentials)
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		// If the browser asked for specific headers, echo them back; otherwise allow common headers
		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		w.Header().Set("Access-Control-Max-Age", "600")
		w.Header().Add("Vary", "Origin")
		w.Header().Add("Vary", "Access-Control-Request-Headers")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Close closes the server and its store
func (s *Server) Close() error {
	return s.store.Close()
}

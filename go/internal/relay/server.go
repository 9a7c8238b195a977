package relay

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Handler builds the relay's HTTP surface:
//
//	GET /ws/{channelID}?peer=<id>  WebSocket subscription and publish
//	GET /health
//	GET /stats
func Handler(h *Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws/{channelID}", func(w http.ResponseWriter, req *http.Request) {
		channelID, err := url.PathUnescape(chi.URLParam(req, "channelID"))
		if err != nil || channelID == "" {
			http.Error(w, "invalid channel id", http.StatusBadRequest)
			return
		}
		peerID := req.URL.Query().Get("peer")
		if peerID == "" {
			http.Error(w, "peer is required", http.StatusBadRequest)
			return
		}
		if err := h.Upgrade(w, req, channelID, peerID); err != nil {
			log.Error().
				Err(err).
				Str("channel_id", channelID).
				Str("peer_id", peerID).
				Msg("failed to upgrade WebSocket connection")
			// The upgrader has already written an error response.
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(h.Stats()); err != nil {
				log.Error().Err(err).Msg("failed to encode stats")
			}
		})
	})

	return r
}

// NewServer wraps the handler with CORS and h2c the way the API server does.
func NewServer(addr string, h *Hub) *http.Server {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         86400,
	})
	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(corsHandler.Handler(Handler(h)), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

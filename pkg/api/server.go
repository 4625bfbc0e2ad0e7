package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cwhitfield/duet/pkg/log"
	"github.com/gorilla/mux"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// APIServer serves the local status surface: the current pipeline status,
// the last session snapshot, and a live status event stream.
type APIServer struct {
	server *http.Server
}

type NewAPIServerOptions struct {
	Port    int
	Tracker *Tracker
}

// NewAPIServer creates a new http.Server for the status API
func NewAPIServer(opts NewAPIServerOptions) *APIServer {
	router := mux.NewRouter()
	router.HandleFunc("/status", handleStatus(opts.Tracker)).Methods(http.MethodGet)
	router.HandleFunc("/session", handleSession(opts.Tracker)).Methods(http.MethodGet)
	router.HandleFunc("/status/ws", handleStatusStream(opts.Tracker))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}
	return &APIServer{
		server: server,
	}
}

// Start starts the APIServer
func (s *APIServer) Start() {
	log.Info("API server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			log.Info("API server closed")
			return
		}
		log.Error("API server error: %v", err)
	}
}

// Stop stops the APIServer
func (s *APIServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func handleStatus(tracker *Tracker) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		current, history := tracker.Current()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"current": current,
			"history": history,
		}); err != nil {
			log.Error("error encoding response: %v", err)
			http.Error(w, "error encoding response", http.StatusInternalServerError)
		}
	}
}

func handleSession(tracker *Tracker) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		session := tracker.Session()
		if session == nil {
			http.Error(w, "no session", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(session); err != nil {
			log.Error("error encoding response: %v", err)
			http.Error(w, "error encoding response", http.StatusInternalServerError)
		}
	}
}

func handleStatusStream(tracker *Tracker) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Error("Failed to upgrade to WebSocket: %v", err)
			return
		}
		defer conn.CloseNow()
		log.Debug("New status stream connection from %s", r.RemoteAddr)

		stream, stop := tracker.Stream()
		defer stop()

		// Replay the current status so late subscribers start in sync.
		current, _ := tracker.Current()
		if current.Status != "" {
			if err := wsjson.Write(r.Context(), conn, current); err != nil {
				return
			}
		}
		for {
			select {
			case <-r.Context().Done():
				return
			case event := <-stream:
				if err := wsjson.Write(r.Context(), conn, event); err != nil {
					log.Trace("Status stream closed for %s", r.RemoteAddr)
					return
				}
			}
		}
	}
}

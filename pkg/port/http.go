package port

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nobletooth/podium/pkg/board"
	"github.com/nobletooth/podium/pkg/utils"
)

var httpAddress = flag.String("http_address", ":8080",
	"The ip:port to listen on for the HTTP API; empty disables it.")

type leaderboardResponse struct {
	Leaderboard []board.ScoreRecord `json:"leaderboard"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, apiError{Code: code, Message: err.Error()})
}

// NewHTTPHandler builds the HTTP API.
// Routes:
//   - POST /update_score?player_id=1&score=50
//   - GET  /leaderboard?top=10
//   - GET  /score?player_id=1
//   - GET  /healthz
//   - GET  /metrics
//   - WS   /ws (only when `updates` is non-nil)
func NewHTTPHandler(lb Leaderboard, updates *Hub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /update_score", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		playerID, err := parsePlayerID(query.Get("player_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_player_id", err)
			return
		}
		score, err := parseScore(query.Get("score"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_score", err)
			return
		}
		if err := lb.UpdateScore(r.Context(), playerID, score); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", err)
			return
		}
		if updates != nil {
			updates.Publish(ScoreUpdate{PlayerID: playerID, Score: score, At: time.Now()})
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /leaderboard", func(w http.ResponseWriter, r *http.Request) {
		n, err := parseTopN(r.URL.Query().Get("top"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_top", err)
			return
		}
		writeJSON(w, http.StatusOK, leaderboardResponse{Leaderboard: board.Ranking(lb.TopN(r.Context(), n))})
	})

	mux.HandleFunc("GET /score", func(w http.ResponseWriter, r *http.Request) {
		playerID, err := parsePlayerID(r.URL.Query().Get("player_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_player_id", err)
			return
		}
		score, found := lb.Score(r.Context(), playerID)
		if !found {
			writeError(w, http.StatusNotFound, "not_found", fmt.Errorf("player %d has no score", playerID))
			return
		}
		writeJSON(w, http.StatusOK, board.ScoreRecord{PlayerID: playerID, Score: score})
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := lb.Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"mode":    stats.Mode.String(),
			"version": utils.Version,
			"uptime":  utils.Uptime().Round(time.Second).String(),
		})
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	if updates != nil {
		mux.Handle("GET /ws", updates)
	}
	return mux
}

// RunHTTPServer serves the HTTP API on --http_address until the context is done. It returns immediately when
// the flag is empty.
func RunHTTPServer(ctx context.Context, lb Leaderboard, updates *Hub) error {
	if *httpAddress == "" {
		slog.Info("HTTP API is disabled.")
		return nil
	}
	listener, err := net.Listen("tcp", *httpAddress)
	if err != nil {
		return fmt.Errorf("failed to listen for http: %w", err)
	}
	return serveHTTP(ctx, listener, NewHTTPHandler(lb, updates))
}

// serveHTTP serves on the listener and shuts down gracefully once the context is done.
func serveHTTP(ctx context.Context, listener net.Listener, handler http.Handler) error {
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()
	slog.Info("HTTP API is listening.", "address", listener.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		return nil
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server stopped unexpectedly: %w", err)
	}
}

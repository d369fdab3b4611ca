package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"cardlink/cmd/internal/audit"
	"cardlink/cmd/internal/cardlink"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type opsDeps struct {
	dbPool  *pgxpool.Pool
	audit   audit.Store
	session func() *cardlink.Session
}

type currentSession struct {
	SessionID       string    `json:"session_id"`
	State           string    `json:"state"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	CardFingerprint string    `json:"card_fingerprint,omitempty"`
	APDUCount       int       `json:"apdu_count"`
	StartedAt       time.Time `json:"started_at"`
}

type sessionsResponse struct {
	Current *currentSession `json:"current"`
	Recent  []audit.Entry   `json:"recent"`
}

func registerOps(mux *http.ServeMux, log Logger, deps opsDeps) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.dbPool != nil {
			if err := PingDB(r.Context(), deps.dbPool, dbReadyPingTimeout); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		resp := sessionsResponse{Recent: []audit.Entry{}}
		if deps.session != nil {
			if s := deps.session(); s != nil {
				resp.Current = &currentSession{
					SessionID:       s.ID,
					State:           s.State().String(),
					CorrelationID:   s.CorrelationID(),
					CardFingerprint: s.CardFingerprint(),
					APDUCount:       s.APDUCount(),
					StartedAt:       s.StartedAt,
				}
			}
		}
		if deps.audit != nil {
			recent, err := deps.audit.Recent(r.Context(), limit)
			if err != nil {
				log.Error("sessions.recent.fail", "err", err)
				http.Error(w, "audit store unavailable", http.StatusServiceUnavailable)
				return
			}
			resp.Recent = recent
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/mathdee/raftkv/internal/consensus"
)

// StatusResponse mirrors the teacher's StatusResponse, renamed to the
// new engine's accessor names.
type StatusResponse struct {
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	ID          string `json:"id"`
	LogLength   int    `json:"logLength"`
	CommitIndex int    `json:"commitIndex"`
}

// HTTPServer exposes /status and /metrics for one node. It is optional
// ambient observability infra, not a spec-named module: nothing reads
// from it, and it never mutates engine state.
type HTTPServer struct {
	engine  *consensus.Engine
	metrics *Metrics
	log     *logrus.Entry
}

func NewHTTPServer(engine *consensus.Engine, m *Metrics, log *logrus.Entry) *HTTPServer {
	return &HTTPServer{engine: engine, metrics: m, log: log}
}

// Start serves forever on addr; callers run it on its own goroutine.
func (h *HTTPServer) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(StatusResponse{
			Role:        string(h.engine.Role()),
			Term:        h.engine.Term(),
			ID:          h.engine.ID(),
			LogLength:   h.engine.LogLength(),
			CommitIndex: h.engine.CommitIndex(),
		})
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h.metrics.Snapshot())
	})

	h.log.WithField("addr", addr).Info("metrics HTTP server listening")
	return http.ListenAndServe(addr, mux)
}

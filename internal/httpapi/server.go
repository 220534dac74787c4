package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"quantbt/internal/domain"
	"quantbt/internal/store"
)

const dateLayout = "2006-01-02"

// Server serves the read-only HTTP API.
type Server struct {
	bars   store.BarStore
	orders store.OrderStore
	runs   *store.RunWriter
	log    *slog.Logger
}

// NewServer creates a Server. orders may be nil, which disables /api/orders.
func NewServer(bars store.BarStore, orders store.OrderStore, runs *store.RunWriter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		bars:   bars,
		orders: orders,
		runs:   runs,
		log:    log.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/symbols", s.handleSymbols)
	mux.HandleFunc("GET /api/bars/{symbol}", s.handleBars)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunSummary)
	mux.HandleFunc("GET /api/runs/{id}/ledger", s.handleRunLedger)
	mux.HandleFunc("GET /api/runs/{id}/fills", s.handleRunFills)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Bars and orders
// ---------------------------------------------------------------------------

func market(r *http.Request) string {
	if m := r.URL.Query().Get("market"); m != "" {
		return m
	}
	return string(domain.MarketUS)
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	syms, err := s.bars.ListSymbols(r.Context(), market(r))
	if err != nil {
		s.log.Error("listing symbols", "error", err)
		writeError(w, http.StatusInternalServerError, "listing symbols failed")
		return
	}
	if syms == nil {
		syms = []string{}
	}
	writeJSON(w, syms)
}

// handleBars serves GET /api/bars/{symbol}?market=&start=&end=. The range
// defaults to the last year and end is inclusive.
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	q := r.URL.Query()

	end := time.Now().UTC()
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end date")
			return
		}
		end = t.Add(24*time.Hour - time.Nanosecond)
	}
	start := end.AddDate(-1, 0, 0)
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start date")
			return
		}
		start = t
	}
	if start.After(end) {
		writeError(w, http.StatusBadRequest, "start is after end")
		return
	}

	bars, err := s.bars.ReadBars(r.Context(), symbol, market(r), start, end)
	if err != nil {
		s.log.Error("reading bars", "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "reading bars failed")
		return
	}
	out := make([]BarJSON, len(bars))
	for i, b := range bars {
		out[i] = barToJSON(b)
	}
	writeJSON(w, out)
}

// handleOrders serves GET /api/orders?status=.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order store not configured")
		return
	}
	status := domain.OrderStatus(strings.ToUpper(r.URL.Query().Get("status")))
	orders, err := s.orders.ListOrders(r.Context(), status)
	if err != nil {
		s.log.Error("listing orders", "error", err)
		writeError(w, http.StatusInternalServerError, "listing orders failed")
		return
	}
	out := make([]OrderJSON, len(orders))
	for i, o := range orders {
		out[i] = orderToJSON(o)
	}
	writeJSON(w, out)
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func (s *Server) handleRuns(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.runs.ListRuns()
	if err != nil {
		s.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, "listing runs failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, ids)
}

// runID extracts and validates the {id} path value.
func runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if id == "" || filepath.Base(id) != id || id == ".." {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return "", false
	}
	return id, true
}

func (s *Server) runError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.log.Error("reading run", "run_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "reading run failed")
}

func (s *Server) handleRunSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	var summary map[string]any
	if err := s.runs.ReadSummary(id, &summary); err != nil {
		s.runError(w, id, err)
		return
	}
	writeJSON(w, summary)
}

func (s *Server) handleRunLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	recs, err := s.runs.ReadLedger(id)
	if err != nil {
		s.runError(w, id, err)
		return
	}
	out := make([]EquityJSON, len(recs))
	for i, rec := range recs {
		out[i] = equityToJSON(rec)
	}
	writeJSON(w, out)
}

func (s *Server) handleRunFills(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	fills, err := s.runs.ReadFills(id)
	if err != nil {
		s.runError(w, id, err)
		return
	}
	out := make([]FillJSON, len(fills))
	for i, f := range fills {
		out[i] = fillToJSON(f)
	}
	writeJSON(w, out)
}

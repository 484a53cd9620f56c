package api

import (
	"context"
	"deltasync/pkg/checkpoint"
	"deltasync/pkg/common"
	"deltasync/pkg/core"
	"deltasync/pkg/monitor"
	"deltasync/pkg/storage"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Syncer is the part of core.Synchronizer the server drives.
type Syncer interface {
	Run(ctx context.Context, table string, opts core.RunOptions) (core.Report, error)
	Checkpoint(ctx context.Context, table string) (checkpoint.State, error)
	Rows(ctx context.Context, table string, from, to *common.KeyType, limit int) (*common.Batch, error)
	Tables() []string
	Stats() *monitor.SyncStats
}

type Server struct {
	syncer  Syncer
	journal storage.Journal
	logger  zerolog.Logger
	mux     *http.ServeMux
	busy    sync.Map
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithJournal enables /api/runs.
func WithJournal(j storage.Journal) Option {
	return func(s *Server) { s.journal = j }
}

func NewServer(syncer Syncer, opts ...Option) *Server {
	s := &Server{syncer: syncer, logger: zerolog.Nop(), mux: http.NewServeMux()}
	for _, o := range opts {
		o(s)
	}
	s.mux.HandleFunc("/api/run", s.handleRun)
	s.mux.HandleFunc("/api/checkpoint", s.handleCheckpoint)
	s.mux.HandleFunc("/api/rows", s.handleRows)
	s.mux.HandleFunc("/api/tables", s.handleTables)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/runs", s.handleRuns)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnknownTable):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyInitialized):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	table := r.URL.Query().Get("table")
	if table == "" {
		http.Error(w, "Missing table", http.StatusBadRequest)
		return
	}
	var opts core.RunOptions
	if v := r.URL.Query().Get("reinit"); v != "" {
		reinit, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid reinit", http.StatusBadRequest)
			return
		}
		opts.Reinit = reinit
	}

	key := strings.ToLower(table)
	if _, running := s.busy.LoadOrStore(key, struct{}{}); running {
		writeError(w, http.StatusConflict, fmt.Errorf("run of %s already in progress", table))
		return
	}
	defer s.busy.Delete(key)

	report, err := s.syncer.Run(r.Context(), table, opts)
	if err != nil {
		s.logger.Error().Err(err).Str("table", table).Msg("run request failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table == "" {
		http.Error(w, "Missing table", http.StatusBadRequest)
		return
	}
	st, err := s.syncer.Checkpoint(r.Context(), table)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":         table,
		"last_sequence": st.LastSequence,
		"last_update":   st.LastUpdate,
		"persisted":     st.Persisted,
	})
}

func parseKey(v string) (*common.KeyType, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	k := common.KeyType(n)
	return &k, nil
}

// handleRows returns replicated rows in primary key order. from and to bound the
// key inclusively.
func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	table := q.Get("table")
	if table == "" {
		http.Error(w, "Missing table", http.StatusBadRequest)
		return
	}
	from, err := parseKey(q.Get("from"))
	if err != nil {
		http.Error(w, "Invalid from", http.StatusBadRequest)
		return
	}
	to, err := parseKey(q.Get("to"))
	if err != nil {
		http.Error(w, "Invalid to", http.StatusBadRequest)
		return
	}
	limit := 1000
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	b, err := s.syncer.Rows(r.Context(), table, from, to, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	rows := b.Rows
	if rows == nil {
		rows = []common.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":   table,
		"columns": b.Columns,
		"rows":    rows,
	})
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tables": s.syncer.Tables()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.syncer.Stats().Snapshot())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "Run journal disabled", http.StatusNotFound)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.journal.Recent(r.Context(), r.URL.Query().Get("table"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleMetrics renders the counters in the Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.syncer.Stats().Snapshot()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metric := func(name, kind, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %v\n", name, help, name, kind, name, v)
	}
	metric("deltasync_runs_total", "counter", "Runs started.", snap.Runs)
	metric("deltasync_run_failures_total", "counter", "Runs that returned an error.", snap.Failures)
	metric("deltasync_inits_total", "counter", "Completed initializations.", snap.Inits)
	metric("deltasync_batches_total", "counter", "Change batches applied.", snap.Batches)
	metric("deltasync_rows_total", "counter", "Rows read from the source.", snap.Rows)
	metric("deltasync_bucket_writes_total", "counter", "Bucket files published.", snap.BucketWrites)
	metric("deltasync_failure_ratio", "gauge", "Failed runs over all runs.", snap.FailureRatio)
}

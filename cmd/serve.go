package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/hmo-register/internal/model"
	"github.com/sells-group/hmo-register/internal/monitoring"
	"github.com/sells-group/hmo-register/internal/pipeline"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run trigger, run log and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve", processMetrics())
		if err != nil {
			return err
		}
		defer env.Close()

		if env.Alerter.Enabled() {
			checker := monitoring.NewChecker(monitoring.NewCollector(env.Warehouse, nil), env.Alerter, cfg.Monitoring, nil)
			go checker.Run(ctx)
		}

		s := newRunServer(ctx, env.Pipeline, env.Warehouse)
		defer s.Wait()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           s.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// runner starts a pipeline run.
type runner interface {
	Run(ctx context.Context, opts pipeline.RunOpts) (*pipeline.Result, error)
}

// runServer triggers at most one run at a time. Runs outlive the request
// that started them and stop when the server context is cancelled.
type runServer struct {
	ctx    context.Context
	runner runner
	runs   monitoring.RunLister
	newID  func() string

	mu      sync.Mutex
	current string
	wg      sync.WaitGroup
}

func newRunServer(ctx context.Context, r runner, runs monitoring.RunLister) *runServer {
	return &runServer{ctx: ctx, runner: r, runs: runs, newID: uuid.NewString}
}

// Wait blocks until the in-flight run, if any, returns.
func (s *runServer) Wait() {
	s.wg.Wait()
}

// Routes builds the HTTP handler.
func (s *runServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Get("/runs", s.handleListRuns)
	})
	return r
}

type runRequest struct {
	Force  bool `json:"force"`
	DryRun bool `json:"dry_run"`
}

func (s *runServer) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	s.mu.Lock()
	if s.current != "" {
		current := s.current
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "run already in progress",
			"run_id": current,
		})
		return
	}
	runID := s.newID()
	s.current = runID
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.current = ""
			s.mu.Unlock()
		}()

		res, err := s.runner.Run(s.ctx, pipeline.RunOpts{RunID: runID, Force: req.Force, DryRun: req.DryRun})
		if err != nil {
			zap.L().Error("triggered run failed",
				zap.String("run_id", runID),
				zap.String("stage", pipeline.FailedStage(err)),
				zap.Error(err),
			)
			return
		}
		zap.L().Info("triggered run finished",
			zap.String("run_id", runID),
			zap.String("status", string(res.Status)),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"run_id": runID,
	})
}

func (s *runServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		zap.L().Error("list runs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

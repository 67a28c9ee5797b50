package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cte-pipeline/internal/model"
	"github.com/sells-group/cte-pipeline/internal/state"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operational HTTP surface",
	Long:  "Exposes health, metrics and state inspection endpoints, plus an endpoint to trigger a pipeline run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		// One run at a time: the flow API drives a single headless browser.
		var running atomic.Bool

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"endpoints":  e.Metrics.Snapshot(),
				"completion": e.Metrics.CalculateWorkflowCompletion(),
			})
		})

		r.Get("/states", func(w http.ResponseWriter, r *http.Request) {
			states, err := e.Store.ListProcessingStates(r.Context(), state.StateFilter{
				Status:  model.ProcessingStatus(r.URL.Query().Get("status")),
				BatchID: r.URL.Query().Get("batch"),
				Limit:   50,
			})
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list states"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"states": states})
		})

		r.Get("/states/{batch_id}/pos", func(w http.ResponseWriter, r *http.Request) {
			pos, err := e.Store.ListPOStates(r.Context(), chi.URLParam(r, "batch_id"))
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list purchase orders"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"pos": pos})
		})

		r.Post("/process", func(w http.ResponseWriter, r *http.Request) {
			if !running.CompareAndSwap(false, true) {
				writeJSON(w, http.StatusConflict, map[string]string{"error": "a pipeline run is already in flight"})
				return
			}

			go func() {
				defer running.Store(false)
				summary, err := e.Pipeline.Run(ctx)
				if err != nil {
					zap.L().Error("triggered run failed", zap.Error(err))
					return
				}
				zap.L().Info("triggered run complete",
					zap.String("batch_id", summary.BatchID),
					zap.String("overall_status", summary.OverallStatus),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

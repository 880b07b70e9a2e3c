package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teleperf/phoneqa/internal/model"
	"github.com/teleperf/phoneqa/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status API",
	Long:  "Serves import history and the file ledger over HTTP so dashboards can watch batch progress without database access.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newStatusRouter(st),
		}

		zap.L().Info("starting server", zap.Int("port", port))
		return serveUntilDone(ctx, srv)
	},
}

const shutdownTimeout = 10 * time.Second

// serveUntilDone runs srv until ctx is cancelled, then drains in-flight
// requests on a fresh timeout context (the signal context is already dead
// by then and would abort the drain immediately).
func serveUntilDone(ctx context.Context, srv *http.Server) error {
	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		done <- srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return eris.Wrap(<-done, "server shutdown")
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newStatusRouter builds the read-only API over the store.
func newStatusRouter(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/runs", func(w http.ResponseWriter, req *http.Request) {
		runs, err := st.ListRuns(req.Context(), queryInt(req, "limit", 50))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/api/ledger", func(w http.ResponseWriter, req *http.Request) {
		entries, err := st.LedgerList(req.Context(), store.LedgerFilter{
			Outcome:           model.LedgerOutcome(req.URL.Query().Get("outcome")),
			CommittedUnmarked: req.URL.Query().Get("stuck") == "true",
			Limit:             queryInt(req, "limit", 100),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	r.Get("/api/evaluations", func(w http.ResponseWriter, req *http.Request) {
		evals, err := st.ListEvaluations(req.Context(),
			req.URL.Query().Get("agent"), queryInt(req, "limit", 50))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, evals)
	})

	r.Get("/api/evaluations/{id}/scores", func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid evaluation id"})
			return
		}
		scores, err := st.ListScores(req.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, scores)
	})

	r.Get("/api/criteria", func(w http.ResponseWriter, req *http.Request) {
		crits, err := st.ListCriteria(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, crits)
	})

	r.Get("/api/quarantine", func(w http.ResponseWriter, req *http.Request) {
		entries, err := st.LedgerList(req.Context(), store.LedgerFilter{
			Outcome: model.LedgerQuarantined,
			Limit:   queryInt(req, "limit", 100),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	return r
}

func queryInt(req *http.Request, key string, fallback int) int {
	if raw := req.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	zap.L().Error("status api", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

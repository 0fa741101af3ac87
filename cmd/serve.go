package main

import (
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

	"github.com/meridian-grp/docnotify/internal/ledger"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status server",
	Long:  "Serves ledger and watermark state over HTTP for dashboards and monitoring.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := newPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		led := ledger.NewLedger(pool)
		watermarks := ledger.NewWatermarks(pool)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET"},
		}))

		r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
			if err := pool.Ping(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/api/watermark", func(w http.ResponseWriter, req *http.Request) {
			last, ok, err := watermarks.Last(req.Context())
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			if !ok {
				writeJSON(w, http.StatusOK, map[string]any{"watermark": nil})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"watermark": last.Format(time.RFC3339)})
		})

		r.Get("/api/documents", func(w http.ResponseWriter, req *http.Request) {
			limit := 50
			if v := req.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 1 || n > 1000 {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1-1000"})
					return
				}
				limit = n
			}

			var (
				entries []ledger.Document
				err     error
			)
			if req.URL.Query().Get("failed") == "true" {
				entries, err = led.Failed(req.Context())
			} else {
				entries, err = led.ListRecent(req.Context(), limit)
			}
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": documentViews(entries)})
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
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting status server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// documentView is the JSON shape served for a ledger entry.
type documentView struct {
	DocumentID   string    `json:"document_id"`
	Name         string    `json:"name"`
	DocumentDate time.Time `json:"document_date"`
	PortfolioID  string    `json:"portfolio_id"`
	ProcessedAt  time.Time `json:"processed_at"`
	Sent         bool      `json:"sent"`
	Error        string    `json:"error,omitempty"`
}

func documentViews(entries []ledger.Document) []documentView {
	views := make([]documentView, len(entries))
	for i, e := range entries {
		views[i] = documentView{
			DocumentID:   e.DocumentID,
			Name:         e.Name,
			DocumentDate: e.DocumentDate,
			PortfolioID:  e.PortfolioID,
			ProcessedAt:  e.ProcessedAt,
			Sent:         e.NotificationSent,
			Error:        e.ErrorMessage,
		}
	}
	return views
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

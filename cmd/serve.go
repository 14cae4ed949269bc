package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/hitl"
	"github.com/sells-group/inbox-cli/internal/ingest"
	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the review API, scheduled ingestion and health checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store)

		if cfg.Ingest.Schedule != "" {
			runner, err := env.ingestRunner()
			if err != nil {
				zap.L().Warn("scheduled ingestion disabled", zap.Error(err))
			} else {
				sched, err := newScheduler(cfg.Ingest.Schedule, runner, cfg.Ingest.Limit)
				if err != nil {
					return err
				}
				sched.Start()
				defer func() { <-sched.Stop().Done() }()
			}
		}

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring, alertSinks()...), cfg.Monitoring)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildMux(env, collector),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
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

// activeRunner runs ingestion for every active account.
type activeRunner interface {
	RunActive(ctx context.Context, limit int) ([]ingest.Result, error)
}

// newScheduler registers one cron entry running all active accounts.
// Expressions use the standard 5-field format.
func newScheduler(spec string, runner activeRunner, limit int) (*cron.Cron, error) {
	log := zap.L().With(zap.String("component", "scheduler"))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		log.Info("scheduled ingestion fired")
		results, err := runner.RunActive(ctx, limit)
		if err != nil {
			log.Error("scheduled ingestion failed", zap.Error(err))
			return
		}
		t := ingest.Totals(results)
		log.Info("scheduled ingestion complete",
			zap.Int("users", len(results)),
			zap.Int("processed", t.Processed),
			zap.Int("errors", t.Errors),
		)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "register ingest schedule %q", spec)
	}
	return c, nil
}

// alertSinks returns the configured alert destinations.
func alertSinks() []monitoring.Sink {
	var sinks []monitoring.Sink
	if cfg.Monitoring.WebhookURL != "" {
		sinks = append(sinks, monitoring.NewWebhookSink(cfg.Monitoring.WebhookURL))
	}
	if cfg.Slack.Token != "" && cfg.Slack.Channel != "" {
		sinks = append(sinks, monitoring.NewSlackSink(cfg.Slack.Token, cfg.Slack.Channel))
	}
	if len(sinks) == 0 {
		zap.L().Warn("monitoring enabled without a webhook or slack channel, alerts are only logged")
	}
	return sinks
}

// buildMux wires the HTTP routes. collector may be nil, in which case
// /status is unavailable.
func buildMux(env *appEnv, collector *monitoring.Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		if collector == nil {
			writeError(w, http.StatusServiceUnavailable, "monitoring unavailable")
			return
		}
		snap, err := collector.Collect(req.Context(), lookbackHours())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, snap)
	})

	r.Route("/hitl", func(r chi.Router) {
		r.Get("/pending", func(w http.ResponseWriter, req *http.Request) {
			tenant := req.URL.Query().Get("tenant_id")
			if tenant == "" {
				writeError(w, http.StatusBadRequest, "tenant_id is required")
				return
			}
			reqs, err := env.Queue.Pending(req.Context(), tenant)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			if reqs == nil {
				reqs = []model.HitlRequest{}
			}
			writeJSONResponse(w, http.StatusOK, reqs)
		})

		r.Post("/{id}/claim", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				AgentID string `json:"agent_id"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if body.AgentID == "" {
				writeError(w, http.StatusBadRequest, "agent_id is required")
				return
			}
			claimed, err := env.Queue.Claim(req.Context(), chi.URLParam(req, "id"), body.AgentID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, claimed)
		})

		r.Post("/{id}/resolve", func(w http.ResponseWriter, req *http.Request) {
			var body hitl.Decision
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if body.AgentID == "" {
				writeError(w, http.StatusBadRequest, "agent_id is required")
				return
			}
			body.RequestID = chi.URLParam(req, "id")
			body.Outcome = model.HitlOutcome(strings.ToUpper(string(body.Outcome)))
			item, err := env.Resolver.ApplyDecision(req.Context(), body)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, item)
		})
	})

	r.Get("/safety/kill-switch", func(w http.ResponseWriter, req *http.Request) {
		flag, err := env.Switch.Status(req.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, flag)
	})

	r.Post("/safety/kill-switch", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Active *bool  `json:"active"`
			Actor  string `json:"actor"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Active == nil {
			writeError(w, http.StatusBadRequest, "active (bool) is required")
			return
		}
		if body.Actor == "" {
			writeError(w, http.StatusBadRequest, "actor is required")
			return
		}
		toggle := env.Switch.Disengage
		if *body.Active {
			toggle = env.Switch.Engage
		}
		flag, err := toggle(req.Context(), body.Actor)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, flag)
	})

	return r
}

func lookbackHours() int {
	if cfg != nil && cfg.Monitoring.LookbackWindowHours > 0 {
		return cfg.Monitoring.LookbackWindowHours
	}
	return 24
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONResponse(w, status, map[string]string{"error": msg})
}

// writeStoreError maps lifecycle errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case model.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case model.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, hitl.ErrInvalidOutcome):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/adiadia/account-vending/internal/feed"
	"github.com/adiadia/account-vending/internal/metrics"
	"github.com/adiadia/account-vending/internal/provisioning"
	"github.com/adiadia/account-vending/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	msgRegistered          = "Account information added successfully"
	msgAlreadyExists       = "Account information already exists"
	msgInvalidRegistration = "Invalid account information"
	msgStoreUnavailable    = "Account information could not be stored, retry later"

	maxRegistrationBody = 64 << 10
	maxFeedBody         = 8 << 20
	readinessTimeout    = 2 * time.Second
)

type registrationRequest struct {
	Email            string `json:"email"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	RegistrationDate string `json:"registration_date"`
}

type feedFailure struct {
	EventID string `json:"event_id"`
	Error   string `json:"error"`
	Fatal   bool   `json:"fatal"`
}

type feedResponse struct {
	Processed int                          `json:"processed"`
	Outcomes  map[provisioning.Outcome]int `json:"outcomes"`
	Failures  []feedFailure                `json:"failures,omitempty"`
}

type sweepResponse struct {
	Evaluated       int               `json:"evaluated"`
	Alerts          []domain.Alert    `json:"alerts"`
	Failures        map[string]string `json:"failures"`
	PublishFailures int               `json:"publish_failures"`
}

type Deps struct {
	Registrar  Registrar
	Feed       FeedHandler
	Sweeper    Sweeper
	Health     HealthChecker
	Logger     *slog.Logger
	AdminToken string
	// RegistrationRatePerMin bounds registrations per client IP; zero
	// disables the limit.
	RegistrationRatePerMin int
	Version                string
	Commit                 string
	BuildDate              string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))
	r.Use(chimiddleware.Recoverer)

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		if err := deps.Health.Check(ctx); err != nil {
			logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- REGISTRATION ----------------

	if deps.Registrar != nil {
		r.Group(func(r chi.Router) {
			if deps.RegistrationRatePerMin > 0 {
				r.Use(middleware.RateLimit(deps.RegistrationRatePerMin, middleware.ClientIP, logger))
			}

			r.Post("/registrations", func(w http.ResponseWriter, r *http.Request) {
				reqBody, err := decodeRegistrationRequest(w, r)
				if err != nil {
					metrics.IncRegistration(metrics.OutcomeInvalid)
					writeJSON(w, http.StatusBadRequest, msgInvalidRegistration)
					return
				}

				err = deps.Registrar.Register(r.Context(), domain.RegistrationParams{
					Email:            reqBody.Email,
					FirstName:        reqBody.FirstName,
					LastName:         reqBody.LastName,
					RegistrationDate: reqBody.RegistrationDate,
				})
				switch {
				case err == nil:
					writeJSON(w, http.StatusOK, msgRegistered)
				case errors.Is(err, domain.ErrDuplicateEmail):
					writeJSON(w, http.StatusBadRequest, msgAlreadyExists)
				case errors.Is(err, domain.ErrInvalidRegistration):
					writeJSON(w, http.StatusBadRequest, msgInvalidRegistration)
				default:
					logger.Error("registration failed", "error", err)
					w.Header().Set("Retry-After", "1")
					writeJSON(w, http.StatusServiceUnavailable, msgStoreUnavailable)
				}
			})
		})
	}

	// ---------------- OPERATOR (ADMIN) ----------------

	r.Group(func(admin chi.Router) {
		admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

		if deps.Feed != nil {
			admin.Post("/feed/events", func(w http.ResponseWriter, r *http.Request) {
				events, err := feed.Decode(http.MaxBytesReader(w, r.Body, maxFeedBody))
				if err != nil {
					logger.Warn("invalid change feed batch", "error", err)
					http.Error(w, "invalid change feed batch", http.StatusBadRequest)
					return
				}

				result := deps.Feed.HandleBatch(r.Context(), events)

				resp := feedResponse{
					Processed: len(result.Results),
					Outcomes:  result.Counts(),
				}
				for _, res := range result.Results {
					if res.Err == nil {
						continue
					}
					resp.Failures = append(resp.Failures, feedFailure{
						EventID: res.Event.ID(),
						Error:   res.Err.Error(),
						Fatal:   provisioning.IsFatal(res.Err),
					})
				}

				// A 5xx makes the relay redeliver the batch; completed events
				// are skipped by the event ledger on the next delivery.
				status := http.StatusOK
				if result.Retryable() {
					status = http.StatusInternalServerError
				}
				writeJSON(w, status, resp)
			})
		}

		if deps.Sweeper != nil {
			admin.Post("/audit/sweep", func(w http.ResponseWriter, r *http.Request) {
				report, err := deps.Sweeper.Sweep(r.Context())
				if err != nil {
					logger.Error("manual sweep failed", "error", err)
					http.Error(w, "sweep failed", http.StatusBadGateway)
					return
				}

				failures := make(map[string]string, len(report.Failures))
				for accountID, ferr := range report.Failures {
					failures[accountID] = ferr.Error()
				}
				alerts := report.Alerts
				if alerts == nil {
					alerts = []domain.Alert{}
				}

				writeJSON(w, http.StatusOK, sweepResponse{
					Evaluated:       report.Evaluated,
					Alerts:          alerts,
					Failures:        failures,
					PublishFailures: report.PublishFailures,
				})
			})
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeRegistrationRequest(w http.ResponseWriter, r *http.Request) (registrationRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return registrationRequest{}, errors.New("request body is required")
	}

	var req registrationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return registrationRequest{}, err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return registrationRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	req.Email = strings.TrimSpace(req.Email)
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.RegistrationDate = strings.TrimSpace(req.RegistrationDate)
	return req, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}

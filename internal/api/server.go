package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lexmarket/internal/auth"
	"lexmarket/internal/config"
	"lexmarket/internal/jobstore"
	"lexmarket/internal/payment"
	"lexmarket/internal/ratelimit"
	"lexmarket/internal/scheduler"
	"lexmarket/internal/telemetry"
)

// Server wires HTTP handlers for payments and reminder scheduling.
type Server struct {
	cfg      config.Config
	payments *payment.Service
	engine   *scheduler.Engine
	store    *jobstore.Store
	jwt      *auth.JWT
	limiter  *ratelimit.TokenBucket
	log      zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, payments *payment.Service, engine *scheduler.Engine, store *jobstore.Store, jwtSvc *auth.JWT, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		payments: payments,
		engine:   engine,
		store:    store,
		jwt:      jwtSvc,
		limiter:  limiter,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(s.jwt))

		r.Route("/payments", func(r chi.Router) {
			r.Get("/", s.handleListPayments)
			r.Get("/{id}", s.handleGetPayment)
			r.Group(func(r chi.Router) {
				r.Use(s.rateLimit)
				r.Post("/", s.handleCreatePayment)
				r.Post("/{id}/complete", s.handleCompletePayment)
				r.Post("/{id}/release", s.handleReleasePayment)
				r.Post("/{id}/cancel", s.handleCancelPayment)
			})
		})

		r.Route("/reminders", func(r chi.Router) {
			r.Post("/email", s.handleScheduleEmail)
			r.Put("/email", s.handleUpdateEmail)
			r.Delete("/email", s.handleDeleteEmail)
			r.Get("/email/exists", s.handleEmailExists)
			r.Post("/webpush", s.handleScheduleWebPush)
			r.Put("/webpush", s.handleUpdateWebPush)
			r.Delete("/webpush", s.handleDeleteWebPush)
			r.Get("/webpush/exists", s.handleWebPushExists)
		})

		r.Delete("/tasks/{taskID}/jobs", s.handleDeleteTaskJobs)
		r.Get("/jobs/dead", s.handleDeadLetters)
	})

	return r
}

// rateLimit applies the per-user token bucket to mutating payment calls.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		caller, _ := auth.UserIDFromContext(r.Context())
		allowed, err := s.limiter.Allow(r.Context(), caller.String())
		if err != nil {
			s.log.Error().Err(err).Msg("rate limiter")
			next.ServeHTTP(w, r) // limiter outage must not block payments
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createPaymentRequest struct {
	PayeeID string  `json:"payee_id"`
	RefID   string  `json:"ref_id"`
	Amount  float64 `json:"amount"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.UserIDFromContext(r.Context())
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	payee, err := uuid.Parse(req.PayeeID)
	if err != nil {
		http.Error(w, "invalid payee_id", http.StatusBadRequest)
		return
	}
	p, err := s.payments.Create(r.Context(), caller, payee, req.RefID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type completePaymentRequest struct {
	PaymentMethod string    `json:"payment_method"`
	TransactionID string    `json:"transaction_id"`
	PaymentDate   time.Time `json:"payment_date"`
	ReleaseAt     time.Time `json:"release_at"`
}

func (s *Server) handleCompletePayment(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.UserIDFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid payment id", http.StatusBadRequest)
		return
	}
	var req completePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	p, err := s.payments.Complete(r.Context(), caller, id, req.PaymentMethod, req.TransactionID, req.PaymentDate, req.ReleaseAt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleReleasePayment(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.UserIDFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid payment id", http.StatusBadRequest)
		return
	}
	p, err := s.payments.Release(r.Context(), caller, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.UserIDFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid payment id", http.StatusBadRequest)
		return
	}
	p, err := s.payments.Cancel(r.Context(), caller, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.UserIDFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid payment id", http.StatusBadRequest)
		return
	}
	p, err := s.payments.Get(r.Context(), caller, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.UserIDFromContext(r.Context())
	page := queryInt(r, "page", 0)
	size := queryInt(r, "size", 20)
	items, err := s.payments.ListForUser(r.Context(), caller, page, size, r.URL.Query().Get("sort"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []payment.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "page": page, "size": size})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.DeadLetters(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// writeError maps lifecycle errors onto HTTP statuses. Scheduling
// failures never reach here: they degrade inside the engine.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrUnauthenticated):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, payment.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, payment.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, payment.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, payment.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error().Err(err).Msg("internal error")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendguard/observability"
	"lendguard/services/lending/engine"
)

const maxBodyBytes = 64 << 10

// Config captures the HTTP surface settings.
type Config struct {
	Auth      AuthConfig
	Preview   RateLimit
	Liquidate RateLimit
}

// Service exposes the lending risk engine over HTTP.
type Service struct {
	engine  engine.Engine
	logger  *slog.Logger
	auth    *authenticator
	preview *rateLimiter
	execute *rateLimiter
}

// New constructs a new lending service instance.
func New(eng engine.Engine, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:  eng,
		logger:  logger,
		auth:    newAuthenticator(cfg.Auth, logger),
		preview: newRateLimiter(cfg.Preview),
		execute: newRateLimiter(cfg.Liquidate),
	}
}

// Handler returns the instrumented router.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v chi.Router) {
		v.With(observe("obligation_health")).Get("/obligations/{address}/health", s.handleHealth)
		v.With(observe("reserve_rates")).Get("/reserves/{symbol}", s.handleReserve)
		v.With(observe("liquidation_preview"), s.preview.middleware("liquidation_preview")).
			Post("/liquidations/preview", s.handlePreview)

		v.Group(func(protected chi.Router) {
			protected.Use(s.auth.middleware)
			protected.With(observe("obligation_refresh")).Post("/obligations/{address}/refresh", s.handleRefresh)
			protected.With(observe("liquidation"), s.execute.middleware("liquidation")).
				Post("/liquidations", s.handleLiquidate)
			protected.With(observe("price_push")).Post("/prices", s.handlePrice)
		})
	})
	return otelhttp.NewHandler(r, "lendingd")
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	report, err := s.engine.Health(r.Context(), addr)
	if err != nil {
		s.writeEngineError(w, "obligation_health", err)
		return
	}
	writeJSON(w, http.StatusOK, toHealthResponse(addr, report))
}

func (s *Service) handleReserve(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	symbol := chi.URLParam(r, "symbol")
	rates, err := s.engine.ReserveRates(r.Context(), symbol)
	if err != nil {
		s.writeEngineError(w, "reserve_rates", err)
		return
	}
	writeJSON(w, http.StatusOK, toReserveResponse(symbol, rates))
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	report, err := s.engine.Refresh(r.Context(), addr)
	if err != nil {
		s.writeEngineError(w, "obligation_refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, toHealthResponse(addr, report))
}

func (s *Service) handlePreview(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	var body liquidateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := body.toEngine()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	result, err := s.engine.PreviewLiquidation(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, "liquidation_preview", err)
		return
	}
	writeJSON(w, http.StatusOK, toLiquidationResponse(result, false))
}

func (s *Service) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	var body liquidateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := body.toEngine()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	result, err := s.engine.Liquidate(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, "liquidation", err)
		return
	}
	writeJSON(w, http.StatusOK, toLiquidationResponse(result, true))
}

func (s *Service) handlePrice(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	var body priceRequest
	if !decodeBody(w, r, &body) {
		return
	}
	sample, err := body.toSample()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	accepted, err := s.engine.PushPrice(r.Context(), body.Symbol, sample)
	if err != nil {
		s.writeEngineError(w, "price_push", err)
		return
	}
	observability.Prices().RecordUpdate(body.Symbol, accepted)
	writeJSON(w, http.StatusOK, priceResponse{Symbol: body.Symbol, Accepted: accepted})
}

func (s *Service) ready(w http.ResponseWriter) bool {
	if s == nil || s.engine == nil {
		code, reason := toStatus(engine.ErrUnavailable)
		writeError(w, code, reason, "lending engine unavailable")
		return false
	}
	return true
}

func (s *Service) writeEngineError(w http.ResponseWriter, route string, err error) {
	code, reason := toStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("lending engine error", "route", route, "error", err)
		writeError(w, code, reason, "internal error")
		return
	}
	writeError(w, code, reason, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		message := "invalid json body"
		if !errors.Is(err, io.EOF) {
			message = err.Error()
		}
		writeError(w, http.StatusBadRequest, "invalid_request", message)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, errorResponse{Error: reason, Message: message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func observe(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			observability.HTTP().Observe(route, recorder.status, time.Since(start))
		})
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"callpilot/internal/adapter/telephony"
	"callpilot/internal/domain"
	"callpilot/internal/infra/config"
)

const maxWebhookBody = 1 << 20

// Orchestrator is the call layer as seen from the HTTP surface.
type Orchestrator interface {
	StartOutbound(ctx context.Context, to, leadName, leadAddress string) (string, error)
	HandleWebhook(evt domain.CallEvent)
}

// CallReader serves archived call data.
type CallReader interface {
	GetCall(ctx context.Context, callControlID string) (*domain.CallRecord, error)
	ListTransfers(ctx context.Context, limit int) ([]domain.TransferredCall, error)
}

// Server is the HTTP front: provider webhooks, the media WebSocket and the
// operator API.
type Server struct {
	cfg     config.ServerConfig
	orch    Orchestrator
	media   http.Handler
	reader  CallReader
	logger  *slog.Logger
	limiter *rate.Limiter

	httpServer *http.Server
}

// New builds the HTTP server. media serves the provider's media WebSocket.
func New(cfg config.ServerConfig, orch Orchestrator, media http.Handler, reader CallReader, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		media:   media,
		reader:  reader,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.WebhookRateRPS), cfg.WebhookRateBurst),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /telephony/webhook", s.handleWebhook)
	mux.Handle("GET /calls/media", s.media)
	mux.HandleFunc("POST /calls", s.handleOriginate)
	mux.HandleFunc("GET /calls/{id}", s.handleGetCall)
	mux.HandleFunc("GET /transfers", s.handleListTransfers)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s.withRequestID(mux)
}

// withRequestID tags every request for log correlation.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ulid.Make().String()
		w.Header().Set("X-Request-Id", id)
		s.logger.Debug("http request", "request_id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route tree, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// handleWebhook acknowledges immediately and dispatches asynchronously; the
// provider disables endpoints that respond slowly.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	evt, err := telephony.ParseWebhook(body)
	if err != nil {
		s.logger.Warn("malformed webhook", "error", err)
		// Acknowledge anyway; the provider would retry a 4xx forever.
		w.WriteHeader(http.StatusOK)
		return
	}
	if evt != nil {
		go s.orch.HandleWebhook(*evt)
	}
	w.WriteHeader(http.StatusOK)
}

type originateRequest struct {
	To          string `json:"to"`
	LeadName    string `json:"lead_name,omitempty"`
	LeadAddress string `json:"lead_address,omitempty"`
}

type originateResponse struct {
	CallControlID string `json:"call_control_id"`
}

func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.To == "" {
		http.Error(w, "to is required", http.StatusBadRequest)
		return
	}

	id, err := s.orch.StartOutbound(r.Context(), req.To, req.LeadName, req.LeadAddress)
	if err != nil {
		s.logger.Error("originate failed", "to", req.To, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, originateResponse{CallControlID: id})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rec, err := s.reader.GetCall(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	transfers, err := s.reader.ListTransfers(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transfers)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrQuotaExceeded), errors.Is(err, domain.ErrLimitReached):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusBadGateway
	}
	http.Error(w, string(domain.ErrorCodeOf(err)), status)
}

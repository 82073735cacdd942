package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/furqan-qadri/BlokRentals/internal/checkout"
	"github.com/furqan-qadri/BlokRentals/internal/config"
	"github.com/furqan-qadri/BlokRentals/internal/escrow"
	"github.com/furqan-qadri/BlokRentals/internal/hmacauth"
	"github.com/furqan-qadri/BlokRentals/internal/idempotency"
	"github.com/furqan-qadri/BlokRentals/internal/quote"
	"github.com/furqan-qadri/BlokRentals/internal/wallet"
)

type Server struct {
	cfg         *config.AppConfig
	orch        *checkout.Orchestrator
	escrows     escrow.Store
	lifecycle   *escrow.Controller
	idem        idempotency.Store
	hmac        *hmacauth.Verifier
	dlq         *DLQWriter
	httpServer  *http.Server
	metrics     *metricsRegistry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, orch *checkout.Orchestrator, escrows escrow.Store, lifecycle *escrow.Controller, idem idempotency.Store, provider wallet.Provider, dlq *DLQWriter) *Server {
	hmacVerifier := &hmacauth.Verifier{
		Secret:  cfg.Seed.Secrets.HMACSalt,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:       cfg,
		orch:      orch,
		escrows:   escrows,
		lifecycle: lifecycle,
		idem:      idem,
		hmac:      hmacVerifier,
		dlq:       dlq,
		metrics:   metrics,
	}

	if checker, ok := escrows.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := provider.(wallet.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/quotes", s.handleQuote)
	mux.Handle("POST /api/v1/locks", s.hmac.Middleware(http.HandlerFunc(s.handleLock)))
	mux.HandleFunc("GET /api/v1/escrows", s.handleListEscrows)
	mux.HandleFunc("GET /api/v1/escrows/{id}", s.handleGetEscrow)
	mux.Handle("POST /api/v1/escrows/{id}/return", s.hmac.Middleware(http.HandlerFunc(s.handleConfirmReturn)))
	mux.Handle("/api/v1/metrics", metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// SettlementFailureSink records a reverted settlement in the DLQ and metrics.
func (s *Server) SettlementFailureSink() func(record *escrow.Record, err error) {
	return func(record *escrow.Record, err error) {
		s.dlq.Write(record, err)
		s.metrics.incSettlementFailure()
		s.updateDLQDepth()
	}
}

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type quoteRequest struct {
	PricePerDay int64  `json:"pricePerDay"`
	Deposit     int64  `json:"deposit"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
}

type lockRequest struct {
	AgreementID   string `json:"agreementId"`
	ItemID        int    `json:"itemId"`
	ItemName      string `json:"itemName"`
	RenterAccount string `json:"renterAccount"`
	OwnerAccount  string `json:"ownerAccount"`
	PricePerDay   int64  `json:"pricePerDay"`
	Deposit       int64  `json:"deposit"`
	StartDate     string `json:"startDate"`
	EndDate       string `json:"endDate"`
}

type lockResponse struct {
	AgreementID string           `json:"agreementId"`
	Attempt     checkout.Attempt `json:"attempt"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var payload quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if payload.PricePerDay <= 0 {
		http.Error(w, "pricePerDay must be positive", http.StatusBadRequest)
		return
	}
	if payload.Deposit < 0 {
		http.Error(w, "deposit must be non-negative", http.StatusBadRequest)
		return
	}

	q := quote.Calculate(payload.PricePerDay, payload.Deposit, payload.StartDate, payload.EndDate)
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-Idempotency-Key")
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if existing, _ := s.idem.Get(ctx, key); existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incLock("cached")
		return
	}

	var payload lockRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if err := validateLockRequest(payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	agreement := escrow.RentalAgreement{
		ID:            payload.AgreementID,
		ItemID:        payload.ItemID,
		ItemName:      payload.ItemName,
		RenterAccount: payload.RenterAccount,
		OwnerAccount:  payload.OwnerAccount,
		StartDate:     payload.StartDate,
		EndDate:       payload.EndDate,
		Quote:         quote.Calculate(payload.PricePerDay, payload.Deposit, payload.StartDate, payload.EndDate),
	}
	if agreement.ID == "" {
		agreement.ID = uuid.NewString()
	}

	updates, err := s.orch.BeginLock(ctx, agreement)
	if err != nil {
		switch {
		case errors.Is(err, checkout.ErrIncompleteSelection):
			s.metrics.incLock("incomplete")
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, checkout.ErrInvalidAmount):
			s.metrics.incLock("rejected")
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, checkout.ErrAttemptInFlight):
			s.metrics.incLock("rejected")
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.metrics.incLock("rejected")
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	var final checkout.Attempt
	for attempt := range updates {
		final = attempt
	}

	resp := lockResponse{AgreementID: agreement.ID, Attempt: final}
	body, _ := json.Marshal(resp)

	if final.Status != checkout.AttemptVerified {
		s.metrics.incLock("failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write(body)
		return
	}

	record := idempotency.Record{
		StatusCode: http.StatusCreated,
		Response:   body,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(s.cfg.Service.IdempotencyWindow),
	}
	_ = s.idem.Save(ctx, key, record)

	s.metrics.incLock("created")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func validateLockRequest(req lockRequest) error {
	if req.RenterAccount == "" {
		return errors.New("renterAccount is required")
	}
	if req.OwnerAccount == "" {
		return errors.New("ownerAccount is required")
	}
	if req.PricePerDay <= 0 {
		return errors.New("pricePerDay must be positive")
	}
	if req.Deposit < 0 {
		return errors.New("deposit must be non-negative")
	}
	if req.StartDate == "" || req.EndDate == "" {
		return errors.New("startDate and endDate are required")
	}
	return nil
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	filter := escrow.ListFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = escrow.Status(status)
		if !filter.Status.Valid() {
			http.Error(w, "unknown status filter", http.StatusBadRequest)
			return
		}
	}

	records, err := s.escrows.List(r.Context(), filter)
	if err != nil {
		http.Error(w, "failed to list escrows: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Escrows []*escrow.Record `json:"escrows"`
	}{Escrows: records})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	record, err := s.escrows.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, escrow.ErrNotFound) {
		http.Error(w, "escrow not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load escrow: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type confirmReturnResponse struct {
	Status   string `json:"status"`
	EscrowID string `json:"escrowId"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleConfirmReturn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.lifecycle.ConfirmReturn(r.Context(), id)
	switch {
	case err == nil:
		s.metrics.incReturn("accepted")
		writeJSON(w, http.StatusAccepted, confirmReturnResponse{Status: "accepted", EscrowID: id})
	case errors.Is(err, escrow.ErrReturnInProgress):
		s.metrics.incReturn("conflict")
		writeJSON(w, http.StatusConflict, confirmReturnResponse{Status: "rejected", EscrowID: id, Reason: "already-in-progress"})
	case errors.Is(err, escrow.ErrAlreadyReturned):
		s.metrics.incReturn("conflict")
		writeJSON(w, http.StatusConflict, confirmReturnResponse{Status: "rejected", EscrowID: id, Reason: "already-terminal"})
	case errors.Is(err, escrow.ErrNotFound):
		s.metrics.incReturn("not_found")
		http.Error(w, "escrow not found", http.StatusNotFound)
	default:
		s.metrics.incReturn("error")
		http.Error(w, "failed to confirm return: "+err.Error(), http.StatusInternalServerError)
	}
	s.updateDLQDepth()
}

func (s *Server) updateDLQDepth() int {
	depth := s.dlq.Depth()
	if s.metrics != nil {
		s.metrics.setDLQDepth(depth)
	}
	return depth
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	queueDepth := s.updateDLQDepth()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string      `json:"status"`
		RPC        interface{} `json:"rpc"`
		Database   interface{} `json:"database"`
		QueueDepth int         `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}

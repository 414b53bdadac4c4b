// Package intake exposes the HTTP API through which users register deposit
// claims. It only ever creates PENDING rows and reads existing ones; every
// state transition belongs to the reconciliation loop.
package intake

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ResearchHub/deposit-reconciler/internal/domain/model"
	"github.com/ResearchHub/deposit-reconciler/internal/metrics"
	"github.com/ResearchHub/deposit-reconciler/internal/store"
)

const (
	maxRequestBodyBytes = 1 << 20 // 1 MB
	defaultListLimit    = 50
	maxListLimit        = 200
)

// Server provides the deposit intake HTTP API.
type Server struct {
	repo     store.DepositRepository
	networks map[model.Network]bool
	logger   *slog.Logger
}

// NewServer creates an intake server accepting deposits for the given
// networks only.
func NewServer(repo store.DepositRepository, networks []model.Network, logger *slog.Logger) *Server {
	allowed := make(map[model.Network]bool, len(networks))
	for _, n := range networks {
		allowed[n] = true
	}
	return &Server{
		repo:     repo,
		networks: allowed,
		logger:   logger.With("component", "intake"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/deposits", s.instrument("/v1/deposits", s.handleCreateDeposit))
	mux.HandleFunc("GET /v1/deposits", s.instrument("/v1/deposits", s.handleListDeposits))
	mux.HandleFunc("GET /v1/deposits/{id}", s.instrument("/v1/deposits/{id}", s.handleGetDeposit))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

type createDepositRequest struct {
	Network              string `json:"network"`
	FromAddress          string `json:"from_address"`
	TransactionReference string `json:"transaction_reference"`
	ClaimedAmount        string `json:"claimed_amount"`
}

type depositResponse struct {
	ID                   string  `json:"id"`
	UserID               int64   `json:"user_id"`
	Network              string  `json:"network"`
	FromAddress          string  `json:"from_address"`
	TransactionReference string  `json:"transaction_reference"`
	ClaimedAmount        string  `json:"claimed_amount"`
	VerifiedAmount       *string `json:"verified_amount,omitempty"`
	Status               string  `json:"status"`
	FailureReason        *string `json:"failure_reason,omitempty"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

func toDepositResponse(d *model.Deposit) depositResponse {
	resp := depositResponse{
		ID:                   d.ID.String(),
		UserID:               d.UserID,
		Network:              string(d.Network),
		FromAddress:          d.FromAddress,
		TransactionReference: d.TransactionReference,
		ClaimedAmount:        d.ClaimedAmount.String(),
		Status:               string(d.Status),
		CreatedAt:            d.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:            d.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if d.VerifiedAmount != nil {
		v := d.VerifiedAmount.String()
		resp.VerifiedAmount = &v
	}
	if d.FailureReason != nil {
		fr := string(*d.FailureReason)
		resp.FailureReason = &fr
	}
	return resp
}

func (s *Server) handleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req createDepositRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	network, ok := model.ParseNetwork(req.Network)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown network")
		return
	}
	if !s.networks[network] {
		writeError(w, http.StatusBadRequest, "network not accepting deposits")
		return
	}

	claimed := decimal.Zero
	if req.ClaimedAmount != "" {
		var err error
		claimed, err = decimal.NewFromString(req.ClaimedAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "claimed_amount is not a valid decimal")
			return
		}
	}

	deposit := &model.Deposit{
		UserID:               userID,
		Network:              network,
		FromAddress:          strings.ToLower(strings.TrimSpace(req.FromAddress)),
		TransactionReference: strings.ToLower(strings.TrimSpace(req.TransactionReference)),
		ClaimedAmount:        claimed,
		Status:               model.DepositStatusPending,
	}
	if err := deposit.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.repo.Create(r.Context(), deposit); err != nil {
		s.logger.Error("create deposit failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not record deposit")
		return
	}

	s.logger.Info("deposit registered",
		"deposit_id", deposit.ID,
		"user_id", userID,
		"network", network,
		"tx_ref", deposit.TransactionReference,
	)
	writeJSON(w, http.StatusCreated, toDepositResponse(deposit))
}

func (s *Server) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		limit = n
	}

	deposits, err := s.repo.ListByUser(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("list deposits failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list deposits")
		return
	}

	resp := make([]depositResponse, 0, len(deposits))
	for i := range deposits {
		resp = append(resp, toDepositResponse(&deposits[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposits": resp})
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deposit id")
		return
	}

	deposit, err := s.repo.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deposit not found")
		return
	}
	if err != nil {
		s.logger.Error("get deposit failed", "deposit_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load deposit")
		return
	}
	// Users only ever see their own deposits.
	if deposit.UserID != userID {
		writeError(w, http.StatusNotFound, "deposit not found")
		return
	}

	writeJSON(w, http.StatusOK, toDepositResponse(deposit))
}

// instrument wraps a handler with request counting by path pattern.
func (s *Server) instrument(pattern string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(sw, r)
		metrics.IntakeRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.statusCode)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

// requireUser reads the authenticated user id from the X-User-ID header set
// by the API gateway. Intake never sees credentials itself.
func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return 0, false
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusUnauthorized, "invalid X-User-ID header")
		return 0, false
	}
	return userID, true
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package intake

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ResearchHub/deposit-reconciler/internal/domain/model"
	"github.com/ResearchHub/deposit-reconciler/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRepo implements the subset of store.DepositRepository intake uses.
type memRepo struct {
	mu       sync.Mutex
	deposits map[uuid.UUID]*model.Deposit
	failNext error
}

func newMemRepo() *memRepo {
	return &memRepo{deposits: make(map[uuid.UUID]*model.Deposit)}
}

func (r *memRepo) Create(_ context.Context, d *model.Deposit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	cp := *d
	r.deposits[d.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deposits[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *memRepo) ListByUser(_ context.Context, userID int64, limit int) ([]model.Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Deposit
	for _, d := range r.deposits {
		if d.UserID == userID && len(out) < limit {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *memRepo) ListClaimable(_ context.Context, limit int) ([]uuid.UUID, error) {
	return nil, nil
}

func (r *memRepo) Claim(_ context.Context, id uuid.UUID) (store.DepositClaim, error) {
	return nil, store.ErrNotFound
}

func newTestServer(t *testing.T) (*memRepo, http.Handler) {
	t.Helper()
	repo := newMemRepo()
	srv := NewServer(repo, []model.Network{model.NetworkEthereum, model.NetworkBase}, testLogger())
	return repo, srv.Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateDeposit_Success(t *testing.T) {
	t.Parallel()
	repo, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodPost, "/v1/deposits", "42", `{
		"network": "ethereum",
		"from_address": "0xABCDEF0123456789abcdef0123456789ABCDEF01",
		"transaction_reference": "0xDEADBEEF",
		"claimed_amount": "150.25"
	}`)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp depositResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ETHEREUM", resp.Network, "network is normalized")
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", resp.FromAddress, "addresses are lowercased")
	assert.Equal(t, "0xdeadbeef", resp.TransactionReference)
	assert.Equal(t, "PENDING", resp.Status)
	assert.Equal(t, "150.25", resp.ClaimedAmount)
	assert.Nil(t, resp.VerifiedAmount)

	id, err := uuid.Parse(resp.ID)
	require.NoError(t, err)
	stored, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(42), stored.UserID)
	assert.True(t, stored.ClaimedAmount.Equal(decimal.RequireFromString("150.25")))
}

func TestCreateDeposit_Validation(t *testing.T) {
	t.Parallel()
	_, handler := newTestServer(t)

	tests := []struct {
		name     string
		userID   string
		body     string
		wantCode int
	}{
		{
			name:     "missing user header",
			userID:   "",
			body:     `{"network":"ETHEREUM","from_address":"0x1","transaction_reference":"0x2"}`,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "non-numeric user header",
			userID:   "alice",
			body:     `{"network":"ETHEREUM","from_address":"0x1","transaction_reference":"0x2"}`,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "malformed json",
			userID:   "1",
			body:     `{`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unknown network",
			userID:   "1",
			body:     `{"network":"DOGECOIN","from_address":"0x1","transaction_reference":"0x2"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing transaction reference",
			userID:   "1",
			body:     `{"network":"ETHEREUM","from_address":"0x1"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "bad claimed amount",
			userID:   "1",
			body:     `{"network":"ETHEREUM","from_address":"0x1","transaction_reference":"0x2","claimed_amount":"lots"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "negative claimed amount",
			userID:   "1",
			body:     `{"network":"ETHEREUM","from_address":"0x1","transaction_reference":"0x2","claimed_amount":"-5"}`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doRequest(t, handler, http.MethodPost, "/v1/deposits", tt.userID, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestCreateDeposit_NetworkNotAccepting(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	// Only Ethereum registered.
	srv := NewServer(repo, []model.Network{model.NetworkEthereum}, testLogger())

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/v1/deposits", "1",
		`{"network":"BASE","from_address":"0x1","transaction_reference":"0x2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not accepting")
}

func TestGetDeposit_OwnershipEnforced(t *testing.T) {
	t.Parallel()
	repo, handler := newTestServer(t)

	d := &model.Deposit{
		UserID:               7,
		Network:              model.NetworkEthereum,
		FromAddress:          "0x1",
		TransactionReference: "0x2",
		ClaimedAmount:        decimal.NewFromInt(1),
	}
	require.NoError(t, repo.Create(context.Background(), d))

	rec := doRequest(t, handler, http.MethodGet, "/v1/deposits/"+d.ID.String(), "7", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Someone else's deposit looks like it does not exist.
	rec = doRequest(t, handler, http.MethodGet, "/v1/deposits/"+d.ID.String(), "8", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/v1/deposits/not-a-uuid", "7", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/v1/deposits/"+uuid.NewString(), "7", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDeposits(t *testing.T) {
	t.Parallel()
	repo, handler := newTestServer(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(context.Background(), &model.Deposit{
			UserID:               9,
			Network:              model.NetworkEthereum,
			FromAddress:          "0x1",
			TransactionReference: uuid.NewString(),
			ClaimedAmount:        decimal.NewFromInt(1),
		}))
	}

	rec := doRequest(t, handler, http.MethodGet, "/v1/deposits", "9", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Deposits []depositResponse `json:"deposits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Deposits, 3)

	rec = doRequest(t, handler, http.MethodGet, "/v1/deposits?limit=abc", "9", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	_, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_DepositCreationThrottled(t *testing.T) {
	t.Parallel()

	rl := NewRateLimitMiddleware(testLogger())
	defer rl.Stop()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	handler := rl.Wrap(inner)

	var tooMany bool
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/deposits", strings.NewReader("{}"))
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			tooMany = true
			break
		}
	}
	assert.True(t, tooMany, "burst should exhaust the POST /v1/deposits limiter")

	// A different client IP gets its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/v1/deposits", strings.NewReader("{}"))
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRateLimit_EvictStale(t *testing.T) {
	t.Parallel()

	rl := NewRateLimitMiddleware(testLogger())
	defer rl.Stop()

	current := time.Now()
	rl.nowFunc = func() time.Time { return current }

	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.3:1234"
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, 1, rl.LimiterCount())

	current = current.Add(staleLimiterTTL + time.Minute)
	rl.evictStale()
	assert.Zero(t, rl.LimiterCount())
}

func TestExtractClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:9999"
	assert.Equal(t, "192.168.1.5", extractClientIP(req))

	req.Header.Set("X-Real-IP", "203.0.113.7")
	assert.Equal(t, "203.0.113.7", extractClientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.2, 10.0.0.1")
	assert.Equal(t, "198.51.100.2", extractClientIP(req))
}

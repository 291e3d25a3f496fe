package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mopatas/transaction-service/internal/app"
	"github.com/mopatas/transaction-service/internal/domain"
	"github.com/mopatas/transaction-service/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testOperatorID  = "company"
	testInternalKey = "internal-secret"
)

type apiFixture struct {
	repo    *store.MemoryRepository
	engine  *app.Engine
	handler http.Handler
}

func newAPIFixture(t *testing.T, cfg RouterConfig) *apiFixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.EnsureOperatorAccount(ctx, testOperatorID, decimal.NewFromInt(1_000_000))
	require.NoError(t, err)
	for _, acct := range []domain.Account{
		{ID: "alice", Name: "Alice", Balance: decimal.NewFromInt(100_000), Kind: domain.AccountStandard},
		{ID: "bob", Name: "Bob", Balance: decimal.Zero, Kind: domain.AccountStandard},
	} {
		acct := acct
		require.NoError(t, repo.CreateAccount(ctx, &acct))
	}

	registry := app.NewSessionRegistry(repo, 0, 0, nil)
	engine := app.NewEngine(repo, registry, app.DefaultFeeSchedule(), nil, app.EngineConfig{AccessCodeCost: bcrypt.MinCost}, nil)
	if cfg.InternalAPIKey == "" {
		cfg.InternalAPIKey = testInternalKey
	}
	return &apiFixture{
		repo:    repo,
		engine:  engine,
		handler: TransactionRoutes(NewTransactionHandlers(engine, nil), cfg),
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{})
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}

func TestRequestAndConfirmTransfer(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{})

	rec := f.do(t, http.MethodPost, "/transaction", `{"sender_id":"alice","recipient":"bob","amount":"2500","type":"transfer"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	opened := decodeBody(t, rec)
	code, _ := opened["session_code"].(string)
	require.NotEmpty(t, code)
	assert.Contains(t, opened["message"], "Bob")

	rec = f.do(t, http.MethodGet, "/sessions/"+strings.ToLower(code), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(domain.SessionPending), decodeBody(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/confirm_transaction", `{"session_code":"`+code+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/confirm_transaction", `{"session_code":"`+code+`"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(domain.KindAlreadySettled), decodeBody(t, rec)["code"])

	bob, err := f.repo.FindAccountByID(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, bob.Balance.Equal(decimal.NewFromInt(2500)))
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   domain.ErrorKind
	}{
		{"unknown kind", http.MethodPost, "/transaction", `{"sender_id":"alice","recipient":"bob","amount":"10","type":"loan"}`, http.StatusBadRequest, domain.KindUnknownTransactionKind},
		{"unknown sender", http.MethodPost, "/transaction", `{"sender_id":"nobody","recipient":"bob","amount":"10","type":"transfer"}`, http.StatusNotFound, domain.KindSenderNotFound},
		{"unknown recipient", http.MethodPost, "/transaction", `{"sender_id":"alice","recipient":"nobody","amount":"10","type":"transfer"}`, http.StatusNotFound, domain.KindRecipientNotFound},
		{"not an agent", http.MethodPost, "/transaction", `{"sender_id":"alice","recipient":"","amount":"10","type":"agent_funding"}`, http.StatusUnprocessableEntity, domain.KindNotAnAgentAccount},
		{"malformed recipient", http.MethodPost, "/transaction", `{"sender_id":"alice","recipient":"bob;x","amount":"10","type":"transfer"}`, http.StatusBadRequest, domain.KindMalformedRecipientField},
		{"unknown field", http.MethodPost, "/transaction", `{"sender_id":"alice","extra":1}`, http.StatusBadRequest, domain.KindInvalidInput},
		{"empty body", http.MethodPost, "/transaction", ``, http.StatusBadRequest, domain.KindInvalidInput},
		{"unknown session", http.MethodPost, "/confirm_transaction", `{"session_code":"ZZZZ9999"}`, http.StatusNotFound, domain.KindSessionNotFound},
		{"duplicate account", http.MethodPost, "/accounts", `{"id":"alice","name":"Again","kind":"standard"}`, http.StatusConflict, domain.KindAccountExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, string(tt.code), decodeBody(t, rec)["code"])
		})
	}
}

func TestConfirmInsufficientFunds(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{})

	rec := f.do(t, http.MethodPost, "/transaction", `{"sender_id":"bob","recipient":"alice","amount":"10","type":"transfer"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	code := decodeBody(t, rec)["session_code"].(string)

	rec = f.do(t, http.MethodPost, "/confirm_transaction", `{"session_code":"`+code+`"}`, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, string(domain.KindInsufficientFunds), decodeBody(t, rec)["code"])
}

func TestRegisterAccountAndBalanceWithAccessCode(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{})

	rec := f.do(t, http.MethodPost, "/accounts", `{"id":"0700000001","name":"Carol","kind":"standard","access_code":"2468"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	assert.Equal(t, "0700000001", created["id"])
	assert.NotContains(t, created, "access_code_hash")

	rec = f.do(t, http.MethodGet, "/accounts/0700000001/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/accounts/0700000001/balance", "", map[string]string{accessCodeHeader: "0000"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(domain.KindInvalidAccessCode), decodeBody(t, rec)["code"])

	rec = f.do(t, http.MethodGet, "/accounts/0700000001/balance", "", map[string]string{accessCodeHeader: "2468"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", decodeBody(t, rec)["balance"])
}

func TestPublicRegistrationCannotOpenAgentAccounts(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{})

	rec := f.do(t, http.MethodPost, "/accounts", `{"id":"mallory","name":"Mallory","kind":"agent"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(domain.KindInvalidInput), decodeBody(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/accounts", `{"id":"mallory","name":"Mallory","kind":"premium"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Without an agent account the funding request is refused before a session opens.
	rec = f.do(t, http.MethodPost, "/accounts", `{"id":"mallory","name":"Mallory"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, string(domain.AccountStandard), decodeBody(t, rec)["kind"])

	rec = f.do(t, http.MethodPost, "/transaction", `{"sender_id":"mallory","recipient":"","amount":"1000000","type":"deposit_pro"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	operator, err := f.repo.OperatorAccount(context.Background())
	require.NoError(t, err)
	assert.True(t, operator.Balance.Equal(decimal.NewFromInt(1_000_000)))
}

func TestProvisionAgentAccountRequiresInternalKey(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{})
	body := `{"id":"kiosk2","name":"Kiosk Two","kind":"agent"}`

	rec := f.do(t, http.MethodPost, "/operator/accounts", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/operator/accounts", body, map[string]string{internalKeyHeader: testInternalKey})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	assert.Equal(t, string(domain.AccountAgent), created["kind"])
	assert.NotEqual(t, "0001-01-01T00:00:00Z", created["created_at"])
}

func TestListSettlementsAfterBillPayment(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{})
	utility := &domain.Account{ID: "sde", Name: "Water Utility", Balance: decimal.Zero, Kind: domain.AccountPremium}
	require.NoError(t, f.repo.CreateAccount(context.Background(), utility))

	rec := f.do(t, http.MethodPost, "/transaction", `{"sender_id":"alice","recipient":"sde;C-1;water","amount":"10000","type":"bill_payment"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	code := decodeBody(t, rec)["session_code"].(string)
	rec = f.do(t, http.MethodPost, "/confirm_transaction", `{"session_code":"`+code+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/accounts/alice/settlements?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	records, ok := body["settlements"].([]interface{})
	require.True(t, ok)
	require.Len(t, records, 1)
	assert.Equal(t, code, records[0].(map[string]interface{})["session_code"])
	assert.EqualValues(t, 5, body["limit"])
}

func TestGetFees(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{})

	rec := f.do(t, http.MethodGet, "/fees?type=withdrawal&amount=10000", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	quote := decodeBody(t, rec)
	assert.Equal(t, "500", quote["fee"])
	assert.Equal(t, "10500", quote["total_debit"])
	assert.Equal(t, "100", quote["recipient_bonus"])

	rec = f.do(t, http.MethodGet, "/fees?type=withdrawal&amount=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/fees?type=gift&amount=100", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperatorFloatRequiresInternalKey(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{})

	rec := f.do(t, http.MethodPost, "/operator/float", `{"delta":"500"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/operator/float", `{"delta":"500"}`, map[string]string{internalKeyHeader: testInternalKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1000500", decodeBody(t, rec)["balance"])

	rec = f.do(t, http.MethodPost, "/operator/float", `{"delta":"-2000000"}`, map[string]string{internalKeyHeader: testInternalKey})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, string(domain.KindInsufficientOperatorFunds), decodeBody(t, rec)["code"])
}

func TestAuthMiddlewareBindsSubjectToSender(t *testing.T) {
	const secret = "jwt-secret"
	f := newAPIFixture(t, RouterConfig{JWTSecret: secret})
	body := `{"sender_id":"alice","recipient":"bob","amount":"100","type":"transfer"}`

	rec := f.do(t, http.MethodPost, "/transaction", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/transaction", body, map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/transaction", body, map[string]string{"Authorization": signToken(t, "other-secret", "alice")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/transaction", body, map[string]string{"Authorization": signToken(t, secret, "bob")})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/transaction", body, map[string]string{"Authorization": signToken(t, secret, "alice")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	code := decodeBody(t, rec)["session_code"].(string)

	confirm := `{"session_code":"` + code + `"}`
	rec = f.do(t, http.MethodPost, "/confirm_transaction", confirm, map[string]string{"Authorization": signToken(t, secret, "bob")})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/sessions/"+code, "", map[string]string{"Authorization": signToken(t, secret, "bob")})
	assert.Equal(t, http.StatusOK, rec.Code, "the recipient may inspect the session")

	rec = f.do(t, http.MethodPost, "/confirm_transaction", confirm, map[string]string{"Authorization": signToken(t, secret, "alice")})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestConfirmRateLimit(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{RateLimiter: app.NewLocalRateLimiter(), ConfirmLimitPerMinute: 2})
	body := `{"session_code":"NOPE0000"}`

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/confirm_transaction", body, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/confirm_transaction", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestStatusForKindDefaultsToInternalError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusForKind(domain.ErrorKind("something_else")))
	assert.Equal(t, http.StatusGone, statusForKind(domain.KindSessionExpired))
}

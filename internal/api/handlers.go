/**
 * @description
 * This file contains the HTTP handlers for the transaction-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the transaction engine, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameters.
 * - go.uber.org/zap: Structured logging.
 * - internal/app, internal/domain: For engine logic, models, and error kinds.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mopatas/transaction-service/internal/app"
	"github.com/mopatas/transaction-service/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	accessCodeHeader = "X-Access-Code"
	maxBodyBytes     = 1 << 20
)

// TransactionHandlers holds the engine that handlers will use.
type TransactionHandlers struct {
	engine *app.Engine
	logger *zap.Logger
}

// NewTransactionHandlers creates a new instance of TransactionHandlers.
func NewTransactionHandlers(engine *app.Engine, logger *zap.Logger) *TransactionHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionHandlers{engine: engine, logger: logger.With(zap.String("component", "api"))}
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorKind `json:"code,omitempty"`
}

type operatorFloatRequest struct {
	Delta decimal.Decimal `json:"delta"`
}

// statusForKind maps engine error kinds onto HTTP status codes.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidInput, domain.KindMalformedRecipientField, domain.KindUnknownTransactionKind:
		return http.StatusBadRequest
	case domain.KindInvalidAccessCode:
		return http.StatusUnauthorized
	case domain.KindInsufficientFunds, domain.KindInsufficientOperatorFunds:
		return http.StatusPaymentRequired
	case domain.KindSenderNotFound, domain.KindRecipientNotFound, domain.KindSessionNotFound:
		return http.StatusNotFound
	case domain.KindAlreadySettled, domain.KindAccountExists:
		return http.StatusConflict
	case domain.KindSessionExpired:
		return http.StatusGone
	case domain.KindNotAnAgentAccount:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Errorf(domain.KindInvalidInput, "request body is empty")
		}
		return domain.Errorf(domain.KindInvalidInput, "invalid request body: %v", err)
	}
	return nil
}

// RequestTransactionHandler opens a session for a transaction intent.
func (h *TransactionHandlers) RequestTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.TransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeEngineError(w, r, "request_transaction", err)
		return
	}
	if !h.authorizeAccount(w, r, req.SenderID) {
		return
	}

	result, err := h.engine.Request(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, "request_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// ConfirmTransactionHandler settles a previously requested session.
func (h *TransactionHandlers) ConfirmTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeEngineError(w, r, "confirm_transaction", err)
		return
	}

	if _, authenticated := GetSubject(r.Context()); authenticated {
		session, err := h.engine.Sessions().Lookup(r.Context(), req.SessionCode)
		if err != nil {
			h.writeEngineError(w, r, "confirm_transaction", err)
			return
		}
		if !h.authorizeAccount(w, r, session.SenderID) {
			return
		}
	}

	result, err := h.engine.Confirm(r.Context(), req.SessionCode)
	if err != nil {
		h.writeEngineError(w, r, "confirm_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// GetSessionHandler reports the state of a session to its sender or recipient.
func (h *TransactionHandlers) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	session, err := h.engine.Sessions().Lookup(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeEngineError(w, r, "get_session", err)
		return
	}
	if subject, ok := GetSubject(r.Context()); ok && subject != session.SenderID && subject != session.RecipientID {
		h.writeError(w, http.StatusForbidden, "session belongs to another account")
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// RegisterAccountHandler opens a new standard wallet.
func (h *TransactionHandlers) RegisterAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeEngineError(w, r, "register_account", err)
		return
	}
	account, err := h.engine.RegisterAccount(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, "register_account", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, account)
}

// ProvisionAccountHandler opens a wallet of any registrable kind, including
// agent and premium wallets. It is mounted behind the internal API key.
func (h *TransactionHandlers) ProvisionAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeEngineError(w, r, "provision_account", err)
		return
	}
	account, err := h.engine.ProvisionAccount(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, "provision_account", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, account)
}

// GetAccountBalanceHandler returns a balance; the X-Access-Code header is
// required when the account has an access code.
func (h *TransactionHandlers) GetAccountBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if !h.authorizeAccount(w, r, accountID) {
		return
	}
	var accessCode *string
	if code := r.Header.Get(accessCodeHeader); code != "" {
		accessCode = &code
	}

	balance, err := h.engine.Balance(r.Context(), accountID, accessCode)
	if err != nil {
		h.writeEngineError(w, r, "get_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

// ListSettlementsHandler lists the payer's bill-payment settlement records.
func (h *TransactionHandlers) ListSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if !h.authorizeAccount(w, r, accountID) {
		return
	}
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	records, err := h.engine.ListSettlements(r.Context(), accountID, limit, offset)
	if err != nil {
		h.writeEngineError(w, r, "list_settlements", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"settlements": records, "limit": limit, "offset": offset})
}

// GetFeesHandler quotes the fee for ?type=<kind>&amount=<amount>.
func (h *TransactionHandlers) GetFeesHandler(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(strings.TrimSpace(r.URL.Query().Get("amount")))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "amount must be a decimal number")
		return
	}
	quote, err := h.engine.QuoteFee(r.URL.Query().Get("type"), amount)
	if err != nil {
		h.writeEngineError(w, r, "get_fees", err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

// AdjustOperatorFloatHandler tops up or draws down the operator account.
func (h *TransactionHandlers) AdjustOperatorFloatHandler(w http.ResponseWriter, r *http.Request) {
	var req operatorFloatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeEngineError(w, r, "operator_float", err)
		return
	}
	balance, err := h.engine.AdjustOperatorFloat(r.Context(), req.Delta)
	if err != nil {
		h.writeEngineError(w, r, "operator_float", err)
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

// authorizeAccount rejects authenticated callers acting for another account.
// With auth disabled every caller is trusted.
func (h *TransactionHandlers) authorizeAccount(w http.ResponseWriter, r *http.Request, accountID string) bool {
	subject, ok := GetSubject(r.Context())
	if !ok {
		return true
	}
	if strings.TrimSpace(accountID) != subject {
		h.logger.Warn("subject mismatch",
			zap.String("path", r.URL.Path),
			zap.String("subject", subject),
			zap.String("account_id", accountID),
		)
		h.writeError(w, http.StatusForbidden, "token subject does not match the account")
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func (h *TransactionHandlers) writeEngineError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	kind := domain.KindOf(err)
	if kind == "" {
		h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.logger.Info("request rejected", zap.String("endpoint", endpoint), zap.String("reason", string(kind)), zap.Error(err))
	h.writeJSON(w, statusForKind(kind), errorResponse{Error: err.Error(), Code: kind})
}

// writeJSON is a helper for writing JSON responses.
func (h *TransactionHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TransactionHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"payment-otp-service/internal/model"
	"payment-otp-service/internal/service"
	"payment-otp-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// OTPHandler handles HTTP requests for code issuance and verification
type OTPHandler struct {
	verificationService *service.VerificationService
	logger              *zap.Logger
}

// NewOTPHandler creates a new OTP handler
func NewOTPHandler(verificationService *service.VerificationService, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		verificationService: verificationService,
		logger:              logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// IssueRequest is the payload for registering a confirmation code.
type IssueRequest struct {
	TransactionID string `json:"transaction_id"`
	AccountID     string `json:"account_id"`
	Code          string `json:"code"`
	TTLSeconds    int    `json:"ttl_seconds,omitempty"`
}

// VerifyRequest is the payload for checking a supplied code.
type VerifyRequest struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code"`
}

// RegisterRoutes registers all OTP routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/issue", h.IssueCode)
		r.Post("/verify", h.VerifyCode)
		r.Delete("/{transactionID}", h.InvalidateCode)
	})
}

// IssueCode registers a confirmation code for a pending payment
func (h *OTPHandler) IssueCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	var expiresAt time.Time
	if req.TTLSeconds > 0 {
		expiresAt = time.Now().UTC().Add(time.Duration(req.TTLSeconds) * time.Second)
	}

	if err := h.verificationService.Issue(ctx, req.TransactionID, req.AccountID, req.Code, expiresAt); err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to issue code")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(nil, "Code issued"))
	h.logger.Info("Code issued via HTTP",
		util.String("transaction_id", req.TransactionID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "IssueCode"),
	)
}

// VerifyCode checks a supplied code and reports the verification outcome
func (h *OTPHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.verificationService.Verify(ctx, req.TransactionID, req.Code)
	if err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to verify code")
		return
	}

	h.respondWithResult(w, result)
	h.logger.Info("Code verification via HTTP",
		util.String("transaction_id", req.TransactionID),
		util.Bool("verified", result.Verified),
		util.String("reason", string(result.Reason)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyCode"),
	)
}

// InvalidateCode discards the active code for a cancelled payment
func (h *OTPHandler) InvalidateCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	transactionID := chi.URLParam(r, "transactionID")
	if transactionID == "" {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidInput, "Transaction ID is required")
		return
	}

	if err := h.verificationService.Invalidate(ctx, transactionID); err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to invalidate code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Code invalidated"))
	h.logger.Info("Code invalidated via HTTP",
		util.String("transaction_id", transactionID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "InvalidateCode"),
	)
}

// respondWithResult maps a verification outcome onto an HTTP status. The
// outcome itself is always carried in the body so callers can act on the
// reason code and remaining attempts.
func (h *OTPHandler) respondWithResult(w http.ResponseWriter, result *model.VerificationResult) {
	if result.Verified {
		h.respondWithJSON(w, http.StatusOK, successResponse(result, result.Message))
		return
	}

	statusCode := http.StatusUnprocessableEntity
	switch result.Reason {
	case model.RejectNotFound:
		statusCode = http.StatusNotFound
	case model.RejectExpired, model.RejectExhausted:
		statusCode = http.StatusGone
	case model.RejectCoolingDown:
		statusCode = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(result.CooldownSeconds))
	case model.RejectMismatch:
		statusCode = http.StatusUnauthorized
	}

	h.respondWithJSON(w, statusCode, Response{
		Success: false,
		Data:    result,
		Error:   string(result.Reason),
		Message: result.Message,
	})
}

// respondWithJSON sends a JSON response
func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *OTPHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrPaymentNotFound), errors.Is(err, model.ErrCodeNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"metered_gateway/internal/admission"
	"metered_gateway/internal/auth"
	"metered_gateway/internal/billing"
	"metered_gateway/internal/claims"
	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/ledger"
	"metered_gateway/internal/providers"
	"metered_gateway/internal/queue"
	"metered_gateway/internal/recharge"
	"metered_gateway/internal/utils"
)

const maxJSONBodyBytes = 1 << 20

// errorStatus maps a domain error to its HTTP status, error type and code
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, billing.ErrInsufficientBalance):
		return http.StatusPaymentRequired, utils.ErrTypeInsufficientQuota, ""
	case errors.Is(err, admission.ErrConcurrencyExceeded):
		return http.StatusTooManyRequests, utils.ErrTypeRateLimit, "concurrency_limit_exceeded"
	case errors.Is(err, providers.ErrUpstream):
		return http.StatusBadGateway, utils.ErrTypeAPI, ""
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, auth.ErrUnknownCredential),
		errors.Is(err, claims.ErrClaimNotFound),
		errors.Is(err, queue.ErrItemNotFound),
		errors.Is(err, kvstore.ErrNotFound):
		return http.StatusNotFound, utils.ErrTypeNotFound, ""
	case errors.Is(err, claims.ErrClaimAlreadyUsed):
		return http.StatusBadRequest, utils.ErrTypeInvalidRequest, "claim_already_used"
	case errors.Is(err, claims.ErrClaimExpired):
		return http.StatusBadRequest, utils.ErrTypeInvalidRequest, "claim_expired"
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidConcurrency),
		errors.Is(err, recharge.ErrInvalidAmount),
		errors.Is(err, recharge.ErrInvalidEmail):
		return http.StatusBadRequest, utils.ErrTypeInvalidRequest, ""
	}
	return http.StatusInternalServerError, utils.ErrTypeInternal, ""
}

// respondError writes err in the gateway error format. Internal errors are
// logged and their message is not exposed.
func (d *Dependencies) respondError(w http.ResponseWriter, err error, message string) {
	status, errType, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		d.Logger.Error(message, zap.Error(err))
		utils.RespondWithError(w, status, errType, code, message)
		return
	}
	utils.RespondWithError(w, status, errType, code, err.Error())
}

func badRequest(w http.ResponseWriter, message string) {
	utils.RespondWithError(w, http.StatusBadRequest, utils.ErrTypeInvalidRequest, "", message)
}

// decodeJSON reads a bounded JSON request body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

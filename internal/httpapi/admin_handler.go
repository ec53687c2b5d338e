package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"metered_gateway/internal/auth"
	"metered_gateway/internal/middleware"
	"metered_gateway/internal/models"
	"metered_gateway/internal/queue"
	"metered_gateway/internal/recharge"
	"metered_gateway/internal/utils"
)

const (
	defaultUsageLimit  = 50
	maxUsageLimit      = 500
	defaultUsageWindow = 30 * 24 * time.Hour
)

// TokenAuthRequest is the body of POST /admin/auth/token
type TokenAuthRequest struct {
	Secret  string   `json:"secret"`
	Subject string   `json:"subject,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// TokenAuthResponse carries a freshly minted admin JWT
type TokenAuthResponse struct {
	Token     string   `json:"token"`
	ExpiresAt int64    `json:"expires_at"`
	Roles     []string `json:"roles"`
}

// handleAdminToken exchanges the admin secret for a short-lived JWT. The
// secret is read from the body or the X-Admin-Secret header.
func (d *Dependencies) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	if !d.Config.AdminEnabled() {
		utils.RespondWithError(w, http.StatusNotFound, utils.ErrTypeNotFound, "", "Admin access is not configured")
		return
	}

	var req TokenAuthRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, "Invalid request body")
			return
		}
	}
	if req.Secret == "" {
		req.Secret = r.Header.Get("X-Admin-Secret")
	}

	if !auth.VerifyAdminSecret(req.Secret, d.Config) {
		d.Logger.Warn("Rejected admin token request", zap.String("remote_addr", r.RemoteAddr))
		utils.RespondWithError(w, http.StatusUnauthorized, utils.ErrTypeInvalidAPIKey, "", "Invalid admin secret")
		return
	}

	roles := []auth.Role{auth.RoleAdmin}
	if len(req.Roles) > 0 {
		roles = roles[:0]
		for _, name := range req.Roles {
			role, err := auth.ParseRole(name)
			if err != nil {
				badRequest(w, err.Error())
				return
			}
			roles = append(roles, role)
		}
	}

	subject := req.Subject
	if subject == "" {
		subject = "admin"
	}

	token, expiresAt, err := auth.GenerateAdminJWT(subject, roles, d.Config)
	if err != nil {
		d.respondError(w, err, "Failed to generate token")
		return
	}

	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = role.String()
	}

	utils.RespondWithJSON(w, http.StatusOK, TokenAuthResponse{Token: token, ExpiresAt: expiresAt, Roles: names})
}

type rechargeRequest struct {
	Email  string  `json:"email"`
	Amount float64 `json:"amount"`
}

type rechargeResponse struct {
	Success bool `json:"success"`
	*recharge.Result
}

// handleRecharge tops up an account by email, creating it when new
func (d *Dependencies) handleRecharge(w http.ResponseWriter, r *http.Request) {
	var req rechargeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if req.Email == "" || req.Amount <= 0 {
		badRequest(w, "email and a positive amount are required")
		return
	}

	result, err := d.Recharge.Recharge(r.Context(), req.Email, req.Amount)
	if err != nil {
		d.respondError(w, err, "Recharge failed")
		return
	}

	d.Logger.Info("Admin recharge",
		zap.String("admin", middleware.AdminSubject(r.Context())),
		zap.String("account_id", result.AccountID),
		zap.Float64("amount", req.Amount),
		zap.Bool("new_user", result.IsNewUser),
	)

	utils.RespondWithJSON(w, http.StatusOK, rechargeResponse{Success: true, Result: result})
}

type concurrencyRequest struct {
	MaxConcurrency int `json:"maxConcurrency"`
}

// handleSetConcurrency overrides the per-account concurrency limit
func (d *Dependencies) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	var req concurrencyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	account, err := d.Ledger.SetMaxConcurrency(r.Context(), accountID, req.MaxConcurrency)
	if err != nil {
		d.respondError(w, err, "Failed to set concurrency limit")
		return
	}

	d.Logger.Info("Concurrency limit changed",
		zap.String("admin", middleware.AdminSubject(r.Context())),
		zap.String("account_id", accountID),
		zap.Int("max_concurrency", account.MaxConcurrency),
	)

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"userId":         accountID,
		"maxConcurrency": account.MaxConcurrency,
	})
}

// AccountResponse is the admin view of an account
type AccountResponse struct {
	*models.Account
	InFlight int              `json:"in_flight"`
	Keys     []*models.APIKey `json:"keys"`
}

// handleGetAccount returns balance, concurrency and credentials of an account
func (d *Dependencies) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "id")

	account, err := d.Ledger.GetAccount(ctx, accountID)
	if err != nil {
		d.respondError(w, err, "Failed to load account")
		return
	}

	inFlight, _, err := d.Admission.InFlight(ctx, accountID)
	if err != nil {
		d.respondError(w, err, "Failed to read concurrency")
		return
	}

	keys, err := d.Keys.ListForAccount(ctx, accountID)
	if err != nil {
		d.respondError(w, err, "Failed to list API keys")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, AccountResponse{Account: account, InFlight: inFlight, Keys: keys})
}

// UsageResponse is a page of usage records plus the spend over the window
type UsageResponse struct {
	AccountID string                `json:"account_id"`
	Records   []*models.UsageRecord `json:"records"`
	TotalCost float64               `json:"total_cost"`
	Since     time.Time             `json:"since"`
	Limit     int                   `json:"limit"`
	Offset    int                   `json:"offset"`
}

// handleAccountUsage lists recent usage records.
// Query: limit, offset, since (RFC 3339, defaults to 30 days ago).
func (d *Dependencies) handleAccountUsage(w http.ResponseWriter, r *http.Request) {
	if d.Usage == nil {
		utils.RespondWithError(w, http.StatusServiceUnavailable, utils.ErrTypeInternal, "", "Usage log is not configured")
		return
	}

	ctx := r.Context()
	accountID := chi.URLParam(r, "id")
	query := r.URL.Query()

	limit, err := intParam(query.Get("limit"), defaultUsageLimit)
	if err != nil || limit < 1 {
		badRequest(w, "limit must be a positive integer")
		return
	}
	if limit > maxUsageLimit {
		limit = maxUsageLimit
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil || offset < 0 {
		badRequest(w, "offset must be a non-negative integer")
		return
	}

	now := time.Now()
	since := now.Add(-defaultUsageWindow)
	if s := query.Get("since"); s != "" {
		since, err = time.Parse(time.RFC3339, s)
		if err != nil {
			badRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
	}

	records, err := d.Usage.ListByAccount(ctx, accountID, limit, offset)
	if err != nil {
		d.respondError(w, err, "Failed to list usage")
		return
	}
	total, err := d.Usage.TotalCostByAccount(ctx, accountID, since, now)
	if err != nil {
		d.respondError(w, err, "Failed to total usage")
		return
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}

	utils.RespondWithJSON(w, http.StatusOK, UsageResponse{
		AccountID: accountID,
		Records:   records,
		TotalCost: total,
		Since:     since,
		Limit:     limit,
		Offset:    offset,
	})
}

// handleDisableKey revokes a credential by its ID (the key hash)
func (d *Dependencies) handleDisableKey(w http.ResponseWriter, r *http.Request) {
	keyID := strings.TrimSpace(chi.URLParam(r, "id"))

	key, err := d.Keys.Disable(r.Context(), keyID)
	if err != nil {
		d.respondError(w, err, "Failed to disable API key")
		return
	}

	d.Logger.Info("API key disabled",
		zap.String("admin", middleware.AdminSubject(r.Context())),
		zap.String("account_id", key.AccountID),
		zap.String("key_prefix", key.KeyPrefix),
	)

	utils.RespondWithJSON(w, http.StatusOK, key)
}

// handleReconcile runs the admission reconciler once
func (d *Dependencies) handleReconcile(w http.ResponseWriter, r *http.Request) {
	reset, err := d.Reconciler.ReconcileOnce(r.Context())
	if err != nil {
		d.respondError(w, err, "Reconcile failed")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]int{"reset": reset})
}

// handleListDeadLetters lists charges that exhausted their retries
func (d *Dependencies) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 100)
	if err != nil || limit < 0 {
		badRequest(w, "limit must be a non-negative integer")
		return
	}

	items, err := d.Queue.GetDeadLetterItems(r.Context(), limit)
	if err != nil {
		d.respondError(w, err, "Failed to list dead letters")
		return
	}
	if items == nil {
		items = []queue.DeadLetterItem{}
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleRetryDeadLetter puts a failed charge back on the billing queue
func (d *Dependencies) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := d.Queue.RetryDeadLetterItem(r.Context(), id); err != nil {
		d.respondError(w, err, "Failed to retry dead letter")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

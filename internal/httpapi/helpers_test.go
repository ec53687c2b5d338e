package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metered_gateway/internal/admission"
	"metered_gateway/internal/auth"
	"metered_gateway/internal/billing"
	"metered_gateway/internal/claims"
	"metered_gateway/internal/config"
	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/ledger"
	"metered_gateway/internal/metrics"
	"metered_gateway/internal/models"
	"metered_gateway/internal/notifications"
	"metered_gateway/internal/pricing"
	"metered_gateway/internal/providers"
	"metered_gateway/internal/queue"
	"metered_gateway/internal/recharge"
	"metered_gateway/internal/utils"
)

const (
	testAdminSecret   = "admin-secret"
	testWebhookSecret = "whsec_test"
)

type memoryUsageLog struct {
	mu      sync.Mutex
	records []*models.UsageRecord
}

func (l *memoryUsageLog) Append(ctx context.Context, record *models.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

func (l *memoryUsageLog) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.UsageRecord
	for _, r := range l.records {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *memoryUsageLog) TotalCostByAccount(ctx context.Context, accountID string, start, end time.Time) (float64, error) {
	records, _ := l.ListByAccount(ctx, accountID, 0, 0)
	var total float64
	for _, r := range records {
		total += r.Cost
	}
	return total, nil
}

func (l *memoryUsageLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// upstream is a fake completion API whose reply is swapped per test
type upstream struct {
	mu      sync.Mutex
	handler http.HandlerFunc
	calls   int
	bodies  [][]byte
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	buf.ReadFrom(r.Body)

	u.mu.Lock()
	u.calls++
	u.bodies = append(u.bodies, buf.Bytes())
	h := u.handler
	u.mu.Unlock()

	h(w, r)
}

func (u *upstream) set(h http.HandlerFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = h
}

func (u *upstream) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type fixture struct {
	t        *testing.T
	cfg      *config.Config
	store    *kvstore.MemoryStore
	ledger   *ledger.Ledger
	keys     *auth.Issuer
	control  *admission.Controller
	usage    *memoryUsageLog
	worker   *billing.BillingQueueWorker
	upstream *upstream
	deps     *Dependencies
	router   http.Handler

	startWorker sync.Once
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{
		HTTP: config.HTTPConfig{CORSOrigins: []string{"*"}},
		Security: config.SecurityConfig{
			JWTSecret:     []byte("test-jwt-secret"),
			AdminTokenTTL: time.Hour,
			AdminSecret:   testAdminSecret,
		},
		Stripe: config.StripeConfig{WebhookSecret: testWebhookSecret},
		Claims: config.ClaimsConfig{TTL: 15 * time.Minute, BaseURL: "http://gateway.test/claim"},
	}

	store := kvstore.NewMemoryStore()
	rec := metrics.NewRecorder()
	l := ledger.New(store, 3)
	keys := auth.NewIssuer(store)
	calculator := pricing.NewCalculator()
	usage := &memoryUsageLog{}
	service := billing.NewService(l, calculator, usage, nil, rec)

	qcfg := queue.DefaultConfig("billing-test")
	qcfg.BatchTimeout = 10 * time.Millisecond
	qcfg.RetryBackoff = time.Millisecond
	worker := billing.NewBillingQueueWorker(queue.NewMemoryQueue(qcfg), queue.NewMemoryDeadLetterQueue(), service, qcfg, nil)

	control := admission.NewController(store, admission.DefaultConfig(), nil, rec)
	redeemer := claims.NewRedeemer(claims.NewMemoryStore())
	rechargeService := recharge.NewService(l, keys, redeemer, notifications.NewNoopMailer(nil), cfg.Claims.BaseURL, cfg.Claims.TTL, nil)
	t.Cleanup(rechargeService.Wait)

	up := &upstream{}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	provider, err := providers.NewOpenAIProvider(config.UpstreamConfig{BaseURL: srv.URL, APIKey: "upstream-key", Timeout: 5 * time.Second})
	require.NoError(t, err)

	deps := &Dependencies{
		Config:     cfg,
		Metrics:    rec,
		Auth:       auth.NewAuthenticator(store),
		Keys:       keys,
		Ledger:     l,
		Admission:  control,
		Reconciler: admission.NewReconciler(control, time.Minute, nil),
		Billing:    service,
		Queue:      worker,
		Pricing:    calculator,
		Claims:     redeemer,
		Recharge:   rechargeService,
		Provider:   provider,
		Store:      store,
		Usage:      usage,
	}

	f := &fixture{
		t:        t,
		cfg:      cfg,
		store:    store,
		ledger:   l,
		keys:     keys,
		control:  control,
		usage:    usage,
		worker:   worker,
		upstream: up,
		deps:     deps,
		router:   NewRouter(deps),
	}
	t.Cleanup(func() {
		// Stop blocks unless the worker was started
		f.startWorker.Do(func() { worker.Start(context.Background()) })
		worker.Stop()
	})
	return f
}

// settle waits for the slot of accountID to be released, then lets the
// billing worker drain the queue. Charges and releases rewrite the same
// account record, so they are kept apart to make balances deterministic.
func (f *fixture) settle(accountID string) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		return f.inFlight(accountID) == 0
	}, 2*time.Second, 5*time.Millisecond)
	f.startWorker.Do(func() { f.worker.Start(context.Background()) })
}

// account creates an account with balance and returns a working API key
func (f *fixture) account(id string, balance float64) string {
	f.t.Helper()
	ctx := context.Background()

	_, err := f.ledger.CreateAccount(ctx, id, id+"@example.com", balance)
	require.NoError(f.t, err)
	issued, err := f.keys.Issue(ctx, id)
	require.NoError(f.t, err)
	return issued.Plaintext
}

func (f *fixture) balance(id string) float64 {
	f.t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), id)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) inFlight(id string) int {
	f.t.Helper()
	n, _, err := f.control.InFlight(context.Background(), id)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) do(method, path, key string, body any) *httptest.ResponseRecorder {
	f.t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(f.t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) adminToken(roles ...auth.Role) string {
	f.t.Helper()
	if len(roles) == 0 {
		roles = []auth.Role{auth.RoleAdmin}
	}
	token, _, err := auth.GenerateAdminJWT("test-admin", roles, f.cfg)
	require.NoError(f.t, err)
	return token
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) utils.APIError {
	t.Helper()
	var resp utils.ErrorResponse
	decodeBody(t, w, &resp)
	return resp.Error
}

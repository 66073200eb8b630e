package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agrimater/internal/auth"
	"agrimater/internal/llm"
	"agrimater/internal/netguard"
	"agrimater/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// captureNotifier remembers the codes it was asked to deliver.
type captureNotifier struct {
	mu   sync.Mutex
	otps map[string]string
	err  error
}

func (c *captureNotifier) SendOTP(_ context.Context, email, _ string, otp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.otps == nil {
		c.otps = make(map[string]string)
	}
	c.otps[email] = otp
	return c.err
}

func (c *captureNotifier) last(email string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.otps[email]
}

type testApp struct {
	*App
	notifier *captureNotifier
	store    *store.Store
	hits     *atomic.Int32
}

// newTestApp builds a gateway whose governor talks to a fake completions API.
func newTestApp(t *testing.T, perMinute int, mods ...func(*Options)) *testApp {
	t.Helper()
	t.Setenv("DISABLE_AUTH", "")
	t.Setenv("VALID_API_KEYS", "admin-key-1,admin-key-2")

	hits := &atomic.Int32{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"llama-3.1-8b-instant","choices":[{"message":{"content":"Agrimater verifies produce."}}]}`))
	}))
	t.Cleanup(upstream.Close)

	guardCfg := netguard.DefaultConfig()
	guardCfg.BaseDelay = time.Millisecond
	guard := netguard.New(guardCfg, netguard.WithHTTPClient(upstream.Client()))
	t.Cleanup(guard.Reset)

	cfg := &llm.Config{
		APIKey:         "gsk_test_key_123456",
		BaseURL:        upstream.URL,
		DefaultModel:   llm.DefaultModel,
		FallbackModels: llm.DefaultModels(),
		Temperature:    0.7,
		MaxTokens:      300,
		MaxRetries:     2,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		SystemPrompt:   llm.DefaultSystemPrompt,
		HistoryPairs:   5,
		JWTSecret:      testSecret,
	}

	st, err := store.Open(store.MemoryPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	notifier := &captureNotifier{}
	opts := Options{
		Chat:               llm.NewLLMServerState(llm.NewService(cfg, guard, nil), st, nil),
		Guard:              guard,
		Auth:               auth.NewService(notifier, nil),
		Database:           st,
		RateLimitPerMinute: perMinute,
	}
	for _, mod := range mods {
		mod(&opts)
	}
	a := NewApp(opts)
	return &testApp{App: a, notifier: notifier, store: st, hits: hits}
}

func (ta *testApp) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return ta.doFrom(t, "", method, path, body, header)
}

// doFrom is do with an explicit transport address; empty keeps the
// httptest default of 192.0.2.1:1234.
func (ta *testApp) doFrom(t *testing.T, remote, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if remote != "" {
		req.RemoteAddr = remote
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ta.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestNewApp(t *testing.T) {
	app := newTestApp(t, 0)
	if app.Router == nil {
		t.Error("Router not initialized")
	}
	if app.Auth == nil {
		t.Error("Auth service not initialized")
	}
	if app.limiter.burst != DefaultRateLimitPerMinute {
		t.Errorf("limiter burst = %d, want %d", app.limiter.burst, DefaultRateLimitPerMinute)
	}
}

func TestHandleStatus(t *testing.T) {
	app := newTestApp(t, 0)

	w := app.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
	assert.NoError(t, err)

	env := body["env"].(map[string]any)
	assert.Equal(t, true, env["hasGroqKey"])
	assert.Equal(t, llm.DefaultModel, env["groqModel"])
	assert.Equal(t, true, env["hasDatabase"])

	network := body["network"].(map[string]any)
	assert.EqualValues(t, 0, network["activeRequests"])
	assert.EqualValues(t, 50, network["budgetLimit"])
	assert.Contains(t, body["routes"], "chat")
}

func TestRequestIDHeader(t *testing.T) {
	app := newTestApp(t, 0)

	w := app.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = app.do(t, http.MethodGet, "/api/health", nil, map[string]string{"X-Request-Id": "trace-42"})
	assert.Equal(t, "trace-42", w.Header().Get("X-Request-Id"))
}

func TestOTPSignIn(t *testing.T) {
	app := newTestApp(t, 0)
	const email = "farmer@example.com"

	w := app.do(t, http.MethodPost, "/api/auth/send-otp", map[string]string{"email": "Farmer@Example.com", "name": "Asha"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])
	otp := app.notifier.last(email)
	require.Len(t, otp, 6)

	wrong := "000000"
	if otp == wrong {
		wrong = "111111"
	}
	w = app.do(t, http.MethodPost, "/api/auth/verify-otp", map[string]string{"email": email, "otp": wrong}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, auth.ErrInvalidOTP.Error(), decode(t, w)["error"])

	w = app.do(t, http.MethodPost, "/api/auth/verify-otp", map[string]string{"email": email, "otp": otp}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	token := body["token"].(string)

	claims, err := llm.ValidateSessionToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, email, claims.Email)

	// the code is consumed
	w = app.do(t, http.MethodPost, "/api/auth/verify-otp", map[string]string{"email": email, "otp": otp}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// the token opens the conversation routes
	w = app.do(t, http.MethodPost, "/api/conversation", map[string]string{"sessionId": "s1"},
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestSendOTPValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		notifyErr  error
		wantStatus int
		wantError  string
	}{
		{name: "missing email", body: map[string]string{}, wantStatus: http.StatusBadRequest, wantError: "Email is required"},
		{name: "invalid email", body: map[string]string{"email": "not-an-email"}, wantStatus: http.StatusBadRequest, wantError: "Invalid email format"},
		{name: "invalid body", body: "plain string", wantStatus: http.StatusBadRequest},
		{name: "delivery failure", body: map[string]string{"email": "a@b.co"}, notifyErr: errors.New("smtp down"), wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, 0)
			app.notifier.err = tt.notifyErr

			w := app.do(t, http.MethodPost, "/api/auth/send-otp", tt.body, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, decode(t, w)["error"])
			}
		})
	}
}

func TestVerifyOTPRequiresFields(t *testing.T) {
	app := newTestApp(t, 0)
	w := app.do(t, http.MethodPost, "/api/auth/verify-otp", map[string]string{"email": "a@b.co"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Email and OTP are required", decode(t, w)["error"])
}

func TestChatThroughGateway(t *testing.T) {
	app := newTestApp(t, 0)

	w := app.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "What is Agrimater?", "sessionId": "s1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Agrimater verifies produce.", body["response"])
	assert.Equal(t, llm.DefaultModel, body["modelUsed"])

	assert.EqualValues(t, 1, app.hits.Load())
	assert.Equal(t, 1, app.Guard.Status().SessionBudget)

	msgs, err := app.store.RecentMessages(context.Background(), "s1", 5)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestChatRateLimit(t *testing.T) {
	app := newTestApp(t, 2)

	for i := 0; i < 2; i++ {
		w := app.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "hi"}, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := app.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "hi"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))

	// other routes are not throttled
	w = app.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// forwarding headers from an untrusted peer do not open a new bucket
	w = app.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "hi"},
		map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "203.0.113.8"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// a different client has its own bucket
	w = app.doFrom(t, "198.51.100.9:5555", http.MethodPost, "/api/chat", map[string]string{"message": "hi"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChatRateLimitTrustedProxy(t *testing.T) {
	app := newTestApp(t, 1, func(o *Options) { o.TrustProxy = true })
	const proxy = "10.0.0.2:40000"

	w := app.doFrom(t, proxy, http.MethodPost, "/api/chat", map[string]string{"message": "hi"},
		map[string]string{"X-Forwarded-For": "203.0.113.7"})
	require.Equal(t, http.StatusOK, w.Code)
	w = app.doFrom(t, proxy, http.MethodPost, "/api/chat", map[string]string{"message": "hi"},
		map[string]string{"X-Forwarded-For": "203.0.113.7"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// behind the proxy each forwarded client is limited on its own
	w = app.doFrom(t, proxy, http.MethodPost, "/api/chat", map[string]string{"message": "hi"},
		map[string]string{"X-Forwarded-For": "203.0.113.8"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClientLimiterSweepsIdleClients(t *testing.T) {
	l := newClientLimiter(60)
	now := time.Now()
	assert.True(t, l.allow("10.0.0.1", now))
	assert.True(t, l.allow("10.0.0.2", now.Add(idleLimiterTTL/2)))

	assert.True(t, l.allow("10.0.0.3", now.Add(idleLimiterTTL+time.Second)))
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.clients, "10.0.0.1")
	assert.Contains(t, l.clients, "10.0.0.2")
}

func TestAdminNetwork(t *testing.T) {
	app := newTestApp(t, 0)
	key := map[string]string{"X-API-Key": "admin-key-2"}

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		header     map[string]string
		wantStatus int
	}{
		{name: "status without key", method: http.MethodGet, path: "/admin/network/status", wantStatus: http.StatusUnauthorized},
		{name: "status with wrong key", method: http.MethodGet, path: "/admin/network/status", header: map[string]string{"X-API-Key": "nope"}, wantStatus: http.StatusUnauthorized},
		{name: "status with key", method: http.MethodGet, path: "/admin/network/status", header: key, wantStatus: http.StatusOK},
		{name: "status with bearer", method: http.MethodGet, path: "/admin/network/status", header: map[string]string{"Authorization": "Bearer admin-key-1"}, wantStatus: http.StatusOK},
		{name: "cancel without pattern", method: http.MethodPost, path: "/admin/network/cancel", body: map[string]any{}, header: key, wantStatus: http.StatusBadRequest},
		{name: "cancel with bad regex", method: http.MethodPost, path: "/admin/network/cancel", body: map[string]any{"pattern": "(", "regex": true}, header: key, wantStatus: http.StatusBadRequest},
		{name: "cancel", method: http.MethodPost, path: "/admin/network/cancel", body: map[string]any{"pattern": "groq"}, header: key, wantStatus: http.StatusOK},
		{name: "reset", method: http.MethodPost, path: "/admin/network/reset", header: key, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := app.do(t, tt.method, tt.path, tt.body, tt.header)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestAdminResetRestoresBudget(t *testing.T) {
	app := newTestApp(t, 0)

	w := app.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "hello"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, app.Guard.Status().SessionBudget)

	w = app.do(t, http.MethodPost, "/admin/network/reset", nil, map[string]string{"X-API-Key": "admin-key-1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = app.do(t, http.MethodGet, "/admin/network/status", nil, map[string]string{"X-API-Key": "admin-key-1"})
	require.Equal(t, http.StatusOK, w.Code)
	var status netguard.Status
	require.NoError(t, json.NewDecoder(strings.NewReader(w.Body.String())).Decode(&status))
	assert.Equal(t, 0, status.SessionBudget)
}

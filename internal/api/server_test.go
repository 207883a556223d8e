package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goodtune/numcheck/internal/batch"
	"github.com/goodtune/numcheck/internal/quota"
	"github.com/goodtune/numcheck/internal/session"
	"github.com/goodtune/numcheck/internal/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret     = "test-secret"
	testAdminToken = "admin-token"
)

type fakeSession struct {
	mu        sync.Mutex
	status    session.Status
	challenge string
	starts    int
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) PairingChallenge() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.challenge, f.challenge != ""
}

func (f *fakeSession) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeSession) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fakeLooker struct {
	mu       sync.Mutex
	calls    []string
	exists   map[string]bool
	failures map[string]error
}

func (f *fakeLooker) Lookup(_ context.Context, number string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, number)
	if err, ok := f.failures[number]; ok {
		return false, err
	}
	return f.exists[number], nil
}

type testEnv struct {
	server  *Server
	session *fakeSession
	looker  *fakeLooker
	plans   *quota.PlanBook
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	store := memory.New()
	clock := &quota.TestClock{CurrentTime: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	tracker := quota.NewTracker(store.Quota(), quota.Config{Location: time.UTC, Clock: clock}, zerolog.Nop())
	plans := quota.NewPlanBook(quota.Plans{
		"free":    {Daily: 2, Monthly: 100},
		"starter": {Daily: quota.Unbounded, Monthly: 10000},
	}, store.Plans(), "free")

	looker := &fakeLooker{
		exists:   map[string]bool{"447700900111": true},
		failures: map[string]error{},
	}
	sess := &fakeSession{status: session.Status{State: session.StateConnected}}

	cfg := Config{
		AnonymousPlan: "free",
		MaxBatchSize:  5,
		JWTSecret:     testSecret,
		TierClaim:     "subscription_tier",
		AdminToken:    testAdminToken,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	coordinator := batch.NewCoordinator(tracker, looker, zerolog.Nop())
	srv := NewServer(cfg, sess, coordinator, tracker, plans, zerolog.Nop())

	return &testEnv{server: srv, session: sess, looker: looker, plans: plans}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestStatusAndQR(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "connected", status["connectionStatus"])
	assert.Equal(t, false, status["invalidated"])

	rec = env.do(t, "GET", "/qr", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	env.session.mu.Lock()
	env.session.challenge = "2@pairing"
	env.session.status.State = session.StateDisconnected
	env.session.mu.Unlock()

	rec = env.do(t, "GET", "/qr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2@pairing", decode[map[string]string](t, rec)["qr"])
}

func TestCheck_AnonymousQuotaAndErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/check", CheckRequest{Number: "+44 7700 900111"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "447700900111", body["number"])
	assert.Equal(t, true, body["exists"])

	rec = env.do(t, "POST", "/check", CheckRequest{Number: "447700900222"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]interface{}](t, rec)["exists"])

	// Free plan allows two per day
	rec = env.do(t, "POST", "/check", CheckRequest{Number: "447700900333"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, batch.ErrDailyLimitReached, decode[ErrorResponse](t, rec).Error)
	assert.Len(t, env.looker.calls, 2)
}

func TestCheck_LookupFailureStatusCodes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.looker.failures["447700900500"] = fmt.Errorf("%w: boom", session.ErrRemoteLookupFailed)
	env.looker.failures["447700900503"] = session.ErrConnectionUnavailable

	rec := env.do(t, "POST", "/check", CheckRequest{Number: "447700900500"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, batch.ErrLookupFailed, decode[ErrorResponse](t, rec).Error)

	rec = env.do(t, "POST", "/check", CheckRequest{Number: "447700900503"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Failures did not consume the anonymous allowance
	rec = env.do(t, "POST", "/check", CheckRequest{Number: "447700900111"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, "POST", "/check", CheckRequest{Number: "447700900111"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheck_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, number := range []string{"", "abc", "12345", "1234567890123456"} {
		rec := env.do(t, "POST", "/check", CheckRequest{Number: number})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "number %q", number)
	}
	assert.Empty(t, env.looker.calls)
}

func TestCheck_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RateLimitEnabled = true
		c.RateLimit = 0.001
		c.RateBurst = 1
		c.RateCacheSize = 10
		c.RateIdleTTL = time.Minute
	})

	rec := env.do(t, "POST", "/check", CheckRequest{Number: "447700900111"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "POST", "/check", CheckRequest{Number: "447700900111"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, env.looker.calls, 1)
}

func TestCheckSingle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/check-single", CheckRequest{Number: "447700900111"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/check-single", CheckRequest{UserID: "alice", Number: "447700900111"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[CheckResult](t, rec)
	assert.Equal(t, "active", res.Result)
	require.NotNil(t, res.Exists)
	assert.True(t, *res.Exists)

	env.do(t, "POST", "/check-single", CheckRequest{UserID: "alice", Number: "447700900222"})

	rec = env.do(t, "POST", "/check-single", CheckRequest{UserID: "alice", Number: "447700900333"})
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[CheckResult](t, rec)
	assert.Equal(t, batch.ErrDailyLimitReached, res.Result)
	assert.Nil(t, res.Exists)
}

func TestCheckBulk(t *testing.T) {
	env := newTestEnv(t, nil)
	env.looker.failures["447700900222"] = fmt.Errorf("%w: timeout", session.ErrRemoteLookupFailed)
	require.NoError(t, env.plans.Assign(context.Background(), "bob", "free"))

	rec := env.do(t, "POST", "/check-bulk", BulkRequest{
		UserID:  "bob",
		Numbers: []string{"447700900111", "447700900222", "447700900333", "447700900444"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	results := decode[BulkResponse](t, rec).Results
	require.Len(t, results, 4)
	assert.Equal(t, "active", results[0].Result)
	assert.Equal(t, batch.ErrLookupFailed, results[1].Error)
	assert.Equal(t, "not_found", results[2].Result)
	assert.Equal(t, batch.ErrDailyLimitReached, results[3].Error)
	assert.Nil(t, results[3].Exists)
}

func TestCheckBulk_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body BulkRequest
		want int
	}{
		{name: "missing user", body: BulkRequest{Numbers: []string{"447700900111"}}, want: http.StatusBadRequest},
		{name: "missing numbers", body: BulkRequest{UserID: "bob"}, want: http.StatusBadRequest},
		{name: "reserved identity", body: BulkRequest{UserID: "ip:192.0.2.1", Numbers: []string{"447700900111"}}, want: http.StatusBadRequest},
		{name: "too many", body: BulkRequest{UserID: "bob", Numbers: make([]string, 6)}, want: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/check-bulk", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Empty(t, env.looker.calls)
}

func TestCheckBulk_InvalidEntriesAnsweredInPlace(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/check-bulk", BulkRequest{
		UserID:  "bob",
		Numbers: []string{"nope", "447700900111", " 12 ", "447700900222"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	results := decode[BulkResponse](t, rec).Results
	require.Len(t, results, 4)
	assert.Equal(t, CheckResult{Number: "nope", Result: batch.ErrInvalidNumber, Error: batch.ErrInvalidNumber}, results[0])
	assert.Equal(t, "active", results[1].Result)
	assert.Equal(t, "12", results[2].Number)
	assert.Equal(t, batch.ErrInvalidNumber, results[2].Error)
	assert.Equal(t, "not_found", results[3].Result)

	assert.Equal(t, []string{"447700900111", "447700900222"}, env.looker.calls)

	rec = env.do(t, "GET", "/usage/bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[quota.Usage](t, rec).Daily, "invalid entries must not consume quota")
}

func TestCheckSingle_ReservedIdentity(t *testing.T) {
	env := newTestEnv(t, nil)

	// httptest requests come from 192.0.2.1
	rec := env.do(t, "POST", "/check", CheckRequest{Number: "447700900111"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "POST", "/check-single", CheckRequest{UserID: "ip:192.0.2.1", Number: "447700900222"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"447700900111"}, env.looker.calls)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AllowedOrigins = []string{"https://app.example"} })

	for _, path := range []string{"/status", "/qr", "/usage/alice", "/check", "/upload"} {
		t.Run(path, func(t *testing.T) {
			rec := env.do(t, "OPTIONS", path, nil, "Origin", "https://app.example")
			assert.Equal(t, http.StatusNoContent, rec.Code)
			assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}

	rec := env.do(t, "GET", "/status", nil, "Origin", "https://app.example")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCheckBulk_TokenTierAndIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	token := signToken(t, jwt.MapClaims{
		"sub":               "carol",
		"subscription_tier": "starter",
		"exp":               time.Now().Add(time.Hour).Unix(),
	})

	rec := env.do(t, "POST", "/check-bulk", BulkRequest{
		UserID:  "carol",
		Numbers: []string{"447700900111", "447700900222", "447700900333"},
	}, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, res := range decode[BulkResponse](t, rec).Results {
		assert.Empty(t, res.Error, "starter tier has no daily limit")
	}

	rec = env.do(t, "POST", "/check-bulk", BulkRequest{
		UserID:  "mallory",
		Numbers: []string{"447700900111"},
	}, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, "POST", "/check", CheckRequest{Number: "447700900111"}, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func multipartBody(t *testing.T, userID, contentType, content string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if userID != "" {
		require.NoError(t, mw.WriteField("userId", userID))
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="numbers"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	tests := []struct {
		name        string
		userID      string
		contentType string
		content     string
		wantStatus  int
		wantNumbers []string
	}{
		{
			name:        "plain text",
			userID:      "dave",
			contentType: "text/plain",
			content:     "447700900111\n\n447700900222\n",
			wantStatus:  http.StatusOK,
			wantNumbers: []string{"447700900111", "447700900222"},
		},
		{
			name:        "csv first column with header",
			userID:      "dave",
			contentType: "text/csv",
			content:     "phone,name\n447700900111,Ann\n+44 7700 900222,Ben\n",
			wantStatus:  http.StatusOK,
			wantNumbers: []string{"447700900111", "447700900222"},
		},
		{
			name:        "unsupported type",
			userID:      "dave",
			contentType: "application/pdf",
			content:     "%PDF",
			wantStatus:  http.StatusUnsupportedMediaType,
		},
		{
			name:        "missing user",
			contentType: "text/plain",
			content:     "447700900111\n",
			wantStatus:  http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			body, contentType := multipartBody(t, tt.userID, tt.contentType, tt.content)

			req := httptest.NewRequest("POST", "/upload", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}

			results := decode[BulkResponse](t, rec).Results
			var got []string
			for _, res := range results {
				got = append(got, res.Number)
			}
			assert.Equal(t, tt.wantNumbers, got)
		})
	}
}

func TestUpload_JSONBody(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/upload", BulkRequest{UserID: "erin", Numbers: []string{"447700900111"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[BulkResponse](t, rec).Results, 1)
}

func TestUsage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "POST", "/check-single", CheckRequest{UserID: "frank", Number: "447700900111"})

	rec := env.do(t, "GET", "/usage/frank", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	usage := decode[quota.Usage](t, rec)
	assert.Equal(t, "free", usage.Plan)
	assert.Equal(t, int64(1), usage.Daily)
	assert.Equal(t, int64(1), usage.RemainingDaily)
	assert.Equal(t, "2024-06-01", usage.LastDailyReset)
}

func TestSessionStart(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/session/start", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "POST", "/session/start", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "POST", "/session/start", nil, "Authorization", "Bearer "+testAdminToken)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Eventually(t, func() bool { return env.session.Starts() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionStart_DisabledWithoutToken(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AdminToken = "" })

	rec := env.do(t, "POST", "/session/start", nil, "Authorization", "Bearer anything")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/go-medsafe/internal/actor"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
)

const (
	testSecret = "test-secret"
	testIssuer = "medsafe"
)

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := actor.CallerFrom(r.Context())
		_, _ = w.Write([]byte(caller))
	})
}

func TestAuthenticate(t *testing.T) {
	signer := actor.NewSigner(testSecret, testIssuer)
	valid, err := signer.Sign("dr-house", time.Hour)
	require.NoError(t, err)
	foreign, err := actor.NewSigner("other-secret", testIssuer).Sign("dr-house", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "valid token", header: "Bearer " + valid, wantStatus: http.StatusOK, wantBody: "dr-house"},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized,
			wantBody: `{"error":"missing bearer token","code":"unauthenticated"}`},
		{name: "wrong scheme", header: "Basic " + valid, wantStatus: http.StatusUnauthorized,
			wantBody: `{"error":"missing bearer token","code":"unauthenticated"}`},
		{name: "foreign signature", header: "Bearer " + foreign, wantStatus: http.StatusUnauthorized,
			wantBody: `{"error":"invalid bearer token","code":"unauthenticated"}`},
		{name: "garbage", header: "Bearer not-a-token", wantStatus: http.StatusUnauthorized,
			wantBody: `{"error":"invalid bearer token","code":"unauthenticated"}`},
	}

	h := Authenticate(actor.NewTokenVerifier(testSecret, testIssuer), nil)(echoCaller())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			} else {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestLoggerRecordsCaller(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	token, err := actor.NewSigner(testSecret, testIssuer).Sign("pharm-1", time.Hour)
	require.NoError(t, err)

	h := RequestID(Logger(zap.New(core))(Authenticate(actor.NewTokenVerifier(testSecret, testIssuer), nil)(echoCaller())))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions/0", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "pharm-1", fields["caller"])
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error","code":"internal"}`, rec.Body.String())
}

func TestMetricsCountsStatus(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := Metrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "404")))
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

package handler

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/provider-resilience/internal/config"
	"github.com/mir00r/provider-resilience/internal/resilience"
	"github.com/mir00r/provider-resilience/internal/transport"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

func TestMetricsHandlerExposesCallsAndNodes(t *testing.T) {
	f := createTestAdmin(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/services/sms/nodes", smsNode("twilio-1", "twilio")).Code)

	metrics := resilience.NewMetrics()
	metrics.RecordCall("sms", 2, true, 30*time.Millisecond)
	metrics.RecordCall("sms", 1, false, 700*time.Millisecond)
	metrics.RecordRateLimited("sms")

	h := NewPrometheusHandler(metrics, f.registry, logger.Discard())
	rec := httptest.NewRecorder()
	h.MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, `provider_resilience_calls_total{service="sms"} 2`)
	assert.Contains(t, body, `provider_resilience_attempts_total{service="sms"} 3`)
	assert.Contains(t, body, `provider_resilience_errors_total{service="sms"} 1`)
	assert.Contains(t, body, `provider_resilience_rejections_total{service="sms",reason="rate_limited"} 1`)
	assert.Contains(t, body, `provider_resilience_call_duration_seconds_bucket{service="sms",le="0.05"} 1`)
	assert.Contains(t, body, `provider_resilience_call_duration_seconds_bucket{service="sms",le="+Inf"} 2`)
	assert.Contains(t, body, `provider_resilience_node_health_score{service="sms",node_id="twilio-1",provider="twilio"} 100.00`)
	assert.Contains(t, body, "provider_resilience_calls_sum 2")
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, `a\"b\\c\nd`, sanitizeLabel("a\"b\\c\nd"))
}

func TestTLSHandler(t *testing.T) {
	h := NewTLSHandler(config.TLSConfig{}, logger.Discard())
	cfg, err := h.ConfigureTLS()
	require.NoError(t, err)
	assert.Nil(t, cfg)

	h = NewTLSHandler(config.TLSConfig{
		Enabled:      true,
		MinVersion:   "1.3",
		CipherSuites: []string{"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"},
	}, logger.Discard())
	cfg, err = h.ConfigureTLS()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, []uint16{tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256}, cfg.CipherSuites)

	for _, bad := range []config.TLSConfig{
		{Enabled: true, MinVersion: "1.0"},
		{Enabled: true, MinVersion: "1.3", MaxVersion: "1.2"},
		{Enabled: true, CipherSuites: []string{"NOT_A_SUITE"}},
	} {
		_, err := NewTLSHandler(bad, logger.Discard()).ConfigureTLS()
		assert.Error(t, err)
	}
}

type fakeConfigSource struct {
	cfg       *config.Config
	reloadErr error
	reloads   int
}

func (s *fakeConfigSource) CurrentConfig() *config.Config { return s.cfg }

func (s *fakeConfigSource) Reload(ctx context.Context) error {
	s.reloads++
	return s.reloadErr
}

func TestConfigHandler(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Admin.JWTSecret = "top-secret"
	cfg.Store.DSN = "postgres://user:pass@db/resilience"
	cfg.Transport.HTTP.Targets = map[string]transport.HTTPTarget{
		"twilio": {BaseURL: "https://api.twilio.com", Headers: map[string]string{"Authorization": "Basic abc123"}},
	}
	source := &fakeConfigSource{cfg: cfg}

	admin := NewAdminHandler(AdminDependencies{}, logger.Discard())
	r := mux.NewRouter()
	NewConfigHandler(source, admin, logger.Discard()).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "top-secret")
	assert.NotContains(t, rec.Body.String(), "user:pass")
	assert.Contains(t, rec.Body.String(), redacted)
	assert.NotContains(t, rec.Body.String(), "abc123")
	assert.Contains(t, rec.Body.String(), "Authorization")
	assert.Equal(t, "top-secret", cfg.Admin.JWTSecret)
	assert.Equal(t, "Basic abc123", cfg.Transport.HTTP.Targets["twilio"].Headers["Authorization"])

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/config/reload", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, source.reloads)

	source.reloadErr = errors.New("read failed")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/config/reload", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

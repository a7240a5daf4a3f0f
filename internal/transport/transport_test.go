package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/internal/testutil"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

func createTestHTTPInvoker(t *testing.T, targets map[string]HTTPTarget) *HTTPInvoker {
	t.Helper()
	config := DefaultHTTPConfig()
	config.InsecureSkipVerify = true
	config.Targets = targets
	inv, err := NewHTTPInvoker(config, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { inv.Close() })
	return inv
}

func TestHTTPInvokerResolvesEndpointsAndHeaders(t *testing.T) {
	type seen struct {
		method, path, auth, provider, contentType, body string
	}
	requests := make(chan seen, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- seen{
			method:      r.Method,
			path:        r.URL.Path,
			auth:        r.Header.Get("Authorization"),
			provider:    r.Header.Get("X-Provider"),
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		}
		w.Header().Set("X-Request-Id", "req-7")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"msg-1"}`))
	}))
	defer srv.Close()

	inv := createTestHTTPInvoker(t, map[string]HTTPTarget{
		"sms": {BaseURL: srv.URL + "/api", Headers: map[string]string{"Authorization": "Bearer key"}},
	})

	resp, err := inv.Invoke(context.Background(), domain.TransportRequest{
		ServiceName: "sms",
		Endpoint:    "/v1/send",
		Payload:     []byte(`{"to":"+8801"}`),
		Headers:     map[string]string{"X-Provider": "twilio"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.JSONEq(t, `{"id":"msg-1"}`, string(resp.Body))
	assert.Equal(t, "req-7", resp.Headers["X-Request-Id"])

	got := <-requests
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/v1/send", got.path)
	assert.Equal(t, "Bearer key", got.auth)
	assert.Equal(t, "twilio", got.provider)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, `{"to":"+8801"}`, got.body)

	_, err = inv.Invoke(context.Background(), domain.TransportRequest{
		ServiceName: "sms",
		Method:      http.MethodGet,
		Endpoint:    srv.URL + "/status",
	})
	require.NoError(t, err)
	got = <-requests
	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "/status", got.path)
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base, endpoint, expected string
	}{
		{"https://api.example.com", "/v1/send", "https://api.example.com/v1/send"},
		{"https://api.example.com/base/", "v1/send", "https://api.example.com/base/v1/send"},
		{"https://api.example.com/base", "/v1/send?x=1", "https://api.example.com/base/v1/send?x=1"},
		{"https://api.example.com", "https://other.example.com/p", "https://other.example.com/p"},
	}
	for _, tt := range tests {
		got, err := resolveURL(tt.base, tt.endpoint)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, got)
	}

	_, err := resolveURL("", "/v1/send")
	assert.Error(t, err)
}

func TestHTTPInvokerNegotiatesHTTP2(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Proto))
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()

	inv := createTestHTTPInvoker(t, map[string]HTTPTarget{"maps": {BaseURL: srv.URL}})
	resp, err := inv.Invoke(context.Background(), domain.TransportRequest{ServiceName: "maps", Method: http.MethodGet, Endpoint: "/geocode"})
	require.NoError(t, err)
	assert.Equal(t, "HTTP/2.0", string(resp.Body))
}

func TestHTTPInvokerPacesPerService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inv := createTestHTTPInvoker(t, map[string]HTTPTarget{
		"sms":  {BaseURL: srv.URL, RequestsPerSecond: 1, Burst: 1},
		"maps": {BaseURL: srv.URL},
	})

	resp, err := inv.Invoke(context.Background(), domain.TransportRequest{ServiceName: "sms", Endpoint: "/send"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	resp, err = inv.Invoke(context.Background(), domain.TransportRequest{ServiceName: "sms", Endpoint: "/send", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, "true", resp.Headers["X-Client-Paced"])

	// Other services keep their own budget.
	resp, err = inv.Invoke(context.Background(), domain.TransportRequest{ServiceName: "maps", Endpoint: "/geocode"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	stats := inv.GetStats()
	assert.Equal(t, int64(3), stats["requests"])
	assert.Equal(t, int64(1), stats["paced_rejected"])
	assert.Equal(t, 1, stats["paced_targets"])
}

func TestHTTPInvokerTimeoutIsADeadlineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	inv := createTestHTTPInvoker(t, map[string]HTTPTarget{"sms": {BaseURL: srv.URL}})
	_, err := inv.Invoke(context.Background(), domain.TransportRequest{ServiceName: "sms", Endpoint: "/slow", Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func startTestGRPCServer(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
			method, _ := grpc.MethodFromServerStream(stream)
			var in []byte
			if err := stream.RecvMsg(&in); err != nil {
				return err
			}
			if strings.HasSuffix(method, "/Fail") {
				return status.Error(codes.Unavailable, "provider down")
			}
			md, _ := metadata.FromIncomingContext(stream.Context())
			if vals := md.Get("x-provider"); len(vals) > 0 {
				_ = stream.SetHeader(metadata.Pairs("x-echo-provider", vals[0]))
			}
			return stream.SendMsg(append([]byte(method+":"), in...))
		}),
	)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestGRPCInvokerRoundTripsRawPayloads(t *testing.T) {
	addr := startTestGRPCServer(t)
	inv := NewGRPCInvoker(map[string]GRPCTarget{
		"billing": {Address: addr, Insecure: true, Timeout: 2 * time.Second},
	}, logger.Discard())
	defer inv.Close()

	resp, err := inv.Invoke(context.Background(), domain.TransportRequest{
		ServiceName: "billing",
		Endpoint:    "billing.v1.Charges/Create",
		Payload:     []byte("abc"),
		Headers:     map[string]string{"X-Provider": "stripe"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "/billing.v1.Charges/Create:abc", string(resp.Body))
	assert.Equal(t, "stripe", resp.Headers["x-echo-provider"])

	resp, err = inv.Invoke(context.Background(), domain.TransportRequest{
		ServiceName: "billing",
		Endpoint:    "/billing.v1.Charges/Fail",
		Payload:     []byte("abc"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "provider down", string(resp.Body))
	assert.Equal(t, "Unavailable", resp.Headers["Grpc-Status"])

	stats := inv.GetStats()
	assert.Equal(t, int64(2), stats["requests"])
	assert.Equal(t, 1, stats["connections"])

	_, err = inv.Invoke(context.Background(), domain.TransportRequest{ServiceName: "unknown", Endpoint: "/x.Y/Z"})
	assert.Error(t, err)
}

func TestHTTPStatusFromCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatusFromCode(codes.OK))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatusFromCode(codes.ResourceExhausted))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatusFromCode(codes.DeadlineExceeded))
	assert.Equal(t, http.StatusBadRequest, HTTPStatusFromCode(codes.InvalidArgument))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFromCode(codes.DataLoss))
}

func TestMuxRoutesByService(t *testing.T) {
	sms := testutil.NewStubInvoker(testutil.Respond(200, "sms"))
	def := testutil.NewStubInvoker(testutil.Respond(200, "default"))
	mux := NewMux(def)
	mux.Handle("sms", sms)

	resp, err := mux.Invoke(context.Background(), domain.TransportRequest{ServiceName: "sms"})
	require.NoError(t, err)
	assert.Equal(t, "sms", string(resp.Body))

	resp, err = mux.Invoke(context.Background(), domain.TransportRequest{ServiceName: "maps"})
	require.NoError(t, err)
	assert.Equal(t, "default", string(resp.Body))
	assert.Equal(t, []string{"sms"}, mux.Services())

	_, err = NewMux(nil).Invoke(context.Background(), domain.TransportRequest{ServiceName: "maps"})
	assert.Error(t, err)
}

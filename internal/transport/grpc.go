package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// GRPCTarget describes a provider reached over gRPC. The transport request
// endpoint is the full method name, e.g. /billing.v1.Charges/Create.
type GRPCTarget struct {
	Address        string            `yaml:"address" json:"address"`
	Insecure       bool              `yaml:"insecure" json:"insecure"`
	Authority      string            `yaml:"authority" json:"authority,omitempty"`
	Metadata       map[string]string `yaml:"metadata" json:"metadata,omitempty"`
	MaxRecvMsgSize int               `yaml:"max_recv_msg_size" json:"max_recv_msg_size"`
	Timeout        time.Duration     `yaml:"timeout" json:"timeout"`
}

// rawCodec passes pre-encoded message bytes through untouched
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *[]byte:
		return *m, nil
	case []byte:
		return m, nil
	}
	return nil, fmt.Errorf("raw codec cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec cannot unmarshal into %T", v)
	}
	*m = append((*m)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "raw" }

// GRPCInvoker sends transport requests as unary gRPC calls with raw payloads
type GRPCInvoker struct {
	mu      sync.Mutex
	targets map[string]GRPCTarget
	conns   map[string]*grpc.ClientConn
	logger  *logger.Logger

	requests int64
	failures int64
}

// NewGRPCInvoker creates an invoker for the given per-service targets
func NewGRPCInvoker(targets map[string]GRPCTarget, log *logger.Logger) *GRPCInvoker {
	g := &GRPCInvoker{
		targets: make(map[string]GRPCTarget, len(targets)),
		conns:   make(map[string]*grpc.ClientConn),
		logger:  log.TransportLogger().WithField("transport", "grpc"),
	}
	for svc, t := range targets {
		g.targets[svc] = t
	}
	return g
}

// SetTarget registers or replaces the target of service, dropping any open connection
func (g *GRPCInvoker) SetTarget(service string, target GRPCTarget) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.targets[service] = target
	if conn, ok := g.conns[service]; ok {
		conn.Close()
		delete(g.conns, service)
	}
}

func (g *GRPCInvoker) conn(service string) (*grpc.ClientConn, GRPCTarget, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	target, ok := g.targets[service]
	if !ok || target.Address == "" {
		return nil, target, fmt.Errorf("no grpc target for service %s", service)
	}
	if conn, ok := g.conns[service]; ok {
		return conn, target, nil
	}

	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if target.Insecure {
		creds = insecure.NewCredentials()
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if target.Authority != "" {
		opts = append(opts, grpc.WithAuthority(target.Authority))
	}
	if target.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(target.MaxRecvMsgSize)))
	}
	conn, err := grpc.NewClient(target.Address, opts...)
	if err != nil {
		return nil, target, fmt.Errorf("create grpc client for %s: %w", service, err)
	}
	g.conns[service] = conn
	return conn, target, nil
}

// Invoke performs one unary call. gRPC status codes are mapped to HTTP-style
// statuses so the caller classifies them like any other provider response.
func (g *GRPCInvoker) Invoke(ctx context.Context, req domain.TransportRequest) (*domain.TransportResponse, error) {
	atomic.AddInt64(&g.requests, 1)
	conn, target, err := g.conn(req.ServiceName)
	if err != nil {
		atomic.AddInt64(&g.failures, 1)
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = target.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	md := metadata.New(target.Metadata)
	for k, v := range req.Headers {
		md.Set(strings.ToLower(k), v)
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	method := req.Endpoint
	if !strings.HasPrefix(method, "/") {
		method = "/" + method
	}

	in := req.Payload
	var out []byte
	var header metadata.MD
	err = conn.Invoke(ctx, method, &in, &out, grpc.ForceCodec(rawCodec{}), grpc.Header(&header))

	headers := make(map[string]string, len(header))
	for k, v := range header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	if err != nil {
		st, ok := status.FromError(err)
		if !ok {
			atomic.AddInt64(&g.failures, 1)
			return nil, fmt.Errorf("grpc %s: %w", method, err)
		}
		if st.Code() == codes.Canceled {
			return nil, context.Canceled
		}
		if st.Code() == codes.DeadlineExceeded && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		headers["Grpc-Status"] = st.Code().String()
		g.logger.WithFields(map[string]interface{}{
			"service": req.ServiceName,
			"method":  method,
			"code":    st.Code().String(),
		}).Debug("gRPC call returned non-OK status")
		return &domain.TransportResponse{
			Status:  HTTPStatusFromCode(st.Code()),
			Body:    []byte(st.Message()),
			Headers: headers,
		}, nil
	}
	return &domain.TransportResponse{Status: http.StatusOK, Body: out, Headers: headers}, nil
}

// HTTPStatusFromCode maps a gRPC status code onto the closest HTTP status
func HTTPStatusFromCode(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GetStats returns gRPC invoker statistics
func (g *GRPCInvoker) GetStats() map[string]interface{} {
	g.mu.Lock()
	targets, conns := len(g.targets), len(g.conns)
	g.mu.Unlock()
	return map[string]interface{}{
		"requests":    atomic.LoadInt64(&g.requests),
		"failures":    atomic.LoadInt64(&g.failures),
		"targets":     targets,
		"connections": conns,
	}
}

// Close closes every open connection
func (g *GRPCInvoker) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for svc, conn := range g.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.conns, svc)
	}
	return firstErr
}

package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/panyam/centralauth"
)

// fakeTokens hands out token-N; RefreshRejected moves to the next one
type fakeTokens struct {
	mu        sync.Mutex
	n         int
	refreshes int
	err       error
}

func (f *fakeTokens) token() *centralauth.Token {
	return &centralauth.Token{
		AccessToken:   fmt.Sprintf("token-%d", f.n),
		TokenType:     "Bearer",
		SafeExpiresAt: time.Now().Add(time.Hour),
		ExpiresAt:     time.Now().Add(2 * time.Hour),
	}
}

func (f *fakeTokens) GetValidToken(context.Context, bool) (*centralauth.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.n == 0 {
		f.n = 1
	}
	return f.token(), nil
}

func (f *fakeTokens) RefreshRejected(context.Context, *centralauth.Token) (*centralauth.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.refreshes++
	return f.token(), nil
}

func outgoingAuth(ctx context.Context) string {
	md, _ := metadata.FromOutgoingContext(ctx)
	if v := md.Get(DefaultMetadataKeyAuthorization); len(v) > 0 {
		return v[len(v)-1]
	}
	return ""
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.MetadataKeyAuthorization != "authorization" {
		t.Errorf("MetadataKeyAuthorization = %q", config.MetadataKeyAuthorization)
	}
	if !config.RequireTLS {
		t.Error("expected RequireTLS by default")
	}

	empty := &Config{}
	empty.EnsureDefaults()
	if empty.MetadataKeyAuthorization == "" || empty.MetadataKeyCustomerID == "" {
		t.Errorf("EnsureDefaults() left empty keys: %+v", empty)
	}
}

func TestCredentials(t *testing.T) {
	creds := NewCredentials(&fakeTokens{}, &Config{CustomerID: "cust-1"})

	md, err := creds.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetRequestMetadata() error = %v", err)
	}
	if md["authorization"] != "Bearer token-1" {
		t.Errorf("authorization = %q", md["authorization"])
	}
	if md["x-customer-id"] != "cust-1" {
		t.Errorf("x-customer-id = %q", md["x-customer-id"])
	}
	if creds.RequireTransportSecurity() {
		t.Error("explicit config without RequireTLS should allow insecure transport")
	}

	failing := NewCredentials(&fakeTokens{err: centralauth.ErrAuth}, nil)
	if _, err := failing.GetRequestMetadata(context.Background()); !errors.Is(err, centralauth.ErrAuth) {
		t.Errorf("expected token error, got %v", err)
	}
	if !failing.RequireTransportSecurity() {
		t.Error("default credentials should require TLS")
	}
}

func TestUnaryClientInterceptor_AddsToken(t *testing.T) {
	interceptor := UnaryClientInterceptor(&fakeTokens{}, nil)

	var seen string
	err := interceptor(context.Background(), "/pkg.Svc/Method", nil, nil, nil,
		func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			seen = outgoingAuth(ctx)
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "Bearer token-1" {
		t.Errorf("authorization = %q", seen)
	}
}

func TestUnaryClientInterceptor_RetriesOnceOnUnauthenticated(t *testing.T) {
	tokens := &fakeTokens{}
	interceptor := UnaryClientInterceptor(tokens, nil)

	var calls []string
	err := interceptor(context.Background(), "/pkg.Svc/Method", nil, nil, nil,
		func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			calls = append(calls, outgoingAuth(ctx))
			if len(calls) == 1 {
				return status.Error(codes.Unauthenticated, "token expired")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 2 || calls[1] != "Bearer token-2" {
		t.Errorf("calls = %v", calls)
	}
	if tokens.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", tokens.refreshes)
	}
}

func TestUnaryClientInterceptor_GivesUpAfterSecondRejection(t *testing.T) {
	tokens := &fakeTokens{}
	interceptor := UnaryClientInterceptor(tokens, nil)

	calls := 0
	err := interceptor(context.Background(), "/pkg.Svc/Method", nil, nil, nil,
		func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			calls++
			return status.Error(codes.Unauthenticated, "nope")
		})
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("expected Unauthenticated, got %v", err)
	}
	if calls != 2 || tokens.refreshes != 1 {
		t.Errorf("calls = %d, refreshes = %d", calls, tokens.refreshes)
	}
}

func TestUnaryClientInterceptor_OtherErrorsNotRetried(t *testing.T) {
	tokens := &fakeTokens{}
	interceptor := UnaryClientInterceptor(tokens, nil)

	calls := 0
	err := interceptor(context.Background(), "/pkg.Svc/Method", nil, nil, nil,
		func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			calls++
			return status.Error(codes.PermissionDenied, "forbidden")
		})
	if status.Code(err) != codes.PermissionDenied || calls != 1 || tokens.refreshes != 0 {
		t.Errorf("err = %v, calls = %d, refreshes = %d", err, calls, tokens.refreshes)
	}
}

func TestUnaryClientInterceptor_SkipMethod(t *testing.T) {
	interceptor := UnaryClientInterceptor(&fakeTokens{err: centralauth.ErrAuth}, NewSkipMethodsConfig("/pkg.Svc/Public"))

	err := interceptor(context.Background(), "/pkg.Svc/Public", nil, nil, nil,
		func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			if outgoingAuth(ctx) != "" {
				t.Error("skipped method should carry no token")
			}
			return nil
		})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStreamClientInterceptor_RetriesOpen(t *testing.T) {
	tokens := &fakeTokens{}
	interceptor := StreamClientInterceptor(tokens, nil)

	opens := 0
	_, err := interceptor(context.Background(), &grpc.StreamDesc{}, nil, "/pkg.Svc/Stream",
		func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			opens++
			if outgoingAuth(ctx) == "Bearer token-1" {
				return nil, status.Error(codes.Unauthenticated, "expired")
			}
			return nil, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opens != 2 || tokens.refreshes != 1 {
		t.Errorf("opens = %d, refreshes = %d", opens, tokens.refreshes)
	}
}

// TestInterceptor_EndToEnd runs a health check through a real server that
// only accepts the second token.
func TestInterceptor_EndToEnd(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.UnaryInterceptor(
		func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			if BearerFromIncomingContext(ctx) != "token-2" {
				return nil, status.Error(codes.Unauthenticated, "invalid token")
			}
			return handler(ctx, req)
		}))
	healthpb.RegisterHealthServer(server, health.NewServer())
	go server.Serve(lis)
	defer server.Stop()

	tokens := &fakeTokens{}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(UnaryClientInterceptor(tokens, nil)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v", resp.Status)
	}
	if tokens.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", tokens.refreshes)
	}
}

func TestBearerFromIncomingContext(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"bearer", "Bearer abc", "abc"},
		{"lowercase scheme", "bearer abc", "abc"},
		{"basic", "Basic abc", ""},
		{"no scheme", "abc", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", tt.value))
			if got := BearerFromIncomingContext(ctx); got != tt.want {
				t.Errorf("BearerFromIncomingContext() = %q, want %q", got, tt.want)
			}
		})
	}
	if BearerFromIncomingContext(context.Background()) != "" {
		t.Error("no metadata should mean no token")
	}
}

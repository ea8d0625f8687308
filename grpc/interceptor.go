package grpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/panyam/centralauth"
)

// InterceptorConfig configures the client interceptors.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// SkipMethods lists full method names ("/package.Service/Method") that
	// are sent without a token.
	SkipMethods map[string]bool

	Logger *slog.Logger
}

// DefaultInterceptorConfig returns a config that authenticates every method.
func DefaultInterceptorConfig() *InterceptorConfig {
	return &InterceptorConfig{
		Config:      DefaultConfig(),
		SkipMethods: make(map[string]bool),
	}
}

// NewSkipMethodsConfig creates a config that leaves the given methods unauthenticated.
func NewSkipMethodsConfig(methods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig()
	for _, method := range methods {
		config.SkipMethods[method] = true
	}
	return config
}

func (c *InterceptorConfig) ensureDefaults() *InterceptorConfig {
	if c == nil {
		c = DefaultInterceptorConfig()
	}
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	if c.SkipMethods == nil {
		c.SkipMethods = make(map[string]bool)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// UnaryClientInterceptor attaches the managed token to unary calls. When the
// server answers Unauthenticated the token is refreshed once and the call is
// sent again.
func UnaryClientInterceptor(tokens centralauth.TokenProvider, config *InterceptorConfig) grpc.UnaryClientInterceptor {
	config = config.ensureDefaults()

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if config.SkipMethods[method] {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		tok, err := tokens.GetValidToken(ctx, false)
		if err != nil {
			return err
		}
		err = invoker(TokenToOutgoingContext(ctx, tok, config.Config), method, req, reply, cc, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return err
		}

		config.Logger.Info("Token rejected by gRPC server, refreshing", "method", method)
		tok, rerr := tokens.RefreshRejected(ctx, tok)
		if rerr != nil {
			return rerr
		}
		return invoker(TokenToOutgoingContext(ctx, tok, config.Config), method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor attaches the managed token to streams. A stream
// that fails to open with Unauthenticated is retried once with a fresh token;
// errors on later messages are left to the caller.
func StreamClientInterceptor(tokens centralauth.TokenProvider, config *InterceptorConfig) grpc.StreamClientInterceptor {
	config = config.ensureDefaults()

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if config.SkipMethods[method] {
			return streamer(ctx, desc, cc, method, opts...)
		}

		tok, err := tokens.GetValidToken(ctx, false)
		if err != nil {
			return nil, err
		}
		stream, err := streamer(TokenToOutgoingContext(ctx, tok, config.Config), desc, cc, method, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return stream, err
		}

		config.Logger.Info("Token rejected by gRPC server, refreshing", "method", method)
		tok, rerr := tokens.RefreshRejected(ctx, tok)
		if rerr != nil {
			return nil, rerr
		}
		return streamer(TokenToOutgoingContext(ctx, tok, config.Config), desc, cc, method, opts...)
	}
}

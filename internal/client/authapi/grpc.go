package authapi

import (
	"context"

	"identity/internal/client/coordinator"
	"identity/internal/domain/models"
	authgrpc "identity/internal/grpc/auth"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

var grpcAuthMethods = map[string]bool{
	authgrpc.MethodLogin:   true,
	authgrpc.MethodRefresh: true,
	authgrpc.MethodLogout:  true,
}

// UnaryClientInterceptor is the gRPC counterpart of Transport.
func UnaryClientInterceptor(c *coordinator.Coordinator) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		if grpcAuthMethods[method] {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		return c.Do(ctx, func(ctx context.Context, token string) error {
			return invoker(withAccessToken(ctx, token), method, req, reply, cc, opts...)
		})
	}
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete("authorization")
	if token != "" {
		md.Set("authorization", "Bearer "+token)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// GRPCRefresher lets the coordinator refresh over identity.v1.Auth.
type GRPCRefresher struct {
	Client *authgrpc.Client
}

func (r GRPCRefresher) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	resp, err := r.Client.Refresh(ctx, &authgrpc.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return models.TokenPair{}, err
	}
	return models.TokenPair{
		AccessToken:     resp.AccessToken,
		RefreshToken:    resp.RefreshToken,
		AccessExpiresAt: resp.AccessExpiresAt,
	}, nil
}

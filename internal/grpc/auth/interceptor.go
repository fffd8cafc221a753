package auth

import (
	"context"
	"strings"

	"identity/internal/domain/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey struct{}

// Verifier checks an access token. *jwt.Issuer satisfies it.
type Verifier interface {
	Verify(token string) (*models.Claims, error)
}

var publicMethods = map[string]bool{
	MethodRegister: true,
	MethodLogin:    true,
	MethodRefresh:  true,
	MethodLogout:   true,
}

// UnaryAuthInterceptor requires a valid bearer token on every method except the public ones.
func UnaryAuthInterceptor(v Verifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if publicMethods[info.FullMethod] {
			return next(ctx, req)
		}

		token := bearer(ctx)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}

		claims, err := v.Verify(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}

		return next(context.WithValue(ctx, ctxKey{}, claims), req)
	}
}

func ClaimsFromContext(ctx context.Context) (*models.Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*models.Claims)
	return c, ok
}

func bearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		scheme, token, ok := strings.Cut(v, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return ""
}

package auth

import (
	"context"
	"errors"
	"log/slog"

	"identity/internal/domain/models"
	"identity/internal/lib/logger/sl"
	"identity/internal/services/auth"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Auth interface {
	Register(
		ctx context.Context,
		email string,
		password string,
		role string,
	) (userID int64, err error)
	Login(
		ctx context.Context,
		email string,
		password string,
	) (models.TokenPair, error)
	Refresh(
		ctx context.Context,
		refreshToken string,
	) (models.TokenPair, error)
	Logout(
		ctx context.Context,
		refreshToken string,
	) error
}

type serverAPI struct {
	log  *slog.Logger
	auth Auth
}

func Register(gRPC *grpc.Server, log *slog.Logger, authService Auth) {
	gRPC.RegisterService(&ServiceDesc, &serverAPI{log: log, auth: authService})
}

func (s *serverAPI) Register(
	ctx context.Context,
	req *RegisterRequest,
) (*RegisterResponse, error) {
	const op = "grpc.auth.Register"

	if req.Email == "" {
		return nil, status.Error(codes.InvalidArgument, "email is required")
	}

	if req.Password == "" {
		return nil, status.Error(codes.InvalidArgument, "password is required")
	}

	userID, err := s.auth.Register(ctx, req.Email, req.Password, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidArgument), errors.Is(err, models.ErrInvalidRole):
			return nil, status.Error(codes.InvalidArgument, "invalid registration data")
		case errors.Is(err, auth.ErrUserAlreadyExists):
			return nil, status.Error(codes.AlreadyExists, "user already exists")
		default:
			s.log.Error("register failed", slog.String("op", op), sl.Err(err))
			return nil, status.Error(codes.Internal, "internal server error")
		}
	}

	return &RegisterResponse{UserID: userID}, nil
}

func (s *serverAPI) Login(
	ctx context.Context,
	req *LoginRequest,
) (*TokenResponse, error) {
	const op = "grpc.auth.Login"

	if req.Email == "" {
		return nil, status.Error(codes.InvalidArgument, "email is required")
	}

	if req.Password == "" {
		return nil, status.Error(codes.InvalidArgument, "password is required")
	}

	pair, err := s.auth.Login(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		s.log.Error("login failed", slog.String("op", op), sl.Err(err))
		return nil, status.Error(codes.Internal, "internal server error")
	}

	return toTokenResponse(pair), nil
}

func (s *serverAPI) Refresh(
	ctx context.Context,
	req *RefreshRequest,
) (*TokenResponse, error) {
	const op = "grpc.auth.Refresh"

	if req.RefreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh token is required")
	}

	pair, err := s.auth.Refresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrTokenNotFound) ||
			errors.Is(err, auth.ErrTokenRevoked) ||
			errors.Is(err, auth.ErrTokenExpired) {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		s.log.Error("refresh failed", slog.String("op", op), sl.Err(err))
		return nil, status.Error(codes.Internal, "internal server error")
	}

	return toTokenResponse(pair), nil
}

// Logout always succeeds.
func (s *serverAPI) Logout(
	ctx context.Context,
	req *LogoutRequest,
) (*LogoutResponse, error) {
	_ = s.auth.Logout(ctx, req.RefreshToken)

	return &LogoutResponse{}, nil
}

func (s *serverAPI) Me(
	ctx context.Context,
	_ *MeRequest,
) (*MeResponse, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthorized")
	}

	return &MeResponse{
		ID:    claims.UserID,
		Email: claims.Email,
		Role:  claims.Role.String(),
	}, nil
}

func toTokenResponse(p models.TokenPair) *TokenResponse {
	return &TokenResponse{
		AccessToken:     p.AccessToken,
		RefreshToken:    p.RefreshToken,
		AccessExpiresAt: p.AccessExpiresAt,
	}
}

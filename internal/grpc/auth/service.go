package auth

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

const ServiceName = "identity.v1.Auth"

const (
	MethodRegister = "/" + ServiceName + "/Register"
	MethodLogin    = "/" + ServiceName + "/Login"
	MethodRefresh  = "/" + ServiceName + "/Refresh"
	MethodLogout   = "/" + ServiceName + "/Logout"
	MethodMe       = "/" + ServiceName + "/Me"
)

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type RegisterResponse struct {
	UserID int64 `json:"userId"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type LogoutResponse struct{}

type TokenResponse struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

type MeRequest struct{}

type MeResponse struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// AuthServer is the server side of identity.v1.Auth.
type AuthServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Login(context.Context, *LoginRequest) (*TokenResponse, error)
	Refresh(context.Context, *RefreshRequest) (*TokenResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
	Me(context.Context, *MeRequest) (*MeResponse, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", MethodRegister, AuthServer.Register),
		unary("Login", MethodLogin, AuthServer.Login),
		unary("Refresh", MethodRefresh, AuthServer.Refresh),
		unary("Logout", MethodLogout, AuthServer.Logout),
		unary("Me", MethodMe, AuthServer.Me),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "identity/v1/auth",
}

func unary[Req, Resp any](
	name string,
	fullMethod string,
	call func(AuthServer, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AuthServer), ctx, in)
			}

			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AuthServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

package suite

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"identity/internal/app"
	"identity/internal/client/authapi"
	"identity/internal/config"
	authgrpc "identity/internal/grpc/auth"
	"identity/internal/lib/logger/handlers/slogdiscard"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type Suite struct {
	*testing.T
	Cfg        *config.Config
	BaseURL    string
	AuthClient *authapi.Client
	GRPCClient *authgrpc.Client
}

// New starts the whole service in-process: HTTP on a test server, gRPC on an in-memory listener.
func New(t *testing.T) (context.Context, *Suite) {
	t.Helper()
	t.Parallel()

	cfg := config.LoadConfig("../config/test.yaml")
	cfg.Grpc.Enabled = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	application, err := app.New(ctx, slogdiscard.NewDiscardLogger(), cfg)
	if err != nil {
		cancel()
		t.Fatalf("failed to init app: %v", err)
	}

	httpSrv := httptest.NewServer(application.HTTPSrv.Handler())

	lis := bufconn.Listen(1 << 20)
	go func() { _ = application.GRPCSrv.Serve(lis) }()

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		cancel()
		t.Fatalf("failed to dial grpc: %v", err)
	}

	t.Cleanup(func() {
		t.Helper()
		cancel()
		_ = cc.Close()
		application.GRPCSrv.Stop()
		httpSrv.Close()

		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = application.Close(closeCtx)
	})

	return ctx, &Suite{
		T:          t,
		Cfg:        cfg,
		BaseURL:    httpSrv.URL,
		AuthClient: authapi.New(httpSrv.URL, httpSrv.Client()),
		GRPCClient: authgrpc.NewClient(cc),
	}
}

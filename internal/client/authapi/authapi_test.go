package authapi

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"identity/internal/client/coordinator"
	"identity/internal/client/session"
	"identity/internal/events"
	authgrpc "identity/internal/grpc/auth"
	authhttp "identity/internal/http/auth"
	"identity/internal/http/middleware"
	"identity/internal/lib/jwt"
	"identity/internal/lib/logger/handlers/slogdiscard"
	"identity/internal/metrics"
	authsvc "identity/internal/services/auth"
	"identity/internal/storage/memory"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type env struct {
	svc       *authsvc.Auth
	issuer    *jwt.Issuer
	srv       *httptest.Server
	refreshes atomic.Int32
}

func newEnv(t *testing.T) *env {
	t.Helper()

	issuer, err := jwt.NewIssuer(jwt.Config{
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Issuer:   "identity-test",
		Audience: "jobtracker-test",
		TTL:      time.Minute,
	})
	require.NoError(t, err)

	store := memory.New()
	log := slogdiscard.NewDiscardLogger()
	e := &env{
		issuer: issuer,
		svc: authsvc.New(log, store, store, store, issuer, events.Noop{},
			metrics.NewWithRegistry(prometheus.NewRegistry()), time.Hour, "pepper"),
	}

	mux := http.NewServeMux()
	authhttp.Register(mux, log, e.svc, middleware.Authenticate(issuer))
	mux.Handle("POST /resource", middleware.Authenticate(issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, r.Body)
	})))

	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			e.refreshes.Add(1)
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(e.srv.Close)

	return e
}

// login registers a user and stores a session whose access token the server rejects.
func (e *env) login(t *testing.T, api *Client) *session.Store {
	t.Helper()
	ctx := context.Background()

	email := gofakeit.Email()
	_, err := api.Register(ctx, email, "secret", "HR")
	require.NoError(t, err)

	pair, err := api.Login(ctx, email, "secret")
	require.NoError(t, err)

	store, err := session.NewStore(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetTokens(ctx, "expired.access.token", pair.RefreshToken))

	return store
}

func TestClient_Errors(t *testing.T) {
	e := newEnv(t)
	api := New(e.srv.URL, nil)
	ctx := context.Background()

	_, err := api.Login(ctx, gofakeit.Email(), "nope")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, coordinator.IsAuthFailure(err))

	_, err = api.Refresh(ctx, "unknown")
	require.ErrorIs(t, err, ErrUnauthorized)

	email := gofakeit.Email()
	_, err = api.Register(ctx, email, "secret", "")
	require.NoError(t, err)
	_, err = api.Register(ctx, email, "secret", "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.NotErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, api.Logout(ctx, "unknown"))
}

func TestClient_Me(t *testing.T) {
	e := newEnv(t)
	api := New(e.srv.URL, nil)
	ctx := context.Background()

	email := gofakeit.Email()
	id, err := api.Register(ctx, email, "secret", "Candidate")
	require.NoError(t, err)
	pair, err := api.Login(ctx, email, "secret")
	require.NoError(t, err)

	me, err := api.Me(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, session.User{ID: id, Email: email, Role: "Candidate"}, me)
}

func TestTransport_RefreshesAndReplaysBody(t *testing.T) {
	e := newEnv(t)
	api := New(e.srv.URL, nil)
	store := e.login(t, api)

	coord := coordinator.New(store, api)
	hc := &http.Client{Transport: NewTransport(coord, nil)}

	resp, err := hc.Post(e.srv.URL+"/resource", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	assert.Equal(t, int32(1), e.refreshes.Load())
	assert.NotEqual(t, "expired.access.token", store.AccessToken())
}

func TestTransport_ConcurrentRequestsShareOneRefresh(t *testing.T) {
	const n = 10

	e := newEnv(t)
	api := New(e.srv.URL, nil)
	store := e.login(t, api)

	hc := &http.Client{Transport: NewTransport(coordinator.New(store, api), nil)}

	var wg sync.WaitGroup
	statuses := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := hc.Post(e.srv.URL+"/resource", "text/plain", strings.NewReader("x"))
			if err != nil {
				statuses <- 0
				return
			}
			_ = resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(statuses)

	for code := range statuses {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, int32(1), e.refreshes.Load())
}

func TestTransport_RefreshRejectedClearsSession(t *testing.T) {
	e := newEnv(t)
	api := New(e.srv.URL, nil)
	store := e.login(t, api)

	require.NoError(t, api.Logout(context.Background(), store.Current().RefreshToken))

	invalidated := make(chan error, 1)
	coord := coordinator.New(store, api, coordinator.WithOnSessionInvalidated(func(err error) {
		invalidated <- err
	}))
	hc := &http.Client{Transport: NewTransport(coord, nil)}

	resp, err := hc.Post(e.srv.URL+"/resource", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.ErrorIs(t, <-invalidated, ErrUnauthorized)
	assert.False(t, store.Current().LoggedIn())
}

func TestTransport_AuthEndpointsBypassCoordinator(t *testing.T) {
	e := newEnv(t)
	api := New(e.srv.URL, nil)
	store := e.login(t, api)

	hc := &http.Client{Transport: NewTransport(coordinator.New(store, api), nil)}
	resp, err := hc.Post(e.srv.URL+"/auth/login", "application/json",
		strings.NewReader(`{"email":"nobody@x.com","password":"nope"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(0), e.refreshes.Load())
	assert.True(t, store.Current().LoggedIn())
}

func TestIsAuthEndpoint(t *testing.T) {
	assert.True(t, isAuthEndpoint("/auth/login"))
	assert.True(t, isAuthEndpoint("/identity/auth/Refresh/"))
	assert.True(t, isAuthEndpoint("/auth/logout"))
	assert.False(t, isAuthEndpoint("/auth/me"))
	assert.False(t, isAuthEndpoint("/applications"))
}

func TestUnaryClientInterceptor(t *testing.T) {
	e := newEnv(t)
	log := slogdiscard.NewDiscardLogger()

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(authgrpc.UnaryAuthInterceptor(e.issuer)))
	authgrpc.Register(srv, log, e.svc)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dial := func(opts ...grpc.DialOption) *grpc.ClientConn {
		opts = append(opts,
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		cc, err := grpc.NewClient("passthrough:///bufnet", opts...)
		require.NoError(t, err)
		t.Cleanup(func() { _ = cc.Close() })
		return cc
	}

	ctx := context.Background()
	plain := authgrpc.NewClient(dial())

	email := gofakeit.Email()
	_, err := plain.Register(ctx, &authgrpc.RegisterRequest{Email: email, Password: "secret"})
	require.NoError(t, err)
	tokens, err := plain.Login(ctx, &authgrpc.LoginRequest{Email: email, Password: "secret"})
	require.NoError(t, err)

	store, err := session.NewStore(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetTokens(ctx, "stale", tokens.RefreshToken))

	coord := coordinator.New(store, GRPCRefresher{Client: plain})
	client := authgrpc.NewClient(dial(grpc.WithUnaryInterceptor(UnaryClientInterceptor(coord))))

	me, err := client.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, email, me.Email)
	assert.NotEqual(t, "stale", store.AccessToken())

	// refresh tokens are single use: replaying the old one through the intercepted client fails plainly
	_, err = client.Refresh(ctx, &authgrpc.RefreshRequest{RefreshToken: tokens.RefreshToken})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.True(t, store.Current().LoggedIn())
}

package auth_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	authhttp "identity/internal/http/auth"
	"identity/internal/http/middleware"
	"identity/internal/events"
	"identity/internal/lib/jwt"
	"identity/internal/lib/logger/handlers/slogdiscard"
	"identity/internal/metrics"
	authsvc "identity/internal/services/auth"
	"identity/internal/storage/memory"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenBody struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

func newServer(t *testing.T) *httptest.Server {
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
	svc := authsvc.New(log, store, store, store, issuer, events.Noop{},
		metrics.NewWithRegistry(prometheus.NewRegistry()), time.Hour, "pepper")

	mux := http.NewServeMux()
	authhttp.Register(mux, log, svc, middleware.Authenticate(issuer))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func post(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	resp, err := http.Post(srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func registerAndLogin(t *testing.T, srv *httptest.Server, role string) tokenBody {
	t.Helper()

	email := gofakeit.Email()
	password := gofakeit.Password(true, true, true, false, false, 12)

	resp := post(t, srv, "/auth/register", map[string]string{"email": email, "password": password, "role": role})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reg := decodeBody[map[string]int64](t, resp)
	assert.Positive(t, reg["userId"])

	resp = post(t, srv, "/auth/login", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return decodeBody[tokenBody](t, resp)
}

func TestRegisterLoginMe(t *testing.T) {
	srv := newServer(t)
	tokens := registerAndLogin(t, srv, "HR")

	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	assert.False(t, tokens.AccessExpiresAt.IsZero())

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "HR", me["role"])
	assert.NotEmpty(t, me["email"])
}

func getWithToken(t *testing.T, srv *httptest.Server, path, accessToken string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestUserLookup_HROnly(t *testing.T) {
	srv := newServer(t)

	email := gofakeit.Email()
	resp := post(t, srv, "/auth/register", map[string]string{"email": email, "password": "secret", "role": "Candidate"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	candidateID := decodeBody[map[string]int64](t, resp)["userId"]
	path := "/auth/users/" + strconv.FormatInt(candidateID, 10)

	hr := registerAndLogin(t, srv, "HR")
	candidate := registerAndLogin(t, srv, "Candidate")

	resp = getWithToken(t, srv, path, hr.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	u := decodeBody[map[string]any](t, resp)
	assert.Equal(t, strings.ToLower(email), u["email"])
	assert.Equal(t, "Candidate", u["role"])
	assert.Equal(t, float64(candidateID), u["id"])

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{name: "candidate is forbidden", path: path, token: candidate.AccessToken, want: http.StatusForbidden},
		{name: "no token", path: path, want: http.StatusUnauthorized},
		{name: "unknown user", path: "/auth/users/999999", token: hr.AccessToken, want: http.StatusNotFound},
		{name: "malformed id", path: "/auth/users/abc", token: hr.AccessToken, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getWithToken(t, srv, tt.path, tt.token).StatusCode)
		})
	}
}

func TestMe_Unauthorized(t *testing.T) {
	srv := newServer(t)

	for _, header := range []string{"", "Bearer", "Bearer garbage", "Basic abc"} {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/auth/me", nil)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set("Authorization", header)
		}

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, header)
		assert.Equal(t, "unauthorized", decodeBody[map[string]string](t, resp)["error"])
		_ = resp.Body.Close()
	}
}

func TestRegister_Errors(t *testing.T) {
	srv := newServer(t)
	email := gofakeit.Email()

	resp := post(t, srv, "/auth/register", map[string]string{"email": email, "password": "p"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "duplicate", body: map[string]string{"email": email, "password": "p"}, want: http.StatusConflict},
		{name: "missing password", body: map[string]string{"email": gofakeit.Email()}, want: http.StatusBadRequest},
		{name: "unknown role", body: map[string]string{"email": gofakeit.Email(), "password": "p", "role": "Admin"}, want: http.StatusBadRequest},
		{name: "malformed", body: "{not json", want: http.StatusBadRequest},
		{name: "password over 72 bytes", body: map[string]string{"email": gofakeit.Email(), "password": strings.Repeat("a", 73)}, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv, "/auth/register", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestLogin_Errors(t *testing.T) {
	srv := newServer(t)

	resp := post(t, srv, "/auth/login", map[string]string{"email": gofakeit.Email(), "password": "nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decodeBody[map[string]string](t, resp)["error"])

	resp = post(t, srv, "/auth/login", map[string]string{"email": gofakeit.Email()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv, "/auth/login", "[]")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefresh(t *testing.T) {
	srv := newServer(t)
	tokens := registerAndLogin(t, srv, "")

	resp := post(t, srv, "/auth/refresh", map[string]string{"refreshToken": tokens.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	next := decodeBody[tokenBody](t, resp)
	assert.NotEqual(t, tokens.RefreshToken, next.RefreshToken)

	// reuse, unknown and missing
	resp = post(t, srv, "/auth/refresh", map[string]string{"refreshToken": tokens.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	reused := decodeBody[map[string]string](t, resp)

	resp = post(t, srv, "/auth/refresh", map[string]string{"refreshToken": "unknown"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	unknown := decodeBody[map[string]string](t, resp)

	assert.Equal(t, reused, unknown)

	resp = post(t, srv, "/auth/refresh", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogout_AlwaysOK(t *testing.T) {
	srv := newServer(t)
	tokens := registerAndLogin(t, srv, "")

	for _, body := range []any{
		map[string]string{"refreshToken": tokens.RefreshToken},
		map[string]string{"refreshToken": tokens.RefreshToken},
		map[string]string{"refreshToken": "unknown"},
		map[string]string{},
		"garbage",
	} {
		resp := post(t, srv, "/auth/logout", body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := post(t, srv, "/auth/refresh", map[string]string{"refreshToken": tokens.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newServer(t)

	resp, err := http.Get(srv.URL + "/auth/login")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

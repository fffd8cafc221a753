package authapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"identity/internal/client/coordinator"

	"github.com/google/uuid"
)

// Transport attaches the session's bearer token and a correlation id to every request
// and lets the coordinator refresh and replay requests answered with 401.
// Requests to the login, refresh and logout endpoints never trigger a refresh.
type Transport struct {
	coordinator *coordinator.Coordinator
	base        http.RoundTripper
}

func NewTransport(c *coordinator.Coordinator, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{coordinator: c, base: base}
}

var errUnauthorizedResponse = &StatusError{Code: http.StatusUnauthorized}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if isAuthEndpoint(req.URL.Path) {
		r := req.Clone(req.Context())
		setCorrelation(r)
		return t.base.RoundTrip(r)
	}

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var last *http.Response
	err = t.coordinator.Do(req.Context(), func(ctx context.Context, token string) error {
		if last != nil {
			discard(last)
			last = nil
		}

		r := req.Clone(ctx)
		setCorrelation(r)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
		}

		resp, err := t.base.RoundTrip(r)
		if err != nil {
			return err
		}
		last = resp
		if resp.StatusCode == http.StatusUnauthorized {
			return errUnauthorizedResponse
		}
		return nil
	})

	if err == nil || errors.Is(err, errUnauthorizedResponse) {
		return last, nil
	}
	if last != nil {
		discard(last)
	}
	return nil, err
}

func isAuthEndpoint(path string) bool {
	p := strings.ToLower(strings.TrimRight(path, "/"))
	return strings.HasSuffix(p, "/auth/login") ||
		strings.HasSuffix(p, "/auth/refresh") ||
		strings.HasSuffix(p, "/auth/logout")
}

func setCorrelation(r *http.Request) {
	if r.Header.Get(correlationHeader) == "" {
		r.Header.Set(correlationHeader, uuid.NewString())
	}
}

// bufferBody reads the request body once so it can be replayed.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

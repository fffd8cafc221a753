// Package coordinator turns a burst of authentication failures into a single refresh
// and replays the failed calls, in arrival order, with the new access token.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"identity/internal/client/session"
	"identity/internal/domain/models"
	"identity/internal/lib/logger/handlers/slogdiscard"
	"identity/internal/lib/logger/sl"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const DefaultRefreshTimeout = 10 * time.Second

var (
	// ErrUnauthorized is the authentication failure returned by the auth API clients.
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNoRefreshToken = errors.New("no refresh token")
)

// Refresher exchanges a refresh token for a new pair. authapi.Client satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error)
}

// Call is one attempt of a protected call made with the given access token.
type Call func(ctx context.Context, accessToken string) error

type Coordinator struct {
	log           *slog.Logger
	session       *session.Store
	refresher     Refresher
	timeout       time.Duration
	isAuthFailure func(error) bool
	onInvalidated func(error)

	mu       sync.Mutex
	inFlight bool
	pending  []chan string
}

type Option func(*Coordinator)

func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithOnSessionInvalidated registers a hook fired once when a failed refresh clears a
// logged-in session.
func WithOnSessionInvalidated(fn func(error)) Option {
	return func(c *Coordinator) { c.onInvalidated = fn }
}

// WithAuthFailure replaces IsAuthFailure as the classifier of call errors.
func WithAuthFailure(fn func(error) bool) Option {
	return func(c *Coordinator) { c.isAuthFailure = fn }
}

func New(store *session.Store, refresher Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:           slogdiscard.NewDiscardLogger(),
		session:       store,
		refresher:     refresher,
		timeout:       DefaultRefreshTimeout,
		isAuthFailure: IsAuthFailure,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do runs call with the current access token. On an authentication failure the call is
// retried exactly once with a refreshed token. If no token can be obtained the original
// failure is returned. A caller whose ctx ends while waiting for the refresh gets ctx.Err().
func (c *Coordinator) Do(ctx context.Context, call Call) error {
	stale := c.session.AccessToken()

	err := call(ctx, stale)
	if err == nil || !c.isAuthFailure(err) {
		return err
	}

	token, waitErr := c.awaitToken(ctx, stale)
	if waitErr != nil {
		return waitErr
	}
	if token == "" {
		return err
	}

	return call(ctx, token)
}

// awaitToken returns the token to retry with, or "" when the session is gone.
func (c *Coordinator) awaitToken(ctx context.Context, stale string) (string, error) {
	c.mu.Lock()

	cur := c.session.Current()

	// a refresh finished after our attempt started
	if cur.AccessToken != "" && cur.AccessToken != stale {
		c.mu.Unlock()
		return cur.AccessToken, nil
	}

	// already logged out; nothing to refresh and nobody left to notify
	if !cur.LoggedIn() {
		c.mu.Unlock()
		return "", nil
	}

	w := make(chan string, 1)
	c.pending = append(c.pending, w)

	start := !c.inFlight
	c.inFlight = true
	c.mu.Unlock()

	if start {
		go c.refresh()
	}

	select {
	case token := <-w:
		return token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// refresh runs detached from any caller's context with its own timeout.
func (c *Coordinator) refresh() {
	const op = "coordinator.refresh"

	log := c.log.With(slog.String("op", op))

	pair, err := c.exchange()
	invalidated := false
	if err == nil {
		if perr := c.session.SetTokens(context.Background(), pair.AccessToken, pair.RefreshToken); perr != nil {
			log.Warn("failed to persist refreshed session", sl.Err(perr))
		}
	} else {
		log.Warn("refresh failed, session invalidated", sl.Err(err))
		invalidated = c.session.Current().LoggedIn()
		if cerr := c.session.Clear(context.Background()); cerr != nil {
			log.Warn("failed to clear session", sl.Err(cerr))
		}
	}

	c.mu.Lock()
	waiters := c.pending
	c.pending = nil
	c.inFlight = false
	c.mu.Unlock()

	for _, w := range waiters {
		w <- pair.AccessToken
	}

	if invalidated && c.onInvalidated != nil {
		c.onInvalidated(err)
	}
}

func (c *Coordinator) exchange() (models.TokenPair, error) {
	refreshToken := c.session.Current().RefreshToken
	if refreshToken == "" {
		return models.TokenPair{}, ErrNoRefreshToken
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	pair, err := c.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("refresh: %w", err)
	}
	if pair.AccessToken == "" {
		return models.TokenPair{}, fmt.Errorf("refresh: empty access token")
	}

	return pair, nil
}

// IsAuthFailure recognises ErrUnauthorized, errors carrying HTTP 401 and gRPC Unauthenticated.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}

	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) && sc.StatusCode() == http.StatusUnauthorized {
		return true
	}

	return status.Code(err) == codes.Unauthenticated
}

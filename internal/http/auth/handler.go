package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"identity/internal/domain/models"
	"identity/internal/http/middleware"
	"identity/internal/lib/logger/sl"
	"identity/internal/services/auth"
)

const maxBodyBytes = 1 << 20

type Auth interface {
	Register(ctx context.Context, email, password, role string) (int64, error)
	Login(ctx context.Context, email, password string) (models.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	UserProfile(ctx context.Context, userID int64) (*models.User, error)
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type registerResponse struct {
	UserID int64 `json:"userId"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

type meResponse struct {
	ID    int64       `json:"id"`
	Email string      `json:"email"`
	Role  models.Role `json:"role"`
}

type userResponse struct {
	ID        int64       `json:"id"`
	Email     string      `json:"email"`
	Role      models.Role `json:"role"`
	CreatedAt time.Time   `json:"createdAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	log  *slog.Logger
	auth Auth
}

// Register mounts the /auth routes. authn guards /auth/me and /auth/users/{id};
// account lookup is limited to HR.
func Register(mux *http.ServeMux, log *slog.Logger, authService Auth, authn func(http.Handler) http.Handler) {
	h := &handler{log: log, auth: authService}

	mux.HandleFunc("POST /auth/register", h.register)
	mux.HandleFunc("POST /auth/login", h.login)
	mux.HandleFunc("POST /auth/refresh", h.refresh)
	mux.HandleFunc("POST /auth/logout", h.logout)
	mux.Handle("GET /auth/me", authn(http.HandlerFunc(h.me)))
	mux.Handle("GET /auth/users/{id}", authn(middleware.RequireRole(models.RoleHR)(http.HandlerFunc(h.user))))
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	const op = "http.auth.register"

	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "email and password are required"})
		return
	}

	userID, err := h.auth.Register(r.Context(), req.Email, req.Password, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidArgument), errors.Is(err, models.ErrInvalidRole):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid registration data"})
		case errors.Is(err, auth.ErrUserAlreadyExists):
			writeJSON(w, http.StatusConflict, errorResponse{Error: "user already exists"})
		default:
			h.internalError(w, op, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{UserID: userID})
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	const op = "http.auth.login"

	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "email and password are required"})
		return
	}

	pair, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			middleware.Unauthorized(w)
			return
		}
		h.internalError(w, op, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(pair))
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	const op = "http.auth.refresh"

	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "refreshToken is required"})
		return
	}

	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if isRefreshRejection(err) {
			middleware.Unauthorized(w)
			return
		}
		h.internalError(w, op, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(pair))
}

// logout answers 200 for any body, including one it cannot parse.
func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)

	_ = h.auth.Logout(r.Context(), req.RefreshToken)

	w.WriteHeader(http.StatusOK)
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.Unauthorized(w)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{ID: claims.UserID, Email: claims.Email, Role: claims.Role})
}

func (h *handler) user(w http.ResponseWriter, r *http.Request) {
	const op = "http.auth.user"

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed user id"})
		return
	}

	u, err := h.auth.UserProfile(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "user not found"})
			return
		}
		h.internalError(w, op, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{ID: u.ID, Email: u.Email, Role: u.Role, CreatedAt: u.CreatedAt})
}

func (h *handler) internalError(w http.ResponseWriter, op string, err error) {
	h.log.Error("request failed", slog.String("op", op), sl.Err(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

// isRefreshRejection collapses not found, revoked and expired into one answer.
func isRefreshRejection(err error) bool {
	return errors.Is(err, auth.ErrTokenNotFound) ||
		errors.Is(err, auth.ErrTokenRevoked) ||
		errors.Is(err, auth.ErrTokenExpired)
}

func toTokenResponse(p models.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:     p.AccessToken,
		RefreshToken:    p.RefreshToken,
		AccessExpiresAt: p.AccessExpiresAt,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

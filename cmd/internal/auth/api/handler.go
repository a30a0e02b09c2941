// Package authapi is the HTTP surface of warden.
package authapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/access"
	"warden/cmd/internal/auth/gateway"
	"warden/cmd/internal/auth/oauth"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler wires HTTP endpoints to the gateway.
type Handler struct {
	log    *zap.Logger
	cfg    Config
	svc    *gateway.Service
	auth   *access.Authenticator
	github *oauth.GitHubClient
}

// NewHandler constructs a Handler. github may be nil, which disables the GitHub routes.
func NewHandler(log *zap.Logger, cfg Config, svc *gateway.Service, auth *access.Authenticator, github *oauth.GitHubClient) (*Handler, error) {
	if svc == nil || auth == nil {
		return nil, errors.New("authapi: nil gateway or authenticator")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		log:    log.Named("http"),
		cfg:    cfg.normalized(),
		svc:    svc,
		auth:   auth,
		github: github,
	}, nil
}

// Mount registers every route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.throttle())
			r.Post("/register", h.handleRegister)
			r.Post("/login", h.handleLogin)
			r.Post("/refresh", h.handleRefresh)
		})
		r.Post("/logout", h.handleLogout)
		r.Get("/github/login", h.handleGitHubLogin)
		r.Get("/github/callback", h.handleGitHubCallback)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)
			r.Post("/logout-all", h.handleLogoutAll)
			r.Get("/sessions", h.handleSessions)
			r.Get("/me", h.handleMe)
			r.Patch("/me", h.handleUpdateMe)
			r.Post("/me/password", h.handleChangePassword)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)
		r.Get("/users/{id}", h.handleGetUser)
		r.Patch("/users/{id}", h.handleUpdateUser)
		r.Get("/access/check", h.handleAccessCheck)

		r.Route("/admin", func(r chi.Router) {
			r.Use(access.AdminOnly)
			r.Get("/users", h.handleListUsers)
			r.Patch("/users/{id}/roles", h.handleSetRoles)
			r.Delete("/users/{id}", h.handleDeleteUser)
		})
	})
}

// Routes returns a router carrying only this handler's routes.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

// ---- credentials ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	pair, err := h.svc.Register(r.Context(), gateway.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		Name:      req.Name,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.audit(r, "auth.register", "")
	writeJSON(w, http.StatusCreated, pair)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	pair, err := h.svc.Login(r.Context(), gateway.LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		if identity.IsAuth(err) {
			h.audit(r, "auth.login.failed", "")
		}
		h.writeDomainError(w, r, err)
		return
	}
	h.audit(r, "auth.login.success", "")
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	tok := strings.TrimSpace(req.RefreshToken)
	if tok == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	pair, err := h.svc.Refresh(r.Context(), tok, r.UserAgent())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout answers 204 no matter what it was sent.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err == nil {
		h.svc.Logout(r.Context(), strings.TrimSpace(req.RefreshToken))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id, _ := access.FromContext(r.Context())
	if err := h.svc.LogoutAll(r.Context(), id.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.audit(r, "auth.logout_all", id.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	id, _ := access.FromContext(r.Context())
	list, err := h.svc.ListSessions(r.Context(), id.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ---- self service ----

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := access.FromContext(r.Context())
	h.writeProfile(w, r, id.UserID)
}

func (h *Handler) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	id, _ := access.FromContext(r.Context())
	h.updateProfile(w, r, id.UserID)
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, _ := access.FromContext(r.Context())

	var req changePasswordRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := h.svc.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.audit(r, "auth.password.changed", id.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// ---- users ----

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	h.writeProfile(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, _ := access.FromContext(r.Context())
	target := chi.URLParam(r, "id")
	if err := access.RequireOwnerOrAdmin(id, target); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.updateProfile(w, r, target)
}

func (h *Handler) writeProfile(w http.ResponseWriter, r *http.Request, userID string) {
	p, err := h.svc.Profile(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request, userID string) {
	var patch identity.ProfilePatch
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	p, err := h.svc.UpdateProfile(r.Context(), userID, patch)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ---- admin ----

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err1 := queryInt(q.Get("limit"), 100)
	offset, err2 := queryInt(q.Get("offset"), 0)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit and offset must be integers")
		return
	}

	list, err := h.svc.ListUsers(r.Context(), limit, offset)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleSetRoles(w http.ResponseWriter, r *http.Request) {
	id, _ := access.FromContext(r.Context())
	target := chi.URLParam(r, "id")

	var patch identity.RolePatch
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	p, err := h.svc.SetRoles(r.Context(), target, patch)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.audit(r, "admin.roles.set", id.UserID, zap.String("target", target),
		zap.Bool("is_author", p.IsAuthor), zap.Bool("is_admin", p.IsAdmin))
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, _ := access.FromContext(r.Context())
	target := chi.URLParam(r, "id")

	if err := h.svc.DeleteUser(r.Context(), target); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.audit(r, "admin.user.deleted", id.UserID, zap.String("target", target))
	w.WriteHeader(http.StatusNoContent)
}

// ---- access decisions for content services ----

func (h *Handler) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	id, _ := access.FromContext(r.Context())
	q := r.URL.Query()

	var err error
	switch q.Get("require") {
	case "admin":
		err = access.RequireAdmin(id)
	case "author":
		err = access.RequireAuthorOrAdmin(id)
	case "owner":
		owner := strings.TrimSpace(q.Get("owner_id"))
		if owner == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "owner_id is required")
			return
		}
		err = access.RequireOwnerOrAdmin(id, owner)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "require must be admin, author or owner")
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- GitHub ----

func (h *Handler) handleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth_disabled", "github login is not configured")
		return
	}
	state, err := h.newState(w)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	http.Redirect(w, r, h.github.LoginURL(state), http.StatusFound)
}

func (h *Handler) handleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	const op = "authapi.GitHubCallback"

	if h.github == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth_disabled", "github login is not configured")
		return
	}
	if !h.checkState(w, r) {
		h.audit(r, "auth.github.state_mismatch", "")
		h.writeDomainError(w, r, identity.AuthError{Op: op})
		return
	}

	ext, err := h.github.Verify(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		h.log.Warn("auth.github.verify.fail", zap.Error(err))
		h.writeDomainError(w, r, identity.AuthError{Op: op})
		return
	}

	pair, err := h.svc.OAuthLogin(r.Context(), gateway.OAuthInput{
		ExternalID:  ext.ID,
		Email:       ext.Email,
		DisplayName: ext.DisplayName,
		AvatarURL:   ext.AvatarURL,
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.audit(r, "auth.github.success", "")
	writeJSON(w, http.StatusOK, pair)
}

func queryInt(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

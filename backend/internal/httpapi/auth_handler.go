package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"notesync/backend/internal/authservice"
	"notesync/backend/internal/logging"
	"notesync/backend/internal/note"
	"notesync/backend/internal/user"
)

type AuthService interface {
	Authenticator
	Register(ctx context.Context, username, email, password string) (authservice.Token, user.User, error)
	Login(ctx context.Context, email, password string) (authservice.Token, user.User, error)
	Logout(ctx context.Context, token string) error
}

type AuthHandler struct {
	svc          AuthService
	log          logging.Logger
	cookieName   string
	secureCookie bool
}

func NewAuthHandler(svc AuthService, log logging.Logger, cookieName string, secureCookie bool) *AuthHandler {
	return &AuthHandler{svc: svc, log: log, cookieName: cookieName, secureCookie: secureCookie}
}

type loginReq struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

type registerReq struct {
	Username string `json:"username" form:"username"`
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, tok authservice.Token) {
	maxAge := int(time.Until(tok.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, tok.Value, maxAge, "/", "", h.secureCookie, true)
}

func (h *AuthHandler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, "", -1, "/", "", h.secureCookie, true)
}

func sessionBody(tok authservice.Token, u user.User) gin.H {
	return gin.H{
		"accessToken": tok.Value,
		"expiresAt":   tok.ExpiresAt,
		"tokenType":   "Bearer",
		"user": gin.H{
			"id":       u.ID,
			"username": u.Username,
			"email":    u.Email,
		},
	}
}

func (h *AuthHandler) LoginPage(c *gin.Context) {
	c.HTML(http.StatusOK, "login.tmpl", gin.H{})
}

func (h *AuthHandler) RegisterPage(c *gin.Context) {
	c.HTML(http.StatusOK, "register.tmpl", gin.H{})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBind(&req); err != nil {
		h.fail(c, "login.tmpl", http.StatusBadRequest, "Malformed request", req.Email)
		return
	}
	tok, u, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, authservice.ErrInvalidCredentials) {
			h.fail(c, "login.tmpl", http.StatusUnauthorized, "Invalid email or password", req.Email)
			return
		}
		h.log.Error(c.Request.Context(), "login failed", "err", err)
		h.fail(c, "login.tmpl", http.StatusInternalServerError, "Login is unavailable, try again", req.Email)
		return
	}
	h.setSessionCookie(c, tok)
	if wantsJSON(c) {
		c.JSON(http.StatusOK, sessionBody(tok, u))
		return
	}
	c.Redirect(http.StatusFound, "/notes")
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBind(&req); err != nil {
		h.fail(c, "register.tmpl", http.StatusBadRequest, "Malformed request", req.Email)
		return
	}
	tok, u, err := h.svc.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, note.ErrValidation):
			h.fail(c, "register.tmpl", http.StatusBadRequest, err.Error(), req.Email)
		case errors.Is(err, user.ErrEmailTaken):
			h.fail(c, "register.tmpl", http.StatusConflict, "Email already registered", req.Email)
		default:
			h.log.Error(c.Request.Context(), "register failed", "err", err)
			h.fail(c, "register.tmpl", http.StatusInternalServerError, "Registration is unavailable, try again", req.Email)
		}
		return
	}
	h.setSessionCookie(c, tok)
	if wantsJSON(c) {
		c.JSON(http.StatusCreated, sessionBody(tok, u))
		return
	}
	c.Redirect(http.StatusFound, "/notes")
}

func (h *AuthHandler) Logout(c *gin.Context) {
	token := tokenFrom(c, h.cookieName)
	if token != "" {
		if err := h.svc.Logout(c.Request.Context(), token); err != nil {
			h.log.Warn(c.Request.Context(), "logout failed", "err", err)
		}
	}
	h.clearSessionCookie(c)
	if wantsJSON(c) {
		c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
		return
	}
	c.Redirect(http.StatusFound, "/auth/login")
}

// fail answers JSON callers with {"error"} and re-renders the form for
// page callers.
func (h *AuthHandler) fail(c *gin.Context, page string, status int, msg, email string) {
	if wantsJSON(c) {
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.HTML(status, page, gin.H{"Error": msg, "Email": email})
}

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/middleware"
	"github.com/rupaya/backend/internal/services"
	"github.com/rupaya/backend/pkg/logger"
)

// Auth routes answer with flat bodies: {"error": "..."} on failure.
const invalidTokenMessage = "invalid or expired token"

type AuthHandler struct {
	authService  *services.AuthService
	tokenService *services.TokenService
}

func NewAuthHandler(authService *services.AuthService, tokenService *services.TokenService) *AuthHandler {
	return &AuthHandler{
		authService:  authService,
		tokenService: tokenService,
	}
}

type authResponse struct {
	UserID           string                 `json:"userId"`
	DeviceID         string                 `json:"deviceId"`
	AccessToken      string                 `json:"accessToken"`
	RefreshToken     string                 `json:"refreshToken"`
	Token            string                 `json:"token"` // older clients read the access token here
	AccessExpiresAt  string                 `json:"accessExpiresAt"`
	RefreshExpiresAt string                 `json:"refreshExpiresAt"`
	User             *services.UserResponse `json:"user,omitempty"`
	MFARequired      bool                   `json:"mfaRequired"`
}

func newAuthResponse(pair *services.TokenPair, user *services.UserResponse, mfa bool) authResponse {
	return authResponse{
		UserID:           pair.UserID,
		DeviceID:         pair.DeviceID,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		Token:            pair.AccessToken,
		AccessExpiresAt:  pair.AccessExpiresAt.Format(timeFormat),
		RefreshExpiresAt: pair.RefreshExpiresAt.Format(timeFormat),
		User:             user,
		MFARequired:      mfa,
	}
}

func clientInfo(c *gin.Context) services.ClientInfo {
	return services.ClientInfo{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

// Signup creates an account and its first token pair
// POST /api/v1/auth/signup
func (h *AuthHandler) Signup(c *gin.Context) {
	var req services.SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.authService.Signup(c.Request.Context(), &req, clientInfo(c))
	switch {
	case errors.Is(err, services.ErrUserExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, services.ErrWeakPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		logger.Error().Err(err).Msg("signup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusCreated, newAuthResponse(result.Tokens, &result.User, false))
}

// Signin handles email/password login
// POST /api/v1/auth/signin, POST /api/v1/auth/login
func (h *AuthHandler) Signin(c *gin.Context) {
	var req services.SigninRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.authService.Signin(c.Request.Context(), &req, clientInfo(c))
	switch {
	case errors.Is(err, services.ErrInvalidCredentials), errors.Is(err, services.ErrAccountLocked):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	case err != nil:
		logger.Error().Err(err).Msg("signin failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, newAuthResponse(result.Tokens, &result.User, result.MFARequired))
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Refresh rotates a refresh token
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, err := h.tokenService.Refresh(c.Request.Context(), req.RefreshToken, clientInfo(c))
	switch {
	case errors.Is(err, services.ErrInvalidToken), errors.Is(err, services.ErrExpiredToken), errors.Is(err, services.ErrRevokedToken):
		logger.Warn().Err(err).Str("ip", c.ClientIP()).Msg("refresh rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": invalidTokenMessage})
		return
	case err != nil:
		logger.Error().Err(err).Msg("refresh failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, newAuthResponse(pair, nil, false))
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Logout revokes the given refresh token. Repeating it is harmless.
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	var req logoutRequest
	// an empty body is a valid logout
	_ = c.ShouldBindJSON(&req)

	if err := h.tokenService.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
		logger.Error().Err(err).Str("user_id", middleware.GetUserID(c)).Msg("logout revoke failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Me returns the current logged-in user
// GET /api/v1/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.authService.GetUserByID(c.Request.Context(), middleware.GetUserID(c))
	if errors.Is(err, services.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": services.FormatUser(user)})
}

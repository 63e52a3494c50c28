package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/copilot/internal/auth"
	"github.com/wuwenbin0122/copilot/internal/chat"
	"github.com/wuwenbin0122/copilot/internal/models"
	"github.com/wuwenbin0122/copilot/internal/settings"
	"github.com/wuwenbin0122/copilot/internal/usage"
)

type Options struct {
	Auth       *auth.Service
	Chat       *chat.Service
	Settings   *settings.Service
	Gate       *usage.Gate
	UpgradeURL string
	Logger     *zap.Logger
}

type Handler struct {
	authService *auth.Service
	chat        *chat.Service
	settings    *settings.Service
	gate        *usage.Gate
	upgradeURL  string
	logger      *zap.Logger
}

func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		authService: opts.Auth,
		chat:        opts.Chat,
		settings:    opts.Settings,
		gate:        opts.Gate,
		upgradeURL:  opts.UpgradeURL,
		logger:      logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")

	authGroup := apiGroup.Group("/auth")
	authGroup.POST("/register", h.handleRegister)
	authGroup.POST("/login", h.handleLogin)

	identified := apiGroup.Group("")
	identified.Use(h.authService.Identify())

	identified.POST("/chat", h.handleChat)
	identified.GET("/chat/ws", h.handleChatWebsocket)

	identified.GET("/conversations", h.handleListConversations)
	identified.GET("/conversations/:id/messages", h.handleConversationMessages)

	identified.GET("/usage", h.handleUsageStatus)
	identified.POST("/usage/consume", h.handleUsageConsume)

	settingsGroup := identified.Group("/settings")
	settingsGroup.Use(auth.RequireUser())
	settingsGroup.GET("", h.handleGetSettings)
	settingsGroup.PATCH("", h.handleUpdateSettings)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *Handler) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	result, err := h.authService.Register(c.Request.Context(), auth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUsernameRequired), errors.Is(err, auth.ErrPasswordTooWeak):
			writeError(c, http.StatusBadRequest, err.Error(), err)
		case errors.Is(err, auth.ErrUserExists), errors.Is(err, auth.ErrEmailExists):
			writeError(c, http.StatusConflict, err.Error(), err)
		default:
			h.logger.Error("register failed", zap.Error(err))
			writeError(c, http.StatusInternalServerError, "failed to register user", err)
		}
		return
	}

	c.JSON(http.StatusCreated, newAuthResponse(result))
}

func (h *Handler) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	if req.Identifier == "" || req.Password == "" {
		writeError(c, http.StatusBadRequest, "identifier and password are required", auth.ErrInvalidCredentials)
		return
	}

	result, err := h.authService.Login(c.Request.Context(), auth.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
	})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(c, http.StatusUnauthorized, err.Error(), err)
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, "failed to login", err)
		return
	}

	c.JSON(http.StatusOK, newAuthResponse(result))
}

func (h *Handler) handleListConversations(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	convs, err := h.chat.Conversations(c.Request.Context(), caller)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *Handler) handleConversationMessages(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	id := c.Param("id")
	msgs, err := h.chat.Thread(c.Request.Context(), caller, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": id, "messages": msgs})
}

func (h *Handler) handleGetSettings(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	current, err := h.settings.Get(c.Request.Context(), caller.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, current)
}

func (h *Handler) handleUpdateSettings(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	var patch models.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}
	updated, err := h.settings.Update(c.Request.Context(), caller.UserID, patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func newAuthResponse(result *auth.AuthResult) gin.H {
	return gin.H{
		"token":     result.Token,
		"expiresAt": result.ExpiresAt.Format(time.RFC3339),
		"user": gin.H{
			"id":        result.User.ID,
			"username":  result.User.Username,
			"email":     result.User.Email,
			"createdAt": result.User.CreatedAt.Format(time.RFC3339),
			"updatedAt": result.User.UpdatedAt.Format(time.RFC3339),
		},
	}
}

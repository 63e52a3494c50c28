package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/copilot/internal/auth"
	"github.com/wuwenbin0122/copilot/internal/chat"
	"github.com/wuwenbin0122/copilot/internal/settings"
	"github.com/wuwenbin0122/copilot/internal/usage"
)

const (
	codeInvalidRequest   = "invalid_request"
	codeUnauthorized     = "unauthorized"
	codeForbidden        = "forbidden"
	codeNotFound         = "not_found"
	codeConflict         = "conflict"
	codeLimitReached     = "limit_reached"
	codeGenerationFailed = "generation_failed"
	codeInternal         = "internal"
)

func writeError(c *gin.Context, status int, message string, err error) {
	body := gin.H{
		"error": message,
		"code":  codeFor(status),
	}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(status, body)
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return codeInvalidRequest
	case http.StatusUnauthorized:
		return codeUnauthorized
	case http.StatusForbidden:
		return codeForbidden
	case http.StatusNotFound:
		return codeNotFound
	case http.StatusConflict:
		return codeConflict
	case http.StatusTooManyRequests:
		return codeLimitReached
	case http.StatusBadGateway:
		return codeGenerationFailed
	default:
		return codeInternal
	}
}

// errorStatus maps a service error onto an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyUtterance), errors.Is(err, settings.ErrInvalidSettings),
		errors.Is(err, usage.ErrSessionRequired):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, settings.ErrUserRequired):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrDuplicateExchange):
		return http.StatusConflict
	case errors.Is(err, usage.ErrLimitReached):
		return http.StatusTooManyRequests
	case errors.Is(err, chat.ErrGeneration):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var limitErr *usage.LimitError
	if errors.As(err, &limitErr) {
		c.JSON(http.StatusTooManyRequests, h.limitBody(limitErr.Counter))
		return
	}

	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	writeError(c, status, publicMessage(status, err), err)
}

func (h *Handler) limitBody(counter usage.Counter) gin.H {
	return gin.H{
		"error":      "free question limit reached",
		"code":       codeLimitReached,
		"limit":      counter.Limit,
		"used":       counter.Used,
		"resetAt":    counter.ResetAt.Format(time.RFC3339),
		"upgradeUrl": h.upgradeURL,
	}
}

func publicMessage(status int, err error) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusBadGateway:
		return "the assistant is unavailable, please retry"
	default:
		return err.Error()
	}
}

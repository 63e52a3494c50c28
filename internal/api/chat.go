package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wuwenbin0122/copilot/internal/auth"
	"github.com/wuwenbin0122/copilot/internal/chat"
	"github.com/wuwenbin0122/copilot/internal/stream"
	"github.com/wuwenbin0122/copilot/internal/usage"
)

const (
	HeaderConversationID = "X-Conversation-Id"
	HeaderExchangeID     = "X-Exchange-Id"

	eventConversation = "conversation"
	eventToken        = "token"
	eventDone         = "done"
	eventError        = "error"
)

var errClientGone = errors.New("api: client disconnected")

type chatRequest struct {
	ConversationID string `json:"conversationId"`
	ExchangeID     string `json:"exchangeId"`
	Message        string `json:"message"`
}

// sseDelivery writes an exchange as server-sent events. Headers are
// committed on the first call to Conversation.
type sseDelivery struct {
	c          *gin.Context
	exchangeID string
	started    bool
}

func (d *sseDelivery) Conversation(id string) error {
	d.c.Header("Content-Type", "text/event-stream")
	d.c.Header("Cache-Control", "no-cache")
	d.c.Header("Connection", "keep-alive")
	d.c.Header("X-Accel-Buffering", "no")
	d.c.Header(HeaderConversationID, id)
	d.c.Header(HeaderExchangeID, d.exchangeID)
	d.c.Status(http.StatusOK)
	d.started = true
	return d.event(eventConversation, gin.H{"conversationId": id, "exchangeId": d.exchangeID})
}

func (d *sseDelivery) Send(chunk string) error {
	return d.event(eventToken, gin.H{"text": chunk})
}

func (d *sseDelivery) event(name string, payload any) error {
	if err := d.c.Request.Context().Err(); err != nil {
		return errClientGone
	}
	before := len(d.c.Errors)
	d.c.SSEvent(name, payload)
	if len(d.c.Errors) > before {
		return fmt.Errorf("%w: %v", errClientGone, d.c.Errors.Last())
	}
	d.c.Writer.Flush()
	return nil
}

func (h *Handler) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}
	caller, _ := auth.CallerFrom(c)

	exchangeID := strings.TrimSpace(req.ExchangeID)
	if exchangeID == "" {
		exchangeID = uuid.NewString()
	}

	delivery := &sseDelivery{c: c, exchangeID: exchangeID}
	out, err := h.chat.Exchange(c.Request.Context(), chat.Request{
		Caller:         caller,
		ConversationID: req.ConversationID,
		ExchangeID:     exchangeID,
		Utterance:      req.Message,
	}, delivery)
	if err != nil {
		if !delivery.started {
			h.respondError(c, err)
			return
		}
		_ = delivery.event(eventError, gin.H{
			"code":      codeInternal,
			"message":   "failed to save the exchange",
			"retryable": true,
		})
		return
	}

	switch out.Result.Outcome {
	case stream.OutcomeCompleted:
		_ = delivery.event(eventDone, doneBody(out))
	case stream.OutcomeFailed:
		_ = delivery.event(eventError, gin.H{
			"code":           codeGenerationFailed,
			"message":        "the answer was interrupted, please retry",
			"retryable":      true,
			"conversationId": out.ConversationID,
			"exchangeId":     out.ExchangeID,
		})
	default:
		// cancelled: the client is gone or asked to stop
	}
}

func doneBody(out *chat.Outcome) gin.H {
	body := gin.H{
		"conversationId": out.ConversationID,
		"exchangeId":     out.ExchangeID,
		"outcome":        out.Result.Outcome,
		"contract":       out.Contract,
		"display":        out.Display,
	}
	if out.AssistantMessage != nil {
		body["messageId"] = out.AssistantMessage.ID
	}
	if out.Usage != nil {
		body["usage"] = usageBody(*out.Usage)
	}
	return body
}

func usageBody(counter usage.Counter) gin.H {
	return gin.H{
		"used":      counter.Used,
		"limit":     counter.Limit,
		"remaining": counter.Remaining(),
		"resetAt":   counter.ResetAt,
	}
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/copilot/internal/auth"
	"github.com/wuwenbin0122/copilot/internal/chat"
	"github.com/wuwenbin0122/copilot/internal/models"
	"github.com/wuwenbin0122/copilot/internal/stream"
	"github.com/wuwenbin0122/copilot/internal/usage"
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsClientMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	ExchangeID     string `json:"exchangeId"`
	Message        string `json:"message"`
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) send(payload any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(payload)
}

type wsDelivery struct {
	ws         *wsConn
	exchangeID string
}

func (d *wsDelivery) Conversation(id string) error {
	return d.ws.send(gin.H{"type": eventConversation, "id": id, "exchangeId": d.exchangeID})
}

func (d *wsDelivery) Send(chunk string) error {
	return d.ws.send(gin.H{"type": eventToken, "text": chunk})
}

// handleChatWebsocket carries exchanges over one socket. The client sends
// {"type":"chat"} frames and may send {"type":"cancel"} to stop the running
// answer; the partial text is kept.
func (h *Handler) handleChatWebsocket(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	conn, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("chat websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ws := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var (
		busy          atomic.Bool
		currentMu     sync.Mutex
		cancelCurrent context.CancelFunc = func() {}
	)
	stopCurrent := func() {
		currentMu.Lock()
		cancelCurrent()
		currentMu.Unlock()
	}

	requests := make(chan wsClientMessage, 1)
	go func() {
		defer close(requests)
		defer stopCurrent()
		for {
			var msg wsClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug("chat websocket closed unexpectedly", zap.Error(err))
				}
				cancel()
				return
			}
			switch strings.ToLower(msg.Type) {
			case "cancel":
				stopCurrent()
			case "chat":
				if !busy.CompareAndSwap(false, true) {
					_ = ws.send(wsErrorFrame(codeConflict, "an answer is already streaming", false))
					continue
				}
				requests <- msg
			default:
				_ = ws.send(wsErrorFrame(codeInvalidRequest, "unknown message type", false))
			}
		}
	}()

	for msg := range requests {
		exchangeCtx, stop := context.WithCancel(ctx)
		currentMu.Lock()
		cancelCurrent = stop
		currentMu.Unlock()

		h.runWebsocketExchange(exchangeCtx, ws, caller, msg)

		stopCurrent()
		busy.Store(false)
	}
}

func (h *Handler) runWebsocketExchange(ctx context.Context, ws *wsConn, caller models.Caller, msg wsClientMessage) {
	exchangeID := strings.TrimSpace(msg.ExchangeID)
	if exchangeID == "" {
		exchangeID = uuid.NewString()
	}

	out, err := h.chat.Exchange(ctx, chat.Request{
		Caller:         caller,
		ConversationID: msg.ConversationID,
		ExchangeID:     exchangeID,
		Utterance:      msg.Message,
	}, &wsDelivery{ws: ws, exchangeID: exchangeID})
	if err != nil {
		var limitErr *usage.LimitError
		if errors.As(err, &limitErr) {
			frame := h.limitBody(limitErr.Counter)
			frame["type"] = eventError
			frame["retryable"] = false
			_ = ws.send(frame)
			return
		}
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("websocket exchange failed", zap.Error(err))
		}
		_ = ws.send(wsErrorFrame(codeFor(status), publicMessage(status, err), status == http.StatusBadGateway))
		return
	}

	if out.Result.Outcome == stream.OutcomeFailed {
		frame := wsErrorFrame(codeGenerationFailed, "the answer was interrupted, please retry", true)
		frame["conversationId"] = out.ConversationID
		frame["exchangeId"] = out.ExchangeID
		_ = ws.send(frame)
		return
	}

	// a cancelled answer is final too; the socket is still open to say so
	frame := doneBody(out)
	frame["type"] = eventDone
	_ = ws.send(frame)
}

func wsErrorFrame(code, message string, retryable bool) gin.H {
	return gin.H{
		"type":      eventError,
		"code":      code,
		"message":   message,
		"retryable": retryable,
	}
}

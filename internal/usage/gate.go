// Package usage limits how many free CoPilot exchanges an anonymous session
// gets per rolling window.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultDailyLimit = 5
	DefaultWindow     = 24 * time.Hour
)

var (
	ErrLimitReached    = errors.New("usage: daily limit reached")
	ErrSessionRequired = errors.New("usage: session id is required")
)

// Counter is the state of one session's window.
type Counter struct {
	SessionID string    `json:"sessionId"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"resetAt"`
}

func (c Counter) Remaining() int {
	if c.Used >= c.Limit {
		return 0
	}
	return c.Limit - c.Used
}

// LimitError is returned by Admit once the cap is hit. It matches
// ErrLimitReached with errors.Is.
type LimitError struct {
	Counter Counter
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s (%d/%d, resets %s)", ErrLimitReached, e.Counter.Used, e.Counter.Limit, e.Counter.ResetAt.Format(time.RFC3339))
}

func (e *LimitError) Unwrap() error {
	return ErrLimitReached
}

// Store keeps counters keyed by session. Take must check and increment in
// one atomic step, and entries expire on their own once window has passed.
type Store interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) (used int, resetAt time.Time, admitted bool, err error)
	Peek(ctx context.Context, key string, window time.Duration) (used int, resetAt time.Time, err error)
}

type Gate struct {
	store  Store
	limit  int
	window time.Duration
	logger *zap.Logger
}

func NewGate(store Store, limit int, window time.Duration, logger *zap.Logger) *Gate {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, limit: limit, window: window, logger: logger}
}

func (g *Gate) Limit() int {
	return g.limit
}

// Admit consumes one exchange for sessionID or returns a *LimitError.
func (g *Gate) Admit(ctx context.Context, sessionID string) (Counter, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Counter{}, ErrSessionRequired
	}

	used, resetAt, admitted, err := g.store.Take(ctx, sessionID, g.limit, g.window)
	if err != nil {
		return Counter{}, fmt.Errorf("usage: take: %w", err)
	}

	counter := Counter{SessionID: sessionID, Used: used, Limit: g.limit, ResetAt: resetAt}
	if !admitted {
		g.logger.Info("usage limit reached", zap.String("session_id", sessionID), zap.Int("used", used), zap.Time("reset_at", resetAt))
		return counter, &LimitError{Counter: counter}
	}

	return counter, nil
}

// Status reads the counter without consuming an exchange.
func (g *Gate) Status(ctx context.Context, sessionID string) (Counter, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Counter{}, ErrSessionRequired
	}

	used, resetAt, err := g.store.Peek(ctx, sessionID, g.window)
	if err != nil {
		return Counter{}, fmt.Errorf("usage: peek: %w", err)
	}

	return Counter{SessionID: sessionID, Used: used, Limit: g.limit, ResetAt: resetAt}, nil
}

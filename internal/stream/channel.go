// Package stream relays generated text to a caller as it is produced and
// reports how each exchange ended.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultRetain = 1024

var (
	ErrTransport  = errors.New("stream: transport failure")
	ErrExchangeID = errors.New("stream: exchange id required")
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Source produces chunks until it returns io.EOF. Close must unblock a
// pending Recv.
type Source interface {
	Recv() (string, error)
	Close() error
}

// Sink delivers one chunk to the caller. An error means the caller is gone.
type Sink interface {
	Send(chunk string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(chunk string) error

func (f SinkFunc) Send(chunk string) error { return f(chunk) }

type Result struct {
	ExchangeID string
	Text       string
	Outcome    Outcome
	Err        error
	// Replayed is set when the exchange id had already been started and
	// this result is the earlier one.
	Replayed bool
}

// Exchange is one in-flight or finished relay.
type Exchange struct {
	id     string
	done   chan struct{}
	result Result
}

func (e *Exchange) ID() string { return e.id }

// Done is closed once the outcome is final, independently of whether the
// underlying connection is still open.
func (e *Exchange) Done() <-chan struct{} { return e.done }

// Result blocks until the exchange is done.
func (e *Exchange) Result() Result {
	<-e.done
	return e.result
}

type Channel struct {
	logger *zap.Logger
	retain int

	mu        sync.Mutex
	exchanges map[string]*Exchange
	claims    map[string]struct{}
	order     []string
	hooks     []func(Result)
}

func NewChannel(logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		logger:    logger,
		retain:    defaultRetain,
		exchanges: make(map[string]*Exchange),
		claims:    make(map[string]struct{}),
	}
}

// OnComplete registers a hook that runs once per exchange id after its
// outcome is final, whatever that outcome is.
func (c *Channel) OnComplete(hook func(Result)) {
	if hook == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

// Known reports whether exchangeID is claimed, or has been started on this
// channel and is still remembered.
func (c *Channel) Known(exchangeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.knownLocked(exchangeID)
}

func (c *Channel) knownLocked(exchangeID string) bool {
	if _, ok := c.claims[exchangeID]; ok {
		return true
	}
	_, ok := c.exchanges[exchangeID]
	return ok
}

// Claim reserves exchangeID ahead of Start, while its source is still being
// prepared. It reports false when the id is empty, already claimed or
// already started. A claimed id is consumed by Start or dropped by Release.
func (c *Channel) Claim(exchangeID string) bool {
	if strings.TrimSpace(exchangeID) == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.knownLocked(exchangeID) {
		return false
	}
	c.claims[exchangeID] = struct{}{}
	return true
}

// Release drops a claim that will not be started.
func (c *Channel) Release(exchangeID string) {
	c.mu.Lock()
	delete(c.claims, exchangeID)
	c.mu.Unlock()
}

// Relay runs an exchange to its end and returns the result.
func (c *Channel) Relay(ctx context.Context, exchangeID string, src Source, sink Sink) Result {
	return c.Start(ctx, exchangeID, src, sink).Result()
}

// Start begins relaying src to sink. Starting an id that is already known
// closes src and returns the existing exchange, so hooks never fire twice.
func (c *Channel) Start(ctx context.Context, exchangeID string, src Source, sink Sink) *Exchange {
	if strings.TrimSpace(exchangeID) == "" {
		_ = src.Close()
		ex := &Exchange{done: make(chan struct{})}
		ex.result = Result{Outcome: OutcomeFailed, Err: ErrExchangeID}
		close(ex.done)
		return ex
	}

	c.mu.Lock()
	delete(c.claims, exchangeID)
	if existing, ok := c.exchanges[exchangeID]; ok {
		c.mu.Unlock()
		_ = src.Close()
		c.logger.Debug("exchange replayed", zap.String("exchange_id", exchangeID))
		return replayOf(existing)
	}
	ex := &Exchange{id: exchangeID, done: make(chan struct{})}
	c.remember(ex)
	c.mu.Unlock()

	go c.run(ctx, ex, src, sink)
	return ex
}

func replayOf(ex *Exchange) *Exchange {
	replay := &Exchange{id: ex.id, done: make(chan struct{})}
	go func() {
		result := ex.Result()
		result.Replayed = true
		replay.result = result
		close(replay.done)
	}()
	return replay
}

func (c *Channel) remember(ex *Exchange) {
	c.exchanges[ex.id] = ex
	c.order = append(c.order, ex.id)
	for len(c.order) > c.retain {
		oldest := c.order[0]
		c.order = c.order[1:]
		if old, ok := c.exchanges[oldest]; ok {
			select {
			case <-old.done:
				delete(c.exchanges, oldest)
			default:
				// still running; keep it and stop evicting this round
				c.order = append(c.order, oldest)
				return
			}
		}
	}
}

func (c *Channel) run(ctx context.Context, ex *Exchange, src Source, sink Sink) {
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan string)
	var g errgroup.Group
	g.Go(func() error {
		defer close(chunks)
		for {
			chunk, err := src.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			select {
			case chunks <- chunk:
			case <-relayCtx.Done():
				return nil
			}
		}
	})

	var text strings.Builder
	outcome := OutcomeCompleted
	var failure error

relay:
	for {
		select {
		case <-ctx.Done():
			outcome, failure = OutcomeCancelled, ctx.Err()
			break relay
		case chunk, ok := <-chunks:
			if !ok {
				break relay
			}
			if err := ctx.Err(); err != nil {
				outcome, failure = OutcomeCancelled, err
				break relay
			}
			if err := sink.Send(chunk); err != nil {
				outcome, failure = OutcomeCancelled, fmt.Errorf("%w: %v", ErrTransport, err)
				break relay
			}
			text.WriteString(chunk)
		}
	}

	cancel()
	if err := src.Close(); err != nil {
		c.logger.Debug("close source", zap.String("exchange_id", ex.id), zap.Error(err))
	}
	if err := g.Wait(); err != nil && outcome == OutcomeCompleted {
		outcome, failure = OutcomeFailed, err
	}

	ex.result = Result{
		ExchangeID: ex.id,
		Text:       text.String(),
		Outcome:    outcome,
		Err:        failure,
	}

	c.logger.Debug("exchange finished",
		zap.String("exchange_id", ex.id),
		zap.String("outcome", string(outcome)),
		zap.Int("chars", text.Len()),
		zap.Error(failure),
	)

	c.mu.Lock()
	hooks := append([]func(Result){}, c.hooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(ex.result)
	}
	close(ex.done)
}

// Package chat runs one CoPilot exchange end to end: ownership, usage,
// history, prompt, streamed generation and persistence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/copilot/internal/generation"
	"github.com/wuwenbin0122/copilot/internal/models"
	"github.com/wuwenbin0122/copilot/internal/prompt"
	"github.com/wuwenbin0122/copilot/internal/reasoning"
	"github.com/wuwenbin0122/copilot/internal/stream"
	"github.com/wuwenbin0122/copilot/internal/thread"
	"github.com/wuwenbin0122/copilot/internal/usage"
)

const titleLength = 60

// Delivery is the transport side of an exchange. Conversation is called
// once, before the first chunk, with the conversation id in use.
type Delivery interface {
	stream.Sink
	Conversation(id string) error
}

type Request struct {
	Caller         models.Caller
	ConversationID string
	// ExchangeID is optional; one is minted when empty.
	ExchangeID string
	Utterance  string
}

type Outcome struct {
	ConversationID string
	ExchangeID     string
	Created        bool
	UserMessage    models.Message
	// AssistantMessage is nil when nothing was generated.
	AssistantMessage *models.Message
	Result           stream.Result
	Contract         reasoning.Report
	Display          string
	// Usage is set for anonymous callers.
	Usage *usage.Counter
}

type Deps struct {
	Store     Store
	Settings  SettingsSource
	Gate      *usage.Gate
	Assembler *prompt.Assembler
	Backend   generation.Backend
	Channel   *stream.Channel
	Validator reasoning.Validator
	Logger    *zap.Logger
}

type Service struct {
	store     Store
	settings  SettingsSource
	gate      *usage.Gate
	assembler *prompt.Assembler
	backend   generation.Backend
	channel   *stream.Channel
	validator reasoning.Validator
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	if deps.Backend == nil {
		return nil, errors.New("chat: backend is required")
	}
	if deps.Gate == nil {
		return nil, errors.New("chat: usage gate is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	assembler := deps.Assembler
	if assembler == nil {
		assembler = prompt.NewAssembler()
	}
	channel := deps.Channel
	if channel == nil {
		channel = stream.NewChannel(logger)
	}
	return &Service{
		store:     deps.Store,
		settings:  deps.Settings,
		gate:      deps.Gate,
		assembler: assembler,
		backend:   deps.Backend,
		channel:   channel,
		validator: deps.Validator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Exchange answers one utterance. Errors returned before delivery starts
// leave no trace in the store; once a conversation id has been handed to
// the delivery the outcome is always returned, failed or not.
func (s *Service) Exchange(ctx context.Context, req Request, delivery Delivery) (*Outcome, error) {
	utterance := strings.TrimSpace(req.Utterance)
	if utterance == "" {
		return nil, ErrEmptyUtterance
	}
	caller := req.Caller
	if caller.Anonymous() && strings.TrimSpace(caller.SessionID) == "" {
		return nil, ErrUnauthorized
	}

	exchangeID := strings.TrimSpace(req.ExchangeID)
	if exchangeID == "" {
		exchangeID = uuid.NewString()
	}
	// the id is held from here on so a concurrent retry stops before any
	// quota, conversation or message is touched
	if !s.channel.Claim(exchangeID) {
		return nil, ErrDuplicateExchange
	}
	started := false
	defer func() {
		if !started {
			s.channel.Release(exchangeID)
		}
	}()

	var (
		conv    models.Conversation
		history []models.Message
		created bool
	)
	if id := strings.TrimSpace(req.ConversationID); id != "" {
		var err error
		conv, err = s.ownedConversation(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		stored, err := s.store.Messages(ctx, conv.ID)
		if err != nil {
			return nil, fmt.Errorf("chat: load messages: %w", err)
		}
		var report thread.Report
		history, report = thread.ReconstructWithReport(stored)
		if report.Malformed() {
			s.logger.Warn("conversation thread repaired",
				zap.String("conversation_id", conv.ID),
				zap.Strings("orphans", report.Orphans),
				zap.Strings("cycle_breaks", report.CycleBreaks),
			)
		}
	}

	out := &Outcome{ExchangeID: exchangeID}
	if caller.Anonymous() {
		counter, err := s.gate.Admit(ctx, caller.SessionID)
		if err != nil {
			return nil, err
		}
		out.Usage = &counter
	}

	genSettings, err := s.settingsFor(ctx, caller)
	if err != nil {
		return nil, err
	}

	turns := s.assembler.Assemble(history, utterance)
	src, err := s.backend.Stream(ctx, turns, genSettings)
	if err != nil {
		s.logger.Error("generation did not start", zap.String("exchange_id", exchangeID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	if conv.ID == "" {
		now := s.now()
		conv = models.Conversation{
			ID:        uuid.NewString(),
			OwnerID:   caller.UserID,
			Title:     Title(utterance),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if caller.Anonymous() {
			conv.SessionID = caller.SessionID
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("chat: create conversation: %w", err)
		}
		created = true
	}
	out.ConversationID = conv.ID
	out.Created = created

	if err := delivery.Conversation(conv.ID); err != nil {
		// the caller left before the first chunk; the relay below reports
		// it as a cancellation through the sink
		s.logger.Debug("conversation id not delivered", zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	userMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        utterance,
		CreatedAt:      s.now(),
	}
	if last, ok := thread.Latest(history); ok {
		userMsg.ParentMessageID = last.ID
	}
	out.UserMessage = userMsg

	started = true
	result := s.channel.Relay(ctx, exchangeID, src, delivery)
	out.Result = result
	if result.Replayed {
		s.logger.Warn("exchange id replayed after claim", zap.String("exchange_id", exchangeID))
		return nil, ErrDuplicateExchange
	}

	toStore := []models.Message{userMsg}
	if result.Text != "" {
		assistant := models.Message{
			ID:              uuid.NewString(),
			ConversationID:  conv.ID,
			ParentMessageID: userMsg.ID,
			Role:            models.RoleAssistant,
			Content:         result.Text,
			CreatedAt:       s.now(),
		}
		if !assistant.CreatedAt.After(userMsg.CreatedAt) {
			assistant.CreatedAt = userMsg.CreatedAt.Add(time.Microsecond)
		}
		out.AssistantMessage = &assistant
		toStore = append(toStore, assistant)
	}

	// the caller may already be gone; the exchange is still recorded
	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.AppendMessages(persistCtx, conv.ID, toStore...); err != nil {
		return out, fmt.Errorf("chat: persist exchange: %w", err)
	}

	if result.Text != "" {
		out.Contract = s.validator.Validate(result.Text)
		out.Display = reasoning.Display(result.Text, genSettings.ShowReasoning)
		if result.Outcome == stream.OutcomeCompleted && !out.Contract.Conforms() {
			s.logger.Warn("answer does not follow the reasoning format",
				zap.String("conversation_id", conv.ID),
				zap.Strings("issues", out.Contract.Issues()),
			)
		}
	}

	fields := []zap.Field{
		zap.String("conversation_id", conv.ID),
		zap.String("exchange_id", exchangeID),
		zap.String("outcome", string(result.Outcome)),
		zap.Bool("created", created),
	}
	switch result.Outcome {
	case stream.OutcomeFailed:
		s.logger.Error("exchange failed", append(fields, zap.Error(result.Err))...)
	case stream.OutcomeCancelled:
		s.logger.Info("exchange cancelled", append(fields, zap.Error(result.Err))...)
	default:
		s.logger.Info("exchange completed", fields...)
	}

	return out, nil
}

// Conversations lists the caller's conversations.
func (s *Service) Conversations(ctx context.Context, caller models.Caller) ([]models.Conversation, error) {
	if caller.Anonymous() && strings.TrimSpace(caller.SessionID) == "" {
		return nil, ErrUnauthorized
	}
	convs, err := s.store.ListConversations(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	return convs, nil
}

// Thread returns the reconstructed transcript of a conversation the caller
// owns.
func (s *Service) Thread(ctx context.Context, caller models.Caller, conversationID string) ([]models.Message, error) {
	conv, err := s.ownedConversation(ctx, caller, conversationID)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.Messages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("chat: load messages: %w", err)
	}
	return thread.Reconstruct(stored), nil
}

func (s *Service) ownedConversation(ctx context.Context, caller models.Caller, id string) (models.Conversation, error) {
	if caller.Anonymous() && strings.TrimSpace(caller.SessionID) == "" {
		return models.Conversation{}, ErrUnauthorized
	}
	conv, err := s.store.Conversation(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.Conversation{}, ErrNotFound
		}
		return models.Conversation{}, fmt.Errorf("chat: load conversation: %w", err)
	}
	if !conv.OwnedBy(caller) {
		return models.Conversation{}, ErrForbidden
	}
	return conv, nil
}

func (s *Service) settingsFor(ctx context.Context, caller models.Caller) (models.GenerationSettings, error) {
	if caller.Anonymous() || s.settings == nil {
		return models.DefaultGenerationSettings(), nil
	}
	settings, err := s.settings.Get(ctx, caller.UserID)
	if err != nil {
		return models.GenerationSettings{}, fmt.Errorf("chat: settings: %w", err)
	}
	return settings, nil
}

// Title derives a conversation title from its first utterance.
func Title(utterance string) string {
	title := strings.Join(strings.Fields(utterance), " ")
	if utf8.RuneCountInString(title) <= titleLength {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:titleLength-1])) + "…"
}

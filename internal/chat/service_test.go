package chat_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/copilot/internal/chat"
	"github.com/wuwenbin0122/copilot/internal/db"
	"github.com/wuwenbin0122/copilot/internal/generation"
	"github.com/wuwenbin0122/copilot/internal/models"
	"github.com/wuwenbin0122/copilot/internal/prompt"
	"github.com/wuwenbin0122/copilot/internal/settings"
	"github.com/wuwenbin0122/copilot/internal/stream"
	"github.com/wuwenbin0122/copilot/internal/usage"
)

const conformingAnswer = "Step 1: Lift grows with angle of attack.\nStep 2: Past the critical angle the flow separates.\nConclusion: The wing stalls."

type scriptedStream struct {
	chunks []string
	err    error
	hold   bool

	once   sync.Once
	closed chan struct{}
}

func (s *scriptedStream) Recv() (string, error) {
	if len(s.chunks) > 0 {
		chunk := s.chunks[0]
		s.chunks = s.chunks[1:]
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	if s.hold {
		<-s.closed
		return "", errors.New("stream closed")
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	calls    [][]prompt.Turn
	settings []models.GenerationSettings
	next     func() (*scriptedStream, error)
}

func (b *fakeBackend) Stream(_ context.Context, turns []prompt.Turn, s models.GenerationSettings) (generation.Stream, error) {
	b.mu.Lock()
	b.calls = append(b.calls, turns)
	b.settings = append(b.settings, s)
	b.mu.Unlock()

	if b.next != nil {
		st, err := b.next()
		if err != nil {
			return nil, err
		}
		st.closed = make(chan struct{})
		return st, nil
	}
	return &scriptedStream{chunks: []string{conformingAnswer[:40], conformingAnswer[40:]}, closed: make(chan struct{})}, nil
}

func (b *fakeBackend) lastTurns() []prompt.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[len(b.calls)-1]
}

type recordingDelivery struct {
	events []string
	onSend func(n int)
}

func (d *recordingDelivery) Conversation(id string) error {
	d.events = append(d.events, "conversation:"+id)
	return nil
}

func (d *recordingDelivery) Send(chunk string) error {
	d.events = append(d.events, "token:"+chunk)
	if d.onSend != nil {
		d.onSend(len(d.events))
	}
	return nil
}

type fixture struct {
	svc     *chat.Service
	store   *db.Memory
	backend *fakeBackend
	gate    *usage.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := db.NewMemory()
	backend := &fakeBackend{}
	gate := usage.NewGate(usage.NewMemoryStore(), 5, 0, nil)
	svc, err := chat.NewService(chat.Deps{
		Store:    store,
		Settings: settings.NewService(store),
		Gate:     gate,
		Backend:  backend,
		Channel:  stream.NewChannel(nil),
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, backend: backend, gate: gate}
}

func anonymous() models.Caller {
	return models.Caller{SessionID: uuid.NewString()}
}

func TestExchangeStartsConversation(t *testing.T) {
	f := newFixture(t)
	caller := anonymous()
	delivery := &recordingDelivery{}

	out, err := f.svc.Exchange(context.Background(), chat.Request{Caller: caller, Utterance: "  Why does a wing stall?  "}, delivery)
	require.NoError(t, err)

	require.True(t, out.Created)
	require.NotEmpty(t, out.ConversationID)
	require.Equal(t, "conversation:"+out.ConversationID, delivery.events[0], "id is announced before the first token")
	require.Len(t, delivery.events, 3)
	require.Equal(t, stream.OutcomeCompleted, out.Result.Outcome)
	require.Equal(t, conformingAnswer, out.Result.Text)
	require.True(t, out.Contract.Conforms())
	require.Equal(t, conformingAnswer, out.Display)
	require.NotNil(t, out.Usage)
	require.Equal(t, 1, out.Usage.Used)

	conv, err := f.store.Conversation(context.Background(), out.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "Why does a wing stall?", conv.Title)
	require.True(t, conv.OwnedBy(caller))

	msgs, err := f.store.Messages(context.Background(), out.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, models.RoleUser, msgs[0].Role)
	require.Equal(t, "Why does a wing stall?", msgs[0].Content)
	require.Empty(t, msgs[0].ParentMessageID)
	require.Equal(t, msgs[0].ID, msgs[1].ParentMessageID)
	require.True(t, msgs[1].CreatedAt.After(msgs[0].CreatedAt))

	turns := f.backend.lastTurns()
	require.Len(t, turns, 2)
	require.Equal(t, models.RoleSystem, turns[0].Role)
	require.Equal(t, "Why does a wing stall?", turns[1].Content)
}

func TestExchangeContinuesConversation(t *testing.T) {
	f := newFixture(t)
	caller := anonymous()
	ctx := context.Background()

	first, err := f.svc.Exchange(ctx, chat.Request{Caller: caller, Utterance: "Why does a wing stall?"}, &recordingDelivery{})
	require.NoError(t, err)

	second, err := f.svc.Exchange(ctx, chat.Request{Caller: caller, ConversationID: first.ConversationID, Utterance: "And in a turn?"}, &recordingDelivery{})
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.ConversationID, second.ConversationID)
	require.Equal(t, first.AssistantMessage.ID, second.UserMessage.ParentMessageID)

	turns := f.backend.lastTurns()
	require.Len(t, turns, 4)
	require.Equal(t, "Why does a wing stall?", turns[1].Content)
	require.Equal(t, models.RoleAssistant, turns[2].Role)
	require.Equal(t, "And in a turn?", turns[3].Content)

	convs, err := f.svc.Conversations(ctx, caller)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	transcript, err := f.svc.Thread(ctx, caller, first.ConversationID)
	require.NoError(t, err)
	require.Len(t, transcript, 4)
}

func TestExchangeRejectsForeignConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := anonymous()

	out, err := f.svc.Exchange(ctx, chat.Request{Caller: owner, Utterance: "Define Vx"}, &recordingDelivery{})
	require.NoError(t, err)

	intruder := anonymous()
	_, err = f.svc.Exchange(ctx, chat.Request{Caller: intruder, ConversationID: out.ConversationID, Utterance: "hi"}, &recordingDelivery{})
	require.ErrorIs(t, err, chat.ErrForbidden)

	_, err = f.svc.Exchange(ctx, chat.Request{Caller: models.Caller{UserID: "u1"}, ConversationID: out.ConversationID, Utterance: "hi"}, &recordingDelivery{})
	require.ErrorIs(t, err, chat.ErrForbidden)

	_, err = f.svc.Thread(ctx, intruder, out.ConversationID)
	require.ErrorIs(t, err, chat.ErrForbidden)

	status, err := f.gate.Status(ctx, intruder.SessionID)
	require.NoError(t, err)
	require.Zero(t, status.Used, "a rejected request consumes no quota")
}

func TestExchangeUnknownConversation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Exchange(context.Background(), chat.Request{Caller: anonymous(), ConversationID: uuid.NewString(), Utterance: "hi"}, &recordingDelivery{})
	require.ErrorIs(t, err, chat.ErrNotFound)
}

func TestExchangeValidatesRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Exchange(context.Background(), chat.Request{Caller: anonymous(), Utterance: "   "}, &recordingDelivery{})
	require.ErrorIs(t, err, chat.ErrEmptyUtterance)

	_, err = f.svc.Exchange(context.Background(), chat.Request{Utterance: "hi"}, &recordingDelivery{})
	require.ErrorIs(t, err, chat.ErrUnauthorized)
}

func TestExchangeUsageLimitForAnonymousOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := anonymous()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Exchange(ctx, chat.Request{Caller: caller, Utterance: "question"}, &recordingDelivery{})
		require.NoError(t, err)
	}

	delivery := &recordingDelivery{}
	_, err := f.svc.Exchange(ctx, chat.Request{Caller: caller, Utterance: "one more"}, delivery)
	require.ErrorIs(t, err, usage.ErrLimitReached)
	var limitErr *usage.LimitError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, 5, limitErr.Counter.Used)
	require.Empty(t, delivery.events)

	user := models.Caller{UserID: "pilot-1"}
	for i := 0; i < 7; i++ {
		out, err := f.svc.Exchange(ctx, chat.Request{Caller: user, Utterance: "question"}, &recordingDelivery{})
		require.NoError(t, err)
		require.Nil(t, out.Usage)
	}
}

func TestExchangeBackendUnavailable(t *testing.T) {
	f := newFixture(t)
	f.backend.next = func() (*scriptedStream, error) {
		return nil, generation.ErrBackend
	}
	caller := anonymous()

	delivery := &recordingDelivery{}
	_, err := f.svc.Exchange(context.Background(), chat.Request{Caller: caller, Utterance: "hi"}, delivery)
	require.ErrorIs(t, err, chat.ErrGeneration)
	require.Empty(t, delivery.events)

	convs, err := f.svc.Conversations(context.Background(), caller)
	require.NoError(t, err)
	require.Empty(t, convs)
}

func TestExchangeFailureKeepsPartialAnswer(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("upstream reset")
	f.backend.next = func() (*scriptedStream, error) {
		return &scriptedStream{chunks: []string{"Step 1: "}, err: boom}, nil
	}

	out, err := f.svc.Exchange(context.Background(), chat.Request{Caller: anonymous(), Utterance: "hi"}, &recordingDelivery{})
	require.NoError(t, err)
	require.Equal(t, stream.OutcomeFailed, out.Result.Outcome)
	require.ErrorIs(t, out.Result.Err, boom)
	require.NotNil(t, out.AssistantMessage)
	require.Equal(t, "Step 1: ", out.AssistantMessage.Content)
	require.False(t, out.Contract.Conforms())
}

func TestExchangeFailureWithoutOutputStoresQuestionOnly(t *testing.T) {
	f := newFixture(t)
	f.backend.next = func() (*scriptedStream, error) {
		return &scriptedStream{err: errors.New("reset")}, nil
	}

	out, err := f.svc.Exchange(context.Background(), chat.Request{Caller: anonymous(), Utterance: "hi"}, &recordingDelivery{})
	require.NoError(t, err)
	require.Nil(t, out.AssistantMessage)

	msgs, err := f.store.Messages(context.Background(), out.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestExchangeCancellationPersistsPartial(t *testing.T) {
	f := newFixture(t)
	f.backend.next = func() (*scriptedStream, error) {
		return &scriptedStream{chunks: []string{"Step 1: ", "Check "}, hold: true}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	delivery := &recordingDelivery{onSend: func(n int) {
		// conversation event + two tokens
		if n == 3 {
			cancel()
		}
	}}

	out, err := f.svc.Exchange(ctx, chat.Request{Caller: anonymous(), Utterance: "Preflight?"}, delivery)
	require.NoError(t, err)
	require.Equal(t, stream.OutcomeCancelled, out.Result.Outcome)
	require.Equal(t, "Step 1: Check ", out.Result.Text)

	msgs, err := f.store.Messages(context.Background(), out.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "Step 1: Check ", msgs[1].Content)
}

func TestExchangeUsesUserSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := settings.NewService(f.store)

	hide := false
	tone := "examiner"
	_, err := svc.Update(ctx, "pilot-2", models.SettingsPatch{ShowReasoning: &hide, Tone: &tone})
	require.NoError(t, err)

	out, err := f.svc.Exchange(ctx, chat.Request{Caller: models.Caller{UserID: "pilot-2"}, Utterance: "Why stall?"}, &recordingDelivery{})
	require.NoError(t, err)
	require.Equal(t, "The wing stalls.", out.Display)
	require.Equal(t, conformingAnswer, out.Result.Text)

	f.backend.mu.Lock()
	got := f.backend.settings[len(f.backend.settings)-1]
	f.backend.mu.Unlock()
	require.Equal(t, "examiner", got.Tone)
	require.False(t, got.ShowReasoning)

	conv, err := f.store.Conversation(ctx, out.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "pilot-2", conv.OwnerID)
	require.Empty(t, conv.SessionID)
}

func TestExchangeDuplicateExchangeID(t *testing.T) {
	f := newFixture(t)
	caller := anonymous()
	req := chat.Request{Caller: caller, ExchangeID: "ex-1", Utterance: "hi"}

	_, err := f.svc.Exchange(context.Background(), req, &recordingDelivery{})
	require.NoError(t, err)
	_, err = f.svc.Exchange(context.Background(), req, &recordingDelivery{})
	require.ErrorIs(t, err, chat.ErrDuplicateExchange)
}

func TestExchangeConcurrentDuplicateExchangeID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := anonymous()

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	f.backend.next = func() (*scriptedStream, error) {
		entered <- struct{}{}
		<-release
		return &scriptedStream{chunks: []string{conformingAnswer}}, nil
	}

	req := chat.Request{Caller: caller, ExchangeID: "ex-dup", Utterance: "What is a stall?"}
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Exchange(ctx, req, &recordingDelivery{})
			errs <- err
		}()
	}

	// one call is parked in the backend; the other fails without waiting on it
	<-entered
	require.ErrorIs(t, <-errs, chat.ErrDuplicateExchange)
	close(release)
	wg.Wait()
	require.NoError(t, <-errs)

	require.Empty(t, entered)
	f.backend.mu.Lock()
	require.Len(t, f.backend.calls, 1)
	f.backend.mu.Unlock()

	convs, err := f.store.ListConversations(ctx, caller)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := f.store.Messages(ctx, convs[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	counter, err := f.gate.Status(ctx, caller.SessionID)
	require.NoError(t, err)
	require.Equal(t, 1, counter.Used)
}

func TestExchangeIDReusableAfterEarlyFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := anonymous()
	req := chat.Request{Caller: caller, ExchangeID: "ex-retry", Utterance: "What is a stall?"}

	f.backend.next = func() (*scriptedStream, error) {
		return nil, errors.New("connection refused")
	}
	_, err := f.svc.Exchange(ctx, req, &recordingDelivery{})
	require.ErrorIs(t, err, chat.ErrGeneration)

	f.backend.next = nil
	out, err := f.svc.Exchange(ctx, req, &recordingDelivery{})
	require.NoError(t, err)
	require.Equal(t, "ex-retry", out.ExchangeID)
	require.False(t, out.Result.Replayed)
}

func TestTitle(t *testing.T) {
	require.Equal(t, "Short question", chat.Title("  Short \n question "))

	long := "What is the difference between indicated airspeed, calibrated airspeed and true airspeed?"
	title := chat.Title(long)
	require.Equal(t, 60, len([]rune(title)))
	require.True(t, []rune(title)[59] == '…')
}

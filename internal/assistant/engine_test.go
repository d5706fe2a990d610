package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusion-data/bridge/internal/auth"
	"github.com/fusion-data/bridge/internal/catalog"
	"github.com/fusion-data/bridge/internal/llm"
	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/internal/repository"
	"github.com/fusion-data/bridge/internal/session"
	"github.com/fusion-data/bridge/pkg/logger"
)

type stubGateway struct {
	mu      sync.Mutex
	reply   string
	err     error
	history [][]llm.ChatMessage
}

func (g *stubGateway) SendMessage(_ context.Context, history []llm.ChatMessage) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history, history)
	return g.reply, g.err
}

func (g *stubGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.history)
}

type stubRequests struct {
	created []model.Draft
	list    []model.Request
	err     error
}

func (r *stubRequests) CreateFromDraft(_ context.Context, d model.Draft) (model.Request, error) {
	if r.err != nil {
		return model.Request{}, r.err
	}
	r.created = append(r.created, d)
	return model.Request{ID: "r-1", Codigo: "SOL-20250101-ABCDEF", Titulo: d.Objective, Status: model.StatusPendente}, nil
}

func (r *stubRequests) FetchMine(context.Context, repository.RequestFilter) ([]model.Request, error) {
	return r.list, r.err
}

type recordedEvents struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordedEvents) Emit(_ context.Context, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type emptyBackend struct{}

func (emptyBackend) SaveSession(context.Context, model.ChatSession) error  { return nil }
func (emptyBackend) AppendMessage(context.Context, model.Message) error    { return nil }
func (emptyBackend) DeleteSession(context.Context, string, string) error    { return nil }
func (emptyBackend) ListMessages(context.Context, string) ([]model.Message, error) {
	return nil, nil
}
func (emptyBackend) ListSessions(context.Context, string) ([]model.ChatSession, error) {
	return nil, nil
}

type fixture struct {
	engine   *Engine
	gateway  *stubGateway
	requests *stubRequests
	events   *recordedEvents
	registry *session.Registry
	ctx      context.Context
}

func newFixture(t *testing.T, opts EngineOptions) *fixture {
	t.Helper()
	wb := session.NewWriteBehind(time.Second, logger.NewNop())
	registry := session.NewRegistry(emptyBackend{}, wb, time.Hour, logger.NewNop())
	f := &fixture{
		gateway:  &stubGateway{reply: "Resposta do modelo"},
		requests: &stubRequests{},
		events:   &recordedEvents{},
		registry: registry,
		ctx:      auth.WithPrincipal(context.Background(), auth.Principal{UserID: "u-1", Token: "t"}),
	}
	opts.Logger = logger.NewNop()
	f.engine = NewEngine(registry, f.gateway, catalog.Default(), f.requests, NewMemoryStateStore(time.Hour), f.events, opts)
	return f
}

func (f *fixture) store(t *testing.T) *session.Store {
	t.Helper()
	st, err := f.registry.For(f.ctx)
	require.NoError(t, err)
	return st
}

func (f *fixture) reply(t *testing.T, sessionID string, req model.ReplyRequest) model.TurnResponse {
	t.Helper()
	resp, err := f.engine.Reply(f.ctx, sessionID, req)
	require.NoError(t, err)
	return resp
}

func TestEngine_StartCreatesSessionThenGreets(t *testing.T) {
	f := newFixture(t, EngineOptions{})

	resp, err := f.engine.Start(f.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, string(StepInitial), resp.Step)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, TextGreeting, resp.Messages[0].Content)
	assert.Equal(t, InitialOptions, model.Options(resp.Messages[0].Payload))

	current, ok := f.store(t).Current()
	require.True(t, ok)
	assert.Equal(t, resp.SessionID, current.ID)
	assert.Equal(t, model.DefaultSessionTitle, current.Title)
	assert.Zero(t, f.gateway.calls())
}

func TestEngine_StartWithoutPrincipal(t *testing.T) {
	f := newFixture(t, EngineOptions{})

	_, err := f.engine.Start(context.Background(), "")
	assert.ErrorIs(t, err, auth.ErrNoPrincipal)
}

func TestEngine_LLMGreetingFallsBackToScript(t *testing.T) {
	f := newFixture(t, EngineOptions{GreetWithLLM: true})
	f.gateway.reply = "Olá! Como posso ajudar?"

	resp, err := f.engine.Start(f.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "Olá! Como posso ajudar?", resp.Messages[0].Content)
	require.Len(t, f.gateway.history, 1)
	assert.Equal(t, GreetingPrompt, f.gateway.history[0][0].Content)

	f.gateway.err = llm.ErrTimeout
	resp, err = f.engine.Start(f.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, TextGreeting, resp.Messages[0].Content)
}

func TestEngine_FullRequestFlowLinksSession(t *testing.T) {
	f := newFixture(t, EngineOptions{})
	start, err := f.engine.Start(f.ctx, "")
	require.NoError(t, err)
	id := start.SessionID

	f.reply(t, id, model.ReplyRequest{QuickReply: OptionNewRequest})
	resp := f.reply(t, id, model.ReplyRequest{Text: "Ticket médio por região"})
	assert.Equal(t, string(StepContext), resp.Step)

	sess, err := f.store(t).Session(id)
	require.NoError(t, err)
	assert.Equal(t, "Ticket médio por região", sess.Title)

	f.reply(t, id, model.ReplyRequest{QuickReply: "Por região"})
	f.reply(t, id, model.ReplyRequest{QuickReply: "Mensal"})
	f.reply(t, id, model.ReplyRequest{QuickReply: "Não, dados agregados"})
	resp = f.reply(t, id, model.ReplyRequest{QuickReply: "Não, é novo"})
	assert.Equal(t, string(StepReview), resp.Step)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, TextSearching, resp.Messages[0].Content)
	assert.Equal(t, TextNoAssets, resp.Messages[1].Content)
	_, isCard := resp.Messages[2].Payload.(model.ReviewCard)
	assert.True(t, isCard)

	resp = f.reply(t, id, model.ReplyRequest{QuickReply: OptionConfirm})
	assert.Equal(t, string(StepConfirmation), resp.Step)
	assert.Equal(t, "r-1", resp.RequestID)
	require.Len(t, f.requests.created, 1)
	assert.Equal(t, "Ticket médio por região", f.requests.created[0].Objective)

	sess, err = f.store(t).Session(id)
	require.NoError(t, err)
	require.NotNil(t, sess.RequestID)
	assert.Equal(t, "r-1", *sess.RequestID)
	assert.Equal(t, model.SessionCompleted, sess.Status)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, model.EventSessionLinked, f.events.events[0].Kind)

	resp = f.reply(t, id, model.ReplyRequest{QuickReply: OptionViewRequests})
	assert.Equal(t, RequestsPath, resp.Navigate)
	assert.Empty(t, resp.Messages)
}

func TestEngine_PersistFailureKeepsReview(t *testing.T) {
	f := newFixture(t, EngineOptions{})
	start, err := f.engine.Start(f.ctx, "")
	require.NoError(t, err)
	id := start.SessionID

	for _, q := range []string{OptionNewRequest, "Vendas", "Por cliente", "Diária", "Não sei", "Não, é novo"} {
		f.reply(t, id, model.ReplyRequest{QuickReply: q})
	}
	// "Vendas" matches the catalog, so reject the suggestion first.
	resp := f.reply(t, id, model.ReplyRequest{QuickReply: OptionRejectAsset})
	require.Equal(t, string(StepReview), resp.Step)

	f.requests.err = errors.New("database is down")
	resp = f.reply(t, id, model.ReplyRequest{QuickReply: OptionConfirm})
	assert.Equal(t, string(StepReview), resp.Step)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, TextPersistFailed, resp.Messages[0].Content)

	sess, err := f.store(t).Session(id)
	require.NoError(t, err)
	assert.Nil(t, sess.RequestID)
	assert.Equal(t, model.SessionActive, sess.Status)
}

func TestEngine_ArchivedSessionDoesNotPersist(t *testing.T) {
	f := newFixture(t, EngineOptions{})
	start, err := f.engine.Start(f.ctx, "")
	require.NoError(t, err)
	id := start.SessionID

	for _, q := range []string{OptionNewRequest, "Vendas", "Por cliente", "Diária", "Não sei", "Não, é novo", OptionRejectAsset} {
		f.reply(t, id, model.ReplyRequest{QuickReply: q})
	}
	require.NoError(t, f.store(t).ArchiveSession(id))

	resp := f.reply(t, id, model.ReplyRequest{QuickReply: OptionConfirm})
	assert.Equal(t, string(StepReview), resp.Step)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, TextArchived, resp.Messages[0].Content)
	assert.Empty(t, f.requests.created)
	assert.Empty(t, f.events.events)
}

func TestEngine_DelegatesFreeTextWithHistory(t *testing.T) {
	f := newFixture(t, EngineOptions{})
	start, err := f.engine.Start(f.ctx, "")
	require.NoError(t, err)

	var typing []bool
	unsubscribe := f.store(t).Subscribe(func(ev session.Event) {
		if ev.Kind == session.EventTyping {
			typing = append(typing, ev.Typing)
		}
	})
	defer unsubscribe()

	resp := f.reply(t, start.SessionID, model.ReplyRequest{Text: "O que é um ativo de dados?"})
	assert.Equal(t, string(StepInitial), resp.Step)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "Resposta do modelo", resp.Messages[0].Content)
	assert.False(t, resp.Messages[0].Loading)
	assert.Equal(t, []bool{true, false}, typing)

	require.Len(t, f.gateway.history, 1)
	history := f.gateway.history[0]
	require.Len(t, history, 2)
	assert.Equal(t, llm.RoleAssistant, history[0].Role)
	assert.Equal(t, llm.RoleUser, history[1].Role)
	assert.Equal(t, "O que é um ativo de dados?", history[1].Content)
}

type streamingGateway struct {
	*stubGateway
	deltas []string
}

func (g streamingGateway) StreamMessage(ctx context.Context, history []llm.ChatMessage, onDelta func(string)) (string, error) {
	var out string
	for _, d := range g.deltas {
		onDelta(d)
		out += d
	}
	if _, err := g.SendMessage(ctx, history); err != nil {
		return "", err
	}
	return out, nil
}

func TestEngine_StreamsDelegatedReplyIntoPlaceholder(t *testing.T) {
	f := newFixture(t, EngineOptions{})
	f.engine.gateway = streamingGateway{stubGateway: f.gateway, deltas: []string{"Um ativo ", "é um conjunto ", "de dados."}}
	start, err := f.engine.Start(f.ctx, "")
	require.NoError(t, err)

	type update struct {
		content string
		loading bool
	}
	var updates []update
	unsubscribe := f.store(t).Subscribe(func(ev session.Event) {
		if ev.Kind == session.EventMessageUpdated {
			updates = append(updates, update{ev.Message.Content, ev.Message.Loading})
		}
	})
	defer unsubscribe()

	resp := f.reply(t, start.SessionID, model.ReplyRequest{Text: "O que é um ativo de dados?"})
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "Um ativo é um conjunto de dados.", resp.Messages[0].Content)
	assert.Equal(t, []update{
		{"Um ativo ", true},
		{"Um ativo é um conjunto ", true},
		{"Um ativo é um conjunto de dados.", true},
		{"Um ativo é um conjunto de dados.", false},
	}, updates)
}

func TestEngine_LLMFailureApologizesAndKeepsStep(t *testing.T) {
	f := newFixture(t, EngineOptions{})
	start, err := f.engine.Start(f.ctx, "")
	require.NoError(t, err)
	f.gateway.err = &llm.GatewayError{Kind: llm.KindStatus, StatusCode: 500, Message: "boom"}

	resp := f.reply(t, start.SessionID, model.ReplyRequest{Text: "Oi?"})
	assert.Equal(t, string(StepInitial), resp.Step)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, TextApology, resp.Messages[0].Content)
	assert.Equal(t, 1, f.gateway.calls())

	sess, err := f.store(t).Session(start.SessionID)
	require.NoError(t, err)
	for _, m := range sess.Messages {
		assert.False(t, m.Loading)
	}
}

func TestEngine_StatusQueryListsRequests(t *testing.T) {
	f := newFixture(t, EngineOptions{})
	f.requests.list = []model.Request{{Codigo: "SOL-1", Titulo: "Churn", Status: model.StatusEmCuradoria}}

	start, err := f.engine.Start(f.ctx, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.states.Save(f.ctx, start.SessionID, Conversation{Step: StepFollowUp, Mode: ModeRequest}))

	resp := f.reply(t, start.SessionID, model.ReplyRequest{Text: "Qual o status do meu pedido"})
	require.Len(t, resp.Messages, 1)
	assert.Contains(t, resp.Messages[0].Content, "• SOL-1: Churn (Em curadoria)")
}

func TestEngine_RejectsEmptyAndUnknownSession(t *testing.T) {
	f := newFixture(t, EngineOptions{})

	_, err := f.engine.Reply(f.ctx, "missing", model.ReplyRequest{})
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = f.engine.Reply(f.ctx, "missing", model.ReplyRequest{Text: "oi"})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestEngine_SessionWithoutStateResumesAtInitial(t *testing.T) {
	f := newFixture(t, EngineOptions{})
	start, err := f.engine.Start(f.ctx, "")
	require.NoError(t, err)
	f.engine.Forget(f.ctx, start.SessionID)

	resp := f.reply(t, start.SessionID, model.ReplyRequest{QuickReply: OptionNewRequest})
	assert.Equal(t, string(StepIntention), resp.Step)
}

func TestHistory_SkipsPlaceholders(t *testing.T) {
	msgs := []model.Message{
		{Sender: model.SenderAssistant, Content: "Oi"},
		{Sender: model.SenderAssistant, Loading: true},
		{Sender: model.SenderUser, Content: "  "},
		{Sender: model.SenderUser, Content: "Quero dados"},
	}
	assert.Equal(t, []llm.ChatMessage{
		{Role: llm.RoleAssistant, Content: "Oi"},
		{Role: llm.RoleUser, Content: "Quero dados"},
	}, History(msgs))
}

package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fusion-data/bridge/internal/llm"
	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/internal/repository"
	"github.com/fusion-data/bridge/internal/session"
	"github.com/fusion-data/bridge/pkg/logger"
	"github.com/fusion-data/bridge/pkg/metrics"
)

// ErrEmptyInput is returned when a turn carries neither a quick reply nor text.
var ErrEmptyInput = errors.New("reply has no content")

// GreetingPrompt asks the LLM to open a conversation.
const GreetingPrompt = "Inicie a conversa cumprimentando o usuário."

// Gateway answers free-form turns.
type Gateway interface {
	SendMessage(ctx context.Context, history []llm.ChatMessage) (string, error)
}

// Streamer is a Gateway that can deliver the reply as it is generated.
type Streamer interface {
	StreamMessage(ctx context.Context, history []llm.ChatMessage, onDelta func(string)) (string, error)
}

// Catalog finds existing assets related to a request.
type Catalog interface {
	Match(texts ...string) []model.Asset
}

// Requests persists and lists the user's requests.
type Requests interface {
	CreateFromDraft(ctx context.Context, d model.Draft) (model.Request, error)
	FetchMine(ctx context.Context, f repository.RequestFilter) ([]model.Request, error)
}

// Emitter publishes domain events.
type Emitter interface {
	Emit(ctx context.Context, ev model.Event)
}

// Sessions resolves the caller's session store.
type Sessions interface {
	For(ctx context.Context) (*session.Store, error)
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	GreetWithLLM bool
	Logger       *logger.Logger
}

// Engine runs wizard turns for a session and carries out their effects.
type Engine struct {
	sessions Sessions
	gateway  Gateway
	catalog  Catalog
	requests Requests
	states   StateStore
	events   Emitter
	opts     EngineOptions
	log      *logger.Logger

	locks sync.Map // session id -> *sync.Mutex
}

// NewEngine creates an engine. events may be nil.
func NewEngine(sessions Sessions, gateway Gateway, catalog Catalog, requests Requests, states StateStore, events Emitter, opts EngineOptions) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Engine{
		sessions: sessions,
		gateway:  gateway,
		catalog:  catalog,
		requests: requests,
		states:   states,
		events:   events,
		opts:     opts,
		log:      log.With(zap.String("component", "assistant")),
	}
}

// turn accumulates the outcome of one user turn.
type turn struct {
	store    *session.Store
	id       string
	messages []model.Message
	navigate string
}

func (t *turn) add(r Reply) error {
	msg, err := t.store.AppendMessage(t.id, model.Message{
		Sender:  model.SenderAssistant,
		Content: r.Content,
		Payload: r.Payload,
	})
	if err != nil {
		return err
	}
	t.messages = append(t.messages, msg)
	return nil
}

func (t *turn) addAll(replies []Reply) error {
	for _, r := range replies {
		if err := t.add(r); err != nil {
			return err
		}
	}
	return nil
}

// Start creates a session and greets the user in it. The session exists in
// the store before the greeting is requested.
func (e *Engine) Start(ctx context.Context, title string) (model.TurnResponse, error) {
	store, err := e.sessions.For(ctx)
	if err != nil {
		return model.TurnResponse{}, err
	}
	sess := store.CreateSession(title)

	unlock := e.lock(sess.ID)
	defer unlock()

	d := Advance(NewConversation(), Start())
	e.recordTransition(StepWelcome, d.Next.Step)

	t := &turn{store: store, id: sess.ID}
	replies := d.Replies
	if e.opts.GreetWithLLM {
		if text, err := e.gateway.SendMessage(ctx, []llm.ChatMessage{{Role: llm.RoleUser, Content: GreetingPrompt}}); err == nil && strings.TrimSpace(text) != "" {
			replies = []Reply{{Content: text, Payload: model.QuickReplies{Options: append([]string(nil), InitialOptions...)}}}
		} else if err != nil {
			e.log.Warn("llm greeting failed, using scripted greeting", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	if err := t.addAll(replies); err != nil {
		return model.TurnResponse{}, err
	}

	if err := e.states.Save(ctx, sess.ID, d.Next); err != nil {
		e.log.Warn("failed to save wizard state", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return e.response(t, d.Next), nil
}

// Reply runs one user turn in sessionID.
func (e *Engine) Reply(ctx context.Context, sessionID string, req model.ReplyRequest) (model.TurnResponse, error) {
	in, err := inputFrom(req)
	if err != nil {
		return model.TurnResponse{}, err
	}

	store, err := e.sessions.For(ctx)
	if err != nil {
		return model.TurnResponse{}, err
	}
	done, err := store.LoadSession(sessionID)
	if err != nil {
		return model.TurnResponse{}, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return model.TurnResponse{}, ctx.Err()
	}

	unlock := e.lock(sessionID)
	defer unlock()

	conv, err := e.conversation(ctx, store, sessionID)
	if err != nil {
		return model.TurnResponse{}, err
	}

	if _, err := store.AppendMessage(sessionID, model.Message{Sender: model.SenderUser, Content: in.Text}); err != nil {
		return model.TurnResponse{}, err
	}

	t := &turn{store: store, id: sessionID}
	d := Advance(conv, in)
	e.recordTransition(conv.Step, d.Next.Step)

	next, err := e.execute(ctx, t, d)
	if err != nil {
		return model.TurnResponse{}, err
	}

	if err := e.states.Save(ctx, sessionID, next); err != nil {
		e.log.Warn("failed to save wizard state", zap.String("session_id", sessionID), zap.Error(err))
	}
	return e.response(t, next), nil
}

// Forget drops the wizard state of a deleted session.
func (e *Engine) Forget(ctx context.Context, sessionID string) {
	if err := e.states.Delete(ctx, sessionID); err != nil {
		e.log.Warn("failed to delete wizard state", zap.String("session_id", sessionID), zap.Error(err))
	}
	e.locks.Delete(sessionID)
}

// execute appends the decision's replies and carries out its effect,
// returning the conversation to store.
func (e *Engine) execute(ctx context.Context, t *turn, d Decision) (Conversation, error) {
	if err := t.addAll(d.Replies); err != nil {
		return Conversation{}, err
	}
	next := d.Next

	switch d.Effect.Kind {
	case EffectRename:
		if err := t.store.RenameSession(t.id, d.Effect.Title); err != nil {
			e.log.Warn("failed to rename session", zap.String("session_id", t.id), zap.Error(err))
		}

	case EffectSearch:
		draft := next.Draft
		assets := e.catalog.Match(draft.Objective, draft.DataType)
		after := AfterSearch(next, assets)
		e.recordTransition(next.Step, after.Next.Step)
		if err := t.addAll(after.Replies); err != nil {
			return Conversation{}, err
		}
		next = after.Next

	case EffectPersist:
		if sess, err := t.store.Session(t.id); err == nil && sess.Status == model.SessionArchived {
			if err := t.add(Reply{Content: TextArchived}); err != nil {
				return Conversation{}, err
			}
			break
		}
		var created *model.Request
		req, err := e.requests.CreateFromDraft(ctx, next.Draft)
		if err != nil {
			e.log.Error("failed to create request from conversation", zap.String("session_id", t.id), zap.Error(err))
		} else {
			created = &req
			e.link(ctx, t, req)
		}
		after := AfterPersist(next, created, err)
		e.recordTransition(next.Step, after.Next.Step)
		if err := t.addAll(after.Replies); err != nil {
			return Conversation{}, err
		}
		next = after.Next

	case EffectStatus:
		list, err := e.requests.FetchMine(ctx, repository.RequestFilter{})
		if err != nil {
			if err := t.add(Reply{Content: TextApology}); err != nil {
				return Conversation{}, err
			}
			break
		}
		after := AfterStatus(next, list)
		if err := t.addAll(after.Replies); err != nil {
			return Conversation{}, err
		}
		next = after.Next

	case EffectNavigate:
		t.navigate = d.Effect.Path

	case EffectDelegate:
		if err := e.delegate(ctx, t); err != nil {
			return Conversation{}, err
		}
	}
	return next, nil
}

// delegate sends the session history to the LLM behind a loading
// placeholder. A failed call resolves the placeholder with an apology.
func (e *Engine) delegate(ctx context.Context, t *turn) error {
	sess, err := t.store.Session(t.id)
	if err != nil {
		return err
	}
	history := History(sess.Messages)

	placeholder, err := t.store.AppendMessage(t.id, model.Message{Sender: model.SenderAssistant, Loading: true})
	if err != nil {
		return err
	}
	t.store.SetTyping(t.id, true)
	content, err := e.ask(ctx, t, placeholder.ID, history)
	t.store.SetTyping(t.id, false)

	if err != nil {
		e.log.Warn("assistant turn failed", zap.String("session_id", t.id), zap.Error(err))
		content = TextApology
	}
	msg, err := t.store.ResolvePlaceholder(t.id, placeholder.ID, content, nil)
	if err != nil {
		return err
	}
	t.messages = append(t.messages, msg)
	return nil
}

// ask calls the gateway, streaming partial replies into the placeholder when
// the gateway supports it.
func (e *Engine) ask(ctx context.Context, t *turn, placeholderID string, history []llm.ChatMessage) (string, error) {
	st, ok := e.gateway.(Streamer)
	if !ok {
		return e.gateway.SendMessage(ctx, history)
	}
	var partial strings.Builder
	return st.StreamMessage(ctx, history, func(delta string) {
		partial.WriteString(delta)
		if err := t.store.UpdatePlaceholder(t.id, placeholderID, partial.String()); err != nil {
			e.log.Debug("failed to update placeholder", zap.String("session_id", t.id), zap.Error(err))
		}
	})
}

func (e *Engine) link(ctx context.Context, t *turn, req model.Request) {
	if err := t.store.LinkToRequest(t.id, req.ID); err != nil {
		e.log.Warn("failed to link session to request",
			zap.String("session_id", t.id),
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return
	}
	if e.events != nil {
		e.events.Emit(ctx, model.Event{
			UserID: t.store.UserID(),
			Kind:   model.EventSessionLinked,
			Data:   map[string]any{"session_id": t.id, "request_id": req.ID, "codigo": req.Codigo},
		})
	}
}

// conversation loads the wizard state of a session. Sessions without saved
// state, such as ones restored from the backend, resume at the initial step.
func (e *Engine) conversation(ctx context.Context, store *session.Store, sessionID string) (Conversation, error) {
	conv, ok, err := e.states.Load(ctx, sessionID)
	if err != nil {
		e.log.Warn("failed to load wizard state", zap.String("session_id", sessionID), zap.Error(err))
	}
	if ok {
		return conv, nil
	}

	sess, err := store.Session(sessionID)
	if err != nil {
		return Conversation{}, err
	}
	conv = NewConversation()
	if len(sess.Messages) > 0 {
		conv.Step = StepInitial
	}
	if sess.RequestID != nil {
		conv.Step = StepConfirmation
		conv.Outcome = OutcomeNewRequest
		conv.Draft.RequestID = *sess.RequestID
	}
	return conv, nil
}

func (e *Engine) response(t *turn, c Conversation) model.TurnResponse {
	msgs := t.messages
	if msgs == nil {
		msgs = []model.Message{}
	}
	return model.TurnResponse{
		SessionID: t.id,
		Step:      string(c.Step),
		Messages:  msgs,
		RequestID: c.Draft.RequestID,
		Navigate:  t.navigate,
	}
}

func (e *Engine) lock(sessionID string) func() {
	m, _ := e.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) recordTransition(from, to Step) {
	if from != to {
		metrics.RecordTransition(string(from), string(to))
	}
}

func inputFrom(req model.ReplyRequest) (Input, error) {
	if q := strings.TrimSpace(req.QuickReply); q != "" {
		return QuickReply(q), nil
	}
	if t := strings.TrimSpace(req.Text); t != "" {
		return Text(t), nil
	}
	return Input{}, ErrEmptyInput
}

// History converts session messages to LLM chat turns, skipping placeholders
// and empty entries.
func History(msgs []model.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Loading || strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := llm.RoleUser
		if m.Sender == model.SenderAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.ChatMessage{Role: role, Content: m.Content})
	}
	return out
}

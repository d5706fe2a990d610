package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusion-data/bridge/internal/auth"
	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/internal/repository"
	"github.com/fusion-data/bridge/pkg/logger"
)

// fakeBackend records calls in order. Message writes can be slowed down to
// expose ordering problems.
type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	messages  map[string][]model.Message
	sessions  []model.ChatSession
	slowFirst time.Duration
	listCalls int32
	failSave  bool
	gate      chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{messages: make(map[string][]model.Message)}
}

func (f *fakeBackend) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) count(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[sessionID])
}

func (f *fakeBackend) SaveSession(_ context.Context, s model.ChatSession) error {
	f.record("save:" + s.Title)
	if f.failSave {
		return errors.New("backend down")
	}
	return nil
}

func (f *fakeBackend) AppendMessage(_ context.Context, m model.Message) error {
	f.mu.Lock()
	first := len(f.messages[m.SessionID]) == 0
	f.mu.Unlock()
	if first && f.slowFirst > 0 {
		time.Sleep(f.slowFirst)
	}
	f.mu.Lock()
	f.messages[m.SessionID] = append(f.messages[m.SessionID], m)
	f.mu.Unlock()
	f.record("append:" + m.Content)
	return nil
}

func (f *fakeBackend) ListSessions(context.Context, string) ([]model.ChatSession, error) {
	return f.sessions, nil
}

func (f *fakeBackend) ListMessages(_ context.Context, id string) ([]model.Message, error) {
	atomic.AddInt32(&f.listCalls, 1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.messages[id]...), nil
}

func (f *fakeBackend) DeleteSession(_ context.Context, _, id string) error {
	f.record("delete:" + id)
	return nil
}

func newTestStore(b Backend) (*Store, *WriteBehind) {
	wb := NewWriteBehind(time.Second, logger.NewNop())
	return NewStore("u-1", b, wb, logger.NewNop()), wb
}

func flush(t *testing.T, wb *WriteBehind) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wb.Flush(ctx))
}

func TestStore_CreateThenAppendIsVisibleSynchronously(t *testing.T) {
	b := newFakeBackend()
	b.slowFirst = 100 * time.Millisecond
	st, wb := newTestStore(b)

	sess := st.CreateSession("")
	assert.Equal(t, model.DefaultSessionTitle, sess.Title)

	_, err := st.AppendMessage(sess.ID, model.Message{Sender: model.SenderUser, Content: "oi"})
	require.NoError(t, err)

	cur, ok := st.Current()
	require.True(t, ok)
	assert.Equal(t, sess.ID, cur.ID)
	require.Len(t, cur.Messages, 1)
	assert.Equal(t, "oi", cur.Messages[0].Content)
	assert.Zero(t, b.count(sess.ID), "backend write must not have completed yet")

	flush(t, wb)
}

func TestStore_RapidAppendsKeepOrderLocallyAndRemotely(t *testing.T) {
	b := newFakeBackend()
	b.slowFirst = 50 * time.Millisecond
	st, wb := newTestStore(b)

	sess := st.CreateSession("t")
	a, err := st.AppendMessage(sess.ID, model.Message{Sender: model.SenderUser, Content: "A"})
	require.NoError(t, err)
	bm, err := st.AppendMessage(sess.ID, model.Message{Sender: model.SenderUser, Content: "B"})
	require.NoError(t, err)
	assert.True(t, bm.Timestamp.After(a.Timestamp))

	got, err := st.Session(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "A", got.Messages[0].Content)
	assert.Equal(t, "B", got.Messages[1].Content)

	flush(t, wb)
	assert.Equal(t, []string{"save:t", "append:A", "save:t", "append:B", "save:t"}, b.Calls())
}

func TestStore_LinkToRequestIsIdempotent(t *testing.T) {
	st, wb := newTestStore(newFakeBackend())
	sess := st.CreateSession("t")

	require.NoError(t, st.LinkToRequest(sess.ID, "r-1"))
	require.NoError(t, st.LinkToRequest(sess.ID, "r-1"))

	got, err := st.Session(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)
	require.NotNil(t, got.RequestID)
	assert.Equal(t, "r-1", *got.RequestID)

	assert.ErrorIs(t, st.LinkToRequest(sess.ID, "r-2"), ErrAlreadyLinked)

	found, ok := st.FindSessionByRequest("r-1")
	require.True(t, ok)
	assert.Equal(t, sess.ID, found.ID)
	flush(t, wb)
}

func TestStore_StatusNeverMovesBackwards(t *testing.T) {
	st, wb := newTestStore(newFakeBackend())
	sess := st.CreateSession("t")

	require.NoError(t, st.ArchiveSession(sess.ID))
	assert.ErrorIs(t, st.LinkToRequest(sess.ID, "r-1"), ErrInvalidTransition)
	require.NoError(t, st.ArchiveSession(sess.ID))

	got, _ := st.Session(sess.ID)
	assert.Equal(t, model.SessionArchived, got.Status)
	flush(t, wb)
}

func TestStore_DeleteCurrentClearsPointer(t *testing.T) {
	b := newFakeBackend()
	st, wb := newTestStore(b)

	first := st.CreateSession("first")
	second := st.CreateSession("second")

	sessions := st.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID, "new sessions go to the head")

	require.NoError(t, st.DeleteSession(second.ID))

	_, ok := st.Current()
	assert.False(t, ok)
	sessions = st.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, first.ID, sessions[0].ID)

	assert.ErrorIs(t, st.DeleteSession(second.ID), ErrSessionNotFound)
	flush(t, wb)
	assert.Contains(t, b.Calls(), "delete:"+second.ID)
}

func TestStore_DeleteOtherKeepsCurrent(t *testing.T) {
	st, wb := newTestStore(newFakeBackend())
	first := st.CreateSession("first")
	second := st.CreateSession("second")

	require.NoError(t, st.DeleteSession(first.ID))
	cur, ok := st.Current()
	require.True(t, ok)
	assert.Equal(t, second.ID, cur.ID)
	flush(t, wb)
}

func TestStore_LoadSessionBackfillsOnce(t *testing.T) {
	b := newFakeBackend()
	b.sessions = []model.ChatSession{{ID: "old", UserID: "u-1", Title: "antiga", Status: model.SessionActive}}
	b.messages["old"] = []model.Message{
		{ID: "m-1", SessionID: "old", Sender: model.SenderUser, Content: "primeira"},
	}
	b.gate = make(chan struct{})
	st, wb := newTestStore(b)
	require.NoError(t, st.Hydrate(context.Background()))

	done1, err := st.LoadSession("old")
	require.NoError(t, err)
	done2, err := st.LoadSession("old")
	require.NoError(t, err)
	close(b.gate)

	<-done1
	<-done2
	done3, err := st.LoadSession("old")
	require.NoError(t, err)
	<-done3

	assert.Equal(t, int32(1), atomic.LoadInt32(&b.listCalls))
	got, err := st.Session("old")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "primeira", got.Messages[0].Content)

	_, err = st.LoadSession("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	flush(t, wb)
}

func TestStore_BackendFailureKeepsLocalState(t *testing.T) {
	b := newFakeBackend()
	b.failSave = true
	st, wb := newTestStore(b)

	sess := st.CreateSession("t")
	require.NoError(t, st.RenameSession(sess.ID, "novo título"))
	flush(t, wb)

	got, err := st.Session(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "novo título", got.Title)
}

func TestStore_PlaceholderIsResolvedInPlace(t *testing.T) {
	b := newFakeBackend()
	st, wb := newTestStore(b)
	sess := st.CreateSession("t")

	ph, err := st.AppendMessage(sess.ID, model.Message{Sender: model.SenderAssistant, Loading: true})
	require.NoError(t, err)
	_, err = st.ResolvePlaceholder(sess.ID, ph.ID, "resposta", nil)
	require.NoError(t, err)

	_, err = st.ResolvePlaceholder(sess.ID, ph.ID, "de novo", nil)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	got, _ := st.Session(sess.ID)
	require.Len(t, got.Messages, 1)
	assert.False(t, got.Messages[0].Loading)
	assert.Equal(t, "resposta", got.Messages[0].Content)

	flush(t, wb)
	assert.Equal(t, []string{"save:t", "append:resposta", "save:t"}, b.Calls())
}

func TestStore_UpdatePlaceholderPublishesWithoutPersisting(t *testing.T) {
	b := newFakeBackend()
	st, wb := newTestStore(b)
	sess := st.CreateSession("t")
	ph, err := st.AppendMessage(sess.ID, model.Message{Sender: model.SenderAssistant, Loading: true})
	require.NoError(t, err)

	var partials []string
	unsubscribe := st.Subscribe(func(ev Event) {
		if ev.Kind == EventMessageUpdated {
			partials = append(partials, ev.Message.Content)
		}
	})
	defer unsubscribe()

	require.NoError(t, st.UpdatePlaceholder(sess.ID, ph.ID, "res"))
	require.NoError(t, st.UpdatePlaceholder(sess.ID, ph.ID, "resposta"))
	got, _ := st.Session(sess.ID)
	assert.True(t, got.Messages[0].Loading)
	assert.Equal(t, "resposta", got.Messages[0].Content)

	_, err = st.ResolvePlaceholder(sess.ID, ph.ID, "resposta final", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, st.UpdatePlaceholder(sess.ID, ph.ID, "tarde"), ErrMessageNotFound)
	assert.Equal(t, []string{"res", "resposta", "resposta final"}, partials)

	flush(t, wb)
	assert.Equal(t, []string{"save:t", "append:resposta final", "save:t"}, b.Calls())
}

func TestStore_SubscribeReceivesChanges(t *testing.T) {
	st, wb := newTestStore(newFakeBackend())

	var kinds []EventKind
	var mu sync.Mutex
	unsubscribe := st.Subscribe(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	sess := st.CreateSession("t")
	_, _ = st.AppendMessage(sess.ID, model.Message{Sender: model.SenderUser, Content: "oi"})
	unsubscribe()
	_ = st.RenameSession(sess.ID, "outro")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventSessionCreated, EventMessageAdded}, kinds)
	flush(t, wb)
}

func TestRegistry_RequiresPrincipalAndPersistsThroughRepository(t *testing.T) {
	db, err := repository.OpenMemory(uuid.NewString())
	require.NoError(t, err)
	repo := repository.NewSessionRepository(db)
	wb := NewWriteBehind(time.Second, logger.NewNop())
	reg := NewRegistry(repo, wb, time.Hour, logger.NewNop())

	_, err = reg.For(context.Background())
	assert.ErrorIs(t, err, auth.ErrNoPrincipal)

	ctx := auth.WithPrincipal(context.Background(), auth.Principal{UserID: "u-1", Token: "t"})
	st, err := reg.For(ctx)
	require.NoError(t, err)
	again, err := reg.For(ctx)
	require.NoError(t, err)
	assert.Same(t, st, again)

	sess := st.CreateSession("Vendas")
	for _, c := range []string{"um", "dois", "três"} {
		_, err := st.AppendMessage(sess.ID, model.Message{Sender: model.SenderUser, Content: c})
		require.NoError(t, err)
	}
	flush(t, wb)

	msgs, err := repo.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "um", msgs[0].Content)
	assert.Equal(t, "três", msgs[2].Content)

	// A fresh registry hydrates from the database.
	reg2 := NewRegistry(repo, wb, time.Hour, logger.NewNop())
	st2, err := reg2.ForUser(context.Background(), "u-1")
	require.NoError(t, err)
	done, err := st2.LoadSession(sess.ID)
	require.NoError(t, err)
	<-done
	loaded, err := st2.Session(sess.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 3)
}

func TestRegistry_KeepsSubscribedStoreAfterTTL(t *testing.T) {
	wb := NewWriteBehind(time.Second, logger.NewNop())
	reg := NewRegistry(newFakeBackend(), wb, 30*time.Millisecond, logger.NewNop())
	ctx := context.Background()

	st, err := reg.ForUser(ctx, "u-1")
	require.NoError(t, err)
	var added int32
	unsubscribe := st.Subscribe(func(ev Event) {
		if ev.Kind == EventMessageAdded {
			atomic.AddInt32(&added, 1)
		}
	})
	defer unsubscribe()

	time.Sleep(150 * time.Millisecond)

	again, err := reg.ForUser(ctx, "u-1")
	require.NoError(t, err)
	require.Same(t, st, again)

	sess := again.CreateSession("")
	_, err = again.AppendMessage(sess.ID, model.Message{Sender: model.SenderUser, Content: "oi"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&added))
	flush(t, wb)
}

func TestRegistry_EvictsIdleStore(t *testing.T) {
	reg := NewRegistry(newFakeBackend(), NewWriteBehind(time.Second, logger.NewNop()), 30*time.Millisecond, logger.NewNop())
	ctx := context.Background()

	st, err := reg.ForUser(ctx, "u-1")
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	fresh, err := reg.ForUser(ctx, "u-1")
	require.NoError(t, err)
	assert.NotSame(t, st, fresh)
}

// gatedBackend blocks ListSessions for one user until released.
type gatedBackend struct {
	*fakeBackend
	user    string
	release chan struct{}
	calls   int32
}

func (g *gatedBackend) ListSessions(ctx context.Context, userID string) ([]model.ChatSession, error) {
	atomic.AddInt32(&g.calls, 1)
	if userID == g.user {
		<-g.release
	}
	return g.fakeBackend.ListSessions(ctx, userID)
}

func TestRegistry_SlowHydrationDoesNotBlockOtherUsers(t *testing.T) {
	b := &gatedBackend{fakeBackend: newFakeBackend(), user: "slow", release: make(chan struct{})}
	reg := NewRegistry(b, NewWriteBehind(time.Second, logger.NewNop()), time.Hour, logger.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	stores := make([]*Store, 2)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := reg.ForUser(ctx, "slow")
			assert.NoError(t, err)
			stores[i] = st
		}(i)
	}

	done := make(chan struct{})
	go func() {
		_, _ = reg.ForUser(ctx, "fast")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("other user waited behind a slow hydration")
	}

	close(b.release)
	wg.Wait()
	assert.Same(t, stores[0], stores[1])
	assert.Equal(t, int32(2), atomic.LoadInt32(&b.calls))
}

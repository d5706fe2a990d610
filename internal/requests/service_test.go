package requests

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusion-data/bridge/internal/auth"
	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/internal/nats"
	"github.com/fusion-data/bridge/internal/repository"
	"github.com/fusion-data/bridge/pkg/logger"
)

type failingBackend struct {
	Backend
}

func (failingBackend) Create(context.Context, string, model.NewRequest) (model.Request, error) {
	return model.Request{}, errors.New("connection refused")
}

func setup(t *testing.T) (*Service, *nats.MemoryBus, *repository.RequestRepository, context.Context) {
	t.Helper()
	db, err := repository.OpenMemory(uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	repo := repository.NewRequestRepository(db)
	bus := nats.NewMemoryBus(time.Hour)
	svc := NewService(repo, NewNotifier(bus, logger.NewNop()), time.Hour, logger.NewNop())
	ctx := auth.WithPrincipal(context.Background(), auth.Principal{UserID: "u-1", Token: "t"})
	return svc, bus, repo, ctx
}

func notifications(t *testing.T, bus *nats.MemoryBus, userID string) []model.Notification {
	t.Helper()
	list, _, _, err := bus.Notifications(context.Background(), userID, 0, 100)
	require.NoError(t, err)
	return list
}

func sampleDraft() model.Draft {
	return model.Draft{
		Objective:    "Campanha de CRM",
		DataType:     "Por região",
		Frequency:    "Mensal",
		Privacy:      "Sim, contém dados pessoais",
		BusinessCase: "Não, é novo",
	}
}

func TestFromDraft(t *testing.T) {
	in := FromDraft(sampleDraft())

	assert.Equal(t, "Campanha de CRM", in.Titulo)
	assert.Equal(t, []string{"Por região", "Mensal"}, in.Categoria)
	assert.Equal(t, model.ClassPII, in.ClassificacaoDado)
	assert.Equal(t, model.PriorityNormal, in.Prioridade)
	assert.Equal(t, ChannelChat, in.OrigemCanal)
	assert.Equal(t, "Não, é novo", in.JustificativaNegocio)
	assert.Contains(t, in.Descricao, "Frequência: Mensal")

	d := sampleDraft()
	d.Privacy = "Não sei"
	d.DataType = ""
	in = FromDraft(d)
	assert.Equal(t, model.ClassNaoSensivel, in.ClassificacaoDado)
	assert.Equal(t, []string{"Mensal"}, in.Categoria)
}

func TestService_CreateFromDraftWithLongObjective(t *testing.T) {
	svc, _, _, ctx := setup(t)
	d := sampleDraft()
	d.Objective = strings.Repeat("análise de churn ", 18)

	r, err := svc.CreateFromDraft(ctx, d)
	require.NoError(t, err)
	assert.LessOrEqual(t, utf8.RuneCountInString(r.Titulo), MaxTitleRunes)
	assert.True(t, strings.HasSuffix(r.Titulo, "…"))
	assert.Contains(t, r.Descricao, strings.TrimSpace(d.Objective))

	short := FromDraft(sampleDraft())
	assert.Equal(t, "Campanha de CRM", short.Titulo)
}

func TestService_CreateFromDraftPrependsAndNotifies(t *testing.T) {
	svc, bus, _, ctx := setup(t)

	_, err := svc.FetchMine(ctx, repository.RequestFilter{})
	require.NoError(t, err)

	first, err := svc.Create(ctx, model.NewRequest{Titulo: "Primeiro", Descricao: "d"})
	require.NoError(t, err)
	second, err := svc.CreateFromDraft(ctx, sampleDraft())
	require.NoError(t, err)

	assert.Equal(t, model.StatusPendente, second.Status)
	assert.Equal(t, model.ImpactMedio, second.ImpactoEstimado)
	assert.Equal(t, model.CurationAguardando, second.StatusCuradoria)
	assert.Equal(t, "chat", second.OrigemCanal)

	cached := svc.Cached(ctx)
	require.Len(t, cached, 2)
	assert.Equal(t, second.ID, cached[0].ID)
	assert.Equal(t, first.ID, cached[1].ID)

	feed := notifications(t, bus, "u-1")
	require.Len(t, feed, 2)
	assert.Equal(t, model.LevelSuccess, feed[1].Level)
	assert.Equal(t, "Solicitação "+second.Codigo+" criada com sucesso!", feed[1].Description)
}

func TestService_CreateRequiresPrincipal(t *testing.T) {
	svc, _, _, _ := setup(t)

	_, err := svc.Create(context.Background(), model.NewRequest{Titulo: "x", Descricao: "y"})
	assert.ErrorIs(t, err, auth.ErrNoPrincipal)
}

func TestService_CreateFailureLeavesCacheAndNotifies(t *testing.T) {
	svc, bus, repo, ctx := setup(t)
	_, err := svc.Create(ctx, model.NewRequest{Titulo: "ok", Descricao: "d"})
	require.NoError(t, err)

	svc.backend = failingBackend{Backend: repo}
	_, err = svc.Create(ctx, model.NewRequest{Titulo: "falha", Descricao: "d"})
	require.Error(t, err)

	assert.Len(t, svc.Cached(ctx), 1)
	feed := notifications(t, bus, "u-1")
	last := feed[len(feed)-1]
	assert.Equal(t, model.LevelError, last.Level)
	assert.Equal(t, "Não foi possível criar a solicitação", last.Description)
}

func TestService_CreateValidates(t *testing.T) {
	svc, _, _, ctx := setup(t)

	_, err := svc.Create(ctx, model.NewRequest{Descricao: "sem título"})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, svc.Cached(ctx))
}

func TestService_CancelOnlyFromEarlyStatuses(t *testing.T) {
	svc, _, repo, ctx := setup(t)

	r, err := svc.Create(ctx, model.NewRequest{Titulo: "a", Descricao: "d"})
	require.NoError(t, err)
	cancelled, err := svc.Cancel(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelada, cancelled.Status)
	assert.NotNil(t, cancelled.CanceladoEm)
	assert.Equal(t, model.StatusCancelada, svc.Cached(ctx)[0].Status)

	done, err := svc.Create(ctx, model.NewRequest{Titulo: "b", Descricao: "d"})
	require.NoError(t, err)
	concluida := model.StatusConcluida
	_, err = repo.Update(ctx, "u-1", done.ID, model.RequestPatch{Status: &concluida})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, done.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, model.StatusPendente, svc.Cached(ctx)[0].Status)

	_, err = svc.Cancel(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_UpdateEnforcesLifecycle(t *testing.T) {
	svc, bus, _, ctx := setup(t)
	r, err := svc.Create(ctx, model.NewRequest{Titulo: "a", Descricao: "d"})
	require.NoError(t, err)

	next := model.StatusEmDesenvolvimento
	updated, err := svc.Update(ctx, r.ID, model.RequestPatch{Status: &next})
	require.NoError(t, err)
	assert.Equal(t, next, updated.Status)

	back := model.StatusPendente
	_, err = svc.Update(ctx, r.ID, model.RequestPatch{Status: &back})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, next, svc.Cached(ctx)[0].Status)

	cancelada := model.StatusCancelada
	renamed := "Renomeado"
	_, err = svc.Update(ctx, r.ID, model.RequestPatch{Status: &cancelada, Titulo: &renamed})
	assert.ErrorIs(t, err, ErrValidation)
	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, next, got.Status)
	assert.Equal(t, "a", got.Titulo)

	title := "Novo título"
	updated, err = svc.Update(ctx, r.ID, model.RequestPatch{Titulo: &title})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Titulo)

	feed := notifications(t, bus, "u-1")
	assert.Equal(t, "Solicitação atualizada com sucesso!", feed[len(feed)-1].Description)
}

func TestService_CommentsAreScopedToOwner(t *testing.T) {
	svc, _, _, ctx := setup(t)
	r, err := svc.Create(ctx, model.NewRequest{Titulo: "a", Descricao: "d"})
	require.NoError(t, err)

	_, err = svc.AddComment(ctx, r.ID, "primeiro")
	require.NoError(t, err)
	_, err = svc.AddComment(ctx, r.ID, "segundo")
	require.NoError(t, err)
	_, err = svc.AddComment(ctx, r.ID, "   ")
	assert.ErrorIs(t, err, ErrValidation)

	list, err := svc.ListComments(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "primeiro", list[0].Comentario)

	other := auth.WithPrincipal(context.Background(), auth.Principal{UserID: "u-2"})
	_, err = svc.ListComments(other, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_FilteredFetchKeepsCache(t *testing.T) {
	svc, _, _, ctx := setup(t)
	_, err := svc.Create(ctx, model.NewRequest{Titulo: "Vendas", Descricao: "d"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, model.NewRequest{Titulo: "Churn", Descricao: "d"})
	require.NoError(t, err)

	all, err := svc.FetchMine(ctx, repository.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	filtered, err := svc.FetchMine(ctx, repository.RequestFilter{Query: "churn"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Len(t, svc.Cached(ctx), 2)
}

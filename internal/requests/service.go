// Package requests manages the signed-in user's data requests: listing,
// creation from the wizard draft, updates, cancellation and comments.
package requests

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/fusion-data/bridge/internal/auth"
	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/internal/repository"
	"github.com/fusion-data/bridge/pkg/logger"
	"github.com/fusion-data/bridge/pkg/metrics"
)

var (
	ErrNotFound          = errors.New("request not found")
	ErrValidation        = errors.New("invalid request")
	ErrInvalidTransition = errors.New("invalid request status transition")
)

// ChannelChat is the origin channel of requests created by the assistant.
const ChannelChat = "chat"

// MaxTitleRunes is the longest title a request may carry.
const MaxTitleRunes = 256

// Backend is the persistent request table.
type Backend interface {
	List(ctx context.Context, userID string, f repository.RequestFilter) ([]model.Request, error)
	Get(ctx context.Context, userID, id string) (model.Request, error)
	Create(ctx context.Context, userID string, in model.NewRequest) (model.Request, error)
	Update(ctx context.Context, userID, id string, patch model.RequestPatch) (model.Request, error)
	Cancel(ctx context.Context, userID, id string, from []model.RequestStatus) (model.Request, error)
	AddComment(ctx context.Context, c model.Comment) (model.Comment, error)
	ListComments(ctx context.Context, requestID string) ([]model.Comment, error)
}

// Service is the per-user view over the request table. The local cache of
// each user's list changes only after the backend accepted a write.
type Service struct {
	backend  Backend
	notifier *Notifier
	validate *validator.Validate
	log      *logger.Logger

	mu    sync.Mutex
	cache *cache.Cache
}

// NewService creates a request service.
func NewService(backend Backend, notifier *Notifier, ttl time.Duration, log *logger.Logger) *Service {
	return &Service{
		backend:  backend,
		notifier: notifier,
		validate: validator.New(),
		log:      log,
		cache:    cache.New(ttl, 10*time.Minute),
	}
}

// FetchMine reloads the caller's requests, newest first, and replaces the
// cache with them. Filtered listings do not touch the cache.
func (s *Service) FetchMine(ctx context.Context, f repository.RequestFilter) ([]model.Request, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}

	list, err := s.backend.List(ctx, p.UserID, f)
	if err != nil {
		s.log.Error("failed to list requests", zap.String("user_id", p.UserID), zap.Error(err))
		s.notifier.Failure(ctx, p.UserID, msgLoadFailed)
		return nil, err
	}

	if f.Status == "" && strings.TrimSpace(f.Query) == "" {
		s.mu.Lock()
		s.cache.Set(p.UserID, append([]model.Request(nil), list...), cache.DefaultExpiration)
		s.mu.Unlock()
	}
	return list, nil
}

// Cached returns the caller's last known list without a backend round trip.
func (s *Service) Cached(ctx context.Context) []model.Request {
	p, err := auth.Require(ctx)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if x, ok := s.cache.Get(p.UserID); ok {
		return append([]model.Request(nil), x.([]model.Request)...)
	}
	return nil
}

// Get returns one of the caller's requests.
func (s *Service) Get(ctx context.Context, id string) (model.Request, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return model.Request{}, err
	}
	r, err := s.backend.Get(ctx, p.UserID, id)
	if err != nil {
		return model.Request{}, mapErr(err)
	}
	return r, nil
}

// Create validates in, fills the defaults and persists it for the caller.
func (s *Service) Create(ctx context.Context, in model.NewRequest) (model.Request, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return model.Request{}, fmt.Errorf("%s: %w", msgLoginRequired, err)
	}

	if in.OrigemCanal == "" {
		in.OrigemCanal = ChannelChat
	}
	if err := s.validate.Struct(in); err != nil {
		s.notifier.Failure(ctx, p.UserID, msgCreateFailed)
		return model.Request{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	r, err := s.backend.Create(ctx, p.UserID, in)
	if err != nil {
		s.log.Error("failed to create request", zap.String("user_id", p.UserID), zap.Error(err))
		s.notifier.Failure(ctx, p.UserID, msgCreateFailed)
		return model.Request{}, err
	}

	s.mutate(p.UserID, func(list []model.Request) []model.Request {
		return append([]model.Request{r}, list...)
	})
	metrics.RequestsCreated.WithLabelValues(r.OrigemCanal).Inc()

	s.notifier.Success(ctx, p.UserID, fmt.Sprintf("Solicitação %s criada com sucesso!", r.Codigo))
	s.notifier.Emit(ctx, RequestEvent(model.EventRequestCreated, r))
	return r, nil
}

// CreateFromDraft persists the request collected by the wizard.
func (s *Service) CreateFromDraft(ctx context.Context, d model.Draft) (model.Request, error) {
	return s.Create(ctx, FromDraft(d))
}

// Update applies patch. A status change must follow the request lifecycle.
func (s *Service) Update(ctx context.Context, id string, patch model.RequestPatch) (model.Request, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return model.Request{}, err
	}
	if err := s.validate.Struct(patch); err != nil {
		s.notifier.Failure(ctx, p.UserID, msgUpdateFailed)
		return model.Request{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if patch.Status != nil && *patch.Status == model.StatusCancelada {
		rest := patch
		rest.Status = nil
		if !rest.Empty() {
			s.notifier.Failure(ctx, p.UserID, msgUpdateFailed)
			return model.Request{}, fmt.Errorf("%w: cancellation cannot be combined with other changes", ErrValidation)
		}
		return s.Cancel(ctx, id)
	}

	if patch.Status != nil {
		cur, err := s.backend.Get(ctx, p.UserID, id)
		if err != nil {
			s.notifier.Failure(ctx, p.UserID, msgUpdateFailed)
			return model.Request{}, mapErr(err)
		}
		if !cur.Status.CanTransition(*patch.Status) {
			s.notifier.Failure(ctx, p.UserID, msgUpdateFailed)
			return model.Request{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, *patch.Status)
		}
	}

	r, err := s.backend.Update(ctx, p.UserID, id, patch)
	if err != nil {
		s.log.Error("failed to update request", zap.String("request_id", id), zap.Error(err))
		s.notifier.Failure(ctx, p.UserID, msgUpdateFailed)
		return model.Request{}, mapErr(err)
	}

	s.replace(p.UserID, r)
	s.notifier.Success(ctx, p.UserID, msgUpdated)
	s.notifier.Emit(ctx, RequestEvent(model.EventRequestUpdated, r))
	return r, nil
}

// Cancel moves a pendente or em_curadoria request to cancelada.
func (s *Service) Cancel(ctx context.Context, id string) (model.Request, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return model.Request{}, err
	}

	r, err := s.backend.Cancel(ctx, p.UserID, id, []model.RequestStatus{model.StatusPendente, model.StatusEmCuradoria})
	if err != nil {
		s.log.Warn("failed to cancel request", zap.String("request_id", id), zap.Error(err))
		s.notifier.Failure(ctx, p.UserID, msgCancelFailed)
		return model.Request{}, mapErr(err)
	}

	s.replace(p.UserID, r)
	s.notifier.Success(ctx, p.UserID, msgCancelled)
	s.notifier.Emit(ctx, RequestEvent(model.EventRequestCancelled, r))
	return r, nil
}

// AddComment attaches a comment from the caller to one of their requests.
func (s *Service) AddComment(ctx context.Context, requestID, text string) (model.Comment, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return model.Comment{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		s.notifier.Failure(ctx, p.UserID, msgCommentFailed)
		return model.Comment{}, fmt.Errorf("%w: empty comment", ErrValidation)
	}
	if _, err := s.backend.Get(ctx, p.UserID, requestID); err != nil {
		s.notifier.Failure(ctx, p.UserID, msgCommentFailed)
		return model.Comment{}, mapErr(err)
	}

	c, err := s.backend.AddComment(ctx, model.Comment{RequestID: requestID, UserID: p.UserID, Comentario: text})
	if err != nil {
		s.log.Error("failed to add comment", zap.String("request_id", requestID), zap.Error(err))
		s.notifier.Failure(ctx, p.UserID, msgCommentFailed)
		return model.Comment{}, err
	}

	s.notifier.Emit(ctx, model.Event{
		UserID: p.UserID,
		Kind:   model.EventCommentAdded,
		Data:   map[string]any{"request_id": requestID, "comment_id": c.ID},
	})
	return c, nil
}

// ListComments returns the comments on one of the caller's requests, oldest first.
func (s *Service) ListComments(ctx context.Context, requestID string) ([]model.Comment, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.backend.Get(ctx, p.UserID, requestID); err != nil {
		return nil, mapErr(err)
	}
	list, err := s.backend.ListComments(ctx, requestID)
	if err != nil {
		s.notifier.Failure(ctx, p.UserID, msgCommentsFailed)
		return nil, err
	}
	return list, nil
}

func (s *Service) mutate(userID string, fn func([]model.Request) []model.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []model.Request
	if x, ok := s.cache.Get(userID); ok {
		list = x.([]model.Request)
	}
	s.cache.Set(userID, fn(append([]model.Request(nil), list...)), cache.DefaultExpiration)
}

func (s *Service) replace(userID string, r model.Request) {
	s.mutate(userID, func(list []model.Request) []model.Request {
		for i := range list {
			if list[i].ID == r.ID {
				list[i] = r
			}
		}
		return list
	})
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return err
}

// FromDraft maps the wizard answers onto a new request.
func FromDraft(d model.Draft) model.NewRequest {
	var categoria []string
	for _, v := range []string{d.DataType, d.Frequency} {
		if v = strings.TrimSpace(v); v != "" {
			categoria = append(categoria, v)
		}
	}

	class := model.ClassNaoSensivel
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(d.Privacy)), "sim") {
		class = model.ClassPII
	}

	return model.NewRequest{
		Titulo:               truncate(strings.TrimSpace(d.Objective), MaxTitleRunes),
		Descricao:            describe(d),
		Prioridade:           model.PriorityNormal,
		Categoria:            categoria,
		OrigemCanal:          ChannelChat,
		JustificativaNegocio: d.BusinessCase,
		ClassificacaoDado:    class,
	}
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
// The full objective stays in the description.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

func describe(d model.Draft) string {
	var b strings.Builder
	line := func(label, v string) {
		if v = strings.TrimSpace(v); v != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, v)
		}
	}
	line("Objetivo", d.Objective)
	line("Nível de detalhe", d.DataType)
	line("Período", d.TimePeriod)
	line("Frequência", d.Frequency)
	line("Dados pessoais", d.Privacy)
	line("Caso de negócio", d.BusinessCase)
	return strings.TrimSpace(b.String())
}

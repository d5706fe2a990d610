package requests

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/internal/nats"
	"github.com/fusion-data/bridge/pkg/logger"
)

// Toast texts shown to the requester.
const (
	titleSuccess = "Sucesso"
	titleError   = "Erro"

	msgLoadFailed     = "Não foi possível carregar suas solicitações"
	msgLoginRequired  = "Você precisa estar logado para criar uma solicitação"
	msgCreateFailed   = "Não foi possível criar a solicitação"
	msgUpdated        = "Solicitação atualizada com sucesso!"
	msgUpdateFailed   = "Não foi possível atualizar a solicitação"
	msgCancelled      = "Solicitação cancelada com sucesso!"
	msgCancelFailed   = "Não foi possível cancelar a solicitação"
	msgCommentFailed  = "Não foi possível adicionar o comentário"
	msgCommentsFailed = "Não foi possível carregar os comentários"
)

// Notifier publishes toasts and domain events for a user. A nil bus turns
// it into a no-op.
type Notifier struct {
	bus nats.Bus
	log *logger.Logger
	now func() time.Time
}

// NewNotifier creates a notifier over bus.
func NewNotifier(bus nats.Bus, log *logger.Logger) *Notifier {
	return &Notifier{bus: bus, log: log, now: time.Now}
}

// Notify publishes a toast.
func (n *Notifier) Notify(ctx context.Context, userID string, level model.NotificationLevel, title, description string) {
	n.Emit(ctx, nats.NotificationEvent(model.Notification{
		ID:          uuid.NewString(),
		UserID:      userID,
		Level:       level,
		Title:       title,
		Description: description,
		CreatedAt:   n.now().UTC(),
	}))
}

// Success publishes a success toast.
func (n *Notifier) Success(ctx context.Context, userID, description string) {
	n.Notify(ctx, userID, model.LevelSuccess, titleSuccess, description)
}

// Failure publishes an error toast.
func (n *Notifier) Failure(ctx context.Context, userID, description string) {
	n.Notify(ctx, userID, model.LevelError, titleError, description)
}

// Emit publishes ev. Publishing failures are logged and swallowed.
func (n *Notifier) Emit(ctx context.Context, ev model.Event) {
	if n == nil || n.bus == nil || ev.UserID == "" {
		return
	}
	if _, err := n.bus.Publish(ctx, ev); err != nil {
		n.log.Warn("failed to publish event",
			zap.String("kind", string(ev.Kind)),
			zap.String("user_id", ev.UserID),
			zap.Error(err),
		)
	}
}

// RequestEvent builds a domain event about r.
func RequestEvent(kind model.EventKind, r model.Request) model.Event {
	return model.Event{
		UserID: r.SolicitanteID,
		Kind:   kind,
		Data: map[string]any{
			"request_id": r.ID,
			"codigo":     r.Codigo,
			"status":     string(r.Status),
		},
	}
}

package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fusion-data/bridge/internal/model"
)

// RequestFilter narrows a request listing.
type RequestFilter struct {
	Status model.RequestStatus
	Query  string
}

// RequestRepository stores data requests and their comments.
type RequestRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRequestRepository creates a new request repository.
func NewRequestRepository(db *gorm.DB) *RequestRepository {
	return &RequestRepository{db: db, now: time.Now}
}

// newCode returns a human-readable request code like SOL-20250101-3F9A1C.
func newCode(at time.Time, id string) string {
	short := strings.ToUpper(strings.ReplaceAll(id, "-", ""))[:6]
	return "SOL-" + at.Format("20060102") + "-" + short
}

// List returns the requester's rows, newest first.
func (r *RequestRepository) List(ctx context.Context, userID string, f RequestFilter) ([]model.Request, error) {
	q := r.db.WithContext(ctx).Where("solicitante_id = ?", userID)
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if term := strings.TrimSpace(f.Query); term != "" {
		like := "%" + strings.ToLower(term) + "%"
		q = q.Where("LOWER(titulo) LIKE ? OR LOWER(descricao) LIKE ? OR LOWER(codigo_solicitacao) LIKE ?", like, like, like)
	}

	var recs []requestRecord
	if err := q.Order("criado_em DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}

	out := make([]model.Request, len(recs))
	for i, rec := range recs {
		out[i] = rec.toModel()
	}
	return out, nil
}

// Get returns one request owned by userID.
func (r *RequestRepository) Get(ctx context.Context, userID, id string) (model.Request, error) {
	var rec requestRecord
	err := r.db.WithContext(ctx).
		Where("id = ? AND solicitante_id = ?", id, userID).
		First(&rec).Error
	if err != nil {
		return model.Request{}, notFound(err)
	}
	return rec.toModel(), nil
}

// Create inserts a request, assigning its id, code and defaults.
func (r *RequestRepository) Create(ctx context.Context, userID string, in model.NewRequest) (model.Request, error) {
	now := r.now().UTC()
	id := uuid.NewString()

	categoria := in.Categoria
	if categoria == nil {
		categoria = []string{}
	}

	rec := requestRecord{
		ID:                   id,
		Codigo:               newCode(now, id),
		Titulo:               in.Titulo,
		Descricao:            in.Descricao,
		Status:               string(orDefault(in.Status, model.StatusPendente)),
		Prioridade:           string(orDefault(in.Prioridade, model.PriorityNormal)),
		Categoria:            datatypes.JSONSlice[string](categoria),
		OrigemCanal:          in.OrigemCanal,
		CriadoEm:             now,
		EstimativaEntrega:    in.EstimativaEntrega,
		SolicitanteID:        userID,
		EquipeSolicitante:    in.EquipeSolicitante,
		JustificativaNegocio: in.JustificativaNegocio,
		ObjetivoEstrategico:  string(in.ObjetivoEstrategico),
		RelevanciaFinanceira: in.RelevanciaFinanceira,
		ImpactoEstimado:      string(orDefault(in.ImpactoEstimado, model.ImpactMedio)),
		StatusCuradoria:      string(orDefault(in.StatusCuradoria, model.CurationAguardando)),
		ClassificacaoDado:    string(orDefault(in.ClassificacaoDado, model.ClassNaoSensivel)),
		PropositoDeUso:       in.PropositoDeUso,
		UpdatedAt:            now,
	}

	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return model.Request{}, fmt.Errorf("failed to create request: %w", err)
	}
	return rec.toModel(), nil
}

// Update applies patch to a request owned by userID.
func (r *RequestRepository) Update(ctx context.Context, userID, id string, patch model.RequestPatch) (model.Request, error) {
	updates := map[string]any{"updated_at": r.now().UTC()}
	if patch.Titulo != nil {
		updates["titulo"] = *patch.Titulo
	}
	if patch.Descricao != nil {
		updates["descricao"] = *patch.Descricao
	}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}
	if patch.Prioridade != nil {
		updates["prioridade"] = string(*patch.Prioridade)
	}
	if patch.Categoria != nil {
		updates["categoria"] = datatypes.JSONSlice[string](*patch.Categoria)
	}
	if patch.JustificativaNegocio != nil {
		updates["justificativa_negocio"] = *patch.JustificativaNegocio
	}
	if patch.ImpactoEstimado != nil {
		updates["impacto_estimado"] = string(*patch.ImpactoEstimado)
	}
	if patch.ClassificacaoDado != nil {
		updates["classificacao_dado"] = string(*patch.ClassificacaoDado)
	}
	if patch.EstimativaEntrega != nil {
		updates["estimativa_entrega"] = *patch.EstimativaEntrega
	}
	if patch.PropositoDeUso != nil {
		updates["proposito_de_uso"] = *patch.PropositoDeUso
	}

	res := r.db.WithContext(ctx).
		Model(&requestRecord{}).
		Where("id = ? AND solicitante_id = ?", id, userID).
		Updates(updates)
	if res.Error != nil {
		return model.Request{}, fmt.Errorf("failed to update request: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.Request{}, ErrNotFound
	}
	return r.Get(ctx, userID, id)
}

// Cancel moves a request to cancelada and stamps cancelado_em, provided it
// is still in one of the from statuses.
func (r *RequestRepository) Cancel(ctx context.Context, userID, id string, from []model.RequestStatus) (model.Request, error) {
	now := r.now().UTC()
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	res := r.db.WithContext(ctx).
		Model(&requestRecord{}).
		Where("id = ? AND solicitante_id = ? AND status IN ?", id, userID, allowed).
		Updates(map[string]any{
			"status":       string(model.StatusCancelada),
			"cancelado_em": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return model.Request{}, fmt.Errorf("failed to cancel request: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, userID, id); err != nil {
			return model.Request{}, err
		}
		return model.Request{}, ErrConflict
	}
	return r.Get(ctx, userID, id)
}

// AddComment inserts a comment.
func (r *RequestRepository) AddComment(ctx context.Context, c model.Comment) (model.Comment, error) {
	rec := commentRecord{
		ID:         c.ID,
		RequestID:  c.RequestID,
		UserID:     c.UserID,
		Comentario: c.Comentario,
		CriadoEm:   c.CriadoEm,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CriadoEm.IsZero() {
		rec.CriadoEm = r.now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return model.Comment{}, fmt.Errorf("failed to add comment: %w", err)
	}
	return rec.toModel(), nil
}

// ListComments returns a request's comments, oldest first.
func (r *RequestRepository) ListComments(ctx context.Context, requestID string) ([]model.Comment, error) {
	var recs []commentRecord
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("criado_em ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}

	out := make([]model.Comment, len(recs))
	for i, rec := range recs {
		out[i] = rec.toModel()
	}
	return out, nil
}

func orDefault[T ~string](v, def T) T {
	if v == "" {
		return def
	}
	return v
}

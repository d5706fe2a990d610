package repository

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fusion-data/bridge/internal/model"
)

type sessionRecord struct {
	ID            string  `gorm:"primaryKey;size:64"`
	UserID        string  `gorm:"size:64;index;not null"`
	Title         string  `gorm:"size:256;not null"`
	Status        string  `gorm:"size:16;not null;default:active"`
	RequestID     *string `gorm:"size:64;index"`
	CreatedAt     time.Time
	LastMessageAt time.Time
}

func (sessionRecord) TableName() string { return "chat_sessions" }

func newSessionRecord(s model.ChatSession) sessionRecord {
	return sessionRecord{
		ID:            s.ID,
		UserID:        s.UserID,
		Title:         s.Title,
		Status:        string(s.Status),
		RequestID:     s.RequestID,
		CreatedAt:     s.CreatedAt,
		LastMessageAt: s.LastMessageAt,
	}
}

func (r sessionRecord) toModel() model.ChatSession {
	return model.ChatSession{
		ID:            r.ID,
		UserID:        r.UserID,
		Title:         r.Title,
		Status:        model.SessionStatus(r.Status),
		RequestID:     r.RequestID,
		CreatedAt:     r.CreatedAt,
		LastMessageAt: r.LastMessageAt,
	}
}

type messageRecord struct {
	ID        string         `gorm:"primaryKey;size:64"`
	SessionID string         `gorm:"size:64;index:idx_messages_session_time,priority:1;not null"`
	Sender    string         `gorm:"size:16;not null"`
	Content   string         `gorm:"type:text"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	CreatedAt time.Time      `gorm:"index:idx_messages_session_time,priority:2"`
}

func (messageRecord) TableName() string { return "chat_messages" }

func newMessageRecord(m model.Message) (messageRecord, error) {
	payload, err := model.EncodePayload(m.Payload)
	if err != nil {
		return messageRecord{}, err
	}
	return messageRecord{
		ID:        m.ID,
		SessionID: m.SessionID,
		Sender:    string(m.Sender),
		Content:   m.Content,
		Payload:   datatypes.JSON(payload),
		CreatedAt: m.Timestamp,
	}, nil
}

func (r messageRecord) toModel() (model.Message, error) {
	payload, err := model.DecodePayload(r.Payload)
	if err != nil {
		return model.Message{}, err
	}
	return model.Message{
		ID:        r.ID,
		SessionID: r.SessionID,
		Sender:    model.Sender(r.Sender),
		Content:   r.Content,
		Payload:   payload,
		Timestamp: r.CreatedAt,
	}, nil
}

type requestRecord struct {
	ID                   string                      `gorm:"primaryKey;size:64"`
	Codigo               string                      `gorm:"column:codigo_solicitacao;size:32;uniqueIndex;not null"`
	Titulo               string                      `gorm:"size:256;not null"`
	Descricao            string                      `gorm:"type:text;not null"`
	Status               string                      `gorm:"size:32;not null;default:pendente;index"`
	Prioridade           string                      `gorm:"size:16;not null;default:normal"`
	Categoria            datatypes.JSONSlice[string] `gorm:"column:categoria"`
	OrigemCanal          string                      `gorm:"size:32"`
	CriadoEm             time.Time                   `gorm:"autoCreateTime;index"`
	EstimativaEntrega    *time.Time
	EntregueEm           *time.Time
	CanceladoEm          *time.Time
	SolicitanteID        string `gorm:"size:64;index;not null"`
	EquipeSolicitante    string `gorm:"size:128"`
	JustificativaNegocio string `gorm:"type:text"`
	ObjetivoEstrategico  string `gorm:"size:64"`
	RelevanciaFinanceira string `gorm:"size:128"`
	ImpactoEstimado      string `gorm:"size:16;not null;default:medio"`
	ResponsavelTecnicoID *string `gorm:"size:64"`
	CuradorID            *string `gorm:"size:64"`
	StatusCuradoria      string  `gorm:"size:32;not null;default:aguardando"`
	ClassificacaoDado    string  `gorm:"size:32;not null;default:nao_sensivel"`
	PropositoDeUso       string  `gorm:"type:text"`
	UpdatedAt            time.Time
}

func (requestRecord) TableName() string { return "requests" }

func (r requestRecord) toModel() model.Request {
	categoria := []string(r.Categoria)
	if categoria == nil {
		categoria = []string{}
	}
	return model.Request{
		ID:                   r.ID,
		Codigo:               r.Codigo,
		Titulo:               r.Titulo,
		Descricao:            r.Descricao,
		Status:               model.RequestStatus(r.Status),
		Prioridade:           model.Priority(r.Prioridade),
		Categoria:            categoria,
		OrigemCanal:          r.OrigemCanal,
		CriadoEm:             r.CriadoEm,
		EstimativaEntrega:    r.EstimativaEntrega,
		EntregueEm:           r.EntregueEm,
		CanceladoEm:          r.CanceladoEm,
		SolicitanteID:        r.SolicitanteID,
		EquipeSolicitante:    r.EquipeSolicitante,
		JustificativaNegocio: r.JustificativaNegocio,
		ObjetivoEstrategico:  model.StrategicObjective(r.ObjetivoEstrategico),
		RelevanciaFinanceira: r.RelevanciaFinanceira,
		ImpactoEstimado:      model.Impact(r.ImpactoEstimado),
		ResponsavelTecnicoID: r.ResponsavelTecnicoID,
		CuradorID:            r.CuradorID,
		StatusCuradoria:      model.CurationStatus(r.StatusCuradoria),
		ClassificacaoDado:    model.DataClassification(r.ClassificacaoDado),
		PropositoDeUso:       r.PropositoDeUso,
		UpdatedAt:            r.UpdatedAt,
	}
}

type commentRecord struct {
	ID         string    `gorm:"primaryKey;size:64"`
	RequestID  string    `gorm:"size:64;index;not null"`
	UserID     string    `gorm:"size:64;not null"`
	Comentario string    `gorm:"type:text;not null"`
	CriadoEm   time.Time `gorm:"index"`
}

func (commentRecord) TableName() string { return "request_comments" }

func (r commentRecord) toModel() model.Comment {
	return model.Comment{
		ID:         r.ID,
		RequestID:  r.RequestID,
		UserID:     r.UserID,
		Comentario: r.Comentario,
		CriadoEm:   r.CriadoEm,
	}
}

type apiKeyRecord struct {
	ID           string `gorm:"primaryKey;size:64"`
	UserID       string `gorm:"size:64;not null;uniqueIndex:idx_api_keys_user_provider,priority:1"`
	Provider     string `gorm:"size:32;not null;uniqueIndex:idx_api_keys_user_provider,priority:2"`
	EncryptedKey string `gorm:"type:text;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (apiKeyRecord) TableName() string { return "user_api_keys" }

func (r apiKeyRecord) toModel() model.APIKey {
	return model.APIKey{
		ID:           r.ID,
		UserID:       r.UserID,
		Provider:     r.Provider,
		EncryptedKey: r.EncryptedKey,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

package model

import (
	"time"
)

// RequestStatus is the delivery lifecycle of a data request.
type RequestStatus string

const (
	StatusPendente          RequestStatus = "pendente"
	StatusEmCuradoria       RequestStatus = "em_curadoria"
	StatusEmDesenvolvimento RequestStatus = "em_desenvolvimento"
	StatusConcluida         RequestStatus = "concluida"
	StatusCancelada         RequestStatus = "cancelada"
	StatusDuplicada         RequestStatus = "duplicada"
)

var statusRank = map[RequestStatus]int{
	StatusPendente:          0,
	StatusEmCuradoria:       1,
	StatusEmDesenvolvimento: 2,
	StatusConcluida:         3,
}

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPendente, StatusEmCuradoria, StatusEmDesenvolvimento,
		StatusConcluida, StatusCancelada, StatusDuplicada:
		return true
	}
	return false
}

// Absorbing reports whether no transition leaves s.
func (s RequestStatus) Absorbing() bool {
	return s == StatusCancelada || s == StatusDuplicada
}

// Cancellable reports whether a request in s can still be cancelled or marked duplicate.
func (s RequestStatus) Cancellable() bool {
	return s == StatusPendente || s == StatusEmCuradoria
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// Delivery moves forward only; cancelada and duplicada are reachable from
// pendente and em_curadoria and are never left.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	if !next.Valid() || s.Absorbing() {
		return false
	}
	if s == next {
		return true
	}
	if next.Absorbing() {
		return s.Cancellable()
	}
	return statusRank[next] > statusRank[s]
}

// Priority of a request.
type Priority string

const (
	PriorityBaixa   Priority = "baixa"
	PriorityNormal  Priority = "normal"
	PriorityAlta    Priority = "alta"
	PriorityUrgente Priority = "urgente"
)

// Impact is the estimated impact of a request.
type Impact string

const (
	ImpactBaixo       Impact = "baixo"
	ImpactMedio       Impact = "medio"
	ImpactAlto        Impact = "alto"
	ImpactEstrategico Impact = "estrategico"
)

// DataClassification is the sensitivity of the requested data.
type DataClassification string

const (
	ClassNaoSensivel  DataClassification = "nao_sensivel"
	ClassPII          DataClassification = "PII"
	ClassFinanceiro   DataClassification = "financeiro"
	ClassConfidencial DataClassification = "confidencial"
)

// CurationStatus is the curation track of a request.
type CurationStatus string

const (
	CurationAguardando    CurationStatus = "aguardando"
	CurationEmCuradoria   CurationStatus = "em_curadoria"
	CurationValidado      CurationStatus = "validado"
	CurationReprovado     CurationStatus = "reprovado"
	CurationReencaminhado CurationStatus = "reencaminhado"
)

// StrategicObjective ties a request to a company goal.
type StrategicObjective string

const (
	ObjetivoAumentoConversao      StrategicObjective = "aumento_de_conversao"
	ObjetivoReduzirChurn          StrategicObjective = "reduzir_churn"
	ObjetivoAutomatizacao         StrategicObjective = "automatizacao"
	ObjetivoEficienciaOperacional StrategicObjective = "eficiencia_operacional"
	ObjetivoNovoProduto           StrategicObjective = "novo_produto"
)

// Request is a persisted data-access or work request.
type Request struct {
	ID                   string             `json:"id"`
	Codigo               string             `json:"codigo_solicitacao"`
	Titulo               string             `json:"titulo"`
	Descricao            string             `json:"descricao"`
	Status               RequestStatus      `json:"status"`
	Prioridade           Priority           `json:"prioridade"`
	Categoria            []string           `json:"categoria"`
	OrigemCanal          string             `json:"origem_canal"`
	CriadoEm             time.Time          `json:"criado_em"`
	EstimativaEntrega    *time.Time         `json:"estimativa_entrega,omitempty"`
	EntregueEm           *time.Time         `json:"entregue_em,omitempty"`
	CanceladoEm          *time.Time         `json:"cancelado_em,omitempty"`
	SolicitanteID        string             `json:"solicitante_id"`
	EquipeSolicitante    string             `json:"equipe_solicitante,omitempty"`
	JustificativaNegocio string             `json:"justificativa_negocio,omitempty"`
	ObjetivoEstrategico  StrategicObjective `json:"objetivo_estrategico,omitempty"`
	RelevanciaFinanceira string             `json:"relevancia_financeira,omitempty"`
	ImpactoEstimado      Impact             `json:"impacto_estimado"`
	ResponsavelTecnicoID *string            `json:"responsavel_tecnico_id,omitempty"`
	CuradorID            *string            `json:"curador_id,omitempty"`
	StatusCuradoria      CurationStatus     `json:"status_curadoria"`
	ClassificacaoDado    DataClassification `json:"classificacao_dado"`
	PropositoDeUso       string             `json:"proposito_de_uso,omitempty"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// NewRequest holds the fields a requester supplies. Empty enum fields take
// the repository defaults.
type NewRequest struct {
	Titulo               string             `json:"titulo" validate:"required,max=256"`
	Descricao            string             `json:"descricao" validate:"required"`
	Status               RequestStatus      `json:"status,omitempty" validate:"omitempty,oneof=pendente em_curadoria em_desenvolvimento concluida cancelada duplicada"`
	Prioridade           Priority           `json:"prioridade,omitempty" validate:"omitempty,oneof=baixa normal alta urgente"`
	Categoria            []string           `json:"categoria,omitempty"`
	OrigemCanal          string             `json:"origem_canal,omitempty"`
	EquipeSolicitante    string             `json:"equipe_solicitante,omitempty"`
	JustificativaNegocio string             `json:"justificativa_negocio,omitempty"`
	ObjetivoEstrategico  StrategicObjective `json:"objetivo_estrategico,omitempty" validate:"omitempty,oneof=aumento_de_conversao reduzir_churn automatizacao eficiencia_operacional novo_produto"`
	RelevanciaFinanceira string             `json:"relevancia_financeira,omitempty"`
	ImpactoEstimado      Impact             `json:"impacto_estimado,omitempty" validate:"omitempty,oneof=baixo medio alto estrategico"`
	StatusCuradoria      CurationStatus     `json:"status_curadoria,omitempty" validate:"omitempty,oneof=aguardando em_curadoria validado reprovado reencaminhado"`
	ClassificacaoDado    DataClassification `json:"classificacao_dado,omitempty" validate:"omitempty,oneof=nao_sensivel PII financeiro confidencial"`
	EstimativaEntrega    *time.Time         `json:"estimativa_entrega,omitempty"`
	PropositoDeUso       string             `json:"proposito_de_uso,omitempty"`
}

// RequestPatch is a partial update; nil fields are left untouched.
type RequestPatch struct {
	Titulo               *string             `json:"titulo,omitempty" validate:"omitempty,min=1,max=256"`
	Descricao            *string             `json:"descricao,omitempty" validate:"omitempty,min=1"`
	Status               *RequestStatus      `json:"status,omitempty" validate:"omitempty,oneof=pendente em_curadoria em_desenvolvimento concluida cancelada duplicada"`
	Prioridade           *Priority           `json:"prioridade,omitempty" validate:"omitempty,oneof=baixa normal alta urgente"`
	Categoria            *[]string           `json:"categoria,omitempty"`
	JustificativaNegocio *string             `json:"justificativa_negocio,omitempty"`
	ImpactoEstimado      *Impact             `json:"impacto_estimado,omitempty" validate:"omitempty,oneof=baixo medio alto estrategico"`
	ClassificacaoDado    *DataClassification `json:"classificacao_dado,omitempty" validate:"omitempty,oneof=nao_sensivel PII financeiro confidencial"`
	EstimativaEntrega    *time.Time          `json:"estimativa_entrega,omitempty"`
	PropositoDeUso       *string             `json:"proposito_de_uso,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p RequestPatch) Empty() bool {
	return p.Titulo == nil && p.Descricao == nil && p.Status == nil && p.Prioridade == nil &&
		p.Categoria == nil && p.JustificativaNegocio == nil && p.ImpactoEstimado == nil &&
		p.ClassificacaoDado == nil && p.EstimativaEntrega == nil && p.PropositoDeUso == nil
}

// Comment is a note attached to a request.
type Comment struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	Comentario string    `json:"comentario"`
	CriadoEm   time.Time `json:"criado_em"`
}

// AddCommentRequest is the request to comment on a data request.
type AddCommentRequest struct {
	Comentario string `json:"comentario" validate:"required,max=10000"`
}

// RequestDetails is a request plus the conversation that produced it.
type RequestDetails struct {
	Request   Request `json:"request"`
	SessionID string  `json:"session_id,omitempty"`
}

// ListRequestsResponse is the response for listing requests.
type ListRequestsResponse struct {
	Requests []Request `json:"requests"`
	Total    int       `json:"total"`
}

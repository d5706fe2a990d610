// Package assistant drives the request-intake conversation: a pure state
// machine over wizard steps plus an engine that carries out its effects.
package assistant

import (
	"fmt"
	"strings"

	"github.com/fusion-data/bridge/internal/model"
)

// Step is a wizard state.
type Step string

const (
	StepWelcome      Step = "welcome"
	StepInitial      Step = "initial"
	StepIntention    Step = "intention_detection"
	StepContext      Step = "context_enrichment"
	StepFrequency    Step = "frequency_selection"
	StepPrivacy      Step = "privacy_check"
	StepBusinessCase Step = "business_case"
	StepSuggestions  Step = "asset_suggestions"
	StepReview       Step = "review_request"
	StepConfirmation Step = "confirmation"
	StepFollowUp     Step = "follow_up"
)

// Mode distinguishes the request path from the catalog search short-circuit.
type Mode string

const (
	ModeRequest Mode = "request"
	ModeSearch  Mode = "search"
)

// Outcome is how a finished conversation ended.
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeUseExisting Outcome = "use_existing"
	OutcomeNewRequest  Outcome = "new_request"
)

// Quick-reply labels.
const (
	OptionNewRequest   = "Criar novo pedido"
	OptionSearchAsset  = "Buscar ativo existente"
	OptionQuestion     = "Tenho uma dúvida"
	OptionUseAsset     = "Usar este ativo"
	OptionRejectAsset  = "Não é isso, criar novo pedido"
	OptionConfirm      = "Confirmar pedido"
	OptionEdit         = "Editar"
	OptionNotifyMe     = "Me avise sobre atualizações"
	OptionViewRequests = "Ver minhas solicitações"
)

var (
	InitialOptions      = []string{OptionNewRequest, OptionSearchAsset, OptionQuestion}
	ObjectiveOptions    = []string{"Campanha de CRM", "Análise de Vendas", "Painel Executivo"}
	ContextOptions      = []string{"Por cliente", "Por região", "Por produto", "Por transação"}
	FrequencyOptions    = []string{"Diária", "Semanal", "Mensal", "Pontual"}
	PrivacyOptions      = []string{"Sim, contém dados pessoais", "Não, dados agregados", "Não sei"}
	BusinessOptions     = []string{"Não, é novo", "Sim, quero evoluir um existente"}
	SuggestionOptions   = []string{OptionUseAsset, OptionRejectAsset}
	ReviewActions       = []string{OptionConfirm, OptionEdit}
	ConfirmationOptions = []string{OptionNotifyMe, OptionViewRequests}
)

// RequestsPath is where "view my requests" navigates.
const RequestsPath = "/requests"

// Assistant texts.
const (
	TextGreeting       = "Oi! Eu posso te ajudar a solicitar dados, consultar se algo já existe ou tirar dúvidas."
	TextAskObjective   = "Legal! Qual é o objetivo dessa solicitação? (ex: relatório, campanha, decisão...)"
	TextAskSearch      = "Vou procurar no nosso catálogo de dados disponíveis. O que você está procurando?"
	TextAskQuestion    = "Claro! Qual é sua dúvida? Estou aqui para ajudar."
	TextAskContext     = "Entendi! Qual o nível de detalhe que você precisa?"
	TextAskFrequency   = "Com qual frequência você precisa desses dados?"
	TextAskPrivacy     = "Esses dados envolvem informações pessoais ou sensíveis?"
	TextAskBusiness    = "Já existe algum relatório ou caso de negócio relacionado a essa necessidade?"
	TextSearching      = "Deixa eu verificar se já temos algo parecido no catálogo..."
	TextFoundAssets    = "Acho que encontrei algo parecido com o que você precisa."
	TextNoAssets       = "Não encontrei nenhum ativo parecido no catálogo."
	TextNoAssetsSearch = "Não encontrei nenhum ativo parecido no catálogo. Quer registrar um novo pedido para isso?"
	TextRejected       = "Sem problema! Vou registrar sua solicitação personalizada para o time de dados analisar."
	TextReview         = "Confira o resumo do seu pedido antes de enviar:"
	TextEdit           = "Sem problemas! Vamos revisar. Qual é o objetivo dessa solicitação?"
	TextArchived       = "Esta conversa está arquivada. Inicie uma nova conversa para registrar seu pedido."
	TextPersistFailed  = "Não foi possível registrar sua solicitação agora. Tente confirmar novamente em alguns instantes."
	TextFollowUp       = "Combinado! Vou te avisar sempre que o status mudar. Se quiser saber como está, é só perguntar pelo status do seu pedido."
	TextCancelHelp     = "Para cancelar uma solicitação, acesse 'Minhas Solicitações', abra o pedido e clique em 'Cancelar'. Só é possível cancelar pedidos pendentes ou em curadoria."
	TextNoRequests     = "Você ainda não tem solicitações registradas."
	TextApology        = "Desculpe, ocorreu um erro ao processar sua mensagem. Tente novamente em alguns instantes."
)

// Conversation is the wizard state of one session.
type Conversation struct {
	Step        Step          `json:"step"`
	Mode        Mode          `json:"mode,omitempty"`
	Draft       model.Draft   `json:"draft"`
	Suggestions []model.Asset `json:"suggestions,omitempty"`
	Searched    bool          `json:"searched,omitempty"`
	Outcome     Outcome       `json:"outcome,omitempty"`
}

// NewConversation returns a conversation at the welcome step.
func NewConversation() Conversation {
	return Conversation{Step: StepWelcome, Mode: ModeRequest}
}

// Clone returns a copy sharing no mutable state with c.
func (c Conversation) Clone() Conversation {
	out := c
	out.Draft = c.Draft.Clone()
	if c.Suggestions != nil {
		out.Suggestions = append([]model.Asset(nil), c.Suggestions...)
	}
	return out
}

// InputKind is how the user answered.
type InputKind int

const (
	InputStart InputKind = iota
	InputQuickReply
	InputText
)

// Input is one user action.
type Input struct {
	Kind InputKind
	Text string
}

// Start is the input that opens a conversation.
func Start() Input { return Input{Kind: InputStart} }

// QuickReply selects a canned option.
func QuickReply(option string) Input { return Input{Kind: InputQuickReply, Text: option} }

// Text is free-text input.
func Text(s string) Input { return Input{Kind: InputText, Text: s} }

// Reply is an assistant message to append.
type Reply struct {
	Content string
	Payload model.Payload
}

// EffectKind names work the engine performs after a transition.
type EffectKind int

const (
	EffectNone EffectKind = iota
	// EffectRename renames the session to Effect.Title.
	EffectRename
	// EffectSearch matches the catalog and continues with AfterSearch.
	EffectSearch
	// EffectPersist creates the request and continues with AfterPersist.
	EffectPersist
	// EffectDelegate sends the history to the LLM; the step does not change.
	EffectDelegate
	// EffectStatus lists the user's requests and continues with AfterStatus.
	EffectStatus
	// EffectNavigate tells the client to open Effect.Path.
	EffectNavigate
)

// Effect is a side effect requested by a transition.
type Effect struct {
	Kind  EffectKind
	Title string
	Path  string
}

// Decision is the result of a transition.
type Decision struct {
	Next    Conversation
	Replies []Reply
	Effect  Effect
}

func stay(c Conversation, replies ...Reply) Decision {
	return Decision{Next: c, Replies: replies}
}

func delegate(c Conversation) Decision {
	return Decision{Next: c, Effect: Effect{Kind: EffectDelegate}}
}

func ask(content string, options []string) Reply {
	if len(options) == 0 {
		return Reply{Content: content}
	}
	return Reply{Content: content, Payload: model.QuickReplies{Options: append([]string(nil), options...)}}
}

// choose returns the option equal to text, ignoring case and surrounding
// space, or "" when none matches.
func choose(text string, options []string) string {
	t := strings.TrimSpace(text)
	for _, o := range options {
		if strings.EqualFold(t, o) {
			return o
		}
	}
	return ""
}

// Advance applies in to c. It performs no I/O and does not modify c.
func Advance(c Conversation, in Input) Decision {
	c = c.Clone()
	text := strings.TrimSpace(in.Text)

	if in.Kind == InputStart {
		if c.Step != StepWelcome {
			return stay(c)
		}
		c.Step = StepInitial
		return stay(c, ask(TextGreeting, InitialOptions))
	}
	if text == "" {
		return stay(c)
	}

	switch c.Step {
	case StepWelcome:
		// Any first input opens the conversation.
		return Advance(c, Start())

	case StepInitial:
		switch choose(text, InitialOptions) {
		case OptionNewRequest:
			c.Step = StepIntention
			c.Mode = ModeRequest
			return stay(c, ask(TextAskObjective, ObjectiveOptions))
		case OptionSearchAsset:
			c.Step = StepSuggestions
			c.Mode = ModeSearch
			c.Suggestions = nil
			c.Searched = false
			return stay(c, ask(TextAskSearch, nil))
		case OptionQuestion:
			return stay(c, ask(TextAskQuestion, nil))
		}
		return delegate(c)

	case StepIntention:
		if strings.HasSuffix(text, "?") {
			return delegate(c)
		}
		if err := c.Draft.Set(model.FieldObjective, text); err != nil {
			return delegate(c)
		}
		c.Step = StepContext
		d := stay(c, ask(TextAskContext, ContextOptions))
		d.Effect = Effect{Kind: EffectRename, Title: text}
		return d

	case StepContext:
		return collect(c, model.FieldDataType, text, StepFrequency, ask(TextAskFrequency, FrequencyOptions))

	case StepFrequency:
		return collect(c, model.FieldFrequency, text, StepPrivacy, ask(TextAskPrivacy, PrivacyOptions))

	case StepPrivacy:
		return collect(c, model.FieldPrivacy, text, StepBusinessCase, ask(TextAskBusiness, BusinessOptions))

	case StepBusinessCase:
		d := collect(c, model.FieldBusinessCase, text, StepSuggestions, ask(TextSearching, nil))
		if d.Effect.Kind == EffectNone {
			d.Next.Suggestions = nil
			d.Next.Searched = false
			d.Effect = Effect{Kind: EffectSearch}
		}
		return d

	case StepSuggestions:
		return advanceSuggestions(c, text)

	case StepReview:
		switch choose(text, ReviewActions) {
		case OptionConfirm:
			return Decision{Next: c, Effect: Effect{Kind: EffectPersist}}
		case OptionEdit:
			c.Draft.Reopen()
			c.Step = StepIntention
			c.Mode = ModeRequest
			return stay(c, ask(TextEdit, nil))
		}
		return delegate(c)

	case StepConfirmation:
		switch choose(text, ConfirmationOptions) {
		case OptionNotifyMe:
			c.Step = StepFollowUp
			return stay(c, ask(TextFollowUp, nil))
		case OptionViewRequests:
			return Decision{Next: c, Effect: Effect{Kind: EffectNavigate, Path: RequestsPath}}
		}
		return delegate(c)

	case StepFollowUp:
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "status") || strings.Contains(lower, "pedido"):
			return Decision{Next: c, Effect: Effect{Kind: EffectStatus}}
		case strings.Contains(lower, "cancelar"):
			return stay(c, ask(TextCancelHelp, nil))
		}
		return delegate(c)
	}

	return delegate(c)
}

// collect writes field and moves to next. A field already written in this
// traversal leaves the conversation where it is and defers to the LLM.
func collect(c Conversation, field model.DraftField, value string, next Step, prompt Reply) Decision {
	if err := c.Draft.Set(field, value); err != nil {
		return delegate(c)
	}
	c.Step = next
	return stay(c, prompt)
}

func advanceSuggestions(c Conversation, text string) Decision {
	if c.Mode == ModeSearch && !c.Searched {
		if err := c.Draft.Set(model.FieldObjective, text); err != nil {
			return delegate(c)
		}
		return Decision{Next: c, Replies: []Reply{ask(TextSearching, nil)}, Effect: Effect{Kind: EffectSearch}}
	}

	options := SuggestionOptions
	if len(c.Suggestions) == 0 {
		options = []string{OptionNewRequest}
	}

	switch choose(text, options) {
	case OptionUseAsset:
		asset := c.Suggestions[0]
		c.Outcome = OutcomeUseExisting
		c.Step = StepConfirmation
		return stay(c, ask(useAssetText(asset), ConfirmationOptions))

	case OptionRejectAsset, OptionNewRequest:
		if c.Mode == ModeSearch {
			// The search text becomes the objective of a new request.
			c.Mode = ModeRequest
			c.Step = StepContext
			d := stay(c, ask(TextRejected, nil), ask(TextAskContext, ContextOptions))
			d.Effect = Effect{Kind: EffectRename, Title: c.Draft.Objective}
			return d
		}
		c.Step = StepReview
		return stay(c, ask(TextRejected, nil), reviewReply(c.Draft))
	}
	return delegate(c)
}

// AfterSearch continues a conversation once the catalog returned assets.
func AfterSearch(c Conversation, assets []model.Asset) Decision {
	c = c.Clone()
	c.Searched = true
	c.Suggestions = append([]model.Asset(nil), assets...)
	c.Step = StepSuggestions

	if len(assets) > 0 {
		return stay(c, Reply{
			Content: TextFoundAssets,
			Payload: model.Suggestions{
				Assets:  append([]model.Asset(nil), assets...),
				Options: append([]string(nil), SuggestionOptions...),
			},
		})
	}

	if c.Mode == ModeSearch {
		return stay(c, ask(TextNoAssetsSearch, []string{OptionNewRequest}))
	}
	c.Step = StepReview
	return stay(c, ask(TextNoAssets, nil), reviewReply(c.Draft))
}

// AfterPersist continues a conversation once the request was created, or
// keeps it at review when creation failed.
func AfterPersist(c Conversation, req *model.Request, err error) Decision {
	c = c.Clone()
	if err != nil || req == nil {
		return stay(c, ask(TextPersistFailed, nil))
	}
	c.Draft.RequestID = req.ID
	c.Outcome = OutcomeNewRequest
	c.Step = StepConfirmation
	return stay(c, ask(confirmationText(*req), ConfirmationOptions))
}

// AfterStatus answers a follow-up status question with the user's requests.
func AfterStatus(c Conversation, requests []model.Request) Decision {
	c = c.Clone()
	if len(requests) == 0 {
		return stay(c, ask(TextNoRequests, nil))
	}

	var b strings.Builder
	b.WriteString("Aqui está o status das suas solicitações mais recentes:\n")
	for i, r := range requests {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "\n• %s: %s (%s)", r.Codigo, r.Titulo, StatusLabel(r.Status))
	}
	return stay(c, ask(b.String(), nil))
}

// StatusLabel is the user-facing name of a request status.
func StatusLabel(s model.RequestStatus) string {
	switch s {
	case model.StatusPendente:
		return "Pendente"
	case model.StatusEmCuradoria:
		return "Em curadoria"
	case model.StatusEmDesenvolvimento:
		return "Em desenvolvimento"
	case model.StatusConcluida:
		return "Concluída"
	case model.StatusCancelada:
		return "Cancelada"
	case model.StatusDuplicada:
		return "Duplicada"
	}
	return string(s)
}

func reviewReply(d model.Draft) Reply {
	return Reply{
		Content: TextReview,
		Payload: model.ReviewCard{
			Objective:    d.Objective,
			Filters:      d.Filters(),
			Frequency:    d.Frequency,
			Privacy:      d.Privacy,
			BusinessCase: d.BusinessCase,
			Actions:      append([]string(nil), ReviewActions...),
		},
	}
}

func useAssetText(a model.Asset) string {
	return fmt.Sprintf("Ótimo! O ativo %s já está disponível em %s (última atualização: %s). "+
		"Você pode usá-lo diretamente, sem abrir um novo pedido.", a.Name, a.Platform, a.LastUpdate)
}

func confirmationText(r model.Request) string {
	return fmt.Sprintf("Sua solicitação foi registrada com sucesso! O time de dados vai analisar e você "+
		"poderá acompanhar o status em 'Minhas Solicitações'.\n\nID da solicitação: %s\nSLA estimado: até 3 dias úteis",
		r.Codigo)
}

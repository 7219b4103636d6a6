package grpc

import (
	"github.com/erg0nix/ctxbudget/internal/budget"
	"github.com/erg0nix/ctxbudget/internal/controller"
	"github.com/erg0nix/ctxbudget/internal/core"
	"github.com/erg0nix/ctxbudget/internal/ledger"
)

type Ack struct {
	Message string `json:"message,omitempty"`
}

type ConversationChangedRequest struct {
	ConversationID string         `json:"conversation_id"`
	Replace        bool           `json:"replace"`
	Messages       []core.Message `json:"messages,omitempty"`
}

type AppendMessageRequest struct {
	ConversationID string       `json:"conversation_id"`
	Message        core.Message `json:"message"`
}

type AppendMessageResponse struct {
	Index int `json:"index"`
}

type EditMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Index          int    `json:"index"`
	Content        string `json:"content"`
}

type DeleteMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Index          int    `json:"index"`
}

type DeleteMessageResponse struct {
	Deleted          int  `json:"deleted"`
	CutoffShift      int  `json:"cutoff_shift"`
	CutoffIndex      int  `json:"cutoff_index"`
	SoftRecalibrated bool `json:"soft_recalibrated"`
}

type MessageRenderedRequest struct {
	ConversationID string `json:"conversation_id"`
	Index          int    `json:"index"`
}

type GenerationStartRequest struct {
	ConversationID string `json:"conversation_id"`
}

type GenerationStartResponse struct {
	Excluded     []bool           `json:"excluded"`
	Summary      *core.Injection  `json:"summary,omitempty"`
	Memory       *core.Injection  `json:"memory,omitempty"`
	CutoffIndex  int              `json:"cutoff_index"`
	Direction    budget.Direction `json:"direction"`
	FloorHit     bool             `json:"floor_hit"`
	Breakdown    budget.Breakdown `json:"breakdown"`
	TargetTokens int              `json:"target_tokens"`
	Enqueued     int              `json:"enqueued"`
	MemoryError  string           `json:"memory_error,omitempty"`
}

func newGenerationStartResponse(plan controller.Plan) *GenerationStartResponse {
	return &GenerationStartResponse{
		Excluded:     plan.Excluded,
		Summary:      injectionOrNil(plan.Summary),
		Memory:       injectionOrNil(plan.Memory),
		CutoffIndex:  plan.Decision.Cutoff,
		Direction:    plan.Decision.Direction,
		FloorHit:     plan.Decision.FloorHit,
		Breakdown:    plan.Breakdown,
		TargetTokens: plan.TargetTokens,
		Enqueued:     plan.Enqueued,
		MemoryError:  plan.MemoryError,
	}
}

// injectionOrNil leaves empty blocks off the wire so hosts can skip them.
func injectionOrNil(in core.Injection) *core.Injection {
	if in.Empty() {
		return nil
	}
	return &in
}

type GenerationCompleteRequest struct {
	ConversationID string `json:"conversation_id"`
	ActualTokens   int    `json:"actual_tokens"`
	RawPrompt      string `json:"raw_prompt,omitempty"`
}

type GenerationCompleteResponse struct {
	Phase         ledger.Phase `json:"phase"`
	Factor        float64      `json:"factor"`
	ErrorPercent  float64      `json:"error_percent"`
	Deviation     float64      `json:"deviation"`
	Tolerance     float64      `json:"tolerance"`
	TargetTokens  int          `json:"target_tokens"`
	TargetChanged bool         `json:"target_changed"`
}

type StatusRequest struct {
	ConversationID string `json:"conversation_id"`
	Recent         int    `json:"recent"`
}

type StatusResponse struct {
	Status controller.Status `json:"status"`
}

type ResetRequest struct {
	ConversationID string `json:"conversation_id"`
	Scope          string `json:"scope"`
}

type ForgetRequest struct {
	ConversationID string `json:"conversation_id"`
}

type StopSummariesRequest struct {
	ConversationID string `json:"conversation_id"`
}

type DaemonStatusRequest struct{}

type DaemonStatusResponse struct {
	Bind               string `json:"bind"`
	Endpoint           string `json:"endpoint"`
	DataDir            string `json:"data_dir"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
	StartedAtRFC3339   string `json:"started_at"`
	ActiveConversation string `json:"active_conversation,omitempty"`
}

type ShutdownRequest struct{}

package models

// クライアント→サーバーのイベント名
const (
	EvtPlayerRegister   = "player:register"
	EvtPlayerSubmit     = "player:submit"
	EvtAdminSetStage    = "admin:set-stage"
	EvtAdminUpdateScore = "admin:update-score"
	EvtAdminReset       = "admin:reset"
	EvtAdminSync        = "admin:sync"
	EvtVoteCast         = "vote:cast"
	EvtAdminSetPhase    = "admin:set-phase"
)

// サーバー→クライアントのイベント名
const (
	EvtStateUpdate      = "state:update"
	EvtConfigUpdate     = "config:update"
	EvtSessionInfo      = "session:info"
	EvtPlayerRegistered = "player:registered"
	EvtPlayerSubmitted  = "player:submitted"
	EvtPlayerError      = "player:error"
	EvtAdminError       = "admin:error"
	EvtVoteAccepted     = "vote:accepted"
)

// RegisterPayload は player:register の本文
type RegisterPayload struct {
	Name     string `json:"name"`
	PlayerID string `json:"playerId,omitempty"`
}

// SubmitPayload は player:submit の本文
type SubmitPayload struct {
	StageID string `json:"stageId"`
	Answer  string `json:"answer"`
}

// SetStagePayload は admin:set-stage の本文。target は client|display
type SetStagePayload struct {
	Target  string `json:"target"`
	StageID string `json:"stageId"`
}

// UpdateScorePayload は admin:update-score の本文（絶対値で設定）
type UpdateScorePayload struct {
	PlayerID string `json:"playerId"`
	Score    int    `json:"score"`
}

// CastPayload は vote:cast の本文
type CastPayload struct {
	OptionID string `json:"optionId"`
}

// SetPhasePayload は admin:set-phase の本文
type SetPhasePayload struct {
	Phase string `json:"phase"`
}

// ErrorPayload は *:error イベントの本文
type ErrorPayload struct {
	Message string `json:"message"`
}

// SubmittedPayload は player:submitted の本文。
// Pending=true の間はスコアが未確定
type SubmittedPayload struct {
	ID        string `json:"id"`
	StageID   string `json:"stageId"`
	CreatedAt int64  `json:"createdAt"`
	Pending   bool   `json:"pending,omitempty"`
	Score     *int   `json:"score,omitempty"`
	Notes     string `json:"notes,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SessionInfoPayload は接続確立時に返す接続情報
type SessionInfoPayload struct {
	ConnID string `json:"connId"`
	Role   Role   `json:"role"`
}

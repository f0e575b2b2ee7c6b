package models

// EvalMode は採点の経路
type EvalMode string

const (
	EvalManual EvalMode = "manual" // 管理者による上書き
	EvalLLM    EvalMode = "llm"    // 外部ジャッジによる非同期採点
	EvalChoice EvalMode = "choice" // 選択式の同期採点
)

// Evaluation は提出への採点結果。通常フローでは一度だけ設定される
type Evaluation struct {
	Score int      `json:"score"`
	Notes string   `json:"notes,omitempty"`
	Mode  EvalMode `json:"mode"`
}

// Player は再接続をまたいで維持される参加者
type Player struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Score      int    `json:"score"` // 0未満にはならない
	JoinedAt   int64  `json:"joinedAt"`
	LastActive int64  `json:"lastActive"`
	IsOnline   bool   `json:"isOnline"`
	ConnID     string `json:"-"` // 現在の接続ハンドル。永続化しない
}

// Submission は (player, stage) につき高々1件
type Submission struct {
	ID         string      `json:"id"`
	PlayerID   string      `json:"playerId"`
	StageID    string      `json:"stageId"`
	Answer     string      `json:"answer"`
	CreatedAt  int64       `json:"createdAt"`
	Evaluation *Evaluation `json:"evaluation,omitempty"` // nil なら未採点（pending）
}

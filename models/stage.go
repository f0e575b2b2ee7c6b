package models

// Audience は独立して操作できる2つの視聴コンテキスト
type Audience string

const (
	AudienceClients Audience = "clients" // 参加者のスマホ
	AudienceDisplay Audience = "display" // 会場の共有スクリーン
)

// StageTarget はステージがどのオーディエンス向けかを表す
type StageTarget string

const (
	TargetClients StageTarget = "clients"
	TargetDisplay StageTarget = "display"
	TargetBoth    StageTarget = "both"
)

// Applies reports whether the target covers the given audience.
func (t StageTarget) Applies(a Audience) bool {
	switch t {
	case TargetBoth:
		return true
	case TargetClients:
		return a == AudienceClients
	case TargetDisplay:
		return a == AudienceDisplay
	}
	return false
}

// StageKind は閉じた判別子。消費側は必ず全ケースを網羅すること
type StageKind string

const (
	StageWaiting     StageKind = "waiting"
	StageInfo        StageKind = "info"
	StageQuestion    StageKind = "question"
	StageLeaderboard StageKind = "leaderboard"
)

// 回答の選択肢。IsCorrect付きの選択肢があれば同期採点になる
type AnswerOption struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

// QuestionPayload は kind=question のステージ固有データ
type QuestionPayload struct {
	Prompt           string         `json:"prompt"`
	ReferenceAnswer  string         `json:"referenceAnswer,omitempty"` // LLM採点の基準回答
	Options          []AnswerOption `json:"answerOptions,omitempty"`
	Round            int            `json:"round,omitempty"`
	Order            int            `json:"order,omitempty"`
	TimeLimitSeconds int            `json:"timeLimitSeconds,omitempty"`
	ImageURL         string         `json:"imageUrl,omitempty"`
}

// IsChoice reports whether the question is answered by picking an option.
func (q *QuestionPayload) IsChoice() bool {
	return q != nil && len(q.Options) > 0
}

// LeaderboardPayload は kind=leaderboard のステージ固有データ
type LeaderboardPayload struct {
	Limit int `json:"limit"`
}

// Stage はイベント台本の1ステップ。起動時に読み込み、実行中は不変
type Stage struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Kind        StageKind           `json:"kind"`
	Target      StageTarget         `json:"target"`
	Question    *QuestionPayload    `json:"question,omitempty"`
	Leaderboard *LeaderboardPayload `json:"leaderboard,omitempty"`
}

// PublicQuestion は参加者へ配る問題表示。正解情報は含めない
type PublicQuestion struct {
	Prompt           string   `json:"prompt"`
	Options          []string `json:"answerOptions,omitempty"`
	Round            int      `json:"round,omitempty"`
	Order            int      `json:"order,omitempty"`
	TimeLimitSeconds int      `json:"timeLimitSeconds,omitempty"`
	ImageURL         string   `json:"imageUrl,omitempty"`
}

// PublicStage は公開プロジェクション用のステージ表現
type PublicStage struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Kind        StageKind           `json:"kind"`
	Question    *PublicQuestion     `json:"question,omitempty"`
	Leaderboard *LeaderboardPayload `json:"leaderboard,omitempty"`
}

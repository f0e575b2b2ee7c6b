package models

// PersistedState はRedisに保存される直列化可能なサブセット
type PersistedState struct {
	ClientStageID  string        `json:"clientStageId"`
	DisplayStageID string        `json:"displayStageId"`
	Players        []*Player     `json:"players"`
	Submissions    []*Submission `json:"submissions"`
	Version        int64         `json:"version"` // 単調増加
	UpdatedAt      int64         `json:"updatedAt"`
}

// LeaderboardEntry はスコア降順・JoinedAt昇順で並ぶ
type LeaderboardEntry struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
	IsOnline bool   `json:"isOnline"`
}

// AdminSnapshot は運営向けの全量プロジェクション
type AdminSnapshot struct {
	ClientStageID  string             `json:"clientStageId"`
	DisplayStageID string             `json:"displayStageId"`
	Players        []*Player          `json:"players"`
	Submissions    []*Submission      `json:"submissions"`
	Leaderboard    []LeaderboardEntry `json:"leaderboard"`
	Version        int64              `json:"version"`
	UpdatedAt      int64              `json:"updatedAt"`
}

// PublicSnapshot はオーディエンス単位の公開プロジェクション。
// 他の参加者の提出内容は含めない
type PublicSnapshot struct {
	Audience    Audience           `json:"audience"`
	StageID     string             `json:"stageId"`
	Stage       *PublicStage       `json:"stage,omitempty"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	Version     int64              `json:"version"`
	UpdatedAt   int64              `json:"updatedAt"`
}

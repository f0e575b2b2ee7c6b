package models

// VotePhase は投票バリアントの3状態ドライバ
type VotePhase string

const (
	PhaseWaiting    VotePhase = "waiting"
	PhaseVoting     VotePhase = "voting"
	PhaseCollecting VotePhase = "collecting"
)

// VoteOption は投票の選択肢
type VoteOption struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	PairNames   string `json:"pairNames,omitempty"`
	PairOrg     string `json:"pairOrg,omitempty"`
}

// VotingTask は1回の投票イベントの定義。実行中は不変
type VotingTask struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Instructions    string       `json:"instructions"`
	DurationSeconds int          `json:"durationSeconds"`
	Options         []VoteOption `json:"options"`
}

// VoteResult は集計結果。パーセンテージは要求時に算出する
type VoteResult struct {
	OptionID   string `json:"optionId"`
	Title      string `json:"title"`
	Count      int    `json:"count"`
	Percentage int    `json:"percentage"`
}

// VotingSnapshot は参加者・スクリーン向けのプロジェクション
type VotingSnapshot struct {
	Phase           VotePhase  `json:"phase"`
	Task            VotingTask `json:"task"`
	VotingEndsAt    *int64     `json:"votingEndsAt"`
	TimeLeftSeconds *int       `json:"timeLeftSeconds"`
	UpdatedAt       int64      `json:"updatedAt"`
}

// AdminVotingSnapshot は集計込みの運営向けプロジェクション
type AdminVotingSnapshot struct {
	VotingSnapshot
	TotalVotes int          `json:"totalVotes"`
	Results    []VoteResult `json:"results"`
}

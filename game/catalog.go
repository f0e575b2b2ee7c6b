package game

import (
	"encoding/json"
	"fmt"
	"os"

	"promptnight/models"
)

const defaultLeaderboardLimit = 10

// Catalog はステージ定義の順序付きリスト。起動時に一度だけ読み込む
type Catalog struct {
	Stages []*models.Stage
	byID   map[string]*models.Stage
}

// LoadCatalog loads the stage catalog from a JSON file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ステージ設定の読み込みに失敗しました: %w", err)
	}
	var file struct {
		Stages []*models.Stage `json:"stages"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("ステージ設定の解析に失敗しました: %w", err)
	}
	return NewCatalog(file.Stages)
}

// NewCatalog validates the stage list and builds the lookup index.
func NewCatalog(stages []*models.Stage) (*Catalog, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("ステージが1つもありません")
	}
	c := &Catalog{Stages: stages, byID: make(map[string]*models.Stage, len(stages))}
	for _, s := range stages {
		if err := validateStage(s); err != nil {
			return nil, err
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("ステージIDが重複しています: %s", s.ID)
		}
		c.byID[s.ID] = s
	}
	for _, a := range []models.Audience{models.AudienceClients, models.AudienceDisplay} {
		if c.DefaultStage(a) == nil {
			return nil, fmt.Errorf("オーディエンス %s 向けのステージがありません", a)
		}
	}
	return c, nil
}

func validateStage(s *models.Stage) error {
	if s.ID == "" {
		return fmt.Errorf("IDのないステージがあります")
	}
	switch s.Kind {
	case models.StageWaiting, models.StageInfo:
		// 固有ペイロードなし
	case models.StageQuestion:
		q := s.Question
		if q == nil || q.Prompt == "" {
			return fmt.Errorf("ステージ %s: questionにはpromptが必要です", s.ID)
		}
		if !q.IsChoice() && q.ReferenceAnswer == "" {
			return fmt.Errorf("ステージ %s: 基準回答か選択肢のどちらかが必要です", s.ID)
		}
		if q.IsChoice() {
			correct := 0
			for _, opt := range q.Options {
				if opt.IsCorrect {
					correct++
				}
			}
			if correct == 0 {
				return fmt.Errorf("ステージ %s: 正解の選択肢がありません", s.ID)
			}
		}
	case models.StageLeaderboard:
		if s.Leaderboard == nil {
			s.Leaderboard = &models.LeaderboardPayload{}
		}
		if s.Leaderboard.Limit <= 0 {
			s.Leaderboard.Limit = defaultLeaderboardLimit
		}
	default:
		return fmt.Errorf("ステージ %s: 未知のkind %q", s.ID, s.Kind)
	}
	switch s.Target {
	case models.TargetClients, models.TargetDisplay, models.TargetBoth:
	case "":
		s.Target = models.TargetBoth
	default:
		return fmt.Errorf("ステージ %s: 未知のtarget %q", s.ID, s.Target)
	}
	return nil
}

// Get returns the stage with the given id.
func (c *Catalog) Get(id string) (*models.Stage, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// DefaultStage はそのオーディエンス向けの最初のステージを返す。
// リセット時と初回起動時のポインタ既定値になる
func (c *Catalog) DefaultStage(a models.Audience) *models.Stage {
	for _, s := range c.Stages {
		if s.Target.Applies(a) {
			return s
		}
	}
	return nil
}

// PublicView は正解情報を取り除いたカタログを返す（HTTPの/config用）
func (c *Catalog) PublicView() []*models.PublicStage {
	out := make([]*models.PublicStage, 0, len(c.Stages))
	for _, s := range c.Stages {
		out = append(out, PublicStageView(s))
	}
	return out
}

// PublicStageView projects a stage for an untrusted audience. The switch
// must cover every stage kind.
func PublicStageView(s *models.Stage) *models.PublicStage {
	if s == nil {
		return nil
	}
	out := &models.PublicStage{ID: s.ID, Title: s.Title, Kind: s.Kind}
	switch s.Kind {
	case models.StageWaiting, models.StageInfo:
	case models.StageQuestion:
		q := s.Question
		pub := &models.PublicQuestion{
			Prompt:           q.Prompt,
			Round:            q.Round,
			Order:            q.Order,
			TimeLimitSeconds: q.TimeLimitSeconds,
			ImageURL:         q.ImageURL,
		}
		for _, opt := range q.Options {
			pub.Options = append(pub.Options, opt.Text)
		}
		out.Question = pub
	case models.StageLeaderboard:
		lb := *s.Leaderboard
		out.Leaderboard = &lb
	}
	return out
}

package scoring

import (
	"strings"

	"promptnight/models"
)

const (
	choiceCorrectScore = 10
	choiceWrongScore   = 0
)

// ScoreChoice は選択式の同期採点。外部ジャッジは不要なのでキューを
// 通らない。選択肢のない問題には nil を返す
func ScoreChoice(q *models.QuestionPayload, answer string) *models.Evaluation {
	if !q.IsChoice() {
		return nil
	}
	score := choiceWrongScore
	for _, opt := range q.Options {
		if opt.IsCorrect && strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(opt.Text)) {
			score = choiceCorrectScore
			break
		}
	}
	return &models.Evaluation{Score: score, Mode: models.EvalChoice}
}

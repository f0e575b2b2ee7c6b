package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"promptnight/game"
	"promptnight/models"
	"promptnight/scoring"
	"promptnight/vote"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// inboundEnvelope は受信メッセージの封筒。payloadはハンドラ側で
// 型付きにデコードする
type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readLoop はクライアントごとのメッセージ読み取りゴルーチン。
// 接続が切れたらプレイヤーをオフラインにして全員へ再配信する
func (g *Gateway) readLoop(c *models.Client) {
	defer func() {
		c.Conn.Close()
		g.hub.Leave(c)
		if c.Role == models.RoleClient && g.game != nil {
			g.game.MarkOffline(c.ConnID)
			g.BroadcastState()
		}
	}()

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Error("WebSocket error", zap.String("connId", c.ConnID), zap.Error(err))
			}
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			g.logger.Warn("Error decoding message", zap.String("connId", c.ConnID), zap.Error(err))
			g.sendError(c, "Некорректное сообщение.")
			continue
		}
		g.dispatch(c, env)
	}
}

// dispatch はロールを確認してから型付きのハンドラへ振り分ける。
// 各ハンドラはManagerの操作を1回だけ呼び、直接の応答を返してから
// 全ロールへ再配信する
func (g *Gateway) dispatch(c *models.Client, env inboundEnvelope) {
	switch env.Type {
	case models.EvtPlayerRegister:
		if !g.requireRole(c, models.RoleClient) {
			return
		}
		g.handleRegister(c, env.Payload)
	case models.EvtPlayerSubmit:
		if !g.requireRole(c, models.RoleClient) {
			return
		}
		g.handleSubmit(c, env.Payload)
	case models.EvtVoteCast:
		if !g.requireRole(c, models.RoleClient) {
			return
		}
		g.handleCast(c, env.Payload)
	case models.EvtAdminSetStage:
		if !g.requireRole(c, models.RoleAdmin) {
			return
		}
		g.handleSetStage(c, env.Payload)
	case models.EvtAdminUpdateScore:
		if !g.requireRole(c, models.RoleAdmin) {
			return
		}
		g.handleUpdateScore(c, env.Payload)
	case models.EvtAdminReset:
		if !g.requireRole(c, models.RoleAdmin) {
			return
		}
		g.handleReset(c)
	case models.EvtAdminSync:
		if !g.requireRole(c, models.RoleAdmin) {
			return
		}
		c.Send(models.EvtStateUpdate, g.statePayload(models.RoleAdmin))
		c.Send(models.EvtConfigUpdate, g.configPayload())
	case models.EvtAdminSetPhase:
		if !g.requireRole(c, models.RoleAdmin) {
			return
		}
		g.handleSetPhase(c, env.Payload)
	default:
		g.logger.Info("Received unknown message type",
			zap.String("connId", c.ConnID), zap.String("type", env.Type))
	}
}

// requireRole はロール外のメッセージを黙って捨てる（ログのみ）
func (g *Gateway) requireRole(c *models.Client, role models.Role) bool {
	if c.Role != role {
		g.logger.Warn("message rejected by role",
			zap.String("connId", c.ConnID), zap.String("role", string(c.Role)))
		return false
	}
	return true
}

func (g *Gateway) handleRegister(c *models.Client, raw json.RawMessage) {
	if g.game == nil {
		g.sendError(c, "Регистрация в этом режиме не нужна.")
		return
	}
	var payload models.RegisterPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.sendError(c, "Некорректное сообщение.")
		return
	}
	player, err := g.game.RegisterPlayer(payload.Name, payload.PlayerID, c.ConnID)
	if err != nil {
		g.sendError(c, "Имя обязательно для новых игроков.")
		return
	}
	c.PlayerID = player.ID
	c.Send(models.EvtPlayerRegistered, player)
	g.BroadcastState()
}

func (g *Gateway) handleSubmit(c *models.Client, raw json.RawMessage) {
	if g.game == nil {
		g.sendError(c, "Этот этап не принимает ответы.")
		return
	}
	if c.PlayerID == "" {
		g.sendError(c, "Сначала зарегистрируйтесь.")
		return
	}
	var payload models.SubmitPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.StageID == "" || payload.Answer == "" {
		g.sendError(c, "Ответ не может быть пустым.")
		return
	}
	// Managerに触る前のソフトガード。二重タップや連打をここで弾く
	if !c.ThrottleSubmit(g.cfg.SubmitMinInterval) {
		g.sendError(c, "Слишком часто. Подождите пару секунд.")
		return
	}

	stage, ok := g.catalog.Get(payload.StageID)
	if !ok || stage.Kind != models.StageQuestion {
		g.sendError(c, "Этот этап не принимает ответы.")
		return
	}

	// 選択式は決定的なのでキューを通さず同期で採点する
	if stage.Question.IsChoice() {
		eval := scoring.ScoreChoice(stage.Question, payload.Answer)
		sub, err := g.game.RecordSubmission(c.PlayerID, payload.StageID, payload.Answer, eval)
		if err != nil {
			g.sendError(c, submissionErrorMessage(err))
			return
		}
		score := sub.Evaluation.Score
		c.Send(models.EvtPlayerSubmitted, models.SubmittedPayload{
			ID:        sub.ID,
			StageID:   sub.StageID,
			CreatedAt: sub.CreatedAt,
			Score:     &score,
		})
		g.BroadcastState()
		return
	}

	// 自由記述は外部ジャッジ行き
	if g.pool == nil {
		g.sendError(c, "Сервис оценки ответов недоступен.")
		return
	}
	if stage.Question.ReferenceAnswer == "" {
		g.sendError(c, "Для этого вопроса не настроен ответ.")
		return
	}
	sub, err := g.game.RecordSubmission(c.PlayerID, payload.StageID, payload.Answer, nil)
	if err != nil {
		g.sendError(c, submissionErrorMessage(err))
		return
	}

	job := &scoring.ScoreJob{
		ID:           sub.ID,
		Question:     stage.Question.Prompt,
		Reference:    stage.Question.ReferenceAnswer,
		Answer:       payload.Answer,
		PlayerID:     c.PlayerID,
		StageID:      payload.StageID,
		SubmissionID: sub.ID,
	}
	resultCh, err := g.pool.Submit(context.Background(), job)
	if err != nil {
		// 提出は記録済み。採点は後で管理者が手動でやり直せる
		g.logger.Error("採点ジョブの投入に失敗しました",
			zap.String("submissionId", sub.ID), zap.Error(err))
		g.sendError(c, "Не удалось отправить ответ на оценку. Попробуйте ещё раз.")
		return
	}

	// 受理は即座に返し、スコアは確定し次第追送する
	c.Send(models.EvtPlayerSubmitted, models.SubmittedPayload{
		ID:        sub.ID,
		StageID:   sub.StageID,
		CreatedAt: sub.CreatedAt,
		Pending:   true,
	})
	g.BroadcastState()
	go g.awaitScore(c, sub, resultCh)
}

// awaitScore はジョブ自身の完了シグナルだけを待つ。ハードタイムアウト
// を超えたら「まだ採点中」と伝える（ジョブ自体は生きている）
func (g *Gateway) awaitScore(c *models.Client, sub *models.Submission, resultCh <-chan scoring.ScoreResult) {
	select {
	case res, ok := <-resultCh:
		if !ok {
			// リトライ上限超過。提出は未採点のまま残る
			g.sendError(c, "Не удалось оценить ответ автоматически. Он сохранён и будет оценён вручную.")
			return
		}
		score := res.Score
		c.Send(models.EvtPlayerSubmitted, models.SubmittedPayload{
			ID:        sub.ID,
			StageID:   sub.StageID,
			CreatedAt: sub.CreatedAt,
			Score:     &score,
			Notes:     res.Feedback,
		})
	case <-time.After(g.pool.WaitTimeout()):
		c.Send(models.EvtPlayerSubmitted, models.SubmittedPayload{
			ID:        sub.ID,
			StageID:   sub.StageID,
			CreatedAt: sub.CreatedAt,
			Pending:   true,
			Message:   "Оценка занимает больше времени, чем обычно. Балл появится автоматически.",
		})
	}
}

func (g *Gateway) handleCast(c *models.Client, raw json.RawMessage) {
	if g.vote == nil {
		g.sendError(c, "Голосование в этом режиме недоступно.")
		return
	}
	var payload models.CastPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.OptionID == "" {
		g.sendError(c, "Некорректное сообщение.")
		return
	}
	if err := g.vote.Cast(c.ConnID, payload.OptionID); err != nil {
		switch {
		case errors.Is(err, vote.ErrVotingClosed):
			g.sendError(c, "Голосование пока недоступно.")
		case errors.Is(err, vote.ErrUnknownOption):
			g.sendError(c, "Такого варианта нет.")
		case errors.Is(err, vote.ErrAlreadyVoted):
			g.sendError(c, "Вы уже проголосовали.")
		default:
			g.sendError(c, "Не удалось принять голос.")
		}
		return
	}
	c.Send(models.EvtVoteAccepted, models.CastPayload{OptionID: payload.OptionID})
	g.BroadcastState()
}

func (g *Gateway) handleSetStage(c *models.Client, raw json.RawMessage) {
	if g.game == nil {
		g.sendError(c, "Сцены доступны только в режиме викторины.")
		return
	}
	var payload models.SetStagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.sendError(c, "Некорректные параметры смены стейта.")
		return
	}
	var audience models.Audience
	switch payload.Target {
	case "client", "clients":
		audience = models.AudienceClients
	case "display":
		audience = models.AudienceDisplay
	default:
		g.sendError(c, "Некорректные параметры смены стейта.")
		return
	}
	if _, err := g.game.SetStage(audience, payload.StageID); err != nil {
		g.sendError(c, "Такого этапа нет.")
		return
	}
	g.BroadcastState()
}

func (g *Gateway) handleUpdateScore(c *models.Client, raw json.RawMessage) {
	if g.game == nil {
		g.sendError(c, "Очки доступны только в режиме викторины.")
		return
	}
	var payload models.UpdateScorePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.PlayerID == "" {
		g.sendError(c, "Неверные данные для обновления очков.")
		return
	}
	if _, err := g.game.SetScore(payload.PlayerID, payload.Score); err != nil {
		g.sendError(c, "Игрок не найден.")
		return
	}
	g.BroadcastState()
}

func (g *Gateway) handleReset(c *models.Client) {
	if g.cfg.Mode == ModeVote && g.vote != nil {
		g.vote.SetPhase(models.PhaseWaiting)
	} else {
		g.game.ResetAll()
	}
	g.BroadcastState()
}

func (g *Gateway) handleSetPhase(c *models.Client, raw json.RawMessage) {
	if g.vote == nil {
		g.sendError(c, "Режим голосования выключен.")
		return
	}
	var payload models.SetPhasePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.sendError(c, "Некорректное сообщение.")
		return
	}
	if err := g.vote.SetPhase(models.VotePhase(payload.Phase)); err != nil {
		g.sendError(c, "Неизвестная фаза.")
		return
	}
	g.BroadcastState()
}

// sendError は呼び出し元にだけ理由を返す
func (g *Gateway) sendError(c *models.Client, message string) {
	event := models.EvtPlayerError
	if c.Role == models.RoleAdmin {
		event = models.EvtAdminError
	}
	if err := c.Send(event, models.ErrorPayload{Message: message}); err != nil {
		g.logger.Error("Failed to send error message",
			zap.String("connId", c.ConnID), zap.Error(err))
	}
}

func submissionErrorMessage(err error) string {
	switch {
	case errors.Is(err, game.ErrDuplicateSubmission):
		return "Вы уже отвечали на этот вопрос."
	case errors.Is(err, game.ErrStageNotAccepting):
		return "Этот вопрос уже не активен."
	case errors.Is(err, game.ErrNotFound):
		return "Сначала зарегистрируйтесь."
	default:
		return "Не удалось сохранить ответ."
	}
}

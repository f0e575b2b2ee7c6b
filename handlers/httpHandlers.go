package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"promptnight/database"
	"promptnight/game"
	"promptnight/models"
	"promptnight/realtime"
	"promptnight/scoring"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// checkSecret は共有シークレットをヘッダまたはクエリから検証する。
// 不一致なら部分的なスナップショットも返さない
func checkSecret(c *gin.Context, secret string) bool {
	got := c.GetHeader("X-Admin-Secret")
	if got == "" {
		got = c.Query("secret")
	}
	if secret == "" || got != secret {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
		return false
	}
	return true
}

// GetConfig はステージカタログを返す（公開。正解情報は落とす）
func GetConfig(c *gin.Context, catalog *game.Catalog) {
	c.JSON(http.StatusOK, gin.H{"stages": catalog.PublicView()})
}

// GetState は管理者用の全量スナップショットを返す
func GetState(c *gin.Context, m *game.Manager, secret string) {
	if !checkSecret(c, secret) {
		return
	}
	c.JSON(http.StatusOK, m.AdminSnapshot())
}

// ModerateNickname は外部ジャッジでニックネームを審査する。呼び出し元
// ごとにレート制限し、ジャッジ障害は「もう一度」として返す（黙って
// 許可も拒否もしない）
func ModerateNickname(c *gin.Context, judge *scoring.Client, limiter *IPRateLimiter, logger *zap.Logger) {
	var body struct {
		Nickname string `json:"nickname"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Nickname) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Никнейм обязателен."})
		return
	}
	if !limiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"message": "Слишком много запросов. Подождите минуту."})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	result, err := judge.ModerateNickname(ctx, body.Nickname)
	if err != nil {
		logger.Error("ニックネーム審査に失敗しました", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "Модерация временно недоступна. Попробуйте ещё раз."})
		return
	}
	c.JSON(http.StatusOK, result)
}

// AdminSetStage はHTTP経由のステージ変更（ポーリング運用のフォールバック）
func AdminSetStage(c *gin.Context, m *game.Manager, gw *realtime.Gateway, secret string) {
	if !checkSecret(c, secret) {
		return
	}
	var body struct {
		Target  string `json:"target"`
		StageID string `json:"stageId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.StageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "target (client|display) и stageId обязательны."})
		return
	}
	audience := models.AudienceClients
	switch body.Target {
	case "client", "clients":
	case "display":
		audience = models.AudienceDisplay
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "target (client|display) и stageId обязательны."})
		return
	}
	if _, err := m.SetStage(audience, body.StageID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Такого этапа нет."})
		return
	}
	gw.BroadcastState()
	c.JSON(http.StatusOK, m.AdminSnapshot())
}

// AdminEvaluate は提出の手動採点・再採点。デッドレター行きになった
// 提出の救済経路でもある。プレイヤー合計には新旧スコアの差分だけが
// 反映される
func AdminEvaluate(c *gin.Context, m *game.Manager, gw *realtime.Gateway, secret string) {
	if !checkSecret(c, secret) {
		return
	}
	var body struct {
		SubmissionID string `json:"submissionId"`
		Score        int    `json:"score"`
		Notes        string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.SubmissionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "submissionId и score обязательны."})
		return
	}
	sub, err := m.ApplyEvaluation(body.SubmissionID, models.Evaluation{
		Score: scoring.ClampScore(body.Score),
		Notes: body.Notes,
		Mode:  models.EvalManual,
	}, true)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Такого ответа нет."})
		return
	}
	gw.BroadcastState()
	c.JSON(http.StatusOK, sub)
}

// AdminReset はイベント全体のリセット
func AdminReset(c *gin.Context, m *game.Manager, gw *realtime.Gateway, secret string) {
	if !checkSecret(c, secret) {
		return
	}
	m.ResetAll()
	gw.BroadcastState()
	c.JSON(http.StatusOK, m.AdminSnapshot())
}

// Health は永続ストアと外部ジャッジの到達性、接続数、未採点で落ちた
// ジョブ数をまとめて返す
func Health(c *gin.Context, store *database.StateStore, judge *scoring.Client, hub *realtime.Hub, queue *scoring.RedisQueue) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	redisStatus := gin.H{"ok": true}
	healthy := true
	if err := store.Ping(ctx); err != nil {
		redisStatus = gin.H{"ok": false, "error": err.Error()}
		healthy = false
	}
	judgeStatus := gin.H{"ok": true}
	if judge != nil {
		if err := judge.Ping(ctx); err != nil {
			judgeStatus = gin.H{"ok": false, "error": err.Error()}
			healthy = false
		}
	}

	code := http.StatusOK
	status := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	payload := gin.H{
		"status":      status,
		"redis":       redisStatus,
		"judge":       judgeStatus,
		"connections": hub.CountByRole(),
		"updatedAt":   time.Now().UnixMilli(),
	}
	if queue != nil {
		if n, err := queue.DeadCount(ctx); err == nil {
			payload["deadLetters"] = n
		}
	}
	c.JSON(code, payload)
}

// JoinQR は参加用URLのQRコードをPNGで返す（会場スクリーン用）
func JoinQR(c *gin.Context, joinURL string, logger *zap.Logger) {
	if joinURL == "" {
		c.JSON(http.StatusNotFound, gin.H{"message": "Join URL is not configured"})
		return
	}
	png, err := qrcode.Encode(joinURL, qrcode.Medium, 512)
	if err != nil {
		logger.Error("QRコードの生成に失敗しました", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "QR generation failed"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

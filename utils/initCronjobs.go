package utils

import (
	"context"
	"time"

	"promptnight/database"
	"promptnight/scoring"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// デッドレターの保持上限
const deadLetterKeep = 50

// クーロンスケジューラのセットアップ。イベント中のメンテナンス処理を
// 定期実行する
func CronCleaner(store *database.StateStore, queue *scoring.RedisQueue, logger *zap.Logger) {
	c := cron.New()

	// イベント継続中は状態キーのTTLを張り直す（放置イベントだけが消える）
	c.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Refresh(ctx); err != nil {
			logger.Error("状態TTLの更新に失敗しました", zap.Error(err))
		}
	})

	// デッドレターが溜まりすぎないように切り詰める
	if queue != nil {
		c.AddFunc("@hourly", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := queue.TrimDead(ctx, deadLetterKeep); err != nil {
				logger.Error("デッドレターの切り詰めに失敗しました", zap.Error(err))
			}
		})
	}

	c.Start()
}

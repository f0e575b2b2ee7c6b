package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultQueueName はBullMQ時代の名残でコロンを含まない
const DefaultQueueName = "prompt-night-score"

const dequeueBlock = 5 * time.Second

// ScoreJob は「提出があった」と「スコアが判った」を切り離すジョブ
type ScoreJob struct {
	ID           string `json:"id"`
	Question     string `json:"question"`
	Reference    string `json:"reference"`
	Answer       string `json:"answer"`
	PlayerID     string `json:"playerId"`
	StageID      string `json:"stageId"`
	SubmissionID string `json:"submissionId"`
	Attempt      int    `json:"attempt"`

	raw string // dequeue時の生ペイロード。Ack/Killで使う
}

// Queue は採点パイプラインの永続ジョブキュー
type Queue interface {
	Enqueue(ctx context.Context, job *ScoreJob) error
	// Dequeue blocks briefly and returns (nil, nil) when no job arrived.
	Dequeue(ctx context.Context) (*ScoreJob, error)
	Ack(ctx context.Context, job *ScoreJob) error
	// Kill moves the job to the dead-letter list.
	Kill(ctx context.Context, job *ScoreJob) error
	// RecoverStalled returns jobs stuck in the processing list to waiting.
	RecoverStalled(ctx context.Context) (int, error)
}

// RedisQueue はRedisリストを使った永続キュー。待ちリストから処理中
// リストへ原子的に移し、完了時に取り除く。プロセスが落ちても
// ジョブ自体は失われない
type RedisQueue struct {
	rdb    *redis.Client
	name   string
	logger *zap.Logger
}

func NewRedisQueue(rdb *redis.Client, name string, logger *zap.Logger) *RedisQueue {
	if name == "" {
		name = DefaultQueueName
	}
	return &RedisQueue{rdb: rdb, name: name, logger: logger}
}

func (q *RedisQueue) waitingKey() string    { return q.name }
func (q *RedisQueue) processingKey() string { return q.name + ":processing" }
func (q *RedisQueue) deadKey() string       { return q.name + ":dead" }

func (q *RedisQueue) Enqueue(ctx context.Context, job *ScoreJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.waitingKey(), payload).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*ScoreJob, error) {
	raw, err := q.rdb.BRPopLPush(ctx, q.waitingKey(), q.processingKey(), dequeueBlock).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job ScoreJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// 壊れたペイロードは処理中リストから外してデッドレターへ
		q.logger.Error("壊れた採点ジョブを破棄します", zap.Error(err))
		pipe := q.rdb.Pipeline()
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.LPush(ctx, q.deadKey(), raw)
		pipe.Exec(ctx)
		return nil, nil
	}
	job.raw = raw
	return &job, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job *ScoreJob) error {
	return q.rdb.LRem(ctx, q.processingKey(), 1, job.raw).Err()
}

func (q *RedisQueue) Kill(ctx context.Context, job *ScoreJob) error {
	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, q.processingKey(), 1, job.raw)
	pipe.LPush(ctx, q.deadKey(), job.raw)
	_, err := pipe.Exec(ctx)
	return err
}

// RecoverStalled は処理中リストに取り残されたジョブを待ちリストへ
// 戻す。前回のプロセスがDequeueとAckの間で落ちた場合の回収経路で、
// 起動時（ワーカー開始前）に呼ぶ。採点の反映はwrite-if-absentなので
// 同じジョブをもう一度流しても二重加点にはならない
func (q *RedisQueue) RecoverStalled(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.rdb.RPopLPush(ctx, q.processingKey(), q.waitingKey()).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// TrimDead はデッドレターの保持件数を抑える（cronから呼ばれる）
func (q *RedisQueue) TrimDead(ctx context.Context, max int64) error {
	return q.rdb.LTrim(ctx, q.deadKey(), 0, max-1).Err()
}

// DeadCount は未採点で落ちたジョブの数。管理画面の監視用
func (q *RedisQueue) DeadCount(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.deadKey()).Result()
}

package scoring

import (
	"context"
	"sync"
	"time"

	"promptnight/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Applier は採点結果をゲーム状態へ反映する側の契約。
// ワーカーは状態管理の詳細を知らない
type Applier interface {
	ApplyScore(job *ScoreJob, res ScoreResult) error
}

// Pool は有界並列の採点ワーカー群。ジャッジ呼び出しはレートリミッタ
// で絞り、失敗は指数バックオフで再試行する。リトライ上限に達した
// ジョブはデッドレターへ移り、提出は未採点のまま残る
type Pool struct {
	queue   Queue
	scorer  Scorer
	applier Applier
	limiter *rate.Limiter
	logger  *zap.Logger

	workers        int
	attempts       int
	backoffBase    time.Duration
	attemptTimeout time.Duration
	waitTimeout    time.Duration

	mu      sync.Mutex
	waiters map[string]chan ScoreResult // jobID → 同期待ちの通知先
}

func NewPool(queue Queue, scorer Scorer, applier Applier, cfg models.Config, logger *zap.Logger) *Pool {
	workers := cfg.ScoreWorkers
	if workers <= 0 {
		workers = 5
	}
	attempts := cfg.ScoreAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := cfg.ScoreBackoffBase
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	attemptTimeout := cfg.ScoreTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = 8 * time.Second
	}
	waitTimeout := cfg.ScoreWaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 15 * time.Second
	}
	perSec := cfg.ScoreRatePerSec
	if perSec <= 0 {
		perSec = 2
	}
	burst := cfg.ScoreRateBurst
	if burst <= 0 {
		burst = int(perSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &Pool{
		queue:          queue,
		scorer:         scorer,
		applier:        applier,
		limiter:        rate.NewLimiter(rate.Limit(perSec), burst),
		logger:         logger,
		workers:        workers,
		attempts:       attempts,
		backoffBase:    backoff,
		attemptTimeout: attemptTimeout,
		waitTimeout:    waitTimeout,
		waiters:        make(map[string]chan ScoreResult),
	}
}

// WaitTimeout は同期呼び出し側が諦めるまでの上限
func (p *Pool) WaitTimeout() time.Duration {
	return p.waitTimeout
}

// Submit はジョブを永続キューへ積み、完了通知用のチャンネルを返す。
// 結果が届くとチャンネルに1件流れ、デッドレター行きならcloseされる。
// ゲートウェイのイベントループはこの呼び出しでブロックしない
func (p *Pool) Submit(ctx context.Context, job *ScoreJob) (<-chan ScoreResult, error) {
	ch := make(chan ScoreResult, 1)
	p.mu.Lock()
	p.waiters[job.ID] = ch
	p.mu.Unlock()

	if err := p.queue.Enqueue(ctx, job); err != nil {
		p.dropWaiter(job.ID)
		return nil, err
	}
	return ch, nil
}

// Run はワーカーを起動し、ctxが閉じるまで処理を続ける。起動時に
// 前回のプロセスが処理中のまま落としたジョブを拾い直す
func (p *Pool) Run(ctx context.Context) error {
	if n, err := p.queue.RecoverStalled(ctx); err != nil {
		p.logger.Error("取り残された採点ジョブの回収に失敗しました", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("stalled score jobs requeued", zap.Int("jobs", n))
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.work(ctx)
		})
	}
	p.logger.Info("scoring workers started", zap.Int("workers", p.workers))
	return g.Wait()
}

func (p *Pool) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("採点キューの取得に失敗しました", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			continue // タイムアウト。キューは空
		}
		p.process(ctx, job)
	}
}

// process は1ジョブを上限回数まで再試行する。他のジョブや
// ブロードキャスト経路を巻き込まないよう、失敗はここで完結させる
func (p *Pool) process(ctx context.Context, job *ScoreJob) {
	for attempt := job.Attempt; attempt < p.attempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
		res, err := p.scorer.ScoreAnswer(cctx, job.Question, job.Reference, job.Answer)
		cancel()
		if err == nil {
			if err := p.applier.ApplyScore(job, res); err != nil {
				p.logger.Error("採点結果の反映に失敗しました",
					zap.String("jobId", job.ID), zap.Error(err))
			}
			if err := p.queue.Ack(ctx, job); err != nil {
				p.logger.Warn("failed to ack score job", zap.String("jobId", job.ID), zap.Error(err))
			}
			p.notifyWaiter(job.ID, res)
			return
		}

		p.logger.Warn("ジャッジ呼び出しに失敗しました",
			zap.String("jobId", job.ID), zap.Int("attempt", attempt+1), zap.Error(err))
		if attempt+1 < p.attempts {
			backoff := p.backoffBase << uint(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
	}

	// リトライ上限。提出は未採点のまま管理者に「pending」で見える
	if err := p.queue.Kill(ctx, job); err != nil {
		p.logger.Error("failed to dead-letter score job", zap.String("jobId", job.ID), zap.Error(err))
	}
	p.logger.Error("採点ジョブを断念しました",
		zap.String("jobId", job.ID), zap.String("submissionId", job.SubmissionID))
	p.dropWaiter(job.ID)
}

func (p *Pool) notifyWaiter(jobID string, res ScoreResult) {
	p.mu.Lock()
	ch, ok := p.waiters[jobID]
	delete(p.waiters, jobID)
	p.mu.Unlock()
	if ok {
		ch <- res
		close(ch)
	}
}

func (p *Pool) dropWaiter(jobID string) {
	p.mu.Lock()
	ch, ok := p.waiters[jobID]
	delete(p.waiters, jobID)
	p.mu.Unlock()
	if ok {
		close(ch)
	}
}

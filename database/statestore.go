package database

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"promptnight/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	// DefaultStateKey は1イベントぶんの状態を保持するキー
	DefaultStateKey = "prompt-night:state:v1"
	// DefaultStateChannel は外部アクターの変更通知チャンネル
	DefaultStateChannel = "prompt-night:state:changed"
	// DefaultStateTTL を過ぎた放置イベントはRedisから消える
	DefaultStateTTL = 24 * time.Hour

	persistTimeout = 5 * time.Second
)

// StateStore はゲーム状態のロード・保存と変更通知を担当する。
// 保存はベストエフォートであり、失敗してもライブセッションは続行する
type StateStore struct {
	rdb     *redis.Client
	key     string
	channel string
	ttl     time.Duration
	logger  *zap.Logger

	// 非同期保存は専用ゴルーチン1本に集約する。常に最新バージョン
	// だけを書くので、古い状態が新しい状態を上書きすることはない
	mu            sync.Mutex
	latest        *models.PersistedState
	queuedVersion int64
	kick          chan struct{}
}

func NewStateStore(rdb *redis.Client, cfg models.Config, logger *zap.Logger) *StateStore {
	s := &StateStore{
		rdb:     rdb,
		key:     cfg.StateKey,
		channel: cfg.StateChannel,
		ttl:     cfg.StateTTL,
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}
	if s.key == "" {
		s.key = DefaultStateKey
	}
	if s.channel == "" {
		s.channel = DefaultStateChannel
	}
	if s.ttl <= 0 {
		s.ttl = DefaultStateTTL
	}
	go s.persistLoop()
	return s
}

// Load は起動時に一度だけ呼ばれる。キーが無ければ (nil, nil)
func (s *StateStore) Load(ctx context.Context) (*models.PersistedState, error) {
	raw, err := s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state models.PersistedState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Persist は状態をTTL付きで保存する
func (s *StateStore) Persist(ctx context.Context, state *models.PersistedState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key, payload, s.ttl).Err()
}

// PersistAsync はブロードキャスト経路を遅らせないための非同期保存。
// 要求はコアレスされ、保存ゴルーチンはその時点の最新バージョンだけを
// 書く。失敗はログに残すだけで呼び出し元には返さない
func (s *StateStore) PersistAsync(state *models.PersistedState) {
	s.mu.Lock()
	if state.Version <= s.queuedVersion {
		// 通知の順序が入れ替わった古い状態
		s.mu.Unlock()
		return
	}
	s.queuedVersion = state.Version
	s.latest = state
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *StateStore) persistLoop() {
	for range s.kick {
		s.mu.Lock()
		state := s.latest
		s.mu.Unlock()
		if state == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := s.Persist(ctx, state)
		cancel()
		if err != nil {
			s.logger.Error("状態の保存に失敗しました",
				zap.Int64("version", state.Version), zap.Error(err))
		}
	}
}

// Refresh はイベント継続中にTTLを張り直す（cronから呼ばれる）
func (s *StateStore) Refresh(ctx context.Context) error {
	ok, err := s.rdb.Expire(ctx, s.key, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		// キーが無いだけなら異常ではない
		s.logger.Debug("state key not present, nothing to refresh")
	}
	return nil
}

// Publish は採点ワーカーなどプロセス外のアクターが状態を直接更新した
// ことを権威プロセスへ知らせる
func (s *StateStore) Publish(ctx context.Context) error {
	return s.rdb.Publish(ctx, s.channel, "updated").Err()
}

// Subscribe は変更通知を受けるチャンネルを返す。権威プロセスは通知の
// たびに全量リロードして再ブロードキャストする（部分マージはしない）
func (s *StateStore) Subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := s.rdb.Subscribe(ctx, s.channel)
	go func() {
		defer sub.Close()
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				// 通知が連続しても1回のリロードにまとめる
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

// Ping はヘルスチェック用
func (s *StateStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

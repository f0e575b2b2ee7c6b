// Package vote は単発の時間制アクティビティ（投票）向けの簡易な
// ステージドライバ。waiting → voting → collecting の3状態で、
// voting への遷移だけがタイマー駆動の自動遷移を持つ
package vote

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"promptnight/models"

	"go.uber.org/zap"
)

var (
	// ErrVotingClosed は voting 以外のフェーズでの投票
	ErrVotingClosed = errors.New("voting is not open")
	// ErrUnknownOption は存在しない選択肢
	ErrUnknownOption = errors.New("unknown option")
	// ErrAlreadyVoted は同一接続からの二重投票。上書きはしない
	ErrAlreadyVoted = errors.New("already voted")
	// ErrUnknownPhase は admin:set-phase の不正な値
	ErrUnknownPhase = errors.New("unknown phase")
)

// Manager は投票バリアントの状態機械
type Manager struct {
	mu     sync.Mutex
	logger *zap.Logger
	task   models.VotingTask

	phase        models.VotePhase
	votes        map[string]string // connID → optionID
	counts       map[string]int    // optionID → 票数
	votingEndsAt time.Time         // ゼロ値なら締切なし
	updatedAt    int64

	// タイマーは常に高々1本。世代カウンタで古い発火を無効化する
	timer    *time.Timer
	timerGen int

	onAutoCollect func()
}

func NewManager(task models.VotingTask, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:    logger,
		task:      task,
		phase:     models.PhaseWaiting,
		votes:     make(map[string]string),
		counts:    make(map[string]int),
		updatedAt: time.Now().UnixMilli(),
	}
	m.resetCountsLocked()
	return m
}

// SetOnAutoCollect は自動遷移後の再ブロードキャストを差し込む。
// 配信開始前に一度だけ呼ぶこと
func (m *Manager) SetOnAutoCollect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAutoCollect = fn
}

// Task returns the immutable voting task definition.
func (m *Manager) Task() models.VotingTask {
	return m.task
}

// Phase returns the current phase.
func (m *Manager) Phase() models.VotePhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// StartVoting は投票を開始する。前回の票と集計を消し、締切タイマーを
// 1本だけ張る
func (m *Manager) StartVoting() {
	m.mu.Lock()
	m.phase = models.PhaseVoting
	m.votes = make(map[string]string)
	m.resetCountsLocked()
	duration := time.Duration(m.task.DurationSeconds) * time.Second
	m.votingEndsAt = time.Now().Add(duration)
	m.scheduleAutoCollectLocked(duration)
	m.touchLocked()
	m.mu.Unlock()
	m.logger.Info("voting started", zap.Duration("duration", duration))
}

// SetPhase は手動のフェーズ変更。カウントダウン中の手動変更では
// 必ずタイマーを取り消す（取り消し後に古いタイマーが発火することはない）
func (m *Manager) SetPhase(phase models.VotePhase) error {
	if phase == models.PhaseVoting {
		m.StartVoting()
		return nil
	}
	switch phase {
	case models.PhaseWaiting, models.PhaseCollecting:
	default:
		return ErrUnknownPhase
	}

	m.mu.Lock()
	m.phase = phase
	m.votingEndsAt = time.Time{}
	m.clearTimerLocked()
	if phase == models.PhaseWaiting {
		m.votes = make(map[string]string)
		m.resetCountsLocked()
	}
	m.touchLocked()
	m.mu.Unlock()
	m.logger.Info("phase changed", zap.String("phase", string(phase)))
	return nil
}

// Cast は1接続1票。votingフェーズでのみ受け付け、二重投票は拒否する
func (m *Manager) Cast(connID, optionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != models.PhaseVoting {
		return ErrVotingClosed
	}
	if _, ok := m.counts[optionID]; !ok {
		return ErrUnknownOption
	}
	if _, voted := m.votes[connID]; voted {
		return ErrAlreadyVoted
	}
	m.votes[connID] = optionID
	m.counts[optionID]++
	m.touchLocked()
	return nil
}

// PublicSnapshot は参加者・スクリーン向け。集計は含めない
func (m *Manager) PublicSnapshot() *models.VotingSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshotLocked()
	return &snap
}

// AdminSnapshot は集計・パーセンテージ込み。パーセンテージは保存
// せず要求時に計算する
func (m *Manager) AdminSnapshot() *models.AdminVotingSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, c := range m.counts {
		total += c
	}
	results := make([]models.VoteResult, 0, len(m.task.Options))
	for _, opt := range m.task.Options {
		count := m.counts[opt.ID]
		pct := 0
		if total > 0 {
			pct = int(float64(count)/float64(total)*100 + 0.5)
		}
		results = append(results, models.VoteResult{
			OptionID:   opt.ID,
			Title:      opt.Title,
			Count:      count,
			Percentage: pct,
		})
	}
	return &models.AdminVotingSnapshot{
		VotingSnapshot: m.snapshotLocked(),
		TotalVotes:     total,
		Results:        results,
	}
}

func (m *Manager) snapshotLocked() models.VotingSnapshot {
	snap := models.VotingSnapshot{
		Phase:     m.phase,
		Task:      m.task,
		UpdatedAt: m.updatedAt,
	}
	if !m.votingEndsAt.IsZero() {
		endsAt := m.votingEndsAt.UnixMilli()
		snap.VotingEndsAt = &endsAt
		left := int(time.Until(m.votingEndsAt).Seconds() + 0.999)
		if left < 0 {
			left = 0
		}
		snap.TimeLeftSeconds = &left
	}
	return snap
}

func (m *Manager) resetCountsLocked() {
	m.counts = make(map[string]int, len(m.task.Options))
	for _, opt := range m.task.Options {
		m.counts[opt.ID] = 0
	}
}

func (m *Manager) touchLocked() {
	m.updatedAt = time.Now().UnixMilli()
}

func (m *Manager) clearTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	// Stopが間に合わず既に発火していても、世代が進んでいれば無視される
	m.timerGen++
}

func (m *Manager) scheduleAutoCollectLocked(d time.Duration) {
	m.clearTimerLocked()
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() {
		m.autoCollect(gen)
	})
}

func (m *Manager) autoCollect(gen int) {
	m.mu.Lock()
	if gen != m.timerGen || m.phase != models.PhaseVoting {
		// 手動遷移に追い越された古いタイマー
		m.mu.Unlock()
		return
	}
	m.phase = models.PhaseCollecting
	m.votingEndsAt = time.Time{}
	m.timer = nil
	m.timerGen++
	m.touchLocked()
	fn := m.onAutoCollect
	m.mu.Unlock()

	m.logger.Info("voting auto-collected")
	if fn != nil {
		fn()
	}
}

// LoadTask は投票タスク定義をJSONファイルから読み込む
func LoadTask(path string) (models.VotingTask, error) {
	var task models.VotingTask
	raw, err := os.ReadFile(path)
	if err != nil {
		return task, fmt.Errorf("投票タスクの読み込みに失敗しました: %w", err)
	}
	if err := json.Unmarshal(raw, &task); err != nil {
		return task, fmt.Errorf("投票タスクの解析に失敗しました: %w", err)
	}
	if task.DurationSeconds <= 0 || len(task.Options) == 0 {
		return task, fmt.Errorf("投票タスクが不完全です: durationSecondsとoptionsは必須")
	}
	return task, nil
}

// DefaultTask はファイル指定がないときのサンプルタスク
func DefaultTask() models.VotingTask {
	return models.VotingTask{
		ID:              "default-vote",
		Title:           "Выберите фаворита",
		Instructions:    "Голос можно отправить только один раз.",
		DurationSeconds: 180,
		Options: []models.VoteOption{
			{ID: "option-1", Title: "Вариант №1"},
			{ID: "option-2", Title: "Вариант №2"},
			{ID: "option-3", Title: "Вариант №3"},
		},
	}
}

package game

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"promptnight/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrValidation は入力不備。状態は一切変化しない
	ErrValidation = errors.New("validation failed")
	// ErrNotFound は未知のプレイヤーまたはステージID
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSubmission は (player, stage) の二重提出
	ErrDuplicateSubmission = errors.New("submission already exists")
	// ErrStageNotAccepting は現在アクティブでない・question以外のステージへの提出
	ErrStageNotAccepting = errors.New("stage is not accepting submissions")
)

// Manager はゲーム状態の唯一の書き手。全ての変更はこのインスタンスを
// 通る。接続ごとのハンドラから並行に呼ばれるためmutexで直列化する
type Manager struct {
	mu          sync.Mutex
	catalog     *Catalog
	logger      *zap.Logger
	players     map[string]*models.Player
	submissions map[string]*models.Submission
	subIndex    map[string]string // playerID+"/"+stageID → submissionID

	clientStageID  string
	displayStageID string
	version        int64
	updatedAt      int64

	onChange func(*models.PersistedState) // 変更後にロック外で呼ばれる
	nowFn    func() int64                 // テストで差し替える
}

// NewManager はカタログ既定値から空の状態を作る
func NewManager(catalog *Catalog, logger *zap.Logger) *Manager {
	m := &Manager{
		catalog:     catalog,
		logger:      logger,
		players:     make(map[string]*models.Player),
		submissions: make(map[string]*models.Submission),
		subIndex:    make(map[string]string),
		nowFn:       func() int64 { return time.Now().UnixMilli() },
	}
	m.clientStageID = catalog.DefaultStage(models.AudienceClients).ID
	m.displayStageID = catalog.DefaultStage(models.AudienceDisplay).ID
	return m
}

// SetOnChange は変更通知のコールバックを設定する。永続化やブロード
// キャストはここに差し込む。配信まで開始する前に一度だけ呼ぶこと
func (m *Manager) SetOnChange(fn func(*models.PersistedState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// RegisterPlayer は新規登録または再接続を処理する。existingID が既知
// なら同じプレイヤーを更新して返す（重複は作らない）
func (m *Manager) RegisterPlayer(name, existingID, connID string) (*models.Player, error) {
	m.mu.Lock()
	name = strings.TrimSpace(name)

	if existingID != "" {
		if p, ok := m.players[existingID]; ok {
			// 再接続。履歴とスコアはそのまま
			if name != "" {
				p.Name = name
			}
			p.IsOnline = true
			p.ConnID = connID
			p.LastActive = m.nowFn()
			out := clonePlayer(p)
			st := m.touchLocked()
			m.mu.Unlock()
			m.notify(st)
			return out, nil
		}
	}

	if name == "" {
		m.mu.Unlock()
		return nil, ErrValidation
	}

	id := existingID
	if id == "" {
		id = uuid.NewString()
	}
	now := m.nowFn()
	p := &models.Player{
		ID:         id,
		Name:       name,
		JoinedAt:   now,
		LastActive: now,
		IsOnline:   true,
		ConnID:     connID,
	}
	m.players[id] = p
	out := clonePlayer(p)
	st := m.touchLocked()
	m.mu.Unlock()
	m.notify(st)
	m.logger.Info("player registered", zap.String("playerId", id), zap.String("name", name))
	return out, nil
}

// MarkOffline は接続ハンドルの持ち主をオフラインにする。削除はしない
// ので履歴とスコアは残る。持ち主がいなければ何もしない
func (m *Manager) MarkOffline(connID string) {
	if connID == "" {
		return
	}
	m.mu.Lock()
	var st *models.PersistedState
	for _, p := range m.players {
		if p.ConnID == connID {
			p.IsOnline = false
			p.ConnID = ""
			p.LastActive = m.nowFn()
			st = m.touchLocked()
			break
		}
	}
	m.mu.Unlock()
	m.notify(st)
}

// IncrementScore はスコアを差分更新する。結果は0未満にならない
func (m *Manager) IncrementScore(playerID string, delta int) (*models.Player, error) {
	m.mu.Lock()
	p, ok := m.players[playerID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	p.Score = clampScore(p.Score + delta)
	p.LastActive = m.nowFn()
	out := clonePlayer(p)
	st := m.touchLocked()
	m.mu.Unlock()
	m.notify(st)
	return out, nil
}

// SetScore はスコアを絶対値で設定する（管理者の上書き用）
func (m *Manager) SetScore(playerID string, score int) (*models.Player, error) {
	m.mu.Lock()
	p, ok := m.players[playerID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	old := p.Score
	p.Score = clampScore(score)
	p.LastActive = m.nowFn()
	out := clonePlayer(p)
	st := m.touchLocked()
	m.mu.Unlock()
	m.notify(st)
	m.logger.Info("score overridden by admin",
		zap.String("playerId", playerID), zap.Int("old", old), zap.Int("new", out.Score))
	return out, nil
}

// RecordSubmission は提出を検証して記録する。eval が非nilなら同期採点
// 済みとして即座に反映する（選択式の経路）
func (m *Manager) RecordSubmission(playerID, stageID, answer string, eval *models.Evaluation) (*models.Submission, error) {
	m.mu.Lock()
	p, ok := m.players[playerID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	stage, ok := m.catalog.Get(stageID)
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	// questionステージかつ現在clients側でアクティブな場合のみ受け付ける
	if stage.Kind != models.StageQuestion || stageID != m.clientStageID {
		m.mu.Unlock()
		return nil, ErrStageNotAccepting
	}
	key := subKey(playerID, stageID)
	if _, dup := m.subIndex[key]; dup {
		m.mu.Unlock()
		return nil, ErrDuplicateSubmission
	}

	sub := &models.Submission{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		StageID:   stageID,
		Answer:    answer,
		CreatedAt: m.nowFn(),
	}
	if eval != nil {
		e := *eval
		sub.Evaluation = &e
		p.Score = clampScore(p.Score + e.Score)
	}
	m.submissions[sub.ID] = sub
	m.subIndex[key] = sub.ID
	p.LastActive = m.nowFn()
	out := cloneSubmission(sub)
	st := m.touchLocked()
	m.mu.Unlock()
	m.notify(st)
	return out, nil
}

// ApplyEvaluation は採点結果を提出へ反映する。force=false のときは
// write-if-absent：既に採点済みなら何もしない（プロセス外の採点が
// リロードと競合しても無害になる）。force=true は管理者の再採点で、
// プレイヤー合計には新旧スコアの差分だけを適用する
func (m *Manager) ApplyEvaluation(submissionID string, eval models.Evaluation, force bool) (*models.Submission, error) {
	m.mu.Lock()
	sub, ok := m.submissions[submissionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if sub.Evaluation != nil && !force {
		out := cloneSubmission(sub)
		m.mu.Unlock()
		return out, nil
	}

	old := 0
	if sub.Evaluation != nil {
		old = sub.Evaluation.Score
	}
	e := eval
	sub.Evaluation = &e
	if p, ok := m.players[sub.PlayerID]; ok {
		p.Score = clampScore(p.Score + e.Score - old)
		p.LastActive = m.nowFn()
	}
	out := cloneSubmission(sub)
	st := m.touchLocked()
	m.mu.Unlock()
	m.notify(st)
	if force {
		m.logger.Info("submission re-evaluated",
			zap.String("submissionId", submissionID),
			zap.Int("oldScore", old), zap.Int("newScore", e.Score))
	}
	return out, nil
}

// SetStage は片方のオーディエンスのポインタだけを動かす
func (m *Manager) SetStage(audience models.Audience, stageID string) (*models.Stage, error) {
	m.mu.Lock()
	stage, ok := m.catalog.Get(stageID)
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	switch audience {
	case models.AudienceClients:
		m.clientStageID = stageID
	case models.AudienceDisplay:
		m.displayStageID = stageID
	default:
		m.mu.Unlock()
		return nil, ErrValidation
	}
	st := m.touchLocked()
	m.mu.Unlock()
	m.notify(st)
	m.logger.Info("stage changed",
		zap.String("audience", string(audience)), zap.String("stageId", stageID))
	return stage, nil
}

// ResetAll はイベントを最初からやり直す
func (m *Manager) ResetAll() {
	m.mu.Lock()
	m.players = make(map[string]*models.Player)
	m.submissions = make(map[string]*models.Submission)
	m.subIndex = make(map[string]string)
	m.clientStageID = m.catalog.DefaultStage(models.AudienceClients).ID
	m.displayStageID = m.catalog.DefaultStage(models.AudienceDisplay).ID
	st := m.touchLocked()
	m.mu.Unlock()
	m.notify(st)
	m.logger.Info("game state reset")
}

// Restore は起動時に保存済み状態から復元する。接続は全て切れている
// ので全員オフライン扱いにする
func (m *Manager) Restore(state *models.PersistedState) {
	if state == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyStateLocked(state, nil)
	m.logger.Info("game state restored",
		zap.Int64("version", state.Version), zap.Int("players", len(state.Players)))
}

// Reload はプロセス外の変更通知に対する全量リロード。保存済みの方が
// 新しい場合だけ適用し、現在のオンライン状態は維持する
func (m *Manager) Reload(state *models.PersistedState) bool {
	if state == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if state.Version <= m.version {
		return false
	}
	live := make(map[string]string) // playerID → ConnID
	for _, p := range m.players {
		if p.IsOnline {
			live[p.ID] = p.ConnID
		}
	}
	m.applyStateLocked(state, live)
	m.logger.Info("game state reloaded from store", zap.Int64("version", state.Version))
	return true
}

func (m *Manager) applyStateLocked(state *models.PersistedState, live map[string]string) {
	m.players = make(map[string]*models.Player, len(state.Players))
	for _, p := range state.Players {
		cp := clonePlayer(p)
		if connID, ok := live[cp.ID]; ok {
			cp.IsOnline = true
			cp.ConnID = connID
		} else {
			cp.IsOnline = false
			cp.ConnID = ""
		}
		m.players[cp.ID] = cp
	}
	m.submissions = make(map[string]*models.Submission, len(state.Submissions))
	m.subIndex = make(map[string]string, len(state.Submissions))
	for _, s := range state.Submissions {
		cp := cloneSubmission(s)
		m.submissions[cp.ID] = cp
		m.subIndex[subKey(cp.PlayerID, cp.StageID)] = cp.ID
	}
	m.clientStageID = state.ClientStageID
	m.displayStageID = state.DisplayStageID
	if _, ok := m.catalog.Get(m.clientStageID); !ok {
		m.clientStageID = m.catalog.DefaultStage(models.AudienceClients).ID
	}
	if _, ok := m.catalog.Get(m.displayStageID); !ok {
		m.displayStageID = m.catalog.DefaultStage(models.AudienceDisplay).ID
	}
	m.version = state.Version
	m.updatedAt = state.UpdatedAt
}

// AdminSnapshot は全量のプロジェクション。副作用なし
func (m *Manager) AdminSnapshot() *models.AdminSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := &models.AdminSnapshot{
		ClientStageID:  m.clientStageID,
		DisplayStageID: m.displayStageID,
		Players:        m.playersSortedLocked(),
		Submissions:    m.submissionsSortedLocked(),
		Leaderboard:    m.leaderboardLocked(0),
		Version:        m.version,
		UpdatedAt:      m.updatedAt,
	}
	return snap
}

// PublicSnapshot はオーディエンス向けのプロジェクション。他人の提出や
// 正解情報は含まれない。副作用なし
func (m *Manager) PublicSnapshot(audience models.Audience) *models.PublicSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	stageID := m.clientStageID
	if audience == models.AudienceDisplay {
		stageID = m.displayStageID
	}
	stage, _ := m.catalog.Get(stageID)
	limit := defaultLeaderboardLimit
	if stage != nil && stage.Kind == models.StageLeaderboard {
		limit = stage.Leaderboard.Limit
	}
	return &models.PublicSnapshot{
		Audience:    audience,
		StageID:     stageID,
		Stage:       PublicStageView(stage),
		Leaderboard: m.leaderboardLocked(limit),
		Version:     m.version,
		UpdatedAt:   m.updatedAt,
	}
}

// PersistedState は保存用の直列化可能なコピーを返す
func (m *Manager) PersistedState() *models.PersistedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistedLocked()
}

// SubmissionByID は採点ワーカーや管理画面向けの単品参照
func (m *Manager) SubmissionByID(id string) (*models.Submission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return nil, false
	}
	return cloneSubmission(sub), true
}

func (m *Manager) touchLocked() *models.PersistedState {
	m.version++
	m.updatedAt = m.nowFn()
	return m.persistedLocked()
}

func (m *Manager) notify(st *models.PersistedState) {
	if st == nil || m.onChange == nil {
		return
	}
	m.onChange(st)
}

func (m *Manager) persistedLocked() *models.PersistedState {
	return &models.PersistedState{
		ClientStageID:  m.clientStageID,
		DisplayStageID: m.displayStageID,
		Players:        m.playersSortedLocked(),
		Submissions:    m.submissionsSortedLocked(),
		Version:        m.version,
		UpdatedAt:      m.updatedAt,
	}
}

func (m *Manager) playersSortedLocked() []*models.Player {
	out := make([]*models.Player, 0, len(m.players))
	for _, p := range m.players {
		out = append(out, clonePlayer(p))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) submissionsSortedLocked() []*models.Submission {
	out := make([]*models.Submission, 0, len(m.submissions))
	for _, s := range m.submissions {
		out = append(out, cloneSubmission(s))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// leaderboardLocked はスコア降順、同点は参加が早い順。limit<=0 で全件
func (m *Manager) leaderboardLocked(limit int) []models.LeaderboardEntry {
	players := m.playersSortedLocked() // JoinedAt昇順なので安定ソートで同点順が保たれる
	sort.SliceStable(players, func(i, j int) bool {
		return players[i].Score > players[j].Score
	})
	if limit > 0 && len(players) > limit {
		players = players[:limit]
	}
	out := make([]models.LeaderboardEntry, 0, len(players))
	for _, p := range players {
		out = append(out, models.LeaderboardEntry{
			PlayerID: p.ID,
			Name:     p.Name,
			Score:    p.Score,
			IsOnline: p.IsOnline,
		})
	}
	return out
}

func subKey(playerID, stageID string) string {
	return playerID + "/" + stageID
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func clonePlayer(p *models.Player) *models.Player {
	cp := *p
	return &cp
}

func cloneSubmission(s *models.Submission) *models.Submission {
	cp := *s
	if s.Evaluation != nil {
		e := *s.Evaluation
		cp.Evaluation = &e
	}
	return &cp
}

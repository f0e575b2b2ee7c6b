package game

import (
	"errors"
	"testing"

	"promptnight/models"

	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	c, err := NewCatalog(validStages())
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	m := NewManager(c, zap.NewNop())
	// テストの決定性のため時刻を手動で進める
	clock := int64(1000)
	m.nowFn = func() int64 {
		clock++
		return clock
	}
	return m
}

func mustRegister(t *testing.T, m *Manager, name, connID string) *models.Player {
	t.Helper()
	p, err := m.RegisterPlayer(name, "", connID)
	if err != nil {
		t.Fatalf("RegisterPlayer(%q) error = %v", name, err)
	}
	return p
}

func TestRegisterPlayer(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.RegisterPlayer("", "", "conn-1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("register without name: error = %v, want ErrValidation", err)
	}

	p := mustRegister(t, m, "Аня", "conn-1")
	if p.ID == "" || !p.IsOnline {
		t.Fatalf("unexpected player after register: %+v", p)
	}

	// 再接続：同じIDのまま、スコアと履歴を引き継ぐ
	if _, err := m.IncrementScore(p.ID, 7); err != nil {
		t.Fatalf("IncrementScore() error = %v", err)
	}
	again, err := m.RegisterPlayer("", p.ID, "conn-2")
	if err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if again.ID != p.ID || again.Score != 7 {
		t.Fatalf("reconnect lost identity or score: %+v", again)
	}

	// 未知のIDと名前の組は新規作成。指定IDは尊重する
	restored, err := m.RegisterPlayer("Борис", "saved-id", "conn-3")
	if err != nil {
		t.Fatalf("register with supplied id: error = %v", err)
	}
	if restored.ID != "saved-id" {
		t.Fatalf("supplied id not reused: %q", restored.ID)
	}
}

func TestMarkOffline(t *testing.T) {
	m := newTestManager(t)
	p := mustRegister(t, m, "Аня", "conn-1")

	m.MarkOffline("unknown-conn") // no-op
	m.MarkOffline("conn-1")

	snap := m.AdminSnapshot()
	if len(snap.Players) != 1 {
		t.Fatalf("players = %d, want 1", len(snap.Players))
	}
	if snap.Players[0].IsOnline {
		t.Errorf("player %s still online after MarkOffline", p.ID)
	}
}

func TestScoreClamp(t *testing.T) {
	m := newTestManager(t)
	p := mustRegister(t, m, "Аня", "conn-1")

	if got, _ := m.IncrementScore(p.ID, -5); got.Score != 0 {
		t.Errorf("decrement below zero: score = %d, want 0", got.Score)
	}
	if got, _ := m.SetScore(p.ID, -3); got.Score != 0 {
		t.Errorf("SetScore(-3): score = %d, want 0", got.Score)
	}
	if _, err := m.SetScore("ghost", 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetScore on unknown player: error = %v, want ErrNotFound", err)
	}
}

func TestRecordSubmission(t *testing.T) {
	m := newTestManager(t)
	p := mustRegister(t, m, "Аня", "conn-1")

	// clients側のポインタがquestionに乗っていない間は受け付けない
	if _, err := m.RecordSubmission(p.ID, "q-free", "ответ", nil); !errors.Is(err, ErrStageNotAccepting) {
		t.Fatalf("submit before stage active: error = %v, want ErrStageNotAccepting", err)
	}

	if _, err := m.SetStage(models.AudienceClients, "q-free"); err != nil {
		t.Fatalf("SetStage() error = %v", err)
	}
	sub, err := m.RecordSubmission(p.ID, "q-free", "ответ", nil)
	if err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}
	if sub.Evaluation != nil {
		t.Fatal("async submission should start unevaluated")
	}

	if _, err := m.RecordSubmission(p.ID, "q-free", "другой ответ", nil); !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("duplicate submit: error = %v, want ErrDuplicateSubmission", err)
	}
	if _, err := m.RecordSubmission("ghost", "q-free", "ответ", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("submit by unknown player: error = %v, want ErrNotFound", err)
	}

	// displayのポインタは提出可否に影響しない
	if _, err := m.SetStage(models.AudienceDisplay, "board"); err != nil {
		t.Fatalf("SetStage(display) error = %v", err)
	}
	p2 := mustRegister(t, m, "Борис", "conn-2")
	if _, err := m.RecordSubmission(p2.ID, "q-free", "ответ", nil); err != nil {
		t.Fatalf("display stage change blocked client submissions: %v", err)
	}
}

func TestRecordSubmissionWithSyncEvaluation(t *testing.T) {
	m := newTestManager(t)
	p := mustRegister(t, m, "Аня", "conn-1")
	if _, err := m.SetStage(models.AudienceClients, "q-choice"); err != nil {
		t.Fatalf("SetStage() error = %v", err)
	}

	eval := &models.Evaluation{Score: 10, Mode: models.EvalChoice}
	sub, err := m.RecordSubmission(p.ID, "q-choice", "404", eval)
	if err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}
	if sub.Evaluation == nil || sub.Evaluation.Score != 10 {
		t.Fatalf("sync evaluation not recorded: %+v", sub.Evaluation)
	}
	got, _ := m.SubmissionByID(sub.ID)
	if got.Evaluation.Mode != models.EvalChoice {
		t.Errorf("mode = %q, want %q", got.Evaluation.Mode, models.EvalChoice)
	}

	snap := m.AdminSnapshot()
	if snap.Players[0].Score != 10 {
		t.Errorf("player score = %d, want 10", snap.Players[0].Score)
	}
}

func TestApplyEvaluation(t *testing.T) {
	m := newTestManager(t)
	p := mustRegister(t, m, "Аня", "conn-1")
	m.SetStage(models.AudienceClients, "q-free")
	sub, err := m.RecordSubmission(p.ID, "q-free", "ответ", nil)
	if err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}

	if _, err := m.ApplyEvaluation("ghost", models.Evaluation{Score: 5}, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown submission: error = %v, want ErrNotFound", err)
	}

	first, err := m.ApplyEvaluation(sub.ID, models.Evaluation{Score: 6, Mode: models.EvalLLM}, false)
	if err != nil {
		t.Fatalf("ApplyEvaluation() error = %v", err)
	}
	if first.Evaluation.Score != 6 {
		t.Fatalf("score = %d, want 6", first.Evaluation.Score)
	}

	// write-if-absent：既に採点済みなら黙って既存の結果を返す
	second, err := m.ApplyEvaluation(sub.ID, models.Evaluation{Score: 2, Mode: models.EvalLLM}, false)
	if err != nil {
		t.Fatalf("ApplyEvaluation() error = %v", err)
	}
	if second.Evaluation.Score != 6 {
		t.Fatalf("non-forced re-evaluation overwrote score: %d", second.Evaluation.Score)
	}

	// forceの再採点は新旧の差分だけをプレイヤー合計へ適用する
	forced, err := m.ApplyEvaluation(sub.ID, models.Evaluation{Score: 9, Mode: models.EvalManual}, true)
	if err != nil {
		t.Fatalf("ApplyEvaluation(force) error = %v", err)
	}
	if forced.Evaluation.Score != 9 {
		t.Fatalf("forced score = %d, want 9", forced.Evaluation.Score)
	}
	snap := m.AdminSnapshot()
	if snap.Players[0].Score != 9 {
		t.Errorf("player total = %d, want 9 (delta applied, not sum)", snap.Players[0].Score)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	m := newTestManager(t)
	a := mustRegister(t, m, "Аня", "conn-1")
	b := mustRegister(t, m, "Борис", "conn-2")
	c := mustRegister(t, m, "Вера", "conn-3")

	m.SetScore(a.ID, 5)
	m.SetScore(b.ID, 8)
	m.SetScore(c.ID, 5)

	board := m.PublicSnapshot(models.AudienceClients).Leaderboard
	if len(board) != 3 {
		t.Fatalf("leaderboard size = %d, want 3", len(board))
	}
	if board[0].PlayerID != b.ID {
		t.Errorf("top = %s, want %s", board[0].PlayerID, b.ID)
	}
	// 同点は参加が早い順
	if board[1].PlayerID != a.ID || board[2].PlayerID != c.ID {
		t.Errorf("tie order = %s, %s; want %s, %s", board[1].PlayerID, board[2].PlayerID, a.ID, c.ID)
	}
}

func TestPublicSnapshotProjection(t *testing.T) {
	m := newTestManager(t)
	p := mustRegister(t, m, "Аня", "conn-1")
	m.SetStage(models.AudienceClients, "q-free")
	if _, err := m.RecordSubmission(p.ID, "q-free", "секретный ответ", nil); err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}
	m.SetStage(models.AudienceDisplay, "board")

	clientSnap := m.PublicSnapshot(models.AudienceClients)
	if clientSnap.StageID != "q-free" {
		t.Errorf("client stage = %q, want q-free", clientSnap.StageID)
	}
	displaySnap := m.PublicSnapshot(models.AudienceDisplay)
	if displaySnap.StageID != "board" {
		t.Errorf("display stage = %q, want board", displaySnap.StageID)
	}
}

func TestResetAll(t *testing.T) {
	m := newTestManager(t)
	p := mustRegister(t, m, "Аня", "conn-1")
	m.SetScore(p.ID, 5)
	m.SetStage(models.AudienceClients, "q-free")

	m.ResetAll()

	snap := m.AdminSnapshot()
	if len(snap.Players) != 0 || len(snap.Submissions) != 0 {
		t.Fatalf("reset left data behind: %+v", snap)
	}
	if snap.ClientStageID != "waiting" || snap.DisplayStageID != "waiting" {
		t.Errorf("stages after reset = %q/%q, want waiting/waiting", snap.ClientStageID, snap.DisplayStageID)
	}
}

func TestRestoreAndReload(t *testing.T) {
	m := newTestManager(t)
	p := mustRegister(t, m, "Аня", "conn-1")
	m.SetScore(p.ID, 5)
	m.SetStage(models.AudienceClients, "q-free")
	saved := m.PersistedState()

	// 再起動相当：新しいManagerに復元すると全員オフラインになる
	fresh := newTestManager(t)
	fresh.Restore(saved)
	snap := fresh.AdminSnapshot()
	if len(snap.Players) != 1 || snap.Players[0].Score != 5 {
		t.Fatalf("restore lost players: %+v", snap.Players)
	}
	if snap.Players[0].IsOnline {
		t.Error("restored player should be offline")
	}
	if snap.ClientStageID != "q-free" {
		t.Errorf("restored stage = %q, want q-free", snap.ClientStageID)
	}
	if snap.Version != saved.Version {
		t.Errorf("restored version = %d, want %d", snap.Version, saved.Version)
	}

	// 古いバージョンのReloadは無視される
	stale := *saved
	stale.Version = saved.Version - 1
	if fresh.Reload(&stale) {
		t.Error("stale reload was applied")
	}

	// 新しいバージョンは適用され、オンライン状態は維持される
	p2, err := fresh.RegisterPlayer("", p.ID, "conn-9")
	if err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	newer := *saved
	newer.Version = fresh.AdminSnapshot().Version + 10
	if !fresh.Reload(&newer) {
		t.Fatal("newer reload was rejected")
	}
	snap = fresh.AdminSnapshot()
	if !snap.Players[0].IsOnline {
		t.Errorf("reload dropped online flag for %s", p2.ID)
	}
}

func TestOnChangeNotification(t *testing.T) {
	m := newTestManager(t)
	var versions []int64
	m.SetOnChange(func(st *models.PersistedState) {
		versions = append(versions, st.Version)
	})

	p := mustRegister(t, m, "Аня", "conn-1")
	m.SetScore(p.ID, 3)

	if len(versions) != 2 {
		t.Fatalf("onChange calls = %d, want 2", len(versions))
	}
	if versions[1] <= versions[0] {
		t.Errorf("versions not increasing: %v", versions)
	}
}

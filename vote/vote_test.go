package vote

import (
	"errors"
	"testing"
	"time"

	"promptnight/models"

	"go.uber.org/zap"
)

func testTask(durationSeconds int) models.VotingTask {
	return models.VotingTask{
		ID:              "test-vote",
		Title:           "Выберите фаворита",
		DurationSeconds: durationSeconds,
		Options: []models.VoteOption{
			{ID: "a", Title: "Вариант А"},
			{ID: "b", Title: "Вариант Б"},
		},
	}
}

func TestCastOutsideVoting(t *testing.T) {
	m := NewManager(testTask(60), zap.NewNop())
	if err := m.Cast("conn-1", "a"); !errors.Is(err, ErrVotingClosed) {
		t.Fatalf("cast in waiting: error = %v, want ErrVotingClosed", err)
	}
}

func TestCastRules(t *testing.T) {
	m := NewManager(testTask(60), zap.NewNop())
	m.StartVoting()

	if err := m.Cast("conn-1", "a"); err != nil {
		t.Fatalf("first cast error = %v", err)
	}
	if err := m.Cast("conn-1", "b"); !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("second cast: error = %v, want ErrAlreadyVoted", err)
	}
	if err := m.Cast("conn-2", "nope"); !errors.Is(err, ErrUnknownOption) {
		t.Fatalf("unknown option: error = %v, want ErrUnknownOption", err)
	}
	if err := m.Cast("conn-2", "a"); err != nil {
		t.Fatalf("second connection cast error = %v", err)
	}

	snap := m.AdminSnapshot()
	if snap.TotalVotes != 2 {
		t.Fatalf("total = %d, want 2", snap.TotalVotes)
	}
	for _, r := range snap.Results {
		switch r.OptionID {
		case "a":
			if r.Count != 2 || r.Percentage != 100 {
				t.Errorf("option a: count=%d pct=%d, want 2/100", r.Count, r.Percentage)
			}
		case "b":
			if r.Count != 0 || r.Percentage != 0 {
				t.Errorf("option b: count=%d pct=%d, want 0/0", r.Count, r.Percentage)
			}
		}
	}
}

func TestPublicSnapshotHidesTallies(t *testing.T) {
	m := NewManager(testTask(60), zap.NewNop())
	m.StartVoting()
	m.Cast("conn-1", "a")

	snap := m.PublicSnapshot()
	if snap.Phase != models.PhaseVoting {
		t.Fatalf("phase = %q, want voting", snap.Phase)
	}
	if snap.VotingEndsAt == nil || snap.TimeLeftSeconds == nil {
		t.Fatal("countdown fields missing during voting")
	}
	if *snap.TimeLeftSeconds <= 0 || *snap.TimeLeftSeconds > 60 {
		t.Errorf("timeLeft = %d, want within (0, 60]", *snap.TimeLeftSeconds)
	}
}

func TestAutoCollectFiresOnce(t *testing.T) {
	m := NewManager(testTask(0), zap.NewNop())
	fired := make(chan struct{}, 4)
	m.SetOnAutoCollect(func() { fired <- struct{}{} })

	m.StartVoting()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("auto-collect never fired")
	}
	if got := m.Phase(); got != models.PhaseCollecting {
		t.Fatalf("phase = %q, want collecting", got)
	}
	if err := m.Cast("conn-1", "a"); !errors.Is(err, ErrVotingClosed) {
		t.Fatalf("cast after deadline: error = %v, want ErrVotingClosed", err)
	}

	// 1回きりであること
	select {
	case <-fired:
		t.Fatal("auto-collect fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManualTransitionCancelsTimer(t *testing.T) {
	m := NewManager(testTask(60), zap.NewNop())
	fired := make(chan struct{}, 1)
	m.SetOnAutoCollect(func() { fired <- struct{}{} })

	m.StartVoting()
	if err := m.SetPhase(models.PhaseCollecting); err != nil {
		t.Fatalf("SetPhase(collecting) error = %v", err)
	}

	select {
	case <-fired:
		t.Fatal("cancelled timer still fired")
	case <-time.After(100 * time.Millisecond):
	}

	snap := m.PublicSnapshot()
	if snap.VotingEndsAt != nil {
		t.Error("countdown still set after manual transition")
	}
}

func TestSetPhase(t *testing.T) {
	m := NewManager(testTask(60), zap.NewNop())
	if err := m.SetPhase("intermission"); !errors.Is(err, ErrUnknownPhase) {
		t.Fatalf("unknown phase: error = %v, want ErrUnknownPhase", err)
	}

	m.StartVoting()
	m.Cast("conn-1", "a")

	// waitingへ戻すと票が消え、再投票できる
	if err := m.SetPhase(models.PhaseWaiting); err != nil {
		t.Fatalf("SetPhase(waiting) error = %v", err)
	}
	if err := m.SetPhase(models.PhaseVoting); err != nil {
		t.Fatalf("SetPhase(voting) error = %v", err)
	}
	if err := m.Cast("conn-1", "b"); err != nil {
		t.Fatalf("re-vote after reset error = %v", err)
	}
	if got := m.AdminSnapshot().TotalVotes; got != 1 {
		t.Errorf("total after reset = %d, want 1", got)
	}
}

func TestLoadTaskValidation(t *testing.T) {
	if _, err := LoadTask("no-such-file.json"); err == nil {
		t.Error("missing file should fail")
	}
	task := DefaultTask()
	if task.DurationSeconds <= 0 || len(task.Options) == 0 {
		t.Errorf("default task incomplete: %+v", task)
	}
}

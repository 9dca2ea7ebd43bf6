package halt

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/launix-de/scr-go/internal/group"
)

func TestNeedCheckpointInterval(t *testing.T) {
	p := IntervalPolicy{Interval: 3}
	if !needCheckpointLocal(p, NeedCheckpointInput{NeedCount: 0}) {
		t.Fatalf("NeedCount=0 should satisfy interval 3")
	}
	if needCheckpointLocal(p, NeedCheckpointInput{NeedCount: 1}) {
		t.Fatalf("NeedCount=1 should not satisfy interval 3")
	}
	if !needCheckpointLocal(p, NeedCheckpointInput{NeedCount: 6}) {
		t.Fatalf("NeedCount=6 should satisfy interval 3")
	}
}

func TestNeedCheckpointSecondsSinceEnd(t *testing.T) {
	p := IntervalPolicy{CheckpointSeconds: 10 * time.Second}
	if needCheckpointLocal(p, NeedCheckpointInput{NeedCount: 1, SecondsSinceEnd: 5 * time.Second}) {
		t.Fatalf("5s elapsed should not trigger a 10s policy")
	}
	if !needCheckpointLocal(p, NeedCheckpointInput{NeedCount: 1, SecondsSinceEnd: 11 * time.Second}) {
		t.Fatalf("11s elapsed should trigger a 10s policy")
	}
}

func TestNeedCheckpointBroadcastsRankZeroDecision(t *testing.T) {
	const n = 3
	world := group.NewWorld(n)
	p := IntervalPolicy{Interval: 2}
	var wg sync.WaitGroup
	wg.Add(n)
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = NeedCheckpoint(world[i], p, NeedCheckpointInput{NeedCount: 4})
		}(i)
	}
	wg.Wait()
	for i, r := range results {
		if !r {
			t.Fatalf("rank %d: expected true (propagated from rank 0), got false", i)
		}
	}
}

func TestCheckHaltAndDecrementReachesZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt.scr")
	if err := SetCheckpointsLeft(path, 2); err != nil {
		t.Fatalf("SetCheckpointsLeft: %v", err)
	}

	halted, _, out, err := CheckHaltAndDecrement(path, Config{}, nil, true, time.Now())
	if err != nil {
		t.Fatalf("CheckHaltAndDecrement: %v", err)
	}
	if halted {
		t.Fatalf("should not halt yet: checkpoints_left decremented from 2 to 1")
	}
	if out.CheckpointsLeft != 1 {
		t.Fatalf("checkpoints_left = %d, want 1", out.CheckpointsLeft)
	}

	halted2, reason, out2, err := CheckHaltAndDecrement(path, Config{}, nil, true, time.Now())
	if err != nil {
		t.Fatalf("CheckHaltAndDecrement (2nd): %v", err)
	}
	if !halted2 {
		t.Fatalf("expected halt once checkpoints_left reaches 0")
	}
	if out2.CheckpointsLeft != 0 {
		t.Fatalf("checkpoints_left = %d, want 0", out2.CheckpointsLeft)
	}
	if reason == "" {
		t.Fatalf("expected a non-empty halt reason")
	}
}

func TestCheckHaltAndDecrementExplicitReason(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt.scr")
	if err := SetReason(path, "operator requested stop"); err != nil {
		t.Fatalf("SetReason: %v", err)
	}
	halted, reason, _, err := CheckHaltAndDecrement(path, Config{}, nil, false, time.Now())
	if err != nil {
		t.Fatalf("CheckHaltAndDecrement: %v", err)
	}
	if !halted || reason != "operator requested stop" {
		t.Fatalf("halted=%v reason=%q, want true/'operator requested stop'", halted, reason)
	}
}

func TestCheckHaltAndDecrementRemainingSecondsOracle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt.scr")
	cfg := Config{HaltSeconds: 60 * time.Second}
	oracle := func() (time.Duration, bool) { return 30 * time.Second, true }
	halted, reason, _, err := CheckHaltAndDecrement(path, cfg, oracle, false, time.Now())
	if err != nil {
		t.Fatalf("CheckHaltAndDecrement: %v", err)
	}
	if !halted {
		t.Fatalf("expected halt: 30s remaining <= 60s halt_seconds")
	}
	if reason == "" {
		t.Fatalf("expected a reason string")
	}
}

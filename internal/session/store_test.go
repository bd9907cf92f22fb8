package session

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestStoreCreateGetEnd(t *testing.T) {
	st := NewStore(10, time.Minute)
	s, err := st.Create(&Session{CallID: "C-1", Purpose: "vendor.new_order", OrderID: "O-1", Language: "hi"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.Status != StatusActive || s.StartedAt.IsZero() {
		t.Fatalf("unexpected session state: %+v", s)
	}

	got, err := st.Get("C-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Purpose != "vendor.new_order" || got.OrderID != "O-1" {
		t.Fatalf("unexpected session: %+v", got)
	}

	ended, err := st.End("C-1", "accepted")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded || ended.Outcome != "accepted" {
		t.Fatalf("ended = %+v", ended)
	}
	if _, err := st.Get("C-1"); err != ErrNotFound {
		t.Fatalf("Get after End error = %v, want ErrNotFound", err)
	}
}

func TestStoreDuplicateCreate(t *testing.T) {
	st := NewStore(10, time.Minute)
	if _, err := st.Create(&Session{CallID: "C-1"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := st.Create(&Session{CallID: "C-1"}); err != ErrExists {
		t.Fatalf("second Create error = %v, want ErrExists", err)
	}
}

func TestStoreCapacityShedsOldest(t *testing.T) {
	st := NewStore(2, time.Minute)
	shed := make([]string, 0, 1)
	st.SetExpireHook(func(s *Session) { shed = append(shed, s.CallID) })

	if _, err := st.Create(&Session{CallID: "C-1"}); err != nil {
		t.Fatalf("Create(C-1) error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := st.Create(&Session{CallID: "C-2"}); err != nil {
		t.Fatalf("Create(C-2) error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	_ = st.Touch("C-1") // C-2 becomes least recently active

	if _, err := st.Create(&Session{CallID: "C-3"}); err != nil {
		t.Fatalf("Create(C-3) error = %v", err)
	}
	if len(shed) != 1 || shed[0] != "C-2" {
		t.Fatalf("shed = %v, want [C-2]", shed)
	}
	if st.ActiveCount() != 2 {
		t.Fatalf("ActiveCount = %d, want 2", st.ActiveCount())
	}
}

func TestStoreAppendTurnBoundsHistory(t *testing.T) {
	st := NewStore(10, time.Minute)
	if _, err := st.Create(&Session{CallID: "C-1"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i := 0; i < maxTurns+5; i++ {
		if _, err := st.AppendTurn("C-1", Turn{Role: "caller", Text: fmt.Sprintf("t%d", i)}, false); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}
	got, _ := st.Get("C-1")
	if len(got.Turns) != maxTurns {
		t.Fatalf("history length = %d, want %d", len(got.Turns), maxTurns)
	}
	if got.Turns[0].Text != "t5" {
		t.Fatalf("oldest kept turn = %q, want t5", got.Turns[0].Text)
	}
}

func TestStoreAdvanceSeqDropsDuplicates(t *testing.T) {
	st := NewStore(10, time.Minute)
	if _, err := st.Create(&Session{CallID: "C-9"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	fresh, err := st.AdvanceSeq("C-9", 7)
	if err != nil || !fresh {
		t.Fatalf("first seq 7: fresh=%v err=%v", fresh, err)
	}
	fresh, err = st.AdvanceSeq("C-9", 7)
	if err != nil || fresh {
		t.Fatalf("duplicate seq 7 must be stale, fresh=%v err=%v", fresh, err)
	}
	fresh, err = st.AdvanceSeq("C-9", 6)
	if err != nil || fresh {
		t.Fatalf("older seq 6 must be stale, fresh=%v err=%v", fresh, err)
	}
	fresh, err = st.AdvanceSeq("C-9", 0)
	if err != nil || !fresh {
		t.Fatalf("zero seq must always pass, fresh=%v err=%v", fresh, err)
	}
}

func TestStoreSweeperEvictsInactive(t *testing.T) {
	st := NewStore(10, 30*time.Millisecond)
	expired := make(chan string, 1)
	st.SetExpireHook(func(s *Session) { expired <- s.CallID })

	if _, err := st.Create(&Session{CallID: "C-1"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.StartSweeper(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != "C-1" {
			t.Fatalf("expired id = %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not expire inactive session")
	}
	if _, err := st.Get("C-1"); err != ErrNotFound {
		t.Fatalf("Get after sweep error = %v, want ErrNotFound", err)
	}
}

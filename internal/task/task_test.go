package task

import (
	"sync"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"Valid", Task{ID: "t1", RepoURL: "https://example.com/r.git", Description: "do it"}, false},
		{"EmptyID", Task{ID: "", RepoURL: "x", Description: "y"}, true},
		{"BadIDChars", Task{ID: "t/1", RepoURL: "x", Description: "y"}, true},
		{"EmptyRepoURL", Task{ID: "t1", RepoURL: "", Description: "y"}, true},
		{"EmptyDescription", Task{ID: "t1", RepoURL: "x", Description: ""}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.task.Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestStateMachine(t *testing.T) {
	t.Run("NeverRegresses", func(t *testing.T) {
		s := NewState(&Task{ID: "t1"})
		if s.Status() != Pending {
			t.Fatalf("initial status = %v, want pending", s.Status())
		}
		if err := s.SetStatus(Running); err != nil {
			t.Fatal(err)
		}
		if err := s.SetStatus(Complete); err == nil {
			t.Error("Running -> Complete directly should be illegal")
		}
		if err := s.SetStatus(Committing); err != nil {
			t.Fatal(err)
		}
		if err := s.SetStatus(Complete); err != nil {
			t.Fatal(err)
		}
		if err := s.SetStatus(Failed); err == nil {
			t.Error("transition out of a terminal state should be illegal")
		}
	})

	t.Run("TerminalStatuses", func(t *testing.T) {
		for _, s := range []Status{Complete, Failed, Cancelled, TimedOut} {
			if !s.Terminal() {
				t.Errorf("%v.Terminal() = false, want true", s)
			}
		}
		for _, s := range []Status{Pending, Running, Committing} {
			if s.Terminal() {
				t.Errorf("%v.Terminal() = true, want false", s)
			}
		}
	})

	t.Run("PendingCancelsDirectly", func(t *testing.T) {
		s := NewState(&Task{ID: "t1"})
		if err := s.SetStatus(Cancelled); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("CancelIsStickyAndIdempotent", func(t *testing.T) {
		s := NewState(&Task{ID: "t1"})
		if s.Cancelled() {
			t.Fatal("Cancelled() = true before Cancel()")
		}
		s.Cancel()
		s.Cancel() // must not panic on double-close
		if !s.Cancelled() {
			t.Error("Cancelled() = false after Cancel()")
		}
		select {
		case <-s.CancelChan():
		default:
			t.Error("CancelChan() not closed after Cancel()")
		}
	})
}

func TestStore(t *testing.T) {
	t.Run("AddRejectsDuplicateID", func(t *testing.T) {
		st := NewStore()
		s1 := NewState(&Task{ID: "dup"})
		s2 := NewState(&Task{ID: "dup"})
		if !st.Add(s1) {
			t.Fatal("first Add() = false, want true")
		}
		if st.Add(s2) {
			t.Error("second Add() with same ID = true, want false")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		st := NewStore()
		if _, ok := st.Get("missing"); ok {
			t.Error("Get() found a task that was never added")
		}
	})

	t.Run("ActiveCount", func(t *testing.T) {
		st := NewStore()
		running := NewState(&Task{ID: "r"})
		_ = running.SetStatus(Running)
		st.Add(running)

		committing := NewState(&Task{ID: "c"})
		_ = committing.SetStatus(Running)
		_ = committing.SetStatus(Committing)
		st.Add(committing)

		pending := NewState(&Task{ID: "p"})
		st.Add(pending)

		if got := st.ActiveCount(); got != 2 {
			t.Errorf("ActiveCount() = %d, want 2", got)
		}
	})

	t.Run("SnapshotIsStable", func(t *testing.T) {
		st := NewStore()
		st.Add(NewState(&Task{ID: "a"}))
		snap := st.Snapshot()
		st.Add(NewState(&Task{ID: "b"}))
		if len(snap) != 1 {
			t.Errorf("Snapshot() mutated by later Add(): len = %d, want 1", len(snap))
		}
	})

	t.Run("ConcurrentAdds", func(t *testing.T) {
		st := NewStore()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				st.Add(NewState(&Task{ID: string(rune('a' + n%26)) + string(rune(n))}))
			}(i)
		}
		wg.Wait()
		if len(st.Snapshot()) != 50 {
			t.Errorf("Snapshot() len = %d, want 50", len(st.Snapshot()))
		}
	})
}

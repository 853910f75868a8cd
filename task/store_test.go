package task

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "steward-task-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemStore()) })
}

func chain(t *testing.T, s Store, conv string) {
	t.Helper()
	_, err := s.CreateTasks(context.Background(), conv, []NewTask{
		{TaskID: "t1", Description: "look up product X"},
		{TaskID: "t2", Description: "update price of X", Dependencies: []string{"t1"}},
		{TaskID: "t3", Description: "publish catalog", Dependencies: []string{"t2"}},
	})
	if err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}
}

func strPtr(s string) *string { return &s }

func TestStore_CreateAndGet(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created, err := s.CreateTasks(ctx, "c1", []NewTask{
			{TaskID: "a", Description: "low", Priority: PriorityLow},
			{TaskID: "b", Description: "high", Priority: PriorityHigh, AssignedTo: "pricing"},
			{TaskID: "c", Description: "normal", Priority: PriorityNormal, Dependencies: []string{"a"}},
		})
		if err != nil {
			t.Fatalf("CreateTasks: %v", err)
		}
		if len(created) != 3 {
			t.Fatalf("created %d tasks, want 3", len(created))
		}
		for _, c := range created {
			if c.Status != StatusPending {
				t.Errorf("%s status = %q, want pending", c.TaskID, c.Status)
			}
		}

		got, err := s.GetTasks(ctx, "c1")
		if err != nil {
			t.Fatalf("GetTasks: %v", err)
		}
		var order []string
		for _, g := range got {
			order = append(order, g.TaskID)
		}
		if strings.Join(order, ",") != "b,c,a" {
			t.Errorf("order = %v, want [b c a]", order)
		}

		b, err := s.GetTask(ctx, "c1", "b")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if b.AssignedTo != "pricing" {
			t.Errorf("AssignedTo = %q, want pricing", b.AssignedTo)
		}
		c, _ := s.GetTask(ctx, "c1", "c")
		if len(c.Dependencies) != 1 || c.Dependencies[0] != "a" {
			t.Errorf("Dependencies = %v, want [a]", c.Dependencies)
		}

		other, err := s.GetTasks(ctx, "c2")
		if err != nil {
			t.Fatalf("GetTasks c2: %v", err)
		}
		if len(other) != 0 {
			t.Errorf("c2 has %d tasks, want 0", len(other))
		}
	})
}

func TestStore_CreateTasks_Validation(t *testing.T) {
	cases := []struct {
		name  string
		batch []NewTask
	}{
		{"empty id", []NewTask{{Description: "x"}}},
		{"duplicate", []NewTask{{TaskID: "a"}, {TaskID: "a"}}},
		{"padded id", []NewTask{{TaskID: " a"}}},
		{"padded duplicate", []NewTask{{TaskID: "a"}, {TaskID: "a "}}},
		{"unknown dependency", []NewTask{{TaskID: "a", Dependencies: []string{"zzz"}}}},
		{"self dependency", []NewTask{{TaskID: "a", Dependencies: []string{"a"}}}},
		{"cycle", []NewTask{{TaskID: "a", Dependencies: []string{"b"}}, {TaskID: "b", Dependencies: []string{"a"}}}},
		{"bad initial status", []NewTask{{TaskID: "a", Status: StatusCompleted}}},
	}
	eachStore(t, func(t *testing.T, s Store) {
		for _, tc := range cases {
			_, err := s.CreateTasks(context.Background(), "c1", tc.batch)
			if !IsValidation(err) {
				t.Errorf("%s: err = %v, want ValidationError", tc.name, err)
			}
		}
		got, _ := s.GetTasks(context.Background(), "c1")
		if len(got) != 0 {
			t.Errorf("rejected batches left %d tasks behind", len(got))
		}
	})
}

func TestStore_CreateTasks_DependencyInOtherConversation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.CreateTasks(ctx, "c1", []NewTask{{TaskID: "t1", Description: "x"}}); err != nil {
			t.Fatalf("CreateTasks: %v", err)
		}
		_, err := s.CreateTasks(ctx, "c2", []NewTask{{TaskID: "t2", Dependencies: []string{"t1"}}})
		if !IsValidation(err) {
			t.Fatalf("cross-conversation dependency err = %v, want ValidationError", err)
		}
		// A later batch may depend on an earlier batch of the same conversation.
		if _, err := s.CreateTasks(ctx, "c1", []NewTask{{TaskID: "t2", Dependencies: []string{"t1"}}}); err != nil {
			t.Fatalf("same-conversation dependency: %v", err)
		}
	})
}

func TestStore_DependencyGate(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		chain(t, s, "c1")

		if _, err := s.UpdateStatus(ctx, "c1", "t2", StatusInProgress, nil); !IsValidation(err) {
			t.Fatalf("t2 in_progress before t1 completed: err = %v, want ValidationError", err)
		}
		if _, err := s.UpdateStatus(ctx, "c1", "t1", StatusInProgress, nil); err != nil {
			t.Fatalf("t1 in_progress: %v", err)
		}
		if _, err := s.UpdateStatus(ctx, "c1", "t1", StatusCompleted, strPtr("found")); err != nil {
			t.Fatalf("t1 completed: %v", err)
		}

		tasks, _ := s.GetTasks(ctx, "c1")
		eligible := Eligible(tasks)
		if len(eligible) != 1 || eligible[0].TaskID != "t2" {
			t.Fatalf("eligible = %v, want [t2]", ids(eligible))
		}
		if _, err := s.UpdateStatus(ctx, "c1", "t3", StatusInProgress, nil); !IsValidation(err) {
			t.Errorf("t3 in_progress with t2 pending: err = %v, want ValidationError", err)
		}
		if _, err := s.UpdateStatus(ctx, "c1", "t2", StatusInProgress, nil); err != nil {
			t.Errorf("t2 in_progress after t1 completed: %v", err)
		}
	})
}

func TestStore_UpdateStatus_TerminalAndIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		chain(t, s, "c1")

		if _, err := s.UpdateStatus(ctx, "c1", "t1", StatusFailed, strPtr("boom")); err != nil {
			t.Fatalf("t1 failed: %v", err)
		}
		if _, err := s.UpdateStatus(ctx, "c1", "t1", StatusPending, nil); !IsValidation(err) {
			t.Errorf("leaving failed: err = %v, want ValidationError", err)
		}

		before, _ := s.GetTask(ctx, "c1", "t1")
		again, err := s.UpdateStatus(ctx, "c1", "t1", StatusFailed, strPtr("boom again"))
		if err != nil {
			t.Fatalf("re-applying failed: %v", err)
		}
		if again.Notes != "boom again" {
			t.Errorf("Notes = %q, want boom again", again.Notes)
		}
		if again.UpdatedAt.Before(before.UpdatedAt) {
			t.Errorf("UpdatedAt went backwards")
		}
		if again.CompletedAt == nil {
			t.Errorf("CompletedAt not set on terminal task")
		}

		if _, err := s.UpdateStatus(ctx, "c1", "t2", Status("exploded"), nil); !IsValidation(err) {
			t.Errorf("unknown status: err = %v, want ValidationError", err)
		}
		if _, err := s.UpdateStatus(ctx, "c1", "nope", StatusCompleted, nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown task: err = %v, want ErrNotFound", err)
		}
		if _, err := s.UpdateStatus(ctx, "c1", "t2", StatusBlocked, strPtr("t1 failed")); err != nil {
			t.Errorf("t2 blocked: %v", err)
		}
	})
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		chain(t, s, "c1")

		const n = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		var okStatuses []Status
		for i := 0; i < n; i++ {
			st := StatusCompleted
			if i%2 == 1 {
				st = StatusFailed
			}
			wg.Add(1)
			go func(st Status, i int) {
				defer wg.Done()
				if _, err := s.UpdateStatus(ctx, "c1", "t1", st, strPtr(string(st))); err == nil {
					mu.Lock()
					okStatuses = append(okStatuses, st)
					mu.Unlock()
				} else if !IsValidation(err) {
					t.Errorf("update %d: unexpected error %v", i, err)
				}
			}(st, i)
		}
		wg.Wait()

		got, err := s.GetTask(ctx, "c1", "t1")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if !got.Status.Terminal() {
			t.Fatalf("final status = %q, want terminal", got.Status)
		}
		for _, st := range okStatuses {
			if st != got.Status {
				t.Errorf("accepted update to %q but final status is %q", st, got.Status)
			}
		}
		if got.Notes != string(got.Status) {
			t.Errorf("notes %q do not match status %q", got.Notes, got.Status)
		}
	})
}

func TestStore_Plan(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.GetPlan(ctx, "c1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetPlan before create: err = %v, want ErrNotFound", err)
		}
		if err := s.CreatePlan(ctx, &Plan{ConversationID: "c1", Title: "Reprice", Description: "summer sale"}); err != nil {
			t.Fatalf("CreatePlan: %v", err)
		}
		if err := s.CreatePlan(ctx, &Plan{ConversationID: "c1", Title: "Reprice v2"}); err != nil {
			t.Fatalf("CreatePlan replace: %v", err)
		}
		p, err := s.GetPlan(ctx, "c1")
		if err != nil {
			t.Fatalf("GetPlan: %v", err)
		}
		if p.Title != "Reprice v2" {
			t.Errorf("Title = %q, want Reprice v2", p.Title)
		}

		chain(t, s, "c1")
		if err := s.DeleteConversation(ctx, "c1"); err != nil {
			t.Fatalf("DeleteConversation: %v", err)
		}
		tasks, _ := s.GetTasks(ctx, "c1")
		if len(tasks) != 0 {
			t.Errorf("tasks after delete = %d, want 0", len(tasks))
		}
		if _, err := s.GetPlan(ctx, "c1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetPlan after delete: err = %v, want ErrNotFound", err)
		}
	})
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.TaskID
	}
	return out
}

package inject

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func messages(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Message
	}
	return out
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := NewQueue(nil, nil)
	for _, m := range []struct {
		text string
		p    Priority
	}{
		{"n1", PriorityNormal},
		{"h1", PriorityHigh},
		{"n2", PriorityNormal},
		{"h2", PriorityHigh},
		{"n3", ""},
	} {
		if _, err := q.QueueMessage("c1", m.text, m.p); err != nil {
			t.Fatalf("QueueMessage %s: %v", m.text, err)
		}
	}

	got := fmt.Sprint(messages(q.GetPendingMessages("c1")))
	if want := "[h1 h2 n1 n2 n3]"; got != want {
		t.Errorf("pending = %s, want %s", got, want)
	}
}

func TestQueue_Validation(t *testing.T) {
	q := NewQueue(nil, nil)
	if _, err := q.QueueMessage("c1", "   ", PriorityNormal); err == nil {
		t.Error("expected error for empty message")
	}
	if _, err := q.QueueMessage("c1", "hi", "urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
	if _, err := q.QueueMessage("", "hi", PriorityNormal); err == nil {
		t.Error("expected error for missing conversation")
	}
}

func TestQueue_CheckpointDelivery(t *testing.T) {
	q := NewQueue(nil, nil)
	q.SetAgentRunning("c1", true)

	if q.CanInject("c1") {
		t.Error("CanInject before any checkpoint")
	}
	if q.RegisterInjectionPoint("c1", "task:t1") {
		t.Error("RegisterInjectionPoint ready with empty queue")
	}
	if !q.CanInject("c1") {
		t.Error("CanInject = false at a checkpoint while running")
	}
	if q.RunState("c1").LastInjectionTime == nil {
		t.Error("LastInjectionTime not recorded at the checkpoint")
	}

	id, err := q.QueueMessage("c1", "use EUR", PriorityHigh)
	if err != nil {
		t.Fatalf("QueueMessage: %v", err)
	}
	if !q.RegisterInjectionPoint("c1", "task:t2") {
		t.Fatal("RegisterInjectionPoint not ready with a pending message")
	}

	msg, ok := q.GetNextMessage("c1")
	if !ok {
		t.Fatal("GetNextMessage returned nothing")
	}
	if msg.ID != id || msg.Status != StatusInjecting {
		t.Errorf("message = %+v, want id %s injecting", msg, id)
	}
	if _, ok := q.GetNextMessage("c1"); ok {
		t.Error("message handed out twice")
	}
	if err := q.MarkInjected(id, "c1"); err != nil {
		t.Fatalf("MarkInjected: %v", err)
	}
	if got := statusOf(q, "c1", id); got != StatusInjected {
		t.Errorf("status after MarkInjected = %s, want injected", got)
	}
	if rs := q.RunState("c1"); rs.CurrentStep != "task:t2" {
		t.Errorf("CurrentStep = %q, want %q", rs.CurrentStep, "task:t2")
	}
	if n := len(q.GetPendingMessages("c1")); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}

	if err := q.MarkInjected(id, "c1"); err != nil {
		t.Errorf("second MarkInjected err = %v, want nil", err)
	}
	if err := q.MarkInjected("nope", "c1"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("unknown MarkInjected err = %v, want ErrMessageNotFound", err)
	}
}

// statusOf reads a message's status straight from the store.
func statusOf(q *Queue, conversationID, id string) Status {
	var status Status
	q.store.View(conversationID, func(st *State) {
		for _, m := range st.Queue {
			if m.ID == id {
				status = m.Status
			}
		}
	})
	return status
}

func TestQueue_MessageLifecycle(t *testing.T) {
	q := NewQueue(nil, nil)
	gen, err := q.Start("c1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	id, _ := q.QueueMessage("c1", "use EUR", PriorityNormal)
	if got := statusOf(q, "c1", id); got != StatusPending {
		t.Errorf("queued status = %s, want pending", got)
	}
	msg, ok := q.Checkpoint("c1", gen, "task:a")
	if !ok || msg.ID != id {
		t.Fatalf("Checkpoint = %+v, %v", msg, ok)
	}
	if got := statusOf(q, "c1", id); got != StatusInjecting {
		t.Errorf("handed-out status = %s, want injecting", got)
	}
	if err := q.MarkInjected(id, "c1"); err != nil {
		t.Fatalf("MarkInjected: %v", err)
	}
	if got := statusOf(q, "c1", id); got != StatusInjected {
		t.Errorf("final status = %s, want injected", got)
	}

	pendingID, _ := q.QueueMessage("c1", "later", PriorityNormal)
	if err := q.MarkInjected(pendingID, "c1"); err == nil {
		t.Error("MarkInjected accepted a message that was never handed out")
	}
}

func TestQueue_Generations(t *testing.T) {
	q := NewQueue(nil, nil)
	_, _ = q.QueueMessage("c1", "queued while idle", PriorityNormal)

	old, err := q.Start("c1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := q.Start("c1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start err = %v, want ErrAlreadyRunning", err)
	}
	if n := len(q.GetPendingMessages("c1")); n != 1 {
		t.Errorf("pending after Start = %d, want the idle message kept", n)
	}

	q.SetAgentRunning("c1", false)
	cur, err := q.Start("c1")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if cur == old {
		t.Fatal("restart reused the stopped generation")
	}
	_, _ = q.QueueMessage("c1", "for the new run", PriorityNormal)

	if q.Active("c1", old) {
		t.Error("stopped generation reported active")
	}
	if _, ok := q.Checkpoint("c1", old, "task:x"); ok {
		t.Error("stale generation received a message")
	}
	if q.Finish("c1", old) {
		t.Error("stale generation cleared the new run's state")
	}
	if !q.Active("c1", cur) {
		t.Error("current generation not active")
	}
	if m, ok := q.Checkpoint("c1", cur, "task:y"); !ok || m.Message != "for the new run" {
		t.Errorf("Checkpoint = %+v, %v", m, ok)
	}
	if !q.Finish("c1", cur) {
		t.Error("Finish did not clear the current run")
	}
	if q.RunState("c1").IsRunning {
		t.Error("still running after Finish")
	}
}

func TestQueue_CheckpointAfterStop(t *testing.T) {
	q := NewQueue(nil, nil)
	q.SetAgentRunning("c1", true)
	q.SetAgentRunning("c1", false)
	_, _ = q.QueueMessage("c1", "meant for the next run", PriorityNormal)

	if q.RegisterInjectionPoint("c1", "task:a") {
		t.Error("RegisterInjectionPoint ready after stop")
	}
	rs := q.RunState("c1")
	if rs.IsRunning || rs.CurrentStep != "" {
		t.Errorf("run state = %+v, want idle", rs)
	}
	if q.CanInject("c1") {
		t.Error("CanInject after stop")
	}
	if n := len(q.GetPendingMessages("c1")); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestQueue_StopClearsState(t *testing.T) {
	q := NewQueue(nil, nil)
	q.SetAgentRunning("c1", true)
	_, _ = q.QueueMessage("c1", "late", PriorityNormal)
	q.RegisterInjectionPoint("c1", "task:a")

	q.SetAgentRunning("c1", false)

	if n := len(q.GetPendingMessages("c1")); n != 0 {
		t.Errorf("pending after stop = %d, want 0", n)
	}
	rs := q.RunState("c1")
	if rs.IsRunning || rs.CurrentStep != "" || rs.LastInjectionTime != nil {
		t.Errorf("run state after stop = %+v, want zero", rs)
	}
	if q.CanInject("c1") {
		t.Error("CanInject after stop")
	}
}

func TestQueue_ConversationsIsolated(t *testing.T) {
	q := NewQueue(nil, nil)
	_, _ = q.QueueMessage("c1", "a", PriorityNormal)
	if _, ok := q.GetNextMessage("c2"); ok {
		t.Error("message leaked into another conversation")
	}
	q.SetAgentRunning("c2", false)
	if n := len(q.GetPendingMessages("c1")); n != 1 {
		t.Errorf("c1 pending = %d, want 1", n)
	}
}

func TestQueue_ConcurrentDrain(t *testing.T) {
	q := NewQueue(nil, nil)
	const n = 50
	for i := range n {
		_, _ = q.QueueMessage("c1", fmt.Sprintf("m%d", i), PriorityNormal)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, ok := q.GetNextMessage("c1")
				if !ok {
					return
				}
				mu.Lock()
				seen[m.ID]++
				mu.Unlock()
				_ = q.MarkInjected(m.ID, "c1")
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("delivered = %d, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("message %s delivered %d times", id, c)
		}
	}
}

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func drain(s *Stream) []Event {
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func TestStream_OrderingAndSingleDone(t *testing.T) {
	ctx := context.Background()
	s := NewStream(16)

	if err := s.Emit(ctx, TypeAgentProcessing, AgentProcessingData{Message: "x"}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Emit before start err = %v, want ErrNotStarted", err)
	}
	if err := s.Start(ctx, "conv-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx, "conv-2"); err == nil {
		t.Error("second conversation_id accepted")
	}
	_ = s.Emit(ctx, TypeAgentProcessing, AgentProcessingData{Message: "working"})
	if err := s.Emit(ctx, TypeDone, DoneData{Success: true, Response: "ok"}); err != nil {
		t.Fatalf("Emit done: %v", err)
	}
	if err := s.Emit(ctx, TypeDone, DoneData{}); !errors.Is(err, ErrClosed) {
		t.Errorf("second done err = %v, want ErrClosed", err)
	}
	if err := s.Emit(ctx, TypeError, ErrorData{Message: "late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("emit after done err = %v, want ErrClosed", err)
	}

	got := drain(s)
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if got[0].Type != TypeConversationID || got[2].Type != TypeDone {
		t.Errorf("types = %s..%s, want conversation_id..done", got[0].Type, got[2].Type)
	}
	for i, ev := range got {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
		}
		if ev.ConversationID != "conv-1" {
			t.Errorf("event %d conversation = %q, want conv-1", i, ev.ConversationID)
		}
	}
	var done DoneData
	if err := got[2].Decode(&done); err != nil || done.Response != "ok" {
		t.Errorf("done payload = %+v (err %v)", done, err)
	}
}

func TestStream_Backpressure(t *testing.T) {
	s := NewStream(1)
	ctx := context.Background()
	_ = s.Start(ctx, "c")

	emitted := make(chan error, 1)
	go func() {
		emitted <- s.Emit(ctx, TypeAgentProcessing, AgentProcessingData{Message: "blocked"})
	}()

	select {
	case <-emitted:
		t.Fatal("Emit returned while consumer buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	<-s.Events()
	if err := <-emitted; err != nil {
		t.Fatalf("Emit: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.Emit(cctx, TypeAgentProcessing, AgentProcessingData{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Emit with full buffer and canceled ctx err = %v, want context.Canceled", err)
	}
}

func TestStream_DetachKeepsSinks(t *testing.T) {
	bus := NewBus(0, nil)
	s := NewStream(1, bus)
	ctx := context.Background()
	_ = s.Start(ctx, "c")
	s.Detach()
	for range 5 {
		if err := s.Emit(ctx, TypeAgentProcessing, AgentProcessingData{}); err != nil {
			t.Fatalf("Emit after detach: %v", err)
		}
	}
	if n := len(bus.History("c", 0)); n != 6 {
		t.Errorf("bus history = %d, want 6", n)
	}
}

func TestStream_ConcurrentEmitOrdered(t *testing.T) {
	s := NewStream(8)
	ctx := context.Background()
	_ = s.Start(ctx, "c")

	var got []Event
	consumed := make(chan struct{})
	go func() {
		got = drain(s)
		close(consumed)
	}()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_ = s.Emit(ctx, TypeAssistantDelta, AssistantDeltaData{Text: "x"})
			}
		}()
	}
	wg.Wait()
	_ = s.Emit(ctx, TypeDone, DoneData{})
	<-consumed

	if len(got) != 102 {
		t.Fatalf("events = %d, want 102", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq != got[i-1].Seq+1 {
			t.Fatalf("seq gap at %d: %d after %d", i, got[i].Seq, got[i-1].Seq)
		}
	}
}

func TestBus_SubscribeReplaysHistory(t *testing.T) {
	bus := NewBus(3, nil)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_ = bus.Publish(ctx, Event{Seq: int64(i), ConversationID: "c1", Type: TypeAgentProcessing})
	}
	_ = bus.Publish(ctx, Event{Seq: 1, ConversationID: "c2", Type: TypeAgentProcessing})

	history, ch, unsub := bus.Subscribe("c1", 4)
	if len(history) != 3 || history[0].Seq != 3 {
		t.Fatalf("history = %d events starting at %d, want 3 starting at 3", len(history), history[0].Seq)
	}

	_ = bus.Publish(ctx, Event{Seq: 6, ConversationID: "c1", Type: TypeDone})
	_ = bus.Publish(ctx, Event{Seq: 2, ConversationID: "c2", Type: TypeDone})
	ev := <-ch
	if ev.Seq != 6 {
		t.Errorf("live seq = %d, want 6", ev.Seq)
	}
	select {
	case ev := <-ch:
		t.Errorf("received other conversation's event: %+v", ev)
	default:
	}

	unsub()
	unsub()
	if _, open := <-ch; open {
		t.Error("channel open after unsubscribe")
	}
	if n := len(bus.History("c1", 2)); n != 2 {
		t.Errorf("History limit = %d, want 2", n)
	}
	bus.Forget("c1")
	if n := len(bus.History("c1", 0)); n != 0 {
		t.Errorf("History after Forget = %d, want 0", n)
	}
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	ev := Event{Seq: 1, Type: TypeToolCall, ConversationID: "c", Data: json.RawMessage(`{"tool_name":"get_price"}`)}
	if err := WriteFrame(&buf, ev); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "event: tool_call\ndata: {") || !strings.HasSuffix(out, "}\n\n") {
		t.Errorf("frame = %q", out)
	}
	if strings.Count(out, "\n") != 3 {
		t.Errorf("frame has %d newlines, want 3", strings.Count(out, "\n"))
	}
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}
	_ = w.Write(Event{Seq: 1, Type: TypeDone, ConversationID: "c", Data: json.RawMessage(`{}`)})
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if !strings.Contains(rec.Body.String(), "event: done\n") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

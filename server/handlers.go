package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/cache"
	"github.com/GoCodeAlone/steward/dispatch"
	"github.com/GoCodeAlone/steward/events"
	"github.com/GoCodeAlone/steward/inject"
	"github.com/GoCodeAlone/steward/task"
)

var validate = validator.New()

// decode reads a JSON body into v and validates its struct tags.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	if err := validate.Struct(v); err != nil {
		return err
	}
	return nil
}

type statusResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Agents  []agent.Info `json:"agents"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Agents:  []agent.Info{},
	}
	if s.deps.Agents != nil {
		if infos := s.deps.Agents.Infos(); infos != nil {
			resp.Agents = infos
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRun starts a run and streams its events. A client disconnect
// detaches the stream; the run itself continues under the server context.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "dispatcher not configured")
		return
	}
	var req dispatch.Request
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	claim, err := s.deps.Dispatcher.Claim(req.ConversationID)
	if errors.Is(err, dispatch.ErrConversationRunning) {
		writeJSONError(w, http.StatusConflict, "conversation already has a run in progress")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sse, err := events.NewSSEWriter(w)
	if err != nil {
		claim.Release()
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sinks := append([]events.Sink{s.deps.Bus}, s.deps.Sinks...)
	stream := events.NewStream(events.DefaultBuffer, sinks...)

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if _, err := s.deps.Dispatcher.RunClaimed(s.baseCtx, claim, req, stream); err != nil {
			s.logger.Error("run failed", slog.String("conversation_id", stream.ConversationID()), slog.Any("err", err))
			stream.Close()
		}
	}()

	ping := time.NewTicker(KeepAliveInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			if err := sse.Write(ev); err != nil {
				stream.Detach()
				return
			}
		case <-ping.C:
			if err := sse.Comment("keep-alive"); err != nil {
				stream.Detach()
				return
			}
		case <-r.Context().Done():
			s.logger.Info("client disconnected, run continues", slog.String("conversation_id", stream.ConversationID()))
			stream.Detach()
			return
		}
	}
}

type queueMessageRequest struct {
	Message  string          `json:"message" validate:"required"`
	Priority inject.Priority `json:"priority" validate:"omitempty,oneof=normal high"`
}

func (s *Server) handleQueueMessage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "injection queue not configured")
		return
	}
	conv := r.PathValue("id")
	var req queueMessageRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.deps.Queue.QueueMessage(conv, req.Message, req.Priority)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":      id,
		"running": s.deps.Queue.RunState(conv).IsRunning,
	})
}

func (s *Server) handlePendingMessages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "injection queue not configured")
		return
	}
	conv := r.PathValue("id")
	msgs := s.deps.Queue.GetPendingMessages(conv)
	if msgs == nil {
		msgs = []inject.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_state": s.deps.Queue.RunState(conv),
		"messages":  msgs,
	})
}

// handleStop marks the conversation's agent as stopped. No new tasks are
// scheduled and results of calls still in flight are discarded.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "injection queue not configured")
		return
	}
	conv := r.PathValue("id")
	wasRunning := s.deps.Queue.RunState(conv).IsRunning
	s.deps.Queue.SetAgentRunning(conv, false)
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": wasRunning})
}

type tasksResponse struct {
	Plan    *task.Plan   `json:"plan,omitempty"`
	Tasks   []*task.Task `json:"tasks"`
	Summary task.Summary `json:"summary"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	conv := r.PathValue("id")
	tasks, err := s.deps.Tasks.GetTasks(r.Context(), conv)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	resp := tasksResponse{Tasks: tasks, Summary: task.Summarize(tasks)}
	if p, err := s.deps.Tasks.GetPlan(r.Context(), conv); err == nil {
		resp.Plan = p
	} else if !errors.Is(err, task.ErrNotFound) {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePlanMarkdown(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	conv := r.PathValue("id")
	p, err := s.deps.Tasks.GetPlan(r.Context(), conv)
	if errors.Is(err, task.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "no plan for conversation")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tasks, err := s.deps.Tasks.GetTasks(r.Context(), conv)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(task.RenderMarkdown(p, tasks)))
}

type cacheSearchRequest struct {
	Query     string   `json:"query" validate:"required"`
	ToolName  string   `json:"tool_name"`
	Limit     int      `json:"limit" validate:"gte=0"`
	Threshold *float64 `json:"threshold" validate:"omitempty,gte=0,lte=1"`
}

func (s *Server) handleCacheSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "cache not configured")
		return
	}
	var req cacheSearchRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.deps.Cache.Search(r.Context(), r.PathValue("id"), req.Query, cache.SearchOptions{
		ToolName:  req.ToolName,
		Limit:     req.Limit,
		Threshold: req.Threshold,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []cache.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "cache not configured")
		return
	}
	n, err := s.deps.Cache.ClearConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// handleEvents replays the conversation's event history, then follows new
// events until the client goes away. ?replay=false skips the history.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("id")
	history, ch, unsubscribe := s.deps.Bus.Subscribe(conv, events.DefaultBuffer)
	defer unsubscribe()

	sse, err := events.NewSSEWriter(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if r.URL.Query().Get("replay") != "false" {
		for _, ev := range history {
			if err := sse.Write(ev); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(KeepAliveInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.Write(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := sse.Comment("keep-alive"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// handleDeleteConversation drops the tasks, cache entries and event history
// of an idle conversation.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("id")
	if s.deps.Queue != nil && s.deps.Queue.RunState(conv).IsRunning {
		writeJSONError(w, http.StatusConflict, "conversation has a run in progress")
		return
	}
	if s.deps.Tasks != nil {
		if err := s.deps.Tasks.DeleteConversation(r.Context(), conv); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if s.deps.Cache != nil {
		if _, err := s.deps.Cache.ClearConversation(r.Context(), conv); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.deps.Bus.Forget(conv)
	w.WriteHeader(http.StatusNoContent)
}

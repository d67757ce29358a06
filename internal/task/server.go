package task

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/pkg/cerr"
)

type Server struct {
	manager *Manager
}

func NewServer(manager *Manager) *Server {
	return &Server{manager: manager}
}

func (s *Server) Routes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.CreateTask)
		r.Get("/", s.ListTasks)
		r.Get("/pending", s.ListPendingApproval)
		r.Post("/approve", s.ApproveTasks)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetTask)
			r.Get("/reassignments", s.ListReassignments)
			r.Post("/assign", s.AssignTask)
			r.Post("/start", s.StartTask)
			r.Post("/complete", s.CompleteTask)
			r.Post("/submit-qa", s.SubmitForQA)
			r.Post("/review", s.ReviewTask)
			r.Post("/resubmit", s.ResubmitTask)
			r.Post("/reassign", s.ReassignTask)
			r.Post("/extend-due-date", s.ExtendDueDate)
		})
	})
}

type TaskResponse struct {
	Task *Task `json:"task"`
}

type ListTasksResponse struct {
	Tasks []*Task `json:"tasks"`
	Total int     `json:"total"`
}

func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateTaskRequest
	if err := cerr.DecodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := s.manager.CreateTask(ctx, policy.PrincipalFromContext(ctx), req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, TaskResponse{Task: t})
}

func (s *Server) ListPendingApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset, err := pageParams(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	tasks, total, err := s.manager.GetPendingApproval(ctx, policy.PrincipalFromContext(ctx), limit, offset)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, ListTasksResponse{Tasks: tasks, Total: total})
}

func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset, err := pageParams(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	var ch channel.Channel
	if v := r.URL.Query().Get("channel"); v != "" {
		if ch, err = channel.Parse(v); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
	}
	status := Status(r.URL.Query().Get("status"))
	tasks, total, err := s.manager.GetTasksByMarketplace(ctx, policy.PrincipalFromContext(ctx), ch, status, limit, offset)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, ListTasksResponse{Tasks: tasks, Total: total})
}

func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.manager.GetTask(ctx, policy.PrincipalFromContext(ctx), chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, TaskResponse{Task: t})
}

func (s *Server) ListReassignments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.manager.ListReassignments(ctx, policy.PrincipalFromContext(ctx), chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"reassignments": entries})
}

type ApproveTasksRequest struct {
	TaskIDs  []string `json:"task_ids"`
	Approved bool     `json:"approved"`
}

func (s *Server) ApproveTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ApproveTasksRequest
	if err := cerr.DecodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	updated, err := s.manager.ApproveTasks(ctx, policy.PrincipalFromContext(ctx), req.TaskIDs, req.Approved)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]int{"updated": updated})
}

func (s *Server) AssignTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		AssigneeID string `json:"assignee_id"`
	}
	if err := cerr.DecodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.respond(r)(s.manager.AssignTask(ctx, policy.PrincipalFromContext(ctx), chi.URLParam(r, "id"), req.AssigneeID))
}

func (s *Server) StartTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.respond(r)(s.manager.StartTask(ctx, policy.PrincipalFromContext(ctx), chi.URLParam(r, "id")))
}

type CompleteTaskResponse struct {
	Task     *Task    `json:"task"`
	Accuracy Accuracy `json:"accuracy"`
}

func (s *Server) CompleteTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CompleteTaskRequest
	if err := cerr.DecodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	req.ID = chi.URLParam(r, "id")
	t, acc, err := s.manager.CompleteTask(ctx, policy.PrincipalFromContext(ctx), req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, CompleteTaskResponse{Task: t, Accuracy: acc})
}

func (s *Server) SubmitForQA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.respond(r)(s.manager.SubmitForQA(ctx, policy.PrincipalFromContext(ctx), chi.URLParam(r, "id")))
}

func (s *Server) ReviewTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Approved bool   `json:"approved"`
		Notes    string `json:"notes"`
	}
	if err := cerr.DecodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.respond(r)(s.manager.ReviewTask(ctx, policy.PrincipalFromContext(ctx), chi.URLParam(r, "id"), req.Approved, req.Notes))
}

func (s *Server) ResubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.respond(r)(s.manager.ResubmitTask(ctx, policy.PrincipalFromContext(ctx), chi.URLParam(r, "id")))
}

func (s *Server) ReassignTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ReassignTaskRequest
	if err := cerr.DecodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	req.ID = chi.URLParam(r, "id")
	s.respond(r)(s.manager.ReassignTask(ctx, policy.PrincipalFromContext(ctx), req))
}

func (s *Server) ExtendDueDate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		DueDate time.Time `json:"due_date"`
	}
	if err := cerr.DecodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.respond(r)(s.manager.ExtendDueDate(ctx, policy.PrincipalFromContext(ctx), chi.URLParam(r, "id"), req.DueDate))
}

func (s *Server) respond(r *http.Request) func(*Task, error) {
	return func(t *Task, err error) {
		if err != nil {
			cerr.SetJSONError(r.Context(), err)
			return
		}
		cerr.SetJSONResponse(r.Context(), TaskResponse{Task: t})
	}
}

func pageParams(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	parse := func(key string) (int, error) {
		v := q.Get(key)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, cerr.Validation("invalid page").AddDetailMessageWithCode(key+" must be an integer", key+".int")
		}
		return n, nil
	}
	limit, err := parse("limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := parse("offset")
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/tasks"
)

type taskHandler struct {
	engine *tasks.Engine
	tasks  repositories.TaskRepository
	hosts  repositories.HostRepository
	policy *tasks.CommandPolicy
	bus    *events.Bus
	logger *zap.Logger

	// storeOutputWhenUnset applies when the request omits store_output.
	storeOutputWhenUnset bool
}

// commandPreviewLen caps how much of a command the audit trail records; the
// full text stays on the task row.
const commandPreviewLen = 100

func commandPreview(command string) string {
	runes := []rune(command)
	if len(runes) <= commandPreviewLen {
		return command
	}
	return string(runes[:commandPreviewLen])
}

type createTaskRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	StoreOutput    *bool  `json:"store_output"`
}

// Create validates the command against the policy, persists the queued row
// and hands it to the engine. A full queue is reported as 503; the engine has
// already marked the task failed by then.
func (h *taskHandler) Create(w http.ResponseWriter, r *http.Request) {
	hostID, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if _, err := h.hosts.GetByID(r.Context(), hostID); err != nil {
		repoError(w, err)
		return
	}

	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.policy.Check(req.Command); err != nil {
		if errors.Is(err, tasks.ErrCommandDenied) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		badRequest(w, err.Error())
		return
	}
	if req.TimeoutSeconds < 0 {
		badRequest(w, "timeout_seconds must not be negative")
		return
	}

	storeOutput := h.storeOutputWhenUnset
	if req.StoreOutput != nil {
		storeOutput = *req.StoreOutput
	}

	identity := identityFrom(r.Context())
	task := &db.Task{
		HostID:         hostID,
		UserID:         identity.UserID,
		Command:        req.Command,
		Status:         db.TaskStatusQueued,
		TimeoutSeconds: req.TimeoutSeconds,
		StoreOutput:    storeOutput,
	}
	if err := h.tasks.Create(r.Context(), task); err != nil {
		repoError(w, err)
		return
	}

	if h.bus != nil {
		event := events.New("task.create", "task", task.ID.String())
		event.UserID = &identity.UserID
		event.IP = clientIP(r)
		event.UserAgent = r.UserAgent()
		event.Meta = map[string]any{"host_id": hostID, "command": commandPreview(req.Command)}
		h.bus.Publish(r.Context(), event)
	}

	if err := h.engine.Enqueue(r.Context(), task.ID); err != nil {
		if errors.Is(err, tasks.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "task queue is full")
			return
		}
		internalError(w)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"task_id": task.ID, "status": task.Status})
}

// List returns tasks; non-admins only see their own.
func (h *taskHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	filter := repositories.TaskFilter{Status: r.URL.Query().Get("status")}
	if s := r.URL.Query().Get("server_id"); s != "" {
		if id, err := strconv.ParseUint(s, 10, 32); err == nil {
			filter.HostID = uint(id)
		}
	}
	if identity.Role != db.RoleAdmin {
		filter.UserID = identity.UserID
	}

	items, total, err := h.tasks.List(r.Context(), filter, listOpts(r))
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: items, Total: total})
}

func (h *taskHandler) Get(w http.ResponseWriter, r *http.Request) {
	task, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Cancel requests cooperative cancellation. Terminal tasks return 409.
func (h *taskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	task, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	if !h.engine.Cancel(r.Context(), task.ID) {
		writeError(w, http.StatusConflict, "task is already finished")
		return
	}

	if h.bus != nil {
		identity := identityFrom(r.Context())
		event := events.New("task.cancel", "task", task.ID.String())
		event.UserID = &identity.UserID
		event.IP = clientIP(r)
		h.bus.Publish(r.Context(), event)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// ownedTask loads the task and enforces the ownership rule: non-admins can
// only touch their own tasks, and get a 404 rather than a 403 so task IDs do
// not leak.
func (h *taskHandler) ownedTask(w http.ResponseWriter, r *http.Request) (*db.Task, bool) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, "invalid task id")
		return nil, false
	}
	task, err := h.tasks.GetByID(r.Context(), id)
	if err != nil {
		repoError(w, err)
		return nil, false
	}
	identity := identityFrom(r.Context())
	if identity.Role != db.RoleAdmin && task.UserID != identity.UserID {
		notFound(w)
		return nil, false
	}
	return task, true
}

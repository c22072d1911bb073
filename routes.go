package ragline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ragline/ragline/pkg/broker"
	"github.com/ragline/ragline/pkg/cache"
	"github.com/ragline/ragline/pkg/chat"
	"github.com/ragline/ragline/pkg/db"
	"github.com/ragline/ragline/pkg/execution"
	"github.com/ragline/ragline/pkg/health"
	"github.com/ragline/ragline/pkg/redis"
	"github.com/ragline/ragline/pkg/sse"
	"github.com/ragline/ragline/pkg/taskconfig"
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.LivenessHandler())
	r.Get("/readyz", health.ReadinessHandler(health.Checks{
		"postgres": db.Healthcheck(a.pool),
		"redis":    redis.Healthcheck(a.rdb),
		"broker":   broker.Healthcheck(a.broker),
	}, health.WithLogger(a.logger)))

	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", a.createConversation)
		r.Get("/", a.listConversations)
		r.Post("/{id}/messages", a.postMessage)
		r.Get("/{id}/messages", a.listMessages)
		r.Get("/{id}/events", a.sse.ServeHTTP)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/kinds", a.listKinds)
		r.Get("/schedules", a.listSchedules)
		r.Get("/stats", a.globalStats)
		r.Get("/executions", a.listExecutions)
		r.Get("/executions/{id}", a.getExecution)
		r.Get("/executions/{id}/result", a.getExecutionResult)

		r.Route("/configs", func(r chi.Router) {
			r.Post("/", a.createConfig)
			r.Get("/", a.listConfigs)
			r.Get("/{id}", a.getConfig)
			r.Put("/{id}", a.updateConfig)
			r.Get("/{id}/stats", a.configStats)
			r.Get("/{id}/executions", a.configExecutions)
			r.Post("/{id}/trigger", a.triggerConfig)
			r.Post("/{id}/pause", a.pauseConfig)
			r.Post("/{id}/resume", a.resumeConfig)
			r.Post("/{id}/archive", a.archiveConfig)
		})
	})

	return r
}

// --- conversations ---

func (a *App) createConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req chat.NewConversation
	if !decodeJSON(w, r, &req) {
		return
	}

	conv, err := a.store.CreateConversation(r.Context(), userID, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (a *App) listConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	conversations, err := a.store.ListConversations(r.Context(), userID, queryInt(r, "limit"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if conversations == nil {
		conversations = []chat.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

// postMessage accepts a user message and enqueues the chat pipeline.
// The reply arrives over the conversation's event stream; the response
// only tells the client where to listen.
func (a *App) postMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	conversationID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	var req struct {
		Content      string  `json:"content"`
		RequestID    string  `json:"request_id"`
		Model        string  `json:"model"`
		Temperature  float32 `json:"temperature"`
		SystemPrompt string  `json:"system_prompt"`
		TopK         int     `json:"top_k"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		httpError(w, http.StatusBadRequest, "content is required")
		return
	}

	// Ownership check up front so a bad conversation id fails the
	// request, not the invocation.
	if _, err := a.store.GetConversation(r.Context(), conversationID, userID); err != nil {
		a.writeError(w, r, err)
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	kwargs := map[string]any{
		"conversation_id": conversationID.String(),
		"user_id":         userID,
		"request_id":      requestID,
		"content":         req.Content,
	}
	if req.Model != "" {
		kwargs["model"] = req.Model
	}
	if req.Temperature != 0 {
		kwargs["temperature"] = req.Temperature
	}
	if req.SystemPrompt != "" {
		kwargs["system_prompt"] = req.SystemPrompt
	}
	if req.TopK != 0 {
		kwargs["top_k"] = req.TopK
	}

	invocationID, err := a.broker.Enqueue(r.Context(), chat.TaskKindMessage, nil, kwargs, broker.Labels{})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"conversation_id": conversationID.String(),
		"invocation_id":   invocationID.String(),
		"request_id":      requestID,
		"queued_at":       time.Now().UTC().Format(time.RFC3339),
		"stream_url":      "/conversations/" + conversationID.String() + "/events",
	})
}

func (a *App) listMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	conversationID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if _, err := a.store.GetConversation(r.Context(), conversationID, userID); err != nil {
		a.writeError(w, r, err)
		return
	}

	messages, err := a.store.History(r.Context(), conversationID, queryInt(r, "limit"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// --- admin: catalog, executions, stats ---

func (a *App) listKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.Kinds())
}

func (a *App) listSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.ListAll(r.Context()))
}

func (a *App) globalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.executions.StatsGlobal(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *App) listExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := a.executions.ListRecent(r.Context(), queryInt(r, "limit"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if executions == nil {
		executions = []execution.Execution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

func (a *App) getExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid invocation id")
		return
	}
	exec, err := a.executions.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (a *App) getExecutionResult(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid invocation id")
		return
	}
	result, err := a.broker.Results().Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- admin: task configurations ---

func (a *App) createConfig(w http.ResponseWriter, r *http.Request) {
	var cfg taskconfig.Config
	if !decodeJSON(w, r, &cfg) {
		return
	}
	created, err := a.configs.Create(r.Context(), cfg)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *App) listConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := a.configs.List(r.Context(), taskconfig.Status(r.URL.Query().Get("status")))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if configs == nil {
		configs = []taskconfig.Config{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (a *App) getConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := configID(w, r)
	if !ok {
		return
	}
	cfg, err := a.configs.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := configID(w, r)
	if !ok {
		return
	}
	var cfg taskconfig.Config
	if !decodeJSON(w, r, &cfg) {
		return
	}
	cfg.ID = id

	updated, err := a.configs.Update(r.Context(), cfg)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *App) configStats(w http.ResponseWriter, r *http.Request) {
	id, ok := configID(w, r)
	if !ok {
		return
	}
	stats, err := a.executions.StatsByConfig(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *App) configExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := configID(w, r)
	if !ok {
		return
	}
	executions, err := a.executions.ListByConfig(r.Context(), id, queryInt(r, "limit"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if executions == nil {
		executions = []execution.Execution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

func (a *App) triggerConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := configID(w, r)
	if !ok {
		return
	}
	invocationID, err := a.configs.TriggerNow(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"invocation_id": invocationID.String()})
}

func (a *App) pauseConfig(w http.ResponseWriter, r *http.Request) {
	a.transitionConfig(w, r, a.configs.Pause)
}

func (a *App) resumeConfig(w http.ResponseWriter, r *http.Request) {
	a.transitionConfig(w, r, a.configs.Resume)
}

func (a *App) archiveConfig(w http.ResponseWriter, r *http.Request) {
	a.transitionConfig(w, r, a.configs.Archive)
}

func (a *App) transitionConfig(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) error) {
	id, ok := configID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(sse.UserIDHeader)
	if userID == "" {
		httpError(w, http.StatusUnauthorized, "missing user identity")
		return "", false
	}
	return userID, true
}

func configID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid config id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps service errors to HTTP statuses.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrConversationNotFound),
		errors.Is(err, taskconfig.ErrNotFound),
		errors.Is(err, execution.ErrNotFound),
		errors.Is(err, cache.ErrNotFound):
		httpError(w, http.StatusNotFound, "not found")
	case errors.Is(err, taskconfig.ErrNameTaken):
		httpError(w, http.StatusConflict, "name already taken")
	case errors.Is(err, taskconfig.ErrInvalidTransition),
		errors.Is(err, taskconfig.ErrArchived):
		httpError(w, http.StatusConflict, err.Error())
	case errors.Is(err, taskconfig.ErrInvalidConfig):
		httpError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		a.logger.ErrorContext(r.Context(), "request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "internal error")
	}
}

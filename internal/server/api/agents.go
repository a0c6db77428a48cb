package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/server/db"
	"github.com/canonical/testflinger/internal/server/metrics"
	"github.com/canonical/testflinger/internal/server/repositories"
	"github.com/canonical/testflinger/internal/types"
)

// recoveryFailureExitCode is reported by an agent whose provision recovery
// gave up; such agents take themselves offline until an operator intervenes.
const recoveryFailureExitCode = 46

// AgentHandler serves the agent-facing data, queue, and image endpoints.
type AgentHandler struct {
	agents repositories.AgentRepository
	queues repositories.QueueRepository
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(agents repositories.AgentRepository, queues repositories.QueueRepository, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		agents: agents,
		queues: queues,
		logger: logger.Named("agent_handler"),
	}
}

// agentView assembles the wire document for one agent record. restricted maps
// restricted queue names to their owner lists; only the agent's own queues
// appear in the view.
func agentView(a *db.Agent, queues []string, restricted map[string][]string) types.AgentData {
	view := types.AgentData{
		Name:     a.Name,
		State:    types.AgentState(a.State),
		Queues:   queues,
		Location: a.Location,
	}
	if a.JobID != "" {
		id := a.JobID
		view.JobID = &id
	}
	if a.Comment != "" {
		c := a.Comment
		view.Comment = &c
	}
	var log []string
	if err := json.Unmarshal([]byte(a.Log), &log); err == nil && len(log) > 0 {
		view.Log = log
	}
	var identity types.AgentIdentity
	if err := json.Unmarshal([]byte(a.Identity), &identity); err == nil && identity != (types.AgentIdentity{}) {
		view.Identity = &identity
	}
	restrictedTo := map[string][]string{}
	for _, q := range queues {
		if owners, ok := restricted[q]; ok {
			restrictedTo[q] = owners
		}
	}
	if len(restrictedTo) > 0 {
		view.RestrictedTo = restrictedTo
	}
	updated := a.UpdatedAt
	view.UpdatedAt = &updated
	return view
}

// ListData handles GET /v1/agents/data.
func (h *AgentHandler) ListData(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.List(r.Context())
	if err != nil {
		h.logger.Error("agent list failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	queuesByAgent := make(map[string][]string, len(agents))
	var allQueues []string
	for _, a := range agents {
		_, queues, err := h.agents.Get(r.Context(), a.Name)
		if err != nil {
			h.logger.Error("agent get failed", zap.String("agent", a.Name), zap.Error(err))
			ErrInternal(w)
			return
		}
		queuesByAgent[a.Name] = queues
		allQueues = append(allQueues, queues...)
	}
	restricted, err := h.queues.RestrictedAmong(r.Context(), allQueues)
	if err != nil {
		h.logger.Error("restricted queue lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	views := make([]types.AgentData, 0, len(agents))
	for i := range agents {
		a := &agents[i]
		views = append(views, agentView(a, queuesByAgent[a.Name], restricted))
	}
	Ok(w, views)
}

// GetData handles GET /v1/agents/data/{name}.
func (h *AgentHandler) GetData(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	agent, queues, err := h.agents.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "agent not found")
			return
		}
		h.logger.Error("agent get failed", zap.String("agent", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	restricted, err := h.queues.RestrictedAmong(r.Context(), queues)
	if err != nil {
		h.logger.Error("restricted queue lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, agentView(agent, queues, restricted))
}

// PostData handles POST /v1/agents/data/{name}. The body is a partial agent
// document; zero-valued fields leave the stored record unchanged.
func (h *AgentHandler) PostData(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var patch types.AgentData
	if !decodeJSON(w, r, &patch) {
		return
	}
	if err := h.agents.Patch(r.Context(), name, patch); err != nil {
		h.logger.Error("agent patch failed", zap.String("agent", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{})
}

// PostProvisionLog handles POST /v1/agents/provision_logs/{name}.
func (h *AgentHandler) PostProvisionLog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var entry types.ProvisionLogEntry
	if !decodeJSON(w, r, &entry) {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := h.agents.AppendProvisionLog(r.Context(), name, entry); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "agent not found")
			return
		}
		h.logger.Error("provision log append failed", zap.String("agent", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	if entry.ExitCode == recoveryFailureExitCode {
		metrics.RecoveryFailure(name)
	}
	Ok(w, map[string]string{})
}

// GetProvisionLogs handles GET /v1/agents/provision_logs/{name}, returning
// the agent's provision history, newest first.
func (h *AgentHandler) GetProvisionLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, _, err := h.agents.Get(r.Context(), name); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "agent not found")
			return
		}
		h.logger.Error("agent get failed", zap.String("agent", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	logs, err := h.agents.ProvisionLogs(r.Context(), name)
	if err != nil {
		h.logger.Error("provision log list failed", zap.String("agent", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	entries := make([]types.ProvisionLogEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, types.ProvisionLogEntry{
			JobID:     l.JobID,
			ExitCode:  l.ExitCode,
			Detail:    l.Detail,
			Timestamp: l.Timestamp,
		})
	}
	Ok(w, entries)
}

// ListQueues handles GET /v1/agents/queues, returning advertised queue names
// with their descriptions.
func (h *AgentHandler) ListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.queues.List(r.Context())
	if err != nil {
		h.logger.Error("queue list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, queues)
}

// PostQueues handles POST /v1/agents/queues. Agents advertise the queues they
// service as a name → description map.
func (h *AgentHandler) PostQueues(w http.ResponseWriter, r *http.Request) {
	var queues map[string]string
	if !decodeJSON(w, r, &queues) {
		return
	}
	if err := h.queues.Advertise(r.Context(), queues); err != nil {
		h.logger.Error("queue advertise failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{})
}

// PostImages handles POST /v1/agents/images. The body maps queue names to
// image catalogs (image name → provisioning data).
func (h *AgentHandler) PostImages(w http.ResponseWriter, r *http.Request) {
	var images map[string]map[string]string
	if !decodeJSON(w, r, &images) {
		return
	}
	if err := h.queues.AdvertiseImages(r.Context(), images); err != nil {
		h.logger.Error("image advertise failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{})
}

// GetImages handles GET /v1/agents/images/{queue}.
func (h *AgentHandler) GetImages(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")

	images, err := h.queues.ImagesForQueue(r.Context(), queue)
	if err != nil {
		h.logger.Error("image lookup failed", zap.String("queue", queue), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, images)
}

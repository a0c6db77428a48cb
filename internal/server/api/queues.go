package api

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/server/repositories"
	"github.com/canonical/testflinger/internal/types"
)

// QueueHandler serves queue introspection: agents per queue, active jobs per
// queue, and wait-time statistics.
type QueueHandler struct {
	jobs   repositories.JobRepository
	agents repositories.AgentRepository
	queues repositories.QueueRepository
	logger *zap.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(
	jobs repositories.JobRepository,
	agents repositories.AgentRepository,
	queues repositories.QueueRepository,
	logger *zap.Logger,
) *QueueHandler {
	return &QueueHandler{
		jobs:   jobs,
		agents: agents,
		queues: queues,
		logger: logger.Named("queue_handler"),
	}
}

// Agents handles GET /v1/queues/{name}/agents. A queue nobody advertises and
// nobody serves is unknown; a known queue with no agents returns no content.
func (h *QueueHandler) Agents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	agents, err := h.agents.ForQueue(r.Context(), name)
	if err != nil {
		h.logger.Error("agent lookup failed", zap.String("queue", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	if len(agents) == 0 {
		advertised, err := h.queues.List(r.Context())
		if err != nil {
			h.logger.Error("queue list failed", zap.Error(err))
			ErrInternal(w)
			return
		}
		if _, ok := advertised[name]; !ok {
			ErrNotFound(w, "queue not found")
			return
		}
		NoContent(w)
		return
	}

	restricted, err := h.queues.RestrictedAmong(r.Context(), []string{name})
	if err != nil {
		h.logger.Error("restricted queue lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	views := make([]types.AgentData, 0, len(agents))
	for i := range agents {
		a := &agents[i]
		_, queues, err := h.agents.Get(r.Context(), a.Name)
		if err != nil {
			h.logger.Error("agent get failed", zap.String("agent", a.Name), zap.Error(err))
			ErrInternal(w)
			return
		}
		views = append(views, agentView(a, queues, restricted))
	}
	Ok(w, views)
}

// Jobs handles GET /v1/queues/{name}/jobs, listing the queue's non-terminal
// jobs in dispatch order.
func (h *QueueHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	jobs, err := h.jobs.ActiveByQueue(r.Context(), name)
	if err != nil {
		h.logger.Error("active job lookup failed", zap.String("queue", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	if len(jobs) == 0 {
		NoContent(w)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, map[string]any{
			"job_id":     job.ID,
			"created_at": job.CreatedAt.UTC().Format(time.RFC3339),
			"job_state":  job.State,
		})
	}
	Ok(w, out)
}

// WaitTimes handles GET /v1/queues/wait_times. Repeated queue parameters
// select specific queues; with none given all queues are reported.
func (h *QueueHandler) WaitTimes(w http.ResponseWriter, r *http.Request) {
	queues := r.URL.Query()["queue"]

	samples, err := h.jobs.WaitTimeSamples(r.Context(), queues)
	if err != nil {
		h.logger.Error("wait time lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	out := make(map[string]types.WaitTimePercentiles, len(samples))
	for queue, observed := range samples {
		out[queue] = percentiles(observed)
	}
	Ok(w, out)
}

// percentiles computes the reported percentiles over a sample set using
// linear interpolation between closest ranks.
func percentiles(samples []float64) types.WaitTimePercentiles {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	out := make(types.WaitTimePercentiles, len(types.PercentileKeys))
	for _, p := range types.PercentileKeys {
		out[strconv.Itoa(p)] = percentile(sorted, float64(p))
	}
	return out
}

func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
